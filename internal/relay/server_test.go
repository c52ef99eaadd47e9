package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips periodic traffic until the wanted event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("event %s not received", event)
	return protocol.Envelope{}
}

func TestRelay_EndToEnd(t *testing.T) {
	r, st := newTestRelay(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/device", r.ServeDevice)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		r.ServeApp(w, req, alice)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	device := dial(t, base+"/device")
	require.NoError(t, device.SetReadDeadline(time.Now().Add(2*time.Second)))
	var confirm protocol.ConnectionConfirmed
	require.NoError(t, device.ReadJSON(&confirm))
	assert.Equal(t, protocol.TypeConnectionConfirmed, confirm.Type)
	assert.True(t, strings.HasPrefix(confirm.ClientID, "device_"))
	assert.Equal(t, "127.0.0.1", confirm.NetworkInfo.ClientIP)

	app := dial(t, base+"/ws")
	var welcome protocol.Welcome
	require.NoError(t, readUntil(t, app, protocol.EventWelcome).ParseData(&welcome))
	assert.True(t, welcome.DeviceStatus.Connected)
	assert.Equal(t, confirm.ClientID, welcome.DeviceStatus.Devices[0].ID)

	// Device telemetry reaches the app.
	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte(`{"type":"sensor","data":{"distance":12}}`)))
	var sensor map[string]any
	require.NoError(t, readUntil(t, app, protocol.EventSensorData).ParseData(&sensor))
	assert.Equal(t, confirm.ClientID, sensor["connection_id"])

	// An app command is pushed to the device and persisted.
	env, err := protocol.NewEnvelope(protocol.RequestCommand, protocol.CommandRequest{Action: "forward"})
	require.NoError(t, err)
	require.NoError(t, app.WriteJSON(env))

	require.NoError(t, device.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame protocol.CommandFrame
	require.NoError(t, device.ReadJSON(&frame))
	assert.Equal(t, "forward", frame.Action)
	require.NotEmpty(t, frame.ID)

	var result protocol.CommandResult
	require.NoError(t, readUntil(t, app, protocol.EventCommandResult).ParseData(&result))
	assert.True(t, result.Pushed)
	assert.Equal(t, frame.ID, result.CommandID)

	stored, err := st.GetCommand(context.Background(), frame.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.IssuerName)

	// Closing the device socket is reported once with reason closed.
	require.NoError(t, device.Close())
	var gone protocol.DeviceDisconnected
	require.NoError(t, readUntil(t, app, protocol.EventDeviceDisconnected).ParseData(&gone))
	assert.Equal(t, protocol.ReasonClosed, gone.Reason)

	require.Eventually(t, func() bool { return r.Devices.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.Apps.Count())
}

func TestRelay_RejectsDisallowedOrigin(t *testing.T) {
	r, _ := newTestRelay(t)
	r.opts.AllowedOrigins = []string{"https://car.example.com"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeApp(w, req, alice)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, r.Apps.Count())
}

func TestRelay_CloseNotifiesApps(t *testing.T) {
	r, _ := newTestRelay(t)
	r.Start(context.Background())

	app := attachApp(t, r, alice)
	dev := attachDevice(r)

	r.Close()

	var gone protocol.DeviceDisconnected
	require.NoError(t, nextEvent(t, app.peer, protocol.EventDeviceDisconnected).ParseData(&gone))
	assert.Equal(t, protocol.ReasonShutdown, gone.Reason)
	assert.Equal(t, dev.ID, gone.ConnectionID)
	assert.False(t, app.Writable())
	assert.Equal(t, 0, r.Apps.Count())
	assert.False(t, r.Stats().Running)
}
