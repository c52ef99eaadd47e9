package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/markus-barta/carrelay/internal/relay"
	"github.com/markus-barta/carrelay/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret      = "test-secret-at-least-32-bytes-long!"
	testDeviceToken = "car-shared-secret"
)

var (
	driver = auth.Operator{ID: "u-driver", Name: "driver", Role: auth.RoleUser, HasAccess: true}
	viewer = auth.Operator{ID: "u-viewer", Name: "viewer", Role: auth.RoleUser}
	admin  = auth.Operator{ID: "u-admin", Name: "admin", Role: auth.RoleAdmin}
)

type testEnv struct {
	srv   *httptest.Server
	relay *relay.Relay
	store *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hash, err := auth.HashDeviceToken(testDeviceToken)
	require.NoError(t, err)

	st := store.New(zerolog.Nop(), db)
	rl := relay.New(zerolog.Nop(), st, relay.DefaultOptions())
	s := New(zerolog.Nop(), rl, st, auth.NewVerifier(testSecret), auth.NewDeviceGate(hash), "test")

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, relay: rl, store: st}
}

func tokenFor(t *testing.T, op auth.Operator) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, op, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request and decodes the JSON response body.
func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) as(t *testing.T, op auth.Operator, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.do(t, method, path, map[string]string{"Authorization": "Bearer " + tokenFor(t, op)}, body)
}

func (e *testEnv) asDevice(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.do(t, method, path, map[string]string{"X-Device-Token": testDeviceToken}, body)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_Required(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/commands/send", nil, map[string]string{"action": "forward"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/commands/send",
		map[string]string{"Authorization": "Bearer not-a-token"}, map[string]string{"action": "forward"})
	assert.Equal(t, http.StatusUnauthorized, status)

	other, err := auth.IssueToken("some-other-secret-32-bytes-long!!!", driver, time.Hour)
	require.NoError(t, err)
	status, _ = env.do(t, http.MethodPost, "/api/commands/send",
		map[string]string{"Authorization": "Bearer " + other}, map[string]string{"action": "forward"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSendCommand(t *testing.T) {
	env := newTestEnv(t)

	t.Run("without access", func(t *testing.T) {
		status, body := env.as(t, viewer, http.MethodPost, "/api/commands/send", map[string]string{"action": "forward"})
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, false, body["success"])
	})

	t.Run("invalid action", func(t *testing.T) {
		status, body := env.as(t, driver, http.MethodPost, "/api/commands/send", map[string]string{"action": "jump"})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "INVALID_COMMAND", body["error"])
		assert.Equal(t, "jump", body["receivedCommand"])
	})

	t.Run("queued while car offline", func(t *testing.T) {
		status, body := env.as(t, driver, http.MethodPost, "/api/commands/send", map[string]string{"action": "forward"})
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, false, body["pushed"])

		cmd, ok := body["command"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "forward", cmd["action"])
		assert.Equal(t, driver.ID, cmd["user_id"])
		assert.Equal(t, false, cmd["executed"])
	})

	_, total, err := env.store.ListCommands(context.Background(), store.CommandFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "rejected requests create no records")
}

func TestEmergencyStop_NoAccessCheck(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.as(t, viewer, http.MethodPost, "/api/commands/emergency-stop", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	cmd := body["command"].(map[string]any)
	assert.Equal(t, "stop", cmd["action"])
	assert.Equal(t, viewer.ID, cmd["user_id"])

	events, _, err := env.store.ListEvents(context.Background(), store.EventFilter{ActorID: viewer.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "http", events[0].Details["channel"])
}

func TestPullQueue(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodGet, "/api/commands/latest", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "device token required")

	status, body := env.asDevice(t, http.MethodGet, "/api/commands/latest", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["command"])

	env.as(t, driver, http.MethodPost, "/api/commands/send", map[string]string{"action": "left"})
	env.as(t, driver, http.MethodPost, "/api/commands/send", map[string]string{"action": "right"})

	_, body = env.asDevice(t, http.MethodGet, "/api/commands/latest", nil)
	first := body["command"].(map[string]any)
	assert.Equal(t, "left", first["action"])
	id := first["id"].(string)

	status, body = env.asDevice(t, http.MethodPost, "/api/commands/executed", map[string]any{
		"commandId": id, "success": true, "response": "ok",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["applied"])

	status, body = env.asDevice(t, http.MethodPost, "/api/commands/executed", map[string]any{
		"commandId": id, "success": false, "error": "late",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["applied"])

	_, body = env.asDevice(t, http.MethodGet, "/api/commands/latest", nil)
	assert.Equal(t, "right", body["command"].(map[string]any)["action"])

	status, _ = env.asDevice(t, http.MethodPost, "/api/commands/executed", map[string]any{"commandId": "missing"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.asDevice(t, http.MethodPost, "/api/commands/executed", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCommandHistory_ScopedToCaller(t *testing.T) {
	env := newTestEnv(t)

	env.as(t, driver, http.MethodPost, "/api/commands/send", map[string]string{"action": "forward"})
	env.as(t, admin, http.MethodPost, "/api/commands/send", map[string]string{"action": "stop"})

	_, body := env.as(t, driver, http.MethodGet, "/api/commands/history", nil)
	assert.Len(t, body["commands"], 1)
	assert.EqualValues(t, 1, body["pagination"].(map[string]any)["total"])

	_, body = env.as(t, admin, http.MethodGet, "/api/commands/history", nil)
	assert.Len(t, body["commands"], 2)

	_, body = env.as(t, admin, http.MethodGet, "/api/commands/history?user_id="+driver.ID, nil)
	assert.Len(t, body["commands"], 1)

	// Non-admins cannot widen the filter.
	_, body = env.as(t, viewer, http.MethodGet, "/api/commands/history?user_id="+driver.ID, nil)
	assert.Equal(t, []any{}, body["commands"], "empty history is an empty list")
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/commands/stats", nil},
		{http.MethodGet, "/api/device/stats", nil},
		{http.MethodPost, "/api/device/notification", map[string]string{"message": "hello"}},
		{http.MethodGet, "/api/logs", nil},
	}

	for _, rt := range routes {
		t.Run(rt.path, func(t *testing.T) {
			status, _ := env.as(t, driver, rt.method, rt.path, rt.body)
			assert.Equal(t, http.StatusForbidden, status)

			status, body := env.as(t, admin, rt.method, rt.path, rt.body)
			assert.Equal(t, http.StatusOK, status)
			assert.Equal(t, true, body["success"])
		})
	}
}

func TestNotification_RejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.as(t, admin, http.MethodPost, "/api/device/notification", map[string]string{"type": "party"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t)

	env.as(t, driver, http.MethodPost, "/api/commands/send", map[string]string{"action": "backward"})
	env.as(t, admin, http.MethodPost, "/api/commands/send", map[string]string{"action": "stop"})

	_, body := env.as(t, admin, http.MethodGet, "/api/logs?action=backward", nil)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "driver", logs[0].(map[string]any)["username"])

	_, body = env.as(t, driver, http.MethodGet, "/api/logs/user", nil)
	assert.Len(t, body["logs"], 1)
}

func TestDeviceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/device/status", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Car offline", body["message"])

	status, body = env.do(t, http.MethodPost, "/api/device/ping", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["activeClients"])

	status, body = env.as(t, viewer, http.MethodGet, "/api/device/battery", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unknown", body["battery"].(map[string]any)["status"])

	status, _ = env.as(t, driver, http.MethodPost, "/api/device/mode", map[string]string{"mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.as(t, driver, http.MethodPost, "/api/device/mode", map[string]string{"mode": "auto"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "auto", body["command"].(map[string]any)["action"])

	status, _ = env.as(t, viewer, http.MethodPost, "/api/device/mode", map[string]string{"mode": "manual"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSensorUpload(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.asDevice(t, http.MethodPost, "/api/device/sensor", map[string]any{"distance": "far"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.asDevice(t, http.MethodPost, "/api/device/sensor", map[string]any{"distance": 42.5})
	assert.Equal(t, http.StatusOK, status)
}

func TestAppSocket_TokenInQuery(t *testing.T) {
	env := newTestEnv(t)
	base := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+tokenFor(t, driver), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env0 protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env0))
	assert.Equal(t, protocol.EventWelcome, env0.Event)

	require.Eventually(t, func() bool { return env.relay.Apps.Count() == 1 }, time.Second, 10*time.Millisecond)
}
