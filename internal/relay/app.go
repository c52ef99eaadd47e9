package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/command"
	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
)

// AppConn is one live link to an operator app.
type AppConn struct {
	*peer

	ID          string
	Operator    auth.Operator
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time
}

func newAppConn(conn *websocket.Conn, op auth.Operator, remoteAddr, userAgent string, now time.Time) *AppConn {
	return &AppConn{
		peer:        newPeer(conn),
		ID:          "app_" + uuid.NewString(),
		Operator:    op,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: now,
	}
}

// ServeApp upgrades an authenticated operator request and serves the app
// connection until it closes.
func (r *Relay) ServeApp(w http.ResponseWriter, req *http.Request, op auth.Operator) {
	conn, err := r.appUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("app upgrade failed")
		return
	}

	app := newAppConn(conn, op, remoteIP(req), req.UserAgent(), r.now())
	r.registerApp(app)

	go app.writePump(true)
	r.appReadPump(app)
}

// registerApp adds app to the pool and greets it with the current device
// status and last battery report.
func (r *Relay) registerApp(app *AppConn) {
	r.Apps.Register(app.ID, app)
	metrics.SetConnections(metrics.PoolApp, r.Apps.Count())

	r.log.Info().
		Str("conn", app.ID).
		Str("operator", app.Operator.Name).
		Str("ip", app.RemoteAddr).
		Msg("app connected")

	status := r.Status()
	r.sendTo(app, protocol.EventWelcome, protocol.Welcome{
		Message:      "Connected to car relay",
		ConnectionID: app.ID,
		DeviceStatus: status,
		Battery:      r.batterySnapshot(),
		ServerTime:   r.now().UTC(),
	})
	r.sendTo(app, protocol.EventDeviceStatus, status)
}

func (r *Relay) unregisterApp(app *AppConn) {
	if !r.Apps.UnregisterIf(app.ID, app) {
		return
	}
	app.Close()
	metrics.SetConnections(metrics.PoolApp, r.Apps.Count())
	r.log.Info().Str("conn", app.ID).Str("operator", app.Operator.Name).Msg("app disconnected")
}

func (r *Relay) appReadPump(app *AppConn) {
	defer func() {
		r.unregisterApp(app)
		_ = app.conn.Close()
	}()

	app.conn.SetReadLimit(maxMessageSize)
	_ = app.conn.SetReadDeadline(time.Now().Add(pongWait))
	app.conn.SetPongHandler(func(string) error {
		_ = app.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := app.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug().Err(err).Str("conn", app.ID).Msg("app read error")
			}
			return
		}
		_ = app.conn.SetReadDeadline(time.Now().Add(pongWait))
		r.handleAppMessage(app, data)
	}
}

// handleAppMessage serves requests sent over the app socket.
func (r *Relay) handleAppMessage(app *AppConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Debug().Err(err).Str("conn", app.ID).Msg("ignoring malformed app message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ctx = WithSource(ctx, Source{Channel: "socket", RemoteAddr: app.RemoteAddr, UserAgent: app.UserAgent})

	switch env.Event {
	case protocol.RequestCommand:
		var req protocol.CommandRequest
		if err := env.ParseData(&req); err != nil {
			r.reject(app, "Malformed command request")
			return
		}
		if !app.Operator.CanCommand() {
			r.reject(app, "Access denied. Contact an administrator to grant access.")
			return
		}
		r.dispatchFromApp(ctx, app, req.Action)

	case protocol.RequestChangeMode:
		var req protocol.ChangeModeRequest
		if err := env.ParseData(&req); err != nil {
			r.reject(app, "Malformed mode request")
			return
		}
		if !app.Operator.CanCommand() {
			r.reject(app, "Access denied. Contact an administrator to grant access.")
			return
		}
		action, ok := ModeAction(req.Mode)
		if !ok {
			r.reject(app, "Unknown mode: "+req.Mode)
			return
		}
		r.dispatchFromApp(ctx, app, string(action))

	case protocol.RequestBattery:
		r.RequestBattery(app)

	default:
		r.log.Debug().Str("conn", app.ID).Str("event", env.Event).Msg("ignoring unknown app event")
	}
}

func (r *Relay) dispatchFromApp(ctx context.Context, app *AppConn, action string) {
	_, err := r.Dispatch(ctx, action, app.Operator)
	if errors.Is(err, command.ErrInvalidAction) {
		r.reject(app, "Invalid command: "+action)
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("conn", app.ID).Msg("dispatch from app failed")
		r.reject(app, "Failed to issue command")
	}
}

// RequestBattery answers app with the last battery report, or asks the
// devices for one when nothing has been reported yet.
func (r *Relay) RequestBattery(app *AppConn) {
	if b := r.batterySnapshot(); b != nil {
		r.sendTo(app, protocol.EventBatteryData, b)
		return
	}
	r.pushFrame(protocol.NewCommandFrame(actionGetBattery, "", r.now()))
}

// reject tells a single app its request was refused.
func (r *Relay) reject(app *AppConn, message string) {
	r.sendTo(app, protocol.EventNotification, protocol.Notification{
		Type:      protocol.NotifyError,
		Message:   message,
		Timestamp: r.now().UTC(),
	})
}

// ModeAction maps a driving mode onto its command.
func ModeAction(mode string) (command.Action, bool) {
	switch mode {
	case "auto", "autonomous":
		return command.Auto, true
	case "manual":
		return command.Manual, true
	}
	return "", false
}
