package relay

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/markus-barta/carrelay/internal/store"
	"golang.org/x/time/rate"
)

// DeviceConn is one live link to a car controller.
type DeviceConn struct {
	*peer

	ID          string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	lastHeartbeat atomic.Int64 // unix nanos
	heartbeats    *rate.Limiter
}

func newDeviceConn(conn *websocket.Conn, remoteAddr, userAgent string, now time.Time, hbInterval time.Duration) *DeviceConn {
	limit := rate.Inf
	if hbInterval > 0 {
		limit = rate.Every(hbInterval)
	}
	d := &DeviceConn{
		peer:        newPeer(conn),
		ID:          "device_" + uuid.NewString(),
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: now,
		heartbeats:  rate.NewLimiter(limit, 1),
	}
	d.touch(now)
	return d
}

// LastHeartbeat returns when the device was last heard from.
func (d *DeviceConn) LastHeartbeat() time.Time {
	return time.Unix(0, d.lastHeartbeat.Load())
}

func (d *DeviceConn) touch(now time.Time) {
	d.lastHeartbeat.Store(now.UnixNano())
}

// Summary describes the connection for status broadcasts.
func (d *DeviceConn) Summary(now time.Time) protocol.DeviceSummary {
	return protocol.DeviceSummary{
		ID:                 d.ID,
		RemoteAddr:         d.RemoteAddr,
		UserAgent:          d.UserAgent,
		ConnectedAt:        d.ConnectedAt.UTC(),
		LastHeartbeat:      d.LastHeartbeat().UTC(),
		Connected:          d.Writable(),
		ConnectionDuration: now.Sub(d.ConnectedAt).Milliseconds(),
	}
}

// ServeDevice upgrades a request on the device listener and serves the
// connection until it closes or is evicted.
func (r *Relay) ServeDevice(w http.ResponseWriter, req *http.Request) {
	conn, err := r.deviceUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("device upgrade failed")
		return
	}

	remote := remoteIP(req)
	dev := newDeviceConn(conn, remote, req.UserAgent(), r.now(), r.opts.HeartbeatBroadcastInterval)
	r.registerDevice(dev)

	confirm := protocol.NewConnectionConfirmed(dev.ID, protocol.NetworkInfo{
		ClientIP:   remote,
		ServerPort: r.opts.DevicePort,
	}, r.now())
	if data, err := marshal(confirm); err == nil {
		dev.SafeSend(data)
	}

	go dev.writePump(false)
	r.deviceReadPump(dev)
}

func (r *Relay) registerDevice(dev *DeviceConn) {
	r.Devices.Register(dev.ID, dev)
	metrics.SetConnections(metrics.PoolDevice, r.Devices.Count())

	r.log.Info().
		Str("conn", dev.ID).
		Str("ip", dev.RemoteAddr).
		Str("user_agent", dev.UserAgent).
		Msg("device connected")
}

// deviceReadPump feeds inbound frames to Route in arrival order. There is no
// read deadline: liveness is judged by the sweep, not the transport.
func (r *Relay) deviceReadPump(dev *DeviceConn) {
	defer r.dropDevice(dev, protocol.ReasonClosed)

	dev.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := dev.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug().Err(err).Str("conn", dev.ID).Msg("device read error")
			}
			return
		}
		r.Route(dev.ID, data)
	}
}

// dropDevice removes dev from the pool, closes its transport and tells apps.
// Only the caller that actually removes the entry does the rest, so a close
// racing an eviction produces a single device_disconnected.
func (r *Relay) dropDevice(dev *DeviceConn, reason string) bool {
	if !r.Devices.UnregisterIf(dev.ID, dev) {
		return false
	}
	dev.forceClose()
	metrics.SetConnections(metrics.PoolDevice, r.Devices.Count())

	now := r.now()
	evt := r.log.Info()
	if reason == protocol.ReasonHeartbeatTimeout {
		evt = r.log.Warn().Dur("silent_for", now.Sub(dev.LastHeartbeat()))
	}
	evt.Str("conn", dev.ID).Str("reason", reason).Msg("device disconnected")

	r.Broadcast(protocol.EventDeviceDisconnected, protocol.DeviceDisconnected{
		ConnectionID:   dev.ID,
		Reason:         reason,
		DisconnectedAt: now.UTC(),
		Message:        disconnectMessage(reason),
	})

	if reason == protocol.ReasonHeartbeatTimeout {
		r.audit(store.Event{
			Category: store.CategoryDevice,
			Level:    "warn",
			Action:   "evicted",
			Message:  "Device evicted after heartbeat silence",
			Details: map[string]any{
				"connection_id":  dev.ID,
				"ip":             dev.RemoteAddr,
				"last_heartbeat": dev.LastHeartbeat().UTC(),
			},
			RemoteAddr: dev.RemoteAddr,
			UserAgent:  dev.UserAgent,
		})
	}
	return true
}

func disconnectMessage(reason string) string {
	switch reason {
	case protocol.ReasonHeartbeatTimeout:
		return "Car connection timed out"
	case protocol.ReasonShutdown:
		return "Relay shutting down"
	}
	return "Car disconnected"
}

func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
