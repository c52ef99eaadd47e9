package relay

import (
	"encoding/json"
	"time"

	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
)

// EventSink receives a copy of every app broadcast. Publish must not block
// for long; failures are the sink's own concern.
type EventSink interface {
	Publish(event string, payload []byte)
}

// AddSink registers a sink for all subsequent broadcasts.
func (r *Relay) AddSink(s EventSink) {
	r.sinksMu.Lock()
	r.sinks = append(r.sinks, s)
	r.sinksMu.Unlock()
}

// Broadcast delivers a named event to every app connected at call time.
// Delivery is best effort: a failing recipient is counted and skipped, and
// nothing is returned to the caller.
func (r *Relay) Broadcast(event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}

	apps := r.Apps.Snapshot()
	failed := 0
	for _, app := range apps {
		if !app.SafeSend(data) {
			failed++
		}
	}
	metrics.IncBroadcast(event, failed)
	if failed > 0 {
		r.log.Debug().Str("event", event).Int("failed", failed).Int("recipients", len(apps)).Msg("broadcast partially delivered")
	}

	r.sinksMu.RLock()
	sinks := make([]EventSink, len(r.sinks))
	copy(sinks, r.sinks)
	r.sinksMu.RUnlock()

	for _, s := range sinks {
		r.publish(s, event, env.Data)
	}
}

// publish isolates sink panics from the broadcaster.
func (r *Relay) publish(s EventSink, event string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("event", event).Msg("event sink panicked")
		}
	}()
	s.Publish(event, payload)
}

// sendTo delivers a named event to a single app.
func (r *Relay) sendTo(app *AppConn, event string, payload any) bool {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	return app.SafeSend(data)
}

// Notify broadcasts an operator notification.
func (r *Relay) Notify(kind, message string, data map[string]any) {
	r.Broadcast(protocol.EventNotification, protocol.Notification{
		Type:      kind,
		Message:   message,
		Data:      data,
		Timestamp: r.now().UTC(),
	})
}

// pushFrame sends an outbound frame to every writable device and returns how
// many accepted it.
func (r *Relay) pushFrame(frame any) int {
	data, err := marshal(frame)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode device frame")
		return 0
	}

	sent := 0
	r.Devices.ForEach(func(id string, dev *DeviceConn) {
		if !dev.Writable() {
			return
		}
		if dev.SafeSend(data) {
			sent++
		} else {
			r.log.Warn().Str("conn", id).Msg("device not writable, frame dropped")
		}
	})
	return sent
}

// PingDevices sends an application ping to every device and returns how many
// were reachable.
func (r *Relay) PingDevices() int {
	n := r.pushFrame(protocol.NewPing(r.now()))
	r.log.Debug().Int("devices", n).Msg("pinged devices")
	return n
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ts formats server time for payload maps.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
