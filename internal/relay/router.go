package relay

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/carrelay/internal/command"
	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/markus-barta/carrelay/internal/store"
)

// storeTimeout bounds store calls made from transport goroutines.
const storeTimeout = 5 * time.Second

// Route handles one inbound frame from device connection connID. Frames from
// one connection are routed in arrival order by its read pump. Malformed
// frames are logged and dropped without touching liveness.
func (r *Relay) Route(connID string, raw []byte) {
	dev, ok := r.Devices.Get(connID)
	if !ok {
		metrics.IncFrameDropped("unregistered")
		r.log.Debug().Str("conn", connID).Msg("frame from unregistered connection dropped")
		return
	}

	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		metrics.IncFrameDropped("malformed")
		r.log.Warn().Err(err).Str("conn", connID).Str("raw", preview(raw)).Msg("dropping malformed device frame")
		return
	}

	now := r.now()
	dev.touch(now)
	metrics.IncFrame(string(frame.Kind()))

	payload := annotate(frame.Fields(), connID, now)

	switch f := frame.(type) {
	case *protocol.DeviceInfo:
		r.log.Info().Str("conn", connID).Str("device", f.Device).Str("firmware", f.Firmware).Msg("device info")
		r.Broadcast(protocol.EventDeviceConnected, payload)

	case *protocol.Sensor:
		r.Broadcast(protocol.EventSensorData, payload)

	case *protocol.Battery:
		r.setBattery(protocol.BatteryStatus{
			Voltage:       f.Voltage,
			Percentage:    f.Percentage,
			Status:        f.Status,
			PowerSaveMode: f.PowerSaveMode,
			ConnectionID:  connID,
			Timestamp:     now.UTC(),
		})
		r.Broadcast(protocol.EventBatteryData, payload)

	case *protocol.ExecutionStatus:
		r.log.Info().
			Str("conn", connID).
			Str("command", f.Command).
			Str("status", f.Status).
			Str("id", f.CommandID).
			Msg("command status from device")
		r.Broadcast(protocol.EventCommandStatus, payload)
		if f.CommandID != "" {
			r.acknowledge(f)
		}

	case *protocol.Heartbeat:
		r.log.Debug().Str("conn", connID).Msg("heartbeat")
		if dev.heartbeats.AllowN(now, 1) {
			r.Broadcast(protocol.EventHeartbeat, payload)
		}

	case *protocol.ModeChange:
		r.log.Info().Str("conn", connID).Str("mode", f.Mode).Msg("device mode changed")
		r.Broadcast(protocol.EventModeChange, payload)

	case *protocol.ErrorReport:
		r.log.Warn().Str("conn", connID).Str("message", f.Message).Msg("device error")
		r.Broadcast(protocol.EventDeviceError, payload)

	case *protocol.LogLine:
		r.log.Debug().Str("conn", connID).Str("message", f.Message).Msg("device log")
		r.Broadcast(protocol.EventDeviceLog, payload)

	default:
		metrics.IncFrameDropped("unknown_kind")
		r.log.Debug().Str("conn", connID).Interface("type", frame.Fields()["type"]).Msg("ignoring unrecognized frame")
	}
}

// acknowledge records a push acknowledgment carrying a command id. The
// command_status broadcast already told the apps, so nothing else is sent.
func (r *Relay) acknowledge(f *protocol.ExecutionStatus) {
	report := command.Report{Success: f.Succeeded()}
	detail := f.Message
	if detail == "" {
		detail = f.Status
	}
	if report.Success {
		report.Response = detail
	} else {
		report.Error = detail
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	applied, err := r.store.MarkExecuted(ctx, f.CommandID, report)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.log.Debug().Str("id", f.CommandID).Msg("status for unknown command id")
	case err != nil:
		r.log.Error().Err(err).Str("id", f.CommandID).Msg("failed to record command status")
	case applied:
		metrics.AddCommandResults(resultStatus(report), 1)
	}
}

// annotate copies the device fields and stamps them with the connection id
// and the server receipt time. A device-supplied timestamp is kept under
// device_timestamp.
func annotate(fields map[string]any, connID string, now time.Time) map[string]any {
	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	if deviceTS, ok := fields["timestamp"]; ok {
		out["device_timestamp"] = deviceTS
	}
	out["connection_id"] = connID
	out["timestamp"] = ts(now)
	return out
}

func preview(raw []byte) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
