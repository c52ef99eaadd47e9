package relay

import (
	"time"

	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
)

// sweep evicts every device whose last heartbeat is at least the timeout
// before now. It works on a pool snapshot and holds no lock while evicting,
// so broadcasts to the app pool never nest inside the device pool.
func (r *Relay) sweep(now time.Time) int {
	evicted := 0
	for _, dev := range r.Devices.Snapshot() {
		if now.Sub(dev.LastHeartbeat()) < r.opts.HeartbeatTimeout {
			continue
		}
		if r.dropDevice(dev, protocol.ReasonHeartbeatTimeout) {
			metrics.IncEviction()
			evicted++
		}
	}
	return evicted
}
