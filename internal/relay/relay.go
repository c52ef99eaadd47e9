// Package relay connects operator apps and the car controller.
//
// It owns the two connection pools (apps on the managed socket, devices on
// the raw socket), routes inbound device frames to app broadcasts, evicts
// devices whose heartbeat goes silent, and dispatches commands: pushed to
// every live device when possible and always persisted so the device can
// pull the oldest pending command later. The command store is the only
// record of whether a command has been executed.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/carrelay/internal/command"
	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/markus-barta/carrelay/internal/store"
	"github.com/rs/zerolog"
)

// Store is the persistence the relay depends on.
type Store interface {
	CreateCommand(ctx context.Context, issuerID, issuerName string, action command.Action) (*command.Command, error)
	GetCommand(ctx context.Context, id string) (*command.Command, error)
	FetchOldestPending(ctx context.Context) (*command.Command, error)
	MarkExecuted(ctx context.Context, id string, report command.Report) (bool, error)
	ExpirePending(ctx context.Context, cutoff time.Time, reason string) ([]*command.Command, error)
	AppendEvent(ctx context.Context, e store.Event) error
}

// Options tunes timers and transport policy.
type Options struct {
	HeartbeatTimeout           time.Duration
	SweepInterval              time.Duration
	StatusInterval             time.Duration
	BatteryPollInterval        time.Duration // 0 disables polling
	HeartbeatBroadcastInterval time.Duration // 0 forwards every heartbeat
	PendingTTL                 time.Duration // 0 disables expiry
	ExpiryInterval             time.Duration
	AllowedOrigins             []string // app socket; empty = allow all
	DevicePort                 int      // reported to devices in connection_confirmed
}

// DefaultOptions returns the stock timers.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout:           60 * time.Second,
		SweepInterval:              3 * time.Second,
		StatusInterval:             3 * time.Second,
		BatteryPollInterval:        30 * time.Second,
		HeartbeatBroadcastInterval: 5 * time.Second,
		PendingTTL:                 10 * time.Minute,
		ExpiryInterval:             time.Minute,
	}
}

// panicRecoveryDelay throttles restarts of a crashed background loop.
const panicRecoveryDelay = time.Second

// Relay is the process-wide relay service. Construct with New, start the
// background loops with Start, and tear down with Close.
type Relay struct {
	log   zerolog.Logger
	store Store
	opts  Options
	now   func() time.Time

	Devices *Pool[*DeviceConn]
	Apps    *Pool[*AppConn]

	batteryMu sync.RWMutex
	battery   *protocol.BatteryStatus

	sinksMu sync.RWMutex
	sinks   []EventSink

	deviceUpgrader websocket.Upgrader
	appUpgrader    websocket.Upgrader

	startedAt time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a relay over the given store.
func New(log zerolog.Logger, st Store, opts Options) *Relay {
	r := &Relay{
		log:       log.With().Str("component", "relay").Logger(),
		store:     st,
		opts:      opts,
		now:       time.Now,
		Devices:   NewPool[*DeviceConn](),
		Apps:      NewPool[*AppConn](),
		startedAt: time.Now(),
	}
	r.deviceUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Embedded firmware sends no Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	r.appUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		// Native mobile clients do not send an Origin.
		return true
	}
	for _, allowed := range r.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start launches the liveness sweep, the status/battery loop and the
// pending-command expiry loop. They stop when ctx is done or Close is called.
func (r *Relay) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.goLoop(ctx, "liveness sweep", r.opts.SweepInterval, func(now time.Time) {
		r.sweep(now)
	})
	r.goLoop(ctx, "device status", r.opts.StatusInterval, func(time.Time) {
		r.broadcastStatus()
	})
	if r.opts.BatteryPollInterval > 0 {
		r.goLoop(ctx, "battery poll", r.opts.BatteryPollInterval, func(time.Time) {
			r.pollBattery()
		})
	}
	if r.opts.PendingTTL > 0 && r.opts.ExpiryInterval > 0 {
		r.goLoop(ctx, "pending expiry", r.opts.ExpiryInterval, func(now time.Time) {
			r.expirePending(ctx, now)
		})
	}

	r.log.Info().
		Dur("heartbeat_timeout", r.opts.HeartbeatTimeout).
		Dur("sweep_interval", r.opts.SweepInterval).
		Dur("pending_ttl", r.opts.PendingTTL).
		Msg("relay started")
}

// goLoop runs tick on a fixed period until ctx is done, restarting after a
// panic while ctx is still active.
func (r *Relay) goLoop(ctx context.Context, name string, interval time.Duration, tick func(now time.Time)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			err := r.runLoop(ctx, interval, tick)
			if err == nil || ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Str("loop", name).Msg("loop crashed, restarting...")
			select {
			case <-ctx.Done():
				return
			case <-time.After(panicRecoveryDelay):
			}
		}
	}()
}

func (r *Relay) runLoop(ctx context.Context, interval time.Duration, tick func(now time.Time)) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(r.now())
		}
	}
}

// Close stops the background loops and closes every connection. Apps are
// told about each device that goes away before their own sockets close.
func (r *Relay) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.running.Store(false)

	for _, dev := range r.Devices.Snapshot() {
		r.dropDevice(dev, protocol.ReasonShutdown)
	}
	for _, app := range r.Apps.Snapshot() {
		if r.Apps.UnregisterIf(app.ID, app) {
			app.Close()
		}
	}
	metrics.SetConnections(metrics.PoolApp, 0)
	r.log.Info().Msg("relay closed")
}

// ═══════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════

// Status summarizes the device pool.
func (r *Relay) Status() protocol.DeviceStatus {
	now := r.now()
	devs := r.Devices.Snapshot()
	sort.Slice(devs, func(i, j int) bool {
		return devs[i].ConnectedAt.Before(devs[j].ConnectedAt)
	})

	summaries := make([]protocol.DeviceSummary, 0, len(devs))
	for _, d := range devs {
		summaries = append(summaries, d.Summary(now))
	}

	return protocol.DeviceStatus{
		Connected: len(summaries) > 0,
		Count:     len(summaries),
		Devices:   summaries,
		Battery:   r.batterySnapshot(),
		Timestamp: now.UTC(),
	}
}

// Stats are counters for the admin view.
type Stats struct {
	AppClients        int        `json:"app_clients"`
	DeviceClients     int        `json:"device_clients"`
	UptimeSeconds     float64    `json:"uptime_seconds"`
	LastBatteryUpdate *time.Time `json:"last_battery_update,omitempty"`
	Running           bool       `json:"running"`
}

// Stats returns pool sizes and uptime.
func (r *Relay) Stats() Stats {
	s := Stats{
		AppClients:    r.Apps.Count(),
		DeviceClients: r.Devices.Count(),
		UptimeSeconds: r.now().Sub(r.startedAt).Seconds(),
		Running:       r.running.Load(),
	}
	if b := r.batterySnapshot(); b != nil {
		ts := b.Timestamp
		s.LastBatteryUpdate = &ts
	}
	return s
}

// Health is the relay part of the health endpoint.
type Health struct {
	Relay        Stats                  `json:"relay"`
	DeviceStatus protocol.DeviceStatus  `json:"device_status"`
	Battery      protocol.BatteryStatus `json:"battery"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Health returns a full snapshot for health checks.
func (r *Relay) Health() Health {
	return Health{
		Relay:        r.Stats(),
		DeviceStatus: r.Status(),
		Battery:      r.BatteryStatus(),
		Timestamp:    r.now().UTC(),
	}
}

// broadcastStatus sends device_status to apps when any are connected.
func (r *Relay) broadcastStatus() {
	if r.Apps.Count() == 0 {
		return
	}
	r.Broadcast(protocol.EventDeviceStatus, r.Status())
}

// ═══════════════════════════════════════════════════════════════════════════
// TELEMETRY SNAPSHOT
// ═══════════════════════════════════════════════════════════════════════════

func (r *Relay) setBattery(b protocol.BatteryStatus) {
	r.batteryMu.Lock()
	r.battery = &b
	r.batteryMu.Unlock()
}

func (r *Relay) batterySnapshot() *protocol.BatteryStatus {
	r.batteryMu.RLock()
	defer r.batteryMu.RUnlock()
	if r.battery == nil {
		return nil
	}
	b := *r.battery
	return &b
}

// BatteryStatus returns the last battery report, or an "unknown" status
// when the device has not reported yet.
func (r *Relay) BatteryStatus() protocol.BatteryStatus {
	if b := r.batterySnapshot(); b != nil {
		return *b
	}
	return protocol.BatteryStatus{Status: "unknown", Timestamp: r.now().UTC()}
}

// pollBattery asks devices for a fresh battery report while apps are watching.
func (r *Relay) pollBattery() {
	if r.Apps.Count() == 0 {
		return
	}
	r.pushFrame(protocol.NewCommandFrame(actionGetBattery, "", r.now()))
}

// actionGetBattery is a firmware query, not an operator command; it is never
// persisted.
const actionGetBattery = "get_battery"
