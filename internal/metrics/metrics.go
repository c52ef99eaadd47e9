// Package metrics exposes Prometheus collectors for the relay. Helpers are
// no-ops until Init has been called, so packages can record unconditionally.
package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const metricPrefix = "carrelay_"

// Pool labels.
const (
	PoolDevice = "device"
	PoolApp    = "app"
)

var (
	registerOnce sync.Once

	connections      *prometheus.GaugeVec
	framesTotal      *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	evictionsTotal   prometheus.Counter
	broadcastsTotal  *prometheus.CounterVec
	broadcastDrops   prometheus.Counter
	commandsIssued   *prometheus.CounterVec
	commandPush      *prometheus.CounterVec
	commandResults   *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
)

// Init registers relay metrics and DB-backed gauges. db may be nil.
func Init(db *sql.DB, log zerolog.Logger) {
	registerOnce.Do(func() {
		connections = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connections",
				Help: "Live connections by pool",
			},
			[]string{"pool"},
		)
		framesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_frames_total",
				Help: "Inbound device frames by kind",
			},
			[]string{"kind"},
		)
		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_frames_dropped_total",
				Help: "Dropped inbound device frames by reason",
			},
			[]string{"reason"},
		)
		evictionsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_evictions_total",
				Help: "Device connections evicted for heartbeat silence",
			},
		)
		broadcastsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcasts_total",
				Help: "Events broadcast to app clients by event name",
			},
			[]string{"event"},
		)
		broadcastDrops = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcast_drops_total",
				Help: "Per-recipient broadcast deliveries that failed",
			},
		)
		commandsIssued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_issued_total",
				Help: "Accepted commands by action",
			},
			[]string{"action"},
		)
		commandPush = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_push_total",
				Help: "Command push attempts by outcome",
			},
			[]string{"outcome"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Recorded command executions by status",
			},
			[]string{"status"},
		)
		dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "dispatch_duration_seconds",
			Help:    "Time to persist and push a command",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			connections,
			framesTotal,
			framesDropped,
			evictionsTotal,
			broadcastsTotal,
			broadcastDrops,
			commandsIssued,
			commandPush,
			commandResults,
			dispatchDuration,
		)
		if db != nil {
			registerDBMetrics(db, log)
		}
	})
}

func registerDBMetrics(db *sql.DB, log zerolog.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_pending",
			Help: "Commands waiting for device execution",
		},
		func() float64 {
			return queryCount(db, log, "SELECT COUNT(*) FROM commands WHERE executed = 0")
		},
	))
}

func queryCount(db *sql.DB, log zerolog.Logger, query string) float64 {
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		log.Warn().Err(err).Msg("metrics query failed")
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

// SetConnections records the current size of a pool.
func SetConnections(pool string, n int) {
	if connections != nil {
		connections.WithLabelValues(pool).Set(float64(n))
	}
}

// IncFrame counts an inbound device frame.
func IncFrame(kind string) {
	if framesTotal != nil {
		framesTotal.WithLabelValues(kind).Inc()
	}
}

// IncFrameDropped counts a dropped inbound device frame.
func IncFrameDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if framesDropped != nil {
		framesDropped.WithLabelValues(reason).Inc()
	}
}

// IncEviction counts a heartbeat-timeout eviction.
func IncEviction() {
	if evictionsTotal != nil {
		evictionsTotal.Inc()
	}
}

// IncBroadcast counts a broadcast and the recipients it failed to reach.
func IncBroadcast(event string, failed int) {
	if broadcastsTotal != nil {
		broadcastsTotal.WithLabelValues(event).Inc()
	}
	if failed > 0 && broadcastDrops != nil {
		broadcastDrops.Add(float64(failed))
	}
}

// IncCommandIssued counts an accepted command.
func IncCommandIssued(action string) {
	if commandsIssued != nil {
		commandsIssued.WithLabelValues(action).Inc()
	}
}

// IncCommandPush counts a push outcome ("pushed" or "queued").
func IncCommandPush(outcome string) {
	if commandPush != nil {
		commandPush.WithLabelValues(outcome).Inc()
	}
}

// AddCommandResults counts recorded executions.
func AddCommandResults(status string, n int) {
	if n <= 0 {
		return
	}
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Add(float64(n))
	}
}

// ObserveDispatch records dispatch latency.
func ObserveDispatch(d time.Duration) {
	if dispatchDuration != nil {
		dispatchDuration.Observe(d.Seconds())
	}
}
