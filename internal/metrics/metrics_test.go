package metrics

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/markus-barta/carrelay/internal/store"
)

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	if evictionsTotal != nil {
		t.Skip("metrics already initialized")
	}
	IncEviction()
	IncBroadcast("heartbeat", 3)
	SetConnections(PoolDevice, 1)
}

func TestCounters(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()

	Init(db, zerolog.Nop())

	before := testutil.ToFloat64(evictionsTotal)
	IncEviction()
	if got := testutil.ToFloat64(evictionsTotal); got != before+1 {
		t.Errorf("evictions = %v, want %v", got, before+1)
	}

	IncBroadcast("command_result", 2)
	if got := testutil.ToFloat64(broadcastDrops); got < 2 {
		t.Errorf("broadcast drops = %v", got)
	}

	SetConnections(PoolApp, 4)
	if got := testutil.ToFloat64(connections.WithLabelValues(PoolApp)); got != 4 {
		t.Errorf("app connections = %v", got)
	}

	AddCommandResults("expired", 0)
	AddCommandResults("expired", 2)
	if got := testutil.ToFloat64(commandResults.WithLabelValues("expired")); got != 2 {
		t.Errorf("expired results = %v", got)
	}

	if got := queryCount(db, zerolog.Nop(), "SELECT COUNT(*) FROM commands WHERE executed = 0"); got != 0 {
		t.Errorf("pending gauge on empty db = %v", got)
	}
}
