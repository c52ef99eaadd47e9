package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-barta/carrelay/internal/command"
	"github.com/rs/zerolog"
)

// newTestStore opens a fresh database with a controllable clock.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(zerolog.Nop(), db)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestCreateCommand_Pending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cmd, err := s.CreateCommand(ctx, "u1", "alice", command.Forward)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cmd.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Action != command.Forward || got.Executed || got.ExecutedAt != nil {
		t.Errorf("unexpected stored command: %+v", got)
	}
	if got.IssuerID != "u1" || got.IssuerName != "alice" {
		t.Errorf("issuer not stored: %+v", got)
	}
}

func TestCreateCommand_RejectsInvalidAction(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateCommand(ctx, "u1", "alice", command.Action("jump"))
	if !errors.Is(err, command.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}

	_, total, err := s.ListCommands(ctx, CommandFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 {
		t.Errorf("invalid action must not create a record, got %d", total)
	}
}

func TestFetchOldestPending_FIFO(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	got, err := s.FetchOldestPending(ctx)
	if err != nil || got != nil {
		t.Fatalf("empty queue: got %v, %v", got, err)
	}

	first, _ := s.CreateCommand(ctx, "u1", "alice", command.Forward)
	*clock = clock.Add(time.Second)
	second, _ := s.CreateCommand(ctx, "u1", "alice", command.Left)
	// Same timestamp as second: insertion order breaks the tie.
	third, _ := s.CreateCommand(ctx, "u2", "bob", command.Stop)

	for _, want := range []*command.Command{first, second, third} {
		got, err := s.FetchOldestPending(ctx)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if got == nil || got.ID != want.ID {
			t.Fatalf("expected %s (%s), got %+v", want.ID, want.Action, got)
		}
		if _, err := s.MarkExecuted(ctx, got.ID, command.Report{Success: true, Response: "ok"}); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	got, err = s.FetchOldestPending(ctx)
	if err != nil || got != nil {
		t.Errorf("expected drained queue, got %v, %v", got, err)
	}
}

func TestMarkExecuted_FirstReportWins(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	cmd, _ := s.CreateCommand(ctx, "u1", "alice", command.Stop)

	applied, err := s.MarkExecuted(ctx, cmd.ID, command.Report{Success: true, Response: "ok"})
	if err != nil || !applied {
		t.Fatalf("first report: applied=%v err=%v", applied, err)
	}
	firstAt := *clock

	*clock = clock.Add(time.Minute)
	applied, err = s.MarkExecuted(ctx, cmd.ID, command.Report{Success: false, Error: "late failure"})
	if err != nil {
		t.Fatalf("second report should not error: %v", err)
	}
	if applied {
		t.Fatal("second report must not be applied")
	}

	got, _ := s.GetCommand(ctx, cmd.ID)
	if !got.Executed || got.Response != "ok" || got.Error != "" {
		t.Errorf("execution fields changed: %+v", got)
	}
	if got.ExecutedAt == nil || !got.ExecutedAt.Equal(firstAt) {
		t.Errorf("executed_at = %v, want %v", got.ExecutedAt, firstAt)
	}
}

func TestMarkExecuted_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.MarkExecuted(context.Background(), "missing", command.Report{Success: true})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExpirePending(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	stale, _ := s.CreateCommand(ctx, "u1", "alice", command.Forward)
	done, _ := s.CreateCommand(ctx, "u1", "alice", command.Backward)
	_, _ = s.MarkExecuted(ctx, done.ID, command.Report{Success: true})
	*clock = clock.Add(20 * time.Minute)
	fresh, _ := s.CreateCommand(ctx, "u1", "alice", command.Right)

	expired, err := s.ExpirePending(ctx, clock.Add(-10*time.Minute), "expired")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expected only %s expired, got %+v", stale.ID, expired)
	}
	if expired[0].Error != "expired" || !expired[0].Executed {
		t.Errorf("expired record not annotated: %+v", expired[0])
	}

	oldest, _ := s.FetchOldestPending(ctx)
	if oldest == nil || oldest.ID != fresh.ID {
		t.Errorf("fresh command should remain pending, got %+v", oldest)
	}
}

func TestListCommands_FilterAndPaging(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*clock = clock.Add(time.Second)
		_, _ = s.CreateCommand(ctx, "u1", "alice", command.Forward)
	}
	*clock = clock.Add(time.Second)
	last, _ := s.CreateCommand(ctx, "u2", "bob", command.Stop)

	all, total, err := s.ListCommands(ctx, CommandFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 6 || len(all) != 2 {
		t.Fatalf("total=%d len=%d", total, len(all))
	}
	if all[0].ID != last.ID {
		t.Errorf("expected newest first")
	}

	mine, total, _ := s.ListCommands(ctx, CommandFilter{IssuerID: "u1", Offset: 3})
	if total != 5 || len(mine) != 2 {
		t.Errorf("filtered total=%d len=%d", total, len(mine))
	}
}

func TestCommandStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateCommand(ctx, "u1", "alice", command.Forward)
	_, _ = s.CreateCommand(ctx, "u1", "alice", command.Forward)
	_, _ = s.CreateCommand(ctx, "u2", "bob", command.Stop)
	_, _ = s.MarkExecuted(ctx, a.ID, command.Report{Success: true})

	stats, err := s.CommandStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Executed != 1 || stats.Pending != 2 {
		t.Errorf("counts: %+v", stats)
	}
	if len(stats.ByAction) == 0 || stats.ByAction[0].Action != command.Forward || stats.ByAction[0].Count != 2 {
		t.Errorf("by action: %+v", stats.ByAction)
	}
	if len(stats.ByIssuer) != 2 || stats.ByIssuer[0].IssuerName != "alice" {
		t.Errorf("by issuer: %+v", stats.ByIssuer)
	}
	if len(stats.Recent) != 3 {
		t.Errorf("recent: %d", len(stats.Recent))
	}
}

func TestEvents_AppendListCleanup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	err := s.AppendEvent(ctx, Event{
		Category: CategoryCommand,
		ActorID:  "u1",
		Actor:    "alice",
		Action:   "forward",
		Message:  "Car moving forward",
		Details:  map[string]any{"command_id": "c1"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	*clock = clock.Add(8 * 24 * time.Hour)
	_ = s.AppendEvent(ctx, Event{Category: CategorySystem, Level: "warn", Message: "device evicted"})

	events, total, err := s.ListEvents(ctx, EventFilter{ActorID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || events[0].Level != "info" || events[0].Details["command_id"] != "c1" {
		t.Errorf("unexpected events: %+v", events)
	}

	n, err := s.CleanupOldEvents(ctx, EventRetention)
	if err != nil || n != 1 {
		t.Errorf("cleanup removed %d, err=%v", n, err)
	}
	_, total, _ = s.ListEvents(ctx, EventFilter{})
	if total != 1 {
		t.Errorf("expected 1 remaining event, got %d", total)
	}
}

func TestEmptyResultsAreNotNil(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cmds, total, err := s.ListCommands(ctx, CommandFilter{IssuerID: "nobody"})
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if cmds == nil || total != 0 {
		t.Errorf("commands = %#v, total = %d; want empty non-nil slice", cmds, total)
	}

	events, _, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if events == nil {
		t.Error("events must be an empty slice, not nil")
	}

	stats, err := s.CommandStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByAction == nil || stats.ByIssuer == nil || stats.Recent == nil {
		t.Errorf("stats slices must be non-nil: %+v", stats)
	}
}

func TestCommandStats_PropagatesQueryErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateCommand(ctx, "u1", "alice", command.Stop); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = s.db.Close()

	stats, err := s.CommandStats(ctx)
	if err == nil {
		t.Fatalf("expected error from closed database, got %+v", stats)
	}
}
