package store

import (
	"context"
	"fmt"
	"time"
)

// Default retention periods for records that are no longer live.
const (
	EventRetention   = 7 * 24 * time.Hour
	CommandRetention = 30 * 24 * time.Hour
)

// CleanupOldEvents removes audit entries older than retention.
func (s *Store) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC().UnixNano()
	result, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.log.Info().Int64("deleted", rows).Msg("cleaned up old events")
	}
	return rows, nil
}

// CleanupExecutedCommands removes executed commands older than retention.
// Pending commands are never removed here; they leave the queue through
// execution or expiry.
func (s *Store) CleanupExecutedCommands(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC().UnixNano()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM commands WHERE executed = 1 AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup commands: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.log.Info().Int64("deleted", rows).Msg("cleaned up old commands")
	}
	return rows, nil
}

// StartRetentionCleanup runs periodic cleanup of old records until ctx is done.
func (s *Store) StartRetentionCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("starting retention cleanup loop")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := s.CleanupOldEvents(ctx, EventRetention); err != nil {
				s.log.Error().Err(err).Msg("event cleanup failed")
			}
			if _, err := s.CleanupExecutedCommands(ctx, CommandRetention); err != nil {
				s.log.Error().Err(err).Msg("command cleanup failed")
			}
		}
	}
}
