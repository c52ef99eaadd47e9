package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event categories.
const (
	CategoryCommand = "command"
	CategoryDevice  = "device"
	CategorySystem  = "system"
)

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   string         `json:"category"`
	Level      string         `json:"level"`
	ActorID    string         `json:"user_id,omitempty"`
	Actor      string         `json:"username,omitempty"`
	Action     string         `json:"action,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RemoteAddr string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	ActorID string
	Action  string
	Since   time.Time
	Limit   int
	Offset  int
}

// AppendEvent writes an entry to the audit log. Timestamp and level default
// to now and "info".
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.Level == "" {
		e.Level = "info"
	}

	var detailsJSON sql.NullString
	if e.Details != nil {
		if data, err := json.Marshal(e.Details); err == nil {
			detailsJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (timestamp, category, level, actor_id, actor, action, message, details, remote_addr, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC().UnixNano(), e.Category, e.Level, nullString(e.ActorID), nullString(e.Actor),
		nullString(e.Action), e.Message, detailsJSON, nullString(e.RemoteAddr), nullString(e.UserAgent))
	if err != nil {
		s.log.Error().Err(err).Str("category", e.Category).Str("action", e.Action).Msg("failed to log event")
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns audit entries newest first with the total match count.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, int, error) {
	limit := clampLimit(f.Limit, 100, 1000)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := "WHERE 1=1"
	var args []any
	if f.ActorID != "" {
		where += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().UnixNano())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, category, level, actor_id, actor, action, message, details, remote_addr, user_agent
		FROM event_log `+where+`
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		var (
			e                                   Event
			ts                                  int64
			actorID, actor, action, detailsJSON sql.NullString
			remoteAddr, userAgent               sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Level, &actorID, &actor, &action,
			&e.Message, &detailsJSON, &remoteAddr, &userAgent); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = fromUnixNano(ts)
		e.ActorID = actorID.String
		e.Actor = actor.String
		e.Action = action.String
		e.RemoteAddr = remoteAddr.String
		e.UserAgent = userAgent.String
		if detailsJSON.Valid {
			_ = json.Unmarshal([]byte(detailsJSON.String), &e.Details)
		}
		events = append(events, e)
	}

	return events, total, rows.Err()
}
