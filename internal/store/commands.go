package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/carrelay/internal/command"
)

const commandColumns = `id, issuer_id, issuer_name, action, created_at, executed, executed_at, response, error`

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	IssuerID string // empty = all issuers
	Limit    int
	Offset   int
}

// ActionCount is the number of commands issued for one action.
type ActionCount struct {
	Action command.Action `json:"action"`
	Count  int            `json:"count"`
}

// IssuerCount is the number of commands issued by one operator.
type IssuerCount struct {
	IssuerID   string `json:"user_id"`
	IssuerName string `json:"user_name"`
	Count      int    `json:"count"`
}

// CommandStats summarizes the command queue.
type CommandStats struct {
	Total    int                `json:"total"`
	Executed int                `json:"executed"`
	Pending  int                `json:"pending"`
	ByAction []ActionCount      `json:"by_action"`
	ByIssuer []IssuerCount      `json:"by_user"`
	Recent   []*command.Command `json:"recent_commands"`
}

// CreateCommand persists a new pending command. The action is validated
// against the vocabulary; nothing is written for an invalid action.
func (s *Store) CreateCommand(ctx context.Context, issuerID, issuerName string, action command.Action) (*command.Command, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("create command: %w: %q", command.ErrInvalidAction, action)
	}

	cmd := &command.Command{
		ID:         uuid.NewString(),
		IssuerID:   issuerID,
		IssuerName: issuerName,
		Action:     action,
		CreatedAt:  s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, issuer_id, issuer_name, action, created_at, executed)
		VALUES (?, ?, ?, ?, ?, 0)
	`, cmd.ID, cmd.IssuerID, cmd.IssuerName, string(cmd.Action), cmd.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}

	s.log.Debug().
		Str("id", cmd.ID).
		Str("action", string(cmd.Action)).
		Str("issuer", cmd.IssuerName).
		Msg("command created")
	return cmd, nil
}

// GetCommand retrieves a command by ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get command %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// FetchOldestPending returns the pending command with the earliest creation
// time, or nil when nothing is pending.
func (s *Store) FetchOldestPending(ctx context.Context) (*command.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE executed = 0
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch oldest pending: %w", err)
	}
	return cmd, nil
}

// MarkExecuted sets the execution fields of a pending command. The update is
// conditional on executed = 0, so only the first report is applied; later
// calls return applied == false and leave the record untouched.
func (s *Store) MarkExecuted(ctx context.Context, id string, report command.Report) (applied bool, err error) {
	report = report.Normalize()

	result, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET executed = 1, executed_at = ?, response = ?, error = ?
		WHERE id = ? AND executed = 0
	`, s.now().UTC().UnixNano(), nullString(report.Response), nullString(report.Error), id)
	if err != nil {
		return false, fmt.Errorf("mark executed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark executed: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM commands WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("mark executed %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("mark executed: %w", err)
	}
	return false, nil
}

// ExpirePending marks every command still pending and created before cutoff
// as executed with reason as its error text, and returns the expired records.
func (s *Store) ExpirePending(ctx context.Context, cutoff time.Time, reason string) ([]*command.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE executed = 0 AND created_at < ?
		ORDER BY created_at ASC, seq ASC
	`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	candidates, err := scanCommands(rows)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}

	var expired []*command.Command
	for _, cmd := range candidates {
		applied, err := s.MarkExecuted(ctx, cmd.ID, command.Report{Success: false, Error: reason})
		if err != nil {
			s.log.Error().Err(err).Str("id", cmd.ID).Msg("failed to expire command")
			continue
		}
		if !applied {
			// Reported between the select and the update.
			continue
		}
		now := s.now().UTC()
		cmd.Executed = true
		cmd.ExecutedAt = &now
		cmd.Error = reason
		expired = append(expired, cmd)
	}

	if len(expired) > 0 {
		s.log.Info().Int("count", len(expired)).Time("cutoff", cutoff).Msg("expired stale pending commands")
	}
	return expired, nil
}

// ListCommands returns commands newest first together with the total number
// of matching records.
func (s *Store) ListCommands(ctx context.Context, f CommandFilter) ([]*command.Command, int, error) {
	limit := clampLimit(f.Limit, 50, 500)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if f.IssuerID != "" {
		where = "WHERE issuer_id = ?"
		args = append(args, f.IssuerID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count commands: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM commands `+where+`
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list commands: %w", err)
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list commands: %w", err)
	}
	return cmds, total, nil
}

// CommandStats aggregates the queue for the admin statistics view.
func (s *Store) CommandStats(ctx context.Context) (*CommandStats, error) {
	stats := &CommandStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(executed), 0) FROM commands
	`).Scan(&stats.Total, &stats.Executed)
	if err != nil {
		return nil, fmt.Errorf("command stats: %w", err)
	}
	stats.Pending = stats.Total - stats.Executed

	if stats.ByAction, err = s.countByAction(ctx); err != nil {
		return nil, fmt.Errorf("command stats by action: %w", err)
	}
	if stats.ByIssuer, err = s.topIssuers(ctx, 5); err != nil {
		return nil, fmt.Errorf("command stats by issuer: %w", err)
	}

	recent, _, err := s.ListCommands(ctx, CommandFilter{Limit: 10})
	if err != nil {
		return nil, err
	}
	stats.Recent = recent

	return stats, nil
}

func (s *Store) countByAction(ctx context.Context) ([]ActionCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, COUNT(*) FROM commands GROUP BY action ORDER BY COUNT(*) DESC, action
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []ActionCount{}
	for rows.Next() {
		var ac ActionCount
		var action string
		if err := rows.Scan(&action, &ac.Count); err != nil {
			return nil, err
		}
		ac.Action = command.Action(action)
		out = append(out, ac)
	}
	return out, rows.Err()
}

func (s *Store) topIssuers(ctx context.Context, limit int) ([]IssuerCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issuer_id, issuer_name, COUNT(*) AS n
		FROM commands
		GROUP BY issuer_id, issuer_name
		ORDER BY n DESC, issuer_name
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []IssuerCount{}
	for rows.Next() {
		var ic IssuerCount
		if err := rows.Scan(&ic.IssuerID, &ic.IssuerName, &ic.Count); err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*command.Command, error) {
	var (
		cmd        command.Command
		action     string
		createdAt  int64
		executed   int
		executedAt sql.NullInt64
		response   sql.NullString
		errText    sql.NullString
	)
	if err := row.Scan(&cmd.ID, &cmd.IssuerID, &cmd.IssuerName, &action, &createdAt,
		&executed, &executedAt, &response, &errText); err != nil {
		return nil, err
	}

	cmd.Action = command.Action(action)
	cmd.CreatedAt = fromUnixNano(createdAt)
	cmd.Executed = executed != 0
	if executedAt.Valid {
		t := fromUnixNano(executedAt.Int64)
		cmd.ExecutedAt = &t
	}
	if response.Valid {
		cmd.Response = response.String
	}
	if errText.Valid {
		cmd.Error = errText.String
	}
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*command.Command, error) {
	defer func() { _ = rows.Close() }()

	cmds := []*command.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}
