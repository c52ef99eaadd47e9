package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/command"
	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/markus-barta/carrelay/internal/store"
)

// ExpiredReason is the error text recorded on commands that aged out of the
// pending queue.
const ExpiredReason = "expired"

// DispatchResult is the immediate outcome of a dispatch. Execution is
// confirmed later through command_result broadcasts.
type DispatchResult struct {
	Accepted  bool             `json:"accepted"`
	Pushed    bool             `json:"pushed"`
	Delivered int              `json:"delivered"`
	CommandID string           `json:"command_id"`
	Command   *command.Command `json:"command"`
}

// Source describes where a dispatch came from, for the audit log.
type Source struct {
	Channel    string // "http" or "socket"
	RemoteAddr string
	UserAgent  string
}

type sourceKey struct{}

// WithSource attaches request origin details to ctx.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

func sourceFromContext(ctx context.Context) Source {
	src, _ := ctx.Value(sourceKey{}).(Source)
	return src
}

// Dispatch validates action, persists it as a pending command and pushes it
// to every writable device. Once the command is stored the dispatch is
// accepted whether or not any device received the push; the device pulls
// what it missed. Authorization is the caller's job.
func (r *Relay) Dispatch(ctx context.Context, action string, op auth.Operator) (*DispatchResult, error) {
	start := time.Now()

	a, err := command.ParseAction(action)
	if err != nil {
		return nil, err
	}

	cmd, err := r.store.CreateCommand(ctx, op.ID, op.Name, a)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", a, err)
	}
	metrics.IncCommandIssued(string(a))

	delivered := r.pushFrame(protocol.NewCommandFrame(string(a), cmd.ID, r.now()))
	res := &DispatchResult{
		Accepted:  true,
		Pushed:    delivered > 0,
		Delivered: delivered,
		CommandID: cmd.ID,
		Command:   cmd,
	}

	message := "Command sent to car"
	if res.Pushed {
		metrics.IncCommandPush("pushed")
	} else {
		metrics.IncCommandPush("queued")
		message = "Car not connected, command queued"
	}

	r.log.Info().
		Str("id", cmd.ID).
		Str("action", string(a)).
		Str("operator", op.Name).
		Int("delivered", delivered).
		Msg("command dispatched")

	r.Broadcast(protocol.EventCommandResult, protocol.CommandResult{
		CommandID:       cmd.ID,
		Action:          string(a),
		IssuerName:      op.Name,
		Accepted:        true,
		Pushed:          res.Pushed,
		Delivered:       delivered,
		DeviceConnected: r.Devices.Count() > 0,
		Message:         message,
		Timestamp:       r.now().UTC(),
	})
	if !res.Pushed {
		r.Notify(protocol.NotifyWarning, "Car is offline; the command will run when it reconnects", map[string]any{
			"command_id": cmd.ID,
			"action":     string(a),
		})
	}

	src := sourceFromContext(ctx)
	r.audit(store.Event{
		Category: store.CategoryCommand,
		ActorID:  op.ID,
		Actor:    op.Name,
		Action:   string(a),
		Message:  command.Describe(a),
		Details: map[string]any{
			"command_id": cmd.ID,
			"pushed":     res.Pushed,
			"delivered":  delivered,
			"channel":    src.Channel,
		},
		RemoteAddr: src.RemoteAddr,
		UserAgent:  src.UserAgent,
	})

	metrics.ObserveDispatch(time.Since(start))
	return res, nil
}

// EmergencyStop dispatches stop. It follows the same queue contract as
// Dispatch but callers do not apply the command-access check.
func (r *Relay) EmergencyStop(ctx context.Context, op auth.Operator) (*DispatchResult, error) {
	r.log.Warn().Str("operator", op.Name).Msg("emergency stop requested")
	return r.Dispatch(ctx, string(command.Stop), op)
}

// FetchOldestPending returns the oldest command the device has not yet
// reported, or nil.
func (r *Relay) FetchOldestPending(ctx context.Context) (*command.Command, error) {
	return r.store.FetchOldestPending(ctx)
}

// ReportExecuted records the device-reported outcome of a command. Only the
// first report is applied and broadcast; repeats return applied == false
// without error.
func (r *Relay) ReportExecuted(ctx context.Context, id string, report command.Report) (applied bool, err error) {
	report = report.Normalize()

	applied, err = r.store.MarkExecuted(ctx, id, report)
	if err != nil {
		return false, err
	}
	if !applied {
		r.log.Debug().Str("id", id).Msg("duplicate execution report ignored")
		return false, nil
	}
	metrics.AddCommandResults(resultStatus(report), 1)

	cmd, err := r.store.GetCommand(ctx, id)
	if err != nil {
		r.log.Error().Err(err).Str("id", id).Msg("failed to load executed command")
		cmd = &command.Command{ID: id}
	}

	r.log.Info().
		Str("id", id).
		Str("action", string(cmd.Action)).
		Bool("success", report.Success).
		Msg("command executed")

	r.broadcastResult(cmd, report, "Command executed")
	return true, nil
}

func (r *Relay) broadcastResult(cmd *command.Command, report command.Report, message string) {
	r.Broadcast(protocol.EventCommandResult, protocol.CommandResult{
		CommandID:       cmd.ID,
		Action:          string(cmd.Action),
		IssuerName:      cmd.IssuerName,
		Accepted:        true,
		DeviceConnected: r.Devices.Count() > 0,
		Message:         message,
		Result: &protocol.CommandOutcome{
			Success:  report.Success,
			Response: report.Response,
			Error:    report.Error,
		},
		Timestamp: r.now().UTC(),
	})
}

// expirePending closes out commands that stayed pending longer than the TTL
// and tells the apps.
func (r *Relay) expirePending(ctx context.Context, now time.Time) int {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	expired, err := r.store.ExpirePending(ctx, now.Add(-r.opts.PendingTTL), ExpiredReason)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to expire pending commands")
		return 0
	}

	for _, cmd := range expired {
		r.broadcastResult(cmd, command.Report{Success: false, Error: ExpiredReason}, "Command expired before the car picked it up")
	}
	metrics.AddCommandResults(ExpiredReason, len(expired))
	return len(expired)
}

// audit appends to the event log; failures are logged by the store.
func (r *Relay) audit(e store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	_ = r.store.AppendEvent(ctx, e)
}

func resultStatus(report command.Report) string {
	if report.Success {
		return "success"
	}
	return "failed"
}
