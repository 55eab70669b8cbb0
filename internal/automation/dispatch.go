package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 100
	maxDispatchAttempts     = 5
)

// Run drains the outbox and sweeps time-based triggers until the
// context is cancelled. Adapted to run as a single background
// goroutine per server.
func (a *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.SweepDueDates(ctx); err != nil {
			a.Log.Error().Err(err).Msg("due date sweep")
		}
		if err := a.DispatchPending(ctx); err != nil {
			a.Log.Error().Err(err).Msg("dispatch pending")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchPending makes one pass over pending action requests.
// Each request is retried with exponential backoff before being
// marked failed; a failed request never propagates to the mover.
func (a *Engine) DispatchPending(ctx context.Context) error {
	pending, err := a.Repo.PendingActionRequests(ctx, defaultDispatchBatch)
	if err != nil {
		return err
	}
	for _, req := range pending {
		ex, ok := a.executors[req.ActionType]
		if !ok {
			a.Log.Warn().Str("action_type", req.ActionType).Int64("request_id", req.ID).Msg("no executor registered")
			if err := a.Repo.MarkActionRequest(ctx, req.ID, "failed", req.Attempts); err != nil {
				return err
			}
			continue
		}
		attempts := req.Attempts
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDispatchAttempts), ctx)
		execErr := backoff.Retry(func() error {
			attempts++
			return ex.Execute(ctx, req)
		}, policy)
		status := "done"
		if execErr != nil {
			status = "failed"
			a.Log.Error().Err(execErr).
				Str("action_type", req.ActionType).
				Str("rule_id", req.RuleID).
				Str("ticket_id", req.TicketID).
				Int("attempts", attempts).
				Msg("action execution failed")
		}
		if err := a.Repo.MarkActionRequest(ctx, req.ID, status, attempts); err != nil {
			return err
		}
	}
	return nil
}

// SweepDueDates emits due_date_approaching and overdue trigger events
// for open tickets. The event timestamp is the ticket's due date, so
// the outbox dedupe key keeps repeated sweeps from re-firing a rule.
func (a *Engine) SweepDueDates(ctx context.Context) error {
	now := a.now().UTC()
	horizon := now.Add(a.SoonWindow).Format(time.RFC3339)
	tickets, err := a.Repo.ListDueTickets(ctx, horizon)
	if err != nil {
		return err
	}
	for _, t := range tickets {
		if t.DueDate == nil {
			continue
		}
		due, err := time.Parse(time.RFC3339, *t.DueDate)
		if err != nil {
			a.Log.Warn().Str("ticket_id", t.ID).Str("due_date", *t.DueDate).Msg("unparseable due date")
			continue
		}
		trigger := TriggerDueDateApproaching
		if now.After(due) {
			trigger = TriggerOverdue
		}
		evt := Event{
			TicketID:   t.ID,
			ProcessID:  t.ProcessID,
			ToStage:    t.CurrentStageID,
			ActorID:    "automation",
			Fields:     t.Fields,
			OccurredAt: fmt.Sprintf("%s@%s", trigger, due.UTC().Format(time.RFC3339)),
		}
		a.evaluateTrigger(ctx, evt, trigger, t.CurrentStageID)
	}
	return nil
}
