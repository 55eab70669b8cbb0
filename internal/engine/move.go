package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowboard/internal/automation"
	"flowboard/internal/domain"
	"flowboard/internal/engine/perm"
)

// Transition error kinds, surfaced verbatim to callers.
const (
	KindCrossProcessTransition = "cross_process_transition"
	KindIllegalTransition      = "illegal_transition"
	KindPermissionDenied       = "permission_denied"
	KindMissingDueDate         = "missing_due_date"
)

// TransitionError reports why a ticket may not enter a stage.
type TransitionError struct {
	Kind        string
	TicketID    string
	FromStageID string
	ToStageID   string
	Missing     *domain.Permission
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case KindCrossProcessTransition:
		return fmt.Sprintf("stage %s belongs to a different process than ticket %s", e.ToStageID, e.TicketID)
	case KindIllegalTransition:
		return fmt.Sprintf("transition %s -> %s not allowed", e.FromStageID, e.ToStageID)
	case KindPermissionDenied:
		if e.Missing != nil {
			return fmt.Sprintf("permission %s.%s required to enter stage %s", e.Missing.Resource, e.Missing.Action, e.ToStageID)
		}
		return fmt.Sprintf("permission required to enter stage %s", e.ToStageID)
	case KindMissingDueDate:
		return fmt.Sprintf("stage %s has an SLA; ticket %s needs a due date", e.ToStageID, e.TicketID)
	}
	return "transition rejected"
}

// ErrConflict means the conditional stage update affected zero rows: a
// concurrent move won. Callers should re-fetch and may retry once.
var ErrConflict = errors.New("ticket moved concurrently; re-fetch and retry")

// ValidateTransition checks whether actor may move the ticket to the
// target stage. It mutates nothing and is safe for UI "can I drop
// here" probes; the Move orchestrator re-runs it inside the commit
// transaction. The returned advisory, if any, is a MissingDueDate
// flag; the error is one of the fatal kinds.
func (e Engine) ValidateTransition(ctx context.Context, t domain.Ticket, targetStageID, actorID string) (*TransitionError, error) {
	current, err := e.Repo.GetStage(ctx, t.CurrentStageID)
	if err != nil {
		return nil, err
	}
	target, err := e.Repo.GetStage(ctx, targetStageID)
	if err != nil {
		return nil, err
	}
	proc, err := e.Repo.GetProcess(ctx, t.ProcessID)
	if err != nil {
		return nil, err
	}
	return e.checkTransition(ctx, t, current, target, proc, actorID)
}

func (e Engine) checkTransition(ctx context.Context, t domain.Ticket, current, target domain.Stage, proc domain.Process, actorID string) (*TransitionError, error) {
	if target.ProcessID != t.ProcessID {
		return nil, &TransitionError{Kind: KindCrossProcessTransition, TicketID: t.ID, FromStageID: current.ID, ToStageID: target.ID}
	}
	// no-op moves are legal and idempotent
	if target.ID != current.ID {
		allowed := false
		for _, id := range current.AllowedTransitions {
			if id == target.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &TransitionError{Kind: KindIllegalTransition, TicketID: t.ID, FromStageID: current.ID, ToStageID: target.ID}
		}
	}
	for _, p := range target.RequiredPerms {
		q := perm.Query{Resource: p.Resource, Action: p.Action, ProcessID: t.ProcessID, StageID: target.ID}
		set, err := e.LoadGrantSet(ctx, actorID, q)
		if err != nil {
			return nil, err
		}
		if d := perm.Resolve(e.now(), set, q); !d.Allow {
			missing := p
			return nil, &TransitionError{Kind: KindPermissionDenied, TicketID: t.ID, FromStageID: current.ID, ToStageID: target.ID, Missing: &missing}
		}
	}
	if proc.DueDatePolicy != "none" && target.SLAHours != nil && t.DueDate == nil {
		return &TransitionError{Kind: KindMissingDueDate, TicketID: t.ID, FromStageID: current.ID, ToStageID: target.ID}, nil
	}
	return nil, nil
}

// MoveOptions are parameters for moving a ticket between stages.
type MoveOptions struct {
	TicketID      string
	TargetStageID string
	ActorID       string
	Comment       string
	ChainDepth    int
}

// MoveResult is a committed move.
type MoveResult struct {
	Ticket     domain.Ticket
	Activity   domain.Activity
	Advisories []string
}

// Move validates and commits a stage change. Validation runs inside
// the same transaction as the write, and the stage update is
// conditional on the stage read in that transaction, so two racing
// moves cannot both commit. Exactly one Activity is written per
// committed move, no-op moves included.
func (e Engine) Move(ctx context.Context, opts MoveOptions) (MoveResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MoveResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicketTx(ctx, tx, opts.TicketID)
	if err != nil {
		return MoveResult{}, err
	}
	current, err := e.Repo.GetStageTx(ctx, tx, t.CurrentStageID)
	if err != nil {
		return MoveResult{}, err
	}
	target, err := e.Repo.GetStageTx(ctx, tx, opts.TargetStageID)
	if err != nil {
		return MoveResult{}, err
	}
	proc, err := e.Repo.GetProcess(ctx, t.ProcessID)
	if err != nil {
		return MoveResult{}, err
	}
	advisory, err := e.checkTransition(ctx, t, current, target, proc, opts.ActorID)
	if err != nil {
		return MoveResult{}, err
	}
	var advisories []string
	if advisory != nil {
		if proc.DueDatePolicy == "require" {
			return MoveResult{}, advisory
		}
		advisories = append(advisories, advisory.Error())
	}

	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.MoveTicketStage(ctx, tx, t.ID, current.ID, target.ID, now)
	if err != nil {
		return MoveResult{}, err
	}
	if !ok {
		return MoveResult{}, ErrConflict
	}
	act := domain.Activity{
		TicketID:   t.ID,
		ActorID:    opts.ActorID,
		Type:       "stage_changed",
		OldStageID: current.ID,
		NewStageID: target.ID,
		Comment:    opts.Comment,
		TS:         now,
	}
	if act.ID, err = e.Repo.InsertActivity(ctx, tx, act); err != nil {
		return MoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MoveResult{}, err
	}

	t.CurrentStageID = target.ID
	t.UpdatedAt = now
	if e.Automation != nil {
		e.Automation.TransitionCommitted(ctx, automation.Event{
			TicketID:   t.ID,
			ProcessID:  t.ProcessID,
			FromStage:  current.ID,
			ToStage:    target.ID,
			ActorID:    opts.ActorID,
			Fields:     t.Fields,
			OccurredAt: now,
			ChainDepth: opts.ChainDepth,
		})
	}
	return MoveResult{Ticket: t, Activity: act, Advisories: advisories}, nil
}

// AutomationMove lets rule actions re-enter the orchestrator with the
// originating chain depth, preserving the recursion guard.
func (e Engine) AutomationMove(ctx context.Context, ticketID, targetStageID, actorID, comment string, chainDepth int) error {
	_, err := e.Move(ctx, MoveOptions{
		TicketID:      ticketID,
		TargetStageID: targetStageID,
		ActorID:       actorID,
		Comment:       comment,
		ChainDepth:    chainDepth,
	})
	return err
}

// AutomationComment appends a comment activity on behalf of a rule.
func (e Engine) AutomationComment(ctx context.Context, ticketID, actorID, comment string) error {
	if _, err := e.Repo.GetTicket(ctx, ticketID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertActivity(ctx, tx, domain.Activity{
		TicketID: ticketID,
		ActorID:  actorID,
		Type:     "comment",
		Comment:  comment,
		TS:       e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AutomationAssign sets the assignee on behalf of a rule.
func (e Engine) AutomationAssign(ctx context.Context, ticketID, userID, actorID string) error {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	t.AssignedTo = &userID
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
		return err
	}
	if _, err := e.Repo.InsertActivity(ctx, tx, domain.Activity{
		TicketID: ticketID,
		ActorID:  actorID,
		Type:     "assigned",
		Comment:  userID,
		TS:       t.UpdatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
