// Package automation evaluates rules against committed ticket
// transitions and time-based sweeps, and dispatches the resulting
// action requests to executors. Evaluation is read-only against the
// event's field snapshot; actions never run inside the move
// transaction, and a failing action never affects the committed move.
package automation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flowboard/internal/domain"
	"flowboard/internal/repo"
)

// Event is a committed stage transition, published after the move
// transaction. Fields is the ticket's field snapshot at commit time.
type Event struct {
	TicketID   string
	ProcessID  string
	FromStage  string
	ToStage    string
	ActorID    string
	Fields     map[string]string
	OccurredAt string
	ChainDepth int
}

// Actions is the surface built-in executors need from the move engine.
// Defined here so the engine package can depend on automation without
// a cycle.
type Actions interface {
	AutomationMove(ctx context.Context, ticketID, targetStageID, actorID, comment string, chainDepth int) error
	AutomationComment(ctx context.Context, ticketID, actorID, comment string) error
	AutomationAssign(ctx context.Context, ticketID, userID, actorID string) error
}

// Executor handles one action type. A returned error is retried by the
// dispatcher; wrap with backoff.Permanent to fail without retry.
type Executor interface {
	Execute(ctx context.Context, req domain.ActionRequest) error
}

const (
	TriggerStageEntered       = "stage_entered"
	TriggerStageExited        = "stage_exited"
	TriggerDueDateApproaching = "due_date_approaching"
	TriggerOverdue            = "overdue"
)

type Engine struct {
	Repo          repo.Repo
	Log           zerolog.Logger
	Now           func() time.Time
	MaxChainDepth int
	SoonWindow    time.Duration

	executors map[string]Executor
}

func New(r repo.Repo, log zerolog.Logger) *Engine {
	return &Engine{
		Repo:          r,
		Log:           log,
		Now:           time.Now,
		MaxChainDepth: 3,
		SoonWindow:    24 * time.Hour,
		executors:     map[string]Executor{},
	}
}

func (a *Engine) RegisterExecutor(actionType string, ex Executor) {
	a.executors[actionType] = ex
}

func (a *Engine) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// TransitionCommitted evaluates stage_entered rules against the
// event's target stage and stage_exited rules against its source
// stage, enqueueing an action request per matching rule action.
// Errors are logged, never returned: a committed move is final.
func (a *Engine) TransitionCommitted(ctx context.Context, evt Event) {
	a.evaluateTrigger(ctx, evt, TriggerStageEntered, evt.ToStage)
	a.evaluateTrigger(ctx, evt, TriggerStageExited, evt.FromStage)
}

func (a *Engine) evaluateTrigger(ctx context.Context, evt Event, trigger, matchStage string) {
	rules, err := a.Repo.ActiveRules(ctx, evt.ProcessID, trigger)
	if err != nil {
		a.Log.Error().Err(err).Str("process_id", evt.ProcessID).Str("trigger", trigger).Msg("load rules")
		return
	}
	for _, rule := range rules {
		if rule.TriggerStageID != nil && *rule.TriggerStageID != matchStage {
			continue
		}
		if !ConditionsMatch(rule.Conditions, evt.Fields) {
			continue
		}
		a.emit(ctx, rule, evt)
	}
}

func (a *Engine) emit(ctx context.Context, rule domain.AutomationRule, evt Event) {
	now := a.now().UTC().Format(time.RFC3339)
	for i, action := range rule.Actions {
		if action.Type == "move_to_stage" && evt.ChainDepth >= a.MaxChainDepth {
			a.Log.Warn().Str("rule_id", rule.ID).Str("ticket_id", evt.TicketID).
				Int("chain_depth", evt.ChainDepth).Msg("move_to_stage dropped: chain depth limit")
			continue
		}
		req := domain.ActionRequest{
			RuleID:      rule.ID,
			TicketID:    evt.TicketID,
			ProcessID:   evt.ProcessID,
			EventTS:     evt.OccurredAt,
			ActionIndex: i,
			ActionType:  action.Type,
			Params:      action.Params,
			ChainDepth:  evt.ChainDepth,
			CreatedAt:   now,
		}
		if err := a.Repo.EnqueueActionRequest(ctx, req); err != nil {
			a.Log.Error().Err(err).Str("rule_id", rule.ID).Str("ticket_id", evt.TicketID).Msg("enqueue action request")
		}
	}
}

// ConditionsMatch applies AND semantics across the condition list
// against a field snapshot. An unknown operator never matches.
func ConditionsMatch(conds []domain.RuleCondition, fields map[string]string) bool {
	for _, c := range conds {
		value := fields[c.FieldID]
		switch c.Operator {
		case "equals":
			if value != c.Value {
				return false
			}
		case "not_equals":
			if value == c.Value {
				return false
			}
		case "contains":
			if !strings.Contains(value, c.Value) {
				return false
			}
		case "greater_than":
			if !numericLess(c.Value, value) {
				return false
			}
		case "less_than":
			if !numericLess(value, c.Value) {
				return false
			}
		case "is_empty":
			if value != "" {
				return false
			}
		case "is_not_empty":
			if value == "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// numericLess compares numerically when both sides parse, otherwise
// lexicographically.
func numericLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return fa < fb
	}
	return a < b
}
