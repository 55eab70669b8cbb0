package automation_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowboard/internal/automation"
	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine     engine.Engine
	Automation *automation.Engine
	Ctx        context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-board"))
	eng.Now = func() time.Time { return testNow }
	auto := automation.New(eng.Repo, zerolog.Nop())
	auto.Now = eng.Now
	eng.Automation = auto
	return testEnv{Engine: eng, Automation: auto, Ctx: context.Background()}
}

func seedBoard(t *testing.T, env testEnv) {
	t.Helper()
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{ID: "support", Name: "Support", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"new", "review", "done"} {
		opts := engine.StageCreateOptions{ID: id, ProcessID: "support", Name: id, ActorID: "tester"}
		opts.IsInitial = id == "new"
		if _, err := env.Engine.CreateStage(env.Ctx, opts); err != nil {
			t.Fatal(err)
		}
	}
	for _, edge := range [][2]string{{"new", "review"}, {"review", "done"}, {"review", "new"}} {
		if err := env.Engine.AddTransition(env.Ctx, edge[0], edge[1]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConditionsMatch(t *testing.T) {
	fields := map[string]string{"priority": "high", "count": "12", "note": ""}
	cases := []struct {
		name  string
		conds []domain.RuleCondition
		want  bool
	}{
		{"no conditions", nil, true},
		{"equals hit", []domain.RuleCondition{{FieldID: "priority", Operator: "equals", Value: "high"}}, true},
		{"equals miss", []domain.RuleCondition{{FieldID: "priority", Operator: "equals", Value: "low"}}, false},
		{"not equals", []domain.RuleCondition{{FieldID: "priority", Operator: "not_equals", Value: "low"}}, true},
		{"contains", []domain.RuleCondition{{FieldID: "priority", Operator: "contains", Value: "ig"}}, true},
		{"greater than numeric", []domain.RuleCondition{{FieldID: "count", Operator: "greater_than", Value: "9"}}, true},
		{"less than numeric", []domain.RuleCondition{{FieldID: "count", Operator: "less_than", Value: "9"}}, false},
		{"is empty", []domain.RuleCondition{{FieldID: "note", Operator: "is_empty"}}, true},
		{"is empty on absent field", []domain.RuleCondition{{FieldID: "ghost", Operator: "is_empty"}}, true},
		{"is not empty", []domain.RuleCondition{{FieldID: "priority", Operator: "is_not_empty"}}, true},
		{"and semantics", []domain.RuleCondition{
			{FieldID: "priority", Operator: "equals", Value: "high"},
			{FieldID: "count", Operator: "less_than", Value: "9"},
		}, false},
		{"unknown operator never matches", []domain.RuleCondition{{FieldID: "priority", Operator: "matches_regex", Value: ".*"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := automation.ConditionsMatch(tc.conds, fields); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRuleFiresOnceOnStageEntered(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	review := "review"
	rule, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID:      "support",
		Name:           "notify reviewers",
		TriggerEvent:   automation.TriggerStageEntered,
		TriggerStageID: &review,
		Actions:        []domain.RuleAction{{Type: "notify", Params: map[string]string{"channel": "reviews"}}},
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProcessID: "support", Title: "t", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	reqs, err := env.Engine.Repo.ListActionRequests(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected 1 action request, got %d", len(reqs))
	}
	if reqs[0].RuleID != rule.ID || reqs[0].ActionType != "notify" || reqs[0].Status != "pending" {
		t.Fatalf("unexpected request: %+v", reqs[0])
	}

	// a replayed event is absorbed by the outbox dedupe key
	env.Automation.TransitionCommitted(env.Ctx, automation.Event{
		TicketID: tk.ID, ProcessID: "support", FromStage: "new", ToStage: "review",
		ActorID: "tester", OccurredAt: reqs[0].EventTS,
	})
	reqs, _ = env.Engine.Repo.ListActionRequests(env.Ctx, tk.ID)
	if len(reqs) != 1 {
		t.Fatalf("replay enqueued duplicates: %d", len(reqs))
	}
}

func TestTriggerStageFilters(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	done := "done"
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "on done", TriggerEvent: automation.TriggerStageEntered,
		TriggerStageID: &done,
		Actions:        []domain.RuleAction{{Type: "notify"}},
	}); err != nil {
		t.Fatal(err)
	}
	tk, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProcessID: "support", Title: "t", ActorID: "tester"})
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, tk.ID)
	if len(reqs) != 0 {
		t.Fatalf("rule for done fired on review: %d", len(reqs))
	}
}

func TestConditionsGateRuleOnFieldSnapshot(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	if _, err := env.Engine.CreateField(env.Ctx, domain.Field{ID: "severity", ProcessID: "support", Name: "Severity"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "high priority only", TriggerEvent: automation.TriggerStageEntered,
		Conditions: []domain.RuleCondition{{FieldID: "severity", Operator: "equals", Value: "high"}},
		Actions:    []domain.RuleAction{{Type: "notify"}},
	}); err != nil {
		t.Fatal(err)
	}
	low, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProcessID: "support", Title: "low", ActorID: "tester",
		Fields: map[string]string{"severity": "low"},
	})
	high, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProcessID: "support", Title: "high", ActorID: "tester",
		Fields: map[string]string{"severity": "high"},
	})
	for _, id := range []string{low.ID, high.ID} {
		if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: id, TargetStageID: "review", ActorID: "tester"}); err != nil {
			t.Fatal(err)
		}
	}
	if reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, low.ID); len(reqs) != 0 {
		t.Fatalf("condition miss still fired: %d", len(reqs))
	}
	if reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, high.ID); len(reqs) != 1 {
		t.Fatalf("condition hit did not fire: %d", len(reqs))
	}
}

func TestChainDepthGuardDropsMoves(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "bounce", TriggerEvent: automation.TriggerStageEntered,
		Actions: []domain.RuleAction{
			{Type: "move_to_stage", Params: map[string]string{"stage_id": "done"}},
			{Type: "add_comment", Params: map[string]string{"comment": "bounced"}},
		},
	}); err != nil {
		t.Fatal(err)
	}
	tk, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProcessID: "support", Title: "t", ActorID: "tester"})

	env.Automation.TransitionCommitted(env.Ctx, automation.Event{
		TicketID: tk.ID, ProcessID: "support", FromStage: "new", ToStage: "review",
		ActorID: "tester", OccurredAt: "2025-06-01T12:00:00Z",
		ChainDepth: env.Automation.MaxChainDepth,
	})
	reqs, err := env.Engine.Repo.ListActionRequests(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected only the comment action, got %d requests", len(reqs))
	}
	if reqs[0].ActionType != "add_comment" {
		t.Fatalf("move_to_stage should be dropped at the depth limit, got %s", reqs[0].ActionType)
	}
}

type recordingExecutor struct {
	calls []domain.ActionRequest
	err   error
}

func (r *recordingExecutor) Execute(ctx context.Context, req domain.ActionRequest) error {
	r.calls = append(r.calls, req)
	return r.err
}

func TestDispatchPending(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "notify", TriggerEvent: automation.TriggerStageEntered,
		Actions: []domain.RuleAction{{Type: "notify"}},
	}); err != nil {
		t.Fatal(err)
	}
	tk, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProcessID: "support", Title: "t", ActorID: "tester"})
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	rec := &recordingExecutor{}
	env.Automation.RegisterExecutor("notify", rec)
	if err := env.Automation.DispatchPending(env.Ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("executor called %d times", len(rec.calls))
	}
	reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, tk.ID)
	if reqs[0].Status != "done" {
		t.Fatalf("expected done, got %s", reqs[0].Status)
	}

	// done requests are not re-dispatched
	if err := env.Automation.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("done request re-dispatched: %d calls", len(rec.calls))
	}
}

func TestDispatchWithoutExecutorFails(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "mail", TriggerEvent: automation.TriggerStageEntered,
		Actions: []domain.RuleAction{{Type: "send_email"}},
	}); err != nil {
		t.Fatal(err)
	}
	tk, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProcessID: "support", Title: "t", ActorID: "tester"})
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Automation.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, tk.ID)
	if reqs[0].Status != "failed" {
		t.Fatalf("expected failed without executor, got %s", reqs[0].Status)
	}
}

func TestSweepDueDates(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "due soon", TriggerEvent: automation.TriggerDueDateApproaching,
		Actions: []domain.RuleAction{{Type: "notify"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "overdue", TriggerEvent: automation.TriggerOverdue,
		Actions: []domain.RuleAction{{Type: "add_comment", Params: map[string]string{"comment": "overdue"}}},
	}); err != nil {
		t.Fatal(err)
	}

	soon, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProcessID: "support", Title: "soon", ActorID: "tester", DueDate: "2025-06-02T00:00:00Z",
	})
	late, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProcessID: "support", Title: "late", ActorID: "tester", DueDate: "2025-05-30T00:00:00Z",
	})
	farOut, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		ProcessID: "support", Title: "far", ActorID: "tester", DueDate: "2025-07-01T00:00:00Z",
	})

	if err := env.Automation.SweepDueDates(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, soon.ID); len(reqs) != 1 || reqs[0].ActionType != "notify" {
		t.Fatalf("approaching ticket: %+v", reqs)
	}
	if reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, late.ID); len(reqs) != 1 || reqs[0].ActionType != "add_comment" {
		t.Fatalf("overdue ticket: %+v", reqs)
	}
	if reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, farOut.ID); len(reqs) != 0 {
		t.Fatalf("ticket outside window fired: %+v", reqs)
	}

	// sweeping again must not re-enqueue
	if err := env.Automation.SweepDueDates(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if reqs, _ := env.Engine.Repo.ListActionRequests(env.Ctx, soon.ID); len(reqs) != 1 {
		t.Fatalf("repeated sweep duplicated requests: %d", len(reqs))
	}
}

func TestMoveExecutorRechecksTransition(t *testing.T) {
	env := newTestEnv(t)
	seedBoard(t, env)
	done := "done"
	rule, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProcessID: "support", Name: "close", TriggerEvent: automation.TriggerStageEntered,
		TriggerStageID: strPtr("review"),
		Actions:        []domain.RuleAction{{Type: "move_to_stage", Params: map[string]string{"stage_id": done}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Automation.RegisterExecutor("move_to_stage", automation.MoveExecutor{Actions: env.Engine})

	tk, _ := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{ProcessID: "support", Title: "t", ActorID: "tester"})
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Automation.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, tk.ID)
	if got.CurrentStageID != "done" {
		t.Fatalf("automation move did not land, stage %s", got.CurrentStageID)
	}
	acts, _ := env.Engine.Repo.ListActivities(env.Ctx, tk.ID, 10)
	var sawAutomation bool
	for _, a := range acts {
		if a.ActorID == "automation:"+rule.ID {
			sawAutomation = true
		}
	}
	if !sawAutomation {
		t.Fatal("automation move not attributed in the audit trail")
	}
}

func strPtr(s string) *string { return &s }
