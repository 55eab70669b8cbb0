package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/engine/perm"
	"flowboard/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-board")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// newBoard seeds a three stage process: new -> review -> done, with
// done unreachable from new and the review -> done edge left off so
// tests can add it.
func newBoard(t *testing.T, env testEnv, duePolicy string) {
	t.Helper()
	if duePolicy == "" {
		duePolicy = "none"
	}
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{
		ID: "support", Name: "Support", DueDatePolicy: duePolicy, ActorID: "tester",
	}); err != nil {
		t.Fatalf("create process: %v", err)
	}
	for _, s := range []engine.StageCreateOptions{
		{ID: "new", ProcessID: "support", Name: "New", Position: 0, IsInitial: true},
		{ID: "review", ProcessID: "support", Name: "Review", Position: 1},
		{ID: "done", ProcessID: "support", Name: "Done", Position: 2, IsFinal: true},
	} {
		s.ActorID = "tester"
		if _, err := env.Engine.CreateStage(env.Ctx, s); err != nil {
			t.Fatalf("create stage %s: %v", s.ID, err)
		}
	}
	if err := env.Engine.AddTransition(env.Ctx, "new", "review"); err != nil {
		t.Fatalf("add transition: %v", err)
	}
}

func newTicket(t *testing.T, env testEnv, opts engine.TicketCreateOptions) domain.Ticket {
	t.Helper()
	if opts.ProcessID == "" {
		opts.ProcessID = "support"
	}
	if opts.Title == "" {
		opts.Title = "ticket"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	tk, err := env.Engine.CreateTicket(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func TestMoveAlongAllowedTransitions(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	tk := newTicket(t, env, engine.TicketCreateOptions{})
	if tk.CurrentStageID != "new" {
		t.Fatalf("ticket should start in new, got %s", tk.CurrentStageID)
	}

	res, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"})
	if err != nil {
		t.Fatalf("move to review: %v", err)
	}
	if res.Ticket.CurrentStageID != "review" {
		t.Fatalf("expected review, got %s", res.Ticket.CurrentStageID)
	}
	if res.Activity.OldStageID != "new" || res.Activity.NewStageID != "review" {
		t.Fatalf("activity records %s -> %s", res.Activity.OldStageID, res.Activity.NewStageID)
	}

	// review has no edge to done yet
	_, err = env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "done", ActorID: "tester"})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Kind != engine.KindIllegalTransition {
		t.Fatalf("expected illegal_transition, got %v", err)
	}
	got, err := env.Engine.Repo.GetTicket(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStageID != "review" {
		t.Fatalf("rejected move must not change stage, got %s", got.CurrentStageID)
	}

	if err := env.Engine.AddTransition(env.Ctx, "review", "done"); err != nil {
		t.Fatalf("add transition: %v", err)
	}
	res, err = env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "done", ActorID: "tester"})
	if err != nil {
		t.Fatalf("move to done after adding edge: %v", err)
	}
	if res.Ticket.CurrentStageID != "done" {
		t.Fatalf("expected done, got %s", res.Ticket.CurrentStageID)
	}
}

func TestRejectedMoveLeavesAuditUntouched(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	before, err := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "done", ActorID: "tester"}); err == nil {
		t.Fatal("expected illegal transition")
	}
	after, err := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("rejected move wrote %d activities", after-before)
	}
}

func TestMoveAppendsExactlyOneActivity(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	before, _ := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester", Comment: "lgtm"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	after, _ := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if after != before+1 {
		t.Fatalf("expected one new activity, got %d", after-before)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, tk.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	var moved *domain.Activity
	for i := range acts {
		if acts[i].Type == "stage_changed" {
			moved = &acts[i]
		}
	}
	if moved == nil {
		t.Fatal("no stage_changed activity recorded")
	}
	if moved.Comment != "lgtm" || moved.ActorID != "tester" {
		t.Fatalf("activity fields: %+v", moved)
	}
}

func TestNoOpMoveSucceedsAndAudits(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	before, _ := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	res, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "new", ActorID: "tester"})
	if err != nil {
		t.Fatalf("no-op move: %v", err)
	}
	if res.Ticket.CurrentStageID != "new" {
		t.Fatalf("stage should stay new, got %s", res.Ticket.CurrentStageID)
	}
	after, _ := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if after != before+1 {
		t.Fatalf("no-op move must still audit, got %d new activities", after-before)
	}
}

func TestCrossProcessMoveRejected(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{ID: "other", Name: "Other", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{ID: "other-new", ProcessID: "other", Name: "New", IsInitial: true, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	_, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "other-new", ActorID: "tester"})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Kind != engine.KindCrossProcessTransition {
		t.Fatalf("expected cross_process_transition, got %v", err)
	}
}

func TestStagePermissionGate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{ID: "support", Name: "Support", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{ID: "new", ProcessID: "support", Name: "New", IsInitial: true, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		ID: "approved", ProcessID: "support", Name: "Approved",
		RequiredPerms: []domain.Permission{{Resource: "board", Action: "approve"}},
		ActorID:       "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddTransition(env.Ctx, "new", "approved"); err != nil {
		t.Fatal(err)
	}
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	_, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "approved", ActorID: "alice"})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Kind != engine.KindPermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}

	// stage scoped grant lets alice in
	stage := "approved"
	if _, err := env.Engine.GrantDirect(env.Ctx, domain.DirectGrant{
		UserID: "alice", Resource: "board", Action: "approve", StageID: &stage,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "approved", ActorID: "alice"}); err != nil {
		t.Fatalf("move with stage grant: %v", err)
	}
}

func TestAdminBypassSuppressedByScopedGrant(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{ID: "support", Name: "Support", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SetAdmin(env.Ctx, "root", true); err != nil {
		t.Fatal(err)
	}

	// no scoped record: admin passes
	d, err := env.Engine.CheckPermission(env.Ctx, "root", perm.Query{Resource: "board", Action: "approve", ProcessID: "support", StageID: "gated"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow || d.Source != "admin" {
		t.Fatalf("expected admin allow, got %+v", d)
	}

	// once anyone holds a scoped grant at the target, scoped
	// resolution is authoritative and the admin flag no longer
	// carries
	stage := "gated"
	if _, err := env.Engine.GrantDirect(env.Ctx, domain.DirectGrant{
		UserID: "alice", Resource: "board", Action: "approve", StageID: &stage, ProcessID: strPtr("support"),
	}); err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.CheckPermission(env.Ctx, "root", perm.Query{Resource: "board", Action: "approve", ProcessID: "support", StageID: "gated"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatalf("admin bypass should be suppressed, got %+v", d)
	}
}

func TestExpiredScopedGrantDoesNotSuppressAdmin(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{ID: "support", Name: "Support", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SetAdmin(env.Ctx, "root", true); err != nil {
		t.Fatal(err)
	}

	// alice's scoped grant lapsed well before the fixed clock; an
	// expired record leaves no restriction behind
	stage := "gated"
	expired := "2025-01-01T00:00:00Z"
	if _, err := env.Engine.GrantDirect(env.Ctx, domain.DirectGrant{
		UserID: "alice", Resource: "board", Action: "approve",
		StageID: &stage, ProcessID: strPtr("support"), ExpiresAt: &expired,
	}); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.CheckPermission(env.Ctx, "root", perm.Query{Resource: "board", Action: "approve", ProcessID: "support", StageID: "gated"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow || d.Source != "admin" {
		t.Fatalf("expired scoped grant must not suppress the admin bypass, got %+v", d)
	}
}

func TestExpiredGrantIsAbsent(t *testing.T) {
	env := newTestEnv(t)
	expired := "2025-01-01T00:00:00Z"
	if _, err := env.Engine.GrantDirect(env.Ctx, domain.DirectGrant{
		UserID: "bob", Resource: "board", Action: "approve", ExpiresAt: &expired,
	}); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.CheckPermission(env.Ctx, "bob", perm.Query{Resource: "board", Action: "approve"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatalf("expired grant must not resolve, got %+v", d)
	}
}

func TestDueDatePolicyRequire(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "require")
	sla := 48
	if _, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		ID: "urgent", ProcessID: "support", Name: "Urgent", SLAHours: &sla, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddTransition(env.Ctx, "new", "urgent"); err != nil {
		t.Fatal(err)
	}
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	_, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "urgent", ActorID: "tester"})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Kind != engine.KindMissingDueDate {
		t.Fatalf("expected missing_due_date, got %v", err)
	}

	withDue := newTicket(t, env, engine.TicketCreateOptions{Title: "dated", DueDate: "2025-06-03T00:00:00Z"})
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: withDue.ID, TargetStageID: "urgent", ActorID: "tester"}); err != nil {
		t.Fatalf("move with due date: %v", err)
	}
}

func TestDueDatePolicyWarnAdvises(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "warn")
	sla := 24
	if _, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		ID: "urgent", ProcessID: "support", Name: "Urgent", SLAHours: &sla, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddTransition(env.Ctx, "new", "urgent"); err != nil {
		t.Fatal(err)
	}
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	res, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "urgent", ActorID: "tester"})
	if err != nil {
		t.Fatalf("warn policy must not block: %v", err)
	}
	if len(res.Advisories) == 0 {
		t.Fatal("expected a missing due date advisory")
	}
	if res.Ticket.CurrentStageID != "urgent" {
		t.Fatalf("expected urgent, got %s", res.Ticket.CurrentStageID)
	}
}

// A passing probe does not entitle the caller to the move: Move
// re-reads and re-validates inside its own transaction, so a ticket
// moved in between is judged against its committed stage, never the
// stale one the caller saw.
func TestStaleValidationDoesNotBypassRecheck(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	if err := env.Engine.AddTransition(env.Ctx, "review", "done"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AddTransition(env.Ctx, "review", "new"); err != nil {
		t.Fatal(err)
	}
	tk := newTicket(t, env, engine.TicketCreateOptions{})
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "review", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	// first mover's probe passes against review
	stale, _ := env.Engine.Repo.GetTicket(env.Ctx, tk.ID)
	if advisory, err := env.Engine.ValidateTransition(env.Ctx, stale, "new", "tester"); err != nil || advisory != nil {
		t.Fatalf("probe from review to new: advisory %v, err %v", advisory, err)
	}

	// second mover commits review -> done in between
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "done", ActorID: "other"}); err != nil {
		t.Fatalf("interleaved move: %v", err)
	}

	// first mover's commit re-validates against done and loses
	_, err := env.Engine.Move(env.Ctx, engine.MoveOptions{TicketID: tk.ID, TargetStageID: "new", ActorID: "tester"})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Kind != engine.KindIllegalTransition {
		t.Fatalf("stale move must fail re-validation, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, tk.ID)
	if got.CurrentStageID != "done" {
		t.Fatalf("losing move changed the stage to %s", got.CurrentStageID)
	}
}

func TestListStageRejectsMismatchedProcess(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.ProcessCreateOptions{ID: "other", Name: "Other", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.ListStage(env.Ctx, "other", "review", 10, 0); err == nil {
		t.Fatal("expected an error for a stage outside the process")
	}
	bucket, err := env.Engine.ListStage(env.Ctx, "support", "review", 10, 0)
	if err != nil {
		t.Fatalf("matching pair: %v", err)
	}
	if len(bucket.Tickets) != 0 {
		t.Fatalf("empty stage should list nothing, got %d", len(bucket.Tickets))
	}
}

func TestValidateTransitionDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	newBoard(t, env, "")
	tk := newTicket(t, env, engine.TicketCreateOptions{})

	before, _ := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if _, err := env.Engine.ValidateTransition(env.Ctx, tk, "review", "tester"); err != nil {
		t.Fatalf("probe allowed move: %v", err)
	}
	if _, err := env.Engine.ValidateTransition(env.Ctx, tk, "done", "tester"); err == nil {
		t.Fatal("probe of illegal move should error")
	}
	got, _ := env.Engine.Repo.GetTicket(env.Ctx, tk.ID)
	after, _ := env.Engine.Repo.CountActivities(env.Ctx, tk.ID)
	if got.CurrentStageID != "new" || after != before {
		t.Fatal("validation must not mutate")
	}
}

func strPtr(s string) *string { return &s }
