package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowboard/internal/automation"
	"flowboard/internal/config"
	"flowboard/internal/domain"
	"flowboard/internal/engine/perm"
	"flowboard/internal/repo"
)

// Sink receives committed transition events after the move transaction
// has finished. Implementations must not block the caller.
type Sink interface {
	TransitionCommitted(ctx context.Context, evt automation.Event)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Automation Sink
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProcessCreateOptions are parameters for creating a process.
type ProcessCreateOptions struct {
	ID              string
	Name            string
	Color           string
	Icon            string
	DefaultPriority string
	AutoAssign      bool
	DueDatePolicy   string
	ActorID         string
}

func (e Engine) CreateProcess(ctx context.Context, opts ProcessCreateOptions) (domain.Process, error) {
	if opts.Name == "" {
		return domain.Process{}, errors.New("name is required")
	}
	if opts.DueDatePolicy == "" {
		opts.DueDatePolicy = "none"
	}
	switch opts.DueDatePolicy {
	case "none", "warn", "require":
	default:
		return domain.Process{}, fmt.Errorf("invalid due_date_policy %s", opts.DueDatePolicy)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Process{
		ID:              id,
		Name:            opts.Name,
		Color:           opts.Color,
		Icon:            opts.Icon,
		Active:          true,
		DefaultPriority: opts.DefaultPriority,
		AutoAssign:      opts.AutoAssign,
		DueDatePolicy:   opts.DueDatePolicy,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProcess(ctx, tx, p); err != nil {
		return domain.Process{}, fmt.Errorf("insert process: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// StageCreateOptions are parameters for adding a stage to a process.
type StageCreateOptions struct {
	ID                 string
	ProcessID          string
	Name               string
	Position           int
	IsInitial          bool
	IsFinal            bool
	SLAHours           *int
	AllowedTransitions []string
	RequiredPerms      []domain.Permission
	ActorID            string
}

func (e Engine) CreateStage(ctx context.Context, opts StageCreateOptions) (domain.Stage, error) {
	if opts.Name == "" {
		return domain.Stage{}, errors.New("name is required")
	}
	if opts.ProcessID == "" {
		return domain.Stage{}, errors.New("process is required")
	}
	if _, err := e.Repo.GetProcess(ctx, opts.ProcessID); err != nil {
		return domain.Stage{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	// allowed_transitions must stay within the sibling set
	for _, target := range opts.AllowedTransitions {
		if target == id {
			continue
		}
		sibling, err := e.Repo.GetStage(ctx, target)
		if err != nil {
			return domain.Stage{}, fmt.Errorf("transition target %s: %w", target, err)
		}
		if sibling.ProcessID != opts.ProcessID {
			return domain.Stage{}, fmt.Errorf("transition target %s belongs to process %s", target, sibling.ProcessID)
		}
	}
	s := domain.Stage{
		ID:                 id,
		ProcessID:          opts.ProcessID,
		Name:               opts.Name,
		Position:           opts.Position,
		IsInitial:          opts.IsInitial,
		IsFinal:            opts.IsFinal,
		SLAHours:           opts.SLAHours,
		AllowedTransitions: opts.AllowedTransitions,
		RequiredPerms:      opts.RequiredPerms,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
		return domain.Stage{}, fmt.Errorf("insert stage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// AddTransition adds a directed edge between sibling stages.
func (e Engine) AddTransition(ctx context.Context, stageID, toStageID string) error {
	from, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return err
	}
	to, err := e.Repo.GetStage(ctx, toStageID)
	if err != nil {
		return err
	}
	if from.ProcessID != to.ProcessID {
		return fmt.Errorf("stage %s belongs to process %s; transitions may not cross processes", toStageID, to.ProcessID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AddStageTransition(ctx, tx, stageID, toStageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveTransition(ctx context.Context, stageID, toStageID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveStageTransition(ctx, tx, stageID, toStageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateField(ctx context.Context, f domain.Field) (domain.Field, error) {
	if f.Name == "" {
		return f, errors.New("name is required")
	}
	if _, err := e.Repo.GetProcess(ctx, f.ProcessID); err != nil {
		return f, err
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Kind == "" {
		f.Kind = "text"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertField(ctx, tx, f); err != nil {
		return f, err
	}
	return f, tx.Commit()
}

// TicketCreateOptions are parameters for creating a ticket.
type TicketCreateOptions struct {
	ID          string
	ProcessID   string
	StageID     string
	Title       string
	Description string
	AssignedTo  string
	Priority    string
	DueDate     string
	Fields      map[string]string
	ActorID     string
}

func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	if opts.Title == "" {
		return domain.Ticket{}, errors.New("title is required")
	}
	if opts.ProcessID == "" {
		return domain.Ticket{}, errors.New("process is required")
	}
	p, err := e.Repo.GetProcess(ctx, opts.ProcessID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !p.Active {
		return domain.Ticket{}, fmt.Errorf("process %s is inactive", p.ID)
	}
	stageID := opts.StageID
	if stageID == "" {
		stages, err := e.Repo.ListStages(ctx, p.ID)
		if err != nil {
			return domain.Ticket{}, err
		}
		for _, s := range stages {
			if s.IsInitial {
				stageID = s.ID
				break
			}
		}
		if stageID == "" {
			return domain.Ticket{}, fmt.Errorf("process %s has no initial stage; specify one", p.ID)
		}
	} else {
		s, err := e.Repo.GetStage(ctx, stageID)
		if err != nil {
			return domain.Ticket{}, err
		}
		if s.ProcessID != p.ID {
			return domain.Ticket{}, fmt.Errorf("stage %s belongs to process %s", stageID, s.ProcessID)
		}
	}
	if opts.Priority == "" {
		opts.Priority = p.DefaultPriority
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Ticket{
		ID:             id,
		ProcessID:      p.ID,
		CurrentStageID: stageID,
		Title:          opts.Title,
		Description:    opts.Description,
		CreatedBy:      opts.ActorID,
		AssignedTo:     optionalString(opts.AssignedTo),
		Priority:       opts.Priority,
		DueDate:        optionalString(opts.DueDate),
		Status:         "open",
		Fields:         opts.Fields,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
		return domain.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	if _, err := e.Repo.InsertActivity(ctx, tx, domain.Activity{
		TicketID:   t.ID,
		ActorID:    opts.ActorID,
		Type:       "created",
		NewStageID: stageID,
		TS:         now,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// SetTicketField writes one field value and records the edit.
func (e Engine) SetTicketField(ctx context.Context, ticketID, fieldID, value, actorID string) error {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTicketField(ctx, tx, t.ID, fieldID, value); err != nil {
		return err
	}
	if _, err := e.Repo.InsertActivity(ctx, tx, domain.Activity{
		TicketID: t.ID,
		ActorID:  actorID,
		Type:     "field_changed",
		Comment:  fieldID,
		TS:       e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStage serves one page of the stage bucket.
func (e Engine) ListStage(ctx context.Context, processID, stageID string, limit, offset int) (repo.StageBucket, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return repo.StageBucket{}, err
	}
	if s.ProcessID != processID {
		return repo.StageBucket{}, fmt.Errorf("stage %s belongs to process %s", stageID, s.ProcessID)
	}
	return e.Repo.ListStageTickets(ctx, processID, stageID, limit, offset)
}

// LoadGrantSet assembles everything the resolver needs about one user
// for the queried target.
func (e Engine) LoadGrantSet(ctx context.Context, userID string, q perm.Query) (perm.GrantSet, error) {
	set := perm.GrantSet{UserID: userID}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return set, err
	}
	set.Admin = u.IsAdmin
	if set.Direct, err = e.Repo.UserDirectGrants(ctx, userID); err != nil {
		return set, err
	}
	if set.Role, err = e.Repo.UserRoleGrants(ctx, userID); err != nil {
		return set, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if set.ScopedRecordExists, err = e.Repo.ScopedGrantExists(ctx, q.Resource, q.Action, q.ProcessID, q.StageID, now); err != nil {
		return set, err
	}
	return set, nil
}

// CheckPermission resolves a single permission query for a user.
func (e Engine) CheckPermission(ctx context.Context, userID string, q perm.Query) (perm.Decision, error) {
	set, err := e.LoadGrantSet(ctx, userID, q)
	if err != nil {
		return perm.Decision{}, err
	}
	return perm.Resolve(e.now(), set, q), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
