package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowboard/internal/automation"
	"flowboard/internal/domain"
	"flowboard/internal/repo"
)

var validOperators = map[string]bool{
	"equals": true, "not_equals": true, "contains": true,
	"greater_than": true, "less_than": true,
	"is_empty": true, "is_not_empty": true,
}

var validActionTypes = map[string]bool{
	"notify": true, "move_to_stage": true, "assign_user": true,
	"add_comment": true, "send_email": true,
}

var validTriggers = map[string]bool{
	automation.TriggerStageEntered:       true,
	automation.TriggerStageExited:        true,
	automation.TriggerDueDateApproaching: true,
	automation.TriggerOverdue:            true,
}

// CreateRule validates and stores an automation rule.
func (e Engine) CreateRule(ctx context.Context, rule domain.AutomationRule) (domain.AutomationRule, error) {
	if rule.Name == "" {
		return rule, errors.New("name is required")
	}
	if !validTriggers[rule.TriggerEvent] {
		return rule, fmt.Errorf("invalid trigger_event %s", rule.TriggerEvent)
	}
	if len(rule.Actions) == 0 {
		return rule, errors.New("at least one action is required")
	}
	if _, err := e.Repo.GetProcess(ctx, rule.ProcessID); err != nil {
		return rule, err
	}
	if rule.TriggerStageID != nil {
		s, err := e.Repo.GetStage(ctx, *rule.TriggerStageID)
		if err != nil {
			return rule, err
		}
		if s.ProcessID != rule.ProcessID {
			return rule, fmt.Errorf("trigger stage %s belongs to process %s", s.ID, s.ProcessID)
		}
	}
	for _, c := range rule.Conditions {
		if !validOperators[c.Operator] {
			return rule, fmt.Errorf("invalid condition operator %s", c.Operator)
		}
	}
	for i, a := range rule.Actions {
		if !validActionTypes[a.Type] {
			return rule, fmt.Errorf("action %d: invalid type %s", i, a.Type)
		}
		if a.Type == "move_to_stage" {
			s, err := e.Repo.GetStage(ctx, a.Params["stage_id"])
			if err != nil {
				return rule, fmt.Errorf("action %d: stage_id: %w", i, err)
			}
			if s.ProcessID != rule.ProcessID {
				return rule, fmt.Errorf("action %d: stage %s belongs to process %s", i, s.ID, s.ProcessID)
			}
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.Active = true
	rule.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return rule, err
	}
	return rule, tx.Commit()
}

func (e Engine) SetRuleActive(ctx context.Context, id string, active bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRuleActive(ctx, tx, id, active); err != nil {
		return err
	}
	return tx.Commit()
}

// GrantDirect issues a direct grant, creating the user row if needed.
func (e Engine) GrantDirect(ctx context.Context, g domain.DirectGrant) (domain.DirectGrant, error) {
	if g.UserID == "" || g.Resource == "" || g.Action == "" {
		return g, errors.New("user_id, resource and action are required")
	}
	if g.StageID != nil && g.ProcessID == nil {
		s, err := e.Repo.GetStage(ctx, *g.StageID)
		if err != nil {
			return g, err
		}
		g.ProcessID = &s.ProcessID
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	g.CreatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, g.UserID, now); err != nil {
		return g, err
	}
	if err := e.Repo.InsertDirectGrant(ctx, tx, g); err != nil {
		return g, err
	}
	return g, tx.Commit()
}

func (e Engine) RevokeDirect(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteDirectGrant(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) AssignRole(ctx context.Context, userID, roleID string) error {
	roles, err := e.Repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	known := false
	for _, r := range roles {
		if r.ID == roleID {
			known = true
			break
		}
	}
	if !known {
		return repo.ErrNotFound
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, userID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, userID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, userID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) SetAdmin(ctx context.Context, userID string, admin bool) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return err
	}
	if err := e.Repo.SetUserAdmin(ctx, tx, userID, admin); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key and stores only its hash. The plaintext is
// returned once and never persisted.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		return domain.APIKey{}, "", errors.New("user_id is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plaintext := "fb_" + hex.EncodeToString(raw)
	now := e.now().UTC().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return key, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	return key, plaintext, tx.Commit()
}
