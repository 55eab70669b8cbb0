package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowboard/internal/domain"
)

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO automation_rules(id,process_id,name,trigger_event,trigger_stage_id,conditions_json,actions_json,active,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.ProcessID, rule.Name, rule.TriggerEvent, nullableStringPtr(rule.TriggerStageID),
		string(conditions), string(actions), boolInt(rule.Active), rule.CreatedAt)
	return err
}

func (r Repo) SetRuleActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE automation_rules SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(scan func(...any) error) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var triggerStage, conditions sql.NullString
	var actions string
	var active int
	err := scan(&rule.ID, &rule.ProcessID, &rule.Name, &rule.TriggerEvent, &triggerStage, &conditions, &actions, &active, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	if triggerStage.Valid {
		rule.TriggerStageID = &triggerStage.String
	}
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &rule.Conditions); err != nil {
			return rule, fmt.Errorf("rule %s conditions: %w", rule.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return rule, fmt.Errorf("rule %s actions: %w", rule.ID, err)
	}
	rule.Active = active != 0
	return rule, nil
}

const ruleCols = `id,process_id,name,trigger_event,trigger_stage_id,conditions_json,actions_json,active,created_at`

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM automation_rules WHERE id=?`, id)
	return scanRule(row.Scan)
}

func (r Repo) ListRules(ctx context.Context, processID string) ([]domain.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleCols+` FROM automation_rules WHERE process_id=? ORDER BY created_at, id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// ActiveRules returns active rules for a process and trigger event.
func (r Repo) ActiveRules(ctx context.Context, processID, triggerEvent string) ([]domain.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleCols+` FROM automation_rules
WHERE process_id=? AND trigger_event=? AND active=1 ORDER BY created_at, id`, processID, triggerEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// EnqueueActionRequest appends to the outbox. The unique key makes a
// replayed evaluation of the same event a no-op.
func (r Repo) EnqueueActionRequest(ctx context.Context, req domain.ActionRequest) error {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO action_requests(rule_id,ticket_id,process_id,event_ts,action_index,action_type,params_json,chain_depth,status,created_at)
VALUES (?,?,?,?,?,?,?,?,'pending',?)`,
		req.RuleID, req.TicketID, req.ProcessID, req.EventTS, req.ActionIndex, req.ActionType, string(params), req.ChainDepth, req.CreatedAt)
	return err
}

func scanActionRequest(scan func(...any) error) (domain.ActionRequest, error) {
	var req domain.ActionRequest
	var params sql.NullString
	err := scan(&req.ID, &req.RuleID, &req.TicketID, &req.ProcessID, &req.EventTS, &req.ActionIndex, &req.ActionType, &params, &req.ChainDepth, &req.Status, &req.Attempts, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &req.Params); err != nil {
			return req, fmt.Errorf("action request %d params: %w", req.ID, err)
		}
	}
	return req, nil
}

const actionRequestCols = `id,rule_id,ticket_id,process_id,event_ts,action_index,action_type,params_json,chain_depth,status,attempts,created_at`

// PendingActionRequests returns up to limit pending requests in
// enqueue order.
func (r Repo) PendingActionRequests(ctx context.Context, limit int) ([]domain.ActionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionRequestCols+` FROM action_requests WHERE status='pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionRequest
	for rows.Next() {
		req, err := scanActionRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) MarkActionRequest(ctx context.Context, id int64, status string, attempts int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE action_requests SET status=?, attempts=? WHERE id=?`, status, attempts, id)
	return err
}

func (r Repo) ListActionRequests(ctx context.Context, ticketID string) ([]domain.ActionRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionRequestCols+` FROM action_requests WHERE ticket_id=? ORDER BY id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionRequest
	for rows.Next() {
		req, err := scanActionRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
