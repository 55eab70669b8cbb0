package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"flowboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO processes(id,name,color,icon,active,default_priority,auto_assign,due_date_policy,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Color), nullable(p.Icon), boolInt(p.Active), nullable(p.DefaultPriority), boolInt(p.AutoAssign), p.DueDatePolicy, p.CreatedAt)
	return err
}

func scanProcess(scan func(...any) error) (domain.Process, error) {
	var p domain.Process
	var color, icon, prio sql.NullString
	var active, autoAssign int
	err := scan(&p.ID, &p.Name, &color, &icon, &active, &prio, &autoAssign, &p.DueDatePolicy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Color = color.String
	p.Icon = icon.String
	p.DefaultPriority = prio.String
	p.Active = active != 0
	p.AutoAssign = autoAssign != 0
	return p, nil
}

const processCols = `id,name,color,icon,active,default_priority,auto_assign,due_date_policy,created_at`

func (r Repo) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+processCols+` FROM processes WHERE id=?`, id)
	return scanProcess(row.Scan)
}

func (r Repo) ListProcesses(ctx context.Context) ([]domain.Process, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+processCols+` FROM processes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProcess(ctx context.Context, id string, active *bool, dueDatePolicy string) error {
	var (
		fields []string
		args   []any
	)
	if active != nil {
		fields = append(fields, "active=?")
		args = append(args, boolInt(*active))
	}
	if dueDatePolicy != "" {
		fields = append(fields, "due_date_policy=?")
		args = append(args, dueDatePolicy)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE processes SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,process_id,name,position,is_initial,is_final,sla_hours) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ProcessID, s.Name, s.Position, boolInt(s.IsInitial), boolInt(s.IsFinal), nullableIntPtr(s.SLAHours))
	if err != nil {
		return err
	}
	for _, target := range s.AllowedTransitions {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_transitions(stage_id,to_stage_id) VALUES (?,?)`, s.ID, target); err != nil {
			return err
		}
	}
	for _, p := range s.RequiredPerms {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_permissions(stage_id,resource,action) VALUES (?,?,?)`, s.ID, p.Resource, p.Action); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) scanStage(ctx context.Context, q queryer, scan func(...any) error) (domain.Stage, error) {
	var s domain.Stage
	var sla sql.NullInt64
	var isInitial, isFinal int
	err := scan(&s.ID, &s.ProcessID, &s.Name, &s.Position, &isInitial, &isFinal, &sla)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsInitial = isInitial != 0
	s.IsFinal = isFinal != 0
	if sla.Valid {
		v := int(sla.Int64)
		s.SLAHours = &v
	}
	if s.AllowedTransitions, err = listStrings(ctx, q, `SELECT to_stage_id FROM stage_transitions WHERE stage_id=? ORDER BY to_stage_id`, s.ID); err != nil {
		return s, err
	}
	perms, err := q.QueryContext(ctx, `SELECT resource,action FROM stage_permissions WHERE stage_id=?`, s.ID)
	if err != nil {
		return s, err
	}
	defer perms.Close()
	for perms.Next() {
		var p domain.Permission
		if err := perms.Scan(&p.Resource, &p.Action); err != nil {
			return s, err
		}
		s.RequiredPerms = append(s.RequiredPerms, p)
	}
	return s, perms.Err()
}

const stageCols = `id,process_id,name,position,is_initial,is_final,sla_hours`

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE id=?`, id)
	return r.scanStage(ctx, r.DB, row.Scan)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE id=?`, id)
	return r.scanStage(ctx, tx, row.Scan)
}

func (r Repo) ListStages(ctx context.Context, processID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageCols+` FROM stages WHERE process_id=? ORDER BY position, id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		// collect first; scanStage issues nested queries
		var s domain.Stage
		var sla sql.NullInt64
		var isInitial, isFinal int
		if err := rows.Scan(&s.ID, &s.ProcessID, &s.Name, &s.Position, &isInitial, &isFinal, &sla); err != nil {
			return nil, err
		}
		s.IsInitial = isInitial != 0
		s.IsFinal = isFinal != 0
		if sla.Valid {
			v := int(sla.Int64)
			s.SLAHours = &v
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].AllowedTransitions, err = listStrings(ctx, r.DB, `SELECT to_stage_id FROM stage_transitions WHERE stage_id=? ORDER BY to_stage_id`, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) AddStageTransition(ctx context.Context, tx *sql.Tx, stageID, toStageID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_transitions(stage_id,to_stage_id) VALUES (?,?)`, stageID, toStageID)
	return err
}

func (r Repo) RemoveStageTransition(ctx context.Context, tx *sql.Tx, stageID, toStageID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM stage_transitions WHERE stage_id=? AND to_stage_id=?`, stageID, toStageID)
	return err
}

func (r Repo) InsertField(ctx context.Context, tx *sql.Tx, f domain.Field) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fields(id,process_id,name,kind) VALUES (?,?,?,?)`, f.ID, f.ProcessID, f.Name, f.Kind)
	return err
}

func (r Repo) ListFields(ctx context.Context, processID string) ([]domain.Field, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,process_id,name,kind FROM fields WHERE process_id=? ORDER BY id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Field
	for rows.Next() {
		var f domain.Field
		if err := rows.Scan(&f.ID, &f.ProcessID, &f.Name, &f.Kind); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

const ticketCols = `id,process_id,current_stage_id,title,description,created_by,assigned_to,priority,due_date,status,created_at,updated_at`

func scanTicket(scan func(...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var desc, assigned, prio, due sql.NullString
	err := scan(&t.ID, &t.ProcessID, &t.CurrentStageID, &t.Title, &desc, &t.CreatedBy, &assigned, &prio, &due, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	t.Priority = prio.String
	if assigned.Valid {
		t.AssignedTo = &assigned.String
	}
	if due.Valid {
		t.DueDate = &due.String
	}
	return t, nil
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(`+ticketCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProcessID, t.CurrentStageID, t.Title, nullable(t.Description), t.CreatedBy,
		nullableStringPtr(t.AssignedTo), nullable(t.Priority), nullableStringPtr(t.DueDate), t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	for fieldID, value := range t.Fields {
		if err := r.SetTicketField(ctx, tx, t.ID, fieldID, value); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	t, err := scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE id=?`, id).Scan)
	if err != nil {
		return t, err
	}
	t.Fields, err = r.ticketFields(ctx, r.DB, id)
	return t, err
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	t, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE id=?`, id).Scan)
	if err != nil {
		return t, err
	}
	t.Fields, err = r.ticketFields(ctx, tx, id)
	return t, err
}

// MoveTicketStage performs the conditional stage write. It only
// succeeds when current_stage_id still equals fromStageID; zero
// affected rows means a concurrent move won the race.
func (r Repo) MoveTicketStage(ctx context.Context, tx *sql.Tx, ticketID, fromStageID, toStageID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET current_stage_id=?, updated_at=? WHERE id=? AND current_stage_id=?`,
		toStageID, updatedAt, ticketID, fromStageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `UPDATE tickets SET title=?, description=?, assigned_to=?, priority=?, due_date=?, status=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), nullableStringPtr(t.AssignedTo), nullable(t.Priority), nullableStringPtr(t.DueDate), t.Status, t.UpdatedAt, t.ID)
	return err
}

func (r Repo) SetTicketField(ctx context.Context, tx *sql.Tx, ticketID, fieldID, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ticket_fields(ticket_id,field_id,value) VALUES (?,?,?)
ON CONFLICT(ticket_id,field_id) DO UPDATE SET value=excluded.value`, ticketID, fieldID, value)
	return err
}

func (r Repo) ticketFields(ctx context.Context, q queryer, ticketID string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT field_id,value FROM ticket_fields WHERE ticket_id=?`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	fields := map[string]string{}
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		fields[id] = value
	}
	if len(fields) == 0 {
		return nil, rows.Err()
	}
	return fields, rows.Err()
}

// StageBucket is one page of a per-stage listing.
type StageBucket struct {
	Tickets []domain.Ticket
	HasMore bool
}

// ListStageTickets pages tickets currently in a stage, newest first
// with id as the tie-break so pagination is stable under concurrent
// moves. HasMore is a hint (returned >= limit), not a count.
func (r Repo) ListStageTickets(ctx context.Context, processID, stageID string, limit, offset int) (StageBucket, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ticketCols+` FROM tickets
WHERE process_id=? AND current_stage_id=?
ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, processID, stageID, limit, offset)
	if err != nil {
		return StageBucket{}, err
	}
	defer rows.Close()
	var bucket StageBucket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return StageBucket{}, err
		}
		bucket.Tickets = append(bucket.Tickets, t)
	}
	if err := rows.Err(); err != nil {
		return StageBucket{}, err
	}
	bucket.HasMore = len(bucket.Tickets) >= limit
	return bucket, nil
}

// ListDueTickets returns open tickets with a due date at or before the
// horizon, for the automation sweep.
func (r Repo) ListDueTickets(ctx context.Context, horizon string) ([]domain.Ticket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ticketCols+` FROM tickets
WHERE due_date IS NOT NULL AND due_date <= ? AND status='open' ORDER BY due_date, id`, horizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		fields, err := r.ticketFields(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Fields = fields
	}
	return res, nil
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO activities(ticket_id,actor_id,type,old_stage_id,new_stage_id,comment,ts) VALUES (?,?,?,?,?,?,?)`,
		a.TicketID, a.ActorID, a.Type, nullable(a.OldStageID), nullable(a.NewStageID), nullable(a.Comment), a.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListActivities(ctx context.Context, ticketID string, limit int) ([]domain.Activity, error) {
	query := `SELECT id,ticket_id,actor_id,type,old_stage_id,new_stage_id,comment,ts FROM activities WHERE ticket_id=? ORDER BY id DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var oldStage, newStage, comment sql.NullString
		if err := rows.Scan(&a.ID, &a.TicketID, &a.ActorID, &a.Type, &oldStage, &newStage, &comment, &a.TS); err != nil {
			return nil, err
		}
		a.OldStageID = oldStage.String
		a.NewStageID = newStage.String
		a.Comment = comment.String
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountActivities(ctx context.Context, ticketID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM activities WHERE ticket_id=?`, ticketID).Scan(&n)
	return n, err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
