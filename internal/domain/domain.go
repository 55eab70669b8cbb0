package domain

type Process struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Color           string `json:"color,omitempty"`
	Icon            string `json:"icon,omitempty"`
	Active          bool   `json:"active"`
	DefaultPriority string `json:"default_priority,omitempty"`
	AutoAssign      bool   `json:"auto_assign"`
	DueDatePolicy   string `json:"due_date_policy" enum:"none,warn,require"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID                 string       `json:"id"`
	ProcessID          string       `json:"process_id"`
	Name               string       `json:"name"`
	Position           int          `json:"position"`
	IsInitial          bool         `json:"is_initial"`
	IsFinal            bool         `json:"is_final"`
	SLAHours           *int         `json:"sla_hours,omitempty"`
	AllowedTransitions []string     `json:"allowed_transitions,omitempty"`
	RequiredPerms      []Permission `json:"required_permissions,omitempty"`
}

// Permission is a structured resource/action pair.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type Field struct {
	ID        string `json:"id"`
	ProcessID string `json:"process_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind" enum:"text,number,date,select"`
}

type Ticket struct {
	ID             string            `json:"id"`
	ProcessID      string            `json:"process_id"`
	CurrentStageID string            `json:"current_stage_id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	CreatedBy      string            `json:"created_by"`
	AssignedTo     *string           `json:"assigned_to,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	DueDate        *string           `json:"due_date,omitempty" format:"date-time"`
	Status         string            `json:"status"`
	Fields         map[string]string `json:"fields,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// Activity is an immutable audit record attached to a ticket.
type Activity struct {
	ID         int64  `json:"id"`
	TicketID   string `json:"ticket_id"`
	ActorID    string `json:"actor_id"`
	Type       string `json:"type"`
	OldStageID string `json:"old_stage_id,omitempty"`
	NewStageID string `json:"new_stage_id,omitempty"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Role struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// RoleGrant is a permission inherited by every user holding the role.
type RoleGrant struct {
	RoleID   string `json:"role_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// DirectGrant is assigned to a specific user, optionally scoped to a
// process and/or stage, optionally time-limited.
type DirectGrant struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Resource  string  `json:"resource"`
	Action    string  `json:"action"`
	ProcessID *string `json:"process_id,omitempty"`
	StageID   *string `json:"stage_id,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type RuleCondition struct {
	FieldID  string `json:"field_id"`
	Operator string `json:"operator" enum:"equals,not_equals,contains,greater_than,less_than,is_empty,is_not_empty"`
	Value    string `json:"value,omitempty"`
}

type RuleAction struct {
	Type   string            `json:"type" enum:"notify,move_to_stage,assign_user,add_comment,send_email"`
	Params map[string]string `json:"params,omitempty"`
}

type AutomationRule struct {
	ID             string          `json:"id"`
	ProcessID      string          `json:"process_id"`
	Name           string          `json:"name"`
	TriggerEvent   string          `json:"trigger_event" enum:"stage_entered,stage_exited,due_date_approaching,overdue"`
	TriggerStageID *string         `json:"trigger_stage_id,omitempty"`
	Conditions     []RuleCondition `json:"conditions,omitempty"`
	Actions        []RuleAction    `json:"actions"`
	Active         bool            `json:"active"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

// ActionRequest is the unit handed to executors. Delivery is
// at-least-once; (RuleID, TicketID, EventTS, ActionIndex) is the
// dedupe key.
type ActionRequest struct {
	ID          int64             `json:"id"`
	RuleID      string            `json:"rule_id"`
	TicketID    string            `json:"ticket_id"`
	ProcessID   string            `json:"process_id"`
	EventTS     string            `json:"event_ts" format:"date-time"`
	ActionIndex int               `json:"action_index"`
	ActionType  string            `json:"action_type"`
	Params      map[string]string `json:"params,omitempty"`
	ChainDepth  int               `json:"chain_depth"`
	Status      string            `json:"status" enum:"pending,done,failed"`
	Attempts    int               `json:"attempts"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
