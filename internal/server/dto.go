package server

import (
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/repo"
)

// Request payloads

type CreateProcessRequest struct {
	ID              *string `json:"id,omitempty"`
	Name            string  `json:"name"`
	Color           string  `json:"color,omitempty"`
	Icon            string  `json:"icon,omitempty"`
	DefaultPriority string  `json:"default_priority,omitempty"`
	AutoAssign      bool    `json:"auto_assign,omitempty"`
	DueDatePolicy   string  `json:"due_date_policy,omitempty" enum:"none,warn,require"`
}

type CreateStageRequest struct {
	ID                 *string             `json:"id,omitempty"`
	Name               string              `json:"name"`
	Position           int                 `json:"position,omitempty"`
	IsInitial          bool                `json:"is_initial,omitempty"`
	IsFinal            bool                `json:"is_final,omitempty"`
	SLAHours           *int                `json:"sla_hours,omitempty"`
	AllowedTransitions []string            `json:"allowed_transitions,omitempty"`
	RequiredPerms      []domain.Permission `json:"required_permissions,omitempty"`
}

type CreateTicketRequest struct {
	ID          *string           `json:"id,omitempty"`
	StageID     *string           `json:"stage_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	DueDate     string            `json:"due_date,omitempty" format:"date-time"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type MoveTicketRequest struct {
	TargetStageID string `json:"target_stage_id"`
	Comment       string `json:"comment,omitempty"`
}

type CreateFieldRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
	Kind string  `json:"kind,omitempty" enum:"text,number,date,select"`
}

type SetFieldValueRequest struct {
	Value string `json:"value"`
}

type CreateRuleRequest struct {
	ID             *string                `json:"id,omitempty"`
	Name           string                 `json:"name"`
	TriggerEvent   string                 `json:"trigger_event" enum:"stage_entered,stage_exited,due_date_approaching,overdue"`
	TriggerStageID *string                `json:"trigger_stage_id,omitempty"`
	Conditions     []domain.RuleCondition `json:"conditions,omitempty"`
	Actions        []domain.RuleAction    `json:"actions"`
}

type CreateGrantRequest struct {
	UserID    string  `json:"user_id"`
	Resource  string  `json:"resource"`
	Action    string  `json:"action"`
	ProcessID *string `json:"process_id,omitempty"`
	StageID   *string `json:"stage_id,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type AssignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type MoveTicketResponse struct {
	Ticket     domain.Ticket   `json:"ticket"`
	Activity   domain.Activity `json:"activity"`
	Advisories []string        `json:"advisories,omitempty"`
}

type ValidateTransitionResponse struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
}

type StageBucketResponse struct {
	Tickets []domain.Ticket `json:"tickets"`
	HasMore bool            `json:"has_more"`
}

type PermissionCheckResponse struct {
	Allow  bool   `json:"allow"`
	Source string `json:"source,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	Admin  bool     `json:"admin"`
	Source string   `json:"source"`
}

func bucketResponse(b repo.StageBucket) StageBucketResponse {
	tickets := b.Tickets
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	return StageBucketResponse{Tickets: tickets, HasMore: b.HasMore}
}

func moveResponse(res engine.MoveResult) MoveTicketResponse {
	return MoveTicketResponse{Ticket: res.Ticket, Activity: res.Activity, Advisories: res.Advisories}
}
