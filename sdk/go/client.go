package flowboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowboard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID             string            `json:"id"`
	ProcessID      string            `json:"process_id"`
	CurrentStageID string            `json:"current_stage_id"`
	Title          string            `json:"title"`
	Priority       string            `json:"priority,omitempty"`
	AssignedTo     *string           `json:"assigned_to,omitempty"`
	DueDate        *string           `json:"due_date,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

// Activity is one audit entry on a ticket.
type Activity struct {
	ID         int64  `json:"id"`
	TicketID   string `json:"ticket_id"`
	ActorID    string `json:"actor_id"`
	Type       string `json:"type"`
	OldStageID string `json:"old_stage_id,omitempty"`
	NewStageID string `json:"new_stage_id,omitempty"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts"`
}

// MoveResult is the response to a move request.
type MoveResult struct {
	Ticket     Ticket   `json:"ticket"`
	Activity   Activity `json:"activity"`
	Advisories []string `json:"advisories,omitempty"`
}

// ValidationResult reports whether a move would be allowed.
type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Reason     string   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
}

// StageBucket is one page of a stage's tickets.
type StageBucket struct {
	Tickets []Ticket `json:"tickets"`
	HasMore bool     `json:"has_more"`
}

// PermissionDecision is a resolved permission check.
type PermissionDecision struct {
	Allow  bool   `json:"allow"`
	Source string `json:"source,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTicket creates a ticket in the process's initial stage.
func (c *Client) CreateTicket(ctx context.Context, processID, title string) (Ticket, error) {
	body := map[string]any{"title": title}
	var resp Ticket
	endpoint := fmt.Sprintf("v0/processes/%s/tickets", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("v0/tickets/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MoveTicket moves a ticket to the target stage.
func (c *Client) MoveTicket(ctx context.Context, ticketID, targetStageID, comment string) (MoveResult, error) {
	body := map[string]any{
		"target_stage_id": targetStageID,
		"comment":         comment,
	}
	var resp MoveResult
	endpoint := fmt.Sprintf("v0/tickets/%s/move", url.PathEscape(ticketID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ValidateMove probes whether a move would succeed without committing.
func (c *Client) ValidateMove(ctx context.Context, ticketID, targetStageID string) (ValidationResult, error) {
	var resp ValidationResult
	endpoint := fmt.Sprintf("v0/tickets/%s/validate?target_stage_id=%s",
		url.PathEscape(ticketID), url.QueryEscape(targetStageID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StageTickets lists one page of a stage's tickets, newest first.
func (c *Client) StageTickets(ctx context.Context, processID, stageID string, limit, offset int) (StageBucket, error) {
	var resp StageBucket
	endpoint := fmt.Sprintf("v0/processes/%s/stages/%s/tickets?limit=%d&offset=%d",
		url.PathEscape(processID), url.PathEscape(stageID), limit, offset)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Activities lists a ticket's audit trail.
func (c *Client) Activities(ctx context.Context, ticketID string, limit int) ([]Activity, error) {
	var resp []Activity
	endpoint := fmt.Sprintf("v0/tickets/%s/activities", url.PathEscape(ticketID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckPermission resolves a permission for the authenticated user.
func (c *Client) CheckPermission(ctx context.Context, resource, action, processID, stageID string) (PermissionDecision, error) {
	q := url.Values{}
	q.Set("resource", resource)
	q.Set("action", action)
	if processID != "" {
		q.Set("process_id", processID)
	}
	if stageID != "" {
		q.Set("stage_id", stageID)
	}
	var resp PermissionDecision
	err := c.do(ctx, http.MethodGet, "v0/permissions/check?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
