package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"flowboard/internal/domain"
)

// MoveExecutor handles move_to_stage by re-entering the move engine
// with an incremented chain depth.
type MoveExecutor struct {
	Actions Actions
}

func (e MoveExecutor) Execute(ctx context.Context, req domain.ActionRequest) error {
	stageID := req.Params["stage_id"]
	if stageID == "" {
		return backoff.Permanent(fmt.Errorf("rule %s: move_to_stage missing stage_id", req.RuleID))
	}
	comment := req.Params["comment"]
	if comment == "" {
		comment = "moved by rule " + req.RuleID
	}
	return e.Actions.AutomationMove(ctx, req.TicketID, stageID, "automation:"+req.RuleID, comment, req.ChainDepth+1)
}

// AssignExecutor handles assign_user.
type AssignExecutor struct {
	Actions Actions
}

func (e AssignExecutor) Execute(ctx context.Context, req domain.ActionRequest) error {
	userID := req.Params["user_id"]
	if userID == "" {
		return backoff.Permanent(fmt.Errorf("rule %s: assign_user missing user_id", req.RuleID))
	}
	return e.Actions.AutomationAssign(ctx, req.TicketID, userID, "automation:"+req.RuleID)
}

// CommentExecutor handles add_comment.
type CommentExecutor struct {
	Actions Actions
}

func (e CommentExecutor) Execute(ctx context.Context, req domain.ActionRequest) error {
	comment := req.Params["comment"]
	if comment == "" {
		return backoff.Permanent(fmt.Errorf("rule %s: add_comment missing comment", req.RuleID))
	}
	return e.Actions.AutomationComment(ctx, req.TicketID, "automation:"+req.RuleID, comment)
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookExecutor delivers notify and send_email requests to an
// external endpoint as JSON. The receiving side owns transport
// concerns (mail relay, chat integration); from here both are one
// HTTP POST.
type WebhookExecutor struct {
	URL    string
	Secret string
	Client *http.Client
}

type webhookPayload struct {
	RuleID     string            `json:"rule_id"`
	TicketID   string            `json:"ticket_id"`
	ProcessID  string            `json:"process_id"`
	ActionType string            `json:"action_type"`
	EventTS    string            `json:"event_ts"`
	Params     map[string]string `json:"params,omitempty"`
}

func (e WebhookExecutor) Execute(ctx context.Context, req domain.ActionRequest) error {
	if strings.TrimSpace(e.URL) == "" {
		return backoff.Permanent(fmt.Errorf("webhook url not configured"))
	}
	data, err := json.Marshal(webhookPayload{
		RuleID:     req.RuleID,
		TicketID:   req.TicketID,
		ProcessID:  req.ProcessID,
		ActionType: req.ActionType,
		EventTS:    req.EventTS,
		Params:     req.Params,
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Flowboard-Action", req.ActionType)
	httpReq.Header.Set("X-Flowboard-Delivery", fmt.Sprintf("%s/%s/%d", req.RuleID, req.TicketID, req.ActionIndex))
	if strings.TrimSpace(e.Secret) != "" {
		httpReq.Header.Set("X-Flowboard-Secret", e.Secret)
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
