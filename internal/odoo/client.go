// Package odoo posts task-creation requests to the Odoo automation
// webhook.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tut-ua/flowd/internal/domain"
)

// TaskRequest is one task-creation payload. Zero-valued optional
// fields stay off the wire.
type TaskRequest struct {
	Name               string
	Description        string
	AssigneeID         int
	ProcessInstanceKey int64
	ElementInstanceKey int64
	BpmnProcessID      string
	CreateProcess      bool
}

// Client posts tasks to the Odoo automation webhook. The webhook URL
// itself is the shared secret; there is no separate auth header.
type Client struct {
	webhookURL string
	projectID  int
	httpClient *http.Client
}

// New creates a Client bound to one Odoo project.
func New(webhookURL string, projectID int) *Client {
	return &Client{
		webhookURL: webhookURL,
		projectID:  projectID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateTask posts the task and returns the created task id. Odoo may
// answer without an id; callers treat zero as "accepted, id unknown".
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (int, error) {
	if c.webhookURL == "" {
		return 0, domain.NewHandlerError(domain.CodeValidationError, "odoo webhook url is not configured")
	}

	payload := map[string]any{
		"name":   req.Name,
		"_model": "project.project",
		"_id":    c.projectID,
	}
	if req.Description != "" {
		payload["description"] = req.Description
	}
	if req.AssigneeID != 0 {
		payload["x_studio_camunda_user_ids"] = req.AssigneeID
	}
	if req.ProcessInstanceKey != 0 {
		payload["process_instance_key"] = req.ProcessInstanceKey
	}
	if req.ElementInstanceKey != 0 {
		payload["element_instance_key"] = req.ElementInstanceKey
	}
	if req.BpmnProcessID != "" {
		payload["bpmn_process_id"] = req.BpmnProcessID
	}
	if req.CreateProcess {
		payload["create_process"] = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal odoo task: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("odoo task request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, domain.WrapHandlerError(domain.CodeHTTPError, fmt.Errorf("odoo create task: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, domain.NewHandlerError(domain.CodeHTTPError, "odoo create task: status %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("odoo create task: decode response: %w", err)
	}
	return taskID(out), nil
}

// taskID pulls the created id out of the webhook response, which names
// it "id" or "task_id" depending on the automation version.
func taskID(data map[string]any) int {
	for _, key := range []string{"id", "task_id"} {
		switch v := data[key].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}
