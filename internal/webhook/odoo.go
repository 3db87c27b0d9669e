package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tut-ua/flowd/internal/domain"
)

// flexString accepts JSON strings and numbers. Odoo automation rules
// send record ids either way depending on how the action is built.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// odooTaskPayload is the task closure callback. At least one of the
// correlation fields must be present.
type odooTaskPayload struct {
	TaskID             flexString `json:"task_id" validate:"required_without_all=ProcessInstanceKey StudioInstanceKey"`
	ProcessInstanceKey flexString `json:"process_instance_key" validate:"required_without_all=TaskID StudioInstanceKey"`
	StudioInstanceKey  flexString `json:"x_studio_camunda_process_instance_key" validate:"required_without_all=TaskID ProcessInstanceKey"`
	Action             string     `json:"action"`
}

// correlationKey picks the first populated correlation field.
func (p odooTaskPayload) correlationKey() string {
	for _, v := range []flexString{p.TaskID, p.ProcessInstanceKey, p.StudioInstanceKey} {
		if v != "" {
			return v.String()
		}
	}
	return ""
}

// instanceKey returns the process instance key for cancellation.
func (p odooTaskPayload) instanceKey() (int64, error) {
	for _, v := range []flexString{p.ProcessInstanceKey, p.StudioInstanceKey} {
		if v != "" {
			return strconv.ParseInt(v.String(), 10, 64)
		}
	}
	return 0, fmt.Errorf("no process instance key in payload")
}

// callbackToken extracts the shared token from the Authorization
// header, or from the token query parameter for Odoo automation
// actions that cannot set request headers.
func callbackToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// handleOdoo processes the Odoo task closure callback: bearer token
// auth, then either a cancellation or a task-done message.
func (s *Server) handleOdoo(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OdooWebhookToken != "" {
		if !hmac.Equal([]byte(callbackToken(r)), []byte(s.cfg.OdooWebhookToken)) {
			LoggerFrom(r).Warn("invalid odoo webhook token")
			writeError(w, r, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized), nil)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	var payload odooTaskPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, fmt.Errorf("invalid JSON: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(payload); err != nil {
		writeError(w, r, fmt.Errorf("missing correlation key: %w", domain.ErrInvalidArgument), nil)
		return
	}

	if payload.Action == "cancel" {
		s.cancelInstance(w, r, payload)
		return
	}

	key := payload.correlationKey()
	err = s.publish(r.Context(), domain.Message{
		Name:           "msg_odoo_task_done",
		CorrelationKey: key,
		Variables: map[string]any{
			"odoo_task_resolved": true,
		},
	})
	if err != nil {
		LoggerFrom(r).Error("publish msg_odoo_task_done failed",
			slog.String("task_id", key), slog.Any("error", err))
		writeError(w, r, fmt.Errorf("engine publish failed: %w", domain.ErrUpstream), nil)
		return
	}
	LoggerFrom(r).Info("published msg_odoo_task_done", slog.String("task_id", key))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "published",
		"message": "msg_odoo_task_done",
		"task_id": key,
	})
}

// cancelInstance terminates the running process tied to a discarded
// Odoo task. A missing instance is treated as already gone.
func (s *Server) cancelInstance(w http.ResponseWriter, r *http.Request, payload odooTaskPayload) {
	pik, err := payload.instanceKey()
	if err != nil {
		writeError(w, r, fmt.Errorf("cancel requires a process instance key: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.pub.CancelProcessInstance(r.Context(), pik); err != nil {
		LoggerFrom(r).Error("process cancellation failed",
			slog.Int64("process_instance_key", pik), slog.Any("error", err))
		writeError(w, r, fmt.Errorf("engine cancel failed: %w", domain.ErrUpstream), nil)
		return
	}
	LoggerFrom(r).Info("process instance cancelled", slog.Int64("process_instance_key", pik))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "cancelled",
		"process_instance_key": pik,
	})
}
