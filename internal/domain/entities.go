// Package domain holds the job, outcome, and message types shared by
// the runtime, the handlers, and the webhook server.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// Job is one activated engine job leased to this worker.
type Job struct {
	Key                  int64
	Type                 string
	Variables            map[string]any
	CustomHeaders        map[string]string
	Retries              int32
	ProcessInstanceKey   int64
	ElementInstanceKey   int64
	ElementID            string
	BpmnProcessID        string
	ProcessDefinitionKey int64
	Deadline             time.Time
	Worker               string
	TenantID             string
}

// StringVar returns the named variable as a string. JSON numbers and
// booleans are rendered in their canonical form; missing keys and
// other types yield the fallback.
func (j *Job) StringVar(name, fallback string) string {
	v, ok := j.Variables[name]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fallback
	}
}

// IntVar returns the named variable as an int, accepting JSON numbers
// and numeric strings.
func (j *Job) IntVar(name string, fallback int) int {
	v, ok := j.Variables[name]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

// BoolVar returns the named variable as a bool, accepting JSON
// booleans and the strings "true"/"false"/"1"/"0".
func (j *Job) BoolVar(name string, fallback bool) bool {
	v, ok := j.Variables[name]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return fallback
}

// OutcomeKind discriminates the three terminal reports for a job.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeBpmnError
)

// Outcome is the single terminal report produced for one job
// execution. Exactly one outcome is reported per handled job.
type Outcome struct {
	Kind      OutcomeKind
	Variables map[string]any
	Retries   int32
	Code      string
	Message   string
}

// Completed reports success with the handler's result variables.
func Completed(vars map[string]any) Outcome {
	return Outcome{Kind: OutcomeCompleted, Variables: vars}
}

// Failed reports a retryable failure, returning the job to the engine
// with the given remaining retries.
func Failed(retries int32, message string) Outcome {
	return Outcome{Kind: OutcomeFailed, Retries: retries, Message: message}
}

// BpmnError reports a business error routed by BPMN error boundaries.
func BpmnError(code, message string) Outcome {
	return Outcome{Kind: OutcomeBpmnError, Code: code, Message: message}
}

// Message is one BPMN message publication.
type Message struct {
	Name           string
	CorrelationKey string
	Variables      map[string]any
	TimeToLive     time.Duration
	MessageID      string
}
