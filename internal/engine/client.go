package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"google.golang.org/grpc"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/observability"
)

// ActivationParams describe one long-poll activation request.
type ActivationParams struct {
	Type    string
	MaxJobs int32
	// JobTimeout is the lease duration granted to this worker.
	JobTimeout time.Duration
	// RequestTimeout is the server side long-poll window.
	RequestTimeout time.Duration
}

// Client wraps the gateway stub with JSON variable handling and the
// REST surface the gRPC API does not cover.
type Client struct {
	gw       pb.GatewayClient
	conn     *grpc.ClientConn
	worker   string
	restBase string
	httpc    *http.Client
}

// NewClient dials the gateway and returns the typed wrapper. tokens
// may be nil for a plaintext gateway.
func NewClient(cfg config.Config, tokens *TokenManager) (*Client, error) {
	conn, err := Dial(cfg, tokens)
	if err != nil {
		return nil, err
	}
	return &Client{
		gw:       pb.NewGatewayClient(conn),
		conn:     conn,
		worker:   cfg.WorkerName,
		restBase: strings.TrimSuffix(cfg.ZeebeRESTAddress, "/"),
		httpc:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Close tears down the gRPC transport.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping verifies the gateway answers RPCs at all.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.gw.Topology(ctx, &pb.TopologyRequest{}); err != nil {
		return fmt.Errorf("engine topology: %w", err)
	}
	return nil
}

// ActivateJobs long-polls for up to MaxJobs jobs of one type and
// drains the response stream. An empty slice after the request window
// is normal.
func (c *Client) ActivateJobs(ctx context.Context, p ActivationParams) ([]domain.Job, error) {
	req := &pb.ActivateJobsRequest{
		Type:              p.Type,
		Worker:            c.worker,
		Timeout:           p.JobTimeout.Milliseconds(),
		MaxJobsToActivate: p.MaxJobs,
		RequestTimeout:    p.RequestTimeout.Milliseconds(),
	}
	// slack past the server window so the deadline trips server side
	ctx, cancel := context.WithTimeout(ctx, p.RequestTimeout+10*time.Second)
	defer cancel()

	stream, err := c.gw.ActivateJobs(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("activate jobs %s: %w", p.Type, err)
	}
	var jobs []domain.Job
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return jobs, nil
		}
		if err != nil {
			return jobs, fmt.Errorf("activate jobs %s: %w", p.Type, err)
		}
		for _, aj := range resp.GetJobs() {
			jobs = append(jobs, fromActivatedJob(aj))
		}
	}
}

// CompleteJob reports success with the handler's result variables.
func (c *Client) CompleteJob(ctx context.Context, jobKey int64, vars map[string]any) error {
	payload, err := marshalVariables(vars)
	if err != nil {
		return err
	}
	if _, err := c.gw.CompleteJob(ctx, &pb.CompleteJobRequest{JobKey: jobKey, Variables: payload}); err != nil {
		return fmt.Errorf("complete job %d: %w", jobKey, err)
	}
	return nil
}

// FailJob returns the job to the engine with the given remaining
// retries.
func (c *Client) FailJob(ctx context.Context, jobKey int64, retries int32, message string) error {
	if _, err := c.gw.FailJob(ctx, &pb.FailJobRequest{JobKey: jobKey, Retries: retries, ErrorMessage: message}); err != nil {
		return fmt.Errorf("fail job %d: %w", jobKey, err)
	}
	return nil
}

// ThrowError raises a BPMN error caught by error boundary events.
func (c *Client) ThrowError(ctx context.Context, jobKey int64, code, message string) error {
	if _, err := c.gw.ThrowError(ctx, &pb.ThrowErrorRequest{JobKey: jobKey, ErrorCode: code, ErrorMessage: message}); err != nil {
		return fmt.Errorf("throw error on job %d: %w", jobKey, err)
	}
	return nil
}

// PublishMessage publishes msg and returns the engine message key.
func (c *Client) PublishMessage(ctx context.Context, msg domain.Message) (int64, error) {
	payload, err := marshalVariables(msg.Variables)
	if err != nil {
		return 0, err
	}
	req := &pb.PublishMessageRequest{
		Name:           msg.Name,
		CorrelationKey: msg.CorrelationKey,
		MessageId:      msg.MessageID,
		Variables:      payload,
	}
	if msg.TimeToLive > 0 {
		req.TimeToLive = msg.TimeToLive.Milliseconds()
	}
	resp, err := c.gw.PublishMessage(ctx, req)
	if err != nil {
		observability.MessagesPublishedTotal.WithLabelValues(msg.Name, "error").Inc()
		return 0, fmt.Errorf("publish message %s: %w", msg.Name, err)
	}
	observability.MessagesPublishedTotal.WithLabelValues(msg.Name, "ok").Inc()
	return resp.GetKey(), nil
}

// CancelProcessInstance terminates a process instance through the
// gateway REST API, which the gRPC surface does not expose in v2
// deployments. A 404 means the instance already ended and counts as
// success.
func (c *Client) CancelProcessInstance(ctx context.Context, processInstanceKey int64) error {
	u := fmt.Sprintf("%s/v2/process-instances/%d/cancellation", c.restBase, processInstanceKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("cancellation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("demo", "demo")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.WrapHandlerError(domain.CodeHTTPError,
			fmt.Errorf("cancel process instance %d: %w", processInstanceKey, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return domain.NewHandlerError(domain.CodeHTTPError,
		"cancel process instance %d: status %d: %s",
		processInstanceKey, resp.StatusCode, strings.TrimSpace(string(body)))
}

func marshalVariables(vars map[string]any) (string, error) {
	if len(vars) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal variables: %w", err)
	}
	return string(b), nil
}

func fromActivatedJob(aj *pb.ActivatedJob) domain.Job {
	vars := map[string]any{}
	if raw := aj.GetVariables(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &vars)
	}
	headers := map[string]string{}
	if raw := aj.GetCustomHeaders(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &headers)
	}
	return domain.Job{
		Key:                  aj.GetKey(),
		Type:                 aj.GetType(),
		Variables:            vars,
		CustomHeaders:        headers,
		Retries:              aj.GetRetries(),
		ProcessInstanceKey:   aj.GetProcessInstanceKey(),
		ElementInstanceKey:   aj.GetElementInstanceKey(),
		ElementID:            aj.GetElementId(),
		BpmnProcessID:        aj.GetBpmnProcessId(),
		ProcessDefinitionKey: aj.GetProcessDefinitionKey(),
		Deadline:             time.UnixMilli(aj.GetDeadline()),
		Worker:               aj.GetWorker(),
		TenantID:             aj.GetTenantId(),
	}
}
