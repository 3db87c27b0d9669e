package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/tut-ua/flowd/internal/domain"
)

type fakeGateway struct {
	pb.GatewayClient

	lastActivate *pb.ActivateJobsRequest
	batches      []*pb.ActivateJobsResponse
	activateErr  error

	lastComplete *pb.CompleteJobRequest
	lastFail     *pb.FailJobRequest
	lastThrow    *pb.ThrowErrorRequest
	lastPublish  *pb.PublishMessageRequest
	publishErr   error
}

func (f *fakeGateway) ActivateJobs(_ context.Context, req *pb.ActivateJobsRequest, _ ...grpc.CallOption) (pb.Gateway_ActivateJobsClient, error) {
	f.lastActivate = req
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	return &fakeActivateStream{batches: f.batches}, nil
}

func (f *fakeGateway) CompleteJob(_ context.Context, req *pb.CompleteJobRequest, _ ...grpc.CallOption) (*pb.CompleteJobResponse, error) {
	f.lastComplete = req
	return &pb.CompleteJobResponse{}, nil
}

func (f *fakeGateway) FailJob(_ context.Context, req *pb.FailJobRequest, _ ...grpc.CallOption) (*pb.FailJobResponse, error) {
	f.lastFail = req
	return &pb.FailJobResponse{}, nil
}

func (f *fakeGateway) ThrowError(_ context.Context, req *pb.ThrowErrorRequest, _ ...grpc.CallOption) (*pb.ThrowErrorResponse, error) {
	f.lastThrow = req
	return &pb.ThrowErrorResponse{}, nil
}

func (f *fakeGateway) PublishMessage(_ context.Context, req *pb.PublishMessageRequest, _ ...grpc.CallOption) (*pb.PublishMessageResponse, error) {
	f.lastPublish = req
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	return &pb.PublishMessageResponse{Key: 9001}, nil
}

type fakeActivateStream struct {
	grpc.ClientStream
	batches []*pb.ActivateJobsResponse
}

func (s *fakeActivateStream) Recv() (*pb.ActivateJobsResponse, error) {
	if len(s.batches) == 0 {
		return nil, io.EOF
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func newFakeClient(gw *fakeGateway) *Client {
	return &Client{gw: gw, worker: "flowd-worker", restBase: "", httpc: http.DefaultClient}
}

func Test_ActivateJobs_DrainsStream(t *testing.T) {
	gw := &fakeGateway{
		batches: []*pb.ActivateJobsResponse{
			{Jobs: []*pb.ActivatedJob{{
				Key:                123,
				Type:               "git-pull",
				Retries:            3,
				ProcessInstanceKey: 555,
				ElementId:          "Activity_pull",
				BpmnProcessId:      "deploy-pipeline",
				Deadline:           1700000000000,
				Variables:          `{"pr_number": 7, "server": "staging"}`,
				CustomHeaders:      `{"stage": "deploy"}`,
			}}},
			{Jobs: []*pb.ActivatedJob{{Key: 124, Type: "git-pull", Variables: "{}"}}},
		},
	}
	c := newFakeClient(gw)

	jobs, err := c.ActivateJobs(context.Background(), ActivationParams{
		Type:           "git-pull",
		MaxJobs:        2,
		JobTimeout:     5 * time.Minute,
		RequestTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.Equal(t, "git-pull", gw.lastActivate.GetType())
	require.Equal(t, "flowd-worker", gw.lastActivate.GetWorker())
	require.Equal(t, int32(2), gw.lastActivate.GetMaxJobsToActivate())
	require.Equal(t, int64(300000), gw.lastActivate.GetTimeout())
	require.Equal(t, int64(10000), gw.lastActivate.GetRequestTimeout())

	job := jobs[0]
	require.Equal(t, int64(123), job.Key)
	require.Equal(t, 7, job.IntVar("pr_number", 0))
	require.Equal(t, "staging", job.StringVar("server", ""))
	require.Equal(t, "deploy", job.CustomHeaders["stage"])
	require.Equal(t, int32(3), job.Retries)
	require.Equal(t, "Activity_pull", job.ElementID)
	require.Equal(t, time.UnixMilli(1700000000000), job.Deadline)
}

func Test_ActivateJobs_StreamError(t *testing.T) {
	gw := &fakeGateway{activateErr: errors.New("unavailable")}
	c := newFakeClient(gw)

	_, err := c.ActivateJobs(context.Background(), ActivationParams{Type: "git-pull", MaxJobs: 1, RequestTimeout: time.Second})
	require.Error(t, err)
	require.Contains(t, err.Error(), "activate jobs git-pull")
}

func Test_CompleteJob_MarshalsVariables(t *testing.T) {
	gw := &fakeGateway{}
	c := newFakeClient(gw)

	require.NoError(t, c.CompleteJob(context.Background(), 42, nil))
	require.Equal(t, "{}", gw.lastComplete.GetVariables())

	require.NoError(t, c.CompleteJob(context.Background(), 42, map[string]any{"new_commit": "abc"}))
	require.JSONEq(t, `{"new_commit": "abc"}`, gw.lastComplete.GetVariables())
}

func Test_FailJob_And_ThrowError(t *testing.T) {
	gw := &fakeGateway{}
	c := newFakeClient(gw)

	require.NoError(t, c.FailJob(context.Background(), 42, 2, "Failed job. Error: boom"))
	require.Equal(t, int32(2), gw.lastFail.GetRetries())
	require.Equal(t, "Failed job. Error: boom", gw.lastFail.GetErrorMessage())

	require.NoError(t, c.ThrowError(context.Background(), 42, domain.CodeRemoteCommandFailed, "exit 1"))
	require.Equal(t, domain.CodeRemoteCommandFailed, gw.lastThrow.GetErrorCode())
}

func Test_PublishMessage(t *testing.T) {
	gw := &fakeGateway{}
	c := newFakeClient(gw)

	key, err := c.PublishMessage(context.Background(), domain.Message{
		Name:           "msg_pr_event",
		CorrelationKey: "feature/invoicing",
		Variables:      map[string]any{"pr_number": 7},
		TimeToLive:     time.Hour,
		MessageID:      "uuid-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(9001), key)
	require.Equal(t, "msg_pr_event", gw.lastPublish.GetName())
	require.Equal(t, "feature/invoicing", gw.lastPublish.GetCorrelationKey())
	require.Equal(t, "uuid-1", gw.lastPublish.GetMessageId())
	require.Equal(t, int64(3600000), gw.lastPublish.GetTimeToLive())
	require.JSONEq(t, `{"pr_number": 7}`, gw.lastPublish.GetVariables())
}

func Test_PublishMessage_Error(t *testing.T) {
	gw := &fakeGateway{publishErr: errors.New("unavailable")}
	c := newFakeClient(gw)

	_, err := c.PublishMessage(context.Background(), domain.Message{Name: "msg_pr_event", CorrelationKey: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "publish message msg_pr_event")
}

func Test_CancelProcessInstance(t *testing.T) {
	var gotPath, gotAuth string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := &Client{restBase: srv.URL, httpc: srv.Client()}

	require.NoError(t, c.CancelProcessInstance(context.Background(), 2251799813685249))
	require.Equal(t, "/v2/process-instances/2251799813685249/cancellation", gotPath)
	require.NotEmpty(t, gotAuth)

	// already terminated instances are fine
	status = http.StatusNotFound
	require.NoError(t, c.CancelProcessInstance(context.Background(), 2251799813685249))

	status = http.StatusInternalServerError
	err := c.CancelProcessInstance(context.Background(), 2251799813685249)
	require.Error(t, err)
	require.Equal(t, domain.CodeHTTPError, domain.CodeOf(err))
}
