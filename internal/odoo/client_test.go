package odoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tut-ua/flowd/internal/domain"
)

func Test_CreateTask_FullPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 9)
	id, err := c.CreateTask(context.Background(), TaskRequest{
		Name:               "[deploy] Staging ready",
		Description:        "<p>done</p>",
		AssigneeID:         5,
		ProcessInstanceKey: 1111,
		ElementInstanceKey: 2222,
		BpmnProcessID:      "deploy-pipeline",
		CreateProcess:      true,
	})
	require.NoError(t, err)
	require.Equal(t, 42, id)

	require.Equal(t, "[deploy] Staging ready", got["name"])
	require.Equal(t, "project.project", got["_model"])
	require.Equal(t, float64(9), got["_id"])
	require.Equal(t, "<p>done</p>", got["description"])
	require.Equal(t, float64(5), got["x_studio_camunda_user_ids"])
	require.Equal(t, float64(1111), got["process_instance_key"])
	require.Equal(t, float64(2222), got["element_instance_key"])
	require.Equal(t, "deploy-pipeline", got["bpmn_process_id"])
	require.Equal(t, true, got["create_process"])
}

func Test_CreateTask_MinimalPayloadOmitsOptionals(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"task_id": "7"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 9)
	id, err := c.CreateTask(context.Background(), TaskRequest{Name: "[ci] audit"})
	require.NoError(t, err)
	require.Equal(t, 7, id)

	require.NotContains(t, got, "description")
	require.NotContains(t, got, "x_studio_camunda_user_ids")
	require.NotContains(t, got, "process_instance_key")
	require.NotContains(t, got, "create_process")
}

func Test_CreateTask_NoIDInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	id, err := New(srv.URL, 9).CreateTask(context.Background(), TaskRequest{Name: "x"})
	require.NoError(t, err)
	require.Equal(t, 0, id)
}

func Test_CreateTask_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 9).CreateTask(context.Background(), TaskRequest{Name: "x"})
	require.Error(t, err)
	require.Equal(t, domain.CodeHTTPError, domain.CodeOf(err))
}

func Test_CreateTask_UnconfiguredURL(t *testing.T) {
	_, err := New("", 9).CreateTask(context.Background(), TaskRequest{Name: "x"})
	require.Error(t, err)
	require.Equal(t, domain.CodeValidationError, domain.CodeOf(err))
}
