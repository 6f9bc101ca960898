package platform

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydeck/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(srv.URL, "test-token", 1000, 1000, logger)
}

func TestClient_ActivityStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/automation/v1/asyncactivities/task-1/status", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":        "Complete",
			"completedDate": "2026-03-14T09:26:53Z",
		})
	}))

	status, err := c.ActivityStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Complete", status.Status)
	require.NotNil(t, status.CompletedAt)
	assert.Empty(t, status.ErrorMessage)
}

func TestClient_ActivityStatus_Unauthorized(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ActivityStatus(context.Background(), "task-1")
	require.Error(t, err)
	assert.True(t, domain.IsUnrecoverable(err))
}

func TestClient_ProbeRows_UsesSmallPage(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("$pageSize"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count": 42,
			"items": []map[string]any{{"id": 1}},
		})
	}))

	n, err := c.ProbeRows(context.Background(), "QueryResults_abc")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestClient_RowsetQueryable_NotFoundIsNotAnError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	ok, err := c.RowsetQueryable(context.Background(), "QueryResults_abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Submit_ReportsStages(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/automation/v1/queries/actions/validate", "/data/v1/customobjects":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("{}"))
		case "/automation/v1/queries":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"queryDefinitionId": "qd-1",
				"customerKey":       "ck-1",
				"taskId":            "task-1",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	var stages []string
	result, err := c.Submit(context.Background(), domain.SubmitRequest{
		RunID:       "0f8d2b1c-aaaa-bbbb-cccc-000000000001",
		Eid:         "eid-1",
		SQLText:     "SELECT SubscriberKey FROM _Subscribers",
		SnippetName: "weekly_actives",
	}, func(stage string) { stages = append(stages, stage) })

	require.NoError(t, err)
	assert.Equal(t, []string{
		domain.EventValidatingQuery,
		domain.EventCreatingTarget,
		domain.EventExecutingQuery,
	}, stages)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, "qd-1", result.QueryDefinitionID)
	assert.Equal(t, "ck-1", result.QueryCustomerKey)
	assert.NotEmpty(t, result.TargetDeName)
}

func TestClient_Submit_BadRequestIsTerminal(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid SQL"}`))
	}))

	_, err := c.Submit(context.Background(), domain.SubmitRequest{
		RunID:       "0f8d2b1c-aaaa-bbbb-cccc-000000000002",
		SQLText:     "SELEC nope",
		SnippetName: "bad",
	}, func(string) {})
	require.Error(t, err)
	assert.True(t, domain.IsUnrecoverable(err))
}

func TestClient_Submit_ShortRunID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/data/v1/customobjects":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "adhoc_r1", body["name"])
			_, _ = w.Write([]byte("{}"))
		case "/automation/v1/queries":
			_ = json.NewEncoder(w).Encode(map[string]string{"taskId": "task-1"})
		default:
			_, _ = w.Write([]byte("{}"))
		}
	}))

	result, err := c.Submit(context.Background(), domain.SubmitRequest{
		RunID:       "r1",
		SQLText:     "SELECT 1",
		SnippetName: "adhoc",
	}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "adhoc_r1", result.TargetDeName)
}

func TestShortID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "r1", shortID("r1"))
	assert.Equal(t, "0f8d2b1c", shortID("0f8d2b1c-aaaa-bbbb-cccc-000000000001"))
	assert.Empty(t, shortID(""))
}
