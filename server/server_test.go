package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/store"
)

var schema = graph.Schema{
	"question": {Kind: graph.KindString},
	"answer":   {Kind: graph.KindString},
}

// newTestServer serves ask (suspends) -> check -> done. check fails while
// failing is set.
func newTestServer(t *testing.T, failing *atomic.Bool) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(New(newTestEngine(t, failing, reg, "test"), WithGatherer(reg)).Handler())
	t.Cleanup(srv.Close)
	return srv, reg
}

func newTestEngine(t *testing.T, failing *atomic.Bool, reg *prometheus.Registry, namespace string) *graph.Engine {
	t.Helper()
	b := graph.NewBuilder(schema)
	require.NoError(t, b.Register("ask", graph.StepFunc(func(context.Context, graph.State) graph.Result {
		return graph.Suspend(graph.Delta{}.Set("question", graph.String("which revenue?")), map[string]any{
			"question": "which revenue?",
		})
	})))
	require.NoError(t, b.Register("check", graph.StepFunc(func(context.Context, graph.State) graph.Result {
		if failing.Load() {
			return graph.Fail(errors.New("catalog unavailable"))
		}
		return graph.Continue(graph.Delta{})
	})))
	require.NoError(t, b.Register("done", graph.StepFunc(func(_ context.Context, s graph.State) graph.Result {
		return graph.Stop(graph.Delta{}.AppendMessage("assistant", "using "+s.String("answer")))
	}), graph.Terminal()))
	require.NoError(t, b.AddEdge("ask", graph.Otherwise, "check"))
	require.NoError(t, b.AddEdge("check", graph.Otherwise, "done"))
	g, err := b.Compile("ask")
	require.NoError(t, err)

	engine, err := graph.New(g, store.NewMemStore(), graph.WithMetrics(graph.NewPrometheusMetrics(reg, namespace)))
	require.NoError(t, err)
	return engine
}

func call(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_SuspendResumeComplete(t *testing.T) {
	var failing atomic.Bool
	srv, _ := newTestServer(t, &failing)

	var started graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1", `{"input":"show revenue"}`, &started))
	require.Equal(t, graph.OutcomeSuspended, started.Outcome)
	require.NotNil(t, started.Ticket)

	var resumed graph.RunResult
	body := `{"ticket_id":"` + started.Ticket.ID + `","response":{"answer":"net_revenue"}}`
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1/resume", body, &resumed))
	assert.Equal(t, graph.OutcomeCompleted, resumed.Outcome)
	msg, ok := resumed.State.LastMessage("assistant")
	require.True(t, ok)
	assert.Equal(t, "using net_revenue", msg.Content)

	var conflict errorResponse
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPost, "/runs/r1/resume", body, &conflict))
	assert.Equal(t, "TICKET_NOT_FOUND", conflict.Code)

	var run graph.Run
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/runs/r1", "", &run))
	assert.Equal(t, graph.StatusCompleted, run.Status)

	var history []graph.Run
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/runs/r1/history", "", &history))
	assert.GreaterOrEqual(t, len(history), 2)

	var listed []graph.Run
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/runs?status=completed&limit=10", "", &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "r1", listed[0].ID)
}

func TestServer_ResumeErrors(t *testing.T) {
	var failing atomic.Bool
	srv, _ := newTestServer(t, &failing)

	var started graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1", `{"input":"x"}`, &started))

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing ticket", "/runs/r1/resume", `{}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"wrong ticket", "/runs/r1/resume", `{"ticket_id":"other","response":{}}`, http.StatusConflict, "TICKET_MISMATCH"},
		{"unknown run", "/runs/nope/resume", `{"ticket_id":"t","response":{}}`, http.StatusNotFound, "TICKET_NOT_FOUND"},
		{"invalid response", "/runs/r1/resume", `{"ticket_id":"` + started.Ticket.ID + `","response":{"bogus":1}}`, http.StatusUnprocessableEntity, "INVALID_RESPONSE"},
		{"malformed body", "/runs/r1/resume", `{"ticket_id":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown body field", "/runs/r1", `{"inputs":"x"}`, http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out errorResponse
			assert.Equal(t, tt.status, call(t, srv, http.MethodPost, tt.path, tt.body, &out))
			assert.Equal(t, tt.code, out.Code)
		})
	}

	var run graph.Run
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/runs/r1", "", &run))
	assert.Equal(t, graph.StatusSuspended, run.Status, "failed resumes leave the run suspended")
	assert.Equal(t, started.Ticket.ID, run.Ticket.ID)
}

func TestServer_FailedRunThenRetry(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv, _ := newTestServer(t, &failing)

	var started graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1", `{}`, &started))
	body := `{"ticket_id":"` + started.Ticket.ID + `","response":{"answer":"gross_revenue"}}`

	var failed graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1/resume", body, &failed))
	assert.Equal(t, graph.OutcomeFailed, failed.Outcome)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "check", failed.Error.Step)

	failing.Store(false)
	var retried graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1/retry", "", &retried))
	assert.Equal(t, graph.OutcomeCompleted, retried.Outcome)

	var out errorResponse
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/runs/r1/retry", "", &out))
	assert.Equal(t, "RUN_NOT_FAILED", out.Code)
}

func TestServer_Cancel(t *testing.T) {
	var failing atomic.Bool
	srv, _ := newTestServer(t, &failing)

	var started graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1", `{}`, &started))

	var run graph.Run
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1/cancel", `{"reason":"user left"}`, &run))
	assert.Equal(t, graph.StatusCancelled, run.Status)
	assert.Equal(t, "user left", run.CancelReason)

	var out errorResponse
	body := `{"ticket_id":"` + started.Ticket.ID + `","response":{"answer":"x"}}`
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/runs/r1/resume", body, &out))
	assert.Equal(t, "RUN_CANCELLED", out.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	var failing atomic.Bool
	srv, _ := newTestServer(t, &failing)

	var health map[string]string
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/healthz", "", &health))
	assert.Equal(t, "ok", health["status"])

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1", `{}`, nil))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out errorResponse
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/runs?limit=-1", "", &out))
}

func TestServer_HealthCheckFailure(t *testing.T) {
	s := New(nil, WithHealthCheck(func(context.Context) error { return errors.New("store down") }))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusOf(t *testing.T) {
	status, code := statusOf(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)

	status, _ = statusOf(graph.ErrConflict)
	assert.Equal(t, http.StatusConflict, status)
}

func TestServer_ContinueCompletedRun(t *testing.T) {
	var failing atomic.Bool
	srv, _ := newTestServer(t, &failing)

	var started graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1", `{"input":"show revenue"}`, &started))

	var errResp errorResponse
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/runs/r1/continue", `{"input":"by region"}`, &errResp))
	assert.Equal(t, "RUN_NOT_COMPLETED", errResp.Code)

	body := `{"ticket_id":"` + started.Ticket.ID + `","response":{"answer":"net_revenue"}}`
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1/resume", body, nil))

	var next graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/runs/r1/continue", `{"input":"by region"}`, &next))
	assert.Equal(t, graph.OutcomeSuspended, next.Outcome, "the new turn starts at ask")
	require.NotNil(t, next.Ticket)
	assert.NotEqual(t, started.Ticket.ID, next.Ticket.ID)
	msg, ok := next.State.LastMessage("user")
	require.True(t, ok)
	assert.Equal(t, "by region", msg.Content)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/runs/r1/continue", `{}`, &errResp))
	assert.Equal(t, "INVALID_INPUT", errResp.Code)
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPost, "/runs/missing/continue", `{"input":"x"}`, &errResp))
}

func TestServer_WorkflowRoutes(t *testing.T) {
	var failing atomic.Bool
	reg := prometheus.NewRegistry()
	primary := newTestEngine(t, &failing, reg, "primary")
	second := newTestEngine(t, &failing, reg, "second")
	srv := httptest.NewServer(New(primary, WithWorkflow("enrich", second), WithWorkflow("nil", nil)).Handler())
	t.Cleanup(srv.Close)

	var started graph.RunResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/workflows/enrich/runs/r1", `{"input":"card_member_insights"}`, &started))
	require.Equal(t, graph.OutcomeSuspended, started.Outcome)

	var apiErr errorResponse
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/runs/r1", "", &apiErr), "runs of another workflow are not visible")
	assert.Equal(t, "NOT_FOUND", apiErr.Code)

	var done graph.RunResult
	body := `{"ticket_id":"` + started.Ticket.ID + `","response":{"answer":"net"}}`
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/workflows/enrich/runs/r1/resume", body, &done))
	assert.Equal(t, graph.OutcomeCompleted, done.Outcome)

	var runs []*graph.Run
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/workflows/enrich/runs?status=completed", "", &runs))
	assert.Len(t, runs, 1)
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/workflows/nil/runs", "", nil))
}
