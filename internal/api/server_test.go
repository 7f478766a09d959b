package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifientist/rtools2-sub001/internal/config"
	"github.com/wifientist/rtools2-sub001/internal/engine"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/job"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/phases"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

type apiEnv struct {
	server *Server
	fake   *ruckus.Fake
	store  *state.Manager
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.ActivityPollInterval = 5 * time.Millisecond
	cfg.SSEKeepAlive = 50 * time.Millisecond

	fake := ruckus.NewFake()
	store := state.NewManager(rdb)
	pub := events.NewMemoryPublisher()
	workflows := workflow.NewRegistry()
	executors := phase.NewRegistry()
	phases.RegisterAll(workflows, executors)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, fake, pub, workflows, executors, cfg, logger)
	return &apiEnv{
		server: New(cfg, eng, store, pub, workflows, logger),
		fake:   fake,
		store:  store,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func planBody(units ...map[string]any) map[string]any {
	raw := make([]any, len(units))
	for i, u := range units {
		raw[i] = u
	}
	return map[string]any{
		"user_id":  "user-1",
		"venue_id": "venue-1",
		"units":    raw,
	}
}

func apiUnit(number, ssid string) map[string]any {
	return map[string]any{
		"unit_number":   number,
		"ssid_name":     ssid,
		"ssid_password": "longenough",
	}
}

// awaitStatus polls the plan endpoint until the job reaches one of the given
// statuses. Validation runs in a background goroutine, so tests poll the way
// a client would.
func (e *apiEnv) awaitStatus(t *testing.T, jobID string, want ...string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := e.do(t, "GET", "/per_unit_psk/"+jobID+"/plan", nil, nil)
		status, _ := body["status"].(string)
		for _, w := range want {
			if status == w {
				return body
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %v", jobID, want)
	return nil
}

func (e *apiEnv) awaitJobStatus(t *testing.T, jobID string, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := e.do(t, "GET", "/jobs/"+jobID+"/status", nil, nil)
		if body["status"] == want {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestAPI_PlanConfirmStatusFlow(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	env.fake.SeedAPs("venue-1", ruckus.AP{Serial: "SN-101"})

	unit := apiUnit("101", "Unit101")
	unit["ap_identifiers"] = []any{"SN-101"}

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(unit), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "VALIDATING", body["status"])

	plan := env.awaitStatus(t, jobID, "AWAITING_CONFIRMATION")
	result, _ := plan["validation_result"].(map[string]any)
	require.NotNil(t, result, "plan payload: %v", plan)
	assert.Equal(t, true, result["valid"])

	rec, body = env.do(t, "POST", "/per_unit_psk/"+jobID+"/confirm", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "RUNNING", body["status"])

	status := env.awaitJobStatus(t, jobID, "COMPLETED")
	progress, _ := status["progress"].(map[string]any)
	require.NotNil(t, progress)
	assert.EqualValues(t, 1, progress["total"])
	assert.EqualValues(t, 1, progress["completed"])
	resources, _ := status["created_resources"].(map[string]any)
	assert.EqualValues(t, 1, resources["ap_groups"])
}

func TestAPI_PlanRejectsBadRequests(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	tests := []struct {
		name     string
		path     string
		body     any
		headers  map[string]string
		wantCode int
	}{
		{"unknown workflow", "/no_such_flow/plan", planBody(apiUnit("101", "U")), nil, http.StatusNotFound},
		{"missing venue_id", "/per_unit_psk/plan", map[string]any{"units": []any{apiUnit("101", "U")}}, nil, http.StatusBadRequest},
		{"empty units", "/per_unit_psk/plan", map[string]any{"venue_id": "venue-1", "units": []any{}}, nil, http.StatusBadRequest},
		{"tenant mismatch", "/per_unit_psk/plan",
			map[string]any{"venue_id": "venue-1", "tenant_id": "t1", "units": []any{apiUnit("101", "U")}},
			map[string]string{"X-Tenant-ID": "t2"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := env.do(t, "POST", tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_ConfirmBeforeValidationFails(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	env.fake.SeedNetwork("venue-1", ruckus.WifiNetwork{Name: "Unit101", SSID: "Different"})

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	plan := env.awaitStatus(t, jobID, "FAILED")
	errs, _ := plan["errors"].([]any)
	assert.NotEmpty(t, errs)

	rec, _ = env.do(t, "POST", "/per_unit_psk/"+jobID+"/confirm", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_JobNotFound(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, _ := env.do(t, "GET", "/jobs/ghost/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, "GET", "/per_unit_psk/ghost/plan", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CancelIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	for i := 0; i < 2; i++ {
		rec, body = env.do(t, "POST", "/jobs/"+jobID+"/cancel", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["cancelled"])
	}
}

func TestAPI_Graph(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	rec, body = env.do(t, "GET", "/per_unit_psk/"+jobID+"/graph", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	nodes, _ := body["nodes"].([]any)
	edges, _ := body["edges"].([]any)
	assert.Len(t, nodes, 7)
	assert.NotEmpty(t, edges)
	assert.NotNil(t, body["levels"])
}

func TestAPI_GraphWrongWorkflow(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	rec, _ = env.do(t, "GET", "/other_flow/"+jobID+"/graph", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ListJobsFilters(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, _ := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, "GET", "/jobs?venue_id=venue-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = env.do(t, "GET", "/jobs?venue_id=venue-other", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["count"])
}

func TestAPI_DeleteJobsRequiresAdmin(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	rec, _ = env.do(t, "DELETE", "/jobs", map[string]any{"job_ids": []string{jobID}}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = env.do(t, "DELETE", "/jobs", map[string]any{"job_ids": []string{jobID}},
		map[string]string{"X-Admin": "true"})
	require.Equal(t, http.StatusOK, rec.Code)
	results, _ := body["results"].(map[string]any)
	assert.Equal(t, "deleted", results[jobID])

	_, err := env.store.GetJob(context.Background(), jobID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestAPI_Healthz(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "GET", "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	workflows, _ := body["workflows"].([]any)
	assert.Contains(t, workflows, "per_unit_psk")
}

func TestAPI_ConfirmExcludesUnits(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "POST", "/per_unit_psk/plan",
		planBody(apiUnit("101", "Unit101"), apiUnit("102", "Unit102")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)
	env.awaitStatus(t, jobID, "AWAITING_CONFIRMATION")

	rec, body = env.do(t, "POST", "/per_unit_psk/"+jobID+"/confirm",
		map[string]any{"exclude_units": []string{"101"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "RUNNING", body["status"])

	status := env.awaitJobStatus(t, jobID, "COMPLETED")
	progress, _ := status["progress"].(map[string]any)
	require.NotNil(t, progress)
	assert.EqualValues(t, 1, progress["completed"])
	assert.EqualValues(t, 1, progress["skipped"])

	j, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, j.Units["unit-101"])
	assert.Equal(t, job.UnitSkipped, j.Units["unit-101"].Status)
	assert.Equal(t, job.UnitCompleted, j.Units["unit-102"].Status)
}

// lateTerminalPublisher marks the job terminal at subscribe time,
// reproducing a job that finishes between the stream handler's load and
// its subscription.
type lateTerminalPublisher struct {
	events.Publisher
	store *state.Manager
}

func (p *lateTerminalPublisher) Subscribe(jobID string) <-chan events.Event {
	ctx := context.Background()
	if j, err := p.store.GetJob(ctx, jobID); err == nil && !j.Status.Terminal() {
		j.Status = job.StatusCancelled
		_ = p.store.SaveJob(ctx, j)
	}
	return p.Publisher.Subscribe(jobID)
}

func TestAPI_StreamCatchesTerminalDuringSubscribe(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.SSEKeepAlive = 50 * time.Millisecond

	store := state.NewManager(rdb)
	pub := &lateTerminalPublisher{Publisher: events.NewMemoryPublisher(), store: store}
	workflows := workflow.NewRegistry()
	executors := phase.NewRegistry()
	phases.RegisterAll(workflows, executors)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, ruckus.NewFake(), pub, workflows, executors, cfg, logger)
	server := New(cfg, eng, store, pub, workflows, logger)

	now := time.Now().UTC()
	j := &job.Job{
		ID:           "job-gap",
		WorkflowName: "per_unit_psk",
		VenueID:      "venue-1",
		Status:       job.StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.SaveJob(context.Background(), j))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest("GET", "/jobs/job-gap/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	out := rec.Body.String()
	assert.Contains(t, out, "event: connected")
	assert.Contains(t, out, "event: job_cancelled",
		"the stream must notice a job that went terminal before the subscription landed")
}

func TestAPI_StreamTerminalJobClosesImmediately(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	rec, body := env.do(t, "POST", "/per_unit_psk/plan", planBody(apiUnit("101", "Unit101")), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobID := body["job_id"].(string)

	env.awaitStatus(t, jobID, "AWAITING_CONFIRMATION")
	require.NoError(t, env.store.SetCancelled(context.Background(), jobID))

	// Force the job terminal directly; the stream handler should emit the
	// connected event plus the terminal event and return.
	j, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	j.Status = job.StatusCancelled
	require.NoError(t, env.store.SaveJob(context.Background(), j))

	rec, _ = env.do(t, "GET", "/jobs/"+jobID+"/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, out, "event: connected")
	assert.Contains(t, out, "event: job_cancelled")
}
