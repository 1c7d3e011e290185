package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/manthysbr/prospector/internal/adapters/duckdb"
	"github.com/manthysbr/prospector/internal/adapters/filestore"
	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv   *httptest.Server
	ctrl  *services.JobController
	store *services.JobStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	dir := t.TempDir()

	metrics, err := services.NewMetricsCollector(nil)
	require.NoError(t, err)

	repo, err := filestore.Open(logger, dir+"/jobs")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	transitions, err := duckdb.NewRepository(dir + "/transitions.db")
	require.NoError(t, err)
	t.Cleanup(func() { transitions.Close() })

	registry := domain.NewToolRegistry()
	require.NoError(t, registry.Register(&domain.Tool{
		Name:        "lookup_company",
		Description: "Find a company by domain",
		Parameters:  domain.ToolParameters{Type: "object", Required: []string{"domain"}},
		Execute: func(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
			return domain.ToolResult{Success: true, Data: map[string]any{"name": "Acme"}}, nil
		},
	}))
	tools := services.NewToolbelt(logger, registry, services.ToolbeltConfig{}, metrics)

	artifacts, err := services.NewArtifactManager(logger, services.ArtifactConfig{Dir: dir + "/artifacts"}, metrics)
	require.NoError(t, err)
	checkpoints, err := services.NewCheckpointManager(logger, services.CheckpointConfig{Dir: dir + "/checkpoints"}, metrics)
	require.NoError(t, err)

	store := services.NewJobStore(logger, repo, transitions, services.NewProgressBus(logger), metrics)
	ctrl := services.NewJobController(logger, services.ControllerDeps{
		Store:       store,
		Tools:       tools,
		Checkpoints: checkpoints,
		Artifacts:   artifacts,
		Heartbeats:  services.NewHeartbeatRegistry(),
		Transitions: transitions,
		Metrics:     metrics,
	})

	server, err := NewServer(logger, ctrl)
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, ctrl: ctrl, store: store}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_SubmitAndGet(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/v1/jobs", `{"goal":"find fintech leads","priority":20,"tags":["fintech"],"labels":{"team":"growth"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[SubmitJobResponse](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.JobStatusQueued, created.Status)

	resp = env.get(t, "/v1/jobs/"+string(created.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[domain.Job](t, resp)
	assert.Equal(t, "find fintech leads", job.Goal)
	assert.Equal(t, 20, job.Metadata.Priority)
	assert.Equal(t, "growth", job.Metadata.Labels["team"])
	assert.Equal(t, domain.DefaultMaxRetries, job.Metadata.MaxRetries)
}

func TestServer_SubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]string{
		"missing goal":      `{"priority":10}`,
		"empty goal":        `{"goal":""}`,
		"priority too high": `{"goal":"x","priority":150}`,
		"negative retries":  `{"goal":"x","max_retries":-1}`,
		"unknown step tool": `{"goal":"x","config":{"steps":[{"tool":"nope"}]}}`,
		"missing tool arg":  `{"goal":"x","config":{"steps":[{"tool":"lookup_company","args":{}}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := env.post(t, "/v1/jobs", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)
		})
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.get(t, "/v1/jobs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id, err := env.ctrl.Submit(ctx, "queued job", services.SubmitOptions{})
	require.NoError(t, err)

	resp = env.post(t, "/v1/jobs/"+string(id)+"/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "resume requires PAUSED")

	resp = env.post(t, "/v1/jobs/"+string(id)+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "retry requires FAILED")

	resp = env.get(t, "/v1/jobs/"+string(id)+"/checkpoints/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.get(t, "/v1/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CancelScheduleAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.ctrl.Submit(ctx, "a", services.SubmitOptions{Tags: []string{"saas"}})
	require.NoError(t, err)
	b, err := env.ctrl.Submit(ctx, "b", services.SubmitOptions{})
	require.NoError(t, err)

	resp := env.post(t, "/v1/jobs/"+string(b)+"/schedule", `{"at":"2030-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[domain.Job](t, resp)
	require.NotNil(t, job.Metadata.ScheduledAt)
	assert.Equal(t, 2030, job.Metadata.ScheduledAt.Year())

	resp = env.post(t, "/v1/jobs/"+string(a)+"/cancel", `{"reason":"duplicate"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job = decode[domain.Job](t, resp)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, "duplicate", job.Metadata.CancelReason)

	list := decode[JobListResponse](t, env.get(t, "/v1/jobs?status=cancelled"))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, a, list.Jobs[0].ID)

	list = decode[JobListResponse](t, env.get(t, "/v1/jobs?tag=saas"))
	assert.Equal(t, 1, list.Count)

	transitions := decode[TransitionsResponse](t, env.get(t, "/v1/jobs/"+string(a)+"/transitions"))
	require.Len(t, transitions.Transitions, 2)
	assert.Equal(t, domain.JobStatusQueued, transitions.Transitions[0].To)
	assert.Equal(t, domain.JobStatusCancelled, transitions.Transitions[1].To)

	stats := decode[services.ControllerStats](t, env.get(t, "/v1/stats"))
	assert.Equal(t, 2, stats.Jobs.Total)
	assert.Equal(t, 1, stats.Jobs.ScheduledCount)
	assert.Equal(t, int64(2), stats.Metrics["jobs_submitted"])
}

func TestServer_EventsOfFinishedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.ctrl.Submit(ctx, "short lived", services.SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, env.ctrl.Cancel(ctx, id, "not needed"))

	resp := env.get(t, "/v1/jobs/"+string(id)+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, line)
		}
	}
	assert.Equal(t, []string{"final"}, events, "a finished job yields one final event and the stream ends")
}

func TestServer_Tools(t *testing.T) {
	env := newTestEnv(t)

	tools := decode[ToolsResponse](t, env.get(t, "/v1/tools"))
	require.Equal(t, 1, tools.Count)
	assert.Equal(t, "lookup_company", tools.Tools[0].Name)
	assert.Equal(t, "closed", tools.Tools[0].BreakerState)

	health := decode[HealthResponse](t, env.get(t, "/v1/health"))
	assert.Equal(t, "ok", health.Status)
}
