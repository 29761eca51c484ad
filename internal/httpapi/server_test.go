package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpulse/finpulse/internal/metrics"
	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/pipeline"
	"github.com/finpulse/finpulse/internal/scheduler"
)

type fakePipe struct {
	mu      sync.Mutex
	running bool
	runs    []pipeline.RunConfig
	last    *models.PipelineResult
	ran     chan struct{}
}

func newFakePipe() *fakePipe {
	return &fakePipe{ran: make(chan struct{}, 4)}
}

func (p *fakePipe) Run(_ context.Context, cfg pipeline.RunConfig) *models.PipelineResult {
	p.mu.Lock()
	p.runs = append(p.runs, cfg)
	p.mu.Unlock()
	p.ran <- struct{}{}
	return &models.PipelineResult{Status: models.StatusCompleted}
}

func (p *fakePipe) Cancel() {}

func (p *fakePipe) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePipe) LastResult() *models.PipelineResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakePipe) HealthCheck(context.Context) map[string]interface{} {
	return map[string]interface{}{"pipeline": map[string]interface{}{"running": p.Running()}}
}

func (p *fakePipe) lastRun() pipeline.RunConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[len(p.runs)-1]
}

type fakeSched struct {
	mu         sync.Mutex
	jobs       []scheduler.Job
	events     []scheduler.Event
	actions    []string
	history    scheduler.History
	actErrs    map[string]error
	refreshErr error
}

func (s *fakeSched) ListJobs() []scheduler.Job { return s.jobs }

func (s *fakeSched) RefreshJobs() ([]scheduler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, "refresh")
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.jobs, nil
}

func (s *fakeSched) act(verb, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, verb+":"+id)
	if s.actErrs != nil {
		return s.actErrs[id]
	}
	return nil
}

func (s *fakeSched) EnableJob(id string) error  { return s.act("enable", id) }
func (s *fakeSched) DisableJob(id string) error { return s.act("disable", id) }
func (s *fakeSched) CancelJob(id string) error  { return s.act("cancel", id) }

func (s *fakeSched) RunHistory(int) (scheduler.History, error) { return s.history, nil }

func (s *fakeSched) RecentEvents(since time.Time) []scheduler.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.Event
	for _, e := range s.events {
		if since.IsZero() || !e.Time.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSched) appendEvent(e scheduler.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func testServer(t *testing.T, pipe PipelineController, sched JobManager) *httptest.Server {
	t.Helper()
	srv := New(Config{Addr: ":0"}, pipe, sched, nil, nil, nil, metrics.NewRegistry(), pipeline.RunConfig{Symbols: []string{"AAPL"}})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := testServer(t, newFakePipe(), &fakeSched{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "pipeline")
	assert.Contains(t, body, "time")
}

func TestStatusEndpoint(t *testing.T) {
	pipe := newFakePipe()
	pipe.last = &models.PipelineResult{Status: models.StatusCompleted, SentimentsStored: 7}
	ts := testServer(t, pipe, &fakeSched{jobs: []scheduler.Job{{ID: "premarket"}}})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["running"])
	assert.Contains(t, body, "last_result")
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "jobs")
}

func TestPipelineRun_AcceptedAndOverridesApplied(t *testing.T) {
	pipe := newFakePipe()
	ts := testServer(t, pipe, &fakeSched{})

	body := strings.NewReader(`{"symbols":["TSLA"],"lookback_hours":48,"sources":["hackernews"]}`)
	resp, err := http.Post(ts.URL+"/api/pipeline/run", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-pipe.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline run never started")
	}
	cfg := pipe.lastRun()
	assert.Equal(t, []string{"TSLA"}, cfg.Symbols)
	assert.Equal(t, 48, cfg.LookbackHours)
	assert.Equal(t, []models.Source{models.SourceHackerNews}, cfg.EnabledSources)
}

func TestPipelineRun_ConflictWhileRunning(t *testing.T) {
	pipe := newFakePipe()
	pipe.running = true
	ts := testServer(t, pipe, &fakeSched{})

	resp, err := http.Post(ts.URL+"/api/pipeline/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPipelineRun_RejectsUnknownSource(t *testing.T) {
	pipe := newFakePipe()
	ts := testServer(t, pipe, &fakeSched{})

	resp, err := http.Post(ts.URL+"/api/pipeline/run", "application/json", strings.NewReader(`{"sources":["reddit"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, pipe.runs)
}

func TestPipelineCancel(t *testing.T) {
	pipe := newFakePipe()
	ts := testServer(t, pipe, &fakeSched{})

	resp, err := http.Post(ts.URL+"/api/pipeline/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "nothing to cancel")

	pipe.mu.Lock()
	pipe.running = true
	pipe.mu.Unlock()
	resp, err = http.Post(ts.URL+"/api/pipeline/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobEndpoints(t *testing.T) {
	sched := &fakeSched{jobs: []scheduler.Job{{ID: "premarket", Enabled: true}}}
	ts := testServer(t, newFakePipe(), sched)

	resp, err := http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	var jobs []scheduler.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	assert.Equal(t, "premarket", jobs[0].ID)

	resp, err = http.Post(ts.URL+"/api/jobs/premarket/disable", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, sched.actions, "disable:premarket")
}

func TestRefreshJobsEndpoint(t *testing.T) {
	sched := &fakeSched{jobs: []scheduler.Job{{ID: "premarket", Enabled: true}}}
	ts := testServer(t, newFakePipe(), sched)

	resp, err := http.Post(ts.URL+"/api/jobs/refresh", "application/json", nil)
	require.NoError(t, err)
	var jobs []scheduler.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, jobs, 1)
	assert.Equal(t, "premarket", jobs[0].ID)
	assert.Contains(t, sched.actions, "refresh")

	sched.refreshErr = assert.AnError
	resp, err = http.Post(ts.URL+"/api/jobs/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestJobAction_UnknownJobIs404(t *testing.T) {
	sched := &fakeSched{actErrs: map[string]error{"nope": assert.AnError}}
	ts := testServer(t, newFakePipe(), sched)

	resp, err := http.Post(ts.URL+"/api/jobs/nope/enable", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulerDisabledIs503(t *testing.T) {
	ts := testServer(t, newFakePipe(), nil)

	for _, path := range []string{"/api/jobs", "/api/history", "/api/events"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	sched := &fakeSched{history: scheduler.History{
		"2026-08-26": {"premarket": {{Status: "completed"}}},
	}}
	ts := testServer(t, newFakePipe(), sched)

	resp, err := http.Get(ts.URL + "/api/history?days=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h scheduler.History
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Contains(t, h, "2026-08-26")

	bad, err := http.Get(ts.URL + "/api/history?days=x")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestEventsEndpoint_SinceFilter(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sched := &fakeSched{events: []scheduler.Event{
		{Time: base, Job: "a", Type: scheduler.EventStart},
		{Time: base.Add(time.Minute), Job: "b", Type: scheduler.EventComplete},
	}}
	ts := testServer(t, newFakePipe(), sched)

	resp, err := http.Get(ts.URL + "/api/events?since=" + base.Add(30*time.Second).Format(time.RFC3339))
	require.NoError(t, err)
	defer resp.Body.Close()
	var events []scheduler.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Job)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := testServer(t, newFakePipe(), &fakeSched{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsWebsocket_StreamsNewEvents(t *testing.T) {
	sched := &fakeSched{}
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sched.appendEvent(scheduler.Event{Time: base, Job: "premarket", Type: scheduler.EventStart})
	ts := testServer(t, newFakePipe(), sched)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first scheduler.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "premarket", first.Job)

	sched.appendEvent(scheduler.Event{Time: base.Add(time.Minute), Job: "market_hours", Type: scheduler.EventComplete})
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var second scheduler.Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "market_hours", second.Job)
}
