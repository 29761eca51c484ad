// Package scheduler drives recurring pipeline runs from cron triggers, with
// quota gating, minimum-interval guards, and startup catch-up.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/pipeline"
)

// RunType selects which sources participate in a scheduled run.
type RunType string

const (
	RunFrequent  RunType = "FREQUENT"
	RunStrategic RunType = "STRATEGIC"
	RunDeep      RunType = "DEEP"
)

const (
	// catchUpWindow bounds how stale a missed fire may be and still earn a
	// catch-up run at startup.
	catchUpWindow = 45 * time.Minute

	minIntervalSubHourly = 25 * time.Minute
	minIntervalDefault   = 30 * time.Minute

	deepLookbackHours = 7 * 24
)

// Runner executes pipeline runs. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, cfg pipeline.RunConfig) *models.PipelineResult
	Cancel()
}

// QuotaGate is the scheduler's view of the quota service.
type QuotaGate interface {
	CanMakeRequest(source models.Source, n int) bool
	RecordUsage(source models.Source, n int)
	Reset()
}

// quotaLimitedSources have daily budgets and are subject to the pre-run
// quota gate.
var quotaLimitedSources = []models.Source{models.SourceNewsAPI, models.SourceMarketAux}

// frequentSources excludes daily-quota sources for high-cadence runs.
var frequentSources = []models.Source{
	models.SourceHackerNews, models.SourceGDELT,
	models.SourceFinnhub, models.SourceYahoo,
}

// Job is one durable cron entry.
type Job struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Spec        string        `json:"spec"`
	Type        RunType       `json:"run_type"`
	Enabled     bool          `json:"enabled"`
	MinInterval time.Duration `json:"min_interval"`
	NextRun     time.Time     `json:"next_run,omitempty"`

	JobState

	entryID  cron.EntryID
	schedule cron.Schedule
	running  bool
}

// defaultJobs mirrors the US market-hours cadence, all UTC.
func defaultJobs() []*Job {
	return []*Job{
		{ID: "premarket", Name: "Pre-market scan", Spec: "0 9 * * 0-4", Type: RunStrategic, Enabled: true, MinInterval: minIntervalDefault},
		{ID: "market_hours", Name: "Active trading", Spec: "0,45 14-20 * * 0-4", Type: RunFrequent, Enabled: true, MinInterval: minIntervalSubHourly},
		{ID: "afterhours", Name: "After-hours scan", Spec: "0 23 * * 0-4", Type: RunStrategic, Enabled: true, MinInterval: minIntervalDefault},
		{ID: "overnight", Name: "Overnight summary", Spec: "0 1 * * 1-5", Type: RunStrategic, Enabled: true, MinInterval: minIntervalDefault},
		{ID: "weekend_deep", Name: "Weekend deep scan", Spec: "0 10 * * 6", Type: RunDeep, Enabled: true, MinInterval: minIntervalDefault},
	}
}

const quotaResetSpec = "0 0 * * *"

// Scheduler owns the job registry and the cron evaluator.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	quota   QuotaGate
	store   *stateStore
	events  *eventRing
	baseCfg pipeline.RunConfig
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
}

// New builds a scheduler. baseCfg supplies the symbols and per-run knobs
// shared by all jobs; stateDir holds the persisted state and history files.
func New(runner Runner, quota QuotaGate, baseCfg pipeline.RunConfig, stateDir string) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		runner:  runner,
		quota:   quota,
		store:   newStateStore(stateDir),
		events:  newEventRing(),
		baseCfg: baseCfg,
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    make(map[string]*Job),
	}
}

// Start registers the default jobs, restores persisted state, schedules the
// cron entries, fires eligible catch-ups, and begins evaluation.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	state, err := s.store.LoadState()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	for _, job := range defaultJobs() {
		if st, ok := state[job.ID]; ok {
			job.JobState = st
		}
		if err := s.registerLocked(job); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	if _, err := s.cron.AddFunc(quotaResetSpec, func() {
		log.Info().Msg("daily quota reset")
		s.quota.Reset()
	}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to schedule quota reset: %w", err)
	}

	catchups := s.catchUpCandidatesLocked()
	s.mu.Unlock()

	for _, job := range catchups {
		log.Info().Str("job", job.ID).Msg("firing startup catch-up run")
		go s.fire(job)
	}

	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	return nil
}

// Stop halts further triggers; an in-flight job finishes on its own.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) registerLocked(job *Job) error {
	schedule, err := cron.ParseStandard(job.Spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec for job %s: %w", job.ID, err)
	}
	job.schedule = schedule

	entryID, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.ID, err)
	}
	job.entryID = entryID
	s.jobs[job.ID] = job
	return nil
}

// catchUpCandidatesLocked computes which jobs earn exactly one catch-up
// invocation: the previous scheduled fire fell within the catch-up window
// and the minimum-interval guard allows a run.
func (s *Scheduler) catchUpCandidatesLocked() []*Job {
	now := s.now()
	var out []*Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		prev := prevFire(job.schedule, now)
		if prev.IsZero() || !catchUpDue(prev, now) {
			continue
		}
		if !s.intervalGuardAllows(job, now) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// prevFire returns the schedule's last fire at or before now, or zero when
// none fell inside the catch-up window. Walking forward from the window edge
// is exact even for specs with uneven gaps (0,45 of an hour range).
func prevFire(schedule cron.Schedule, now time.Time) time.Time {
	t := now.Add(-catchUpWindow - time.Minute)
	var prev time.Time
	for {
		next := schedule.Next(t)
		if next.IsZero() || next.After(now) {
			return prev
		}
		prev = next
		t = next
	}
}

// catchUpDue reports whether a fire scheduled at prev is recent enough to
// replay at time now.
func catchUpDue(prev, now time.Time) bool {
	since := now.Sub(prev)
	return since >= 0 && since <= catchUpWindow
}

func (s *Scheduler) intervalGuardAllows(job *Job, now time.Time) bool {
	return job.LastRun.IsZero() || now.Sub(job.LastRun) >= job.MinInterval
}

// fire runs one job invocation with max_instances=1 semantics.
func (s *Scheduler) fire(job *Job) {
	now := s.now()

	s.mu.Lock()
	if !job.Enabled {
		s.mu.Unlock()
		return
	}
	if job.running {
		s.mu.Unlock()
		log.Warn().Str("job", job.ID).Msg("previous invocation still running, dropping fire")
		s.events.Append(Event{Time: now, Job: job.ID, Type: EventSkip, Message: "previous invocation still running"})
		return
	}
	if !s.intervalGuardAllows(job, now) {
		s.mu.Unlock()
		log.Info().Str("job", job.ID).Time("last_run", job.LastRun).
			Dur("min_interval", job.MinInterval).Msg("skipping job, ran too recently")
		return
	}
	job.running = true
	s.mu.Unlock()

	s.events.Append(Event{Time: now, Job: job.ID, Type: EventStart})
	log.Info().Str("job", job.ID).Str("run_type", string(job.Type)).Msg("scheduled job starting")

	result := s.runner.Run(context.Background(), s.runConfig(job))

	s.finish(job, result)
}

// runConfig derives the per-run configuration from the job's run type and
// the quota gate.
func (s *Scheduler) runConfig(job *Job) pipeline.RunConfig {
	cfg := s.baseCfg
	// With no configured symbols the watchlist comes from the DB at run
	// time; gate on at least one request so an exhausted budget still blocks.
	cfg.EnabledSources = s.selectSources(job.Type, max(len(cfg.Symbols), 1))
	if job.Type == RunDeep {
		cfg.LookbackHours = deepLookbackHours
	}
	return cfg
}

func (s *Scheduler) selectSources(t RunType, numSymbols int) []models.Source {
	var enabled []models.Source
	if t == RunFrequent {
		enabled = append(enabled, frequentSources...)
	} else {
		enabled = append(enabled, models.AllSources()...)
	}

	out := enabled[:0]
	for _, src := range enabled {
		if isQuotaLimited(src) && !s.quota.CanMakeRequest(src, numSymbols) {
			log.Warn().Str("source", string(src)).
				Msgf("Disabled %s for this run due to quota", src)
			continue
		}
		out = append(out, src)
	}
	return out
}

func isQuotaLimited(src models.Source) bool {
	for _, q := range quotaLimitedSources {
		if q == src {
			return true
		}
	}
	return false
}

// finish updates counters, persists state and history, and emits events.
func (s *Scheduler) finish(job *Job, result *models.PipelineResult) {
	now := s.now()
	today := now.Format("2006-01-02")
	failed := result.Status == models.StatusFailed

	s.mu.Lock()
	job.running = false
	job.LastRun = now
	job.RunCount++
	if job.LastRunDate != today {
		job.LastRunDate = today
		job.TodayRunCount = 0
	}
	job.TodayRunCount++
	if failed {
		job.ErrorCount++
	}
	job.LastDurationSeconds = result.Duration().Seconds()
	state := make(map[string]JobState, len(s.jobs))
	for id, j := range s.jobs {
		state[id] = j.JobState
	}
	s.mu.Unlock()

	if result.Status == models.StatusCompleted {
		for _, src := range quotaLimitedSources {
			if st, ok := result.CollectorStats[src]; ok && st.Requests > 0 {
				s.quota.RecordUsage(src, st.Requests)
			}
		}
	}

	if err := s.store.SaveState(state); err != nil {
		log.Error().Err(err).Msg("failed to persist scheduler state")
	}
	rec := RunRecord{
		Timestamp:      result.StartedAt,
		Status:         string(result.Status),
		DurationSecs:   result.Duration().Seconds(),
		ItemsCollected: result.TotalItemsCollected,
		ItemsAnalyzed:  result.TotalItemsAnalyzed,
		Error:          result.ErrorMessage,
	}
	if err := s.store.AppendHistory(job.ID, rec, now); err != nil {
		log.Error().Err(err).Msg("failed to persist run history")
	}

	eventType := EventComplete
	if failed {
		eventType = EventFail
	}
	s.events.Append(Event{Time: now, Job: job.ID, Type: eventType, Message: result.ErrorMessage})
	log.Info().Str("job", job.ID).Str("status", string(result.Status)).
		Float64("duration_s", rec.DurationSecs).Msg("scheduled job finished")
}

// RefreshJobs re-parses every job's cron spec, rebuilds its cron entry, and
// reloads persisted counters for jobs without a run in flight. It returns
// the refreshed registry.
func (s *Scheduler) RefreshJobs() ([]Job, error) {
	state, err := s.store.LoadState()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		s.cron.Remove(job.entryID)
		if st, ok := state[job.ID]; ok && !job.running {
			job.JobState = st
		}
		if err := s.registerLocked(job); err != nil {
			return nil, err
		}
	}
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler jobs refreshed")
	return s.listLocked(), nil
}

// ListJobs returns the registry with next-run instants resolved.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Scheduler) listLocked() []Job {
	now := s.now()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		if job.Enabled && job.schedule != nil {
			j.NextRun = job.schedule.Next(now)
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job: %s", id)
	}
	job.Enabled = enabled
	return nil
}

func (s *Scheduler) EnableJob(id string) error  { return s.setEnabled(id, true) }
func (s *Scheduler) DisableJob(id string) error { return s.setEnabled(id, false) }

// CancelJob requests cancellation of the named job's in-flight run.
func (s *Scheduler) CancelJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	running := ok && job.running
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", id)
	}
	if !running {
		return fmt.Errorf("job %s has no run in flight", id)
	}
	s.runner.Cancel()
	return nil
}

// RunHistory returns the last n days of run history.
func (s *Scheduler) RunHistory(days int) (History, error) {
	h, err := s.store.LoadHistory()
	if err != nil {
		return nil, err
	}
	if days <= 0 || days >= historyRetentionDays {
		return h, nil
	}
	cutoff := s.now().AddDate(0, 0, -days).Format("2006-01-02")
	for date := range h {
		if date < cutoff {
			delete(h, date)
		}
	}
	return h, nil
}

// RecentEvents returns lifecycle events at or after since; zero means all
// retained.
func (s *Scheduler) RecentEvents(since time.Time) []Event {
	return s.events.Since(since)
}
