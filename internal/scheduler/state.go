package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// JobState is the per-job fragment persisted after every completion.
type JobState struct {
	LastRun             time.Time `json:"last_run"`
	RunCount            int       `json:"run_count"`
	TodayRunCount       int       `json:"today_run_count"`
	LastRunDate         string    `json:"last_run_date"`
	ErrorCount          int       `json:"error_count"`
	LastDurationSeconds float64   `json:"last_duration_seconds"`
}

// RunRecord is one history entry under date → job.
type RunRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	DurationSecs   float64   `json:"duration_seconds"`
	ItemsCollected int       `json:"items_collected"`
	ItemsAnalyzed  int       `json:"items_analyzed"`
	Error          string    `json:"error,omitempty"`
}

// History is date ("2006-01-02") → job name → runs.
type History map[string]map[string][]RunRecord

const historyRetentionDays = 7

// stateStore persists scheduler state and run history as JSON files,
// written atomically via rename. Last write wins on races.
type stateStore struct {
	mu          sync.Mutex
	statePath   string
	historyPath string
}

func newStateStore(dir string) *stateStore {
	return &stateStore{
		statePath:   filepath.Join(dir, "scheduler_state.json"),
		historyPath: filepath.Join(dir, "scheduler_history.json"),
	}
}

func (s *stateStore) LoadState() (map[string]JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return map[string]JobState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduler state: %w", err)
	}
	var state map[string]JobState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", s.statePath).Msg("corrupt scheduler state file, starting fresh")
		return map[string]JobState{}, nil
	}
	return state, nil
}

func (s *stateStore) SaveState(state map[string]JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.statePath, state)
}

func (s *stateStore) LoadHistory() (History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.historyPath)
	if os.IsNotExist(err) {
		return History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		log.Warn().Err(err).Str("path", s.historyPath).Msg("corrupt run history file, starting fresh")
		return History{}, nil
	}
	return h, nil
}

// AppendHistory records one run and prunes entries older than the retention
// window.
func (s *stateStore) AppendHistory(job string, rec RunRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := History{}
	if data, err := os.ReadFile(s.historyPath); err == nil {
		_ = json.Unmarshal(data, &h)
	}

	day := now.UTC().Format("2006-01-02")
	if h[day] == nil {
		h[day] = map[string][]RunRecord{}
	}
	h[day][job] = append(h[day][job], rec)

	cutoff := now.UTC().AddDate(0, 0, -historyRetentionDays).Format("2006-01-02")
	for date := range h {
		if date < cutoff {
			delete(h, date)
		}
	}
	return writeJSONAtomic(s.historyPath, h)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
