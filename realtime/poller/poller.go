// Package poller runs periodic pull fetches per entity type. It is the
// fallback channel used while the push connection is down.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrRetriesExhausted is reported through the failure handler when a task
// stops after too many consecutive failed fetches.
var ErrRetriesExhausted = errors.New("polling retries exhausted")

// FetchFunc returns a snapshot of every record of one entity type.
type FetchFunc func(ctx context.Context) ([]json.RawMessage, error)

// ResultHandler receives each successful snapshot.
type ResultHandler func(entityType string, records []json.RawMessage)

// FailureHandler receives terminal task failures.
type FailureHandler func(entityType string, err error)

// Logger matches the realtime SDK logger.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any) {}
func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// Settings controls retry behavior shared by all tasks.
type Settings struct {
	RetryBase      time.Duration
	RetryCeiling   time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		RetryBase:      2 * time.Second,
		RetryCeiling:   60 * time.Second,
		MaxRetries:     5,
		RequestTimeout: 10 * time.Second,
	}
}

// TaskState is the lifecycle state of a polling task.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskRetrying
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskRetrying:
		return "retrying"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status describes one task.
type Status struct {
	EntityType  string
	Interval    time.Duration
	State       TaskState
	RetryCount  int
	LastSuccess time.Time
	LastError   error
}

type task struct {
	entityType string
	fetch      FetchFunc
	interval   time.Duration
	timer      *time.Timer

	state       TaskState
	retryCount  int
	inFlight    bool
	lastSuccess time.Time
	lastErr     error
}

// Service owns at most one task per entity type.
type Service struct {
	settings  Settings
	onResult  ResultHandler
	onFailure FailureHandler
	logger    Logger

	mu    sync.Mutex
	tasks map[string]*task
}

func New(settings Settings, onResult ResultHandler, onFailure FailureHandler) *Service {
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = 1
	}
	return &Service{
		settings:  settings,
		onResult:  onResult,
		onFailure: onFailure,
		logger:    noopLogger{},
		tasks:     map[string]*task{},
	}
}

// SetLogger overrides logger (optional).
func (s *Service) SetLogger(l Logger) {
	if l == nil {
		return
	}
	s.logger = l
}

// Start begins polling entityType every interval, with the first fetch
// fired immediately. It returns false, and changes nothing, if a task for
// entityType already exists.
func (s *Service) Start(entityType string, fetch FetchFunc, interval time.Duration) bool {
	if interval <= 0 || fetch == nil {
		s.logger.Warn("polling task rejected", map[string]any{"entity_type": entityType, "interval": interval.String()})
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[entityType]; ok {
		s.logger.Debug("polling task already running", map[string]any{"entity_type": entityType})
		return false
	}
	t := &task{entityType: entityType, fetch: fetch, interval: interval, state: TaskRunning}
	t.timer = time.AfterFunc(0, func() { s.tick(t) })
	s.tasks[entityType] = t
	s.logger.Info("polling started", map[string]any{"entity_type": entityType, "interval": interval.String()})
	return true
}

// Stop cancels the task for entityType. A fetch already in flight still
// completes and its result is still delivered.
func (s *Service) Stop(entityType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[entityType]
	if !ok {
		return false
	}
	s.stopLocked(t)
	s.logger.Info("polling stopped", map[string]any{"entity_type": entityType})
	return true
}

// StopAll cancels every task.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		s.stopLocked(t)
	}
}

func (s *Service) stopLocked(t *task) {
	t.state = TaskStopped
	t.timer.Stop()
	if s.tasks[t.entityType] == t {
		delete(s.tasks, t.entityType)
	}
}

// Active lists entity types with a live task, sorted.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (s *Service) Status(entityType string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[entityType]
	if !ok {
		return Status{}, false
	}
	return Status{
		EntityType:  t.entityType,
		Interval:    t.interval,
		State:       t.state,
		RetryCount:  t.retryCount,
		LastSuccess: t.lastSuccess,
		LastError:   t.lastErr,
	}, true
}

// FetchNow performs a single fetch outside any task and delivers the result
// through the result handler.
func (s *Service) FetchNow(ctx context.Context, entityType string, fetch FetchFunc) error {
	if s.settings.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.RequestTimeout)
		defer cancel()
	}
	records, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", entityType, err)
	}
	if s.onResult != nil {
		s.onResult(entityType, records)
	}
	return nil
}

func (s *Service) tick(t *task) {
	s.mu.Lock()
	if t.state == TaskStopped {
		s.mu.Unlock()
		return
	}
	// Re-arm before fetching: a slow request must not delay the schedule.
	t.timer.Reset(t.interval)
	if t.inFlight {
		s.mu.Unlock()
		s.logger.Debug("polling tick skipped, fetch in flight", map[string]any{"entity_type": t.entityType})
		return
	}
	t.inFlight = true
	s.mu.Unlock()

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if s.settings.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.settings.RequestTimeout)
	}
	records, err := t.fetch(ctx)
	cancel()

	s.mu.Lock()
	t.inFlight = false
	if err != nil {
		t.retryCount++
		t.lastErr = err
		if t.state != TaskStopped && t.retryCount >= s.settings.MaxRetries {
			s.stopLocked(t)
			n := t.retryCount
			s.mu.Unlock()
			s.logger.Error("polling task stopped after repeated failures", map[string]any{
				"entity_type": t.entityType,
				"retries":     n,
				"error":       err.Error(),
			})
			if s.onFailure != nil {
				s.onFailure(t.entityType, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, t.entityType, n, err))
			}
			return
		}
		delay := Backoff(s.settings.RetryBase, s.settings.RetryCeiling, t.retryCount)
		if t.state != TaskStopped {
			t.state = TaskRetrying
			t.timer.Reset(delay)
		}
		n := t.retryCount
		s.mu.Unlock()
		s.logger.Warn("polling fetch failed", map[string]any{
			"entity_type": t.entityType,
			"retry":       n,
			"retry_in":    delay.String(),
			"error":       err.Error(),
		})
		return
	}
	t.retryCount = 0
	t.lastErr = nil
	t.lastSuccess = time.Now()
	if t.state != TaskStopped {
		t.state = TaskRunning
	}
	s.mu.Unlock()

	if s.onResult != nil {
		s.onResult(t.entityType, records)
	}
}

// Backoff returns min(base * 2^n, ceiling).
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
