// Package scheduler runs step deadline timers in process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
)

// ErrStopped is returned by Schedule after Stop
var ErrStopped = errors.New("scheduler stopped")

// Config holds retry settings for failed handler runs
type Config struct {
	RetryBackoff time.Duration
	MaxRetries   int
}

// DefaultConfig returns default scheduler settings
func DefaultConfig() Config {
	return Config{
		RetryBackoff: 30 * time.Second,
		MaxRetries:   5,
	}
}

// Health is a snapshot of scheduler state
type Health struct {
	Running        bool      `json:"running"`
	LiveTimers     int       `json:"live_timers"`
	Fired          int64     `json:"fired"`
	Canceled       int64     `json:"canceled"`
	HandlerErrors  int64     `json:"handler_errors"`
	ScheduleErrors int64     `json:"schedule_errors"`
	GaveUp         int64     `json:"gave_up"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
}

// Healthy reports whether no task has been dropped or failed to arm
func (h Health) Healthy() bool {
	return h.Running && h.GaveUp == 0 && h.ScheduleErrors == 0
}

type entry struct {
	task    port.TimerTask
	timer   *clock.Timer
	id      uint64
	attempt int
}

// Scheduler keeps one clock timer per (request, step) key.
// A fire and a Cancel race on the entry id: whichever takes the lock first
// wins, and the loser is a no-op.
type Scheduler struct {
	clock   clock.Clock
	handler port.TimerHandler
	config  Config
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[port.TimerKey]*entry
	nextID  uint64
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	fired, canceled, handlerErrors, scheduleErrors, gaveUp int64
	lastError                                              string
	lastErrorAt                                            time.Time
}

// New creates a scheduler that calls handler when a task fires
func New(clk clock.Clock, handler port.TimerHandler, config Config, logger *zap.Logger) *Scheduler {
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clk,
		handler: handler,
		config:  config,
		logger:  logger,
		entries: make(map[port.TimerKey]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule arms task, replacing any other task under the same key.
// Re-scheduling an identical live task keeps the existing timer.
func (s *Scheduler) Schedule(task port.TimerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.recordScheduleErrorLocked(ErrStopped)
		return ErrStopped
	}
	if task.Key.RequestID == "" {
		err := fmt.Errorf("timer task has no request id")
		s.recordScheduleErrorLocked(err)
		return err
	}

	if cur, ok := s.entries[task.Key]; ok {
		if cur.task.Kind == task.Kind && cur.task.Generation == task.Generation && cur.task.FireAt.Equal(task.FireAt) {
			return nil
		}
		cur.timer.Stop()
		delete(s.entries, task.Key)
	}

	s.armLocked(task, 0)
	return nil
}

// Cancel revokes the live task under key. It returns false when there was
// none, including when the task already fired.
func (s *Scheduler) Cancel(key port.TimerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.entries, key)
	s.canceled++
	return true
}

// Pending returns the live task under key
func (s *Scheduler) Pending(key port.TimerKey) (port.TimerTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return port.TimerTask{}, false
	}
	return cur.task, true
}

// Len returns the number of live timers
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Health returns counters for the health endpoint
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Running:        !s.stopped,
		LiveTimers:     len(s.entries),
		Fired:          s.fired,
		Canceled:       s.canceled,
		HandlerErrors:  s.handlerErrors,
		ScheduleErrors: s.scheduleErrors,
		GaveUp:         s.gaveUp,
		LastError:      s.lastError,
		LastErrorAt:    s.lastErrorAt,
	}
}

// Stop cancels every live timer and waits for running handlers
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for key, cur := range s.entries {
		cur.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) armLocked(task port.TimerTask, attempt int) {
	delay := task.FireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if attempt > 0 {
		delay = s.config.RetryBackoff
	}

	s.nextID++
	e := &entry{task: task, id: s.nextID, attempt: attempt}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(task.Key, e.id) })
	s.entries[task.Key] = e
}

func (s *Scheduler) fire(key port.TimerKey, id uint64) {
	s.mu.Lock()
	cur, ok := s.entries[key]
	if !ok || cur.id != id || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.fired++
	s.running.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.running.Done()

	err := s.handler(ctx, cur.task)
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlerErrors++
	s.lastError = err.Error()
	s.lastErrorAt = s.clock.Now()

	if _, replaced := s.entries[key]; replaced || s.stopped {
		return
	}
	if cur.attempt >= s.config.MaxRetries {
		s.gaveUp++
		s.logger.Error("Timer handler failed, giving up",
			zap.String("request_id", key.RequestID),
			zap.Int("step", key.StepNumber),
			zap.String("kind", string(cur.task.Kind)),
			zap.Int("attempts", cur.attempt+1),
			zap.Error(err))
		return
	}

	s.logger.Warn("Timer handler failed, retrying",
		zap.String("request_id", key.RequestID),
		zap.Int("step", key.StepNumber),
		zap.String("kind", string(cur.task.Kind)),
		zap.Int("attempt", cur.attempt+1),
		zap.Duration("backoff", s.config.RetryBackoff),
		zap.Error(err))
	s.armLocked(cur.task, cur.attempt+1)
}

func (s *Scheduler) recordScheduleErrorLocked(err error) {
	s.scheduleErrors++
	s.lastError = err.Error()
	s.lastErrorAt = s.clock.Now()
	s.logger.Error("Failed to schedule timer", zap.Error(err))
}

// Verify interface compliance
var _ port.Scheduler = (*Scheduler)(nil)
