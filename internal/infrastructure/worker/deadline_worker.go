package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// TimerRearmer re-creates the step timers of active requests from stored state
type TimerRearmer interface {
	RearmTimers(ctx context.Context) (int, error)
}

// DeadlineWorkerConfig holds configuration for the deadline sweeper
type DeadlineWorkerConfig struct {
	SweepInterval time.Duration
	SweepTimeout  time.Duration
}

// DefaultDeadlineWorkerConfig returns default configuration
func DefaultDeadlineWorkerConfig() DeadlineWorkerConfig {
	return DeadlineWorkerConfig{
		SweepInterval: 5 * time.Minute,
		SweepTimeout:  time.Minute,
	}
}

// DeadlineStatus is a snapshot of the sweeper for health checks
type DeadlineStatus struct {
	Running    bool      `json:"running"`
	Sweeps     int       `json:"sweeps"`
	LastSweep  time.Time `json:"last_sweep"`
	LastArmed  int       `json:"last_armed"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCount int       `json:"error_count"`
}

// DeadlineWorker re-arms escalation timers on start and then on every tick,
// so timers lost to a restart or a failed schedule call come back.
type DeadlineWorker struct {
	config  DeadlineWorkerConfig
	rearmer TimerRearmer
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
	status    DeadlineStatus
}

// NewDeadlineWorker creates a new deadline sweeper
func NewDeadlineWorker(config DeadlineWorkerConfig, rearmer TimerRearmer, clk clock.Clock, logger *zap.Logger) *DeadlineWorker {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultDeadlineWorkerConfig().SweepInterval
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = DefaultDeadlineWorkerConfig().SweepTimeout
	}
	return &DeadlineWorker{
		config:  config,
		rearmer: rearmer,
		clock:   clk,
		logger:  logger,
	}
}

// Start runs one sweep immediately and then starts the ticker loop
func (w *DeadlineWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("deadline worker already running")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.isRunning = true
	w.status.Running = true
	w.mu.Unlock()

	w.logger.Info("DeadlineWorker started", zap.Duration("sweep_interval", w.config.SweepInterval))

	w.sweep()
	go w.sweepLoop()
	return nil
}

// Stop terminates the loop and waits for an in-flight sweep
func (w *DeadlineWorker) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.status.Running = false
	done := w.done
	w.mu.Unlock()

	w.cancel()
	<-done

	w.logger.Info("DeadlineWorker stopped", zap.Int("sweeps", w.Status().Sweeps))
	return nil
}

// Name returns the worker name for identification
func (w *DeadlineWorker) Name() string {
	return "DeadlineWorker"
}

// Status returns a snapshot of the sweeper
func (w *DeadlineWorker) Status() DeadlineStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *DeadlineWorker) sweepLoop() {
	defer close(w.done)

	ticker := w.clock.Ticker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *DeadlineWorker) sweep() {
	ctx, cancel := context.WithTimeout(w.ctx, w.config.SweepTimeout)
	defer cancel()

	armed, err := w.rearmer.RearmTimers(ctx)

	w.mu.Lock()
	w.status.Sweeps++
	w.status.LastSweep = w.clock.Now()
	w.status.LastArmed = armed
	if err != nil {
		w.status.ErrorCount++
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("Failed to re-arm escalation timers", zap.Error(err))
		return
	}
	w.logger.Debug("Escalation timers re-armed", zap.Int("armed", armed))
}
