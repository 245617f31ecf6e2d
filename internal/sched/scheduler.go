// Package sched runs the engine's named periodic tasks. Overlapping ticks of
// the same task are the main race risk in the shared-working-set model, so
// each task carries a skip-if-previous-run-still-active guard.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/metrics"
)

// Task is one unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	running atomic.Bool
}

// Scheduler owns a set of periodic tasks and their lifecycle.
type Scheduler struct {
	logger *slog.Logger
	tasks  []*Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New constructs a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a named periodic task. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &Task{Name: name, Interval: interval, Run: run})
}

// Start launches every registered task on its own ticker. Cancellation of
// ctx (or Stop) terminates all tasks.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

// Stop cancels all tasks and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, task)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, task *Task) {
	if !task.running.CompareAndSwap(false, true) {
		s.logger.Warn("periodic task still running, skipping tick", slog.String("task", task.Name))
		metrics.TaskSkipped(task.Name)
		return
	}
	defer task.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("periodic task panicked", slog.String("task", task.Name), slog.Any("panic", r))
		}
		metrics.ObserveTask(task.Name, time.Since(start))
	}()

	task.Run(ctx)
}
