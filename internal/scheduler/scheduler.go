// Package scheduler runs named periodic tasks. Every tick is supervised:
// returned errors and panics are logged and counted, and the task runs
// again after its interval. Only context cancellation stops a task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/signal_pilot/internal/metrics"
)

// Task is a named unit of periodic work.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

// Scheduler owns a set of tasks and runs them concurrently.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	running bool
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates an empty scheduler.
func New(logger logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{logger: logger, metrics: m}
}

// Add registers t. Names must be unique and intervals positive.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0, got %v", t.Name, t.Interval)
	}
	if t.InitialDelay < 0 {
		return fmt.Errorf("task %s: initial delay must be >= 0, got %v", t.Name, t.InitialDelay)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: run func is nil", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("task %s: scheduler already running", t.Name)
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return names
}

// Run starts every task and blocks until ctx is done. It returns nil on
// cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loopvar semantics)
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	log := s.logger.WithField("task", t.Name)

	if !wait(ctx, t.InitialDelay) {
		return
	}
	log.WithField("interval", t.Interval).Info("Starting task")

	for {
		_ = s.RunOnce(ctx, t)
		if !wait(ctx, t.Interval) {
			log.Info("Task stopped")
			return
		}
	}
}

// RunOnce executes a single supervised tick of t.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) (err error) {
	log := s.logger.WithField("task", t.Name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			log.WithField("stack", string(debug.Stack())).WithError(err).Error("Recovered panic in task")
			s.metrics.ObserveTick(t.Name, "panic", time.Since(start).Seconds())
			return
		}
		result := "ok"
		if err != nil {
			result = "error"
			if ctx.Err() == nil {
				log.WithError(err).Error("Task tick failed")
			}
		}
		s.metrics.ObserveTick(t.Name, result, time.Since(start).Seconds())
	}()

	return t.Run(ctx)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
