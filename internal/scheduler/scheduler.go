// Package scheduler runs named jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
)

// Trigger is a job run every Interval after an initial delay. A zero
// Interval disables the trigger.
type Trigger struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

// Scheduler runs triggers in their own goroutines. A trigger never overlaps
// itself: the next wait starts once the previous run has returned.
type Scheduler struct {
	mu       sync.Mutex
	triggers []Trigger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a trigger. Triggers added after Start are ignored.
func (s *Scheduler) Add(t Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		logger.Warn("scheduler: ignoring trigger %s added after start", t.Name)
		return
	}
	s.triggers = append(s.triggers, t)
}

// Start launches every enabled trigger. It returns immediately; triggers stop
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.triggers {
		if t.Interval <= 0 || t.Run == nil {
			logger.Info("scheduler: %s disabled", t.Name)
			continue
		}
		logger.Info("scheduler: %s every %s, first run in %s", t.Name, t.Interval, t.InitialDelay)

		s.wg.Add(1)
		go func(t Trigger) {
			defer s.wg.Done()
			s.loop(ctx, t)
		}(t)
	}
}

// Stop cancels every trigger and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	logger.Debug("scheduler: stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Trigger) {
	timer := time.NewTimer(t.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		runOnce(ctx, t)
		timer.Reset(t.Interval)
	}
}

// runOnce runs t and logs its error or panic.
func runOnce(ctx context.Context, t Trigger) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler: %s panicked: %v", t.Name, r)
		}
	}()

	if err := t.Run(ctx); err != nil {
		logger.Error("scheduler: %s failed after %s: %v", t.Name, time.Since(start).Round(time.Millisecond), err)
		return
	}
	logger.Debug("scheduler: %s completed in %s", t.Name, time.Since(start).Round(time.Millisecond))
}

// String describes the trigger for status output.
func (t Trigger) String() string {
	if t.Interval <= 0 {
		return fmt.Sprintf("%s (disabled)", t.Name)
	}
	return fmt.Sprintf("%s every %s (initial delay %s)", t.Name, t.Interval, t.InitialDelay)
}

// Triggers returns the registered triggers.
func (s *Scheduler) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trigger(nil), s.triggers...)
}
