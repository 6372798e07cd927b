package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
)

// lockedBuffer is written by trigger goroutines while the test reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()

	buf := &lockedBuffer{}
	logger.SetOutput(buf)
	logger.SetLevel(logger.LevelDebug)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logger.LevelInfo)
	})
	return buf
}

func TestScheduler_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add(Trigger{
		Name:     "commits",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestScheduler_InitialDelay(t *testing.T) {
	started := time.Now()
	ran := make(chan time.Time, 1)

	s := New()
	s.Add(Trigger{
		Name:         "incidents",
		Interval:     time.Hour,
		InitialDelay: 30 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case ran <- time.Now():
			default:
			}
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(started), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run")
	}
}

func TestScheduler_NeverOverlapsItself(t *testing.T) {
	var running, maxRunning, runs atomic.Int32
	s := New()
	s.Add(Trigger{
		Name:     "deployments",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				cur := maxRunning.Load()
				if n <= cur || maxRunning.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestScheduler_ZeroIntervalDisabled(t *testing.T) {
	buf := captureLogs(t)

	var runs atomic.Int32
	s := New()
	s.Add(Trigger{
		Name: "members",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	assert.Zero(t, runs.Load())
	assert.Contains(t, buf.String(), "scheduler: members disabled")
}

func TestScheduler_ErrorsAndPanicsAreLogged(t *testing.T) {
	buf := captureLogs(t)

	var runs atomic.Int32
	s := New()
	s.Add(Trigger{
		Name:     "pull_requests",
		Interval: 2 * time.Millisecond,
		Run: func(ctx context.Context) error {
			switch runs.Add(1) {
			case 1:
				panic("boom")
			case 2:
				return errors.New("upstream unavailable")
			}
			return nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop()

	out := buf.String()
	assert.Contains(t, out, "scheduler: pull_requests panicked: boom")
	assert.Contains(t, out, "upstream unavailable")
}

func TestScheduler_StopWaitsForInFlightRun(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool

	s := New()
	s.Add(Trigger{
		Name:     "commits",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	})

	s.Start(context.Background())
	<-entered
	s.Stop()
	assert.True(t, finished.Load())
}

func TestScheduler_ParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	s := New()
	s.Add(Trigger{
		Name:     "commits",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(ctx)
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, time.Millisecond)

	cancel()
	s.Stop()
}

func TestScheduler_AddAfterStartIgnored(t *testing.T) {
	s := New()
	s.Add(Trigger{Name: "commits", Interval: time.Hour, InitialDelay: time.Hour, Run: func(context.Context) error { return nil }})
	s.Start(context.Background())
	defer s.Stop()

	s.Add(Trigger{Name: "late", Interval: time.Hour, Run: func(context.Context) error { return nil }})
	require.Len(t, s.Triggers(), 1)
	assert.Equal(t, "commits", s.Triggers()[0].Name)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := New()
	s.Stop()
}

func TestTrigger_String(t *testing.T) {
	assert.Equal(t, "members (disabled)", Trigger{Name: "members"}.String())
	assert.Equal(t, "commits every 1m0s (initial delay 10s)",
		Trigger{Name: "commits", Interval: time.Minute, InitialDelay: 10 * time.Second}.String())
}
