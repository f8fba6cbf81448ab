package trader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type countingCycle struct {
	runs int64
	err  error
}

func (c *countingCycle) Run(ctx context.Context) error {
	atomic.AddInt64(&c.runs, 1)
	return c.err
}

func (c *countingCycle) count() int64 {
	return atomic.LoadInt64(&c.runs)
}

func testTaskConfig() TaskConfig {
	return TaskConfig{Interval: 10 * time.Millisecond, AlignToInterval: false}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSchedulerStartTwiceReportsAlreadyRunning(t *testing.T) {
	s := NewScheduler(quietLogger())
	defer s.StopAll()

	cycle := &countingCycle{}
	if err := s.Start(context.Background(), 1, cycle, testTaskConfig()); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if err := s.Start(context.Background(), 1, cycle, testTaskConfig()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if got := len(s.ActiveUsers()); got != 1 {
		t.Fatalf("active users = %d, want 1", got)
	}
}

func TestSchedulerStopRemovesUser(t *testing.T) {
	s := NewScheduler(quietLogger())

	if err := s.Start(context.Background(), 7, &countingCycle{}, testTaskConfig()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !s.Running(7) {
		t.Fatal("user 7 should be running after Start")
	}

	if got := s.State(7); got != TaskRunning {
		t.Fatalf("state = %v, want %v", got, TaskRunning)
	}

	s.Stop(7)
	if s.Running(7) {
		t.Fatal("user 7 still running after Stop")
	}
	if got := s.State(7); got != TaskStopped {
		t.Fatalf("state after Stop = %v, want %v", got, TaskStopped)
	}

	// Stopping again is a no-op.
	s.Stop(7)

	// The user can start again after a stop.
	if err := s.Start(context.Background(), 7, &countingCycle{}, testTaskConfig()); err != nil {
		t.Fatalf("restart after Stop returned error: %v", err)
	}
	s.Stop(7)
}

func TestSchedulerCycleErrorDoesNotKillTask(t *testing.T) {
	s := NewScheduler(quietLogger())
	defer s.StopAll()

	cycle := &countingCycle{err: errors.New("exchange rejected everything")}
	if err := s.Start(context.Background(), 3, cycle, testTaskConfig()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for cycle.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("task stopped repeating after errors, runs=%d", cycle.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !s.Running(3) {
		t.Fatal("task terminated on cycle error")
	}
}

func TestSchedulerPanicIsContained(t *testing.T) {
	s := NewScheduler(quietLogger())
	defer s.StopAll()

	cycle := &panickyCycle{}
	if err := s.Start(context.Background(), 4, cycle, testTaskConfig()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&cycle.runs) < 2 {
		select {
		case <-deadline:
			t.Fatalf("task stopped repeating after panic, runs=%d", atomic.LoadInt64(&cycle.runs))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type panickyCycle struct {
	runs int64
}

func (c *panickyCycle) Run(ctx context.Context) error {
	atomic.AddInt64(&c.runs, 1)
	panic("boom")
}

func TestUntilNextTrigger(t *testing.T) {
	s := NewScheduler(quietLogger())
	cfg := DefaultTaskConfig()

	tests := []struct {
		now  string
		want time.Duration
	}{
		// Just inside a block: the next trigger is its close plus offset.
		{"2024-03-01T04:02:00Z", 3*time.Hour + 59*time.Minute},
		// Right on the boundary: the one-minute offset is still ahead.
		{"2024-03-01T08:00:00Z", time.Minute},
		// Past the offset: wait for the next block.
		{"2024-03-01T08:01:00Z", 4 * time.Hour},
	}

	for _, tt := range tests {
		now, err := time.Parse(time.RFC3339, tt.now)
		if err != nil {
			t.Fatalf("bad test time: %v", err)
		}
		s.now = func() time.Time { return now }
		if got := s.untilNextTrigger(cfg); got != tt.want {
			t.Errorf("untilNextTrigger at %s = %v, want %v", tt.now, got, tt.want)
		}
	}
}
