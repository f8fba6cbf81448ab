package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned by Start when the user already has a
// running trading task.
var ErrAlreadyRunning = errors.New("trading task already running for user")

// TaskState is the lifecycle of one user's trading task.
type TaskState string

const (
	TaskRunning    TaskState = "running"
	TaskCancelling TaskState = "cancelling"
	TaskStopped    TaskState = "stopped"
)

// CycleRunner is one trading pass; the scheduler invokes it on cadence.
type CycleRunner interface {
	Run(ctx context.Context) error
}

// TaskConfig controls the trigger cadence of a trading task.
type TaskConfig struct {
	// Interval between cycle invocations.
	Interval time.Duration
	// Offset past the interval boundary for the first trigger. With the
	// default 4h interval and 1m offset, tasks fire at 00:01, 04:01,
	// 08:01 and so on UTC, one minute after a signal block closes.
	Offset time.Duration
	// AlignToInterval anchors the first trigger to the next interval
	// boundary. When false the first cycle runs immediately.
	AlignToInterval bool
}

// DefaultTaskConfig matches the signal cadence: a block every four
// hours, traded one minute after it becomes final.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Interval:        4 * time.Hour,
		Offset:          time.Minute,
		AlignToInterval: true,
	}
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state TaskState
}

func (t *task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *task) getState() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Scheduler owns the set of per-user trading tasks. At most one task
// runs per user; cycles within a task are strictly serialized while
// tasks of different users run in parallel.
type Scheduler struct {
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[int64]*task
}

func NewScheduler(logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		now:    time.Now,
		tasks:  make(map[int64]*task),
	}
}

// Start launches the repeating trading task for a user. Starting a user
// that is already running is a no-op reported as ErrAlreadyRunning.
func (s *Scheduler) Start(ctx context.Context, userID int64, cycle CycleRunner, cfg TaskConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Hour
	}

	s.mu.Lock()
	if _, exists := s.tasks[userID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  TaskRunning,
	}
	s.tasks[userID] = t
	s.mu.Unlock()

	s.logger.WithField("user_id", userID).Info("Trading task started")
	go s.runTask(taskCtx, userID, t, cycle, cfg)
	return nil
}

// Stop cancels a user's task and removes it from the active set. It
// blocks until the task has observed the cancellation; stopping a user
// that is not running is a no-op.
func (s *Scheduler) Stop(userID int64) {
	s.mu.Lock()
	t, ok := s.tasks[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.setState(TaskCancelling)
	t.cancel()
	<-t.done

	s.mu.Lock()
	delete(s.tasks, userID)
	s.mu.Unlock()
	s.logger.WithField("user_id", userID).Info("Trading task stopped")
}

// StopAll stops every running task. Used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Running reports whether a user currently has an active task.
func (s *Scheduler) Running(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[userID]
	return ok
}

// State reports the lifecycle state of a user's task; users with no
// task are stopped.
func (s *Scheduler) State(userID int64) TaskState {
	s.mu.Lock()
	t, ok := s.tasks[userID]
	s.mu.Unlock()
	if !ok {
		return TaskStopped
	}
	return t.getState()
}

// ActiveUsers returns the ids of all users with a running task.
func (s *Scheduler) ActiveUsers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) runTask(ctx context.Context, userID int64, t *task, cycle CycleRunner, cfg TaskConfig) {
	defer close(t.done)
	defer t.setState(TaskStopped)

	log := s.logger.WithField("user_id", userID)

	if cfg.AlignToInterval {
		delay := s.untilNextTrigger(cfg)
		log.WithField("first_trigger_in", delay.Round(time.Second)).Info("Waiting for first aligned trigger")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	for {
		s.runCycle(ctx, log, cycle)

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Interval):
		}
	}
}

// runCycle invokes one pass and converts any failure into a logged
// event. Only cancellation influences control flow; every other error
// leaves the loop waiting for its next trigger.
func (s *Scheduler) runCycle(ctx context.Context, log *logrus.Entry, cycle CycleRunner) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Trading cycle panicked")
		}
	}()

	if err := cycle.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).Error("Trading cycle failed")
	}
}

// untilNextTrigger computes the wait to the next interval boundary plus
// offset, in UTC.
func (s *Scheduler) untilNextTrigger(cfg TaskConfig) time.Duration {
	now := s.now().UTC()
	next := now.Truncate(cfg.Interval).Add(cfg.Offset)
	if !next.After(now) {
		next = next.Add(cfg.Interval)
	}
	return next.Sub(now)
}
