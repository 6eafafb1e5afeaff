package projects

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrSchedulerClosed is returned when a task is submitted after shutdown began.
var ErrSchedulerClosed = errors.New("projects: scheduler is shutting down")

// TaskRunner runs background work keyed by project.
type TaskRunner interface {
	Go(key string, task func(ctx context.Context)) error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	SerializePerKey bool
	Logger          *zap.Logger
}

// Scheduler runs each task in its own goroutine on a context detached from the submitting
// request. Tasks sharing a key run one at a time when SerializePerKey is set.
type Scheduler struct {
	base      context.Context
	cancel    context.CancelFunc
	serialize bool
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
	locks  map[string]*keyedLock
	wg     sync.WaitGroup
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		base:      base,
		cancel:    cancel,
		serialize: cfg.SerializePerKey,
		logger:    logger,
		locks:     make(map[string]*keyedLock),
	}
}

// Go starts task in the background.
func (s *Scheduler) Go(key string, task func(ctx context.Context)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	var lock *keyedLock
	if s.serialize && key != "" {
		lock = s.acquireLocked(key)
	}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if lock != nil {
			lock.mu.Lock()
			defer s.release(key, lock)
		}
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("background task panicked",
					zap.String("key", key),
					zap.Error(fmt.Errorf("panic: %v", recovered)),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		task(s.base)
	}()
	return nil
}

// Shutdown rejects new tasks and waits for in-flight ones. When ctx expires first the
// shared task context is cancelled and ctx's error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) acquireLocked(key string) *keyedLock {
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyedLock{}
		s.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (s *Scheduler) release(key string, lock *keyedLock) {
	lock.mu.Unlock()
	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}
