// Package queue implements a single-flight command serializer: tasks run one
// at a time, in the order they were submitted.
//
// A task must not submit to the serializer it is running on. Doing so
// deadlocks; there is no reentrancy.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("serializer closed")

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Serializer runs submitted tasks sequentially on a single worker goroutine.
type Serializer struct {
	tasks chan *task

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	exited chan struct{}
}

// New returns a running Serializer. backlog bounds how many tasks may be
// queued before Run blocks in submission.
func New(backlog int) *Serializer {
	if backlog < 1 {
		backlog = 64
	}
	s := &Serializer{
		tasks:  make(chan *task, backlog),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Serializer) worker() {
	defer close(s.exited)
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.tasks:
			if err := t.ctx.Err(); err != nil {
				t.done <- err
				continue
			}
			t.done <- t.fn(t.ctx)
		}
	}
}

// Run enqueues fn and waits for it to finish, returning its error. If ctx is
// done before fn starts, fn is skipped. If ctx is done while fn runs, Run
// still waits for fn to return; fn is expected to observe ctx itself.
func (s *Serializer) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &task{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.tasks <- t:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-s.exited:
		// The worker always reports a task it ran before exiting.
		select {
		case err := <-t.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Do is Run for tasks that produce a value.
func Do[T any](ctx context.Context, s *Serializer, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := s.Run(ctx, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx)
		return err
	})
	return res, err
}

// Close stops the worker once the running task (if any) finishes. Queued
// tasks that have not started fail with ErrClosed.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	<-s.exited
}
