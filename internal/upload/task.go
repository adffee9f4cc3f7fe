package upload

import (
	"context"
	"sync/atomic"
)

// Status is the lifecycle state of a Task.
type Status int32

const (
	StatusActive Status = iota
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is a handle on one asynchronous upload.
type Task struct {
	id     int64
	cancel context.CancelFunc
	status atomic.Int32
	err    error
	done   chan struct{}
}

func newTask(id int64, cancel context.CancelFunc) *Task {
	return &Task{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the task id.
func (t *Task) ID() int64 { return t.id }

// Status returns the current status.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns why the task failed or was cancelled. It is nil while the task
// is active and after a successful upload.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Active reports whether the task is still running.
func (t *Task) Active() bool {
	return t.Status() == StatusActive
}

func (t *Task) finish(status Status, err error) {
	t.err = err
	t.status.Store(int32(status))
	t.cancel()
	close(t.done)
}
