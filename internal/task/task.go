// Package task turns change rows into debounced, per-entity, one-shot units
// of work. A Registry maps table names onto task variants and owns the
// pending-task maps each variant resolves against.
package task

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/pwgo-agent/internal/log"
)

// ErrCancelActive is returned when cancelling a task that has left the waiting states.
var ErrCancelActive = errors.New("cannot cancel a task after execution has begun")

// Status is the lifecycle state of a task.
type Status int

const (
	StatusCancelled   Status = -1
	StatusInitialized Status = 1
	StatusWaiting     Status = 2
	StatusExecQueued  Status = 3
	StatusExec        Status = 4
	StatusDone        Status = 9999
)

func (s Status) String() string {
	switch s {
	case StatusCancelled:
		return "CANCELLED"
	case StatusInitialized:
		return "INITIALIZED"
	case StatusWaiting:
		return "WAITING"
	case StatusExecQueued:
		return "EXEC_QUEUED"
	case StatusExec:
		return "EXEC"
	case StatusDone:
		return "DONE"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Kind names a task variant.
type Kind string

const (
	KindImageMetadata Kind = "image_metadata"
	KindTag           Kind = "tag"
	KindVirtualPath   Kind = "image_virtual_path"
)

// Task is a unit of work produced by resolving a change row.
type Task interface {
	ID() string
	Kind() Kind
	EntityID() int64
	Status() Status

	// ScheduleStart begins the task's countdown or action. Repeated calls are no-ops.
	// Actions run on a context derived from ctx that is never cancelled by it.
	ScheduleStart(ctx context.Context)

	// Wait blocks until the task is done or cancelled and returns the action error.
	// A cancelled task returns nil.
	Wait(ctx context.Context) error
	Done() <-chan struct{}

	// Cancel aborts a task that has not started executing.
	Cancel() error

	// OnComplete registers fn to run after the action finishes successfully.
	OnComplete(fn func(Task))
}

// base carries the state machine shared by every variant.
type base struct {
	id       string
	kind     Kind
	entityID int64
	reg      *Registry
	self     Task
	log      *slog.Logger

	mu        sync.Mutex
	status    Status
	callbacks []func(Task)
	ctx       context.Context
	err       error
	done      chan struct{}
	// onCancel runs under mu when the task is cancelled.
	onCancel func()
}

func (b *base) setup(reg *Registry, kind Kind, entityID int64) {
	b.id = uuid.NewString()
	b.kind = kind
	b.entityID = entityID
	b.reg = reg
	b.log = log.WithTask(string(kind), entityID).With("task_id", b.id)
	b.status = StatusInitialized
	b.ctx = context.Background()
	b.done = make(chan struct{})
}

func (b *base) ID() string      { return b.id }
func (b *base) Kind() Kind      { return b.kind }
func (b *base) EntityID() int64 { return b.entityID }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) Done() <-chan struct{} {
	return b.done
}

func (b *base) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *base) OnComplete(fn func(Task)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	if b.status == StatusDone && b.err == nil {
		b.mu.Unlock()
		fn(b.self)
		return
	}
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
}

func (b *base) Cancel() error {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	return b.cancelLocked()
}

// cancelLocked requires the registry lock.
func (b *base) cancelLocked() error {
	b.mu.Lock()
	if b.status != StatusInitialized && b.status != StatusWaiting {
		status := b.status
		b.mu.Unlock()
		if status == StatusCancelled {
			return nil
		}
		return ErrCancelActive
	}
	b.status = StatusCancelled
	if b.onCancel != nil {
		b.onCancel()
	}
	b.mu.Unlock()

	b.reg.dropLocked(b.self)
	close(b.done)
	b.log.Debug("task cancelled")
	return nil
}

// begin moves an initialized task to EXEC_QUEUED. It reports false when the
// task was already started or cancelled.
func (b *base) begin(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusInitialized {
		return false
	}
	b.status = StatusExecQueued
	b.ctx = context.WithoutCancel(ctx)
	return true
}

func (b *base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *base) finish(err error) {
	b.mu.Lock()
	b.status = StatusDone
	b.err = err
	var callbacks []func(Task)
	if err == nil {
		callbacks = append(callbacks, b.callbacks...)
	}
	b.callbacks = nil
	b.mu.Unlock()

	if err != nil {
		b.log.Error("task failed", "error", err)
	} else {
		b.log.Debug("task done")
	}

	for _, fn := range callbacks {
		fn(b.self)
	}
	b.reg.drop(b.self)
	close(b.done)
}

func entityKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
