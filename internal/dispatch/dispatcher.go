package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
	"github.com/mattjoyce/pwgo-agent/internal/task"
)

const defaultStopTimeout = 10 * time.Second

// State is the dispatcher lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Signal tells workers whether to keep servicing the queue.
// Signals only escalate.
type Signal int

const (
	SignalServiceQueue Signal = iota
	SignalClearQueue
	SignalStop
)

func (s Signal) String() string {
	switch s {
	case SignalServiceQueue:
		return "SERVICE_QUEUE"
	case SignalClearQueue:
		return "CLEAR_QUEUE"
	case SignalStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// WorkerStatus is where a worker is in its loop.
type WorkerStatus int

const (
	WorkerInit WorkerStatus = iota
	WorkerWaiting
	WorkerDispatched
	WorkerKilled
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerInit:
		return "INIT"
	case WorkerWaiting:
		return "WAITING"
	case WorkerDispatched:
		return "DISPATCHED"
	case WorkerKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// FaceIndex is the collaborator that keeps the face collection in step with
// the face index albums.
type FaceIndex interface {
	IsFaceIndexAlbum(albumID int64) bool
	SyncFaceIndex(ctx context.Context) error
}

// Auditor records the envelopes the dispatcher handles. Calls must not block.
type Auditor interface {
	Queued(row *dbevent.Row)
	Finished(row *dbevent.Row, worker string, took time.Duration, err error)
}

type nopAuditor struct{}

func (nopAuditor) Queued(*dbevent.Row)                                 {}
func (nopAuditor) Finished(*dbevent.Row, string, time.Duration, error) {}

// Options configures a Dispatcher.
type Options struct {
	Workers     int
	ErrorLimit  int
	StopTimeout time.Duration
	Registry    *task.Registry
	// FaceIndex is optional; without it album changes never close the gate.
	FaceIndex FaceIndex
	Hub       *events.Hub
	Metrics   *metrics.Metrics
	Audit     Auditor
	Clock     clock.Clock
}

type worker struct {
	name      string
	signal    Signal
	status    WorkerStatus
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	cancelled bool
	processed int
}

// Dispatcher owns the event queue and the worker pool that drains it.
type Dispatcher struct {
	registry    *task.Registry
	faceIndex   FaceIndex
	hub         *events.Hub
	metrics     *metrics.Metrics
	audit       Auditor
	clock       clock.Clock
	tracer      trace.Tracer
	logger      *slog.Logger
	errorLimit  int
	stopTimeout time.Duration

	queue *eventQueue
	gate  *gate
	// process handles one dequeued row; ProcessEvent unless replaced in tests.
	process func(ctx context.Context, row *dbevent.Row) error

	baseCtx context.Context

	mu       sync.Mutex
	state    State
	signal   Signal
	workers  []*worker
	errCount int
	stopping bool
	stopped  chan struct{}
}

// New validates opts, starts opts.Workers workers and returns a running dispatcher.
func New(opts Options) (*Dispatcher, error) {
	d, err := newDispatcher(opts)
	if err != nil {
		return nil, err
	}
	if err := d.start(); err != nil {
		return nil, err
	}
	return d, nil
}

func newDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("%w: worker count must be a positive integer (got %d)", ErrInvalidArgument, opts.Workers)
	}
	if opts.ErrorLimit < 0 {
		return nil, fmt.Errorf("%w: error limit must not be negative (got %d)", ErrInvalidArgument, opts.ErrorLimit)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: task registry is required", ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(256)
	}
	if opts.Audit == nil {
		opts.Audit = nopAuditor{}
	}

	d := &Dispatcher{
		registry:    opts.Registry,
		faceIndex:   opts.FaceIndex,
		hub:         opts.Hub,
		metrics:     opts.Metrics,
		audit:       opts.Audit,
		clock:       opts.Clock,
		tracer:      otel.Tracer("github.com/mattjoyce/pwgo-agent/internal/dispatch"),
		logger:      log.WithComponent("dispatch"),
		errorLimit:  opts.ErrorLimit,
		stopTimeout: opts.StopTimeout,
		queue:       newEventQueue(),
		gate:        newGate(),
		baseCtx:     context.Background(),
		state:       StateInit,
		workers:     make([]*worker, 0, opts.Workers),
		stopped:     make(chan struct{}),
	}
	d.process = d.ProcessEvent
	for i := 0; i < opts.Workers; i++ {
		d.workers = append(d.workers, nil)
	}
	return d, nil
}

func (d *Dispatcher) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateInit {
		return fmt.Errorf("%w: start can only be called on an uninitialized dispatcher", ErrInvalidState)
	}
	for range d.workers {
		d.addWorkerLocked()
	}
	d.state = StateRunning
	d.logger.Info("dispatcher started", "workers", len(d.workers), "error_limit", d.errorLimit)
	d.hub.Publish(events.TypeDispatcherState, map[string]any{"state": StateRunning.String()})
	return nil
}

// addWorkerLocked fills the first empty slot or appends a new one. Requires d.mu.
func (d *Dispatcher) addWorkerLocked() {
	idx := -1
	for i, w := range d.workers {
		if w == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(d.workers)
		d.workers = append(d.workers, nil)
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	w := &worker{
		name:   fmt.Sprintf("worker-%d", idx),
		signal: d.signal,
		status: WorkerInit,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.workers[idx] = w
	d.metrics.WorkerStarted()
	d.hub.Publish(events.TypeWorkerAdded, map[string]any{"worker": w.name})
	d.logger.Debug("starting worker", "worker", w.name)
	go d.runWorker(ctx, w)
}

// proceedLocked is the worker loop condition. Requires d.mu.
func (d *Dispatcher) proceedLocked(w *worker) bool {
	return w.signal == SignalServiceQueue || (w.signal == SignalClearQueue && !d.queue.Empty())
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	logger := log.WithWorker(w.name)
	defer func() {
		w.cancel()
		d.metrics.WorkerExited()
		d.hub.Publish(events.TypeWorkerExited, map[string]any{"worker": w.name, "error": w.err != nil, "cancelled": w.cancelled})
		close(w.done)
	}()

	for {
		d.mu.Lock()
		if !d.proceedLocked(w) {
			w.status = WorkerKilled
			d.mu.Unlock()
			logger.Debug("worker exiting", "signal", w.signal.String(), "processed", w.processed)
			return
		}
		w.status = WorkerWaiting
		d.mu.Unlock()

		row, err := d.queue.Get(ctx)
		if err != nil {
			d.mu.Lock()
			w.status = WorkerKilled
			// A forced stop both cancels ctx and aborts the queue; either may surface first.
			w.cancelled = errors.Is(err, context.Canceled) || ctx.Err() != nil
			d.mu.Unlock()
			logger.Debug("worker stopped while waiting", "cancelled", w.cancelled)
			return
		}

		d.mu.Lock()
		w.status = WorkerDispatched
		d.mu.Unlock()
		d.metrics.SetQueueDepth(d.queue.Len())

		rowLogger := logger.With("row_id", row.ID, "table", row.TableName, "operation", string(row.Operation))
		rowLogger.Debug("processing event")
		begin := d.clock.Now()
		err = d.process(context.WithoutCancel(ctx), row)
		took := d.clock.Since(begin)
		d.metrics.EventProcessed(row.TableName, took, err)
		d.audit.Finished(row, w.name, took, err)

		if err != nil {
			rowLogger.Error("worker encountered an error", "error", err)
			d.hub.Publish(events.TypeEventFailed, map[string]any{"worker": w.name, "row_id": row.ID, "table": row.TableName, "error": err.Error()})
			d.handleFault(w, err)
			return
		}

		d.mu.Lock()
		w.processed++
		d.mu.Unlock()
		rowLogger.Debug("processed event", "duration", took.String())
		d.hub.Publish(events.TypeEventProcessed, map[string]any{"worker": w.name, "row_id": row.ID, "table": row.TableName, "duration_ms": took.Milliseconds()})
	}
}

// handleFault records a worker fault. Below the limit a replacement slot is
// started; at the limit a forced stop is triggered.
func (d *Dispatcher) handleFault(w *worker, err error) {
	d.metrics.WorkerFault()

	d.mu.Lock()
	d.errCount++
	w.err = err
	w.status = WorkerKilled
	limitReached := d.errCount >= d.errorLimit
	if !limitReached && d.proceedLocked(w) {
		d.addWorkerLocked()
	}
	count := d.errCount
	d.mu.Unlock()

	if limitReached {
		d.logger.Error("worker error limit reached; forcing dispatcher stop", "errors", count, "limit", d.errorLimit)
		go func() {
			if _, err := d.Stop(true); err != nil {
				d.logger.Debug("forced stop finished with errors", "error", err)
			}
		}()
	}
}

// QueueEvent parses raw and appends it to the queue. It never blocks.
func (d *Dispatcher) QueueEvent(raw dbevent.RawRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateRunning:
	case StateStopping:
		return fmt.Errorf("%w: dispatcher is stopping...cannot queue event", ErrInvalidState)
	case StateStopped:
		return fmt.Errorf("%w: dispatcher is stopped...cannot queue event", ErrInvalidState)
	default:
		return fmt.Errorf("%w: dispatcher is not running...cannot queue event", ErrInvalidState)
	}

	row, err := dbevent.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	d.queue.Put(row)
	d.audit.Queued(row)
	d.metrics.EventQueued(string(row.MessageType))
	d.metrics.SetQueueDepth(d.queue.Len())
	d.hub.Publish(events.TypeEventQueued, map[string]any{"row_id": row.ID, "table": row.TableName, "operation": string(row.Operation), "record_id": row.RecordID})
	d.logger.Debug("queued event", "row_id", row.ID, "table", row.TableName)
	return nil
}

// ProcessEvent runs one row through the gate and the task registry and waits
// for the resolved task.
func (d *Dispatcher) ProcessEvent(ctx context.Context, row *dbevent.Row) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.process_event", trace.WithAttributes(
		attribute.String("row.id", row.ID),
		attribute.String("row.table", row.TableName),
		attribute.String("row.operation", string(row.Operation)),
		attribute.Int64("row.record_id", row.RecordID),
	))
	defer span.End()

	err := d.processEvent(ctx, row)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) processEvent(ctx context.Context, row *dbevent.Row) error {
	if !d.gate.Open() {
		d.logger.Debug("waiting for face index sync before processing", "row_id", row.ID)
	}
	if err := d.gate.Wait(ctx); err != nil {
		return err
	}

	if d.isFaceIndexChange(row) {
		if err := d.syncFaceIndex(ctx); err != nil {
			return err
		}
	}

	t, err := d.registry.Resolve(ctx, row)
	if err != nil {
		return err
	}
	if t == nil || t.Status() == task.StatusCancelled {
		return nil
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("task.id", t.ID()),
		attribute.String("task.kind", string(t.Kind())),
	)
	t.ScheduleStart(ctx)
	return t.Wait(ctx)
}

func (d *Dispatcher) isFaceIndexChange(row *dbevent.Row) bool {
	if d.faceIndex == nil || row.TableName != dbevent.TableImageCategory {
		return false
	}
	if row.Operation != dbevent.OpInsert && row.Operation != dbevent.OpDelete {
		return false
	}
	albumID, err := row.KeyInt(1)
	if err != nil {
		return false
	}
	return d.faceIndex.IsFaceIndexAlbum(albumID)
}

// syncFaceIndex closes the gate for the duration of a full face index sync.
func (d *Dispatcher) syncFaceIndex(ctx context.Context) error {
	release, err := d.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := d.tracer.Start(ctx, "dispatch.sync_face_index")
	defer span.End()

	d.logger.Info("face index album changed; syncing face index")
	d.hub.Publish(events.TypeFaceIndexSync, map[string]any{"phase": "started"})
	err = d.faceIndex.SyncFaceIndex(ctx)
	d.metrics.FaceIndexSynced(err)
	if err != nil {
		span.RecordError(err)
		d.hub.Publish(events.TypeFaceIndexSync, map[string]any{"phase": "failed", "error": err.Error()})
		return fmt.Errorf("sync face index: %w", err)
	}
	d.hub.Publish(events.TypeFaceIndexSync, map[string]any{"phase": "finished"})
	return nil
}

// Stop shuts the dispatcher down. An unforced stop drains the queue; a forced
// stop cancels idle workers and lets busy ones finish their current row.
// Stop may be called again to escalate an unforced stop, never to de-escalate.
// It returns the worker results once every worker has exited, or
// ErrStopTimeout if that takes longer than the stop timeout.
func (d *Dispatcher) Stop(force bool) ([]WorkerResult, error) {
	sig := SignalClearQueue
	if force {
		sig = SignalStop
	}

	d.mu.Lock()
	if d.state == StateInit {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: dispatcher was never started", ErrInvalidState)
	}
	d.logger.Info("stopping dispatcher", "forced", force)
	if sig > d.signal {
		d.signal = sig
		for _, w := range d.workers {
			if w != nil && w.status != WorkerKilled {
				w.signal = sig
			}
		}
	}
	if d.signal == SignalStop {
		for _, w := range d.workers {
			if w != nil && w.status == WorkerWaiting {
				d.logger.Debug("cancelling worker", "worker", w.name)
				w.cancel()
			}
		}
		d.queue.Abort()
	} else {
		d.queue.Close()
	}
	if !d.stopping {
		d.stopping = true
		d.state = StateStopping
		d.hub.Publish(events.TypeDispatcherState, map[string]any{"state": StateStopping.String(), "forced": force})
		go d.awaitWorkers()
	}
	d.mu.Unlock()

	timeout := d.clock.Timer(d.stopTimeout)
	defer timeout.Stop()
	select {
	case <-d.stopped:
	case <-timeout.C:
		return nil, fmt.Errorf("%w after %s", ErrStopTimeout, d.stopTimeout)
	}
	return d.Results()
}

// awaitWorkers waits for every worker, including replacements started while
// waiting, then marks the dispatcher stopped.
func (d *Dispatcher) awaitWorkers() {
	for {
		d.mu.Lock()
		ws := make([]*worker, 0, len(d.workers))
		for _, w := range d.workers {
			if w != nil {
				ws = append(ws, w)
			}
		}
		d.mu.Unlock()

		for _, w := range ws {
			<-w.done
		}

		d.mu.Lock()
		if len(d.workers) == len(ws) {
			d.state = StateStopped
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()
	}

	d.logger.Info("dispatcher stopped")
	d.hub.Publish(events.TypeDispatcherState, map[string]any{"state": StateStopped.String()})
	close(d.stopped)
}

// Stopped is closed once every worker has exited.
func (d *Dispatcher) Stopped() <-chan struct{} {
	return d.stopped
}

// Results returns one record per worker. If any worker ended with a fault an
// *AggregateResultsError carrying every fault is returned instead.
func (d *Dispatcher) Results() ([]WorkerResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateStopped {
		return nil, fmt.Errorf("%w: results are available once the dispatcher is stopped (state %s)", ErrInvalidState, d.state)
	}

	results := make([]WorkerResult, 0, len(d.workers))
	var faults []WorkerFault
	for _, w := range d.workers {
		if w.err != nil {
			faults = append(faults, WorkerFault{Worker: w.name, Err: w.err})
			continue
		}
		result := ResultCompleted
		if w.cancelled {
			result = ResultCancelled
		}
		results = append(results, WorkerResult{Worker: w.name, Result: result})
	}

	if len(faults) > 0 {
		return nil, &AggregateResultsError{Results: results, Faults: faults}
	}
	return results, nil
}

// WorkerSnapshot describes one worker slot.
type WorkerSnapshot struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Signal    string `json:"signal"`
	Processed int    `json:"processed"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the dispatcher for status reporting.
type Snapshot struct {
	State      string            `json:"state"`
	QueueDepth int               `json:"queue_depth"`
	ErrorCount int               `json:"error_count"`
	ErrorLimit int               `json:"error_limit"`
	GateOpen   bool              `json:"gate_open"`
	Workers    []WorkerSnapshot  `json:"workers"`
	Pending    map[task.Kind]int `json:"pending_tasks"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		State:      d.state.String(),
		QueueDepth: d.queue.Len(),
		ErrorCount: d.errCount,
		ErrorLimit: d.errorLimit,
		Workers:    make([]WorkerSnapshot, 0, len(d.workers)),
	}
	for _, w := range d.workers {
		if w == nil {
			continue
		}
		ws := WorkerSnapshot{Name: w.name, Status: w.status.String(), Signal: w.signal.String(), Processed: w.processed}
		if w.err != nil {
			ws.Error = w.err.Error()
		}
		snap.Workers = append(snap.Workers, ws)
	}
	d.mu.Unlock()

	snap.GateOpen = d.gate.Open()
	snap.Pending = d.registry.PendingCounts()
	return snap
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// WorkerCount returns the number of worker slots, including exited ones.
func (d *Dispatcher) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// ErrorCount returns the number of worker faults so far.
func (d *Dispatcher) ErrorCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errCount
}
