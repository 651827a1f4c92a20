package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/source"
	"github.com/mattjoyce/pwgo-agent/internal/task"
	"github.com/mattjoyce/pwgo-agent/internal/virtualfs"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeFaces struct {
	err    error
	called bool
}

func (f *fakeFaces) SyncFaceIndex(context.Context) error {
	f.called = true
	return f.err
}

type fakeRebuilder struct {
	n   int
	err error
}

func (f *fakeRebuilder) Rebuild(ctx context.Context, src virtualfs.PathSource) (int, error) {
	if _, err := src.VirtualPaths(ctx); err != nil {
		return 0, err
	}
	return f.n, f.err
}

type paths []gallery.VirtualPath

func (p paths) VirtualPaths(context.Context) ([]gallery.VirtualPath, error) { return p, nil }

func eventTypes(hub *events.Hub) []string {
	var out []string
	for _, ev := range hub.SnapshotSince(0, "") {
		out = append(out, ev.Type)
	}
	return out
}

func TestReconcile(t *testing.T) {
	hub := events.NewHub(16)
	faces := &fakeFaces{}

	err := Reconcile(context.Background(), faces, &fakeRebuilder{n: 4}, paths{}, hub, nil, log.WithComponent("test"))
	require.NoError(t, err)
	assert.True(t, faces.called)
	assert.Contains(t, eventTypes(hub), events.TypeVirtualFSRebuild)
	assert.Contains(t, eventTypes(hub), events.TypeFaceIndexSync)
}

func TestReconcileFailure(t *testing.T) {
	hub := events.NewHub(16)

	err := Reconcile(context.Background(), &fakeFaces{err: errors.New("collection missing")}, nil, nil, hub, nil, log.WithComponent("test"))
	assert.ErrorContains(t, err, "collection missing")

	err = Reconcile(context.Background(), nil, &fakeRebuilder{err: errors.New("permission denied")}, paths{}, hub, nil, log.WithComponent("test"))
	assert.ErrorContains(t, err, "permission denied")
}

func TestReconcileNothingToDo(t *testing.T) {
	assert.NoError(t, Reconcile(context.Background(), nil, nil, nil, nil, nil, log.WithComponent("test")))
}

// blockingFaces holds a face index sync until its context ends.
type blockingFaces struct{ started chan struct{} }

func (f *blockingFaces) SyncFaceIndex(ctx context.Context) error {
	close(f.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestInterruptStartupCancelsReconcile(t *testing.T) {
	signals := make(chan os.Signal, 2)
	ctx, release := InterruptStartup(context.Background(), signals, log.WithComponent("test"))

	faces := &blockingFaces{started: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- Reconcile(ctx, faces, nil, nil, nil, nil, log.WithComponent("test")) }()

	<-faces.started
	signals <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation ignored the abort signal")
	}
	assert.Equal(t, syscall.SIGTERM, release())
}

func TestInterruptStartupLeavesLaterSignals(t *testing.T) {
	signals := make(chan os.Signal, 2)
	ctx, release := InterruptStartup(context.Background(), signals, log.WithComponent("test"))

	require.NoError(t, Reconcile(ctx, &fakeFaces{}, nil, nil, nil, nil, log.WithComponent("test")))
	assert.Nil(t, release())
	assert.Nil(t, release())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	signals <- syscall.SIGQUIT
	select {
	case sig := <-signals:
		assert.Equal(t, syscall.SIGQUIT, sig)
	case <-time.After(time.Second):
		t.Fatal("signal after startup was consumed")
	}
}

// fakeEngine records stop requests and stops once told to.
type fakeEngine struct {
	mu      sync.Mutex
	rows    []dbevent.RawRow
	stops   []bool
	stopErr error
	block   chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{stopped: make(chan struct{})}
}

func (e *fakeEngine) QueueEvent(raw dbevent.RawRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, raw)
	return nil
}

func (e *fakeEngine) Stop(force bool) ([]dispatch.WorkerResult, error) {
	e.mu.Lock()
	e.stops = append(e.stops, force)
	block := e.block
	e.mu.Unlock()
	if block != nil && !force {
		<-block
	}
	e.once.Do(func() { close(e.stopped) })
	return nil, e.stopErr
}

func (e *fakeEngine) Stopped() <-chan struct{} { return e.stopped }

func (e *fakeEngine) stopCalls() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.stops...)
}

// fakeSource queues rows, then waits for cancellation or returns err.
type fakeSource struct {
	rows    []dbevent.RawRow
	err     error
	started chan struct{}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Run(ctx context.Context, sink source.Sink) error {
	for _, r := range s.rows {
		if err := sink.QueueEvent(r); err != nil {
			return err
		}
	}
	if s.started != nil {
		close(s.started)
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func serve(t *testing.T, eng Engine, src source.Source, signals chan os.Signal, hub *events.Hub) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), eng, src, signals, hub, log.WithComponent("test")) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServeDrainsOnSIGQUIT(t *testing.T) {
	eng := newFakeEngine()
	src := &fakeSource{rows: []dbevent.RawRow{{MessageType: string(dbevent.MsgTags)}}, started: make(chan struct{})}
	signals := make(chan os.Signal, 1)
	hub := events.NewHub(16)

	done := serve(t, eng, src, signals, hub)
	<-src.started
	signals <- syscall.SIGQUIT

	require.NoError(t, wait(t, done))
	assert.Equal(t, []bool{false}, eng.stopCalls())
	assert.Len(t, eng.rows, 1)
	assert.Contains(t, eventTypes(hub), events.TypeAgentShutdown)
}

func TestServeAbortsOnSIGTERM(t *testing.T) {
	eng := newFakeEngine()
	signals := make(chan os.Signal, 1)

	done := serve(t, eng, &fakeSource{}, signals, events.NewHub(16))
	signals <- syscall.SIGTERM

	require.NoError(t, wait(t, done))
	assert.Equal(t, []bool{true}, eng.stopCalls())
}

func TestServeEscalatesDrain(t *testing.T) {
	eng := newFakeEngine()
	eng.block = make(chan struct{})
	defer close(eng.block)
	signals := make(chan os.Signal, 1)

	done := serve(t, eng, &fakeSource{}, signals, events.NewHub(16))
	signals <- syscall.SIGQUIT
	require.Eventually(t, func() bool { return len(eng.stopCalls()) == 1 }, 5*time.Second, 5*time.Millisecond)
	signals <- syscall.SIGINT

	require.NoError(t, wait(t, done))
	assert.Equal(t, []bool{false, true}, eng.stopCalls())
}

func TestServeSourceFailureAborts(t *testing.T) {
	eng := newFakeEngine()

	done := serve(t, eng, &fakeSource{err: errors.New("binlog purged")}, make(chan os.Signal), events.NewHub(16))

	err := wait(t, done)
	assert.ErrorContains(t, err, "binlog purged")
	assert.Equal(t, []bool{true}, eng.stopCalls())
}

func TestServeReportsWorkerFaults(t *testing.T) {
	eng := newFakeEngine()
	eng.stopErr = &dispatch.AggregateResultsError{Faults: []dispatch.WorkerFault{{Worker: "worker-1", Err: errors.New("boom")}}}
	signals := make(chan os.Signal, 1)

	done := serve(t, eng, &fakeSource{}, signals, events.NewHub(16))
	signals <- syscall.SIGTERM

	err := wait(t, done)
	var agg *dispatch.AggregateResultsError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Faults, 1)
}

func TestServeWithDispatcher(t *testing.T) {
	clk := clock.NewMock()
	disp, err := dispatch.New(dispatch.Options{
		Workers:    2,
		ErrorLimit: 3,
		Registry:   task.NewRegistry(clk),
		Clock:      clk,
	})
	require.NoError(t, err)

	raw := dbevent.RawRow{
		MessageType: string(dbevent.MsgTags),
		Message:     []byte(`{"table_name":"unknown_table","operation":"INSERT","table_primary_key":[1],"values":{}}`),
	}
	src := &fakeSource{rows: []dbevent.RawRow{raw, raw}, started: make(chan struct{})}
	signals := make(chan os.Signal, 1)

	done := serve(t, disp, src, signals, events.NewHub(16))
	<-src.started
	signals <- syscall.SIGQUIT

	require.NoError(t, wait(t, done))
	assert.Equal(t, dispatch.StateStopped, disp.State())
}
