package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
	"github.com/mattjoyce/pwgo-agent/internal/source"
	"github.com/mattjoyce/pwgo-agent/internal/virtualfs"
)

// Engine is the dispatcher surface the lifecycle drives.
type Engine interface {
	source.Sink
	Stop(force bool) ([]dispatch.WorkerResult, error)
	Stopped() <-chan struct{}
}

// FaceSyncer rebuilds the face collection from the face index albums.
type FaceSyncer interface {
	SyncFaceIndex(ctx context.Context) error
}

// Rebuilder recreates the virtual filesystem from the gallery's path rows.
type Rebuilder interface {
	Rebuild(ctx context.Context, src virtualfs.PathSource) (int, error)
}

// Reconcile brings external state in line with the gallery before any change
// is processed. The face index sync and the virtualfs rebuild run
// concurrently; either may be nil to skip it.
func Reconcile(ctx context.Context, faces FaceSyncer, vfs Rebuilder, paths virtualfs.PathSource, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	if faces != nil {
		g.Go(func() error {
			hub.Publish(events.TypeFaceIndexSync, map[string]any{"phase": "started", "startup": true})
			err := faces.SyncFaceIndex(gctx)
			m.FaceIndexSynced(err)
			if err != nil {
				hub.Publish(events.TypeFaceIndexSync, map[string]any{"phase": "failed", "startup": true, "error": err.Error()})
				return fmt.Errorf("startup face index sync: %w", err)
			}
			hub.Publish(events.TypeFaceIndexSync, map[string]any{"phase": "finished", "startup": true})
			return nil
		})
	}
	if vfs != nil {
		g.Go(func() error {
			n, err := vfs.Rebuild(gctx, paths)
			if err != nil {
				hub.Publish(events.TypeVirtualFSRebuild, map[string]any{"links": n, "error": err.Error()})
				return fmt.Errorf("rebuild virtualfs: %w", err)
			}
			logger.Info("virtualfs rebuilt", "links", n)
			hub.Publish(events.TypeVirtualFSRebuild, map[string]any{"links": n})
			return nil
		})
	}
	return g.Wait()
}

// InterruptStartup returns a context that is cancelled when a signal arrives
// before release is called. release stops watching and returns that signal, or
// nil; later signals stay in the channel for Serve. Nothing is queued during
// startup, so a drain and an abort both just end it.
func InterruptStartup(ctx context.Context, signals <-chan os.Signal, logger *slog.Logger) (context.Context, func() os.Signal) {
	ctx, cancel := context.WithCancel(ctx)
	quit := make(chan struct{})
	exited := make(chan struct{})
	var got os.Signal
	go func() {
		defer close(exited)
		select {
		case sig := <-signals:
			logger.Warn("signal received during startup; abandoning reconciliation", "signal", sig.String())
			got = sig
			cancel()
		case <-quit:
		}
	}()
	var once sync.Once
	release := func() os.Signal {
		once.Do(func() {
			close(quit)
			<-exited
			cancel()
		})
		return got
	}
	return ctx, release
}

// Serve feeds src into eng until a signal, a source failure or the
// dispatcher stopping on its own, then stops eng. SIGQUIT drains the queue;
// any other signal aborts, and escalates a drain already under way.
// The returned error carries the dispatcher's aggregate fault report and any
// source failure.
func Serve(ctx context.Context, eng Engine, src source.Source, signals <-chan os.Signal, hub *events.Hub, logger *slog.Logger) error {
	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx, eng) }()
	logger.Info("agent running", "source", src.Name())

	var (
		force  bool
		srcErr error
		reason string
	)
	select {
	case sig := <-signals:
		force = sig != syscall.SIGQUIT
		reason = "signal " + sig.String()
	case err := <-srcDone:
		srcDone = nil
		force = true
		reason = "source stopped"
		if err != nil && !errors.Is(err, source.ErrSinkClosed) {
			srcErr = fmt.Errorf("source %s: %w", src.Name(), err)
			logger.Error("change source failed", "source", src.Name(), "error", err)
		}
	case <-eng.Stopped():
		force = true
		reason = "dispatcher stopped"
	case <-ctx.Done():
		force = true
		reason = "context cancelled"
	}
	logger.Info("shutting down", "reason", reason, "forced", force)

	// No new rows once shutdown begins; a drain finishes what is queued.
	cancelSrc()

	stopDone := make(chan error, 2)
	stop := func(force bool) {
		go func() {
			_, err := eng.Stop(force)
			stopDone <- err
		}()
	}
	stop(force)

	var stopErr error
wait:
	for {
		select {
		case sig := <-signals:
			if !force && sig != syscall.SIGQUIT {
				logger.Info("escalating to forced stop", "signal", sig.String())
				force = true
				stop(true)
			}
		case stopErr = <-stopDone:
			break wait
		}
	}

	if srcDone != nil {
		if err := <-srcDone; err != nil && !errors.Is(err, source.ErrSinkClosed) {
			srcErr = fmt.Errorf("source %s: %w", src.Name(), err)
		}
	}

	err := multierr.Append(srcErr, stopErr)
	data := map[string]any{"reason": reason, "forced": force}
	if err != nil {
		data["error"] = err.Error()
	}
	hub.Publish(events.TypeAgentShutdown, data)
	return err
}
