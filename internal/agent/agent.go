// Package agent assembles the pwgo agent from its configuration and runs it:
// startup reconciliation, the change source feeding the dispatcher, the
// operator API and signal-driven shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/mattjoyce/pwgo-agent/internal/api"
	"github.com/mattjoyce/pwgo-agent/internal/autotag"
	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/eventlog"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/imaging"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/metadata"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
	"github.com/mattjoyce/pwgo-agent/internal/recognition"
	"github.com/mattjoyce/pwgo-agent/internal/source"
	"github.com/mattjoyce/pwgo-agent/internal/storage"
	"github.com/mattjoyce/pwgo-agent/internal/task"
	"github.com/mattjoyce/pwgo-agent/internal/tracing"
	"github.com/mattjoyce/pwgo-agent/internal/virtualfs"
)

const hubCapacity = 512

// Agent holds every long-lived collaborator. Build it with New and release it
// with Close.
type Agent struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	clock   clock.Clock
	hub     *events.Hub
	metrics *metrics.Metrics

	store  *gallery.Store
	tagger *autotag.Tagger
	syncer *metadata.Syncer
	vfs    *virtualfs.FS
	source source.Source
	audit  *eventlog.Log

	closers []func() error
}

// New connects to the gallery and builds the agent's components. Nothing is
// processed until Run.
func New(ctx context.Context, cfg *config.Config, version string) (a *Agent, err error) {
	a = &Agent{
		cfg:     cfg,
		version: version,
		logger:  log.WithComponent("agent"),
		clock:   clock.New(),
		hub:     events.NewHub(hubCapacity),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	dryRun := cfg.Service.DryRun
	if dryRun {
		a.logger.Warn("dry run: no gallery, file, symlink or recognition changes will be made")
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, cfg.Service.Name, version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.WithoutCancel(ctx)) })

	a.store, err = gallery.Open(ctx, cfg.Gallery, dryRun)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	paths := gallery.PathMapper{HostRoot: cfg.Paths.GalleriesHostPath, VirtualRoot: cfg.Paths.GalleryVirtualPath}

	var client recognition.Client = recognition.NewNoop()
	if cfg.Recognition.Enabled() && !dryRun {
		client, err = recognition.NewRekognition(ctx, cfg.Recognition)
		if err != nil {
			return nil, err
		}
	}
	a.tagger = autotag.New(a.store, client, imaging.NewLoader(cfg.Recognition.ScaledMaxWidth, cfg.Recognition.ScaledMaxHeight), autotag.Options{
		Albums:        cfg.Albums,
		MinConfidence: cfg.Recognition.LabelConfidence,
		CropSavePath:  cfg.Recognition.CropSavePath,
		Paths:         paths,
		DryRun:        dryRun,
		Hub:           a.hub,
		Metrics:       a.metrics,
	})

	var writer metadata.FileWriter
	if !dryRun {
		w, err := metadata.Open(cfg.Paths.Exiftool)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, w.Close)
		writer = w
	}
	a.syncer = metadata.NewSyncer(a.store, paths, writer, dryRun)

	if cfg.VirtualFS.Root != "" {
		a.vfs = virtualfs.New(virtualfs.Options{
			Root:             cfg.VirtualFS.Root,
			SourceRoot:       cfg.Paths.GalleriesHostPath,
			AllowBrokenLinks: cfg.VirtualFS.AllowBrokenLinks,
			RemoveEmptyDirs:  cfg.VirtualFS.RemoveEmptyDirs,
			DryRun:           dryRun,
		})
	}

	if cfg.Audit.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.audit = eventlog.New(db, cfg.Audit.Retention, a.clock)
	}

	a.source, err = source.New(cfg, source.Deps{Hub: a.hub, Metrics: a.metrics})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases everything New acquired, newest first.
func (a *Agent) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// registry binds the task variants to the agent's actions.
func (a *Agent) registry() *task.Registry {
	reg := task.NewRegistry(a.clock)
	reg.Register(task.NewImageMetadata(imageActions{
		Tagger:     a.tagger,
		Syncer:     a.syncer,
		recognizes: a.cfg.Recognition.Enabled() || a.cfg.Service.DryRun,
		logger:     a.logger,
	}, a.cfg.Dispatcher.Debounce, a.cfg.Albums.AutoTag))
	reg.Register(task.NewTag(a.tagger))
	if a.vfs != nil {
		reg.Register(task.NewVirtualPath(a.vfs, a.cfg.VirtualFS.CategoryID))
	}
	return reg
}

// reconcile runs startup reconciliation and returns the face syncer the
// dispatcher should use, nil when recognition is off.
func (a *Agent) reconcile(ctx context.Context) (FaceSyncer, error) {
	var faces FaceSyncer
	if a.cfg.Recognition.Enabled() || a.cfg.Service.DryRun {
		faces = a.tagger
	} else {
		a.logger.Warn("recognition is not configured; face index sync and autotagging are disabled")
		if _, err := a.tagger.LoadFaceIndexAlbums(ctx); err != nil {
			return nil, err
		}
	}
	var vfs Rebuilder
	if a.vfs != nil {
		vfs = a.vfs
	}
	return faces, Reconcile(ctx, faces, vfs, a.store, a.hub, a.metrics, a.logger)
}

// Run reconciles, starts the dispatcher and the change source, and blocks
// until shutdown. It returns the dispatcher's aggregate fault report, if any.
func (a *Agent) Run(ctx context.Context, signals <-chan os.Signal) error {
	a.logger.Info("pwgo agent starting", "version", a.version, "source", a.source.Name(), "workers", a.cfg.Dispatcher.Workers)

	startCtx, release := InterruptStartup(ctx, signals, a.logger)
	faces, err := a.reconcile(startCtx)
	if sig := release(); sig != nil {
		a.hub.Publish(events.TypeAgentShutdown, map[string]any{"reason": "signal " + sig.String(), "startup": true})
		a.logger.Info("startup interrupted; exiting", "signal", sig.String())
		return nil
	}
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.audit != nil {
		auditDone := make(chan struct{})
		go func() {
			defer close(auditDone)
			if err := a.audit.Run(runCtx); err != nil {
				a.logger.Error("audit log writer stopped", "error", err)
			}
		}()
		// The writer flushes what the dispatcher recorded before Run returns.
		defer func() { cancel(); <-auditDone }()
	}

	var (
		auditor   dispatch.Auditor
		faceIndex dispatch.FaceIndex
	)
	if a.audit != nil {
		auditor = a.audit
	}
	if faces != nil {
		faceIndex = a.tagger
	}
	disp, err := dispatch.New(dispatch.Options{
		Workers:     a.cfg.Dispatcher.Workers,
		ErrorLimit:  a.cfg.Dispatcher.WorkerErrorLimit,
		StopTimeout: a.cfg.Dispatcher.StopTimeout,
		Registry:    a.registry(),
		FaceIndex:   faceIndex,
		Hub:         a.hub,
		Metrics:     a.metrics,
		Audit:       auditor,
		Clock:       a.clock,
	})
	if err != nil {
		return err
	}

	if a.cfg.API.Enabled {
		var audit api.AuditReader
		if a.audit != nil {
			audit = a.audit
		}
		srv := api.New(api.Config{Listen: a.cfg.API.Listen, Token: a.cfg.API.Token}, disp, a.hub, audit, a.metrics.Handler(), log.WithComponent("api"))
		go func() {
			if err := srv.Start(runCtx); err != nil {
				a.logger.Error("API server failed", "error", err)
			}
		}()
	}

	if faces != nil {
		go func() {
			if err := a.tagger.ProcessBacklog(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("autotag backlog incomplete", "error", err)
			}
		}()
	}

	err = Serve(runCtx, disp, a.source, signals, a.hub, a.logger)
	var agg *dispatch.AggregateResultsError
	if errors.As(err, &agg) {
		for _, f := range agg.Faults {
			a.logger.Error("worker fault", "worker", f.Worker, "error", f.Err)
		}
	}
	if err != nil {
		return fmt.Errorf("agent stopped with errors: %w", err)
	}
	a.logger.Info("pwgo agent stopped")
	return nil
}

// imageActions combines the tagger and the metadata syncer into the actions
// of an image metadata task.
type imageActions struct {
	*autotag.Tagger
	*metadata.Syncer
	recognizes bool
	logger     *slog.Logger
}

func (a imageActions) AutotagImage(ctx context.Context, imageID int64) error {
	if !a.recognizes {
		a.logger.Warn("recognition is not configured; leaving image in auto-tag album", "image_id", imageID)
		return nil
	}
	return a.Tagger.AutotagImage(ctx, imageID)
}
