// Package bootstrap is the application composition root: it runs the boot
// sequence and wires every component of the engine together exactly once.
// Required steps (store, staging, master token, recovery) abort the process
// on failure; optional steps (metrics, tracing) degrade gracefully and are
// surfaced on /health.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"transcribeengine/internal/config"
	"transcribeengine/internal/domain"
	"transcribeengine/internal/httpapi"
	"transcribeengine/internal/intake"
	"transcribeengine/internal/keymanager"
	"transcribeengine/internal/logging"
	"transcribeengine/internal/modelmanager"
	"transcribeengine/internal/observability"
	"transcribeengine/internal/queryapi"
	"transcribeengine/internal/queue"
	"transcribeengine/internal/staging"
	"transcribeengine/internal/store"
	"transcribeengine/internal/transcriber"
	"transcribeengine/internal/workerpool"
)

// Options are the pluggable seams tests and alternate deployments override.
// Zero values select the production defaults.
type Options struct {
	Loader      modelmanager.Loader
	MemoryProbe modelmanager.MemoryProbe
	Transcriber transcriber.Transcriber
	HTTPClient  intake.HTTPDoer
}

// App is the fully wired engine.
type App struct {
	Config   config.Config
	Store    *store.Store
	Keys     *keymanager.KeyManager
	Models   *modelmanager.ModelManager
	Queue    *queue.Queue[domain.Handle]
	Pool     *workerpool.Pool
	Intake   *intake.Intake
	Queries  *queryapi.QueryAPI
	Handler  http.Handler
	Degraded *Degradations

	logger          logging.Logger
	tracingShutdown func(context.Context) error
}

// nopLoader satisfies modelmanager.Loader when no recognition backend is
// wired: the handle is just the size label, which is all the stub
// transcriber needs.
type nopLoader struct{}

func (nopLoader) Load(ctx context.Context, size domain.ModelSize, device string) (modelmanager.Handle, error) {
	return string(size), nil
}

func (nopLoader) Unload(modelmanager.Handle) {}

// New runs the staged startup and returns the wired App.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := logging.NewComponentLogger("Bootstrap")

	if opts.Loader == nil {
		opts.Loader = nopLoader{}
	}
	if opts.MemoryProbe == nil {
		opts.MemoryProbe = modelmanager.NewSystemMemoryProbe()
	}
	if opts.Transcriber == nil {
		opts.Transcriber = transcriber.Stub{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	app := &App{Config: cfg, Degraded: newDegradations(), logger: logger}

	var (
		st       *store.Store
		stageDir *staging.Dir
		metrics  *observability.Metrics
	)

	steps := []step{
		{
			name: "store",
			run: func() error {
				var err error
				st, err = store.Open(ctx, cfg.DatabasePath, logging.NewComponentLogger("Store"))
				return err
			},
		},
		{
			name: "staging-dir",
			run: func() error {
				var err error
				stageDir, err = staging.New(cfg.StagingDir, logging.NewComponentLogger("Staging"))
				return err
			},
		},
		{
			name: "master-token",
			run: func() error {
				app.Keys = keymanager.New(st, logging.NewComponentLogger("KeyManager"))
				return app.Keys.EnsureMasterToken(ctx)
			},
		},
		{
			name: "task-recovery",
			run: func() error {
				recovered, err := st.RecoverInterruptedTasks(ctx)
				if err != nil {
					return err
				}
				if recovered > 0 {
					logger.Warn("recovered %d interrupted task(s) as failed", recovered)
				}
				return nil
			},
		},
		{
			name:     "tracing",
			optional: true,
			run: func() error {
				_, shutdown, err := observability.SetupTracing("transcribe-engine")
				if err != nil {
					return err
				}
				app.tracingShutdown = shutdown
				return nil
			},
		},
	}
	if err := app.boot(steps); err != nil {
		return nil, err
	}
	app.Store = st

	app.Queue = queue.New[domain.Handle](cfg.QueueCapacity, cfg.QueueSoftReserve)
	app.Models = modelmanager.New(
		opts.Loader,
		opts.MemoryProbe,
		cfg.StrictMemoryCheck,
		cfg.ModelMemoryMarginGB,
		app.Queue.Size,
		logging.NewComponentLogger("ModelManager"),
	)

	poolCfg := workerpool.Config{
		Workers:  cfg.WorkerCount,
		Timeout:  cfg.TaskTimeout,
		IdleWake: cfg.QueueIdleWake,
		Device:   cfg.Device,
	}
	app.Pool = workerpool.New(poolCfg, st, app.Models, opts.Transcriber, app.Keys, app.Queue,
		logging.NewComponentLogger("WorkerPool"))

	app.Intake = intake.New(st, app.Models, app.Queue, stageDir, opts.HTTPClient,
		logging.NewComponentLogger("Intake"))
	app.Queries = queryapi.New(st)

	// Metrics read the components above at scrape time, so their optional
	// step runs after the main wiring rather than inside the first boot
	// pass.
	if err := app.boot([]step{{
		name:     "metrics",
		optional: true,
		run: func() error {
			var err error
			metrics, err = observability.NewMetrics(app.engineStats)
			return err
		},
	}}); err != nil {
		return nil, err
	}

	var metricsHandler http.Handler
	if metrics != nil {
		metricsHandler = metrics.Handler()
	}

	handler := httpapi.NewAPIHandler(httpapi.Deps{
		Intake:      app.Intake,
		Queries:     app.Queries,
		Keys:        app.Keys,
		Models:      app.Models,
		Transcriber: opts.Transcriber,
		TaskStats: func(ctx context.Context) (store.TaskStatistics, error) {
			return st.Statistics(ctx, nil)
		},
		QueueStats: func() (int, int) {
			return app.Queue.Size(), app.Queue.Capacity()
		},
		WorkerStats: func() (int, int) {
			return poolCfg.Workers, app.Pool.BusyWorkers()
		},
		Degraded:        app.Degraded.Snapshot,
		DefaultLanguage: cfg.DefaultLanguage,
		Device:          cfg.Device,
		Logger:          logging.NewComponentLogger("API"),
	})
	app.Handler = httpapi.NewRouter(handler, app.Keys, metricsHandler, logging.NewComponentLogger("HTTP"))

	return app, nil
}

// engineStats is the scrape-time snapshot handed to the metrics collector.
func (a *App) engineStats() observability.EngineStats {
	stats := observability.EngineStats{
		QueueDepth:  a.Queue.Size(),
		BusyWorkers: a.Pool.BusyWorkers(),
	}
	if taskStats, err := a.Store.Statistics(context.Background(), nil); err == nil {
		stats.TasksByStatus = map[domain.TaskStatus]int{
			domain.TaskQueued:     taskStats.Queued,
			domain.TaskProcessing: taskStats.Processing,
			domain.TaskCompleted:  taskStats.Completed,
			domain.TaskFailed:     taskStats.Failed,
			domain.TaskCancelled:  taskStats.Cancelled,
		}
	}
	modelStatus := a.Models.Status()
	stats.ModelLoaded = modelStatus.ModelLoaded
	stats.ModelSize = modelStatus.CurrentModelSize
	return stats
}

// Run serves HTTP and drains the worker pool side by side until ctx is
// cancelled, then shuts both down cooperatively.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("listening on %s", a.Config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Pool.Run(runCtx)
	})

	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases the App's resources. Safe to call after Run returns.
func (a *App) Close() {
	if a.tracingShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracingShutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown: %v", err)
		}
		a.tracingShutdown = nil
	}
	a.Models.UnloadModel()
	if err := a.Store.Close(); err != nil {
		a.logger.Warn("store close: %v", err)
	}
}
