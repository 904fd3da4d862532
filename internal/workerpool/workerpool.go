// Package workerpool runs the fixed-size pool of long-lived workers that
// drain the queue, dispatch to the Transcriber, and write results back
// through the Store. Workers are dedicated goroutines with an explicit
// cancellation context, guarded by internal/async so a single panicking
// task never takes the process down, and drained cooperatively via
// golang.org/x/sync/errgroup on shutdown.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"transcribeengine/internal/async"
	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
)

// Store is the persistence contract the pool needs.
type Store interface {
	ClaimForProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string, durationSeconds *float64, resultJSON string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
}

// ModelManager is the subset of modelmanager.ModelManager the pool needs.
type ModelManager interface {
	LoadModel(ctx context.Context, size domain.ModelSize, device string, force bool) error
}

// Transcriber is the external speech-recognition contract.
type Transcriber interface {
	TranscribeSimple(ctx context.Context, path string, language string, modelSize domain.ModelSize) (domain.Result, error)
	TranscribeWithDiarization(ctx context.Context, path string, language string, modelSize domain.ModelSize) (domain.Result, error)
}

// UsageLogger is the KeyManager subset the pool needs.
type UsageLogger interface {
	LogUsage(ctx context.Context, key string, success bool, processingTimeSeconds float64)
}

// Queue is the subset of queue.Queue[domain.Handle] the pool needs.
type Queue interface {
	Dequeue(ctx context.Context, idleWake time.Duration) (domain.Handle, error)
}

// Config bundles the pool's tunables.
type Config struct {
	Workers  int
	Timeout  time.Duration
	IdleWake time.Duration
	Device   string
}

// DefaultConfig returns the standard deployment shape: 3 workers, 2-hour
// timeout, 30s idle wake.
func DefaultConfig() Config {
	return Config{
		Workers:  domain.DefaultWorkerCount,
		Timeout:  domain.DefaultTaskTimeout,
		IdleWake: domain.DefaultIdleWake,
		Device:   "cpu",
	}
}

// Pool runs Config.Workers worker loops against one Queue.
type Pool struct {
	cfg         Config
	store       Store
	models      ModelManager
	transcriber Transcriber
	usage       UsageLogger
	queue       Queue
	logger      logging.Logger

	busyMu sync.Mutex
	busy   int
}

// New builds a Pool. Call Run to start the worker loops.
func New(cfg Config, store Store, models ModelManager, transcriber Transcriber, usage UsageLogger, q Queue, logger logging.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = domain.DefaultWorkerCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = domain.DefaultTaskTimeout
	}
	if cfg.IdleWake <= 0 {
		cfg.IdleWake = domain.DefaultIdleWake
	}
	return &Pool{
		cfg:         cfg,
		store:       store,
		models:      models,
		transcriber: transcriber,
		usage:       usage,
		queue:       q,
		logger:      logging.OrNop(logger),
	}
}

// BusyWorkers reports how many workers currently hold a claimed task --
// exposed for /health.
func (p *Pool) BusyWorkers() int {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()
	return p.busy
}

func (p *Pool) incBusy() {
	p.busyMu.Lock()
	p.busy++
	p.busyMu.Unlock()
}

func (p *Pool) decBusy() {
	p.busyMu.Lock()
	p.busy--
	p.busyMu.Unlock()
}

// Run starts Config.Workers worker loops and blocks until ctx is cancelled.
// On cancellation an in-flight transcription is abandoned at once and its
// task left in processing for startup recovery; Run returns once every
// worker has stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.workerLoop(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(shutdownCtx context.Context, id int) {
	defer async.Recover(p.logger, "worker")

	for {
		handle, err := p.queue.Dequeue(shutdownCtx, p.cfg.IdleWake)
		if err != nil {
			if shutdownCtx.Err() != nil {
				p.logger.Info("worker %d stopping", id)
				return
			}
			// Idle wake: run the periodic memory-reclaim pass and loop back
			// for another item.
			p.cleanup(id)
			continue
		}
		p.processHandle(shutdownCtx, id, handle)
	}
}

// cleanup is the periodic pass a worker runs on every idle wake: it forces
// a garbage collection so memory freed by finished tasks is reclaimed while
// the queue is empty.
func (p *Pool) cleanup(id int) {
	p.logger.Debug("worker %d idle cleanup pass", id)
	runtime.GC()
}

// errTimedOut marks the per-task wall-clock deadline; errShutdown marks a
// cooperative pool shutdown interrupting the task. The two must stay
// distinguishable: a timeout is a terminal failure, a shutdown leaves the
// task in processing for startup recovery.
var (
	errTimedOut = errors.New("task wall-clock timeout")
	errShutdown = errors.New("worker pool shutting down")
)

const traceScope = "transcribeengine.worker"

func (p *Pool) processHandle(shutdownCtx context.Context, workerID int, h domain.Handle) {
	p.incBusy()
	defer p.decBusy()

	ctx, span := otel.Tracer(traceScope).Start(shutdownCtx, "worker.process",
		trace.WithAttributes(
			attribute.String("task.id", h.TaskID),
			attribute.String("task.model_size", string(h.ModelSize)),
		))
	defer span.End()

	// Terminal persists and usage logs must land even when they race the
	// shutdown signal, so store writes run on a cancellation-detached
	// context.
	persistCtx := context.WithoutCancel(ctx)

	claimed, err := p.store.ClaimForProcessing(persistCtx, h.TaskID)
	if err != nil {
		p.logger.Error("worker %d claim task %s failed: %v", workerID, h.TaskID, err)
		_ = os.Remove(h.StagedInputPath)
		return
	}
	if !claimed {
		// Either already claimed by a racing claimant, or cancelled while
		// queued -- either way this worker has no work to do.
		p.logger.Info("worker %d skipping task %s: not claimable", workerID, h.TaskID)
		_ = os.Remove(h.StagedInputPath)
		return
	}

	start := time.Now()
	result, transcribeErr := p.transcribe(ctx, h)
	elapsed := time.Since(start).Seconds()

	switch {
	case errors.Is(transcribeErr, errShutdown):
		// The task stays in processing and is recovered as "interrupted"
		// on the next start; the staged file is left for the sweeper.
		p.logger.Warn("worker %d interrupted by shutdown, leaving task %s in processing", workerID, h.TaskID)

	case errors.Is(transcribeErr, errTimedOut):
		if err := p.store.MarkFailed(persistCtx, h.TaskID, domain.TimeoutErrorMessage); err != nil {
			p.logger.Error("worker %d mark failed (timeout) for %s: %v", workerID, h.TaskID, err)
		}
		p.usage.LogUsage(persistCtx, h.APIKey, false, elapsed)
		_ = os.Remove(h.StagedInputPath)

	case transcribeErr != nil:
		msg := transcribeErr.Error()
		if len(msg) > domain.MaxErrorMessageLen {
			msg = msg[:domain.MaxErrorMessageLen]
		}
		if err := p.store.MarkFailed(persistCtx, h.TaskID, msg); err != nil {
			p.logger.Error("worker %d mark failed for %s: %v", workerID, h.TaskID, err)
		}
		p.usage.LogUsage(persistCtx, h.APIKey, false, elapsed)
		_ = os.Remove(h.StagedInputPath)

	default:
		resultJSON, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			p.logger.Error("worker %d marshal result for %s: %v", workerID, h.TaskID, marshalErr)
			if failErr := p.store.MarkFailed(persistCtx, h.TaskID, "internal error serializing result"); failErr != nil {
				p.logger.Error("worker %d mark failed for %s: %v", workerID, h.TaskID, failErr)
			}
			p.usage.LogUsage(persistCtx, h.APIKey, false, elapsed)
			_ = os.Remove(h.StagedInputPath)
			return
		}

		duration := result.Duration
		if err := p.store.MarkCompleted(persistCtx, h.TaskID, &duration, string(resultJSON)); err != nil {
			// The worker has lost the ability to prove completion durably,
			// so the staged file is retained for operator recovery instead
			// of being removed.
			p.logger.Error("worker %d persist completion for %s failed, retaining staged file %s: %v",
				workerID, h.TaskID, h.StagedInputPath, err)
			return
		}
		p.usage.LogUsage(persistCtx, h.APIKey, true, elapsed)
		_ = os.Remove(h.StagedInputPath)
	}
}

// transcribe runs the task under the wall-clock deadline. The deadline
// context is detached from ctx's cancellation so a pool shutdown cannot
// masquerade as a timeout: taskCtx expiring means the 2-hour cap, ctx
// closing means shutdown, and the two select arms report them as different
// sentinels. The deferred cancel stops the transcriber goroutine on either
// exit.
func (p *Pool) transcribe(ctx context.Context, h domain.Handle) (domain.Result, error) {
	if err := p.models.LoadModel(ctx, h.ModelSize, p.cfg.Device, false); err != nil {
		if ctx.Err() != nil {
			return domain.Result{}, errShutdown
		}
		return domain.Result{}, err
	}

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result domain.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer async.Recover(p.logger, "transcribe")
		var result domain.Result
		var err error
		if h.HasDiarization {
			result, err = p.transcriber.TranscribeWithDiarization(taskCtx, h.StagedInputPath, h.Language, h.ModelSize)
		} else {
			result, err = p.transcriber.TranscribeSimple(taskCtx, h.StagedInputPath, h.Language, h.ModelSize)
		}
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if errors.Is(out.err, context.DeadlineExceeded) {
			return domain.Result{}, errTimedOut
		}
		return out.result, out.err
	case <-taskCtx.Done():
		return domain.Result{}, errTimedOut
	case <-ctx.Done():
		return domain.Result{}, errShutdown
	}
}
