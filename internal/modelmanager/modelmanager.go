// Package modelmanager enforces the single-loaded-model invariant: at most
// one speech-recognition model is resident in memory at a time, memory is
// checked against an approximate per-size cost table before a load
// proceeds, and every transition is serialized. Go's sync.Mutex is not
// reentrant, so the public API takes the lock and delegates to unexported
// *Locked methods that assume it is held.
package modelmanager

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
)

// Handle is the opaque loaded-model reference. The engine's core never
// inspects it; it exists so ModelManager can hand it back to its Loader on
// unload.
type Handle any

// Loader constructs and tears down the actual model handle. Left pluggable
// because model construction belongs to the recognition backend; the
// manager only enforces the surrounding invariants.
type Loader interface {
	Load(ctx context.Context, size domain.ModelSize, device string) (Handle, error)
	Unload(handle Handle)
}

// MemoryProbe reports host memory figures in GB. Pluggable so tests can
// simulate constrained hosts without depending on the real machine.
type MemoryProbe interface {
	AvailableGB() float64
	TotalGB() float64
}

// Status is a snapshot of the manager's state for admin endpoints.
type Status struct {
	ModelLoaded          bool
	CurrentModelSize     domain.ModelSize
	CurrentDevice        string
	IsLoading            bool
	AvailableMemoryGB    float64
	TotalMemoryGB        float64
	MemoryRequirementsGB map[domain.ModelSize]float64
}

// QueueDepthFunc reports the current queue size. Used by AdminUnload to
// refuse while work is pending, without an import cycle on the queue
// package.
type QueueDepthFunc func() int

const traceScope = "transcribeengine.modelmanager"

// ModelManager serializes load/unload/switch on opMu so every caller
// observes a consistent loaded-model-or-none state. The snapshot fields are
// guarded separately by stateMu so Status stays responsive while a slow
// Loader.Load holds opMu -- is_loading would otherwise never be observable.
type ModelManager struct {
	opMu    sync.Mutex // serializes load/unload/switch transitions
	stateMu sync.Mutex // guards the snapshot fields below

	loader     Loader
	probe      MemoryProbe
	strict     bool
	marginGB   float64
	costTable  map[domain.ModelSize]float64
	queueDepth QueueDepthFunc
	logger     logging.Logger

	handle  Handle
	size    domain.ModelSize
	device  string
	loading bool
}

// New builds a ModelManager. strict selects the STRICT_MEMORY_CHECK
// policy: true rejects loads that exceed effective available memory, false
// logs a warning and proceeds anyway. marginGB <= 0 selects
// the default safety margin. queueDepth may be nil (admin unload then never
// rejects on "queue non-empty").
func New(loader Loader, probe MemoryProbe, strict bool, marginGB float64, queueDepth QueueDepthFunc, logger logging.Logger) *ModelManager {
	if marginGB <= 0 {
		marginGB = domain.DefaultMemorySafetyMarginGB
	}
	return &ModelManager{
		loader:     loader,
		probe:      probe,
		strict:     strict,
		marginGB:   marginGB,
		costTable:  domain.ModelMemoryRequirementsGB,
		queueDepth: queueDepth,
		logger:     logging.OrNop(logger),
	}
}

func (m *ModelManager) cost(size domain.ModelSize) float64 {
	if v, ok := m.costTable[size]; ok {
		return v
	}
	return 2.0 // fallback for an unrecognized size
}

// snapshot returns the current state fields under stateMu.
func (m *ModelManager) snapshot() (handle Handle, size domain.ModelSize, device string, loading bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.handle, m.size, m.device, m.loading
}

func (m *ModelManager) setState(handle Handle, size domain.ModelSize, device string) {
	m.stateMu.Lock()
	m.handle = handle
	m.size = size
	m.device = device
	m.stateMu.Unlock()
}

func (m *ModelManager) setLoading(loading bool) {
	m.stateMu.Lock()
	m.loading = loading
	m.stateMu.Unlock()
}

// canLoad is the gating decision shared by CanLoadModel and the load path,
// so the two never drift. Side-effect-free apart from the lenient-mode
// warning log.
func (m *ModelManager) canLoad(size domain.ModelSize) (bool, string) {
	handle, current, _, _ := m.snapshot()
	if handle != nil && current == size {
		return true, "model already loaded"
	}

	available := m.probe.AvailableGB()
	total := m.probe.TotalGB()

	currentCost := 0.0
	if handle != nil {
		currentCost = m.cost(current)
	}
	effective := available + currentCost
	needed := m.cost(size) + m.marginGB

	if effective < needed {
		reason := fmt.Sprintf("insufficient memory: need %.1fGB, available %.1fGB (total %.1fGB)", needed, effective, total)
		if m.strict {
			return false, reason
		}
		m.logger.Warn("%s - attempting anyway (strict memory check disabled)", reason)
		return true, "warning: " + reason
	}
	return true, "ok"
}

// CanLoadModel reports whether size could be loaded right now. It changes no
// state; its only side effect is the warning canLoad logs when the strict
// memory check is off and memory is short.
func (m *ModelManager) CanLoadModel(size domain.ModelSize) (bool, string) {
	return m.canLoad(size)
}

// LoadModel loads size on device, unloading any different model first. If
// the same size is already loaded and force is false, it is a no-op.
// Blocks behind any in-flight transition.
func (m *ModelManager) LoadModel(ctx context.Context, size domain.ModelSize, device string, force bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.loadLocked(ctx, size, device, force)
}

// SwitchModel is the admin gate-check-and-swap path. Unlike LoadModel it
// refuses to wait behind an in-flight transition: a concurrent switch gets
// a conflict error instead of queueing.
func (m *ModelManager) SwitchModel(ctx context.Context, size domain.ModelSize, device string) error {
	if !m.opMu.TryLock() {
		return fmt.Errorf("%w: another model operation is in progress", domain.ErrConflict)
	}
	defer m.opMu.Unlock()
	return m.loadLocked(ctx, size, device, false)
}

// loadLocked performs the load with opMu already held.
func (m *ModelManager) loadLocked(ctx context.Context, size domain.ModelSize, device string, force bool) error {
	ctx, span := otel.Tracer(traceScope).Start(ctx, "model.load",
		trace.WithAttributes(attribute.String("model.size", string(size))))
	defer span.End()

	handle, current, _, _ := m.snapshot()
	if !force && handle != nil && current == size {
		return nil
	}

	ok, reason := m.canLoad(size)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientMemory, reason)
	}

	m.setLoading(true)
	defer m.setLoading(false)

	if handle != nil {
		m.unloadLocked()
	}

	loaded, err := m.loader.Load(ctx, size, device)
	if err != nil {
		m.setState(nil, "", "")
		return err
	}
	m.setState(loaded, size, device)
	m.logger.Info("loaded model %s on %s", size, device)
	return nil
}

// unloadLocked drops the current handle. Caller must hold opMu.
func (m *ModelManager) unloadLocked() bool {
	handle, size, _, _ := m.snapshot()
	if handle == nil {
		return false
	}
	m.loader.Unload(handle)
	m.setState(nil, "", "")
	m.logger.Info("unloaded model %s", size)
	return true
}

// UnloadModel idempotently unloads the current model. Returns whether a
// model was actually unloaded.
func (m *ModelManager) UnloadModel() bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.unloadLocked()
}

// AdminUnload is the admin-initiated unload path: it additionally refuses
// while a transition is in progress or the queue is non-empty, returning
// domain.ErrConflict.
func (m *ModelManager) AdminUnload() (bool, error) {
	if !m.opMu.TryLock() {
		return false, fmt.Errorf("%w: model load in progress", domain.ErrConflict)
	}
	defer m.opMu.Unlock()

	if m.queueDepth != nil && m.queueDepth() > 0 {
		return false, fmt.Errorf("%w: queue is non-empty", domain.ErrConflict)
	}
	return m.unloadLocked(), nil
}

// Status returns a snapshot for admin/health endpoints. Never blocks behind
// an in-flight load.
func (m *ModelManager) Status() Status {
	handle, size, device, loading := m.snapshot()
	return Status{
		ModelLoaded:          handle != nil,
		CurrentModelSize:     size,
		CurrentDevice:        device,
		IsLoading:            loading,
		AvailableMemoryGB:    round1(m.probe.AvailableGB()),
		TotalMemoryGB:        round1(m.probe.TotalGB()),
		MemoryRequirementsGB: m.costTable,
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// StaticMemoryProbe reports fixed memory figures. Tests use it directly;
// production goes through SystemMemoryProbe and only lands here as its
// fallback when /proc/meminfo is unreadable.
type StaticMemoryProbe struct {
	Available float64
	Total     float64
}

func (p StaticMemoryProbe) AvailableGB() float64 { return p.Available }
func (p StaticMemoryProbe) TotalGB() float64     { return p.Total }

var _ MemoryProbe = StaticMemoryProbe{}
