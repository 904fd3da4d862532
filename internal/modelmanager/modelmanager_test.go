package modelmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribeengine/internal/domain"
	"transcribeengine/internal/logging"
)

// fakeLoader records load/unload calls; Load can be made to block on gate
// or fail with err.
type fakeLoader struct {
	mu       sync.Mutex
	loads    []domain.ModelSize
	unloads  int
	gate     chan struct{} // when non-nil, Load blocks until the channel closes
	err      error
}

func (l *fakeLoader) Load(ctx context.Context, size domain.ModelSize, device string) (Handle, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.loads = append(l.loads, size)
	return string(size), nil
}

func (l *fakeLoader) Unload(Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloads++
}

func newStrictManager(loader *fakeLoader, availableGB float64) *ModelManager {
	return New(loader, StaticMemoryProbe{Available: availableGB, Total: 16}, true, 0, nil, logging.Nop)
}

func TestLoadModel(t *testing.T) {
	loader := &fakeLoader{}
	m := newStrictManager(loader, 8)

	require.NoError(t, m.LoadModel(context.Background(), domain.ModelSmall, "cpu", false))

	status := m.Status()
	assert.True(t, status.ModelLoaded)
	assert.Equal(t, domain.ModelSmall, status.CurrentModelSize)
	assert.Equal(t, "cpu", status.CurrentDevice)
	assert.False(t, status.IsLoading)
}

func TestLoadSameSizeIsNoOp(t *testing.T) {
	loader := &fakeLoader{}
	m := newStrictManager(loader, 8)

	require.NoError(t, m.LoadModel(context.Background(), domain.ModelSmall, "cpu", false))
	require.NoError(t, m.LoadModel(context.Background(), domain.ModelSmall, "cpu", false))
	assert.Len(t, loader.loads, 1)

	require.NoError(t, m.LoadModel(context.Background(), domain.ModelSmall, "cpu", true))
	assert.Len(t, loader.loads, 2)
}

func TestStrictMemoryGating(t *testing.T) {
	loader := &fakeLoader{}
	// large needs 4.5+0.5 margin; only 1.0 available.
	m := newStrictManager(loader, 1.0)

	err := m.LoadModel(context.Background(), domain.ModelLarge, "cpu", false)
	assert.ErrorIs(t, err, domain.ErrInsufficientMemory)

	// State unchanged: nothing loaded, nothing touched the loader.
	status := m.Status()
	assert.False(t, status.ModelLoaded)
	assert.Empty(t, loader.loads)

	ok, reason := m.CanLoadModel(domain.ModelLarge)
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient memory")
}

func TestLenientModeProceeds(t *testing.T) {
	loader := &fakeLoader{}
	m := New(loader, StaticMemoryProbe{Available: 1.0, Total: 16}, false, 0, nil, logging.Nop)

	require.NoError(t, m.LoadModel(context.Background(), domain.ModelLarge, "cpu", false))
	assert.True(t, m.Status().ModelLoaded)
}

func TestCurrentModelMemoryCountsAsAvailable(t *testing.T) {
	loader := &fakeLoader{}
	// 2.0 free, medium loaded (2.5 reclaimable): effective 4.5 admits small
	// (1.2+0.5) but not large (4.5+0.5).
	m := New(loader, StaticMemoryProbe{Available: 8, Total: 16}, true, 0, nil, logging.Nop)
	require.NoError(t, m.LoadModel(context.Background(), domain.ModelMedium, "cpu", false))
	m.probe = StaticMemoryProbe{Available: 2.0, Total: 16}

	ok, _ := m.CanLoadModel(domain.ModelSmall)
	assert.True(t, ok)
	ok, _ = m.CanLoadModel(domain.ModelLarge)
	assert.False(t, ok)
}

func TestSwitchUnloadsOldModelFirst(t *testing.T) {
	loader := &fakeLoader{}
	m := newStrictManager(loader, 8)

	require.NoError(t, m.LoadModel(context.Background(), domain.ModelSmall, "cpu", false))
	require.NoError(t, m.SwitchModel(context.Background(), domain.ModelBase, "cpu"))

	assert.Equal(t, []domain.ModelSize{domain.ModelSmall, domain.ModelBase}, loader.loads)
	assert.Equal(t, 1, loader.unloads)

	status := m.Status()
	assert.True(t, status.ModelLoaded)
	assert.Equal(t, domain.ModelBase, status.CurrentModelSize)
}

func TestConcurrentSwitchConflicts(t *testing.T) {
	gate := make(chan struct{})
	loader := &fakeLoader{gate: gate}
	m := newStrictManager(loader, 8)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.SwitchModel(context.Background(), domain.ModelSmall, "cpu")
	}()

	// Wait until the first switch reports is_loading.
	require.Eventually(t, func() bool {
		return m.Status().IsLoading
	}, time.Second, time.Millisecond)

	err := m.SwitchModel(context.Background(), domain.ModelBase, "cpu")
	assert.ErrorIs(t, err, domain.ErrConflict)

	close(gate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, domain.ModelSmall, m.Status().CurrentModelSize)
}

func TestLoaderFailureLeavesNoModel(t *testing.T) {
	loader := &fakeLoader{err: errors.New("weights missing")}
	m := newStrictManager(loader, 8)

	err := m.LoadModel(context.Background(), domain.ModelTiny, "cpu", false)
	require.Error(t, err)
	assert.False(t, m.Status().ModelLoaded)
}

func TestUnloadIdempotent(t *testing.T) {
	loader := &fakeLoader{}
	m := newStrictManager(loader, 8)

	assert.False(t, m.UnloadModel())
	require.NoError(t, m.LoadModel(context.Background(), domain.ModelTiny, "cpu", false))
	assert.True(t, m.UnloadModel())
	assert.False(t, m.UnloadModel())
	assert.Equal(t, 1, loader.unloads)
}

func TestAdminUnloadConflicts(t *testing.T) {
	t.Run("queue non-empty", func(t *testing.T) {
		loader := &fakeLoader{}
		m := New(loader, StaticMemoryProbe{Available: 8, Total: 16}, true, 0, func() int { return 3 }, logging.Nop)
		require.NoError(t, m.LoadModel(context.Background(), domain.ModelTiny, "cpu", false))

		_, err := m.AdminUnload()
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.True(t, m.Status().ModelLoaded)
	})

	t.Run("load in progress", func(t *testing.T) {
		gate := make(chan struct{})
		loader := &fakeLoader{gate: gate}
		m := newStrictManager(loader, 8)

		done := make(chan error, 1)
		go func() {
			done <- m.LoadModel(context.Background(), domain.ModelTiny, "cpu", false)
		}()
		require.Eventually(t, func() bool {
			return m.Status().IsLoading
		}, time.Second, time.Millisecond)

		_, err := m.AdminUnload()
		assert.ErrorIs(t, err, domain.ErrConflict)

		close(gate)
		require.NoError(t, <-done)
	})

	t.Run("idle unload succeeds", func(t *testing.T) {
		loader := &fakeLoader{}
		m := New(loader, StaticMemoryProbe{Available: 8, Total: 16}, true, 0, func() int { return 0 }, logging.Nop)
		require.NoError(t, m.LoadModel(context.Background(), domain.ModelTiny, "cpu", false))

		unloaded, err := m.AdminUnload()
		require.NoError(t, err)
		assert.True(t, unloaded)
		assert.False(t, m.Status().ModelLoaded)
	})
}
