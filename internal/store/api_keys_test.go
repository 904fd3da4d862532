package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribeengine/internal/domain"
)

func TestAPIKeyCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, "key-1")

	key, err := s.GetAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, key.Active)
	assert.Zero(t, key.TotalRequests)
	assert.Nil(t, key.LastUsed)

	require.NoError(t, s.SetAPIKeyActive(ctx, "key-1", false))
	key, err = s.GetAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, key.Active)

	require.NoError(t, s.UpdateAPIKeyNotes(ctx, "key-1", "trial tenant"))
	key, err = s.GetAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "trial tenant", key.Notes)

	require.NoError(t, s.DeleteAPIKey(ctx, "key-1"))
	_, err = s.GetAPIKey(ctx, "key-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPIKeyMutationsOnMissingKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.SetAPIKeyActive(ctx, "ghost", true), domain.ErrNotFound)
	assert.ErrorIs(t, s.UpdateAPIKeyNotes(ctx, "ghost", "x"), domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAPIKey(ctx, "ghost"), domain.ErrNotFound)
	assert.ErrorIs(t, s.LogUsage(ctx, "ghost", true, 1, time.Now().UTC()), domain.ErrNotFound)
}

func TestListAPIKeysActiveOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, "active-key")
	seedKey(t, s, "inactive-key")
	require.NoError(t, s.SetAPIKeyActive(ctx, "inactive-key", false))

	all, err := s.ListAPIKeys(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListAPIKeys(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "active-key", active[0].Key)
}

func TestLogUsageCountersCommute(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, "key-1")

	const successes, failures = 30, 20
	var wg sync.WaitGroup
	for i := 0; i < successes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.LogUsage(ctx, "key-1", true, 1.5, time.Now().UTC()))
		}()
	}
	for i := 0; i < failures; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.LogUsage(ctx, "key-1", false, 0.5, time.Now().UTC()))
		}()
	}
	wg.Wait()

	key, err := s.GetAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.EqualValues(t, successes+failures, key.TotalRequests)
	assert.EqualValues(t, successes, key.SuccessfulRequests)
	assert.EqualValues(t, failures, key.FailedRequests)
	assert.Equal(t, key.TotalRequests, key.SuccessfulRequests+key.FailedRequests)
	assert.InDelta(t, successes*1.5+failures*0.5, key.TotalProcessingTimeSeconds, 0.001)
	assert.NotNil(t, key.LastUsed)
}

func TestMasterTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasMasterToken(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	_, err = s.LatestMasterToken(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.CreateMasterToken(ctx, "first", time.Now().UTC().Add(-time.Minute)))
	require.NoError(t, s.CreateMasterToken(ctx, "second", time.Now().UTC()))

	has, err = s.HasMasterToken(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	latest, err := s.LatestMasterToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", latest.Token)

	all, err := s.AllMasterTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
