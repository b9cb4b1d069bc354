package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/logger"
)

type fakeRepository struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	ttls    map[string]time.Duration
	setErr  error
	delErr  error
	deletes []string
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		keys: make(map[string]struct{}),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeRepository) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return false, f.setErr
	}
	if _, exists := f.keys[key]; exists {
		return false, nil
	}
	f.keys[key] = struct{}{}
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeRepository) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.keys, key)
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeRepository) MarkedCount(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys), nil
}

func newGuard(repo Repository, cfg config.IdempotencyConfig) *Guard {
	return NewGuard(repo, cfg, logger.NopLogger())
}

func TestGuard_FirstThenDuplicate(t *testing.T) {
	guard := newGuard(newFakeRepository(), config.IdempotencyConfig{})
	ctx := context.Background()

	first, err := guard.CheckAndMark(ctx, "evt-1", "audit-service")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := guard.CheckAndMark(ctx, "evt-1", "audit-service")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestGuard_ConsumersAreIndependent(t *testing.T) {
	guard := newGuard(newFakeRepository(), config.IdempotencyConfig{})
	ctx := context.Background()

	first, err := guard.CheckAndMark(ctx, "evt-1", "audit-service")
	require.NoError(t, err)
	assert.True(t, first)

	// Same event, different consumer: still a first delivery.
	first, err = guard.CheckAndMark(ctx, "evt-1", "recurring-service")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestGuard_ConcurrentDeliveriesClaimOnce(t *testing.T) {
	guard := newGuard(newFakeRepository(), config.IdempotencyConfig{})
	ctx := context.Background()

	const workers = 16
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := guard.CheckAndMark(ctx, "evt-race", "audit-service")
			assert.NoError(t, err)
			results <- first
		}()
	}
	wg.Wait()
	close(results)

	firsts := 0
	for first := range results {
		if first {
			firsts++
		}
	}
	assert.Equal(t, 1, firsts, "exactly one delivery may claim the event")
}

func TestGuard_ReleaseAllowsReprocessing(t *testing.T) {
	repo := newFakeRepository()
	guard := newGuard(repo, config.IdempotencyConfig{})
	ctx := context.Background()

	first, err := guard.CheckAndMark(ctx, "evt-2", "recurring-service")
	require.NoError(t, err)
	require.True(t, first)

	guard.Release(ctx, "evt-2", "recurring-service")

	// After release the redelivery is a first delivery again.
	first, err = guard.CheckAndMark(ctx, "evt-2", "recurring-service")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestGuard_StoreErrorFailsClosed(t *testing.T) {
	repo := newFakeRepository()
	repo.setErr = errors.New("connection refused")
	guard := newGuard(repo, config.IdempotencyConfig{OnRedisError: constants.FallbackFail})
	ctx := context.Background()

	first, err := guard.CheckAndMark(ctx, "evt-3", "audit-service")
	require.Error(t, err)
	assert.False(t, first)
}

func TestGuard_StoreErrorDenyFallbackDropsEvent(t *testing.T) {
	repo := newFakeRepository()
	repo.setErr = errors.New("connection refused")
	guard := newGuard(repo, config.IdempotencyConfig{OnRedisError: constants.FallbackDeny})
	ctx := context.Background()

	first, err := guard.CheckAndMark(ctx, "evt-4", "audit-service")
	require.NoError(t, err)
	assert.False(t, first, "deny fallback must report a duplicate, never a first delivery")
}

func TestGuard_EmptyIdentifiersRejected(t *testing.T) {
	guard := newGuard(newFakeRepository(), config.IdempotencyConfig{})
	ctx := context.Background()

	_, err := guard.CheckAndMark(ctx, "", "audit-service")
	require.Error(t, err)

	_, err = guard.CheckAndMark(ctx, "evt-5", "")
	require.Error(t, err)
}

func TestGuard_TTLConfiguration(t *testing.T) {
	repo := newFakeRepository()
	guard := newGuard(repo, config.IdempotencyConfig{TTLSeconds: 3600})
	ctx := context.Background()

	_, err := guard.CheckAndMark(ctx, "evt-6", "audit-service")
	require.NoError(t, err)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, time.Hour, repo.ttls[key("evt-6", "audit-service")])
}

func TestGuard_DefaultTTL(t *testing.T) {
	repo := newFakeRepository()
	guard := newGuard(repo, config.IdempotencyConfig{})
	ctx := context.Background()

	_, err := guard.CheckAndMark(ctx, "evt-7", "audit-service")
	require.NoError(t, err)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, constants.DefaultIdempotencyTTL, repo.ttls[key("evt-7", "audit-service")])
}
