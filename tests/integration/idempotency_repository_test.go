package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/constants"
	"taskstream/internal/idempotency"
)

func TestIdempotencyRepository_SetNX(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)

	key := "processed:evt-1:recurring-service"
	ttl := 5 * time.Second

	claimed, err := repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestIdempotencyRepository_SetNX_TTL(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)

	key := "processed:evt-2:recurring-service"

	claimed, err := repo.SetNX(ctx, key, time.Now().Unix(), 1*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Wait for TTL to expire
	time.Sleep(2 * time.Second)

	claimed, err = repo.SetNX(ctx, key, time.Now().Unix(), 1*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestIdempotencyRepository_Delete(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)

	key := "processed:evt-3:audit-service"
	ttl := 5 * time.Second

	claimed, err := repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.Delete(ctx, key))

	claimed, err = repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	require.NoError(t, err)
	assert.True(t, claimed, "released key should be claimable again")
}

func TestIdempotencyRepository_ContextCancellation(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := idempotency.NewRepository(infra.RedisClient)

	_, err := repo.SetNX(ctx, "processed:evt-4:audit-service", time.Now().Unix(), 5*time.Second)
	require.Error(t, err)
}

func TestIdempotencyGuard_EndToEnd(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)
	guard := idempotency.NewGuard(repo, createTestIdempotencyConfig(), createTestLogger())

	first, err := guard.CheckAndMark(ctx, "evt-5", constants.ConsumerRecurring)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = guard.CheckAndMark(ctx, "evt-5", constants.ConsumerRecurring)
	require.NoError(t, err)
	assert.False(t, first)

	// Independent consumers get independent claims for the same event.
	first, err = guard.CheckAndMark(ctx, "evt-5", constants.ConsumerAudit)
	require.NoError(t, err)
	assert.True(t, first)

	guard.Release(ctx, "evt-5", constants.ConsumerRecurring)

	first, err = guard.CheckAndMark(ctx, "evt-5", constants.ConsumerRecurring)
	require.NoError(t, err)
	assert.True(t, first, "released claim should be claimable again")
}
