package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token_budget/internal/models"
)

func TestSweepReleasesAbandonedReservations(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	seedBudget(t, store, "alice", 1000, true)

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// An old reservation the caller never settled.
	service.now = func() time.Time { return base.Add(-time.Hour) }
	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "stale", EstimateTokens: 300})
	require.NoError(t, err)

	// A fresh one that must survive the sweep.
	service.now = func() time.Time { return base }
	_, err = service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "fresh", EstimateTokens: 100})
	require.NoError(t, err)

	sweeper := NewSweeper(service, store, SweeperConfig{TTL: 30 * time.Minute})

	released, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	staleEvent, err := store.GetByRequestID(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.EventExpired, staleEvent.Status)

	freshEvent, err := store.GetByRequestID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.EventReserved, freshEvent.Status)

	status, err := service.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), status.ReservedTokens)
	assert.Equal(t, int64(0), status.UsedTokens)
}

func TestSweepNothingStale(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	seedBudget(t, store, "alice", 1000, true)

	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 100})
	require.NoError(t, err)

	sweeper := NewSweeper(service, store, SweeperConfig{TTL: 30 * time.Minute})

	released, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestSweepSkipsSettledEvents(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	seedBudget(t, store, "alice", 1000, true)

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return base.Add(-time.Hour) }

	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
	require.NoError(t, err)
	require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 100, CompletionTokens: 100}))

	service.now = func() time.Time { return base }
	sweeper := NewSweeper(service, store, SweeperConfig{TTL: 30 * time.Minute})

	released, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	event, err := store.GetByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.EventSuccess, event.Status)
}

func TestSweeperStartStop(t *testing.T) {
	service, store := newTestService(t)
	sweeper := NewSweeper(service, store, SweeperConfig{Interval: 10 * time.Millisecond})

	sweeper.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
}
