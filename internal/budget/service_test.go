package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token_budget/internal/models"
	"token_budget/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	service := NewService(store, store, store)
	service.now = func() time.Time {
		return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return service, store
}

func seedBudget(t *testing.T, store *storage.MemoryStore, userID string, limit int64, enabled bool) {
	t.Helper()
	err := store.Upsert(context.Background(), &models.TokenBudget{
		UserID:      userID,
		WindowType:  models.WindowMonthly,
		LimitTokens: limit,
		Enabled:     enabled,
	})
	require.NoError(t, err)
}

func TestReserveUnmetered(t *testing.T) {
	ctx := context.Background()

	t.Run("no budget row", func(t *testing.T) {
		service, _ := newTestService(t)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "ghost", RequestID: "r1", EstimateTokens: 100})
		require.NoError(t, err)
		assert.Nil(t, status)
	})

	t.Run("disabled budget", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, false)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 100})
		require.NoError(t, err)
		assert.Nil(t, status)
	})

	t.Run("status for unknown user is nil", func(t *testing.T) {
		service, _ := newTestService(t)

		status, err := service.GetStatus(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, status)
	})
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("holds the estimate", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)
		require.NotNil(t, status)

		assert.Equal(t, int64(0), status.UsedTokens)
		assert.Equal(t, int64(300), status.ReservedTokens)
		assert.Equal(t, int64(700), status.RemainingTokens)
		assert.Equal(t, int64(1000), status.LimitTokens)
	})

	t.Run("rejects when the hold does not fit", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 900})
		require.NoError(t, err)

		_, err = service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r2", EstimateTokens: 200})
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, int64(1000), exceeded.Limit)
		assert.Equal(t, int64(0), exceeded.Used)
		assert.Equal(t, int64(100), exceeded.Remaining)
		assert.Equal(t, string(models.WindowMonthly), exceeded.Window)
		assert.Greater(t, exceeded.ResetAt, service.now().Unix())
	})

	t.Run("exact fit is admitted", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 1000})
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.RemainingTokens)
	})

	t.Run("zero limit tracks without enforcing", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 0, true)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 5_000_000})
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, int64(5_000_000), status.ReservedTokens)
	})

	t.Run("negative estimate clamps to zero", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: -50})
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.ReservedTokens)
	})

	t.Run("duplicate request id reserves once", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)
		assert.Equal(t, int64(300), status.ReservedTokens, "retry must not double-reserve")
	})

	t.Run("duplicate request id after settlement does not re-reserve", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)
		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 100, CompletionTokens: 150}))

		status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.ReservedTokens)
		assert.Equal(t, int64(250), status.UsedTokens)
	})
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the hold into used", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)

		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 120, CompletionTokens: 80}))

		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(200), status.UsedTokens)
		assert.Equal(t, int64(0), status.ReservedTokens)
		assert.Equal(t, int64(800), status.RemainingTokens)

		event, err := store.GetByRequestID(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.EventSuccess, event.Status)
		assert.Equal(t, int64(200), event.TotalTokens)
		assert.Equal(t, int64(120), event.PromptTokens)
		assert.Equal(t, int64(80), event.CompletionTokens)
	})

	t.Run("explicit total wins over prompt plus completion", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)

		total := int64(500)
		require.NoError(t, service.Finalize(ctx, FinalizeParams{
			RequestID: "r1", PromptTokens: 120, CompletionTokens: 80, TotalTokens: &total,
		}))

		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(500), status.UsedTokens)
	})

	t.Run("true usage may exceed the estimate and the limit", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 900})
		require.NoError(t, err)

		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 800, CompletionTokens: 700}))

		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1500), status.UsedTokens)
		assert.Equal(t, int64(0), status.ReservedTokens)
		assert.Equal(t, int64(0), status.RemainingTokens, "remaining clamps at zero")
	})

	t.Run("finalizing twice settles once", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)

		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 100, CompletionTokens: 100}))
		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 100, CompletionTokens: 100}))

		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(200), status.UsedTokens)
		assert.Equal(t, int64(0), status.ReservedTokens)
	})

	t.Run("unknown request id is a no-op", func(t *testing.T) {
		service, _ := newTestService(t)
		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "nope", PromptTokens: 10}))
	})

	t.Run("settles into the reservation window after month rollover", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		reserveTime := time.Date(2025, 6, 30, 23, 58, 0, 0, time.UTC)
		service.now = func() time.Time { return reserveTime }

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)

		// The request finishes after midnight on July 1st.
		service.now = func() time.Time { return time.Date(2025, 7, 1, 0, 3, 0, 0, time.UTC) }
		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 100, CompletionTokens: 100}))

		juneWindow := GetMonthWindow(reserveTime, "")
		june, err := store.Get(ctx, "alice", juneWindow.Start)
		require.NoError(t, err)
		assert.Equal(t, int64(200), june.UsedTokens)
		assert.Equal(t, int64(0), june.ReservedTokens)

		// The July window starts clean.
		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.UsedTokens)
		assert.Equal(t, int64(1000), status.RemainingTokens)
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("gives back the hold without recording usage", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)

		require.NoError(t, service.Release(ctx, "r1", ""))

		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.UsedTokens)
		assert.Equal(t, int64(0), status.ReservedTokens)
		assert.Equal(t, int64(1000), status.RemainingTokens)

		event, err := store.GetByRequestID(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.EventCanceled, event.Status)
	})

	t.Run("release after finalize is a no-op", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)
		require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 50, CompletionTokens: 50}))
		require.NoError(t, service.Release(ctx, "r1", ""))

		status, err := service.GetStatus(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(100), status.UsedTokens)
		assert.Equal(t, int64(0), status.ReservedTokens)

		event, err := store.GetByRequestID(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.EventSuccess, event.Status)
	})

	t.Run("custom terminal status", func(t *testing.T) {
		service, store := newTestService(t)
		seedBudget(t, store, "alice", 1000, true)

		_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
		require.NoError(t, err)
		require.NoError(t, service.Release(ctx, "r1", models.EventError))

		event, err := store.GetByRequestID(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.EventError, event.Status)
	})
}

// TestReserveConcurrent drives 50 concurrent reservations of 100 tokens
// against a 1000-token limit: exactly 10 may win, whatever the
// interleaving.
func TestReserveConcurrent(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	seedBudget(t, store, "alice", 1000, true)

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := service.Reserve(ctx, ReserveParams{
				UserID:         "alice",
				RequestID:      uniqueRequestID(n),
				EstimateTokens: 100,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	admitted, rejected := 0, 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
		rejected++
	}

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 40, rejected)

	status, err := service.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), status.ReservedTokens)
	assert.Equal(t, int64(0), status.RemainingTokens)
}

func uniqueRequestID(n int) string {
	return "req-" + string(rune('a'+n/26)) + string(rune('a'+n%26))
}

// duplicateInsertStore simulates losing the insert race: the event store
// reports a duplicate request ID even though the pre-check saw nothing.
type duplicateInsertStore struct {
	*storage.MemoryStore
}

func (s *duplicateInsertStore) Insert(ctx context.Context, event *models.TokenUsageEvent) error {
	return storage.ErrDuplicateRequestID
}

func TestReserveDuplicateInsertRaceCompensates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	service := NewService(store, store, &duplicateInsertStore{store})
	service.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	seedBudget(t, store, "alice", 1000, true)

	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
	require.ErrorIs(t, err, storage.ErrDuplicateRequestID)

	// The failed attempt must give its hold back.
	window := GetMonthWindow(service.now(), "")
	agg, err := store.Get(ctx, "alice", window.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.ReservedTokens)
	assert.Equal(t, int64(0), agg.UsedTokens)
}

// failingInsertStore simulates an event store whose insert dies for a
// reason other than a duplicate key, e.g. a dropped connection.
type failingInsertStore struct {
	*storage.MemoryStore
}

func (s *failingInsertStore) Insert(ctx context.Context, event *models.TokenUsageEvent) error {
	return errors.New("write tcp: connection reset by peer")
}

func TestReserveInsertFailureCompensates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	service := NewService(store, store, &failingInsertStore{store})
	service.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	seedBudget(t, store, "alice", 1000, true)

	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
	require.Error(t, err)

	// No event row landed, so nothing will ever settle this hold; the
	// failed attempt must give it back itself.
	window := GetMonthWindow(service.now(), "")
	agg, err := store.Get(ctx, "alice", window.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.ReservedTokens)
	assert.Equal(t, int64(0), agg.UsedTokens)
}

// flakySettleStore fails the first settlement attempt, leaving the
// event reserved, then lets retries through.
type flakySettleStore struct {
	*storage.MemoryStore
	failures int
}

func (s *flakySettleStore) Settle(ctx context.Context, p storage.SettleParams) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("driver: bad connection")
	}
	return s.MemoryStore.Settle(ctx, p)
}

func TestFinalizeRetriesAfterSettlementFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	events := &flakySettleStore{MemoryStore: store, failures: 1}
	service := NewService(store, store, events)
	service.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	seedBudget(t, store, "alice", 1000, true)

	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 300})
	require.NoError(t, err)

	// The first settlement attempt dies mid-flight. Neither the event
	// nor the aggregate may have moved, or the retry below would no-op
	// and strand the hold.
	err = service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 80, CompletionTokens: 120})
	require.Error(t, err)

	event, err := store.GetByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.EventReserved, event.Status)

	window := GetMonthWindow(service.now(), "")
	agg, err := store.Get(ctx, "alice", window.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(300), agg.ReservedTokens)
	assert.Equal(t, int64(0), agg.UsedTokens)

	// Retry succeeds and settles exactly once.
	require.NoError(t, service.Finalize(ctx, FinalizeParams{RequestID: "r1", PromptTokens: 80, CompletionTokens: 120}))

	event, err = store.GetByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.EventSuccess, event.Status)

	agg, err = store.Get(ctx, "alice", window.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.ReservedTokens)
	assert.Equal(t, int64(200), agg.UsedTokens)
}

func TestLimitChangeTakesEffectInWindow(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	seedBudget(t, store, "alice", 500, true)

	_, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r1", EstimateTokens: 400})
	require.NoError(t, err)

	_, err = service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r2", EstimateTokens: 400})
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)

	// Raising the limit mid-window admits the retry with a new request.
	seedBudget(t, store, "alice", 2000, true)

	status, err := service.Reserve(ctx, ReserveParams{UserID: "alice", RequestID: "r3", EstimateTokens: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), status.LimitTokens)
	assert.Equal(t, int64(800), status.ReservedTokens)
	assert.Equal(t, int64(1200), status.RemainingTokens)
}
