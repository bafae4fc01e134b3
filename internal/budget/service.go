package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token_budget/internal/models"
	"token_budget/internal/storage"
	"token_budget/internal/utils"
)

// Store interfaces. The engine holds no in-memory state and talks to
// storage exclusively through these; the no-overspend guarantee comes
// from the store's conditional increment, never from in-process
// locking, so any number of engine instances can share one store.

// BudgetStore reads the per-user quota configuration.
type BudgetStore interface {
	GetByUserID(ctx context.Context, userID string) (*models.TokenBudget, error)
}

// AggregateStore mutates the per-window counters. Reserve must be a
// single atomic compare-and-increment: check and update in one
// statement, admitted iff the ceiling holds.
type AggregateStore interface {
	Get(ctx context.Context, userID string, windowStart int64) (*models.TokenWindowAggregate, error)
	GetOrCreate(ctx context.Context, userID string, windowStart, limitSnapshot int64) (*models.TokenWindowAggregate, error)
	Reserve(ctx context.Context, userID string, windowStart, estimate, limit int64) (bool, error)
	Adjust(ctx context.Context, userID string, windowStart, reservedDelta, usedDelta int64) error
}

// EventStore owns the usage event ledger. Insert must reject duplicate
// request IDs with storage.ErrDuplicateRequestID; Settle must
// transition reserved events at most once and apply the aggregate
// deltas atomically with the transition.
type EventStore interface {
	Insert(ctx context.Context, event *models.TokenUsageEvent) error
	GetByRequestID(ctx context.Context, requestID string) (*models.TokenUsageEvent, error)
	Settle(ctx context.Context, p storage.SettleParams) (bool, error)
}

// Service is the token budget reservation engine. Request handlers
// call Reserve before dispatching expensive work, then exactly one of
// Finalize or Release once the outcome is known.
type Service struct {
	budgets    BudgetStore
	aggregates AggregateStore
	events     EventStore
	logger     *utils.Logger

	now func() time.Time
}

// NewService creates a reservation engine over the given stores
func NewService(budgets BudgetStore, aggregates AggregateStore, events EventStore) *Service {
	return &Service{
		budgets:    budgets,
		aggregates: aggregates,
		events:     events,
		logger:     utils.NewLogger("budget-engine"),
		now:        time.Now,
	}
}

// ReserveParams describes one inbound request's provisional hold.
// RequestID is the caller-owned idempotency key: stable across retries
// of the same logical request, unique across distinct requests.
type ReserveParams struct {
	UserID         string
	RequestID      string
	EstimateTokens int64
	ModelID        string
	Provider       string
	Route          string
	Metadata       models.JSONB
}

// FinalizeParams settles a reservation with the true usage.
type FinalizeParams struct {
	RequestID        string
	PromptTokens     int64
	CompletionTokens int64
	// TotalTokens defaults to prompt + completion when nil.
	TotalTokens *int64
	// Status defaults to "success".
	Status   string
	Metadata models.JSONB
}

// GetStatus returns the user's budget view in the current window, or
// nil when no budget row exists (the caller treats that as unmetered).
// Touching the window lazily creates its aggregate and refreshes the
// limit snapshot if the configured limit changed.
func (s *Service) GetStatus(ctx context.Context, userID string) (*models.BudgetStatus, error) {
	budget, err := s.budgets.GetByUserID(ctx, userID)
	if errors.Is(err, storage.ErrBudgetNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}

	window := GetMonthWindow(s.now(), budget.TimezoneName())
	agg, err := s.aggregates.GetOrCreate(ctx, userID, window.Start, budget.LimitTokens)
	if err != nil {
		return nil, err
	}

	return s.status(budget, window, agg), nil
}

// Reserve places a provisional hold of EstimateTokens against the
// user's current window.
//
// Returns (nil, nil) when the user has no budget or it is disabled:
// the caller proceeds unmetered. Returns *ExceededError when the hold
// does not fit under the limit. A duplicate RequestID that already has
// an event returns the current status without reserving again.
func (s *Service) Reserve(ctx context.Context, p ReserveParams) (*models.BudgetStatus, error) {
	if p.EstimateTokens < 0 {
		p.EstimateTokens = 0
	}

	budget, err := s.budgets.GetByUserID(ctx, p.UserID)
	if errors.Is(err, storage.ErrBudgetNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}
	if !budget.Enabled {
		return nil, nil
	}

	now := s.now()
	window := GetMonthWindow(now, budget.TimezoneName())
	agg, err := s.aggregates.GetOrCreate(ctx, p.UserID, window.Start, budget.LimitTokens)
	if err != nil {
		return nil, err
	}

	// Idempotency: a request we have already seen must not reserve twice,
	// whatever state its event is in.
	existing, err := s.events.GetByRequestID(ctx, p.RequestID)
	if err != nil && !errors.Is(err, storage.ErrUsageEventNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate request: %w", err)
	}
	if existing != nil {
		return s.status(budget, window, agg), nil
	}

	admitted, err := s.aggregates.Reserve(ctx, p.UserID, window.Start, p.EstimateTokens, budget.LimitTokens)
	if err != nil {
		return nil, err
	}
	if !admitted {
		fresh, err := s.aggregates.Get(ctx, p.UserID, window.Start)
		if err != nil {
			return nil, err
		}
		return nil, &ExceededError{
			Limit:     budget.LimitTokens,
			Used:      fresh.UsedTokens,
			Remaining: models.Remaining(budget.LimitTokens, fresh.UsedTokens, fresh.ReservedTokens),
			Window:    string(budget.WindowType),
			ResetAt:   window.ResetAt,
		}
	}

	event := &models.TokenUsageEvent{
		ID:          uuid.New(),
		RequestID:   p.RequestID,
		UserID:      p.UserID,
		ModelID:     optional(p.ModelID),
		Provider:    optional(p.Provider),
		Route:       optional(p.Route),
		TotalTokens: p.EstimateTokens,
		Status:      models.EventReserved,
		CreatedAt:   now.Unix(),
		Metadata:    p.Metadata,
	}

	if err := s.events.Insert(ctx, event); err != nil {
		// Whatever kept the event row from landing (duplicate race,
		// connection loss), no ledger entry exists for this hold, so
		// nothing would ever settle it. Give the estimate back.
		if undoErr := s.aggregates.Adjust(ctx, p.UserID, window.Start, -p.EstimateTokens, 0); undoErr != nil {
			s.logger.Error("failed to undo reservation after insert failure",
				"request_id", p.RequestID, "user_id", p.UserID, "error", undoErr)
		}
		return nil, err
	}

	fresh, err := s.aggregates.Get(ctx, p.UserID, window.Start)
	if err != nil {
		return nil, err
	}
	return s.status(budget, window, fresh), nil
}

// Finalize converts a reservation into confirmed usage: the event gets
// its true token counts and terminal status, the owning window's
// reserved counter gives back the original estimate and used absorbs
// the settled total. Settlement always lands in the window the
// reservation was made in, even if the request straddled a month
// boundary. No ceiling check applies; true usage may exceed the
// estimate. No-op when the event is missing or already terminal, so it
// is safe to retry or duplicate-deliver.
func (s *Service) Finalize(ctx context.Context, p FinalizeParams) error {
	if p.PromptTokens < 0 {
		p.PromptTokens = 0
	}
	if p.CompletionTokens < 0 {
		p.CompletionTokens = 0
	}
	total := p.PromptTokens + p.CompletionTokens
	if p.TotalTokens != nil {
		total = *p.TotalTokens
	}
	if total < 0 {
		total = 0
	}
	status := p.Status
	if status == "" || status == models.EventReserved {
		status = models.EventSuccess
	}

	return s.settle(ctx, p.RequestID, p.PromptTokens, p.CompletionTokens, total, status, p.Metadata, true)
}

// Release cancels a reservation without recording usage, for work that
// never completed (provider error, client disconnect). Same
// idempotency rules as Finalize.
func (s *Service) Release(ctx context.Context, requestID, status string) error {
	if status == "" || status == models.EventReserved {
		status = models.EventCanceled
	}
	return s.settle(ctx, requestID, 0, 0, 0, status, nil, false)
}

// settle performs the shared finalize/release path. countUsage selects
// whether the settled total lands in used_tokens.
func (s *Service) settle(ctx context.Context, requestID string, promptTokens, completionTokens, totalTokens int64, status string, metadata models.JSONB, countUsage bool) error {
	event, err := s.events.GetByRequestID(ctx, requestID)
	if errors.Is(err, storage.ErrUsageEventNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load usage event: %w", err)
	}
	if event.Terminal() {
		return nil
	}

	estimate := event.TotalTokens
	if estimate < 0 {
		estimate = 0
	}

	// The owning window is derived from the reservation time, not from
	// now: a request that finalizes after month-end settles against the
	// month it reserved in.
	var tzName string
	var limit int64
	budget, err := s.budgets.GetByUserID(ctx, event.UserID)
	if err != nil && !errors.Is(err, storage.ErrBudgetNotFound) {
		return fmt.Errorf("failed to load budget: %w", err)
	}
	if budget != nil {
		tzName = budget.TimezoneName()
		limit = budget.LimitTokens
	}
	window := GetMonthWindow(time.Unix(event.CreatedAt, 0), tzName)

	if _, err := s.aggregates.GetOrCreate(ctx, event.UserID, window.Start, limit); err != nil {
		return err
	}

	usedDelta := int64(0)
	if countUsage {
		usedDelta = totalTokens
	}

	// Transition and adjustment have to land together: a terminal event
	// with the hold still counted would leak reserved tokens forever.
	if _, err := s.events.Settle(ctx, storage.SettleParams{
		RequestID:        requestID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		Status:           status,
		Metadata:         metadata,
		UserID:           event.UserID,
		WindowStart:      window.Start,
		ReservedDelta:    -estimate,
		UsedDelta:        usedDelta,
	}); err != nil {
		return fmt.Errorf("failed to settle usage event: %w", err)
	}

	return nil
}

// status assembles the caller-facing view from a budget, its current
// window and the window's counters.
func (s *Service) status(budget *models.TokenBudget, window Window, agg *models.TokenWindowAggregate) *models.BudgetStatus {
	return &models.BudgetStatus{
		UserID:          budget.UserID,
		Enabled:         budget.Enabled,
		WindowType:      budget.WindowType,
		Timezone:        budget.Timezone,
		WindowStart:     window.Start,
		ResetAt:         window.ResetAt,
		LimitTokens:     budget.LimitTokens,
		UsedTokens:      agg.UsedTokens,
		ReservedTokens:  agg.ReservedTokens,
		RemainingTokens: models.Remaining(budget.LimitTokens, agg.UsedTokens, agg.ReservedTokens),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
