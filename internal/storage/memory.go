package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"token_budget/internal/models"
)

// MemoryStore keeps budgets, aggregates and usage events in process
// memory behind one mutex, mirroring the conditional-update semantics
// of the Postgres repositories. It backs standalone deployments
// without a database and the engine's unit tests; Postgres is the
// production path.
//
// The single mutex plays the role of the database's per-statement
// atomicity: every method is one critical section, so a reserve check
// and its increment cannot interleave with another caller's.
type MemoryStore struct {
	mu         sync.Mutex
	budgets    map[string]*models.TokenBudget
	aggregates map[aggregateKey]*models.TokenWindowAggregate
	events     map[string]*models.TokenUsageEvent // keyed by request_id
}

type aggregateKey struct {
	userID      string
	windowStart int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets:    make(map[string]*models.TokenBudget),
		aggregates: make(map[aggregateKey]*models.TokenWindowAggregate),
		events:     make(map[string]*models.TokenUsageEvent),
	}
}

// Budget operations

// GetByUserID retrieves a user's budget
func (s *MemoryStore) GetByUserID(ctx context.Context, userID string) (*models.TokenBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget, found := s.budgets[userID]
	if !found {
		return nil, ErrBudgetNotFound
	}
	copied := *budget
	return &copied, nil
}

// Upsert creates or updates the budget for a user
func (s *MemoryStore) Upsert(ctx context.Context, budget *models.TokenBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if existing, found := s.budgets[budget.UserID]; found {
		budget.ID = existing.ID
		budget.CreatedAt = existing.CreatedAt
	} else {
		if budget.ID == uuid.Nil {
			budget.ID = uuid.New()
		}
		budget.CreatedAt = now
	}
	if budget.WindowType == "" {
		budget.WindowType = models.WindowMonthly
	}
	budget.UpdatedAt = now

	copied := *budget
	s.budgets[budget.UserID] = &copied
	return nil
}

// List retrieves budgets ordered by creation time, newest first
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*models.TokenBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*models.TokenBudget, 0, len(s.budgets))
	for _, b := range s.budgets {
		copied := *b
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	return paginate(all, limit, offset), nil
}

// Aggregate operations

// Get retrieves the aggregate for one user and window
func (s *MemoryStore) Get(ctx context.Context, userID string, windowStart int64) (*models.TokenWindowAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, found := s.aggregates[aggregateKey{userID, windowStart}]
	if !found {
		return nil, ErrAggregateNotFound
	}
	copied := *agg
	return &copied, nil
}

// GetOrCreate lazily creates the window aggregate and refreshes its
// limit snapshot on mismatch
func (s *MemoryStore) GetOrCreate(ctx context.Context, userID string, windowStart, limitSnapshot int64) (*models.TokenWindowAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggregateKey{userID, windowStart}
	agg, found := s.aggregates[key]
	if !found {
		agg = &models.TokenWindowAggregate{
			ID:                  uuid.New(),
			UserID:              userID,
			WindowStart:         windowStart,
			LimitTokensSnapshot: limitSnapshot,
			UpdatedAt:           time.Now().Unix(),
		}
		s.aggregates[key] = agg
	} else if agg.LimitTokensSnapshot != limitSnapshot {
		agg.LimitTokensSnapshot = limitSnapshot
		agg.UpdatedAt = time.Now().Unix()
	}

	copied := *agg
	return &copied, nil
}

// Reserve adds estimate to reserved_tokens, enforcing the snapshot
// ceiling when limit > 0. Check and increment happen under one lock,
// matching the single-statement guarantee of the SQL version.
func (s *MemoryStore) Reserve(ctx context.Context, userID string, windowStart, estimate, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, found := s.aggregates[aggregateKey{userID, windowStart}]
	if !found {
		return false, nil
	}

	if limit > 0 && agg.UsedTokens+agg.ReservedTokens+estimate > agg.LimitTokensSnapshot {
		return false, nil
	}

	agg.ReservedTokens += estimate
	agg.UpdatedAt = time.Now().Unix()
	return true, nil
}

// Adjust applies deltas to the reserved and used counters
func (s *MemoryStore) Adjust(ctx context.Context, userID string, windowStart, reservedDelta, usedDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, found := s.aggregates[aggregateKey{userID, windowStart}]
	if !found {
		return nil
	}

	agg.ReservedTokens += reservedDelta
	agg.UsedTokens += usedDelta
	agg.UpdatedAt = time.Now().Unix()
	return nil
}

// Event operations

// Insert creates a usage event; duplicate request IDs are rejected
func (s *MemoryStore) Insert(ctx context.Context, event *models.TokenUsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.events[event.RequestID]; found {
		return ErrDuplicateRequestID
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}

	copied := *event
	s.events[event.RequestID] = &copied
	return nil
}

// GetByRequestID retrieves a usage event by its idempotency key
func (s *MemoryStore) GetByRequestID(ctx context.Context, requestID string) (*models.TokenUsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, found := s.events[requestID]
	if !found {
		return nil, ErrUsageEventNotFound
	}
	copied := *event
	return &copied, nil
}

// Settle transitions a reserved event to a terminal status and applies
// the aggregate deltas under the same lock, so both land together or
// not at all. The returned bool reports whether this call performed
// the transition.
func (s *MemoryStore) Settle(ctx context.Context, p SettleParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, found := s.events[p.RequestID]
	if !found || event.Status != models.EventReserved {
		return false, nil
	}

	event.PromptTokens = p.PromptTokens
	event.CompletionTokens = p.CompletionTokens
	event.TotalTokens = p.TotalTokens
	event.Status = p.Status
	if p.Metadata != nil {
		event.Metadata = p.Metadata
	}

	if aggregate, ok := s.aggregates[aggregateKey{p.UserID, p.WindowStart}]; ok {
		aggregate.ReservedTokens += p.ReservedDelta
		aggregate.UsedTokens += p.UsedDelta
		aggregate.UpdatedAt = time.Now().Unix()
	}
	return true, nil
}

// StaleReserved returns reserved events created before the cutoff, oldest first
func (s *MemoryStore) StaleReserved(ctx context.Context, cutoff int64, limit int) ([]*models.TokenUsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.TokenUsageEvent
	for _, event := range s.events {
		if event.Status == models.EventReserved && event.CreatedAt < cutoff {
			copied := *event
			stale = append(stale, &copied)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt < stale[j].CreatedAt })

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Reporting operations

// WindowTotals sums settled usage for a user in [start, end)
func (s *MemoryStore) WindowTotals(ctx context.Context, userID string, start, end int64) (*models.UsageTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := &models.UsageTotals{}
	for _, event := range s.events {
		if !s.inRange(event, userID, start, end) || event.Status != models.EventSuccess {
			continue
		}
		totals.PromptTokens += event.PromptTokens
		totals.CompletionTokens += event.CompletionTokens
		totals.TotalTokens += event.TotalTokens
	}
	return totals, nil
}

// DailySeries buckets settled usage by calendar day in the given timezone
func (s *MemoryStore) DailySeries(ctx context.Context, userID string, start, end int64, tzName string) ([]*models.UsageSeriesPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := time.UTC
	if tzName != "" {
		if parsed, err := time.LoadLocation(tzName); err == nil {
			loc = parsed
		}
	}

	buckets := make(map[string]int64)
	for _, event := range s.events {
		if !s.inRange(event, userID, start, end) || event.Status != models.EventSuccess {
			continue
		}
		day := time.Unix(event.CreatedAt, 0).In(loc).Format("2006-01-02")
		buckets[day] += event.TotalTokens
	}

	points := make([]*models.UsageSeriesPoint, 0, len(buckets))
	for day, tokens := range buckets {
		points = append(points, &models.UsageSeriesPoint{Date: day, Tokens: tokens})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}

// ModelBreakdown returns per-model settled usage, heaviest first
func (s *MemoryStore) ModelBreakdown(ctx context.Context, userID string, start, end int64, limit int) ([]*models.ModelUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModel := make(map[string]int64)
	for _, event := range s.events {
		if !s.inRange(event, userID, start, end) || event.Status != models.EventSuccess {
			continue
		}
		model := "unknown"
		if event.ModelID != nil {
			model = *event.ModelID
		}
		byModel[model] += event.TotalTokens
	}

	rows := make([]*models.ModelUsage, 0, len(byModel))
	for model, tokens := range byModel {
		rows = append(rows, &models.ModelUsage{Model: model, Tokens: tokens})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Tokens != rows[j].Tokens {
			return rows[i].Tokens > rows[j].Tokens
		}
		return rows[i].Model < rows[j].Model
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Activity returns a page of events for a user, newest first
func (s *MemoryStore) Activity(ctx context.Context, userID string, start, end int64, limit, offset int) ([]*models.TokenUsageEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.TokenUsageEvent
	for _, event := range s.events {
		if s.inRange(event, userID, start, end) {
			copied := *event
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })

	total := len(matched)
	return paginate(matched, limit, offset), total, nil
}

func (s *MemoryStore) inRange(event *models.TokenUsageEvent, userID string, start, end int64) bool {
	return event.UserID == userID && event.CreatedAt >= start && event.CreatedAt < end
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
