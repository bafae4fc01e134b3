package budget

import (
	"context"
	"time"

	"token_budget/internal/models"
	"token_budget/internal/utils"
)

// StaleEventStore lists reservations whose callers never settled them.
type StaleEventStore interface {
	StaleReserved(ctx context.Context, cutoff int64, limit int) ([]*models.TokenUsageEvent, error)
}

// Sweeper reclaims leaked reservations. A worker that crashes between
// Reserve and Finalize leaves reserved_tokens held forever, shrinking
// the user's window for the rest of the month; the sweeper releases
// reservations older than the TTL through the normal Release path so
// every adjustment stays idempotent.
type Sweeper struct {
	service *Service
	events  StaleEventStore
	logger  *utils.Logger

	interval  time.Duration
	ttl       time.Duration
	batchSize int

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// SweeperConfig holds sweeper settings
type SweeperConfig struct {
	// Interval between sweep passes.
	Interval time.Duration
	// TTL is how long a reservation may stay unsettled before it is
	// treated as abandoned.
	TTL time.Duration
	// BatchSize caps how many stale events one pass releases.
	BatchSize int
}

// DefaultSweeperConfig returns default sweeper settings
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Minute,
		TTL:       30 * time.Minute,
		BatchSize: 100,
	}
}

// NewSweeper creates a sweeper over the given engine and event store
func NewSweeper(service *Service, events StaleEventStore, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSweeperConfig().TTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig().BatchSize
	}

	return &Sweeper{
		service:     service,
		events:      events,
		logger:      utils.NewLogger("budget-sweeper"),
		interval:    cfg.Interval,
		ttl:         cfg.TTL,
		batchSize:   cfg.BatchSize,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the background sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop gracefully stops the sweep loop
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("Sweeper stopping")
			return
		case <-ctx.Done():
			s.logger.Info("Sweeper context cancelled")
			return
		case <-ticker.C:
			if released, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep pass failed", "error", err)
			} else if released > 0 {
				s.logger.Info("Released abandoned reservations", "count", released)
			}
		}
	}
}

// Sweep releases one batch of reservations older than the TTL and
// returns how many it settled. Exported so operators can trigger a
// pass on demand.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.service.now().Add(-s.ttl).Unix()

	stale, err := s.events.StaleReserved(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, event := range stale {
		if err := s.service.Release(ctx, event.RequestID, models.EventExpired); err != nil {
			s.logger.Error("Failed to release stale reservation",
				"request_id", event.RequestID, "user_id", event.UserID, "error", err)
			continue
		}
		released++
	}

	return released, nil
}
