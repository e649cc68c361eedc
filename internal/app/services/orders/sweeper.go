package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/metrics"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/internal/app/system"
	"github.com/shopworks/creditcore/pkg/logger"
)

// Sweeper periodically fails pending orders whose checkout never completed.
type Sweeper struct {
	store    storage.OrderStore
	service  *Service
	schedule string
	ttl      time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper builds a sweeper that runs on the given cron schedule and fails
// pending orders older than ttl.
func NewSweeper(store storage.OrderStore, service *Service, schedule string, ttl time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("order-sweeper")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sweeper{
		store:    store,
		service:  service,
		schedule: schedule,
		ttl:      ttl,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "order-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true

	s.log.WithField("schedule", s.schedule).
		WithField("pending_ttl", s.ttl.String()).
		Info("order sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	// cron.Stop returns a context that is done once running jobs finish.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	stale, err := s.store.ListStalePending(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("list stale pending orders failed")
		return
	}

	for _, o := range stale {
		if _, err := s.service.Fail(ctx, o.ID); err != nil {
			// Lost the race against a concurrent settlement; the order is no
			// longer pending, which is exactly what we wanted to know.
			if errors.Is(err, order.ErrInvalidTransition) {
				continue
			}
			s.log.WithError(err).Warnf("fail stale order %s", o.ID)
			continue
		}
		metrics.RecordStaleOrderFailed()
		s.log.WithField("order_id", o.ID).
			WithField("created_at", o.CreatedAt).
			Info("stale pending order failed")
	}
}
