package app

import (
	"context"
	"fmt"
	"time"

	creditsvc "github.com/shopworks/creditcore/internal/app/services/credits"
	ordersvc "github.com/shopworks/creditcore/internal/app/services/orders"
	rewardsvc "github.com/shopworks/creditcore/internal/app/services/rewards"
	settlementsvc "github.com/shopworks/creditcore/internal/app/services/settlement"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/internal/app/storage/memory"
	"github.com/shopworks/creditcore/internal/app/system"
	"github.com/shopworks/creditcore/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger     storage.LedgerStore
	Orders     storage.OrderStore
	Settlement storage.SettlementStore
	Invites    storage.InviteStore
	APIKeys    storage.APIKeyStore
}

// Config carries the application-level knobs that do not belong to any
// single store or transport.
type Config struct {
	// WebhookSecret is the HMAC key shared with the payment provider.
	WebhookSecret string
	// RewardPercent of the order amount granted to the buyer's inviter.
	RewardPercent int64
	// SweepSchedule is a cron expression for the stale order sweeper;
	// empty disables it.
	SweepSchedule string
	// PendingTTL is how long an order may stay pending before it fails.
	PendingTTL time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Credits    *creditsvc.Service
	Orders     *ordersvc.Service
	Rewards    *rewardsvc.Evaluator
	Settlement *settlementsvc.Engine

	APIKeys storage.APIKeyStore
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, cfg Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg.WebhookSecret == "" {
		log.Warn("webhook secret not set; all webhook deliveries will be rejected")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Orders == nil {
		stores.Orders = mem
	}
	if stores.Settlement == nil {
		stores.Settlement = mem
	}
	if stores.Invites == nil {
		stores.Invites = mem
	}
	if stores.APIKeys == nil {
		stores.APIKeys = mem
	}

	manager := system.NewManager()

	creditService := creditsvc.New(stores.Ledger, log)
	orderService := ordersvc.New(stores.Orders, log)
	rewardEvaluator := rewardsvc.New(stores.Invites, cfg.RewardPercent, log)
	engine := settlementsvc.New(stores.Orders, stores.Settlement, rewardEvaluator, []byte(cfg.WebhookSecret), log)

	for _, name := range []string{"credits", "orders", "settlement"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	if cfg.SweepSchedule != "" {
		sweeper := ordersvc.NewSweeper(stores.Orders, orderService, cfg.SweepSchedule, cfg.PendingTTL, log)
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
		}
	} else {
		log.Warn("sweep schedule not set; stale pending orders will not expire")
	}

	return &Application{
		manager:    manager,
		log:        log,
		Credits:    creditService,
		Orders:     orderService,
		Rewards:    rewardEvaluator,
		Settlement: engine,
		APIKeys:    stores.APIKeys,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
