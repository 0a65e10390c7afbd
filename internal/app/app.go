// Package app assembles the credit engine components over one host store.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/admin"
	"github.com/MarkoPoloResearchLab/storecredits/internal/antiforgery"
	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/events"
	"github.com/MarkoPoloResearchLab/storecredits/internal/gateway"
	"github.com/MarkoPoloResearchLab/storecredits/internal/locking"
	"github.com/MarkoPoloResearchLab/storecredits/internal/partial"
	"github.com/MarkoPoloResearchLab/storecredits/internal/reaper"
	"github.com/MarkoPoloResearchLab/storecredits/internal/registration"
	"github.com/MarkoPoloResearchLab/storecredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"go.uber.org/zap"
)

const defaultTokenTTL = 30 * time.Minute

// ErrInvalidAppConfig reports a missing dependency.
var ErrInvalidAppConfig = errors.New("invalid app config")

// Host is the storage the engine runs on.
type Host interface {
	ledger.Store
	settings.KeyValueStore
	commerce.UserDirectory
	commerce.CartStore
	commerce.CouponStore
	commerce.OrderStore
}

// Options configures New.
type Options struct {
	Host Host
	// Balances overrides Host as the balance store. Optional.
	Balances        ledger.Store
	Locker          ledger.Locker
	OperationLogger ledger.OperationLogger
	Logger          *zap.Logger
	Now             func() time.Time
	TokenSigningKey []byte
	TokenTTL        time.Duration
	TickInterval    time.Duration
	ReaperGrace     time.Duration
}

// App holds the wired components.
type App struct {
	Settings     *settings.Repository
	Credits      *ledger.Service
	Partial      *partial.Workflow
	Gateway      *gateway.Gate
	Registration *registration.Hook
	Reaper       *reaper.Reaper
	Scheduler    *scheduler.Scheduler
	Admin        *admin.Service
	Events       *events.Dispatcher
}

// New wires every component and registers the host event handlers.
func New(options Options) (*App, error) {
	if options.Host == nil {
		return nil, fmt.Errorf("%w: host store is required", ErrInvalidAppConfig)
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	tokenTTL := options.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	balances := options.Balances
	if balances == nil {
		balances = options.Host
	}

	locker := options.Locker
	if locker == nil {
		locker = locking.NewMemoryLocker()
	}

	serviceOptions := []ledger.ServiceOption{
		ledger.WithLocker(locker),
		ledger.WithHolds(commerce.NewCreditHolds(options.Host)),
	}
	if options.OperationLogger != nil {
		serviceOptions = append(serviceOptions, ledger.WithOperationLogger(options.OperationLogger))
	}
	credits, err := ledger.NewService(balances, serviceOptions...)
	if err != nil {
		return nil, err
	}
	repository := settings.NewRepository(options.Host)

	tokens, err := antiforgery.NewManager(options.TokenSigningKey, tokenTTL, now)
	if err != nil {
		return nil, err
	}
	workflow, err := partial.New(partial.Dependencies{
		Credits:  credits,
		Carts:    options.Host,
		Coupons:  options.Host,
		Orders:   options.Host,
		Settings: repository,
		Tokens:   tokens,
		Locker:   locker,
		Logger:   logger.Named("partial"),
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	gate, err := gateway.New(credits, options.Host, options.Host, repository, logger.Named("gateway"), now)
	if err != nil {
		return nil, err
	}
	hook, err := registration.New(credits, repository, logger.Named("registration"), now)
	if err != nil {
		return nil, err
	}
	sweeper, err := reaper.New(options.Host, logger.Named("reaper"), now, reaper.WithGracePeriod(options.ReaperGrace))
	if err != nil {
		return nil, err
	}
	ticker, err := scheduler.New(credits, options.Host, repository, now,
		scheduler.WithInterval(options.TickInterval),
		scheduler.WithSweeper(sweeper),
		scheduler.WithLogger(logger.Named("scheduler")),
	)
	if err != nil {
		return nil, err
	}
	operator, err := admin.New(credits, options.Host, repository, logger.Named("admin"))
	if err != nil {
		return nil, err
	}

	application := &App{
		Settings:     repository,
		Credits:      credits,
		Partial:      workflow,
		Gateway:      gate,
		Registration: hook,
		Reaper:       sweeper,
		Scheduler:    ticker,
		Admin:        operator,
		Events:       events.NewDispatcher(),
	}
	application.registerHandlers()
	return application, nil
}

func (application *App) registerHandlers() {
	application.Events.Register(events.TypeUserRegistered, func(ctx context.Context, event events.Event) error {
		_, err := application.Registration.HandleUserRegistered(ctx, event.UserID)
		return err
	})
	application.Events.Register(events.TypeOrderCreated, func(ctx context.Context, event events.Event) error {
		_, err := application.Partial.RecordOrderUsage(ctx, event.OrderID)
		return err
	})
	application.Events.Register(events.TypeOrderProcessed, func(ctx context.Context, event events.Event) error {
		_, err := application.Partial.DebitProcessedOrder(ctx, event.OrderID)
		return err
	})
	application.Events.Register(events.TypeTick, func(ctx context.Context, _ events.Event) error {
		_, err := application.Scheduler.Tick(ctx)
		return err
	})
}
