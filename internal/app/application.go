package app

import (
	"context"
	"fmt"
	"time"

	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/cache"
	billingsvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/billing"
	creditsvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/credits"
	jobsvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/jobs"
	plansvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/plans"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/sweeper"
	usersvc "github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/users"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage/memory"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/system"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users       storage.UserStore
	Plans       storage.PlanStore
	Credits     storage.CreditStore
	Jobs        storage.JobStore
	Billing     storage.BillingStore
	Idempotency storage.IdempotencyStore
}

// Options tunes the application beyond its stores.
type Options struct {
	// BalanceCache may be nil; balance reads then always hit the store.
	BalanceCache *cache.BalanceCache
	// Pricing maps job kinds to per-unit credit costs.
	Pricing jobsvc.Pricing
	// QuoteTTL bounds how long an unconsumed quote holds credits.
	QuoteTTL time.Duration
	// Sweeper tunes the maintenance schedules.
	Sweeper sweeper.Config
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger

	Users   *usersvc.Service
	Plans   *plansvc.Service
	Credits *creditsvc.Service
	Jobs    *jobsvc.Service
	Billing *billingsvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Plans == nil {
		stores.Plans = mem
	}
	if stores.Credits == nil {
		stores.Credits = mem
	}
	if stores.Jobs == nil {
		stores.Jobs = mem
	}
	if stores.Billing == nil {
		stores.Billing = mem
	}
	if stores.Idempotency == nil {
		stores.Idempotency = mem
	}
	if opts.Pricing == nil {
		opts.Pricing = jobsvc.Pricing{
			"video.render":  10,
			"video.upscale": 5,
			"image.render":  1,
		}
	}

	manager := system.NewManager()

	userService := usersvc.New(stores.Users, log)
	planService := plansvc.New(stores.Plans, log)
	creditService := creditsvc.New(stores.Users, stores.Credits, stores.Jobs, stores.Idempotency, opts.BalanceCache, log)
	jobService := jobsvc.New(stores.Jobs, creditService, opts.Pricing, opts.QuoteTTL, log)
	billingService := billingsvc.New(stores.Billing, userService, planService, creditService, log)

	for _, name := range []string{"users", "plans", "credits", "jobs", "billing"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	sweep := sweeper.New(creditService, jobService, opts.Sweeper, log)
	if err := manager.Register(sweep); err != nil {
		return nil, fmt.Errorf("register %s: %w", sweep.Name(), err)
	}

	return &Application{
		manager: manager,
		log:     log,
		Users:   userService,
		Plans:   planService,
		Credits: creditService,
		Jobs:    jobService,
		Billing: billingService,
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
