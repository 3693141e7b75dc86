// Package resilience assembles the client resilience layer from configuration.
//
// New constructs every service explicitly and wires the cross-service hooks:
//
//   - successful credential refreshes are recorded by the controller
//   - the degraded-mode controller tracks every API call outcome
//   - a successful reconnect replays transitions queued while offline
//   - ready notifications are mirrored onto the display board
//
// There are no package-level singletons; each App owns its services.
package resilience

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/fruithappens/coffeecue/internal/config"
	"github.com/fruithappens/coffeecue/pkg/apiclient"
	"github.com/fruithappens/coffeecue/pkg/credential"
	"github.com/fruithappens/coffeecue/pkg/degraded"
	"github.com/fruithappens/coffeecue/pkg/notify"
	"github.com/fruithappens/coffeecue/pkg/orders"
	"github.com/fruithappens/coffeecue/pkg/session"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Options overrides the parts of an App that tests and embedders supply.
type Options struct {
	Store      store.Store          // Default: opened from the storage config and closed by Close
	Clock      clock.Clock          // Default: wall clock
	Registry   *prometheus.Registry // Default: a new registry with Go and process collectors
	HTTPClient *http.Client
}

// App is one client session instance of the resilience layer.
type App struct {
	Config      *config.Config
	Instance    string
	Store       store.Store
	Credentials *credential.Store
	API         *apiclient.Client
	Controller  *degraded.Controller
	Orders      *orders.Service
	Sessions    *session.Manager
	Notifier    *notify.Dispatcher
	Display     *notify.DisplayBoard
	Registry    *prometheus.Registry

	ownsStore bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenStore opens the durable store the storage config names.
func OpenStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis, "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return store.NewRedisStore(opts, cfg.Namespace)
	case config.BackendBadger:
		bcfg := store.DefaultBadgerConfig(cfg.BadgerPath)
		if cfg.InMemory {
			bcfg = store.InMemoryBadgerConfig()
		}
		return store.OpenBadgerStore(bcfg, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// New builds and initializes every service. The store is pinged and the
// persisted degraded-mode state loaded before New returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &App{
		Config:   cfg,
		Instance: cfg.Instance,
		Store:    opts.Store,
		Registry: opts.Registry,
	}
	if app.Instance == "" {
		app.Instance = uuid.NewString()
	}
	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	if app.Store == nil {
		kv, err := OpenStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		app.Store = kv
		app.ownsStore = true
	}
	if err := app.Store.Ping(ctx); err != nil {
		app.closeStore()
		return nil, fmt.Errorf("store not accessible: %w", err)
	}

	auth := credential.NewHTTPAuthenticator(cfg.API.URL, cfg.API.Timeout)
	app.Credentials = credential.New(app.Store, auth, credential.Config{
		RefreshMargin: cfg.Resilience.RefreshMargin,
		Clock:         clk,
	})

	app.API = apiclient.New(apiclient.Config{
		BaseURL:    cfg.API.URL,
		Timeout:    cfg.API.Timeout,
		HTTPClient: opts.HTTPClient,
	}, app.Credentials)

	app.Controller = degraded.New(app.Store, app.API, degraded.Config{
		AuthThreshold:    cfg.Resilience.AuthThreshold,
		NetworkThreshold: cfg.Resilience.NetworkThreshold,
		ProbeInterval:    cfg.Resilience.ProbeInterval,
		Baseline:         orders.Baseline,
		Clock:            clk,
		Registerer:       app.Registry,
		Origin:           app.Instance,
	})
	if err := app.Controller.Init(ctx); err != nil {
		app.closeStore()
		return nil, err
	}
	app.API.SetTracker(app.Controller)
	app.Credentials.OnRefresh(func(ctx context.Context, _ *credential.Credential) {
		app.Controller.RecordRefresh(ctx)
	})

	app.Orders = orders.NewService(app.API, app.Controller, app.Store, orders.Config{
		Clock:  clk,
		Origin: app.Instance,
	})
	app.Controller.OnReconnect(func(ctx context.Context) {
		if _, err := app.Orders.ReplayOutbox(ctx); err != nil {
			log.Printf("[Resilience] Outbox replay after reconnect failed: %v", err)
		}
	})

	app.Sessions = session.New(app.Store, session.Config{
		BackupGrace: cfg.Session.BackupGrace,
		Clock:       clk,
		InstanceID:  app.Instance,
	})

	app.Display = notify.NewDisplayBoard(app.Store, clk, app.Instance, cfg.Notify.DisplaySize)
	app.Notifier = notify.NewDispatcher(app.Store, notify.DefaultStrategies(app.API), notify.Config{
		MaxRetries:     cfg.Notify.MaxRetries,
		BaseDelay:      cfg.Notify.BaseDelay,
		DisplayTimeout: cfg.Notify.DisplayTimeout,
		Display:        app.Display.Show,
		Clock:          clk,
		Registerer:     app.Registry,
		Origin:         app.Instance,
	})

	log.Printf("[Resilience] Instance %s ready (namespace %s, backend %s, mode %s)",
		app.Instance, cfg.Storage.Namespace, cfg.Storage.Backend, app.Controller.Mode())
	return app, nil
}

// Start follows mode changes made by other instances until Close is called.
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Controller.Follow(ctx); err != nil {
			log.Printf("[Resilience] Stopped following mode changes: %v", err)
		}
	}()
}

// Close stops background work, waits for pending display updates and
// releases the store when New opened it.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		a.Notifier.Wait()
		if serr := a.Sessions.Close(); serr != nil {
			log.Printf("[Resilience] Failed to stop session manager: %v", serr)
		}
		err = a.closeStore()
	})
	return err
}

func (a *App) closeStore() error {
	if !a.ownsStore || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
