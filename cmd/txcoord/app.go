package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/txcoord/txcoord/config"
	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/api"
	"github.com/txcoord/txcoord/pkg/api/events"
	"github.com/txcoord/txcoord/pkg/api/handlers"
	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/metrics"
	"github.com/txcoord/txcoord/pkg/participant"
	"github.com/txcoord/txcoord/pkg/saga"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/twopc"
	"github.com/txcoord/txcoord/pkg/wal"
)

// app holds every long-lived component of one coordinator process.
type app struct {
	cfg *config.Config
	log logger.Logger

	metrics     *metrics.Manager
	db          *badger.DB
	wal         wal.WAL
	store       store.Store
	redis       *redis.Client
	bus         abort.Bus
	aborts      *abort.Registry
	invoker     *invoker.Invoker
	broadcaster *events.Broadcaster
	saga        *saga.Orchestrator
	twopc       *twopc.Coordinator
	health      *handlers.HealthHandler
	stream      *handlers.WebSocketHandler
	server      *api.HTTPServer
}

func newApp(cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	a.metrics = metrics.NewManager(cfg.PrometheusConfig())

	if err := a.openStorage(); err != nil {
		a.close()
		return nil, err
	}
	a.openAbortBus()
	a.aborts = abort.NewRegistry(
		abort.WithBus(a.bus),
		abort.WithMetrics(a.metrics),
		abort.WithLogger(log),
	)

	participants, err := registerParticipants(cfg.Participants)
	if err != nil {
		a.close()
		return nil, err
	}

	a.invoker = invoker.New(
		invoker.WithMetrics(a.metrics),
		invoker.WithRateLimits(cfg.Invoker.Limits()),
		invoker.WithLogger(log),
	)
	a.broadcaster = events.NewBroadcaster(events.WithDropHook(a.metrics.RecordEventDropped))

	coord := cfg.Coordinator
	a.saga = saga.New(participants,
		saga.WithInvoker(a.invoker),
		saga.WithForwardPolicy(coord.ForwardRetry.Policy()),
		saga.WithCompensationPolicy(coord.CompensationRetry.Policy()),
		saga.WithStepTimeout(coord.StepTimeout),
		saga.WithTransactionDeadline(coord.TransactionDeadline),
		saga.WithMaxConcurrent(coord.MaxConcurrent),
		saga.WithWAL(a.wal),
		saga.WithStore(a.store),
		saga.WithMetrics(a.metrics),
		saga.WithLogger(log),
		saga.WithAbortRegistry(a.aborts),
		saga.WithEventSink(a.broadcaster),
	)
	a.twopc = twopc.New(participants,
		twopc.WithInvoker(a.invoker),
		twopc.WithForwardPolicy(coord.ForwardRetry.Policy()),
		twopc.WithCompensationPolicy(coord.CompensationRetry.Policy()),
		twopc.WithCallTimeout(coord.StepTimeout),
		twopc.WithPrepareDeadline(coord.PrepareDeadline),
		twopc.WithWAL(a.wal),
		twopc.WithStore(a.store),
		twopc.WithMetrics(a.metrics),
		twopc.WithLogger(log),
		twopc.WithAbortRegistry(a.aborts),
		twopc.WithEventSink(a.broadcaster),
	)

	a.health = handlers.NewHealthHandler(a.aborts.Active)
	a.health.AddCheck("abort_bus", a.bus.Healthy)
	if a.db != nil {
		a.health.AddCheck("storage", func(context.Context) bool { return !a.db.IsClosed() })
	}

	ev := cfg.Server.Events
	a.stream = handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: ev.AllowedOrigins,
		MaxConnections: ev.MaxConnections,
		PingInterval:   ev.PingInterval,
		PongTimeout:    ev.PongTimeout,
	}, a.metrics)

	h := &api.Handlers{
		Saga:        handlers.NewSagaHandler(a.saga, log),
		TwoPC:       handlers.NewTwoPCHandler(a.twopc, log),
		Transaction: handlers.NewTransactionHandler(a.store, log, a.saga, a.twopc),
		Health:      a.health,
		Events:      a.stream,
		Metrics:     a.metrics,
	}
	// A dedicated metrics listener replaces the route on the API server.
	if a.metrics.Enabled() && cfg.Metrics.Port == 0 {
		h.MetricsHandler = a.metrics.Handler()
	}
	a.server = api.NewHTTPServer(cfg, log, h)
	return a, nil
}

func (a *app) openStorage() error {
	switch a.cfg.Storage.Type {
	case "badger":
		bc := a.cfg.Storage.Badger
		db, err := wal.OpenDB(bc.Path, wal.BadgerOptions{
			SyncWrites:       bc.SyncWrites,
			InMemory:         bc.InMemory,
			ValueLogFileSize: bc.ValueLogFileSize,
		})
		if err != nil {
			return err
		}
		a.db = db
		a.wal = wal.NewBadger(db)
		s, err := store.NewBadgerStore(db)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		a.store = s
		a.log.Info("initialized badger storage", "path", bc.Path, "in_memory", bc.InMemory)
	default:
		a.wal = wal.NewMemoryWAL()
		a.store = store.NewMemoryStore()
		a.log.Info("initialized memory storage")
	}
	return nil
}

func (a *app) openAbortBus() {
	if a.cfg.Abort.Bus != "redis" {
		a.bus = abort.NewLocalBus()
		return
	}
	rc := a.cfg.Abort.Redis
	a.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.bus = abort.NewRedisBus(a.redis, rc.Channel)
	a.log.Info("using redis abort bus", "address", rc.Address, "channel", rc.Channel)
}

// registerParticipants builds an HTTP participant per configured service,
// in name order so startup logs are stable.
func registerParticipants(cfgs map[string]config.ParticipantConfig) (*participant.Registry, error) {
	reg := participant.NewRegistry()
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfgs[name]
		var opts []participant.HTTPOption
		if pc.Timeout > 0 {
			opts = append(opts, participant.WithHTTPClient(&http.Client{Timeout: pc.Timeout}))
		}
		p, err := participant.NewHTTPParticipant(name, pc.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		if pc.Supports(config.ProtocolSaga) {
			if err := reg.RegisterSaga(name, p); err != nil {
				return nil, err
			}
		}
		if pc.Supports(config.ProtocolTwoPhase) {
			if err := reg.RegisterTwoPhase(p); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// start launches the background loops and resolves unfinished
// transactions before the API reports ready.
func (a *app) start(ctx context.Context) {
	go func() {
		if err := a.aborts.Listen(ctx); err != nil {
			a.log.Error("abort listener stopped", "error", err)
		}
	}()

	buffer := a.cfg.Server.Events.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	go a.stream.Run(ctx, a.broadcaster.Subscribe(buffer))

	if a.metrics.Enabled() && a.cfg.Metrics.Port > 0 {
		go func() {
			a.log.Info("starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.cfg.Coordinator.RecoverOnStart {
		a.recover(ctx)
	}
	a.health.SetReady(true)
}

func (a *app) recover(ctx context.Context) {
	sagas, err := a.saga.RecoverPending(ctx)
	if err != nil {
		a.log.Error("saga recovery failed", "error", err)
	}
	commits, err := a.twopc.RecoverPending(ctx)
	if err != nil {
		a.log.Error("2pc recovery failed", "error", err)
	}
	if len(sagas)+len(commits) > 0 {
		a.log.Info("recovered unfinished transactions", "sagas", len(sagas), "two_phase", len(commits))
	}
}

// applyReload pushes the hot-reloadable settings into running components.
func (a *app) applyReload(cfg *config.Config) {
	hot := config.ExtractHotReloadable(cfg)
	logger.SetLevel(hot.EffectiveLogLevel())
	a.invoker.SetRateLimits(cfg.Invoker.Limits())
	a.log.Info("configuration reloaded", "log_level", cfg.Log.Level, "rate_limits", len(cfg.Invoker.RateLimits))
}

// shutdown stops accepting requests and releases resources.
func (a *app) shutdown(ctx context.Context) {
	a.health.SetReady(false)
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("error shutting down HTTP server", "error", err)
	}
	a.stream.Close()
	a.close()
}

func (a *app) close() {
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("error closing abort bus", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("error closing redis client", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("error closing storage", "error", err)
		}
	}
}
