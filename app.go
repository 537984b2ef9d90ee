package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"showsync/broker/internal/auth"
	"showsync/broker/internal/bus"
	"showsync/broker/internal/config"
	grpcadmin "showsync/broker/internal/grpc"
	"showsync/broker/internal/httpapi"
	"showsync/broker/internal/journal"
	"showsync/broker/internal/lifecycle"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/presence"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
	"showsync/broker/internal/router"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
	"showsync/broker/internal/transport"
)

// app holds every long-lived component of one broker instance.
type app struct {
	cfg        *config.Config
	log        *logging.Logger
	startedAt  time.Time
	redis      *redis.Client
	sessions   session.Store
	engine     *reconcile.Engine
	bus        bus.Bus
	hub        *transport.Hub
	dispatcher *transport.Dispatcher
	directory  *room.Directory
	throttle   *router.Throttle
	router     *router.Router
	lifecycle  *lifecycle.Manager
	sweeper    *presence.Sweeper
	journal    *journal.Journal
	cleaner    *journal.Cleaner
	feed       *grpcadmin.Feed
	handler    http.Handler
}

// roomState drops a collected room from the engine and closes its journal log.
type roomState struct {
	*reconcile.Engine
	journal *journal.Journal
}

func (s roomState) DropRoom(ctx context.Context, roomID string) error {
	if err := s.Engine.DropRoom(ctx, roomID); err != nil {
		return err
	}
	if s.journal != nil {
		return s.journal.CloseRoom(roomID)
	}
	return nil
}

// newApp wires the broker from configuration. Nothing runs until start.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	a := &app{cfg: cfg, log: logger, startedAt: time.Now()}
	policy := storage.PolicyFromConfig(cfg.Store)

	//1.- Pick the stores; the redis backend shares one client across all of them.
	var (
		state reconcile.StateStore
		dedup reconcile.DedupStore
	)
	switch cfg.Store.Backend {
	case "redis":
		client, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.sessions = session.NewRedisStore(client, cfg.Store.SessionTable, session.WithRetryPolicy(policy))
		state = reconcile.NewRedisStateStore(client, cfg.Store.StateTable)
		dedup = reconcile.NewRedisDedupStore(client, cfg.Store.OpsTable, cfg.Store.OpsWindow, cfg.Session.TTL)
	default:
		a.sessions = session.NewMemoryStore()
		state = reconcile.NewMemoryStateStore()
		dedup = reconcile.NewMemoryDedupStore(cfg.Store.OpsWindow)
	}
	a.engine = reconcile.NewEngine(state, dedup, reconcile.WithRetryPolicy(policy))

	//2.- Cross-instance delivery.
	switch cfg.Bus.Backend {
	case "redis":
		a.bus = bus.NewRedisBus(a.redis, cfg.Bus.RedisChannel)
	case "kafka":
		kafka, err := bus.NewKafkaBus(cfg.Bus.KafkaBrokers, cfg.Bus.KafkaTopic, cfg.Bus.KafkaGroup)
		if err != nil {
			a.close()
			return nil, err
		}
		a.bus = kafka
	default:
		a.bus = bus.NewLocalBus()
	}
	a.hub = transport.NewHub(
		transport.WithSendBuffer(cfg.SendBuffer),
		transport.WithPingInterval(cfg.PingInterval),
		transport.WithWriteTimeout(cfg.WriteTimeout),
	)
	a.dispatcher = transport.NewDispatcher(cfg.ServerID, a.hub, a.bus)

	//3.- Authentication: a missing secret only works with anonymous access.
	var verifier *auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Leeway)
		if err != nil {
			a.close()
			return nil, err
		}
		verifier = v
	}
	authOpts := []auth.Option{auth.WithAnonymous(cfg.Auth.AllowAnonymous)}
	if a.redis != nil {
		authOpts = append(authOpts, auth.WithRevocationList(auth.NewRedisRevocationList(a.redis, cfg.Auth.RevocationKey)))
	}
	authenticator, err := auth.NewAuthenticator(verifier, authOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	//4.- Optional journal; it observes the engine so only accepted updates are logged.
	if cfg.Journal.Dir != "" {
		j, err := journal.New(cfg.Journal.Dir, a.engine, journal.WithServerID(cfg.ServerID), journal.WithLogger(logger))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.journal = j
		a.engine.Observe(j)
		a.cleaner = journal.NewCleaner(cfg.Journal.Dir, journal.RetentionPolicy{MaxFiles: cfg.Journal.MaxFiles, MaxAge: cfg.Journal.MaxAge}, logger)
		a.cleaner.ProtectOpenLogs(j)
	}
	a.feed = grpcadmin.NewFeed()
	a.engine.Observe(a.feed)

	//5.- Rooms, routing and the connection lifecycle.
	a.directory, err = room.NewDirectory(a.sessions, room.WithMaxSessions(cfg.Room.MaxSessions))
	if err != nil {
		a.close()
		return nil, err
	}
	a.lifecycle, err = lifecycle.NewManager(lifecycle.Dependencies{
		ServerID:  cfg.ServerID,
		Sessions:  a.sessions,
		Auth:      authenticator,
		Directory: a.directory,
		State:     roomState{Engine: a.engine, journal: a.journal},
		Sender:    a.dispatcher,
	},
		lifecycle.WithSessionTTL(cfg.Session.TTL),
		lifecycle.WithDepartHook(a.evictLocal),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.throttle = router.NewThrottle(cfg.Throttle, nil)
	a.router = router.New(a.engine, a.dispatcher, a.directory,
		router.WithThrottle(a.throttle),
		router.WithStaleHandler(a.lifecycle.MarkStale),
	)
	a.lifecycle.SetBroadcaster(a.router)
	a.dispatcher.OnStale(a.lifecycle.MarkStaleConnection)
	a.sweeper = presence.NewSweeper(a.sessions, a.lifecycle, nil)

	a.handler = a.routes(authenticator)
	return a, nil
}

// evictLocal closes the socket of a session removed behind its back, so the
// client reconnects and resyncs instead of writing into a room it left.
func (a *app) evictLocal(_ context.Context, s session.Session) {
	if s.ServerID != a.cfg.ServerID {
		return
	}
	a.hub.Evict(s.ConnectionID, httpapi.CloseSessionEnded, "session ended")
}

func (a *app) routes(authenticator *auth.Authenticator) http.Handler {
	opts := httpapi.Options{
		Logger:      a.log,
		Sessions:    a.sessions,
		Connections: a.hub.Count,
		StartedAt:   a.startedAt,
		State:       a.engine,
		Roster:      a.directory,
		AdminToken:  a.cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(a.cfg.AdminDumpWindow, a.cfg.AdminDumpBurst, nil),
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	mux := http.NewServeMux()
	httpapi.NewHandlerSet(opts).Register(mux, a.cfg.MetricsEnabled)
	mux.Handle("/ws", httpapi.NewGateway(httpapi.GatewayOptions{
		Logger:          a.log,
		Hub:             a.hub,
		Lifecycle:       a.lifecycle,
		Auth:            authenticator,
		Router:          a.router,
		Throttle:        a.throttle,
		AllowedOrigins:  a.cfg.AllowedOrigins,
		MaxPayloadBytes: a.cfg.MaxPayloadBytes,
		MaxClients:      a.cfg.MaxClients,
	}))
	return logging.HTTPTraceMiddleware(a.log)(mux)
}

// start launches the background loops. They stop with ctx.
func (a *app) start(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("bus subscribe: %w", err)
	}
	go a.sweeper.Run(ctx, a.cfg.Session.SweepInterval)
	if a.journal != nil {
		go a.journal.Run(ctx, a.cfg.Journal.SnapshotInterval)
		go a.cleaner.Run(ctx, time.Hour)
	}
	return nil
}

// adminService exposes the state engine over gRPC.
func (a *app) adminService() *grpcadmin.Service {
	return grpcadmin.NewService(a.engine, a.feed, grpcadmin.WithRoster(a.directory))
}

// close releases connections and stores in reverse order of construction.
func (a *app) close() error {
	var errs error
	if a.hub != nil {
		a.hub.Close()
	}
	if a.journal != nil {
		errs = errors.Join(errs, a.journal.Close())
	}
	if a.bus != nil {
		errs = errors.Join(errs, a.bus.Close())
	}
	if a.redis != nil {
		errs = errors.Join(errs, a.redis.Close())
	}
	return errs
}
