// ABOUTME: Gateway orchestrator that wires the store, agent manager, bus and servers together
// ABOUTME: Runs the HTTP server, gRPC health server and the liveness tick under one errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/nimrod-master/internal/agent"
	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/bus"
	"github.com/2389/nimrod-master/internal/config"
	"github.com/2389/nimrod-master/internal/dedupe"
	"github.com/2389/nimrod-master/internal/heart"
	"github.com/2389/nimrod-master/internal/metrics"
	"github.com/2389/nimrod-master/internal/replay"
	"github.com/2389/nimrod-master/internal/store"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "nimrod.master"

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	store   store.Store
	ledgers replay.Ledgers
	now     func() time.Time
}

// WithStore uses s instead of opening database.path.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLedgers uses l for replay nonces instead of the configured backend.
func WithLedgers(l replay.Ledgers) Option {
	return func(o *options) { o.ledgers = l }
}

// WithClock overrides the time source of the manager and tick loop.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Gateway orchestrates the nimrod-master server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	repo     *agent.StoreRepository
	manager  *agent.Manager
	hub      *bus.Hub
	metrics  *metrics.Collector
	ledgers  replay.Ledgers
	verifier *auth.JWTVerifier
	logger   *slog.Logger
	now      func() time.Time

	// idempotency replays responses to retried POSTs carrying an Idempotency-Key.
	idempotency *dedupe.Cache[recordedResponse]

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	mu       sync.Mutex
	grpcAddr net.Addr
	httpAddr net.Addr
	ready    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("NIMROD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func initLedgers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (replay.Ledgers, error) {
	if !cfg.Redis.Enabled() {
		logger.Info("replay ledger in memory")
		return replay.MemoryLedgers{}, nil
	}
	l, err := replay.NewRedisLedgers(ctx, replay.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing replay ledger: %w", err)
	}
	logger.Info("replay ledger in redis", "addr", cfg.Redis.Addr)
	return l, nil
}

// New builds a gateway from cfg. It opens the store, closes sessions left
// open by a previous run and applies persisted heart overrides.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	master, err := cfg.MasterSecretBytes()
	if err != nil {
		return nil, err
	}

	s := o.store
	if s == nil {
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}
	fail := func(err error) (*Gateway, error) {
		_ = s.Close()
		return nil, err
	}

	ledgers := o.ledgers
	if ledgers == nil {
		if ledgers, err = initLedgers(ctx, cfg, logger); err != nil {
			return fail(err)
		}
	}

	g := &Gateway{
		config:      cfg,
		store:       s,
		repo:        agent.NewStoreRepository(s),
		metrics:     metrics.NewCollector(metrics.DefaultNamespace),
		ledgers:     ledgers,
		logger:      logger.With("component", "gateway"),
		now:         o.now,
		idempotency: dedupe.New[recordedResponse](10*time.Minute, 10_000),
		ready:       make(chan struct{}),
	}

	closed, err := g.repo.CloseOrphans(ctx, g.now())
	if err != nil {
		return fail(fmt.Errorf("closing orphaned agents: %w", err))
	}
	if closed > 0 {
		g.logger.Warn("closed agents left open by a previous run", "count", closed)
	}

	g.hub = bus.NewHub(bus.DefaultHubConfig(), logger)
	outbox, err := bus.NewOutbox(g.hub, bus.OutboxConfig{
		MasterSecret: master,
		AppID:        cfg.Auth.AppID,
		Algorithm:    cfg.SigningAlgorithm(),
	}, g.metrics)
	if err != nil {
		return fail(err)
	}

	g.manager, err = agent.NewManager(agent.Config{
		MasterSecret:    master,
		AppID:           cfg.Auth.AppID,
		Algorithm:       cfg.SigningAlgorithm(),
		ReplayWindow:    cfg.Auth.ReplayWindow,
		DefaultWalltime: cfg.Agents.DefaultWalltime,
		Heart:           cfg.Heart(),
	}, agent.ManagerOptions{
		Transport:  outbox,
		Repository: g.repo,
		Ledgers:    ledgers,
		Metrics:    g.metrics,
		Logger:     logger,
		Now:        o.now,
	})
	if err != nil {
		return fail(fmt.Errorf("creating agent manager: %w", err))
	}
	g.hub.Attach(g.manager)

	if err := g.applyConfigOverrides(ctx); err != nil {
		return fail(err)
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fail(fmt.Errorf("creating JWT verifier: %w", err))
		}
	} else {
		g.logger.Warn("admin auth disabled - no jwt_secret configured")
	}

	g.grpcServer, g.health = newGRPCServer(g.verifier, logger)

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// applyConfigOverrides replays heart settings saved through the admin API.
func (g *Gateway) applyConfigOverrides(ctx context.Context) error {
	overrides, err := g.store.ListConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading config overrides: %w", err)
	}
	for _, key := range heart.Keys {
		value, ok := overrides[key]
		if !ok {
			continue
		}
		if err := g.manager.OnConfigChange(key, value); err != nil {
			g.logger.Warn("ignoring invalid config override", "key", key, "value", value, "error", err)
			continue
		}
		g.logger.Info("applied config override", "key", key, "value", value)
	}
	return nil
}

// Manager returns the agent manager.
func (g *Gateway) Manager() *agent.Manager { return g.manager }

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector { return g.metrics }

// Ready is closed once both servers are listening.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// HTTPAddr returns the bound HTTP address, or nil before Run listens.
func (g *Gateway) HTTPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil before Run listens.
func (g *Gateway) GRPCAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grpcAddr
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.mu.Lock()
	g.grpcAddr = grpcLn.Addr()
	g.httpAddr = httpLn.Addr()
	g.mu.Unlock()
	return grpcLn, httpLn, nil
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupTCPListeners()
	if err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.tickLoop(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	g.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	close(g.ready)

	return eg.Wait()
}

// tickLoop drives reaping, heartbeats and replay window upkeep.
func (g *Gateway) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Agents.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.manager.Tick(ctx, g.now())
		}
	}
}

// Shutdown stops the servers, closes agent connections and the store.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.health.Shutdown()

		var errs []error
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		g.shutdownGRPCServer(ctx)
		g.hub.Close()
		g.idempotency.Close()

		if c, ok := g.ledgers.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("ledger close: %w", err))
			}
		}
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("gRPC graceful stop timed out, forcing")
		g.grpcServer.Stop()
	}
}
