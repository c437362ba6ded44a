// ABOUTME: Gateway orchestrator that wires registry, router, sessions, and stores
// ABOUTME: Owns the HTTP and optional gRPC health servers and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/presence"
	"github.com/2389/desk-gateway/internal/registry"
	"github.com/2389/desk-gateway/internal/router"
	"github.com/2389/desk-gateway/internal/session"
	"github.com/2389/desk-gateway/internal/store"
)

// healthService is the service name reported by the gRPC health server
// alongside the overall "" status.
const healthService = "desk.Gateway"

// Gateway orchestrates the desk-gateway server components.
type Gateway struct {
	config   *config.Config
	tracker  *presence.Tracker
	registry *registry.Registry
	router   *router.Router
	sessions *session.Manager
	accounts *auth.Accounts
	history  store.HistoryStore
	logger   *slog.Logger

	// closers release the stores on shutdown, in order
	closers []func() error

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// sessionCtx is cancelled on shutdown to end sessions that never identified
	sessionCtx    context.Context
	cancelSession context.CancelFunc
}

// initStores opens the account store and the configured history backend.
func initStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.AccountStore, store.HistoryStore, []func() error, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	sqlStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing store: %w", err)
	}
	closers := []func() error{sqlStore.Close}

	if cfg.History.Backend != config.HistoryRedis {
		return sqlStore, sqlStore, closers, nil
	}

	redisHistory, err := store.NewRedisHistory(ctx, cfg.History.RedisURL)
	if err != nil {
		_ = sqlStore.Close()
		return nil, nil, nil, fmt.Errorf("initializing redis history: %w", err)
	}
	logger.Info("using redis history backend")
	return sqlStore, redisHistory, append([]func() error{redisHistory.Close}, closers...), nil
}

// New creates a Gateway from configuration, opening its stores.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	accounts, history, closers, err := initStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := NewWithStores(ctx, cfg, accounts, history, logger)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	gw.closers = closers
	return gw, nil
}

// NewWithStores creates a Gateway around already-open stores. The caller
// keeps ownership of the stores.
func NewWithStores(ctx context.Context, cfg *config.Config, accounts store.AccountStore, history store.HistoryStore, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:  cfg,
		tracker: presence.NewTracker(nil),
		history: history,
		logger:  logger,
	}
	gw.sessionCtx, gw.cancelSession = context.WithCancel(context.Background())

	gw.registry = registry.New(gw.tracker, registry.AnnouncerFunc(gw.announce), logger)
	gw.router = router.New(gw.registry, nil, logger)
	gw.sessions = session.NewManager(gw.registry, gw.tracker, gw.router, history, session.Config{
		QueueSize:         cfg.Sessions.OutboundQueueSize,
		WriteTimeout:      cfg.Sessions.WriteTimeout,
		MaxUsernameLength: cfg.Sessions.MaxUsernameLength,
	}, nil, logger)
	gw.accounts = auth.NewAccounts(accounts, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), auth.AccountsConfig{
		TokenTTL:          cfg.Auth.TokenTTL,
		MaxUsernameLength: cfg.Sessions.MaxUsernameLength,
		OnRegister:        func(username string) { gw.tracker.Seed(username) },
	}, logger)

	// Known agents appear in the roster as offline until they connect
	names, err := gw.accounts.Usernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("seeding roster: %w", err)
	}
	gw.tracker.Seed(names...)
	logger.Info("roster seeded", "agents", len(names))

	gw.httpServer = &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		gw.health = health.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	}

	return gw, nil
}

// announce forwards presence deltas to the session manager. Called under
// the registry lock.
func (g *Gateway) announce(delta presence.Delta, users []*registry.Connection) {
	g.sessions.Announce(delta, users)
}

// Accounts returns the agent account service.
func (g *Gateway) Accounts() *auth.Accounts {
	return g.accounts
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// setupListeners opens the HTTP listener and, when configured, the gRPC one.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every live connection, stops the servers, and closes the
// stores the gateway opened.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway",
		"users", g.registry.Count(registry.RoleUser),
		"agents", g.registry.Count(registry.RoleAgent),
	)

	g.registry.CloseAll()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.cancelSession()

	g.shutdownGRPCServer(ctx)

	for _, c := range g.closers {
		errs = appendCloseError(errs, "store close", c())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
