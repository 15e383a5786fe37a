// ABOUTME: Gateway orchestrator wiring registry, bridge, router, transports, and HTTP server
// ABOUTME: Owns startup order, background tasks, listeners, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/byoa-gateway/internal/auth"
	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/config"
	"github.com/2389/byoa-gateway/internal/guard"
	"github.com/2389/byoa-gateway/internal/inject"
	"github.com/2389/byoa-gateway/internal/metrics"
	"github.com/2389/byoa-gateway/internal/ratelimit"
	"github.com/2389/byoa-gateway/internal/readtrack"
	"github.com/2389/byoa-gateway/internal/registry"
	"github.com/2389/byoa-gateway/internal/router"
	"github.com/2389/byoa-gateway/internal/socket"
	"github.com/2389/byoa-gateway/internal/store"
	"github.com/2389/byoa-gateway/internal/stream"
	"github.com/2389/byoa-gateway/internal/webhook"
	"tailscale.com/tsnet"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

// Gateway orchestrates all gateway components.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Service
	bridge   bridge.Bridge
	store    *store.SQLiteStore
	tracker  *readtrack.Tracker
	guard    *guard.Guard

	socketHub *socket.Hub
	streamHub *stream.Hub
	router    *router.Router
	limiter   *ratelimit.Limiter

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	started time.Time
}

// New builds a fully wired gateway from configuration. Nothing connects
// until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New(cfg.Storage.MetricsLogPath, logger)

	st, err := store.NewSQLiteStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	tracker, err := readtrack.Load(cfg.Storage.ReadTrackerPath, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading read tracker: %w", err)
	}

	reg := registry.New(registry.Options{
		UpstreamBaseURL: cfg.Upstream.BaseURL,
		GatewayToken:    cfg.Upstream.GatewayToken,
		AgentsFile:      cfg.Registry.AgentsFile,
		RefreshInterval: cfg.Registry.RefreshInterval,
		Logger:          logger,
		Metrics:         m,
	})

	br, err := buildBridge(cfg, reg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		metrics:   m,
		registry:  reg,
		bridge:    br,
		store:     st,
		tracker:   tracker,
		guard:     guard.New(),
		socketHub: socket.NewHub(logger, m),
		streamHub: stream.NewHub(logger, m),
		limiter:   ratelimit.New(),
	}

	var sink inject.Sink = inject.Discard{}
	if cfg.Storage.InjectSocketDir != "" {
		sink = inject.NewSocketSink(cfg.Storage.InjectSocketDir, logger)
	}

	g.router = router.New(router.Options{
		Agents:   reg,
		Socket:   g.socketHub,
		Stream:   g.streamHub,
		Events:   st,
		Webhooks: webhook.New(nil, logger, m),
		Inject:   sink,
		Guard:    g.guard,
		Tracker:  tracker,
		History:  br,
		Metrics:  m,
		Logger:   logger,
	})
	br.Subscribe(g.router.Enqueue)

	return g, nil
}

// buildBridge selects the upstream backend.
func buildBridge(cfg *config.Config, reg *registry.Service, logger *slog.Logger) (bridge.Bridge, error) {
	switch cfg.Upstream.Backend {
	case "matrix":
		return bridge.NewMatrix(bridge.MatrixOptions{
			Homeserver:  cfg.Upstream.Matrix.Homeserver,
			UserID:      cfg.Upstream.Matrix.UserID,
			AccessToken: cfg.Upstream.Matrix.AccessToken,
			IsAgent: func(username string) bool {
				return reg.ByUsername(username) != nil
			},
			Logger: logger,
		})
	default:
		return bridge.NewChatKit(bridge.ChatKitOptions{
			BaseURL:      cfg.Upstream.BaseURL,
			Username:     cfg.Upstream.GatewayUsername,
			GatewayToken: cfg.Upstream.GatewayToken,
			Credentials:  bridge.NewCredentialCache(cfg.Storage.CredentialCachePath),
			Logger:       logger,
		}), nil
	}
}

// sessionCheckers reports token use across both session-holding
// transports for the auth middleware's revocation metric.
type sessionCheckers struct {
	socket *socket.Hub
	stream *stream.Hub
}

func (c sessionCheckers) TokenInUse(token string) bool {
	return c.socket.TokenInUse(token) || c.stream.TokenInUse(token)
}

// Run starts every component and blocks until ctx is cancelled or a
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	g.started = time.Now()

	bootCtx, cancelBoot := context.WithTimeout(ctx, 30*time.Second)
	err := g.registry.Bootstrap(bootCtx)
	cancelBoot()
	if err != nil {
		return fmt.Errorf("bootstrapping agent registry: %w", err)
	}

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	guardDone := make(chan struct{})
	go g.registry.Run(taskCtx)
	go g.metrics.Run(taskCtx)
	go g.guard.Run(guardDone)
	go g.limiter.Run(guardDone)
	go g.router.Run(taskCtx)
	go g.pruneLoop(taskCtx)

	bridgeErr := make(chan error, 1)
	go func() { bridgeErr <- g.bridge.Run(taskCtx) }()

	ln, err := g.setupListener(ctx)
	if err != nil {
		close(guardDone)
		return err
	}

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		g.logger.Error("server failed", "error", serverErr)
	case serverErr = <-bridgeErr:
		if serverErr != nil {
			g.logger.Error("bridge failed", "error", serverErr)
		}
	}

	// Shutdown order: stop refresh and bridge, flush metrics, then close
	// downstream sessions so peers see clean shutdown signals.
	cancelTasks()
	close(guardDone)

	shutdownErr := g.shutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) shutdown() error {
	g.logger.Info("shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = appendCloseError(errs, "metrics flush", g.metrics.Flush())

	g.socketHub.CloseAll()
	g.streamHub.CloseAll()

	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// pruneLoop expires old event-log and idempotency rows.
func (g *Gateway) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := g.store.PruneExpiredEvents(ctx); err != nil {
				g.logger.Warn("event prune failed", "error", err)
			}
			if _, err := g.store.PruneExpiredIdempotency(ctx); err != nil {
				g.logger.Warn("idempotency prune failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// setupListener creates the TCP or tsnet listener per configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// authMiddleware builds the bearer middleware with revocation tracking
// across both session transports.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	return auth.Middleware(g.registry, sessionCheckers{socket: g.socketHub, stream: g.streamHub}, g.metrics)
}
