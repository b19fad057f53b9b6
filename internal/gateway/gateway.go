// ABOUTME: Gateway orchestrator that wires the thread store, generator, tools, and HTTP server
// ABOUTME: Owns listener setup (TCP or tsnet) and graceful shutdown of every component

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

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-threads/internal/auth"
	"github.com/2389/coven-threads/internal/config"
	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/dedupe"
	"github.com/2389/coven-threads/internal/fakemodel"
	"github.com/2389/coven-threads/internal/mcp"
	"github.com/2389/coven-threads/internal/openai"
	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/tools"
)

// Gateway serves the conversation engine over HTTP.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	verifier     *auth.JWTVerifier
	mcp          *mcp.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// idempotency suppresses repeated turn submissions
	idempotency *dedupe.Cache
}

// initStore opens the configured thread store.
func initStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		s, err := store.OpenRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		path := cfg.Path
		if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
			path = envPath
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	}
}

// initGenerator builds the configured model provider.
func initGenerator(cfg config.ModelConfig, logger *slog.Logger) (conversation.Generator, error) {
	if cfg.Provider == config.ProviderOpenAI {
		return openai.New(openai.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Name,
			SystemPrompt: cfg.SystemPrompt,
			Temperature:  cfg.Temperature,
			MaxTokens:    cfg.MaxTokens,
		}, logger)
	}
	return &fakemodel.Echo{Delay: cfg.StreamDelay}, nil
}

// initTools registers the enabled built-in tools.
func initTools(cfg config.ToolsConfig, logger *slog.Logger) (*tools.Registry, error) {
	caps := make([]tools.Capability, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		switch name {
		case "calculator":
			caps = append(caps, tools.Calculator())
		case "current_time":
			caps = append(caps, tools.CurrentTime(nil))
		case "web_search":
			caps = append(caps, tools.WebSearch(tools.SearchConfig{
				Endpoint:   cfg.Search.Endpoint,
				MaxResults: cfg.Search.MaxResults,
			}))
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
	}
	return tools.NewRegistry(logger, caps...)
}

// New creates a Gateway from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	gen, err := initGenerator(cfg.Model, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing generator: %w", err)
	}

	registry, err := initTools(cfg.Tools, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing tools: %w", err)
	}

	svc := conversation.New(s, gen, registry, conversation.Options{
		MaxToolCycles:     cfg.Engine.MaxToolCycles,
		GenerationTimeout: cfg.Engine.GenerationTimeout,
		ToolTimeout:       cfg.Engine.ToolTimeout,
		MaxParallelTools:  cfg.Engine.MaxParallelTools,
		EventBuffer:       cfg.Engine.EventBuffer,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: svc,
		logger:       logger.With("component", "gateway"),
		idempotency:  dedupe.New(cfg.Server.IdempotencyTTL, 100_000),
	}
	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	gw.mcp, err = mcp.NewServer(mcp.Config{
		Registry:    registry,
		Logger:      logger,
		ToolTimeout: cfg.Engine.ToolTimeout,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing mcp server: %w", err)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"storage", cfg.Storage.Backend,
		"model", cfg.Model.Provider,
		"tools", registry.Names(),
		"auth", gw.verifier != nil)

	return gw, nil
}

// Handler returns the HTTP routes. API and MCP routes sit behind bearer auth
// when a JWT secret is configured.
func (g *Gateway) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/threads", g.handleCreateThread)
	api.HandleFunc("GET /api/threads", g.handleListThreads)
	api.HandleFunc("GET /api/threads/{id}/messages", g.handleThreadMessages)
	api.HandleFunc("POST /api/threads/{id}/turns", g.handleSubmitTurn)
	api.HandleFunc("GET /api/threads/{id}/events", g.handleWatchThread)
	api.HandleFunc("GET /api/tools", g.handleListTools)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)

	if g.verifier != nil {
		protect := auth.Middleware(g.verifier, g.logger)
		mux.Handle("/api/", protect(api))
		mux.Handle("/mcp", protect(g.mcp))
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		mux.Handle("/api/", api)
		mux.Handle("/mcp", g.mcp)
	}
	return mux
}

// Conversation exposes the engine for in-process callers.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Run serves until ctx is cancelled, then shuts down gracefully.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already done; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with Funnel.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	if err := os.MkdirAll(tsCfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       tsCfg.StateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", tsCfg.StateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.conversation.Close()
	g.idempotency.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
