// ABOUTME: Server orchestrator that wires the store, limiter, executor, gateway, and transports
// ABOUTME: Owns the HTTP listener (TCP or tailnet) and the shutdown of every component

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/dedupe"
	"github.com/2389/toolgate/internal/executor"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/httpapi"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/store"
)

// DBPathEnv overrides database.path.
const DBPathEnv = "TOOLGATE_DB_PATH"

// Options customizes New.
type Options struct {
	Version string
	Logger  *slog.Logger

	// Store replaces the SQLite store, for tests.
	Store store.Store
	// Executor replaces the configured executor, for tests.
	Executor executor.Executor
}

// Server owns every long-lived toolgate component.
type Server struct {
	config      *config.Config
	store       store.Store
	keyring     *auth.Keyring
	limiter     *ratelimit.Limiter
	replays     *dedupe.Cache
	executor    executor.Executor
	gateway     *gateway.Gateway
	mcpServer   *mcp.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenStore opens the SQLite store named by the config or DBPathEnv.
func OpenStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(DBPathEnv); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewKeyring builds the keyring over s with the configured default grant.
func NewKeyring(cfg *config.Config, s store.Store, logger *slog.Logger) (*auth.Keyring, error) {
	defaults, err := cfg.DefaultPermissions()
	if err != nil {
		return nil, err
	}
	return auth.NewKeyring(s, s, defaults, logger), nil
}

// newExecutor builds the executor selected by executor.type.
func newExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (executor.Executor, error) {
	switch cfg.Executor.Type {
	case config.ExecutorMatrix:
		m, err := executor.NewMatrix(ctx, cfg.MatrixExecutor(), logger)
		if err != nil {
			return nil, fmt.Errorf("connecting matrix executor: %w", err)
		}
		return m, nil
	case config.ExecutorDryRun, "":
		logger.Warn("dry-run executor selected, tool calls will not reach a chat platform")
		return executor.NewDryRun(), nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", cfg.Executor.Type)
	}
}

// adminVerifier returns nil when key issuance is open.
func adminVerifier(cfg *config.Config) (auth.TokenVerifier, error) {
	if cfg.Auth.AdminJWTSecret == "" {
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.AdminJWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating admin verifier: %w", err)
	}
	return v, nil
}

// New creates every component but opens no listener. Run serves HTTP; the
// gateway alone is enough for the stdio MCP transport.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
	}

	s := opts.Store
	if s == nil {
		var err error
		if s, err = OpenStore(cfg); err != nil {
			return nil, err
		}
	}
	srv.store = s

	if err := srv.build(ctx, opts, logger); err != nil {
		_ = srv.Close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) build(ctx context.Context, opts Options, logger *slog.Logger) error {
	cfg := s.config

	keyring, err := NewKeyring(cfg, s.store, logger)
	if err != nil {
		return err
	}
	s.keyring = keyring

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		Limit:   cfg.RateLimit.Requests,
		Window:  cfg.RateLimit.Window,
		IdleTTL: cfg.RateLimit.IdleTTL,
	})
	s.replays = dedupe.New(dedupe.Config{})

	exec := opts.Executor
	if exec == nil {
		if exec, err = newExecutor(ctx, cfg, logger); err != nil {
			return err
		}
	}
	s.executor = exec

	s.gateway, err = gateway.New(gateway.Config{
		Keys:     keyring,
		Limiter:  s.limiter,
		Catalog:  catalog,
		Executor: exec,
		Audit:    s.store,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	s.mcpServer, err = mcp.NewServer(mcp.Config{
		Gateway:    s.gateway,
		Version:    opts.Version,
		SessionTTL: cfg.MCP.SessionTTL,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	admin, err := adminVerifier(cfg)
	if err != nil {
		return err
	}
	if admin == nil {
		s.logger.Warn("auth.admin_jwt_secret not set, /generate-api-key is open")
	}

	api := httpapi.New(httpapi.Config{
		Gateway:        s.gateway,
		Keys:           keyring,
		Admin:          admin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Replays:        s.replays,
		MCP:            s.mcpServer.Handler(),
		Version:        opts.Version,
		Logger:         logger,
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("toolgate ready",
		"executor", exec.Name(),
		"tools", catalog.Len(),
		"rate_limit", cfg.RateLimit.Requests,
		"window", cfg.RateLimit.Window,
	)
	return nil
}

// Gateway returns the tool gateway.
func (s *Server) Gateway() *gateway.Gateway {
	return s.gateway
}

// Keyring returns the API key manager.
func (s *Server) Keyring() *auth.Keyring {
	return s.keyring
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupTCPListener listens on server.http_addr.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting toolgate", "http_addr", s.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

func (s *Server) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves HTTP until ctx is canceled or the server fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := s.startServer(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) gracefulShutdown() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "toolgate", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or on :443
// through Funnel when tailscale.funnel is set.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		s.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = s.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = s.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = s.tsnetServer.Close()
		s.tsnetServer = nil
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down toolgate")

	var errs []error
	if s.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	}
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// Close releases the components built by New. It does not touch listeners;
// use Shutdown for a running server. Repeated calls return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closeComponents()
	})
	return s.closeErr
}

func (s *Server) closeComponents() error {
	var errs []error
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.replays != nil {
		s.replays.Close()
	}
	if c, ok := s.executor.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "executor close", c.Close())
	}
	if s.store != nil {
		errs = appendCloseError(errs, "store close", s.store.Close())
	}
	return errors.Join(errs...)
}
