// ABOUTME: Gateway composition root that wires store, issuer, policy engine, interceptor and bridge
// ABOUTME: Serves the HTTP API and the gRPC bridge control service and owns graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/bridge"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/intercept"
	"github.com/2389/toolgate/internal/manifest"
	"github.com/2389/toolgate/internal/notify"
	"github.com/2389/toolgate/internal/policy"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
)

// Ports used on the tailnet, where server addresses are ignored.
const (
	tailnetGRPCPort = ":50051"
	tailnetHTTPPort = ":80"
)

// Deps overrides the components New would otherwise build from the
// configuration. Zero fields use the defaults.
type Deps struct {
	Store    store.Store
	Driver   bridge.Driver
	Notifier notify.Notifier
}

// Gateway owns every toolgate component and the servers that expose them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	catalog     *catalog.Registry
	issuer      *auth.Issuer
	admin       *auth.AdminGuard
	bridge      *bridge.Bridge
	interceptor *intercept.Interceptor
	sessions    *session.Sequencer
	notifier    notify.Notifier
	applier     *manifest.Applier
	watcher     *manifest.Watcher
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the configured database. TOOLGATE_DB_PATH overrides the
// sqlite path.
func initStore(cfg *config.Config) (store.Store, error) {
	target := cfg.Database.Path
	if cfg.Database.Driver == string(store.DialectPostgres) {
		target = cfg.Database.DSN
	} else if envPath := os.Getenv("TOOLGATE_DB_PATH"); envPath != "" {
		target = envPath
	}

	s, err := store.Open(cfg.Database.Driver, target)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server guarded by the admin token.
func createGRPCServer(guard *auth.AdminGuard, logger *slog.Logger) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(guard.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(guard.StreamInterceptor()),
	)
	if guard.Enabled() {
		logger.Info("admin token required for bridge control")
	} else {
		logger.Warn("bridge control is unauthenticated - no auth.admin_token_hash configured")
	}
	return server
}

// New creates a Gateway from the configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(context.Background(), cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway, using deps where they are set.
func NewWithDeps(ctx context.Context, cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := deps.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	gw, err := build(ctx, cfg, s, deps, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func build(ctx context.Context, cfg *config.Config, s store.Store, deps Deps, logger *slog.Logger) (*Gateway, error) {
	reg, err := catalog.New()
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret: cfg.Auth.TokenSecret,
		TTL:    cfg.Auth.TokenTTL,
		Strict: cfg.Auth.StrictAccess,
	}, s, logger)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	guard, err := auth.NewAdminGuard(cfg.Auth.AdminTokenHash, logger)
	if err != nil {
		return nil, err
	}

	notifier := deps.Notifier
	if notifier == nil {
		fanout, err := notify.NewFromConfig(ctx, cfg.Alerts, logger)
		if err != nil {
			return nil, fmt.Errorf("creating alert sinks: %w", err)
		}
		notifier = notify.NewDispatcher(fanout, notify.DefaultQueueSize, logger)
		if cfg.Alerts.SuppressWindow > 0 {
			notifier = notify.NewSuppressor(notifier, cfg.Alerts.SuppressWindow, logger)
		}
	}

	driver := deps.Driver
	if driver == nil {
		driver = bridge.NewExecDriver(logger)
	}
	br := bridge.New(bridge.OptionsFromConfig(cfg.Bridge), s, driver, logger)

	sessions := session.New(session.DefaultIdleTTL)
	icpt := intercept.New(intercept.Config{
		Store:     s,
		Policy:    policy.NewEngine(s, reg, logger),
		Endpoints: br,
		Notifier:  notifier,
		Sessions:  sessions,
		Logger:    logger,
	})

	gw := &Gateway{
		config:      cfg,
		store:       s,
		catalog:     reg,
		issuer:      issuer,
		admin:       guard,
		bridge:      br,
		interceptor: icpt,
		sessions:    sessions,
		notifier:    notifier,
		applier:     manifest.NewApplier(s, reg, logger),
		grpcServer:  createGRPCServer(guard, logger),
		logger:      logger.With("component", "gateway"),
	}
	if cfg.Policies.Manifest != "" {
		gw.watcher = manifest.NewWatcher(cfg.Policies.Manifest, gw.applier, gw.afterManifest, logger)
	}

	registerBridgeControl(gw.grpcServer, newBridgeControlServer(br, logger.With("component", "grpc")))

	// the proxy listener belongs to the bridge but filters through the interceptor
	proxy := http.NewServeMux()
	proxy.Handle("POST /servers/{name}/mcp", icpt.ProxyHandler(issuer, br))
	br.SetHandler(proxy)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP API handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Bridge returns the bridge owned by the gateway.
func (g *Gateway) Bridge() *bridge.Bridge {
	return g.bridge
}

// Issuer returns the trust token issuer.
func (g *Gateway) Issuer() *auth.Issuer {
	return g.issuer
}

// Prepare applies the manifest, if one is configured, and starts the bridge
// when bridge.autostart is set. Endpoint start failures are logged, not
// returned.
func (g *Gateway) Prepare(ctx context.Context) error {
	if g.watcher != nil {
		if _, err := g.watcher.Reload(ctx); err != nil {
			return fmt.Errorf("applying manifest: %w", err)
		}
	}

	if !g.config.Bridge.Autostart {
		return nil
	}
	err := g.bridge.Start(ctx)
	var startErr *bridge.StartError
	switch {
	case errors.As(err, &startErr):
		g.logger.Warn("bridge started with failed endpoints", "failed", len(startErr.Failed))
	case err != nil:
		return fmt.Errorf("starting bridge: %w", err)
	}
	return nil
}

// afterManifest brings the bridge in line with servers the manifest changed.
func (g *Gateway) afterManifest(ctx context.Context, res *manifest.Result) error {
	if len(res.ServersChanged) == 0 || !g.bridge.Running() {
		return nil
	}
	return g.bridge.Reconcile(ctx)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
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

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run prepares the gateway and serves until ctx is canceled or a server
// fails, then shuts everything down. Returns nil after a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Prepare(ctx); err != nil {
		return errors.Join(err, g.gracefulShutdown())
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return errors.Join(err, g.gracefulShutdown())
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
	if g.watcher != nil && g.config.Policies.Watch {
		eg.Go(func() error {
			// a dead watcher leaves the last applied manifest in place
			if err := g.watcher.Run(egCtx); err != nil {
				g.logger.Error("manifest watcher stopped", "error", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The bridge grace period is added so endpoints get their full grace.
func (g *Gateway) gracefulShutdown() error {
	timeout := 5*time.Second + g.config.Bridge.ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
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

// resolveTailscaleAuthKey returns the auth key from config or environment.
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// Shutdown stops the servers, then every endpoint, then drains queued alerts
// and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "bridge stop", g.bridge.Stop(ctx))
	errs = appendCloseError(errs, "alerts close", g.notifier.Close())
	g.sessions.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
