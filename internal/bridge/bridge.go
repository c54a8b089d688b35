// ABOUTME: Bridge supervises one live transport per enabled, managed server
// ABOUTME: Arena keyed by server id with global start/stop/restart and per-endpoint locks

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
)

// ServerSource is the slice of the store the bridge reads.
type ServerSource interface {
	ListServers(ctx context.Context) ([]*store.Server, error)
}

// Options configures a Bridge.
type Options struct {
	Host              string
	Port              int
	MaxParallelStarts int
	ShutdownGrace     time.Duration
	Container         config.ContainerConfig

	// HTTPClient is used by http endpoints. Defaults to a client with a 60s timeout.
	HTTPClient *http.Client
	// Dialer is used by websocket endpoints. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// OptionsFromConfig maps the bridge section of the configuration.
func OptionsFromConfig(cfg config.BridgeConfig) Options {
	return Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		MaxParallelStarts: cfg.MaxParallelStarts,
		ShutdownGrace:     cfg.ShutdownGrace,
		Container:         cfg.Container,
	}
}

// Status is the global bridge state.
type Status struct {
	Running       bool          `json:"running"`
	Configuration *ListenConfig `json:"configuration,omitempty"`
}

// ListenConfig is the effective listen configuration of a running bridge.
type ListenConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	URL       string `json:"url"`
	Endpoints int    `json:"endpoints"`
}

// ConnectionConfig tells a client how to reach a server. It is handed out
// together with trust tokens.
type ConnectionConfig struct {
	Type    string            `json:"type"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Bridge owns every managed endpoint.
type Bridge struct {
	opts    Options
	servers ServerSource
	driver  Driver
	sandbox *Sandbox
	logger  *slog.Logger

	// lifecycle is held exclusively by Start, Stop, Restart and Reconcile and
	// shared by single-endpoint operations, which serialize on locks instead
	lifecycle sync.RWMutex

	mu        sync.RWMutex
	running   bool
	endpoints map[string]*endpoint
	locks     map[string]*sync.Mutex
	handler   http.Handler
	listener  net.Listener
	server    *http.Server
}

// New creates a stopped Bridge.
func New(opts Options, servers ServerSource, driver Driver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = config.DefaultBridgeHost
	}
	if opts.MaxParallelStarts <= 0 {
		opts.MaxParallelStarts = config.DefaultMaxParallelStarts
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = config.DefaultShutdownGrace
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger = logger.With("component", "bridge")
	if driver == nil {
		driver = NewExecDriver(logger)
	}
	return &Bridge{
		opts:      opts,
		servers:   servers,
		driver:    driver,
		sandbox:   NewSandbox(opts.Container),
		logger:    logger,
		endpoints: make(map[string]*endpoint),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetHandler sets the handler served by the proxy listener. It takes effect on
// the next Start.
func (b *Bridge) SetHandler(h http.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Running reports whether the bridge completed its start sequence.
func (b *Bridge) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Start opens the proxy listener and starts an endpoint for every enabled,
// managed server. A failing endpoint does not stop the others: the bridge is
// running afterwards and the failures are returned as a *StartError.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.start(ctx)
}

// Stop terminates every endpoint (Terminate, grace period, then Kill) and
// closes the proxy listener.
func (b *Bridge) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.stop(ctx)
}

// Restart is Stop followed by Start.
func (b *Bridge) Restart(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if err := b.stop(ctx); err != nil {
		b.logger.Warn("errors while stopping for restart", "error", err)
	}
	return b.start(ctx)
}

func (b *Bridge) start(ctx context.Context) error {
	if b.Running() {
		return nil
	}

	if err := b.listen(); err != nil {
		return fmt.Errorf("starting proxy listener: %w", err)
	}

	servers, err := b.servers.ListServers(ctx)
	if err != nil {
		_ = b.closeListener(ctx)
		return fmt.Errorf("listing servers: %w", err)
	}

	managed := make([]*store.Server, 0, len(servers))
	for _, srv := range servers {
		if srv.Managed() {
			managed = append(managed, srv)
		}
	}
	failed := b.forEach(managed, func(srv *store.Server) error {
		return b.addEndpoint(ctx, srv)
	})

	b.mu.Lock()
	b.running = true
	live := len(b.endpoints)
	b.mu.Unlock()

	b.logger.Info("=== BRIDGE STARTED ===",
		"addr", b.listenAddr(),
		"endpoints", live,
		"failed", len(failed),
	)
	if len(failed) > 0 {
		return &StartError{Failed: failed}
	}
	return nil
}

func (b *Bridge) stop(ctx context.Context) error {
	if !b.Running() {
		return nil
	}

	b.mu.Lock()
	b.running = false
	ids := slices.Collect(maps.Keys(b.endpoints))
	b.mu.Unlock()

	var (
		errs []error
		mu   sync.Mutex
	)
	g := new(errgroup.Group)
	g.SetLimit(b.opts.MaxParallelStarts)
	for _, id := range ids {
		g.Go(func() error {
			if err := b.removeEndpoint(id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// endpoints are gone, so in-flight proxy requests have already failed
	errs = append(errs, b.closeListener(ctx))

	b.logger.Info("=== BRIDGE STOPPED ===", "endpoints", len(ids))
	return errors.Join(errs...)
}

// forEach runs fn for every server with bounded parallelism and collects endpoint errors.
func (b *Bridge) forEach(servers []*store.Server, fn func(*store.Server) error) []*EndpointError {
	var (
		mu     sync.Mutex
		failed []*EndpointError
	)
	g := new(errgroup.Group)
	g.SetLimit(b.opts.MaxParallelStarts)
	for _, srv := range servers {
		g.Go(func() error {
			if err := fn(srv); err != nil {
				var ee *EndpointError
				if !errors.As(err, &ee) {
					ee = &EndpointError{ServerID: srv.ID, Name: srv.Name, Err: err}
				}
				mu.Lock()
				failed = append(failed, ee)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].Name < failed[j].Name })
	return failed
}

// AddEndpoint starts the endpoint for srv. Unmanaged and disabled servers are
// ignored, as is a server whose endpoint is already live.
func (b *Bridge) AddEndpoint(ctx context.Context, srv *store.Server) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	if !b.Running() {
		return ErrNotRunning
	}
	return b.addEndpoint(ctx, srv)
}

// RemoveEndpoint terminates the endpoint for serverID. Unknown ids are ignored.
func (b *Bridge) RemoveEndpoint(ctx context.Context, serverID string) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	return b.removeEndpoint(serverID)
}

// Reload replaces the endpoint for srv with one built from its current definition.
func (b *Bridge) Reload(ctx context.Context, srv *store.Server) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	if !b.Running() {
		return ErrNotRunning
	}
	return b.replaceEndpoint(ctx, srv, "reload")
}

// replaceEndpoint stops the endpoint of srv, if any, and starts a new one under
// a single hold of its lock.
func (b *Bridge) replaceEndpoint(ctx context.Context, srv *store.Server, reason string) error {
	lock := b.lockFor(srv.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.removeEndpointLocked(srv.ID); err != nil {
		b.logger.Warn("stopping endpoint for "+reason, "server_id", srv.ID, "error", err)
	}
	return b.addEndpointLocked(ctx, srv)
}

// Reconcile brings the arena in line with the store: endpoints of deleted,
// disabled or unmanaged servers stop, changed or failed ones restart and new
// ones start.
func (b *Bridge) Reconcile(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if !b.Running() {
		return ErrNotRunning
	}

	servers, err := b.servers.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}
	desired := make(map[string]*store.Server, len(servers))
	for _, srv := range servers {
		if srv.Managed() {
			desired[srv.ID] = srv
		}
	}

	b.mu.RLock()
	current := maps.Clone(b.endpoints)
	b.mu.RUnlock()

	var errs []error
	for id := range current {
		if _, ok := desired[id]; !ok {
			if err := b.removeEndpoint(id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	var work []*store.Server
	for id, srv := range desired {
		ep, ok := current[id]
		if ok && ep.currentState().Live() && sameDefinition(ep.server, srv) {
			continue
		}
		work = append(work, srv)
	}
	failed := b.forEach(work, func(srv *store.Server) error {
		return b.replaceEndpoint(ctx, srv, "reconcile")
	})
	for _, f := range failed {
		errs = append(errs, f)
	}

	b.logger.Info("bridge reconciled", "desired", len(desired), "changed", len(work), "failed", len(failed))
	return errors.Join(errs...)
}

func sameDefinition(a, b *store.Server) bool {
	return a.Name == b.Name &&
		a.SecurityClass == b.SecurityClass &&
		a.Transport.Type == b.Transport.Type &&
		a.Transport.Command == b.Transport.Command &&
		slices.Equal(a.Transport.Args, b.Transport.Args) &&
		maps.Equal(a.Transport.Env, b.Transport.Env) &&
		a.Transport.Cwd == b.Transport.Cwd &&
		a.Transport.URL == b.Transport.URL &&
		maps.Equal(a.Transport.Headers, b.Transport.Headers)
}

func (b *Bridge) lockFor(serverID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[serverID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[serverID] = l
	}
	return l
}

func (b *Bridge) lookup(serverID string) *endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[serverID]
}

func (b *Bridge) addEndpoint(ctx context.Context, srv *store.Server) error {
	if !srv.Managed() {
		b.logger.Debug("skipping server the bridge does not manage",
			"server_id", srv.ID,
			"server", srv.Name,
			"enabled", srv.Enabled,
			"security_class", srv.SecurityClass,
		)
		return nil
	}

	lock := b.lockFor(srv.ID)
	lock.Lock()
	defer lock.Unlock()
	return b.addEndpointLocked(ctx, srv)
}

// addEndpointLocked requires the lock of srv.ID.
func (b *Bridge) addEndpointLocked(ctx context.Context, srv *store.Server) error {
	if !srv.Managed() {
		return nil
	}
	if existing := b.lookup(srv.ID); existing != nil {
		if existing.currentState().Live() {
			b.logger.Info("endpoint already live", "server_id", srv.ID, "server", srv.Name)
			return nil
		}
		if err := existing.stop(b.opts.ShutdownGrace); err != nil {
			b.logger.Warn("stopping failed endpoint before relaunch",
				"server_id", srv.ID,
				"server", srv.Name,
				"error", err,
			)
		}
	}

	ep := newEndpoint(copyServer(srv))
	b.mu.Lock()
	b.endpoints[srv.ID] = ep
	b.mu.Unlock()

	if err := b.launch(ctx, ep); err != nil {
		ep.fail(err)
		b.logger.Error("endpoint failed to start",
			"server_id", srv.ID,
			"server", srv.Name,
			"security_class", srv.SecurityClass,
			"error", err,
		)
		return ep.endpointError(err)
	}

	st := ep.status()
	b.logger.Info("=== ENDPOINT STARTED ===",
		"server_id", srv.ID,
		"server", srv.Name,
		"security_class", srv.SecurityClass,
		"transport", st.Transport,
		"pid", st.PID,
	)
	return nil
}

func (b *Bridge) removeEndpoint(serverID string) error {
	lock := b.lockFor(serverID)
	lock.Lock()
	defer lock.Unlock()
	return b.removeEndpointLocked(serverID)
}

// removeEndpointLocked requires the lock of serverID.
func (b *Bridge) removeEndpointLocked(serverID string) error {
	ep := b.lookup(serverID)
	if ep == nil {
		return nil
	}
	err := ep.stop(b.opts.ShutdownGrace)

	b.mu.Lock()
	delete(b.endpoints, serverID)
	remaining := len(b.endpoints)
	b.mu.Unlock()

	b.logger.Info("=== ENDPOINT STOPPED ===",
		"server_id", serverID,
		"server", ep.server.Name,
		"remaining", remaining,
	)
	if err != nil {
		return ep.endpointError(err)
	}
	return nil
}

// launch acquires the transport for ep according to its security class.
func (b *Bridge) launch(ctx context.Context, ep *endpoint) error {
	srv := ep.server
	switch {
	case srv.Transport.Type == store.TransportHTTP:
		if srv.SecurityClass.Sandboxed() {
			return fmt.Errorf("%w: %s endpoints need a stdio command", ErrUnsupportedTransport, srv.SecurityClass)
		}
		t, kind, err := b.dialRemote(ctx, srv)
		if err != nil {
			return err
		}
		ep.running(nil, t, kind)
		return nil

	case srv.SecurityClass == store.SecurityNetwork:
		return fmt.Errorf("%w: network endpoints need an http or websocket url", ErrUnsupportedTransport)

	default:
		spec, err := b.sandbox.Spec(srv)
		if err != nil {
			return err
		}
		proc, err := b.driver.Start(ctx, spec)
		if err != nil {
			return fmt.Errorf("spawning %s: %w", spec.Command, err)
		}
		kind := "stdio"
		if srv.SecurityClass.Sandboxed() {
			kind = "container"
		}
		t := newStdioTransport(proc, b.logger.With("server_id", srv.ID))
		ep.running(proc, t, kind)
		go ep.watch(proc, b.logger)
		return nil
	}
}

func (b *Bridge) dialRemote(ctx context.Context, srv *store.Server) (Transport, string, error) {
	u, err := url.Parse(srv.Transport.URL)
	if err != nil {
		return nil, "", fmt.Errorf("parsing url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		t, err := dialWebSocket(ctx, b.opts.Dialer, srv.Transport.URL, srv.Transport.Headers, b.logger.With("server_id", srv.ID))
		if err != nil {
			return nil, "", err
		}
		return t, "websocket", nil
	case "http", "https":
		return newHTTPTransport(srv.Transport.URL, srv.Transport.Headers, b.opts.HTTPClient), "http", nil
	default:
		return nil, "", fmt.Errorf("%w: url scheme %q", ErrUnsupportedTransport, u.Scheme)
	}
}

// Send forwards msg to the endpoint of serverID and returns its reply, nil for
// notifications.
func (b *Bridge) Send(ctx context.Context, serverID string, msg *mcp.Message) ([]byte, error) {
	if !b.Running() {
		return nil, ErrNotRunning
	}
	ep := b.lookup(serverID)
	if ep == nil {
		return nil, &EndpointError{ServerID: serverID, Err: ErrUnknownEndpoint}
	}
	return ep.send(ctx, msg)
}

// Check reports whether the endpoint of serverID can take traffic.
func (b *Bridge) Check(serverID string) error {
	if !b.Running() {
		return ErrNotRunning
	}
	ep := b.lookup(serverID)
	if ep == nil {
		return &EndpointError{ServerID: serverID, Err: ErrUnknownEndpoint}
	}
	st := ep.status()
	if st.State != StateRunning {
		cause := fmt.Errorf("endpoint is %s", st.State)
		if st.Error != "" {
			cause = fmt.Errorf("endpoint is %s: %s", st.State, st.Error)
		}
		return ep.endpointError(cause)
	}
	return nil
}

// Status returns whether the bridge is running and where it listens.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return Status{Running: false}
	}
	host, port := b.hostPortLocked()
	return Status{
		Running: true,
		Configuration: &ListenConfig{
			Host:      host,
			Port:      port,
			URL:       "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
			Endpoints: len(b.endpoints),
		},
	}
}

// EndpointStatus returns the status of one endpoint.
func (b *Bridge) EndpointStatus(serverID string) (EndpointStatus, bool) {
	ep := b.lookup(serverID)
	if ep == nil {
		return EndpointStatus{}, false
	}
	return ep.status(), true
}

// List returns the status of every endpoint, ordered by server name.
func (b *Bridge) List() []EndpointStatus {
	b.mu.RLock()
	eps := slices.Collect(maps.Values(b.endpoints))
	b.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConnectionConfig returns how a client reaches srv: the proxy url for
// endpoints the bridge serves, the remote url for network servers and the
// command itself for unmanaged ones.
func (b *Bridge) ConnectionConfig(srv *store.Server) (*ConnectionConfig, error) {
	if !b.Running() {
		return nil, ErrNotRunning
	}

	t := srv.Transport
	switch {
	case srv.SecurityClass == store.SecurityUnmanaged && t.Type == store.TransportHTTP:
		return &ConnectionConfig{Type: "http", URL: t.URL, Headers: maps.Clone(t.Headers)}, nil
	case srv.SecurityClass == store.SecurityUnmanaged:
		return &ConnectionConfig{
			Type:    "stdio",
			Command: t.Command,
			Args:    slices.Clone(t.Args),
			Env:     maps.Clone(t.Env),
		}, nil
	case srv.SecurityClass == store.SecurityNetwork:
		return &ConnectionConfig{Type: "http", URL: t.URL, Headers: maps.Clone(t.Headers)}, nil
	default:
		return &ConnectionConfig{Type: "http", URL: b.ProxyURL(srv.Name)}, nil
	}
}

// ProxyURL is the proxy address for a server name.
func (b *Bridge) ProxyURL(name string) string {
	b.mu.RLock()
	host, port := b.hostPortLocked()
	b.mu.RUnlock()
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/servers/" + url.PathEscape(name) + "/mcp"
}

func (b *Bridge) hostPortLocked() (string, int) {
	port := b.opts.Port
	if b.listener != nil {
		if addr, ok := b.listener.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	return b.opts.Host, port
}

func (b *Bridge) listenAddr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// listen opens the proxy listener and serves the configured handler on it.
func (b *Bridge) listen() error {
	addr := net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	b.mu.Lock()
	handler := b.handler
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"proxy not configured"}`, http.StatusServiceUnavailable)
		})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.listener = ln
	b.server = srv
	b.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("proxy listener stopped", "error", err)
		}
	}()
	return nil
}

func (b *Bridge) closeListener(ctx context.Context) error {
	b.mu.Lock()
	srv := b.server
	b.server = nil
	b.listener = nil
	b.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("closing proxy listener: %w", err)
	}
	return nil
}

func copyServer(s *store.Server) *store.Server {
	c := *s
	c.Transport.Args = slices.Clone(s.Transport.Args)
	c.Transport.Env = maps.Clone(s.Transport.Env)
	c.Transport.Headers = maps.Clone(s.Transport.Headers)
	return &c
}
