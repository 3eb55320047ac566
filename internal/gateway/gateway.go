// ABOUTME: Gateway orchestrator that wires the chat channel, agent loop and admin HTTP server
// ABOUTME: Manages startup order, the optional tailnet listener and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/channel/matrix"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/toolserver"
)

// shutdownTimeout bounds the whole graceful shutdown.
const shutdownTimeout = 5 * time.Second

// toolRegistry is the part of *toolserver.Registry the admin API drives.
type toolRegistry interface {
	AddServer(ctx context.Context, desc store.ToolServer) error
	RemoveServer(id string)
	IsConnected(id string) bool
	ConnectedIDs() []string
}

// channelStatus is the part of *channel.Supervisor the admin API reads.
type channelStatus interface {
	Status() channel.State
	PairingCode() string
	LoggedOut() bool
}

// Gateway orchestrates the coven-relay components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	registry   *toolserver.Registry
	supervisor *channel.Supervisor
	queue      *dispatch.Queue
	metrics    *metrics.Metrics

	// tools and channel are what the HTTP handlers see; they are the
	// registry and supervisor above outside of tests.
	tools   toolRegistry
	channel channelStatus

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// workCancel aborts in-flight agent runs when shutdown runs out of time.
	workCancel context.CancelFunc
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// resolveDataDir picks where channel state such as the crypto store lives.
func resolveDataDir(cfg *config.Config) string {
	if cfg.Matrix.DataDir != "" {
		return cfg.Matrix.DataDir
	}
	if cfg.Database.Path != "" && cfg.Database.Path != ":memory:" {
		return filepath.Dir(cfg.Database.Path)
	}
	return filepath.Join(os.TempDir(), "coven-relay")
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	registry := toolserver.NewRegistry(toolserver.Config{
		Dialer:   toolserver.MCPDialer(&http.Client{}, logger.With("component", "mcp")),
		Timeout:  cfg.Tools.CallTimeout,
		Observer: m,
		Logger:   logger,
	})

	loop := agent.NewLoop(agent.Config{
		Store:    s,
		Tools:    registry,
		LLM:      llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.RequestTimeout),
		Observer: m,
		Logger:   logger,
	})

	transport := matrix.NewTransport(matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		Username:     cfg.Matrix.Username,
		Password:     cfg.Matrix.Password,
		UserID:       cfg.Matrix.UserID,
		AccessToken:  cfg.Matrix.AccessToken,
		RecoveryKey:  cfg.Matrix.RecoveryKey,
		DataDir:      resolveDataDir(cfg),
		AllowedRooms: cfg.Matrix.AllowedRooms,
		SendRate:     cfg.Matrix.SendRate,
		SendBurst:    cfg.Matrix.SendBurst,
		Credentials:  s,
		Logger:       logger,
	})
	supervisor := channel.NewSupervisor(channel.SupervisorConfig{
		Transport: transport,
		Logger:    logger,
		Observer:  m,
	})

	workCtx, workCancel := context.WithCancel(context.Background())
	queue := dispatch.NewQueue(dispatch.Config{
		Store:    s,
		Channel:  supervisor,
		Runner:   loop,
		Observer: m,
		Logger:   logger,
		Context:  workCtx,
	})

	gw := &Gateway{
		config:     cfg,
		store:      s,
		logger:     logger.With("component", "gateway"),
		registry:   registry,
		supervisor: supervisor,
		queue:      queue,
		metrics:    m,
		tools:      registry,
		channel:    supervisor,
		workCancel: workCancel,
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		gw.logger.Info("admin API auth enabled")
	} else {
		gw.logger.Warn("admin API auth disabled - no jwt_secret configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP handler: health probes, metrics and the admin API.
func (g *Gateway) routes(verifier auth.TokenVerifier) http.Handler {
	r := mux.NewRouter()
	r.Use(g.instrument)

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	if g.metrics != nil {
		path := "/metrics"
		if g.config != nil && g.config.Metrics.Path != "" {
			path = g.config.Metrics.Path
		}
		r.Handle(path, g.metrics.Handler()).Methods(http.MethodGet)
	}

	g.registerAPIRoutes(r, verifier)
	return r
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request metrics labelled by route template.
func (g *Gateway) instrument(next http.Handler) http.Handler {
	if g.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		g.metrics.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts every component and blocks until ctx is cancelled or the
// HTTP server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.LoadFromStore(ctx, g.store); err != nil {
		g.logger.Error("failed to load tool servers", "error", err)
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		g.closeAfterFailedStart()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- fmt.Errorf("HTTP server: %w", err):
			default:
			}
		}
	}()

	if err := g.supervisor.Connect(ctx, g.queue.OnInboundEvent); err != nil {
		errCh <- fmt.Errorf("starting channel: %w", err)
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) closeAfterFailedStart() {
	g.registry.ShutdownAll()
	g.workCancel()
	_ = g.store.Close()
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
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

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
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

func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the channel, lets queued runs finish until ctx expires,
// then closes tool servers, the HTTP server and the store in that order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "channel close", g.supervisor.Close())

	drained := make(chan struct{})
	go func() {
		g.queue.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		g.logger.Warn("abandoning in-flight agent runs", "active_chains", g.queue.ActiveChains())
		g.workCancel()
	}

	g.registry.ShutdownAll()

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.workCancel()

	return errors.Join(errs...)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports ready once the chat channel is open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	state := g.channel.Status()
	if state != channel.StateOpen {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "channel %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tool servers)", len(g.tools.ConnectedIDs()))
}
