// Package app wires the livelab subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider chain, the
// browser server and the HTTP mux, Run serves until the context ends, and
// Shutdown tears everything down in order. ApplyConfig takes hot-reloaded
// settings from the config watcher.
//
// For testing, inject doubles via functional options (WithProvider,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livelab/internal/config"
	"github.com/MrWong99/livelab/internal/health"
	"github.com/MrWong99/livelab/internal/observe"
	"github.com/MrWong99/livelab/internal/resilience"
	"github.com/MrWong99/livelab/internal/server"
	"github.com/MrWong99/livelab/pkg/provider/live"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the livelab server.
type App struct {
	cfg *config.Config

	registry       *config.Registry
	primary        live.Provider
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	// session holds the settings for the next live session; replaced on reload.
	session atomic.Pointer[live.SessionConfig]

	provider *resilience.LiveFallback
	server   *server.Server
	handler  http.Handler
	http     *http.Server

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry supplies the provider registry used to build the live provider.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithProvider injects a live provider instead of creating one from the registry.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.primary = p }
}

// WithMetrics injects the instrumentation sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets ApplyConfig change the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It does not open any
// network connection; the first provider dial happens when a browser starts a
// session.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.SlogLevel())
	}

	// ── 1. Live provider ─────────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 2. Session settings ──────────────────────────────────────────────
	a.storeSession(cfg.Session)

	// ── 3. Browser server ────────────────────────────────────────────────
	a.server = server.New(server.Config{
		Provider:       a.provider,
		ProviderName:   cfg.Provider.Name,
		Session:        a.Session,
		Audio:          cfg.Audio,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxSessions:    cfg.Server.MaxSessions,
		Metrics:        a.metrics,
	})

	// ── 4. HTTP mux ──────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.ProviderConfigured(func() string { return cfg.Provider.APIKey }),
		health.BreakersAvailable(a.provider.Breakers()...),
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.server.Register(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProvider builds the configured live provider and its fallbacks, each
// behind its own circuit breaker.
func (a *App) initProvider() error {
	name := a.cfg.Provider.Name
	if a.primary == nil {
		if a.registry == nil {
			return errors.New("no provider injected and no registry supplied")
		}
		p, err := a.registry.CreateLive(a.cfg.Provider)
		if err != nil {
			return fmt.Errorf("create live provider %q: %w", name, err)
		}
		a.primary = p
	}

	res := a.cfg.Resilience
	a.provider = resilience.NewLiveFallback(a.primary, name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  res.MaxFailures,
			ResetTimeout: res.ResetTimeout,
			HalfOpenMax:  res.HalfOpenMax,
			OnStateChange: func(from, to resilience.State) {
				slog.Warn("provider circuit breaker changed state", "from", from, "to", to)
			},
		},
	})
	a.provider.OnConnect = func(backend string, err error) {
		switch {
		case err == nil:
			slog.Debug("live provider connected", "provider", backend)
		case errors.Is(err, resilience.ErrCircuitOpen):
			slog.Warn("live provider unavailable; circuit open", "provider", backend)
		case errors.Is(err, context.Canceled):
			// The browser stopped or left while dialling.
		default:
			slog.Warn("live provider connect failed", "provider", backend, "err", err)
		}
	}
	slog.Info("provider created", "kind", "live", "name", name, "model", a.cfg.Provider.Model)

	for i, entry := range a.cfg.Provider.Fallbacks {
		if a.registry == nil {
			return fmt.Errorf("provider.fallbacks[%d]: no registry supplied", i)
		}
		p, err := a.registry.CreateLive(entry)
		if err != nil {
			return fmt.Errorf("create fallback provider %q: %w", entry.Label(), err)
		}
		a.provider.AddFallback(entry.Label(), p)
		slog.Info("provider created", "kind", "live", "name", entry.Name, "model", entry.Model, "fallback", i+1)
	}
	return nil
}

func (a *App) storeSession(sc config.SessionConfig) {
	a.session.Store(&live.SessionConfig{
		Voice:              sc.Voice,
		Instructions:       sc.Instructions,
		ResponseModalities: []live.Modality{live.ModalityAudio},
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the settings applied to the next live session.
func (a *App) Session() live.SessionConfig { return *a.session.Load() }

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Server returns the browser session server.
func (a *App) Server() *server.Server { return a.server }

// Provider returns the circuit-broken live provider.
func (a *App) Provider() *resilience.LiveFallback { return a.provider }

// Addr returns the bound listen address once Run has started listening.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the listener fails. It returns nil on cancellation; call Shutdown afterwards
// to close the open browser sessions.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("serving https", "addr", ln.Addr().String())
			errCh <- a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		slog.Info("serving http", "addr", ln.Addr().String())
		errCh <- a.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// The log level changes immediately; voice and persona apply to the next
// session. Everything else is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.storeSession(new.Session)
		slog.Info("session settings reloaded",
			"voice_changed", d.VoiceChanged,
			"instructions_changed", d.InstructionsChanged)
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every browser session, then stops the HTTP server. It
// respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.server.Sessions().Count())

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		shutdownErr = errors.Join(errs...)
		if shutdownErr != nil {
			slog.Warn("shutdown incomplete", "err", shutdownErr)
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
