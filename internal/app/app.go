// Package app wires the earshot subsystems into a running application.
//
// The App owns the full lifecycle: New builds the device catalog, streaming
// controller, command queue, and control surface; Run serves them until the
// context is cancelled; Shutdown releases the capture backend.
//
// For testing, inject doubles via functional options (WithTransportFactory,
// WithMetrics, WithListener). When an option is not provided, New uses the
// real implementation configured by cfg.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/control"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/streaming"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/transport"
)

// shutdownTimeout bounds the HTTP server drain once Run's context is done.
const shutdownTimeout = 15 * time.Second

// errNoInputDevices fails the capture readiness check.
var errNoInputDevices = errors.New("no input devices reported")

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	backend audio.Backend

	catalog *audio.Catalog
	ctl     *streaming.Controller
	cmds    *Commander
	handler http.Handler
	server  *http.Server

	// Injected or defaulted in New.
	metrics        *observe.Metrics
	newTransport   streaming.TransportFactory
	metricsHandler http.Handler
	listener       net.Listener
	level          *slog.LevelVar
	autostart      bool

	cfgMu   sync.RWMutex
	current *config.Config

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithTransportFactory replaces the WebSocket transport.
func WithTransportFactory(f streaming.TransportFactory) Option {
	return func(a *App) { a.newTransport = f }
}

// WithMetrics injects the instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener serves the control surface on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithAutostart starts a session as soon as Run is serving.
func WithAutostart(on bool) Option {
	return func(a *App) { a.autostart = on }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App on top of backend, which provides both device listing
// and capture. New takes ownership of backend and closes it in Shutdown.
func New(cfg *config.Config, backend audio.Backend, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if backend == nil {
		return nil, errors.New("app: capture backend is required")
	}
	a := &App{cfg: cfg, backend: backend, current: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.newTransport == nil {
		a.newTransport = websocketTransport(cfg.Stream)
	}

	// ── 1. Devices and controller ────────────────────────────────────────
	a.catalog = audio.NewCatalog(backend)
	a.ctl = streaming.New(streaming.Config{
		Endpoint:        cfg.Stream.Endpoint,
		PreferredDevice: cfg.Capture.PreferredDevice,
		FramesPerBuffer: cfg.Capture.FramesPerBuffer,
	}, streaming.Deps{
		Devices:      a.catalog,
		Source:       backend,
		NewTransport: a.newTransport,
		Metrics:      a.metrics,
	})

	// ── 2. Command queue ─────────────────────────────────────────────────
	a.cmds = NewCommander(a.ctl)

	// ── 3. Control surface ───────────────────────────────────────────────
	mux := http.NewServeMux()
	control.New(a.cmds, a.catalog,
		control.Checker{Name: "config", Check: a.checkConfig},
		control.Checker{Name: "capture", Check: a.checkCapture},
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("app initialised",
		"listen_addr", cfg.Server.ListenAddr,
		"endpoint", cfg.Stream.Endpoint,
		"backend", cfg.Capture.Backend,
		"preferred_device", cfg.Capture.PreferredDevice,
	)
	return a, nil
}

// websocketTransport builds the production transport factory.
func websocketTransport(cfg config.StreamConfig) streaming.TransportFactory {
	return func(endpoint string, hooks transport.Hooks) streaming.Transport {
		return transport.New(endpoint, hooks,
			transport.WithSendQueue(cfg.SendQueue),
			transport.WithDialTimeout(cfg.DialTimeout),
		)
	}
}

// Commander returns the command queue.
func (a *App) Commander() *Commander { return a.cmds }

// Handler returns the instrumented control surface.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control surface and executes session commands until ctx is
// cancelled. On the way out the active session is stopped and the HTTP server
// drained. Run returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.cmds.Run(gctx) })

	g.Go(func() error {
		slog.Info("control surface listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve control surface: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: shutdown control surface: %w", err)
		}
		return nil
	})

	if a.autostart {
		g.Go(func() error {
			if _, err := a.cmds.Start(gctx); err != nil {
				slog.Warn("autostart failed", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies the hot-reloadable parts of a reloaded config and
// logs the keys that need a restart. It matches the [config.NewWatcher]
// callback signature.
func (a *App) OnConfigChange(old, new *config.Config) {
	a.cfgMu.Lock()
	a.current = new
	a.cfgMu.Unlock()

	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelFor(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PreferredDeviceChanged {
		a.ctl.SetPreferredDevice(d.NewPreferredDevice)
		slog.Info("preferred device changed; applies to the next session", "device", d.NewPreferredDevice)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "keys", d.RestartRequired)
	}
}

// LevelFor maps a config log level to its slog level. Unknown values map to
// info.
func LevelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Readiness ───────────────────────────────────────────────────────────────

func (a *App) checkConfig(context.Context) error {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	if a.current == nil {
		return errors.New("no config loaded")
	}
	return nil
}

func (a *App) checkCapture(context.Context) error {
	devices, err := a.catalog.Enumerate()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errNoInputDevices
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any session Run left behind and closes the capture backend.
// Call it after Run returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if err := a.ctl.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop session: %w", err))
		}
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close capture backend: %w", err))
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
