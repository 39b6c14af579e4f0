// Command earshot streams microphone audio to a backend over WebSocket and
// exposes a local HTTP control surface to start and stop sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/portaudio"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "earshot.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available input devices and exit")
	autostart := flag.Bool("autostart", false, "start streaming as soon as the control surface is up")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The app does not exist yet; reloads are forwarded once it does.
	var onChange func(old, new *config.Config)
	var cfg *config.Config
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if onChange != nil {
			onChange(old, new)
		}
	})
	switch {
	case err == nil:
		cfg = watcher.Current()
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "earshot: config file %q not found, using defaults\n", *configPath)
		cfg = config.Default()
	default:
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level, cfg.Server.LogLevel))

	// ── Capture backend ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backend, err := reg.CreateBackend(cfg.Capture)
	if err != nil {
		slog.Error("failed to create capture backend", "backend", cfg.Capture.Backend, "err", err)
		return 1
	}

	if *listDevices {
		defer backend.Close()
		if err := printDevices(audio.NewCatalog(backend)); err != nil {
			slog.Error("failed to list devices", "err", err)
			return 1
		}
		return 0
	}

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backends", reg.Backends(),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		_ = backend.Close()
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithAutostart(*autostart),
	}
	if cfg.Telemetry.MetricsEnabled() {
		opts = append(opts, app.WithMetricsHandler(provider.MetricsHandler()))
	}
	application, err := app.New(cfg, backend, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = backend.Close()
		return 1
	}
	onChange = application.OnConfigChange

	slog.Info("ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinBackends wires the capture backends that ship with earshot
// into reg. "none" is registered by [config.NewRegistry].
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(config.BackendPortAudio, func(config.CaptureConfig) (audio.Backend, error) {
		return portaudio.New()
	})
}

// printDevices writes the input device table to stdout.
func printDevices(catalog *audio.Catalog) error {
	devices, err := catalog.Enumerate()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no input devices found")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCHANNELS\tRATE\tID")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%d\t%.0f\t%s\n", d.Name, d.MaxInputChannels, d.DefaultSampleRate, d.ID)
	}
	return tw.Flush()
}

// newLogger builds the process logger. level is kept so config reloads can
// change verbosity without replacing the handler.
func newLogger(level *slog.LevelVar, l config.LogLevel) *slog.Logger {
	level.Set(app.LevelFor(l))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
