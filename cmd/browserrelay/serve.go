package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserrelay/pkg/browser"
	"github.com/odvcencio/browserrelay/pkg/browser/adapters/chrome"
	"github.com/odvcencio/browserrelay/pkg/browser/adapters/memory"
	"github.com/odvcencio/browserrelay/pkg/bus"
	"github.com/odvcencio/browserrelay/pkg/config"
	"github.com/odvcencio/browserrelay/pkg/ipc"
	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/relay"
	"github.com/odvcencio/browserrelay/pkg/storage"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
	"github.com/odvcencio/browserrelay/pkg/tracing"
)

var serveLoadConfigFn = loadConfig

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

type serveFlags struct {
	configPath     string
	bind           string
	driver         string
	storagePath    string
	allowedOrigins []string
}

func parseServeFlags(args []string) (*serveFlags, error) {
	opts := &serveFlags{}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a config file (default: ~/.browserrelay and ./.browserrelay)")
	fs.StringVar(&opts.bind, "bind", "", "address to bind the relay server (overrides config)")
	fs.StringVar(&opts.driver, "driver", "", "browser driver: rod or memory (overrides config)")
	fs.StringVar(&opts.storagePath, "journal", "", "path to the sqlite session journal (overrides config)")
	fs.Var(&stringListValue{target: &opts.allowedOrigins}, "allow-origin", "additional allowed Origin (repeatable, accepts comma-separated list)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// apply layers flag overrides on top of the loaded config and re-validates.
func (f *serveFlags) apply(cfg *config.Config) error {
	if v := strings.TrimSpace(f.bind); v != "" {
		cfg.Server.Bind = v
	}
	if v := strings.TrimSpace(f.driver); v != "" {
		cfg.Browser.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(f.storagePath); v != "" {
		cfg.Storage.Path = v
	}
	if len(f.allowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, f.allowedOrigins...)
	}
	return cfg.Validate()
}

func runServeCommand(args []string) error {
	flags, err := parseServeFlags(args)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	cfg, err := serveLoadConfigFn(flags.configPath)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	if err := flags.apply(cfg); err != nil {
		return withExitCode(err, exitConfig)
	}

	log, err := logging.NewLogger("browserrelay", logging.Options{
		Level:  cfg.Logging.Level,
		Format: logging.Format(strings.ToLower(cfg.Logging.Format)),
		Output: os.Stderr,
	})
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	for _, warning := range cfg.ValidationWarnings() {
		log.Warn("config warning", slog.String("detail", warning))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		out, closeOut, err := tracing.OpenOutput(cfg.Tracing.Output)
		if err != nil {
			return withExitCode(err, exitConfig)
		}
		defer closeOut()
		provider, err := tracing.NewProvider(ctx, tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version,
			SampleRatio: cfg.Tracing.SampleRatio,
			Output:      out,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	driver, err := newBrowserDriver(cfg.Browser)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	pool := browser.NewPool(driver, cfg.Browser.MaxInstances)
	defer func() {
		if err := pool.Close(); err != nil {
			log.Warn("browser shutdown failed", slog.String("error", err.Error()))
		}
	}()

	hub := telemetry.NewHub()
	defer hub.Close()

	opts, err := relayOptions(cfg)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	manager := relay.NewManager(pool, opts, log, hub)

	journal, err := openJournal(ctx, cfg, log)
	if err != nil {
		return withExitCode(err, exitUnavailable)
	}
	if journal != nil {
		defer journal.Close()
	}

	messageBus, err := bus.New(cfg.Events.Kind, busConfig(cfg.Events, log))
	if err != nil {
		return withExitCode(fmt.Errorf("connect event bus: %w", err), exitUnavailable)
	}
	if messageBus != nil {
		defer messageBus.Close()
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := ipc.NewServer(ipc.Config{
		BindAddress:     cfg.Server.Bind,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxConnections:  cfg.Server.MaxConnections,
		CreateRate:      cfg.Server.CreateRate,
		CreateBurst:     cfg.Server.CreateBurst,
		ReadLimitBytes:  cfg.Server.ReadLimitBytes,
		MetricsPath:     metricsPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         version,
	}, manager, hub, journal, log)

	g, gctx := errgroup.WithContext(ctx)
	// The listener outlives gctx so sessions can send their close frames
	// before the server shuts down.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return server.Start(serverCtx) })
	if journal != nil {
		recorder := storage.NewRecorder(journal, hub, log)
		g.Go(func() error { return recorder.Run(gctx) })
	}
	if messageBus != nil {
		bridge := ipc.NewBusBridge(messageBus, hub, manager, cfg.Events.SubjectPrefix, log)
		if err := bridge.Start(gctx); err != nil {
			return withExitCode(fmt.Errorf("start bus bridge: %w", err), exitUnavailable)
		}
		defer bridge.Stop()
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", slog.Int("sessions", manager.Len()))
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := manager.Close(closeCtx)
		stopServer()
		return err
	})

	log.Info("relay started",
		slog.String("bind", cfg.Server.Bind),
		slog.String("driver", cfg.Browser.Driver),
		slog.String("events", cfg.Events.Kind),
		slog.Bool("journal", journal != nil),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newBrowserDriver(cfg config.BrowserConfig) (browser.Driver, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewDriver(memory.Config{}), nil
	case config.DriverRod, "":
		chromeCfg := chrome.DefaultConfig()
		chromeCfg.Bin = cfg.Bin
		chromeCfg.ControlURL = cfg.ControlURL
		chromeCfg.Headless = cfg.Headless
		chromeCfg.UserAgent = cfg.UserAgent
		chromeCfg.Locale = cfg.Locale
		chromeCfg.Timezone = cfg.Timezone
		chromeCfg.IgnoreCertErrors = cfg.IgnoreCertErrors
		chromeCfg.NavigationTimeout = cfg.NavigationTimeout
		chromeCfg.CaptureTimeout = cfg.CaptureTimeout
		if len(cfg.Flags) > 0 {
			chromeCfg.Flags = append([]string(nil), cfg.Flags...)
		}
		return chrome.NewDriver(chromeCfg)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

func relayOptions(cfg *config.Config) (relay.Options, error) {
	policy, err := relay.ParseAttachPolicy(cfg.Relay.AttachPolicy)
	if err != nil {
		return relay.Options{}, err
	}
	return relay.Options{
		IdleTimeout:           cfg.Relay.IdleTimeout,
		ReapInterval:          cfg.Relay.ReapInterval,
		AttachPolicy:          policy,
		CloseGrace:            cfg.Relay.CloseGrace,
		InputFailureThreshold: cfg.Relay.InputFailureThreshold,
		DefaultViewport:       browser.Viewport{Width: cfg.Relay.DefaultWidth, Height: cfg.Relay.DefaultHeight, DeviceScaleFactor: 1},
		MaxViewport:           browser.Viewport{Width: cfg.Relay.MaxWidth, Height: cfg.Relay.MaxHeight},
		DefaultURL:            cfg.Relay.StartURL,
		Stream: relay.StreamOptions{
			Quality:           cfg.Stream.Quality,
			BaseInterval:      cfg.Stream.BaseInterval,
			MaxInterval:       cfg.Stream.MaxInterval,
			SlowSendThreshold: cfg.Stream.SlowSendThreshold,
			RetryBackoff:      cfg.Stream.RetryBackoff,
			FailureThreshold:  cfg.Stream.FailureThreshold,
			WriteTimeout:      cfg.Stream.WriteTimeout,
		},
	}, nil
}

func busConfig(cfg config.EventsConfig, log *logging.Logger) bus.Config {
	out := bus.DefaultConfig()
	out.Logger = log
	if cfg.URL != "" {
		out.URL = cfg.URL
	}
	out.Username = cfg.Username
	out.Password = cfg.Password
	out.Token = cfg.Token
	return out
}

// openJournal opens the session journal when a path is configured, closes
// sessions left open by a previous process and prunes expired history.
func openJournal(ctx context.Context, cfg *config.Config, log *logging.Logger) (*storage.Store, error) {
	path := cfg.StoragePath()
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to ensure journal directory: %w", err)
	}
	journal, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	now := time.Now()
	if n, err := journal.CloseAbandoned(ctx, now); err != nil {
		log.Warn("journal cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		log.Info("closed abandoned journal sessions", slog.Int64("count", n))
	}
	if cfg.Storage.Retention > 0 {
		if n, err := journal.PruneBefore(ctx, now.Add(-cfg.Storage.Retention)); err != nil {
			log.Warn("journal prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("pruned journal sessions", slog.Int64("count", n))
			if err := journal.Maintain(ctx, true); err != nil {
				log.Warn("journal maintenance failed", slog.String("error", err.Error()))
			}
		}
	}
	return journal, nil
}

type stringListValue struct {
	target *[]string
}

func (s *stringListValue) String() string {
	if s == nil || s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s *stringListValue) Set(value string) error {
	if s.target == nil {
		return fmt.Errorf("no target slice configured")
	}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		*s.target = append(*s.target, trimmed)
	}
	return nil
}
