package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpsas"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/probe"
	appversion "github.com/dantte-lp/udpsas/internal/version"
)

const (
	// shutdownTimeout bounds the graceful shutdown of the metrics server.
	shutdownTimeout = 10 * time.Second

	// metricsReadHeaderTimeout guards the metrics listener against
	// slow-header clients.
	metricsReadHeaderTimeout = 10 * time.Second
)

func reflectCmd() *cobra.Command {
	var (
		configPath  string
		listenAddr  string
		metricsAddr string
		echoLimit   int
	)

	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Run a reflector that echoes datagrams from their arrival address",
		Long: "Runs the echo reflector: every datagram is sent back to its sender, " +
			"with the reply pinned to the exact local address the datagram arrived " +
			"on. Configuration comes from --config (YAML, with UDPSAS_* environment " +
			"overrides); flags override the file. SIGHUP reloads the log level.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadReflectConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cmd.Flags().Changed("listen") {
				cfg.Listen = listenAddr
			}

			if cmd.Flags().Changed("metrics-listen") {
				cfg.Metrics.Addr = metricsAddr
			}

			if cmd.Flags().Changed("echo-limit") {
				cfg.EchoLimit = echoLimit
			}

			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}

			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			if err := probe.Validate(cfg); err != nil {
				return fmt.Errorf("validate config: %w", err)
			}

			return runReflect(cmd.Context(), cfg, configPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flags.StringVar(&listenAddr, "listen", "",
		"UDP address to reflect on (overrides config)")
	flags.StringVar(&metricsAddr, "metrics-listen", "",
		"Prometheus listen address, empty disables (overrides config)")
	flags.IntVar(&echoLimit, "echo-limit", 0,
		"max bytes echoed per datagram, 0 for no limit (overrides config)")

	return cmd
}

// loadReflectConfig returns the built-in defaults when no config file
// was given.
func loadReflectConfig(path string) (*probe.Config, error) {
	if path == "" {
		return probe.DefaultConfig(), nil
	}

	return probe.Load(path)
}

func runReflect(ctx context.Context, cfg *probe.Config, configPath string) error {
	logLevelVar := new(slog.LevelVar)
	logLevelVar.Set(probe.ParseLogLevel(cfg.Log.Level))

	log := newLoggerWithLevel(cfg.Log, logLevelVar)

	log.Info("reflector starting",
		slog.String("version", appversion.Version),
		slog.String("listen", cfg.Listen),
	)

	fr := startFlightRecorder(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := udpsas.Listen(ctx, "udp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	defer func() { _ = conn.Close() }()

	reg := prometheus.NewRegistry()
	collector := sasmetrics.NewCollector(reg)

	reflector := probe.NewReflector(conn, cfg, collector, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return reflector.Run(gCtx)
	})

	var metricsSrv *http.Server

	if cfg.Metrics.Addr != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)

		lc := net.ListenConfig{}

		g.Go(func() error {
			log.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)

			return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
		})
	}

	g.Go(func() error {
		return runWatchdog(gCtx, log)
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(hup)

		handleSIGHUP(gCtx, hup, configPath, logLevelVar, log)

		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()

		return gracefulShutdown(gCtx, log, fr, metricsSrv)
	})

	notifyReady(log)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run reflector: %w", err)
	}

	log.Info("reflector stopped")

	return nil
}

// newLoggerWithLevel builds the reflector logger on stdout. The level
// is held in a LevelVar so SIGHUP can change it at runtime.
func newLoggerWithLevel(cfg probe.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startFlightRecorder arms an in-memory execution trace so the recent
// past can be dumped when a reflector stall needs debugging. Returns
// nil when the recorder cannot start.
func startFlightRecorder(log *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   500 * time.Millisecond,
		MaxBytes: 2 << 20,
	})

	if err := fr.Start(); err != nil {
		log.Warn("start flight recorder", slog.Any("error", err))

		return nil
	}

	return fr
}

func newMetricsServer(cfg probe.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

// listenAndServe binds addr through the context-aware ListenConfig and
// serves until Shutdown. ErrServerClosed is the normal exit and is not
// reported.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}

	return nil
}

// handleSIGHUP re-reads the config file on each SIGHUP and applies the
// log level. Listen addresses cannot change without a restart.
func handleSIGHUP(ctx context.Context, hup <-chan os.Signal, configPath string, level *slog.LevelVar, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadLogLevel(configPath, level, log)
		}
	}
}

func reloadLogLevel(configPath string, level *slog.LevelVar, log *slog.Logger) {
	cfg, err := loadReflectConfig(configPath)
	if err != nil {
		log.Warn("reload config", slog.Any("error", err))

		return
	}

	parsed := probe.ParseLogLevel(cfg.Log.Level)
	if parsed == level.Level() {
		log.Info("config reloaded, log level unchanged",
			slog.String("level", cfg.Log.Level))

		return
	}

	level.Set(parsed)
	log.Info("log level changed", slog.String("level", cfg.Log.Level))
}

func notifyReady(log *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("notify systemd ready", slog.Any("error", err))

		return
	}

	if sent {
		log.Debug("notified systemd: READY")
	}
}

func notifyStopping(log *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.Warn("notify systemd stopping", slog.Any("error", err))

		return
	}

	if sent {
		log.Debug("notified systemd: STOPPING")
	}
}

// runWatchdog pings the systemd watchdog at half the configured
// interval. Returns immediately when no watchdog is armed.
func runWatchdog(ctx context.Context, log *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("check systemd watchdog: %w", err)
	}

	if interval == 0 {
		return nil
	}

	log.Info("systemd watchdog enabled", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("notify systemd watchdog", slog.Any("error", err))
			}
		}
	}
}

func gracefulShutdown(ctx context.Context, log *slog.Logger, fr *trace.FlightRecorder, servers ...*http.Server) error {
	log.Info("shutting down")

	notifyStopping(log)

	if fr != nil {
		fr.Stop()
	}

	// Detach from the canceled run context but keep its values, then
	// bound the shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error

	for _, srv := range servers {
		if srv == nil {
			continue
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}

	return errors.Join(errs...)
}
