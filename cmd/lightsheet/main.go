// Command lightsheet opens the devices of one light-sheet microscope and
// serves their admin debug pages until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/banshee-data/lightsheet/internal/config"
	"github.com/banshee-data/lightsheet/internal/instrument"
	"github.com/banshee-data/lightsheet/internal/journal"
	"github.com/banshee-data/lightsheet/internal/metrics"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
	"github.com/banshee-data/lightsheet/internal/version"
)

var (
	configPath  = flag.String("config", "instrument.yaml", "Instrument file (.yaml, .toml or .json)")
	devMode     = flag.Bool("dev", false, "Replace every device with its simulator")
	listen      = flag.String("listen", "localhost:8080", "Admin HTTP listen address")
	journalPath = flag.String("journal", "lightsheet.db", "sqlite transaction journal (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	logFile     = flag.String("log-file", "", "Also write logs to this rotated file")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

// app is everything main owns between startup and shutdown.
type app struct {
	instrument *instrument.Instrument
	journal    *journal.Journal
	tail       *instrument.Tail
	registry   *prometheus.Registry
}

type appOptions struct {
	Dev         bool
	JournalPath string
	Build       instrument.Options
}

// openApp wires the journal, metrics and live tail into every device
// connection and opens the instrument.
func openApp(cfg *config.Instrument, opts appOptions) (*app, error) {
	a := &app{
		tail:     instrument.NewTail(),
		registry: metrics.NewRegistry(),
	}
	serialMetrics := metrics.NewSerialMetrics(a.registry)

	build := opts.Build
	build.Dev = opts.Dev
	build.Observers = append(build.Observers, serialMetrics, a.tail)
	build.Lifecycles = append(build.Lifecycles, serialMetrics)

	if opts.JournalPath != "" {
		j, err := journal.Open(opts.JournalPath, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = j
		build.Observers = append(build.Observers, j)
		build.Lifecycles = append(build.Lifecycles, j)
	}

	in, err := instrument.Build(cfg, build)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.instrument = in
	return a, nil
}

func (a *app) routes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	a.instrument.AttachAdminRoutes(mux, instrument.RouteOptions{
		Tail:    a.tail,
		Metrics: metrics.Handler(a.registry),
	})
	if a.journal != nil {
		if err := a.journal.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux, nil
}

// Close closes the devices before the journal so their close events are
// recorded.
func (a *app) Close() error {
	a.tail.Close()
	var errs []error
	if a.instrument != nil {
		errs = append(errs, a.instrument.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger, logCloser := monitoring.NewLogger(monitoring.LogOptions{
		Level:      *logLevel,
		Format:     *logFormat,
		File:       *logFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})
	monitoring.UseZap(logger)
	log := logger.Sugar()

	err := run(log)
	if err != nil {
		log.Error(err)
	}
	logger.Sync()
	logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

// run owns the instrument from open to close; every return path after
// openApp closes the devices and ends the journal session.
func run(log *zap.SugaredLogger) error {
	log.Infof("%s starting", version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load instrument file: %w", err)
	}
	if *devMode {
		log.Infof("dev mode: simulating %d devices", len(cfg.DeviceNames()))
	}

	a, err := openApp(cfg, appOptions{
		Dev:         *devMode,
		JournalPath: *journalPath,
		Build:       instrument.Options{Opener: serialport.Open},
	})
	if err != nil {
		return fmt.Errorf("failed to open instrument %s: %w", cfg.Name, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Errorf("close: %v", err)
		}
	}()

	mux, err := a.routes()
	if err != nil {
		return fmt.Errorf("failed to attach admin routes: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("admin routes on http://%s/debug/", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP server: %w", err)
		}
		stop()
	}
	log.Info("shutting down HTTP server...")
	// Ends open /debug/tail streams so Shutdown does not wait on them.
	a.tail.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Warnf("HTTP server force close error: %v", err)
		}
	}
	log.Info("Graceful shutdown complete")
	return runErr
}
