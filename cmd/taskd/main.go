// Package main is the entry point for the taskd daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dshills/taskd/internal/backend/process"
	"github.com/dshills/taskd/internal/config"
	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/httpapi"
	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/orchestrator"
	"github.com/dshills/taskd/internal/task/persist"
	"github.com/dshills/taskd/internal/task/provider"
	"github.com/dshills/taskd/internal/task/sources"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath string
	startup    string
	addr       string
	logLevel   string
	anyOrigin  bool
	folders    []string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(opts.folders) > 0 {
		cfg.Workspace.Folders = opts.folders
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err := serve(cfg, opts, logger); err != nil {
		logger.Error("%v", err)
		return 1
	}
	return 0
}

func serve(cfg *config.Config, opts options, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("taskd")
	bus := event.NewBus(event.WithLogger(logger.WithComponent("event")))

	storage, closeStorage, err := persist.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		closeBus(bus)
		return fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
	}

	backend := process.New(bus,
		process.WithConfig(process.ConfigFrom(cfg.Execution)),
		process.WithStorage(storage),
		process.WithLogger(logger.WithComponent("process")),
	)
	var orch *orchestrator.Orchestrator
	defer func() {
		var c io.Closer
		if orch != nil {
			c = orch
		}
		shutdown(backend, cfg.Task.Reconnection, c, bus, closeStorage, logger)
	}()

	providers, err := sources.Builtin(cfg.Providers.Builtin, logger.WithComponent("sources"))
	if err != nil {
		return err
	}
	scripts, err := sources.LoadLua(ctx, cfg.Providers.Lua, logger.WithComponent("lua"))
	if err != nil {
		logger.Warn("loading lua providers: %v", err)
	}
	defer func() {
		for _, s := range scripts {
			s.Close()
		}
	}()
	for _, s := range scripts {
		providers = append(providers, provider.Provider(s))
	}

	startup := orchestrator.StartupCold
	if opts.startup == "reload" {
		startup = orchestrator.StartupReload
	}
	orch, err = orchestrator.New(orchestrator.Options{
		Config:     cfg,
		ConfigPath: opts.configPath,
		Startup:    startup,
		Bus:        bus,
		Backend:    backend,
		Storage:    storage,
		Providers:  providers,
		Notifier:   logNotifier{logger: logger.WithComponent("notify")},
		Watch:      true,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	if err := orch.Init(ctx); err != nil {
		return err
	}

	go func() {
		select {
		case <-orch.Ready():
		case <-ctx.Done():
			return
		}
		handles, err := orch.RunAutomaticTasks(ctx)
		if err != nil {
			logger.Warn("automatic tasks: %v", err)
			return
		}
		if len(handles) > 0 {
			logger.Info("started %d automatic tasks", len(handles))
		}
	}()

	if cfg.Server.Addr == "" {
		logger.Info("taskd %s running without API server", version)
		<-ctx.Done()
		return nil
	}

	apiOpts := []httpapi.Option{
		httpapi.WithMetrics(m),
		httpapi.WithOutput(backend),
		httpapi.WithLogger(logger),
	}
	if opts.anyOrigin {
		apiOpts = append(apiOpts, httpapi.WithAnyOrigin())
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.New(orch, bus, apiOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskd %s listening on %s", version, cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown: %v", err)
	}
	return nil
}

// runStopper is the part of the execution backend used at shutdown.
type runStopper interface {
	Detach()
	Close(ctx context.Context) error
}

// shutdown stops the daemon's parts in dependency order. Runs stop while
// the orchestrator still consumes their events, and the bus is drained
// before storage closes. When reconnection is on, runs are left alive for
// the next instance to reattach to.
func shutdown(runs runStopper, reconnect bool, orch io.Closer, bus *event.Bus, closeStorage func(), logger *logging.Logger) {
	if reconnect {
		runs.Detach()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := runs.Close(ctx); err != nil {
			logger.Warn("terminating runs: %v", err)
		}
		cancel()
	}
	if orch != nil {
		if err := orch.Close(); err != nil {
			logger.Warn("closing orchestrator: %v", err)
		}
	}
	closeBus(bus)
	closeStorage()
}

func closeBus(bus *event.Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = bus.Close(ctx)
}

// logNotifier surfaces warnings and completion notices in the log.
type logNotifier struct {
	logger *logging.Logger
}

func (n logNotifier) Warn(msg string)   { n.logger.Warn("%s", msg) }
func (n logNotifier) Notify(msg string) { n.logger.Info("%s", msg) }

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", defaultConfigPath(), "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", defaultConfigPath(), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.startup, "startup", "cold", "Startup kind (cold, reload)")
	flag.StringVar(&opts.addr, "addr", "", "API listen address (overrides server.addr)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.anyOrigin, "any-origin", false, "Accept event stream connections from any origin")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "taskd - task discovery and execution daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: taskd [options] [folders...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taskd .                         Serve tasks of the current folder\n")
		fmt.Fprintf(os.Stderr, "  taskd -addr :7420 ./a ./b       Serve two folders on all interfaces\n")
		fmt.Fprintf(os.Stderr, "  taskd -startup reload .         Reattach to tasks left running\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("taskd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.startup {
	case "cold", "reload":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid startup kind %q (must be cold or reload)\n", opts.startup)
		os.Exit(1)
	}
	switch opts.logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}

	for _, dir := range flag.Args() {
		abs, err := filepath.Abs(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts.folders = append(opts.folders, abs)
	}
	return opts
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "taskd", "config.toml")
}
