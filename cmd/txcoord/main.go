// Command txcoord runs the distributed transaction coordinator: sagas with
// compensation and strict two-phase commit behind one HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/txcoord/txcoord/config"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/telemetry/tracing"
	"github.com/txcoord/txcoord/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchFlag   = flag.Bool("watch", true, "Reload hot-reloadable settings when the config file changes")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp(os.Stdout)
		os.Exit(0)
	}
	if *versionFlag {
		printVersion(os.Stdout)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LoggerConfig())
	logger.SetGlobal(log)

	log.Info("starting txcoord",
		"version", version.Version,
		"build_time", version.BuildTime,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, loader, log); err != nil {
		log.Error("txcoord stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("txcoord stopped gracefully")
}

// run serves until ctx is cancelled or the HTTP server fails.
func run(ctx context.Context, cfg *config.Config, loader *config.Loader, log logger.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.OTelConfig())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Error("error shutting down tracing", "error", err)
		}
	}()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.start(ctx)

	if *configPath != "" && *watchFlag {
		startWatcher(ctx, a, loader, log)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	log.Info("txcoord is running",
		"http_port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"abort_bus", cfg.Abort.Bus,
		"participants", len(cfg.Participants),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	cancel()
	a.shutdown(shutdownCtx)
	return runErr
}

func startWatcher(ctx context.Context, a *app, loader *config.Loader, log logger.Logger) {
	w, err := config.NewWatcher(*configPath, loader, config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher disabled", "error", err)
		return
	}
	w.OnChange(a.applyReload)
	go func() {
		if err := w.Watch(ctx); err != nil {
			log.Error("config watcher stopped", "error", err)
		}
	}()
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "txcoord - Distributed Transaction Coordinator\n")
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "txcoord - Saga and two-phase commit coordinator\n\n")
	fmt.Fprintf(w, "Usage: txcoord [options]\n\n")
	fmt.Fprintf(w, "Options:\n")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  txcoord                                   # Run with default config\n")
	fmt.Fprintf(w, "  txcoord -config config.yaml               # Use specific config file\n")
	fmt.Fprintf(w, "  txcoord -port 9090 -log-level debug       # Override specific options\n")
	fmt.Fprintf(w, "  txcoord -storage badger                   # Persist the WAL on disk\n")
	fmt.Fprintf(w, "  txcoord -version                          # Print version info\n")
}
