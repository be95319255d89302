package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mothlane/relayq/internal/bus"
	"github.com/mothlane/relayq/internal/config"
	"github.com/mothlane/relayq/internal/cron"
	"github.com/mothlane/relayq/internal/eventlog"
	"github.com/mothlane/relayq/internal/executor"
	"github.com/mothlane/relayq/internal/gateway"
	"github.com/mothlane/relayq/internal/identity"
	otelPkg "github.com/mothlane/relayq/internal/otel"
	"github.com/mothlane/relayq/internal/persistence"
	"github.com/mothlane/relayq/internal/secrets"
	"github.com/mothlane/relayq/internal/telemetry"
	"github.com/mothlane/relayq/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s                          Run the queue: workers + HTTP gateway (default)
  %s serve                    Same as running with no arguments
  %s worker                   Workers only, no HTTP gateway

SUBCOMMANDS:
  %s task <action>            Manage tasks over the HTTP API
                              Actions: create, list, get, retry
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RELAYQ_HOME                 Data directory (default: ~/.relayq)
  RELAYQ_API_KEY              API key for the HTTP gateway
  RELAYQ_MASTER_KEY           Master key for the encrypted secret store

EXAMPLES:
  Run the daemon:             %s
  Create a task:              %s task create script '{"command":"make","args":["test"]}'
  Follow a task's events:     curl -N $ADDR/tasks/<id>/events
  Check daemon health:        %s status
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	_ = godotenv.Load()

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerOnly := false
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "serve":
		case "worker":
			workerOnly = true
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, stop, workerOnly)
}

func runDaemon(ctx context.Context, stop context.CancelFunc, workerOnly bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config load", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "config", cfg.Fingerprint(), "worker_only", workerOnly)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "otel init", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "metrics init", err)
	}
	go otelPkg.NewObserver(metrics, eventBus).Run(ctx)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store open", err)
	}
	defer store.Close()
	store.SetDefaultMaxAttempts(cfg.MaxAttempts)

	secretsSvc, err := secrets.New(store, cfg.MasterKey())
	if err != nil {
		fatalStartup(logger, "secrets init", err)
	}
	if !secretsSvc.Enabled() {
		logger.Warn("no secrets master key configured; credential storage disabled", "env", cfg.MasterKeyEnv)
	}

	var sealer identity.Sealer
	if secretsSvc.Enabled() {
		sealer = secretsSvc
	}
	identitySvc := identity.NewService(store, sealer, cfg.RateLimits, logger)

	registry := executor.NewRegistry()
	agentExec := executor.NewAgentExecutor(
		executor.NewCLIClient(cfg.Agent.Command, cfg.Agent.Args),
		cfg.Agent.Model, cfg.Agent.MaxTurns, store, secretsSvc,
	)
	if err := registry.RegisterWithSchema("agent", agentExec, executor.AgentPayloadSchema); err != nil {
		fatalStartup(logger, "register agent executor", err)
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		logger.Warn("workspace directory unavailable", "path", cfg.Workspace, "err", err)
	}
	if err := registry.RegisterWithSchema("script", executor.NewScriptExecutor(secretsSvc, cfg.Workspace), executor.ScriptPayloadSchema); err != nil {
		fatalStartup(logger, "register script executor", err)
	}
	if cfg.Agent.Command == "" {
		logger.Warn("agent.command is not configured; agent tasks will fail at execution")
	}

	log := eventlog.New(store, eventBus, logger)

	pool := worker.NewPool(store, log, registry, logger, worker.Config{
		WorkerCount:       cfg.WorkerCount,
		PollInterval:      cfg.PollInterval(),
		TaskTimeout:       cfg.TaskTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		StaleAfter:        cfg.StaleAfter(),
		SweepInterval:     cfg.SweepInterval(),
		Tracer:            otelProvider.Tracer,
	})
	pool.Start(ctx)

	cronSched := cron.NewScheduler(cron.Config{Store: store, Logger: logger})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher not started", "err", err)
	} else {
		go watchConfig(confWatcher, cfg.Fingerprint(), logger)
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if !workerOnly {
		apiKey, err := loadAPIKey(cfg)
		if err != nil {
			fatalStartup(logger, "api key", err)
		}

		gw := gateway.New(gateway.Config{
			Store:             store,
			Log:               log,
			Registry:          registry,
			Cron:              cronSched,
			Identity:          identitySvc,
			Metrics:           metrics,
			Tracer:            otelProvider.Tracer,
			Logger:            logger,
			APIKey:            apiKey,
			MaxQueueDepth:     cfg.MaxQueueDepth,
			StreamTimeout:     cfg.StreamTimeout(),
			RetryPolicy:       cfg.RetryPolicy,
			ConfigFingerprint: cfg.Fingerprint(),
			DefaultTenant:     cfg.DefaultTenant,
		})

		server = &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			fatalStartup(logger, "gateway bind", err)
		}
		go func() {
			logger.Info("gateway listening", "addr", cfg.BindAddr)
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if pool.Drain(cfg.DrainTimeout()) {
		logger.Info("shutdown complete")
	} else {
		logger.Warn("shutdown complete with tasks still claimed; next start will sweep them")
	}
}

// watchConfig logs config.yaml changes. Runtime knobs are read once at
// startup; the fingerprint in the log tells the operator a restart is needed
// to apply them.
func watchConfig(w *config.Watcher, activeFingerprint string, logger *slog.Logger) {
	for ev := range w.Events() {
		if filepath.Base(ev.Path) != "config.yaml" {
			continue
		}
		newCfg, err := config.Load()
		if err != nil {
			logger.Error("config.yaml reload failed", "error", err)
			continue
		}
		if fp := newCfg.Fingerprint(); fp != activeFingerprint {
			logger.Info("config.yaml changed; restart to apply runtime knobs",
				"active", activeFingerprint, "on_disk", fp)
		}
	}
}

// loadAPIKey resolves the gateway API key: config/env first, then a
// generated key persisted at $RELAYQ_HOME/api.key on first run.
func loadAPIKey(cfg config.Config) (string, error) {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		return key, nil
	}
	keyPath := filepath.Join(cfg.HomeDir, "api.key")
	if b, err := os.ReadFile(keyPath); err == nil {
		if key := strings.TrimSpace(string(b)); key != "" {
			return key, nil
		}
	}
	key := uuid.NewString()
	if err := os.WriteFile(keyPath, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist api key: %w", err)
	}
	slog.Info("api.key generated", "path", keyPath)
	return key, nil
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "relayq: %s: %v\n", phase, err)
	}
	os.Exit(1)
}
