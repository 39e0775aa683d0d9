package main

import (
	"bufio"
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
	"github.com/mattn/go-isatty"

	"github.com/basket/turnstream/internal/audit"
	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/config"
	"github.com/basket/turnstream/internal/cron"
	"github.com/basket/turnstream/internal/gateway"
	"github.com/basket/turnstream/internal/interaction"
	otelPkg "github.com/basket/turnstream/internal/otel"
	"github.com/basket/turnstream/internal/persistence"
	"github.com/basket/turnstream/internal/producer"
	"github.com/basket/turnstream/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `turnd - turn streaming and commit daemon

Usage:
  turnd [flags]                 run the daemon
  turnd status                  query a running daemon's /healthz
  turnd doctor [-json]          run preflight checks
  turnd backup <dest.db>        copy the sqlite store while it is live
  turnd set-model <provider> <model>
                                switch the producer to a genkit model

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", !isatty.IsTerminal(os.Stdout.Fd()), "log to the file sink only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "set-model":
			os.Exit(runSetModelCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, running with defaults", "home", cfg.HomeDir)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	artifacts, err := commit.NewFileWriter(cfg.ArtifactDir)
	if err != nil {
		fatalStartup(logger, "E_ARTIFACT_DIR", err)
	}
	orchestrator := commit.NewOrchestrator(logger, artifacts, store)

	eventBus := bus.New(cfg.BusLimits(),
		bus.WithObserver(otelPkg.NewBusObserver(metrics)),
		bus.WithLogger(logger),
	)
	mgr := interaction.NewManager(eventBus, orchestrator,
		interaction.WithLogger(logger),
		interaction.WithTracer(otelProvider.Tracer),
		interaction.WithMetrics(metrics),
		interaction.WithTraceStore(store),
	)

	provider := buildProvider(ctx, cfg, logger)
	if err := provider.Prewarm(ctx, cfg.Producer.Model); err != nil {
		logger.Warn("provider prewarm failed", "error", err)
	}
	bridge := producer.NewBridge(provider,
		producer.WithBridgeLogger(logger),
		producer.WithBridgeTracer(otelProvider.Tracer),
		producer.WithBridgeMetrics(metrics),
	)
	logger.Info("startup phase", "phase", "producer_ready", "health", provider.Health(ctx))

	retention, err := cron.NewScheduler(cron.Config{
		Store:        store,
		Logger:       logger,
		Schedule:     cfg.Retention.Schedule,
		TraceDays:    cfg.Retention.TraceDays,
		CommitDays:   cfg.Retention.CommitDays,
		AuditLogDays: cfg.Retention.AuditLogDays,
		RunOnStart:   true,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	if err := retention.Start(ctx); err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	defer retention.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go config.Reloader(ctx, confWatcher, logger, func(next config.Config) {
		eventBus.SetLimits(next.BusLimits())
		if next.Producer.Kind != cfg.Producer.Kind || next.Producer.Model != cfg.Producer.Model {
			logger.Warn("producer change needs a restart", "kind", next.Producer.Kind, "model", next.Producer.Model)
		}
	})

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Manager:           mgr,
		Bridge:            bridge,
		Bus:               eventBus,
		Store:             store,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		VerifyStream:      cfg.VerifyStream,
		RateLimit:         gateway.RateLimit{RequestsPerMinute: cfg.RPCRequestsPerMinute, Burst: cfg.RPCBurst},
		Retention:         retention,
		MetricsSource:     otelProvider,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, interrupt running turns, then wait for their commits.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(drainCtx)
	if err := gw.Drain(drainCtx); err != nil {
		logger.Warn("gateway drain incomplete", "error", err)
	}
	if err := mgr.Shutdown(drainCtx); err != nil {
		logger.Warn("commit drain incomplete", "error", err)
	}
	logger.Info("shutdown complete", "commits", mgr.CommitCount())
}

func buildProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) producer.Provider {
	if cfg.Producer.Kind == "genkit" {
		return producer.NewGenkitProvider(ctx, producer.GenkitConfig{
			Provider:   cfg.Producer.Provider,
			Model:      cfg.Producer.Model,
			APIKey:     cfg.ProviderAPIKey(),
			BaseURL:    cfg.Producer.BaseURL,
			CompatName: cfg.Producer.CompatName,
			System:     cfg.Producer.System,
		}, logger)
	}
	p := producer.NewScriptedProvider(cfg.Producer.Model, cfg.Producer.Tokens)
	p.Delay = time.Duration(cfg.Producer.TokenDelayMS) * time.Millisecond
	p.Deadline = time.Duration(cfg.Producer.DeadlineSeconds) * time.Second
	return p
}

func runSetModelCommand(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: turnd set-model <provider> <model>")
		return 2
	}
	if err := config.SetProducer(config.HomeDir(), args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "set-model: %v\n", err)
		return 1
	}
	fmt.Printf("producer set to %s/%s\n", args[0], args[1])
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.OutcomeFatal, "runtime.startup", reasonCode, "", "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"turnd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.TrimSpace(val))
	}
}

// loadAuthToken prefers the configured token, then <home>/auth.token, and
// generates and persists one on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
