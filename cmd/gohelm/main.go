package main

import (
	"bufio"
	"context"
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

	"github.com/mattn/go-isatty"

	"github.com/basket/go-helm/internal/audit"
	"github.com/basket/go-helm/internal/budget"
	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/channels"
	"github.com/basket/go-helm/internal/config"
	"github.com/basket/go-helm/internal/coordinator"
	"github.com/basket/go-helm/internal/cron"
	"github.com/basket/go-helm/internal/engine"
	"github.com/basket/go-helm/internal/gateway"
	"github.com/basket/go-helm/internal/memory"
	otelPkg "github.com/basket/go-helm/internal/otel"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/safety"
	"github.com/basket/go-helm/internal/telemetry"
	"github.com/basket/go-helm/internal/tools"
	"github.com/basket/go-helm/internal/trace"

	"github.com/basket/go-helm/internal/agent"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                 Run the control plane (default)
  %s doctor [-json]          Run preflight checks
  %s version                 Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOHELM_HOME             Data directory (default: ~/.gohelm)
  GOHELM_AUTH_TOKEN       Gateway auth token (empty disables auth)
  GEMINI_API_KEY          Required for the google provider
  TELEGRAM_TOKEN          Telegram bot token
`)
}

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (default: $GOHELM_HOME/config.yaml)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *configPath, args[1:]))
		case "run":
			// fall through to the daemon
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if len(cfg.ContextLimits) > 0 {
		engine.SetContextLimitOverrides(cfg.ContextLimits)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.Logging.Level, isatty.IsTerminal(os.Stderr.Fd()))
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		// The JSONL sink keeps everything; the terminal gets readable text.
		logger = slog.New(teeHandler{logger.Handler(), slog.NewTextHandler(os.Stderr, nil)})
	}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if host, _, err := net.SplitHostPort(cfg.Server.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.Server.AuthToken == "" {
			logger.Warn("auth_token is empty on a non-loopback bind; anyone who can reach the port can submit goals", "bind_addr", cfg.Server.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: "gohelm",
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	auditor, err := audit.NewRecorder(cfg.HomeDir, store.DB())
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditor.Close()

	traceSvc := trace.NewService(store, logger)
	governor := budget.NewGovernor(store, cfg.Budget.MonthlyLimitUSD, cfg.Budget.IdentityLimits, logger)

	coord := coordinator.New(coordinator.Config{
		ConfidenceFloor: cfg.Coordinator.ConfidenceFloor,
		StaleAfter:      cfg.StaleAfter(),
		TimeoutFactor:   cfg.Coordinator.TimeoutFactor,
		RiskCeiling:     cfg.Coordinator.RiskCeiling,
		MaxRetries:      cfg.Coordinator.MaxRetries,
	}, governor, traceSvc, auditor, eventBus, metrics, logger)

	sanitizer := safety.NewSanitizer()

	tiers := []memory.Tier{}
	if len(cfg.Memory.Facts) > 0 {
		tiers = append(tiers, memory.NewStaticTier(cfg.Memory.Facts))
	}
	tiers = append(tiers, memory.NewStoreTier(store))

	provider, model, apiKey := cfg.ResolveLLM()
	primary := engine.NewGenkitReasoner(ctx, engine.ReasonerConfig{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})
	reasoner := engine.NewFailoverReasoner(provider, primary,
		cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second)
	for _, name := range cfg.LLM.FallbackProviders {
		if name == provider {
			continue
		}
		fallback := engine.NewGenkitReasoner(ctx, engine.ReasonerConfig{
			Provider: name,
			Model:    config.DefaultModels[name],
			APIKey:   cfg.LLMProviderAPIKey(name),
		})
		reasoner.AddFallback(name, fallback)
	}
	reasoner.SetKVStore(store)
	reasoner.LoadBreakerState(ctx)

	registry := tools.NewRegistry(tools.Deps{
		Traces:        traceSvc,
		Audit:         auditor,
		Leaks:         safety.NewLeakDetector(),
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
		Logger:        logger,
		ConfigVersion: cfg.Fingerprint(),
	})

	builtin := tools.NewBuiltinServer(tools.DefaultSearchProviders(""), logger)
	if err := registry.RegisterServer(builtin, "read_web", "web_search", "fetch_url"); err != nil {
		fatalStartup(logger, "E_TOOLS_REGISTER", err)
	}

	if cfg.Tools.Sandbox.Enabled {
		workspaceDir := filepath.Join(cfg.HomeDir, "workspace")
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			fatalStartup(logger, "E_WORKSPACE_CREATE", err)
		}
		sandbox, err := tools.NewSandboxServer(cfg.Tools.Sandbox, workspaceDir, logger)
		if err != nil {
			logger.Warn("sandbox unavailable, exec tool disabled", "error", err)
		} else {
			defer sandbox.Close()
			if err := registry.RegisterServer(sandbox, "run_code", "exec"); err != nil {
				fatalStartup(logger, "E_TOOLS_REGISTER", err)
			}
			logger.Info("sandbox tool server registered", "image", cfg.Tools.Sandbox.Image)
		}
	}

	for _, srvCfg := range cfg.Tools.HTTPServers {
		hs, err := tools.NewHTTPServer(srvCfg)
		if err != nil {
			fatalStartup(logger, "E_TOOLS_REGISTER", err)
		}
		action := srvCfg.Action
		if action == "" {
			action = "read_docs"
		}
		if err := registry.RegisterServer(hs, action, srvCfg.Tools...); err != nil {
			fatalStartup(logger, "E_TOOLS_REGISTER", err)
		}
		logger.Info("http tool server registered", "name", srvCfg.Name, "tools", len(srvCfg.Tools))
	}

	dispatcher := agent.NewDispatcher(logger)
	if err := registerWorkers(dispatcher, reasoner, registry, logger); err != nil {
		fatalStartup(logger, "E_WORKERS_REGISTER", err)
	}

	runner := engine.NewRunner(engine.Config{
		MaxIterations: cfg.Engine.MaxIterations,
		PerTierLimit:  cfg.Engine.PerTierLimit,
		Model:         model,
	}, engine.Deps{
		Reasoner:   reasoner,
		Tiers:      tiers,
		Dispatcher: dispatcher,
		Coord:      coord,
		Traces:     traceSvc,
		Governor:   governor,
		Store:      store,
		Bus:        eventBus,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Logger:     logger,
	})
	manager := engine.NewManager(runner, store, logger)

	// Runs left in running state by a crash resume from their checkpoint.
	go resumeInterruptedRuns(ctx, manager, store, logger)

	gw := gateway.New(gateway.Config{
		Manager:           manager,
		Traces:            traceSvc,
		Governor:          governor,
		Store:             store,
		Bus:               eventBus,
		Sanitizer:         sanitizer,
		AuthToken:         cfg.Server.AuthToken,
		AllowOrigins:      cfg.Server.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Logger:            logger,
	})
	server := &http.Server{Addr: cfg.Server.BindAddr, Handler: gw.Handler()}

	ln, err := net.Listen("tcp", cfg.Server.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Port is already in use. Stop the existing process or change server.bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Server.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.ChatIDs,
				manager,
				traceSvc,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	var scheduler *cron.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = cron.NewScheduler(cron.Config{
			Store:     store,
			Submitter: manager,
			Bus:       eventBus,
			Logger:    logger,
			Interval:  time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		})
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go watchConfigReloads(confWatcher, &cfg, coord, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain active runs, then let the deferred
	// closes flush the rest in reverse construction order.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	manager.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	logger.Info("shutdown complete")
}

// watchConfigReloads applies threshold changes from config.yaml rewrites.
// Only the reloadable knobs move at runtime; anything else needs a restart.
func watchConfigReloads(w *config.Watcher, cfg *config.Config, coord *coordinator.Coordinator, logger *slog.Logger) {
	fingerprint := cfg.Fingerprint()
	for ev := range w.Events() {
		if filepath.Base(ev.Path) != "config.yaml" {
			continue
		}
		newCfg, err := config.Load(config.ConfigPath(cfg.HomeDir))
		if err != nil {
			logger.Error("config.yaml reload failed, keeping previous config", "error", err)
			continue
		}
		newPrint := newCfg.Fingerprint()
		if newPrint == fingerprint {
			continue
		}
		coord.Reload(coordinator.Config{
			ConfidenceFloor: newCfg.Coordinator.ConfidenceFloor,
			StaleAfter:      newCfg.StaleAfter(),
			TimeoutFactor:   newCfg.Coordinator.TimeoutFactor,
			RiskCeiling:     newCfg.Coordinator.RiskCeiling,
			MaxRetries:      newCfg.Coordinator.MaxRetries,
		})
		if len(newCfg.ContextLimits) > 0 {
			engine.SetContextLimitOverrides(newCfg.ContextLimits)
		}
		fingerprint = newPrint
		logger.Info("config.yaml hot-reloaded", "fingerprint", newPrint)
	}
}

// resumeInterruptedRuns restarts runs a previous process left in running
// state. Resume picks up at the checkpointed iteration.
func resumeInterruptedRuns(ctx context.Context, manager *engine.Manager, store *persistence.Store, logger *slog.Logger) {
	runs, err := store.ListRuns(ctx, 200)
	if err != nil {
		logger.Warn("crash recovery scan failed", "error", err)
		return
	}
	for _, run := range runs {
		if run.Status != persistence.RunStatusRunning {
			continue
		}
		if err := manager.Resume(ctx, run.RunID); err != nil {
			logger.Warn("failed to resume interrupted run", "run_id", run.RunID, "error", err)
			continue
		}
		logger.Info("resumed interrupted run", "run_id", run.RunID, "iteration", run.Iteration)
	}
}

// teeHandler fans a record out to both handlers. Used to pair the JSONL
// file sink with a human-readable terminal handler.
type teeHandler struct {
	a, b slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.a.Enabled(ctx, level) || t.b.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	if t.a.Enabled(ctx, rec.Level) {
		if err := t.a.Handle(ctx, rec.Clone()); err != nil {
			return err
		}
	}
	if t.b.Enabled(ctx, rec.Level) {
		return t.b.Handle(ctx, rec.Clone())
	}
	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.a.WithAttrs(attrs), t.b.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.a.WithGroup(name), t.b.WithGroup(name)}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"control-plane","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv applies KEY=VALUE lines from a .env file without overriding
// variables already set in the environment.
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
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
