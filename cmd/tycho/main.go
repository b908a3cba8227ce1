// Tycho is an agent orchestration runtime for a trading assistant.
//
// It exposes an HTTP API (SSE chat runs, conversation replay and
// reports, a WebSocket event feed) and a CLI for one-shot questions
// and maintenance. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tycho serve              Start the API server
//	tycho init [dir]         Initialize a working directory with defaults
//	tycho ask <question>     Ask a single question (for testing)
//	tycho cleanup            Run one retention sweep and exit
//	tycho version            Print version and build information
//	tycho -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/agent"
	"github.com/quantfold/tycho-trading-agent/internal/alert"
	"github.com/quantfold/tycho-trading-agent/internal/api"
	"github.com/quantfold/tycho-trading-agent/internal/broker"
	"github.com/quantfold/tycho-trading-agent/internal/buildinfo"
	"github.com/quantfold/tycho-trading-agent/internal/config"
	"github.com/quantfold/tycho-trading-agent/internal/connwatch"
	"github.com/quantfold/tycho-trading-agent/internal/events"
	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/market"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/mqtt"
	"github.com/quantfold/tycho-trading-agent/internal/playbooks"
	"github.com/quantfold/tycho-trading-agent/internal/prompts"
	"github.com/quantfold/tycho-trading-agent/internal/reason"
	"github.com/quantfold/tycho-trading-agent/internal/search"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
	"github.com/quantfold/tycho-trading-agent/internal/trade"
	"github.com/quantfold/tycho-trading-agent/internal/usage"
	"github.com/quantfold/tycho-trading-agent/internal/watchlist"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tycho command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime (cancelling it triggers graceful shutdown), stdout/stderr
// receive all output, and args is os.Args[1:]. Arguments are parsed by
// hand because the flag package's global state interferes with calling
// run concurrently from tests, and the surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: tycho ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "cleanup":
		return runCleanup(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// tycho is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tycho - Trading Assistant Agent Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tycho [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  cleanup      Run one conversation retention sweep and exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/tycho/config.yaml, /etc/tycho/config.yaml")
	return nil
}

// runAsk handles the "tycho ask <question>" subcommand. It boots a
// minimal agent against the persistent store (so one-shots share the
// server's conversation history) with quote tools only, runs a single
// turn, and prints the response. Useful for smoke tests without the
// server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger, closeLog, err := newLogger(stdout, slog.LevelWarn, "text", "")
	if err != nil {
		return err
	}
	defer closeLog()

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	mem, err := memory.Open(cfg.DataDir + "/tycho.db")
	if err != nil {
		return fmt.Errorf("open memory database: %w", err)
	}
	defer mem.Close()

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	// Quote tools only: ask runs without broker, search, or the
	// reasoning delegate.
	marketMgr := market.NewManager(logger)
	if cfg.Broker.BaseURL != "" {
		brokerClient := broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.AccountID,
			time.Duration(cfg.Broker.TimeoutSec)*time.Second, logger)
		marketMgr.Register(market.NewBridgeProvider(brokerClient))
	}
	if cfg.Market.YahooFallback {
		marketMgr.Register(market.NewYahooProvider())
	}
	registry := tools.NewRegistry()
	if marketMgr.Configured() {
		tools.RegisterMarketTools(registry, marketMgr, mem, logger)
	}

	orch := agent.New(llmClient, mem, registry, cfg.Models.Default, logger)
	applyLimits(orch, cfg)

	res, err := orch.Run(ctx, &agent.Request{UserMessage: question, UserID: "cli"}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Response)
	return nil
}

// runCleanup handles the "tycho cleanup" subcommand: one retention
// sweep against the configured store, printing what was removed.
func runCleanup(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	mem, err := memory.Open(cfg.DataDir + "/tycho.db")
	if err != nil {
		return fmt.Errorf("open memory database: %w", err)
	}
	defer mem.Close()

	maxAge := time.Duration(cfg.Retention.MaxAgeHours) * time.Hour
	removed, err := mem.Cleanup(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	fmt.Fprintf(stdout, "Removed %d conversations older than %dh\n", removed, cfg.Retention.MaxAgeHours)
	return nil
}

// runServe handles the "tycho serve" subcommand. It is the primary
// operating mode: loads config, opens the database, wires the tool
// registry, orchestrator, and optional surfaces (alerts, MQTT,
// retention sweep), starts the API server, and blocks until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger, closeLog, err := newLogger(stdout, slog.LevelInfo, "text", "")
	if err != nil {
		return err
	}
	logger.Info("starting Tycho",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logging now that the desired level, format, and file
	// sink are known. The initial Info-level text logger covers only
	// the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		closeLog()
		logger, closeLog, err = newLogger(stdout, level, cfg.LogFormat, cfg.LogFile)
		if err != nil {
			return err
		}
	}
	defer closeLog()

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	// --- Data directory ---
	// All persistent state (conversations, messages, snapshots, audit
	// trail, watchlist, usage ledger, MQTT identity) lives here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Memory store ---
	// One SQLite file carries the conversation store plus the
	// watchlist and usage tables on the same handle.
	dbPath := cfg.DataDir + "/tycho.db"
	mem, err := memory.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open memory database %s: %w", dbPath, err)
	}
	defer mem.Close()
	logger.Info("memory database opened", "path", dbPath)

	watchStore, err := watchlist.NewStore(mem.DB())
	if err != nil {
		return fmt.Errorf("create watchlist store: %w", err)
	}
	if len(cfg.Watchlist.Seed) > 0 {
		if err := watchStore.Seed(cfg.Watchlist.Seed); err != nil {
			logger.Warn("watchlist seed failed", "error", err)
		}
	}

	usageStore, err := usage.NewStore(mem.DB())
	if err != nil {
		return fmt.Errorf("create usage store: %w", err)
	}

	// --- Operational event bus ---
	// Telemetry fan-out for the WebSocket feed and the MQTT publisher.
	bus := events.New()

	// --- LLM client ---
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	// --- Broker bridge + market data ---
	// The bridge is optional; without it quotes come from the Yahoo
	// fallback and the position/account tools are not registered.
	var brokerClient *broker.Client
	if cfg.Broker.BaseURL != "" {
		brokerClient = broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.AccountID,
			time.Duration(cfg.Broker.TimeoutSec)*time.Second, logger)
		logger.Info("broker bridge configured", "url", cfg.Broker.BaseURL)
	} else {
		logger.Warn("broker bridge not configured - account tools unavailable")
	}

	marketMgr := market.NewManager(logger)
	if brokerClient != nil {
		marketMgr.Register(market.NewBridgeProvider(brokerClient))
	}
	if cfg.Market.YahooFallback {
		marketMgr.Register(market.NewYahooProvider())
	}

	// --- Connection resilience ---
	// Background probes with exponential backoff for Ollama and the
	// broker bridge; transitions reach the bus and /healthz.
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ollama",
		Probe:   func(pCtx context.Context) error { return ollamaClient.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})
	if brokerClient != nil {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "broker",
			Probe:   func(pCtx context.Context) error { return brokerClient.Ping(pCtx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	// --- Tool registry ---
	registry := tools.NewRegistry()
	if marketMgr.Configured() {
		tools.RegisterMarketTools(registry, marketMgr, mem, logger)
	} else {
		logger.Warn("no market data providers - quote tools unavailable")
	}
	if brokerClient != nil {
		tools.RegisterBrokerTools(registry, brokerClient, mem, logger)
	}
	tools.RegisterWatchlistTools(registry, watchStore)

	decider := trade.NewDecider(llmClient, cfg.Models.Default, marketMgr, logger)
	tools.RegisterTradeTool(registry, decider)

	// --- Web research ---
	if cfg.Search.SearXNGURL != "" || cfg.Search.BraveAPIKey != "" {
		searchMgr := search.NewManager(logger, "")
		if cfg.Search.SearXNGURL != "" {
			searchMgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
		}
		if cfg.Search.BraveAPIKey != "" {
			searchMgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
		}
		tools.RegisterBrowseTools(registry, searchMgr, search.NewFetcher())
		logger.Info("web research enabled", "providers", searchMgr.Providers())
	} else {
		logger.Warn("web research disabled (no providers configured)")
	}

	// --- Deep reasoning delegate ---
	// Registered last so its sub-registry snapshot includes the full
	// tool set (minus itself).
	reasoningModel := cfg.Models.Reasoning
	if reasoningModel == "" {
		reasoningModel = cfg.Models.Default
	}
	reasonExec := reason.NewExecutor(llmClient, reasoningModel, registry, logger)
	reasonExec.SetUsage(usageStore)
	reason.RegisterTool(registry, reasonExec)
	logger.Info("deep analysis enabled", "model", reasoningModel)

	// --- System prompt layers ---
	var personaContent string
	if cfg.PersonaFile != "" {
		data, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			return fmt.Errorf("load persona %s: %w", cfg.PersonaFile, err)
		}
		personaContent = string(data)
		logger.Info("persona loaded", "path", cfg.PersonaFile, "size", len(personaContent))
	}

	playbookLoader := playbooks.NewLoader(cfg.PlaybooksDir)
	playbookContent, err := playbookLoader.Load()
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}
	if playbookContent != "" {
		names, _ := playbookLoader.List()
		logger.Info("playbooks loaded", "count", len(names), "playbooks", names)
	}

	watchProvider := watchlist.NewProvider(watchStore, marketMgr, logger)

	// --- Orchestrator ---
	orch := agent.New(llmClient, mem, registry, cfg.Models.Default, logger)
	applyLimits(orch, cfg)
	orch.SetBus(bus)
	orch.SetUsageRecorder(usageStore)
	if cfg.Memory.ContextTokens > 0 {
		orch.SetHistoryBudget(cfg.Memory.ContextTokens)
	}
	orch.SetSystemPrompt(func(ctx context.Context) string {
		var blocks []string
		if marketMgr.Configured() {
			if block, err := watchProvider.GetContext(ctx); err == nil && block != "" {
				blocks = append(blocks, block)
			}
		}
		return prompts.System(prompts.SystemParams{
			Persona:   personaContent,
			Playbooks: playbookContent,
			Context:   blocks,
			Now:       time.Now(),
		})
	})

	// --- Trade alerts ---
	if cfg.Alerts.Enabled {
		mailer := alert.NewMailer(alert.Config{
			Host:     cfg.Alerts.SMTPHost,
			Port:     cfg.Alerts.SMTPPort,
			Username: cfg.Alerts.Username,
			Password: cfg.Alerts.Password,
			From:     cfg.Alerts.From,
			To:       cfg.Alerts.To,
		}, logger)
		orch.SetTradeHook(mailer.HookFunc())
		logger.Info("trade alerts enabled", "to", cfg.Alerts.To)
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, mem, logger)
	server.SetUsageStore(usageStore)
	server.SetHealthSource(connMgr)
	server.SetBus(bus)

	// --- MQTT telemetry ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}

		day := mqtt.NewDayStats(nil)
		go day.Consume(ctx, bus.Subscribe(64))

		mqttPub = mqtt.New(cfg.MQTT, instanceID, day, &mqttStatsAdapter{
			model: cfg.Models.Default,
			store: mem,
		}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.BrokerURL,
			"instance_id", instanceID,
		)
	}

	// --- Retention sweep ---
	// The only deletion path in the system: conversations idle past
	// the max age are removed, cascading to messages, snapshots, and
	// audit rows.
	if cfg.Retention.MaxAgeHours > 0 {
		interval := time.Duration(cfg.Retention.SweepIntervalHrs) * time.Hour
		if interval <= 0 {
			interval = 6 * time.Hour
		}
		maxAge := time.Duration(cfg.Retention.MaxAgeHours) * time.Hour
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					removed, err := mem.Cleanup(ctx, maxAge)
					if err != nil {
						logger.Error("retention sweep failed", "error", err)
						continue
					}
					if removed > 0 {
						logger.Info("retention sweep complete", "removed", removed)
					}
					bus.Publish(events.Event{
						Timestamp: time.Now(),
						Source:    events.SourceRetention,
						Kind:      events.KindSweepComplete,
						Data: map[string]any{
							"conversations_removed": removed,
							"max_age_hours":         cfg.Retention.MaxAgeHours,
						},
					})
				}
			}
		}()
		logger.Info("retention sweep scheduled",
			"max_age_hours", cfg.Retention.MaxAgeHours,
			"interval", interval,
		)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish the MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Tycho stopped")
	return nil
}

// applyLimits maps the config's ceilings onto the orchestrator; zero
// config values keep the built-in defaults.
func applyLimits(orch *agent.Orchestrator, cfg *config.Config) {
	orch.SetLimits(agent.Limits{
		MaxToolCalls:   cfg.Orchestrator.MaxToolCalls,
		MaxIterations:  cfg.Orchestrator.MaxIterations,
		RequestTimeout: time.Duration(cfg.Orchestrator.RunTimeoutSec) * time.Second,
		ToolTimeout:    time.Duration(cfg.Orchestrator.ToolTimeoutSec) * time.Second,
		ToolRetries:    cfg.Orchestrator.ToolRetries,
	})
}

// newLogger builds the structured logger, fanning out to a JSON file
// sink when one is configured. The returned closer flushes the file
// sink; it is a no-op otherwise.
func newLogger(w io.Writer, level slog.Level, format, logFile string) (*slog.Logger, func() error, error) {
	logger, closer := config.NewLogger(w, level, format, logFile)
	return logger, closer, nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each model listed in config is mapped to its
// provider; models not explicitly mapped fall through to Ollama. The
// OllamaClient is created externally so the caller can register a
// connwatch probe on it.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	for _, m := range cfg.Models.Available {
		if m.Provider != "" {
			multi.AddModel(m.Name, m.Provider)
		}
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default)
	return multi
}

// mqttStatsAdapter bridges build info and the memory store to the MQTT
// publisher's [mqtt.StatsSource] interface, keeping the mqtt package
// decoupled from both.
type mqttStatsAdapter struct {
	model string
	store memory.Store
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string         { return a.model }

func (a *mqttStatsAdapter) Conversations() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return 0
	}
	if n, ok := stats["conversations"].(int64); ok {
		return int(n)
	}
	return 0
}
