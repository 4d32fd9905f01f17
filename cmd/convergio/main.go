package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/term"

	"convergio/internal/adapter/llm"
	"convergio/internal/adapter/store"
	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/logger"
	"convergio/internal/infra/tracer"
	"convergio/internal/usecase"
	"convergio/internal/usecase/msgbus"
	"convergio/internal/usecase/pool"
	"convergio/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`convergio - personal multi-agent orchestration engine

USAGE:
    convergio [COMMAND] [FLAGS]

COMMANDS:
    encrypt     Encrypt a provider API key for the config file
                (reads the key from stdin, CONVERGIO_PASSPHRASE must be set)

    (no command) - Run the engine with an existing config

FLAGS:
    -h, --help         Show this help message
    -config PATH       Config file path (default: ./config.yaml)
    -request TEXT      Handle one request and exit; omit for interactive mode
    -session ID        Session id for the event log (default: a fresh ULID)

INTERACTIVE COMMANDS:
    /status            Show agents, ledger, and provider health
    /resume LIMIT      Confirm continuing past a budget pause with a new limit
    /quit              Exit`)
}

func run() error {
	var (
		configPath = flag.String("config", "config.yaml", "config file path")
		request    = flag.String("request", "", "handle one request and exit")
		sessionID  = flag.String("session", "", "session id for the event log")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	orch, providers, cleanup, err := buildEngine(ctx, cfg, *sessionID, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if *request != "" {
		return handleOnce(ctx, orch, *request)
	}
	return runInteractive(ctx, orch, providers)
}

// loadConfig reads the config file, falling back to documented defaults when
// no file exists yet.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "no config at %s, using defaults (local ollama only)\n", path)
		def := config.Default()
		def.Providers = []config.ProviderConfig{{Name: "ollama", Kind: "ollama"}}
		def.Routing.LastResort = "ollama/llama3.2"
		def.Agents = config.AgentsConfig{
			Coordinator: "ali",
			Definitions: []domain.AgentDefinition{
				{
					ID: "ali", DisplayName: "Ali", Tier: domain.TierCoordinator,
					DefaultModel: "ollama/llama3.2",
					SystemPrompt: "You are a personal chief of staff. Answer directly and concisely.",
				},
				{
					ID: "researcher", DisplayName: "Researcher", Tier: domain.TierSpecialist,
					DefaultModel: "ollama/llama3.2",
					SystemPrompt: "You research questions and report findings with sources.",
				},
				{
					ID: "writer", DisplayName: "Writer", Tier: domain.TierSpecialist,
					DefaultModel: "ollama/llama3.2",
					SystemPrompt: "You turn notes into clear prose.",
				},
			},
		}
		return &def, nil
	}
	return nil, err
}

// buildEngine is the composition root: every collaborator is constructed
// here and injected, nothing is a package-level global.
func buildEngine(ctx context.Context, cfg *config.Config, sessionID string, log *slog.Logger) (*usecase.Orchestrator, *llm.Registry, func(), error) {
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	defs, err := config.DefinitionLoaderFor(cfg.Agents).Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("agent definitions: %w", err)
	}
	registry := usecase.NewRegistry(log)
	displayNames := make(map[string]string, len(defs))
	for _, def := range defs {
		registry.Register(def)
		displayNames[def.ID] = def.DisplayName
	}
	coordinator, err := pickCoordinator(cfg.Agents.Coordinator, defs)
	if err != nil {
		return nil, nil, nil, err
	}

	providers, err := llm.NewRegistry(cfg.Providers, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("providers: %w", err)
	}
	gateway := llm.NewGateway(providers, llm.NewBreakerSet(cfg.Gateway, log),
		usecase.NewErrorClassifier(), llm.NewPricer(nil), cfg.Gateway, cfg.Providers, log)

	// Preload local models off the startup path; a cold model is slow, not
	// broken, so warmup failures only warn.
	go warmupLocalModels(ctx, providers, log)

	events, err := store.NewSQLiteEventStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("event store: %w", err)
	}

	tracker := usecase.NewCostTracker(cfg.Budget, log)
	router := usecase.NewModelRouter(cfg.Routing, log)
	bus := msgbus.New(cfg.Delegation.HistoryLimit, log)
	workers := pool.New(cfg.Delegation.MaxParallel, cfg.Delegation.BackgroundSlots)
	delegator := usecase.NewDelegator(registry, router, gateway, tracker, bus, workers,
		cfg.Delegation, log)
	converger := usecase.NewConverger(displayNames)
	parser := usecase.NewRuleIntentParser(defaultRules(defs))

	orch := usecase.NewOrchestrator(sessionID, coordinator, registry, parser, delegator,
		converger, tracker, router, gateway, events, bus, nil, log)

	var scheduler *scheduling.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = scheduling.NewScheduler(workers, log)
		if err := scheduling.Bookkeeping(scheduler, cfg.Scheduler, tracker, bus, events, sessionID, 0); err != nil {
			events.Close()
			return nil, nil, nil, fmt.Errorf("scheduler: %w", err)
		}
		scheduler.Start(ctx)
	}

	log.Info("engine ready",
		"session_id", sessionID,
		"agents", len(defs),
		"coordinator", coordinator,
		"providers", providers.Names())

	cleanup := func() {
		if scheduler != nil {
			scheduler.Stop()
		}
		bus.Close()
		if err := events.Close(); err != nil {
			log.Warn("event store close failed", "error", err)
		}
	}
	return orch, providers, cleanup, nil
}

// warmupLocalModels asks each local runtime to preload its configured model
// and logs what it has pulled, so the first delegation does not stall on a
// cold model.
func warmupLocalModels(ctx context.Context, providers *llm.Registry, log *slog.Logger) {
	for _, p := range providers.Local() {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		if models, err := p.ListModels(wctx); err == nil {
			names := make([]string, 0, len(models))
			for _, m := range models {
				names = append(names, m.Name)
			}
			log.Info("local models available", "provider", p.Name(), "models", names)
		}
		if err := p.Warmup(wctx); err != nil {
			log.Warn("local model warmup failed", "provider", p.Name(), "error", err)
		}
		cancel()
	}
}

// pickCoordinator resolves the direct-answer agent: the configured one, or
// the single coordinator-tier definition.
func pickCoordinator(configured string, defs []domain.AgentDefinition) (string, error) {
	if configured != "" {
		for _, def := range defs {
			if def.ID == configured {
				return configured, nil
			}
		}
		return "", fmt.Errorf("agents.coordinator %q is not a defined agent", configured)
	}
	for _, def := range defs {
		if def.Tier == domain.TierCoordinator {
			return def.ID, nil
		}
	}
	return "", fmt.Errorf("no coordinator agent defined")
}

// defaultRules routes a request to any specialist whose id or display name
// appears in it. Explicit @mentions always work regardless.
func defaultRules(defs []domain.AgentDefinition) []usecase.KeywordRule {
	var rules []usecase.KeywordRule
	for _, def := range defs {
		if def.Tier == domain.TierCoordinator {
			continue
		}
		keywords := []string{def.ID}
		if name := strings.ToLower(def.DisplayName); name != "" && name != def.ID {
			keywords = append(keywords, name)
		}
		rules = append(rules, usecase.KeywordRule{AgentID: def.ID, Keywords: keywords})
	}
	return rules
}

func handleOnce(ctx context.Context, orch *usecase.Orchestrator, request string) error {
	result, err := orch.Handle(ctx, request)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func runInteractive(ctx context.Context, orch *usecase.Orchestrator, providers *llm.Registry) error {
	fmt.Println("convergio ready. /status, /resume LIMIT, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/status":
			printStatus(orch.Status())
			printLocalHealth(ctx, providers)
			continue
		case strings.HasPrefix(line, "/resume"):
			handleResume(orch, line)
			continue
		}

		result, err := orch.Handle(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		printResult(result)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func handleResume(orch *usecase.Orchestrator, line string) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		fmt.Println("usage: /resume LIMIT_USD")
		return
	}
	limit, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || limit <= 0 {
		fmt.Println("usage: /resume LIMIT_USD")
		return
	}
	snap := orch.Resume(limit)
	fmt.Printf("resumed: $%.2f spent of $%.2f, tier %s\n",
		snap.SpentUSD, snap.LimitUSD, snap.Tier)
}

func printResult(result *usecase.RequestResult) {
	fmt.Println(result.Text)
	fmt.Printf("\n[%s] $%.4f, tier %s, %s\n",
		result.Status, result.CostUSD, result.Tier, result.Duration.Round(time.Millisecond))
	for _, m := range result.Missing {
		fmt.Printf("  missing: %s (%s)\n", m.AgentID, m.Reason)
	}
}

func printStatus(status usecase.SessionStatus) {
	fmt.Printf("ledger: $%.4f spent of $%.2f, tier %s, paused=%v\n",
		status.Ledger.SpentUSD, status.Ledger.LimitUSD, status.Ledger.Tier, status.Paused)
	for _, agent := range status.Agents {
		line := fmt.Sprintf("agent %-14s %s", agent.AgentID, agent.Status)
		if agent.CurrentTaskID != "" {
			line += " task=" + agent.CurrentTaskID
		}
		fmt.Println(line)
	}
	for _, p := range status.Providers {
		fmt.Printf("provider %-10s circuit=%s failures=%d\n",
			p.Provider, p.State, p.TotalFailures)
	}
}

// printLocalHealth probes local runtimes directly; circuit state alone says
// nothing about a provider nobody has called yet.
func printLocalHealth(ctx context.Context, providers *llm.Registry) {
	for _, p := range providers.Local() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		state := "unreachable"
		if p.IsHealthy(pctx) {
			state = "reachable"
		}
		cancel()
		fmt.Printf("local    %-10s %s\n", p.Name(), state)
	}
}

// runEncrypt reads an API key from stdin (without echo when attached to a
// terminal) and prints the "enc:" value for the config file.
func runEncrypt() error {
	passphrase := os.Getenv("CONVERGIO_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("CONVERGIO_PASSPHRASE is not set")
	}

	var key string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "API key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		key = string(raw)
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			key = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("empty key")
	}

	encrypted, err := config.EncryptValue(key, passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("enc:%s\n", encrypted)
	return nil
}
