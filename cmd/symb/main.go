// Command symb is a terminal-based autonomous coding agent: a thin
// stdin/stdout driver over the turn engine (internal/engine). Each line of
// input is run as one turn; the assistant's text streams to stdout as it's
// produced (tool calls and their results are not printed).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/compaction"
	"github.com/xonecas/symb/internal/config"
	"github.com/xonecas/symb/internal/contextwindow"
	"github.com/xonecas/symb/internal/delta"
	"github.com/xonecas/symb/internal/dispatch"
	"github.com/xonecas/symb/internal/engine"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/retry"
	"github.com/xonecas/symb/internal/sessionstore"
	"github.com/xonecas/symb/internal/shell"
	"github.com/xonecas/symb/internal/store"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	registry := buildRegistry(cfg, creds)
	providerName, providerCfg := resolveProvider(cfg, registry)

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature: providerCfg.Temperature,
	})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}

	sessionsRoot, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error preparing sessions directory: %v\n", err)
		os.Exit(1)
	}
	sessionsRoot = filepath.Join(sessionsRoot, "sessions")
	sessionStore := sessionstore.NewStore(sessionsRoot)

	if *flagList {
		listSessions(sessionStore, cwd)
		return
	}

	session, err := resolveSession(sessionStore, cwd, *flagSession, *flagContinue)
	if err != nil {
		fmt.Printf("Error resolving session: %v\n", err)
		os.Exit(1)
	}
	sessionRoot := sessionStore.SessionRoot(session)

	svc := setupServices(cfg, creds)
	defer svc.proxy.Close()
	if svc.webCache != nil {
		defer svc.webCache.Close()
	}
	if svc.deltaTracker != nil {
		svc.deltaTracker.SetSession(session.SessionID)
	}

	tools, err := svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools: %v\n", err)
		tools = []mcp.Tool{}
	}

	subAgentHandler := mcptools.NewSubAgentHandler(
		prov,
		svc.deltaTracker,
		svc.shell,
		svc.webCache,
		svc.exaKey,
		tools,
		sessionRoot,
	)
	svc.proxy.RegisterTool(mcptools.NewSubAgentTool(), subAgentHandler.Handle)

	tools, err = svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools after SubAgent registration: %v\n", err)
		tools = []mcp.Tool{}
	}

	window := contextwindow.New(sessionRoot, cfg.Context.CapacityTokensOrDefault(prov.Capabilities().MaxContextTokens))
	if len(session.MessageLog) == 0 {
		window.Append(contextwindow.Message{Role: contextwindow.RoleSystem, Content: engine.BuildSystemPrompt(providerCfg.Model)})
	} else {
		sessionstore.LoadIntoWindow(session, window)
	}

	d, err := dispatch.New(svc.proxy, tools, sessionRoot,
		cfg.Dispatch.InlineCapBytesOrDefault(dispatch.DefaultInlineCapBytes))
	if err != nil {
		fmt.Printf("Error setting up dispatcher: %v\n", err)
		os.Exit(1)
	}

	fragStore := compaction.NewFragmentStore(sessionRoot)
	compactor := compaction.New(prov, fragStore, cfg.Context.ACDEnabled)

	retryMode := retry.Interactive
	if cfg.Retry.Mode == "autonomous" {
		retryMode = retry.Autonomous
	}

	eng := engine.New(engine.Options{
		Provider:             prov,
		Window:               window,
		Dispatcher:           d,
		Compactor:            compactor,
		Store:                sessionStore,
		Session:              session,
		Tools:                tools,
		RetryPolicy:          retry.PolicyFor(retryMode),
		AllowConcurrentTools: cfg.Engine.AllowConcurrentTools,
		Scratchpad:           svc.scratchpad,
		MaxIterations:        cfg.Engine.MaxIterationsOrDefault(engine.DefaultMaxIterations),
		OnText: func(text string) {
			fmt.Print(text)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("symb session %s (%s, %s) — Ctrl+C to cancel a turn, Ctrl+D to exit\n",
		session.SessionID, providerName, providerCfg.Model)

	runREPL(ctx, eng)
}

func runREPL(ctx context.Context, eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		turnCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := eng.RunTurn(turnCtx, line); err != nil {
				fmt.Printf("\n[error] %v\n", err)
			}
		}()
		<-done
		cancel()
		fmt.Println()

		if ctx.Err() != nil {
			return
		}
	}
}

func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		apiKey := creds.GetAPIKey(name)
		switch providerCfg.TypeOrDefault() {
		case config.ProviderTypeAnthropic:
			registry.RegisterFactory(name, provider.NewAnthropicFactory(name, providerCfg.Endpoint, apiKey))
		case config.ProviderTypeVLLM:
			registry.RegisterFactory(name, provider.NewVLLMFactory(name, providerCfg.Endpoint, apiKey))
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, providerCfg.Endpoint))
		}
	}
	return registry
}

func resolveProvider(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := registry.List()
		if len(providers) == 0 {
			fmt.Println("Error: No providers configured")
			os.Exit(1)
		}
		name = providers[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: Provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

type services struct {
	proxy        *mcp.Proxy
	webCache     *store.Cache
	fileTracker  *mcptools.FileReadTracker
	deltaTracker *delta.Tracker
	scratchpad   *mcptools.Scratchpad
	shell        *shell.Shell
	exaKey       string
}

func setupServices(cfg *config.Config, creds *config.Credentials) services {
	var mcpClient mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		mcpClient = mcp.NewClient(cfg.MCP.Upstream)
	}
	proxy := mcp.NewProxy(mcpClient)
	if err := proxy.Initialize(context.Background()); err != nil {
		fmt.Printf("Warning: MCP init failed: %v\n", err)
	}

	fileTracker := mcptools.NewFileReadTracker()
	readHandler := mcptools.NewReadHandler(fileTracker)
	proxy.RegisterTool(mcptools.NewReadTool(), readHandler.Handle)

	proxy.RegisterTool(mcptools.NewGrepTool(), mcptools.MakeGrepHandler())

	webCache := openWebCache(cfg)

	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	editHandler := mcptools.NewEditHandler(fileTracker, dt)
	proxy.RegisterTool(mcptools.NewEditTool(), editHandler.Handle)

	proxy.RegisterTool(mcptools.NewWebFetchTool(), mcptools.MakeWebFetchHandler(webCache))

	exaKey := creds.GetAPIKey("exa_ai")
	proxy.RegisterTool(mcptools.NewWebSearchTool(), mcptools.MakeWebSearchHandler(webCache, exaKey, ""))

	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt)
	proxy.RegisterTool(mcptools.NewShellTool(), shellHandler.Handle)

	pad := &mcptools.Scratchpad{}
	proxy.RegisterTool(mcptools.NewTodoWriteTool(), mcptools.MakeTodoWriteHandler(pad))

	proxy.RegisterTool(mcptools.NewGitStatusTool(), mcptools.MakeGitStatusHandler())
	proxy.RegisterTool(mcptools.NewGitDiffTool(), mcptools.MakeGitDiffHandler())

	return services{
		proxy:        proxy,
		webCache:     webCache,
		fileTracker:  fileTracker,
		deltaTracker: dt,
		scratchpad:   pad,
		shell:        sh,
		exaKey:       exaKey,
	}
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "symb.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

func listSessions(st *sessionstore.Store, cwd string) {
	headers, err := st.ListSessions(cwd, 100000)
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(headers) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, h := range headers {
		todos := ""
		if h.HasOpenTodos {
			todos = " [open todos]"
		}
		fmt.Printf("%s  %.0f%% used  %s%s\n", h.SessionID, h.UsedTokensPct*100, h.LastMessagePreview, todos)
	}
}

func resolveSession(st *sessionstore.Store, cwd, flagSession string, flagContinue bool) (*sessionstore.Session, error) {
	switch {
	case flagSession != "":
		return st.Load(cwd, flagSession)
	case flagContinue:
		return st.LoadLatest(cwd)
	default:
		return st.New(cwd), nil
	}
}
