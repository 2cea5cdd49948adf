// Command agenthost is the multi-channel conversational agent host. It
// wires storage, concurrency, the LLM/tool surface, the pipeline,
// transports, and the health/web subsystems together and runs until
// signalled to stop; the external watchdog (cmd/watchdog) is what
// actually restarts it on failure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/channel"
	webchannel "agenthost/internal/channel/web"
	"agenthost/internal/config"
	"agenthost/internal/health"
	"agenthost/internal/llm"
	"agenthost/internal/logging"
	"agenthost/internal/mcp"
	"agenthost/internal/pipeline"
	"agenthost/internal/skill"
	"agenthost/internal/storage/history"
	"agenthost/internal/storage/journal"
	"agenthost/internal/storage/taskstore"
	"agenthost/internal/task"
	"agenthost/internal/web"

	_ "agenthost/internal/channel/telegram"
	_ "agenthost/internal/llm/gemini"
	_ "agenthost/internal/llm/ollama"
	_ "agenthost/internal/llm/openailm"
)

var cfgJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	logging.Setup(os.Stdout, "agenthost", os.Getenv("LOG_LEVEL"))

	if err := run(); err != nil {
		slog.Error("agenthost: fatal", "error", err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("AGENTHOST_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func dataRoot() string {
	if root := os.Getenv("MESSAGE_AGENT_DATA_DIR"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".message-agent-host")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.LogLevel != "" {
		logging.Setup(os.Stdout, "agenthost", cfg.LogLevel)
	}

	root := dataRoot()

	// --- Storage ---
	historyOpts := history.Options{MaxSegmentSizeBytes: cfg.History.MaxSegmentSizeBytes, MaxSegments: cfg.History.MaxSegments}
	historyDir := cfg.History.DataDir
	if historyDir == "" {
		historyDir = filepath.Join(root, "history")
	}
	historyStore := history.NewStore(historyDir, historyOpts)

	journalStore := journal.NewJournal(filepath.Join(root, "journal"), journal.Options{
		MaxSegmentSizeBytes: cfg.Journal.MaxSegmentSizeBytes,
		MaxSegments:         cfg.Journal.MaxSegments,
	})

	taskStore := taskstore.NewStore(filepath.Join(root, "tasks"))

	// --- Concurrency ---
	channels := channel.NewManager()
	tasks := task.NewManager(taskStore, channels)

	// --- LLM / Tools ---
	llmClient, err := llm.NewFromConfig(resolveProviderGroups(cfg.LLM), llm.SystemTunables{MaxRetries: 2, RetryDelayMs: 1000})
	if err != nil {
		return fmt.Errorf("init llm: %w", err)
	}
	var verifierClient llm.Client = llmClient
	if cfg.Verification.LLMReview.Model != "" {
		if vc, err := llm.NewFromConfig(resolveProviderGroups(config.LLMConfig{
			Provider: cfg.LLM.Provider,
			Model:    cfg.Verification.LLMReview.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
		}), llm.SystemTunables{MaxRetries: 2, RetryDelayMs: 1000}); err == nil {
			verifierClient = vc
		} else {
			slog.Warn("agenthost: verifier model init failed, reusing primary client", "error", err)
		}
	}

	mcpMgr := mcp.NewManager()
	mcpMgr.Connect(ctx, resolveMCPServers(cfg.MCP))

	skills := skill.NewRegistry()
	skill.RegisterBuiltins(skills)
	skill.LoadDirectories(skills, cfg.Skills.Directories)

	// --- Pipeline ---
	svc := pipeline.New(
		pipeline.Config{
			SystemPrompt: cfg.Persona.SystemPrompt,
			HistoryLimit: cfg.History.MaxMessages,
			Verification: pipeline.VerificationConfig{
				Enabled:                cfg.Verification.Enabled,
				MaxRetries:             cfg.Verification.MaxRetries,
				ConfidenceThreshold:    cfg.Verification.ConfidenceThreshold,
				SkipForShortResponses:  cfg.Verification.SkipForShortResponses,
				ShortResponseThreshold: cfg.Verification.ShortResponseThreshold,
				RulesEnabled:           cfg.Verification.Rules.Enabled,
				LLMReviewEnabled:       cfg.Verification.LLMReview.Enabled,
			},
		},
		historyStore, journalStore, taskStore, tasks, channels,
		llmClient, verifierClient, mcpMgr, skills,
	)
	if err := svc.InstallBuiltinExecutors(); err != nil {
		return fmt.Errorf("install builtin skills: %w", err)
	}

	// --- Transport ---
	sseManager := webchannel.DefaultSSEManager()
	var webCh *webchannel.Channel
	for id, cc := range cfg.Channels {
		if !cc.Enabled {
			continue
		}
		factory, ok := channel.GetFactory(cc.Type)
		if !ok {
			slog.Warn("agenthost: unknown channel type, skipping", "id", id, "type", cc.Type)
			continue
		}
		raw, err := cfgJSON.Marshal(cc)
		if err != nil {
			slog.Warn("agenthost: marshal channel config failed, skipping", "id", id, "error", err)
			continue
		}
		ch, err := factory.Create(id, raw)
		if err != nil {
			slog.Warn("agenthost: construct channel failed, skipping", "id", id, "error", err)
			continue
		}
		channels.Add(ch)
		if wc, ok := ch.(*webchannel.Channel); ok {
			webCh = wc
		}
	}
	if webCh == nil && cfg.Web.Enabled {
		// Always have a web channel available when the web server is
		// enabled, even if the operator didn't list one explicitly.
		webCh = webchannel.New("web", sseManager)
		channels.Add(webCh)
	}

	channels.ConnectAll(ctx, svc.HandleMessage)

	// --- Health / Supervision ---
	heartbeat := health.NewHeartbeat(root, cfg.Health.Port, time.Duration(cfg.Health.IntervalMs)*time.Millisecond, channels)
	if err := heartbeat.Start(); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	monitor := health.NewChannelMonitor(channels, svc.HandleMessage, health.MonitorConfig{
		CheckInterval:        time.Duration(cfg.Health.CheckIntervalMs) * time.Millisecond,
		BackoffBase:          time.Duration(cfg.Health.BackoffBaseMs) * time.Millisecond,
		BackoffMax:           time.Duration(cfg.Health.BackoffMaxMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Health.MaxReconnectAttempts,
	})
	monitor.Start()

	health.NewRecoveryNotifier(root, channels, cfg.Health.RecoveryTargets).Notify(ctx)

	if cfg.TaskPersistence.RecoverOnStartup {
		health.NewTaskRecovery(taskStore, journalStore, channels).Run(ctx)
	}

	// --- Web ---
	var webServer *web.Server
	if cfg.Web.Enabled && webCh != nil {
		webServer = web.NewServer(web.Deps{
			WebChannel: webCh,
			SSE:        sseManager,
			History:    historyStore,
			Journal:    journalStore,
			Channels:   channels,
			Tasks:      tasks,
			TaskStore:  taskStore,
			StartedAt:  time.Now(),
		}, cfg.Web.Port)
		if err := webServer.Start(); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
	}

	slog.Info("agenthost: started", "dataRoot", root)
	<-ctx.Done()
	slog.Info("agenthost: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	monitor.Stop()
	if err := heartbeat.Stop(shutdownCtx); err != nil {
		slog.Warn("agenthost: stop heartbeat", "error", err)
	}
	if webServer != nil {
		if err := webServer.Stop(shutdownCtx); err != nil {
			slog.Warn("agenthost: stop web server", "error", err)
		}
	}
	channels.DisconnectAll(shutdownCtx)
	mcpMgr.DisconnectAll()

	return nil
}

func resolveMCPServers(cfg config.MCPConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(cfg.Servers))
	for name, sc := range cfg.Servers {
		out = append(out, mcp.ServerConfig{Name: name, Cmd: sc.Command, Args: sc.Args, Env: sc.Env})
	}
	return out
}

// resolveProviderGroups maps spec.md's simplified llm{provider,model,...}
// config onto the registry's concrete backend Factory. "direct-api" infers
// the concrete backend from the model name and endpoint (a "gemini" prefix
// selects Gemini; a baseUrl with no apiKey selects a local Ollama endpoint;
// anything else selects OpenAI); "copilot" and "claude-code" both speak
// an OpenAI-compatible wire protocol through a local or proxied endpoint,
// differing only in how their token is obtained upstream of this host.
func resolveProviderGroups(l config.LLMConfig) []llm.ProviderGroupConfig {
	model := l.Model
	switch {
	case l.Provider == "copilot":
		return []llm.ProviderGroupConfig{{
			Type: "openai-compatible", Models: []string{model}, APIKeys: []string{l.GithubToken}, BaseURL: l.BaseURL,
		}}
	case l.Provider == "claude-code":
		return []llm.ProviderGroupConfig{{
			Type: "openai-compatible", Models: []string{model}, APIKeys: []string{l.APIKey}, BaseURL: l.BaseURL,
		}}
	case strings.HasPrefix(model, "gemini"):
		return []llm.ProviderGroupConfig{{Type: "gemini", Models: []string{model}, APIKeys: []string{l.APIKey}}}
	case l.BaseURL != "" && l.APIKey == "":
		return []llm.ProviderGroupConfig{{Type: "ollama", Models: []string{model}, BaseURL: l.BaseURL}}
	default:
		return []llm.ProviderGroupConfig{{Type: "openai", Models: []string{model}, APIKeys: []string{l.APIKey}, BaseURL: l.BaseURL}}
	}
}
