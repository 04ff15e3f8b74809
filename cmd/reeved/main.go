// Reeved is the agent-loop daemon.
//
// It drives a model through checkpointed, tool-using runs and exposes
// them over an HTTP API with websocket event streaming. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	reeved serve             Start the API server
//	reeved version           Print version and build information
//	reeved -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mhollis/reeve/internal/agent"
	"github.com/mhollis/reeve/internal/approval"
	"github.com/mhollis/reeve/internal/backend"
	"github.com/mhollis/reeve/internal/buildinfo"
	"github.com/mhollis/reeve/internal/checkpoint"
	"github.com/mhollis/reeve/internal/config"
	"github.com/mhollis/reeve/internal/kvstore"
	"github.com/mhollis/reeve/internal/llm"
	"github.com/mhollis/reeve/internal/state"
	"github.com/mhollis/reeve/internal/summarizer"
	"github.com/mhollis/reeve/internal/web"
)

// main constructs the OS-level environment and delegates to [run],
// keeping os.Exit and os.Args out of the application logic so the
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals, which makes it impossible to
// call run concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runServe(ctx, stdout, configPath)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Reeved - Agent Loop Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reeved [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml")
	return nil
}

// runServe boots the full daemon: config, model client, checkpoint
// store, workspace backend, engine, and the HTTP server.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Reeve", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known; the initial
	// Info-level logger only covers the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"provider", cfg.Models.Provider,
	)

	client, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := createCheckpointStore(cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	variant, err := createBackendVariant(cfg.Workspace)
	if err != nil {
		return err
	}

	opts := []agent.Option{
		agent.WithStore(store),
		agent.WithBackend(variant),
	}
	if len(cfg.Approval.GatedTools) > 0 {
		policies := make(map[string]approval.Policy, len(cfg.Approval.GatedTools))
		for _, name := range cfg.Approval.GatedTools {
			policies[name] = approval.Always
		}
		// No in-process decider: gated calls suspend the run and the
		// decision arrives through the resume API.
		opts = append(opts, agent.WithGate(approval.NewGate(policies), nil))
	}
	if cfg.Summarizer.Enabled {
		model := cfg.Summarizer.Model
		if model == "" {
			model = cfg.Models.Default
		}
		opts = append(opts, agent.WithCompactor(summarizer.New(client, logger, summarizer.Config{
			Enabled:     true,
			TokenBudget: cfg.Summarizer.TokenBudget,
			KeepRecent:  cfg.Summarizer.KeepRecent,
			Model:       model,
		})))
	}

	engine := agent.NewEngine(client, logger, agent.Config{
		Model:              cfg.Models.Default,
		MaxSteps:           cfg.Engine.MaxSteps,
		SubagentDepth:      cfg.Engine.SubagentDepth,
		EventBuffer:        cfg.Engine.EventBuffer,
		EvictionTokenLimit: cfg.Engine.EvictionTokenLimit,
	}, opts...)

	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, engine, store, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
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

// createLLMClient builds the model client. Both providers are always
// registered with the multi-client so a run may name a model served by
// either; the configured provider handles everything unrecognized.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL)

	var anthropic llm.Client
	if cfg.Anthropic.APIKey != "" {
		var aopts []llm.AnthropicOption
		if cfg.Anthropic.MaxTokens > 0 {
			aopts = append(aopts, llm.WithMaxTokens(cfg.Anthropic.MaxTokens))
		}
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, aopts...)
	}

	var fallback llm.Client
	switch cfg.Models.Provider {
	case "anthropic":
		if anthropic == nil {
			return nil, fmt.Errorf("provider anthropic selected but anthropic.api_key is not set")
		}
		fallback = anthropic
	case "ollama":
		fallback = ollama
	default:
		return nil, fmt.Errorf("unknown model provider %q (expected anthropic or ollama)", cfg.Models.Provider)
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollama)
	if anthropic != nil {
		multi.AddProvider("anthropic", anthropic)
	}
	multi.AddModel(cfg.Models.Default, cfg.Models.Provider)
	return multi, nil
}

// createCheckpointStore builds the configured store variant. The second
// return value closes any underlying database; it may be nil.
func createCheckpointStore(cfg *config.Config) (checkpoint.Store, func() error, error) {
	switch cfg.Checkpoints.Store {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil, nil
	case "file":
		if cfg.Checkpoints.Dir == "" {
			return nil, nil, fmt.Errorf("checkpoints.dir is required for the file store")
		}
		fs, err := checkpoint.NewFileStore(cfg.Checkpoints.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("file checkpoint store: %w", err)
		}
		return fs, nil, nil
	case "sqlite":
		if cfg.Checkpoints.Path == "" {
			return nil, nil, fmt.Errorf("checkpoints.path is required for the sqlite store")
		}
		kv, err := kvstore.OpenSQLite(cfg.Checkpoints.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite checkpoint store: %w", err)
		}
		return checkpoint.NewKVStore(kv, cfg.Checkpoints.Namespace), kv.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint store %q (expected memory, file, or sqlite)", cfg.Checkpoints.Store)
	}
}

// createBackendVariant builds the workspace filesystem from config.
// Routes mount extra backends under path prefixes on top of the chosen
// default.
func createBackendVariant(cfg config.WorkspaceConfig) (backend.Variant, error) {
	routes := make([]backend.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		b, err := createLeafBackend(rc.Backend, rc.Path)
		if err != nil {
			return backend.Variant{}, fmt.Errorf("route %s: %w", rc.Prefix, err)
		}
		routes = append(routes, backend.Route{Prefix: rc.Prefix, Backend: b})
	}

	switch cfg.Backend {
	case "", "state":
		if len(routes) == 0 {
			return backend.Variant{}, nil
		}
		// The in-memory default must see each run's own state, so the
		// composite is assembled per run.
		return backend.FromFactory(func(st *state.AgentState) backend.Backend {
			return backend.NewRouteBackend(backend.NewStateBackend(st), routes...)
		}), nil
	case "dir", "exec":
		def, err := createLeafBackend(cfg.Backend, cfg.Path)
		if err != nil {
			return backend.Variant{}, err
		}
		if len(routes) > 0 {
			def = backend.NewRouteBackend(def, routes...)
		}
		return backend.FromInstance(def), nil
	default:
		return backend.Variant{}, fmt.Errorf("unknown workspace backend %q (expected state, dir, or exec)", cfg.Backend)
	}
}

func createLeafBackend(kind, path string) (backend.Backend, error) {
	switch kind {
	case "dir":
		if path == "" {
			return nil, fmt.Errorf("workspace path is required for the dir backend")
		}
		return backend.NewDirBackend(path)
	case "exec":
		if path == "" {
			return nil, fmt.Errorf("workspace path is required for the exec backend")
		}
		sandbox, err := backend.NewLocalSandbox(path)
		if err != nil {
			return nil, err
		}
		return backend.NewExecBackend(sandbox), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q (expected dir or exec)", kind)
	}
}
