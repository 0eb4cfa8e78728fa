// ABOUTME: Entry point for the forge-hostd agent supervisor daemon
// ABOUTME: Spawns and supervises ACP coding agents defined in the manifest

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/fatih/color"

	"github.com/forgelight/forge-host/internal/agent"
	"github.com/forgelight/forge-host/internal/config"
	"github.com/forgelight/forge-host/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __                          _               _
 / _| ___  _ __ __ _  ___    | |__   ___  ___| |_
| |_ / _ \| '__/ _' |/ _ \___| '_ \ / _ \/ __| __|
|  _| (_) | | | (_| |  __/___| | | | (_) \__ \ |_
|_|  \___/|_|  \__, |\___|   |_| |_|\___/|___/\__|
               |___/
`

// getConfigPath returns the path to the daemon config file.
// Priority: FORGE_CONFIG env var > XDG_CONFIG_HOME/forge/hostd.yaml > ~/.config/forge/hostd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FORGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hostd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "forge", "hostd.yaml")
}

// getDataPath returns the path to the forge data directory.
// Priority: XDG_DATA_HOME/forge > ~/.local/share/forge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "forge")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: forge-hostd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Start the agent supervisor")
		fmt.Println("  init                    Create a new config file interactively")
		fmt.Println("  prompt [-agent NAME]    Run a one-shot prompt against an agent")
		fmt.Println("  agents                  List agent profiles from the manifest")
		fmt.Println("  events                  Show recent ledger events")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "prompt":
		err = runPrompt(ctx, os.Args[2:])
	case "agents":
		err = runAgents()
	case "events":
		err = runEvents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	manifest, err := config.LoadManifest(cfg.Agents.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer ledger.Close()

	reg := agent.NewRegistry(agent.RegistryOptions{
		Logger:              logger,
		Events:              ledgerSink(ledger, logger),
		StaleSessionTimeout: cfg.Agents.StaleSessionTimeout,
	})
	defer reg.Close()

	green := color.New(color.FgGreen)
	green.Printf("  ✓ supervisor ready, %d agent profile(s) loaded\n\n",
		len(manifest.Profiles()))
	logger.Info("forge-hostd started",
		"profiles", strings.Join(manifest.Profiles(), ","),
		"database", cfg.Database.Path)

	sweepInterval := cfg.Agents.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := reg.CleanupStaleSessions(); n > 0 {
				logger.Info("swept stale sessions", "evicted", n)
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}
}

// ledgerSink persists every registry event to the store. Writes happen on a
// fresh goroutine so the sink never blocks the emitting actor.
func ledgerSink(ledger store.Store, logger *slog.Logger) agent.EventSink {
	return func(ev agent.Event) {
		rec := store.Event{
			ConnectionID: ev.ConnectionID,
			Kind:         ev.Kind.String(),
		}
		switch ev.Kind {
		case agent.EventConnectionStateChanged:
			detail, _ := json.Marshal(map[string]string{
				"status": ev.Status.String(),
				"error":  ev.Err,
			})
			rec.Detail = string(detail)
		case agent.EventSessionNotification:
			rec.SessionID = string(ev.Notification.SessionId)
			detail, _ := json.Marshal(ev.Notification)
			rec.Detail = string(detail)
		case agent.EventPermissionRequested:
			rec.SessionID = string(ev.Permission.SessionId)
			detail, _ := json.Marshal(map[string]any{
				"request_id": ev.RequestID,
				"request":    ev.Permission,
			})
			rec.Detail = string(detail)
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ledger.SaveEvent(ctx, rec); err != nil {
				logger.Warn("failed to persist event", "kind", rec.Kind, "error", err)
			}
		}()
	}
}

func runPrompt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prompt", flag.ContinueOnError)
	profile := fs.String("agent", "", "agent profile name (default: manifest default)")
	cwd := fs.String("cwd", "", "session working directory (default: current directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: forge-hostd prompt [-agent NAME] [-cwd DIR] <text>")
	}
	text := strings.Join(fs.Args(), " ")

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	manifest, err := config.LoadManifest(cfg.Agents.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	agentCfg, err := manifest.Resolve(*profile)
	if err != nil {
		return err
	}

	workDir := *cwd
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}

	var reg *agent.Registry
	reg = agent.NewRegistry(agent.RegistryOptions{
		Logger: logger,
		Events: func(ev agent.Event) {
			switch ev.Kind {
			case agent.EventSessionNotification:
				printUpdate(ev.Notification)
			case agent.EventPermissionRequested:
				// One-shot CLI runs unattended: take the first offered option.
				if len(ev.Permission.Options) > 0 {
					opt := ev.Permission.Options[0]
					fmt.Printf("  [permission auto-selected: %s]\n", opt.Name)
					_ = reg.ReplyPermission(ev.RequestID, agent.PermissionDecision{
						OptionID: string(opt.OptionId),
					})
				} else {
					_ = reg.ReplyPermission(ev.RequestID, agent.PermissionDecision{Cancelled: true})
				}
			}
		},
	})
	defer reg.Close()

	_, sessionID, err := reg.GetOrCreateSession(ctx, agentCfg, workDir, nil)
	if err != nil {
		return fmt.Errorf("starting agent session: %w", err)
	}

	stop, err := reg.Prompt(ctx, sessionID, []acp.ContentBlock{acp.TextBlock(text)})
	if err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("\n  stop reason: %s\n", string(stop))
	return nil
}

// printUpdate renders one session notification for the terminal.
func printUpdate(n *acp.SessionNotification) {
	data, err := json.Marshal(n.Update)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func runAgents() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	manifest, err := config.LoadManifest(cfg.Agents.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	for _, name := range manifest.Profiles() {
		agentCfg, err := manifest.Resolve(name)
		if err != nil {
			return err
		}
		marker := " "
		if name == manifest.Default {
			marker = "*"
		}
		fmt.Printf("%s %-16s %s %s\n", marker, name, agentCfg.Command, strings.Join(agentCfg.Args, " "))
	}
	return nil
}

func runEvents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer ledger.Close()

	events, err := ledger.ListEvents(ctx, store.ListEventsParams{Limit: 50})
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	for _, ev := range events {
		fmt.Printf("%s  %-26s  conn=%s", ev.CreatedAt.Format(time.RFC3339), ev.Kind, shortID(ev.ConnectionID))
		if ev.SessionID != "" {
			fmt.Printf("  session=%s", ev.SessionID)
		}
		fmt.Println()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("forge-hostd configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "events.db")
	defaultManifestPath := filepath.Join(filepath.Dir(defaultConfigPath), "agents.toml")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite event ledger path", defaultDbPath)

	fmt.Println("\n--- Agent Configuration ---")
	manifestPath := prompt(reader, "Agent manifest path", defaultManifestPath)
	staleTimeout := prompt(reader, "Stale session timeout", "5m")
	sweepInterval := prompt(reader, "Sweep interval", "1m")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# forge-hostd configuration\n")
	cfg.WriteString("# Generated by forge-hostd init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  manifest_path: \"%s\"\n", manifestPath))
	cfg.WriteString(fmt.Sprintf("  stale_session_timeout: \"%s\"\n", staleTimeout))
	cfg.WriteString(fmt.Sprintf("  sweep_interval: \"%s\"\n", sweepInterval))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Seed a starter manifest if none exists
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		manifest := `# forge-hostd agent manifest
# Generated by forge-hostd init

default = "echo"

[agents.echo]
command = "forge-echo-agent"

# [agents.claude]
# command = "claude-code-acp"
# env = ["ANTHROPIC_API_KEY=${ANTHROPIC_API_KEY}"]
`
		if err := os.WriteFile(manifestPath, []byte(manifest), 0644); err != nil {
			return fmt.Errorf("writing manifest file: %w", err)
		}
		fmt.Printf("\nWrote starter manifest to %s\n", manifestPath)
	}

	fmt.Printf("\nConfiguration written to %s\n", outputFile)
	fmt.Println("Start the supervisor with: forge-hostd serve")
	return nil
}

// prompt asks the user a question with a default answer.
func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultValue
	}
	return answer
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
