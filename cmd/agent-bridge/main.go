// ABOUTME: Entry point for the agent-bridge relay server
// ABOUTME: Routes messages and shared context between editor instances and their agents

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/agent-bridge/internal/bridge"
	"github.com/2389/agent-bridge/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _          _          _     _
   __ _  __ _  ___ _ __ | |_       | |__  _ __(_) __| | __ _  ___
  / _' |/ _' |/ _ \ '_ \| __|______| '_ \| '__| |/ _' |/ _' |/ _ \
 | (_| | (_| |  __/ | | | ||______|| |_) | |  | | (_| | (_| |  __/
  \__,_|\__, |\___|_| |_|\__|      |_.__/|_|  |_|\__,_|\__, |\___|
        |___/                                          |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: BRIDGE_CONFIG env var > XDG_CONFIG_HOME/agent-bridge/bridge.yaml > ~/.config/agent-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-bridge", "bridge.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agent-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the bridge relay")
		fmt.Println("  health  Check bridge health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
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

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  %s\n", cfg.Persistence.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting agent-bridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"retention", cfg.Sessions.Retention,
	)

	// Create and run bridge
	b, err := bridge.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	return b.Run(ctx)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
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
		handler = newColorHandler(os.Stdout, level)
	}

	return slog.New(handler)
}

// componentColors assigns a stable color to each bridge subsystem so log
// lines from different components are scannable at a glance.
var componentColors = map[string]*color.Color{
	"bridge":        color.New(color.FgGreen),
	"router":        color.New(color.FgBlue),
	"registry":      color.New(color.FgMagenta),
	"session-store": color.New(color.FgYellow),
}

var defaultComponentColor = color.New(color.FgCyan)

// colorHandler provides colorized log output with thread-safe writes.
// The "component" attribute set on each subsystem logger is promoted to
// a colored prefix instead of rendering as a key=value pair.
type colorHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newColorHandler(w io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
	}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	// Pull the component out of the attrs; handler-level attrs win so a
	// subsystem logger's prefix is stable across records.
	component := ""
	rest := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		if a.Key == "component" && component == "" {
			component = a.Value.String()
			continue
		}
		rest = append(rest, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && component == "" {
			component = a.Value.String()
			return true
		}
		rest = append(rest, a)
		return true
	})

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

	if component != "" {
		c, ok := componentColors[component]
		if !ok {
			c = defaultComponentColor
		}
		buf.WriteString(c.Sprintf("[%s] ", component))
	}

	// Print message
	buf.WriteString(r.Message)

	// Print remaining attrs, handler-level first
	for _, a := range rest {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		w:      h.w,
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
		mu:     h.mu,
		w:      h.w,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
