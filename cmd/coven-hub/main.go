// ABOUTME: Entry point for the coven-hub messaging server
// ABOUTME: Provides serve, init, health, servers and agents subcommands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/gateway"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                    _           _
  ___ _____   _____ _ __           | |__  _   _| |__
 / __/ _ \ \ / / _ \ '_ \   _____  | '_ \| | | | '_ \
| (_| (_) \ V /  __/ | | | |_____| | | | | |_| | |_) |
 \___\___/ \_/ \___|_| |_|         |_| |_|\__,_|_.__/
`

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the hub server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check hub health")
		fmt.Println("  servers   List message servers")
		fmt.Println("  agents    List agents hosted by the hub")
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
	case "health":
		err = runHealth(ctx)
	case "servers":
		err = runServers(ctx)
	case "agents":
		err = runAgents(ctx)
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if len(cfg.Agents.Local) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Agents:    %s\n", strings.Join(cfg.Agents.Local, ", "))
	}

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

	logger.Info("starting coven-hub",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// hubGet performs a GET against the configured hub and returns the body.
func hubGet(ctx context.Context, path string) (int, []byte, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return 0, nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	status, _, err := hubGet(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	color.Green("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	status, body, err := hubGet(ctx, "/api/agents")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var resp struct {
		AgentIDs []string `json:"agentIds"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	if len(resp.AgentIDs) == 0 {
		fmt.Println("no agents")
		return nil
	}
	for _, id := range resp.AgentIDs {
		color.Cyan(id)
	}
	return nil
}

// serverEntry is the subset of the server listing printed by `servers`.
type serverEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourceType string `json:"sourceType"`
}

func runServers(ctx context.Context) error {
	status, body, err := hubGet(ctx, "/api/servers")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing servers: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var servers []serverEntry
	if err := json.Unmarshal(body, &servers); err != nil {
		return fmt.Errorf("decoding servers: %w", err)
	}

	printServers(os.Stdout, servers)
	return nil
}

func printServers(w io.Writer, servers []serverEntry) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "no servers")
		return
	}
	cyan := color.New(color.FgCyan)
	for _, s := range servers {
		cyan.Fprintf(w, "%-38s", s.ID)
		fmt.Fprintf(w, " %-24s %s\n", s.Name, color.HiBlackString(s.SourceType))
	}
}

// initAnswers holds the values collected by `init`.
type initAnswers struct {
	HTTPAddr         string
	GRPCAddr         string
	DBPath           string
	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	ServerID         string
	ServerName       string
	LocalAgents      []string
	LogLevel         string
	LogFormat        string
}

// renderConfig produces the YAML written by `init`.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-hub configuration\n")
	cfg.WriteString("# Generated by coven-hub init\n\n")
	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	if a.GRPCAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.GRPCAddr))
	}
	cfg.WriteString("\n")
	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")
	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.TailscaleEnabled))
	if a.TailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		if a.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", a.TSAuthKey))
		}
	}
	cfg.WriteString("\n")
	cfg.WriteString("bootstrap:\n")
	cfg.WriteString(fmt.Sprintf("  server_id: %q\n", a.ServerID))
	cfg.WriteString(fmt.Sprintf("  server_name: %q\n", a.ServerName))
	cfg.WriteString("\n")
	if len(a.LocalAgents) > 0 {
		cfg.WriteString("agents:\n")
		cfg.WriteString("  local:\n")
		for _, id := range a.LocalAgents {
			cfg.WriteString(fmt.Sprintf("    - %q\n", id))
		}
		cfg.WriteString("\n")
	}
	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-hub configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "hub.db"))

	fmt.Println("\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = prompt(reader, "Tailscale hostname", "coven-hub")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
	}

	fmt.Println("\n--- Bootstrap Server ---")
	a.ServerID = prompt(reader, "Server id", uuid.NewString())
	a.ServerName = prompt(reader, "Server name", "Local Server")

	fmt.Println("\n--- Agents ---")
	if agents := prompt(reader, "Local agent ids (comma separated)", ""); agents != "" {
		for _, id := range strings.Split(agents, ",") {
			if id = strings.TrimSpace(id); id != "" {
				a.LocalAgents = append(a.LocalAgents, id)
			}
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(a)
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("\n  ✓ Config written to %s", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-hub serve\n")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
