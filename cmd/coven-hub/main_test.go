// ABOUTME: Tests for the hub binary's config generation, logger setup and server listing
// ABOUTME: Generated configs must round-trip through config.Parse

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/config"
)

func TestRenderConfig_RoundTrips(t *testing.T) {
	t.Setenv(config.EnvDBPath, "")

	content := renderConfig(initAnswers{
		HTTPAddr:    "localhost:8080",
		GRPCAddr:    "localhost:50051",
		DBPath:      "/var/lib/coven/hub.db",
		ServerID:    "00000000-0000-0000-0000-000000000001",
		ServerName:  "Home",
		LocalAgents: []string{"eliza", "scribe"},
		LogLevel:    "debug",
		LogFormat:   "json",
	})

	cfg, err := config.Parse([]byte(content))
	require.NoError(t, err, content)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "/var/lib/coven/hub.db", cfg.Database.Path)
	assert.Equal(t, "Home", cfg.Bootstrap.ServerName)
	assert.Equal(t, []string{"eliza", "scribe"}, cfg.Agents.Local)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Tailscale.Enabled)
}

func TestRenderConfig_Tailscale(t *testing.T) {
	content := renderConfig(initAnswers{
		DBPath:           "./hub.db",
		TailscaleEnabled: true,
		TSHostname:       "coven-hub",
		ServerID:         "local",
		ServerName:       "Local Server",
		LogLevel:         "info",
		LogFormat:        "text",
	})

	cfg, err := config.Parse([]byte(content))
	require.NoError(t, err, content)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "coven-hub", cfg.Tailscale.Hostname)
	assert.Empty(t, cfg.Agents.Local)
}

func TestNewLogger_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "test", entry["component"])
}

func TestNewLogger_Text(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "gateway").WithGroup("req").Debug("routed", "path", "/health")

	out := buf.String()
	assert.Contains(t, out, "DBG routed")
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "req.path=/health")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("anything"))
}

func TestPrintServers(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var buf bytes.Buffer
	printServers(&buf, nil)
	assert.Equal(t, "no servers\n", buf.String())

	buf.Reset()
	printServers(&buf, []serverEntry{{ID: "S1", Name: "Local Server", SourceType: "coven_hub"}})
	assert.Contains(t, buf.String(), "S1")
	assert.Contains(t, buf.String(), "Local Server")
	assert.Contains(t, buf.String(), "coven_hub")
}
