// ABOUTME: Tests for the toolgate CLI helpers
// ABOUTME: Covers config generation, the color log handler and offline commands

package main

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/toolgate/internal/config"
)

func TestRenderConfig_ParsesAsValidConfig(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)

	cfg, err := config.Parse([]byte(renderConfig(initAnswers{
		httpAddr:    "localhost:8080",
		grpcAddr:    "localhost:50051",
		dbPath:      "/tmp/toolgate.db",
		bridgePort:  "9000",
		autostart:   true,
		manifest:    "/etc/toolgate/manifest.yaml",
		logLevel:    "debug",
		logFormat:   "json",
		tokenSecret: secret,
	})))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/toolgate.db", cfg.Database.Path)
	assert.Equal(t, secret, cfg.Auth.TokenSecret)
	assert.Equal(t, 9000, cfg.Bridge.Port)
	assert.True(t, cfg.Bridge.Autostart)
	assert.True(t, cfg.Policies.Watch)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestRunInit_WritesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	answers := strings.Join([]string{
		path,                                   // config path
		"",                                     // http
		"",                                     // grpc
		filepath.Join(dir, "data", "tg.db"),    // database
		"",                                     // bridge port
		"no",                                   // autostart
		"",                                     // manifest
		"",                                     // tailscale
		"warn",                                 // log level
		"",                                     // log format
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(bufio.NewReader(strings.NewReader(answers)), &out, path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Bridge.Autostart)
	assert.Equal(t, config.DefaultBridgePort, cfg.Bridge.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Empty(t, cfg.Policies.Manifest)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.DirExists(t, filepath.Join(dir, "data"))
}

func TestRunInit_KeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0600))

	var out bytes.Buffer
	require.NoError(t, runInit(bufio.NewReader(strings.NewReader(path+"\nno\n")), &out, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.Contains(t, out.String(), "Aborted.")
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var out bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &out)

	logger.Debug("hidden")
	logger.With("component", "bridge").Info("endpoint started", "server", "files")
	logger.WithGroup("req").Warn("slow", "ms", 120)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF endpoint started component=bridge server=files")
	assert.Contains(t, lines[1], "WRN slow req.ms=120")
}

func TestSetupLogger_JSON(t *testing.T) {
	var out bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "error", Format: "json"}, &out)

	logger.Warn("dropped")
	logger.Error("kept")

	assert.NotContains(t, out.String(), "dropped")
	assert.Contains(t, out.String(), `"msg":"kept"`)
	assert.Equal(t, slog.LevelError, parseLevel("error"))
}

func TestHashTokenCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-token", "admin-secret"})

	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("admin-secret")))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
servers:
  - name: files
    token: files-token
    transport: { type: stdio, command: mcp-files }
policies:
  - name: broken
    severity: 1
    conditions: [{ element: missing }]
`), 0600))
	configPath := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  http_addr: "localhost:0"
database:
  path: "`+filepath.Join(dir, "toolgate.db")+`"
auth:
  token_secret: "validate-test-secret-0123"
policies:
  manifest: "`+manifestPath+`"
`), 0600))

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", configPath, "validate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
