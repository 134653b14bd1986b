package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/20af02/PairCopy/transfer"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, "client", cfg.Mode)
	assert.Equal(t, transfer.RoleClient, cfg.Role())
	assert.Equal(t, transfer.FrameFile, cfg.FrameKind())
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, DefaultServiceID, cfg.ServiceID)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, time.Second, cfg.SendInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Empty(t, cfg.AutoConnect)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "paircopy.yaml", `
mode: server
frame: text
transport: quic
listen_addr: 127.0.0.1:9000
tick_interval: 250ms
history_limit: 7
archive_dir: ""
log:
  level: debug
  format: json
  outputs: [stderr]
`)

	cfg, err := LoadConfig("", path)
	require.NoError(t, err)
	assert.Equal(t, transfer.RoleServer, cfg.Role())
	assert.Equal(t, transfer.FrameText, cfg.FrameKind())
	assert.Equal(t, "quic", cfg.Transport)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 7, cfg.HistoryLimit)
	assert.Empty(t, cfg.ArchiveDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.SendInterval)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PAIRCOPY_MODE", "server")
	t.Setenv("PAIRCOPY_POLL_INTERVAL", "100ms")
	t.Setenv("PAIRCOPY_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, transfer.RoleServer, cfg.Role())
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigEnvFile(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv("PAIRCOPY_AUTO_CONNECT") })
	envFile := writeFile(t, t.TempDir(), "node.env", "PAIRCOPY_AUTO_CONNECT=desk\n")

	cfg, err := LoadConfig(envFile, "")
	require.NoError(t, err)
	assert.Equal(t, "desk", cfg.AutoConnect)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"), "")
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mode":       "mode: relay\n",
		"frame":      "frame: voice\n",
		"transport":  "transport: bluetooth\n",
		"service id": "service_id: not-a-uuid\n",
		"log level":  "log:\n  level: loud\n",
		"interval":   "send_interval: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "paircopy.yaml", body)
			_, err := LoadConfig("", path)
			assert.Error(t, err)
		})
	}
}

func TestLoadPeerBook(t *testing.T) {
	peers, err := loadPeerBook("")
	require.NoError(t, err)
	assert.Nil(t, peers)

	dir := t.TempDir()
	path := writeFile(t, dir, "peers.yaml", `
peers:
  - name: desk
    addr: 192.168.1.10:4000
  - id: laptop-id
    name: laptop
    addr: 192.168.1.11:4000
`)
	peers, err = loadPeerBook(path)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "desk", peers[0].Name)
	assert.Equal(t, "192.168.1.10:4000", peers[0].Addr)
	assert.Empty(t, peers[0].ID)
	assert.Equal(t, "laptop-id", peers[1].ID)

	bad := writeFile(t, dir, "bad.yaml", "peers:\n  - name: nowhere\n")
	_, err = loadPeerBook(bad)
	assert.Error(t, err)

	_, err = loadPeerBook(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := setupLogger(LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)
	logger.Info("hello from test")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}
