package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/20af02/PairCopy/transfer"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// syncBuffer is written by the event dispatcher and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// memName keeps node names unique across tests sharing the default network.
func memName(t *testing.T, role string) string {
	return strings.ReplaceAll(t.Name(), "/", "_") + "-" + role
}

func newTestApp(t *testing.T, mode, frame, name, autoConnect string) (*App, *syncBuffer) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.Frame = frame
	cfg.Transport = "mem"
	cfg.ListenAddr = name
	cfg.AutoConnect = autoConnect
	cfg.SendDir = filepath.Join(root, "send")
	cfg.RecvDir = filepath.Join(root, "recv")
	cfg.ArchiveDir = filepath.Join(root, "archive")
	cfg.HistoryDB = filepath.Join(root, "history.db")
	cfg.SendInterval = 10 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	require.NoError(t, cfg.validate())

	out := &syncBuffer{}
	app, err := NewApp(cfg, nil, out)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, out
}

// startPair brings up a listening server and a client that auto-connects to it.
func startPair(t *testing.T, frame string) (client, server *App, cout, sout *syncBuffer) {
	t.Helper()
	ctx := context.Background()
	serverName := memName(t, "server")
	server, sout = newTestApp(t, "server", frame, serverName, "")
	client, cout = newTestApp(t, "client", frame, memName(t, "client"), serverName)

	assert.Equal(t, transfer.TickReconnecting, server.Tick(ctx))
	assert.True(t, server.Status().Listening)

	assert.Equal(t, transfer.TickReconnecting, client.Tick(ctx))
	require.Eventually(t, func() bool { return client.Tick(ctx) == transfer.TickOK }, waitFor, tick)
	require.Eventually(t, func() bool { return server.Tick(ctx) == transfer.TickOK }, waitFor, tick)
	return client, server, cout, sout
}

func TestAppSpoolsFilesToPeer(t *testing.T) {
	ctx := context.Background()
	client, server, cout, _ := startPair(t, "file")

	payload := bytes.Repeat([]byte("%PDF-1.7"), 1000)
	writeFile(t, client.cfg.SendDir, "report.pdf", string(payload))

	assert.Equal(t, transfer.TickOK, client.Tick(ctx))
	pending, err := client.store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending, "sent files leave the send directory")

	dst := filepath.Join(server.cfg.RecvDir, "report.pdf")
	require.Eventually(t, func() bool {
		server.Tick(ctx)
		_, err := os.Stat(dst)
		return err == nil
	}, waitFor, tick)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	require.Eventually(t, func() bool {
		sent, _ := filepath.Glob(filepath.Join(client.cfg.ArchiveDir, "*_send_report.pdf.bak"))
		recv, _ := filepath.Glob(filepath.Join(server.cfg.ArchiveDir, "*_recv_report.pdf.bak"))
		return len(sent) == 1 && len(recv) == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		sent, err := client.History(transfer.DirSend, 0)
		if err != nil || len(sent) != 1 {
			return false
		}
		recv, err := server.History(transfer.DirRecv, 0)
		return err == nil && len(recv) == 1
	}, waitFor, tick)
	entries, err := server.History(transfer.DirRecv, 0)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", entries[0].Name)
	assert.EqualValues(t, len(payload), entries[0].Size)
	assert.Equal(t, memName(t, "client"), entries[0].Peer)
	assert.NotEmpty(t, entries[0].Digest)

	require.Eventually(t, func() bool { return strings.Contains(cout.String(), "sent report.pdf") }, waitFor, tick)
	assert.Contains(t, cout.String(), "connected to "+memName(t, "server"))
}

func TestAppReconnectsAfterServerRestart(t *testing.T) {
	ctx := context.Background()
	client, server, cout, _ := startPair(t, "file")

	server.engine.Disconnect()
	require.Eventually(t, func() bool { return !client.Status().Connected }, waitFor, tick)

	require.Eventually(t, func() bool { return client.Tick(ctx) == transfer.TickOK }, waitFor, tick)
	require.Eventually(t, func() bool { return strings.Contains(cout.String(), "disconnected from") }, waitFor, tick)
}

func TestAppChat(t *testing.T) {
	ctx := context.Background()
	client, server, _, sout := startPair(t, "text")

	require.NoError(t, client.Say("hello there"))
	require.Eventually(t, func() bool {
		server.Tick(ctx)
		return strings.Contains(sout.String(), "> hello there")
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		entries, err := server.History(transfer.DirRecv, 0)
		return err == nil && len(entries) == 1 && entries[0].Name == "hello there"
	}, waitFor, tick)

	_, err := client.SendFile(writeFile(t, t.TempDir(), "x.txt", "x"))
	assert.ErrorIs(t, err, ErrFileOnly)
}

func TestAppSayNeedsChatMode(t *testing.T) {
	app, _ := newTestApp(t, "client", "file", memName(t, "client"), "")
	assert.ErrorIs(t, app.Say("hi"), ErrChatOnly)
}

func TestAppIdleClientSkipsSpool(t *testing.T) {
	app, _ := newTestApp(t, "client", "file", memName(t, "client"), "")
	writeFile(t, app.cfg.SendDir, "a.txt", "a")

	assert.Equal(t, transfer.TickDown, app.Tick(context.Background()))
	pending, err := app.store.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, pending)
}

func execCLI(t *testing.T, cli *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	cli.SetOut(out)
	cli.SetErr(out)
	cli.SetArgs(args)
	err := cli.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCopyCLI(t *testing.T) {
	ctx := context.Background()
	serverName := memName(t, "server")
	server, _ := newTestApp(t, "server", "file", serverName, "")
	client, _ := newTestApp(t, "client", "file", memName(t, "client"), "")
	server.Tick(ctx)

	cli := NewCopyCLI(client)

	out, err := execCLI(t, cli, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state:     idle")

	out, err = execCLI(t, cli, "send", "nope.txt")
	assert.Error(t, err)
	assert.NotContains(t, out, "queued")

	out, err = execCLI(t, cli, "discover")
	require.NoError(t, err)
	assert.Contains(t, out, serverName)

	out, err = execCLI(t, cli, "peers")
	require.NoError(t, err)
	assert.Contains(t, out, serverName)

	out, err = execCLI(t, cli, "connect", serverName)
	require.NoError(t, err)
	assert.Contains(t, out, "connected to "+serverName)

	out, err = execCLI(t, cli, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state:     connected")
	assert.Contains(t, out, "peer:      "+serverName)

	path := writeFile(t, t.TempDir(), "notes.txt", "some notes")
	out, err = execCLI(t, cli, "send", path)
	require.NoError(t, err)
	assert.Contains(t, out, "queued notes.txt (10 B)")

	require.Eventually(t, func() bool {
		out, err := execCLI(t, cli, "history", "send")
		return err == nil && strings.Contains(out, "notes.txt")
	}, waitFor, tick)

	out, err = execCLI(t, cli, "history", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "[send]")
	assert.Contains(t, out, "[recv]")

	_, err = execCLI(t, cli, "history", "sideways")
	assert.Error(t, err)

	out, err = execCLI(t, cli, "disconnect")
	require.NoError(t, err)
	assert.Contains(t, out, "disconnected")
	assert.False(t, client.Status().Connected)
}

func TestParseDirection(t *testing.T) {
	d, err := parseDirection("RECV")
	require.NoError(t, err)
	assert.Equal(t, transfer.DirRecv, d)

	_, err = parseDirection("both")
	assert.Error(t, err)
}
