package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/20af02/PairCopy/crypto"
	"github.com/20af02/PairCopy/p2p"
	"github.com/20af02/PairCopy/transfer"
)

var (
	ErrChatOnly = errors.New("only available in chat mode")
	ErrFileOnly = errors.New("only available in file mode")
)

// App wires one node together: transport, engine, health monitor, spool
// and history. Run drives it from a ticker.
type App struct {
	cfg       *Config
	logger    *zap.Logger
	transport p2p.Transport
	engine    *transfer.Engine
	monitor   *transfer.Monitor
	store     *Store
	history   *HistoryDB

	outMu sync.Mutex
	out   io.Writer
}

func NewApp(cfg *Config, logger *zap.Logger, out io.Writer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = os.Stdout
	}

	tr, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	store := NewStore(StoreOpts{
		SendDir:    cfg.SendDir,
		RecvDir:    cfg.RecvDir,
		ArchiveDir: cfg.ArchiveDir,
		Logger:     logger.Named("store"),
	})
	if err := store.Init(); err != nil {
		tr.Close()
		return nil, err
	}

	history, err := NewHistoryDB(cfg.HistoryDB, cfg.HistoryLimit)
	if err != nil {
		tr.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		store:     store,
		history:   history,
		out:       out,
	}
	a.engine = transfer.NewEngine(transfer.EngineOpts{
		Role:         cfg.Role(),
		Frame:        cfg.FrameKind(),
		ServiceID:    cfg.ServiceID,
		Transport:    tr,
		SendInterval: cfg.SendInterval,
		PollInterval: cfg.PollInterval,
		Archive:      store.Archive,
		OnEvent:      a.onEvent,
		Logger:       logger.Named("engine"),
	})
	a.monitor = transfer.NewMonitor(a.engine, cfg.AutoConnect)
	return a, nil
}

func newTransport(cfg *Config, logger *zap.Logger) (p2p.Transport, error) {
	service, err := uuid.Parse(cfg.ServiceID)
	if err != nil {
		return nil, err
	}
	peers, err := loadPeerBook(cfg.PeersFile)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("transport")

	switch cfg.Transport {
	case "quic":
		return p2p.NewQUICTransport(p2p.QUICTransportOpts{
			ListenAddr: cfg.ListenAddr,
			ServiceID:  service,
			Peers:      peers,
			Logger:     logger,
		})
	case "mem":
		return p2p.NewMemTransport(p2p.DefaultMemNetwork, p2p.MemTransportOpts{
			Name:      cfg.ListenAddr,
			ServiceID: service,
			Logger:    logger,
		}), nil
	default:
		return p2p.NewTCPTransport(p2p.TCPTransportOpts{
			ListenAddr: cfg.ListenAddr,
			ServiceID:  service,
			Peers:      peers,
			Logger:     logger,
		}), nil
	}
}

// Run ticks until ctx is done. The first tick runs immediately.
func (a *App) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		a.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick is one scheduler cycle: health check first, and only with a healthy
// connection the spool is flushed in both directions.
func (a *App) Tick(ctx context.Context) transfer.TickResult {
	r := a.monitor.Tick(ctx)
	if r != transfer.TickOK {
		a.logger.Debug("tick skipped", zap.Stringer("health", r))
		return r
	}
	a.sendPending()
	a.receivePending()
	return r
}

// sendPending moves every file waiting in the send directory into the
// outgoing queue.
func (a *App) sendPending() int {
	if a.cfg.FrameKind() != transfer.FrameFile {
		return 0
	}
	names, err := a.store.Pending()
	if err != nil {
		a.logger.Error("scan send directory", zap.Error(err))
		return 0
	}

	queued := 0
	for _, name := range names {
		u, err := a.store.Read(name)
		if err != nil {
			a.logger.Warn("read pending file", zap.String("name", name), zap.Error(err))
			continue
		}
		if err := a.engine.Send(u); err != nil {
			if errors.Is(err, transfer.ErrNotConnected) {
				return queued
			}
			a.logger.Warn("cannot send file", zap.String("name", name), zap.Error(err))
			continue
		}
		if err := a.store.Remove(name); err != nil {
			a.logger.Warn("remove sent file", zap.String("name", name), zap.Error(err))
		}
		queued++
	}
	return queued
}

// receivePending drains arrived units into the receive directory, or onto
// the terminal in chat mode.
func (a *App) receivePending() int {
	units := a.engine.Receive()
	for _, u := range units {
		if a.cfg.FrameKind() == transfer.FrameText {
			a.printf(color.New(color.FgCyan), "%s> %s\n", a.peerName(), u.Text())
			continue
		}
		path, err := a.store.Write(u)
		if err != nil {
			a.logger.Error("store received unit", zap.String("name", u.Name), zap.Error(err))
			a.printf(color.New(color.FgRed), "could not save %q: %v\n", u.Name, err)
			continue
		}
		a.printf(color.New(color.FgGreen), "received %s (%s)\n", path, humanize.Bytes(uint64(u.Size())))
	}
	return len(units)
}

// SendFile queues the file at path under its base name.
func (a *App) SendFile(path string) (transfer.Unit, error) {
	if a.cfg.FrameKind() != transfer.FrameFile {
		return transfer.Unit{}, ErrFileOnly
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.Unit{}, err
	}
	u := transfer.NewUnit(filepath.Base(path), data)
	return u, a.engine.Send(u)
}

// Say queues a chat message.
func (a *App) Say(text string) error {
	if a.cfg.FrameKind() != transfer.FrameText {
		return ErrChatOnly
	}
	return a.engine.Send(transfer.TextUnit(text))
}

func (a *App) Discover(ctx context.Context) ([]p2p.PeerDescriptor, error) {
	return a.engine.Discover(ctx)
}

// Connect dials a peer by id or display name, discovering first when the
// peer is not known yet.
func (a *App) Connect(ctx context.Context, idOrName string) error {
	peer, ok := a.engine.ResolvePeer(idOrName)
	if !ok {
		if _, err := a.engine.Discover(ctx); err != nil {
			return err
		}
		if peer, ok = a.engine.ResolvePeer(idOrName); !ok {
			return fmt.Errorf("%w: %s", transfer.ErrUnknownPeer, idOrName)
		}
	}
	return a.engine.Connect(ctx, peer.ID)
}

func (a *App) Disconnect() { a.engine.Disconnect() }

type Status struct {
	Role      transfer.Role
	Frame     transfer.FrameKind
	State     transfer.State
	Addr      string
	Peer      p2p.PeerDescriptor
	Connected bool
	Listening bool
	Pending   int
}

func (a *App) Status() Status {
	peer, ok := a.engine.Peer()
	return Status{
		Role:      a.engine.Role,
		Frame:     a.engine.Frame,
		State:     a.engine.State(),
		Addr:      a.transport.Addr(),
		Peer:      peer,
		Connected: ok && a.engine.Alive(),
		Listening: a.engine.Listening(),
		Pending:   a.engine.Pending(),
	}
}

func (a *App) History(dir transfer.Direction, n int) ([]HistoryEntry, error) {
	return a.history.List(dir, n)
}

func (a *App) Peers() []p2p.PeerDescriptor { return a.engine.Peers() }

// Close shuts the node down. Pending notifications are flushed first so
// the history is complete.
func (a *App) Close() error {
	a.engine.Close()
	a.monitor.Wait()
	err := a.transport.Close()
	if herr := a.history.Close(); err == nil {
		err = herr
	}
	return err
}

func (a *App) onEvent(ev transfer.Event) {
	switch ev.Kind {
	case transfer.EventStatusChanged:
		switch ev.Status {
		case transfer.StatusConnected:
			a.printf(color.New(color.FgGreen, color.Bold), "connected to %s\n", displayName(ev.Peer))
		case transfer.StatusDisconnected:
			if ev.Err != nil {
				a.printf(color.New(color.FgYellow), "disconnected from %s: %v\n", displayName(ev.Peer), ev.Err)
			} else {
				a.printf(color.New(color.FgYellow), "disconnected from %s\n", displayName(ev.Peer))
			}
		case transfer.StatusError:
			a.printf(color.New(color.FgRed), "error: %v\n", ev.Err)
		}
	case transfer.EventDiscoveryComplete:
		a.printf(color.New(color.FgBlue), "discovery complete, %d peer(s)\n", len(ev.Peers))
	case transfer.EventDiscoveryFailed:
		a.printf(color.New(color.FgRed), "discovery failed: %v\n", ev.Err)
	case transfer.EventUnitSent:
		a.record(transfer.DirSend, ev)
		if a.cfg.FrameKind() == transfer.FrameFile {
			a.printf(color.New(color.FgGreen), "sent %s (%s)\n", ev.Unit.Name, humanize.Bytes(uint64(ev.Unit.Size())))
		}
	case transfer.EventUnitArrived:
		a.record(transfer.DirRecv, ev)
	}
}

func (a *App) record(dir transfer.Direction, ev transfer.Event) {
	name := ev.Unit.Name
	if name == "" {
		if r := []rune(ev.Unit.Text()); len(r) > 64 {
			name = string(r[:64])
		} else {
			name = string(r)
		}
	}
	err := a.history.Record(dir, HistoryEntry{
		Name:   name,
		Size:   int64(ev.Unit.Size()),
		Digest: crypto.Digest(ev.Unit.Payload),
		Peer:   displayName(ev.Peer),
		At:     ev.At,
	})
	if err != nil {
		a.logger.Warn("record history", zap.Stringer("dir", dir), zap.Error(err))
	}
}

func (a *App) peerName() string {
	p, ok := a.engine.Peer()
	if !ok {
		return "peer"
	}
	return displayName(p)
}

func (a *App) printf(c *color.Color, format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	c.Fprintf(a.out, format, args...)
}

func displayName(p p2p.PeerDescriptor) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
