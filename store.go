package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/20af02/PairCopy/crypto"
	"github.com/20af02/PairCopy/transfer"
)

var ErrInvalidName = errors.New("invalid unit name")

// partSuffix marks files still being written into the receive directory.
const partSuffix = ".part"

type StoreOpts struct {
	// SendDir is scanned every tick; whatever is found there gets sent.
	SendDir string
	// RecvDir receives arriving units, one file per unit.
	RecvDir string
	// ArchiveDir keeps a copy of every transferred unit. Empty disables it.
	ArchiveDir string
	Logger     *zap.Logger
}

// Store is the directory spool behind the transfer engine.
type Store struct {
	StoreOpts
	now func() time.Time
}

func NewStore(opts StoreOpts) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{StoreOpts: opts, now: time.Now}
}

// Init creates the spool directories.
func (s *Store) Init() error {
	for _, dir := range []string{s.SendDir, s.RecvDir, s.ArchiveDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Pending lists the regular files waiting in the send directory, by name.
func (s *Store) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.SendDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read loads a pending file as a unit named after the file.
func (s *Store) Read(name string) (transfer.Unit, error) {
	data, err := os.ReadFile(filepath.Join(s.SendDir, name))
	if err != nil {
		return transfer.Unit{}, err
	}
	return transfer.NewUnit(name, data), nil
}

// Remove deletes a pending file once it has been handed to the engine.
func (s *Store) Remove(name string) error {
	return os.Remove(filepath.Join(s.SendDir, name))
}

// Write stores u in the receive directory and returns the file path. The
// unit name is reduced to its base name so a peer cannot write outside the
// directory. An existing file with the same name is replaced.
func (s *Store) Write(u transfer.Unit) (string, error) {
	name, err := sanitizeName(u.Name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.RecvDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(s.RecvDir, name)
	tmp := filepath.Join(s.RecvDir, "."+crypto.GenerateID()+partSuffix)
	if err := os.WriteFile(tmp, u.Payload, 0o644); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// Archive keeps a copy of u under ArchiveDir. It matches transfer.ArchiveFunc.
func (s *Store) Archive(dir transfer.Direction, u transfer.Unit) error {
	if s.ArchiveDir == "" {
		return nil
	}
	name := u.Name
	if name == "" {
		name = "message"
	}
	name, err := sanitizeName(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.ArchiveDir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(s.ArchiveDir, archiveName(s.now(), dir, name))
	if err := os.WriteFile(path, u.Payload, 0o644); err != nil {
		return err
	}
	s.Logger.Debug("archived", zap.Stringer("dir", dir), zap.String("path", path))
	return nil
}

// archiveName is <yyyyMMddHHmmssfff>_<send|recv>_<name>.bak
func archiveName(t time.Time, dir transfer.Direction, name string) string {
	stamp := t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
	return fmt.Sprintf("%s_%s_%s.bak", stamp, dir, name)
}

func sanitizeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// Clear removes every spool directory. Used by tests.
func (s *Store) Clear() error {
	for _, dir := range []string{s.SendDir, s.RecvDir, s.ArchiveDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}
