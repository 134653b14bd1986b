package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"

	"github.com/20af02/PairCopy/transfer"
)

// HistoryEntry is one transferred unit as shown by the history command.
type HistoryEntry struct {
	Name   string    `cbor:"1,keyasint"`
	Size   int64     `cbor:"2,keyasint"`
	Digest string    `cbor:"3,keyasint"`
	Peer   string    `cbor:"4,keyasint"`
	At     time.Time `cbor:"5,keyasint"`
}

// HistoryDB keeps the most recent transfers per direction in BoltDB.
type HistoryDB struct {
	db    *bolt.DB
	limit int
	enc   cbor.EncMode
	dec   cbor.DecMode
}

// NewHistoryDB opens or creates the database at path. Each direction keeps
// at most limit entries.
func NewHistoryDB(path string, limit int) (*HistoryDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		db.Close()
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, dir := range []transfer.Direction{transfer.DirSend, transfer.DirRecv} {
			if _, err := tx.CreateBucketIfNotExists(bucketName(dir)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &HistoryDB{db: db, limit: limit, enc: enc, dec: dec}, nil
}

func (h *HistoryDB) Close() error {
	return h.db.Close()
}

// Record appends e and trims the direction back to the limit, oldest first.
func (h *HistoryDB) Record(dir transfer.Direction, e HistoryEntry) error {
	data, err := h.enc.Marshal(e)
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(dir))
		if bucket == nil {
			return fmt.Errorf("bucket not found")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(itob(seq), data); err != nil {
			return err
		}
		if h.limit <= 0 {
			return nil
		}

		n := 0
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		var stale [][]byte
		for k, _ := c.First(); k != nil && n-len(stale) > h.limit; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to n entries for dir, newest first. n <= 0 returns all.
func (h *HistoryDB) List(dir transfer.Direction, n int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := h.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(dir))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(entries) == n {
				break
			}
			var e HistoryEntry
			if err := h.dec.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func bucketName(dir transfer.Direction) []byte {
	return []byte(dir.String())
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
