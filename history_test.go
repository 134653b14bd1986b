package main

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/20af02/PairCopy/transfer"
)

func TestHistoryRecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "history.db")
	h, err := NewHistoryDB(path, 3)
	require.NoError(t, err)

	base := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Record(transfer.DirSend, HistoryEntry{
			Name:   fmt.Sprintf("f%d", i),
			Size:   int64(i),
			Digest: "d",
			Peer:   "desk",
			At:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, h.Record(transfer.DirRecv, HistoryEntry{Name: "in", At: base}))

	sent, err := h.List(transfer.DirSend, 0)
	require.NoError(t, err)
	require.Len(t, sent, 3, "only the newest entries are kept")
	assert.Equal(t, "f4", sent[0].Name)
	assert.Equal(t, "f2", sent[2].Name)
	assert.EqualValues(t, 4, sent[0].Size)
	assert.True(t, base.Add(4*time.Minute).Equal(sent[0].At))

	newest, err := h.List(transfer.DirSend, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "f4", newest[0].Name)

	recv, err := h.List(transfer.DirRecv, 0)
	require.NoError(t, err)
	require.Len(t, recv, 1)
	assert.Equal(t, "in", recv[0].Name)

	require.NoError(t, h.Close())

	// entries survive a reopen
	h, err = NewHistoryDB(path, 3)
	require.NoError(t, err)
	defer h.Close()
	sent, err = h.List(transfer.DirSend, 0)
	require.NoError(t, err)
	assert.Len(t, sent, 3)
}

func TestHistoryEmpty(t *testing.T) {
	h, err := NewHistoryDB(filepath.Join(t.TempDir(), "history.db"), 10)
	require.NoError(t, err)
	defer h.Close()

	entries, err := h.List(transfer.DirRecv, 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
