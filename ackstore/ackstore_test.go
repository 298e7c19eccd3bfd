// ackstore_test.go
// Copyright (C) 2017  David Anthony Stainton

package ackstore

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nymtech-go/mixclient-core/surb"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "ackstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadOrCreateAckKeyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ackstore.db")

	db, err := Open(path)
	require.NoError(t, err)
	key, err := db.LoadOrCreateAckKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	again, err := db2.LoadOrCreateAckKey(rand.Reader)
	require.NoError(t, err)
	require.Equal(t, key, again)
}

func TestLoadAckKeyReturnsErrNoAckKeyWhenEmpty(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LoadAckKey()
	require.ErrorIs(t, err, ErrNoAckKey)
}

func TestReceivedSurbRoundTripAndDelete(t *testing.T) {
	db := openTestDB(t)
	var id surb.SurbID
	copy(id[:], []byte("0123456789abcdef"))
	now := time.Now()

	require.NoError(t, db.PutReceivedSurb(id, []byte("surb-bytes"), now))

	surbs, stored, err := db.LoadReceivedSurbs()
	require.NoError(t, err)
	require.Equal(t, []byte("surb-bytes"), surbs[id])
	require.WithinDuration(t, now, stored[id], time.Second)

	require.NoError(t, db.DeleteReceivedSurb(id))
	surbs, _, err = db.LoadReceivedSurbs()
	require.NoError(t, err)
	require.NotContains(t, surbs, id)
}

func TestReplyKeyRoundTripAndDelete(t *testing.T) {
	db := openTestDB(t)
	var id surb.SurbID
	copy(id[:], []byte("fedcba9876543210"))
	now := time.Now()

	require.NoError(t, db.PutReplyKey(id, []byte("reply-key-bytes"), now))

	keys, stored, err := db.LoadReplyKeys()
	require.NoError(t, err)
	require.Equal(t, []byte("reply-key-bytes"), keys[id])
	require.WithinDuration(t, now, stored[id], time.Second)

	require.NoError(t, db.DeleteReplyKey(id))
	keys, _, err = db.LoadReplyKeys()
	require.NoError(t, err)
	require.NotContains(t, keys, id)
}

func TestSweepExpiredDropsOldEntriesOnly(t *testing.T) {
	db := openTestDB(t)
	var oldID, freshID surb.SurbID
	copy(oldID[:], []byte("old-surb-id-here"))
	copy(freshID[:], []byte("fresh-surb-id---"))

	now := time.Now()
	require.NoError(t, db.PutReceivedSurb(oldID, []byte("stale"), now.Add(-48*time.Hour)))
	require.NoError(t, db.PutReceivedSurb(freshID, []byte("new"), now))

	dropped, err := db.SweepExpired(24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	surbs, _, err := db.LoadReceivedSurbs()
	require.NoError(t, err)
	require.NotContains(t, surbs, oldID)
	require.Contains(t, surbs, freshID)
}
