// ackstore.go - durable AckKey and reply-SURB persistence.
// Copyright (C) 2017  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ackstore persists the two pieces of client state that must
// survive a restart (spec §3 "AckKey", "Reply-SURB store"): the
// process-lifetime symmetric AckKey, and the surb.Store's received-SURB
// and reply-key tables. Grounded on storage/egress/db.go's bucket-per-
// concern bbolt layout and bucket.NextSequence-free fixed-key lookup,
// generalized from that package's JSON envelope to CBOR via
// ugorji/go/codec, matching the wire encoding the rest of the pack's
// server-side components (hashcloak-Meson-server, xendarboh-katzenpost)
// use for on-disk state.
package ackstore

import (
	"errors"
	"io"
	"time"

	bolt "github.com/coreos/bbolt"
	"github.com/ugorji/go/codec"

	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/surb"
)

const (
	ackKeyBucket       = "ackkey"
	ackKeyRecordKey    = "current"
	receivedSurbBucket = "received_surbs"
	replyKeyBucket     = "reply_keys"
)

var cborHandle = &codec.CborHandle{}

// ErrNoAckKey is returned by LoadAckKey when the bucket has never been
// populated; callers generate and persist a fresh key in that case.
var ErrNoAckKey = errors.New("ackstore: no persisted ack key")

// surbRecord is the CBOR-serialized form of one received-SURB entry.
type surbRecord struct {
	Surb        []byte
	StoredAtUTC int64
}

// keyRecord is the CBOR-serialized form of one reply-key entry.
type keyRecord struct {
	Key         []byte
	StoredAtUTC int64
}

// DB is a bbolt-backed store for AckKey and reply-SURB bookkeeping.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ackKeyBucket, receivedSurbBucket, replyKeyBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// LoadAckKey returns the persisted AckKey, or ErrNoAckKey if none has
// been stored yet.
func (d *DB) LoadAckKey() (surb.AckKey, error) {
	var key surb.AckKey
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ackKeyBucket)).Get([]byte(ackKeyRecordKey))
		if v == nil {
			return ErrNoAckKey
		}
		if len(v) != constants.AckKeyLength {
			return errors.New("ackstore: corrupt ack key record")
		}
		copy(key[:], v)
		return nil
	})
	if err != nil {
		return surb.AckKey{}, err
	}
	return key, nil
}

// StoreAckKey persists key, overwriting any previous value.
func (d *DB) StoreAckKey(key surb.AckKey) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ackKeyBucket)).Put([]byte(ackKeyRecordKey), key[:])
	})
}

// LoadOrCreateAckKey returns the persisted AckKey, generating and
// persisting a fresh one via rnd on first run (spec §3 "Process-lifetime,
// generated once at first start and persisted").
func (d *DB) LoadOrCreateAckKey(rnd io.Reader) (surb.AckKey, error) {
	key, err := d.LoadAckKey()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoAckKey) {
		return surb.AckKey{}, err
	}
	key, err = surb.GenerateAckKey(rnd)
	if err != nil {
		return surb.AckKey{}, err
	}
	if err := d.StoreAckKey(key); err != nil {
		return surb.AckKey{}, err
	}
	return key, nil
}

// PutReceivedSurb persists one received-SURB entry.
func (d *DB) PutReceivedSurb(id surb.SurbID, surbBytes []byte, storedAt time.Time) error {
	return d.put(receivedSurbBucket, id[:], surbRecord{Surb: surbBytes, StoredAtUTC: storedAt.UTC().Unix()})
}

// DeleteReceivedSurb removes a persisted received-SURB entry.
func (d *DB) DeleteReceivedSurb(id surb.SurbID) error {
	return d.delete(receivedSurbBucket, id[:])
}

// LoadReceivedSurbs returns every persisted received-SURB entry, for
// restoring a surb.Store at startup.
func (d *DB) LoadReceivedSurbs() (map[surb.SurbID][]byte, map[surb.SurbID]time.Time, error) {
	surbs := make(map[surb.SurbID][]byte)
	stored := make(map[surb.SurbID]time.Time)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(receivedSurbBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec surbRecord
			if err := codec.NewDecoderBytes(v, cborHandle).Decode(&rec); err != nil {
				return err
			}
			var id surb.SurbID
			copy(id[:], k)
			surbs[id] = rec.Surb
			stored[id] = time.Unix(rec.StoredAtUTC, 0).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return surbs, stored, nil
}

// PutReplyKey persists one reply-key entry.
func (d *DB) PutReplyKey(id surb.SurbID, key []byte, storedAt time.Time) error {
	return d.put(replyKeyBucket, id[:], keyRecord{Key: key, StoredAtUTC: storedAt.UTC().Unix()})
}

// DeleteReplyKey removes a persisted reply-key entry.
func (d *DB) DeleteReplyKey(id surb.SurbID) error {
	return d.delete(replyKeyBucket, id[:])
}

// LoadReplyKeys returns every persisted reply-key entry, for restoring a
// surb.Store at startup.
func (d *DB) LoadReplyKeys() (map[surb.SurbID][]byte, map[surb.SurbID]time.Time, error) {
	keys := make(map[surb.SurbID][]byte)
	stored := make(map[surb.SurbID]time.Time)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(replyKeyBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec keyRecord
			if err := codec.NewDecoderBytes(v, cborHandle).Decode(&rec); err != nil {
				return err
			}
			var id surb.SurbID
			copy(id[:], k)
			keys[id] = rec.Key
			stored[id] = time.Unix(rec.StoredAtUTC, 0).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return keys, stored, nil
}

// SweepExpired deletes every received-SURB or reply-key record older
// than maxAge, mirroring surb.Store.Sweep but against durable state.
func (d *DB) SweepExpired(maxAge time.Duration, now time.Time) (int, error) {
	dropped := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range []string{receivedSurbBucket, replyKeyBucket} {
			bucket := tx.Bucket([]byte(bucketName))
			c := bucket.Cursor()
			var staleKeys [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				storedAtUTC, err := decodeStoredAt(v)
				if err != nil {
					return err
				}
				if now.Sub(time.Unix(storedAtUTC, 0).UTC()) > maxAge {
					staleKeys = append(staleKeys, append([]byte(nil), k...))
				}
			}
			for _, k := range staleKeys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
				dropped++
			}
		}
		return nil
	})
	return dropped, err
}

func decodeStoredAt(raw []byte) (int64, error) {
	generic := struct {
		StoredAtUTC int64
	}{}
	dec := codec.NewDecoderBytes(raw, cborHandle)
	if err := dec.Decode(&generic); err != nil {
		return 0, err
	}
	return generic.StoredAtUTC, nil
}

func (d *DB) put(bucketName string, key []byte, record interface{}) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(record); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key, buf)
	})
}

func (d *DB) delete(bucketName string, key []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key)
	})
}
