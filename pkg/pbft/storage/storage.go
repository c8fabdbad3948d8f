// Package storage backs types.Storage and types.DurableLog with a
// single bbolt database file. Grounded on the teacher's
// `pkg/mcast/types/storage.go` (a plain Set/Get key-value contract for
// the sample state machine), generalized here to bbolt since the
// teacher's go.mod already carries it (`github.com/coreos/bbolt =>
// go.etcd.io/bbolt v1.3.5`) rather than reaching for a new dependency.
package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

var (
	stateBucket = []byte("state")
	logBucket   = []byte("log")
)

// KV is a bbolt-backed types.Storage, used by sample state machines to
// persist application data.
type KV struct {
	db *bbolt.DB
}

// OpenKV opens (creating if necessary) a bbolt database at path for
// application key/value storage.
func OpenKV(path string) (*KV, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &KV{db: db}, nil
}

// Set stores value under key, generalizing the teacher's
// `StorageEntry{Key, Type, Value}` to a plain byte-keyed put.
func (k *KV) Set(key, value []byte) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Put(key, value)
	})
}

// Get returns the value stored under key, or nil if absent.
func (k *KV) Get(key []byte) ([]byte, error) {
	var out []byte
	err := k.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stateBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Snapshot returns every key/value pair currently stored, used by a
// types.StateTransfer implementation to build a checkpoint blob.
func (k *KV) Snapshot() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := k.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).ForEach(func(key, value []byte) error {
			out[string(key)] = append([]byte(nil), value...)
			return nil
		})
	})
	return out, err
}

// Close releases the underlying database file.
func (k *KV) Close() error { return k.db.Close() }

// Log is a bbolt-backed types.DurableLog (spec.md §6 "Persisted state
// layout"). Each decided height is stored as a row keyed by its
// big-endian sequence number, holding the concatenated digests passed
// to Persist for that height. bbolt's Update commits with an fsync
// before returning, so Persist acknowledges synchronously rather than
// needing a separate background flush loop.
type Log struct {
	db *bbolt.DB
}

// OpenLog opens (creating if necessary) a bbolt database at path for
// the durable decision log.
func OpenLog(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Persist writes digests as the durable record for height.
func (l *Log) Persist(height types.SeqNo, digests []types.Digest) error {
	key := heightKey(height)
	value := make([]byte, 0, len(digests)*len(types.Digest{}))
	for _, d := range digests {
		value = append(value, d[:]...)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(logBucket).Put(key, value)
	})
}

// Acknowledged reports which of the given digests appear in some
// persisted height's record. Since Persist only returns after bbolt's
// commit fsync, every digest ever passed to a successful Persist call
// is acknowledged immediately; this scan exists to satisfy the
// interface for callers that don't track their own Persist calls.
func (l *Log) Acknowledged(digests []types.Digest) map[types.Digest]bool {
	want := make(map[types.Digest]bool, len(digests))
	for _, d := range digests {
		want[d] = false
	}
	_ = l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for _, value := c.First(); value != nil; _, value = c.Next() {
			for off := 0; off+len(types.Digest{}) <= len(value); off += len(types.Digest{}) {
				var d types.Digest
				copy(d[:], value[off:off+len(types.Digest{})])
				if _, ok := want[d]; ok {
					want[d] = true
				}
			}
		}
		return nil
	})
	return want
}

// Heights returns every persisted height in ascending order, used to
// rebuild in-memory state on replica restart.
func (l *Log) Heights() ([]types.SeqNo, error) {
	var out []types.SeqNo
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for key, _ := c.First(); key != nil; key, _ = c.Next() {
			out = append(out, keyHeight(key))
		}
		return nil
	})
	return out, err
}

// Close releases the underlying database file.
func (l *Log) Close() error { return l.db.Close() }

func heightKey(h types.SeqNo) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(h))
	return buf
}

func keyHeight(buf []byte) types.SeqNo {
	return types.SeqNo(binary.BigEndian.Uint32(buf))
}
