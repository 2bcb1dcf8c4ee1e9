// Package storage implements the engine's persistence: a Pebble-backed
// KV store for hot-path state (orders and fills keyed by prefix,
// generalizing the teacher's b:/c:/cm: block-store key scheme to
// o:/f: order/fill prefixes) plus a GORM/MySQL layer for the
// durable relational schema spec.md's reporting surfaces read from.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// KVStore is the fast-path hot-state store: JSON blobs under a prefix-keyed
// namespace. OrderStore writes orders and fills to it; nothing else does.
type KVStore struct {
	db *pebble.DB
}

func OpenKVStore(path string) (*KVStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store at %s: %w", path, err)
	}
	return &KVStore{db: db}, nil
}

func (s *KVStore) Close() error { return s.db.Close() }

func keyFor(prefix, id string) []byte {
	return append([]byte(prefix+":"), []byte(id)...)
}

// Put writes v as JSON under prefix:id. sync selects durability: Sync for
// order/fill writes that must survive a crash, NoSync for high-frequency
// snapshot writes (e.g. ring buffers) where losing the last write is
// acceptable.
func (s *KVStore) Put(prefix, id string, v any, sync bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s:%s: %w", prefix, id, err)
	}
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return s.db.Set(keyFor(prefix, id), data, opts)
}

// Get reads and unmarshals prefix:id into out. Returns (false, nil) if absent.
func (s *KVStore) Get(prefix, id string, out any) (bool, error) {
	val, closer, err := s.db.Get(keyFor(prefix, id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("unmarshal %s:%s: %w", prefix, id, err)
	}
	return true, nil
}

// Delete removes prefix:id.
func (s *KVStore) Delete(prefix, id string) error {
	return s.db.Delete(keyFor(prefix, id), pebble.Sync)
}

// Scan iterates every key under prefix:, calling fn with the raw value
// bytes for each. Iteration stops early if fn returns false.
func (s *KVStore) Scan(prefix string, fn func(id string, raw []byte) bool) error {
	lower := []byte(prefix + ":")
	upper := append([]byte(prefix+":"), 0xFF)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		id := string(it.Key()[len(lower):])
		if !fn(id, it.Value()) {
			break
		}
	}
	return it.Error()
}

// Batch groups multiple Put/Delete operations into one atomic write,
// mirroring the teacher's BatchWrite wrapper over pebble.Batch.
type Batch struct {
	batch *pebble.Batch
}

func (s *KVStore) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) Put(prefix, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.batch.Set(keyFor(prefix, id), data, nil)
}

func (b *Batch) Delete(prefix, id string) error {
	return b.batch.Delete(keyFor(prefix, id), nil)
}

func (b *Batch) Commit(sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return b.batch.Commit(opts)
}
