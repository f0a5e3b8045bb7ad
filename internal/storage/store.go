// Package storage adapts the badger engine into the numbered kv stores the
// cluster layer works against. Keys are prefixed with their slot so a slot
// is one contiguous key range, which is what migration scans and GC
// range-deletes rely on.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/Shei254/novadb/internal/cluster/hash"
	"github.com/Shei254/novadb/pkg/errors"
)

// Key space layout inside one badger instance.
const (
	prefixData byte = 'd' // 'd' | slot(2B BE) | key
	prefixLog  byte = 'l' // 'l' | seq(8B BE)
	prefixMeta byte = 'm' // 'm' | name
)

// Store is one numbered kv store backed by its own badger instance, with a
// per-store monotonic binlog.
type Store struct {
	id  uint32
	db  *badger.DB
	seq atomic.Uint64
	log hclog.Logger
}

// Engine owns the numbered stores 0..KVStoreCount-1 and the slot→store and
// slot→chunk mappings.
type Engine struct {
	stores     []*Store
	chunkCount uint32
	log        hclog.Logger
}

// Open creates or reopens kvstoreCount stores under dir.
func Open(dir string, kvstoreCount, chunkCount int, logger hclog.Logger) (*Engine, error) {
	e := &Engine{
		chunkCount: uint32(chunkCount),
		log:        logger.Named("storage"),
	}
	for i := 0; i < kvstoreCount; i++ {
		path := filepath.Join(dir, fmt.Sprintf("store%d", i))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		opts := badger.DefaultOptions(path)
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open store %d: %w", i, err)
		}
		st := &Store{
			id:  uint32(i),
			db:  db,
			log: e.log.With("store", i),
		}
		if err := st.recoverSeq(); err != nil {
			e.Close()
			return nil, fmt.Errorf("recover binlog seq for store %d: %w", i, err)
		}
		e.stores = append(e.stores, st)
	}
	return e, nil
}

// Close closes every store.
func (e *Engine) Close() error {
	var firstErr error
	for _, s := range e.stores {
		if s == nil {
			continue
		}
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StoreCount returns the number of kv stores.
func (e *Engine) StoreCount() int { return len(e.stores) }

// Store returns the store with the given id.
func (e *Engine) Store(id uint32) *Store { return e.stores[id] }

// StoreForSlot maps a slot to its owning store.
func (e *Engine) StoreForSlot(slot uint16) *Store {
	return e.stores[int(slot)%len(e.stores)]
}

// StoreIDForSlot returns the id of the store owning slot.
func (e *Engine) StoreIDForSlot(slot uint16) uint32 {
	return uint32(int(slot) % len(e.stores))
}

// ChunkOfSlot maps a slot to its chunk, the lock granularity between store
// and key.
func (e *Engine) ChunkOfSlot(slot uint16) uint32 {
	return uint32(slot) % e.chunkCount
}

// ChunkOfKey maps a key to its chunk.
func (e *Engine) ChunkOfKey(key string) uint32 {
	return e.ChunkOfSlot(hash.KeySlot(key))
}

// CountKeysInSlot counts the keys of one slot across its owning store.
func (e *Engine) CountKeysInSlot(slot uint16) (int, error) {
	return e.StoreForSlot(slot).CountKeysInSlot(slot)
}

// SlotPrefix returns the data-key prefix covering one slot.
func SlotPrefix(slot uint16) []byte {
	p := make([]byte, 3)
	p[0] = prefixData
	binary.BigEndian.PutUint16(p[1:], slot)
	return p
}

func dataKey(slot uint16, key []byte) []byte {
	k := make([]byte, 3+len(key))
	k[0] = prefixData
	binary.BigEndian.PutUint16(k[1:], slot)
	copy(k[3:], key)
	return k
}

func logKey(seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixLog
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

// ID returns the store number.
func (s *Store) ID() uint32 { return s.id }

// SetKV writes key=value into slot and appends the mutation to the binlog
// in the same transaction.
func (s *Store) SetKV(slot uint16, key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(slot, key), value); err != nil {
			return err
		}
		return s.appendLog(txn, LogEntry{Slot: slot, Op: OpSet, Key: key, Value: value})
	})
}

// DelKV removes key from slot, logging the deletion.
func (s *Store) DelKV(slot uint16, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(dataKey(slot, key)); err != nil {
			return err
		}
		return s.appendLog(txn, LogEntry{Slot: slot, Op: OpDel, Key: key})
	})
}

// GetKV reads the value of key in slot.
func (s *Store) GetKV(slot uint16, key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(slot, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.ErrKeyNotFound
	}
	return val, err
}

// CountKeysInSlot counts keys under one slot prefix.
func (s *Store) CountKeysInSlot(slot uint16) (int, error) {
	count := 0
	prefix := SlotPrefix(slot)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Entry is one key/value pair shipped in a migration batch.
type Entry struct {
	Slot  uint16
	Key   []byte
	Value []byte
}

// ApplyBatch writes a migration batch atomically.
func (s *Store) ApplyBatch(entries []Entry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, en := range entries {
			if err := txn.Set(dataKey(en.Slot, en.Key), en.Value); err != nil {
				return err
			}
			if err := s.appendLog(txn, LogEntry{Slot: en.Slot, Op: OpSet, Key: en.Key, Value: en.Value}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange removes every key of slots [slotStart, slotEnd] in one batch,
// then optionally drops the slot prefixes so badger reclaims their files.
func (s *Store) DeleteRange(slotStart, slotEnd uint16, dropFiles bool) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for slot := uint32(slotStart); slot <= uint32(slotEnd); slot++ {
		prefix := SlotPrefix(uint16(slot))
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("collect slot %d: %w", slot, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush delete batch: %w", err)
	}

	if dropFiles {
		for slot := uint32(slotStart); slot <= uint32(slotEnd); slot++ {
			if err := s.db.DropPrefix(SlotPrefix(uint16(slot))); err != nil {
				return fmt.Errorf("drop prefix slot %d: %w", slot, err)
			}
		}
	}
	return nil
}

// Flatten compacts the store's levels. Used after large range deletes when
// compact-range-after-gc is configured.
func (s *Store) Flatten() error {
	return s.db.Flatten(2)
}

// PutMeta stores a small metadata record, used for migration checkpoints.
func (s *Store) PutMeta(name string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), value)
	})
}

// GetMeta reads a metadata record.
func (s *Store) GetMeta(name string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.ErrKeyNotFound
	}
	return val, err
}

// DelMeta removes a metadata record.
func (s *Store) DelMeta(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(name))
	})
}
