package storage

import (
	"github.com/dgraph-io/badger/v4"
)

// Snapshot is a point-in-time read view over one store. The migration
// sender scans slots from a snapshot while foreground writes continue; the
// binlog sequence captured at creation is where the tail phase picks up.
type Snapshot struct {
	store *Store
	txn   *badger.Txn
	seq   uint64
}

// NewSnapshot pins a read transaction and records the binlog position.
func (s *Store) NewSnapshot() *Snapshot {
	return &Snapshot{
		store: s,
		txn:   s.db.NewTransaction(false),
		seq:   s.seq.Load(),
	}
}

// Seq is the binlog sequence at snapshot creation.
func (sn *Snapshot) Seq() uint64 { return sn.seq }

// IterateSlot walks every key of one slot in order, starting after
// afterKey when non-nil (resume point for a stopped migration).
func (sn *Snapshot) IterateSlot(slot uint16, afterKey []byte, fn func(key, value []byte) error) error {
	prefix := SlotPrefix(slot)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := sn.txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if len(afterKey) > 0 {
		// Seek strictly past the resume key.
		start = append(dataKey(slot, afterKey), 0)
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)[3:]
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pinned transaction.
func (sn *Snapshot) Close() {
	sn.txn.Discard()
}
