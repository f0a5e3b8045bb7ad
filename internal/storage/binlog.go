package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// LogOp is the kind of a binlog mutation.
type LogOp uint8

const (
	OpSet LogOp = iota + 1
	OpDel
)

// LogEntry is one binlog record. Seq is strictly monotonic per store; the
// migration tail and replication streams consume entries in seq order.
type LogEntry struct {
	Seq   uint64
	Slot  uint16
	Op    LogOp
	Key   []byte
	Value []byte
}

// EncodeLogEntry serializes a log entry:
// seq(8B) | slot(2B) | op(1B) | keyLen(4B) | key | valLen(4B) | val.
func EncodeLogEntry(en LogEntry) []byte {
	buf := make([]byte, 0, 19+len(en.Key)+len(en.Value))
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], en.Seq)
	buf = append(buf, scratch[:]...)
	binary.BigEndian.PutUint16(scratch[:2], en.Slot)
	buf = append(buf, scratch[:2]...)
	buf = append(buf, byte(en.Op))
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(en.Key)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, en.Key...)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(en.Value)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, en.Value...)
	return buf
}

// DecodeLogEntry parses a serialized log entry.
func DecodeLogEntry(data []byte) (LogEntry, error) {
	var en LogEntry
	if len(data) < 19 {
		return en, fmt.Errorf("log entry too short: %d bytes", len(data))
	}
	en.Seq = binary.BigEndian.Uint64(data)
	en.Slot = binary.BigEndian.Uint16(data[8:])
	en.Op = LogOp(data[10])
	keyLen := binary.BigEndian.Uint32(data[11:])
	if len(data) < int(15+keyLen+4) {
		return en, fmt.Errorf("log entry truncated key")
	}
	en.Key = append([]byte(nil), data[15:15+keyLen]...)
	valLen := binary.BigEndian.Uint32(data[15+keyLen:])
	if len(data) < int(19+keyLen+valLen) {
		return en, fmt.Errorf("log entry truncated value")
	}
	en.Value = append([]byte(nil), data[19+keyLen:19+keyLen+valLen]...)
	return en, nil
}

// appendLog assigns the next sequence and writes the entry inside txn.
func (s *Store) appendLog(txn *badger.Txn, en LogEntry) error {
	en.Seq = s.seq.Add(1)
	return txn.Set(logKey(en.Seq), EncodeLogEntry(en))
}

// Seq returns the highest binlog sequence assigned so far.
func (s *Store) Seq() uint64 { return s.seq.Load() }

// recoverSeq restores the sequence counter from the highest persisted
// binlog key after a restart.
func (s *Store) recoverSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek to the end of the log prefix range.
		it.Seek([]byte{prefixLog + 1})
		if it.Valid() && it.Item().Key()[0] == prefixLog {
			s.seq.Store(binary.BigEndian.Uint64(it.Item().Key()[1:]))
		}
		return nil
	})
}

// TailLogs streams binlog entries with Seq > fromSeq in order, invoking fn
// for each. Iteration stops on the first error from fn.
func (s *Store) TailLogs(fromSeq uint64, fn func(LogEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixLog}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(logKey(fromSeq + 1)); it.ValidForPrefix([]byte{prefixLog}); it.Next() {
			var en LogEntry
			err := it.Item().Value(func(val []byte) error {
				var derr error
				en, derr = DecodeLogEntry(val)
				return derr
			})
			if err != nil {
				return err
			}
			if en.Seq <= fromSeq {
				continue
			}
			if err := fn(en); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateLogsBefore removes binlog entries with Seq < keepSeq. Run by the
// log recycle pool once replicas and migrations have consumed them.
func (s *Store) TruncateLogsBefore(keepSeq uint64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixLog}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte{prefixLog}); it.Next() {
			seq := binary.BigEndian.Uint64(it.Item().Key()[1:])
			if seq >= keepSeq {
				break
			}
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return wb.Flush()
}
