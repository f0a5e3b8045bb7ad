package migrate

import (
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/Shei254/novadb/internal/metrics"
	"github.com/Shei254/novadb/internal/storage"
)

// migrateBatch buffers snapshot entries up to the configured byte cap and
// ships them as one frame, throttled by the sender's token bucket.
type migrateBatch struct {
	storeID  uint32
	maxBytes int

	entries  []storage.LogEntry
	addBytes int

	sendCount int
	sentBytes uint64
	sentKeys  uint64

	conn    net.Conn
	limiter *rate.Limiter
	timeout time.Duration
}

func newMigrateBatch(storeID uint32, maxBytes int, conn net.Conn, limiter *rate.Limiter, timeout time.Duration) *migrateBatch {
	return &migrateBatch{
		storeID:  storeID,
		maxBytes: maxBytes,
		conn:     conn,
		limiter:  limiter,
		timeout:  timeout,
	}
}

func (b *migrateBatch) add(slot uint16, key, value []byte) {
	b.entries = append(b.entries, storage.LogEntry{
		Slot:  slot,
		Op:    storage.OpSet,
		Key:   key,
		Value: value,
	})
	b.addBytes += len(key) + len(value)
}

func (b *migrateBatch) isFull() bool {
	return b.addBytes >= b.maxBytes
}

func (b *migrateBatch) isEmpty() bool {
	return len(b.entries) == 0
}

// send flushes the buffer as one frame and waits for the receiver's ack.
// Every flush carries the entry count; the receiver applies atomically
// and echoes the count back. Returns the keys and bytes shipped.
func (b *migrateBatch) send(ctx context.Context) (int, int, error) {
	if b.isEmpty() {
		return 0, 0, nil
	}
	payload := encodeEntriesPayload(b.storeID, b.entries)
	if b.limiter != nil {
		if err := b.limiter.WaitN(ctx, len(payload)); err != nil {
			return 0, 0, err
		}
	}
	if err := writeFrame(b.conn, frameBatch, payload, b.timeout); err != nil {
		return 0, 0, err
	}
	if _, err := readAck(b.conn, b.timeout); err != nil {
		return 0, 0, err
	}
	n := len(b.entries)
	b.sendCount++
	b.sentBytes += uint64(len(payload))
	b.sentKeys += uint64(n)
	metrics.MigrationBytesSent.Add(float64(len(payload)))
	metrics.MigrationKeysSent.Add(float64(n))
	b.entries = b.entries[:0]
	b.addBytes = 0
	return n, len(payload), nil
}
