package migrate

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Shei254/novadb/internal/storage"
)

const (
	senderMaxAttempts = 3
	senderRetryDelay  = 500 * time.Millisecond

	// binlogLagThreshold is the per-store lag (in entries) under which the
	// tail phase hands over to commit.
	binlogLagThreshold = 16
	binlogStableWindow = 3
)

var errStopped = fmt.Errorf("migration stopped")

// errRefused marks a handshake the receiver answered with an explicit
// rejection; retrying cannot change the outcome.
var errRefused = fmt.Errorf("handshake refused")

// runSenderTask drives one task through the pipeline, retrying transient
// failures from the last checkpoint.
func (m *Manager) runSenderTask(t *Task) {
	defer m.updateTaskGauges()

	m.waitIfTaskExists(t)
	if t.stopRequested() {
		t.setState(TaskStopped)
		m.persistTask(t)
		return
	}

	var lastErr error
	for attempt := 0; attempt < senderMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(senderRetryDelay << uint(attempt-1))
		}
		err := m.runSenderOnce(t)
		if err == nil {
			return
		}
		if err == errStopped {
			t.setState(TaskStopped)
			m.persistTask(t)
			m.log.Info("migration task stopped", "task", t.ID)
			return
		}
		lastErr = err
		m.log.Warn("migration attempt failed", "task", t.ID,
			"attempt", attempt+1, "error", err)
		if errors.Is(err, errRefused) {
			break
		}
	}
	t.fail(lastErr)
	m.persistTask(t)
	m.clearSenderIntents(&t.Slots)
	m.log.Error("migration task failed", "task", t.ID, "error", lastErr)
}

func (m *Manager) runSenderOnce(t *Task) error {
	conn, err := net.DialTimeout("tcp", t.DstAddr, m.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.DstAddr, err)
	}
	defer conn.Close()

	// Handshake: the receiver refuses a store-count mismatch before any
	// data moves.
	hs := handshakePayload{
		TaskID:     t.ID,
		SrcName:    t.SrcName,
		DstName:    t.DstName,
		Slots:      t.Slots.String(),
		StoreCount: m.engine.StoreCount(),
	}
	if err := writeJSONFrame(conn, frameHandshake, hs, m.cfg.Timeout); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if ack, err := readAck(conn, m.cfg.Timeout); err != nil {
		if ack != nil {
			return fmt.Errorf("%w: %v", errRefused, err)
		}
		return fmt.Errorf("handshake refused: %w", err)
	}

	if err := m.senderSnapshotPhase(t, conn); err != nil {
		return err
	}
	if err := m.senderBinlogPhase(t, conn); err != nil {
		return err
	}
	return m.senderCommitPhase(t, conn)
}

// slotsOfStore filters the task's slots to those mapped onto storeID.
func (m *Manager) slotsOfStore(t *Task, storeID uint32) []uint16 {
	var out []uint16
	for _, slot := range t.Slots.Slots() {
		if m.engine.StoreIDForSlot(slot) == storeID {
			out = append(out, slot)
		}
	}
	return out
}

// senderSnapshotPhase streams a point-in-time scan of every migrating
// slot, store by store, checkpointing at batch boundaries.
func (m *Manager) senderSnapshotPhase(t *Task, conn net.Conn) error {
	t.setState(TaskSnapshot)
	m.persistTask(t)
	m.updateTaskGauges()

	for storeID := uint32(0); storeID < uint32(m.engine.StoreCount()); storeID++ {
		slots := m.slotsOfStore(t, storeID)
		if len(slots) == 0 {
			continue
		}
		prog := t.storeProgress(storeID)
		if prog.SnapshotDone {
			continue
		}
		store := m.engine.Store(storeID)
		snap := store.NewSnapshot()
		if prog.BinlogSeq == 0 {
			// The tail phase resumes from the snapshot's binlog position.
			prog.BinlogSeq = snap.Seq()
		}

		batch := newMigrateBatch(storeID, m.cfg.BatchSizeKB<<10, conn, m.limiter, m.cfg.Timeout)
		err := m.scanStoreSlots(t, snap, slots, prog, batch)
		snap.Close()
		if err != nil {
			return err
		}
		if !batch.isEmpty() {
			n, nb, err := batch.send(m.ctx)
			if err != nil {
				return fmt.Errorf("flush store %d: %w", storeID, err)
			}
			t.addSent(uint64(n), uint64(nb))
			m.notifyObserverSent(t.ID, n)
		}
		prog.SnapshotDone = true
		m.persistTask(t)
	}
	return nil
}

func (m *Manager) scanStoreSlots(t *Task, snap *storage.Snapshot, slots []uint16, prog *StoreProgress, batch *migrateBatch) error {
	for _, slot := range slots {
		if slot < prog.LastSlot {
			continue // already shipped before a stop
		}
		var afterKey []byte
		if slot == prog.LastSlot {
			afterKey = prog.LastKey
		}
		err := snap.IterateSlot(slot, afterKey, func(key, value []byte) error {
			if t.stopRequested() {
				return errStopped
			}
			batch.add(slot, key, value)
			if !batch.isFull() {
				return nil
			}
			n, nb, err := batch.send(m.ctx)
			if err != nil {
				return err
			}
			t.addSent(uint64(n), uint64(nb))
			m.notifyObserverSent(t.ID, n)
			// Checkpoint at the batch boundary so RESTART resumes here.
			prog.LastSlot = slot
			prog.LastKey = append(prog.LastKey[:0], key...)
			m.persistTask(t)
			return nil
		})
		if err != nil {
			return err
		}
		prog.LastSlot = slot
		prog.LastKey = nil
	}
	return nil
}

// senderBinlogPhase forwards mutations that landed after the snapshot,
// until every store's lag stays under the threshold.
func (m *Manager) senderBinlogPhase(t *Task, conn net.Conn) error {
	t.setState(TaskBinlog)
	m.persistTask(t)
	m.updateTaskGauges()

	stableRounds := 0
	for stableRounds < binlogStableWindow {
		if t.stopRequested() {
			return errStopped
		}
		sent, err := m.forwardBinlogs(t, conn)
		if err != nil {
			return err
		}
		if sent == 0 && m.binlogLag(t) < binlogLagThreshold {
			stableRounds++
		} else {
			stableRounds = 0
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// forwardBinlogs ships pending binlog entries for the migrating slots of
// every store; returns the number of entries sent.
func (m *Manager) forwardBinlogs(t *Task, conn net.Conn) (int, error) {
	total := 0
	for storeID := uint32(0); storeID < uint32(m.engine.StoreCount()); storeID++ {
		slots := m.slotsOfStore(t, storeID)
		if len(slots) == 0 {
			continue
		}
		inTask := make(map[uint16]bool, len(slots))
		for _, s := range slots {
			inTask[s] = true
		}
		prog := t.storeProgress(storeID)
		store := m.engine.Store(storeID)

		var pending []storage.LogEntry
		lastSeq := prog.BinlogSeq
		err := store.TailLogs(prog.BinlogSeq, func(en storage.LogEntry) error {
			lastSeq = en.Seq
			if inTask[en.Slot] {
				pending = append(pending, en)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if len(pending) > 0 {
			payload := encodeEntriesPayload(storeID, pending)
			if m.limiter != nil {
				if err := m.limiter.WaitN(m.ctx, len(payload)); err != nil {
					return total, err
				}
			}
			if err := writeFrame(conn, frameBinlog, payload, m.cfg.Timeout); err != nil {
				return total, err
			}
			if _, err := readAck(conn, m.cfg.Timeout); err != nil {
				return total, err
			}
			t.addSent(uint64(len(pending)), uint64(len(payload)))
			m.notifyObserverSent(t.ID, len(pending))
			total += len(pending)
		}
		prog.BinlogSeq = lastSeq
	}
	if total > 0 {
		m.persistTask(t)
	}
	return total, nil
}

func (m *Manager) binlogLag(t *Task) uint64 {
	var lag uint64
	for storeID := uint32(0); storeID < uint32(m.engine.StoreCount()); storeID++ {
		if len(m.slotsOfStore(t, storeID)) == 0 {
			continue
		}
		prog := t.storeProgress(storeID)
		head := m.engine.Store(storeID).Seq()
		if head > prog.BinlogSeq {
			lag += head - prog.BinlogSeq
		}
	}
	return lag
}

// senderCommitPhase freezes writes to the migrating slots, drains the
// final binlog delta and exchanges the two-phase ack. On the commit ack
// both sides reassign the slots; the source then hands the bitmap to GC.
func (m *Manager) senderCommitPhase(t *Task, conn net.Conn) error {
	t.setState(TaskCommit)
	m.persistTask(t)
	m.updateTaskGauges()

	// From here writes to the migrating slots are rejected with ASK;
	// the final drain therefore converges.
	m.freezeSlots(&t.Slots)

	if _, err := m.forwardBinlogs(t, conn); err != nil {
		return err
	}

	if err := writeFrame(conn, frameCommit, []byte(t.ID), m.cfg.Timeout); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if _, err := readAck(conn, m.cfg.Timeout); err != nil {
		return fmt.Errorf("commit ack: %w", err)
	}

	if err := m.state.CommitMigration(t.SrcName, t.DstName, &t.Slots); err != nil {
		return err
	}
	t.setState(TaskSucc)
	m.dropTaskMeta(t)
	m.clearSenderIntents(&t.Slots)

	m.mu.RLock()
	notify := m.gcNotify
	m.mu.RUnlock()
	if notify != nil {
		notify(t.Slots)
	}
	m.log.Info("migration committed", "task", t.ID, "dst", t.DstName,
		"keys", t.KeysSent(), "bytes", t.BytesSent())
	return nil
}
