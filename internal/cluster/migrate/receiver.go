package migrate

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/metrics"
	"github.com/Shei254/novadb/internal/storage"
)

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				m.log.Debug("migrate accept error", "error", err)
				continue
			}
		}
		ok := m.receiverPool.Submit(func() { m.handleInbound(conn) })
		if !ok {
			conn.Close()
		}
	}
}

// handleInbound runs the receiver side of one migration stream: validate
// the handshake, apply batches atomically, and answer the commit.
func (m *Manager) handleInbound(conn net.Conn) {
	defer conn.Close()

	t, payload, err := readFrame(conn, m.cfg.Timeout)
	if err != nil || t != frameHandshake {
		return
	}
	var hs handshakePayload
	if err := json.Unmarshal(payload, &hs); err != nil {
		return
	}
	if hs.StoreCount != m.engine.StoreCount() {
		writeJSONFrame(conn, frameAck, ackPayload{
			Err: fmt.Sprintf("kvstore count mismatch: src %d dst %d",
				hs.StoreCount, m.engine.StoreCount()),
		}, m.cfg.Timeout)
		m.log.Error("rejected migration: store count mismatch",
			"src", hs.SrcName, "srcStores", hs.StoreCount)
		return
	}
	bm, err := cluster.ParseSlotText(hs.Slots)
	if err != nil {
		writeJSONFrame(conn, frameAck, ackPayload{Err: "bad slot set"}, m.cfg.Timeout)
		return
	}

	task := m.registerImportTask(&hs, bm)
	if err := writeJSONFrame(conn, frameAck, ackPayload{}, m.cfg.Timeout); err != nil {
		return
	}
	m.log.Info("migration stream accepted", "task", hs.TaskID, "src", hs.SrcName,
		"slots", bm.Count())

	if err := m.receiveStream(task, conn); err != nil {
		m.log.Warn("migration stream ended", "task", task.ID, "error", err)
		if task.State() != TaskSucc {
			task.setState(TaskStopped)
		}
		// The import intent stays: the sender retries or the operator
		// restarts, and the stream resumes under the same task id.
	}
}

// registerImportTask finds or creates the receiver-side task record, so a
// resumed stream continues the same task.
func (m *Manager) registerImportTask(hs *handshakePayload, bm *cluster.SlotBitmap) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.importing[hs.TaskID]; ok {
		existing.rearm()
		existing.setState(TaskSnapshot)
		return existing
	}
	task := newTask(hs.TaskID, hs.SrcName, hs.DstName, "", *bm)
	task.setState(TaskSnapshot)
	m.importing[hs.TaskID] = task
	for _, slot := range bm.Slots() {
		m.importingFrom[slot] = hs.SrcName
	}
	return task
}

func (m *Manager) receiveStream(task *Task, conn net.Conn) error {
	for {
		if task.stopRequested() {
			return errStopped
		}
		ft, payload, err := readFrame(conn, m.cfg.Timeout)
		if err != nil {
			return err
		}
		switch ft {
		case frameBatch, frameBinlog:
			applied, err := m.applyEntries(ft, payload)
			if err != nil {
				writeJSONFrame(conn, frameAck, ackPayload{Err: err.Error()}, m.cfg.Timeout)
				return err
			}
			if ft == frameBinlog {
				task.setState(TaskBinlog)
			}
			if err := writeJSONFrame(conn, frameAck, ackPayload{Applied: applied}, m.cfg.Timeout); err != nil {
				return err
			}
			metrics.MigrationKeysReceived.Add(float64(applied))
			m.notifyObserverApplied(task.ID, applied)

		case frameCommit:
			task.setState(TaskCommit)
			if err := m.state.CommitMigration(task.SrcName, task.DstName, &task.Slots); err != nil {
				writeJSONFrame(conn, frameAck, ackPayload{Err: err.Error()}, m.cfg.Timeout)
				return err
			}
			if err := writeJSONFrame(conn, frameAck, ackPayload{}, m.cfg.Timeout); err != nil {
				return err
			}
			task.setState(TaskSucc)
			m.clearImportIntents(&task.Slots)
			m.log.Info("migration import committed", "task", task.ID,
				"src", task.SrcName)
			return nil

		default:
			return fmt.Errorf("unexpected frame type %d", ft)
		}
	}
}

// applyEntries writes one batch or binlog frame atomically into its store.
func (m *Manager) applyEntries(ft frameType, payload []byte) (int, error) {
	storeID, entries, err := decodeEntriesPayload(payload)
	if err != nil {
		return 0, err
	}
	if storeID >= uint32(m.engine.StoreCount()) {
		return 0, fmt.Errorf("store %d out of range", storeID)
	}
	store := m.engine.Store(storeID)

	if ft == frameBatch {
		batch := make([]storage.Entry, len(entries))
		for i, en := range entries {
			batch[i] = storage.Entry{Slot: en.Slot, Key: en.Key, Value: en.Value}
		}
		if err := store.ApplyBatch(batch); err != nil {
			return 0, err
		}
		return len(entries), nil
	}

	// Binlog entries replay in sent order, preserving deletes.
	for _, en := range entries {
		switch en.Op {
		case storage.OpSet:
			if err := store.SetKV(en.Slot, en.Key, en.Value); err != nil {
				return 0, err
			}
		case storage.OpDel:
			if err := store.DelKV(en.Slot, en.Key); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("unknown binlog op %d", en.Op)
		}
	}
	return len(entries), nil
}
