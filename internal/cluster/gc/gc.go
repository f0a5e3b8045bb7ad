// Package gc reclaims the local copy of slots whose ownership has left
// this node, without stalling foreground serving.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/metrics"
	"github.com/Shei254/novadb/internal/storage"
)

// DeleteRangeTask is one coalesced range-delete: consecutive slots of a
// single store.
type DeleteRangeTask struct {
	StoreID   uint32
	SlotStart uint16
	SlotEnd   uint16
}

// Config tunes the sweeper.
type Config struct {
	// WaitTimeAfterMigrate is the pause between range-deletes, yielding
	// CPU and I/O to foreground traffic.
	WaitTimeAfterMigrate time.Duration
	// DeleteFilesInRange additionally drops the slot prefixes so the
	// engine frees their files.
	DeleteFilesInRange bool
	// CompactAfter runs a compaction once a sweep finishes.
	CompactAfter bool
}

// Manager aggregates slots pending deletion and sweeps them in paced,
// coalesced range-deletes.
type Manager struct {
	engine *storage.Engine
	state  *cluster.State
	cfg    Config

	mu       sync.Mutex
	deleting cluster.SlotBitmap
	inFlight cluster.SlotBitmap

	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    hclog.Logger
}

// NewManager builds the GC manager.
func NewManager(engine *storage.Engine, state *cluster.State, cfg Config, logger hclog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine: engine,
		state:  state,
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Named("gc"),
	}
}

// Start launches the sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.controlRoutine()
}

// Stop halts the sweeper.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// EnqueueSlots schedules a committed migration's slots for deletion. The
// migration manager calls this with the task's bitmap.
func (m *Manager) EnqueueSlots(bm cluster.SlotBitmap) {
	m.mu.Lock()
	for _, slot := range bm.Slots() {
		m.deleting.Set(slot)
	}
	pending := m.deleting.Count()
	m.mu.Unlock()
	metrics.GCSlotsPending.Set(float64(pending))

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// IsDeletingSlot reports whether any pending or in-flight range covers
// slot.
func (m *Manager) IsDeletingSlot(slot uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleting.Test(slot) || m.inFlight.Test(slot)
}

// IsDeleting reports whether any reclamation work is outstanding.
func (m *Manager) IsDeleting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.deleting.Empty() || !m.inFlight.Empty()
}

func (m *Manager) controlRoutine() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wakeCh:
		case <-ticker.C:
		}
		m.sweep()
	}
}

// sweep takes the current pending bitmap and deletes it range by range.
func (m *Manager) sweep() {
	m.mu.Lock()
	if m.deleting.Empty() {
		m.mu.Unlock()
		return
	}
	batch := m.deleting
	m.inFlight = m.deleting
	m.deleting = cluster.SlotBitmap{}
	m.mu.Unlock()

	// Slots that came back to this node since enqueueing are skipped:
	// GC never touches owned slots.
	safe := cluster.SlotBitmap{}
	myName := m.state.MyName()
	for _, slot := range batch.Slots() {
		if m.state.SlotOwnerName(slot) != myName {
			safe.Set(slot)
		}
	}

	tasks := GenerateDeleteRangeTask(m.engine.StoreCount(), &safe)
	for _, task := range tasks {
		if m.ctx.Err() != nil {
			break
		}
		if err := m.deleteSlots(task); err != nil {
			m.log.Error("range delete failed", "store", task.StoreID,
				"start", task.SlotStart, "end", task.SlotEnd, "error", err)
			// Re-queue the failed range for the next sweep.
			m.mu.Lock()
			for s := task.SlotStart; ; s++ {
				if m.engine.StoreIDForSlot(s) == task.StoreID {
					m.deleting.Set(s)
				}
				if s == task.SlotEnd {
					break
				}
			}
			m.mu.Unlock()
			continue
		}
		metrics.GCRangesDeleted.Inc()
		select {
		case <-m.ctx.Done():
		case <-time.After(m.cfg.WaitTimeAfterMigrate):
		}
	}

	if m.cfg.CompactAfter {
		for storeID := 0; storeID < m.engine.StoreCount(); storeID++ {
			if err := m.engine.Store(uint32(storeID)).Flatten(); err != nil {
				m.log.Warn("compact after gc failed", "store", storeID, "error", err)
			}
		}
	}

	m.mu.Lock()
	m.inFlight = cluster.SlotBitmap{}
	pending := m.deleting.Count()
	m.mu.Unlock()
	metrics.GCSlotsPending.Set(float64(pending))
}

func (m *Manager) deleteSlots(task DeleteRangeTask) error {
	m.log.Debug("deleting slot range", "store", task.StoreID,
		"start", task.SlotStart, "end", task.SlotEnd)
	return m.engine.Store(task.StoreID).DeleteRange(
		task.SlotStart, task.SlotEnd, m.cfg.DeleteFilesInRange)
}

// GenerateDeleteRangeTask coalesces the bitmap into per-store contiguous
// ranges. Within one store, a range covers consecutive slots of that
// store even when slots of other stores interleave the global numbering;
// the union of the generated ranges restricted to each store equals the
// input exactly.
func GenerateDeleteRangeTask(storeCount int, bm *cluster.SlotBitmap) []DeleteRangeTask {
	var tasks []DeleteRangeTask
	for storeID := 0; storeID < storeCount; storeID++ {
		var start, prev int = -1, -1
		for slot := storeID; slot < cluster.SlotCount; slot += storeCount {
			if bm.Test(uint16(slot)) {
				if start < 0 {
					start = slot
				}
				prev = slot
				continue
			}
			if start >= 0 {
				tasks = append(tasks, DeleteRangeTask{
					StoreID:   uint32(storeID),
					SlotStart: uint16(start),
					SlotEnd:   uint16(prev),
				})
				start, prev = -1, -1
			}
		}
		if start >= 0 {
			tasks = append(tasks, DeleteRangeTask{
				StoreID:   uint32(storeID),
				SlotStart: uint16(start),
				SlotEnd:   uint16(prev),
			})
		}
	}
	return tasks
}
