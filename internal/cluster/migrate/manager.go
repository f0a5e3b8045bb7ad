package migrate

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/metrics"
	"github.com/Shei254/novadb/internal/storage"
	"github.com/Shei254/novadb/pkg/errors"
)

// Config tunes the migration manager.
type Config struct {
	ListenAddr         string
	BatchSizeKB        int
	RateLimitMB        int
	Timeout            time.Duration
	SenderWorkers      int
	ReceiverWorkers    int
	WaitTimeIfExists   time.Duration
	SlaveReconfEnabled bool
}

// Observer receives notifications at the sender and receiver flush
// boundaries. The test harness registers one to count sent vs received
// keys.
type Observer interface {
	BatchSent(taskID string, keys int)
	BatchApplied(taskID string, keys int)
}

// taskMetaPrefix keys the persisted checkpoints in store 0.
const taskMetaPrefix = "migrate-task:"

// Manager owns both directions of slot migration on one node: the sender
// pool streaming slots out and the receiver pool applying inbound streams.
type Manager struct {
	state  *cluster.State
	engine *storage.Engine
	cfg    Config

	limiter      *rate.Limiter
	senderPool   *workerPool
	receiverPool *workerPool

	mu        sync.RWMutex
	sending   map[string]*Task // sender-side tasks by id
	importing map[string]*Task // receiver-side tasks by id
	waiting   map[string]bool  // sender tasks queued but not yet running

	// Slot intents, consulted by the router for ASK decisions.
	migratingTo   map[uint16]string // slot -> dst node name
	importingFrom map[uint16]string // slot -> src node name
	frozen        map[uint16]bool   // commit reached: writes rejected

	gcNotify func(cluster.SlotBitmap)
	observer Observer

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      hclog.Logger
}

// NewManager wires the manager to the cluster state and storage engine.
func NewManager(state *cluster.State, engine *storage.Engine, cfg Config, logger hclog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	var limiter *rate.Limiter
	if cfg.RateLimitMB > 0 {
		bps := cfg.RateLimitMB << 20
		limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}
	return &Manager{
		state:         state,
		engine:        engine,
		cfg:           cfg,
		limiter:       limiter,
		senderPool:    newWorkerPool("migrate-sender", cfg.SenderWorkers, 1024),
		receiverPool:  newWorkerPool("migrate-receiver", cfg.ReceiverWorkers, 1024),
		sending:       make(map[string]*Task),
		importing:     make(map[string]*Task),
		waiting:       make(map[string]bool),
		migratingTo:   make(map[uint16]string),
		importingFrom: make(map[uint16]string),
		frozen:        make(map[uint16]bool),
		ctx:           ctx,
		cancel:        cancel,
		log:           logger.Named("migrate"),
	}
}

// SetObserver registers the flush-boundary observer.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// SetGCNotify registers the callback fired with the committed slot bitmap
// once a sender task succeeds.
func (m *Manager) SetGCNotify(fn func(cluster.SlotBitmap)) {
	m.mu.Lock()
	m.gcNotify = fn
	m.mu.Unlock()
}

// SlaveReconfEnabled reports whether destination slaves may reattach
// autonomously after a commit.
func (m *Manager) SlaveReconfEnabled() bool { return m.cfg.SlaveReconfEnabled }

// Start binds the migration listener and starts accepting inbound streams.
// Task checkpoints persisted by an earlier process are not reloaded.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("migrate listen on %s: %w", m.cfg.ListenAddr, err)
	}
	m.listener = ln
	m.log.Info("migration listener up", "addr", ln.Addr().String())

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// ListenAddr returns the bound migration stream address.
func (m *Manager) ListenAddr() string {
	if m.listener == nil {
		return m.cfg.ListenAddr
	}
	return m.listener.Addr().String()
}

// Stop closes the listener and freezes every running task.
func (m *Manager) Stop() error {
	m.StopAll()
	m.cancel()
	if m.listener != nil {
		m.listener.Close()
	}
	m.senderPool.Close()
	m.receiverPool.Close()
	m.wg.Wait()
	return nil
}

// ResizeSenderPool adjusts the sender worker count at runtime.
func (m *Manager) ResizeSenderPool(n int) { m.senderPool.Resize(n) }

// ResizeReceiverPool adjusts the receiver worker count at runtime.
func (m *Manager) ResizeReceiverPool(n int) { m.receiverPool.Resize(n) }

// Migrate is the sender-side entry (CLUSTER SETSLOT MIGRATING): create a
// task for slots bound to dstName and queue it.
func (m *Manager) Migrate(dstName string, slots []uint16) (string, error) {
	dst, ok := m.state.LookupNode(dstName)
	if !ok {
		return "", errors.ErrUnknownNode
	}
	myName := m.state.MyName()

	var bm cluster.SlotBitmap
	m.mu.Lock()
	for _, slot := range slots {
		if owner := m.state.SlotOwnerName(slot); owner != myName {
			m.mu.Unlock()
			return "", fmt.Errorf("slot %d not owned by this node", slot)
		}
		if _, busy := m.migratingTo[slot]; busy {
			m.mu.Unlock()
			return "", errors.ErrTaskExists
		}
		bm.Set(slot)
	}
	task := newTask(NewTaskID(), myName, dstName, migrateAddrFor(dst), bm)
	task.setState(TaskStart)
	m.sending[task.ID] = task
	m.waiting[task.ID] = true
	for _, slot := range slots {
		m.migratingTo[slot] = dstName
	}
	m.mu.Unlock()

	m.persistTask(task)
	m.enqueue(task)
	m.log.Info("migration task created", "task", task.ID, "dst", dstName,
		"slots", bm.Count())
	return task.ID, nil
}

// Import is the receiver-side intent (CLUSTER SETSLOT IMPORTING): record
// which source each slot is expected from.
func (m *Manager) Import(srcName string, slots []uint16) error {
	if _, ok := m.state.LookupNode(srcName); !ok {
		return errors.ErrUnknownNode
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slot := range slots {
		m.importingFrom[slot] = srcName
	}
	return nil
}

func (m *Manager) enqueue(task *Task) {
	ok := m.senderPool.Submit(func() {
		m.mu.Lock()
		delete(m.waiting, task.ID)
		m.mu.Unlock()
		m.runSenderTask(task)
	})
	if !ok {
		task.fail(fmt.Errorf("sender queue full"))
	}
}

// StopTask freezes one task. With receiverOnly, only the receiving side
// is stopped: waiting sender tasks stay queued and must be stopped
// explicitly.
func (m *Manager) StopTask(taskID string, receiverOnly bool) error {
	m.mu.RLock()
	snd := m.sending[taskID]
	rcv := m.importing[taskID]
	m.mu.RUnlock()
	if snd == nil && rcv == nil {
		return errors.ErrTaskNotFound
	}
	if rcv != nil {
		rcv.stop()
	}
	if snd != nil && !receiverOnly {
		snd.stop()
	}
	m.log.Info("migration task stop requested", "task", taskID,
		"receiverOnly", receiverOnly)
	return nil
}

// StopAll freezes every task on both sides.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.sending {
		t.stop()
	}
	for _, t := range m.importing {
		t.stop()
	}
}

// Restart resumes one stopped sender task from its last checkpoint.
func (m *Manager) Restart(taskID string) error {
	m.mu.RLock()
	task := m.sending[taskID]
	m.mu.RUnlock()
	if task == nil {
		return errors.ErrTaskNotFound
	}
	if task.State() != TaskStopped {
		return fmt.Errorf("task %s not stopped (state %s)", taskID, task.State())
	}
	task.rearm()
	m.mu.Lock()
	m.waiting[taskID] = true
	m.mu.Unlock()
	m.enqueue(task)
	m.log.Info("migration task restarted", "task", taskID)
	return nil
}

// RestartAll resumes every stopped sender task.
func (m *Manager) RestartAll() int {
	m.mu.RLock()
	var stopped []*Task
	for _, t := range m.sending {
		if t.State() == TaskStopped {
			stopped = append(stopped, t)
		}
	}
	m.mu.RUnlock()
	for _, t := range stopped {
		m.Restart(t.ID)
	}
	return len(stopped)
}

// MigratingCount returns the number of live sender tasks.
func (m *Manager) MigratingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, t := range m.sending {
		switch t.State() {
		case TaskStart, TaskSnapshot, TaskBinlog, TaskCommit:
			count++
		}
	}
	return count
}

// ImportingCount returns the number of live receiver tasks.
func (m *Manager) ImportingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, t := range m.importing {
		switch t.State() {
		case TaskStart, TaskSnapshot, TaskBinlog, TaskCommit:
			count++
		}
	}
	return count
}

// TaskNum counts the live work of one task across both sides. Waiting
// sender work counts unless ignoreWaiting.
func (m *Manager) TaskNum(taskID string, ignoreWaiting bool) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	if t, ok := m.sending[taskID]; ok {
		switch t.State() {
		case TaskStart, TaskSnapshot, TaskBinlog, TaskCommit:
			if !(ignoreWaiting && m.waiting[taskID]) {
				count++
			}
		}
	}
	if t, ok := m.importing[taskID]; ok {
		switch t.State() {
		case TaskStart, TaskSnapshot, TaskBinlog, TaskCommit:
			count++
		}
	}
	return count
}

// Task returns a sender or receiver task by id.
func (m *Manager) Task(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.sending[taskID]; ok {
		return t, true
	}
	t, ok := m.importing[taskID]
	return t, ok
}

// Tasks lists every known task, sender side first.
func (m *Manager) Tasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.sending)+len(m.importing))
	for _, t := range m.sending {
		out = append(out, t)
	}
	for _, t := range m.importing {
		out = append(out, t)
	}
	return out
}

// MigratingTarget reports the destination for a slot being migrated out,
// and whether the commit point has been passed (writes rejected).
func (m *Manager) MigratingTarget(slot uint16) (dst string, frozen, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dst, ok = m.migratingTo[slot]
	return dst, m.frozen[slot], ok
}

// ImportingSource reports the expected source for a slot being imported.
func (m *Manager) ImportingSource(slot uint16) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.importingFrom[slot]
	return src, ok
}

func (m *Manager) freezeSlots(bm *cluster.SlotBitmap) {
	m.mu.Lock()
	for _, slot := range bm.Slots() {
		m.frozen[slot] = true
	}
	m.mu.Unlock()
}

func (m *Manager) clearSenderIntents(bm *cluster.SlotBitmap) {
	m.mu.Lock()
	for _, slot := range bm.Slots() {
		delete(m.migratingTo, slot)
		delete(m.frozen, slot)
	}
	m.mu.Unlock()
}

func (m *Manager) clearImportIntents(bm *cluster.SlotBitmap) {
	m.mu.Lock()
	for _, slot := range bm.Slots() {
		delete(m.importingFrom, slot)
	}
	m.mu.Unlock()
}

// persistTask checkpoints a task into store 0's metadata space.
func (m *Manager) persistTask(t *Task) {
	if err := m.engine.Store(0).PutMeta(taskMetaPrefix+t.ID, t.marshal()); err != nil {
		m.log.Error("task checkpoint failed", "task", t.ID, "error", err)
	}
}

func (m *Manager) dropTaskMeta(t *Task) {
	if err := m.engine.Store(0).DelMeta(taskMetaPrefix + t.ID); err != nil &&
		err != errors.ErrKeyNotFound {
		m.log.Warn("task checkpoint cleanup failed", "task", t.ID, "error", err)
	}
}

func (m *Manager) notifyObserverSent(taskID string, keys int) {
	m.mu.RLock()
	o := m.observer
	m.mu.RUnlock()
	if o != nil {
		o.BatchSent(taskID, keys)
	}
}

func (m *Manager) notifyObserverApplied(taskID string, keys int) {
	m.mu.RLock()
	o := m.observer
	m.mu.RUnlock()
	if o != nil {
		o.BatchApplied(taskID, keys)
	}
}

// waitIfTaskExists gates new task starts while another sender task runs,
// up to the configured bound.
func (m *Manager) waitIfTaskExists(t *Task) {
	deadline := time.Now().Add(m.cfg.WaitTimeIfExists)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		busy := false
		for id, other := range m.sending {
			if id == t.ID {
				continue
			}
			switch other.State() {
			case TaskSnapshot, TaskBinlog, TaskCommit:
				busy = true
			}
		}
		m.mu.RUnlock()
		if !busy || t.stopRequested() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// migrateAddrFor derives a node's migration stream address from its bus
// port: the stream listens one port above the bus.
func migrateAddrFor(n *cluster.Node) string {
	return fmt.Sprintf("%s:%d", n.IP, n.CPort+1)
}

func (m *Manager) updateTaskGauges() {
	counts := make(map[string]int)
	m.mu.RLock()
	for _, t := range m.sending {
		counts[t.State().String()]++
	}
	m.mu.RUnlock()
	for _, st := range []TaskState{TaskStart, TaskSnapshot, TaskBinlog, TaskCommit, TaskSucc, TaskFail, TaskStopped} {
		metrics.MigrationTasks.WithLabelValues(st.String()).Set(float64(counts[st.String()]))
	}
}

// Describe renders CLUSTER SETSLOT INFO lines.
func (m *Manager) Describe() string {
	var sb strings.Builder
	for _, t := range m.Tasks() {
		fmt.Fprintf(&sb, "task:%s src:%s dst:%s state:%s keys:%d bytes:%d age:%ds",
			t.ID, t.SrcName, t.DstName, t.State(), t.KeysSent(), t.BytesSent(),
			int(time.Since(t.createdAt).Seconds()))
		if lastErr := t.LastError(); lastErr != "" {
			fmt.Fprintf(&sb, " error:%s", lastErr)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
