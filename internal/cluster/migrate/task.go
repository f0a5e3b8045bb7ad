// Package migrate moves slot ownership and data between nodes: a
// snapshot stream, a binlog tail, and an epoch-bumping commit, with
// resumable per-store checkpoints.
package migrate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/Shei254/novadb/internal/cluster"
)

// TaskState is the migration pipeline state.
type TaskState int

const (
	TaskNone TaskState = iota
	TaskStart
	TaskSnapshot
	TaskBinlog
	TaskCommit
	TaskSucc
	TaskFail
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskNone:
		return "NONE"
	case TaskStart:
		return "START"
	case TaskSnapshot:
		return "SNAPSHOT"
	case TaskBinlog:
		return "BINLOG"
	case TaskCommit:
		return "COMMIT"
	case TaskSucc:
		return "SUCC"
	case TaskFail:
		return "FAIL"
	case TaskStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// taskIDLen is the length of the opaque task identifier.
const taskIDLen = 42

// NewTaskID generates a fresh opaque task id.
func NewTaskID() string {
	b := make([]byte, taskIDLen/2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// StoreProgress is the resumable checkpoint of one store's sub-task.
type StoreProgress struct {
	SnapshotDone bool   `json:"snapshot_done"`
	LastSlot     uint16 `json:"last_slot"`
	LastKey      []byte `json:"last_key,omitempty"`
	BinlogSeq    uint64 `json:"binlog_seq"`
}

// Task is one slot-transfer job. Sender and receiver each hold their own
// record under the same id.
type Task struct {
	ID      string
	SrcName string
	DstName string
	DstAddr string
	Slots   cluster.SlotBitmap

	mu        sync.Mutex
	state     TaskState
	lastError string
	progress  map[uint32]*StoreProgress
	bytesSent uint64
	keysSent  uint64
	createdAt time.Time

	stopCh chan struct{}
}

func newTask(id, srcName, dstName, dstAddr string, slots cluster.SlotBitmap) *Task {
	return &Task{
		ID:        id,
		SrcName:   srcName,
		DstName:   dstName,
		DstAddr:   dstAddr,
		Slots:     slots,
		state:     TaskNone,
		progress:  make(map[uint32]*StoreProgress),
		createdAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// State returns the task state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// LastError returns the most recent failure detail.
func (t *Task) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.state = TaskFail
	t.lastError = err.Error()
	t.mu.Unlock()
}

// BytesSent returns the bytes shipped so far.
func (t *Task) BytesSent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesSent
}

// KeysSent returns the keys shipped so far.
func (t *Task) KeysSent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keysSent
}

func (t *Task) addSent(keys, bytes uint64) {
	t.mu.Lock()
	t.keysSent += keys
	t.bytesSent += bytes
	t.mu.Unlock()
}

// storeProgress returns the checkpoint for one store, creating it lazily.
func (t *Task) storeProgress(storeID uint32) *StoreProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.progress[storeID]
	if !ok {
		p = &StoreProgress{}
		t.progress[storeID] = p
	}
	return p
}

// stopRequested reports whether a stop was requested.
func (t *Task) stopRequested() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// rearm replaces a consumed stop channel before a restart.
func (t *Task) rearm() {
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	t.mu.Unlock()
}

func (t *Task) stop() {
	t.mu.Lock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.mu.Unlock()
}

// persistedTask is the durable checkpoint form.
type persistedTask struct {
	ID       string                    `json:"id"`
	SrcName  string                    `json:"src"`
	DstName  string                    `json:"dst"`
	DstAddr  string                    `json:"dst_addr"`
	Slots    string                    `json:"slots"`
	State    int                       `json:"state"`
	Progress map[uint32]*StoreProgress `json:"progress"`
}

func (t *Task) marshal() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, _ := json.Marshal(persistedTask{
		ID:       t.ID,
		SrcName:  t.SrcName,
		DstName:  t.DstName,
		DstAddr:  t.DstAddr,
		Slots:    t.Slots.String(),
		State:    int(t.state),
		Progress: t.progress,
	})
	return data
}

func unmarshalTask(data []byte) (*Task, error) {
	var pt persistedTask
	if err := json.Unmarshal(data, &pt); err != nil {
		return nil, err
	}
	bm, err := cluster.ParseSlotText(pt.Slots)
	if err != nil {
		return nil, err
	}
	t := newTask(pt.ID, pt.SrcName, pt.DstName, pt.DstAddr, *bm)
	t.state = TaskState(pt.State)
	if pt.Progress != nil {
		t.progress = pt.Progress
	}
	return t, nil
}
