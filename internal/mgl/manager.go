package mgl

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Shei254/novadb/pkg/errors"
)

// shardNum is the number of independent lock shards. Must be a power of two.
const shardNum = 32

// MGLock is a scoped lock acquisition. It is returned in OK state by
// LockMgr.Lock and must be released with Unlock on every exit path.
type MGLock struct {
	id     uint64
	target string
	hash   uint64
	mode   LockMode
	holder string

	mgr    *LockMgr
	status LockStatus
	elem   *list.Element
	ready  chan struct{}
}

// Target returns the locked target.
func (l *MGLock) Target() string { return l.target }

// Mode returns the lock mode.
func (l *MGLock) Mode() LockMode { return l.mode }

func (l *MGLock) String() string {
	return fmt.Sprintf("id:%d target:%s mode:%s holder:%s", l.id, l.target, l.mode, l.holder)
}

// schedCtx schedules all lock requests against one target. Requests run
// FIFO-with-compatibility: a request joins the running set only if it
// conflicts with no running mode and nothing is pending ahead of it.
type schedCtx struct {
	runningModes uint16
	pendingModes uint16
	runningRef   [lockModeNum]int
	pendingRef   [lockModeNum]int
	running      *list.List
	pending      *list.List
}

func newSchedCtx() *schedCtx {
	return &schedCtx{running: list.New(), pending: list.New()}
}

func (c *schedCtx) lock(lk *MGLock) {
	if isConflict(c.runningModes, lk.mode) || c.pending.Len() > 0 {
		lk.elem = c.pending.PushBack(lk)
		c.incrPendingRef(lk.mode)
		lk.status = LockStatusWait
	} else {
		lk.elem = c.running.PushBack(lk)
		c.incrRunningRef(lk.mode)
		lk.status = LockStatusOK
	}
}

// schedPending promotes pending requests in enqueue order, stopping at the
// first one that conflicts with the running set. Stopping instead of
// skipping keeps waiting writers from starving behind a stream of readers.
func (c *schedCtx) schedPending() {
	for e := c.pending.Front(); e != nil; {
		lk := e.Value.(*MGLock)
		if isConflict(c.runningModes, lk.mode) {
			break
		}
		next := e.Next()
		c.pending.Remove(e)
		c.decPendingRef(lk.mode)
		lk.elem = c.running.PushBack(lk)
		c.incrRunningRef(lk.mode)
		lk.status = LockStatusOK
		select {
		case lk.ready <- struct{}{}:
		default:
		}
		e = next
	}
}

// unlock removes lk from whichever list holds it and promotes waiters.
// Returns true when the context holds no requests and can be dropped.
func (c *schedCtx) unlock(lk *MGLock) bool {
	switch lk.status {
	case LockStatusOK:
		c.running.Remove(lk.elem)
		c.decRunningRef(lk.mode)
	case LockStatusWait:
		c.pending.Remove(lk.elem)
		c.decPendingRef(lk.mode)
	default:
		panic(fmt.Sprintf("unlock in state %d: %s", lk.status, lk))
	}
	lk.status = LockStatusUninited
	lk.elem = nil
	c.schedPending()
	return c.pending.Len() == 0 && c.running.Len() == 0
}

func (c *schedCtx) incrRunningRef(mode LockMode) {
	c.runningRef[mode]++
	if c.runningRef[mode] == 1 {
		c.runningModes |= 1 << mode
	}
}

func (c *schedCtx) decRunningRef(mode LockMode) {
	c.runningRef[mode]--
	if c.runningRef[mode] == 0 {
		c.runningModes &^= 1 << mode
	}
}

func (c *schedCtx) incrPendingRef(mode LockMode) {
	c.pendingRef[mode]++
	if c.pendingRef[mode] == 1 {
		c.pendingModes |= 1 << mode
	}
}

func (c *schedCtx) decPendingRef(mode LockMode) {
	c.pendingRef[mode]--
	if c.pendingRef[mode] == 0 {
		c.pendingModes &^= 1 << mode
	}
}

type lockShard struct {
	mu      sync.Mutex
	targets map[string]*schedCtx
}

// LockMgr arbitrates lock requests across hash-sharded targets. Each shard
// carries its own mutex and queue map so unrelated targets never contend.
type LockMgr struct {
	shards [shardNum]lockShard
	idGen  atomic.Uint64
	log    hclog.Logger
}

// NewLockMgr creates a lock manager.
func NewLockMgr(logger hclog.Logger) *LockMgr {
	m := &LockMgr{log: logger.Named("mgl")}
	for i := range m.shards {
		m.shards[i].targets = make(map[string]*schedCtx)
	}
	return m
}

func targetHash(target string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(target))
	return h.Sum64()
}

func (m *LockMgr) shard(hash uint64) *lockShard {
	return &m.shards[hash&(shardNum-1)]
}

// Lock acquires target in mode, waiting up to timeout. On success the
// returned MGLock is in OK state; the caller owns its release. On timeout
// the request is withdrawn and errors.ErrLockTimeout is returned.
//
// Deadlock prevention is by ordering, not detection: callers taking
// multiple locks acquire them in ascending (store, chunk, key) order.
func (m *LockMgr) Lock(target string, mode LockMode, holder string, timeout time.Duration) (*MGLock, error) {
	lk := &MGLock{
		id:     m.idGen.Add(1),
		target: target,
		hash:   targetHash(target),
		mode:   mode,
		holder: holder,
		mgr:    m,
		ready:  make(chan struct{}, 1),
	}

	sh := m.shard(lk.hash)
	sh.mu.Lock()
	ctx, ok := sh.targets[target]
	if !ok {
		ctx = newSchedCtx()
		sh.targets[target] = ctx
	}
	ctx.lock(lk)
	granted := lk.status == LockStatusOK
	sh.mu.Unlock()

	if granted {
		return lk, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-lk.ready:
		return lk, nil
	case <-timer.C:
	}

	// The promotion may have raced the timer; recheck under the shard lock.
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if lk.status == LockStatusOK {
		return lk, nil
	}
	if ctx.unlock(lk) {
		delete(sh.targets, target)
	}
	m.log.Debug("lock wait timed out", "target", target, "mode", mode.String(), "holder", holder)
	return nil, errors.ErrLockTimeout
}

// Unlock releases lk and promotes any newly-compatible waiters.
func (l *MGLock) Unlock() {
	sh := l.mgr.shard(l.hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if l.status == LockStatusUninited {
		return
	}
	ctx, ok := sh.targets[l.target]
	if !ok {
		return
	}
	if ctx.unlock(l) {
		delete(sh.targets, l.target)
	}
}

// IsLocked reports whether any request currently runs or waits on target.
// Introspection only; no ordering guarantees.
func (m *LockMgr) IsLocked(target string) bool {
	sh := m.shard(targetHash(target))
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.targets[target]
	return ok
}

// LockList dumps every running and pending request across all shards.
func (m *LockMgr) LockList() []string {
	var out []string
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, ctx := range sh.targets {
			for e := ctx.running.Front(); e != nil; e = e.Next() {
				out = append(out, "running: {"+e.Value.(*MGLock).String()+"}")
			}
			for e := ctx.pending.Front(); e != nil; e = e.Next() {
				out = append(out, "pending: {"+e.Value.(*MGLock).String()+"}")
			}
		}
		sh.mu.Unlock()
	}
	return out
}
