package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// NodeFlags encode a node's role and liveness as gossiped.
type NodeFlags uint16

const (
	FlagMaster NodeFlags = 1 << iota
	FlagSlave
	FlagMyself
	FlagHandshake
	FlagMeet
	FlagPFail
	FlagFail
	FlagNoFailover
	FlagArbiter
	FlagNoAddr
)

func (f NodeFlags) String() string {
	var parts []string
	add := func(flag NodeFlags, name string) {
		if f&flag != 0 {
			parts = append(parts, name)
		}
	}
	add(FlagMyself, "myself")
	add(FlagMaster, "master")
	add(FlagSlave, "slave")
	add(FlagHandshake, "handshake")
	add(FlagPFail, "fail?")
	add(FlagFail, "fail")
	add(FlagNoFailover, "nofailover")
	add(FlagArbiter, "arbiter")
	if len(parts) == 0 {
		return "noflags"
	}
	return strings.Join(parts, ",")
}

// Node is one gossiped cluster member. Nodes live in the state's arena
// keyed by Name; slot ownership and fail reports reference the name, never
// the record, so a removed node simply stops resolving.
type Node struct {
	Name  string // 40 hex chars (160-bit id)
	IP    string
	Port  int
	CPort int

	Flags       NodeFlags
	ConfigEpoch uint64
	Slots       SlotBitmap
	MasterName  string // empty for masters

	// Gossip liveness timestamps, unix millis. Atomics: the gossip tick
	// and inbound handlers touch these concurrently without taking the
	// state lock.
	pingSent     atomic.Int64
	pongReceived atomic.Int64
	failReported atomic.Int64

	// Replication progress, used for election ranking and data-age.
	ReplOffset      atomic.Uint64
	lastReplInteract atomic.Int64
}

// GenerateNodeName produces a fresh 160-bit hex node id.
func GenerateNodeName() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Addr returns the client-facing address.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// BusAddr returns the cluster-bus address.
func (n *Node) BusAddr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.CPort)
}

// IsMaster reports whether the node carries the master flag.
func (n *Node) IsMaster() bool { return n.Flags&FlagMaster != 0 }

// IsSlave reports whether the node carries the slave flag.
func (n *Node) IsSlave() bool { return n.Flags&FlagSlave != 0 }

// IsArbiter reports whether the node is a voting-only arbiter.
func (n *Node) IsArbiter() bool { return n.Flags&FlagArbiter != 0 }

// Failed reports whether the node is confirmed FAIL.
func (n *Node) Failed() bool { return n.Flags&FlagFail != 0 }

// PFailed reports whether the node is locally suspected.
func (n *Node) PFailed() bool { return n.Flags&FlagPFail != 0 }

// InHandshake reports whether the node was learned via MEET and has not
// ponged yet.
func (n *Node) InHandshake() bool { return n.Flags&FlagHandshake != 0 }

// MarkPingSent records an outbound ping.
func (n *Node) MarkPingSent(now time.Time) {
	n.pingSent.Store(now.UnixMilli())
}

// MarkPongReceived records an inbound pong and clears the outstanding ping.
func (n *Node) MarkPongReceived(now time.Time) {
	n.pongReceived.Store(now.UnixMilli())
	n.pingSent.Store(0)
}

// PingSent returns the outstanding ping timestamp, zero if none.
func (n *Node) PingSent() int64 { return n.pingSent.Load() }

// PongReceived returns the last pong timestamp.
func (n *Node) PongReceived() int64 { return n.pongReceived.Load() }

// MarkReplInteraction records a successful replication exchange with the
// master; the data-age election gate reads it.
func (n *Node) MarkReplInteraction(now time.Time) {
	n.lastReplInteract.Store(now.UnixMilli())
}

// LastReplInteraction returns the last replication exchange timestamp.
func (n *Node) LastReplInteraction() int64 { return n.lastReplInteract.Load() }
