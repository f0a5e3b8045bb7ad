// Package router decides where a client command runs: locally, or
// redirected with MOVED/ASK, or rejected as CROSSSLOT.
package router

import (
	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/hash"
)

// RedirectType indicates the redirect reason.
type RedirectType int

const (
	RedirectMoved RedirectType = iota
	RedirectAsk
)

// Redirect contains redirection details for MOVED/ASK replies.
type Redirect struct {
	Type RedirectType
	Slot uint16
	Addr string
}

// RouteResult is the routing decision for one command.
type RouteResult struct {
	Local       bool
	Redirect    *Redirect
	CrossSlot   bool
	ClusterDown bool
	Slot        uint16
}

// MigrationView is the slice of the migration manager the router needs.
type MigrationView interface {
	MigratingTarget(slot uint16) (dst string, frozen, ok bool)
	ImportingSource(slot uint16) (src string, ok bool)
}

// Config captures the routing policy knobs.
type Config struct {
	AllowCrossSlot bool
	SingleNode     bool
}

// Router routes keys against the cluster state and migration intents.
type Router struct {
	state     *cluster.State
	migration MigrationView
	cfg       Config
}

// NewRouter builds a router.
func NewRouter(state *cluster.State, migration MigrationView, cfg Config) *Router {
	return &Router{state: state, migration: migration, cfg: cfg}
}

// Route resolves a single-key command. asking reflects a preceding ASKING
// command; readonly marks the session's READONLY flag; write marks
// mutating commands.
func (r *Router) Route(key []byte, asking, readonly, write bool) RouteResult {
	slot := hash.KeySlot(string(key))
	return r.routeSlot(slot, asking, readonly, write)
}

func (r *Router) routeSlot(slot uint16, asking, readonly, write bool) RouteResult {
	myself := r.state.Myself()

	// Slaves never serve writes, and serve reads only under READONLY,
	// redirecting to their master otherwise.
	if myself.IsSlave() {
		if !write && readonly {
			return RouteResult{Local: true, Slot: slot}
		}
		if master, ok := r.state.LookupNode(myself.MasterName); ok {
			return RouteResult{
				Redirect: &Redirect{Type: RedirectMoved, Slot: slot, Addr: master.Addr()},
				Slot:     slot,
			}
		}
		return RouteResult{ClusterDown: true, Slot: slot}
	}

	owner := r.state.NodeBySlot(slot)
	if owner == nil {
		return RouteResult{ClusterDown: true, Slot: slot}
	}

	if owner.Name == myself.Name {
		// Slots past the migration commit point no longer accept
		// writes here; send the client onward.
		if r.migration != nil {
			if dstName, frozen, ok := r.migration.MigratingTarget(slot); ok && frozen && write {
				if dst, found := r.state.LookupNode(dstName); found {
					return RouteResult{
						Redirect: &Redirect{Type: RedirectAsk, Slot: slot, Addr: dst.Addr()},
						Slot:     slot,
					}
				}
			}
		}
		return RouteResult{Local: true, Slot: slot}
	}

	// Not the owner: an importing node serves the key only under ASKING.
	if asking && r.migration != nil {
		if _, ok := r.migration.ImportingSource(slot); ok {
			return RouteResult{Local: true, Slot: slot}
		}
	}

	return RouteResult{
		Redirect: &Redirect{Type: RedirectMoved, Slot: slot, Addr: owner.Addr()},
		Slot:     slot,
	}
}

// RouteMulti resolves a multi-key command, enforcing the cross-slot
// policy before routing.
func (r *Router) RouteMulti(keys [][]byte, asking, readonly, write bool) RouteResult {
	if len(keys) == 0 {
		return RouteResult{Local: true}
	}
	slots := make(map[uint16]bool)
	first := hash.KeySlot(string(keys[0]))
	for _, key := range keys {
		slots[hash.KeySlot(string(key))] = true
	}
	if len(slots) == 1 {
		return r.routeSlot(first, asking, readonly, write)
	}

	// Single-node clusters (one master plus arbiters) always permit
	// cross-slot access.
	if !r.cfg.AllowCrossSlot && !r.cfg.SingleNode {
		return RouteResult{CrossSlot: true, Slot: first}
	}

	for slot := range slots {
		res := r.routeSlot(slot, asking, readonly, write)
		if res.ClusterDown || res.Redirect != nil {
			return res
		}
	}
	return RouteResult{Local: true, Slot: first}
}
