package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Shei254/novadb/pkg/errors"
)

// Health is the cluster-level serving state.
type Health int

const (
	HealthDown Health = iota
	HealthOK
)

func (h Health) String() string {
	if h == HealthOK {
		return "ok"
	}
	return "fail"
}

// Options configures a State.
type Options struct {
	NodeTimeout         time.Duration
	RequireFullCoverage bool
	SlaveValidityFactor int
	ReplPingPeriod      time.Duration
	KVStoreCount        int
}

// State is the node's in-memory view of the cluster: the node arena, the
// slot-owner table and the epoch counters. One coarse RWMutex guards it;
// critical sections stay short, and the per-node gossip timestamps bypass
// it entirely (they are atomics on Node).
type State struct {
	mu sync.RWMutex

	myself *Node
	nodes  map[string]*Node

	// slotOwner maps each slot to the owning node's name, "" if unowned.
	slotOwner [SlotCount]string

	currentEpoch  uint64
	lastVoteEpoch uint64

	// failReports[target][reporter] = unix millis of the report.
	failReports map[string]map[string]int64

	opts Options

	onDirty func() // topology persistence hook
	log     hclog.Logger
}

// NewState builds a State around myself.
func NewState(myself *Node, opts Options, logger hclog.Logger) *State {
	s := &State{
		myself:      myself,
		nodes:       map[string]*Node{myself.Name: myself},
		failReports: make(map[string]map[string]int64),
		opts:        opts,
		log:         logger.Named("cluster"),
	}
	myself.Flags |= FlagMyself
	return s
}

// SetDirtyHook registers the topology persistence trigger, invoked after
// every mutation that must survive a restart.
func (s *State) SetDirtyHook(fn func()) {
	s.mu.Lock()
	s.onDirty = fn
	s.mu.Unlock()
}

func (s *State) markDirty() {
	if s.onDirty != nil {
		s.onDirty()
	}
}

// Myself returns this node's own record.
func (s *State) Myself() *Node { return s.myself }

// MyName returns this node's name.
func (s *State) MyName() string { return s.myself.Name }

// KVStoreCount returns the configured store count, exchanged during
// migration handshakes.
func (s *State) KVStoreCount() int { return s.opts.KVStoreCount }

// NodeTimeout returns the configured cluster-node-timeout.
func (s *State) NodeTimeout() time.Duration { return s.opts.NodeTimeout }

// LookupNode resolves a node name; the second result is false when the
// name is unknown (removed nodes simply stop resolving).
func (s *State) LookupNode(name string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[name]
	return n, ok
}

// NodeBySlot returns the owner of slot, nil if unowned or unknown.
func (s *State) NodeBySlot(slot uint16) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := s.slotOwner[slot]
	if name == "" {
		return nil
	}
	return s.nodes[name]
}

// SlotOwnerName returns the owning node name for slot, "" if unowned.
func (s *State) SlotOwnerName(slot uint16) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slotOwner[slot]
}

// AddNode inserts a node into the arena.
func (s *State) AddNode(n *Node) {
	s.mu.Lock()
	s.nodes[n.Name] = n
	s.markDirty()
	s.mu.Unlock()
}

// RemoveNode drops a node and every slot or fail-report reference to it.
func (s *State) RemoveNode(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, name)
	delete(s.failReports, name)
	for _, reports := range s.failReports {
		delete(reports, name)
	}
	for slot, owner := range s.slotOwner {
		if owner == name {
			s.slotOwner[slot] = ""
		}
	}
	s.markDirty()
}

// Nodes snapshots the arena.
func (s *State) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// KnownNodeCount returns the number of nodes in the arena.
func (s *State) KnownNodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// AddSlot assigns slot to the named node.
func (s *State) AddSlot(name string, slot uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok {
		return errors.ErrUnknownNode
	}
	if prev := s.slotOwner[slot]; prev != "" && prev != name {
		if prevNode, ok := s.nodes[prev]; ok {
			prevNode.Slots.Clear(slot)
		}
	}
	s.slotOwner[slot] = name
	n.Slots.Set(slot)
	s.markDirty()
	return nil
}

// AddSlots assigns a batch of slots to the named node.
func (s *State) AddSlots(name string, slots []uint16) error {
	for _, slot := range slots {
		if err := s.AddSlot(name, slot); err != nil {
			return err
		}
	}
	return nil
}

// DelSlot clears a slot's ownership.
func (s *State) DelSlot(slot uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner := s.slotOwner[slot]; owner != "" {
		if n, ok := s.nodes[owner]; ok {
			n.Slots.Clear(slot)
		}
	}
	s.slotOwner[slot] = ""
	s.markDirty()
}

// CurrentEpoch returns the highest epoch this node has seen.
func (s *State) CurrentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentEpoch
}

// BumpEpoch advances currentEpoch and returns the new value. Called when
// this node initiates a vote or takes over slots.
func (s *State) BumpEpoch() uint64 {
	s.mu.Lock()
	s.currentEpoch++
	epoch := s.currentEpoch
	s.markDirty()
	s.mu.Unlock()
	return epoch
}

// ObserveEpoch lifts currentEpoch to at least epoch, preserving the
// invariant currentEpoch >= configEpoch of every known node.
func (s *State) ObserveEpoch(epoch uint64) {
	s.mu.Lock()
	if epoch > s.currentEpoch {
		s.currentEpoch = epoch
		s.markDirty()
	}
	s.mu.Unlock()
}

// LastVoteEpoch returns the epoch of this node's most recent vote.
func (s *State) LastVoteEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastVoteEpoch
}

// TryVote casts a failover vote for requester at epoch. A master votes at
// most once per epoch, never at an epoch at or below its last vote, and
// refuses when any claimed slot is owned by a master with a strictly
// higher configEpoch than the requester's master.
func (s *State) TryVote(requester string, epoch uint64, claimed *SlotBitmap) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.myself.IsMaster() && !s.myself.IsArbiter() {
		return false
	}
	if epoch <= s.lastVoteEpoch || epoch < s.currentEpoch {
		return false
	}
	req, ok := s.nodes[requester]
	if !ok {
		return false
	}
	master, ok := s.nodes[req.MasterName]
	if !ok {
		return false
	}
	for _, slot := range claimed.Slots() {
		owner := s.slotOwner[slot]
		if owner == "" || owner == master.Name {
			continue
		}
		if o, ok := s.nodes[owner]; ok && o.ConfigEpoch > master.ConfigEpoch {
			return false
		}
	}
	s.lastVoteEpoch = epoch
	if epoch > s.currentEpoch {
		s.currentEpoch = epoch
	}
	s.markDirty()
	return true
}

// MarkAsFailing sets the confirmed FAIL flag on a node.
func (s *State) MarkAsFailing(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok {
		return
	}
	n.Flags &^= FlagPFail
	n.Flags |= FlagFail
	n.failReported.Store(time.Now().UnixMilli())
	s.markDirty()
}

// ClearNodeFailureIfNeeded lifts FAIL from a node that is reachable again:
// immediately for slaves and slotless masters, and for slot-owning masters
// once the failure has aged past twice the node timeout without a takeover.
func (s *State) ClearNodeFailureIfNeeded(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok || !n.Failed() {
		return
	}
	clear := n.IsSlave() || n.Slots.Empty()
	if !clear {
		age := time.Now().UnixMilli() - n.failReported.Load()
		clear = age > 2*s.opts.NodeTimeout.Milliseconds()
	}
	if clear {
		n.Flags &^= FlagFail
		delete(s.failReports, name)
		s.markDirty()
	}
}

// AddFailReport records reporter's PFAIL suspicion of target. Reports
// older than the sliding window are dropped on read.
func (s *State) AddFailReport(target, reporter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports, ok := s.failReports[target]
	if !ok {
		reports = make(map[string]int64)
		s.failReports[target] = reports
	}
	reports[reporter] = time.Now().UnixMilli()
}

// FailReportCount counts distinct reporters of target inside the validity
// window (twice the node timeout).
func (s *State) FailReportCount(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := 2 * s.opts.NodeTimeout.Milliseconds()
	now := time.Now().UnixMilli()
	count := 0
	for reporter, ts := range s.failReports[target] {
		if now-ts > window {
			delete(s.failReports[target], reporter)
			continue
		}
		count++
	}
	return count
}

// VotingMasterCount counts the masters whose reports and votes carry
// weight: slot-owning masters plus arbiters.
func (s *State) VotingMasterCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votingMasterCountLocked()
}

func (s *State) votingMasterCountLocked() int {
	count := 0
	for _, n := range s.nodes {
		if n.IsMaster() && (!n.Slots.Empty() || n.IsArbiter()) {
			count++
		}
	}
	return count
}

// FailQuorumReached reports whether strictly more than half of the voting
// masters have reported target within the window.
func (s *State) FailQuorumReached(target string) bool {
	needed := s.VotingMasterCount()/2 + 1
	return s.FailReportCount(target) >= needed
}

// SetMyselfMaster turns this node into a master with no replication link.
func (s *State) SetMyselfMaster() {
	s.mu.Lock()
	s.myself.Flags &^= FlagSlave
	s.myself.Flags |= FlagMaster
	s.myself.MasterName = ""
	s.markDirty()
	s.mu.Unlock()
}

// SetMaster attaches myself to the named master as a replica. Replicas own
// no slots; any residue is cleared first.
func (s *State) SetMaster(masterName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[masterName]; !ok {
		return errors.ErrUnknownNode
	}
	for _, slot := range s.myself.Slots.Slots() {
		if s.slotOwner[slot] == s.myself.Name {
			s.slotOwner[slot] = ""
		}
		s.myself.Slots.Clear(slot)
	}
	s.myself.Flags &^= FlagMaster
	s.myself.Flags |= FlagSlave
	s.myself.MasterName = masterName
	s.markDirty()
	return nil
}

// SetArbiter marks myself as an arbiter: a slotless master that
// participates in fail detection and voting only.
func (s *State) SetArbiter() {
	s.mu.Lock()
	s.myself.Flags |= FlagMaster | FlagArbiter
	s.myself.Flags &^= FlagSlave
	s.markDirty()
	s.mu.Unlock()
}

// ReplicasOf lists the known replicas of a master, sorted by name for
// stable rank computation.
func (s *State) ReplicasOf(masterName string) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, n := range s.nodes {
		if n.IsSlave() && n.MasterName == masterName {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateSlotOwnership applies a gossiped ownership claim: owner claims
// every slot in bm at configEpoch. Slots whose current owner has a lower
// configEpoch move to the claimant. The returned bitmap holds slots where
// the local view has the higher (or tied) epoch and the sender is stale —
// the caller answers those with an UPDATE message.
func (s *State) UpdateSlotOwnership(ownerName string, configEpoch uint64, bm *SlotBitmap) (stale *SlotBitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.nodes[ownerName]
	if !ok {
		return nil
	}
	if configEpoch > owner.ConfigEpoch {
		owner.ConfigEpoch = configEpoch
	}
	if configEpoch > s.currentEpoch {
		s.currentEpoch = configEpoch
	}

	stale = &SlotBitmap{}
	changed := false
	for _, slot := range bm.Slots() {
		cur := s.slotOwner[slot]
		if cur == ownerName {
			continue
		}
		if cur == "" {
			s.slotOwner[slot] = ownerName
			owner.Slots.Set(slot)
			changed = true
			continue
		}
		curNode, exists := s.nodes[cur]
		switch {
		case !exists:
			s.slotOwner[slot] = ownerName
			owner.Slots.Set(slot)
			changed = true
		case configEpoch > curNode.ConfigEpoch:
			curNode.Slots.Clear(slot)
			s.slotOwner[slot] = ownerName
			owner.Slots.Set(slot)
			changed = true
		case configEpoch == curNode.ConfigEpoch && ownerName > cur:
			// Equal epochs: larger name wins the tie.
			curNode.Slots.Clear(slot)
			s.slotOwner[slot] = ownerName
			owner.Slots.Set(slot)
			changed = true
		default:
			// Local view wins; the sender needs an UPDATE.
			stale.Set(slot)
		}
	}
	if changed {
		s.markDirty()
	}
	if stale.Empty() {
		return nil
	}
	return stale
}

// HandleEpochCollision resolves a configEpoch tie between myself and
// sender: the lexicographically smaller name defers by bumping
// currentEpoch and adopting it as its own configEpoch.
func (s *State) HandleEpochCollision(sender *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.myself.IsMaster() || sender.ConfigEpoch != s.myself.ConfigEpoch {
		return
	}
	if s.myself.Name > sender.Name {
		return
	}
	s.currentEpoch++
	s.myself.ConfigEpoch = s.currentEpoch
	s.markDirty()
	s.log.Info("config epoch collision resolved",
		"sender", sender.Name, "newEpoch", s.currentEpoch)
}

// TakeOverSlots moves every slot of the named master to myself, raising
// myself's configEpoch above any conflicting claim. Used at failover
// VICTORY and manual TAKEOVER.
func (s *State) TakeOverSlots(fromName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.nodes[fromName]
	if !ok {
		return 0
	}
	maxEpoch := s.currentEpoch
	for _, n := range s.nodes {
		if n.ConfigEpoch > maxEpoch {
			maxEpoch = n.ConfigEpoch
		}
	}
	s.currentEpoch = maxEpoch + 1
	s.myself.ConfigEpoch = s.currentEpoch

	moved := 0
	for _, slot := range from.Slots.Slots() {
		from.Slots.Clear(slot)
		s.slotOwner[slot] = s.myself.Name
		s.myself.Slots.Set(slot)
		moved++
	}
	s.markDirty()
	return moved
}

// CommitMigration reassigns a committed task's slots to the destination at
// max(srcEpoch, dstEpoch)+1, on both endpoints.
func (s *State) CommitMigration(srcName, dstName string, bm *SlotBitmap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.nodes[srcName]
	if !ok {
		return errors.ErrUnknownNode
	}
	dst, ok := s.nodes[dstName]
	if !ok {
		return errors.ErrUnknownNode
	}
	epoch := src.ConfigEpoch
	if dst.ConfigEpoch > epoch {
		epoch = dst.ConfigEpoch
	}
	epoch++
	dst.ConfigEpoch = epoch
	if epoch > s.currentEpoch {
		s.currentEpoch = epoch
	}
	for _, slot := range bm.Slots() {
		if owner := s.slotOwner[slot]; owner != "" && owner != dstName {
			if o, ok := s.nodes[owner]; ok {
				o.Slots.Clear(slot)
			}
		}
		s.slotOwner[slot] = dstName
		dst.Slots.Set(slot)
	}
	s.markDirty()
	return nil
}

// IsOK recomputes cluster health: OK iff every slot has a live owner, or
// — without require-full-coverage — iff no owned slot belongs to a FAIL
// master.
func (s *State) IsOK() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for slot := 0; slot < SlotCount; slot++ {
		owner := s.slotOwner[slot]
		if owner == "" {
			if s.opts.RequireFullCoverage {
				return HealthDown
			}
			continue
		}
		if n, ok := s.nodes[owner]; !ok || n.Failed() {
			return HealthDown
		}
	}
	return HealthOK
}

// IsDataAgeTooLarge reports whether this slave's replication stream is too
// stale to stand for election:
// now - lastReplInteraction > nodeTimeout*validityFactor + replPingPeriod.
func (s *State) IsDataAgeTooLarge() bool {
	last := s.myself.LastReplInteraction()
	if last == 0 {
		return true
	}
	limit := s.opts.NodeTimeout.Milliseconds()*int64(s.opts.SlaveValidityFactor) +
		s.opts.ReplPingPeriod.Milliseconds()
	return time.Now().UnixMilli()-last > limit
}

// SlotsRange is one contiguous run of slots with its owner and replicas,
// as returned by CLUSTER SLOTS.
type SlotsRange struct {
	Start    uint16
	End      uint16
	Master   *Node
	Replicas []*Node
}

// SlotsReply produces the CLUSTER SLOTS ranges with a single scan of the
// 16384-entry table, grouping runs as it goes.
func (s *State) SlotsReply() []SlotsRange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	replicas := make(map[string][]*Node)
	for _, n := range s.nodes {
		if n.IsSlave() && n.MasterName != "" {
			replicas[n.MasterName] = append(replicas[n.MasterName], n)
		}
	}
	for _, reps := range replicas {
		sort.Slice(reps, func(i, j int) bool { return reps[i].Name < reps[j].Name })
	}

	var ranges []SlotsRange
	var cur *SlotsRange
	flush := func() {
		if cur != nil {
			ranges = append(ranges, *cur)
			cur = nil
		}
	}
	for slot := 0; slot < SlotCount; slot++ {
		owner := s.slotOwner[slot]
		if owner == "" {
			flush()
			continue
		}
		n, ok := s.nodes[owner]
		if !ok {
			flush()
			continue
		}
		if cur != nil && cur.Master.Name == owner {
			cur.End = uint16(slot)
			continue
		}
		flush()
		cur = &SlotsRange{
			Start:    uint16(slot),
			End:      uint16(slot),
			Master:   n,
			Replicas: replicas[owner],
		}
	}
	flush()
	return ranges
}

// Info returns the CLUSTER INFO fields.
func (s *State) Info() map[string]string {
	health := s.IsOK()
	s.mu.RLock()
	defer s.mu.RUnlock()
	assigned := 0
	for _, owner := range s.slotOwner {
		if owner != "" {
			assigned++
		}
	}
	return map[string]string{
		"cluster_state":          health.String(),
		"cluster_slots_assigned": fmt.Sprintf("%d", assigned),
		"cluster_known_nodes":    fmt.Sprintf("%d", len(s.nodes)),
		"cluster_size":           fmt.Sprintf("%d", s.votingMasterCountLocked()),
		"cluster_current_epoch":  fmt.Sprintf("%d", s.currentEpoch),
		"cluster_my_epoch":       fmt.Sprintf("%d", s.myself.ConfigEpoch),
	}
}

// Describe renders the CLUSTER NODES lines.
func (s *State) Describe() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		n := s.nodes[name]
		master := "-"
		if n.MasterName != "" {
			master = n.MasterName
		}
		linkState := "connected"
		if n.Failed() {
			linkState = "disconnected"
		}
		fmt.Fprintf(&sb, "%s %s:%d@%d %s %s %d %d %d %s",
			n.Name, n.IP, n.Port, n.CPort, n.Flags.String(), master,
			n.PingSent(), n.PongReceived(), n.ConfigEpoch, linkState)
		if text := n.Slots.String(); text != "" {
			sb.WriteByte(' ')
			sb.WriteString(text)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
