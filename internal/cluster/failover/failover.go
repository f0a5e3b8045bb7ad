// Package failover drives slave election when a master fails, and the
// operator-initiated manual failover handoff.
package failover

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/gossip"
	"github.com/Shei254/novadb/internal/metrics"
)

// Phase is the election progress of a slave considering failover.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseAuthorizeAsk
	PhaseAuthorizeOK
	PhaseReplicaAck
	PhaseVictory
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseAuthorizeAsk:
		return "authorize-ask"
	case PhaseAuthorizeOK:
		return "authorize-ok"
	case PhaseReplicaAck:
		return "replica-ack"
	case PhaseVictory:
		return "victory"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Bus is the slice of the gossip transport the controller needs.
type Bus interface {
	BuildMessage(t gossip.Type) *gossip.Message
	Broadcast(msg *gossip.Message)
	SendTo(n *cluster.Node, msg *gossip.Message)
}

const (
	tickInterval     = 100 * time.Millisecond
	authBaseDelay    = 500 * time.Millisecond
	authRandomDelay  = 500 * time.Millisecond
	rankDelayStep    = time.Second
	authTimeoutMin   = 2 * time.Second
	retryBackoffCap  = 8 * time.Second
	manualFailoverTO = 10 * time.Second
)

// WritePauser lets the manual-failover master stall client writes while
// the slave catches up.
type WritePauser interface {
	PauseWrites(d time.Duration)
	ResumeWrites()
}

// Controller watches the cluster state and runs elections for this node.
type Controller struct {
	state  *cluster.State
	bus    Bus
	pauser WritePauser

	mu        sync.Mutex
	phase     Phase
	authTime  time.Time
	authEpoch uint64
	votes     map[string]bool
	retries   int
	force     bool

	// Manual failover bookkeeping.
	mfDeadline     time.Time
	mfMasterOffset uint64
	mfOffsetKnown  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    hclog.Logger
}

// NewController wires the controller to the shared state and bus.
func NewController(state *cluster.State, bus Bus, pauser WritePauser, logger hclog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		state:  state,
		bus:    bus,
		pauser: pauser,
		votes:  make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Named("failover"),
	}
}

// Start launches the controller tick.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.cron()
			}
		}
	}()
}

// Stop halts the controller.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Phase returns the current election phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) cron() {
	myself := c.state.Myself()
	if !myself.IsSlave() || myself.MasterName == "" {
		return
	}
	master, ok := c.state.LookupNode(myself.MasterName)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	manual := !c.mfDeadline.IsZero()
	if manual && time.Now().After(c.mfDeadline) {
		c.log.Warn("manual failover timed out, rolling back")
		c.resetLocked()
		return
	}

	switch {
	case manual:
		c.cronManualLocked(master)
	case master.Failed():
		c.cronAutoLocked(master)
	default:
		if c.phase != PhaseNone {
			c.resetLocked()
		}
	}
}

// cronAutoLocked runs automatic failover: schedule the rank-delayed auth
// time, request votes, and either win or back off and retry.
func (c *Controller) cronAutoLocked(master *cluster.Node) {
	now := time.Now()

	switch c.phase {
	case PhaseNone:
		if !c.force && c.state.IsDataAgeTooLarge() {
			// Data too stale to stand for election; wait for another
			// replica or operator intervention.
			return
		}
		delay := authBaseDelay +
			time.Duration(rand.Int63n(int64(authRandomDelay))) +
			time.Duration(c.rank(master))*rankDelayStep +
			c.backoff()
		c.authTime = now.Add(delay)
		c.phase = PhaseAuthorizeAsk
		c.log.Info("failover scheduled", "master", master.Name,
			"delay", delay, "rank", c.rank(master))

	case PhaseAuthorizeAsk:
		if now.Before(c.authTime) {
			return
		}
		c.authEpoch = c.state.BumpEpoch()
		c.votes = make(map[string]bool)
		c.phase = PhaseAuthorizeOK
		c.requestVotesLocked(master)
		c.log.Info("requesting failover votes", "epoch", c.authEpoch)

	case PhaseAuthorizeOK:
		if c.countVotesLocked() > c.state.VotingMasterCount()/2 {
			c.winLocked(master)
			return
		}
		if now.After(c.authTime.Add(c.authTimeout())) {
			c.retries++
			c.phase = PhaseNone
			metrics.FailoverAttempts.WithLabelValues("timeout").Inc()
			c.log.Warn("election timed out without quorum",
				"epoch", c.authEpoch, "votes", c.countVotesLocked())
		}
	}
}

// cronManualLocked runs the slave side of CLUSTER FAILOVER: wait for the
// master's paused offset, catch up, then force an election.
func (c *Controller) cronManualLocked(master *cluster.Node) {
	if !c.mfOffsetKnown {
		return
	}
	if c.state.Myself().ReplOffset.Load() < c.mfMasterOffset {
		return
	}
	// Offsets match; run the normal phases with FORCE semantics.
	c.force = true
	c.cronAutoLocked(master)
}

func (c *Controller) authTimeout() time.Duration {
	to := 2 * c.state.NodeTimeout()
	if to < authTimeoutMin {
		to = authTimeoutMin
	}
	return to
}

// backoff grows exponentially with failed attempts, capped at a few
// seconds.
func (c *Controller) backoff() time.Duration {
	if c.retries == 0 {
		return 0
	}
	d := time.Duration(1<<uint(c.retries-1)) * time.Second
	if d > retryBackoffCap {
		d = retryBackoffCap
	}
	return d
}

// rank orders this slave among its siblings by replication offset: the
// most up-to-date replica gets rank 0 and the earliest shot at election.
func (c *Controller) rank(master *cluster.Node) int {
	myOffset := c.state.Myself().ReplOffset.Load()
	rank := 0
	for _, sib := range c.state.ReplicasOf(master.Name) {
		if sib.Name == c.state.MyName() {
			continue
		}
		if sib.ReplOffset.Load() > myOffset {
			rank++
		}
	}
	return rank
}

func (c *Controller) requestVotesLocked(master *cluster.Node) {
	msg := c.bus.BuildMessage(gossip.TypeFailoverAuthRequest)
	msg.CurrentEpoch = c.authEpoch
	msg.Slots = master.Slots
	if c.force {
		msg.MFlags[0] |= gossip.MFlagForceAck
	}
	c.bus.Broadcast(msg)
}

func (c *Controller) countVotesLocked() int {
	return len(c.votes)
}

// winLocked is the VICTORY transition: promote, take over the failed
// master's slots at a winning epoch, and tell everyone.
func (c *Controller) winLocked(master *cluster.Node) {
	c.phase = PhaseVictory
	c.state.SetMyselfMaster()
	moved := c.state.TakeOverSlots(master.Name)
	c.log.Info("failover won", "epoch", c.authEpoch, "slots", moved)
	metrics.FailoverAttempts.WithLabelValues("victory").Inc()

	pong := c.bus.BuildMessage(gossip.TypePong)
	c.bus.Broadcast(pong)
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.phase = PhaseNone
	c.authTime = time.Time{}
	c.authEpoch = 0
	c.votes = make(map[string]bool)
	c.retries = 0
	c.force = false
	c.mfDeadline = time.Time{}
	c.mfMasterOffset = 0
	c.mfOffsetKnown = false
}

// HandleAuthRequest is the master side of an election: vote at most once
// per epoch, and only for replicas of a master we agree is failed (unless
// the request carries FORCE).
func (c *Controller) HandleAuthRequest(sender string, reqEpoch uint64, claimed *cluster.SlotBitmap, force bool) {
	myself := c.state.Myself()
	if !myself.IsMaster() || (myself.Slots.Empty() && !myself.IsArbiter()) {
		return
	}
	req, ok := c.state.LookupNode(sender)
	if !ok || !req.IsSlave() {
		return
	}
	if !force {
		master, ok := c.state.LookupNode(req.MasterName)
		if !ok || !master.Failed() {
			return
		}
	}
	if !c.state.TryVote(sender, reqEpoch, claimed) {
		c.log.Debug("refused failover vote", "for", sender, "epoch", reqEpoch)
		return
	}
	c.log.Info("granted failover vote", "for", sender, "epoch", reqEpoch)
	ack := c.bus.BuildMessage(gossip.TypeFailoverAuthAck)
	ack.CurrentEpoch = reqEpoch
	c.bus.SendTo(req, ack)
}

// HandleAuthAck records a vote for the in-flight election.
func (c *Controller) HandleAuthAck(sender string, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseAuthorizeOK || epoch != c.authEpoch {
		return
	}
	voter, ok := c.state.LookupNode(sender)
	if !ok || !voter.IsMaster() {
		return
	}
	c.votes[sender] = true
}

// HandleManualFailoverStart is the master side of CLUSTER FAILOVER: pause
// writes and advertise the frozen offset so the slave can catch up.
func (c *Controller) HandleManualFailoverStart(sender string) {
	myself := c.state.Myself()
	if !myself.IsMaster() {
		return
	}
	rep, ok := c.state.LookupNode(sender)
	if !ok || rep.MasterName != myself.Name {
		return
	}
	if c.pauser != nil {
		c.pauser.PauseWrites(manualFailoverTO)
	}
	c.log.Info("manual failover requested", "by", sender)

	msg := c.bus.BuildMessage(gossip.TypePong)
	msg.MFlags[0] |= gossip.MFlagPaused
	c.bus.SendTo(rep, msg)
}

// ObservePausedMaster records the master's frozen offset from a PAUSED
// pong, unblocking the manual-failover catch-up check.
func (c *Controller) ObservePausedMaster(offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mfDeadline.IsZero() {
		return
	}
	c.mfMasterOffset = offset
	c.mfOffsetKnown = true
}

// ManualFailover is the operator entry point for CLUSTER FAILOVER.
// Default: handshake with the master and wait for offset parity.
// FORCE: elect without the handshake or the data-age gate.
// TAKEOVER: assume the master's slots immediately, no votes.
func (c *Controller) ManualFailover(force, takeover bool) error {
	myself := c.state.Myself()
	if !myself.IsSlave() || myself.MasterName == "" {
		return errNotReplica
	}
	master, ok := c.state.LookupNode(myself.MasterName)
	if !ok {
		return errNotReplica
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if takeover {
		c.state.SetMyselfMaster()
		moved := c.state.TakeOverSlots(master.Name)
		c.log.Info("takeover complete", "slots", moved)
		metrics.FailoverAttempts.WithLabelValues("takeover").Inc()
		pong := c.bus.BuildMessage(gossip.TypePong)
		c.bus.Broadcast(pong)
		c.resetLocked()
		return nil
	}

	if force {
		c.force = true
		c.phase = PhaseNone
		c.authTime = time.Time{}
		c.mfDeadline = time.Now().Add(manualFailoverTO)
		c.mfMasterOffset = myself.ReplOffset.Load()
		c.mfOffsetKnown = true
		return nil
	}

	c.mfDeadline = time.Now().Add(manualFailoverTO)
	c.mfOffsetKnown = false
	start := c.bus.BuildMessage(gossip.TypeMFStart)
	c.bus.SendTo(master, start)
	return nil
}
