package failover

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/gossip"
)

// fakeBus records messages instead of dialing peers.
type fakeBus struct {
	mu        sync.Mutex
	state     *cluster.State
	broadcast []*gossip.Message
	direct    map[string][]*gossip.Message
}

func newFakeBus(state *cluster.State) *fakeBus {
	return &fakeBus{state: state, direct: make(map[string][]*gossip.Message)}
}

func (b *fakeBus) BuildMessage(t gossip.Type) *gossip.Message {
	myself := b.state.Myself()
	m := &gossip.Message{}
	m.Type = t
	m.Sender = myself.Name
	m.CurrentEpoch = b.state.CurrentEpoch()
	m.ConfigEpoch = myself.ConfigEpoch
	m.Slots = myself.Slots
	m.SlaveOf = myself.MasterName
	return m
}

func (b *fakeBus) Broadcast(msg *gossip.Message) {
	b.mu.Lock()
	b.broadcast = append(b.broadcast, msg)
	b.mu.Unlock()
}

func (b *fakeBus) SendTo(n *cluster.Node, msg *gossip.Message) {
	b.mu.Lock()
	b.direct[n.Name] = append(b.direct[n.Name], msg)
	b.mu.Unlock()
}

func (b *fakeBus) lastBroadcast(t gossip.Type) *gossip.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.broadcast) - 1; i >= 0; i-- {
		if b.broadcast[i].Type == t {
			return b.broadcast[i]
		}
	}
	return nil
}

func testOptions() cluster.Options {
	return cluster.Options{
		NodeTimeout:         500 * time.Millisecond,
		RequireFullCoverage: true,
		SlaveValidityFactor: 10,
		ReplPingPeriod:      time.Second,
		KVStoreCount:        2,
	}
}

// slaveCluster builds: myself = slave of master1, plus voting masters.
func slaveCluster(t *testing.T) (*cluster.State, *cluster.Node) {
	t.Helper()
	myself := &cluster.Node{Name: "slave1", IP: "127.0.0.1", Port: 6379, CPort: 16379,
		Flags: cluster.FlagSlave, MasterName: "master1"}
	s := cluster.NewState(myself, testOptions(), hclog.NewNullLogger())

	master := &cluster.Node{Name: "master1", IP: "127.0.0.1", Port: 7000, CPort: 17000,
		Flags: cluster.FlagMaster, ConfigEpoch: 3}
	s.AddNode(master)
	for slot := uint16(0); slot < 100; slot++ {
		require.NoError(t, s.AddSlot("master1", slot))
	}
	for i, name := range []string{"voter1", "voter2"} {
		v := &cluster.Node{Name: name, Flags: cluster.FlagMaster, ConfigEpoch: 1}
		s.AddNode(v)
		require.NoError(t, s.AddSlot(name, uint16(200+i)))
	}
	myself.MarkReplInteraction(time.Now())
	return s, master
}

func runCron(c *Controller, times int) {
	for i := 0; i < times; i++ {
		c.cron()
	}
}

func TestElectionFullCycle(t *testing.T) {
	s, master := slaveCluster(t)
	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	s.MarkAsFailing(master.Name)

	// First cron schedules the auth time.
	c.cron()
	assert.Equal(t, PhaseAuthorizeAsk, c.Phase())

	// Wait past the rank delay (rank 0, base 500ms + up to 500ms random).
	require.Eventually(t, func() bool {
		c.cron()
		return c.Phase() == PhaseAuthorizeOK
	}, 3*time.Second, 20*time.Millisecond)

	req := bus.lastBroadcast(gossip.TypeFailoverAuthRequest)
	require.NotNil(t, req)
	assert.True(t, req.Slots.Test(50), "request carries the master's slots")
	epoch := req.CurrentEpoch
	assert.NotZero(t, epoch)

	// Two acks out of three voting masters: strict majority.
	c.HandleAuthAck("voter1", epoch)
	c.HandleAuthAck("voter2", epoch)
	c.cron()

	assert.True(t, s.Myself().IsMaster())
	assert.Equal(t, "slave1", s.SlotOwnerName(50))
	assert.Greater(t, s.Myself().ConfigEpoch, uint64(3))
	require.NotNil(t, bus.lastBroadcast(gossip.TypePong))
}

func TestElectionRefusedWhenDataTooOld(t *testing.T) {
	s, master := slaveCluster(t)
	s.Myself().MarkReplInteraction(time.Now().Add(-time.Hour))
	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	s.MarkAsFailing(master.Name)
	runCron(c, 5)
	assert.Equal(t, PhaseNone, c.Phase())
	assert.Nil(t, bus.lastBroadcast(gossip.TypeFailoverAuthRequest))
}

func TestAckIgnoredAtWrongEpoch(t *testing.T) {
	s, master := slaveCluster(t)
	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	s.MarkAsFailing(master.Name)
	c.cron()
	require.Eventually(t, func() bool {
		c.cron()
		return c.Phase() == PhaseAuthorizeOK
	}, 3*time.Second, 20*time.Millisecond)

	c.HandleAuthAck("voter1", 9999)
	c.HandleAuthAck("unknown-node", c.authEpoch)
	c.mu.Lock()
	votes := len(c.votes)
	c.mu.Unlock()
	assert.Zero(t, votes)
}

func TestMasterVotesOnlyForFailedMastersReplica(t *testing.T) {
	// Voter view: a master with slots; the requesting slave's master is
	// healthy, so no vote without FORCE.
	myself := &cluster.Node{Name: "voter", Flags: cluster.FlagMaster}
	s := cluster.NewState(myself, testOptions(), hclog.NewNullLogger())
	require.NoError(t, s.AddSlot("voter", 1))

	master := &cluster.Node{Name: "m1", Flags: cluster.FlagMaster, ConfigEpoch: 2}
	s.AddNode(master)
	require.NoError(t, s.AddSlot("m1", 10))
	slave := &cluster.Node{Name: "s1", Flags: cluster.FlagSlave, MasterName: "m1"}
	s.AddNode(slave)

	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	var claim cluster.SlotBitmap
	claim.Set(10)
	c.HandleAuthRequest("s1", 5, &claim, false)
	assert.Empty(t, bus.direct["s1"], "no vote while the master is healthy")

	c.HandleAuthRequest("s1", 5, &claim, true)
	require.Len(t, bus.direct["s1"], 1, "FORCE bypasses the liveness check")
	assert.Equal(t, gossip.TypeFailoverAuthAck, bus.direct["s1"][0].Type)

	// Same epoch again: the one-vote-per-epoch gate holds.
	c.HandleAuthRequest("s1", 5, &claim, true)
	assert.Len(t, bus.direct["s1"], 1)
}

func TestManualFailoverTakeover(t *testing.T) {
	s, master := slaveCluster(t)
	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	require.NoError(t, c.ManualFailover(false, true))
	assert.True(t, s.Myself().IsMaster())
	assert.Equal(t, "slave1", s.SlotOwnerName(0))
	assert.True(t, master.Slots.Empty())
}

func TestManualFailoverHandshake(t *testing.T) {
	s, master := slaveCluster(t)
	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	require.NoError(t, c.ManualFailover(false, false))
	require.Len(t, bus.direct[master.Name], 1)
	assert.Equal(t, gossip.TypeMFStart, bus.direct[master.Name][0].Type)

	// Master's paused offset arrives; we are already caught up.
	s.Myself().ReplOffset.Store(42)
	c.ObservePausedMaster(42)

	// The election now runs with FORCE, master still healthy.
	require.Eventually(t, func() bool {
		c.cron()
		return c.Phase() == PhaseAuthorizeOK
	}, 5*time.Second, 20*time.Millisecond)

	req := bus.lastBroadcast(gossip.TypeFailoverAuthRequest)
	require.NotNil(t, req)
	assert.NotZero(t, req.MFlags[0]&gossip.MFlagForceAck)
}

func TestManualFailoverOnMasterRejected(t *testing.T) {
	myself := &cluster.Node{Name: "m", Flags: cluster.FlagMaster}
	s := cluster.NewState(myself, testOptions(), hclog.NewNullLogger())
	c := NewController(s, newFakeBus(s), nil, hclog.NewNullLogger())
	assert.Error(t, c.ManualFailover(false, false))
}

type fakePauser struct {
	mu     sync.Mutex
	paused bool
}

func (p *fakePauser) PauseWrites(d time.Duration) {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *fakePauser) ResumeWrites() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

func TestMFStartPausesMaster(t *testing.T) {
	myself := &cluster.Node{Name: "m", Flags: cluster.FlagMaster}
	s := cluster.NewState(myself, testOptions(), hclog.NewNullLogger())
	require.NoError(t, s.AddSlot("m", 1))
	rep := &cluster.Node{Name: "r", Flags: cluster.FlagSlave, MasterName: "m"}
	s.AddNode(rep)

	bus := newFakeBus(s)
	pauser := &fakePauser{}
	c := NewController(s, bus, pauser, hclog.NewNullLogger())

	c.HandleManualFailoverStart("r")
	assert.True(t, pauser.paused)
	require.Len(t, bus.direct["r"], 1)
	assert.NotZero(t, bus.direct["r"][0].MFlags[0]&gossip.MFlagPaused)
}

func TestRankOrdering(t *testing.T) {
	s, master := slaveCluster(t)
	bus := newFakeBus(s)
	c := NewController(s, bus, nil, hclog.NewNullLogger())

	// A sibling with a larger offset pushes our rank down.
	sib := &cluster.Node{Name: "slave2", Flags: cluster.FlagSlave, MasterName: "master1"}
	sib.ReplOffset.Store(1000)
	s.AddNode(sib)
	s.Myself().ReplOffset.Store(10)

	assert.Equal(t, 1, c.rank(master))

	s.Myself().ReplOffset.Store(2000)
	assert.Equal(t, 0, c.rank(master))
}
