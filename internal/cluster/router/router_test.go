package router

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/hash"
)

// fakeMigration stubs the migration intents.
type fakeMigration struct {
	migrating map[uint16]string
	frozen    map[uint16]bool
	importing map[uint16]string
}

func newFakeMigration() *fakeMigration {
	return &fakeMigration{
		migrating: make(map[uint16]string),
		frozen:    make(map[uint16]bool),
		importing: make(map[uint16]string),
	}
}

func (f *fakeMigration) MigratingTarget(slot uint16) (string, bool, bool) {
	dst, ok := f.migrating[slot]
	return dst, f.frozen[slot], ok
}

func (f *fakeMigration) ImportingSource(slot uint16) (string, bool) {
	src, ok := f.importing[slot]
	return src, ok
}

func twoNodeState(t *testing.T) *cluster.State {
	t.Helper()
	myself := &cluster.Node{Name: "me", IP: "127.0.0.1", Port: 6379, Flags: cluster.FlagMaster}
	s := cluster.NewState(myself, cluster.Options{
		NodeTimeout: time.Second, RequireFullCoverage: false, KVStoreCount: 2,
	}, hclog.NewNullLogger())
	other := &cluster.Node{Name: "other", IP: "10.0.0.2", Port: 6380, Flags: cluster.FlagMaster}
	s.AddNode(other)

	// Split ownership by slot parity of the test keys' actual slots.
	for slot := 0; slot < cluster.SlotCount; slot++ {
		owner := "me"
		if slot%2 == 1 {
			owner = "other"
		}
		require.NoError(t, s.AddSlot(owner, uint16(slot)))
	}
	return s
}

// keyForOwner finds a key whose slot lands on the wanted owner parity.
func keyForOwner(even bool) []byte {
	for i := 0; ; i++ {
		key := []byte{'k', byte('0' + i%10), byte('a' + i/10%26)}
		slot := hash.KeySlot(string(key))
		if (slot%2 == 0) == even {
			return key
		}
	}
}

func TestRouteLocalAndMoved(t *testing.T) {
	s := twoNodeState(t)
	r := NewRouter(s, newFakeMigration(), Config{})

	local := keyForOwner(true)
	res := r.Route(local, false, false, true)
	assert.True(t, res.Local)

	foreign := keyForOwner(false)
	res = r.Route(foreign, false, false, true)
	require.NotNil(t, res.Redirect)
	assert.Equal(t, RedirectMoved, res.Redirect.Type)
	assert.Equal(t, "10.0.0.2:6380", res.Redirect.Addr)
	assert.Equal(t, hash.KeySlot(string(foreign)), res.Redirect.Slot)
}

func TestRouteUnownedSlotIsClusterDown(t *testing.T) {
	myself := &cluster.Node{Name: "me", Flags: cluster.FlagMaster}
	s := cluster.NewState(myself, cluster.Options{NodeTimeout: time.Second}, hclog.NewNullLogger())
	r := NewRouter(s, nil, Config{})

	res := r.Route([]byte("anything"), false, false, false)
	assert.True(t, res.ClusterDown)
}

func TestRouteFrozenMigratingSlotAsks(t *testing.T) {
	s := twoNodeState(t)
	mig := newFakeMigration()
	r := NewRouter(s, mig, Config{})

	key := keyForOwner(true)
	slot := hash.KeySlot(string(key))
	mig.migrating[slot] = "other"

	// Before commit: still served locally.
	res := r.Route(key, false, false, true)
	assert.True(t, res.Local)

	// Past the commit point: writes bounce with ASK.
	mig.frozen[slot] = true
	res = r.Route(key, false, false, true)
	require.NotNil(t, res.Redirect)
	assert.Equal(t, RedirectAsk, res.Redirect.Type)

	// Reads keep flowing until ownership flips.
	res = r.Route(key, false, false, false)
	assert.True(t, res.Local)
}

func TestRouteImportingNeedsAsking(t *testing.T) {
	s := twoNodeState(t)
	mig := newFakeMigration()
	r := NewRouter(s, mig, Config{})

	key := keyForOwner(false) // owned by "other"
	slot := hash.KeySlot(string(key))
	mig.importing[slot] = "other"

	res := r.Route(key, false, false, true)
	require.NotNil(t, res.Redirect)
	assert.Equal(t, RedirectMoved, res.Redirect.Type)

	res = r.Route(key, true, false, true)
	assert.True(t, res.Local, "ASKING lets the importing node serve")
}

func TestSlaveReadPolicy(t *testing.T) {
	master := &cluster.Node{Name: "master", IP: "10.0.0.9", Port: 7000, Flags: cluster.FlagMaster}
	myself := &cluster.Node{Name: "me", Flags: cluster.FlagSlave, MasterName: "master"}
	s := cluster.NewState(myself, cluster.Options{NodeTimeout: time.Second}, hclog.NewNullLogger())
	s.AddNode(master)
	for slot := 0; slot < cluster.SlotCount; slot++ {
		require.NoError(t, s.AddSlot("master", uint16(slot)))
	}
	r := NewRouter(s, nil, Config{})

	// Writes always bounce to the master.
	res := r.Route([]byte("k"), false, true, true)
	require.NotNil(t, res.Redirect)
	assert.Equal(t, "10.0.0.9:7000", res.Redirect.Addr)

	// Reads bounce too, unless READONLY.
	res = r.Route([]byte("k"), false, false, false)
	require.NotNil(t, res.Redirect)
	res = r.Route([]byte("k"), false, true, false)
	assert.True(t, res.Local)
}

func TestCrossSlotPolicy(t *testing.T) {
	s := twoNodeState(t)

	a, b := keyForOwner(true), keyForOwner(false)
	require.NotEqual(t, hash.KeySlot(string(a))%2, hash.KeySlot(string(b))%2)

	// Default: rejected.
	r := NewRouter(s, nil, Config{})
	res := r.RouteMulti([][]byte{a, b}, false, false, true)
	assert.True(t, res.CrossSlot)

	// allow-cross-slot: allowed, but any foreign slot still redirects.
	r = NewRouter(s, nil, Config{AllowCrossSlot: true})
	res = r.RouteMulti([][]byte{a, b}, false, false, true)
	require.NotNil(t, res.Redirect)

	// Single-node mode always permits cross-slot.
	r = NewRouter(s, nil, Config{SingleNode: true})
	res = r.RouteMulti([][]byte{a, b}, false, false, true)
	assert.False(t, res.CrossSlot)
}

func TestMultiKeySameSlot(t *testing.T) {
	s := twoNodeState(t)
	r := NewRouter(s, nil, Config{})

	// {tag} forces both keys into one slot.
	keys := [][]byte{[]byte("{user}:a"), []byte("{user}:b")}
	res := r.RouteMulti(keys, false, false, true)
	assert.False(t, res.CrossSlot)
}
