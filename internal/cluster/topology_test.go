package cluster

import (
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologySaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := newTestState("aaaa11112222333344445555666677778888aaaa")
	s.Myself().ConfigEpoch = 3
	topo, err := NewTopology(dir, s, hclog.NewNullLogger())
	require.NoError(t, err)

	addMaster(s, "bbbb11112222333344445555666677778888bbbb", 5, 100, 101, 102)
	for slot := uint16(0); slot < 50; slot++ {
		require.NoError(t, s.AddSlot(s.MyName(), slot))
	}
	s.AddNode(&Node{
		Name: "cccc11112222333344445555666677778888cccc", Flags: FlagSlave,
		MasterName: s.MyName(), IP: "127.0.0.1", Port: 6380, CPort: 16380,
	})
	s.ObserveEpoch(9)
	require.NoError(t, topo.Close())

	// Restart: fresh state with a throwaway identity, restored from disk.
	s2 := newTestState("ffff")
	topo2, err := NewTopology(dir, s2, hclog.NewNullLogger())
	require.NoError(t, err)
	defer topo2.Close()
	require.NoError(t, topo2.Load())

	assert.Equal(t, "aaaa11112222333344445555666677778888aaaa", s2.MyName())
	assert.Equal(t, uint64(9), s2.CurrentEpoch())
	assert.Equal(t, uint64(3), s2.Myself().ConfigEpoch)
	assert.Equal(t, 3, s2.KnownNodeCount())

	n, ok := s2.LookupNode("bbbb11112222333344445555666677778888bbbb")
	require.True(t, ok)
	assert.Equal(t, "100-102", n.Slots.String())
	assert.Equal(t, "bbbb11112222333344445555666677778888bbbb", s2.SlotOwnerName(101))

	rep, ok := s2.LookupNode("cccc11112222333344445555666677778888cccc")
	require.True(t, ok)
	assert.True(t, rep.IsSlave())
	assert.Equal(t, s2.MyName(), rep.MasterName)

	// The restored tuple (name, slots-text) is identical per node.
	assert.Equal(t, "0-49", s2.Myself().Slots.String())
}

func TestTopologyLoadMissingFileIsFresh(t *testing.T) {
	dir := t.TempDir()
	s := newTestState("aaaa")
	topo, err := NewTopology(dir, s, hclog.NewNullLogger())
	require.NoError(t, err)
	defer topo.Close()

	require.NoError(t, topo.Load())
	assert.Equal(t, "aaaa", s.MyName())
}

func TestTopologyRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	s := newTestState("aaaa")
	topo, err := NewTopology(dir, s, hclog.NewNullLogger())
	require.NoError(t, err)
	defer topo.Close()

	require.NoError(t, os.WriteFile(topo.FilePath(), []byte(`{"version": 99}`), 0o644))
	assert.Error(t, topo.Load())
}

func TestTopologyDebouncedDirtySave(t *testing.T) {
	dir := t.TempDir()
	s := newTestState("aaaa")
	topo, err := NewTopology(dir, s, hclog.NewNullLogger())
	require.NoError(t, err)

	require.NoError(t, s.AddSlot("aaaa", 1))
	// Close flushes the pending dirty state.
	require.NoError(t, topo.Close())

	_, err = os.Stat(topo.FilePath())
	assert.NoError(t, err)
}
