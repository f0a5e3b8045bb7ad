package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shei254/novadb/internal/cluster"
)

func sampleHeader(t Type) *Message {
	m := &Message{}
	m.Type = t
	m.Port = 6379
	m.CPort = 16379
	m.CurrentEpoch = 42
	m.ConfigEpoch = 7
	m.Offset = 1234567
	m.Sender = "aaaa11112222333344445555666677778888aaaa"
	m.SlaveOf = ""
	m.MyIP = "127.0.0.1"
	m.Flags = uint16(cluster.FlagMaster)
	m.State = 1
	m.Slots.Set(0)
	m.Slots.Set(100)
	m.Slots.Set(16383)
	return m
}

func TestMessageRoundTripPing(t *testing.T) {
	m := sampleHeader(TypePing)
	m.Gossip = []GossipEntry{
		{
			Name:         "bbbb11112222333344445555666677778888bbbb",
			PingSent:     100,
			PongReceived: 200,
			IP:           "10.0.0.2",
			Port:         6380,
			CPort:        16380,
			Flags:        uint16(cluster.FlagSlave),
		},
		{
			Name:  "cccc11112222333344445555666677778888cccc",
			IP:    "10.0.0.3",
			Port:  6381,
			CPort: 16381,
			Flags: uint16(cluster.FlagMaster | cluster.FlagPFail),
		},
	}

	out, err := Decode(m.Encode())
	require.NoError(t, err)

	assert.Equal(t, TypePing, out.Type)
	assert.Equal(t, m.Sender, out.Sender)
	assert.Equal(t, uint64(42), out.CurrentEpoch)
	assert.Equal(t, uint64(7), out.ConfigEpoch)
	assert.Equal(t, uint64(1234567), out.Offset)
	assert.Equal(t, "127.0.0.1", out.MyIP)
	assert.Equal(t, uint16(16379), out.CPort)
	assert.True(t, out.Slots.Test(0))
	assert.True(t, out.Slots.Test(100))
	assert.True(t, out.Slots.Test(16383))
	assert.False(t, out.Slots.Test(1))
	require.Len(t, out.Gossip, 2)
	assert.Equal(t, m.Gossip[0], out.Gossip[0])
	assert.Equal(t, m.Gossip[1], out.Gossip[1])
}

func TestMessageRoundTripUpdate(t *testing.T) {
	m := sampleHeader(TypeUpdate)
	up := &UpdatePayload{
		ConfigEpoch: 99,
		Name:        "dddd11112222333344445555666677778888dddd",
	}
	up.Slots.Set(5)
	up.Slots.Set(6)
	m.Update = up

	out, err := Decode(m.Encode())
	require.NoError(t, err)
	require.NotNil(t, out.Update)
	assert.Equal(t, uint64(99), out.Update.ConfigEpoch)
	assert.Equal(t, up.Name, out.Update.Name)
	assert.True(t, out.Update.Slots.Test(5))
	assert.True(t, out.Update.Slots.Test(6))
	assert.False(t, out.Update.Slots.Test(7))
}

func TestMessageRoundTripFail(t *testing.T) {
	m := sampleHeader(TypeFail)
	m.FailNode = "eeee11112222333344445555666677778888eeee"

	out, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.FailNode, out.FailNode)
}

func TestMessageRoundTripSlaveHeader(t *testing.T) {
	m := sampleHeader(TypePong)
	m.SlaveOf = "ffff11112222333344445555666677778888ffff"
	m.Slots = cluster.SlotBitmap{}

	out, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.SlaveOf, out.SlaveOf)
	assert.True(t, out.Slots.Empty())
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	m := sampleHeader(TypePing)
	good := m.Encode()

	t.Run("short", func(t *testing.T) {
		_, err := Decode(good[:10])
		assert.Error(t, err)
	})
	t.Run("bad signature", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0] = 'X'
		_, err := Decode(bad)
		assert.Error(t, err)
	})
	t.Run("totlen mismatch", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad = append(bad, 0)
		_, err := Decode(bad)
		assert.Error(t, err)
	})
	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[8] = 0xFF
		_, err := Decode(bad)
		assert.Error(t, err)
	})
	t.Run("truncated gossip payload", func(t *testing.T) {
		withGossip := sampleHeader(TypePing)
		withGossip.Gossip = []GossipEntry{{Name: "x", IP: "1.2.3.4", Port: 1, CPort: 2}}
		enc := withGossip.Encode()
		bad := enc[:len(enc)-10]
		// patch totlen so only the payload length check can catch it
		bad[4] = byte(len(bad))
		bad[5] = byte(len(bad) >> 8)
		bad[6] = byte(len(bad) >> 16)
		bad[7] = byte(len(bad) >> 24)
		_, err := Decode(bad)
		assert.Error(t, err)
	})
}

func TestMFlagsCarryForce(t *testing.T) {
	m := sampleHeader(TypeFailoverAuthRequest)
	m.MFlags[0] = MFlagForceAck

	out, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.NotZero(t, out.MFlags[0]&MFlagForceAck)
}
