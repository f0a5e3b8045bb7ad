package storage

import (
	"fmt"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shei254/novadb/pkg/errors"
)

func openTestEngine(t *testing.T, stores int) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), stores, 16384, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSetGetDel(t *testing.T) {
	e := openTestEngine(t, 2)
	s := e.StoreForSlot(100)

	require.NoError(t, s.SetKV(100, []byte("k"), []byte("v")))
	val, err := s.GetKV(100, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, s.DelKV(100, []byte("k")))
	_, err = s.GetKV(100, []byte("k"))
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestSlotMapping(t *testing.T) {
	e := openTestEngine(t, 4)
	for slot := uint16(0); slot < 32; slot++ {
		assert.Equal(t, uint32(slot%4), e.StoreIDForSlot(slot))
		assert.Equal(t, e.stores[slot%4], e.StoreForSlot(slot))
	}
}

func TestCountKeysInSlot(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SetKV(7, []byte(fmt.Sprintf("key-%d", i)), []byte("x")))
	}
	require.NoError(t, s.SetKV(8, []byte("other"), []byte("x")))

	n, err := s.CountKeysInSlot(7)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = s.CountKeysInSlot(8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBinlogSeqMonotonicAndTail(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	require.NoError(t, s.SetKV(1, []byte("a"), []byte("1")))
	require.NoError(t, s.SetKV(1, []byte("b"), []byte("2")))
	require.NoError(t, s.DelKV(1, []byte("a")))
	assert.Equal(t, uint64(3), s.Seq())

	var got []LogEntry
	require.NoError(t, s.TailLogs(0, func(en LogEntry) error {
		got = append(got, en)
		return nil
	}))
	require.Len(t, got, 3)
	for i, en := range got {
		assert.Equal(t, uint64(i+1), en.Seq)
	}
	assert.Equal(t, OpDel, got[2].Op)
	assert.Equal(t, []byte("a"), got[2].Key)

	// Tail from the middle.
	got = nil
	require.NoError(t, s.TailLogs(2, func(en LogEntry) error {
		got = append(got, en)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq)
}

func TestLogEntryRoundTrip(t *testing.T) {
	in := LogEntry{Seq: 42, Slot: 9999, Op: OpSet, Key: []byte("k"), Value: []byte("value")}
	out, err := DecodeLogEntry(EncodeLogEntry(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeLogEntry([]byte("short"))
	assert.Error(t, err)
}

func TestSnapshotIsolation(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	require.NoError(t, s.SetKV(5, []byte("before"), []byte("1")))
	sn := s.NewSnapshot()
	defer sn.Close()
	require.NoError(t, s.SetKV(5, []byte("after"), []byte("2")))

	var keys []string
	require.NoError(t, sn.IterateSlot(5, nil, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"before"}, keys)
	assert.Equal(t, uint64(1), sn.Seq())
}

func TestSnapshotResumeAfterKey(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.SetKV(3, []byte(k), []byte("v")))
	}
	sn := s.NewSnapshot()
	defer sn.Close()

	var keys []string
	require.NoError(t, sn.IterateSlot(3, []byte("b"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"c", "d"}, keys)
}

func TestDeleteRangeKeepsAdjacentSlots(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	for slot := uint16(10); slot <= 14; slot++ {
		for i := 0; i < 5; i++ {
			require.NoError(t, s.SetKV(slot, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
		}
	}

	require.NoError(t, s.DeleteRange(11, 13, false))

	for _, tc := range []struct {
		slot uint16
		want int
	}{{10, 5}, {11, 0}, {12, 0}, {13, 0}, {14, 5}} {
		n, err := s.CountKeysInSlot(tc.slot)
		require.NoError(t, err)
		assert.Equal(t, tc.want, n, "slot %d", tc.slot)
	}
}

func TestApplyBatch(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	batch := []Entry{
		{Slot: 2, Key: []byte("x"), Value: []byte("1")},
		{Slot: 2, Key: []byte("y"), Value: []byte("2")},
	}
	require.NoError(t, s.ApplyBatch(batch))

	n, err := s.CountKeysInSlot(2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), s.Seq())
}

func TestSeqRecoveredAfterReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1, 16384, hclog.NewNullLogger())
	require.NoError(t, err)
	s := e.Store(0)
	require.NoError(t, s.SetKV(1, []byte("a"), []byte("1")))
	require.NoError(t, s.SetKV(1, []byte("b"), []byte("2")))
	require.NoError(t, e.Close())

	e, err = Open(dir, 1, 16384, hclog.NewNullLogger())
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, uint64(2), e.Store(0).Seq())
}

func TestTruncateLogsBefore(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SetKV(1, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, s.TruncateLogsBefore(4))

	var seqs []uint64
	require.NoError(t, s.TailLogs(0, func(en LogEntry) error {
		seqs = append(seqs, en.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{4, 5}, seqs)
	// The sequence counter never rewinds.
	assert.Equal(t, uint64(5), s.Seq())
}

func TestMetaRoundTrip(t *testing.T) {
	e := openTestEngine(t, 1)
	s := e.Store(0)

	require.NoError(t, s.PutMeta("task-ckpt", []byte("payload")))
	val, err := s.GetMeta("task-ckpt")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), val)

	require.NoError(t, s.DelMeta("task-ckpt"))
	_, err = s.GetMeta("task-ckpt")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}
