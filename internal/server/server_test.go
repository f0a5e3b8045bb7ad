package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/hash"
	"github.com/Shei254/novadb/internal/cluster/migrate"
	"github.com/Shei254/novadb/internal/cluster/router"
	"github.com/Shei254/novadb/internal/mgl"
	"github.com/Shei254/novadb/internal/storage"
)

// respClient is a minimal RESP client for exercising the server over a
// real connection.
type respClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialServer(t *testing.T, addr string) *respClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &respClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *respClient) cmd(t *testing.T, args ...string) string {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&sb, "$%d\r\n%s\r\n", len(a), a)
	}
	_, err := c.conn.Write([]byte(sb.String()))
	require.NoError(t, err)
	return c.readReply(t)
}

func (c *respClient) readReply(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	line = strings.TrimRight(line, "\r\n")
	switch line[0] {
	case '+', '-', ':':
		return line
	case '$':
		var n int
		fmt.Sscanf(line[1:], "%d", &n)
		if n < 0 {
			return "(nil)"
		}
		buf := make([]byte, n+2)
		_, err := ioReadFull(c.r, buf)
		require.NoError(t, err)
		return string(buf[:n])
	case '*':
		var n int
		fmt.Sscanf(line[1:], "%d", &n)
		parts := make([]string, 0, n)
		for i := 0; i < n; i++ {
			parts = append(parts, c.readReply(t))
		}
		return strings.Join(parts, "|")
	default:
		t.Fatalf("unexpected reply line %q", line)
		return ""
	}
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type harness struct {
	srv    *Server
	state  *cluster.State
	engine *storage.Engine
	addr   string
}

// newHarness starts a server whose node owns every even slot; odd slots
// belong to a peer at 10.0.0.2:6380.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := hclog.NewNullLogger()
	engine, err := storage.Open(t.TempDir(), 2, 16384, logger)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	myself := &cluster.Node{Name: strings.Repeat("a", 40), IP: "127.0.0.1", Port: 6379,
		Flags: cluster.FlagMaster}
	state := cluster.NewState(myself, cluster.Options{
		NodeTimeout: time.Second, RequireFullCoverage: false, KVStoreCount: 2,
	}, logger)
	peer := &cluster.Node{Name: strings.Repeat("b", 40), IP: "10.0.0.2", Port: 6380,
		Flags: cluster.FlagMaster}
	state.AddNode(peer)
	for slot := 0; slot < cluster.SlotCount; slot++ {
		owner := myself.Name
		if slot%2 == 1 {
			owner = peer.Name
		}
		require.NoError(t, state.AddSlot(owner, uint16(slot)))
	}

	locks := mgl.NewLockMgr(logger)
	migrator := migrate.NewManager(state, engine, migrate.Config{
		ListenAddr: "127.0.0.1:0", BatchSizeKB: 4, Timeout: time.Second,
		SenderWorkers: 1, ReceiverWorkers: 1, WaitTimeIfExists: time.Second,
	}, logger)
	rt := router.NewRouter(state, migrator, router.Config{
		AllowCrossSlot: cfg.AllowCrossSlot, SingleNode: cfg.SingleNode,
	})

	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, Deps{
		State: state, Engine: engine, Locks: locks, Router: rt, Migrate: migrator,
	}, logger)

	go srv.Start()
	t.Cleanup(func() { srv.Stop() })
	require.Eventually(t, func() bool {
		return strings.HasSuffix(srv.Addr(), ":0") == false
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{srv: srv, state: state, engine: engine, addr: srv.Addr()}
}

// localKey returns a key owned by the harness node (even slot).
func localKey(i int) string {
	for ; ; i++ {
		key := fmt.Sprintf("local-%d", i)
		if hash.KeySlot(key)%2 == 0 {
			return key
		}
	}
}

// foreignKey returns a key owned by the peer (odd slot).
func foreignKey(i int) string {
	for ; ; i++ {
		key := fmt.Sprintf("foreign-%d", i)
		if hash.KeySlot(key)%2 == 1 {
			return key
		}
	}
}

func TestPingAndSessionFlags(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	assert.Equal(t, "+PONG", c.cmd(t, "PING"))
	assert.Equal(t, "+OK", c.cmd(t, "READONLY"))
	assert.Equal(t, "+OK", c.cmd(t, "READWRITE"))
	assert.Equal(t, "+OK", c.cmd(t, "ASKING"))
}

func TestSetGetDelRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	key := localKey(0)
	assert.Equal(t, "+OK", c.cmd(t, "SET", key, "hello"))
	assert.Equal(t, "hello", c.cmd(t, "GET", key))
	assert.Equal(t, ":1", c.cmd(t, "EXISTS", key))
	assert.Equal(t, ":1", c.cmd(t, "DEL", key))
	assert.Equal(t, "(nil)", c.cmd(t, "GET", key))
}

func TestMovedRedirect(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	key := foreignKey(0)
	slot := hash.KeySlot(key)
	reply := c.cmd(t, "SET", key, "x")
	assert.Equal(t, fmt.Sprintf("-MOVED %d 10.0.0.2:6380", slot), reply)

	reply = c.cmd(t, "GET", key)
	assert.True(t, strings.HasPrefix(reply, "-MOVED "), "got %q", reply)
}

func TestCrossSlotRejected(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	// Two local keys in different slots.
	a := localKey(0)
	b := ""
	for i := 1; ; i++ {
		b = localKey(i)
		if hash.KeySlot(b) != hash.KeySlot(a) {
			break
		}
	}
	reply := c.cmd(t, "MGET", a, b)
	assert.True(t, strings.HasPrefix(reply, "-CROSSSLOT "), "got %q", reply)

	// Same slot via hash tags is fine.
	ka, kb := "{tag}a", "{tag}b"
	if hash.KeySlot(ka)%2 == 0 {
		c.cmd(t, "SET", ka, "1")
		c.cmd(t, "SET", kb, "2")
		assert.Equal(t, "1|2", c.cmd(t, "MGET", ka, kb))
	}
}

func TestClusterSubcommands(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	assert.Equal(t, h.state.MyName(), c.cmd(t, "CLUSTER", "MYID"))

	info := c.cmd(t, "CLUSTER", "INFO")
	assert.Contains(t, info, "cluster_state:ok")
	assert.Contains(t, info, "cluster_known_nodes:2")

	nodes := c.cmd(t, "CLUSTER", "NODES")
	assert.Contains(t, nodes, h.state.MyName())
	assert.Contains(t, nodes, "myself,master")

	keyslot := c.cmd(t, "CLUSTER", "KEYSLOT", "foo")
	assert.Equal(t, ":12182", keyslot)

	key := localKey(0)
	c.cmd(t, "SET", key, "v")
	count := c.cmd(t, "CLUSTER", "COUNTKEYSINSLOT", fmt.Sprintf("%d", hash.KeySlot(key)))
	assert.Equal(t, ":1", count)
}

func TestClusterAddSlotsRangeForm(t *testing.T) {
	logger := hclog.NewNullLogger()
	engine, err := storage.Open(t.TempDir(), 1, 16384, logger)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	myself := &cluster.Node{Name: strings.Repeat("c", 40), IP: "127.0.0.1", Port: 6379,
		Flags: cluster.FlagMaster}
	state := cluster.NewState(myself, cluster.Options{
		NodeTimeout: time.Second, KVStoreCount: 1,
	}, logger)
	locks := mgl.NewLockMgr(logger)
	migrator := migrate.NewManager(state, engine, migrate.Config{
		ListenAddr: "127.0.0.1:0", BatchSizeKB: 4, Timeout: time.Second,
		SenderWorkers: 1, ReceiverWorkers: 1,
	}, logger)
	rt := router.NewRouter(state, migrator, router.Config{})

	srv := New(Config{Addr: "127.0.0.1:0"}, Deps{
		State: state, Engine: engine, Locks: locks, Router: rt, Migrate: migrator,
	}, logger)
	go srv.Start()
	t.Cleanup(func() { srv.Stop() })
	require.Eventually(t, func() bool {
		return !strings.HasSuffix(srv.Addr(), ":0")
	}, 2*time.Second, 10*time.Millisecond)

	c := dialServer(t, srv.Addr())
	assert.Equal(t, "+OK", c.cmd(t, "CLUSTER", "ADDSLOTS", "{0..8000}"))
	assert.Equal(t, "+OK", c.cmd(t, "CLUSTER", "ADDSLOTS", "8001", "8002"))
	assert.True(t, state.Myself().Slots.Test(0))
	assert.True(t, state.Myself().Slots.Test(8000))
	assert.True(t, state.Myself().Slots.Test(8002))
	assert.False(t, state.Myself().Slots.Test(8003))

	slots := c.cmd(t, "CLUSTER", "SLOTS")
	assert.Contains(t, slots, ":0|:8002|")
}

func TestWritePauseRejectsWrites(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	h.srv.PauseWrites(time.Minute)
	reply := c.cmd(t, "SET", localKey(0), "x")
	assert.True(t, strings.HasPrefix(reply, "-TRYAGAIN"), "got %q", reply)
	// Reads still flow.
	assert.Equal(t, "(nil)", c.cmd(t, "GET", localKey(0)))

	h.srv.ResumeWrites()
	assert.Equal(t, "+OK", c.cmd(t, "SET", localKey(0), "x"))
}

func TestMSetMGet(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	// Keys under one hash tag share a slot, so MSET routes as one unit.
	ka, kb := "{grp}x", "{grp}y"
	if hash.KeySlot(ka)%2 != 0 {
		t.Skip("tag slot not local to harness node")
	}
	assert.Equal(t, "+OK", c.cmd(t, "MSET", ka, "1", kb, "2"))
	assert.Equal(t, "1|2", c.cmd(t, "MGET", ka, kb))
}

func TestLocksReleasedAfterCommand(t *testing.T) {
	h := newHarness(t, Config{})
	c := dialServer(t, h.addr)

	key := localKey(0)
	assert.Equal(t, "+OK", c.cmd(t, "SET", key, "v"))

	slot := hash.KeySlot(key)
	store := h.engine.StoreIDForSlot(slot)
	chunk := h.engine.ChunkOfSlot(slot)
	locks := h.srv.locks
	assert.False(t, locks.IsLocked(mgl.TargetKey(store, chunk, key)))
	assert.False(t, locks.IsLocked(mgl.TargetStore(store)))
}
