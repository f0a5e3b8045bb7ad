package gossip

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/metrics"
)

const (
	// TickInterval is the control loop period.
	TickInterval = 100 * time.Millisecond

	// gossipSectionMax caps the random rumors per PING/PONG.
	gossipSectionMax = 3

	dialTimeout  = 2 * time.Second
	ioTimeout    = 5 * time.Second
	maxFrameSize = 4 << 20
)

// Delegate receives the failover messages that ride the bus. The failover
// controller registers itself here; gossip stays ignorant of election
// rules.
type Delegate interface {
	HandleAuthRequest(sender string, reqEpoch uint64, claimed *cluster.SlotBitmap, force bool)
	HandleAuthAck(sender string, epoch uint64)
	HandleManualFailoverStart(sender string)
}

// Gossip runs the cluster bus for one node: a listener for inbound frames
// and a 100 ms control tick that pings peers, detects failures and
// escalates PFAIL to FAIL on quorum.
type Gossip struct {
	state *cluster.State

	nodeTimeout      time.Duration
	handshakeTimeout time.Duration

	listener net.Listener
	delegate Delegate

	// slaveReconf lets this node, as a slave, follow its master when the
	// master itself re-slaves after losing a failover.
	slaveReconf bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex // guards delegate swap

	log hclog.Logger
}

// NewGossip builds the transport around the shared cluster state.
func NewGossip(state *cluster.State, logger hclog.Logger) *Gossip {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gossip{
		state:            state,
		nodeTimeout:      state.NodeTimeout(),
		handshakeTimeout: state.NodeTimeout(),
		slaveReconf:      true,
		ctx:              ctx,
		cancel:           cancel,
		log:              logger.Named("gossip"),
	}
}

// SetSlaveReconf toggles autonomous reattachment (slave-reconf-enabled).
func (g *Gossip) SetSlaveReconf(enabled bool) {
	g.slaveReconf = enabled
}

// SetDelegate registers the failover message handler.
func (g *Gossip) SetDelegate(d Delegate) {
	g.mu.Lock()
	g.delegate = d
	g.mu.Unlock()
}

func (g *Gossip) getDelegate() Delegate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delegate
}

// Start binds the bus port and launches the accept and control loops.
func (g *Gossip) Start() error {
	addr := g.state.Myself().BusAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	g.listener = listener
	g.log.Info("cluster bus listening", "addr", addr)

	g.wg.Add(2)
	go g.acceptLoop()
	go g.controlLoop()
	return nil
}

// Stop shuts the transport down.
func (g *Gossip) Stop() error {
	g.cancel()
	if g.listener != nil {
		g.listener.Close()
	}
	g.wg.Wait()
	return nil
}

// Meet starts a handshake with the node at addr. A placeholder entry with
// the HANDSHAKE flag holds the peer until its first PONG reveals the real
// name.
func (g *Gossip) Meet(addr string) error {
	placeholder := &cluster.Node{
		Name:  cluster.GenerateNodeName(),
		Flags: cluster.FlagHandshake | cluster.FlagMeet | cluster.FlagMaster,
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("bad meet address %s: %w", addr, err)
	}
	placeholder.IP = host
	fmt.Sscanf(port, "%d", &placeholder.CPort)
	placeholder.MarkPongReceived(time.Now())
	g.state.AddNode(placeholder)

	msg := g.buildHeader(TypeMeet)
	msg.Gossip = g.gossipSection()
	resp, err := g.exchange(addr, msg)
	if err != nil {
		g.state.RemoveNode(placeholder.Name)
		return fmt.Errorf("meet %s: %w", addr, err)
	}
	g.state.RemoveNode(placeholder.Name)
	g.handleMessage(resp)
	g.log.Info("met node", "addr", addr, "name", resp.Sender)
	return nil
}

// Broadcast sends msg to every known, reachable peer.
func (g *Gossip) Broadcast(msg *Message) {
	data := msg.Encode()
	for _, n := range g.state.Nodes() {
		if n.Name == g.state.MyName() || n.Failed() || n.InHandshake() {
			continue
		}
		go g.sendRaw(n.BusAddr(), data)
	}
}

// SendTo sends msg to one node, fire-and-forget.
func (g *Gossip) SendTo(n *cluster.Node, msg *Message) {
	go g.sendRaw(n.BusAddr(), msg.Encode())
}

// BuildMessage assembles a typed message with the standard header. Used by
// the failover controller for auth traffic.
func (g *Gossip) BuildMessage(t Type) *Message {
	return g.buildHeader(t)
}

func (g *Gossip) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.ctx.Done():
				return
			default:
				g.log.Debug("accept error", "error", err)
				continue
			}
		}
		go g.handleConnection(conn)
	}
}

func (g *Gossip) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	data, err := readFrame(conn)
	if err != nil {
		return
	}
	msg, err := Decode(data)
	if err != nil {
		g.log.Debug("dropping bad frame", "error", err)
		metrics.GossipBadFrames.Inc()
		return
	}
	metrics.GossipMessages.WithLabelValues(msg.Type.String(), "in").Inc()

	// PING and MEET are answered with a PONG on the same connection,
	// inside the same drain.
	switch msg.Type {
	case TypePing, TypeMeet:
		g.handleMessage(msg)
		pong := g.buildHeader(TypePong)
		pong.Gossip = g.gossipSection()
		writeFrame(conn, pong.Encode())
		metrics.GossipMessages.WithLabelValues(pong.Type.String(), "out").Inc()
	default:
		g.handleMessage(msg)
	}
}

// handleMessage applies one inbound frame to the local view.
func (g *Gossip) handleMessage(msg *Message) {
	if msg.Sender == g.state.MyName() {
		return
	}
	g.state.ObserveEpoch(msg.CurrentEpoch)

	sender := g.ensureSender(msg)
	if sender != nil {
		sender.MarkPongReceived(time.Now())
		sender.ReplOffset.Store(msg.Offset)
		g.state.ClearNodeFailureIfNeeded(sender.Name)

		// Merge the sender's slot claims from the header.
		if sender.IsMaster() && !msg.Slots.Empty() {
			if stale := g.state.UpdateSlotOwnership(sender.Name, msg.ConfigEpoch, &msg.Slots); stale != nil {
				g.sendUpdate(sender, stale)
			}
		}
		if sender.IsMaster() && msg.ConfigEpoch == g.state.Myself().ConfigEpoch {
			g.state.HandleEpochCollision(sender)
		}

		// Our master re-slaved after losing its slots (failover or
		// migration takeover): follow it up the chain when allowed.
		myself := g.state.Myself()
		if g.slaveReconf && myself.IsSlave() &&
			sender.Name == myself.MasterName && msg.SlaveOf != "" &&
			msg.SlaveOf != myself.Name {
			g.log.Info("reattaching to new master", "master", msg.SlaveOf)
			g.state.SetMaster(msg.SlaveOf)
		}
	}

	switch msg.Type {
	case TypePing, TypePong, TypeMeet:
		for i := range msg.Gossip {
			g.mergeGossipEntry(msg.Sender, &msg.Gossip[i])
		}
	case TypeFail:
		if _, ok := g.state.LookupNode(msg.FailNode); ok && msg.FailNode != g.state.MyName() {
			g.log.Warn("peer declared node failed", "node", msg.FailNode, "by", msg.Sender)
			g.state.MarkAsFailing(msg.FailNode)
		}
	case TypeUpdate:
		if msg.Update != nil {
			if n, ok := g.state.LookupNode(msg.Update.Name); ok {
				if stale := g.state.UpdateSlotOwnership(n.Name, msg.Update.ConfigEpoch, &msg.Update.Slots); stale != nil && sender != nil {
					g.sendUpdate(sender, stale)
				}
			}
		}
	case TypeFailoverAuthRequest:
		if d := g.getDelegate(); d != nil {
			claimed := msg.Slots
			d.HandleAuthRequest(msg.Sender, msg.CurrentEpoch, &claimed, msg.MFlags[0]&MFlagForceAck != 0)
		}
	case TypeFailoverAuthAck:
		if d := g.getDelegate(); d != nil {
			d.HandleAuthAck(msg.Sender, msg.CurrentEpoch)
		}
	case TypeMFStart:
		if d := g.getDelegate(); d != nil {
			d.HandleManualFailoverStart(msg.Sender)
		}
	}
}

// ensureSender resolves or creates the sender's node record, updating its
// address, role and epochs from the header.
func (g *Gossip) ensureSender(msg *Message) *cluster.Node {
	n, ok := g.state.LookupNode(msg.Sender)
	if !ok {
		n = &cluster.Node{
			Name:  msg.Sender,
			IP:    msg.MyIP,
			Port:  int(msg.Port),
			CPort: int(msg.CPort),
		}
		g.state.AddNode(n)
		g.log.Info("discovered node", "name", n.Name, "addr", n.Addr())
	}
	n.Flags &^= cluster.FlagHandshake
	n.IP = msg.MyIP
	n.Port = int(msg.Port)
	n.CPort = int(msg.CPort)
	if msg.SlaveOf != "" {
		n.Flags &^= cluster.FlagMaster
		n.Flags |= cluster.FlagSlave
		n.MasterName = msg.SlaveOf
	} else {
		n.Flags &^= cluster.FlagSlave
		n.Flags |= cluster.FlagMaster
		n.MasterName = ""
	}
	if msg.Flags&uint16(cluster.FlagArbiter) != 0 {
		n.Flags |= cluster.FlagArbiter
	}
	if msg.ConfigEpoch > n.ConfigEpoch {
		n.ConfigEpoch = msg.ConfigEpoch
	}
	return n
}

// mergeGossipEntry folds one rumor, relayed by sender, into the local view.
func (g *Gossip) mergeGossipEntry(sender string, e *GossipEntry) {
	if e.Name == g.state.MyName() {
		return
	}
	n, ok := g.state.LookupNode(e.Name)
	if !ok {
		if e.IP == "" || e.Port == 0 {
			return
		}
		n = &cluster.Node{
			Name:  e.Name,
			IP:    e.IP,
			Port:  int(e.Port),
			CPort: int(e.CPort),
			Flags: cluster.NodeFlags(e.Flags) &^ (cluster.FlagMyself | cluster.FlagPFail | cluster.FlagFail),
		}
		n.MarkPongReceived(time.Now())
		g.state.AddNode(n)
		g.log.Debug("learned node from gossip", "name", n.Name, "addr", n.Addr())
		return
	}
	// A rumor of PFAIL/FAIL from another reporter feeds quorum counting.
	flags := cluster.NodeFlags(e.Flags)
	if flags&(cluster.FlagPFail|cluster.FlagFail) != 0 && !n.Failed() {
		g.state.AddFailReport(n.Name, sender)
	}
}

// controlLoop is the 100 ms tick: ping the stalest peer, run failure
// detection, discard stale handshakes.
func (g *Gossip) controlLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

func (g *Gossip) tick() {
	g.pingStalest()
	g.detectFailures()
	g.reapHandshakes()
}

// pingStalest pings the node whose pong is oldest, once it is older than
// half the node timeout.
func (g *Gossip) pingStalest() {
	now := time.Now().UnixMilli()
	half := g.nodeTimeout.Milliseconds() / 2

	var target *cluster.Node
	var oldest int64
	for _, n := range g.state.Nodes() {
		if n.Name == g.state.MyName() || n.InHandshake() {
			continue
		}
		pong := n.PongReceived()
		if now-pong < half {
			continue
		}
		// Skip while a ping is outstanding, but retry once it has aged
		// past the node timeout (the earlier dial may have failed).
		if sent := n.PingSent(); sent != 0 && now-sent < g.nodeTimeout.Milliseconds() {
			continue
		}
		if target == nil || pong < oldest {
			target, oldest = n, pong
		}
	}
	if target == nil {
		return
	}
	g.pingNode(target)
}

func (g *Gossip) pingNode(n *cluster.Node) {
	n.MarkPingSent(time.Now())
	msg := g.buildHeader(TypePing)
	msg.Gossip = g.gossipSection()
	go func() {
		resp, err := g.exchange(n.BusAddr(), msg)
		if err != nil {
			g.log.Debug("ping failed", "node", n.Name, "error", err)
			return
		}
		g.handleMessage(resp)
	}()
}

// detectFailures marks silent masters PFAIL and escalates to FAIL on
// quorum plus local timeout.
func (g *Gossip) detectFailures() {
	now := time.Now().UnixMilli()
	timeout := g.nodeTimeout.Milliseconds()

	for _, n := range g.state.Nodes() {
		if n.Name == g.state.MyName() || n.InHandshake() || n.Failed() {
			continue
		}
		silent := now-n.PongReceived() > timeout
		if silent && !n.PFailed() {
			n.Flags |= cluster.FlagPFail
			g.state.AddFailReport(n.Name, g.state.MyName())
			g.log.Warn("node possibly failed", "node", n.Name)
			metrics.NodesPFail.Inc()
		}
		if !silent && n.PFailed() {
			n.Flags &^= cluster.FlagPFail
		}
		// FAIL requires both the quorum of reporters and our own
		// observation of silence.
		if n.PFailed() && silent && g.state.FailQuorumReached(n.Name) {
			g.log.Error("node failed", "node", n.Name)
			g.state.MarkAsFailing(n.Name)
			metrics.NodesFail.Inc()
			fail := g.buildHeader(TypeFail)
			fail.FailNode = n.Name
			g.Broadcast(fail)
		}
	}
}

// reapHandshakes drops MEET placeholders that never answered.
func (g *Gossip) reapHandshakes() {
	now := time.Now().UnixMilli()
	for _, n := range g.state.Nodes() {
		if n.InHandshake() && now-n.PongReceived() > g.handshakeTimeout.Milliseconds() {
			g.log.Debug("discarding stale handshake", "name", n.Name)
			g.state.RemoveNode(n.Name)
		}
	}
}

func (g *Gossip) buildHeader(t Type) *Message {
	myself := g.state.Myself()
	m := &Message{}
	m.Type = t
	m.Port = uint16(myself.Port)
	m.CPort = uint16(myself.CPort)
	m.CurrentEpoch = g.state.CurrentEpoch()
	m.ConfigEpoch = myself.ConfigEpoch
	m.Offset = myself.ReplOffset.Load()
	m.Sender = myself.Name
	m.Slots = myself.Slots
	m.SlaveOf = myself.MasterName
	m.MyIP = myself.IP
	m.Flags = uint16(myself.Flags)
	m.State = uint8(g.state.IsOK())
	return m
}

// gossipSection picks up to min(3, n-2) random live peers plus every
// PFAIL/FAIL node.
func (g *Gossip) gossipSection() []GossipEntry {
	nodes := g.state.Nodes()
	var healthy, failing []*cluster.Node
	for _, n := range nodes {
		if n.Name == g.state.MyName() || n.InHandshake() {
			continue
		}
		if n.PFailed() || n.Failed() {
			failing = append(failing, n)
		} else {
			healthy = append(healthy, n)
		}
	}

	wanted := len(nodes) - 2
	if wanted > gossipSectionMax {
		wanted = gossipSectionMax
	}
	if wanted < 0 {
		wanted = 0
	}
	rand.Shuffle(len(healthy), func(i, j int) {
		healthy[i], healthy[j] = healthy[j], healthy[i]
	})
	if len(healthy) > wanted {
		healthy = healthy[:wanted]
	}

	var out []GossipEntry
	for _, n := range append(healthy, failing...) {
		out = append(out, GossipEntry{
			Name:         n.Name,
			PingSent:     uint32(n.PingSent() / 1000),
			PongReceived: uint32(n.PongReceived() / 1000),
			IP:           n.IP,
			Port:         uint16(n.Port),
			CPort:        uint16(n.CPort),
			Flags:        uint16(n.Flags),
		})
	}
	return out
}

// sendUpdate answers a stale claim with the winning owners' bitmaps.
func (g *Gossip) sendUpdate(to *cluster.Node, stale *cluster.SlotBitmap) {
	// Group the stale slots by their actual owner and send one UPDATE
	// per owner.
	owners := make(map[string]*cluster.SlotBitmap)
	for _, slot := range stale.Slots() {
		name := g.state.SlotOwnerName(slot)
		if name == "" {
			continue
		}
		bm, ok := owners[name]
		if !ok {
			bm = &cluster.SlotBitmap{}
			owners[name] = bm
		}
		bm.Set(slot)
	}
	for name, bm := range owners {
		owner, ok := g.state.LookupNode(name)
		if !ok {
			continue
		}
		msg := g.buildHeader(TypeUpdate)
		msg.Update = &UpdatePayload{
			ConfigEpoch: owner.ConfigEpoch,
			Name:        owner.Name,
			Slots:       *bm,
		}
		g.SendTo(to, msg)
		metrics.GossipMessages.WithLabelValues(msg.Type.String(), "out").Inc()
	}
}

// exchange dials addr, writes msg and reads one reply frame.
func (g *Gossip) exchange(addr string, msg *Message) (*Message, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	if err := writeFrame(conn, msg.Encode()); err != nil {
		return nil, err
	}
	metrics.GossipMessages.WithLabelValues(msg.Type.String(), "out").Inc()
	data, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (g *Gossip) sendRaw(addr string, data []byte) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))
	writeFrame(conn, data)
}

// Frames on the wire are the encoded message as-is; the header's totlen
// field delimits it. readFrame peeks the fixed prefix to learn the size.
func readFrame(conn net.Conn) ([]byte, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return nil, err
	}
	if prefix[0] != 'R' || prefix[1] != 'C' || prefix[2] != 'm' || prefix[3] != 'b' {
		return nil, fmt.Errorf("bad signature")
	}
	total := int(uint32(prefix[4]) | uint32(prefix[5])<<8 | uint32(prefix[6])<<16 | uint32(prefix[7])<<24)
	if total < headerLen || total > maxFrameSize {
		return nil, fmt.Errorf("bad frame size %d", total)
	}
	data := make([]byte, total)
	copy(data, prefix)
	if _, err := io.ReadFull(conn, data[8:]); err != nil {
		return nil, err
	}
	return data, nil
}

func writeFrame(conn net.Conn, data []byte) error {
	_, err := conn.Write(data)
	return err
}
