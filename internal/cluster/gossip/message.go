// Package gossip implements the cluster bus: the binary message codec and
// the transport that keeps the membership view converged.
package gossip

import (
	"encoding/binary"
	"fmt"

	"github.com/Shei254/novadb/internal/cluster"
)

// Bus frame signature.
var signature = [4]byte{'R', 'C', 'm', 'b'}

// Type is the cluster bus message type.
type Type uint16

const (
	TypePing Type = iota + 1
	TypePong
	TypeMeet
	TypeFail
	TypePublish
	TypeUpdate
	TypeMFStart
	TypeFailoverAuthRequest
	TypeFailoverAuthAck
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeMeet:
		return "MEET"
	case TypeFail:
		return "FAIL"
	case TypePublish:
		return "PUBLISH"
	case TypeUpdate:
		return "UPDATE"
	case TypeMFStart:
		return "MFSTART"
	case TypeFailoverAuthRequest:
		return "FAILOVER_AUTH_REQUEST"
	case TypeFailoverAuthAck:
		return "FAILOVER_AUTH_ACK"
	default:
		return "UNKNOWN"
	}
}

// protoVer is the bus protocol version.
const protoVer uint16 = 1

// Fixed field sizes.
const (
	nameLen   = 40
	ipLen     = 46
	headerLen = 4 + 4 + 2 + 2 + 2 + 2 + 8 + 8 + 8 + nameLen + slotBitmapLen + nameLen + ipLen + 2 + 2 + 1 + 3
	gossipLen = nameLen + 4 + 4 + ipLen + 2 + 2 + 2
	updateLen = 8 + nameLen + slotBitmapLen
	failLen   = nameLen
)

const slotBitmapLen = cluster.SlotCount / 8

// Header flag bits carried in MFlags[0].
const (
	MFlagForceAck byte = 1 << iota // sender requests a FORCE election ack
	MFlagPaused                    // sender has writes paused (manual failover)
)

// Header is the fixed part of every bus message: sender identity, epochs,
// replication offset and the sender's owned slots.
type Header struct {
	Type         Type
	Port         uint16
	Count        uint16
	CurrentEpoch uint64
	ConfigEpoch  uint64
	Offset       uint64
	Sender       string
	Slots        cluster.SlotBitmap
	SlaveOf      string
	MyIP         string
	CPort        uint16
	Flags        uint16
	State        uint8
	MFlags       [3]byte
}

// GossipEntry is one membership rumor in a PING/PONG/MEET payload.
type GossipEntry struct {
	Name         string
	PingSent     uint32
	PongReceived uint32
	IP           string
	Port         uint16
	CPort        uint16
	Flags        uint16
}

// UpdatePayload corrects a stale peer's view of one node's slot ownership.
type UpdatePayload struct {
	ConfigEpoch uint64
	Name        string
	Slots       cluster.SlotBitmap
}

// Message is a decoded bus frame.
type Message struct {
	Header
	Gossip   []GossipEntry
	Update   *UpdatePayload
	FailNode string
}

func putName(buf []byte, name string) {
	n := copy(buf, name)
	for ; n < len(buf); n++ {
		buf[n] = 0
	}
}

func getName(buf []byte) string {
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return string(buf[:end])
}

// Encode serializes the message, filling in totlen and count.
func (m *Message) Encode() []byte {
	payloadLen := 0
	switch m.Type {
	case TypePing, TypePong, TypeMeet:
		payloadLen = gossipLen * len(m.Gossip)
	case TypeUpdate:
		payloadLen = updateLen
	case TypeFail:
		payloadLen = failLen
	}
	total := headerLen + payloadLen
	buf := make([]byte, total)

	copy(buf, signature[:])
	le := binary.LittleEndian
	le.PutUint32(buf[4:], uint32(total))
	le.PutUint16(buf[8:], protoVer)
	le.PutUint16(buf[10:], m.Port)
	le.PutUint16(buf[12:], uint16(m.Type))
	le.PutUint16(buf[14:], uint16(len(m.Gossip)))
	le.PutUint64(buf[16:], m.CurrentEpoch)
	le.PutUint64(buf[24:], m.ConfigEpoch)
	le.PutUint64(buf[32:], m.Offset)
	putName(buf[40:40+nameLen], m.Sender)
	copy(buf[80:80+slotBitmapLen], m.Slots[:])
	putName(buf[2128:2128+nameLen], m.SlaveOf)
	putName(buf[2168:2168+ipLen], m.MyIP)
	le.PutUint16(buf[2214:], m.CPort)
	le.PutUint16(buf[2216:], m.Flags)
	buf[2218] = m.State
	copy(buf[2219:2222], m.MFlags[:])

	off := headerLen
	switch m.Type {
	case TypePing, TypePong, TypeMeet:
		for _, g := range m.Gossip {
			putName(buf[off:off+nameLen], g.Name)
			le.PutUint32(buf[off+40:], g.PingSent)
			le.PutUint32(buf[off+44:], g.PongReceived)
			putName(buf[off+48:off+48+ipLen], g.IP)
			le.PutUint16(buf[off+94:], g.Port)
			le.PutUint16(buf[off+96:], g.CPort)
			le.PutUint16(buf[off+98:], g.Flags)
			off += gossipLen
		}
	case TypeUpdate:
		le.PutUint64(buf[off:], m.Update.ConfigEpoch)
		putName(buf[off+8:off+8+nameLen], m.Update.Name)
		copy(buf[off+48:off+48+slotBitmapLen], m.Update.Slots[:])
	case TypeFail:
		putName(buf[off:off+nameLen], m.FailNode)
	}
	return buf
}

// Decode parses a full bus frame.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if data[0] != 'R' || data[1] != 'C' || data[2] != 'm' || data[3] != 'b' {
		return nil, fmt.Errorf("bad signature %q", data[:4])
	}
	le := binary.LittleEndian
	total := int(le.Uint32(data[4:]))
	if total != len(data) {
		return nil, fmt.Errorf("totlen %d does not match frame size %d", total, len(data))
	}
	if ver := le.Uint16(data[8:]); ver != protoVer {
		return nil, fmt.Errorf("unsupported bus version %d", ver)
	}

	var m Message
	m.Port = le.Uint16(data[10:])
	m.Type = Type(le.Uint16(data[12:]))
	m.Count = le.Uint16(data[14:])
	m.CurrentEpoch = le.Uint64(data[16:])
	m.ConfigEpoch = le.Uint64(data[24:])
	m.Offset = le.Uint64(data[32:])
	m.Sender = getName(data[40 : 40+nameLen])
	copy(m.Slots[:], data[80:80+slotBitmapLen])
	m.SlaveOf = getName(data[2128 : 2128+nameLen])
	m.MyIP = getName(data[2168 : 2168+ipLen])
	m.CPort = le.Uint16(data[2214:])
	m.Flags = le.Uint16(data[2216:])
	m.State = data[2218]
	copy(m.MFlags[:], data[2219:2222])

	payload := data[headerLen:]
	switch m.Type {
	case TypePing, TypePong, TypeMeet:
		if len(payload) != gossipLen*int(m.Count) {
			return nil, fmt.Errorf("gossip payload size %d for count %d", len(payload), m.Count)
		}
		for i := 0; i < int(m.Count); i++ {
			off := i * gossipLen
			m.Gossip = append(m.Gossip, GossipEntry{
				Name:         getName(payload[off : off+nameLen]),
				PingSent:     le.Uint32(payload[off+40:]),
				PongReceived: le.Uint32(payload[off+44:]),
				IP:           getName(payload[off+48 : off+48+ipLen]),
				Port:         le.Uint16(payload[off+94:]),
				CPort:        le.Uint16(payload[off+96:]),
				Flags:        le.Uint16(payload[off+98:]),
			})
		}
	case TypeUpdate:
		if len(payload) != updateLen {
			return nil, fmt.Errorf("update payload size %d", len(payload))
		}
		up := &UpdatePayload{
			ConfigEpoch: le.Uint64(payload),
			Name:        getName(payload[8 : 8+nameLen]),
		}
		copy(up.Slots[:], payload[48:48+slotBitmapLen])
		m.Update = up
	case TypeFail:
		if len(payload) != failLen {
			return nil, fmt.Errorf("fail payload size %d", len(payload))
		}
		m.FailNode = getName(payload[:nameLen])
	default:
		if len(payload) != 0 {
			return nil, fmt.Errorf("unexpected payload for %s", m.Type)
		}
	}
	return &m, nil
}
