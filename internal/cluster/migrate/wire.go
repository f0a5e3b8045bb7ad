package migrate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Shei254/novadb/internal/storage"
)

// The migration stream is a sequence of length-prefixed frames on one
// blocking TCP connection: u32 length | u8 type | payload.
type frameType uint8

const (
	frameHandshake frameType = iota + 1
	frameBatch
	frameBinlog
	frameCommit
	frameAck
	frameErr
)

const maxMigrateFrame = 64 << 20

// handshakePayload opens the stream; the receiver rejects a store-count
// mismatch before any data moves.
type handshakePayload struct {
	TaskID     string `json:"task_id"`
	SrcName    string `json:"src"`
	DstName    string `json:"dst"`
	Slots      string `json:"slots"`
	StoreCount int    `json:"store_count"`
}

// ackPayload answers a batch, binlog or commit frame.
type ackPayload struct {
	Applied int    `json:"applied"`
	Err     string `json:"err,omitempty"`
}

func writeFrame(conn net.Conn, t frameType, payload []byte, timeout time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(timeout))
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr, uint32(1+len(payload)))
	hdr[4] = byte(t)
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn, timeout time.Duration) (frameType, []byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr)
	if length == 0 || length > maxMigrateFrame {
		return 0, nil, fmt.Errorf("bad migrate frame size %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	return frameType(body[0]), body[1:], nil
}

func writeJSONFrame(conn net.Conn, t frameType, v interface{}, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(conn, t, data, timeout)
}

func readAck(conn net.Conn, timeout time.Duration) (*ackPayload, error) {
	t, payload, err := readFrame(conn, timeout)
	if err != nil {
		return nil, err
	}
	if t != frameAck {
		return nil, fmt.Errorf("expected ack frame, got %d", t)
	}
	var ack ackPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, err
	}
	if ack.Err != "" {
		return &ack, fmt.Errorf("peer error: %s", ack.Err)
	}
	return &ack, nil
}

// Batch and binlog payloads reuse the storage log-entry encoding:
// storeID(4B) | count(4B) | entries. Snapshot entries travel as OpSet
// records with Seq 0.
func encodeEntriesPayload(storeID uint32, entries []storage.LogEntry) []byte {
	var size int
	encoded := make([][]byte, len(entries))
	for i, en := range entries {
		encoded[i] = storage.EncodeLogEntry(en)
		size += 4 + len(encoded[i])
	}
	buf := make([]byte, 8, 8+size)
	binary.BigEndian.PutUint32(buf, storeID)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(entries)))
	var scratch [4]byte
	for _, enc := range encoded {
		binary.BigEndian.PutUint32(scratch[:], uint32(len(enc)))
		buf = append(buf, scratch[:]...)
		buf = append(buf, enc...)
	}
	return buf
}

func decodeEntriesPayload(payload []byte) (uint32, []storage.LogEntry, error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("entries payload too short")
	}
	storeID := binary.BigEndian.Uint32(payload)
	count := binary.BigEndian.Uint32(payload[4:])
	entries := make([]storage.LogEntry, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		if len(payload) < off+4 {
			return 0, nil, fmt.Errorf("entries payload truncated")
		}
		size := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4
		if len(payload) < off+size {
			return 0, nil, fmt.Errorf("entries payload truncated entry")
		}
		en, err := storage.DecodeLogEntry(payload[off : off+size])
		if err != nil {
			return 0, nil, err
		}
		entries = append(entries, en)
		off += size
	}
	return storeID, entries, nil
}
