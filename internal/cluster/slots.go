package cluster

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/Shei254/novadb/internal/cluster/hash"
	"github.com/Shei254/novadb/pkg/errors"
)

// SlotCount is the fixed size of the hash-slot space.
const SlotCount = int(hash.SlotCount)

// slotBitmapBytes is the wire size of a full slot bitset (one bit per slot,
// LSB of byte 0 is slot 0).
const slotBitmapBytes = SlotCount / 8

// SlotBitmap is a set of hash slots.
type SlotBitmap [slotBitmapBytes]byte

// Set adds slot to the bitmap.
func (b *SlotBitmap) Set(slot uint16) {
	b[slot/8] |= 1 << (slot % 8)
}

// Clear removes slot from the bitmap.
func (b *SlotBitmap) Clear(slot uint16) {
	b[slot/8] &^= 1 << (slot % 8)
}

// Test reports whether slot is in the bitmap.
func (b *SlotBitmap) Test(slot uint16) bool {
	return b[slot/8]&(1<<(slot%8)) != 0
}

// Count returns the number of slots set.
func (b *SlotBitmap) Count() int {
	n := 0
	for _, by := range b {
		for ; by != 0; by &= by - 1 {
			n++
		}
	}
	return n
}

// Empty reports whether no slot is set.
func (b *SlotBitmap) Empty() bool {
	for _, by := range b {
		if by != 0 {
			return false
		}
	}
	return true
}

// Slots lists every slot set, in ascending order.
func (b *SlotBitmap) Slots() []uint16 {
	var out []uint16
	for i := 0; i < SlotCount; i++ {
		if b.Test(uint16(i)) {
			out = append(out, uint16(i))
		}
	}
	return out
}

// EncodeRuns serializes the bitmap as run-length-encoded
// (startSlot, runLength) u16 pairs prefixed by a u16 byte count.
func (b *SlotBitmap) EncodeRuns() []byte {
	var runs []uint16
	i := 0
	for i < SlotCount {
		if !b.Test(uint16(i)) {
			i++
			continue
		}
		start := i
		for i < SlotCount && b.Test(uint16(i)) {
			i++
		}
		runs = append(runs, uint16(start), uint16(i-start))
	}
	out := make([]byte, 2+2*len(runs))
	binary.LittleEndian.PutUint16(out, uint16(2*len(runs)))
	for j, v := range runs {
		binary.LittleEndian.PutUint16(out[2+2*j:], v)
	}
	return out
}

// DecodeRuns parses the run-length encoding produced by EncodeRuns and
// returns the bitmap plus the number of bytes consumed. Empty runs are
// tolerated; overlapping or out-of-range runs are rejected.
func DecodeRuns(data []byte) (*SlotBitmap, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("slot runs truncated")
	}
	byteCount := int(binary.LittleEndian.Uint16(data))
	if byteCount%4 != 0 || len(data) < 2+byteCount {
		return nil, 0, fmt.Errorf("slot runs malformed: %d bytes", byteCount)
	}
	var bm SlotBitmap
	lastEnd := -1
	for off := 2; off < 2+byteCount; off += 4 {
		start := int(binary.LittleEndian.Uint16(data[off:]))
		length := int(binary.LittleEndian.Uint16(data[off+2:]))
		if length == 0 {
			continue
		}
		end := start + length - 1
		if end >= SlotCount {
			return nil, 0, errors.ErrSlotOutOfRange
		}
		if start <= lastEnd {
			return nil, 0, fmt.Errorf("overlapping slot runs at %d", start)
		}
		for s := start; s <= end; s++ {
			bm.Set(uint16(s))
		}
		lastEnd = end
	}
	return &bm, 2 + byteCount, nil
}

// String renders the bitmap in the textual form used by CLUSTER NODES:
// single slots and dash ranges, space separated ("0-100 4096 5000-5010").
func (b *SlotBitmap) String() string {
	var sb strings.Builder
	i := 0
	for i < SlotCount {
		if !b.Test(uint16(i)) {
			i++
			continue
		}
		start := i
		for i < SlotCount && b.Test(uint16(i)) {
			i++
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		if start == i-1 {
			sb.WriteString(strconv.Itoa(start))
		} else {
			sb.WriteString(strconv.Itoa(start))
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(i - 1))
		}
	}
	return sb.String()
}

// ParseSlotText parses the textual form produced by String. Whitespace is
// tolerated at either end.
func ParseSlotText(text string) (*SlotBitmap, error) {
	var bm SlotBitmap
	for _, field := range strings.Fields(text) {
		start, end, err := parseSlotRange(field)
		if err != nil {
			return nil, err
		}
		for s := start; s <= end; s++ {
			bm.Set(uint16(s))
		}
	}
	return &bm, nil
}

// parseSlotRange parses "N" or "N-M" with bounds checking.
func parseSlotRange(field string) (int, int, error) {
	if dash := strings.IndexByte(field, '-'); dash > 0 {
		start, err := strconv.Atoi(field[:dash])
		if err != nil {
			return 0, 0, fmt.Errorf("bad slot range %q: %w", field, err)
		}
		end, err := strconv.Atoi(field[dash+1:])
		if err != nil {
			return 0, 0, fmt.Errorf("bad slot range %q: %w", field, err)
		}
		if start > end || start < 0 || end >= SlotCount {
			return 0, 0, errors.ErrSlotOutOfRange
		}
		return start, end, nil
	}
	slot, err := strconv.Atoi(field)
	if err != nil {
		return 0, 0, fmt.Errorf("bad slot %q: %w", field, err)
	}
	if slot < 0 || slot >= SlotCount {
		return 0, 0, errors.ErrSlotOutOfRange
	}
	return slot, slot, nil
}

// ParseSlotArgs parses CLUSTER ADDSLOTS arguments: bare slots plus the
// brace range form "{start..end}".
func ParseSlotArgs(args []string) ([]uint16, error) {
	var out []uint16
	for _, arg := range args {
		if strings.HasPrefix(arg, "{") && strings.HasSuffix(arg, "}") {
			body := arg[1 : len(arg)-1]
			parts := strings.SplitN(body, "..", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("bad slot range %q", arg)
			}
			start, end, err := parseSlotRange(parts[0] + "-" + parts[1])
			if err != nil {
				return nil, err
			}
			for s := start; s <= end; s++ {
				out = append(out, uint16(s))
			}
			continue
		}
		slot, _, err := parseSlotRange(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, uint16(slot))
	}
	return out, nil
}
