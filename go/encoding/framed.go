package encoding

import (
	"encoding/binary"
	"fmt"
)

// Framed-batch wire layout:
//
//	count   uint32 LE   number of items
//	type    uint8       Encoding of every item
//	items   count times: length uint32 LE, payload bytes
//
// The header is 5 bytes; each item adds 4 bytes of overhead.

const framedHeaderLen = 5

// FrameItems packs items of a single encoding into one framed payload.
func FrameItems(enc Encoding, items [][]byte) []byte {
	var size = framedHeaderLen
	for _, item := range items {
		size += 4 + len(item)
	}

	var out = make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(items)))
	out = append(out, byte(enc))

	for _, item := range items {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(item)))
		out = append(out, item...)
	}
	return out
}

// DeframeItems unpacks a framed payload into its items and their encoding.
func DeframeItems(payload []byte) (Encoding, [][]byte, error) {
	if len(payload) < framedHeaderLen {
		return Raw, nil, fmt.Errorf("framed payload too short: %d bytes", len(payload))
	}
	var count = binary.LittleEndian.Uint32(payload[:4])

	var enc = Encoding(payload[4])
	if enc > Avro {
		return Raw, nil, fmt.Errorf("unknown framed content type: %d", payload[4])
	}

	var items = make([][]byte, 0, count)
	var rest = payload[framedHeaderLen:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return Raw, nil, fmt.Errorf("framed item %d: truncated length prefix", i)
		}
		var n = binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return Raw, nil, fmt.Errorf("framed item %d: length %d exceeds remaining %d bytes", i, n, len(rest))
		}
		items = append(items, rest[:n:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Raw, nil, fmt.Errorf("framed payload has %d trailing bytes", len(rest))
	}
	return enc, items, nil
}
