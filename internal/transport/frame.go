package transport

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

const headerSize = 8

// parseHeader decodes the 8-byte Loxone binary frame header described in
// SPEC_FULL.md §4.4: magic byte, kind, info flags, reserved byte, then a
// little-endian uint32 payload length.
func parseHeader(b []byte) (kind model.FrameKind, info byte, length uint32, err error) {
	if len(b) < headerSize {
		return 0, 0, 0, fmt.Errorf("short frame header: %d bytes", len(b))
	}
	if b[0] != model.FrameMagic {
		return 0, 0, 0, fmt.Errorf("bad frame magic %#x", b[0])
	}
	kind = model.FrameKind(b[1])
	info = b[2]
	length = binary.LittleEndian.Uint32(b[4:8])
	if length > model.MaxFramePayload {
		return 0, 0, 0, fmt.Errorf("frame payload length %d exceeds max %d", length, model.MaxFramePayload)
	}
	return kind, info, length, nil
}

// splitFrame separates an incoming WebSocket message into its header and
// payload once enough bytes have arrived.
func splitFrame(msg []byte) (model.BinaryFrame, error) {
	kind, info, length, err := parseHeader(msg)
	if err != nil {
		return model.BinaryFrame{}, err
	}
	payload := msg[headerSize:]
	if uint32(len(payload)) != length {
		return model.BinaryFrame{}, fmt.Errorf("frame payload length mismatch: have %d want %d", len(payload), length)
	}
	return model.BinaryFrame{Kind: kind, Info: info, Length: length, Payload: payload}, nil
}

// parseEventTable decodes a 0x02 value-event-table frame: a sequence of
// 24-byte records, each a 16-byte UUID and an 8-byte little-endian float64.
func parseEventTable(payload []byte) ([]model.EventRecord, error) {
	const recordSize = 24
	if len(payload)%recordSize != 0 {
		return nil, fmt.Errorf("event table length %d not a multiple of %d", len(payload), recordSize)
	}
	n := len(payload) / recordSize
	out := make([]model.EventRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := payload[i*recordSize : (i+1)*recordSize]
		uuid := formatUUID(rec[:16])
		bits := binary.LittleEndian.Uint64(rec[16:24])
		value := math.Float64frombits(bits)
		out = append(out, model.EventRecord{StateUUID: uuid, Value: value})
	}
	return out, nil
}

// parseTextEventTable decodes a 0x03 text-state-event-table frame: records of
// {uuid(16), text_len(u32 LE), text(utf8)}.
func parseTextEventTable(payload []byte) ([]model.TextEventRecord, error) {
	var out []model.TextEventRecord
	offset := 0
	for offset < len(payload) {
		if offset+16+4 > len(payload) {
			return nil, fmt.Errorf("truncated text event record at offset %d", offset)
		}
		uuid := formatUUID(payload[offset : offset+16])
		offset += 16
		textLen := binary.LittleEndian.Uint32(payload[offset : offset+4])
		offset += 4
		if offset+int(textLen) > len(payload) {
			return nil, fmt.Errorf("truncated text payload at offset %d", offset)
		}
		text := string(payload[offset : offset+int(textLen)])
		offset += int(textLen)
		out = append(out, model.TextEventRecord{StateUUID: uuid, Text: text})
	}
	return out, nil
}

func formatUUID(b []byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
