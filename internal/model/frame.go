package model

import "time"

// FrameKind is the 1-byte tag in a BinaryFrame's 8-byte header. See
// SPEC_FULL.md §4.4.
type FrameKind byte

const (
	FrameText        FrameKind = 0x00
	FrameBinaryFile  FrameKind = 0x01
	FrameEventTable  FrameKind = 0x02
	FrameTextTable   FrameKind = 0x03
	FrameDaylight    FrameKind = 0x04
	FrameWeather     FrameKind = 0x05
	FrameOutOfService FrameKind = 0x06
	FrameKeepAlive   FrameKind = 0x07
)

// FrameMagic is the fixed first byte of every frame header.
const FrameMagic byte = 0x03

// BinaryFrame is a decoded WebSocket frame: tag, length and payload, bounded
// by MaxFramePayload. See SPEC_FULL.md §3.
type BinaryFrame struct {
	Kind    FrameKind
	Info    byte
	Length  uint32
	Payload []byte
}

// MaxFramePayload is the default maximum payload size (16 MiB), per
// SPEC_FULL.md §3.
const MaxFramePayload = 16 * 1024 * 1024

// EventRecord is one decoded entry from a 0x02 value event table:
// 16-byte state UUID + little-endian float64 value.
type EventRecord struct {
	StateUUID string
	Value     float64
}

// TextEventRecord is one decoded entry from a 0x03 text-state event table.
type TextEventRecord struct {
	StateUUID string
	Text      string
}

// StateUpdate is the typed, decoded result of one event-table record, as
// produced by C5. See SPEC_FULL.md §3.
type StateUpdate struct {
	StateUUID string
	Value     StateValue
	Timestamp time.Time
	Version   uint64
}
