package transport

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

func buildHeader(kind model.FrameKind, length uint32) []byte {
	h := make([]byte, headerSize)
	h[0] = model.FrameMagic
	h[1] = byte(kind)
	binary.LittleEndian.PutUint32(h[4:8], length)
	return h
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	h := buildHeader(model.FrameText, 0)
	h[0] = 0xFF
	_, _, _, err := parseHeader(h)
	require.Error(t, err)
}

func TestParseHeaderRejectsOversizedPayload(t *testing.T) {
	h := buildHeader(model.FrameBinaryFile, model.MaxFramePayload+1)
	_, _, _, err := parseHeader(h)
	require.Error(t, err)
}

func TestSplitFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	msg := append(buildHeader(model.FrameText, uint32(len(payload))), payload...)

	frame, err := splitFrame(msg)
	require.NoError(t, err)
	require.Equal(t, model.FrameText, frame.Kind)
	require.Equal(t, payload, frame.Payload)
}

func TestSplitFrameRejectsTruncatedPayload(t *testing.T) {
	msg := buildHeader(model.FrameText, 100)
	_, err := splitFrame(msg)
	require.Error(t, err)
}

func TestSplitFrameRejectsOverlengthPayload(t *testing.T) {
	payload := []byte("hello world")
	msg := append(buildHeader(model.FrameText, uint32(len(payload)-2)), payload...)
	_, err := splitFrame(msg)
	require.Error(t, err)
}

func TestParseEventTable(t *testing.T) {
	rec := make([]byte, 24)
	copy(rec[:16], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb})
	binary.LittleEndian.PutUint64(rec[16:24], math.Float64bits(21.5))

	records, err := parseEventTable(rec)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.InDelta(t, 21.5, records[0].Value, 0.0001)
	require.Equal(t, "aabbccdd-0011-2233-4455-66778899aabb", records[0].StateUUID)
}

func TestParseEventTableRejectsMisalignedLength(t *testing.T) {
	_, err := parseEventTable(make([]byte, 23))
	require.Error(t, err)
}

func TestParseTextEventTable(t *testing.T) {
	uuidBytes := make([]byte, 16)
	text := []byte("door open")
	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(text)))

	payload := append(append(uuidBytes, lenBytes...), text...)

	records, err := parseTextEventTable(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "door open", records[0].Text)
}

func TestParseTextEventTableRejectsTruncation(t *testing.T) {
	_, err := parseTextEventTable(make([]byte, 10))
	require.Error(t, err)
}
