package security

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

type fakeSink struct {
	events []model.HistoricalEvent
}

func (f *fakeSink) AppendEvent(event model.HistoricalEvent) {
	f.events = append(f.events, event)
}

func TestAuditLogRecordsAuthAttempt(t *testing.T) {
	sink := &fakeSink{}
	a := NewAuditLog(sink)
	a.RecordAuthAttempt("user-1", false, "invalid_credentials")

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	require.Equal(t, model.CategoryAudit, e.Category)
	require.Equal(t, "user-1", e.Source)
	require.Equal(t, "auth_attempt", e.Payload["event"])
	require.Equal(t, false, e.Payload["success"])
	require.Equal(t, "invalid_credentials", e.Payload["reason"])
}

func TestAuditLogRecordsToolInvocationWithDigestNotRawArgs(t *testing.T) {
	sink := &fakeSink{}
	a := NewAuditLog(sink)
	args := json.RawMessage(`{"uuid":"secret-looking-value"}`)
	a.RecordToolInvocation("user-2", "device.control", args, true)

	require.Len(t, sink.events, 1)
	payload := sink.events[0].Payload
	require.Equal(t, "tool_invocation", payload["event"])
	require.Equal(t, "device.control", payload["tool"])
	require.NotContains(t, payload["args_digest"], "secret-looking-value")
	require.Equal(t, ArgDigest(args), payload["args_digest"])
}

func TestAuditLogRecordsRateLimitPenalty(t *testing.T) {
	sink := &fakeSink{}
	a := NewAuditLog(sink)
	a.RecordRateLimitPenalty("user-3", 300)

	require.Equal(t, "rate_limit_penalty", sink.events[0].Payload["event"])
	require.Equal(t, 300.0, sink.events[0].Payload["retry_after"])
}

func TestAuditLogRecordsBreakerTransition(t *testing.T) {
	sink := &fakeSink{}
	a := NewAuditLog(sink)
	a.RecordBreakerTransition("websocket", "Closed", "Open")

	e := sink.events[0]
	require.Equal(t, "websocket", e.Source)
	require.Equal(t, "Closed", e.Payload["from"])
	require.Equal(t, "Open", e.Payload["to"])
}

func TestArgDigestIsStableAndShort(t *testing.T) {
	args := json.RawMessage(`{"a":1}`)
	require.Equal(t, ArgDigest(args), ArgDigest(args))
	require.Len(t, ArgDigest(args), 16)
}
