package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// AuditSink is the subset of *history.Store the audit log writes through.
// Adapted from the base codebase's internal/audit.AuditTrail, which kept its
// own bounded ring buffer; here the ring/rotation/retention responsibility
// belongs entirely to C6, so AuditLog is a thin shaping layer in front of it.
type AuditSink interface {
	AppendEvent(event model.HistoricalEvent)
}

// AuditLog records the four SPEC_FULL.md §4.8 audit event classes — auth
// attempts, tool invocations, rate-limit penalties, circuit-breaker
// transitions — as HistoricalEvents of category Audit.
type AuditLog struct {
	sink AuditSink
	seq  uint64
}

// NewAuditLog builds an AuditLog writing through sink.
func NewAuditLog(sink AuditSink) *AuditLog {
	return &AuditLog{sink: sink}
}

func (a *AuditLog) record(source string, payload map[string]any) {
	a.seq++
	a.sink.AppendEvent(model.HistoricalEvent{
		ID:       fmt.Sprintf("audit-%d", a.seq),
		Category: model.CategoryAudit,
		Source:   source,
		Payload:  payload,
	})
}

// RecordAuthAttempt logs an authentication attempt. reason is a short,
// secret-free classification (e.g. "invalid_credentials", "token_expired");
// the credential value itself is never passed in or logged.
func (a *AuditLog) RecordAuthAttempt(identity string, success bool, reason string) {
	a.record(identity, map[string]any{
		"event":   "auth_attempt",
		"success": success,
		"reason":  reason,
	})
}

// RecordToolInvocation logs a tool call tagged with the calling identity and
// a digest of its arguments — never the raw arguments, which may carry
// device state or other sensitive payload.
func (a *AuditLog) RecordToolInvocation(identity, tool string, args json.RawMessage, success bool) {
	a.record(identity, map[string]any{
		"event":        "tool_invocation",
		"tool":         tool,
		"args_digest":  ArgDigest(args),
		"success":      success,
	})
}

// RecordRateLimitPenalty logs that identity's bucket entered penalty decay.
func (a *AuditLog) RecordRateLimitPenalty(identity string, retryAfterSec float64) {
	a.record(identity, map[string]any{
		"event":       "rate_limit_penalty",
		"retry_after": retryAfterSec,
	})
}

// RecordBreakerTransition logs a circuit-breaker state transition.
func (a *AuditLog) RecordBreakerTransition(component, from, to string) {
	a.record(component, map[string]any{
		"event": "breaker_transition",
		"from":  from,
		"to":    to,
	})
}

// ArgDigest returns a stable, non-reversible fingerprint of a tool's raw
// arguments for audit correlation without persisting the arguments
// themselves.
func ArgDigest(args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:8])
}
