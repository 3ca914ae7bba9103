// Package pagination provides cursor-based pagination over ordered event
// streams, used by history.query (SPEC_FULL.md §4.5 "Queries are
// restartable") to page across the hot ring buffer and cold NDJSON tier.
//
// Cursor format: "timestamp:sequence" (e.g., "2026-01-30T10:15:23Z:42").
// Sequence breaks ties between entries sharing a Timestamp. All functions
// are pure: they parse and compare, they never touch storage directly.
package pagination
