// Package toolsurface implements C8, the Tool & Resource Surface from
// SPEC_FULL.md §4.7: it maps MCP tool names and loxone:// resource URIs to
// operations on C2-C7, validating inputs first by schema then by semantic
// rule, and shaping outputs deterministically.
package toolsurface

import (
	"context"
	"encoding/json"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

// ToolDescription is lightweight metadata surfaced to MCP clients and
// diagnostics.
type ToolDescription struct {
	Name        string
	Summary     string
	ArgsSchema  string // JSON Schema source, compiled at Register time
}

// ToolHandler executes one tool call against already-validated arguments and
// returns a JSON-serializable result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// toolEntry pairs a handler with its compiled schema and semantic validator.
type toolEntry struct {
	desc     ToolDescription
	validate *compiledSchema
	semantic func(args json.RawMessage) error
	handler  ToolHandler
}

// Registry stores tool entries by stable name (SPEC_FULL.md §4.7 "Tool names
// are stable identifiers"). Adapted from the base codebase's plugin-style
// ToolModule registry, collapsed to a single descriptor since C8 has no
// notion of pluggable modules, only a fixed operation surface.
type Registry struct {
	entries map[string]toolEntry
	order   []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]toolEntry)}
}

// Register compiles desc.ArgsSchema (if non-empty) and wires handler and an
// optional semantic validator under desc.Name. Registration order is
// preserved for Describe's deterministic listing.
func (r *Registry) Register(desc ToolDescription, semantic func(args json.RawMessage) error, handler ToolHandler) error {
	var schema *compiledSchema
	if desc.ArgsSchema != "" {
		s, err := compileSchema(desc.Name, desc.ArgsSchema)
		if err != nil {
			return err
		}
		schema = s
	}
	if _, exists := r.entries[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
	}
	r.entries[desc.Name] = toolEntry{desc: desc, validate: schema, semantic: semantic, handler: handler}
	return nil
}

// Describe lists registered tools in registration order.
func (r *Registry) Describe() []ToolDescription {
	out := make([]ToolDescription, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Execute validates args by schema then by semantic rule, then dispatches to
// the tool's handler (SPEC_FULL.md §4.7 "Every tool/resource handler" steps
// 1-5; rate-limit/identity checks happen in the caller before Execute).
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, loxerr.New(loxerr.KindNotFound, "unknown tool: "+name)
	}
	if entry.validate != nil {
		if err := entry.validate.Validate(args); err != nil {
			return nil, err
		}
	}
	if entry.semantic != nil {
		if err := entry.semantic(args); err != nil {
			return nil, err
		}
	}
	return entry.handler(ctx, args)
}
