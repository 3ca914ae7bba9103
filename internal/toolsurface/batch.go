package toolsurface

import (
	"context"
	"encoding/json"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/coalesce"
	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

const batchSchema = `{
	"type": "object",
	"properties": {
		"mode": {"type": "string", "enum": ["Parallel", "Sequential", "Dependencies"]},
		"deadline_ms": {"type": "integer", "minimum": 0},
		"continue_on_error": {"type": "boolean"},
		"ops": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"tool": {"type": "string"},
					"args": {},
					"depends_on": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["id", "tool"]
			}
		}
	},
	"required": ["mode", "ops"]
}`

type batchOpArgs struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	DependsOn []string        `json:"depends_on"`
}

type batchArgs struct {
	Mode            string          `json:"mode"`
	DeadlineMS      int             `json:"deadline_ms"`
	ContinueOnError bool            `json:"continue_on_error"`
	Ops             []batchOpArgs   `json:"ops"`
}

// registerBatchTool wires the batch-control tool from SPEC_FULL.md §4.7 onto
// C7's coalesce.Coalescer.Execute, with each sub-op a recursive call back
// into this Surface's own Registry.
func (s *Surface) registerBatchTool() {
	_ = s.Registry.Register(ToolDescription{
		Name:       "batch.execute",
		Summary:    "Execute a batch of tool calls in Parallel, Sequential, or Dependencies mode",
		ArgsSchema: batchSchema,
	}, func(raw json.RawMessage) error {
		var a batchArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "decoding batch.execute arguments", err)
		}
		if len(a.Ops) == 0 {
			return loxerr.New(loxerr.KindInvalidInput, "ops must not be empty")
		}
		seen := make(map[string]bool, len(a.Ops))
		for _, op := range a.Ops {
			if op.ID == "" || op.Tool == "" {
				return loxerr.New(loxerr.KindInvalidInput, "every op needs an id and a tool")
			}
			if seen[op.ID] {
				return loxerr.New(loxerr.KindInvalidInput, "duplicate op id: "+op.ID)
			}
			seen[op.ID] = true
		}
		return nil
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a batchArgs
		_ = json.Unmarshal(raw, &a)

		ops := make([]coalesce.SubOp, 0, len(a.Ops))
		for _, op := range a.Ops {
			op := op
			ops = append(ops, coalesce.SubOp{
				ID:        op.ID,
				DependsOn: op.DependsOn,
				Fn: func(ctx context.Context) (any, error) {
					return s.Registry.Execute(ctx, op.Tool, op.Args)
				},
			})
		}

		req := coalesce.BatchRequest{
			Mode:            coalesce.BatchMode(a.Mode),
			Ops:             ops,
			ContinueOnError: a.ContinueOnError,
		}
		if a.DeadlineMS > 0 {
			req.Deadline = time.Duration(a.DeadlineMS) * time.Millisecond
		}

		result, err := s.coalescer.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}
