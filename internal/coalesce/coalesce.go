// Package coalesce implements C7, the Request Coalescer & Batch Executor
// from SPEC_FULL.md §4.6: single-flight deduplication for read-shaped
// tool/resource calls, and a batch executor supporting Parallel, Sequential,
// and Dependencies (DAG) sub-op modes.
package coalesce

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// DefaultParallelism bounds concurrent sub-op execution in Parallel and
// Dependencies modes (SPEC_FULL.md §4.6 "default 8").
const DefaultParallelism = 8

// Coalescer deduplicates in-flight reads by CoalescingKey and runs batches.
// Writes are never coalesced; callers only route read-shaped calls through
// Read.
type Coalescer struct {
	sf           singleflight.Group
	parallelism  int
}

// New constructs a Coalescer with the default parallelism.
func New() *Coalescer {
	return &Coalescer{parallelism: DefaultParallelism}
}

// Read executes fn under the given CoalescingKey, sharing the result across
// all concurrent callers with the same key (SPEC_FULL.md §4.6 "Coalescing").
func (c *Coalescer) Read(ctx context.Context, key model.CoalescingKey, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err, _ := c.sf.Do(string(key), func() (any, error) {
		return fn(ctx)
	})
	return v, err
}

// BatchMode selects how a batch's sub-operations are scheduled.
type BatchMode string

const (
	ModeParallel     BatchMode = "Parallel"
	ModeSequential    BatchMode = "Sequential"
	ModeDependencies BatchMode = "Dependencies"
)

// SubOpStatus is the per-sub-op outcome (SPEC_FULL.md §4.6 "Result shape").
type SubOpStatus string

const (
	StatusOk      SubOpStatus = "Ok"
	StatusErr     SubOpStatus = "Err"
	StatusSkipped SubOpStatus = "Skipped"
	StatusTimedOut SubOpStatus = "TimedOut"
)

// BatchStatus is the aggregate outcome across all sub-ops.
type BatchStatus string

const (
	BatchOk      BatchStatus = "Ok"
	BatchPartial BatchStatus = "Partial"
	BatchErr     BatchStatus = "Err"
)

// SubOp is one unit of work in a batch.
type SubOp struct {
	ID          string
	DependsOn   []string // only meaningful in ModeDependencies
	Timeout     time.Duration
	Fn          func(ctx context.Context) (any, error)
}

// SubOpResult is the recorded outcome of one SubOp.
type SubOpResult struct {
	ID         string
	Status     SubOpStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Value      any
	Err        error
}

// BatchRequest describes one Execute call (SPEC_FULL.md §4.6 "Batching").
type BatchRequest struct {
	Mode            BatchMode
	Ops             []SubOp
	Deadline        time.Duration // overall batch deadline; 0 means none
	ContinueOnError bool          // only meaningful in ModeSequential
}

// BatchResult is the aggregated outcome of Execute.
type BatchResult struct {
	Status  BatchStatus
	Results []SubOpResult
}

// Execute runs req's sub-ops per its Mode and returns the aggregated result.
// A cyclic Dependencies graph is rejected before any sub-op runs.
func (c *Coalescer) Execute(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	var results []SubOpResult
	switch req.Mode {
	case ModeSequential:
		results = c.runSequential(ctx, req)
	case ModeDependencies:
		r, err := c.runDependencies(ctx, req)
		if err != nil {
			return BatchResult{}, err
		}
		results = r
	case ModeParallel, "":
		results = c.runParallel(ctx, req.Ops)
	default:
		return BatchResult{}, loxerr.New(loxerr.KindInvalidInput, fmt.Sprintf("unknown batch mode %q", req.Mode))
	}

	return BatchResult{Status: aggregateStatus(results), Results: results}, nil
}

func aggregateStatus(results []SubOpResult) BatchStatus {
	if len(results) == 0 {
		return BatchOk
	}
	okCount := 0
	for _, r := range results {
		if r.Status == StatusOk {
			okCount++
		}
	}
	switch {
	case okCount == len(results):
		return BatchOk
	case okCount == 0:
		return BatchErr
	default:
		return BatchPartial
	}
}

func (c *Coalescer) runSequential(ctx context.Context, req BatchRequest) []SubOpResult {
	results := make([]SubOpResult, 0, len(req.Ops))
	failed := false
	for _, op := range req.Ops {
		if failed && !req.ContinueOnError {
			results = append(results, SubOpResult{ID: op.ID, Status: StatusSkipped})
			continue
		}
		res := runOne(ctx, op)
		if res.Status != StatusOk {
			failed = true
		}
		results = append(results, res)
	}
	return results
}

func (c *Coalescer) runParallel(ctx context.Context, ops []SubOp) []SubOpResult {
	results := make([]SubOpResult, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			results[i] = runOne(gctx, op)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runDependencies executes ops as a DAG: the ready set (no unresolved
// dependencies) runs in parallel each round; completing a sub-op may make
// its dependents ready (SPEC_FULL.md §4.6 "Dependencies").
func (c *Coalescer) runDependencies(ctx context.Context, req BatchRequest) ([]SubOpResult, error) {
	if err := detectCycle(req.Ops); err != nil {
		return nil, err
	}

	byID := make(map[string]SubOp, len(req.Ops))
	remaining := make(map[string]SubOp, len(req.Ops))
	for _, op := range req.Ops {
		byID[op.ID] = op
		remaining[op.ID] = op
	}

	results := make(map[string]SubOpResult, len(req.Ops))
	order := make([]string, 0, len(req.Ops))
	for _, op := range req.Ops {
		order = append(order, op.ID)
	}

	for len(remaining) > 0 {
		ready := make([]SubOp, 0)
		for id, op := range remaining {
			if allSatisfied(op.DependsOn, results) {
				ready = append(ready, op)
				delete(remaining, id)
			}
		}
		if len(ready) == 0 {
			// Unresolvable dependency (e.g. on a failed/skipped op never
			// satisfied): mark the rest Skipped and stop.
			for id := range remaining {
				results[id] = SubOpResult{ID: id, Status: StatusSkipped}
			}
			break
		}

		batch := c.runParallel(ctx, ready)
		for _, r := range batch {
			results[r.ID] = r
		}
	}

	out := make([]SubOpResult, 0, len(order))
	for _, id := range order {
		out = append(out, results[id])
	}
	return out, nil
}

func allSatisfied(deps []string, results map[string]SubOpResult) bool {
	for _, d := range deps {
		r, ok := results[d]
		if !ok || r.Status != StatusOk {
			return false
		}
	}
	return true
}

func detectCycle(ops []SubOp) error {
	deps := make(map[string][]string, len(ops))
	for _, op := range ops {
		deps[op.ID] = op.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ops))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return loxerr.New(loxerr.KindBatchCycle, fmt.Sprintf("dependency cycle involving %q", id))
		}
		color[id] = gray
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, op := range ops {
		if err := visit(op.ID); err != nil {
			return err
		}
	}
	return nil
}

func runOne(ctx context.Context, op SubOp) SubOpResult {
	start := time.Now()
	opCtx := ctx
	var cancel context.CancelFunc
	if op.Timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	v, err := op.Fn(opCtx)
	finished := time.Now()

	if err != nil {
		if opCtx.Err() != nil {
			return SubOpResult{ID: op.ID, Status: StatusTimedOut, StartedAt: start, FinishedAt: finished, Err: multierr.Append(err, opCtx.Err())}
		}
		return SubOpResult{ID: op.ID, Status: StatusErr, StartedAt: start, FinishedAt: finished, Err: err}
	}
	return SubOpResult{ID: op.ID, Status: StatusOk, StartedAt: start, FinishedAt: finished, Value: v}
}
