package coalesce

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

func TestReadDeduplicatesConcurrentCallers(t *testing.T) {
	c := New()
	var calls atomic.Int32
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	}

	key := model.NewCoalescingKey("devices.all", "")
	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		go func() {
			v, err := c.Read(context.Background(), key, fn)
			require.NoError(t, err)
			results <- v
		}()
	}
	for i := 0; i < 8; i++ {
		require.Equal(t, "value", <-results)
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	c := New()
	ops := []SubOp{
		{ID: "a", Fn: func(ctx context.Context) (any, error) { return 1, nil }},
		{ID: "b", Fn: func(ctx context.Context) (any, error) { return 2, nil }},
		{ID: "c", Fn: func(ctx context.Context) (any, error) { return 3, nil }},
	}
	res, err := c.Execute(context.Background(), BatchRequest{Mode: ModeParallel, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, BatchOk, res.Status)
	require.Equal(t, []string{"a", "b", "c"}, []string{res.Results[0].ID, res.Results[1].ID, res.Results[2].ID})
}

func TestExecuteSequentialSkipsAfterFirstError(t *testing.T) {
	c := New()
	ops := []SubOp{
		{ID: "a", Fn: func(ctx context.Context) (any, error) { return nil, errors.New("boom") }},
		{ID: "b", Fn: func(ctx context.Context) (any, error) { return 1, nil }},
	}
	res, err := c.Execute(context.Background(), BatchRequest{Mode: ModeSequential, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, BatchPartial, res.Status)
	require.Equal(t, StatusErr, res.Results[0].Status)
	require.Equal(t, StatusSkipped, res.Results[1].Status)
}

func TestExecuteSequentialContinuesOnErrorWhenRequested(t *testing.T) {
	c := New()
	ops := []SubOp{
		{ID: "a", Fn: func(ctx context.Context) (any, error) { return nil, errors.New("boom") }},
		{ID: "b", Fn: func(ctx context.Context) (any, error) { return 1, nil }},
	}
	res, err := c.Execute(context.Background(), BatchRequest{Mode: ModeSequential, Ops: ops, ContinueOnError: true})
	require.NoError(t, err)
	require.Equal(t, StatusErr, res.Results[0].Status)
	require.Equal(t, StatusOk, res.Results[1].Status)
}

func TestExecuteDependenciesRunsInDependencyOrder(t *testing.T) {
	c := New()
	var order []string
	ops := []SubOp{
		{ID: "root", Fn: func(ctx context.Context) (any, error) {
			order = append(order, "root")
			return nil, nil
		}},
		{ID: "child", DependsOn: []string{"root"}, Fn: func(ctx context.Context) (any, error) {
			order = append(order, "child")
			return nil, nil
		}},
	}
	res, err := c.Execute(context.Background(), BatchRequest{Mode: ModeDependencies, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, BatchOk, res.Status)
	require.Equal(t, []string{"root", "child"}, order)
}

func TestExecuteDependenciesRejectsCycle(t *testing.T) {
	c := New()
	ops := []SubOp{
		{ID: "a", DependsOn: []string{"b"}, Fn: func(ctx context.Context) (any, error) { return nil, nil }},
		{ID: "b", DependsOn: []string{"a"}, Fn: func(ctx context.Context) (any, error) { return nil, nil }},
	}
	_, err := c.Execute(context.Background(), BatchRequest{Mode: ModeDependencies, Ops: ops})
	require.Error(t, err)
}

func TestExecuteSkipsDependentsOfFailedOp(t *testing.T) {
	c := New()
	ops := []SubOp{
		{ID: "root", Fn: func(ctx context.Context) (any, error) { return nil, errors.New("boom") }},
		{ID: "child", DependsOn: []string{"root"}, Fn: func(ctx context.Context) (any, error) { return nil, nil }},
	}
	res, err := c.Execute(context.Background(), BatchRequest{Mode: ModeDependencies, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, StatusErr, res.Results[0].Status)
	require.Equal(t, StatusSkipped, res.Results[1].Status)
}

func TestExecuteRespectsOverallDeadline(t *testing.T) {
	c := New()
	ops := []SubOp{
		{ID: "slow", Fn: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}},
	}
	res, err := c.Execute(context.Background(), BatchRequest{Mode: ModeParallel, Ops: ops, Deadline: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, res.Results[0].Status)
}
