package toolsurface

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, args json.RawMessage) (any, error) {
	var v map[string]any
	_ = json.Unmarshal(args, &v)
	return v, nil
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestRegistryValidatesSchemaBeforeHandler(t *testing.T) {
	r := NewRegistry()
	err := r.Register(ToolDescription{
		Name:       "greet",
		ArgsSchema: `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`,
	}, nil, echoHandler)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "greet", json.RawMessage(`{}`))
	require.Error(t, err)

	v, err := r.Execute(context.Background(), "greet", json.RawMessage(`{"name":"Ralf"}`))
	require.NoError(t, err)
	require.Equal(t, "Ralf", v.(map[string]any)["name"])
}

func TestRegistrySemanticValidatorRunsAfterSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(ToolDescription{
		Name:       "setpoint",
		ArgsSchema: `{"type":"object","properties":{"value":{"type":"number"}},"required":["value"]}`,
	}, func(raw json.RawMessage) error {
		var v struct {
			Value float64 `json:"value"`
		}
		_ = json.Unmarshal(raw, &v)
		if !inRange(v.Value, 0, 100) {
			return require.AnError
		}
		return nil
	}, echoHandler)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "setpoint", json.RawMessage(`{"value": 200}`))
	require.Error(t, err)

	_, err = r.Execute(context.Background(), "setpoint", json.RawMessage(`{"value": 50}`))
	require.NoError(t, err)
}

func TestRegistryDescribePreservesOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ToolDescription{Name: "b"}, nil, echoHandler))
	require.NoError(t, r.Register(ToolDescription{Name: "a"}, nil, echoHandler))
	names := r.Describe()
	require.Equal(t, "b", names[0].Name)
	require.Equal(t, "a", names[1].Name)
}
