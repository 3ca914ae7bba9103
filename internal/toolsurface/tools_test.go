package toolsurface

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/coalesce"
	"github.com/intruder1912/mcp-loxone-sub001/internal/history"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

type fakeStructureView struct {
	snap *model.Structure
}

func (f *fakeStructureView) Snapshot() *model.Structure { return f.snap }

type fakeCommander struct {
	lastPath string
	body     []byte
	err      error
}

func (f *fakeCommander) Get(ctx context.Context, path string) ([]byte, error) {
	f.lastPath = path
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

type fakeHistory struct {
	events []model.HistoricalEvent
}

func (f *fakeHistory) Query(ctx context.Context, opts history.QueryOptions) ([]model.HistoricalEvent, error) {
	return f.events, nil
}

type fakeSubs struct {
	subscribed   []*model.Subscription
	unsubscribed []string
}

func (f *fakeSubs) Subscribe(sub *model.Subscription) { f.subscribed = append(f.subscribed, sub) }
func (f *fakeSubs) Unsubscribe(id string)              { f.unsubscribed = append(f.unsubscribed, id) }

func buildTestSnapshot() *model.Structure {
	cell := &model.StateCell{}
	cell.Store(model.NewNumber(1))
	dev := &model.Device{
		UUID:     "0504a377-032a-38c0-ffff-efa2a2a2a2a2",
		Name:     "Ceiling Light",
		TypeName: "Switch",
		Category: model.CategoryLighting,
		RoomUUID: "room-1",
		States:   map[string]string{"active": "state-1"},
		Cells:    map[string]*model.StateCell{"state-1": cell},
	}
	room := &model.Room{UUID: "room-1", Name: "Living Room", Devices: []string{dev.UUID}}
	return &model.Structure{
		Devices: map[string]*model.Device{dev.UUID: dev},
		Rooms:   map[string]*model.Room{"room-1": room},
	}
}

func newTestSurface() (*Surface, *fakeCommander, *fakeSubs) {
	commander := &fakeCommander{body: []byte(`{"LL":{"Code":"200","value":"1"}}`)}
	subs := &fakeSubs{}
	s := NewSurface(&fakeStructureView{snap: buildTestSnapshot()}, commander, &fakeHistory{}, subs)
	return s, commander, subs
}

func TestDeviceControlSendsCommandAndDecodesValue(t *testing.T) {
	s, commander, _ := newTestSurface()
	args, _ := json.Marshal(map[string]any{"uuid": "0504a377-032a-38c0-ffff-efa2a2a2a2a2", "command": "on"})
	v, err := s.Registry.Execute(context.Background(), "device.control", args)
	require.NoError(t, err)
	require.Equal(t, "/jdev/sps/io/0504a377-032a-38c0-ffff-efa2a2a2a2a2/on", commander.lastPath)
	require.Equal(t, json.RawMessage(`"1"`), v.(map[string]any)["result"].(json.RawMessage))
}

func TestDeviceControlRejectsInvalidUUID(t *testing.T) {
	s, _, _ := newTestSurface()
	args, _ := json.Marshal(map[string]any{"uuid": "bad", "command": "on"})
	_, err := s.Registry.Execute(context.Background(), "device.control", args)
	require.Error(t, err)
}

func TestDevicesListFiltersByCategory(t *testing.T) {
	s, _, _ := newTestSurface()
	args, _ := json.Marshal(map[string]any{"category": "lighting"})
	v, err := s.Registry.Execute(context.Background(), "devices.list", args)
	require.NoError(t, err)
	list := v.([]map[string]any)
	require.Len(t, list, 1)
	require.Equal(t, "Ceiling Light", list[0]["name"])
}

func TestRoomsListReportsDeviceCount(t *testing.T) {
	s, _, _ := newTestSurface()
	v, err := s.Registry.Execute(context.Background(), "rooms.list", nil)
	require.NoError(t, err)
	list := v.([]map[string]any)
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0]["device_count"])
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s, _, subs := newTestSurface()
	args, _ := json.Marshal(map[string]any{"filter": ".*"})
	v, err := s.Registry.Execute(context.Background(), "subscribe", args)
	require.NoError(t, err)
	require.Len(t, subs.subscribed, 1)

	subID := v.(map[string]any)["subscription_id"].(string)
	unargs, _ := json.Marshal(map[string]any{"subscription_id": subID})
	_, err = s.Registry.Execute(context.Background(), "unsubscribe", unargs)
	require.NoError(t, err)
	require.Equal(t, []string{subID}, subs.unsubscribed)
}

func TestSubscribeRejectsInvalidRegex(t *testing.T) {
	s, _, _ := newTestSurface()
	args, _ := json.Marshal(map[string]any{"filter": "("})
	_, err := s.Registry.Execute(context.Background(), "subscribe", args)
	require.Error(t, err)
}

func TestBatchExecuteParallelAggregatesResults(t *testing.T) {
	s, _, _ := newTestSurface()
	batchArgs, _ := json.Marshal(map[string]any{
		"mode": "Parallel",
		"ops": []map[string]any{
			{"id": "rooms", "tool": "rooms.list"},
			{"id": "devices", "tool": "devices.list"},
		},
	})
	v, err := s.Registry.Execute(context.Background(), "batch.execute", batchArgs)
	require.NoError(t, err)
	result := v.(coalesce.BatchResult)
	require.Equal(t, coalesce.BatchOk, result.Status)
	require.Len(t, result.Results, 2)
}

func TestHistoryQueryDelegatesToStore(t *testing.T) {
	commander := &fakeCommander{}
	subs := &fakeSubs{}
	want := []model.HistoricalEvent{{ID: "evt-1", Source: "dev-1"}}
	s := NewSurface(&fakeStructureView{snap: buildTestSnapshot()}, commander, &fakeHistory{events: want}, subs)

	v, err := s.Registry.Execute(context.Background(), "history.query", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, want, v.(map[string]any)["events"])
}
