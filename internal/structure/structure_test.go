package structure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Get(ctx context.Context, path string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

const sampleDoc = `{
  "rooms": {
    "room-1": {"name": "Living Room", "floor": "Ground"}
  },
  "controls": {
    "ctrl-light": {
      "name": "Ceiling Light",
      "type": "Switch",
      "room": "room-1",
      "states": {"active": "state-light-active"}
    },
    "ctrl-blind": {
      "name": "Living Room Blind",
      "type": "Jalousie",
      "room": "room-1",
      "states": {"position": "state-blind-position"}
    },
    "ctrl-unassigned": {
      "name": "Orphan Sensor",
      "type": "MotionSensor",
      "room": "",
      "states": {"value": "state-sensor-value"}
    }
  }
}`

func TestReloadBuildsSnapshot(t *testing.T) {
	l := New(&fakeFetcher{body: []byte(sampleDoc)})
	require.Nil(t, l.Snapshot())

	require.NoError(t, l.Reload(context.Background()))
	snap := l.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Devices, 3)
	require.Len(t, snap.Rooms, 1)

	light := snap.Devices["ctrl-light"]
	require.Equal(t, model.CategoryLighting, light.Category)
	blind := snap.Devices["ctrl-blind"]
	require.Equal(t, model.CategoryBlinds, blind.Category)
	sensor := snap.Devices["ctrl-unassigned"]
	require.Equal(t, model.CategorySensor, sensor.Category)
}

func TestReloadBuildsReverseIndex(t *testing.T) {
	l := New(&fakeFetcher{body: []byte(sampleDoc)})
	require.NoError(t, l.Reload(context.Background()))
	snap := l.Snapshot()

	entry, ok := snap.ReverseIndex["state-light-active"]
	require.True(t, ok)
	require.Equal(t, "ctrl-light", entry.DeviceUUID)
	require.Equal(t, "active", entry.StateName)
}

func TestRoomDevicesSortedByUUID(t *testing.T) {
	l := New(&fakeFetcher{body: []byte(sampleDoc)})
	require.NoError(t, l.Reload(context.Background()))
	snap := l.Snapshot()

	devices := snap.RoomDevices("room-1")
	require.Len(t, devices, 2)
	require.True(t, devices[0].UUID < devices[1].UUID)
}

func TestReloadPropagatesFetchError(t *testing.T) {
	l := New(&fakeFetcher{err: context.DeadlineExceeded})
	err := l.Reload(context.Background())
	require.Error(t, err)
	require.Nil(t, l.Snapshot())
}

func TestReloadIsAtomicPublishSwap(t *testing.T) {
	fetcher := &fakeFetcher{body: []byte(sampleDoc)}
	l := New(fetcher)
	require.NoError(t, l.Reload(context.Background()))
	first := l.Snapshot()

	fetcher.body = []byte(`{"rooms":{},"controls":{}}`)
	require.NoError(t, l.Reload(context.Background()))
	second := l.Snapshot()

	require.NotSame(t, first, second)
	require.Len(t, first.Devices, 3)
	require.Len(t, second.Devices, 0)
}

func TestCategorizeRules(t *testing.T) {
	cases := map[string]model.Category{
		"LightV2":            model.CategoryLighting,
		"Dimmer":             model.CategoryLighting,
		"Jalousie":           model.CategoryBlinds,
		"IRoomControllerV2":  model.CategoryClimate,
		"AudioZoneV2":        model.CategoryAudio,
		"PresenceDetector":   model.CategorySensor,
		"AlarmCentral":       model.CategorySecurity,
		"InfoOnlyAnalog":     model.CategoryOther,
	}
	for typeName, want := range cases {
		require.Equal(t, want, categorize(typeName), typeName)
	}
}
