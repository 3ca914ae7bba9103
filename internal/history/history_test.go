package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

func TestAppendStateEventAndQueryHot(t *testing.T) {
	s, err := Open(Config{HotCapacity: 100})
	require.NoError(t, err)
	defer s.Close()

	update := model.StateUpdate{StateUUID: "state-1", Value: model.NewNumber(21.5), Timestamp: time.Now(), Version: 1}
	s.AppendStateEvent(update, "dev-1", "Thermostat", "Living Room", model.CategoryClimate)

	results, err := s.Query(context.Background(), QueryOptions{Categories: []model.EventCategory{model.CategoryDeviceState}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "dev-1", results[0].Source)
}

func TestQueryFiltersBySourceAndTime(t *testing.T) {
	s, err := Open(Config{HotCapacity: 100})
	require.NoError(t, err)
	defer s.Close()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	s.AppendStateEvent(model.StateUpdate{StateUUID: "s1", Value: model.NewNumber(1), Timestamp: past}, "dev-a", "A", "Room", model.CategoryLighting)
	s.AppendStateEvent(model.StateUpdate{StateUUID: "s2", Value: model.NewNumber(2), Timestamp: future}, "dev-b", "B", "Room", model.CategoryLighting)

	results, err := s.Query(context.Background(), QueryOptions{
		Categories:   []model.EventCategory{model.CategoryDeviceState},
		SourceFilter: "dev-b",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "dev-b", results[0].Source)
}

func TestQueryRespectsLimit(t *testing.T) {
	s, err := Open(Config{HotCapacity: 100})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.AppendStateEvent(model.StateUpdate{StateUUID: "s", Value: model.NewNumber(float64(i)), Timestamp: time.Now()}, "dev", "D", "Room", model.CategoryOther)
	}

	results, err := s.Query(context.Background(), QueryOptions{
		Categories: []model.EventCategory{model.CategoryDeviceState},
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestColdTierRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{HotCapacity: 10, ColdDir: dir})
	require.NoError(t, err)
	defer s.Close()

	event := model.HistoricalEvent{
		ID:        "evt-1",
		Timestamp: time.Now(),
		Category:  model.CategoryAudit,
		Source:    "auth-engine",
		Payload:   map[string]any{"outcome": "success"},
	}
	require.NoError(t, s.appendCold(event))

	results, err := s.queryCold(context.Background(), QueryOptions{Categories: []model.EventCategory{model.CategoryAudit}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "auth-engine", results[0].Source)
}

func TestTieringMigratesAgedEntriesToCold(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{HotCapacity: 10, ColdDir: dir, HotAge: time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	old := model.StateUpdate{StateUUID: "s", Value: model.NewNumber(1), Timestamp: time.Now().Add(-time.Hour)}
	s.AppendStateEvent(old, "dev", "D", "Room", model.CategoryOther)

	s.tierOnce()

	results, err := s.queryCold(context.Background(), QueryOptions{Categories: []model.EventCategory{model.CategoryDeviceState}})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestQueryCursorRestartsWherePageLeftOff(t *testing.T) {
	s, err := Open(Config{HotCapacity: 100})
	require.NoError(t, err)
	defer s.Close()

	base := time.Now()
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		s.AppendStateEvent(model.StateUpdate{StateUUID: "s", Value: model.NewNumber(float64(i)), Timestamp: ts}, "dev", "D", "Room", model.CategoryOther)
	}

	first, err := s.Query(context.Background(), QueryOptions{
		Categories: []model.EventCategory{model.CategoryDeviceState},
		Ascending:  true,
		Limit:      1,
	})
	require.NoError(t, err)
	require.Len(t, first, 1)
	firstValue, _ := first[0].Payload["value"].(model.StateValue).AsNumber()
	require.Equal(t, float64(0), firstValue)

	cursor := NextCursor(first, true)
	require.NotEmpty(t, cursor)

	second, err := s.Query(context.Background(), QueryOptions{
		Categories: []model.EventCategory{model.CategoryDeviceState},
		Ascending:  true,
		Limit:      1,
		Cursor:     cursor,
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	secondValue, _ := second[0].Payload["value"].(model.StateValue).AsNumber()
	require.Equal(t, float64(1), secondValue)
	require.NotEqual(t, first[0].ID, second[0].ID)
}
