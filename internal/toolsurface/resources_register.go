package toolsurface

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// HealthProvider supplies engine-level status merged into loxone://system/status.
// Optional: a nil provider yields structure-only status.
type HealthProvider func() map[string]any

// Health lets the owning engine attach its health snapshot after construction.
func (s *Surface) Health(provider HealthProvider) {
	s.health = provider
}

func paginate(total int, query url.Values) (limit, offset int) {
	limit = total
	if raw := query.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			limit = v
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

func applyPage(devices []*model.Device, query url.Values) []*model.Device {
	limit, offset := paginate(len(devices), query)
	if offset >= len(devices) {
		return nil
	}
	end := offset + limit
	if end > len(devices) {
		end = len(devices)
	}
	return devices[offset:end]
}

func intPtr(v int) *int { return &v }

func (s *Surface) registerResources() {
	s.Resources.Register("rooms", time.Hour, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		rooms := make([]map[string]any, 0, len(snap.Rooms))
		for _, room := range snap.Rooms {
			rooms = append(rooms, map[string]any{
				"uuid":         room.UUID,
				"name":         room.Name,
				"floor":        room.Floor,
				"device_count": len(room.Devices),
			})
		}
		sort.Slice(rooms, func(i, j int) bool { return rooms[i]["uuid"].(string) < rooms[j]["uuid"].(string) })
		return ResourceResult{Data: rooms, TotalCount: intPtr(len(rooms)), ReturnedCount: intPtr(len(rooms))}, nil
	})

	s.Resources.Register("rooms/{name}/devices", 600*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		var devices []*model.Device
		for _, room := range snap.Rooms {
			if room.Name == params[0] {
				devices = snap.RoomDevices(room.UUID)
				break
			}
		}
		devices = filterDevices(devices, query)
		return ResourceResult{Data: summarize(devices), TotalCount: intPtr(len(devices)), ReturnedCount: intPtr(len(devices))}, nil
	})

	s.Resources.Register("devices/all", 600*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		devices := make([]*model.Device, 0, len(snap.Devices))
		for _, d := range snap.Devices {
			devices = append(devices, d)
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].UUID < devices[j].UUID })
		total := len(devices)
		devices = applySort(devices, query.Get("sort"))
		page := applyPage(devices, query)
		return ResourceResult{Data: summarize(page), TotalCount: intPtr(total), ReturnedCount: intPtr(len(page))}, nil
	})

	s.Resources.Register("devices/type/{type}", 600*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		devices := snap.DevicesByType(params[0])
		return ResourceResult{Data: summarize(devices), TotalCount: intPtr(len(devices)), ReturnedCount: intPtr(len(devices))}, nil
	})

	s.Resources.Register("devices/category/{cat}", 600*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		devices := snap.DevicesByCategory(model.Category(params[0]))
		return ResourceResult{Data: summarize(devices), TotalCount: intPtr(len(devices)), ReturnedCount: intPtr(len(devices))}, nil
	})

	s.Resources.Register("system/status", 60*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		status := map[string]any{
			"structure_loaded_at": snap.LoadedAt,
			"device_count":        len(snap.Devices),
			"room_count":          len(snap.Rooms),
		}
		if s.health != nil {
			for k, v := range s.health() {
				status[k] = v
			}
		}
		return ResourceResult{Data: status}, nil
	})

	s.Resources.Register("system/capabilities", 300*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		categories := make(map[model.Category]int)
		for _, d := range snap.Devices {
			categories[d.Category]++
		}
		return ResourceResult{Data: map[string]any{"categories": categories}}, nil
	})

	s.Resources.Register("sensors/door-window", 30*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		var out []map[string]any
		for _, d := range snap.Devices {
			lower := strings.ToLower(d.TypeName)
			if !strings.Contains(lower, "door") && !strings.Contains(lower, "window") {
				continue
			}
			out = append(out, deviceSummary(d))
		}
		sort.Slice(out, func(i, j int) bool { return out[i]["uuid"].(string) < out[j]["uuid"].(string) })
		return ResourceResult{Data: out, TotalCount: intPtr(len(out)), ReturnedCount: intPtr(len(out))}, nil
	})

	s.Resources.Register("sensors/temperature", 30*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		var out []map[string]any
		for _, d := range snap.Devices {
			if !strings.Contains(strings.ToLower(d.TypeName), "temperature") {
				continue
			}
			out = append(out, deviceSummary(d))
		}
		sort.Slice(out, func(i, j int) bool { return out[i]["uuid"].(string) < out[j]["uuid"].(string) })
		return ResourceResult{Data: out, TotalCount: intPtr(len(out)), ReturnedCount: intPtr(len(out))}, nil
	})

	s.Resources.Register("audio/zones", 10*time.Second, func(ctx context.Context, params []string, query url.Values) (ResourceResult, error) {
		snap := s.structure.Snapshot()
		devices := snap.DevicesByCategory(model.CategoryAudio)
		return ResourceResult{Data: summarize(devices), TotalCount: intPtr(len(devices)), ReturnedCount: intPtr(len(devices))}, nil
	})
}

func filterDevices(devices []*model.Device, query url.Values) []*model.Device {
	typeFilter := query.Get("type")
	catFilter := query.Get("category")
	if typeFilter == "" && catFilter == "" {
		return devices
	}
	out := make([]*model.Device, 0, len(devices))
	for _, d := range devices {
		if typeFilter != "" && d.TypeName != typeFilter {
			continue
		}
		if catFilter != "" && string(d.Category) != catFilter {
			continue
		}
		out = append(out, d)
	}
	return out
}

func applySort(devices []*model.Device, sortKey string) []*model.Device {
	switch sortKey {
	case "name":
		sorted := make([]*model.Device, len(devices))
		copy(sorted, devices)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		return sorted
	default:
		return devices
	}
}
