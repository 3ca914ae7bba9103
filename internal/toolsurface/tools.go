package toolsurface

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/intruder1912/mcp-loxone-sub001/internal/coalesce"
	"github.com/intruder1912/mcp-loxone-sub001/internal/history"
	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
	"github.com/intruder1912/mcp-loxone-sub001/internal/pagination"
	"github.com/intruder1912/mcp-loxone-sub001/internal/util"
)

// StructureView is the subset of *structure.Loader the tool surface needs.
type StructureView interface {
	Snapshot() *model.Structure
}

// SubscriptionManager is the subset of *dispatch.Dispatcher the subscribe
// and unsubscribe tools drive.
type SubscriptionManager interface {
	Subscribe(sub *model.Subscription)
	Unsubscribe(id string)
}

// HistoryQuerier is the subset of *history.Store resource/tool handlers read.
type HistoryQuerier interface {
	Query(ctx context.Context, opts history.QueryOptions) ([]model.HistoricalEvent, error)
}

// Surface wires C2-C7 collaborators behind the registered tools and
// resources, per SPEC_FULL.md §4.7.
type Surface struct {
	structure StructureView
	commander DeviceCommander
	hist      HistoryQuerier
	subs      SubscriptionManager
	coalescer *coalesce.Coalescer
	health    HealthProvider

	Registry  *Registry
	Resources *ResourceRouter
}

// NewSurface builds a Surface and registers every tool and resource
// category named in SPEC_FULL.md §4.7/§6.2.
func NewSurface(structure StructureView, commander DeviceCommander, hist HistoryQuerier, subs SubscriptionManager) *Surface {
	s := &Surface{
		structure: structure,
		commander: commander,
		hist:      hist,
		subs:      subs,
		coalescer: coalesce.New(),
		Registry:  NewRegistry(),
	}
	s.Resources = NewResourceRouter(s.coalescer, time.Hour, 512)
	s.registerTools()
	s.registerResources()
	return s
}

// ResourceCacheStats exposes the resource router's cumulative coalescing
// cache hit/miss counts, for engine-level metrics (SPEC_FULL.md §10).
func (s *Surface) ResourceCacheStats() (hits, misses uint64) {
	return s.Resources.CacheStats()
}

func deviceSummary(d *model.Device) map[string]any {
	states := make(map[string]any, len(d.States))
	for name, stateUUID := range d.States {
		if cell, ok := d.Cells[stateUUID]; ok {
			states[name] = cell.Load()
		}
	}
	return map[string]any{
		"uuid":     d.UUID,
		"name":     d.Name,
		"type":     d.TypeName,
		"category": d.Category,
		"room":     d.RoomUUID,
		"states":   states,
	}
}

func summarize(devices []*model.Device) []map[string]any {
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceSummary(d))
	}
	return out
}

const deviceControlSchema = `{
	"type": "object",
	"properties": {
		"uuid": {"type": "string"},
		"command": {"type": "string"}
	},
	"required": ["uuid", "command"]
}`

type deviceControlArgs struct {
	UUID    string `json:"uuid"`
	Command string `json:"command"`
}

const climateSetpointSchema = `{
	"type": "object",
	"properties": {
		"uuid": {"type": "string"},
		"setpoint": {"type": "number"}
	},
	"required": ["uuid", "setpoint"]
}`

type climateSetpointArgs struct {
	UUID     string  `json:"uuid"`
	Setpoint float64 `json:"setpoint"`
}

const audioControlSchema = `{
	"type": "object",
	"properties": {
		"uuid": {"type": "string"},
		"action": {"type": "string", "enum": ["play", "pause", "stop", "mute", "unmute", "volume"]},
		"volume": {"type": "number"}
	},
	"required": ["uuid", "action"]
}`

type audioControlArgs struct {
	UUID   string  `json:"uuid"`
	Action string  `json:"action"`
	Volume float64 `json:"volume"`
}

const devicesListSchema = `{
	"type": "object",
	"properties": {
		"category": {"type": "string"},
		"type": {"type": "string"},
		"room": {"type": "string"}
	}
}`

type devicesListArgs struct {
	Category string `json:"category"`
	Type     string `json:"type"`
	Room     string `json:"room"`
}

const subscribeSchema = `{
	"type": "object",
	"properties": {
		"filter": {"type": "string"},
		"mailbox_capacity": {"type": "integer", "minimum": 1}
	},
	"required": ["filter"]
}`

type subscribeArgs struct {
	Filter          string `json:"filter"`
	MailboxCapacity int    `json:"mailbox_capacity"`
}

const unsubscribeSchema = `{
	"type": "object",
	"properties": {"subscription_id": {"type": "string"}},
	"required": ["subscription_id"]
}`

type unsubscribeArgs struct {
	SubscriptionID string `json:"subscription_id"`
}

const historyQuerySchema = `{
	"type": "object",
	"properties": {
		"categories": {"type": "array", "items": {"type": "string"}},
		"since_unix": {"type": "integer"},
		"until_unix": {"type": "integer"},
		"since": {"type": "string"},
		"until": {"type": "string"},
		"source_filter": {"type": "string"},
		"limit": {"type": "integer", "minimum": 0},
		"ascending": {"type": "boolean"},
		"cursor": {"type": "string"}
	}
}`

// historyQueryArgs accepts time bounds either as unix seconds or as RFC3339
// strings (since/until win when both forms are present), so callers that
// already have a wall-clock timestamp in hand don't have to convert it.
// Passing the cursor from a previous response's page.cursor restarts the
// query exactly where it left off instead of recomputing since/since_unix.
type historyQueryArgs struct {
	Categories   []string `json:"categories"`
	SinceUnix    int64    `json:"since_unix"`
	UntilUnix    int64    `json:"until_unix"`
	Since        string   `json:"since"`
	Until        string   `json:"until"`
	SourceFilter string   `json:"source_filter"`
	Limit        int      `json:"limit"`
	Ascending    bool     `json:"ascending"`
	Cursor       string   `json:"cursor"`
}

func (s *Surface) registerTools() {
	_ = s.Registry.Register(ToolDescription{
		Name:       "device.control",
		Summary:    "Send a command to a device's control endpoint",
		ArgsSchema: deviceControlSchema,
	}, func(raw json.RawMessage) error {
		var a deviceControlArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "decoding device.control arguments", err)
		}
		if !validUUID(a.UUID) {
			return loxerr.New(loxerr.KindInvalidInput, "uuid must be exactly 36 characters")
		}
		return cleanCommand(a.Command)
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a deviceControlArgs
		_ = json.Unmarshal(raw, &a)
		value, err := sendControl(ctx, s.commander, a.UUID, a.Command)
		if err != nil {
			return nil, err
		}
		return map[string]any{"uuid": a.UUID, "command": a.Command, "result": value}, nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:       "climate.set_setpoint",
		Summary:    "Set a climate controller's target temperature",
		ArgsSchema: climateSetpointSchema,
	}, func(raw json.RawMessage) error {
		var a climateSetpointArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "decoding climate.set_setpoint arguments", err)
		}
		if !validUUID(a.UUID) {
			return loxerr.New(loxerr.KindInvalidInput, "uuid must be exactly 36 characters")
		}
		if !inRange(a.Setpoint, 4, 35) {
			return loxerr.New(loxerr.KindInvalidInput, "setpoint must be between 4 and 35")
		}
		return nil
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a climateSetpointArgs
		_ = json.Unmarshal(raw, &a)
		value, err := sendControl(ctx, s.commander, a.UUID, "setManualTemperature/"+formatFloat(a.Setpoint))
		if err != nil {
			return nil, err
		}
		return map[string]any{"uuid": a.UUID, "setpoint": a.Setpoint, "result": value}, nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:       "audio.control",
		Summary:    "Control an audio zone's transport or volume",
		ArgsSchema: audioControlSchema,
	}, func(raw json.RawMessage) error {
		var a audioControlArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "decoding audio.control arguments", err)
		}
		if !validUUID(a.UUID) {
			return loxerr.New(loxerr.KindInvalidInput, "uuid must be exactly 36 characters")
		}
		if a.Action == "volume" && !inRange(a.Volume, 0, 100) {
			return loxerr.New(loxerr.KindInvalidInput, "volume must be between 0 and 100")
		}
		return nil
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a audioControlArgs
		_ = json.Unmarshal(raw, &a)
		command := a.Action
		if a.Action == "volume" {
			command = "volume/" + formatFloat(a.Volume)
		}
		value, err := sendControl(ctx, s.commander, a.UUID, command)
		if err != nil {
			return nil, err
		}
		return map[string]any{"uuid": a.UUID, "action": a.Action, "result": value}, nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:       "devices.list",
		Summary:    "Discover devices, optionally filtered by category, type, or room",
		ArgsSchema: devicesListSchema,
	}, nil, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a devicesListArgs
		_ = json.Unmarshal(raw, &a)
		snap := s.structure.Snapshot()
		if snap == nil {
			return nil, loxerr.New(loxerr.KindInternal, "no structure snapshot loaded")
		}
		var devices []*model.Device
		switch {
		case a.Category != "":
			devices = snap.DevicesByCategory(model.Category(a.Category))
		case a.Type != "":
			devices = snap.DevicesByType(a.Type)
		case a.Room != "":
			devices = nil
			for _, room := range snap.Rooms {
				if room.Name == a.Room {
					devices = snap.RoomDevices(room.UUID)
					break
				}
			}
		default:
			for _, d := range snap.Devices {
				devices = append(devices, d)
			}
			sort.Slice(devices, func(i, j int) bool { return devices[i].UUID < devices[j].UUID })
		}
		return summarize(devices), nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:    "rooms.list",
		Summary: "List rooms with per-room device counts",
	}, nil, func(ctx context.Context, raw json.RawMessage) (any, error) {
		snap := s.structure.Snapshot()
		if snap == nil {
			return nil, loxerr.New(loxerr.KindInternal, "no structure snapshot loaded")
		}
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
		return rooms, nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:       "subscribe",
		Summary:    "Register a regex-filtered subscription to live state updates",
		ArgsSchema: subscribeSchema,
	}, func(raw json.RawMessage) error {
		var a subscribeArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "decoding subscribe arguments", err)
		}
		if _, err := regexp.Compile(a.Filter); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "filter is not a valid regex", err)
		}
		return nil
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a subscribeArgs
		_ = json.Unmarshal(raw, &a)
		filter, err := regexp.Compile(a.Filter)
		if err != nil {
			return nil, loxerr.Wrap(loxerr.KindInvalidInput, "filter is not a valid regex", err)
		}
		capacity := a.MailboxCapacity
		if capacity <= 0 {
			capacity = 1024
		}
		sub := model.NewSubscription(uuid.NewString(), filter, capacity)
		s.subs.Subscribe(sub)
		return map[string]any{"subscription_id": sub.ID}, nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:       "unsubscribe",
		Summary:    "Close a previously registered subscription",
		ArgsSchema: unsubscribeSchema,
	}, func(raw json.RawMessage) error {
		var a unsubscribeArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return loxerr.Wrap(loxerr.KindInvalidInput, "decoding unsubscribe arguments", err)
		}
		if a.SubscriptionID == "" {
			return loxerr.New(loxerr.KindInvalidInput, "subscription_id is required")
		}
		return nil
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a unsubscribeArgs
		_ = json.Unmarshal(raw, &a)
		s.subs.Unsubscribe(a.SubscriptionID)
		return map[string]any{"subscription_id": a.SubscriptionID, "closed": true}, nil
	})

	_ = s.Registry.Register(ToolDescription{
		Name:       "history.query",
		Summary:    "Query historical state/audit events across hot and cold tiers",
		ArgsSchema: historyQuerySchema,
	}, nil, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a historyQueryArgs
		_ = json.Unmarshal(raw, &a)
		opts := history.QueryOptions{
			SourceFilter: a.SourceFilter,
			Limit:        a.Limit,
			Ascending:    a.Ascending,
			Cursor:       a.Cursor,
		}
		for _, c := range a.Categories {
			opts.Categories = append(opts.Categories, model.EventCategory(c))
		}
		if a.SinceUnix > 0 {
			opts.Since = timeFromUnix(a.SinceUnix)
		}
		if a.UntilUnix > 0 {
			opts.Until = timeFromUnix(a.UntilUnix)
		}
		if a.Since != "" {
			if t := util.ParseTimestamp(a.Since); !t.IsZero() {
				opts.Since = t
			}
		}
		if a.Until != "" {
			if t := util.ParseTimestamp(a.Until); !t.IsZero() {
				opts.Until = t
			}
		}
		events, err := s.hist.Query(ctx, opts)
		if err != nil {
			return nil, err
		}
		page := pagination.CursorPaginationMetadata{
			Cursor:  history.NextCursor(events, a.Ascending),
			Count:   len(events),
			HasMore: a.Limit > 0 && len(events) == a.Limit,
		}
		return map[string]any{"events": events, "page": page}, nil
	})

	s.registerBatchTool()
}

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func formatFloat(v float64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
