// Package structure implements C3, the Structure Loader & Cache from
// SPEC_FULL.md §4.3: fetches the Miniserver's structure document, parses it
// into typed devices/rooms, builds the reverse index C5 needs, and publishes
// an immutable snapshot via atomic publish-swap.
package structure

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// Fetcher is the minimal HTTP collaborator needed to retrieve the structure
// document; satisfied by *deviceclient.Client.
type Fetcher interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// DocumentPath is the Miniserver's structure document endpoint.
const DocumentPath = "/data/LoxAPP3.json"

// Loader owns the current Structure snapshot and knows how to rebuild it.
type Loader struct {
	fetcher Fetcher
	current atomic.Pointer[model.Structure]
}

// New constructs a Loader. Snapshot() returns nil until Reload succeeds once.
func New(fetcher Fetcher) *Loader {
	return &Loader{fetcher: fetcher}
}

// Snapshot returns the current immutable Structure, or nil if none has been
// loaded yet.
func (l *Loader) Snapshot() *model.Structure {
	return l.current.Load()
}

// Reload fetches, parses, and builds a brand new Structure, then
// publish-swaps it atomically — no reader observes a partially built
// snapshot, per SPEC_FULL.md §4.3.
func (l *Loader) Reload(ctx context.Context) error {
	body, err := l.fetcher.Get(ctx, DocumentPath)
	if err != nil {
		return err
	}
	next, err := parseDocument(body)
	if err != nil {
		return loxerr.Wrap(loxerr.KindHTTPDecode, "parsing structure document", err)
	}
	l.current.Store(next)
	return nil
}

// document is the subset of LoxAPP3.json this engine cares about.
type document struct {
	Controls map[string]controlDoc `json:"controls"`
	Rooms    map[string]roomDoc    `json:"rooms"`
}

type controlDoc struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Room   string            `json:"room"`
	States map[string]string `json:"states"`
	// Details captures whatever type-specific fields the document carries
	// (e.g. "details": {...}) verbatim.
	Details map[string]any `json:"details"`
}

type roomDoc struct {
	Name  string `json:"name"`
	Floor string `json:"floor"`
}

func parseDocument(body []byte) (*model.Structure, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	st := &model.Structure{
		Devices:      make(map[string]*model.Device, len(doc.Controls)),
		Rooms:        make(map[string]*model.Room, len(doc.Rooms)),
		ReverseIndex: make(map[string]model.ReverseIndexEntry),
		LoadedAt:     time.Now().UnixNano(),
	}

	for roomUUID, r := range doc.Rooms {
		st.Rooms[roomUUID] = &model.Room{UUID: roomUUID, Name: r.Name, Floor: r.Floor}
	}

	for ctrlUUID, c := range doc.Controls {
		dev := &model.Device{
			UUID:     ctrlUUID,
			Name:     c.Name,
			TypeName: c.Type,
			Category: categorize(c.Type),
			RoomUUID: c.Room,
			States:   c.States,
			Cells:    make(map[string]*model.StateCell, len(c.States)),
			Details:  c.Details,
		}
		for stateName, stateUUID := range c.States {
			dev.Cells[stateUUID] = &model.StateCell{}
			st.ReverseIndex[stateUUID] = model.ReverseIndexEntry{DeviceUUID: ctrlUUID, StateName: stateName}
		}
		st.Devices[ctrlUUID] = dev
		if room, ok := st.Rooms[c.Room]; ok {
			room.Devices = append(room.Devices, ctrlUUID)
		}
	}

	return st, nil
}
