package model

import "sort"

// ReverseIndexEntry identifies the device and named state a state UUID maps to.
type ReverseIndexEntry struct {
	DeviceUUID string
	StateName  string
}

// Structure is the immutable snapshot produced by C3: devices and rooms keyed
// by UUID, plus the reverse index C5 needs to route incoming state updates.
// A new Structure always fully replaces the old one — see SPEC_FULL.md §4.3.
type Structure struct {
	Devices      map[string]*Device // by device UUID
	Rooms        map[string]*Room   // by room UUID
	ReverseIndex map[string]ReverseIndexEntry // by state UUID
	LoadedAt     int64                        // unix nanos
}

// DevicesByCategory returns devices matching a category, sorted by UUID for
// deterministic output ordering (SPEC_FULL.md §4.7 point 5).
func (s *Structure) DevicesByCategory(cat Category) []*Device {
	var out []*Device
	for _, d := range s.Devices {
		if d.Category == cat {
			out = append(out, d)
		}
	}
	sortDevicesByUUID(out)
	return out
}

// DevicesByType returns devices matching a Loxone type string exactly,
// sorted by UUID.
func (s *Structure) DevicesByType(typeName string) []*Device {
	var out []*Device
	for _, d := range s.Devices {
		if d.TypeName == typeName {
			out = append(out, d)
		}
	}
	sortDevicesByUUID(out)
	return out
}

// RoomDevices returns the devices belonging to a room, sorted by UUID.
func (s *Structure) RoomDevices(roomUUID string) []*Device {
	room, ok := s.Rooms[roomUUID]
	if !ok {
		return nil
	}
	out := make([]*Device, 0, len(room.Devices))
	for _, uuid := range room.Devices {
		if d, ok := s.Devices[uuid]; ok {
			out = append(out, d)
		}
	}
	sortDevicesByUUID(out)
	return out
}

func sortDevicesByUUID(devices []*Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].UUID < devices[j].UUID })
}
