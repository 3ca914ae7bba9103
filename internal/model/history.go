package model

import "time"

// EventCategory classifies a HistoricalEvent for retention/query purposes.
// See SPEC_FULL.md §3 and §4.5.
type EventCategory string

const (
	CategoryDeviceState    EventCategory = "DeviceState"
	CategorySensorReading  EventCategory = "SensorReading"
	CategorySystemHealth   EventCategory = "SystemHealth"
	CategoryAudit          EventCategory = "Audit"
	CategoryDiscovery      EventCategory = "Discovery"
)

// HistoricalEvent is an immutable record stored by C6. See SPEC_FULL.md §3.
type HistoricalEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Category  EventCategory `json:"category"`
	Source    string        `json:"source"` // device UUID or system component name
	Payload   map[string]any `json:"payload"`
	Labels    []string      `json:"labels,omitempty"`
	// Sequence breaks ties between events sharing a Timestamp so cursor-based
	// pagination stays stable across batched writes. See SPEC_FULL.md §4.5.
	Sequence  int64         `json:"sequence"`
}
