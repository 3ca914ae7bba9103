// Package model holds the engine's core domain types: credentials, auth state,
// devices, rooms, structure snapshots, binary frames, state updates, historical
// events, subscriptions, rate-limit buckets and coalescing keys.
package model

import (
	"encoding/json"
	"fmt"
)

// ValueKind tags the variant held by a StateValue.
type ValueKind int

const (
	// KindUnknown marks a StateValue that has not been populated.
	KindUnknown ValueKind = iota
	KindNumber
	KindBool
	KindText
	KindWeather
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindWeather:
		return "weather"
	default:
		return "unknown"
	}
}

// WeatherSample is the structured payload carried by 0x05 weather event tables.
type WeatherSample struct {
	Timestamp   int64   `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	WindSpeed   float64 `json:"wind_speed"`
	WindDir     float64 `json:"wind_direction"`
	Barometer   float64 `json:"barometer"`
	Humidity    float64 `json:"humidity"`
}

// StateValue is a closed sum type over the dynamic values a Loxone state can
// carry. Never use a bare map[string]any for this — see SPEC_FULL.md §9.
type StateValue struct {
	kind    ValueKind
	number  float64
	boolean bool
	text    string
	weather WeatherSample
}

// NewNumber constructs a numeric StateValue.
func NewNumber(v float64) StateValue { return StateValue{kind: KindNumber, number: v} }

// NewBool constructs a boolean StateValue.
func NewBool(v bool) StateValue { return StateValue{kind: KindBool, boolean: v} }

// NewText constructs a text StateValue.
func NewText(v string) StateValue { return StateValue{kind: KindText, text: v} }

// NewWeather constructs a structured weather StateValue.
func NewWeather(v WeatherSample) StateValue { return StateValue{kind: KindWeather, weather: v} }

// Kind reports which variant is populated.
func (v StateValue) Kind() ValueKind { return v.kind }

// AsNumber returns the numeric value and whether the kind matches.
func (v StateValue) AsNumber() (float64, bool) { return v.number, v.kind == KindNumber }

// AsBool returns the boolean value and whether the kind matches. Numeric
// states are coerced: 0 is false, any other value is true, matching the
// Miniserver's own boolean-as-float convention for light/switch states.
func (v StateValue) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.boolean, true
	case KindNumber:
		return v.number != 0, true
	default:
		return false, false
	}
}

// AsText returns the text value and whether the kind matches.
func (v StateValue) AsText() (string, bool) { return v.text, v.kind == KindText }

// AsWeather returns the weather sample and whether the kind matches.
func (v StateValue) AsWeather() (WeatherSample, bool) { return v.weather, v.kind == KindWeather }

// String renders the value for logging/display; never used for protocol encoding.
func (v StateValue) String() string {
	switch v.kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.number)
	case KindBool:
		return fmt.Sprintf("%t", v.boolean)
	case KindText:
		return v.text
	case KindWeather:
		return fmt.Sprintf("weather@%d", v.weather.Timestamp)
	default:
		return "<unset>"
	}
}

// MarshalJSON renders the StateValue as its underlying scalar/object, not a
// tagged envelope — tool results should look like plain JSON values to callers.
func (v StateValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.number)
	case KindBool:
		return json.Marshal(v.boolean)
	case KindText:
		return json.Marshal(v.text)
	case KindWeather:
		return json.Marshal(v.weather)
	default:
		return []byte("null"), nil
	}
}
