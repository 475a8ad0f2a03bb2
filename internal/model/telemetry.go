package model

import "time"

// Envelope is the normalized telemetry submission accepted by the
// pipeline regardless of ingress (spec.md §4.5).
type Envelope struct {
	DeviceID  uint64
	APIKey    string
	Timestamp time.Time // zero if the caller omitted it
	Data      map[string]any
	Metadata  map[string]any

	// ReceivedAt is stamped by the ingress at arrival time, before any
	// pipeline processing.
	ReceivedAt time.Time
}

// Point is a single normalized (device, measurement, timestamp) sample
// ready for the Time-Series Adapter.
type Point struct {
	DeviceID    uint64
	Measurement string
	Timestamp   time.Time
	Value       Value
	Tags        map[string]string
}

// WriteOutcome classifies a time-series batch write result (spec.md §4.2).
type WriteOutcome int

const (
	WriteOK WriteOutcome = iota
	WriteTransientFail
	WritePermanentFail
)

// RejectedMeasurement names a measurement dropped from a batch due to a
// permanent, per-measurement failure (schema conflict, oversized value).
type RejectedMeasurement struct {
	Measurement string
	Reason      string
}
