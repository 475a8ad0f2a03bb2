package model

import (
	"time"

	"gorm.io/datatypes"
)

// TelemetryPoint is the row shape backing the Time-Series Adapter
// (spec.md §4.2). One column per Value variant — value_int, value_float,
// value_bool, value_text — keeps the table queryable by the native
// Postgres type for the scalar actually stored, instead of coercing
// everything to text or float.
type TelemetryPoint struct {
	ID          uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID    uint64            `gorm:"uniqueIndex:idx_device_measurement_ts,priority:1;not null" json:"device_id"`
	Measurement string            `gorm:"size:128;uniqueIndex:idx_device_measurement_ts,priority:2;not null" json:"measurement"`
	TS          time.Time         `gorm:"uniqueIndex:idx_device_measurement_ts,priority:3;not null" json:"ts"`
	DataType    string            `gorm:"size:16;not null" json:"data_type"`
	ValueInt    int64             `json:"value_int,omitempty"`
	ValueFloat  float64           `json:"value_float,omitempty"`
	ValueBool   bool              `json:"value_bool,omitempty"`
	ValueText   string            `gorm:"size:256" json:"value_text,omitempty"`
	Tags        datatypes.JSONMap `gorm:"type:jsonb" json:"tags,omitempty"`
	IngestedAt  time.Time         `json:"ingested_at"`
}

func (TelemetryPoint) TableName() string { return "telemetry_points" }

// ToValue reconstructs the tagged Value from the row's per-type columns.
func (p TelemetryPoint) ToValue() Value {
	switch parseValueKind(p.DataType) {
	case KindInt:
		return NewIntValue(p.ValueInt)
	case KindBool:
		return NewBoolValue(p.ValueBool)
	case KindText:
		return NewTextValue(p.ValueText)
	default:
		return NewFloatValue(p.ValueFloat)
	}
}

// FromValue populates the per-type columns from v, leaving the others
// at their zero value.
func FromValue(v Value, p *TelemetryPoint) {
	p.DataType = v.Kind.String()
	switch v.Kind {
	case KindInt:
		p.ValueInt = v.Int
	case KindBool:
		p.ValueBool = v.Bool
	case KindText:
		p.ValueText = v.Text
	default:
		p.ValueFloat = v.Float
	}
}

// AggregatePoint is one bucket of a QueryAggregate result.
type AggregatePoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Value       float64   `json:"value"`
	SampleCount int64     `json:"sample_count"`
}
