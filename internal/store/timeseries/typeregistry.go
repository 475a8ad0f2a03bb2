package timeseries

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
)

// ErrTypeConflict is returned when a write's data type disagrees with
// the type already recorded for that (device_id, measurement) pair.
// spec.md §4.2 requires this be a PermanentFail rejected before it
// reaches the database.
var ErrTypeConflict = fmt.Errorf("measurement data type is fixed at first write")

// typeRegistry is an in-process cache of the data type first observed
// for each (device_id, measurement) pair, falling back on a cache miss
// to the data_type of the earliest stored row (lowest id) for that
// pair. It is not an LRU: entries are never evicted, and once maxEntries
// is reached new pairs are simply not remembered — because the number
// of distinct (device, measurement) pairs in a fleet is bounded and
// small relative to point volume.
type typeRegistry struct {
	db *gorm.DB

	mu       sync.RWMutex
	known    map[registryKey]string
	maxEntries int
}

type registryKey struct {
	deviceID    uint64
	measurement string
}

func newTypeRegistry(db *gorm.DB) *typeRegistry {
	return &typeRegistry{db: db, known: make(map[registryKey]string), maxEntries: 100_000}
}

// checkAndRecord verifies dataType is consistent with any prior write
// for this (deviceID, measurement) pair, recording it as the type of
// record if this is the first observation. When the two types disagree
// but are both numeric, it returns the canonical "float" type rather
// than an error — spec.md §4.2 requires int and float to coerce to a
// common numeric type instead of conflicting, so a measurement first
// seen as an int still accepts a later float (or vice versa). Only a
// genuine cross-family mismatch (e.g. bool vs int) is a conflict.
func (r *typeRegistry) checkAndRecord(ctx context.Context, deviceID uint64, measurement, dataType string) (string, error) {
	key := registryKey{deviceID, measurement}

	r.mu.RLock()
	existing, ok := r.known[key]
	r.mu.RUnlock()
	if ok {
		canonical, ok := canonicalType(existing, dataType)
		if !ok {
			return "", fmt.Errorf("%w: measurement %q is %s, got %s", ErrTypeConflict, measurement, existing, dataType)
		}
		if canonical != existing {
			r.mu.Lock()
			r.known[key] = canonical
			r.mu.Unlock()
		}
		return canonical, nil
	}

	var row model.TelemetryPoint
	err := r.db.WithContext(ctx).
		Select("data_type").
		Where("device_id = ? AND measurement = ?", deviceID, measurement).
		Order("id asc").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return "", fmt.Errorf("type registry lookup: %w", err)
	}

	if row.DataType == "" {
		r.mu.Lock()
		r.remember(key, dataType)
		r.mu.Unlock()
		return dataType, nil
	}

	canonical, ok := canonicalType(row.DataType, dataType)
	if !ok {
		r.mu.Lock()
		r.remember(key, row.DataType)
		r.mu.Unlock()
		return "", fmt.Errorf("%w: measurement %q is %s, got %s", ErrTypeConflict, measurement, row.DataType, dataType)
	}
	r.mu.Lock()
	r.remember(key, canonical)
	r.mu.Unlock()
	return canonical, nil
}

// canonicalType reconciles two observed data types for the same
// measurement, returning the type future writes and the registry
// should agree on. int and float unify to float; anything else must
// match exactly.
func canonicalType(a, b string) (string, bool) {
	if a == b {
		return a, true
	}
	if isNumeric(a) && isNumeric(b) {
		return "float", true
	}
	return "", false
}

func isNumeric(dataType string) bool {
	return dataType == "int" || dataType == "float"
}

// remember must be called with r.mu held for writing.
func (r *typeRegistry) remember(key registryKey, dataType string) {
	if len(r.known) >= r.maxEntries {
		return
	}
	r.known[key] = dataType
}
