package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
)

// ErrNotFound mirrors credential.Repository's NotFound convention for
// QueryLatest.
var ErrNotFound = errors.New("no telemetry point found")

// WriteResult classifies the outcome of a batch write per spec.md §4.2
// so the Telemetry Pipeline can report partial failures back to callers
// without the adapter leaking Postgres-specific errors upward.
type WriteResult struct {
	Accepted int
	Rejected []model.RejectedMeasurement
}

type Repository struct {
	db       *gorm.DB
	registry *typeRegistry
}

// Open connects to Postgres and migrates the telemetry_points schema.
func Open(dsn string) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("timeseries store: open: %w", err)
	}
	if err := db.AutoMigrate(&model.TelemetryPoint{}); err != nil {
		return nil, fmt.Errorf("timeseries store: migrate: %w", err)
	}
	return db, nil
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db, registry: newTypeRegistry(db)}
}

// Write batches points in one CreateInBatches call, retrying the whole
// batch on a transient failure with the spec's backoff profile (base
// 100ms, factor 2, ceiling 5s, 4 attempts) before giving up. Points
// whose measurement disagrees with its previously recorded data type
// are rejected up front as PermanentFail and never reach the database.
func (r *Repository) Write(ctx context.Context, deviceID uint64, points []model.Point) (WriteResult, error) {
	result := WriteResult{}
	rows := make([]model.TelemetryPoint, 0, len(points))

	for _, p := range points {
		canonical, err := r.registry.checkAndRecord(ctx, deviceID, p.Measurement, p.Value.Kind.String())
		if err != nil {
			result.Rejected = append(result.Rejected, model.RejectedMeasurement{
				Measurement: p.Measurement,
				Reason:      err.Error(),
			})
			continue
		}
		row := model.TelemetryPoint{
			DeviceID:    deviceID,
			Measurement: p.Measurement,
			TS:          p.Timestamp,
			IngestedAt:  time.Now().UTC(),
		}
		if len(p.Tags) > 0 {
			tags := make(map[string]any, len(p.Tags))
			for k, v := range p.Tags {
				tags[k] = v
			}
			row.Tags = tags
		}
		model.FromValue(coerce(p.Value, canonical), &row)
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return result, nil
	}

	// ON CONFLICT DO NOTHING against idx_device_measurement_ts makes a
	// duplicate MQTT redelivery of the same (device, measurement, ts)
	// point a no-op rather than a second row, per spec.md §4.7.
	var rowsAffected int64
	op := func() (struct{}, error) {
		tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true})
		err := tx.CreateInBatches(&rows, 256).Error
		if err == nil {
			rowsAffected = tx.RowsAffected
			return struct{}{}, nil
		}
		if !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(transientBackOff()),
		backoff.WithMaxTries(4),
	)
	if err != nil {
		return result, fmt.Errorf("timeseries store: write: %w", err)
	}
	result.Accepted = int(rowsAffected)
	return result, nil
}

// coerce converts v to canonical when the type registry unified an int
// and a float observation for the same measurement.
func coerce(v model.Value, canonical string) model.Value {
	if canonical == "float" && v.Kind == model.KindInt {
		return model.NewFloatValue(float64(v.Int))
	}
	return v
}

func transientBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	return b
}

// isTransient distinguishes connection loss, timeout, and pool
// exhaustion (retryable) from schema conflict, oversized value, and
// malformed input (not retryable), per spec.md §4.2.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return containsAny(msg,
		"connection refused", "connection reset", "broken pipe",
		"timeout", "too many connections", "pool exhausted",
		"i/o timeout", "EOF",
	)
}

func (r *Repository) QueryLatest(ctx context.Context, deviceID uint64, measurement string) (model.Point, error) {
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if measurement != "" {
		q = q.Where("measurement = ?", measurement)
	}
	var row model.TelemetryPoint
	if err := q.Order("ts desc, id desc").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Point{}, ErrNotFound
		}
		return model.Point{}, err
	}
	return rowToPoint(row), nil
}

type RangePage struct {
	Points     []model.Point
	NextCursor string
}

// QueryRange paginates with the cursor shape generalized from
// history-service's ListStatePoints.
func (r *Repository) QueryRange(ctx context.Context, deviceID uint64, measurement string, from, to time.Time, limit int, cursor *Cursor) (RangePage, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID},
	}
	if measurement != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "measurement"}, Value: measurement})
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "ts"}, Value: from})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "ts"}, Value: to})
	}
	if cursor != nil {
		exprs = append(exprs, clause.Or(
			clause.Gt{Column: clause.Column{Name: "ts"}, Value: cursor.TS},
			clause.And(
				clause.Eq{Column: clause.Column{Name: "ts"}, Value: cursor.TS},
				clause.Gt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
			),
		))
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}},
		{Column: clause.Column{Name: "id"}},
	}}

	var rows []model.TelemetryPoint
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return RangePage{}, err
	}

	var nextCursor string
	if len(rows) > limit {
		last := rows[limit-1]
		nextCursor = EncodeCursor(Cursor{TS: last.TS, ID: last.ID})
		rows = rows[:limit]
	}

	points := make([]model.Point, 0, len(rows))
	for _, row := range rows {
		points = append(points, rowToPoint(row))
	}
	return RangePage{Points: points, NextCursor: nextCursor}, nil
}

// AggregateFn enumerates the supported QueryAggregate functions.
type AggregateFn string

const (
	AggMean  AggregateFn = "mean"
	AggMin   AggregateFn = "min"
	AggMax   AggregateFn = "max"
	AggSum   AggregateFn = "sum"
	AggCount AggregateFn = "count"
)

var aggregateSQL = map[AggregateFn]string{
	AggMean:  "AVG",
	AggMin:   "MIN",
	AggMax:   "MAX",
	AggSum:   "SUM",
	AggCount: "COUNT",
}

// QueryAggregate buckets numeric points into fixed windows using
// date_bin, per spec.md §4.2. Only int/float measurements participate;
// bool/text measurements return an empty sequence rather than an error,
// since "average of a boolean" is undefined by the spec.
func (r *Repository) QueryAggregate(ctx context.Context, deviceID uint64, measurement string, from, to time.Time, window time.Duration, fn AggregateFn) ([]model.AggregatePoint, error) {
	sqlFn, ok := aggregateSQL[fn]
	if !ok {
		return nil, fmt.Errorf("timeseries store: unsupported aggregate function %q", fn)
	}

	valueExpr := "value_float"
	if fn != AggCount {
		// value_int participates in numeric aggregates too: int rows
		// are cast to double precision (their value_float column holds
		// 0, not NULL) so a measurement stored as int is still aggregable.
		valueExpr = "CASE WHEN data_type = 'int' THEN value_int::double precision ELSE value_float END"
	}

	var rows []struct {
		BucketStart time.Time
		Value       float64
		SampleCount int64
	}
	err := r.db.WithContext(ctx).
		Table("telemetry_points").
		Select(fmt.Sprintf("date_bin(?, ts, ?) AS bucket_start, %s(%s) AS value, COUNT(*) AS sample_count", sqlFn, valueExpr), window, from).
		Where("device_id = ? AND measurement = ? AND ts >= ? AND ts <= ? AND data_type IN ('int','float')", deviceID, measurement, from, to).
		Group("bucket_start").
		Order("bucket_start asc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("timeseries store: aggregate: %w", err)
	}

	out := make([]model.AggregatePoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.AggregatePoint{BucketStart: row.BucketStart, Value: row.Value, SampleCount: row.SampleCount})
	}
	return out, nil
}

// DeleteDevice satisfies credential.TimeSeriesRetentionDeleter.
func (r *Repository) DeleteDevice(ctx context.Context, deviceID uint64) error {
	return r.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&model.TelemetryPoint{}).Error
}

// Health runs a trivial round-trip query to confirm the store is
// reachable, for the composite health report (spec.md §6).
func (r *Repository) Health(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CountSince reports how many points were ingested since cutoff,
// for the detailed health report's "recent telemetry counts" figure.
func (r *Repository) CountSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TelemetryPoint{}).
		Where("ingested_at >= ?", cutoff).Count(&count).Error
	return count, err
}

func rowToPoint(row model.TelemetryPoint) model.Point {
	var tags map[string]string
	if len(row.Tags) > 0 {
		tags = make(map[string]string, len(row.Tags))
		for k, v := range row.Tags {
			if s, ok := v.(string); ok {
				tags[k] = s
			} else {
				tags[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	return model.Point{
		DeviceID:    row.DeviceID,
		Measurement: row.Measurement,
		Timestamp:   row.TS,
		Value:       row.ToValue(),
		Tags:        tags,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) == 0 {
			continue
		}
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
	}
	return false
}
