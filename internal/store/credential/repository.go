// Package credential is the Credential Store Adapter (spec.md §4.1): it
// wraps the relational engine and exposes device CRUD, unique-name
// enforcement, and api-key lookup. Grounded on
// zigbee-adapter/internal/store/repo.go's gorm repository shape
// (NewRepository, transactional Delete*, clause-based queries) and
// device-hub's Repository usage from internal/httpapi/server.go.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
)

// ErrNameTaken is returned by RegisterDevice when the requested name
// already exists. The caller can recover the conflicting device's id.
var ErrNameTaken = errors.New("device name already registered")

// TimeSeriesRetentionDeleter is the narrow interface the credential
// store needs from the Time-Series Adapter to enqueue a best-effort
// retention delete on device removal (spec.md §4.1) without importing
// the timeseries package directly (breaks the cyclic-reference smell
// spec.md §9 calls out).
type TimeSeriesRetentionDeleter interface {
	DeleteDevice(ctx context.Context, deviceID uint64) error
}

type Repository struct {
	db         *gorm.DB
	apiKeyLen  int
	tsDeleter  TimeSeriesRetentionDeleter
}

// Open connects to Postgres and runs the schema migration, grounded on
// zigbee-adapter/internal/store/repo.go's NewRepository.
func Open(dsn string) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("credential store: open: %w", err)
	}
	if err := db.AutoMigrate(&model.Device{}); err != nil {
		return nil, fmt.Errorf("credential store: migrate: %w", err)
	}
	return db, nil
}

// New wraps an already-opened *gorm.DB (allows tests to inject sqlite).
func New(db *gorm.DB, apiKeyLen int) *Repository {
	return &Repository{db: db, apiKeyLen: apiKeyLen}
}

// SetTimeSeriesDeleter wires the best-effort retention-delete
// collaborator after construction, avoiding a constructor-time cycle
// between the credential and time-series adapters.
func (r *Repository) SetTimeSeriesDeleter(d TimeSeriesRetentionDeleter) {
	r.tsDeleter = d
}

// RegisterDevice atomically checks name uniqueness and inserts the new
// device, generating a fresh opaque api key.
func (r *Repository) RegisterDevice(ctx context.Context, profile model.RegistrationProfile) (*model.Device, error) {
	apiKey, err := generateAPIKey(r.apiKeyLen)
	if err != nil {
		return nil, fmt.Errorf("credential store: generate api key: %w", err)
	}

	now := time.Now().UTC()
	dev := &model.Device{
		Name:            profile.Name,
		DeviceType:      profile.DeviceType,
		Description:     profile.Description,
		Location:        profile.Location,
		FirmwareVersion: profile.FirmwareVersion,
		HardwareVersion: profile.HardwareVersion,
		APIKey:          apiKey,
		AdminStatus:     model.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastSeen:        now,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Device{}).Where("name = ?", profile.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrNameTaken
		}
		return tx.Create(dev).Error
	})
	if err != nil {
		if errors.Is(err, ErrNameTaken) || isUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("credential store: register: %w", err)
	}
	return dev, nil
}

// ExistingIDByName looks up a device id by name, used by the HTTP
// ingress to populate the 409 Conflict response's existing_id field
// without leaking the existing api key.
func (r *Repository) ExistingIDByName(ctx context.Context, name string) (uint64, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).Select("id").Where("name = ?", name).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return dev.ID, nil
}

func (r *Repository) GetByAPIKey(ctx context.Context, apiKey string) (*model.Device, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

func (r *Repository) GetByID(ctx context.Context, id uint64) (*model.Device, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).First(&dev, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

// TouchLastSeen updates last_seen for a heartbeat or telemetry arrival.
func (r *Repository) TouchLastSeen(ctx context.Context, id uint64, seenAt time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).
		Updates(map[string]any{"last_seen": seenAt, "updated_at": seenAt}).Error
}

func (r *Repository) UpdateConfig(ctx context.Context, id uint64, patch model.ConfigPatch) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Location != nil {
		updates["location"] = *patch.Location
	}
	if patch.FirmwareVersion != nil {
		updates["firmware_version"] = *patch.FirmwareVersion
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	res := r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id uint64, status model.Status) error {
	res := r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).
		Updates(map[string]any{"admin_status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RotateAPIKey issues a fresh api key for an existing device (admin-only
// operation; registration itself never rotates — spec.md §4.4's Open
// Question resolution).
func (r *Repository) RotateAPIKey(ctx context.Context, id uint64) (string, error) {
	apiKey, err := generateAPIKey(r.apiKeyLen)
	if err != nil {
		return "", err
	}
	res := r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).
		Updates(map[string]any{"api_key": apiKey, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", gorm.ErrRecordNotFound
	}
	return apiKey, nil
}

// Delete removes the device row and best-effort enqueues a time-series
// retention delete (logged, not fatal, per spec.md §4.1).
func (r *Repository) Delete(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Delete(&model.Device{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	if r.tsDeleter != nil {
		if err := r.tsDeleter.DeleteDevice(ctx, id); err != nil {
			slog.Warn("best-effort time-series retention delete failed", "device_id", id, "error", err)
		}
	}
	return nil
}

// ListFilter narrows List by admin status; zero value lists everything.
type ListFilter struct {
	Status model.Status
}

type Page struct {
	Offset int
	Limit  int
}

func (r *Repository) List(ctx context.Context, filter ListFilter, page Page) ([]model.Device, error) {
	q := r.db.WithContext(ctx).Model(&model.Device{})
	if filter.Status != "" {
		q = q.Where("admin_status = ?", filter.Status)
	}
	if page.Limit <= 0 || page.Limit > 1000 {
		page.Limit = 100
	}
	var devices []model.Device
	if err := q.Order("id asc").Offset(page.Offset).Limit(page.Limit).Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// Count reports the total number of registered devices, for the
// detailed health report's device-count figure.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Device{}).Count(&count).Error
	return count, err
}

// Health runs a trivial round-trip query to confirm the store is
// reachable, for the composite health report (spec.md §4.8); a failed
// credential-store check is the only one that downgrades overall
// status to "down" rather than "degraded".
func (r *Repository) Health(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	// Postgres unique_violation is SQLSTATE 23505; pgx surfaces it via
	// *pgconn.PgError but we avoid importing the driver-specific type
	// here to keep this file portable to the sqlite test driver, whose
	// error text also contains "UNIQUE constraint failed".
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "23505", "unique constraint", "UNIQUE constraint")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
