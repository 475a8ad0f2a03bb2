// Package identity is the Identity & Authorization component
// (spec.md §4.4): registration, api-key resolution, admin bearer
// authorization, rate-limit gating, and the device state machine.
// Errors surface as *apperror.AppError so the HTTP and MQTT ingresses
// can map them to the right status/ack behavior without re-deriving
// the taxonomy.
package identity

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/cache"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/store/credential"
)

// CredentialStore is the narrow slice of credential.Repository this
// package depends on, kept as an interface so the phased assembler
// (spec.md §9) can wire identity before the concrete store type if
// ever needed, and so tests can substitute a fake.
type CredentialStore interface {
	RegisterDevice(ctx context.Context, profile model.RegistrationProfile) (*model.Device, error)
	ExistingIDByName(ctx context.Context, name string) (uint64, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Device, error)
	GetByID(ctx context.Context, id uint64) (*model.Device, error)
	UpdateConfig(ctx context.Context, id uint64, patch model.ConfigPatch) error
	UpdateStatus(ctx context.Context, id uint64, status model.Status) error
	RotateAPIKey(ctx context.Context, id uint64) (string, error)
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context, filter credential.ListFilter, page credential.Page) ([]model.Device, error)
}

type Service struct {
	store       CredentialStore
	cache       *cache.Cache
	adminToken  string
}

func New(store CredentialStore, liveness *cache.Cache, adminToken string) *Service {
	return &Service{store: store, cache: liveness, adminToken: adminToken}
}

// RegistrationResult carries the outcome the HTTP front door needs to
// decide between a 201 and a 409 with existing_id, per spec.md §4.4.
type RegistrationResult struct {
	Device             *model.Device
	NameTaken          bool
	ExistingID         uint64
	CredentialsVisible bool
}

// Register creates a device, or reports NameTaken with the existing
// device's id and CredentialsVisible=false — the api key is write-once
// and is never revealed for an existing registration.
func (s *Service) Register(ctx context.Context, profile model.RegistrationProfile) (RegistrationResult, error) {
	dev, err := s.store.RegisterDevice(ctx, profile)
	if err == nil {
		return RegistrationResult{Device: dev, CredentialsVisible: true}, nil
	}
	if err != credential.ErrNameTaken {
		return RegistrationResult{}, apperror.Wrap(apperror.KindStoreUnavailable, "register device", err)
	}

	existingID, lookupErr := s.store.ExistingIDByName(ctx, profile.Name)
	if lookupErr != nil {
		return RegistrationResult{}, apperror.Wrap(apperror.KindStoreUnavailable, "resolve existing device", lookupErr)
	}
	return RegistrationResult{NameTaken: true, ExistingID: existingID, CredentialsVisible: false}, nil
}

// Authenticate resolves an api_key to its device, enforcing the
// "active" requirement for telemetry writes and amortizing the lookup
// through the Liveness Cache's 30s key-prefix entry.
func (s *Service) Authenticate(ctx context.Context, apiKey string, requireWrite bool) (*model.Device, error) {
	if apiKey == "" {
		return nil, apperror.AuthRequired("missing api_key")
	}

	prefix := keyPrefix(apiKey)
	if entry, ok := s.cache.GetAuthEntry(ctx, prefix); ok {
		if !isAuthorized(model.Status(entry.AdminStatus), requireWrite) {
			return nil, apperror.AuthFailed("device is not permitted on this path")
		}
		dev, err := s.store.GetByID(ctx, entry.DeviceID)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindStoreUnavailable, "resolve cached device", err)
		}
		if dev == nil || dev.APIKey != apiKey {
			// Cache entry is stale (key rotated or device deleted);
			// fall through to a fresh store lookup below.
		} else {
			return dev, nil
		}
	}

	dev, err := s.store.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStoreUnavailable, "resolve api key", err)
	}
	if dev == nil {
		return nil, apperror.AuthFailed("unknown api key")
	}
	if !isAuthorized(dev.AdminStatus, requireWrite) {
		return nil, apperror.AuthFailed("device is not permitted on this path")
	}

	s.cache.SetAuthEntry(ctx, prefix, cache.AuthEntry{DeviceID: dev.ID, AdminStatus: string(dev.AdminStatus)})
	return dev, nil
}

// AuthenticateAndMatch is Authenticate plus the envelope device_id
// agreement check from spec.md §4.5 step 1.
func (s *Service) AuthenticateAndMatch(ctx context.Context, apiKey string, envelopeDeviceID uint64, requireWrite bool) (*model.Device, error) {
	dev, err := s.Authenticate(ctx, apiKey, requireWrite)
	if err != nil {
		return nil, err
	}
	if envelopeDeviceID != 0 && envelopeDeviceID != dev.ID {
		return nil, apperror.AuthFailed("device_id does not match the resolved api key")
	}
	return dev, nil
}

// isAuthorized implements "only active devices may authenticate on
// telemetry paths; maintenance is allowed for heartbeat/config read
// but not telemetry write" from spec.md §4.4.
func isAuthorized(status model.Status, requireWrite bool) bool {
	switch status {
	case model.StatusActive:
		return true
	case model.StatusMaintenance:
		return !requireWrite
	default:
		return false
	}
}

// AuthorizeAdmin compares the presented bearer token to the configured
// admin secret in constant time.
func (s *Service) AuthorizeAdmin(token string) error {
	if s.adminToken == "" {
		return apperror.Internal("admin authorization is not configured", nil)
	}
	if token == "" {
		return apperror.AuthRequired("missing admin token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return apperror.AuthFailed("invalid admin token")
	}
	return nil
}

// Transition applies an admin-driven status change and invalidates any
// cached auth entry for the device's key prefix so the change takes
// effect immediately rather than after the 30s cache window.
func (s *Service) Transition(ctx context.Context, deviceID uint64, target model.Status) error {
	if !validTransition(target) {
		return apperror.ValidationError("unsupported target status")
	}
	dev, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return apperror.Wrap(apperror.KindStoreUnavailable, "load device", err)
	}
	if dev == nil {
		return apperror.NotFound("device not found")
	}
	if err := s.store.UpdateStatus(ctx, deviceID, target); err != nil {
		return apperror.Wrap(apperror.KindStoreUnavailable, "update status", err)
	}
	s.cache.InvalidateAuthEntry(ctx, keyPrefix(dev.APIKey))
	return nil
}

func validTransition(target model.Status) bool {
	switch target {
	case model.StatusActive, model.StatusInactive, model.StatusMaintenance:
		return true
	default:
		return false
	}
}

// Delete removes a device and invalidates its cached auth entry.
func (s *Service) Delete(ctx context.Context, deviceID uint64) error {
	dev, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return apperror.Wrap(apperror.KindStoreUnavailable, "load device", err)
	}
	if dev == nil {
		return apperror.NotFound("device not found")
	}
	if err := s.store.Delete(ctx, deviceID); err != nil {
		return apperror.Wrap(apperror.KindStoreUnavailable, "delete device", err)
	}
	s.cache.InvalidateAuthEntry(ctx, keyPrefix(dev.APIKey))
	s.cache.ClearStatus(ctx, deviceID)
	return nil
}

// RotateAPIKey is the admin-only key rotation operation from spec.md
// §4.4's Open Question resolution: registration never rotates, only
// an explicit admin action does.
func (s *Service) RotateAPIKey(ctx context.Context, deviceID uint64) (string, error) {
	dev, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return "", apperror.Wrap(apperror.KindStoreUnavailable, "load device", err)
	}
	if dev == nil {
		return "", apperror.NotFound("device not found")
	}
	newKey, err := s.store.RotateAPIKey(ctx, deviceID)
	if err != nil {
		return "", apperror.Wrap(apperror.KindStoreUnavailable, "rotate api key", err)
	}
	s.cache.InvalidateAuthEntry(ctx, keyPrefix(dev.APIKey))
	return newKey, nil
}

func (s *Service) UpdateConfig(ctx context.Context, deviceID uint64, patch model.ConfigPatch) error {
	if err := s.store.UpdateConfig(ctx, deviceID, patch); err != nil {
		return apperror.Wrap(apperror.KindStoreUnavailable, "update config", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, deviceID uint64) (*model.Device, error) {
	dev, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStoreUnavailable, "load device", err)
	}
	if dev == nil {
		return nil, apperror.NotFound("device not found")
	}
	return dev, nil
}

func (s *Service) List(ctx context.Context, filter credential.ListFilter, page credential.Page) ([]model.Device, error) {
	devices, err := s.store.List(ctx, filter, page)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStoreUnavailable, "list devices", err)
	}
	return devices, nil
}

// RateLimit delegates to the Liveness Cache's fixed-window limiter,
// scoping the key by device id or client IP per spec.md §4.3's table.
func (s *Service) RateLimit(ctx context.Context, scope, key string, limit int, window time.Duration) cache.RateLimitResult {
	return s.cache.RateLimit(ctx, scope, key, limit, window)
}

func keyPrefix(apiKey string) string {
	if len(apiKey) < 8 {
		return apiKey
	}
	return apiKey[:8]
}
