package model

import "time"

// Status is the admin-controlled lifecycle state of a Device.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// Device is a registered field device, identified by a dense integer id
// and a unique human name.
type Device struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	DeviceType       string    `gorm:"size:64" json:"device_type"`
	Description      string    `gorm:"size:512" json:"description,omitempty"`
	Location         string    `gorm:"size:256" json:"location,omitempty"`
	FirmwareVersion  string    `gorm:"size:64" json:"firmware_version,omitempty"`
	HardwareVersion  string    `gorm:"size:64" json:"hardware_version,omitempty"`
	APIKey           string    `gorm:"uniqueIndex;size:32;not null" json:"-"`
	AdminStatus      Status    `gorm:"size:16;not null;default:active" json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastSeen         time.Time `gorm:"index" json:"last_seen"`
}

func (Device) TableName() string { return "devices" }

// CanAuthenticateTelemetry reports whether the device's admin status
// permits submitting telemetry (§4.4: only active devices).
func (d *Device) CanAuthenticateTelemetry() bool {
	return d.AdminStatus == StatusActive
}

// CanAuthenticateControlPlane reports whether the device's admin status
// permits heartbeat and config-read (active or maintenance).
func (d *Device) CanAuthenticateControlPlane() bool {
	return d.AdminStatus == StatusActive || d.AdminStatus == StatusMaintenance
}

// RegistrationProfile is the caller-supplied data for a new device.
type RegistrationProfile struct {
	Name            string
	DeviceType      string
	Description     string
	Location        string
	FirmwareVersion string
	HardwareVersion string
}

// ConfigPatch is the set of fields a device (or admin) may update
// post-registration.
type ConfigPatch struct {
	Location        *string
	FirmwareVersion *string
	Description     *string
}
