package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	KindApplication = "application"
	KindModel       = "model"
	KindFirmware    = "firmware"
)

// DeploymentRecord is one deployment or OTA attempt as seen by the console.
type DeploymentRecord struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind         string         `gorm:"index" json:"kind"`
	DeploymentID string         `gorm:"index" json:"deployment_id,omitempty"`
	Dialect      string         `json:"dialect,omitempty"`
	Target       string         `json:"target,omitempty"`
	Stage        string         `json:"stage"`
	Outcome      string         `json:"outcome,omitempty"`
	Error        string         `json:"error,omitempty"`
	Manifest     datatypes.JSON `json:"manifest,omitempty"`
	StartedAt    time.Time      `gorm:"index" json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// DeviceSnapshot is the last device configuration reported by a camera.
type DeviceSnapshot struct {
	DeviceID  string         `gorm:"primaryKey" json:"device_id"`
	Config    datatypes.JSON `json:"config"`
	UpdatedAt time.Time      `json:"updated_at"`
}
