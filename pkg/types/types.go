package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FirmwareImage describes one stored firmware binary. Images are immutable
// once stored; replacing a version means adding a new image and removing the
// old one. The JSON form doubles as the persisted manifest record.
type FirmwareImage struct {
	ID         uuid.UUID `json:"firmware_id"`
	Version    string    `json:"version"`
	DeviceType string    `json:"device_type"`
	SizeBytes  int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	AddedAt    time.Time `json:"added_date"`
}

// TotalChunks returns how many chunks of the given size the image splits into.
func (f *FirmwareImage) TotalChunks(chunkSize int) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((f.SizeBytes + int64(chunkSize) - 1) / int64(chunkSize))
}

// TransferState is the phase of a firmware delivery session
type TransferState string

const (
	StateOffered      TransferState = "OFFERED"
	StateAccepted     TransferState = "ACCEPTED"
	StateTransferring TransferState = "TRANSFERRING"
	StateVerifying    TransferState = "VERIFYING"
	StateComplete     TransferState = "COMPLETE"
	StateRejected     TransferState = "REJECTED"
	StateAborted      TransferState = "ABORTED"
	StateTimedOut     TransferState = "TIMED_OUT"
)

// Terminal reports whether the state ends the session
func (s TransferState) Terminal() bool {
	switch s {
	case StateComplete, StateRejected, StateAborted, StateTimedOut:
		return true
	}
	return false
}

// UpdateStatus is the externally visible snapshot of one delivery session
type UpdateStatus struct {
	NodeID          string        `json:"node_id"`
	FirmwareID      uuid.UUID     `json:"firmware_id"`
	State           TransferState `json:"state"`
	PercentComplete float64       `json:"percent_complete"`
	LastError       string        `json:"last_error,omitempty"`
}

// Device represents a registered device in the fleet
type Device struct {
	ID              uuid.UUID `json:"id" gorm:"primaryKey"`
	NodeID          string    `json:"node_id" gorm:"uniqueIndex;not null"`
	DeviceType      string    `json:"device_type" gorm:"not null"`
	FirmwareVersion string    `json:"firmware_version"`
	Enabled         bool      `json:"enabled" gorm:"default:true"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the device ID
func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// TransferRecord is the persisted outcome of a finished delivery session
type TransferRecord struct {
	ID          uuid.UUID     `json:"id" gorm:"primaryKey"`
	SessionID   uuid.UUID     `json:"session_id" gorm:"index;not null"`
	NodeID      string        `json:"node_id" gorm:"index;not null"`
	FirmwareID  uuid.UUID     `json:"firmware_id" gorm:"not null"`
	State       TransferState `json:"state" gorm:"not null"`
	LastError   string        `json:"last_error"`
	ChunksAcked int           `json:"chunks_acked"`
	TotalChunks int           `json:"total_chunks"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	CreatedAt   time.Time     `json:"created_at"`
}

// BeforeCreate generates a UUID for the record ID
func (r *TransferRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
