package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/halcyon-iot/halcyon/internal/common"
	"github.com/halcyon-iot/halcyon/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrUnknownNode indicates a node id the registry has never seen
var ErrUnknownNode = errors.New("unknown node")

// PresenceStore tracks which devices have recently checked in. Satisfied by
// common.Cache; tests substitute an in-memory double.
type PresenceStore interface {
	SetString(ctx context.Context, key, value string, expiration time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Service maintains the device registry: durable device records in the
// database, liveness in the presence store via TTL keys refreshed on
// heartbeat.
type Service struct {
	DB          *common.Database
	presence    PresenceStore
	presenceTTL time.Duration
}

// NewService creates a device registry service
func NewService(db *common.Database, presence PresenceStore, presenceTTL time.Duration) *Service {
	return &Service{
		DB:          db,
		presence:    presence,
		presenceTTL: presenceTTL,
	}
}

// Register adds a device to the registry. Registering an existing node id
// updates its device type rather than failing, so re-provisioned hardware can
// rejoin under the same id.
func (s *Service) Register(ctx context.Context, nodeID, deviceType string) (*types.Device, error) {
	if nodeID == "" || deviceType == "" {
		return nil, fmt.Errorf("node id and device type are required")
	}

	var device types.Device
	err := s.DB.WithContext(ctx).Where("node_id = ?", nodeID).First(&device).Error
	switch {
	case err == nil:
		device.DeviceType = deviceType
		device.Enabled = true
		if err := s.DB.WithContext(ctx).Save(&device).Error; err != nil {
			return nil, fmt.Errorf("failed to update device: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		device = types.Device{
			NodeID:     nodeID,
			DeviceType: deviceType,
			Enabled:    true,
		}
		if err := s.DB.WithContext(ctx).Create(&device).Error; err != nil {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	log.Info().Str("node_id", nodeID).Str("device_type", deviceType).Msg("device registered")
	return &device, nil
}

// Heartbeat records a device check-in: refreshes the presence key and updates
// the stored last-seen time and reported firmware version.
func (s *Service) Heartbeat(ctx context.Context, nodeID, firmwareVersion string) error {
	exists, err := s.Exists(ctx, nodeID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	now := time.Now().UTC()
	if err := s.presence.SetString(ctx, presenceKey(nodeID), now.Format(time.RFC3339Nano), s.presenceTTL); err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if firmwareVersion != "" {
		updates["firmware_version"] = firmwareVersion
	}
	if err := s.DB.WithContext(ctx).Model(&types.Device{}).
		Where("node_id = ?", nodeID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}

	log.Debug().Str("node_id", nodeID).Str("firmware_version", firmwareVersion).Msg("device heartbeat")
	return nil
}

// Exists reports whether the node id is registered and enabled
func (s *Service) Exists(ctx context.Context, nodeID string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&types.Device{}).
		Where("node_id = ? AND enabled = ?", nodeID, true).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up device: %w", err)
	}
	return count > 0, nil
}

// IsOnline reports whether the device has heartbeated within the presence TTL
func (s *Service) IsOnline(ctx context.Context, nodeID string) (bool, error) {
	return s.presence.Exists(ctx, presenceKey(nodeID))
}

// LastHeartbeat returns the time of the node's most recent heartbeat. The zero
// time means the presence key has expired or was never written.
func (s *Service) LastHeartbeat(ctx context.Context, nodeID string) (time.Time, error) {
	raw, err := s.presence.GetString(ctx, presenceKey(nodeID))
	if err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read presence: %w", err)
	}
	seen, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed presence value %q: %w", raw, err)
	}
	return seen, nil
}

// Get returns the stored device record for a node id
func (s *Service) Get(ctx context.Context, nodeID string) (*types.Device, error) {
	var device types.Device
	err := s.DB.WithContext(ctx).Where("node_id = ?", nodeID).First(&device).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	case err != nil:
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	return &device, nil
}

// List returns all registered devices
func (s *Service) List(ctx context.Context) ([]types.Device, error) {
	var devices []types.Device
	if err := s.DB.WithContext(ctx).Order("node_id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func presenceKey(nodeID string) string {
	return "presence:" + nodeID
}
