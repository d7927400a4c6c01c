package ota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/halcyon-iot/halcyon/pkg/protocol"
	"github.com/halcyon-iot/halcyon/pkg/types"
)

// Transport delivers protocol messages to a device. The connection is assumed
// already authenticated, reliable and ordered; the orchestrator's resend logic
// only covers application-level silence, not network loss.
type Transport interface {
	Send(ctx context.Context, nodeID string, msg *protocol.Envelope) error
}

// NodeDirectory is the narrow view of the device registry the orchestrator
// needs.
type NodeDirectory interface {
	Exists(ctx context.Context, nodeID string) (bool, error)
	IsOnline(ctx context.Context, nodeID string) (bool, error)
}

// ImageSource is the narrow view of the firmware store the orchestrator
// needs: metadata lookup and per-chunk reads.
type ImageSource interface {
	Get(ctx context.Context, id uuid.UUID) (*types.FirmwareImage, error)
	ReadChunk(ctx context.Context, id uuid.UUID, seq, chunkSize int) ([]byte, error)
}

// HistorySink persists the outcome of finished transfer sessions
type HistorySink interface {
	Record(ctx context.Context, rec *types.TransferRecord) error
}

// StatusCache publishes status snapshots for external consumers. Satisfied by
// common.Cache. Delete clears a node's snapshot when its session is evicted.
type StatusCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ProgressFunc is invoked after every observable session transition
type ProgressFunc func(status types.UpdateStatus)
