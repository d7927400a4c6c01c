// Package protocol defines the OTA wire messages exchanged between the hub
// and a device over an authenticated, ordered transport. The transport frames
// and delivers; this package only encodes and validates.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the message union
type Kind string

const (
	KindOffer    Kind = "OFFER"
	KindAccept   Kind = "ACCEPT"
	KindReject   Kind = "REJECT"
	KindChunk    Kind = "CHUNK"
	KindChunkAck Kind = "CHUNK_ACK"
	KindVerify   Kind = "VERIFY"
	KindComplete Kind = "COMPLETE"
	KindAbort    Kind = "ABORT"
)

// Envelope is one OTA protocol message. Which fields are meaningful depends
// on Kind; Validate enforces the per-kind payload contract.
type Envelope struct {
	Kind       Kind      `json:"kind"`
	NodeID     string    `json:"node_id"`
	FirmwareID uuid.UUID `json:"firmware_id"`

	// OFFER
	Version    string `json:"version,omitempty"`
	Size       int64  `json:"size,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`

	// OFFER carries the expected digest, VERIFY the device-computed one
	SHA256 string `json:"sha256,omitempty"`

	// CHUNK / CHUNK_ACK
	Seq         int    `json:"seq"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Data        []byte `json:"data,omitempty"`

	// REJECT / ABORT
	Reason string `json:"reason,omitempty"`
}

// NewOffer builds the hub's opening message for a delivery session
func NewOffer(nodeID string, firmwareID uuid.UUID, version string, size int64, sha256, deviceType string, chunkSize int) *Envelope {
	return &Envelope{
		Kind:       KindOffer,
		NodeID:     nodeID,
		FirmwareID: firmwareID,
		Version:    version,
		Size:       size,
		SHA256:     sha256,
		DeviceType: deviceType,
		ChunkSize:  chunkSize,
	}
}

// NewChunk builds one firmware chunk message
func NewChunk(nodeID string, firmwareID uuid.UUID, seq, totalChunks int, data []byte) *Envelope {
	return &Envelope{
		Kind:        KindChunk,
		NodeID:      nodeID,
		FirmwareID:  firmwareID,
		Seq:         seq,
		TotalChunks: totalChunks,
		Data:        data,
	}
}

// NewComplete builds the hub's completion notice
func NewComplete(nodeID string, firmwareID uuid.UUID) *Envelope {
	return &Envelope{Kind: KindComplete, NodeID: nodeID, FirmwareID: firmwareID}
}

// NewAbort builds an abort notice with a reason
func NewAbort(nodeID string, firmwareID uuid.UUID, reason string) *Envelope {
	return &Envelope{Kind: KindAbort, NodeID: nodeID, FirmwareID: firmwareID, Reason: reason}
}

// Validate checks that the envelope carries the payload its kind requires
func (e *Envelope) Validate() error {
	if e.NodeID == "" {
		return fmt.Errorf("message missing node_id")
	}
	if e.FirmwareID == uuid.Nil {
		return fmt.Errorf("message missing firmware_id")
	}

	switch e.Kind {
	case KindOffer:
		if e.Version == "" || e.Size <= 0 || e.SHA256 == "" || e.ChunkSize <= 0 {
			return fmt.Errorf("incomplete OFFER payload")
		}
	case KindAccept, KindComplete:
		// firmware_id only
	case KindReject, KindAbort:
		if e.Reason == "" {
			return fmt.Errorf("%s missing reason", e.Kind)
		}
	case KindChunk:
		if e.Seq < 0 || e.TotalChunks <= 0 || e.Seq >= e.TotalChunks || len(e.Data) == 0 {
			return fmt.Errorf("invalid CHUNK payload")
		}
	case KindChunkAck:
		if e.Seq < 0 {
			return fmt.Errorf("invalid CHUNK_ACK seq %d", e.Seq)
		}
	case KindVerify:
		if e.SHA256 == "" {
			return fmt.Errorf("VERIFY missing sha256")
		}
	default:
		return fmt.Errorf("unknown message kind %q", e.Kind)
	}

	return nil
}

// Marshal encodes the envelope for the transport
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return json.Marshal(e)
}

// Unmarshal decodes and validates a message received from the transport
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &env, nil
}
