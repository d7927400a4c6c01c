package ota

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/halcyon-iot/halcyon/pkg/types"
)

// Session is the state machine for delivering one firmware image to one
// device. All mutation happens under mu, held by the orchestrator while it
// processes an inbound message or a timeout for this session, so transitions
// are serialized per session while distinct devices progress independently.
type Session struct {
	mu sync.Mutex

	ID        uuid.UUID
	NodeID    string
	Firmware  types.FirmwareImage
	ChunkSize int

	TotalChunks   int
	State         types.TransferState
	RetryCount    int
	PhaseDeadline time.Time
	LastError     string
	StartedAt     time.Time
	FinishedAt    time.Time

	acked       map[int]bool
	inflightSeq int // chunk awaiting its ack, -1 when none

	// terminal mirrors State.Terminal() so the session map can test liveness
	// without taking mu
	terminal atomic.Bool
}

// newSession builds a session in OFFERED with its phase deadline already
// armed, so a sweep that sees the session before the offer goes out never
// treats the zero deadline as expired.
func newSession(nodeID string, img *types.FirmwareImage, chunkSize int, now time.Time, phaseTimeout time.Duration) *Session {
	return &Session{
		ID:            uuid.New(),
		NodeID:        nodeID,
		Firmware:      *img,
		ChunkSize:     chunkSize,
		TotalChunks:   img.TotalChunks(chunkSize),
		State:         types.StateOffered,
		PhaseDeadline: now.Add(phaseTimeout),
		StartedAt:     now,
		acked:         make(map[int]bool),
		inflightSeq:   -1,
	}
}

// lowestUnacked returns the smallest chunk index the device has not yet
// confirmed. Resends always restart here, never skipping or repeating acked
// chunks.
func (s *Session) lowestUnacked() int {
	for seq := 0; seq < s.TotalChunks; seq++ {
		if !s.acked[seq] {
			return seq
		}
	}
	return s.TotalChunks
}

func (s *Session) allAcked() bool {
	return len(s.acked) == s.TotalChunks
}

func (s *Session) percentComplete() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.acked)) / float64(s.TotalChunks)
}

// armPhase starts a fresh phase: deadline re-armed, retry budget reset
func (s *Session) armPhase(now time.Time, timeout time.Duration) {
	s.RetryCount = 0
	s.PhaseDeadline = now.Add(timeout)
}

// rearmDeadline extends the current phase after a resend without resetting
// the retry budget
func (s *Session) rearmDeadline(now time.Time, timeout time.Duration) {
	s.PhaseDeadline = now.Add(timeout)
}

// terminate moves the session to a terminal state
func (s *Session) terminate(state types.TransferState, lastError string, now time.Time) {
	s.State = state
	s.LastError = lastError
	s.FinishedAt = now
	s.inflightSeq = -1
	s.terminal.Store(true)
}

// status snapshots the externally visible view of the session
func (s *Session) status() types.UpdateStatus {
	return types.UpdateStatus{
		NodeID:          s.NodeID,
		FirmwareID:      s.Firmware.ID,
		State:           s.State,
		PercentComplete: s.percentComplete(),
		LastError:       s.LastError,
	}
}

// record builds the persisted outcome row for a finished session
func (s *Session) record() *types.TransferRecord {
	return &types.TransferRecord{
		SessionID:   s.ID,
		NodeID:      s.NodeID,
		FirmwareID:  s.Firmware.ID,
		State:       s.State,
		LastError:   s.LastError,
		ChunksAcked: len(s.acked),
		TotalChunks: s.TotalChunks,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
	}
}
