package ota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/halcyon-iot/halcyon/pkg/config"
	"github.com/halcyon-iot/halcyon/pkg/protocol"
	"github.com/halcyon-iot/halcyon/pkg/types"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for orchestrator operations
var (
	ErrAlreadyActive = errors.New("node already has an active transfer")
	ErrNodeUnknown   = errors.New("node is not registered")
	ErrNoSession     = errors.New("no transfer session for node")
	ErrTransport     = errors.New("transport send failed")
)

const statusCacheTTL = 10 * time.Minute

// StatusKey is the cache key under which a node's status snapshot is published
func StatusKey(nodeID string) string {
	return "ota:status:" + nodeID
}

// Orchestrator drives firmware delivery sessions for the whole fleet. It
// enforces at most one live session per node, routes inbound protocol
// messages to the matching session, and times out stalled phases through a
// periodic sweep. Sending never blocks on acknowledgment; all progress is
// driven by inbound messages and the sweep.
type Orchestrator struct {
	images    ImageSource
	directory NodeDirectory
	transport Transport
	cfg       config.OTAConfig

	history  HistorySink // optional
	statuses StatusCache // optional
	progress ProgressFunc

	sessions sessionMap
}

// NewOrchestrator creates a transfer orchestrator
func NewOrchestrator(images ImageSource, directory NodeDirectory, transport Transport, cfg config.OTAConfig) *Orchestrator {
	return &Orchestrator{
		images:    images,
		directory: directory,
		transport: transport,
		cfg:       cfg,
		sessions:  newSessionMap(),
	}
}

// SetHistorySink installs persistence for finished session outcomes
func (o *Orchestrator) SetHistorySink(sink HistorySink) { o.history = sink }

// SetStatusCache installs a cache that receives status snapshots
func (o *Orchestrator) SetStatusCache(cache StatusCache) { o.statuses = cache }

// SetProgressCallback installs a callback invoked on every session transition
func (o *Orchestrator) SetProgressCallback(fn ProgressFunc) { o.progress = fn }

// StartUpdate begins a firmware delivery to a node: creates the session in
// OFFERED and sends the offer. chunkSize <= 0 selects the configured default.
func (o *Orchestrator) StartUpdate(ctx context.Context, nodeID string, firmwareID uuid.UUID, chunkSize int) (uuid.UUID, error) {
	if chunkSize <= 0 {
		chunkSize = o.cfg.DefaultChunkSize
	}

	exists, err := o.directory.Exists(ctx, nodeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to check node registration: %w", err)
	}
	if !exists {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNodeUnknown, nodeID)
	}

	if online, err := o.directory.IsOnline(ctx, nodeID); err == nil && !online {
		log.Warn().Str("node_id", nodeID).Msg("starting update for a node with no recent heartbeat")
	}

	img, err := o.images.Get(ctx, firmwareID)
	if err != nil {
		return uuid.Nil, err
	}

	sess := newSession(nodeID, img, chunkSize, time.Now().UTC(), o.cfg.PhaseTimeout)
	if !o.sessions.insert(nodeID, sess) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrAlreadyActive, nodeID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	offer := protocol.NewOffer(nodeID, img.ID, img.Version, img.SizeBytes, img.SHA256, img.DeviceType, chunkSize)
	if err := o.send(ctx, nodeID, offer); err != nil {
		o.sessions.remove(nodeID, sess)
		return uuid.Nil, err
	}
	sess.armPhase(time.Now(), o.cfg.PhaseTimeout)

	log.Info().
		Str("node_id", nodeID).
		Str("firmware_id", img.ID.String()).
		Str("version", img.Version).
		Int("chunk_size", chunkSize).
		Int("total_chunks", sess.TotalChunks).
		Msg("update offered")

	o.notify(ctx, sess)
	return sess.ID, nil
}

// HandleInbound routes a device message to its session and applies the
// transition table. Messages that match no live session are logged and
// dropped, never surfaced to the caller.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg *protocol.Envelope) {
	if err := msg.Validate(); err != nil {
		log.Warn().Err(err).Str("node_id", msg.NodeID).Msg("dropping malformed message")
		return
	}

	sess := o.sessions.get(msg.NodeID)
	if sess == nil || sess.Firmware.ID != msg.FirmwareID {
		log.Debug().
			Str("node_id", msg.NodeID).
			Str("firmware_id", msg.FirmwareID.String()).
			Str("kind", string(msg.Kind)).
			Msg("dropping message with no matching session")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.State.Terminal() {
		log.Debug().
			Str("node_id", msg.NodeID).
			Str("kind", string(msg.Kind)).
			Str("state", string(sess.State)).
			Msg("dropping message for finished session")
		return
	}

	o.route(ctx, sess, msg)
}

// route applies one inbound message to the session. Callers hold sess.mu.
func (o *Orchestrator) route(ctx context.Context, sess *Session, msg *protocol.Envelope) {
	switch msg.Kind {
	case protocol.KindAccept:
		if sess.State != types.StateOffered {
			o.dropOutOfPhase(sess, msg)
			return
		}
		sess.State = types.StateAccepted
		log.Info().Str("node_id", sess.NodeID).Str("session_id", sess.ID.String()).Msg("offer accepted")
		o.beginTransfer(ctx, sess)

	case protocol.KindReject:
		if sess.State != types.StateOffered {
			o.dropOutOfPhase(sess, msg)
			return
		}
		sess.terminate(types.StateRejected, msg.Reason, time.Now().UTC())
		log.Info().Str("node_id", sess.NodeID).Str("reason", msg.Reason).Msg("offer rejected by device")
		o.finalize(ctx, sess)

	case protocol.KindChunkAck:
		if sess.State != types.StateTransferring {
			o.dropOutOfPhase(sess, msg)
			return
		}
		o.handleChunkAck(ctx, sess, msg.Seq)

	case protocol.KindVerify:
		if sess.State != types.StateVerifying {
			o.dropOutOfPhase(sess, msg)
			return
		}
		o.handleVerify(ctx, sess, msg.SHA256)

	case protocol.KindAbort:
		sess.terminate(types.StateAborted, msg.Reason, time.Now().UTC())
		log.Info().Str("node_id", sess.NodeID).Str("reason", msg.Reason).Msg("transfer aborted by device")
		o.finalize(ctx, sess)

	case protocol.KindOffer, protocol.KindChunk, protocol.KindComplete:
		// hub-to-device kinds have no business arriving inbound
		log.Warn().
			Str("node_id", sess.NodeID).
			Str("kind", string(msg.Kind)).
			Msg("dropping hub-originated message kind from device")
	}
}

// beginTransfer moves an accepted session into TRANSFERRING and sends the
// first chunk. Callers hold sess.mu.
func (o *Orchestrator) beginTransfer(ctx context.Context, sess *Session) {
	sess.State = types.StateTransferring
	o.sendChunk(ctx, sess, sess.lowestUnacked())
}

// handleChunkAck records an acknowledged chunk and advances the transfer.
// Strict lockstep: exactly one chunk is in flight at a time. Callers hold
// sess.mu.
func (o *Orchestrator) handleChunkAck(ctx context.Context, sess *Session, seq int) {
	if seq < 0 || seq >= sess.TotalChunks {
		log.Warn().Str("node_id", sess.NodeID).Int("seq", seq).Msg("dropping ack outside chunk range")
		return
	}
	if sess.acked[seq] {
		log.Debug().Str("node_id", sess.NodeID).Int("seq", seq).Msg("duplicate chunk ack")
		return
	}
	if seq != sess.inflightSeq {
		log.Warn().
			Str("node_id", sess.NodeID).
			Int("seq", seq).
			Int("inflight", sess.inflightSeq).
			Msg("dropping ack for chunk not in flight")
		return
	}

	sess.acked[seq] = true
	sess.inflightSeq = -1

	if sess.allAcked() {
		sess.State = types.StateVerifying
		sess.armPhase(time.Now(), o.cfg.PhaseTimeout)
		log.Info().
			Str("node_id", sess.NodeID).
			Int("total_chunks", sess.TotalChunks).
			Msg("all chunks acknowledged, awaiting device digest")
		o.notify(ctx, sess)
		return
	}

	o.sendChunk(ctx, sess, sess.lowestUnacked())
}

// handleVerify checks the device-reported digest against the stored one. A
// mismatch is never retried: resending bookkeeping cannot fix corrupted
// content. Callers hold sess.mu.
func (o *Orchestrator) handleVerify(ctx context.Context, sess *Session, reported string) {
	if reported != sess.Firmware.SHA256 {
		sess.terminate(types.StateAborted, "hash_mismatch", time.Now().UTC())
		log.Error().
			Str("node_id", sess.NodeID).
			Str("expected", sess.Firmware.SHA256).
			Str("reported", reported).
			Msg("device digest does not match stored firmware")
		if err := o.send(ctx, sess.NodeID, protocol.NewAbort(sess.NodeID, sess.Firmware.ID, "hash_mismatch")); err != nil {
			log.Warn().Err(err).Str("node_id", sess.NodeID).Msg("failed to send abort notice")
		}
		o.finalize(ctx, sess)
		return
	}

	sess.terminate(types.StateComplete, "", time.Now().UTC())
	log.Info().
		Str("node_id", sess.NodeID).
		Str("firmware_id", sess.Firmware.ID.String()).
		Str("version", sess.Firmware.Version).
		Msg("firmware transfer complete")
	if err := o.send(ctx, sess.NodeID, protocol.NewComplete(sess.NodeID, sess.Firmware.ID)); err != nil {
		log.Warn().Err(err).Str("node_id", sess.NodeID).Msg("failed to send completion notice")
	}
	o.finalize(ctx, sess)
}

// sendChunk streams one chunk from the store to the device. Only this chunk
// is ever buffered, so hub memory per session stays bounded regardless of
// image size. Callers hold sess.mu.
func (o *Orchestrator) sendChunk(ctx context.Context, sess *Session, seq int) {
	data, err := o.images.ReadChunk(ctx, sess.Firmware.ID, seq, sess.ChunkSize)
	if err != nil {
		log.Error().Err(err).
			Str("node_id", sess.NodeID).
			Str("firmware_id", sess.Firmware.ID.String()).
			Int("seq", seq).
			Msg("failed to read firmware chunk")
		o.abortLocked(ctx, sess, "chunk_read_failed")
		return
	}

	msg := protocol.NewChunk(sess.NodeID, sess.Firmware.ID, seq, sess.TotalChunks, data)
	if err := o.send(ctx, sess.NodeID, msg); err != nil {
		log.Error().Err(err).Str("node_id", sess.NodeID).Int("seq", seq).Msg("failed to send chunk")
		o.abortLocked(ctx, sess, "transport_failure")
		return
	}

	sess.inflightSeq = seq
	sess.armPhase(time.Now(), o.cfg.PhaseTimeout)

	log.Debug().
		Str("node_id", sess.NodeID).
		Int("seq", seq).
		Int("total_chunks", sess.TotalChunks).
		Int("bytes", len(data)).
		Msg("chunk sent")

	o.notify(ctx, sess)
}

// CheckTimeouts sweeps every live session once: stalled phases are resent
// while retries remain, moved to TIMED_OUT when exhausted, and terminal
// sessions past the retention window are dropped from the map. Idempotent for
// a given now: each expiry triggers at most one transition.
func (o *Orchestrator) CheckTimeouts(ctx context.Context, now time.Time) {
	for _, sess := range o.sessions.snapshot() {
		o.checkSessionTimeout(ctx, sess, now)
	}
}

func (o *Orchestrator) checkSessionTimeout(ctx context.Context, sess *Session, now time.Time) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.State.Terminal() {
		if now.Sub(sess.FinishedAt) > o.cfg.RetainTerminal {
			o.sessions.remove(sess.NodeID, sess)
			if o.statuses != nil {
				if err := o.statuses.Delete(ctx, StatusKey(sess.NodeID)); err != nil {
					log.Debug().Err(err).Str("node_id", sess.NodeID).Msg("failed to drop cached status snapshot")
				}
			}
		}
		return
	}

	if !now.After(sess.PhaseDeadline) {
		return
	}

	if sess.RetryCount >= o.cfg.MaxRetries {
		sess.terminate(types.StateTimedOut, "phase deadline exceeded", now)
		log.Warn().
			Str("node_id", sess.NodeID).
			Str("session_id", sess.ID.String()).
			Msg("transfer timed out after exhausting retries")
		o.finalize(ctx, sess)
		return
	}

	sess.RetryCount++
	sess.rearmDeadline(now, o.cfg.PhaseTimeout)

	log.Warn().
		Str("node_id", sess.NodeID).
		Str("state", string(sess.State)).
		Int("retry", sess.RetryCount).
		Msg("phase deadline exceeded, resending")

	switch sess.State {
	case types.StateOffered:
		img := sess.Firmware
		offer := protocol.NewOffer(sess.NodeID, img.ID, img.Version, img.SizeBytes, img.SHA256, img.DeviceType, sess.ChunkSize)
		if err := o.send(ctx, sess.NodeID, offer); err != nil {
			o.abortLocked(ctx, sess, "transport_failure")
		}
	case types.StateAccepted, types.StateTransferring:
		// resume from the lowest unacknowledged chunk
		sess.State = types.StateTransferring
		o.resendChunk(ctx, sess, sess.lowestUnacked())
	case types.StateVerifying:
		// nothing to resend; the device owes us its digest
	}
}

// resendChunk re-sends one chunk without resetting the phase retry budget.
// Callers hold sess.mu.
func (o *Orchestrator) resendChunk(ctx context.Context, sess *Session, seq int) {
	data, err := o.images.ReadChunk(ctx, sess.Firmware.ID, seq, sess.ChunkSize)
	if err != nil {
		log.Error().Err(err).Str("node_id", sess.NodeID).Int("seq", seq).Msg("failed to re-read firmware chunk")
		o.abortLocked(ctx, sess, "chunk_read_failed")
		return
	}
	msg := protocol.NewChunk(sess.NodeID, sess.Firmware.ID, seq, sess.TotalChunks, data)
	if err := o.send(ctx, sess.NodeID, msg); err != nil {
		o.abortLocked(ctx, sess, "transport_failure")
		return
	}
	sess.inflightSeq = seq
}

// Status returns the snapshot for a node's session, or ErrNoSession
func (o *Orchestrator) Status(ctx context.Context, nodeID string) (*types.UpdateStatus, error) {
	sess := o.sessions.get(nodeID)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, nodeID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	status := sess.status()
	return &status, nil
}

// Abort forces a node's session to ABORTED, notifies the device and removes
// the session. Safe to call in any state.
func (o *Orchestrator) Abort(ctx context.Context, nodeID, reason string) error {
	sess := o.sessions.get(nodeID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, nodeID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.State.Terminal() {
		sess.terminate(types.StateAborted, reason, time.Now().UTC())
		if err := o.send(ctx, nodeID, protocol.NewAbort(nodeID, sess.Firmware.ID, reason)); err != nil {
			log.Warn().Err(err).Str("node_id", nodeID).Msg("failed to send abort notice")
		}
		log.Info().Str("node_id", nodeID).Str("reason", reason).Msg("transfer aborted")
		o.finalize(ctx, sess)
	}

	o.sessions.remove(nodeID, sess)
	return nil
}

// ActiveFirmware reports whether any live session references the image. Wired
// into the firmware store as its in-use probe, which runs under the store lock
// while the ack path may hold a session mutex and wait on that same store
// lock, so this must not take sess.mu: Firmware is written once before the
// session is published and terminal is atomic.
func (o *Orchestrator) ActiveFirmware(id uuid.UUID) bool {
	for _, sess := range o.sessions.snapshot() {
		if sess.Firmware.ID == id && !sess.terminal.Load() {
			return true
		}
	}
	return false
}

// Run drives the timeout sweep until the context is cancelled
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.CheckTimeouts(ctx, now)
		}
	}
}

// abortLocked force-fails a session from inside a transition. Callers hold
// sess.mu.
func (o *Orchestrator) abortLocked(ctx context.Context, sess *Session, reason string) {
	sess.terminate(types.StateAborted, reason, time.Now().UTC())
	log.Error().Str("node_id", sess.NodeID).Str("reason", reason).Msg("transfer aborted")
	o.finalize(ctx, sess)
}

// send delivers one message, retrying once before reporting a transport
// failure
func (o *Orchestrator) send(ctx context.Context, nodeID string, msg *protocol.Envelope) error {
	err := o.transport.Send(ctx, nodeID, msg)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("node_id", nodeID).Str("kind", string(msg.Kind)).Msg("transport send failed, retrying once")
	if err := o.transport.Send(ctx, nodeID, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// finalize records a terminal outcome: history row, status snapshot, progress
// callback. The session stays in the map for status queries until the sweep
// drops it. Callers hold sess.mu.
func (o *Orchestrator) finalize(ctx context.Context, sess *Session) {
	if o.history != nil {
		if err := o.history.Record(ctx, sess.record()); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to persist transfer record")
		}
	}
	o.notify(ctx, sess)
}

// notify publishes the current snapshot to the status cache and the progress
// callback. Callers hold sess.mu.
func (o *Orchestrator) notify(ctx context.Context, sess *Session) {
	status := sess.status()
	if o.statuses != nil {
		if err := o.statuses.Set(ctx, StatusKey(sess.NodeID), status, statusCacheTTL); err != nil {
			log.Debug().Err(err).Str("node_id", sess.NodeID).Msg("failed to cache status snapshot")
		}
	}
	if o.progress != nil {
		o.progress(status)
	}
}

func (o *Orchestrator) dropOutOfPhase(sess *Session, msg *protocol.Envelope) {
	log.Warn().
		Str("node_id", sess.NodeID).
		Str("kind", string(msg.Kind)).
		Str("state", string(sess.State)).
		Msg("dropping message out of phase")
}
