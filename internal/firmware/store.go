package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/halcyon-iot/halcyon/pkg/types"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for store operations
var (
	ErrNotFound   = errors.New("firmware not found")
	ErrDuplicate  = errors.New("firmware already exists")
	ErrConflict   = errors.New("firmware is referenced by an active transfer")
	ErrOutOfRange = errors.New("chunk sequence out of range")
	ErrBadVersion = errors.New("firmware version is not valid semver")
)

// copyBlockSize bounds how much of an incoming image is held in memory while
// streaming it to disk.
const copyBlockSize = 32 * 1024

// Store owns firmware binaries and their manifest. Binaries live under
// <base>/blobs/<id>.bin; the manifest is an ordered JSON index at
// <base>/manifest.json, rewritten wholesale on every mutation. Images are
// immutable once stored.
type Store struct {
	basePath string
	mutex    sync.RWMutex // add/remove exclusive with reads of the same store
	images   map[uuid.UUID]*types.FirmwareImage
	order    []uuid.UUID
	inUse    func(uuid.UUID) bool
}

// NewStore creates a firmware store rooted at basePath, loading any existing
// manifest.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "blobs"), 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create firmware directory")
		return nil, fmt.Errorf("failed to create firmware directory: %w", err)
	}

	s := &Store{
		basePath: basePath,
		images:   make(map[uuid.UUID]*types.FirmwareImage),
	}

	if err := s.loadManifest(); err != nil {
		return nil, err
	}

	log.Info().Str("path", basePath).Int("images", len(s.order)).Msg("firmware store initialized")
	return s, nil
}

// SetInUseProbe installs the callback used to refuse removal of an image a
// live transfer still references.
func (s *Store) SetInUseProbe(probe func(uuid.UUID) bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.inUse = probe
}

// Add ingests a firmware binary, streaming it to disk in bounded blocks while
// computing its digest, and appends a manifest entry.
func (s *Store) Add(ctx context.Context, content io.Reader, version, deviceType string) (*types.FirmwareImage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, version)
	}
	if deviceType == "" {
		return nil, fmt.Errorf("device type is required")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, id := range s.order {
		img := s.images[id]
		if img.Version == version && img.DeviceType == deviceType {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicate, deviceType, version)
		}
	}

	id := uuid.New()
	if _, exists := s.images[id]; exists {
		return nil, fmt.Errorf("%w: id %s", ErrDuplicate, id)
	}
	finalPath := s.blobPath(id)

	// Write through a temp file so a failed ingest never leaves a partial blob
	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("temp_path", tempPath).Msg("failed to create temporary file")
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	multiWriter := io.MultiWriter(tempFile, hasher)

	written, err := io.CopyBuffer(multiWriter, content, make([]byte, copyBlockSize))
	if err != nil {
		log.Error().Err(err).Str("firmware_id", id.String()).Msg("failed to write firmware content")
		return nil, fmt.Errorf("failed to write firmware content: %w", err)
	}
	if written == 0 {
		return nil, fmt.Errorf("firmware image is empty")
	}

	if err := tempFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temporary file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		log.Error().Err(err).Str("temp_path", tempPath).Msg("failed to move firmware into place")
		return nil, fmt.Errorf("failed to move firmware into place: %w", err)
	}

	img := &types.FirmwareImage{
		ID:         id,
		Version:    version,
		DeviceType: deviceType,
		SizeBytes:  written,
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
		AddedAt:    time.Now().UTC(),
	}
	s.images[id] = img
	s.order = append(s.order, id)

	if err := s.writeManifestLocked(); err != nil {
		// Roll back so the manifest and blob directory stay consistent
		delete(s.images, id)
		s.order = s.order[:len(s.order)-1]
		os.Remove(finalPath)
		return nil, err
	}

	log.Info().
		Str("firmware_id", id.String()).
		Str("version", version).
		Str("device_type", deviceType).
		Int64("size", written).
		Str("sha256", img.SHA256).
		Msg("firmware stored")

	out := *img
	return &out, nil
}

// Remove deletes a firmware binary and its manifest entry. It fails with
// ErrConflict while any live transfer session still references the image.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.images[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.inUse != nil && s.inUse(id) {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}

	delete(s.images, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if err := s.writeManifestLocked(); err != nil {
		return err
	}

	if err := os.Remove(s.blobPath(id)); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("firmware_id", id.String()).Msg("failed to delete firmware blob")
		return fmt.Errorf("failed to delete firmware blob: %w", err)
	}

	log.Info().Str("firmware_id", id.String()).Msg("firmware removed")
	return nil
}

// List returns all stored images in manifest order
func (s *Store) List(ctx context.Context) []*types.FirmwareImage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*types.FirmwareImage, 0, len(s.order))
	for _, id := range s.order {
		img := *s.images[id]
		out = append(out, &img)
	}
	return out
}

// Get returns metadata for one image
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*types.FirmwareImage, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	img, exists := s.images[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *img
	return &out, nil
}

// LatestFor returns the highest-versioned image for a device type
func (s *Store) LatestFor(ctx context.Context, deviceType string) (*types.FirmwareImage, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var best *types.FirmwareImage
	var bestVersion *semver.Version
	for _, id := range s.order {
		img := s.images[id]
		if img.DeviceType != deviceType {
			continue
		}
		v, err := semver.NewVersion(img.Version)
		if err != nil {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best = img
			bestVersion = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no firmware for device type %q", ErrNotFound, deviceType)
	}
	out := *best
	return &out, nil
}

// ReadChunk returns the byte range [seq*chunkSize, seq*chunkSize+chunkSize)
// of the image, clipped to the image size for the final chunk.
func (s *Store) ReadChunk(ctx context.Context, id uuid.UUID, seq, chunkSize int) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	img, exists := s.images[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	total := img.TotalChunks(chunkSize)
	if seq < 0 || seq >= total {
		return nil, fmt.Errorf("%w: seq %d of %d", ErrOutOfRange, seq, total)
	}

	offset := int64(seq) * int64(chunkSize)
	length := int64(chunkSize)
	if offset+length > img.SizeBytes {
		length = img.SizeBytes - offset
	}

	file, err := os.Open(s.blobPath(id))
	if err != nil {
		log.Error().Err(err).Str("firmware_id", id.String()).Msg("failed to open firmware blob")
		return nil, fmt.Errorf("failed to open firmware blob: %w", err)
	}
	defer file.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(file, offset, length), buf); err != nil {
		log.Error().Err(err).Str("firmware_id", id.String()).Int("seq", seq).Msg("failed to read firmware chunk")
		return nil, fmt.Errorf("failed to read firmware chunk: %w", err)
	}

	return buf, nil
}

func (s *Store) blobPath(id uuid.UUID) string {
	return filepath.Join(s.basePath, "blobs", id.String()+".bin")
}
