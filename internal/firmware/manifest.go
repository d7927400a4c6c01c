package firmware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/halcyon-iot/halcyon/pkg/types"
	"github.com/rs/zerolog/log"
)

const manifestName = "manifest.json"

// loadManifest reads the manifest written by a previous run. A missing
// manifest means an empty store.
func (s *Store) loadManifest() error {
	path := filepath.Join(s.basePath, manifestName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var records []types.FirmwareImage
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	for i := range records {
		img := records[i]
		if _, err := os.Stat(s.blobPath(img.ID)); err != nil {
			log.Warn().Str("firmware_id", img.ID.String()).Msg("manifest entry has no blob, skipping")
			continue
		}
		s.images[img.ID] = &img
		s.order = append(s.order, img.ID)
	}

	return nil
}

// writeManifestLocked rewrites the manifest wholesale. Callers hold the store
// mutex. The write goes through a temp file and an atomic rename so a crash
// mid-write cannot corrupt the index.
func (s *Store) writeManifestLocked() error {
	records := make([]types.FirmwareImage, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, *s.images[id])
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(s.basePath, manifestName)
	tempPath := path + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		log.Error().Err(err).Str("temp_path", tempPath).Msg("failed to write manifest")
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		log.Error().Err(err).Str("path", path).Msg("failed to replace manifest")
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	return nil
}
