package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestEntry is one record's pre-migration file reference.
type ManifestEntry struct {
	ID          string `json:"id"`
	OriginalURL string `json:"original_url"`
}

// Manifest is the disaster-recovery artifact written before a full
// migration declares success. It is deliberately plain JSON so an operator
// can inspect and edit it by hand, independent of the ledger.
type Manifest struct {
	Timestamp    time.Time       `json:"timestamp"`
	TotalRecords int             `json:"total_records"`
	Records      []ManifestEntry `json:"records"`
}

// WriteManifest persists entries to a timestamped file under dir and
// returns the file path.
func WriteManifest(dir string, now time.Time, entries []ManifestEntry) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating manifest directory: %w", err)
	}

	m := Manifest{
		Timestamp:    now,
		TotalRecords: len(entries),
		Records:      entries,
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding rollback manifest: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("rollback_data_%s.json", now.Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing rollback manifest: %w", err)
	}
	return path, nil
}

// LoadManifest reads a rollback manifest from path.
func LoadManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rollback manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding rollback manifest %s: %w", path, err)
	}
	return m.Records, nil
}
