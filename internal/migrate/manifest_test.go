package migrate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	entries := []ManifestEntry{
		{ID: "a0X000000000001AAA", OriginalURL: "https://vendor.example.com/one.pdf"},
		{ID: "a0X000000000002AAA", OriginalURL: "https://vendor.example.com/two.pdf"},
	}

	path, err := WriteManifest(dir, now, entries)
	if err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	want := filepath.Join(dir, "rollback_data_20240115_103000.json")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len(loaded) = %d, want 2", len(loaded))
	}
	if loaded[0] != entries[0] || loaded[1] != entries[1] {
		t.Errorf("loaded = %+v, want %+v", loaded, entries)
	}
}

func TestWriteManifest_Shape(t *testing.T) {
	// The manifest is hand-editable by operators; the field names are a
	// contract, not an implementation detail.
	dir := t.TempDir()
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	path, err := WriteManifest(dir, now, []ManifestEntry{
		{ID: "a0X000000000001AAA", OriginalURL: "https://vendor.example.com/one.pdf"},
	})
	if err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("manifest is not valid JSON: %v", err)
	}

	if doc["total_records"] != float64(1) {
		t.Errorf("total_records = %v, want 1", doc["total_records"])
	}
	records, ok := doc["records"].([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("records = %v, want one entry", doc["records"])
	}
	rec := records[0].(map[string]any)
	if rec["id"] != "a0X000000000001AAA" {
		t.Errorf("id = %v", rec["id"])
	}
	if rec["original_url"] != "https://vendor.example.com/one.pdf" {
		t.Errorf("original_url = %v", rec["original_url"])
	}
}

func TestLoadManifest_Missing(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Error("LoadManifest() expected error for missing file")
	}
}
