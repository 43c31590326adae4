package migrate_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"docmigrate/internal/migrate"
	"docmigrate/internal/testutil"
)

func (env *backupEnv) newFullMigration(opts migrate.Options) *migrate.FullMigration {
	transfer := migrate.NewTransferrer(env.downloader, env.store, 0)
	return migrate.NewFullMigration(env.ledger, env.source, env.store, transfer,
		migrate.NewNopLogger(), testutil.FixedClock(), opts)
}

// runBackup seeds the ledger by executing a real Phase 1 run.
func runBackup(t *testing.T, env *backupEnv) {
	t.Helper()
	if _, err := env.newBackup(migrate.Options{}).Run(context.Background(), migrate.BackupFull, ""); err != nil {
		t.Fatalf("seeding backup failed: %v", err)
	}
}

func TestFullMigration_RequiresBackupData(t *testing.T) {
	env := newBackupEnv(t)
	seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "one.pdf", "content")

	_, err := env.newFullMigration(migrate.Options{ManifestDir: t.TempDir()}).Run(context.Background())
	var perr *migrate.PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() error = %v, want PreconditionError", err)
	}
}

func TestFullMigration_UpdatesSourceAndWritesManifest(t *testing.T) {
	env := newBackupEnv(t)
	rec1 := seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "one.pdf", "content-1")
	rec2 := seedRecord(env, "a0X000000000002AAA", "001A", "Acme", "two.pdf", "content-2")
	runBackup(t, env)

	originalURL1 := rec1.DocumentURL
	originalURL2 := rec2.DocumentURL
	manifestDir := t.TempDir()

	sum, err := env.newFullMigration(migrate.Options{ManifestDir: manifestDir}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.UpdatedURLs != 2 || sum.FailedUpdates != 0 {
		t.Errorf("summary = %+v, want 2 updated", sum)
	}

	// Source now points at the store.
	for _, id := range []string{rec1.ID, rec2.ID} {
		if got := env.source.DocumentURL(id); got == originalURL1 || got == originalURL2 {
			t.Errorf("record %s still points at the vendor URL", id)
		}
	}

	// Ledger rows are flipped.
	pending, err := env.ledger.FilesNeedingSourceUpdate()
	if err != nil {
		t.Fatalf("FilesNeedingSourceUpdate() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d rows still pending after migration", len(pending))
	}

	// Manifest carries the pre-update URLs.
	if sum.ManifestPath == "" {
		t.Fatal("no manifest written")
	}
	entries, err := migrate.LoadManifest(sum.ManifestPath)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	byID := make(map[string]string)
	for _, e := range entries {
		byID[e.ID] = e.OriginalURL
	}
	if byID[rec1.ID] != originalURL1 || byID[rec2.ID] != originalURL2 {
		t.Errorf("manifest entries = %v, want pre-update vendor URLs", byID)
	}
	if filepath.Dir(sum.ManifestPath) != manifestDir {
		t.Errorf("manifest written to %s, want %s", sum.ManifestPath, manifestDir)
	}
}

func TestFullMigration_CopiesRecordsCreatedSinceBackup(t *testing.T) {
	env := newBackupEnv(t)
	seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "old.pdf", "old content")
	runBackup(t, env)

	// A record created after the backup finished.
	seedRecord(env, "a0X000000000002AAA", "001A", "Acme", "fresh.pdf", "fresh content")

	sum, err := env.newFullMigration(migrate.Options{ManifestDir: t.TempDir()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.NewFiles != 1 {
		t.Errorf("NewFiles = %d, want 1", sum.NewFiles)
	}
	if sum.UpdatedURLs != 2 {
		t.Errorf("UpdatedURLs = %d, want 2 (old and fresh)", sum.UpdatedURLs)
	}
	if env.store.Get("uploads/001A/Acme/fresh.pdf") == nil {
		t.Error("fresh file not copied to store")
	}
}

func TestFullMigration_OversizedNewFileIsSkipped(t *testing.T) {
	env := newBackupEnv(t)
	seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "old.pdf", "old")
	runBackup(t, env)

	// Created after the backup, and over the transfer cap.
	big := seedRecord(env, "a0X000000000002AAA", "001A", "Acme", "huge.bin", "")
	env.downloader.Set(big.DocumentURL, make([]byte, 64))

	transfer := migrate.NewTransferrer(env.downloader, env.store, 16)
	m := migrate.NewFullMigration(env.ledger, env.source, env.store, transfer,
		migrate.NewNopLogger(), testutil.FixedClock(), migrate.Options{ManifestDir: t.TempDir()})

	sum, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Skipped != 1 || sum.NewFiles != 0 {
		t.Errorf("summary = %+v, want oversize counted as skip", sum)
	}
	stats, err := env.ledger.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	for _, e := range stats.ErrorSummary {
		if e.ErrorType == "new_file_copy_error" {
			t.Errorf("oversized file was error-logged: %+v", e)
		}
	}
}

func TestFullMigration_SkipsRecordsDeletedFromSource(t *testing.T) {
	env := newBackupEnv(t)
	rec := seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "gone.pdf", "content")
	seedRecord(env, "a0X000000000002AAA", "001A", "Acme", "kept.pdf", "content")
	runBackup(t, env)

	env.source.Remove(rec.ID)

	sum, err := env.newFullMigration(migrate.Options{ManifestDir: t.TempDir()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.Skipped != 1 || sum.UpdatedURLs != 1 {
		t.Errorf("summary = %+v, want 1 skipped and 1 updated", sum)
	}
}

func TestFullMigration_PerItemUpdateFailure(t *testing.T) {
	env := newBackupEnv(t)
	bad := seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "bad.pdf", "content")
	good := seedRecord(env, "a0X000000000002AAA", "001A", "Acme", "good.pdf", "content")
	runBackup(t, env)

	env.source.FailUpdates = map[string]string{bad.ID: "entity is locked"}

	sum, err := env.newFullMigration(migrate.Options{ManifestDir: t.TempDir()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil: per-item failures must not abort", err)
	}

	if sum.UpdatedURLs != 1 || sum.FailedUpdates != 1 {
		t.Errorf("summary = %+v, want 1 updated and 1 failed", sum)
	}

	// Only the successful record is flipped in the ledger.
	pending, _ := env.ledger.FilesNeedingSourceUpdate()
	if len(pending) != 1 || pending[0].SourceRecordID != bad.ID {
		t.Errorf("pending = %+v, want only the failed record", pending)
	}
	_ = good
}

func TestFullMigration_BatchesRespectAPILimit(t *testing.T) {
	env := newBackupEnv(t)
	count := migrate.UpdateBatchLimit + 5
	for i := 0; i < count; i++ {
		seedRecord(env, fmt.Sprintf("a0X%011dAAA", i), "001A", "Acme",
			fmt.Sprintf("f%d.pdf", i), "data")
	}
	runBackup(t, env)

	sum, err := env.newFullMigration(migrate.Options{ManifestDir: t.TempDir()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.UpdatedURLs != int64(count) {
		t.Errorf("UpdatedURLs = %d, want %d", sum.UpdatedURLs, count)
	}

	if len(env.source.UpdateBatches) != 2 {
		t.Fatalf("update batches = %d, want 2", len(env.source.UpdateBatches))
	}
	for i, batch := range env.source.UpdateBatches {
		if len(batch) > migrate.UpdateBatchLimit {
			t.Errorf("batch %d has %d records, exceeds limit", i, len(batch))
		}
	}
}

func TestFullMigration_DryRun(t *testing.T) {
	env := newBackupEnv(t)
	rec := seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "one.pdf", "content")
	runBackup(t, env)
	originalURL := rec.DocumentURL

	manifestDir := t.TempDir()
	sum, err := env.newFullMigration(migrate.Options{DryRun: true, ManifestDir: manifestDir}).
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.UpdatedURLs != 1 {
		t.Errorf("UpdatedURLs = %d, want 1 (dry run still counts)", sum.UpdatedURLs)
	}
	if got := env.source.DocumentURL(rec.ID); got != originalURL {
		t.Errorf("source was mutated in dry run: %s", got)
	}
	if len(env.source.UpdateBatches) != 0 {
		t.Error("update batches sent in dry run")
	}

	files, err := os.ReadDir(manifestDir)
	if err != nil {
		t.Fatalf("reading manifest dir: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("%d manifest files written in dry run, want 0", len(files))
	}
}

func TestFullMigration_ValidationSample(t *testing.T) {
	env := newBackupEnv(t)
	seedRecord(env, "a0X000000000001AAA", "001A", "Acme", "one.pdf", "content")
	seedRecord(env, "a0X000000000002AAA", "001A", "Acme", "two.pdf", "content")
	runBackup(t, env)

	sum, err := env.newFullMigration(migrate.Options{ManifestDir: t.TempDir(), SampleSize: 2}).
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sum.SamplePassed != 2 || sum.SampleFailed != 0 {
		t.Errorf("validation = %d passed / %d failed, want 2/0", sum.SamplePassed, sum.SampleFailed)
	}
}
