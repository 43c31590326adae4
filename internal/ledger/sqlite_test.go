package ledger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"docmigrate/internal/ledger/migrations"
	"docmigrate/internal/migrate"
)

// newTestLedger creates a new in-memory ledger with schema applied.
func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()

	db, err := OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	l := NewSQLiteLedgerFromDB(db)

	t.Cleanup(func() {
		l.Close()
	})

	return l
}

func testFileRecord(id string) *migrate.FileRecord {
	return &migrate.FileRecord{
		SourceRecordID:  id,
		AccountID:       "001A",
		AccountName:     "Acme Corp",
		OriginalURL:     "https://vendor.example.com/files/doc.pdf",
		TargetKey:       "uploads/001A/Acme Corp/doc.pdf",
		TargetURL:       "https://bucket.s3.us-east-1.amazonaws.com/uploads/001A/Acme Corp/doc.pdf",
		FileName:        "doc.pdf",
		FileSizeBytes:   1234,
		ContentHash:     "deadbeef",
		BackupTimestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		SourceModified:  "2024-01-10T00:00:00.000+0000",
	}
}

func TestSQLiteLedger_RunLifecycle(t *testing.T) {
	t.Run("start and end a run", func(t *testing.T) {
		l := newTestLedger(t)

		runID, err := l.StartRun(migrate.RunTypeBackupChunked, `{"chunk_size":1000}`)
		if err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}
		if runID == 0 {
			t.Fatal("StartRun() returned zero ID")
		}

		if err := l.EndRun(runID, migrate.RunStatusCompleted, ""); err != nil {
			t.Fatalf("EndRun() error = %v", err)
		}

		stats, err := l.Stats()
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if len(stats.RecentRuns) != 1 || stats.RecentRuns[0].RunType != migrate.RunTypeBackupChunked {
			t.Errorf("RecentRuns = %+v", stats.RecentRuns)
		}
	})

	t.Run("ending a run twice overwrites terminal fields", func(t *testing.T) {
		l := newTestLedger(t)

		runID, err := l.StartRun(migrate.RunTypeBackup, "")
		if err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}

		if err := l.EndRun(runID, migrate.RunStatusFailed, "boom"); err != nil {
			t.Fatalf("first EndRun() error = %v", err)
		}
		if err := l.EndRun(runID, migrate.RunStatusCompleted, ""); err != nil {
			t.Fatalf("second EndRun() error = %v", err)
		}
	})

	t.Run("update run stats ignores unknown counter names", func(t *testing.T) {
		l := newTestLedger(t)

		runID, err := l.StartRun(migrate.RunTypeBackup, "")
		if err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}

		err = l.UpdateRunStats(runID, map[string]int64{
			migrate.CounterProcessed:  10,
			migrate.CounterSuccessful: 8,
			"bogus_counter":           99,
		})
		if err != nil {
			t.Fatalf("UpdateRunStats() error = %v", err)
		}

		var processed, successful int64
		err = l.db.QueryRow(
			`SELECT records_processed, records_successful FROM migration_runs WHERE id = ?`,
			runID).Scan(&processed, &successful)
		if err != nil {
			t.Fatalf("reading run row: %v", err)
		}
		if processed != 10 || successful != 8 {
			t.Errorf("processed=%d successful=%d, want 10/8", processed, successful)
		}
	})

	t.Run("empty counter map is a no-op", func(t *testing.T) {
		l := newTestLedger(t)

		runID, _ := l.StartRun(migrate.RunTypeBackup, "")
		if err := l.UpdateRunStats(runID, map[string]int64{"unknown": 1}); err != nil {
			t.Fatalf("UpdateRunStats() error = %v", err)
		}
	})
}

func TestSQLiteLedger_Runs(t *testing.T) {
	l := newTestLedger(t)

	first, err := l.StartRun(migrate.RunTypeBackupChunked, `{"chunk_size":1000}`)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := l.UpdateRunStats(first, map[string]int64{
		migrate.CounterProcessed: 7,
		migrate.CounterFailed:    2,
	}); err != nil {
		t.Fatalf("UpdateRunStats() error = %v", err)
	}
	if err := l.EndRun(first, migrate.RunStatusCompleted, ""); err != nil {
		t.Fatalf("EndRun() error = %v", err)
	}

	second, err := l.StartRun(migrate.RunTypeIncremental, "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := l.EndRun(second, migrate.RunStatusFailed, "interrupted"); err != nil {
		t.Fatalf("EndRun() error = %v", err)
	}

	runs, err := l.Runs(0)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != second {
		t.Errorf("runs[0].ID = %d, want the newest run %d", runs[0].ID, second)
	}
	if runs[0].Status != migrate.RunStatusFailed || runs[0].ErrorMessage != "interrupted" {
		t.Errorf("runs[0] = %+v, want failed with message", runs[0])
	}
	if runs[1].Processed != 7 || runs[1].Failed != 2 {
		t.Errorf("runs[1] counters = %+v, want processed=7 failed=2", runs[1])
	}
	if runs[1].ConfigSnapshot != `{"chunk_size":1000}` {
		t.Errorf("ConfigSnapshot = %q", runs[1].ConfigSnapshot)
	}
	if !runs[1].EndTime.Valid {
		t.Error("ended run has no end time")
	}

	limited, err := l.Runs(1)
	if err != nil {
		t.Fatalf("Runs(1) error = %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second {
		t.Errorf("Runs(1) = %+v, want only the newest run", limited)
	}
}

func TestSQLiteLedger_RecordFileMigration(t *testing.T) {
	t.Run("inserts a new row", func(t *testing.T) {
		l := newTestLedger(t)

		isNew, err := l.RecordFileMigration(testFileRecord("a0X000000000001AAA"))
		if err != nil {
			t.Fatalf("RecordFileMigration() error = %v", err)
		}
		if !isNew {
			t.Error("isNew = false, want true for first insert")
		}

		files, err := l.BackedUpFiles()
		if err != nil {
			t.Fatalf("BackedUpFiles() error = %v", err)
		}
		if len(files) != 1 {
			t.Fatalf("len(files) = %d, want 1", len(files))
		}
		f := files[0]
		if f.SourceRecordID != "a0X000000000001AAA" || f.Phase != 1 || f.SourceUpdated {
			t.Errorf("row = %+v, want phase 1 and not source-updated", f)
		}
	})

	t.Run("upserts by source record ID", func(t *testing.T) {
		l := newTestLedger(t)
		id := "a0X000000000001AAA"

		if _, err := l.RecordFileMigration(testFileRecord(id)); err != nil {
			t.Fatalf("first RecordFileMigration() error = %v", err)
		}

		updated := testFileRecord(id)
		updated.FileSizeBytes = 9999
		updated.ContentHash = "cafebabe"
		isNew, err := l.RecordFileMigration(updated)
		if err != nil {
			t.Fatalf("second RecordFileMigration() error = %v", err)
		}
		if isNew {
			t.Error("isNew = true, want false for upsert")
		}

		files, _ := l.BackedUpFiles()
		if len(files) != 1 {
			t.Fatalf("len(files) = %d, want 1 (no duplicate)", len(files))
		}
		if files[0].FileSizeBytes != 9999 || files[0].ContentHash != "cafebabe" {
			t.Errorf("row not refreshed: %+v", files[0])
		}
	})

	t.Run("upsert preserves migration phase", func(t *testing.T) {
		l := newTestLedger(t)
		id := "a0X000000000001AAA"

		if _, err := l.RecordFileMigration(testFileRecord(id)); err != nil {
			t.Fatalf("RecordFileMigration() error = %v", err)
		}
		if err := l.MarkSourceUpdated([]string{id}); err != nil {
			t.Fatalf("MarkSourceUpdated() error = %v", err)
		}

		// Re-backing up the same record must not reset its migration state.
		if _, err := l.RecordFileMigration(testFileRecord(id)); err != nil {
			t.Fatalf("re-upsert error = %v", err)
		}

		files, _ := l.MigratedFiles()
		if len(files) != 1 || files[0].Phase != 2 || !files[0].SourceUpdated {
			t.Errorf("migration state lost on upsert: %+v", files)
		}
	})
}

func TestSQLiteLedger_PhaseTransitions(t *testing.T) {
	l := newTestLedger(t)
	ids := []string{"a0X000000000001AAA", "a0X000000000002AAA", "a0X000000000003AAA"}
	for _, id := range ids {
		if _, err := l.RecordFileMigration(testFileRecord(id)); err != nil {
			t.Fatalf("RecordFileMigration(%s) error = %v", id, err)
		}
	}

	pending, err := l.FilesNeedingSourceUpdate()
	if err != nil {
		t.Fatalf("FilesNeedingSourceUpdate() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}

	if err := l.MarkSourceUpdated(ids[:2]); err != nil {
		t.Fatalf("MarkSourceUpdated() error = %v", err)
	}

	pending, _ = l.FilesNeedingSourceUpdate()
	if len(pending) != 1 || pending[0].SourceRecordID != ids[2] {
		t.Errorf("pending = %+v, want only %s", pending, ids[2])
	}

	migrated, err := l.MigratedFiles()
	if err != nil {
		t.Fatalf("MigratedFiles() error = %v", err)
	}
	if len(migrated) != 2 {
		t.Errorf("migrated = %d, want 2", len(migrated))
	}

	if err := l.RevertSourceUpdated(ids[:1]); err != nil {
		t.Fatalf("RevertSourceUpdated() error = %v", err)
	}

	pending, _ = l.FilesNeedingSourceUpdate()
	if len(pending) != 2 {
		t.Errorf("pending = %d after revert, want 2", len(pending))
	}

	reverted, _ := l.FilesForAccount("001A")
	for _, f := range reverted {
		if f.SourceRecordID == ids[0] && (f.SourceUpdated || f.Phase != 1) {
			t.Errorf("reverted row still migrated: %+v", f)
		}
	}
}

func TestSQLiteLedger_Stats(t *testing.T) {
	l := newTestLedger(t)

	a := testFileRecord("a0X000000000001AAA")
	b := testFileRecord("a0X000000000002AAA")
	b.AccountID = "001B"
	b.FileSizeBytes = 1000
	for _, rec := range []*migrate.FileRecord{a, b} {
		if _, err := l.RecordFileMigration(rec); err != nil {
			t.Fatalf("RecordFileMigration() error = %v", err)
		}
	}
	if err := l.MarkSourceUpdated([]string{a.SourceRecordID}); err != nil {
		t.Fatalf("MarkSourceUpdated() error = %v", err)
	}

	runID, _ := l.StartRun(migrate.RunTypeBackup, "")
	if err := l.RecordError(runID, a.SourceRecordID, "backup_error", "timeout", a.OriginalURL); err != nil {
		t.Fatalf("RecordError() error = %v", err)
	}

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.TotalFiles != 2 {
		t.Errorf("TotalFiles = %d, want 2", stats.TotalFiles)
	}
	if stats.BackupOnly != 1 || stats.FullyMigrated != 1 {
		t.Errorf("BackupOnly=%d FullyMigrated=%d, want 1/1", stats.BackupOnly, stats.FullyMigrated)
	}
	if stats.TotalSizeBytes != 2234 {
		t.Errorf("TotalSizeBytes = %d, want 2234", stats.TotalSizeBytes)
	}
	if stats.UniqueAccounts != 2 {
		t.Errorf("UniqueAccounts = %d, want 2", stats.UniqueAccounts)
	}
	if len(stats.ErrorSummary) != 1 || stats.ErrorSummary[0].ErrorType != "backup_error" {
		t.Errorf("ErrorSummary = %+v", stats.ErrorSummary)
	}
}

func TestSQLiteLedger_RecordsModifiedSince(t *testing.T) {
	t.Run("explicit cutoff", func(t *testing.T) {
		l := newTestLedger(t)

		old := testFileRecord("a0X000000000001AAA")
		old.BackupTimestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		fresh := testFileRecord("a0X000000000002AAA")
		fresh.BackupTimestamp = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		for _, rec := range []*migrate.FileRecord{old, fresh} {
			if _, err := l.RecordFileMigration(rec); err != nil {
				t.Fatalf("RecordFileMigration() error = %v", err)
			}
		}

		ids, err := l.RecordsModifiedSince(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("RecordsModifiedSince() error = %v", err)
		}
		if len(ids) != 1 || ids[0] != fresh.SourceRecordID {
			t.Errorf("ids = %v, want only the fresh record", ids)
		}
	})

	t.Run("zero cutoff derives from last completed run", func(t *testing.T) {
		l := newTestLedger(t)

		// A completed backup run, then a row stamped after it.
		runID, _ := l.StartRun(migrate.RunTypeBackupChunked, "")
		if err := l.EndRun(runID, migrate.RunStatusCompleted, ""); err != nil {
			t.Fatalf("EndRun() error = %v", err)
		}

		before := testFileRecord("a0X000000000001AAA")
		before.BackupTimestamp = time.Now().UTC().Add(-time.Hour)
		after := testFileRecord("a0X000000000002AAA")
		after.BackupTimestamp = time.Now().UTC().Add(time.Hour)
		for _, rec := range []*migrate.FileRecord{before, after} {
			if _, err := l.RecordFileMigration(rec); err != nil {
				t.Fatalf("RecordFileMigration() error = %v", err)
			}
		}

		ids, err := l.RecordsModifiedSince(time.Time{})
		if err != nil {
			t.Fatalf("RecordsModifiedSince() error = %v", err)
		}
		if len(ids) != 1 || ids[0] != after.SourceRecordID {
			t.Errorf("ids = %v, want only the row stamped after the run", ids)
		}
	})

	t.Run("zero cutoff with no completed runs matches everything", func(t *testing.T) {
		l := newTestLedger(t)

		if _, err := l.RecordFileMigration(testFileRecord("a0X000000000001AAA")); err != nil {
			t.Fatalf("RecordFileMigration() error = %v", err)
		}

		ids, err := l.RecordsModifiedSince(time.Time{})
		if err != nil {
			t.Fatalf("RecordsModifiedSince() error = %v", err)
		}
		if len(ids) != 1 {
			t.Errorf("ids = %v, want the only row", ids)
		}
	})
}

func TestSQLiteLedger_SampleMigrated(t *testing.T) {
	l := newTestLedger(t)
	ids := []string{"a0X000000000001AAA", "a0X000000000002AAA", "a0X000000000003AAA"}
	for _, id := range ids {
		if _, err := l.RecordFileMigration(testFileRecord(id)); err != nil {
			t.Fatalf("RecordFileMigration() error = %v", err)
		}
	}
	if err := l.MarkSourceUpdated(ids[:2]); err != nil {
		t.Fatalf("MarkSourceUpdated() error = %v", err)
	}

	sample, err := l.SampleMigrated(10)
	if err != nil {
		t.Fatalf("SampleMigrated() error = %v", err)
	}
	if len(sample) != 2 {
		t.Errorf("len(sample) = %d, want 2 (only migrated rows)", len(sample))
	}
	for _, f := range sample {
		if !f.SourceUpdated {
			t.Errorf("sample contains non-migrated row %s", f.SourceRecordID)
		}
	}

	sample, err = l.SampleMigrated(1)
	if err != nil {
		t.Fatalf("SampleMigrated(1) error = %v", err)
	}
	if len(sample) != 1 {
		t.Errorf("len(sample) = %d, want 1", len(sample))
	}
}

func TestSQLiteLedger_CleanupOldRuns(t *testing.T) {
	l := newTestLedger(t)

	oldRun, _ := l.StartRun(migrate.RunTypeBackup, "")
	if err := l.RecordError(oldRun, "a0X000000000001AAA", "backup_error", "timeout", ""); err != nil {
		t.Fatalf("RecordError() error = %v", err)
	}
	// Age the run past the retention window.
	_, err := l.db.Exec(`UPDATE migration_runs SET start_time = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -120), oldRun)
	if err != nil {
		t.Fatalf("aging run: %v", err)
	}

	recent, _ := l.StartRun(migrate.RunTypeBackup, "")

	removed, err := l.CleanupOldRuns(90)
	if err != nil {
		t.Fatalf("CleanupOldRuns() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// The old run's errors are gone with it; the recent run survives.
	var errCount int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM migration_errors`).Scan(&errCount); err != nil {
		t.Fatalf("counting errors: %v", err)
	}
	if errCount != 0 {
		t.Errorf("errCount = %d, want 0 (cascade delete)", errCount)
	}

	var runCount int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM migration_runs WHERE id = ?`, recent).Scan(&runCount); err != nil {
		t.Fatalf("counting runs: %v", err)
	}
	if runCount != 1 {
		t.Error("recent run was removed")
	}
}

func TestSQLiteLedger_ExportMetadata(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.RecordFileMigration(testFileRecord("a0X000000000001AAA")); err != nil {
		t.Fatalf("RecordFileMigration() error = %v", err)
	}
	runID, _ := l.StartRun(migrate.RunTypeBackup, "")
	if err := l.EndRun(runID, migrate.RunStatusCompleted, ""); err != nil {
		t.Fatalf("EndRun() error = %v", err)
	}

	var buf bytes.Buffer
	if err := l.ExportMetadata(&buf); err != nil {
		t.Fatalf("ExportMetadata() error = %v", err)
	}

	var doc struct {
		Stats struct {
			TotalFiles int64 `json:"TotalFiles"`
		} `json:"stats"`
		Files []map[string]any `json:"files"`
		Runs  []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if doc.Stats.TotalFiles != 1 {
		t.Errorf("stats.TotalFiles = %d, want 1", doc.Stats.TotalFiles)
	}
	if len(doc.Files) != 1 {
		t.Errorf("len(files) = %d, want 1", len(doc.Files))
	}
	if doc.Files[0]["source_record_id"] != "a0X000000000001AAA" {
		t.Errorf("file row = %v", doc.Files[0])
	}
	if len(doc.Runs) != 1 {
		t.Errorf("len(runs) = %d, want 1", len(doc.Runs))
	}
}
