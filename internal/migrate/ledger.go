package migrate

import (
	"io"
	"time"
)

// Ledger is the durable local store tracking what has been migrated, to
// where, and with what verification, independent of either remote system
// being reachable. It is the single writer of truth: every mutating
// operation is atomic per record, and resumability falls out of the
// upsert-by-ID semantics rather than a separate checkpoint.
type Ledger interface {
	// StartRun inserts a running migration-run row and returns its ID.
	// It must succeed before any transfer work begins.
	StartRun(runType string, configSnapshot string) (int64, error)

	// EndRun records the terminal status for a run. Calling it twice on the
	// same run is safe; the second call overwrites the terminal fields.
	EndRun(runID int64, status string, errorMessage string) error

	// UpdateRunStats writes counter values for a run. Only recognized
	// counter names are written; unknown names are ignored.
	UpdateRunStats(runID int64, counters map[string]int64) error

	// RecordFileMigration upserts a row by SourceRecordID and reports
	// whether the row was newly inserted.
	RecordFileMigration(rec *FileRecord) (bool, error)

	// RecordError appends one row to the error log.
	RecordError(runID int64, sourceRecordID, errorType, errorMessage, originalURL string) error

	// BackedUpFiles returns every ledger row, newest backup first.
	BackedUpFiles() ([]*FileRecord, error)

	// FilesForAccount returns the rows owned by one account.
	FilesForAccount(accountID string) ([]*FileRecord, error)

	// FilesNeedingSourceUpdate returns rows whose source record still
	// points at the original location.
	FilesNeedingSourceUpdate() ([]*FileRecord, error)

	// MigratedFiles returns rows whose source record has been rewritten
	// (sourceUpdated=true), most recently updated first.
	MigratedFiles() ([]*FileRecord, error)

	// MarkSourceUpdated flips the given rows to sourceUpdated=true, phase 2.
	MarkSourceUpdated(sourceRecordIDs []string) error

	// RevertSourceUpdated flips the given rows back to backup-only.
	RevertSourceUpdated(sourceRecordIDs []string) error

	// Stats returns the ledger-wide aggregate.
	Stats() (*Stats, error)

	// Runs returns run rows newest first. limit <= 0 returns all runs.
	Runs(limit int) ([]*Run, error)

	// RecordsModifiedSince returns the IDs of rows backed up after the
	// cutoff. A zero cutoff means the end of the last successful backup or
	// incremental run, falling back to the epoch when none exists.
	RecordsModifiedSince(cutoff time.Time) ([]string, error)

	// SampleMigrated returns up to n random fully-migrated rows.
	SampleMigrated(n int) ([]*FileRecord, error)

	// CleanupOldRuns deletes runs (and their errors) older than keepDays.
	// Returns the number of runs removed.
	CleanupOldRuns(keepDays int) (int64, error)

	// ExportMetadata writes a JSON document with all rows, runs and stats.
	ExportMetadata(w io.Writer) error

	// Close closes the underlying store.
	Close() error
}
