package migrate

import (
	"database/sql"
	"time"
)

// SourceRecord is one document-list row from the record source with typed,
// named fields. Rows come off the wire as loosely shaped JSON; the source
// client maps them into this struct immediately so the untyped boundary
// stays inside one translation function.
type SourceRecord struct {
	ID           string // source record ID (15 or 18 chars)
	Name         string
	DocumentURL  string // current file reference
	AccountID    string
	AccountName  string
	Identifier   string // vendor file identifier, when present
	LastModified string // source system's own modification stamp, verbatim
	CreatedDate  string
}

// Account is one owning account grouping, with its record count.
type Account struct {
	ID    string
	Name  string
	Files int64
}

// FileRecord is one ledger row: a source record that has been backed up at
// least once, keyed uniquely by SourceRecordID.
type FileRecord struct {
	SourceRecordID  string
	AccountID       string
	AccountName     string
	OriginalURL     string
	TargetKey       string
	TargetURL       string
	FileName        string
	FileSizeBytes   int64  // 0 when unknown
	ContentHash     string // empty when unknown
	BackupTimestamp time.Time
	SourceModified  string // verbatim copy of SourceRecord.LastModified
	Phase           int    // 1 = backup only, 2 = fully migrated
	SourceUpdated   bool   // true once the source record points at TargetURL
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContentVerified reports whether the row carries both size and hash.
func (r *FileRecord) ContentVerified() bool {
	return r.FileSizeBytes > 0 && r.ContentHash != ""
}

// Run is one orchestrator invocation recorded in the ledger.
type Run struct {
	ID             int64
	RunType        string // backup | backup_chunked | incremental | full_migration | rollback
	StartTime      time.Time
	EndTime        sql.NullTime
	Processed      int64
	Successful     int64
	Failed         int64
	New            int64
	Updated        int64
	Skipped        int64
	Status         string // running | completed | failed
	ErrorMessage   string
	ConfigSnapshot string
}

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run types.
const (
	RunTypeBackup        = "backup"
	RunTypeBackupChunked = "backup_chunked"
	RunTypeIncremental   = "incremental"
	RunTypeFullMigration = "full_migration"
	RunTypeRollback      = "rollback"
)

// Counter names recognized by Ledger.UpdateRunStats. Unknown names are
// ignored, not rejected.
const (
	CounterProcessed  = "processed"
	CounterSuccessful = "successful"
	CounterFailed     = "failed"
	CounterNew        = "new"
	CounterUpdated    = "updated"
	CounterSkipped    = "skipped"
)

// RunSummary aggregates runs of one type for reporting.
type RunSummary struct {
	RunType string
	Count   int64
	LastRun string
}

// ErrorCount aggregates logged errors by type.
type ErrorCount struct {
	ErrorType string
	Count     int64
}

// Stats is the ledger-wide aggregate used by reporting and by the Phase 2
// pre-flight check.
type Stats struct {
	TotalFiles     int64
	BackupOnly     int64
	FullyMigrated  int64
	TotalSizeBytes int64
	UniqueAccounts int64
	RecentRuns     []RunSummary
	ErrorSummary   []ErrorCount
}

// URLUpdate is one item of a batched source-system write.
type URLUpdate struct {
	ID  string
	URL string
}

// UpdateResult is the per-item outcome of a batched source-system write.
type UpdateResult struct {
	ID      string
	Success bool
	Error   string
}
