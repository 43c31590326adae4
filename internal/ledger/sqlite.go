package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"docmigrate/internal/ledger/migrations"
	"docmigrate/internal/migrate"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteLedger implements the Ledger interface using SQLite.
type SQLiteLedger struct {
	db   *sql.DB
	path string
}

// NewSQLiteLedger creates a new SQLite ledger connection.
// path can be a file path or ":memory:" for an in-memory ledger.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteLedger{db: db, path: path}, nil
}

// NewSQLiteLedgerFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteLedgerFromDB(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db, path: ""}
}

// OpenConnection opens and configures a SQLite connection with appropriate PRAGMAs.
// Exported for tools and tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Run operations

func (s *SQLiteLedger) StartRun(runType string, configSnapshot string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO migration_runs (run_type, start_time, status, config_snapshot)
		 VALUES (?, ?, ?, ?)`,
		runType, time.Now().UTC(), migrate.RunStatusRunning, configSnapshot)
	if err != nil {
		return 0, &migrate.PersistenceError{Op: "starting run", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &migrate.PersistenceError{Op: "starting run", Err: err}
	}
	return id, nil
}

func (s *SQLiteLedger) EndRun(runID int64, status string, errorMessage string) error {
	_, err := s.db.Exec(
		`UPDATE migration_runs SET end_time = ?, status = ?, error_message = ? WHERE id = ?`,
		time.Now().UTC(), status, errorMessage, runID)
	if err != nil {
		return &migrate.PersistenceError{Op: "ending run", Err: err}
	}
	return nil
}

// counterColumns maps counter names to run columns. Names outside this map
// are ignored.
var counterColumns = map[string]string{
	migrate.CounterProcessed:  "records_processed",
	migrate.CounterSuccessful: "records_successful",
	migrate.CounterFailed:     "records_failed",
	migrate.CounterNew:        "records_new",
	migrate.CounterUpdated:    "records_updated",
	migrate.CounterSkipped:    "records_skipped",
}

func (s *SQLiteLedger) UpdateRunStats(runID int64, counters map[string]int64) error {
	var sets []string
	var args []any
	for name, col := range counterColumns {
		if v, ok := counters[name]; ok {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, runID)

	query := fmt.Sprintf("UPDATE migration_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return &migrate.PersistenceError{Op: "updating run stats", Err: err}
	}
	return nil
}

// File operations

// RecordFileMigration upserts a row keyed by SourceRecordID. The insert and
// the update run in one transaction so a concurrent reader never observes a
// half-written row. Returns true when the row was newly inserted.
func (s *SQLiteLedger) RecordFileMigration(rec *migrate.FileRecord) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, &migrate.PersistenceError{Op: "recording file migration", Err: err}
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRow(
		`SELECT id FROM file_migrations WHERE source_record_id = ?`,
		rec.SourceRecordID).Scan(&existingID)

	isNew := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		isNew = true
		_, err = tx.Exec(
			`INSERT INTO file_migrations
			   (source_record_id, account_id, account_name, original_url,
			    target_key, target_url, file_name, file_size_bytes, content_hash,
			    backup_timestamp, source_modified, migration_phase, source_updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)`,
			rec.SourceRecordID, rec.AccountID, rec.AccountName, rec.OriginalURL,
			rec.TargetKey, rec.TargetURL, rec.FileName, rec.FileSizeBytes, rec.ContentHash,
			rec.BackupTimestamp.UTC(), rec.SourceModified)
	case err != nil:
		return false, &migrate.PersistenceError{Op: "recording file migration", Err: err}
	default:
		// Refresh the backup-side columns. The migration-phase columns are
		// owned by MarkSourceUpdated and are left untouched.
		_, err = tx.Exec(
			`UPDATE file_migrations SET
			   account_id = ?, account_name = ?, original_url = ?,
			   target_key = ?, target_url = ?, file_name = ?,
			   file_size_bytes = ?, content_hash = ?,
			   backup_timestamp = ?, source_modified = ?,
			   updated_date = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			rec.AccountID, rec.AccountName, rec.OriginalURL,
			rec.TargetKey, rec.TargetURL, rec.FileName,
			rec.FileSizeBytes, rec.ContentHash,
			rec.BackupTimestamp.UTC(), rec.SourceModified,
			existingID)
	}
	if err != nil {
		return false, &migrate.PersistenceError{Op: "recording file migration", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return false, &migrate.PersistenceError{Op: "recording file migration", Err: err}
	}
	return isNew, nil
}

func (s *SQLiteLedger) RecordError(runID int64, sourceRecordID, errorType, errorMessage, originalURL string) error {
	_, err := s.db.Exec(
		`INSERT INTO migration_errors (run_id, source_record_id, error_type, error_message, original_url)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, sourceRecordID, errorType, errorMessage, originalURL)
	if err != nil {
		return &migrate.PersistenceError{Op: "recording error", Err: err}
	}
	return nil
}

const fileColumns = `source_record_id, account_id, account_name, original_url,
	target_key, target_url, file_name, file_size_bytes, content_hash,
	backup_timestamp, source_modified, migration_phase, source_updated,
	created_date, updated_date`

func (s *SQLiteLedger) BackedUpFiles() ([]*migrate.FileRecord, error) {
	return s.queryFiles(
		`SELECT `+fileColumns+` FROM file_migrations ORDER BY backup_timestamp DESC`)
}

func (s *SQLiteLedger) FilesForAccount(accountID string) ([]*migrate.FileRecord, error) {
	return s.queryFiles(
		`SELECT `+fileColumns+` FROM file_migrations WHERE account_id = ? ORDER BY backup_timestamp DESC`,
		accountID)
}

func (s *SQLiteLedger) FilesNeedingSourceUpdate() ([]*migrate.FileRecord, error) {
	return s.queryFiles(
		`SELECT ` + fileColumns + ` FROM file_migrations WHERE source_updated = 0 ORDER BY source_record_id`)
}

func (s *SQLiteLedger) MigratedFiles() ([]*migrate.FileRecord, error) {
	return s.queryFiles(
		`SELECT ` + fileColumns + ` FROM file_migrations WHERE source_updated = 1 ORDER BY updated_date DESC`)
}

func (s *SQLiteLedger) SampleMigrated(n int) ([]*migrate.FileRecord, error) {
	return s.queryFiles(
		`SELECT `+fileColumns+` FROM file_migrations WHERE source_updated = 1 ORDER BY RANDOM() LIMIT ?`,
		n)
}

func (s *SQLiteLedger) queryFiles(query string, args ...any) ([]*migrate.FileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &migrate.PersistenceError{Op: "querying files", Err: err}
	}
	defer rows.Close()

	var result []*migrate.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, &migrate.PersistenceError{Op: "scanning file row", Err: err}
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &migrate.PersistenceError{Op: "querying files", Err: err}
	}
	return result, nil
}

func scanFileRecord(rows *sql.Rows) (*migrate.FileRecord, error) {
	var rec migrate.FileRecord
	var accountID, accountName, originalURL, targetKey, targetURL sql.NullString
	var fileName, contentHash, sourceModified sql.NullString
	var fileSize sql.NullInt64
	var backupTS, createdAt, updatedAt sql.NullTime

	err := rows.Scan(
		&rec.SourceRecordID, &accountID, &accountName, &originalURL,
		&targetKey, &targetURL, &fileName, &fileSize, &contentHash,
		&backupTS, &sourceModified, &rec.Phase, &rec.SourceUpdated,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.AccountID = accountID.String
	rec.AccountName = accountName.String
	rec.OriginalURL = originalURL.String
	rec.TargetKey = targetKey.String
	rec.TargetURL = targetURL.String
	rec.FileName = fileName.String
	rec.FileSizeBytes = fileSize.Int64
	rec.ContentHash = contentHash.String
	rec.BackupTimestamp = backupTS.Time
	rec.SourceModified = sourceModified.String
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	return &rec, nil
}

func (s *SQLiteLedger) MarkSourceUpdated(sourceRecordIDs []string) error {
	return s.setSourceUpdated(sourceRecordIDs, true)
}

func (s *SQLiteLedger) RevertSourceUpdated(sourceRecordIDs []string) error {
	return s.setSourceUpdated(sourceRecordIDs, false)
}

func (s *SQLiteLedger) setSourceUpdated(ids []string, updated bool) error {
	if len(ids) == 0 {
		return nil
	}

	flag, phase := 0, 1
	if updated {
		flag, phase = 1, 2
	}

	query := fmt.Sprintf(
		`UPDATE file_migrations
		 SET source_updated = %d, migration_phase = %d, updated_date = CURRENT_TIMESTAMP
		 WHERE source_record_id IN (%s)`,
		flag, phase, placeholders(len(ids)))

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return &migrate.PersistenceError{Op: "updating migration phase", Err: err}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Reporting

func (s *SQLiteLedger) Stats() (*migrate.Stats, error) {
	stats := &migrate.Stats{}

	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN source_updated = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN source_updated = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(file_size_bytes), 0),
		        COUNT(DISTINCT account_id)
		 FROM file_migrations`).Scan(
		&stats.TotalFiles, &stats.BackupOnly, &stats.FullyMigrated,
		&stats.TotalSizeBytes, &stats.UniqueAccounts)
	if err != nil {
		return nil, &migrate.PersistenceError{Op: "computing stats", Err: err}
	}

	rows, err := s.db.Query(
		`SELECT run_type, COUNT(*), COALESCE(MAX(start_time), '')
		 FROM migration_runs GROUP BY run_type ORDER BY run_type`)
	if err != nil {
		return nil, &migrate.PersistenceError{Op: "computing run stats", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var summary migrate.RunSummary
		if err := rows.Scan(&summary.RunType, &summary.Count, &summary.LastRun); err != nil {
			return nil, &migrate.PersistenceError{Op: "scanning run stats", Err: err}
		}
		stats.RecentRuns = append(stats.RecentRuns, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, &migrate.PersistenceError{Op: "computing run stats", Err: err}
	}

	erows, err := s.db.Query(
		`SELECT error_type, COUNT(*) FROM migration_errors GROUP BY error_type ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, &migrate.PersistenceError{Op: "computing error stats", Err: err}
	}
	defer erows.Close()
	for erows.Next() {
		var ec migrate.ErrorCount
		if err := erows.Scan(&ec.ErrorType, &ec.Count); err != nil {
			return nil, &migrate.PersistenceError{Op: "scanning error stats", Err: err}
		}
		stats.ErrorSummary = append(stats.ErrorSummary, ec)
	}
	if err := erows.Err(); err != nil {
		return nil, &migrate.PersistenceError{Op: "computing error stats", Err: err}
	}

	return stats, nil
}

// Runs returns run rows newest first. limit <= 0 returns all runs.
func (s *SQLiteLedger) Runs(limit int) ([]*migrate.Run, error) {
	query := `SELECT id, run_type, start_time, end_time,
	        records_processed, records_successful, records_failed,
	        records_new, records_updated, records_skipped,
	        status, COALESCE(error_message, ''), COALESCE(config_snapshot, '')
	 FROM migration_runs ORDER BY start_time DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &migrate.PersistenceError{Op: "listing runs", Err: err}
	}
	defer rows.Close()

	var runs []*migrate.Run
	for rows.Next() {
		var r migrate.Run
		err := rows.Scan(&r.ID, &r.RunType, &r.StartTime, &r.EndTime,
			&r.Processed, &r.Successful, &r.Failed,
			&r.New, &r.Updated, &r.Skipped,
			&r.Status, &r.ErrorMessage, &r.ConfigSnapshot)
		if err != nil {
			return nil, &migrate.PersistenceError{Op: "scanning run row", Err: err}
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, &migrate.PersistenceError{Op: "listing runs", Err: err}
	}
	return runs, nil
}

func (s *SQLiteLedger) RecordsModifiedSince(cutoff time.Time) ([]string, error) {
	if cutoff.IsZero() {
		var last sql.NullTime
		err := s.db.QueryRow(
			`SELECT MAX(end_time) FROM migration_runs
			 WHERE run_type IN (?, ?, ?) AND status = ?`,
			migrate.RunTypeBackup, migrate.RunTypeBackupChunked, migrate.RunTypeIncremental,
			migrate.RunStatusCompleted).Scan(&last)
		if err != nil {
			return nil, &migrate.PersistenceError{Op: "finding last backup run", Err: err}
		}
		if last.Valid {
			cutoff = last.Time
		}
		// With no prior completed run the cutoff stays at the epoch, so
		// every row qualifies and the caller falls back to a full pass.
	}

	rows, err := s.db.Query(
		`SELECT source_record_id FROM file_migrations WHERE backup_timestamp > ?`,
		cutoff.UTC())
	if err != nil {
		return nil, &migrate.PersistenceError{Op: "querying modified records", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &migrate.PersistenceError{Op: "scanning modified records", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &migrate.PersistenceError{Op: "querying modified records", Err: err}
	}
	return ids, nil
}

// Maintenance

func (s *SQLiteLedger) CleanupOldRuns(keepDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)

	// migration_errors rows cascade via the foreign key.
	res, err := s.db.Exec(
		`DELETE FROM migration_runs WHERE start_time < ?`, cutoff)
	if err != nil {
		return 0, &migrate.PersistenceError{Op: "cleaning up old runs", Err: err}
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, &migrate.PersistenceError{Op: "cleaning up old runs", Err: err}
	}
	return removed, nil
}

// exportDocument is the shape of the metadata export.
type exportDocument struct {
	ExportedAt time.Time            `json:"exported_at"`
	Stats      *migrate.Stats       `json:"stats"`
	Files      []exportFile         `json:"files"`
	Runs       []exportRun          `json:"runs"`
	Errors     []migrate.ErrorCount `json:"error_summary"`
}

type exportFile struct {
	SourceRecordID  string    `json:"source_record_id"`
	AccountID       string    `json:"account_id"`
	AccountName     string    `json:"account_name"`
	OriginalURL     string    `json:"original_url"`
	TargetKey       string    `json:"target_key"`
	TargetURL       string    `json:"target_url"`
	FileName        string    `json:"file_name"`
	FileSizeBytes   int64     `json:"file_size_bytes"`
	ContentHash     string    `json:"content_hash"`
	BackupTimestamp time.Time `json:"backup_timestamp"`
	SourceModified  string    `json:"source_modified"`
	Phase           int       `json:"migration_phase"`
	SourceUpdated   bool      `json:"source_updated"`
}

type exportRun struct {
	ID           int64      `json:"id"`
	RunType      string     `json:"run_type"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Processed    int64      `json:"records_processed"`
	Successful   int64      `json:"records_successful"`
	Failed       int64      `json:"records_failed"`
	New          int64      `json:"records_new"`
	Updated      int64      `json:"records_updated"`
	Skipped      int64      `json:"records_skipped"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ExportMetadata writes the whole ledger (rows, runs, aggregate stats) as a
// single JSON document. The export is the portable form of the ledger for
// audits and hand-offs.
func (s *SQLiteLedger) ExportMetadata(w io.Writer) error {
	stats, err := s.Stats()
	if err != nil {
		return err
	}

	files, err := s.BackedUpFiles()
	if err != nil {
		return err
	}

	runs, err := s.Runs(0)
	if err != nil {
		return err
	}

	doc := exportDocument{
		ExportedAt: time.Now().UTC(),
		Stats:      stats,
		Files:      make([]exportFile, 0, len(files)),
		Runs:       make([]exportRun, 0, len(runs)),
		Errors:     stats.ErrorSummary,
	}
	for _, r := range runs {
		er := exportRun{
			ID:           r.ID,
			RunType:      r.RunType,
			StartTime:    r.StartTime,
			Processed:    r.Processed,
			Successful:   r.Successful,
			Failed:       r.Failed,
			New:          r.New,
			Updated:      r.Updated,
			Skipped:      r.Skipped,
			Status:       r.Status,
			ErrorMessage: r.ErrorMessage,
		}
		if r.EndTime.Valid {
			er.EndTime = &r.EndTime.Time
		}
		doc.Runs = append(doc.Runs, er)
	}
	for _, f := range files {
		doc.Files = append(doc.Files, exportFile{
			SourceRecordID:  f.SourceRecordID,
			AccountID:       f.AccountID,
			AccountName:     f.AccountName,
			OriginalURL:     f.OriginalURL,
			TargetKey:       f.TargetKey,
			TargetURL:       f.TargetURL,
			FileName:        f.FileName,
			FileSizeBytes:   f.FileSizeBytes,
			ContentHash:     f.ContentHash,
			BackupTimestamp: f.BackupTimestamp,
			SourceModified:  f.SourceModified,
			Phase:           f.Phase,
			SourceUpdated:   f.SourceUpdated,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding metadata export: %w", err)
	}
	return nil
}

// CheckMigrations verifies the ledger schema is up-to-date.
func (s *SQLiteLedger) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Path returns the database file path (or ":memory:" for in-memory ledgers).
func (s *SQLiteLedger) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteLedger) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteLedger implements the Ledger interface
var _ migrate.Ledger = (*SQLiteLedger)(nil)
