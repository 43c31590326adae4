package migrate

import (
	"context"
	"errors"
	"fmt"
)

// MigrationSummary is the final accounting of a Phase 2 run.
type MigrationSummary struct {
	TotalSource   int64 // records currently in the source system
	NewFiles      int64 // records transferred because they post-date the backup
	NewBytes      int64
	UpdatedURLs   int64 // source records rewritten to the target location
	FailedUpdates int64
	Skipped       int64
	ManifestPath  string
	SamplePassed  int
	SampleFailed  int
}

func (s *MigrationSummary) counters() map[string]int64 {
	return map[string]int64{
		CounterProcessed:  s.TotalSource,
		CounterSuccessful: s.UpdatedURLs,
		CounterFailed:     s.FailedUpdates,
		CounterSkipped:    s.Skipped,
		CounterNew:        s.NewFiles,
	}
}

// FullMigration is the Phase 2 orchestrator. It diffs the current source
// set against the ledger, transfers anything created since the backup, then
// rewrites the source records' file references in batches, capturing the
// pre-write values into a rollback manifest before declaring success.
type FullMigration struct {
	ledger   Ledger
	source   RecordSource
	store    BlobStore
	transfer *Transferrer
	logger   Logger
	clock    Clock
	opts     Options
}

// NewFullMigration creates a Phase 2 orchestrator.
func NewFullMigration(ledger Ledger, source RecordSource, store BlobStore, transfer *Transferrer, logger Logger, clock Clock, opts Options) *FullMigration {
	return &FullMigration{
		ledger:   ledger,
		source:   source,
		store:    store,
		transfer: transfer,
		logger:   logger,
		clock:    clock,
		opts:     opts.withDefaults(),
	}
}

// Run executes the full migration. The summary is valid even on error.
func (m *FullMigration) Run(ctx context.Context) (sum *MigrationSummary, err error) {
	sum = &MigrationSummary{}

	runID, serr := m.ledger.StartRun(RunTypeFullMigration, m.opts.ConfigSnapshot)
	if serr != nil {
		return sum, serr
	}

	defer func() {
		if uerr := m.ledger.UpdateRunStats(runID, sum.counters()); uerr != nil {
			m.logger.Error("flushing final run stats", "error", uerr)
		}
		status, msg := RunStatusCompleted, ""
		if err != nil {
			status, msg = RunStatusFailed, err.Error()
		}
		if eerr := m.ledger.EndRun(runID, status, msg); eerr != nil {
			m.logger.Error("closing run", "run_id", runID, "error", eerr)
		}
	}()

	// Phase 1 must have produced at least one row before the source system
	// may be touched.
	stats, err := m.ledger.Stats()
	if err != nil {
		return sum, err
	}
	if stats.TotalFiles == 0 {
		return sum, &PreconditionError{Msg: "no backup data found: run a Phase 1 backup first"}
	}
	m.logger.Info("backup data validated",
		"total_files", stats.TotalFiles,
		"backup_only", stats.BackupOnly,
		"fully_migrated", stats.FullyMigrated)

	if aerr := m.source.Authenticate(ctx); aerr != nil {
		return sum, &AuthError{System: "source", Err: aerr}
	}
	if verr := m.store.Validate(ctx); verr != nil {
		return sum, &AuthError{System: "store", Err: verr}
	}

	current, err := m.fetchCurrentSet(ctx)
	if err != nil {
		return sum, err
	}
	sum.TotalSource = int64(len(current))

	newRecords, err := m.identifyNewRecords(current)
	if err != nil {
		return sum, err
	}
	m.logger.Info("diff complete", "source_records", len(current), "new_since_backup", len(newRecords))

	if err := m.copyNewRecords(ctx, runID, newRecords, sum); err != nil {
		return sum, err
	}

	rollback, err := m.updateSourceURLs(ctx, runID, sum)
	if err != nil {
		return sum, err
	}

	if !m.opts.DryRun && len(rollback) > 0 {
		path, werr := WriteManifest(m.opts.ManifestDir, m.clock.Now(), rollback)
		if werr != nil {
			// The manifest is the disaster-recovery artifact; without it the
			// run must not be declared successful.
			return sum, werr
		}
		sum.ManifestPath = path
		m.logger.Info("rollback manifest saved", "path", path, "records", len(rollback))
	}

	if !m.opts.DryRun {
		m.validateSample(ctx, sum)
	}

	return sum, nil
}

// fetchCurrentSet snapshots the source system's full record set via cursor
// pagination. The snapshot is not a locked read; records changed between
// this fetch and the write-back keep their pre-fetch values in the rollback
// manifest, which the rollback path compensates for by re-reading live
// values before acting.
func (m *FullMigration) fetchCurrentSet(ctx context.Context) ([]*SourceRecord, error) {
	var all []*SourceRecord
	afterID := ""
	for {
		records, err := m.source.QueryChunk(ctx, afterID, m.opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("fetching current source set: %w", err)
		}
		if len(records) == 0 {
			break
		}
		all = append(all, records...)
		afterID = records[len(records)-1].ID
		if len(records) < m.opts.ChunkSize {
			break
		}
	}
	return all, nil
}

// identifyNewRecords returns source records absent from the ledger.
func (m *FullMigration) identifyNewRecords(current []*SourceRecord) ([]*SourceRecord, error) {
	backedUp, err := m.ledger.BackedUpFiles()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(backedUp))
	for _, f := range backedUp {
		known[f.SourceRecordID] = true
	}

	var fresh []*SourceRecord
	for _, rec := range current {
		if !known[rec.ID] {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}

// copyNewRecords transfers records created since the backup, with the same
// per-record isolation as Phase 1.
func (m *FullMigration) copyNewRecords(ctx context.Context, runID int64, records []*SourceRecord, sum *MigrationSummary) error {
	if len(records) == 0 {
		m.logger.Info("no new files to copy")
		return nil
	}
	m.logger.Info("copying new files", "count", len(records))

	for i, rec := range records {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted while copying new files: %w", ctx.Err())
		default:
		}

		fileName := FileNameFromURL(rec.DocumentURL, rec.ID)
		key := DeriveTargetKey(rec.AccountID, rec.AccountName, fileName)
		m.logger.Info("copying new file",
			"position", fmt.Sprintf("%d/%d", i+1, len(records)),
			"file", fileName)

		if m.opts.DryRun {
			m.logger.Info("[dry run] would copy", "file", fileName, "key", key)
			sum.NewFiles++
			continue
		}

		content, size, err := m.transfer.Download(ctx, rec.DocumentURL)
		if err != nil {
			var terr *TransferError
			if errors.As(err, &terr) && terr.Kind == SizeLimitExceeded {
				m.logger.Warn("file over size limit, skipping", "record_id", rec.ID, "error", err)
				sum.Skipped++
				continue
			}
			m.recordError(runID, rec.ID, "new_file_copy_error", err.Error(), rec.DocumentURL)
			continue
		}
		hash := m.transfer.ComputeHash(content)
		targetURL, err := m.transfer.Upload(ctx, key, content, fileName)
		if err != nil {
			m.recordError(runID, rec.ID, "new_file_copy_error", err.Error(), rec.DocumentURL)
			continue
		}

		if _, err := m.ledger.RecordFileMigration(&FileRecord{
			SourceRecordID:  rec.ID,
			AccountID:       rec.AccountID,
			AccountName:     rec.AccountName,
			OriginalURL:     rec.DocumentURL,
			TargetKey:       key,
			TargetURL:       targetURL,
			FileName:        fileName,
			FileSizeBytes:   size,
			ContentHash:     hash,
			BackupTimestamp: m.clock.Now(),
			SourceModified:  rec.LastModified,
		}); err != nil {
			return err
		}
		sum.NewFiles++
		sum.NewBytes += size
	}
	return nil
}

// updateSourceURLs rewrites the file reference of every row still pending,
// in fixed-size batches. The live pre-write value of each record is captured
// before its batch is sent; per-item failures are logged and excluded from
// the ledger flip but never block subsequent batches.
func (m *FullMigration) updateSourceURLs(ctx context.Context, runID int64, sum *MigrationSummary) ([]ManifestEntry, error) {
	pending, err := m.ledger.FilesNeedingSourceUpdate()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		m.logger.Info("no source records need updating")
		return nil, nil
	}

	totalBatches := (len(pending) + UpdateBatchLimit - 1) / UpdateBatchLimit
	m.logger.Info("updating source file references", "records", len(pending), "batches", totalBatches)

	var rollback []ManifestEntry

	for start := 0; start < len(pending); start += UpdateBatchLimit {
		select {
		case <-ctx.Done():
			return rollback, fmt.Errorf("interrupted during source update: %w", ctx.Err())
		default:
		}

		end := min(start+UpdateBatchLimit, len(pending))
		batch := pending[start:end]
		batchNum := start/UpdateBatchLimit + 1
		m.logger.Info("processing update batch",
			"batch", fmt.Sprintf("%d/%d", batchNum, totalBatches),
			"records", len(batch))

		ids := make([]string, len(batch))
		for i, row := range batch {
			ids[i] = row.SourceRecordID
		}

		// Capture live values for rollback before anything is written.
		liveValues, err := m.source.CurrentDocumentURLs(ctx, ids)
		if err != nil {
			return rollback, fmt.Errorf("capturing pre-update values: %w", err)
		}

		var updates []URLUpdate
		var staged []*FileRecord
		for _, row := range batch {
			live, ok := liveValues[row.SourceRecordID]
			if !ok {
				m.logger.Warn("record no longer exists in source, skipping", "record_id", row.SourceRecordID)
				sum.Skipped++
				continue
			}
			rollback = append(rollback, ManifestEntry{ID: row.SourceRecordID, OriginalURL: live})
			updates = append(updates, URLUpdate{ID: row.SourceRecordID, URL: row.TargetURL})
			staged = append(staged, row)
		}
		if len(updates) == 0 {
			continue
		}

		if m.opts.DryRun {
			for _, row := range staged {
				m.logger.Info("[dry run] would update",
					"record_id", row.SourceRecordID,
					"from", row.OriginalURL,
					"to", row.TargetURL)
			}
			sum.UpdatedURLs += int64(len(updates))
			continue
		}

		results, err := m.source.UpdateDocumentURLs(ctx, updates)
		if err != nil {
			m.logger.Error("batch update failed", "batch", batchNum, "error", err)
			sum.FailedUpdates += int64(len(updates))
			for _, u := range updates {
				m.recordError(runID, u.ID, "source_update_error", err.Error(), "")
			}
			continue
		}

		var confirmed []string
		for _, res := range results {
			if res.Success {
				confirmed = append(confirmed, res.ID)
				sum.UpdatedURLs++
			} else {
				m.logger.Error("failed to update record", "record_id", res.ID, "error", res.Error)
				sum.FailedUpdates++
				m.recordError(runID, res.ID, "source_update_error", res.Error, "")
			}
		}

		if len(confirmed) > 0 {
			if err := m.ledger.MarkSourceUpdated(confirmed); err != nil {
				return rollback, err
			}
		}

		m.logger.Info("update progress",
			"percent", fmt.Sprintf("%.1f", float64(batchNum)/float64(totalBatches)*100))
	}

	return rollback, nil
}

// validateSample spot-checks random fully-migrated rows: the target object
// must exist and the live source value must equal the recorded target URL.
// A low pass rate is advisory (the run already completed) but flags the
// migration for manual follow-up.
func (m *FullMigration) validateSample(ctx context.Context, sum *MigrationSummary) {
	sample, err := m.ledger.SampleMigrated(m.opts.SampleSize)
	if err != nil {
		m.logger.Warn("sample validation unavailable", "error", err)
		return
	}
	if len(sample) == 0 {
		return
	}

	ids := make([]string, len(sample))
	for i, row := range sample {
		ids[i] = row.SourceRecordID
	}
	liveValues, err := m.source.CurrentDocumentURLs(ctx, ids)
	if err != nil {
		m.logger.Warn("sample validation fetch failed", "error", err)
		return
	}

	for _, row := range sample {
		exists, err := m.store.Exists(ctx, row.TargetKey)
		if err != nil || !exists {
			sum.SampleFailed++
			m.logger.Warn("validation failed: target object missing", "record_id", row.SourceRecordID, "key", row.TargetKey)
			continue
		}
		if liveValues[row.SourceRecordID] != row.TargetURL {
			sum.SampleFailed++
			m.logger.Warn("validation failed: source value mismatch", "record_id", row.SourceRecordID)
			continue
		}
		sum.SamplePassed++
	}

	total := sum.SamplePassed + sum.SampleFailed
	rate := float64(sum.SamplePassed) / float64(total)
	m.logger.Info("sample validation complete", "passed", sum.SamplePassed, "total", total)
	if rate < m.opts.ValidationThreshold {
		m.logger.Warn("validation below threshold, manual follow-up recommended",
			"rate", fmt.Sprintf("%.1f%%", rate*100),
			"threshold", fmt.Sprintf("%.1f%%", m.opts.ValidationThreshold*100))
	}
}

func (m *FullMigration) recordError(runID int64, recordID, errType, msg, originalURL string) {
	if err := m.ledger.RecordError(runID, recordID, errType, msg, originalURL); err != nil {
		m.logger.Error("recording migration error", "record_id", recordID, "error", err)
	}
}
