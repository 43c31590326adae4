package migrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// BackupMode selects how Phase 1 enumerates source records.
type BackupMode int

const (
	// BackupFull scans every record using ID-cursor pagination.
	BackupFull BackupMode = iota
	// BackupByAccount processes one account's full record set at a time.
	// Slower, but a failure only affects one account.
	BackupByAccount
	// BackupIncremental skips records already backed up since the last
	// successful run and records whose target object already exists.
	BackupIncremental
)

func (m BackupMode) runType() string {
	switch m {
	case BackupByAccount:
		return RunTypeBackup
	case BackupIncremental:
		return RunTypeIncremental
	default:
		return RunTypeBackupChunked
	}
}

// BackupSummary is the final accounting of a Phase 1 run. It is reported to
// the operator whether or not the run completed fully.
type BackupSummary struct {
	Processed  int64
	Successful int64
	Failed     int64
	Skipped    int64
	New        int64
	Updated    int64
	TotalBytes int64
	Accounts   int64
	Chunks     int64
}

// SuccessRate returns successful/processed as a percentage, or 0 when
// nothing was processed.
func (s *BackupSummary) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Processed) * 100
}

func (s *BackupSummary) counters() map[string]int64 {
	return map[string]int64{
		CounterProcessed:  s.Processed,
		CounterSuccessful: s.Successful,
		CounterFailed:     s.Failed,
		CounterSkipped:    s.Skipped,
		CounterNew:        s.New,
		CounterUpdated:    s.Updated,
	}
}

// Backup is the Phase 1 orchestrator: it enumerates source records, drives
// the transfer unit per record, and writes results into the ledger. The
// source system is never mutated. Progress is persisted per record, so a
// restarted run simply upserts over already-recorded rows.
type Backup struct {
	ledger   Ledger
	source   RecordSource
	store    BlobStore
	transfer *Transferrer
	logger   Logger
	clock    Clock
	opts     Options

	// modStamps maps record ID to the source modification stamp recorded at
	// backup time. Populated only for incremental runs.
	modStamps map[string]string
}

// NewBackup creates a Phase 1 orchestrator.
func NewBackup(ledger Ledger, source RecordSource, store BlobStore, transfer *Transferrer, logger Logger, clock Clock, opts Options) *Backup {
	return &Backup{
		ledger:   ledger,
		source:   source,
		store:    store,
		transfer: transfer,
		logger:   logger,
		clock:    clock,
		opts:     opts.withDefaults(),
	}
}

// Run executes the backup. accountID restricts by-account mode to a single
// account when non-empty. The returned summary is valid even when err is
// non-nil, so callers can always print accurate partial counts.
func (b *Backup) Run(ctx context.Context, mode BackupMode, accountID string) (sum *BackupSummary, err error) {
	sum = &BackupSummary{}

	runID, serr := b.ledger.StartRun(mode.runType(), b.opts.ConfigSnapshot)
	if serr != nil {
		return sum, serr
	}

	defer func() {
		if uerr := b.ledger.UpdateRunStats(runID, sum.counters()); uerr != nil {
			b.logger.Error("flushing final run stats", "error", uerr)
		}
		status, msg := RunStatusCompleted, ""
		if err != nil {
			status, msg = RunStatusFailed, err.Error()
		}
		if eerr := b.ledger.EndRun(runID, status, msg); eerr != nil {
			b.logger.Error("closing run", "run_id", runID, "error", eerr)
		}
	}()

	if aerr := b.source.Authenticate(ctx); aerr != nil {
		return sum, &AuthError{System: "source", Err: aerr}
	}
	if verr := b.store.Validate(ctx); verr != nil {
		return sum, &AuthError{System: "store", Err: verr}
	}

	switch mode {
	case BackupByAccount:
		err = b.runByAccount(ctx, runID, sum, accountID)
	case BackupIncremental:
		err = b.runIncremental(ctx, runID, sum)
	default:
		err = b.runChunked(ctx, runID, sum, nil)
	}
	return sum, err
}

// runChunked walks the full record set with ID-cursor pagination. skipIDs,
// when non-nil, marks records to pass over (used by incremental mode).
func (b *Backup) runChunked(ctx context.Context, runID int64, sum *BackupSummary, skipIDs map[string]bool) error {
	total, err := b.source.CountRecords(ctx)
	if err != nil {
		return fmt.Errorf("counting source records: %w", err)
	}
	b.logger.Info("starting chunked backup", "total_records", total, "chunk_size", b.opts.ChunkSize)

	afterID := ""
	for {
		records, err := b.source.QueryChunk(ctx, afterID, b.opts.ChunkSize)
		if err != nil {
			return fmt.Errorf("fetching record chunk after %q: %w", afterID, err)
		}
		if len(records) == 0 {
			break
		}

		sum.Chunks++
		b.logger.Info("processing chunk", "chunk", sum.Chunks, "records", len(records))

		if err := b.processBatch(ctx, runID, records, sum, skipIDs); err != nil {
			return err
		}

		afterID = records[len(records)-1].ID
		if uerr := b.ledger.UpdateRunStats(runID, sum.counters()); uerr != nil {
			b.logger.Warn("flushing run stats", "error", uerr)
		}
		if total > 0 {
			b.logger.Info("overall progress",
				"processed", sum.Processed,
				"total", total,
				"percent", fmt.Sprintf("%.1f", float64(sum.Processed)/float64(total)*100))
		}

		if len(records) < b.opts.ChunkSize {
			break
		}
	}

	b.logger.Info("chunked backup finished", "chunks", sum.Chunks, "processed", sum.Processed)
	return nil
}

// runByAccount iterates distinct accounts and processes each account's full
// record set before moving on.
func (b *Backup) runByAccount(ctx context.Context, runID int64, sum *BackupSummary, onlyAccountID string) error {
	accounts, err := b.source.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	if onlyAccountID != "" {
		filtered := accounts[:0]
		for _, a := range accounts {
			if a.ID == onlyAccountID {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}
	b.logger.Info("starting by-account backup", "accounts", len(accounts))

	for i, account := range accounts {
		b.logger.Info("processing account",
			"position", fmt.Sprintf("%d/%d", i+1, len(accounts)),
			"account", account.Name,
			"account_id", account.ID,
			"expected_files", account.Files)

		records, err := b.source.QueryAccount(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("querying account %s: %w", account.ID, err)
		}
		if len(records) == 0 {
			b.logger.Warn("no records found for account", "account", account.Name)
			continue
		}

		if err := b.processBatch(ctx, runID, records, sum, nil); err != nil {
			return err
		}

		sum.Accounts++
		if uerr := b.ledger.UpdateRunStats(runID, sum.counters()); uerr != nil {
			b.logger.Warn("flushing run stats", "error", uerr)
		}
		b.logger.Info("account complete", "account", account.Name, "successful_so_far", sum.Successful)
	}
	return nil
}

// runIncremental is a chunked scan that passes over records already backed
// up since the last successful run.
func (b *Backup) runIncremental(ctx context.Context, runID int64, sum *BackupSummary) error {
	recentIDs, err := b.ledger.RecordsModifiedSince(time.Time{})
	if err != nil {
		return err
	}
	skip := make(map[string]bool, len(recentIDs))
	for _, id := range recentIDs {
		skip[id] = true
	}

	rows, err := b.ledger.BackedUpFiles()
	if err != nil {
		return err
	}
	b.modStamps = make(map[string]string, len(rows))
	for _, row := range rows {
		b.modStamps[row.SourceRecordID] = row.SourceModified
	}

	b.logger.Info("incremental mode", "already_current", len(skip))
	return b.runChunked(ctx, runID, sum, skip)
}

// processBatch handles one batch of records, isolating each record's
// failure: a single record can never abort the batch. Cancellation is
// honored between records, never mid-record.
func (b *Backup) processBatch(ctx context.Context, runID int64, records []*SourceRecord, sum *BackupSummary, skipIDs map[string]bool) error {
	for i, rec := range records {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted after %d records: %w", sum.Processed, ctx.Err())
		default:
		}

		if skipIDs != nil && skipIDs[rec.ID] {
			sum.Skipped++
			continue
		}

		b.logger.Debug("processing record",
			"position", fmt.Sprintf("%d/%d", i+1, len(records)),
			"record_id", rec.ID,
			"file", rec.Name)

		res, err := b.processRecord(ctx, runID, rec, skipIDs != nil)
		if err != nil {
			return err
		}

		switch res.outcome {
		case OutcomeSuccess:
			sum.Successful++
			sum.Processed++
			sum.TotalBytes += res.bytes
			if res.isNew {
				sum.New++
			} else {
				sum.Updated++
			}
		case OutcomeSkipped:
			sum.Skipped++
		case OutcomeFailed:
			sum.Failed++
			sum.Processed++
		}

		if sum.Processed > 0 && sum.Processed%10 == 0 {
			b.logger.Info("progress", "processed", sum.Processed,
				"success_rate", fmt.Sprintf("%.1f", sum.SuccessRate()))
		}
	}
	return nil
}

type recordResult struct {
	outcome Outcome
	bytes   int64
	isNew   bool
}

// processRecord backs up a single record. The returned error is reserved
// for run-fatal conditions (ledger failure); everything per-record is folded
// into the outcome.
func (b *Backup) processRecord(ctx context.Context, runID int64, rec *SourceRecord, incremental bool) (recordResult, error) {
	if reason := b.skipReason(rec); reason != "" {
		b.logger.Debug("record skipped", "record_id", rec.ID, "reason", reason)
		return recordResult{outcome: OutcomeSkipped}, nil
	}

	fileName := FileNameFromURL(rec.DocumentURL, rec.ID)
	key := DeriveTargetKey(rec.AccountID, rec.AccountName, fileName)

	if b.opts.DryRun {
		b.logger.Info("[dry run] would back up", "file", fileName, "key", key)
		return recordResult{outcome: OutcomeSuccess, isNew: true}, nil
	}

	if incremental {
		// A changed modification stamp means new content behind the same key;
		// the exists-check must not short-circuit it.
		if stamp, ok := b.modStamps[rec.ID]; ok && stamp != rec.LastModified {
			b.logger.Debug("source modified since backup, re-transferring", "record_id", rec.ID)
		} else {
			exists, err := b.transfer.Exists(ctx, key)
			if err != nil {
				b.logger.Warn("existence check failed, re-transferring", "key", key, "error", err)
			} else if exists {
				b.logger.Debug("target already exists, skipping", "key", key)
				return recordResult{outcome: OutcomeSkipped}, nil
			}
		}
	}

	content, size, err := b.transfer.Download(ctx, rec.DocumentURL)
	if err != nil {
		var terr *TransferError
		if errors.As(err, &terr) && terr.Kind == SizeLimitExceeded {
			b.logger.Warn("file over size limit, skipping", "record_id", rec.ID, "error", err)
			return recordResult{outcome: OutcomeSkipped}, nil
		}
		b.recordError(runID, rec.ID, "backup_error", err.Error(), rec.DocumentURL)
		return recordResult{outcome: OutcomeFailed}, nil
	}

	hash := b.transfer.ComputeHash(content)

	targetURL, err := b.transfer.Upload(ctx, key, content, fileName)
	if err != nil {
		b.recordError(runID, rec.ID, "backup_error", err.Error(), rec.DocumentURL)
		return recordResult{outcome: OutcomeFailed}, nil
	}

	now := b.clock.Now()
	isNew, err := b.ledger.RecordFileMigration(&FileRecord{
		SourceRecordID:  rec.ID,
		AccountID:       rec.AccountID,
		AccountName:     rec.AccountName,
		OriginalURL:     rec.DocumentURL,
		TargetKey:       key,
		TargetURL:       targetURL,
		FileName:        fileName,
		FileSizeBytes:   size,
		ContentHash:     hash,
		BackupTimestamp: now,
		SourceModified:  rec.LastModified,
	})
	if err != nil {
		// The ledger is the only durability mechanism; losing it is fatal.
		return recordResult{}, err
	}

	b.logger.Debug("backed up", "file", fileName, "size", FormatSize(size))
	return recordResult{outcome: OutcomeSuccess, bytes: size, isNew: isNew}, nil
}

// skipReason returns a non-empty reason when the record must not be
// processed: no file reference, a reference off the vendor storage domain,
// or a disallowed extension.
func (b *Backup) skipReason(rec *SourceRecord) string {
	if strings.TrimSpace(rec.DocumentURL) == "" {
		return "empty file reference"
	}
	if b.opts.VendorDomain != "" && !strings.Contains(rec.DocumentURL, b.opts.VendorDomain) {
		return "reference outside vendor storage domain"
	}
	if len(b.opts.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(FileNameFromURL(rec.DocumentURL, rec.ID)))
		for _, allowed := range b.opts.AllowedExtensions {
			if ext == strings.ToLower(allowed) {
				return ""
			}
		}
		return "extension not in allow-list"
	}
	return ""
}

// recordError appends to the ledger error log. A failure to log an error
// must never fail the larger operation, so it is swallowed here.
func (b *Backup) recordError(runID int64, recordID, errType, msg, originalURL string) {
	if err := b.ledger.RecordError(runID, recordID, errType, msg, originalURL); err != nil {
		b.logger.Error("recording migration error", "record_id", recordID, "error", err)
	}
}
