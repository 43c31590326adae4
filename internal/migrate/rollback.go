package migrate

import (
	"context"
	"fmt"
	"strings"
)

// RollbackSummary is the final accounting of a rollback run.
type RollbackSummary struct {
	Total    int64 // entries considered after verification
	Reverted int64
	Failed   int64
	Skipped  int64 // records missing or already pointing at the original
	Dropped  int64 // entries rejected by verification
}

func (s *RollbackSummary) counters() map[string]int64 {
	return map[string]int64{
		CounterProcessed:  s.Total,
		CounterSuccessful: s.Reverted,
		CounterFailed:     s.Failed,
		CounterSkipped:    s.Skipped,
	}
}

// Rollback restores source records to their pre-migration file references,
// driven either by a saved manifest or by the ledger's own record of what
// was rewritten.
type Rollback struct {
	ledger Ledger
	source RecordSource
	logger Logger
	opts   Options
}

// NewRollback creates a rollback orchestrator.
func NewRollback(ledger Ledger, source RecordSource, logger Logger, opts Options) *Rollback {
	return &Rollback{
		ledger: ledger,
		source: source,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// EntriesFromLedger builds rollback entries from the ledger rows whose
// source record was rewritten. Used when no manifest file is available.
func (r *Rollback) EntriesFromLedger() ([]ManifestEntry, error) {
	rows, err := r.ledger.MigratedFiles()
	if err != nil {
		return nil, err
	}
	entries := make([]ManifestEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ManifestEntry{ID: row.SourceRecordID, OriginalURL: row.OriginalURL})
	}
	return entries, nil
}

// Run reverts the given entries. The summary is valid even on error.
func (r *Rollback) Run(ctx context.Context, entries []ManifestEntry) (sum *RollbackSummary, err error) {
	sum = &RollbackSummary{}

	entries, dropped := r.verifyEntries(entries)
	sum.Dropped = dropped
	sum.Total = int64(len(entries))
	if len(entries) == 0 {
		return sum, &PreconditionError{Msg: "no valid rollback entries"}
	}

	runID, serr := r.ledger.StartRun(RunTypeRollback, r.opts.ConfigSnapshot)
	if serr != nil {
		return sum, serr
	}

	defer func() {
		if uerr := r.ledger.UpdateRunStats(runID, sum.counters()); uerr != nil {
			r.logger.Error("flushing final run stats", "error", uerr)
		}
		status, msg := RunStatusCompleted, ""
		if err != nil {
			status, msg = RunStatusFailed, err.Error()
		}
		if eerr := r.ledger.EndRun(runID, status, msg); eerr != nil {
			r.logger.Error("closing run", "run_id", runID, "error", eerr)
		}
	}()

	if aerr := r.source.Authenticate(ctx); aerr != nil {
		return sum, &AuthError{System: "source", Err: aerr}
	}

	totalBatches := (len(entries) + UpdateBatchLimit - 1) / UpdateBatchLimit
	r.logger.Info("rolling back source records", "records", len(entries), "batches", totalBatches)

	for start := 0; start < len(entries); start += UpdateBatchLimit {
		select {
		case <-ctx.Done():
			return sum, fmt.Errorf("interrupted during rollback: %w", ctx.Err())
		default:
		}

		end := min(start+UpdateBatchLimit, len(entries))
		batch := entries[start:end]
		batchNum := start/UpdateBatchLimit + 1
		r.logger.Info("processing rollback batch",
			"batch", fmt.Sprintf("%d/%d", batchNum, totalBatches),
			"records", len(batch))

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}

		// Re-read live values so records deleted or already reverted since
		// the manifest was written are skipped, not blindly overwritten.
		liveValues, lerr := r.source.CurrentDocumentURLs(ctx, ids)
		if lerr != nil {
			return sum, fmt.Errorf("fetching current values for rollback: %w", lerr)
		}

		var updates []URLUpdate
		for _, e := range batch {
			live, ok := liveValues[e.ID]
			if !ok {
				r.logger.Warn("record no longer exists in source, skipping", "record_id", e.ID)
				sum.Skipped++
				continue
			}
			if live == e.OriginalURL {
				r.logger.Info("record already points at original, skipping", "record_id", e.ID)
				sum.Skipped++
				continue
			}
			updates = append(updates, URLUpdate{ID: e.ID, URL: e.OriginalURL})
		}
		if len(updates) == 0 {
			continue
		}

		if r.opts.DryRun {
			for _, u := range updates {
				r.logger.Info("[dry run] would revert", "record_id", u.ID, "to", u.URL)
			}
			sum.Reverted += int64(len(updates))
			continue
		}

		results, uerr := r.source.UpdateDocumentURLs(ctx, updates)
		if uerr != nil {
			r.logger.Error("rollback batch failed", "batch", batchNum, "error", uerr)
			sum.Failed += int64(len(updates))
			for _, u := range updates {
				r.recordError(runID, u.ID, "rollback_error", uerr.Error(), u.URL)
			}
			continue
		}

		var reverted []string
		for _, res := range results {
			if res.Success {
				reverted = append(reverted, res.ID)
				sum.Reverted++
			} else {
				r.logger.Error("failed to revert record", "record_id", res.ID, "error", res.Error)
				sum.Failed++
				r.recordError(runID, res.ID, "rollback_error", res.Error, "")
			}
		}

		if len(reverted) > 0 {
			if lerr := r.ledger.RevertSourceUpdated(reverted); lerr != nil {
				return sum, lerr
			}
		}
	}

	return sum, nil
}

// verifyEntries drops malformed entries before any remote call is made:
// source record IDs are 15 or 18 characters and original references must be
// http(s) URLs. Dropped entries are logged, never silently discarded.
func (r *Rollback) verifyEntries(entries []ManifestEntry) ([]ManifestEntry, int64) {
	valid := entries[:0:0]
	var dropped int64
	for _, e := range entries {
		if len(e.ID) != 15 && len(e.ID) != 18 {
			r.logger.Warn("dropping entry with malformed record ID", "record_id", e.ID)
			dropped++
			continue
		}
		if !strings.HasPrefix(e.OriginalURL, "http://") && !strings.HasPrefix(e.OriginalURL, "https://") {
			r.logger.Warn("dropping entry with non-http original reference", "record_id", e.ID, "url", e.OriginalURL)
			dropped++
			continue
		}
		valid = append(valid, e)
	}
	return valid, dropped
}

func (r *Rollback) recordError(runID int64, recordID, errType, msg, originalURL string) {
	if err := r.ledger.RecordError(runID, recordID, errType, msg, originalURL); err != nil {
		r.logger.Error("recording rollback error", "record_id", recordID, "error", err)
	}
}
