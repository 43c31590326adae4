package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"docmigrate/internal/blob"
	"docmigrate/internal/config"
	"docmigrate/internal/ledger"
	"docmigrate/internal/migrate"
	"docmigrate/internal/salesforce"
)

// App is the application layer between the CLI and the orchestrators.
// It constructs all dependencies from config, exposes one method per
// command, and manages the ledger lifecycle on Close.
type App struct {
	cfg     *config.Config
	ledger  migrate.Ledger
	source  migrate.RecordSource
	store   migrate.BlobStore
	logger  migrate.Logger
	clock   migrate.Clock
	opts    migrate.Options
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	led, err := ledger.NewLedgerFromConfig(cfg.Ledger, cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("creating ledger: %w", err)
	}

	if sl, ok := led.(*ledger.SQLiteLedger); ok && cfg.Ledger.Type == "sqlite" {
		if err := sl.CheckMigrations(); err != nil {
			led.Close()
			return nil, fmt.Errorf("ledger schema out of date: %w", err)
		}
	}

	store, err := blob.NewStoreFromConfig(ctx, cfg.S3)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		led.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	snapshot, err := cfg.Redacted()
	if err != nil {
		logFile.Close()
		led.Close()
		return nil, fmt.Errorf("serializing config snapshot: %w", err)
	}

	return &App{
		cfg:    cfg,
		ledger: led,
		source: salesforce.NewClient(cfg.Salesforce, logger),
		store:  store,
		logger: logger,
		clock:  migrate.RealClock{},
		opts: migrate.Options{
			ChunkSize:           cfg.Migration.ChunkSize,
			VendorDomain:        cfg.Migration.VendorDomain,
			AllowedExtensions:   cfg.Migration.AllowedExtensions,
			ConfigSnapshot:      snapshot,
			SampleSize:          cfg.Migration.SampleSize,
			ManifestDir:         cfg.Migration.ManifestDir,
			ValidationThreshold: cfg.Migration.ValidationThreshold,
		},
		logFile: logFile,
	}, nil
}

func (a *App) transferrer() *migrate.Transferrer {
	maxSize := int64(a.cfg.Migration.MaxFileSizeMB) * 1024 * 1024
	return migrate.NewTransferrer(blob.NewHTTPDownloader(), a.store, maxSize)
}

func (a *App) runOpts(dryRun bool) migrate.Options {
	opts := a.opts
	opts.DryRun = dryRun
	return opts
}

// Backup runs a Phase 1 backup in the given mode. accountID restricts
// by-account runs to a single account; empty processes all.
func (a *App) Backup(ctx context.Context, mode migrate.BackupMode, accountID string, dryRun bool) (*migrate.BackupSummary, error) {
	b := migrate.NewBackup(a.ledger, a.source, a.store, a.transferrer(), a.logger, a.clock, a.runOpts(dryRun))
	return b.Run(ctx, mode, accountID)
}

// FullMigration runs the Phase 2 migration.
func (a *App) FullMigration(ctx context.Context, dryRun bool) (*migrate.MigrationSummary, error) {
	m := migrate.NewFullMigration(a.ledger, a.source, a.store, a.transferrer(), a.logger, a.clock, a.runOpts(dryRun))
	return m.Run(ctx)
}

// Rollback reverts source records using the manifest at manifestPath, or the
// ledger's own migration record when manifestPath is empty.
func (a *App) Rollback(ctx context.Context, manifestPath string, dryRun bool) (*migrate.RollbackSummary, error) {
	r := migrate.NewRollback(a.ledger, a.source, a.logger, a.runOpts(dryRun))

	var entries []migrate.ManifestEntry
	var err error
	if manifestPath != "" {
		entries, err = migrate.LoadManifest(manifestPath)
	} else {
		entries, err = r.EntriesFromLedger()
	}
	if err != nil {
		return nil, err
	}

	return r.Run(ctx, entries)
}

// Stats returns the ledger-wide aggregate.
func (a *App) Stats() (*migrate.Stats, error) {
	return a.ledger.Stats()
}

// Runs returns the most recent run rows, newest first.
func (a *App) Runs(limit int) ([]*migrate.Run, error) {
	return a.ledger.Runs(limit)
}

// FilesForAccount returns the ledger rows owned by one account.
func (a *App) FilesForAccount(accountID string) ([]*migrate.FileRecord, error) {
	return a.ledger.FilesForAccount(accountID)
}

// Export writes the ledger metadata as JSON to w.
func (a *App) Export(w io.Writer) error {
	return a.ledger.ExportMetadata(w)
}

// Cleanup removes run history older than keepDays, falling back to the
// configured retention when keepDays <= 0. Returns the number of runs
// removed and the retention actually applied.
func (a *App) Cleanup(keepDays int) (int64, int, error) {
	if keepDays <= 0 {
		keepDays = a.cfg.Migration.KeepRunDays
	}
	removed, err := a.ledger.CleanupOldRuns(keepDays)
	return removed, keepDays, err
}

// Close closes the ledger and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.ledger.Close(); err != nil {
		firstErr = fmt.Errorf("closing ledger: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
