package ledger

import (
	"fmt"
	"os"
	"path/filepath"

	"docmigrate/internal/config"
	"docmigrate/internal/ledger/migrations"
	"docmigrate/internal/migrate"
)

// NewLedgerFromConfig creates a Ledger implementation based on the ledger config type.
func NewLedgerFromConfig(cfg config.LedgerConfig, instanceID string) (migrate.Ledger, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite ledger")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, instanceID+".db")
		l, err := NewSQLiteLedger(dbPath)
		if err != nil {
			return nil, err
		}
		if err := migrations.MigrateUp(l.db); err != nil {
			l.Close()
			return nil, fmt.Errorf("migrating ledger: %w", err)
		}
		return l, nil
	case "memory":
		l, err := NewSQLiteLedger(":memory:")
		if err != nil {
			return nil, err
		}
		// In-memory ledgers are throwaway; migrate them on the spot.
		if err := migrations.MigrateUp(l.db); err != nil {
			l.Close()
			return nil, fmt.Errorf("migrating in-memory ledger: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger type: %s", cfg.Type)
	}
}
