package testutil

import (
	"testing"

	"docmigrate/internal/ledger"
	"docmigrate/internal/ledger/migrations"
)

// NewTestLedger creates a new in-memory SQLite ledger with schema applied.
// The ledger is automatically closed when the test completes.
func NewTestLedger(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()

	sqlDB, err := ledger.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}

	if err := migrations.MigrateUp(sqlDB); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	l := ledger.NewSQLiteLedgerFromDB(sqlDB)

	t.Cleanup(func() {
		l.Close()
	})

	return l
}
