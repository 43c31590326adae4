package migrate

import "context"

// RecordSource is the external system of record, consumed as a black box:
// a query surface returning document-list rows and a batched update surface
// for rewriting file references.
type RecordSource interface {
	// Authenticate establishes a session. Must be called before any other
	// method; failures are fatal to the whole run.
	Authenticate(ctx context.Context) error

	// CountRecords returns the number of records with a non-null document
	// reference and owning account.
	CountRecords(ctx context.Context) (int64, error)

	// QueryChunk returns up to limit records ordered by ID, starting after
	// afterID (empty for the first chunk). Cursor pagination: pass the last
	// ID of the previous chunk to get the next one.
	QueryChunk(ctx context.Context, afterID string, limit int) ([]*SourceRecord, error)

	// QueryAccount returns every record owned by one account.
	QueryAccount(ctx context.Context, accountID string) ([]*SourceRecord, error)

	// ListAccounts returns the distinct accounts that own records, largest
	// first.
	ListAccounts(ctx context.Context) ([]*Account, error)

	// CurrentDocumentURLs returns the live document reference for each of
	// the given record IDs. IDs missing from the result no longer exist.
	CurrentDocumentURLs(ctx context.Context, ids []string) (map[string]string, error)

	// UpdateDocumentURLs rewrites document references in one batch and
	// returns a per-item result. Callers must respect the batch ceiling
	// (UpdateBatchLimit) per call.
	UpdateDocumentURLs(ctx context.Context, updates []URLUpdate) ([]UpdateResult, error)
}

// UpdateBatchLimit is the source system's batch-API ceiling per update call.
const UpdateBatchLimit = 200
