package migrate

import "context"

// BlobStore is the destination object store. Writes use overwrite semantics
// so retries of a failed record are safe without deduplication.
type BlobStore interface {
	// Put stores content under key and returns the resulting URL. fileName
	// is carried as the download disposition for browser-facing access.
	Put(ctx context.Context, key string, content []byte, fileName string) (string, error)

	// Exists reports whether an object is already stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Validate verifies the store is reachable and the target bucket
	// accessible. Failures are fatal to the whole run.
	Validate(ctx context.Context) error
}

// Downloader fetches file bytes from a source location URL.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}
