package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// DefaultMaxFileSize caps downloads at 100 MB. Oversized files are skipped,
// not failed.
const DefaultMaxFileSize = 100 * 1024 * 1024

// Transferrer moves one file's bytes from the source location to the
// destination store and produces verification metadata. It is stateless;
// all durable bookkeeping lives in the ledger.
type Transferrer struct {
	downloader Downloader
	store      BlobStore
	maxSize    int64
}

// NewTransferrer creates a Transferrer. maxSize <= 0 selects the default cap.
func NewTransferrer(downloader Downloader, store BlobStore, maxSize int64) *Transferrer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Transferrer{
		downloader: downloader,
		store:      store,
		maxSize:    maxSize,
	}
}

// Download fetches the file bytes behind a location URL. Connection and
// timeout problems surface as NetworkFailure; content over the size cap
// surfaces as SizeLimitExceeded.
func (t *Transferrer) Download(ctx context.Context, url string) ([]byte, int64, error) {
	content, err := t.downloader.Download(ctx, url)
	if err != nil {
		return nil, 0, &TransferError{Kind: NetworkFailure, URL: url, Err: err}
	}
	size := int64(len(content))
	if size > t.maxSize {
		return nil, 0, &TransferError{
			Kind: SizeLimitExceeded,
			URL:  url,
			Err:  errTooLarge(size, t.maxSize),
		}
	}
	return content, size, nil
}

// ComputeHash returns the SHA-256 digest of content as lowercase hex.
// Identical bytes always produce the identical hash; this is the basis for
// change detection across runs.
func (t *Transferrer) ComputeHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Upload stores content under key and returns the resulting URL. Uploads
// overwrite, so repeating a key with the same bytes is safe.
func (t *Transferrer) Upload(ctx context.Context, key string, content []byte, fileName string) (string, error) {
	url, err := t.store.Put(ctx, key, content, fileName)
	if err != nil {
		return "", &TransferError{Kind: UploadFailure, URL: key, Err: err}
	}
	return url, nil
}

// Exists reports whether the destination already holds an object under key.
func (t *Transferrer) Exists(ctx context.Context, key string) (bool, error) {
	return t.store.Exists(ctx, key)
}

type sizeError struct {
	size, limit int64
}

func errTooLarge(size, limit int64) error {
	return &sizeError{size: size, limit: limit}
}

func (e *sizeError) Error() string {
	return "content size " + FormatSize(e.size) + " exceeds limit " + FormatSize(e.limit)
}
