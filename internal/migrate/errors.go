package migrate

import "fmt"

// AuthError means authentication against a remote system failed. Fatal to
// the whole run; nothing is processed after it.
type AuthError struct {
	System string // "source" or "store"
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.System, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PreconditionError means a run-level precondition failed (e.g. a full
// migration attempted with no prior backup). Fatal, aborts before mutation.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

// PersistenceError means the ledger itself failed. The ledger is the only
// durability mechanism, so this is run-fatal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransferErrorKind classifies a per-record transfer failure.
type TransferErrorKind int

const (
	// NetworkFailure covers connection and timeout problems on download.
	NetworkFailure TransferErrorKind = iota
	// SizeLimitExceeded means the content is over the configured maximum.
	// Callers treat this as a skip, not a hard failure.
	SizeLimitExceeded
	// UploadFailure covers destination-store errors.
	UploadFailure
)

func (k TransferErrorKind) String() string {
	switch k {
	case NetworkFailure:
		return "network_failure"
	case SizeLimitExceeded:
		return "size_limit_exceeded"
	case UploadFailure:
		return "upload_failure"
	default:
		return "unknown"
	}
}

// TransferError is a per-record failure during download, hash or upload.
// It never aborts the batch; the orchestrator logs it and moves on.
type TransferError struct {
	Kind TransferErrorKind
	URL  string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (%s): %v", e.Kind, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
