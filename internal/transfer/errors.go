package transfer

import "errors"

// Transfer-level errors. A session that hits one of these is marked Failed
// and the coordinator returns to Idle without retrying.
var (
	ErrTransferBusy            = errors.New("transfer already in progress")
	ErrSessionIdentityMismatch = errors.New("begin names a different file than requested")
	ErrMissingChunks           = errors.New("missing chunks")
	ErrSizeMismatch            = errors.New("assembled size mismatch")
	ErrHashMismatch            = errors.New("sha-256 mismatch")
	ErrInactivityTimeout       = errors.New("transfer stalled")
	ErrCancelled               = errors.New("transfer cancelled")
	ErrNotAttached             = errors.New("no peer attached")
	ErrFileNotFound            = errors.New("file not found")
	ErrFileTooLarge            = errors.New("file too large for the wire format")
)

// ErrChunkOutOfRange reports a chunk index past the advertised total. The
// chunk is dropped and the session carries on.
var ErrChunkOutOfRange = errors.New("chunk index out of range")
