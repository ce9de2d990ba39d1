package errclass

import "fmt"

// JVSError is a stable, machine-readable error class.
type JVSError struct {
	Code    string
	Message string
	cause   error
}

func (e *JVSError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *JVSError) Is(target error) bool {
	t, ok := target.(*JVSError)
	return ok && e.Code == t.Code
}

// Unwrap returns the underlying cause, if any.
func (e *JVSError) Unwrap() error {
	return e.cause
}

// WithMessage returns a new JVSError with the same Code but a specific message.
func (e *JVSError) WithMessage(msg string) *JVSError {
	return &JVSError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new JVSError with a formatted message.
func (e *JVSError) WithMessagef(format string, args ...any) *JVSError {
	return &JVSError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new JVSError carrying err as its cause. The cause text is
// appended to the formatted message.
func (e *JVSError) Wrap(err error, format string, args ...any) *JVSError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &JVSError{Code: e.Code, Message: msg, cause: err}
}

// Stable error classes.
var (
	// Per-file read failure during a backup run. Recorded, never fatal on its own.
	ErrFileRead = &JVSError{Code: "E_FILE_READ"}
	// A referenced object is missing from the content store.
	ErrObjectNotFound = &JVSError{Code: "E_OBJECT_NOT_FOUND"}
	// A stored object does not decode to bytes matching its hash.
	ErrObjectCorrupt = &JVSError{Code: "E_OBJECT_CORRUPT"}
	// Write/rename failure in the repository.
	ErrStorageIO = &JVSError{Code: "E_STORAGE_IO"}

	ErrRemoteTransient = &JVSError{Code: "E_REMOTE_TRANSIENT"}
	ErrRemoteFatal     = &JVSError{Code: "E_REMOTE_FATAL"}

	ErrManifestCorrupt   = &JVSError{Code: "E_MANIFEST_CORRUPT"}
	ErrSnapshotNotFound  = &JVSError{Code: "E_SNAPSHOT_NOT_FOUND"}
	ErrIndexInconsistent = &JVSError{Code: "E_INDEX_INCONSISTENT"}
	ErrRunFailed         = &JVSError{Code: "E_RUN_FAILED"}
	ErrRunInterrupted    = &JVSError{Code: "E_RUN_INTERRUPTED"}
	ErrGCPlanMismatch    = &JVSError{Code: "E_GC_PLAN_MISMATCH"}
	ErrRetentionInvalid  = &JVSError{Code: "E_RETENTION_INVALID"}

	ErrLockConflict = &JVSError{Code: "E_LOCK_CONFLICT"}
	ErrLockNotHeld  = &JVSError{Code: "E_LOCK_NOT_HELD"}
	ErrLockExpired  = &JVSError{Code: "E_LOCK_EXPIRED"}

	ErrNameInvalid       = &JVSError{Code: "E_NAME_INVALID"}
	ErrPathEscape        = &JVSError{Code: "E_PATH_ESCAPE"}
	ErrFormatUnsupported = &JVSError{Code: "E_FORMAT_UNSUPPORTED"}
	ErrAuditChainBroken  = &JVSError{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrStaleBackup       = &JVSError{Code: "E_STALE_BACKUP"}
	ErrRepoNotFound      = &JVSError{Code: "E_REPO_NOT_FOUND"}
)
