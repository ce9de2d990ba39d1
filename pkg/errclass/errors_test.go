package errclass_test

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJVSError_Error(t *testing.T) {
	err := errclass.ErrObjectNotFound.WithMessage("object ab12 missing")
	assert.Equal(t, "E_OBJECT_NOT_FOUND: object ab12 missing", err.Error())
}

func TestJVSError_Error_WithoutMessage(t *testing.T) {
	err := &errclass.JVSError{Code: "E_TEST_ERROR"}
	assert.Equal(t, "E_TEST_ERROR", err.Error())
}

func TestJVSError_Is(t *testing.T) {
	err := errclass.ErrLockConflict.WithMessage("specific message")
	require.True(t, errors.Is(err, errclass.ErrLockConflict))
	require.False(t, errors.Is(err, errclass.ErrLockExpired))
}

func TestJVSError_Is_ThroughFmtWrap(t *testing.T) {
	inner := errclass.ErrStorageIO.WithMessage("rename failed")
	wrapped := fmt.Errorf("commit manifest: %w", inner)
	assert.True(t, errors.Is(wrapped, errclass.ErrStorageIO))
	assert.False(t, errors.Is(wrapped, errclass.ErrFileRead))
}

func TestJVSError_Wrap(t *testing.T) {
	err := errclass.ErrFileRead.Wrap(fs.ErrNotExist, "read %s", "docs/a.txt")

	assert.Equal(t, "E_FILE_READ: read docs/a.txt: file does not exist", err.Error())
	assert.True(t, errors.Is(err, errclass.ErrFileRead))
	assert.True(t, errors.Is(err, fs.ErrNotExist), "cause must stay reachable")
}

func TestJVSError_Wrap_NilCause(t *testing.T) {
	err := errclass.ErrRemoteFatal.Wrap(nil, "status %d", 401)
	assert.Equal(t, "E_REMOTE_FATAL: status 401", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestJVSError_WithMessagef(t *testing.T) {
	base := errclass.ErrGCPlanMismatch
	err := base.WithMessagef("%s: %d snapshots affected", "plan1", 42)

	assert.Equal(t, "E_GC_PLAN_MISMATCH", err.Code)
	assert.Equal(t, "plan1: 42 snapshots affected", err.Message)
	assert.Empty(t, base.Message, "base error must stay unchanged")
}

func TestJVSError_CodesUnique(t *testing.T) {
	all := []*errclass.JVSError{
		errclass.ErrFileRead,
		errclass.ErrObjectNotFound,
		errclass.ErrObjectCorrupt,
		errclass.ErrStorageIO,
		errclass.ErrRemoteTransient,
		errclass.ErrRemoteFatal,
		errclass.ErrManifestCorrupt,
		errclass.ErrIndexInconsistent,
		errclass.ErrRunFailed,
		errclass.ErrRunInterrupted,
		errclass.ErrGCPlanMismatch,
		errclass.ErrRetentionInvalid,
		errclass.ErrLockConflict,
		errclass.ErrLockNotHeld,
		errclass.ErrLockExpired,
		errclass.ErrNameInvalid,
		errclass.ErrPathEscape,
		errclass.ErrFormatUnsupported,
		errclass.ErrAuditChainBroken,
		errclass.ErrStaleBackup,
		errclass.ErrRepoNotFound,
		errclass.ErrSnapshotNotFound,
	}
	seen := make(map[string]bool)
	for _, e := range all {
		assert.False(t, seen[e.Code], "duplicate code %s", e.Code)
		seen[e.Code] = true
	}
}
