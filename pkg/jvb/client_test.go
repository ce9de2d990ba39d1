package jvb_test

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/jvb/internal/audit"
	"github.com/jvs-project/jvb/internal/lock"
	"github.com/jvs-project/jvb/internal/scan"
	"github.com/jvs-project/jvb/pkg/config"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/jvb"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/metrics"
	"github.com/jvs-project/jvb/pkg/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	fs      afero.Fs
	client  *jvb.Client
	metrics *metrics.Registry
	src     *scan.Memory
	clock   time.Time
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()
	e := &env{fs: afero.NewMemMapFs(), metrics: metrics.NewRegistry(), src: scan.NewMemory("/data"), clock: t0}
	c, err := jvb.InitFS(e.fs, cfg)
	require.NoError(t, err)
	quiet := logging.NewLogger(logging.LevelError)
	quiet.SetOutput(io.Discard)
	c.SetLogger(quiet)
	c.SetMetrics(e.metrics)
	c.SetClock(func() time.Time { return e.clock })
	e.client = c
	return e
}

// backup commits a snapshot an hour after the previous one.
func (e *env) backup(t *testing.T, opts jvb.BackupOptions) *model.RunReport {
	t.Helper()
	e.clock = e.clock.Add(time.Hour)
	rep, err := e.client.BackupSource(context.Background(), e.src, opts)
	require.NoError(t, err)
	require.True(t, rep.Committed)
	return rep
}

func TestClient_BackupRestoreRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	e.src.Mkdir("docs", t0)
	e.src.WriteFile("docs/a.txt", []byte("alpha"), t0)
	e.src.WriteFile("docs/b.txt", []byte("alpha"), t0)
	e.src.WriteFile("c.txt", []byte("gamma"), t0)

	rep := e.backup(t, jvb.BackupOptions{Note: "first", Tags: []string{"nightly"}})
	assert.Equal(t, model.RunComplete, rep.Status)
	assert.Equal(t, 2, rep.Stored)
	assert.Equal(t, 1, rep.Deduplicated)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ObjectsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Runs.WithLabelValues("backup", "complete")))

	target := afero.NewMemMapFs()
	res, err := e.client.RestoreFS(context.Background(), target, jvb.RestoreOptions{Snapshot: "nightly"})
	require.NoError(t, err)
	assert.Equal(t, rep.SnapshotID, res.SnapshotID)
	assert.Equal(t, 3, res.Files)

	data, err := afero.ReadFile(target, "docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	records, err := audit.NewLog(e.fs).Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.EventTypeBackupCommit, records[0].EventType)
	assert.Equal(t, model.EventTypeRestore, records[1].EventType)

	// The lease is released after every operation.
	state, _, err := lock.NewManager(e.fs, model.DefaultLockPolicy()).Status()
	require.NoError(t, err)
	assert.Equal(t, lock.StateFree, state)
}

func TestClient_RestoreToHostKeepsSymlinkTargets(t *testing.T) {
	e := newEnv(t, nil)
	e.src.Mkdir("docs", t0)
	e.src.WriteFile("docs/a.txt", []byte("alpha"), t0)
	e.src.Symlink("rel", "docs/a.txt")
	e.src.Symlink("abs", "/var/lib/jvb-missing")
	e.backup(t, jvb.BackupOptions{})

	dir := filepath.Join(t.TempDir(), "restored")
	res, err := e.client.Restore(context.Background(), dir, jvb.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Symlinks)

	got, err := os.Readlink(filepath.Join(dir, "rel"))
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", got)
	got, err = os.Readlink(filepath.Join(dir, "abs"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/jvb-missing", got)

	data, err := os.ReadFile(filepath.Join(dir, "rel"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestClient_FailedBackupIsAudited(t *testing.T) {
	cfg := config.Default()
	cfg.Backup.MaxFileErrors = 0
	e := newEnv(t, cfg)
	e.src.WriteFile("ok.txt", []byte("ok"), t0)
	e.src.WriteFile("gone.txt", []byte("gone"), t0)
	e.src.FailOpen("gone.txt", io.ErrUnexpectedEOF)

	rep, err := e.client.BackupSource(context.Background(), e.src, jvb.BackupOptions{})
	assert.ErrorIs(t, err, errclass.ErrRunFailed)
	assert.False(t, rep.Committed)

	snaps, err := e.client.Snapshots(jvb.FilterOptions{})
	require.NoError(t, err)
	assert.Empty(t, snaps)

	records, err := audit.NewLog(e.fs).Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventTypeBackupAbort, records[0].EventType)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Runs.WithLabelValues("backup", "failed")))
}

func TestClient_LockConflict(t *testing.T) {
	e := newEnv(t, nil)
	e.src.WriteFile("a.txt", []byte("a"), t0)

	other := lock.NewManager(e.fs, model.DefaultLockPolicy())
	rec, err := other.Acquire("someone else")
	require.NoError(t, err)

	_, err = e.client.BackupSource(context.Background(), e.src, jvb.BackupOptions{})
	assert.ErrorIs(t, err, errclass.ErrLockConflict)
	_, err = e.client.GC(context.Background(), jvb.GCOptions{KeepLast: 1})
	assert.ErrorIs(t, err, errclass.ErrLockConflict)

	require.NoError(t, other.Release(rec.HolderNonce))
	e.backup(t, jvb.BackupOptions{})
}

// stallingSource runs hook when the builder opens the file at path.
type stallingSource struct {
	scan.Source
	path string
	hook func()
}

func (s stallingSource) Scan(ctx context.Context, fn scan.WalkFunc) error {
	return s.Source.Scan(ctx, func(rec scan.Record, err error) error {
		if err == nil && rec.Path == s.path {
			inner := rec
			rec = rec.WithOpener(func() (io.ReadCloser, error) {
				s.hook()
				return inner.Open()
			})
		}
		return fn(rec, err)
	})
}

func TestClient_BackupAfterLostLeaseCommitsNothing(t *testing.T) {
	e := newEnv(t, nil)
	e.src.WriteFile("a.txt", []byte("v1"), t0)
	first := e.backup(t, jvb.BackupOptions{})

	e.src.WriteFile("a.txt", []byte("v2"), t0.Add(time.Minute))
	e.src.WriteFile("b.txt", []byte("new"), t0)
	e.src.WriteFile("z.txt", []byte("last"), t0)

	// A second process, a day later, finds the lease expired, takes it
	// over and reclaims the objects this run has written so far.
	other, err := jvb.OpenFS(e.fs, nil)
	require.NoError(t, err)
	quiet := logging.NewLogger(logging.LevelError)
	quiet.SetOutput(io.Discard)
	other.SetLogger(quiet)
	other.SetMetrics(metrics.NewRegistry())
	other.SetClock(func() time.Time { return e.clock.Add(24 * time.Hour) })

	var gcReport *jvb.GCReport
	var gcErr error
	src := stallingSource{Source: e.src, path: "z.txt", hook: func() {
		gcReport, gcErr = other.GC(context.Background(), jvb.GCOptions{KeepLast: 1})
	}}

	e.clock = e.clock.Add(time.Hour)
	rep, err := e.client.BackupSource(context.Background(), src, jvb.BackupOptions{Workers: 1})
	assert.ErrorIs(t, err, errclass.ErrLockNotHeld)
	assert.False(t, rep.Committed)

	require.NoError(t, gcErr)
	require.NotNil(t, gcReport.Result)
	assert.Equal(t, 2, gcReport.Result.ObjectsDeleted)

	snaps, err := e.client.Snapshots(jvb.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, first.SnapshotID, snaps[0].SnapshotID)

	report, err := e.client.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
}

func TestClient_GCUsesConfiguredRetention(t *testing.T) {
	cfg := config.Default()
	cfg.RetentionPolicy.KeepLast = 1
	e := newEnv(t, cfg)
	for _, content := range []string{"v1", "v2", "v3"} {
		e.src.WriteFile("file.txt", []byte(content), e.clock)
		e.backup(t, jvb.BackupOptions{})
	}

	dry, err := e.client.GC(context.Background(), jvb.GCOptions{DryRun: true})
	require.NoError(t, err)
	assert.Nil(t, dry.Result)
	assert.Len(t, dry.Plan.ToDelete, 2)
	assert.Equal(t, 2, dry.Plan.ReclaimableObjects)

	snaps, err := e.client.Snapshots(jvb.FilterOptions{})
	require.NoError(t, err)
	assert.Len(t, snaps, 3)

	report, err := e.client.GC(context.Background(), jvb.GCOptions{})
	require.NoError(t, err)
	require.NotNil(t, report.Result)
	assert.Equal(t, 2, report.Result.ManifestsDeleted)
	assert.Equal(t, 2, report.Result.ObjectsDeleted)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.GCManifestsDeleted))

	snaps, err = e.client.Snapshots(jvb.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	vr, err := e.client.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, vr.Healthy())
	assert.Equal(t, 5, vr.AuditRecords)
}

func TestClient_GCRejectsInvalidPolicy(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.client.GC(context.Background(), jvb.GCOptions{KeepLast: -1})
	assert.ErrorIs(t, err, errclass.ErrRetentionInvalid)
}

func TestClient_SyncToServer(t *testing.T) {
	server := newEnv(t, nil)
	ts := httptest.NewServer(server.client.Handler("tok"))
	defer ts.Close()

	cfg := config.Default()
	cfg.Remote.URL = ts.URL
	cfg.Remote.Token = "tok"
	e := newEnv(t, cfg)
	e.src.WriteFile("a.txt", []byte("alpha"), t0)
	e.src.WriteFile("b.txt", []byte("beta"), t0)
	rep := e.backup(t, jvb.BackupOptions{})

	sr, err := e.client.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sr.ObjectsUploaded)
	assert.Equal(t, 1, sr.ManifestsUploaded)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.SyncManifestsUploaded))

	remote, err := server.client.Snapshot(string(rep.SnapshotID))
	require.NoError(t, err)
	assert.Len(t, remote.Entries, 2)

	again, err := e.client.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.ObjectsUploaded)
	assert.Zero(t, again.ManifestsUploaded)
}

func TestClient_SyncWithoutRemote(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.client.Sync(context.Background())
	assert.ErrorIs(t, err, errclass.ErrRemoteFatal)
}

func TestClient_Check(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.client.Check(context.Background())
	assert.ErrorIs(t, err, errclass.ErrStaleBackup)

	e.src.WriteFile("a.txt", []byte("a"), t0)
	rep := e.backup(t, jvb.BackupOptions{})

	latest, err := e.client.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rep.SnapshotID, latest.SnapshotID)

	e.clock = e.clock.Add(72 * time.Hour)
	_, err = e.client.Check(context.Background())
	assert.ErrorIs(t, err, errclass.ErrStaleBackup)
}
