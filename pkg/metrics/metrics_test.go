package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/jvb/pkg/metrics"
	"github.com/jvs-project/jvb/pkg/model"
)

func TestRecordBackup(t *testing.T) {
	r := metrics.NewRegistry()
	r.RecordBackup(&model.RunReport{
		Status:       model.RunComplete,
		Scanned:      10,
		Reused:       6,
		Stored:       3,
		Deduplicated: 1,
		BytesRead:    4096,
		BytesStored:  1024,
		Duration:     2 * time.Second,
		Errors:       []model.FileError{{Path: "a", Kind: "E_FILE_READ"}},
	})

	assert.Equal(t, 10.0, testutil.ToFloat64(r.FilesScanned))
	assert.Equal(t, 6.0, testutil.ToFloat64(r.FilesReused))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.ObjectsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ObjectsDeduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FileErrors.WithLabelValues("E_FILE_READ")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("backup", "complete")))
}

func TestRecordGCAndSync(t *testing.T) {
	r := metrics.NewRegistry()
	r.RecordGC(&model.GCResult{ManifestsDeleted: 2, ObjectsDeleted: 5, BytesReclaimed: 100})
	r.RecordSync(&model.SyncReport{ObjectsUploaded: 4, ManifestsUploaded: 1, Retries: 2}, errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.GCManifestsDeleted))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.GCObjectsDeleted))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.SyncObjectsUploaded))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.SyncRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("sync", "failed")))
}

func TestGatherer_PrivateRegistry(t *testing.T) {
	a := metrics.NewRegistry()
	b := metrics.NewRegistry()
	a.ObjectsStored.Inc()

	families, err := a.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ObjectsStored))
	assert.Same(t, metrics.Default(), metrics.Default())
}
