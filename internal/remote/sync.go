package remote

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jvs-project/jvb/internal/pipeline"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// Syncer pushes a local repository to a server. It only reads the local
// repository.
type Syncer struct {
	repo   *repo.Repo
	client *Client
	logger *logging.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(r *repo.Repo, client *Client, logger *logging.Logger) *Syncer {
	if logger == nil {
		logger = logging.Global()
	}
	return &Syncer{repo: r, client: client, logger: logger}
}

type upload struct {
	hash model.ContentHash
}

// Run uploads every local manifest the server lacks or holds with a
// different checksum. Manifests go oldest first, each one only after all
// of its objects are on the server. With Prune set, an error-free run then
// deletes server manifests that no longer exist locally.
func (s *Syncer) Run(ctx context.Context) (*model.SyncReport, error) {
	start := time.Now()
	report := &model.SyncReport{}
	retriesBefore := s.client.Retries()
	defer func() {
		report.Retries = s.client.Retries() - retriesBefore
		report.Duration = time.Since(start)
	}()

	remoteObjects, err := s.client.ListObjects(ctx)
	if err != nil {
		return report, err
	}
	have := sets.New(remoteObjects...)

	remoteManifests, err := s.client.ListManifests(ctx)
	if err != nil {
		return report, err
	}
	remoteSums := make(map[model.SnapshotID]model.HashValue, len(remoteManifests))
	for _, rm := range remoteManifests {
		remoteSums[rm.SnapshotID] = rm.Checksum
	}

	local, err := s.repo.Catalog.LoadAll()
	if err != nil {
		return report, err
	}
	s.logger.Info("sync started", map[string]any{
		"remote":           s.client.cfg.URL,
		"local_manifests":  len(local),
		"remote_manifests": len(remoteManifests),
		"remote_objects":   have.Len(),
	})

	localIDs := sets.New[model.SnapshotID]()
	for _, m := range local {
		localIDs.Insert(m.SnapshotID)
		if sum, ok := remoteSums[m.SnapshotID]; ok && sum == m.Checksum {
			continue
		}

		missing := sets.New(m.Hashes()...).Difference(have)
		if missing.Len() > 0 {
			if err := s.uploadObjects(ctx, sets.List(missing), report); err != nil {
				s.logger.ErrorErr("object upload failed, manifest not sent", err)
				return report, err
			}
			have = have.Union(missing)
		}

		raw, err := s.repo.Catalog.Raw(m.SnapshotID)
		if err != nil {
			return report, err
		}
		if err := s.client.PutManifest(ctx, m.SnapshotID, raw); err != nil {
			return report, err
		}
		report.ManifestsUploaded++
		s.logger.Debug("manifest uploaded", map[string]any{"snapshot_id": string(m.SnapshotID), "objects": missing.Len()})
	}

	if s.client.cfg.Prune {
		for _, rm := range remoteManifests {
			if localIDs.Has(rm.SnapshotID) {
				continue
			}
			if err := s.client.DeleteManifest(ctx, rm.SnapshotID); err != nil {
				return report, err
			}
			report.ManifestsPruned++
		}
	}

	s.logger.Info("sync complete", map[string]any{
		"objects_uploaded":   report.ObjectsUploaded,
		"manifests_uploaded": report.ManifestsUploaded,
		"manifests_pruned":   report.ManifestsPruned,
	})
	return report, nil
}

func (s *Syncer) uploadObjects(ctx context.Context, hashes []model.ContentHash, report *model.SyncReport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make([]upload, len(hashes))
	for i, h := range hashes {
		tasks[i] = upload{hash: h}
	}
	workers := s.client.cfg.Concurrency
	outcomes, err := pipeline.Run(ctx, workers, workers*2, tasks, func(ctx context.Context, u upload) (int64, error) {
		framed, err := s.repo.Store.ReadRaw(ctx, u.hash)
		if err != nil {
			return 0, err
		}
		if err := s.client.PutObject(ctx, u.hash, framed); err != nil {
			// One fatal failure dooms the manifest; stop the rest.
			cancel()
			return 0, err
		}
		return int64(len(framed)), nil
	})

	var errs, canceled error
	for _, o := range outcomes {
		switch {
		case o.Err == nil:
			report.ObjectsUploaded++
			report.BytesUploaded += o.Result
		case errors.Is(o.Err, context.Canceled):
			canceled = o.Err
		default:
			errs = multierr.Append(errs, o.Err)
		}
	}
	if errs != nil {
		return errs
	}
	if canceled != nil {
		return canceled
	}
	return err
}
