// Package jvb provides a high-level library API for JVB, a deduplicating
// backup engine.
//
// This package is the integration point for external consumers. It wraps the
// internal packages into a small, stable API and takes care of the ambient
// concerns every operation needs: the repository lease lock, the audit log,
// structured logging and metrics.
//
// # Concurrency Safety
//
//   - Every mutating operation (Backup, GC, Sync, Restore, Verify) holds the
//     repository lease lock for its duration. A second operation on the same
//     repository, from this or another process, fails fast with
//     errclass.ErrLockConflict instead of waiting.
//
//   - Serve holds the lease for the lifetime of the server, so no local GC
//     can run against a repository that is receiving uploads.
//
//   - Snapshots and Check only read committed manifests and never take the
//     lock.
//
// # Usage
//
//	client, err := jvb.OpenOrInit(repoPath)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	report, err := client.Backup(ctx, "/srv/data", jvb.BackupOptions{
//	    Note: "nightly",
//	    Tags: []string{"auto"},
//	})
//
//	// Apply the configured retention policy and reclaim unreferenced objects.
//	client.GC(ctx, jvb.GCOptions{})
//
//	// Mirror to the configured remote.
//	client.Sync(ctx)
package jvb
