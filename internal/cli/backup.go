package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/jvb"
	"github.com/jvs-project/jvb/pkg/model"
)

// maxListedErrors caps the per-file errors printed after a run.
const maxListedErrors = 10

func newBackupCmd(opts *globalOptions) *cobra.Command {
	var (
		note      string
		tags      []string
		rehashAll bool
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "backup <source>",
		Short: "Snapshot a directory tree",
		Long: `Snapshot a directory tree into the repository.

Files whose size and modification time match the previous snapshot are
reused without being read. Use --rehash-all when the source filesystem has
coarse timestamps or files may be rewritten in place within one tick.

Unreadable files are recorded and skipped. The snapshot is not committed when
more than backup.max_file_errors files fail, or when the run is interrupted.

Examples:
  jvb backup /srv/data
  jvb backup /srv/data --note "before upgrade" --tag release`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				cb, done := opts.progressFor(cmd, "backup")
				rep, err := c.Backup(cmd.Context(), args[0], jvb.BackupOptions{
					Note:      note,
					Tags:      tags,
					RehashAll: rehashAll,
					Workers:   workers,
					Progress:  cb,
				})
				done()
				if rep == nil {
					return err
				}
				if opts.json {
					if jerr := outputJSON(cmd.OutOrStdout(), rep); jerr != nil {
						return jerr
					}
					return err
				}
				printRunReport(cmd.OutOrStdout(), rep)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&note, "note", "m", "", "note attached to the snapshot")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag for the snapshot (repeatable)")
	cmd.Flags().BoolVar(&rehashAll, "rehash-all", false, "read every file instead of trusting size and mtime")
	cmd.Flags().IntVar(&workers, "workers", 0, "hashing workers (default from config)")
	return cmd
}

func printRunReport(w io.Writer, rep *model.RunReport) {
	if rep.Committed {
		fmt.Fprintf(w, "Snapshot %s committed\n", color.SnapshotID(string(rep.SnapshotID)))
	} else {
		fmt.Fprintf(w, "Snapshot %s %s, nothing committed\n", rep.SnapshotID, color.Status(rep.Status))
	}
	fmt.Fprintf(w, "  Files:   %d scanned, %d unchanged, %d new objects, %d deduplicated, %d failed\n",
		rep.Scanned, rep.Reused, rep.Stored, rep.Deduplicated, rep.Failed)
	fmt.Fprintf(w, "  Bytes:   %s read, %s stored, %s saved by deduplication\n",
		humanSize(rep.BytesRead), humanSize(rep.BytesStored), humanSize(rep.BytesSaved))
	fmt.Fprintf(w, "  Elapsed: %s\n", rep.Duration.Round(time.Millisecond))

	for i, fe := range rep.Errors {
		if i == maxListedErrors {
			fmt.Fprintf(w, "  ... and %d more errors\n", len(rep.Errors)-maxListedErrors)
			break
		}
		fmt.Fprintf(w, "  %s %s: %s\n", color.Warning(fe.Kind), fe.Path, fe.Error)
	}
}
