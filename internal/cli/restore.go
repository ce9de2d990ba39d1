package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/jvb"
)

func newRestoreCmd(opts *globalOptions) *cobra.Command {
	var (
		snapshot string
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "restore <target>",
		Short: "Restore a snapshot into a directory",
		Long: `Restore a snapshot into target, which must be missing or empty.

File contents, modes and modification times are restored. Ownership is
restored when running as root. --snapshot accepts a snapshot ID, an ID
prefix, a tag or a note prefix; the newest snapshot is restored by default.

Examples:
  jvb restore /tmp/restore
  jvb restore /tmp/restore --snapshot release`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				cb, done := opts.progressFor(cmd, "restore")
				res, err := c.Restore(cmd.Context(), args[0], jvb.RestoreOptions{
					Snapshot: snapshot,
					Workers:  workers,
					Progress: cb,
				})
				done()
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), res)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Restored %s into %s\n", color.SnapshotID(string(res.SnapshotID)), args[0])
				fmt.Fprintf(w, "  %d files (%s), %d directories, %d symlinks\n",
					res.Files, humanSize(res.Bytes), res.Dirs, res.Symlinks)
				if res.Skipped > 0 {
					fmt.Fprintf(w, "  %s %d entries not supported by the target\n", color.Warning("skipped"), res.Skipped)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&snapshot, "snapshot", "s", "", "snapshot ID, prefix, tag or note prefix")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel file writers (default from config)")
	return cmd
}
