package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/jvb"
)

func newGCCmd(opts *globalOptions) *cobra.Command {
	var (
		dryRun     bool
		keepLast   int
		keepWithin time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Apply the retention policy and reclaim space",
		Long: `Delete snapshots the retention policy no longer keeps, then delete every
object no remaining snapshot references.

A snapshot is kept when it is among the --keep-last newest or younger than
--keep-within. Without either flag the retention_policy section of
config.yaml applies. An interrupted GC is finished before a new one starts.

Examples:
  jvb gc --dry-run
  jvb gc --keep-last 7 --keep-within 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				report, err := c.GC(cmd.Context(), jvb.GCOptions{
					KeepLast:   keepLast,
					KeepWithin: keepWithin,
					DryRun:     dryRun,
				})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), report)
				}
				printGCReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be deleted without deleting")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the N newest snapshots")
	cmd.Flags().DurationVar(&keepWithin, "keep-within", 0, "keep snapshots younger than this")
	return cmd
}

func printGCReport(w io.Writer, r *jvb.GCReport) {
	if r.Resumed != nil {
		fmt.Fprintf(w, "%s interrupted GC %s: %d snapshots, %d objects, %s reclaimed\n",
			color.Warning("Finished"), r.Resumed.PlanID, r.Resumed.ManifestsDeleted,
			r.Resumed.ObjectsDeleted, humanSize(r.Resumed.BytesReclaimed))
	}
	p := r.Plan
	if r.Result == nil {
		fmt.Fprintf(w, "GC plan (dry run)\n")
		fmt.Fprintf(w, "  Retained:    %d snapshots\n", len(p.Retained))
		fmt.Fprintf(w, "  To delete:   %d snapshots\n", len(p.ToDelete))
		for _, id := range p.ToDelete {
			fmt.Fprintf(w, "    %s\n", color.Dim(string(id)))
		}
		fmt.Fprintf(w, "  Reclaimable: %d objects, %s\n", p.ReclaimableObjects, humanSize(p.ReclaimableBytes))
		return
	}
	res := r.Result
	fmt.Fprintf(w, "%s GC %s\n", color.Success("Completed"), res.PlanID)
	fmt.Fprintf(w, "  Snapshots deleted: %d (%d retained)\n", res.ManifestsDeleted, len(p.Retained))
	fmt.Fprintf(w, "  Objects deleted:   %d\n", res.ObjectsDeleted)
	fmt.Fprintf(w, "  Reclaimed:         %s\n", humanSize(res.BytesReclaimed))
	if res.IntentsCleared > 0 || res.TempFilesCleared > 0 {
		fmt.Fprintf(w, "  Cleaned up:        %d stale intents, %d temp files\n", res.IntentsCleared, res.TempFilesCleared)
	}
}
