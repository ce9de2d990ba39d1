package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/jvb"
)

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify repository integrity",
		Long: `Check that every snapshot manifest is intact, every object it references
exists, and the audit log hash chain is unbroken. With --full every stored
object is also read back and rehashed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				rep, err := c.Verify(cmd.Context(), full)
				if err != nil {
					return err
				}
				if opts.json {
					if err := outputJSON(cmd.OutOrStdout(), rep); err != nil {
						return err
					}
				} else {
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "Checked %d snapshots, %d objects, %d audit records\n",
						rep.Manifests, rep.ObjectsChecked, rep.AuditRecords)
					for _, p := range rep.Problems {
						fmt.Fprintf(w, "  %s %s %s: %s\n", color.Error(p.Code), p.SnapshotID, p.Hash, p.Error)
					}
					if len(rep.Orphans) > 0 {
						fmt.Fprintf(w, "  %d unreferenced objects (reclaimed by the next gc)\n", len(rep.Orphans))
					}
					if rep.Healthy() {
						fmt.Fprintln(w, color.Success("Repository is healthy."))
					}
				}
				if !rep.Healthy() {
					return fmt.Errorf("%d integrity problems found", len(rep.Problems))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "read and rehash every stored object")
	return cmd
}

func newCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Fail when the newest backup is too old",
		Long: `Exit with status 2 when no snapshot is younger than
check.max_time_without_backups. Intended for monitoring and cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				latest, err := c.Check(cmd.Context())
				if opts.json {
					out := map[string]any{"fresh": err == nil}
					if latest != nil {
						out["snapshot_id"] = latest.SnapshotID
						out["created_at"] = latest.CreatedAt
					}
					if jerr := outputJSON(cmd.OutOrStdout(), out); jerr != nil {
						return jerr
					}
					return err
				}
				if err != nil {
					if !errors.Is(err, errclass.ErrStaleBackup) {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), color.Warning("Backups are stale."))
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Newest snapshot %s is %s old.\n",
					color.SnapshotID(string(latest.SnapshotID)), time.Since(latest.CreatedAt).Round(time.Second))
				return nil
			})
		},
	}
}
