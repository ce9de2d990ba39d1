package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/internal/lock"
	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/jvb"
)

func newLockCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the repository lease",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show who holds the repository lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				state, rec, err := c.LockStatus()
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), map[string]any{"state": state, "record": rec})
				}
				w := cmd.OutOrStdout()
				switch state {
				case lock.StateFree:
					fmt.Fprintln(w, color.Success("free"))
					return nil
				case lock.StateExpired:
					fmt.Fprintln(w, color.Warning("expired"))
				default:
					fmt.Fprintln(w, color.Error("held"))
				}
				fmt.Fprintf(w, "  Purpose:  %s\n", rec.Purpose)
				fmt.Fprintf(w, "  Holder:   %s (pid %d)\n", rec.Hostname, rec.PID)
				fmt.Fprintf(w, "  Acquired: %s\n", rec.AcquiredAt.Local().Format(time.RFC3339))
				fmt.Fprintf(w, "  Expires:  %s\n", rec.ExpiresAt.Local().Format(time.RFC3339))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "break",
		Short: "Remove an expired lease left by a crashed process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				prev, err := c.BreakLock()
				if err != nil {
					return err
				}
				if prev == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No lease was held.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Broke lease held by %s (pid %d) for %s\n", prev.Hostname, prev.PID, prev.Purpose)
				return nil
			})
		},
	})
	return cmd
}
