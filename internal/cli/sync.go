package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/jvb"
)

func newSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror snapshots to the configured remote",
		Long: `Upload every snapshot the remote lacks, objects first. A snapshot is only
announced to the remote after all of its objects arrived. Network errors,
429 and 5xx responses are retried with exponential backoff.

The remote is configured in the remote section of config.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				rep, err := c.Sync(cmd.Context())
				if rep == nil {
					return err
				}
				if opts.json {
					if jerr := outputJSON(cmd.OutOrStdout(), rep); jerr != nil {
						return jerr
					}
					return err
				}
				w := cmd.OutOrStdout()
				if err == nil {
					fmt.Fprintf(w, "%s to %s\n", color.Success("Synced"), c.Config().Remote.URL)
				}
				fmt.Fprintf(w, "  Objects uploaded:   %d (%s)\n", rep.ObjectsUploaded, humanSize(rep.BytesUploaded))
				fmt.Fprintf(w, "  Snapshots uploaded: %d\n", rep.ManifestsUploaded)
				if rep.ManifestsPruned > 0 {
					fmt.Fprintf(w, "  Snapshots pruned:   %d\n", rep.ManifestsPruned)
				}
				if rep.Retries > 0 {
					fmt.Fprintf(w, "  Retries:            %d\n", rep.Retries)
				}
				return err
			})
		},
	}
}
