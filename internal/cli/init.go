package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/jvb"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Create a new repository",
		Long: `Create a new JVB repository at the given path.

Creates the object store, manifest catalog, a default config.yaml and a
unique repository ID. The directory is created if it does not exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := jvb.Init(args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			if opts.json {
				return outputJSON(cmd.OutOrStdout(), map[string]string{
					"repo_root": c.Root(),
					"repo_id":   c.RepoID(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized JVB repository in %s\n", c.Root())
			fmt.Fprintf(cmd.OutOrStdout(), "  Repo ID: %s\n", c.RepoID())
			return nil
		},
	}
}
