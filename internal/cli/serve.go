package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/jvb"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		listen string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept sync uploads from other repositories",
		Long: `Serve this repository as a sync remote over HTTP.

Clients authenticate with a bearer token, taken from --token or the
JVB_SERVE_TOKEN environment variable. The repository lease is held while
serving, so gc cannot run against it at the same time.

Examples:
  JVB_SERVE_TOKEN=secret jvb serve --listen :8420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("JVB_SERVE_TOKEN")
			}
			return opts.withClient(func(c *jvb.Client) error {
				if token == "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: serving without authentication")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s\n", c.Root(), listen)
				return c.Serve(cmd.Context(), listen, token)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8420", "address to listen on")
	cmd.Flags().StringVar(&token, "token", "", "bearer token clients must present")
	return cmd
}
