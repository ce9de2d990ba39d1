package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/jvb/pkg/config"
	"github.com/jvs-project/jvb/pkg/jvb"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config <command>",
		Short: "Inspect repository configuration",
		Long: `Inspect the configuration stored in <repo>/config.yaml.

Available commands:
  show      - Show the effective configuration
  defaults  - Show the default configuration`,
		DisableFlagsInUseLine: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				return printConfig(cmd, opts, c.Config())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Show the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig(cmd, opts, config.Default())
		},
	})
	return cmd
}

func printConfig(cmd *cobra.Command, opts *globalOptions, cfg *config.Config) error {
	if opts.json {
		return outputJSON(cmd.OutOrStdout(), cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
