package commands

import (
	"github.com/spf13/cobra"

	"github.com/ManveerAnand/articulate3D/pkg/cli"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults are applied. Flags of the
worker and controller commands are not included.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Output(GetConfig(), cli.OutputOptions{
			Format: cli.OutputFormat(configFormat),
			Writer: cmd.OutOrStdout(),
		})
	},
}

func init() {
	configCmd.Flags().StringVar(&configFormat, "format", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(configCmd)
}
