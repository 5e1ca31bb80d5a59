package commands

import (
	"github.com/spf13/cobra"

	"github.com/ManveerAnand/articulate3D/cmd/articulate/internal/build"
	"github.com/ManveerAnand/articulate3D/pkg/cli"
)

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cli.OutputOptions{Format: cli.OutputFormat(versionFormat), Writer: cmd.OutOrStdout()}
		if versionFormat == "text" {
			if err := cli.Output(build.String(), out); err != nil {
				return err
			}
			if IsVerbose() {
				path := "(defaults)"
				if cfg := GetConfig(); cfg != nil && cfg.Path != "" {
					path = cfg.Path
				}
				return cli.Output("  config: "+path, out)
			}
			return nil
		}
		return cli.Output(build.Get(), out)
	},
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(versionCmd)
}
