package cmd

import (
	"github.com/spf13/cobra"

	"github.com/umduru/umdu-haos-updater/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the add-on version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.Version())
	},
}
