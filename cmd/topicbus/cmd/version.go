package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/topicbus/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of topicbus",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "topicbus v%s\n", app.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
