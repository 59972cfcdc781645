package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	MBSVersion, MBSCommit, MBSDate string
)

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Display version, commit hash, build date, and other build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mbs version: %s\n", MBSVersion)
		fmt.Printf("Commit: %s\n", MBSCommit)
		fmt.Printf("Built: %s\n", MBSDate)
	},
}

func init() {
	rootCommand.AddCommand(versionCommand)
}
