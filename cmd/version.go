package cmd

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	//go:embed version.txt
	version string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the xenlink version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(version))
		},
	}
)

func init() {
	rootCmd.Version = strings.TrimSpace(version)
	rootCmd.AddCommand(versionCmd)
}
