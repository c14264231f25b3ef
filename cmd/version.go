package cmd

import (
	"fmt"

	"github.com/shiroyk/esmgraph/lib"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%v\n esmgraph %v/%v\n", lib.Banner, lib.Version, lib.CommitSHA)
		},
	})
}
