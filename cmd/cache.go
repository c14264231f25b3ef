package cmd

import (
	"fmt"

	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "manage the code cache",
}

var cacheListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "list the specifiers of the cached modules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openCodeCache(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		defer store.Close()
		specifiers, err := store.Specifiers()
		if err != nil {
			return err
		}
		for _, specifier := range specifiers {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), specifier)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [specifier...]",
	Short: "delete the code caches of the specifiers, all if none given",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCodeCache(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		defer store.Close()
		specifiers := args
		if len(specifiers) == 0 {
			if specifiers, err = store.Specifiers(); err != nil {
				return err
			}
		}
		if err = store.Delete(specifiers...); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d code caches\n", len(specifiers))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
