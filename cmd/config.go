package cmd

import (
	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configGenArg string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if configGenArg != "" {
			return config.WriteConfig(configGenArg, config.DefaultConfig())
		}
		bytes, err := yaml.Marshal(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(bytes)
		return err
	},
}

func init() {
	configCmd.Flags().StringVarP(&configGenArg, "gen", "g", "", "generate default configuration file")
	rootCmd.AddCommand(configCmd)
}
