package main

import (
	"fmt"

	"github.com/marmos91/mirrorfs/pkg/config"
	"github.com/spf13/cobra"
)

var listTypes bool

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Validate the configured volume graph and print it as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if listTypes {
			for _, t := range config.DefaultRegistry(nil).Types() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return config.DumpGraph(cmd.OutOrStdout(), cfg.Volume)
	},
}

func init() {
	graphCmd.Flags().BoolVar(&listTypes, "types", false, "list the translator types instead")
}
