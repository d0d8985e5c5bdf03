package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/instance"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the instances in the configured dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			instances, err := instance.LoadDataset(cfg.Dataset, cfg.FirstN)
			if err != nil {
				return err
			}
			for _, in := range instances {
				fmt.Printf("  - %s (%s @ %.12s, %s)\n", in.InstanceID, in.Repo, in.BaseCommit, in.Language)
			}
			fmt.Printf("%d instances\n", len(instances))
			return nil
		},
	}
}
