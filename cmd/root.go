package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/store"
)

const version = "0.1.0"

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "repodock",
		Short: "Turn repositories into reproducible, testable container environments",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "repodock.yaml", "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newCollectCmd())
	root.AddCommand(newUploadCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newClearFailedCmd())
	return root
}

func loadWorkspace() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(cfg.Workspace)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func indexPath(cfg *config.Config) string {
	return filepath.Join(cfg.Workspace, "run.db")
}
