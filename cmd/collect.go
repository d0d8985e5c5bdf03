package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/store"
)

var (
	flagCollectStage string
	flagCollectOut   string
)

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Rebuild a dataset of completed instances from the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := loadWorkspace()
			if err != nil {
				return err
			}
			stage, err := parseStage(flagCollectStage)
			if err != nil {
				return err
			}
			collected, err := s.Collect(stage)
			if err != nil {
				return err
			}
			if err := store.WriteCollected(flagCollectOut, collected); err != nil {
				return err
			}
			fmt.Printf("collected %d instances to %s\n", len(collected), flagCollectOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagCollectStage, "stage", "setup", "stage to collect (setup or organize)")
	cmd.Flags().StringVar(&flagCollectOut, "out", "collected.jsonl", "output dataset path")
	return cmd
}

func parseStage(s string) (store.Stage, error) {
	switch s {
	case string(store.StageSetup):
		return store.StageSetup, nil
	case string(store.StageOrganize):
		return store.StageOrganize, nil
	}
	return "", fmt.Errorf("unknown stage %q (want setup or organize)", s)
}
