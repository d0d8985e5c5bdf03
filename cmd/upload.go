package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/engine"
	"github.com/signalnine/repodock/internal/store"
)

var flagDeleteLocal bool

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Push committed environment images to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := loadWorkspace()
			if err != nil {
				return err
			}
			eng, err := engine.NewDocker()
			if err != nil {
				return err
			}
			summary, err := s.LoadSummary(store.StageSetup)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pushed, failed := 0, 0
			for id, rec := range summary {
				if !rec.Completed || rec.DockerImage == "" {
					continue
				}
				if err := eng.Push(ctx, rec.DockerImage); err != nil {
					fmt.Printf("%s: push failed: %v\n", id, err)
					failed++
					continue
				}
				pushed++
				if flagDeleteLocal {
					if err := eng.RemoveImage(ctx, rec.DockerImage); err != nil {
						fmt.Printf("%s: removing local image: %v\n", id, err)
					}
				}
			}
			fmt.Printf("pushed %d images (%d failed)\n", pushed, failed)
			if failed > 0 {
				return fmt.Errorf("%d images failed to push", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagDeleteLocal, "delete-local", false, "remove local images after a successful push")
	return cmd
}
