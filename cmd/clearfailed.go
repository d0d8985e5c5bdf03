package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Remove workspace directories of instances that did not complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := loadWorkspace()
			if err != nil {
				return err
			}
			removed, err := s.ClearFailed()
			if err != nil {
				return err
			}
			for _, id := range removed {
				fmt.Printf("removed %s\n", id)
			}
			fmt.Printf("cleared %d failed instances\n", len(removed))
			return nil
		},
	}
}
