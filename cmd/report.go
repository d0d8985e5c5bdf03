package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/report"
)

var (
	flagFormat   string
	flagFailures bool
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize run results",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := loadWorkspace()
			if err != nil {
				return err
			}
			if err := report.Generate(s, flagFormat, os.Stdout); err != nil {
				return err
			}
			if !flagFailures {
				return nil
			}
			stage, err := parseStage(flagCollectStage)
			if err != nil {
				return err
			}
			failed, err := report.Failures(s, stage)
			if err != nil {
				return err
			}
			if len(failed) > 0 {
				fmt.Printf("\nFailed (%s):\n", stage)
				for _, rec := range failed {
					fmt.Printf("  %s: %s\n", rec.InstanceID, rec.Exception)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format: table, markdown or json")
	cmd.Flags().BoolVar(&flagFailures, "failures", false, "also list failed instances with their exceptions")
	cmd.Flags().StringVar(&flagCollectStage, "stage", "setup", "stage for the failure listing")
	return cmd
}
