package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/index"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-instance run state from the workspace index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadWorkspace()
			if err != nil {
				return err
			}
			ix, err := index.Open(indexPath(cfg))
			if err != nil {
				return err
			}
			defer ix.Close()

			entries, err := ix.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no instances recorded yet")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tSTAGE\tCOMPLETED\tIMAGE\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n",
					e.InstanceID, e.Stage, e.Completed, e.Image,
					e.UpdatedAt.Local().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}
