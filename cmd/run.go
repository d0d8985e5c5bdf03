package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/repodock/internal/batch"
	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/engine"
	"github.com/signalnine/repodock/internal/index"
	"github.com/signalnine/repodock/internal/instance"
	"github.com/signalnine/repodock/internal/llm"
	"github.com/signalnine/repodock/internal/planner"
	"github.com/signalnine/repodock/internal/telemetry"
)

var (
	flagInstance  string
	flagFirstN    int
	flagWorkers   int
	flagOverwrite bool
	flagOrganize  bool
	flagSetupOnly bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch instances through the setup (and optionally organize) stages",
		RunE:  runBatch,
	}
	cmd.Flags().StringVar(&flagInstance, "instance", "", "run only instances matching this id or glob pattern")
	cmd.Flags().IntVar(&flagFirstN, "first-n", 0, "run only the first N instances of the dataset")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "override max concurrent workers")
	cmd.Flags().BoolVar(&flagOverwrite, "overwrite", false, "rerun instances that already have results")
	cmd.Flags().BoolVar(&flagOrganize, "organize", false, "also run the organize stage")
	cmd.Flags().BoolVar(&flagSetupOnly, "setup-only", false, "force setup stage only")
	return cmd
}

// applyRunFlags folds command line overrides into the loaded config.
func applyRunFlags(cfg *config.Config) {
	if flagFirstN > 0 {
		cfg.FirstN = flagFirstN
	}
	if flagWorkers > 0 {
		cfg.MaxWorkers = flagWorkers
	}
	if flagOverwrite {
		cfg.Overwrite = true
	}
	if flagOrganize {
		cfg.Mode.Organize = true
	}
	if flagSetupOnly {
		cfg.Mode = config.Mode{Setup: true}
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, s, err := loadWorkspace()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	instances, err := instance.LoadDataset(cfg.Dataset, cfg.FirstN)
	if err != nil {
		return err
	}
	instances, err = instance.Filter(instances, flagInstance)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("no instances selected")
	}

	apiKey, err := cfg.APIKey()
	if err != nil {
		return err
	}
	eng, err := engine.NewDocker()
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer shutdown(context.Background())

	ix, err := index.Open(indexPath(cfg))
	if err != nil {
		return err
	}
	defer ix.Close()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Printf("running %d instances (%d workers, setup=%v organize=%v)",
		len(instances), cfg.MaxWorkers, cfg.Mode.Setup, cfg.Mode.Organize)

	tally, err := batch.Run(ctx, batch.Options{
		Config:    cfg,
		Store:     s,
		Index:     ix,
		Engine:    eng,
		Instances: instances,
		Logger:    logger,
		NewPlanner: func() (planner.Planner, llm.Client, error) {
			client := llm.NewAnthropic(apiKey, cfg.Model)
			return planner.NewLLMPlanner(client), client, nil
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("done: %d succeeded, %d failed, %d skipped\n",
		tally.Succeeded, tally.Failed, tally.Skipped)
	return nil
}
