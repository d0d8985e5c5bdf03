// Package batch schedules instances across a bounded worker pool and owns
// the per-instance pipeline: fetch, setup trials, organize, persist.
package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/engine"
	"github.com/signalnine/repodock/internal/gitops"
	"github.com/signalnine/repodock/internal/index"
	"github.com/signalnine/repodock/internal/instance"
	"github.com/signalnine/repodock/internal/llm"
	"github.com/signalnine/repodock/internal/organize"
	"github.com/signalnine/repodock/internal/planner"
	"github.com/signalnine/repodock/internal/store"
	"github.com/signalnine/repodock/internal/telemetry"
	"github.com/signalnine/repodock/internal/trial"
)

// Tally summarizes a batch run.
type Tally struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Options wires the scheduler. NewPlanner is called once per instance so
// token usage is attributed per instance; Fetch and SelectImage default to
// the git and model-backed implementations and exist as seams for tests.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Index     *index.Index
	Engine    engine.Engine
	Instances []instance.Instance
	Logger    *log.Logger

	NewPlanner  func() (planner.Planner, llm.Client, error)
	Fetch       func(ctx context.Context, url, commit, dir string) error
	SelectImage func(ctx context.Context, client llm.Client, in instance.Instance) (string, error)
}

func (o *Options) fetch() func(context.Context, string, string, string) error {
	if o.Fetch != nil {
		return o.Fetch
	}
	return gitops.CloneAndCheckout
}

func (o *Options) selectImage() func(context.Context, llm.Client, instance.Instance) (string, error) {
	if o.SelectImage != nil {
		return o.SelectImage
	}
	return planner.SelectBaseImage
}

// Run processes every instance through the enabled stages with at most
// max_workers in flight. It always runs every instance to completion; the
// returned error only covers scheduler-level failures.
func Run(ctx context.Context, opts Options) (Tally, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	cloneRoot, err := os.MkdirTemp("", "repodock-clones-")
	if err != nil {
		return Tally{}, fmt.Errorf("creating clone root: %w", err)
	}
	defer os.RemoveAll(cloneRoot)

	var (
		mu    sync.Mutex
		tally Tally
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, cfg.MaxWorkers)
submit:
	for _, in := range opts.Instances {
		// Cancellation stops dequeuing; workers already running finish
		// and persist their records. The ctx check comes first so a
		// cancelled batch never picks the free-semaphore select arm.
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break submit
		}
		wg.Add(1)
		go func(in instance.Instance) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := runOne(ctx, opts, logger, cloneRoot, in)
			mu.Lock()
			switch outcome {
			case outcomeOK:
				tally.Succeeded++
			case outcomeSkipped:
				tally.Skipped++
			default:
				tally.Failed++
			}
			mu.Unlock()
		}(in)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		logger.Printf("batch cancelled after %d succeeded, %d failed, %d skipped: %v",
			tally.Succeeded, tally.Failed, tally.Skipped, err)
		return tally, err
	}
	logger.Printf("batch done: %d succeeded, %d failed, %d skipped",
		tally.Succeeded, tally.Failed, tally.Skipped)
	return tally, nil
}

type outcomeClass int

const (
	outcomeOK outcomeClass = iota
	outcomeFailed
	outcomeSkipped
)

// runOne is the whole pipeline for one instance. Every path writes a result
// record before returning, after the instance's sessions are gone.
func runOne(ctx context.Context, opts Options, logger *log.Logger, cloneRoot string, in instance.Instance) outcomeClass {
	cfg := opts.Config
	ctx, span := telemetry.Tracer().Start(ctx, "instance")
	defer span.End()

	prior, err := opts.Store.ReadResult(in.InstanceID)
	if err != nil && !os.IsNotExist(err) {
		logger.Printf("%s: reading prior result: %v", in.InstanceID, err)
		return outcomeFailed
	}

	setupDone := prior != nil && prior.Completed
	organizeDone := prior != nil && prior.OrganizeCompleted != nil && *prior.OrganizeCompleted
	needSetup := cfg.Mode.Setup && (!setupDone || cfg.Overwrite)
	needOrganize := cfg.Mode.Organize && (!organizeDone || cfg.Overwrite)
	if !needSetup && !needOrganize {
		logger.Printf("%s: already done, skipping", in.InstanceID)
		return outcomeSkipped
	}

	if err := opts.Store.WriteInstance(in); err != nil {
		logger.Printf("%s: writing instance: %v", in.InstanceID, err)
		return outcomeFailed
	}
	instLogger, closeLog := instanceLogger(opts.Store, in.InstanceID, logger)
	defer closeLog()

	p, client, err := opts.NewPlanner()
	if err != nil {
		logger.Printf("%s: building planner: %v", in.InstanceID, err)
		return outcomeFailed
	}

	rec := prior
	if needSetup {
		rec = runSetupStage(ctx, opts, instLogger, cloneRoot, in, p, client)
		recordTokens(rec, client)
		if err := opts.Store.WriteResult(store.StageSetup, rec); err != nil {
			logger.Printf("%s: writing result: %v", in.InstanceID, err)
			return outcomeFailed
		}
		upsertIndex(opts, logger, rec, string(store.StageSetup))
		if !rec.Completed {
			logger.Printf("%s: setup did not complete (%s)", in.InstanceID, rec.Exception)
			return outcomeFailed
		}
		logger.Printf("%s: setup complete, image %s", in.InstanceID, rec.DockerImage)
	}

	if needOrganize {
		if rec == nil || !rec.Completed || rec.DockerImage == "" {
			logger.Printf("%s: organize requires a completed setup record, skipping", in.InstanceID)
			return outcomeSkipped
		}
		runOrganizeStage(ctx, opts, instLogger, in, p, rec)
		recordTokens(rec, client)
		if err := opts.Store.WriteResult(store.StageOrganize, rec); err != nil {
			logger.Printf("%s: writing organize result: %v", in.InstanceID, err)
			return outcomeFailed
		}
		upsertIndex(opts, logger, rec, string(store.StageOrganize))
		if rec.OrganizeCompleted == nil || !*rec.OrganizeCompleted {
			logger.Printf("%s: organize did not complete", in.InstanceID)
			return outcomeFailed
		}
		logger.Printf("%s: organize complete (%d tests)", in.InstanceID, len(rec.TestStatus))
	}
	return outcomeOK
}

// runSetupStage fetches the repo and runs the trial loop. It always returns
// a record; failures are recorded, not returned.
func runSetupStage(ctx context.Context, opts Options, instLogger *log.Logger, cloneRoot string, in instance.Instance, p planner.Planner, client llm.Client) *store.ResultRecord {
	cfg := opts.Config
	start := time.Now()
	rec := &store.ResultRecord{
		InstanceID:    in.InstanceID,
		SetupCommands: []string{},
		TestCommands:  []string{},
	}
	finish := func() *store.ResultRecord {
		rec.Duration = int(time.Since(start).Seconds())
		return rec
	}

	repoDir := filepath.Join(cloneRoot, in.InstanceID)
	if err := opts.fetch()(ctx, in.CloneURL(), in.BaseCommit, repoDir); err != nil {
		rec.Exception = err.Error()
		return finish()
	}
	structure, err := gitops.Structure(repoDir)
	if err != nil {
		rec.Exception = err.Error()
		return finish()
	}
	baseImage, err := opts.selectImage()(ctx, client, in)
	if err != nil {
		rec.Exception = err.Error()
		return finish()
	}
	rec.BaseImage = baseImage

	out := trial.Run(ctx, trial.Options{
		Instance:      in,
		Config:        cfg,
		Engine:        opts.Engine,
		Planner:       p,
		BaseImage:     baseImage,
		RepoDir:       repoDir,
		RepoStructure: structure,
		Logger:        instLogger,
	})
	rec.SetupCommands = out.SetupCommands
	rec.TestCommands = out.TestCommands
	switch out.Kind {
	case trial.Accepted:
		rec.Completed = true
		rec.DockerImage = out.ImageRef
	case trial.Exception:
		rec.Exception = out.Err.Error()
	default:
		rec.Exception = out.Reason
	}
	return finish()
}

// runOrganizeStage mutates rec in place with the organize outcome.
func runOrganizeStage(ctx context.Context, opts Options, instLogger *log.Logger, in instance.Instance, p planner.Planner, rec *store.ResultRecord) {
	ctx, span := telemetry.Tracer().Start(ctx, "organize")
	defer span.End()

	start := time.Now()
	// A rerun must not inherit a prior attempt's organize output.
	rec.OrganizeCompleted = nil
	rec.OrganizeDuration = 0
	rec.RebuildCommands = nil
	rec.Parse = ""
	rec.TestStatus = nil
	rec.PerTestCommand = nil

	res := organize.Run(ctx, organize.Options{
		Instance:      in,
		Config:        opts.Config,
		Engine:        opts.Engine,
		Planner:       p,
		ImageRef:      rec.DockerImage,
		SetupCommands: rec.SetupCommands,
		TestCommands:  rec.TestCommands,
		Logger:        instLogger,
	})
	completed := res.Completed
	rec.OrganizeCompleted = &completed
	rec.OrganizeDuration = int(time.Since(start).Seconds())
	if !res.Completed {
		if res.Err != nil {
			rec.Exception = res.Err.Error()
		} else if res.Reason != "" {
			rec.Exception = res.Reason
		}
		return
	}
	rec.RebuildCommands = res.RebuildCommands
	rec.TestCommands = res.TestCommands
	rec.Parse = res.ParseScript
	rec.TestStatus = res.TestStatus
	if res.PerTestCommand != "" {
		pertest := res.PerTestCommand
		rec.PerTestCommand = &pertest
	}
}

func recordTokens(rec *store.ResultRecord, client llm.Client) {
	if reporter, ok := client.(llm.UsageReporter); ok {
		u := reporter.Usage()
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
	}
}

func upsertIndex(opts Options, logger *log.Logger, rec *store.ResultRecord, stage string) {
	if opts.Index == nil {
		return
	}
	completed := rec.Completed
	if stage == string(store.StageOrganize) {
		completed = rec.OrganizeCompleted != nil && *rec.OrganizeCompleted
	}
	err := opts.Index.Upsert(index.Entry{
		InstanceID: rec.InstanceID,
		Stage:      stage,
		Completed:  completed,
		Image:      rec.DockerImage,
	})
	if err != nil {
		logger.Printf("%s: updating index: %v", rec.InstanceID, err)
	}
}

// instanceLogger logs a worker's progress into the instance workspace, so
// interleaved batch output never obscures what one instance did.
func instanceLogger(s *store.Store, instanceID string, fallback *log.Logger) (*log.Logger, func()) {
	path := filepath.Join(s.InstanceDir(instanceID), "setup.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fallback.Printf("%s: opening setup.log: %v", instanceID, err)
		return fallback, func() {}
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }
}
