// Package trial runs the bounded setup/verify control loop for one instance:
// a state machine per trial, repeated up to the trial limit, with exactly one
// live container session at a time.
package trial

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/signalnine/repodock/internal/budget"
	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/engine"
	"github.com/signalnine/repodock/internal/instance"
	"github.com/signalnine/repodock/internal/planner"
	"github.com/signalnine/repodock/internal/session"
	"github.com/signalnine/repodock/internal/telemetry"
)

// OutcomeKind tags the result of a trial (or of the whole loop).
type OutcomeKind string

const (
	// Accepted: verify confirmed the discovered setup works.
	Accepted OutcomeKind = "accepted"
	// Failed: setup or verify did not produce a working environment;
	// retryable until the trial limit.
	Failed OutcomeKind = "failed"
	// TimedOut: the phase deadline expired before the step count did.
	TimedOut OutcomeKind = "timeout"
	// Exception: the session or planner itself broke; not retryable.
	Exception OutcomeKind = "exception"
)

// Outcome is the tagged result of one trial. Only the final accepted (or
// last failed) outcome survives the loop.
type Outcome struct {
	Kind          OutcomeKind
	BaseImage     string
	ImageRef      string
	SetupCommands []string
	TestCommands  []string
	Reason        string
	Err           error
}

// Options configures one trial loop run. Engine and Planner are the two
// external collaborators; everything else is read-only input.
type Options struct {
	Instance      instance.Instance
	Config        *config.Config
	Engine        engine.Engine
	Planner       planner.Planner
	BaseImage     string
	RepoDir       string
	RepoStructure string
	Logger        *log.Logger
}

func (o *Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(io.Discard, "", 0)
}

// invalidActionObservation is fed back when a response did not parse; it
// costs a step, like any other action.
const invalidActionObservation = "Your reply did not contain a valid action. " +
	"Reply with exactly one action in the documented tag format."

// Run repeats the trial state machine up to max_trials, each trial on a
// fresh session. Every session created here is destroyed before Run returns,
// on success, failure and exception paths alike.
func Run(ctx context.Context, opts Options) Outcome {
	cfg := opts.Config
	logger := opts.logger()

	var feedback string
	var last Outcome
	for t := 1; t <= cfg.MaxTrials; t++ {
		logger.Printf("trial %d/%d starting (base image %s)", t, cfg.MaxTrials, opts.BaseImage)
		last = runTrial(ctx, opts, feedback)
		switch last.Kind {
		case Accepted:
			logger.Printf("trial %d accepted, image %s", t, last.ImageRef)
			return last
		case Exception:
			logger.Printf("trial %d abandoned: %v", t, last.Err)
			return last
		default:
			feedback = renderFeedback(last)
			logger.Printf("trial %d %s: %s", t, last.Kind, strings.SplitN(last.Reason, "\n", 2)[0])
		}
	}
	return last
}

// runTrial is one SETUP -> VERIFY pass. The session is scoped to this call:
// acquisition and release bracket everything, including the commit of an
// accepted environment.
func runTrial(ctx context.Context, opts Options, feedback string) (out Outcome) {
	cfg := opts.Config
	logger := opts.logger()
	ctx, span := telemetry.Tracer().Start(ctx, "trial")
	defer span.End()

	sess, err := session.New(ctx, opts.Engine, opts.BaseImage, opts.Instance.InstanceID, opts.RepoDir)
	if err != nil {
		return Outcome{Kind: Exception, BaseImage: opts.BaseImage, Err: err}
	}
	defer func() {
		if err := sess.Destroy(context.Background()); err != nil {
			logger.Printf("warning: destroying session: %v", err)
			if out.Kind == Accepted {
				// An accepted image is already committed; a failed destroy
				// must not retract the acceptance.
				out.Reason = fmt.Sprintf("session cleanup failed: %v", err)
			}
		}
	}()

	setupCommands, phaseOut := runSetup(ctx, opts, sess, feedback)
	if phaseOut != nil {
		phaseOut.SetupCommands = setupCommands
		return *phaseOut
	}

	testCommands, verifyOut := runVerify(ctx, opts, sess, setupCommands)
	verifyOut.SetupCommands = setupCommands
	verifyOut.TestCommands = testCommands
	if verifyOut.Kind != Accepted {
		return verifyOut
	}

	tag := fmt.Sprintf("%s_%s", opts.Instance.InstanceID, cfg.OS)
	ref, err := sess.Commit(ctx, cfg.ImagePrefix, tag)
	if err != nil {
		return Outcome{
			Kind:          Exception,
			BaseImage:     opts.BaseImage,
			SetupCommands: setupCommands,
			TestCommands:  testCommands,
			Err:           fmt.Errorf("committing accepted environment: %w", err),
		}
	}
	verifyOut.ImageRef = ref
	return verifyOut
}

// runSetup drives the planner until it signals done or the budget runs out.
// A nil second return means setup finished and verify should run.
func runSetup(ctx context.Context, opts Options, sess *session.Session, feedback string) ([]string, *Outcome) {
	cfg := opts.Config
	ctx, span := telemetry.Tracer().Start(ctx, "setup")
	defer span.End()
	b := budget.New(cfg.MaxStepsSetup, cfg.PhaseTimeout())

	var commands []string
	var history []planner.Step
	for {
		if err := b.Consume(); err != nil {
			return commands, &Outcome{
				Kind:      failureKind(b),
				BaseImage: opts.BaseImage,
				Reason:    summarizeFailure("setup step budget exhausted", history),
			}
		}
		action, err := opts.Planner.Decide(ctx, planner.Request{
			Instance:      opts.Instance,
			Phase:         planner.PhaseSetup,
			BaseImage:     opts.BaseImage,
			RepoStructure: opts.RepoStructure,
			History:       history,
			Feedback:      feedback,
			Remaining:     b.Remaining(),
		})
		if err != nil {
			return commands, &Outcome{Kind: Exception, BaseImage: opts.BaseImage, Err: err}
		}

		switch action.Kind {
		case planner.ActionFinish:
			return commands, nil
		case planner.ActionRun:
			commands = append(commands, action.Command)
			res, err := sess.SendCommand(ctx, action.Command, cfg.CommandTimeout())
			if err != nil {
				return commands, &Outcome{Kind: Exception, BaseImage: opts.BaseImage, Err: err}
			}
			history = append(history, planner.Step{Action: action, Observation: res.Observation()})
		default:
			history = append(history, planner.Step{Action: action, Observation: invalidActionObservation})
		}
	}
}

// runVerify re-executes discovered test commands from a clean perspective. A
// success report is only accepted when at least one test command actually
// ran and the last one exited zero; "declared success" without evidence is a
// failure.
func runVerify(ctx context.Context, opts Options, sess *session.Session, setupCommands []string) ([]string, Outcome) {
	cfg := opts.Config
	ctx, span := telemetry.Tracer().Start(ctx, "verify")
	defer span.End()
	b := budget.New(cfg.MaxStepsVerify, cfg.PhaseTimeout())

	var commands []string
	var history []planner.Step
	lastExit := -1
	for {
		if err := b.Consume(); err != nil {
			return commands, Outcome{
				Kind:      failureKind(b),
				BaseImage: opts.BaseImage,
				Reason:    summarizeFailure("verify step budget exhausted", history),
			}
		}
		action, err := opts.Planner.Decide(ctx, planner.Request{
			Instance:      opts.Instance,
			Phase:         planner.PhaseVerify,
			BaseImage:     opts.BaseImage,
			RepoStructure: opts.RepoStructure,
			SetupCommands: setupCommands,
			History:       history,
			Remaining:     b.Remaining(),
		})
		if err != nil {
			return commands, Outcome{Kind: Exception, BaseImage: opts.BaseImage, Err: err}
		}

		switch action.Kind {
		case planner.ActionReport:
			if action.Issue == "" && len(commands) > 0 && lastExit == 0 {
				return commands, Outcome{Kind: Accepted, BaseImage: opts.BaseImage}
			}
			reason := action.Issue
			switch {
			case reason != "":
			case len(commands) == 0:
				reason = "verify reported success without running any test command"
			default:
				reason = fmt.Sprintf("verify reported success but the last test command exited %d", lastExit)
			}
			return commands, Outcome{
				Kind:      Failed,
				BaseImage: opts.BaseImage,
				Reason:    summarizeFailure(reason, history),
			}
		case planner.ActionRun:
			commands = append(commands, action.Command)
			res, err := sess.SendCommand(ctx, action.Command, cfg.CommandTimeout())
			if err != nil {
				return commands, Outcome{Kind: Exception, BaseImage: opts.BaseImage, Err: err}
			}
			lastExit = res.ExitCode
			history = append(history, planner.Step{Action: action, Observation: res.Observation()})
		default:
			history = append(history, planner.Step{Action: action, Observation: invalidActionObservation})
		}
	}
}

func failureKind(b *budget.Budget) OutcomeKind {
	if b.Remaining() > 0 {
		return TimedOut
	}
	return Failed
}

// feedbackTail caps how much command output the next trial inherits; full
// history never crosses trials.
const feedbackTail = 4 * 1024

// renderFeedback turns a failed outcome into the bounded summary the next
// trial's planner sees: the failure reason plus the commands already tried,
// so partial progress is reused without replaying full history.
func renderFeedback(out Outcome) string {
	var b strings.Builder
	b.WriteString(out.Reason)
	if len(out.SetupCommands) > 0 {
		fmt.Fprintf(&b, "\nSetup commands tried in the failed attempt:\n%s", strings.Join(out.SetupCommands, "\n"))
	}
	if len(out.TestCommands) > 0 {
		fmt.Fprintf(&b, "\nTest commands tried in the failed attempt:\n%s", strings.Join(out.TestCommands, "\n"))
	}
	return b.String()
}

// summarizeFailure builds the bounded feedback carried into the next trial:
// the reason, the last executed command and the tail of its observation.
func summarizeFailure(reason string, history []planner.Step) string {
	var b strings.Builder
	b.WriteString(reason)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Action.Kind != planner.ActionRun {
			continue
		}
		obs := history[i].Observation
		if len(obs) > feedbackTail {
			obs = "..." + obs[len(obs)-feedbackTail:]
		}
		fmt.Fprintf(&b, "\nLast command: %s\nObservation:\n%s", history[i].Action.Command, obs)
		break
	}
	return b.String()
}
