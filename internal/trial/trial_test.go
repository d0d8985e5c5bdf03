package trial

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/engine"
	"github.com/signalnine/repodock/internal/instance"
	"github.com/signalnine/repodock/internal/planner"
)

func testConfig(maxTrials, maxSetup, maxVerify int) *config.Config {
	return &config.Config{
		MaxTrials:             maxTrials,
		MaxStepsSetup:         maxSetup,
		MaxStepsVerify:        maxVerify,
		MaxStepsOrganize:      20,
		TimeoutMinutes:        30,
		CommandTimeoutMinutes: 1,
		OS:                    "linux",
		ImagePrefix:           "repodock/dev",
	}
}

func testInstance() instance.Instance {
	return instance.Instance{InstanceID: "inst-1", Repo: "o/r", BaseCommit: "abc", Language: "python"}
}

func run(cmd string) planner.Action { return planner.Action{Kind: planner.ActionRun, Command: cmd} }
func finish() planner.Action        { return planner.Action{Kind: planner.ActionFinish} }
func report(issue string) planner.Action {
	return planner.Action{Kind: planner.ActionReport, Issue: issue}
}

func TestSingleTrialAccepted(t *testing.T) {
	fake := &engine.Fake{
		ExecFunc: func(cmd string) engine.ExecResult {
			return engine.ExecResult{Output: "1 passed", ExitCode: 0}
		},
	}
	p := planner.NewScripted(
		run("pip install -e ."),
		finish(),
		run("pytest -rA"),
		report(""),
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(1, 10, 10),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})

	if out.Kind != Accepted {
		t.Fatalf("kind: got %s, reason %q, err %v", out.Kind, out.Reason, out.Err)
	}
	if out.ImageRef != "repodock/dev:inst-1_linux" {
		t.Errorf("image ref: got %q", out.ImageRef)
	}
	if len(out.SetupCommands) != 1 || out.SetupCommands[0] != "pip install -e ." {
		t.Errorf("setup commands: %v", out.SetupCommands)
	}
	if len(out.TestCommands) != 1 || out.TestCommands[0] != "pytest -rA" {
		t.Errorf("test commands: %v", out.TestCommands)
	}
	if fake.LiveCount() != 0 {
		t.Errorf("%d sessions still live after Run", fake.LiveCount())
	}
	if len(fake.Commits) != 1 {
		t.Errorf("commits: %v", fake.Commits)
	}
}

func TestVerifyFailureRetriesWithFeedback(t *testing.T) {
	fake := &engine.Fake{
		ExecFunc: func(cmd string) engine.ExecResult {
			if cmd == "pytest" {
				return engine.ExecResult{Output: "2 failed", ExitCode: 1}
			}
			return engine.ExecResult{ExitCode: 0}
		},
	}
	p := planner.NewScripted(
		// trial 1: verify's test run exits non-zero, success report rejected
		run("pip install ."),
		finish(),
		run("pytest"),
		report(""),
		// trial 2: fixed invocation passes
		run("pip install -e '.[test]'"),
		finish(),
		run("pytest -rA"),
		report(""),
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(2, 10, 10),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})

	if out.Kind != Accepted {
		t.Fatalf("kind: got %s, reason %q", out.Kind, out.Reason)
	}
	// The accepted record reflects trial 2's commands only.
	if len(out.SetupCommands) != 1 || out.SetupCommands[0] != "pip install -e '.[test]'" {
		t.Errorf("setup commands: %v", out.SetupCommands)
	}
	if len(out.TestCommands) != 1 || out.TestCommands[0] != "pytest -rA" {
		t.Errorf("test commands: %v", out.TestCommands)
	}

	// Trial 2's setup planner calls carried failure feedback.
	sawFeedback := false
	for _, req := range p.Requests {
		if req.Phase == planner.PhaseSetup && req.Feedback != "" {
			sawFeedback = true
			if !strings.Contains(req.Feedback, "pytest") {
				t.Errorf("feedback missing failing command: %q", req.Feedback)
			}
		}
	}
	if !sawFeedback {
		t.Error("second trial saw no feedback")
	}
	// Two trials, two sessions, all destroyed.
	if got := len(fake.Handles()); got != 2 {
		t.Errorf("sessions created: %d, want 2", got)
	}
	if fake.LiveCount() != 0 {
		t.Errorf("%d sessions leaked", fake.LiveCount())
	}
	if fake.MaxLive() != 1 {
		t.Errorf("max simultaneous sessions: %d, want 1", fake.MaxLive())
	}
}

func TestSetupBudgetExhaustedKeepsPartialCommands(t *testing.T) {
	fake := &engine.Fake{}
	p := planner.NewScripted(
		run("c1"), run("c2"), run("c3"), run("c4"), run("c5"), run("c6"),
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(1, 5, 5),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})

	if out.Kind != Failed {
		t.Fatalf("kind: got %s", out.Kind)
	}
	if len(out.SetupCommands) != 5 {
		t.Errorf("partial commands: got %d, want 5 (%v)", len(out.SetupCommands), out.SetupCommands)
	}
	if len(fake.Execs) != 5 {
		t.Errorf("executed %d commands, want 5", len(fake.Execs))
	}
	if fake.LiveCount() != 0 {
		t.Error("session leaked after budget exhaustion")
	}
}

func TestEngineFailureAbandons(t *testing.T) {
	fake := &engine.Fake{FailExec: errors.New("daemon unreachable")}
	p := planner.NewScripted(run("ls"), run("never-reached"))
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(3, 10, 10),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})

	if out.Kind != Exception {
		t.Fatalf("kind: got %s", out.Kind)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "daemon unreachable") {
		t.Errorf("err: %v", out.Err)
	}
	// Abandoned immediately: no further trials despite max_trials=3.
	if got := len(fake.Handles()); got != 1 {
		t.Errorf("sessions created: %d, want 1", got)
	}
	if fake.LiveCount() != 0 {
		t.Error("session leaked on exception path")
	}
}

func TestPlannerErrorAbandons(t *testing.T) {
	fake := &engine.Fake{}
	p := planner.NewScripted()
	p.Err = errors.New("model API 500")
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(2, 10, 10),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})
	if out.Kind != Exception {
		t.Fatalf("kind: got %s", out.Kind)
	}
	if fake.LiveCount() != 0 {
		t.Error("session leaked on planner failure")
	}
}

func TestSuccessReportWithoutTestRunRejected(t *testing.T) {
	fake := &engine.Fake{}
	p := planner.NewScripted(
		finish(),   // setup claims done without doing anything
		report(""), // verify claims success without running a test
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(1, 5, 5),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})
	if out.Kind != Failed {
		t.Fatalf("kind: got %s", out.Kind)
	}
	if !strings.Contains(out.Reason, "without running any test command") {
		t.Errorf("reason: %q", out.Reason)
	}
	if len(fake.Commits) != 0 {
		t.Errorf("nothing should be committed, got %v", fake.Commits)
	}
}

func TestVerifyIssueReportedRetries(t *testing.T) {
	fake := &engine.Fake{
		ExecFunc: func(cmd string) engine.ExecResult { return engine.ExecResult{ExitCode: 0} },
	}
	p := planner.NewScripted(
		finish(),
		run("pytest"),
		report("pytest collected 0 items"),
		// trial 2
		run("pip install pytest"),
		finish(),
		run("pytest -rA"),
		report(""),
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(2, 5, 5),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})
	if out.Kind != Accepted {
		t.Fatalf("kind: got %s, reason %q", out.Kind, out.Reason)
	}
}

func TestRunEmitsTrialAndPhaseSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(prev)

	fake := &engine.Fake{
		ExecFunc: func(cmd string) engine.ExecResult { return engine.ExecResult{ExitCode: 0} },
	}
	p := planner.NewScripted(
		run("make"),
		finish(),
		run("make test"),
		report(""),
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(1, 10, 10),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})
	if out.Kind != Accepted {
		t.Fatalf("kind: got %s, reason %q", out.Kind, out.Reason)
	}

	names := make(map[string]int)
	for _, span := range rec.Ended() {
		names[span.Name()]++
	}
	for _, want := range []string{"trial", "setup", "verify"} {
		if names[want] != 1 {
			t.Errorf("span %q recorded %d times, want 1 (all: %v)", want, names[want], names)
		}
	}
}

func TestInvalidActionCostsStepAndContinues(t *testing.T) {
	fake := &engine.Fake{
		ExecFunc: func(cmd string) engine.ExecResult { return engine.ExecResult{ExitCode: 0} },
	}
	p := planner.NewScripted(
		planner.Action{Kind: planner.ActionInvalid, Raw: "let me think about this"},
		run("make"),
		finish(),
		run("make test"),
		report(""),
	)
	out := Run(context.Background(), Options{
		Instance:  testInstance(),
		Config:    testConfig(1, 10, 10),
		Engine:    fake,
		Planner:   p,
		BaseImage: "python:3.11",
	})
	if out.Kind != Accepted {
		t.Fatalf("kind: got %s, reason %q", out.Kind, out.Reason)
	}
	// The invalid action consumed a step but ran nothing.
	if len(fake.Execs) != 2 {
		t.Errorf("executed: %v", fake.Execs)
	}
}
