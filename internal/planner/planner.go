// Package planner defines the boundary between the orchestration core and
// the external decision-maker that chooses shell commands.
package planner

import (
	"context"

	"github.com/signalnine/repodock/internal/instance"
)

// Phase names one bounded loop of planner-driven work.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseVerify   Phase = "verify"
	PhaseOrganize Phase = "organize"
)

// Kind tags an Action.
type Kind string

const (
	// ActionRun executes one shell command in the session.
	ActionRun Kind = "run"
	// ActionFinish is the setup "done" signal.
	ActionFinish Kind = "finish"
	// ActionReport ends verify with an issue; an empty issue means success.
	ActionReport Kind = "report"
	// ActionSubmit delivers the organize stage's final artifacts.
	ActionSubmit Kind = "submit"
	// ActionInvalid means the response did not parse; it costs a step and
	// earns a corrective observation.
	ActionInvalid Kind = "invalid"
)

// Action is one planner decision.
type Action struct {
	Kind       Kind
	Command    string
	Issue      string
	Submission *Submission
	Raw        string
}

// Submission carries the organize stage's refined artifacts.
type Submission struct {
	RebuildCommands []string
	TestCommands    []string
	ParseScript     string
	PerTestCommand  string
}

// Step pairs an executed action with what the container said back.
type Step struct {
	Action      Action
	Observation string
}

// Request is everything the planner sees when deciding the next action.
type Request struct {
	Instance      instance.Instance
	Phase         Phase
	BaseImage     string
	RepoStructure string

	// SetupCommands gives verify and organize the accepted setup history.
	SetupCommands []string
	// TestCommands gives organize the accepted test commands.
	TestCommands []string
	// TestOutput gives organize a captured test run to fit the parser to.
	TestOutput string

	// History is this phase's action/observation exchange so far.
	History []Step
	// Feedback is the bounded failure summary from the previous trial.
	Feedback string
	// Remaining is the step budget left, planner-visible so it can wrap up.
	Remaining int
}

// Planner decides the next action for a phase. A returned error means the
// decision process itself broke (transport, provider) and is treated as an
// exception by the trial loop, never as a command failure.
type Planner interface {
	Decide(ctx context.Context, req Request) (Action, error)
}
