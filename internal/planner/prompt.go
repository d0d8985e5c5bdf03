package planner

import (
	"fmt"
	"strings"
)

const setupSystem = `You are a developer. Your task is to install dependencies and set up an environment that is able to run the tests of the project.

- You start with an initial Docker container based on %s.
- You interact with a shell session inside this container.
- Project files are located in /testbed within the container, and your current working directory is already set to /testbed.
- No need to clone the project again.

The final objective is to successfully run the tests of the project.`

const setupTools = `Command: run a command in the shell. Your command must not require sudo or interactive input:
    <command>your shell command</command>
    e.g. <command>apt-get install -y build-essential</command>
    e.g. <command>cat README.md</command>
Stop: stop the setup loop once you think the setup is complete:
    <stop></stop>`

const verifySystem = `You are a developer. Your task is to verify whether the environment for the given project is set up correctly. Your colleague has set up a Docker environment for the project. You need to verify if it can successfully run the tests of the project.
- You interact with a shell session inside this container.
- The container is based on %s.
- The setup commands that your colleague has run are: %s
- Project files are located in /testbed and your working directory is already /testbed.
- Use the same test framework as your colleague.
- Only test commands; skip linting, packaging and publishing.
- Do not change the state of the environment. Your task is to verify, not to fix. If you see issues, report them.
- Tolerate a few test case failures; as long as most tests pass it is good enough.

Your test command must output detailed pass/fail status for each test item. For example, with pytest, use -rA. If the test command does not produce a per-testcase status, adjust it until it does.`

const verifyTools = `Command: run a command in the shell. Your command must not require sudo or interactive input:
    <command>pytest -rA</command>
Issue: stop the verify loop and report the result:
    <issue>some dependency is missing, running pytest failed</issue>
    <issue>None</issue> if the setup is correct`

const organizeSystem = `You are a developer. A working environment for the project below has already been set up and committed as a Docker image; you are now inside a fresh container from that image. Your task is to distill the noisy setup history into a minimal, reproducible recipe.

- Project files are in /testbed; working directory is /testbed.
- The environment is already set up. Rebuild commands are only what is needed to make the project runnable again after the source tree changes (e.g. recompile), not the full dependency install.
- The parse script will be run as: sh parse.sh <logfile>. It must print to stdout a single JSON object mapping each testcase name to exactly one of "pass", "fail" or "skip".`

const organizeTools = `Command: run a command in the shell to explore or check your candidate recipe:
    <command>your shell command</command>
Submit: deliver the final artifacts, all blocks required except pertest:
    <rebuild>
    one command per line
    </rebuild>
    <test>
    one command per line
    </test>
    <parse>
    the full parse script text
    </parse>
    <pertest>command template containing {testcase}, or None</pertest>`

const reactPreamble = `You run in a loop of Thought, Action, Observation.
At the end of the loop you should use an Action to stop the loop.

Use Thought to describe your reasoning. Use Action to run one of the actions available to you. Observation will be the result of running that action.
> Important: each step, reply with only one (Thought, Action) pair.
> Important: do not write the Observation yourself; the system provides it.

Your available actions are:
%s
`

// BuildPrompt renders the (system, user) pair for one planner decision. The
// whole exchange so far is replayed into the user message; the transport is
// stateless between steps.
func BuildPrompt(req Request) (system, user string) {
	var b strings.Builder

	switch req.Phase {
	case PhaseVerify:
		system = fmt.Sprintf(verifySystem, req.BaseImage, strings.Join(req.SetupCommands, "; "))
		fmt.Fprintf(&b, reactPreamble, verifyTools)
	case PhaseOrganize:
		system = organizeSystem
		fmt.Fprintf(&b, reactPreamble, organizeTools)
		fmt.Fprintf(&b, "\nOriginal setup commands:\n%s\n", numbered(req.SetupCommands))
		fmt.Fprintf(&b, "\nOriginal test commands:\n%s\n", numbered(req.TestCommands))
		if req.TestOutput != "" {
			fmt.Fprintf(&b, "\nCaptured test output to fit the parse script to:\n```\n%s\n```\n", req.TestOutput)
		}
	default:
		system = fmt.Sprintf(setupSystem, req.BaseImage)
		fmt.Fprintf(&b, reactPreamble, setupTools)
	}

	if req.RepoStructure != "" {
		fmt.Fprintf(&b, "\nProject structure:\n%s\n", req.RepoStructure)
	}
	writeHints(&b, req)
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nA previous attempt did not produce a working setup. Summary of the failure:\n%s\n", req.Feedback)
	}
	fmt.Fprintf(&b, "\nYou have %d actions left in this phase.\n", req.Remaining)

	if len(req.History) > 0 {
		b.WriteString("\nThe exchange so far:\n")
		for _, step := range req.History {
			fmt.Fprintf(&b, "\nAction:\n%s\nObservation:\n%s\n", strings.TrimSpace(step.Action.Raw), step.Observation)
		}
	}
	b.WriteString("\nBegin! Reply with your next Thought and Action.\n")
	return system, b.String()
}

func writeHints(b *strings.Builder, req Request) {
	in := req.Instance
	if in.Hints != "" {
		fmt.Fprintf(b, "\nAdditional hints from the user that may help set up / test the repo: %s\n", in.Hints)
	}
	if in.SetupCmds != "" && req.Phase != PhaseOrganize {
		fmt.Fprintf(b, "\nHint: build commands other developers used for this repo on other platforms: %s\n", in.SetupCmds)
	}
	if in.TestCmds != "" && req.Phase != PhaseOrganize {
		fmt.Fprintf(b, "\nHint: test commands other developers used for this repo on other platforms: %s\n", in.TestCmds)
	}
}

func numbered(items []string) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it)
	}
	return b.String()
}
