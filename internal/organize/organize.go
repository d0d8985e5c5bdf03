// Package organize refines an accepted environment into a minimal, machine
// readable form: the smallest rebuild command set, the test commands, and a
// parse script that turns raw test output into per-test statuses. Every
// submission is validated by replaying it against a fresh session, never
// trusted on the planner's word.
package organize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signalnine/repodock/internal/budget"
	"github.com/signalnine/repodock/internal/config"
	"github.com/signalnine/repodock/internal/engine"
	"github.com/signalnine/repodock/internal/instance"
	"github.com/signalnine/repodock/internal/planner"
	"github.com/signalnine/repodock/internal/session"
)

const (
	logPath    = "/tmp/repodock_test.log"
	scriptPath = "/tmp/repodock_parse.sh"
	heredocEOF = "__REPODOCK_PARSE_EOF__"

	// testOutputLimit caps the captured test run shown to the planner.
	testOutputLimit = 16 * 1024
)

// testStatusSchema is the contract for parse script output: a non-empty JSON
// object mapping test names to pass/fail/skip.
var testStatusSchema = jsonschema.MustCompileString("teststatus.json", `{
	"type": "object",
	"minProperties": 1,
	"additionalProperties": {
		"type": "string",
		"enum": ["pass", "fail", "skip"]
	}
}`)

// Options configures one organize pass for an instance whose setup stage
// completed. ImageRef is the committed environment image.
type Options struct {
	Instance      instance.Instance
	Config        *config.Config
	Engine        engine.Engine
	Planner       planner.Planner
	ImageRef      string
	SetupCommands []string
	TestCommands  []string
	Logger        *log.Logger
}

func (o *Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(io.Discard, "", 0)
}

// Result is the validated organize output. Completed is false when the step
// budget ran out before a submission survived validation, or when Err is set.
type Result struct {
	Completed       bool
	RebuildCommands []string
	TestCommands    []string
	ParseScript     string
	PerTestCommand  string
	TestStatus      map[string]string
	Reason          string
	Err             error
}

// Run drives one organize pass: reconstruct the environment from the
// committed image, capture a reference test run, then loop the planner until
// a submission validates or the budget runs out. Unlike setup, there are no
// retries with fresh sessions; the single session lives for the whole pass.
func Run(ctx context.Context, opts Options) Result {
	cfg := opts.Config
	logger := opts.logger()

	sess, err := session.FromImage(ctx, opts.Engine, opts.ImageRef, opts.Instance.InstanceID)
	if err != nil {
		return Result{Err: err}
	}
	defer func() {
		if err := sess.Destroy(context.Background()); err != nil {
			logger.Printf("warning: destroying organize session: %v", err)
		}
	}()

	testOutput, err := captureTestRun(ctx, opts, sess)
	if err != nil {
		return Result{Err: err}
	}

	b := budget.New(cfg.MaxStepsOrganize, cfg.PhaseTimeout())
	var history []planner.Step
	for {
		if err := b.Consume(); err != nil {
			return Result{Reason: "organize step budget exhausted before a submission validated"}
		}
		action, err := opts.Planner.Decide(ctx, planner.Request{
			Instance:      opts.Instance,
			Phase:         planner.PhaseOrganize,
			BaseImage:     opts.ImageRef,
			SetupCommands: opts.SetupCommands,
			TestCommands:  opts.TestCommands,
			TestOutput:    testOutput,
			History:       history,
			Remaining:     b.Remaining(),
		})
		if err != nil {
			return Result{Err: err}
		}

		switch action.Kind {
		case planner.ActionRun:
			res, err := sess.SendCommand(ctx, action.Command, cfg.CommandTimeout())
			if err != nil {
				return Result{Err: err}
			}
			history = append(history, planner.Step{Action: action, Observation: res.Observation()})
		case planner.ActionSubmit:
			status, rejection, err := validateSubmission(ctx, opts, sess, action.Submission)
			if err != nil {
				return Result{Err: err}
			}
			if rejection != "" {
				logger.Printf("submission rejected: %s", firstLine(rejection))
				history = append(history, planner.Step{Action: action, Observation: rejection})
				continue
			}
			return Result{
				Completed:       true,
				RebuildCommands: action.Submission.RebuildCommands,
				TestCommands:    action.Submission.TestCommands,
				ParseScript:     action.Submission.ParseScript,
				PerTestCommand:  action.Submission.PerTestCommand,
				TestStatus:      status,
			}
		default:
			history = append(history, planner.Step{Action: action,
				Observation: "Reply with a <command> to run or a complete submission."})
		}
	}
}

// captureTestRun replays the accepted test commands once so the planner can
// fit a parser to real output.
func captureTestRun(ctx context.Context, opts Options, sess *session.Session) (string, error) {
	var b strings.Builder
	for _, cmd := range opts.TestCommands {
		res, err := sess.SendCommand(ctx, cmd, opts.Config.CommandTimeout())
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "$ %s\n%s\n", cmd, res.Output)
	}
	out := b.String()
	if len(out) > testOutputLimit {
		out = "...(truncated)...\n" + out[len(out)-testOutputLimit:]
	}
	return out, nil
}

// validateSubmission replays the submission end to end: rebuild, run the
// tests into a log file, install and run the parse script against the log,
// check the output against the status schema, and exercise the per-test
// command if one was offered. A non-empty rejection string is an observation
// for the planner; a non-nil error is a broken session.
func validateSubmission(ctx context.Context, opts Options, sess *session.Session, sub *planner.Submission) (map[string]string, string, error) {
	cfg := opts.Config
	if sub == nil {
		return nil, "Submission was empty.", nil
	}
	if len(sub.TestCommands) == 0 {
		return nil, "Submission has no test commands.", nil
	}
	if strings.Contains(sub.ParseScript, heredocEOF) {
		return nil, "Parse script contains a reserved marker string; rewrite it.", nil
	}
	if sub.PerTestCommand != "" && !strings.Contains(sub.PerTestCommand, "{testcase}") {
		return nil, "Per-test command must contain the {testcase} placeholder.", nil
	}

	for _, cmd := range sub.RebuildCommands {
		res, err := sess.SendCommand(ctx, cmd, cfg.CommandTimeout())
		if err != nil {
			return nil, "", err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Sprintf("Rebuild command failed (exit %d): %s\n%s",
				res.ExitCode, cmd, res.Observation()), nil
		}
	}

	// Tests run into a fresh log file; their exit codes are not gated here,
	// the parse script decides what the output means.
	if _, err := sess.SendCommand(ctx, ": > "+logPath, cfg.CommandTimeout()); err != nil {
		return nil, "", err
	}
	for _, cmd := range sub.TestCommands {
		if _, err := sess.SendCommand(ctx, fmt.Sprintf("{ %s ; } >> %s 2>&1", cmd, logPath), cfg.CommandTimeout()); err != nil {
			return nil, "", err
		}
	}

	install := fmt.Sprintf("cat > %s <<'%s'\n%s\n%s", scriptPath, heredocEOF, sub.ParseScript, heredocEOF)
	if res, err := sess.SendCommand(ctx, install, cfg.CommandTimeout()); err != nil {
		return nil, "", err
	} else if res.ExitCode != 0 {
		return nil, "Installing the parse script failed:\n" + res.Observation(), nil
	}

	res, err := sess.SendCommand(ctx, fmt.Sprintf("sh %s %s", scriptPath, logPath), cfg.CommandTimeout())
	if err != nil {
		return nil, "", err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Sprintf("Parse script exited %d:\n%s", res.ExitCode, res.Observation()), nil
	}

	status, reason := decodeStatus(res.Output)
	if reason != "" {
		return nil, reason, nil
	}

	if sub.PerTestCommand != "" {
		if rej, err := validatePerTest(ctx, opts, sess, sub.PerTestCommand, status); err != nil || rej != "" {
			return nil, rej, err
		}
	}
	return status, "", nil
}

// decodeStatus extracts the JSON object from parse script output and checks
// it against the status schema.
func decodeStatus(output string) (map[string]string, string) {
	raw := extractJSONObject(output)
	if raw == "" {
		return nil, "Parse script printed no JSON object. It must print exactly one JSON object mapping test names to pass/fail/skip."
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Sprintf("Parse script output is not valid JSON: %v", err)
	}
	if err := testStatusSchema.Validate(decoded); err != nil {
		return nil, fmt.Sprintf("Parse script output does not match the required shape (non-empty object of pass/fail/skip): %v", err)
	}
	obj := decoded.(map[string]any)
	status := make(map[string]string, len(obj))
	for k, v := range obj {
		status[k] = v.(string)
	}
	return status, ""
}

// validatePerTest substitutes a known test name into the per-test command and
// runs it; a command that cannot run a test it just parsed is rejected.
func validatePerTest(ctx context.Context, opts Options, sess *session.Session, pertest string, status map[string]string) (string, error) {
	names := make([]string, 0, len(status))
	for name, st := range status {
		if st == "pass" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "Per-test command cannot be validated: no passing test to try it on. Submit without it or fix the parse output.", nil
	}
	sort.Strings(names)
	cmd := strings.ReplaceAll(pertest, "{testcase}", names[0])
	res, err := sess.SendCommand(ctx, cmd, opts.Config.CommandTimeout())
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("Per-test command failed on a passing test %q (exit %d):\n%s",
			names[0], res.ExitCode, res.Observation()), nil
	}
	return "", nil
}

// extractJSONObject returns the outermost {...} span in s, or "".
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
