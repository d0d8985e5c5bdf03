package planner

import (
	"regexp"
	"strings"
)

var tagPattern = func() map[string]*regexp.Regexp {
	m := map[string]*regexp.Regexp{}
	for _, tag := range []string{"command", "issue", "rebuild", "test", "parse", "pertest", "image"} {
		m[tag] = regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	}
	return m
}()

func extractTag(response, tag string) string {
	re, ok := tagPattern[tag]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(response)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// cleanResponse strips a leading reasoning block if the model emitted one.
func cleanResponse(response string) string {
	if i := strings.Index(response, "</think>"); i >= 0 {
		return response[i+len("</think>"):]
	}
	return response
}

// ParseAction interprets a model response according to the phase's action
// grammar. Unrecognized responses come back as ActionInvalid with the raw
// text attached.
func ParseAction(phase Phase, response string) Action {
	response = cleanResponse(response)

	if cmd := extractTag(response, "command"); cmd != "" {
		return Action{Kind: ActionRun, Command: cmd, Raw: response}
	}

	switch phase {
	case PhaseSetup:
		if strings.Contains(response, "<stop>") {
			return Action{Kind: ActionFinish, Raw: response}
		}
	case PhaseVerify:
		if issue := extractTag(response, "issue"); issue != "" {
			if strings.EqualFold(issue, "none") {
				issue = ""
			}
			return Action{Kind: ActionReport, Issue: issue, Raw: response}
		}
	case PhaseOrganize:
		if sub := parseSubmission(response); sub != nil {
			return Action{Kind: ActionSubmit, Submission: sub, Raw: response}
		}
	}
	return Action{Kind: ActionInvalid, Raw: response}
}

// parseSubmission requires at least rebuild, test and parse blocks; pertest
// is optional ("none" and absence both mean no per-test command).
func parseSubmission(response string) *Submission {
	rebuild := extractTag(response, "rebuild")
	test := extractTag(response, "test")
	parse := extractTag(response, "parse")
	if rebuild == "" || test == "" || parse == "" {
		return nil
	}
	pertest := extractTag(response, "pertest")
	if strings.EqualFold(pertest, "none") {
		pertest = ""
	}
	return &Submission{
		RebuildCommands: splitCommands(rebuild),
		TestCommands:    splitCommands(test),
		ParseScript:     parse,
		PerTestCommand:  pertest,
	}
}

func splitCommands(block string) []string {
	var cmds []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cmds = append(cmds, line)
		}
	}
	return cmds
}
