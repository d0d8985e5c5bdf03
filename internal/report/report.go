// Package report aggregates run summaries into per-stage statistics.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/repodock/internal/store"
)

type StageSummary struct {
	Stage            string  `json:"stage"`
	Instances        int     `json:"instances"`
	Completed        int     `json:"completed"`
	CompletionRate   float64 `json:"completion_rate"`
	MeanDuration     float64 `json:"mean_duration_seconds"`
	MeanInputTokens  float64 `json:"mean_input_tokens"`
	MeanOutputTokens float64 `json:"mean_output_tokens"`
}

// Generate reads the stage summaries from the workspace and writes the
// aggregate in the requested format (table, markdown or json).
func Generate(s *store.Store, format string, w io.Writer) error {
	var summaries []StageSummary
	for _, stage := range []store.Stage{store.StageSetup, store.StageOrganize} {
		records, err := s.LoadSummary(stage)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		summaries = append(summaries, aggregate(stage, records))
	}

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

func aggregate(stage store.Stage, records map[string]*store.ResultRecord) StageSummary {
	sum := StageSummary{Stage: string(stage), Instances: len(records)}
	var duration, inTok, outTok float64
	for _, rec := range records {
		if stageCompleted(stage, rec) {
			sum.Completed++
		}
		duration += float64(stageDuration(stage, rec))
		inTok += float64(rec.InputTokens)
		outTok += float64(rec.OutputTokens)
	}
	n := float64(len(records))
	sum.CompletionRate = float64(sum.Completed) / n
	sum.MeanDuration = duration / n
	sum.MeanInputTokens = inTok / n
	sum.MeanOutputTokens = outTok / n
	return sum
}

func stageCompleted(stage store.Stage, rec *store.ResultRecord) bool {
	if stage == store.StageOrganize {
		return rec.OrganizeCompleted != nil && *rec.OrganizeCompleted
	}
	return rec.Completed
}

func stageDuration(stage store.Stage, rec *store.ResultRecord) int {
	if stage == store.StageOrganize {
		return rec.OrganizeDuration
	}
	return rec.Duration
}

// Failures lists instances that did not complete a stage, with their
// recorded exception, sorted by instance id.
func Failures(s *store.Store, stage store.Stage) ([]*store.ResultRecord, error) {
	records, err := s.LoadSummary(stage)
	if err != nil {
		return nil, err
	}
	var failed []*store.ResultRecord
	for _, rec := range records {
		if !stageCompleted(stage, rec) {
			failed = append(failed, rec)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].InstanceID < failed[j].InstanceID
	})
	return failed, nil
}

func writeTable(summaries []StageSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tINSTANCES\tCOMPLETED\tRATE\tMEAN DURATION\tMEAN TOKENS (IN/OUT)")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f%%\t%.0fs\t%.0f/%.0f\n",
			s.Stage, s.Instances, s.Completed, s.CompletionRate*100,
			s.MeanDuration, s.MeanInputTokens, s.MeanOutputTokens)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []StageSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Stage | Instances | Completed | Rate | Mean Duration | Mean Tokens (in/out) |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %d | %.0f%% | %.0fs | %.0f/%.0f |\n",
			s.Stage, s.Instances, s.Completed, s.CompletionRate*100,
			s.MeanDuration, s.MeanInputTokens, s.MeanOutputTokens)
	}
	return nil
}

func writeJSON(summaries []StageSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
