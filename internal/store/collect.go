package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Collect walks the workspace and rebuilds a dataset of completed instances,
// merging each instance.json with its result fields. This recovers the
// summary from an interrupted run without rerunning anything.
func (s *Store) Collect(stage Stage) ([]map[string]any, error) {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}

	var collected []map[string]any
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		instData, err := os.ReadFile(s.InstanceDir(id) + "/instance.json")
		if err != nil {
			continue
		}
		rec, err := s.ReadResult(id)
		if err != nil || !rec.Completed {
			continue
		}
		if stage == StageOrganize && (rec.OrganizeCompleted == nil || !*rec.OrganizeCompleted) {
			continue
		}

		merged := map[string]any{}
		if err := json.Unmarshal(instData, &merged); err != nil {
			return nil, fmt.Errorf("parsing instance.json for %s: %w", id, err)
		}
		merged["setup_cmds"] = rec.SetupCommands
		merged["test_cmds"] = rec.TestCommands
		merged["docker_image"] = rec.DockerImage
		if stage == StageOrganize {
			merged["rebuild_cmds"] = rec.RebuildCommands
			merged["log_parser"] = rec.Parse
			if rec.PerTestCommand != nil {
				merged["pertest_cmd"] = *rec.PerTestCommand
			}
		}
		collected = append(collected, merged)
	}

	sort.Slice(collected, func(i, j int) bool {
		a, _ := collected[i]["instance_id"].(string)
		b, _ := collected[j]["instance_id"].(string)
		return a < b
	})
	return collected, nil
}

// WriteCollected writes collected instances as JSONL.
func WriteCollected(path string, collected []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, item := range collected {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling collected instance: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}
