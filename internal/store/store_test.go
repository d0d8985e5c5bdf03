package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/signalnine/repodock/internal/instance"
)

func boolPtr(b bool) *bool { return &b }

func TestWriteResultAndReadBack(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := &ResultRecord{
		InstanceID:    "inst-1",
		BaseImage:     "python:3.11",
		DockerImage:   "repodock/dev:inst-1_linux",
		SetupCommands: []string{"pip install -e ."},
		TestCommands:  []string{"pytest -rA"},
		Duration:      12,
		Completed:     true,
	}
	if err := s.WriteResult(StageSetup, rec); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	got, err := s.ReadResult("inst-1")
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if got.DockerImage != rec.DockerImage || !got.Completed {
		t.Errorf("round trip mismatch: %+v", got)
	}

	summary, err := s.LoadSummary(StageSetup)
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if len(summary) != 1 || summary["inst-1"] == nil {
		t.Errorf("summary: %+v", summary)
	}
}

func TestUpsertDoesNotDuplicate(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := &ResultRecord{InstanceID: "inst-1", Completed: true}
	if err := s.WriteResult(StageSetup, rec); err != nil {
		t.Fatal(err)
	}

	// Organize updates the same key in place.
	rec.OrganizeCompleted = boolPtr(true)
	rec.RebuildCommands = []string{"make"}
	if err := s.WriteResult(StageSetup, rec); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(s.Workspace(), "setup.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			lines++
		}
	}
	if lines != 1 {
		t.Errorf("summary has %d lines, want 1", lines)
	}

	summary, _ := s.LoadSummary(StageSetup)
	if summary["inst-1"].OrganizeCompleted == nil || !*summary["inst-1"].OrganizeCompleted {
		t.Error("update not applied")
	}
}

func TestConcurrentWritersKeepSummaryWellFormed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &ResultRecord{InstanceID: fmt.Sprintf("inst-%02d", i), Completed: i%2 == 0}
			if err := s.WriteResult(StageSetup, rec); err != nil {
				t.Errorf("WriteResult %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	summary, err := s.LoadSummary(StageSetup)
	if err != nil {
		t.Fatalf("LoadSummary after concurrent writes: %v", err)
	}
	if len(summary) != n {
		t.Errorf("summary has %d records, want %d", len(summary), n)
	}
}

func TestSummaryLinesAreSelfContainedJSON(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pertest := "pytest {testcase}"
	rec := &ResultRecord{
		InstanceID:        "inst-1",
		Completed:         true,
		OrganizeCompleted: boolPtr(true),
		TestStatus:        map[string]string{"t1": "pass", "t2": "skip"},
		PerTestCommand:    &pertest,
	}
	if err := s.WriteResult(StageOrganize, rec); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(s.Workspace(), "organize.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &decoded); err != nil {
		t.Fatalf("summary line not standalone JSON: %v", err)
	}
	if decoded["instance_id"] != "inst-1" {
		t.Errorf("decoded line: %v", decoded)
	}
}

func TestClearFailed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.WriteResult(StageSetup, &ResultRecord{InstanceID: "ok", Completed: true})
	s.WriteResult(StageSetup, &ResultRecord{InstanceID: "bad", Completed: false})

	removed, err := s.ClearFailed()
	if err != nil {
		t.Fatalf("ClearFailed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "bad" {
		t.Errorf("removed: %v", removed)
	}
	if _, err := os.Stat(s.InstanceDir("ok")); err != nil {
		t.Error("completed instance dir was removed")
	}
	if _, err := os.Stat(s.InstanceDir("bad")); !os.IsNotExist(err) {
		t.Error("failed instance dir still present")
	}
}

func TestCollect(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	in := instance.Instance{InstanceID: "inst-1", Repo: "o/r", BaseCommit: "abc", Language: "python"}
	if err := s.WriteInstance(in); err != nil {
		t.Fatal(err)
	}
	s.WriteResult(StageSetup, &ResultRecord{
		InstanceID:    "inst-1",
		Completed:     true,
		DockerImage:   "repodock/dev:inst-1_linux",
		SetupCommands: []string{"pip install -e ."},
		TestCommands:  []string{"pytest -rA"},
	})
	// An incomplete instance must not be collected.
	s.WriteInstance(instance.Instance{InstanceID: "inst-2", Repo: "o/r2", BaseCommit: "def"})
	s.WriteResult(StageSetup, &ResultRecord{InstanceID: "inst-2", Completed: false})

	collected, err := s.Collect(StageSetup)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(collected) != 1 {
		t.Fatalf("collected %d, want 1", len(collected))
	}
	if collected[0]["instance_id"] != "inst-1" || collected[0]["docker_image"] != "repodock/dev:inst-1_linux" {
		t.Errorf("collected: %v", collected[0])
	}

	out := filepath.Join(t.TempDir(), "dataset.jsonl")
	if err := WriteCollected(out, collected); err != nil {
		t.Fatalf("WriteCollected: %v", err)
	}
	data, _ := os.ReadFile(out)
	if !strings.Contains(string(data), `"setup_cmds"`) {
		t.Errorf("collected output missing fields: %s", data)
	}
}

func TestCollectOrganizeStage(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.WriteInstance(instance.Instance{InstanceID: "a", Repo: "o/a", BaseCommit: "1"})
	s.WriteResult(StageSetup, &ResultRecord{InstanceID: "a", Completed: true})

	// Setup-complete but organize-incomplete: excluded from organize collect.
	collected, err := s.Collect(StageOrganize)
	if err != nil {
		t.Fatal(err)
	}
	if len(collected) != 0 {
		t.Errorf("collected %d, want 0", len(collected))
	}
}
