// Package store persists per-instance outcomes: one result.json per instance
// workspace plus an append-friendly summary JSONL per stage. The JSONL files
// are the resumable record of a run; the per-instance files let a summary be
// rebuilt after an interrupted batch.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/signalnine/repodock/internal/instance"
)

// Stage names one summary lane.
type Stage string

const (
	StageSetup    Stage = "setup"
	StageOrganize Stage = "organize"
)

// ResultRecord is the durable outcome for one instance. Field names are the
// on-disk contract.
type ResultRecord struct {
	InstanceID    string   `json:"instance_id"`
	BaseImage     string   `json:"base_image,omitempty"`
	DockerImage   string   `json:"docker_image,omitempty"`
	SetupCommands []string `json:"setup_commands"`
	TestCommands  []string `json:"test_commands"`
	Duration      int      `json:"duration"`
	Completed     bool     `json:"completed"`
	Exception     string   `json:"exception,omitempty"`
	InputTokens   int      `json:"input_tokens,omitempty"`
	OutputTokens  int      `json:"output_tokens,omitempty"`

	// Organize-stage fields, absent until the organize stage runs.
	OrganizeCompleted *bool             `json:"organize_completed,omitempty"`
	OrganizeDuration  int               `json:"organize_duration,omitempty"`
	RebuildCommands   []string          `json:"rebuild_commands,omitempty"`
	Parse             string            `json:"parse,omitempty"`
	TestStatus        map[string]string `json:"test_status,omitempty"`
	PerTestCommand    *string           `json:"pertest_command,omitempty"`
}

// Store serializes writes per destination file so concurrent workers never
// corrupt a record boundary.
type Store struct {
	workspace string

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

func Open(workspace string) (*Store, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", workspace, err)
	}
	return &Store{workspace: workspace, lanes: map[string]*sync.Mutex{}}, nil
}

func (s *Store) Workspace() string { return s.workspace }

func (s *Store) InstanceDir(instanceID string) string {
	return filepath.Join(s.workspace, instanceID)
}

func (s *Store) resultPath(instanceID string) string {
	return filepath.Join(s.InstanceDir(instanceID), "result.json")
}

func (s *Store) summaryPath(stage Stage) string {
	return filepath.Join(s.workspace, string(stage)+".jsonl")
}

func (s *Store) lane(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[path]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[path] = l
	}
	return l
}

// WriteInstance records the immutable instance input in its workspace dir.
func (s *Store) WriteInstance(in instance.Instance) error {
	dir := s.InstanceDir(in.InstanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating instance dir: %w", err)
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling instance: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "instance.json"), data, 0o644)
}

// WriteResult persists the record to the instance workspace and upserts its
// line in the stage summary. Destroy-session callers run this inside their
// scoped exit so a record can never be lost between the two writes.
func (s *Store) WriteResult(stage Stage, rec *ResultRecord) error {
	if rec.InstanceID == "" {
		return fmt.Errorf("result record missing instance_id")
	}
	dir := s.InstanceDir(rec.InstanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating instance dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := os.WriteFile(s.resultPath(rec.InstanceID), data, 0o644); err != nil {
		return fmt.Errorf("writing result.json: %w", err)
	}
	return s.upsertSummary(stage, rec)
}

// upsertSummary replaces the record's line if the key exists, otherwise
// appends, rewriting atomically so an update never duplicates a key.
func (s *Store) upsertSummary(stage Stage, rec *ResultRecord) error {
	path := s.summaryPath(stage)
	lane := s.lane(path)
	lane.Lock()
	defer lane.Unlock()

	records, order, err := readSummaryLocked(path)
	if err != nil {
		return err
	}
	if _, ok := records[rec.InstanceID]; !ok {
		order = append(order, rec.InstanceID)
	}
	records[rec.InstanceID] = rec

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating summary tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range order {
		line, err := json.Marshal(records[id])
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshaling summary line: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flushing summary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing summary: %w", err)
	}
	return nil
}

func readSummaryLocked(path string) (map[string]*ResultRecord, []string, error) {
	records := map[string]*ResultRecord{}
	var order []string

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, order, nil
		}
		return nil, nil, fmt.Errorf("opening summary %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec ResultRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, nil, fmt.Errorf("corrupt summary line in %s: %w", path, err)
		}
		if _, ok := records[rec.InstanceID]; !ok {
			order = append(order, rec.InstanceID)
		}
		records[rec.InstanceID] = &rec
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading summary %s: %w", path, err)
	}
	return records, order, nil
}

// LoadSummary returns the stage summary keyed by instance id. A missing file
// is an empty summary, so a fresh run and a resumed run load the same way.
func (s *Store) LoadSummary(stage Stage) (map[string]*ResultRecord, error) {
	path := s.summaryPath(stage)
	lane := s.lane(path)
	lane.Lock()
	defer lane.Unlock()
	records, _, err := readSummaryLocked(path)
	return records, err
}

// ReadResult reads the per-instance result.json. os.IsNotExist holds for the
// returned error when the instance has no record yet.
func (s *Store) ReadResult(instanceID string) (*ResultRecord, error) {
	data, err := os.ReadFile(s.resultPath(instanceID))
	if err != nil {
		return nil, err
	}
	var rec ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing result for %s: %w", instanceID, err)
	}
	return &rec, nil
}

// ClearFailed removes workspace directories of instances whose record says
// completed=false, returning the removed instance ids.
func (s *Store) ClearFailed() ([]string, error) {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.ReadResult(e.Name())
		if err != nil || rec.Completed {
			continue
		}
		if err := os.RemoveAll(s.InstanceDir(e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed = append(removed, e.Name())
	}
	sort.Strings(removed)
	return removed, nil
}
