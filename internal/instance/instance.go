// Package instance loads and filters the dataset of repositories to launch.
package instance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Instance identifies one (repository, commit) unit of work. It is read-only
// input for the whole run.
type Instance struct {
	InstanceID string `json:"instance_id"`
	Repo       string `json:"repo"`
	BaseCommit string `json:"base_commit"`
	Language   string `json:"language"`
	CreatedAt  string `json:"created_at,omitempty"`

	// Optional hints carried into the planner context: freeform notes plus
	// build/test commands seen on other platforms.
	Hints     string `json:"hints,omitempty"`
	SetupCmds string `json:"setup_cmds,omitempty"`
	TestCmds  string `json:"test_cmds,omitempty"`
}

func (in *Instance) Validate() error {
	if in.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if in.Repo == "" {
		return fmt.Errorf("instance %s: repo is required", in.InstanceID)
	}
	if in.BaseCommit == "" {
		return fmt.Errorf("instance %s: base_commit is required", in.InstanceID)
	}
	return nil
}

// CloneURL returns the https clone URL for the instance's repository.
// Repo is stored as "owner/name".
func (in *Instance) CloneURL() string {
	if strings.Contains(in.Repo, "://") {
		return in.Repo
	}
	return "https://github.com/" + in.Repo + ".git"
}

// LoadDataset reads a JSONL dataset, one instance per line. Blank lines are
// skipped. firstN > 0 truncates to the first N instances.
func LoadDataset(path string, firstN int) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer f.Close()

	var instances []Instance
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	seen := map[string]bool{}
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var in Instance
		if err := json.Unmarshal([]byte(text), &in); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", path, line, err)
		}
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", path, line, err)
		}
		if seen[in.InstanceID] {
			return nil, fmt.Errorf("dataset %s line %d: duplicate instance_id %q", path, line, in.InstanceID)
		}
		seen[in.InstanceID] = true
		if in.Language == "" {
			in.Language = "python"
		}
		instances = append(instances, in)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	if firstN > 0 && len(instances) > firstN {
		instances = instances[:firstN]
	}
	return instances, nil
}

// Filter keeps instances whose id matches the pattern. Exact ids match as-is;
// glob patterns (e.g. "astropy-*") match with doublestar semantics. An empty
// pattern keeps everything.
func Filter(instances []Instance, pattern string) ([]Instance, error) {
	if pattern == "" {
		return instances, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid instance pattern %q", pattern)
	}
	var filtered []Instance
	for _, in := range instances {
		ok, err := doublestar.Match(pattern, in.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("matching pattern %q: %w", pattern, err)
		}
		if ok {
			filtered = append(filtered, in)
		}
	}
	return filtered, nil
}
