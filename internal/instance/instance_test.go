package instance

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDataset(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instances.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDataset(t *testing.T) {
	path := writeDataset(t, `{"instance_id":"astropy-1","repo":"astropy/astropy","base_commit":"abc123","language":"python"}

{"instance_id":"tokio-7","repo":"tokio-rs/tokio","base_commit":"def456","language":"rust","hints":"needs nightly"}
`)
	got, err := LoadDataset(path, -1)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d instances, want 2", len(got))
	}
	if got[0].InstanceID != "astropy-1" || got[1].Hints != "needs nightly" {
		t.Errorf("unexpected instances: %+v", got)
	}
}

func TestLoadDatasetFirstN(t *testing.T) {
	path := writeDataset(t, `{"instance_id":"a","repo":"o/a","base_commit":"1"}
{"instance_id":"b","repo":"o/b","base_commit":"2"}
{"instance_id":"c","repo":"o/c","base_commit":"3"}
`)
	got, err := LoadDataset(path, 2)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if len(got) != 2 || got[1].InstanceID != "b" {
		t.Errorf("first_n truncation wrong: %+v", got)
	}
}

func TestLoadDatasetErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines string
	}{
		{"malformed json", "{not json}\n"},
		{"missing id", `{"repo":"o/a","base_commit":"1"}` + "\n"},
		{"missing commit", `{"instance_id":"a","repo":"o/a"}` + "\n"},
		{"duplicate id", `{"instance_id":"a","repo":"o/a","base_commit":"1"}` + "\n" +
			`{"instance_id":"a","repo":"o/a","base_commit":"2"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadDataset(writeDataset(t, tt.lines), -1); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLanguageDefault(t *testing.T) {
	path := writeDataset(t, `{"instance_id":"a","repo":"o/a","base_commit":"1"}`+"\n")
	got, err := LoadDataset(path, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Language != "python" {
		t.Errorf("language default: got %q", got[0].Language)
	}
}

func TestCloneURL(t *testing.T) {
	tests := []struct {
		repo string
		want string
	}{
		{"astropy/astropy", "https://github.com/astropy/astropy.git"},
		{"https://gitlab.com/org/repo.git", "https://gitlab.com/org/repo.git"},
	}
	for _, tt := range tests {
		in := Instance{Repo: tt.repo}
		if got := in.CloneURL(); got != tt.want {
			t.Errorf("CloneURL(%q) = %q, want %q", tt.repo, got, tt.want)
		}
	}
}

func TestFilter(t *testing.T) {
	instances := []Instance{
		{InstanceID: "astropy-1"},
		{InstanceID: "astropy-2"},
		{InstanceID: "tokio-7"},
	}
	tests := []struct {
		pattern string
		want    int
	}{
		{"", 3},
		{"astropy-1", 1},
		{"astropy-*", 2},
		{"nomatch-*", 0},
	}
	for _, tt := range tests {
		got, err := Filter(instances, tt.pattern)
		if err != nil {
			t.Fatalf("Filter(%q): %v", tt.pattern, err)
		}
		if len(got) != tt.want {
			t.Errorf("Filter(%q) kept %d, want %d", tt.pattern, len(got), tt.want)
		}
	}
}

func TestFilterInvalidPattern(t *testing.T) {
	if _, err := Filter([]Instance{{InstanceID: "a"}}, "[bad"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
