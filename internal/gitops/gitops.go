// Package gitops fetches instance repositories at their pinned commits and
// summarizes their layout for prompting.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// CloneAndCheckout clones url into dir and hard-resets to commit. dir must
// not already exist. The full history is fetched; pinned commits are often
// unreachable from shallow clones.
func CloneAndCheckout(ctx context.Context, url, commit, dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("clone destination %s already exists", dir)
	}
	if out, err := gitRun(ctx, "", "clone", url, dir); err != nil {
		return fmt.Errorf("cloning %s: %w\n%s", url, err, out)
	}
	if out, err := gitRun(ctx, dir, "reset", "--hard", commit); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("checking out %s at %s: %w\n%s", url, commit, err, out)
	}
	return nil
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// structureMaxEntries caps how many paths the layout summary lists.
const structureMaxEntries = 200

// Structure renders a two-level listing of dir: top-level entries plus one
// level below, directories suffixed with "/". The listing is sorted and
// capped so it stays prompt-sized for any repository.
func Structure(dir string) (string, error) {
	top, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}

	var lines []string
	for _, e := range top {
		name := e.Name()
		if name == ".git" {
			continue
		}
		if !e.IsDir() {
			lines = append(lines, name)
			continue
		}
		lines = append(lines, name+"/")
		sub, err := os.ReadDir(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		for _, s := range sub {
			child := name + "/" + s.Name()
			if s.IsDir() {
				child += "/"
			}
			lines = append(lines, child)
		}
	}
	sort.Strings(lines)

	truncated := false
	if len(lines) > structureMaxEntries {
		lines = lines[:structureMaxEntries]
		truncated = true
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if truncated {
		b.WriteString("... (listing truncated)\n")
	}
	return b.String(), nil
}
