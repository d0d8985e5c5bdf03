package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/repodock/internal/engine"
)

func TestSendCommandRecordsHistory(t *testing.T) {
	fake := &engine.Fake{
		ExecFunc: func(cmd string) engine.ExecResult {
			if strings.Contains(cmd, "fail") {
				return engine.ExecResult{Output: "boom", ExitCode: 1}
			}
			return engine.ExecResult{Output: "ok", ExitCode: 0}
		},
	}
	s, err := New(context.Background(), fake, "ubuntu:22.04", "inst-1", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy(context.Background())

	res, err := s.SendCommand(context.Background(), "echo hi", time.Minute)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if res.ExitCode != 0 || res.Output != "ok" {
		t.Errorf("unexpected result: %+v", res)
	}

	// Non-zero exit is data, not an error.
	res, err = s.SendCommand(context.Background(), "make fail", time.Minute)
	if err != nil {
		t.Fatalf("SendCommand with failing command: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code: got %d, want 1", res.ExitCode)
	}

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("history length: got %d, want 2", len(hist))
	}
	if hist[0].Command != "echo hi" || hist[1].Command != "make fail" {
		t.Errorf("history order wrong: %+v", hist)
	}
}

func TestSendCommandEngineError(t *testing.T) {
	fake := &engine.Fake{}
	s, err := New(context.Background(), fake, "ubuntu:22.04", "inst-1", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy(context.Background())

	fake.FailExec = errors.New("daemon unreachable")
	if _, err := s.SendCommand(context.Background(), "ls", time.Minute); err == nil {
		t.Error("expected engine error to surface")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	fake := &engine.Fake{}
	s, err := New(context.Background(), fake, "ubuntu:22.04", "inst-1", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy call %d: %v", i+1, err)
		}
	}
	h := fake.Handles()[0]
	if got := fake.DestroyCount(h); got != 1 {
		t.Errorf("engine Destroy called %d times, want 1", got)
	}
	if s.State() != StateDestroyed {
		t.Errorf("state: got %s", s.State())
	}
}

func TestSendAfterDestroy(t *testing.T) {
	fake := &engine.Fake{}
	s, err := New(context.Background(), fake, "ubuntu:22.04", "inst-1", "")
	if err != nil {
		t.Fatal(err)
	}
	s.Destroy(context.Background())
	if _, err := s.SendCommand(context.Background(), "ls", time.Minute); !errors.Is(err, ErrDestroyed) {
		t.Errorf("got %v, want ErrDestroyed", err)
	}
}

func TestCommitThenDestroy(t *testing.T) {
	fake := &engine.Fake{}
	s, err := New(context.Background(), fake, "ubuntu:22.04", "inst-1", "")
	if err != nil {
		t.Fatal(err)
	}
	ref, err := s.Commit(context.Background(), "repodock/dev", "inst-1_linux")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ref != "repodock/dev:inst-1_linux" {
		t.Errorf("image ref: got %q", ref)
	}
	if s.State() != StateCommitted {
		t.Errorf("state after commit: got %s", s.State())
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy after commit: %v", err)
	}
	if s.ImageRef() != ref {
		t.Errorf("ImageRef: got %q", s.ImageRef())
	}
}

func TestNewCopiesRepo(t *testing.T) {
	fake := &engine.Fake{}
	dir := t.TempDir()
	s, err := New(context.Background(), fake, "ubuntu:22.04", "inst-1", dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy(context.Background())
	if len(fake.CopiedInto) != 1 || !strings.HasSuffix(fake.CopiedInto[0], "-> /testbed") {
		t.Errorf("repo not copied: %v", fake.CopiedInto)
	}
}

func TestFromImage(t *testing.T) {
	fake := &engine.Fake{}
	s, err := FromImage(context.Background(), fake, "repodock/dev:inst-1_linux", "inst-1")
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	defer s.Destroy(context.Background())
	if s.BaseImage() != "repodock/dev:inst-1_linux" {
		t.Errorf("base image: got %q", s.BaseImage())
	}
	if len(fake.CopiedInto) != 0 {
		t.Errorf("FromImage should not copy a repo, got %v", fake.CopiedInto)
	}
}

func TestObservationTruncatesTail(t *testing.T) {
	long := strings.Repeat("x", 10000) + "END"
	r := CommandResult{Output: long, ExitCode: 0}
	obs := r.Observation()
	if len(obs) > 9000 {
		t.Errorf("observation not truncated: %d bytes", len(obs))
	}
	if !strings.Contains(obs, "END") {
		t.Error("observation lost the output tail")
	}
	if !strings.Contains(obs, "(exit code 0)") {
		t.Error("observation missing exit code")
	}
}
