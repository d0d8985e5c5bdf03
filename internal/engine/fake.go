package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Engine for tests. The zero value is usable: every
// command succeeds with empty output. Tests script behavior through ExecFunc
// and the Fail* fields.
type Fake struct {
	mu sync.Mutex

	// ExecFunc, when set, decides the result of each command.
	ExecFunc func(command string) ExecResult

	// FailCreate, FailExec, FailCommit, FailDestroy make the corresponding
	// operation return an engine-level error.
	FailCreate  error
	FailExec    error
	FailCommit  error
	FailDestroy error

	nextID    int
	live      map[Handle]bool
	destroyed map[Handle]int

	Execs         []string
	Commits       []string
	Pushed        []string
	RemovedImages []string
	CopiedInto    []string

	maxLive int
}

func (f *Fake) Create(ctx context.Context, image, name string, labels map[string]string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	if f.live == nil {
		f.live = map[Handle]bool{}
		f.destroyed = map[Handle]int{}
	}
	f.nextID++
	h := Handle(fmt.Sprintf("fake-%d", f.nextID))
	f.live[h] = true
	if n := len(f.live); n > f.maxLive {
		f.maxLive = n
	}
	return h, nil
}

func (f *Fake) Exec(ctx context.Context, h Handle, command string, timeout time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailExec != nil {
		return ExecResult{}, f.FailExec
	}
	if !f.live[h] {
		return ExecResult{}, fmt.Errorf("exec on unknown container %s", h)
	}
	f.Execs = append(f.Execs, command)
	if f.ExecFunc != nil {
		return f.ExecFunc(command), nil
	}
	return ExecResult{}, nil
}

func (f *Fake) CopyIn(ctx context.Context, h Handle, srcDir, dstPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[h] {
		return fmt.Errorf("copy into unknown container %s", h)
	}
	f.CopiedInto = append(f.CopiedInto, srcDir+" -> "+dstPath)
	return nil
}

func (f *Fake) Commit(ctx context.Context, h Handle, repo, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCommit != nil {
		return "", f.FailCommit
	}
	if !f.live[h] {
		return "", fmt.Errorf("commit of unknown container %s", h)
	}
	ref := repo + ":" + tag
	f.Commits = append(f.Commits, ref)
	return ref, nil
}

func (f *Fake) Destroy(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDestroy != nil {
		return f.FailDestroy
	}
	// Destroying an unknown or already-removed container is a no-op,
	// matching the Docker implementation.
	delete(f.live, h)
	f.destroyed[h]++
	return nil
}

func (f *Fake) Push(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pushed = append(f.Pushed, imageRef)
	return nil
}

func (f *Fake) RemoveImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemovedImages = append(f.RemovedImages, imageRef)
	return nil
}

// LiveCount reports containers created but not yet destroyed.
func (f *Fake) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// MaxLive reports the high-water mark of simultaneously live containers.
func (f *Fake) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// DestroyCount reports how many times Destroy was called for h.
func (f *Fake) DestroyCount(h Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[h]
}

// Handles returns every handle ever created.
func (f *Fake) Handles() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Handle, 0, f.nextID)
	for i := 1; i <= f.nextID; i++ {
		out = append(out, Handle(fmt.Sprintf("fake-%d", i)))
	}
	return out
}
