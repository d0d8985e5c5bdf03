// Package session binds one live container to one repository instance and
// records everything executed against it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/repodock/internal/engine"
)

// State tracks the session lifecycle. Transitions are one-way:
// created -> active -> committed -> destroyed.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCommitted State = "committed"
	StateDestroyed State = "destroyed"
)

// ErrDestroyed is returned when a command is sent to a destroyed session.
var ErrDestroyed = errors.New("session already destroyed")

// CommandResult is one executed command with its combined output.
type CommandResult struct {
	Command  string
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// observationLimit caps how much output a single command contributes to a
// planner observation. Full output stays in the history.
const observationLimit = 8 * 1024

// Observation renders the result for the planner. Oversized output keeps the
// tail, where build tools put the actionable lines.
func (r CommandResult) Observation() string {
	out := r.Output
	if len(out) > observationLimit {
		out = "...(truncated)...\n" + out[len(out)-observationLimit:]
	}
	if r.TimedOut {
		return fmt.Sprintf("%s\n(command timed out after %s, exit code %d)", out, r.Duration.Round(time.Second), r.ExitCode)
	}
	return fmt.Sprintf("%s\n(exit code %d)", out, r.ExitCode)
}

// Session owns exactly one container. It is exclusively owned by the worker
// processing its instance and must be destroyed on every exit path.
type Session struct {
	eng        engine.Engine
	handle     engine.Handle
	instanceID string
	baseImage  string
	state      State
	imageRef   string
	history    []CommandResult
}

// New creates a fresh container from baseImage. When repoDir is non-empty its
// contents are copied to /testbed inside the container.
func New(ctx context.Context, eng engine.Engine, baseImage, instanceID, repoDir string) (*Session, error) {
	name := containerName(instanceID)
	labels := map[string]string{
		"repodock":          "true",
		"repodock.instance": instanceID,
	}
	h, err := eng.Create(ctx, baseImage, name, labels)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", instanceID, err)
	}
	s := &Session{
		eng:        eng,
		handle:     h,
		instanceID: instanceID,
		baseImage:  baseImage,
		state:      StateCreated,
	}
	if repoDir != "" {
		if err := eng.CopyIn(ctx, h, repoDir, "/testbed"); err != nil {
			s.Destroy(context.Background())
			return nil, fmt.Errorf("copying repo for %s: %w", instanceID, err)
		}
	}
	return s, nil
}

// FromImage reconstructs a session from a previously committed image,
// reusing a finished setup without rerunning it.
func FromImage(ctx context.Context, eng engine.Engine, imageRef, instanceID string) (*Session, error) {
	return New(ctx, eng, imageRef, instanceID, "")
}

func containerName(instanceID string) string {
	id := uuid.NewString()[:8]
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '-'
	}, instanceID)
	return "repodock-" + sanitized + "-" + id
}

// SendCommand runs a shell command in the container and blocks until it
// returns or timeout fires. A non-zero exit code is data for the planner, not
// an error; only engine communication failures return a non-nil error.
func (s *Session) SendCommand(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	if s.state == StateDestroyed {
		return CommandResult{}, ErrDestroyed
	}
	start := time.Now()
	res, err := s.eng.Exec(ctx, s.handle, command, timeout)
	if err != nil {
		return CommandResult{}, fmt.Errorf("exec in session %s: %w", s.instanceID, err)
	}
	s.state = StateActive
	cr := CommandResult{
		Command:  command,
		Output:   res.Output,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Duration: time.Since(start),
	}
	s.history = append(s.history, cr)
	return cr, nil
}

// Commit snapshots the container as repo:tag.
func (s *Session) Commit(ctx context.Context, repo, tag string) (string, error) {
	if s.state == StateDestroyed {
		return "", ErrDestroyed
	}
	ref, err := s.eng.Commit(ctx, s.handle, repo, tag)
	if err != nil {
		return "", fmt.Errorf("committing session %s: %w", s.instanceID, err)
	}
	s.state = StateCommitted
	s.imageRef = ref
	return ref, nil
}

// Destroy removes the container. It is idempotent: repeated calls after the
// first are no-ops, so it is always safe in deferred cleanup.
func (s *Session) Destroy(ctx context.Context) error {
	if s.state == StateDestroyed {
		return nil
	}
	s.state = StateDestroyed
	if err := s.eng.Destroy(ctx, s.handle); err != nil {
		return fmt.Errorf("destroying session %s: %w", s.instanceID, err)
	}
	return nil
}

func (s *Session) State() State      { return s.state }
func (s *Session) InstanceID() string { return s.instanceID }
func (s *Session) BaseImage() string  { return s.baseImage }

// ImageRef returns the committed image reference, empty before Commit.
func (s *Session) ImageRef() string { return s.imageRef }

// History returns the ordered record of executed commands.
func (s *Session) History() []CommandResult {
	out := make([]CommandResult, len(s.history))
	copy(out, s.history)
	return out
}
