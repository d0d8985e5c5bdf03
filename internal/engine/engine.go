// Package engine abstracts the container engine behind a small capability
// set so trial logic never touches an engine SDK directly.
package engine

import (
	"context"
	"time"
)

// Handle identifies one live container.
type Handle string

// ExecResult is the outcome of one command inside a container. A non-zero
// exit code is valid data, not an error; Output holds stdout and stderr
// combined in arrival order.
type ExecResult struct {
	Output   string
	ExitCode int
	TimedOut bool
}

// Engine is the container capability set. Every method returns an error only
// for engine-level failures (daemon unreachable, unknown container); command
// failures inside a container come back through ExecResult.
type Engine interface {
	// Create starts a long-lived container from image. The container idles
	// until destroyed; commands run against it via Exec.
	Create(ctx context.Context, image, name string, labels map[string]string) (Handle, error)

	// Exec runs a shell command in the container and returns combined output
	// plus the exit code. A timeout <= 0 means no per-command bound.
	Exec(ctx context.Context, h Handle, command string, timeout time.Duration) (ExecResult, error)

	// CopyIn copies the contents of a host directory into dstPath in the
	// container, creating dstPath if needed.
	CopyIn(ctx context.Context, h Handle, srcDir, dstPath string) error

	// Commit snapshots the container as repo:tag and returns the image ref.
	Commit(ctx context.Context, h Handle, repo, tag string) (string, error)

	// Destroy force-removes the container. Destroying an already-removed
	// container is not an error.
	Destroy(ctx context.Context, h Handle) error

	// Push uploads a committed image to its registry.
	Push(ctx context.Context, imageRef string) error

	// RemoveImage deletes a local image.
	RemoveImage(ctx context.Context, imageRef string) error
}
