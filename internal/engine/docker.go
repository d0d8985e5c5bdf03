package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// Docker implements Engine on the Docker daemon via the moby SDK.
type Docker struct {
	cli *client.Client
}

func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Create(ctx context.Context, image, name string, labels map[string]string) (Handle, error) {
	containerCfg := &container.Config{
		Image:      image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Labels:     labels,
	}
	initTrue := true
	hostCfg := &container.HostConfig{
		Init: &initTrue,
	}

	createResp, err := d.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       name,
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if _, err := d.cli.ContainerStart(ctx, createResp.ID, client.ContainerStartOptions{}); err != nil {
		d.cli.ContainerRemove(context.Background(), createResp.ID, client.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("starting container: %w", err)
	}
	return Handle(createResp.ID), nil
}

// execKillDelay and execDeadlineGrace make a timed-out command die inside the
// container: timeout(1) sends TERM at the limit, KILL execKillDelay later, and
// the client-side deadline only fires if even that never returns.
const (
	execKillDelay     = 10 * time.Second
	execDeadlineGrace = 30 * time.Second
)

// timedCmd wraps command so the timeout kills the process in the container
// instead of just abandoning the attach. timeout(1) exits 124 on expiry,
// which is the exit code callers treat as a timeout.
func timedCmd(command string, timeout time.Duration) []string {
	if timeout <= 0 {
		return []string{"sh", "-lc", command}
	}
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return []string{
		"timeout", "-k", strconv.Itoa(int(execKillDelay / time.Second)), strconv.Itoa(secs),
		"sh", "-lc", command,
	}
}

func (d *Docker) Exec(ctx context.Context, h Handle, command string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+execKillDelay+execDeadlineGrace)
		defer cancel()
	}

	// TTY merges stdout and stderr into one ordered stream, which is the
	// observation format handed back to the planner.
	created, err := d.cli.ExecCreate(ctx, string(h), client.ExecCreateOptions{
		Cmd:          timedCmd(command, timeout),
		WorkingDir:   "/testbed",
		AttachStdout: true,
		AttachStderr: true,
		TTY:          true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := d.cli.ExecAttach(ctx, created.ID, client.ExecAttachOptions{TTY: true})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attach.Reader); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ExecResult{Output: buf.String(), ExitCode: 124, TimedOut: true}, nil
		}
		return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ExecResult{Output: buf.String(), ExitCode: 124, TimedOut: true}, nil
	}

	inspect, err := d.cli.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspecting exec: %w", err)
	}
	res := ExecResult{Output: buf.String(), ExitCode: inspect.ExitCode}
	if timeout > 0 && inspect.ExitCode == 124 {
		res.TimedOut = true
	}
	return res, nil
}

func (d *Docker) CopyIn(ctx context.Context, h Handle, srcDir, dstPath string) error {
	if _, err := d.Exec(ctx, h, "mkdir -p "+dstPath, time.Minute); err != nil {
		return fmt.Errorf("preparing %s: %w", dstPath, err)
	}
	archive, err := tarDirectory(srcDir)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", srcDir, err)
	}
	if _, err := d.cli.CopyToContainer(ctx, string(h), client.CopyToContainerOptions{
		DestinationPath: dstPath,
		Content:         archive,
	}); err != nil {
		return fmt.Errorf("copying into container: %w", err)
	}
	return nil
}

func (d *Docker) Commit(ctx context.Context, h Handle, repo, tag string) (string, error) {
	ref := repo + ":" + tag
	if _, err := d.cli.ContainerCommit(ctx, string(h), client.ContainerCommitOptions{Reference: ref}); err != nil {
		return "", fmt.Errorf("committing container: %w", err)
	}
	return ref, nil
}

func (d *Docker) Destroy(ctx context.Context, h Handle) error {
	if _, err := d.cli.ContainerRemove(ctx, string(h), client.ContainerRemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

func (d *Docker) Push(ctx context.Context, imageRef string) error {
	resp, err := d.cli.ImagePush(ctx, imageRef, client.ImagePushOptions{})
	if err != nil {
		return fmt.Errorf("pushing %s: %w", imageRef, err)
	}
	defer resp.Close()

	// The push reply is a JSON progress stream; failures arrive in-stream
	// rather than as a non-nil return, so wait it out.
	if err := resp.Wait(ctx); err != nil {
		return fmt.Errorf("pushing %s: %w", imageRef, err)
	}
	return nil
}

func (d *Docker) RemoveImage(ctx context.Context, imageRef string) error {
	if _, err := d.cli.ImageRemove(ctx, imageRef, client.ImageRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing image %s: %w", imageRef, err)
	}
	return nil
}
