package topo

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerExec runs argv inside a container and returns its combined output.
// A non-zero exit code is an error; the output is returned alongside it
// because it usually carries the diagnostic.
func containerExec(ctx context.Context, cli *client.Client, containerID string, argv []string) ([]byte, error) {
	resp, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container exec create: %w", err)
	}

	hijack, err := cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("container exec attach: %w", err)
	}
	defer hijack.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, hijack.Reader); err != nil {
		return nil, fmt.Errorf("container exec read: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return buf.Bytes(), fmt.Errorf("container exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return buf.Bytes(), fmt.Errorf("command %v failed with exit code %d: %s", argv, inspect.ExitCode, buf.String())
	}
	return buf.Bytes(), nil
}

// containerExecDetached starts argv inside a container without waiting for it.
func containerExecDetached(ctx context.Context, cli *client.Client, containerID string, argv []string) error {
	resp, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:    argv,
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("container exec create: %w", err)
	}
	if err := cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("container exec start: %w", err)
	}
	return nil
}
