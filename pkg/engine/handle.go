package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// Handle is a connected container engine, returned by Locate. It wraps
// either a Docker API client or a Podman bindings connection behind the
// lifecycle operations the rest of the orchestrator needs: list, create,
// start, stop, remove, inspect, network/volume create, image pull, and exec.
type Handle struct {
	endpoint EngineEndpoint

	docker *client.Client
	podman *podmanConn
}

// Endpoint returns the EngineEndpoint this handle connected through, for
// diagnostics and logging.
func (h *Handle) Endpoint() EngineEndpoint {
	return h.endpoint
}

// IsPodman reports whether this handle is backed by Podman bindings rather
// than the Docker API.
func (h *Handle) IsPodman() bool {
	return h.podman != nil
}

// Close releases the underlying connection.
func (h *Handle) Close() error {
	if h.podman != nil {
		return nil
	}
	return h.docker.Close()
}

// Ping verifies the engine is still reachable.
func (h *Handle) Ping(ctx context.Context) error {
	if h.podman != nil {
		return h.podman.ping(ctx)
	}
	_, err := h.docker.Ping(ctx)
	return err
}

// ListContainers lists all containers, matching by name filter when given.
func (h *Handle) ListContainers(ctx context.Context, nameFilter string) ([]container.Summary, error) {
	if h.podman != nil {
		return h.podman.listContainers(ctx, nameFilter)
	}
	opts := container.ListOptions{All: true}
	if nameFilter != "" {
		opts.Filters = filterByName(nameFilter)
	}
	return h.docker.ContainerList(ctx, opts)
}

// InspectContainer returns detailed state for one container.
func (h *Handle) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	if h.podman != nil {
		return h.podman.inspectContainer(ctx, id)
	}
	return h.docker.ContainerInspect(ctx, id)
}

// CreateContainer creates (but does not start) a container.
func (h *Handle) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	if h.podman != nil {
		return h.podman.createContainer(ctx, name, cfg, hostCfg, netCfg)
	}
	resp, err := h.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (h *Handle) StartContainer(ctx context.Context, id string) error {
	if h.podman != nil {
		return h.podman.startContainer(ctx, id)
	}
	return h.docker.ContainerStart(ctx, id, container.StartOptions{})
}

// StopContainer stops a running container within the given grace period.
func (h *Handle) StopContainer(ctx context.Context, id string, timeoutSeconds *int) error {
	if h.podman != nil {
		return h.podman.stopContainer(ctx, id, timeoutSeconds)
	}
	return h.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: timeoutSeconds})
}

// RemoveContainer removes a stopped container.
func (h *Handle) RemoveContainer(ctx context.Context, id string, force bool) error {
	if h.podman != nil {
		return h.podman.removeContainer(ctx, id, force)
	}
	return h.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}

// ExecInContainer runs a command inside a running container and returns its
// combined output, used by the GPU containerized-probe step (spec §4.D).
func (h *Handle) ExecInContainer(ctx context.Context, id string, cmd []string) (string, error) {
	if h.podman != nil {
		return h.podman.execInContainer(ctx, id, cmd)
	}
	execID, err := h.docker.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd: cmd, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	attach, err := h.docker.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()
	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", fmt.Errorf("exec read output: %w", err)
	}
	return string(out), nil
}

// CreateNetwork creates a network, tolerating "already exists" per spec §4.D.
func (h *Handle) CreateNetwork(ctx context.Context, name string) error {
	if h.podman != nil {
		return h.podman.createNetwork(ctx, name)
	}
	_, err := h.docker.NetworkCreate(ctx, name, network.CreateOptions{})
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// CreateVolume creates a named volume, tolerating "already exists".
func (h *Handle) CreateVolume(ctx context.Context, name string) error {
	if h.podman != nil {
		return h.podman.createVolume(ctx, name)
	}
	_, err := h.docker.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// PullImage streams an image pull, returning the raw status-line reader the
// caller (pkg/images) decodes into progress events.
func (h *Handle) PullImage(ctx context.Context, ref string, platform string) (io.ReadCloser, error) {
	if h.podman != nil {
		return h.podman.pullImage(ctx, ref, platform)
	}
	opts := image.PullOptions{}
	if platform != "" {
		opts.Platform = platform
	}
	return h.docker.ImagePull(ctx, ref, opts)
}

// InspectImage reports whether an image reference already exists locally.
func (h *Handle) InspectImage(ctx context.Context, ref string) (bool, error) {
	if h.podman != nil {
		return h.podman.inspectImage(ctx, ref)
	}
	_, err := h.docker.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ContainerLogsTail returns the last tailLines lines of a container's
// combined stdout/stderr, used by ServiceController's StartupFailure path
// (spec §4.D step 6).
func (h *Handle) ContainerLogsTail(ctx context.Context, id string, tailLines int) (string, error) {
	if h.podman != nil {
		return h.podman.containerLogsTail(ctx, id, tailLines)
	}
	reader, err := h.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(out), nil
}

// IsContainerRunning reports whether the named container's inspected state
// is "running", satisfying health.ContainerInspector for the
// "container-running" health predicate (spec §4.E).
func (h *Handle) IsContainerRunning(ctx context.Context, nameOrID string) (bool, error) {
	info, err := h.InspectContainer(ctx, nameOrID)
	if err != nil {
		return false, err
	}
	if info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}

func filterByName(name string) map[string][]string {
	return map[string][]string{"name": {name}}
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already used")
}
