package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"

	"github.com/containers/podman/v5/pkg/api/handlers"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	pnetwork "github.com/containers/podman/v5/pkg/bindings/network"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/bindings/volumes"
	entitiesTypes "github.com/containers/podman/v5/pkg/domain/entities/types"
	"github.com/containers/podman/v5/pkg/specgen"
	nettypes "go.podman.io/common/libnetwork/types"
)

// podmanConn wraps a Podman bindings connection, grounded on the teacher's
// SocketRuntime wrapper. It backs Handle whenever the locator selects a
// Podman-flavored endpoint.
type podmanConn struct {
	ctx context.Context
}

func connectPodman(ctx context.Context, endpoint EngineEndpoint) (*Handle, error) {
	conn, err := bindings.NewConnection(ctx, endpoint.Host())
	if err != nil {
		return nil, fmt.Errorf("podman connection: %w", err)
	}
	if _, err := system.Version(conn, nil); err != nil {
		return nil, fmt.Errorf("podman version probe: %w", err)
	}
	return &Handle{endpoint: endpoint, podman: &podmanConn{ctx: conn}}, nil
}

func (p *podmanConn) ping(ctx context.Context) error {
	_, err := system.Version(p.ctx, nil)
	return err
}

func (p *podmanConn) listContainers(ctx context.Context, nameFilter string) ([]dockercontainer.Summary, error) {
	all := true
	opts := &containers.ListOptions{All: &all}
	if nameFilter != "" {
		opts.Filters = map[string][]string{"name": {nameFilter}}
	}
	list, err := containers.List(p.ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]dockercontainer.Summary, 0, len(list))
	for _, c := range list {
		out = append(out, dockercontainer.Summary{
			ID:    c.ID,
			Names: c.Names,
			Image: c.Image,
			State: c.State,
		})
	}
	return out, nil
}

func (p *podmanConn) inspectContainer(ctx context.Context, id string) (dockercontainer.InspectResponse, error) {
	data, err := containers.Inspect(p.ctx, id, nil)
	if err != nil {
		return dockercontainer.InspectResponse{}, err
	}
	resp := dockercontainer.InspectResponse{}
	resp.ID = data.ID
	if data.State != nil {
		resp.State = &dockercontainer.State{
			Status:  data.State.Status,
			Running: data.State.Running,
		}
	}
	return resp, nil
}

func (p *podmanConn) createContainer(ctx context.Context, name string, cfg *dockercontainer.Config, hostCfg *dockercontainer.HostConfig, netCfg *dockernetwork.NetworkingConfig) (string, error) {
	spec := &specgen.SpecGenerator{}
	spec.Name = name
	spec.Image = cfg.Image
	spec.Command = cfg.Cmd
	spec.Env = envSliceToMap(cfg.Env)

	created, err := containers.CreateWithSpec(p.ctx, spec, nil)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (p *podmanConn) startContainer(ctx context.Context, id string) error {
	return containers.Start(p.ctx, id, nil)
}

func (p *podmanConn) stopContainer(ctx context.Context, id string, timeoutSeconds *int) error {
	opts := &containers.StopOptions{}
	if timeoutSeconds != nil {
		t := uint(*timeoutSeconds)
		opts.Timeout = &t
	}
	return containers.Stop(p.ctx, id, opts)
}

func (p *podmanConn) removeContainer(ctx context.Context, id string, force bool) error {
	removeVolumes := false
	opts := &containers.RemoveOptions{Force: &force, Volumes: &removeVolumes}
	_, err := containers.Remove(p.ctx, id, opts)
	return err
}

func (p *podmanConn) execInContainer(ctx context.Context, id string, cmd []string) (string, error) {
	execID, err := containers.ExecCreate(p.ctx, id, &handlers.ExecCreateConfig{
		ExecOptions: dockercontainer.ExecOptions{
			Cmd:          cmd,
			AttachStdout: true,
			AttachStderr: true,
		},
	})
	if err != nil {
		return "", err
	}

	var buf collectingWriter
	var w io.Writer = &buf
	if err := containers.ExecStartAndAttach(p.ctx, execID, &containers.ExecStartAndAttachOptions{
		OutputStream: &w,
		ErrorStream:  &w,
	}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type collectingWriter struct {
	data []byte
}

func (w *collectingWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *collectingWriter) String() string { return string(w.data) }

func (p *podmanConn) containerLogsTail(ctx context.Context, id string, tailLines int) (string, error) {
	stdout := make(chan string, 256)
	stderr := make(chan string, 256)
	tail := fmt.Sprintf("%d", tailLines)
	opts := &containers.LogOptions{Tail: &tail}

	done := make(chan error, 1)
	go func() {
		done <- containers.Logs(p.ctx, id, opts, stdout, stderr)
	}()

	var buf collectingWriter
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			buf.Write([]byte(line + "\n"))
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			buf.Write([]byte(line + "\n"))
		case err := <-done:
			return buf.String(), err
		}
	}
	return buf.String(), <-done
}

func (p *podmanConn) createNetwork(ctx context.Context, name string) error {
	_, err := pnetwork.Create(p.ctx, &nettypes.Network{Name: name})
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

func (p *podmanConn) createVolume(ctx context.Context, name string) error {
	_, err := volumes.Create(p.ctx, entitiesTypes.VolumeCreateOptions{Name: name}, nil)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

func (p *podmanConn) pullImage(ctx context.Context, ref string, platform string) (io.ReadCloser, error) {
	opts := &images.PullOptions{}
	if platform != "" {
		opts.OS = &platform
	}
	report, err := images.Pull(p.ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(linesToReader(report)), nil
}

func (p *podmanConn) inspectImage(ctx context.Context, ref string) (bool, error) {
	_, err := images.GetImage(p.ctx, ref, nil)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// linesToReader flattens the Podman pull report (one string per pulled
// layer/digest) into the same NDJSON-of-status-records shape the Docker API
// streams, wrapping each line as a bare {"status": ...} record so pkg/images
// can decode both engines' pull streams with one scanner.
func linesToReader(lines []string) io.Reader {
	joined := ""
	for _, l := range lines {
		rec, err := json.Marshal(struct {
			Status string `json:"status"`
		}{Status: l})
		if err != nil {
			continue
		}
		joined += string(rec) + "\n"
	}
	return &byteReader{data: []byte(joined)}
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func envSliceToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
