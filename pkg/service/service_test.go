package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/health"
	"github.com/clara-ai/clarad/pkg/images"
	"github.com/clara-ai/clarad/pkg/state"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

// fakeEngine is a minimal, in-memory stand-in for EngineHandle, grounded on
// the teacher's MockRuntime (pkg/commands/runtime_test.go): a struct of
// fixed return values instead of hitting a real engine.
type fakeEngine struct {
	imagesPresent map[string]bool
	running       map[string]bool
	existing      map[string]bool
	createErr     error
	startErr      error
	created       []string
	started       []string
	stopped       []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		imagesPresent: map[string]bool{},
		running:       map[string]bool{},
		existing:      map[string]bool{},
	}
}

func (f *fakeEngine) InspectImage(ctx context.Context, ref string) (bool, error) {
	return f.imagesPresent[ref], nil
}

func (f *fakeEngine) PullImage(ctx context.Context, ref, platform string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewBufferString(`{"status":"Pull complete"}` + "\n")), nil
}

func (f *fakeEngine) ListContainers(ctx context.Context, nameFilter string) ([]dockercontainer.Summary, error) {
	if f.existing[nameFilter] {
		return []dockercontainer.Summary{{Names: []string{"/" + nameFilter}}}, nil
	}
	return nil, nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (dockercontainer.InspectResponse, error) {
	return dockercontainer.InspectResponse{}, nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, name string, cfg *dockercontainer.Config, hostCfg *dockercontainer.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, name)
	f.existing[name] = true
	return name, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	f.running[id] = true
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeoutSeconds *int) error {
	f.stopped = append(f.stopped, id)
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	delete(f.existing, id)
	return nil
}

func (f *fakeEngine) ExecInContainer(ctx context.Context, id string, cmd []string) (string, error) {
	return "", nil
}

func (f *fakeEngine) CreateNetwork(ctx context.Context, name string) error { return nil }
func (f *fakeEngine) CreateVolume(ctx context.Context, name string) error { return nil }

func (f *fakeEngine) IsContainerRunning(ctx context.Context, nameOrID string) (bool, error) {
	return f.running[nameOrID], nil
}

func buildController(t *testing.T, eng *fakeEngine, reg *health.Registry) *Controller {
	t.Helper()
	ts := state.LoadPullTimestamps(testLogger(), t.TempDir())
	puller := images.NewPuller(testLogger(), eng, bus.New(), ts)
	return NewController(testLogger(), eng, puller, reg, bus.New(), "clara-net")
}

func TestDefAllowedOnPlatform(t *testing.T) {
	d := Def{}
	assert.True(t, d.AllowedOnPlatform("linux"))

	d.PlatformGate = map[string]bool{"darwin": true}
	assert.False(t, d.AllowedOnPlatform("linux"))
	assert.True(t, d.AllowedOnPlatform("darwin"))
}

func TestReconcileSkipsDisabledDef(t *testing.T) {
	eng := newFakeEngine()
	c := buildController(t, eng, health.NewRegistry())
	d := Def{Key: "n8n", ContainerName: "clara-n8n", Enabled: false}

	require.NoError(t, c.Reconcile(context.Background(), d, "linux"))
	assert.Empty(t, eng.created)
}

func TestReconcileSkipsPlatformExcludedDef(t *testing.T) {
	eng := newFakeEngine()
	c := buildController(t, eng, health.NewRegistry())
	d := Def{Key: "comfyui", ContainerName: "clara-comfyui", Enabled: true, PlatformGate: map[string]bool{"darwin": true}}

	require.NoError(t, c.Reconcile(context.Background(), d, "linux"))
	assert.Empty(t, eng.created)
}

func TestReconcileLeavesRunningHealthyContainerWithoutStoppingFirst(t *testing.T) {
	eng := newFakeEngine()
	eng.existing["clara-n8n"] = true
	eng.running["clara-n8n"] = true
	eng.imagesPresent["n8nio/n8n:latest"] = true

	reg := health.NewRegistry()
	reg.Register(health.ID("n8n-http"), func(ctx context.Context) error { return nil })

	c := buildController(t, eng, reg)
	d := Def{Key: "n8n", ContainerName: "clara-n8n", ImageBase: "n8nio/n8n", ImageTag: "latest",
		HealthPredicate: health.ID("n8n-http"), Enabled: true}

	require.NoError(t, c.Reconcile(context.Background(), d, "linux"))
	assert.Empty(t, eng.stopped, "a running, healthy container must not be stopped before reconciling")
}

func TestReconcileStopsAndRemovesUnhealthyExisting(t *testing.T) {
	eng := newFakeEngine()
	eng.existing["clara-n8n"] = true
	eng.running["clara-n8n"] = true
	eng.imagesPresent["n8nio/n8n:latest"] = true

	reg := health.NewRegistry()
	checks := 0
	reg.Register(health.ID("n8n-http"), func(ctx context.Context) error {
		checks++
		if checks == 1 {
			return errors.New("unhealthy") // reconcileExisting's pre-check: force stop+remove
		}
		return nil // awaitHealthy's post-recreate check: now healthy
	})

	c := buildController(t, eng, reg)
	d := Def{Key: "n8n", ContainerName: "clara-n8n", ImageBase: "n8nio/n8n", ImageTag: "latest",
		HealthPredicate: health.ID("n8n-http"), Enabled: true}

	err := c.Reconcile(context.Background(), d, "linux")
	require.NoError(t, err)
	assert.Contains(t, eng.stopped, "clara-n8n")
}

func TestStopStopsAndRemoves(t *testing.T) {
	eng := newFakeEngine()
	eng.running["clara-n8n"] = true
	eng.existing["clara-n8n"] = true
	c := buildController(t, eng, health.NewRegistry())

	require.NoError(t, c.Stop(context.Background(), Def{ContainerName: "clara-n8n"}))
	assert.False(t, eng.running["clara-n8n"])
	assert.False(t, eng.existing["clara-n8n"])
}

func TestGPUProberCachesResult(t *testing.T) {
	ResetGPUCache()
	calls := 0
	g := GPUProber{
		HostGPUPresent: func() bool { calls++; return true },
		Engine:         newFakeEngine(),
		ProbeImage:     "probe:latest",
	}
	first := g.Detect(context.Background())
	second := g.Detect(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "HostGPUPresent must only run once; result is cached")
	ResetGPUCache()
}

func TestCreateContainerErrorWrapsAsTransient(t *testing.T) {
	eng := newFakeEngine()
	eng.createErr = errors.New("no space left on device")
	eng.imagesPresent["n8nio/n8n:latest"] = true

	reg := health.NewRegistry()
	c := buildController(t, eng, reg)
	d := Def{Key: "n8n", ContainerName: "clara-n8n", ImageBase: "n8nio/n8n", ImageTag: "latest", Enabled: true}

	err := c.Reconcile(context.Background(), d, "linux")
	require.Error(t, err)
	kind, ok := clerr.AsKind(err)
	require.True(t, ok)
	assert.Equal(t, clerr.TransientServiceError, kind)
}
