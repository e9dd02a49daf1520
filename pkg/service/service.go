// Package service implements ServiceController (spec §4.D): declarative
// service definitions, network/volume provisioning, and the
// inspect-then-reconcile logic that brings each enabled, platform-permitted
// ServiceDef's container into the desired state.
package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/sirupsen/logrus"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/health"
	"github.com/clara-ai/clarad/pkg/images"
)

// RuntimeHint distinguishes a plain container from one that wants a GPU
// device request (spec §3, ServiceDef.runtime_hint).
type RuntimeHint string

const (
	RuntimeDefault RuntimeHint = "default"
	RuntimeGPU     RuntimeHint = "gpu"
)

// BindMount is a host-path -> container-path bind mount.
type BindMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Def is ServiceDef (spec §3): declared statically, never mutated at
// runtime.
type Def struct {
	Key            string
	ContainerName  string
	ImageBase      string
	ImageTag       string
	HostPort       int
	ContainerPort  int
	BindMounts     []BindMount
	NamedVolumes   []string
	Env            []string
	RuntimeHint    RuntimeHint
	HealthPredicate health.ID
	PlatformGate   map[string]bool // nil/empty means "all platforms"
	Enabled        bool
}

// AllowedOnPlatform reports whether the current OS is in this Def's
// platform_gate (an empty/nil gate allows every OS).
func (d Def) AllowedOnPlatform(hostOS string) bool {
	if len(d.PlatformGate) == 0 {
		return true
	}
	return d.PlatformGate[hostOS]
}

// EngineHandle is the subset of *engine.Handle ServiceController needs,
// interfaced so tests can drive it with a fake.
type EngineHandle interface {
	images.Handle
	ListContainers(ctx context.Context, nameFilter string) ([]dockercontainer.Summary, error)
	InspectContainer(ctx context.Context, id string) (dockercontainer.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *dockercontainer.Config, hostCfg *dockercontainer.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds *int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ExecInContainer(ctx context.Context, id string, cmd []string) (string, error)
	CreateNetwork(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string) error
	IsContainerRunning(ctx context.Context, nameOrID string) (bool, error)
}

// ContainerLogs is implemented by the engine handle for StartupFailure's
// "capture last N lines of container logs" step (spec §4.D). Kept as its own
// small interface since not every fake handle in tests needs it.
type ContainerLogs interface {
	ContainerLogsTail(ctx context.Context, id string, tailLines int) (string, error)
}

// GPUProber implements the two-step GPU detection described in spec §4.D:
// a host-side query, then a short containerized test run.
type GPUProber struct {
	HostGPUPresent func() bool
	Engine         EngineHandle
	ProbeImage     string
}

// cachedGPUResult caches the detection outcome until the next explicit
// Reset (spec §4.D: "Result caches until next setup").
var cachedGPUResult *bool

// Detect runs the two-step probe once per process lifetime (cached).
func (g GPUProber) Detect(ctx context.Context) bool {
	if cachedGPUResult != nil {
		return *cachedGPUResult
	}
	ok := g.detect(ctx)
	cachedGPUResult = &ok
	return ok
}

// ResetGPUCache clears the cached GPU-detection result; called at the start
// of a fresh setup run.
func ResetGPUCache() { cachedGPUResult = nil }

func (g GPUProber) detect(ctx context.Context) bool {
	if g.HostGPUPresent == nil || !g.HostGPUPresent() {
		return false
	}
	if g.Engine == nil || g.ProbeImage == "" {
		return false
	}
	out, err := g.Engine.ExecInContainer(ctx, g.ProbeImage, []string{"true"})
	if err != nil {
		return false
	}
	_ = out
	return true
}

// Controller reconciles declared Defs against actual container state.
type Controller struct {
	Log     *logrus.Entry
	Engine  EngineHandle
	Images  *images.Puller
	Health  *health.Registry
	Bus     *bus.Bus
	Network string
	GPU     GPUProber
}

// NewController returns a ready-to-use Controller.
func NewController(log *logrus.Entry, engine EngineHandle, imagePuller *images.Puller, healthRegistry *health.Registry, b *bus.Bus, network string) *Controller {
	return &Controller{Log: log, Engine: engine, Images: imagePuller, Health: healthRegistry, Bus: b, Network: network}
}

// Provision creates the shared network and every declared named volume,
// tolerating already-exists per spec §4.D.
func (c *Controller) Provision(ctx context.Context, defs []Def) error {
	if err := c.Engine.CreateNetwork(ctx, c.Network); err != nil {
		return clerr.New(clerr.EnvironmentBlocker, "create network "+c.Network, err)
	}
	for _, d := range defs {
		for _, vol := range d.NamedVolumes {
			if err := c.Engine.CreateVolume(ctx, vol); err != nil {
				return clerr.New(clerr.EnvironmentBlocker, "create volume "+vol, err)
			}
		}
	}
	return nil
}

// Reconcile brings one Def's container to the desired running+healthy
// state, following spec §4.D steps 1-6.
func (c *Controller) Reconcile(ctx context.Context, d Def, hostOS string) error {
	if !d.Enabled {
		c.publishState(d.Key, "disabled", 0)
		return nil
	}
	if !d.AllowedOnPlatform(hostOS) {
		c.Log.Infof("service %s excluded on platform %s", d.Key, hostOS)
		c.publishState(d.Key, "disabled", 0)
		return nil
	}

	c.publishState(d.Key, "starting", 0)

	if err := c.reconcileExisting(ctx, d); err != nil {
		return err
	}

	// A container still running here was left in place by reconcileExisting.
	if running, err := c.Engine.IsContainerRunning(ctx, d.ContainerName); err == nil && running {
		c.publishState(d.Key, "healthy", 0)
		return nil
	}

	imageRef := fmt.Sprintf("%s:%s", d.ImageBase, d.ImageTag)
	present, err := c.Engine.InspectImage(ctx, imageRef)
	if err != nil {
		return clerr.New(clerr.EnvironmentBlocker, "inspect image "+imageRef, err)
	}
	if !present {
		if err := c.Images.Pull(ctx, imageRef, ""); err != nil {
			return err
		}
	}

	id, err := c.create(ctx, d, imageRef)
	if err != nil {
		return clerr.New(clerr.TransientServiceError, "create container "+d.ContainerName, err)
	}

	if err := c.Engine.StartContainer(ctx, id); err != nil {
		return clerr.New(clerr.TransientServiceError, "start container "+d.ContainerName, err)
	}

	time.Sleep(5 * time.Second)
	return c.awaitHealthy(ctx, d, id)
}

// reconcileExisting inspects for an existing container of the same name and
// leaves/stops/removes it per spec §4.D step 2.
func (c *Controller) reconcileExisting(ctx context.Context, d Def) error {
	containers, err := c.Engine.ListContainers(ctx, d.ContainerName)
	if err != nil {
		return clerr.New(clerr.EnvironmentBlocker, "list containers", err)
	}
	if len(containers) == 0 {
		return nil
	}

	running, err := c.Engine.IsContainerRunning(ctx, d.ContainerName)
	if err != nil {
		return clerr.New(clerr.TransientServiceError, "inspect "+d.ContainerName, err)
	}

	if running {
		if c.Health == nil {
			return nil
		}
		if err := c.Health.Check(ctx, d.HealthPredicate); err == nil {
			return nil // running and healthy: leave it alone
		}
	}

	// Present-stopped, or present-running-but-unhealthy: stop then remove.
	zero := 5
	_ = c.Engine.StopContainer(ctx, d.ContainerName, &zero)
	return c.Engine.RemoveContainer(ctx, d.ContainerName, true)
}

func (c *Controller) create(ctx context.Context, d Def, imageRef string) (string, error) {
	env := append([]string{}, d.Env...)

	hostCfg := &dockercontainer.HostConfig{
		RestartPolicy: dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyUnlessStopped},
		NetworkMode:   dockercontainer.NetworkMode(c.Network),
	}
	if d.HostPort != 0 && d.ContainerPort != 0 {
		containerPort := fmt.Sprintf("%d/tcp", d.ContainerPort)
		hostCfg.PortBindings = dockercontainer.PortMap{
			dockercontainer.Port(containerPort): []dockercontainer.PortBinding{{HostPort: fmt.Sprintf("%d", d.HostPort)}},
		}
	}
	for _, m := range d.BindMounts {
		mode := ""
		if m.ReadOnly {
			mode = ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s%s", m.HostPath, m.ContainerPath, mode))
	}
	for _, v := range d.NamedVolumes {
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:/data/%s", v, v))
	}

	if d.RuntimeHint == RuntimeGPU && c.GPU.Detect(ctx) {
		hostCfg.DeviceRequests = []dockercontainer.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
		env = append(env, "NVIDIA_VISIBLE_DEVICES=all")
	} else if d.RuntimeHint == RuntimeGPU {
		c.Bus.Publish(bus.TopicSetupStatus, bus.SetupStatus{
			Message: fmt.Sprintf("%s: no GPU detected, falling back to CPU", d.Key),
			Level:   bus.LevelInfo,
		})
	}

	cfg := &dockercontainer.Config{
		Image: imageRef,
		Env:   env,
	}
	if d.ContainerPort != 0 {
		cfg.ExposedPorts = dockercontainer.PortSet{
			dockercontainer.Port(fmt.Sprintf("%d/tcp", d.ContainerPort)): struct{}{},
		}
	}

	netCfg := &network.NetworkingConfig{}

	return c.Engine.CreateContainer(ctx, d.ContainerName, cfg, hostCfg, netCfg)
}

// awaitHealthy polls the health predicate up to 5 times with 5s gaps (spec
// §4.D step 5); on final failure it captures container logs and emits
// StartupFailure.
func (c *Controller) awaitHealthy(ctx context.Context, d Def, id string) error {
	if c.Health == nil {
		c.publishState(d.Key, "healthy", 0)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(5 * time.Second)
		}
		if err := c.Health.Check(ctx, d.HealthPredicate); err == nil {
			c.publishState(d.Key, "healthy", 0)
			return nil
		} else {
			lastErr = err
		}
	}

	logs := c.tailLogs(ctx, id, 50)
	c.publishState(d.Key, "unhealthy", 0)
	return clerr.New(clerr.TransientServiceError,
		fmt.Sprintf("service %s failed to become healthy; logs:\n%s", d.Key, logs), lastErr)
}

func (c *Controller) tailLogs(ctx context.Context, id string, n int) string {
	if tailer, ok := c.Engine.(ContainerLogs); ok {
		logs, err := tailer.ContainerLogsTail(ctx, id, n)
		if err == nil {
			return logs
		}
	}
	var buf bytes.Buffer
	return buf.String()
}

func (c *Controller) publishState(key, status string, failures int) {
	if c.Bus == nil {
		return
	}
	c.Bus.Publish(bus.TopicServiceState, bus.ServiceState{
		Key:                 key,
		Status:              status,
		LastCheckAt:         time.Now(),
		ConsecutiveFailures: failures,
	})
}

// Restart stops then removes the container, then reconciles it back up —
// ServiceController "treats containers as idempotently replaceable" (spec
// §3).
func (c *Controller) Restart(ctx context.Context, d Def, hostOS string) error {
	zero := 5
	_ = c.Engine.StopContainer(ctx, d.ContainerName, &zero)
	_ = c.Engine.RemoveContainer(ctx, d.ContainerName, true)
	return c.Reconcile(ctx, d, hostOS)
}

// Stop stops and removes the container without recreating it.
func (c *Controller) Stop(ctx context.Context, d Def) error {
	zero := 10
	if err := c.Engine.StopContainer(ctx, d.ContainerName, &zero); err != nil {
		return clerr.New(clerr.TransientServiceError, "stop "+d.ContainerName, err)
	}
	return c.Engine.RemoveContainer(ctx, d.ContainerName, true)
}
