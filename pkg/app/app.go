// Package app wires every orchestrator subsystem together into the running
// process: platform probing, container-engine discovery, service
// reconciliation, health supervision, MCP subprocess management, and the
// native LLM binary. It owns nothing but the wiring and the command surface
// (Dispatcher) the embedding application drives it through; each subsystem
// still owns its own state, per spec §5 ("no shared mutable state outside
// explicit per-service state objects").
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/config"
	"github.com/clara-ai/clarad/pkg/engine"
	"github.com/clara-ai/clarad/pkg/health"
	"github.com/clara-ai/clarad/pkg/images"
	applog "github.com/clara-ai/clarad/pkg/log"
	"github.com/clara-ai/clarad/pkg/mcp"
	"github.com/clara-ai/clarad/pkg/nativeupdate"
	"github.com/clara-ai/clarad/pkg/platform"
	"github.com/clara-ai/clarad/pkg/service"
	"github.com/clara-ai/clarad/pkg/state"
	"github.com/clara-ai/clarad/pkg/watchdog"
)

const claraNetwork = "clara-net"

// Orchestrator is the root object: one context-scoped goroutine per
// subsystem, every outcome published on Bus (spec §5).
type Orchestrator struct {
	Config *config.AppConfig
	Log    *logrus.Entry
	Bus    *bus.Bus

	Capabilities platform.Capabilities
	Features     state.FeatureSelection

	Engine     *engine.Handle
	EngineOK   bool
	EngineDiag engine.Diagnostics

	Resolver *images.Resolver
	Puller   *images.Puller
	Health   *health.Registry
	Services *service.Controller
	Watchdog *watchdog.Watchdog
	MCP      *mcp.Supervisor
	Native   *nativeupdate.Updater
	LLM      *llmProcess

	defs []service.Def

	closers []func() error
}

// New probes the platform, locates a container engine, and wires every
// subsystem, but does not yet start anything (call Setup for that). Engine
// discovery failure is not fatal: the orchestrator degrades to MCP/LLM-only
// operation and surfaces a bus warning (spec §7: EnvironmentBlocker
// "continues in a degraded mode where possible").
func New(cfg *config.AppConfig) (*Orchestrator, error) {
	log := applog.NewLogger(cfg)
	b := bus.New()

	if host := cfg.UserConfig.ContainerEngine.Host; host != "" {
		os.Setenv("DOCKER_HOST", host)
	}

	installDir := filepath.Join(cfg.ConfigDir, cfg.UserConfig.NativeBinary.InstallDirName, platformDirName())
	gates := platform.DefaultGates(installDir)
	caps, err := platform.LoadOrProbe(log, cfg.ConfigDir, gates, false)
	if err != nil {
		log.Warnf("platform probe: %v", err)
	}

	features := state.LoadFeatureSelection(log, cfg.ConfigDir)

	o := &Orchestrator{
		Config:       cfg,
		Log:          log,
		Bus:          b,
		Capabilities: caps,
		Features:     features,
		Health:       health.NewRegistry(),
		MCP:          mcp.New(log, b, cfg.ConfigDir),
		LLM:          newLLMProcess(log, installDir, filepath.Join(cfg.ConfigDir, "models"), 8089),
	}
	o.MCP.LoadRegistry()

	o.Native = nativeupdate.NewUpdater(log, b, cfg.UserConfig.NativeBinary.ReleaseCatalogURL, installDir, o.LLM)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h, diag, err := engine.NewLocator(log).Locate(ctx)
	o.EngineDiag = diag
	if err != nil {
		log.Warnf("container engine discovery: %v", err)
		o.publishStatus(fmt.Sprintf("no container engine found: %v", err), bus.LevelWarning, nil)
	} else {
		o.Engine = h
		o.EngineOK = true
		o.closers = append(o.closers, h.Close)

		pullTimestamps := state.LoadPullTimestamps(log, cfg.ConfigDir)
		o.Resolver = images.NewResolver(log, h)
		o.Puller = images.NewPuller(log, h, b, pullTimestamps)
		o.Services = service.NewController(log, h, o.Puller, o.Health, b, claraNetwork)
	}

	params := watchdog.Params{
		CheckInterval:    time.Duration(cfg.UserConfig.Watchdog.CheckIntervalSeconds) * time.Second,
		StartupGrace:     time.Duration(cfg.UserConfig.Watchdog.StartupGraceSeconds) * time.Second,
		MaxRetries:       cfg.UserConfig.Watchdog.MaxRetries,
		RetryDelay:       time.Duration(cfg.UserConfig.Watchdog.RetryDelaySeconds) * time.Second,
		MaxNotifications: cfg.UserConfig.Watchdog.MaxNotifications,
		PostRestartWait:  time.Duration(cfg.UserConfig.Watchdog.PostRestartWaitSeconds) * time.Second,
	}
	o.Watchdog = watchdog.New(log, b, o.Health, params)

	return o, nil
}

func platformDirName() string {
	return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
}

func (o *Orchestrator) publishStatus(message string, level bus.Level, pct *int) {
	o.Bus.Publish(bus.TopicSetupStatus, bus.SetupStatus{Message: message, Level: level, Percentage: pct})
}

// defaultServiceDefs builds the three containerized ServiceDefs (spec §9
// Open Question 1: hardcoded ports, no dynamic allocation), gated by feature
// selection and the platform's derived feature-gate map.
func (o *Orchestrator) defaultServiceDefs() []service.Def {
	gates := o.Capabilities.FeatureGates

	ragHealthID := health.ID("rag-backend-http")
	n8nHealthID := health.ID("n8n-http")
	comfyHealthID := health.ID("comfyui-http")

	o.Health.Register(ragHealthID, health.HTTPGet(nil, "http://127.0.0.1:5001/health", health.StatusFieldOneOf("healthy", "ok")))
	o.Health.Register(n8nHealthID, health.HTTPGet(nil, "http://127.0.0.1:5678/healthz", nil))
	o.Health.Register(comfyHealthID, health.HTTPGet(nil, "http://127.0.0.1:8188/system_stats", nil))

	return []service.Def{
		{
			Key:             "rag-backend",
			ContainerName:   "clara-rag-backend",
			ImageBase:       "clara-ai/rag-backend",
			ImageTag:        "latest",
			HostPort:        5001,
			ContainerPort:   5001,
			NamedVolumes:    []string{"clara-rag-data"},
			HealthPredicate: ragHealthID,
			Enabled:         o.Features.Enabled("ragAndTts") && gates["ragAndTts"],
		},
		{
			Key:             "n8n",
			ContainerName:   "clara-n8n",
			ImageBase:       "n8nio/n8n",
			ImageTag:        "latest",
			HostPort:        5678,
			ContainerPort:   5678,
			NamedVolumes:    []string{"clara-n8n-data"},
			HealthPredicate: n8nHealthID,
			Enabled:         o.Features.Enabled("n8n") && gates["n8n"],
		},
		{
			Key:             "comfyui",
			ContainerName:   "clara-comfyui",
			ImageBase:       "clara-ai/comfyui",
			ImageTag:        "latest",
			HostPort:        8188,
			ContainerPort:   8188,
			NamedVolumes:    []string{"clara-comfyui-data"},
			RuntimeHint:     service.RuntimeGPU,
			HealthPredicate: comfyHealthID,
			Enabled:         o.Features.Enabled("comfyUI") && gates["comfyUI"],
		},
	}
}

// Setup brings up every containerized service and starts the watchdog and
// MCP supervisor, within an overall 10-minute cap (spec §5). On timeout it
// attempts best-effort cleanup of anything left mid-start.
func (o *Orchestrator) Setup(parent context.Context) error {
	timeoutMinutes := o.Config.UserConfig.Setup.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 10
	}
	ctx, cancel := context.WithTimeout(parent, time.Duration(timeoutMinutes)*time.Minute)
	defer cancel()

	service.ResetGPUCache()

	if !o.EngineOK {
		o.publishStatus("running without a container engine: containerized services are unavailable", bus.LevelWarning, nil)
	} else {
		o.defs = o.defaultServiceDefs()
		if err := o.runServiceSetup(ctx); err != nil {
			return err
		}
	}

	o.Watchdog.Start(parent)
	o.MCP.StartPreviouslyRunning(parent)
	o.Watchdog.SignalSetupComplete()

	pct := 100
	o.publishStatus("setup complete", bus.LevelSuccess, &pct)
	return nil
}

// runServiceSetup provisions the network/volumes, reconciles every Def in
// parallel (spec §5: "initiates independent tasks in parallel"), and
// registers each with the watchdog. On a timed-out context it stops
// whatever never reached healthy.
func (o *Orchestrator) runServiceSetup(ctx context.Context) error {
	if err := o.Services.Provision(ctx, o.defs); err != nil {
		return err
	}

	var wg sync.WaitGroup
	results := make([]error, len(o.defs))
	for i, d := range o.defs {
		wg.Add(1)
		go func(i int, d service.Def) {
			defer wg.Done()
			results[i] = o.Services.Reconcile(ctx, d, o.Capabilities.OS)
		}(i, d)
	}
	wg.Wait()

	for i, d := range o.defs {
		if results[i] != nil {
			o.Log.Warnf("reconcile %s: %v", d.Key, results[i])
		}
		d := d
		o.Watchdog.Register(watchdog.Supervised{
			Key:              d.Key,
			HealthPredicate:  d.HealthPredicate,
			PlatformExcluded: !d.AllowedOnPlatform(o.Capabilities.OS),
			Restart: func(ctx context.Context) error {
				return o.Services.Restart(ctx, d, o.Capabilities.OS)
			},
		})
	}

	if ctx.Err() != nil {
		o.Log.Warn("setup timed out, stopping partially-started services")
		for i, d := range o.defs {
			if results[i] == nil {
				continue
			}
			_ = o.Services.Stop(context.Background(), d)
		}
		return clerr.New(clerr.TransientServiceError, "setup timed out", ctx.Err())
	}
	return nil
}

// Shutdown persists the MCP running set, stops every MCP child process, the
// watchdog and the LLM process, then closes the engine handle. Containerized
// services are left running, matching the teacher's "closing the TUI doesn't touch
// docker state" posture (the teacher's App.Close only tears down its own
// closers, never the containers it was observing).
func (o *Orchestrator) Shutdown() error {
	_ = o.MCP.SaveRunningState()
	o.MCP.StopAll()
	o.Watchdog.Stop()
	_ = o.LLM.Stop()

	var firstErr error
	for _, c := range o.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.Bus.Close()
	return firstErr
}
