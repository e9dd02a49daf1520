package app

import (
	"context"
	"fmt"
	"time"

	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/engine"
	"github.com/clara-ai/clarad/pkg/mcp"
	"github.com/clara-ai/clarad/pkg/service"
)

// Dispatcher realizes spec §6's command surface: one Go method per command
// name, each returning (any, error) in a success/error envelope. The wire
// transport to the GUI is explicitly out of scope (spec §1 Non-goals); this
// is the in-process boundary an embedding application drives directly.
type Dispatcher struct {
	orc *Orchestrator
}

// NewDispatcher returns a Dispatcher bound to an already-constructed
// Orchestrator.
func NewDispatcher(o *Orchestrator) *Dispatcher {
	return &Dispatcher{orc: o}
}

func (d *Dispatcher) requireEngine() error {
	if !d.orc.EngineOK {
		return clerr.New(clerr.EnvironmentBlocker, "no container engine available", nil)
	}
	return nil
}

func (d *Dispatcher) findDef(name string) (service.Def, bool) {
	for _, def := range d.orc.defs {
		if def.Key == name {
			return def, true
		}
	}
	return service.Def{}, false
}

// EngineDetect reports whether a container engine is connected.
func (d *Dispatcher) EngineDetect(ctx context.Context) (any, error) {
	if !d.orc.EngineOK {
		return map[string]any{"connected": false}, nil
	}
	return map[string]any{
		"connected": true,
		"endpoint":  d.orc.Engine.Endpoint().Label,
		"isPodman":  d.orc.Engine.IsPodman(),
	}, nil
}

// EngineReport returns the full diagnostic record from the last locate.
func (d *Dispatcher) EngineReport(ctx context.Context) (any, error) {
	return d.orc.EngineDiag, nil
}

// EngineTestAll re-runs discovery from scratch and returns fresh diagnostics,
// without replacing the active handle (spec §3: EngineHandle "replaced only
// on explicit re-probe").
func (d *Dispatcher) EngineTestAll(ctx context.Context) (any, error) {
	_, diag, err := engine.NewLocator(d.orc.Log).Locate(ctx)
	if err != nil {
		var unavailable *engine.ErrEngineUnavailable
		if e, ok := err.(*engine.ErrEngineUnavailable); ok {
			unavailable = e
			return unavailable.Diagnostics, nil
		}
		return nil, err
	}
	return diag, nil
}

// ServicesList reports every declared ServiceDef's key and current enabled
// state.
func (d *Dispatcher) ServicesList(ctx context.Context) (any, error) {
	out := make([]map[string]any, 0, len(d.orc.defs))
	for _, def := range d.orc.defs {
		status, failures, known := d.orc.Watchdog.Status(def.Key)
		entry := map[string]any{
			"key":     def.Key,
			"enabled": def.Enabled,
		}
		if known {
			entry["status"] = string(status)
			entry["consecutiveFailures"] = failures
		}
		out = append(out, entry)
	}
	return out, nil
}

// ServicesAction dispatches start/stop/restart/remove for one service.
func (d *Dispatcher) ServicesAction(ctx context.Context, name, action string) (any, error) {
	if err := d.requireEngine(); err != nil {
		return nil, err
	}
	def, ok := d.findDef(name)
	if !ok {
		return nil, clerr.New(clerr.ValidationError, "no such service "+name, nil)
	}

	switch action {
	case "start":
		return nil, d.orc.Services.Reconcile(ctx, def, d.orc.Capabilities.OS)
	case "stop", "remove":
		return nil, d.orc.Services.Stop(ctx, def)
	case "restart":
		return nil, d.orc.Services.Restart(ctx, def, d.orc.Capabilities.OS)
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown service action "+action, nil)
	}
}

// ServicesLogs tails a running service's container logs.
func (d *Dispatcher) ServicesLogs(ctx context.Context, name string, tail int) (any, error) {
	if err := d.requireEngine(); err != nil {
		return nil, err
	}
	def, ok := d.findDef(name)
	if !ok {
		return nil, clerr.New(clerr.ValidationError, "no such service "+name, nil)
	}
	return d.orc.Engine.ContainerLogsTail(ctx, def.ContainerName, tail)
}

// ServicesStats reports a service's container running/health state. Full
// CPU/memory stats streaming is not wired: the engine handle's interface is
// deliberately limited to what ServiceController/HealthProber need, and
// nothing else in this orchestrator consumes a stats stream (see
// DESIGN.md).
func (d *Dispatcher) ServicesStats(ctx context.Context, name string) (any, error) {
	if err := d.requireEngine(); err != nil {
		return nil, err
	}
	def, ok := d.findDef(name)
	if !ok {
		return nil, clerr.New(clerr.ValidationError, "no such service "+name, nil)
	}
	running, err := d.orc.Engine.IsContainerRunning(ctx, def.ContainerName)
	if err != nil {
		return nil, err
	}
	status, failures, _ := d.orc.Watchdog.Status(def.Key)
	return map[string]any{
		"running":             running,
		"status":              string(status),
		"consecutiveFailures": failures,
	}, nil
}

// ImagesCheckUpdates checks every configured service image for an update.
func (d *Dispatcher) ImagesCheckUpdates(ctx context.Context) (any, error) {
	if err := d.requireEngine(); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, def := range d.orc.defs {
		ref := fmt.Sprintf("%s:%s", def.ImageBase, def.ImageTag)
		out[ref] = string(d.orc.Puller.CheckUpdate(ctx, ref, ""))
	}
	return out, nil
}

// ImagesUpdate pulls the named images (or every declared image if names is
// empty).
func (d *Dispatcher) ImagesUpdate(ctx context.Context, names []string) (any, error) {
	if err := d.requireEngine(); err != nil {
		return nil, err
	}
	refs := names
	if len(refs) == 0 {
		for _, def := range d.orc.defs {
			refs = append(refs, fmt.Sprintf("%s:%s", def.ImageBase, def.ImageTag))
		}
	}
	for _, ref := range refs {
		if err := d.orc.Puller.Pull(ctx, ref, ""); err != nil {
			return nil, err
		}
	}
	return map[string]any{"updated": refs}, nil
}

// LLMStart starts the native LLM-serving binary against the given model.
func (d *Dispatcher) LLMStart(ctx context.Context, modelPath string) (any, error) {
	return nil, d.orc.LLM.Start(ctx, modelPath)
}

// LLMStop stops the native LLM-serving binary.
func (d *Dispatcher) LLMStop(ctx context.Context) (any, error) {
	return nil, d.orc.LLM.Stop()
}

// LLMRestart restarts the native LLM-serving binary with its last model.
func (d *Dispatcher) LLMRestart(ctx context.Context) (any, error) {
	return nil, d.orc.LLM.Restart(ctx)
}

// LLMStatus reports the native LLM-serving binary's current state.
func (d *Dispatcher) LLMStatus(ctx context.Context) (any, error) {
	return d.orc.LLM.Status(), nil
}

// LLMModels lists locally available GGUF model files.
func (d *Dispatcher) LLMModels(ctx context.Context) (any, error) {
	return d.orc.LLM.Models()
}

// LLMRegenerateConfig rewrites the LLM binary's launch config file.
func (d *Dispatcher) LLMRegenerateConfig(ctx context.Context) (any, error) {
	return nil, d.orc.LLM.RegenerateConfig()
}

// MCPList returns every registered MCP server definition.
func (d *Dispatcher) MCPList(ctx context.Context) (any, error) {
	return d.orc.MCP.List(), nil
}

// MCPAdd registers a new MCP server definition.
func (d *Dispatcher) MCPAdd(ctx context.Context, def mcp.ServerDef) (any, error) {
	return nil, d.orc.MCP.Add(def)
}

// MCPRemove deletes an MCP server definition, stopping it first if running.
func (d *Dispatcher) MCPRemove(ctx context.Context, name string) (any, error) {
	return nil, d.orc.MCP.Remove(ctx, name)
}

// MCPUpdate applies a patch function to an existing MCP server definition.
func (d *Dispatcher) MCPUpdate(ctx context.Context, name string, patch func(*mcp.ServerDef)) (any, error) {
	return nil, d.orc.MCP.Update(name, patch)
}

// MCPStart starts one MCP server.
func (d *Dispatcher) MCPStart(ctx context.Context, name string) (any, error) {
	return nil, d.orc.MCP.Start(ctx, name)
}

// MCPStop stops one MCP server.
func (d *Dispatcher) MCPStop(ctx context.Context, name string) (any, error) {
	return nil, d.orc.MCP.Stop(name)
}

// MCPRestart stops then starts one MCP server.
func (d *Dispatcher) MCPRestart(ctx context.Context, name string) (any, error) {
	_ = d.orc.MCP.Stop(name)
	return nil, d.orc.MCP.Start(ctx, name)
}

// MCPTest starts a server as a connectivity probe. For a remote server this
// is a single GET; for stdio, a real spawn, left running on success (there
// is no separate "probe and tear down" mode for stdio servers — spec §4.G
// only defines that shape for remote).
func (d *Dispatcher) MCPTest(ctx context.Context, name string) (any, error) {
	err := d.orc.MCP.Start(ctx, name)
	return map[string]any{"ok": err == nil}, err
}

// MCPTemplates returns the built-in MCP server template catalog.
func (d *Dispatcher) MCPTemplates(ctx context.Context) (any, error) {
	templates, warnings := mcp.LoadTemplates()
	for _, w := range warnings {
		d.orc.Log.Warn(w)
	}
	return templates, nil
}

// MCPStartAllEnabled starts every enabled, currently-stopped MCP server.
func (d *Dispatcher) MCPStartAllEnabled(ctx context.Context) (any, error) {
	d.orc.MCP.StartAllEnabled(ctx)
	return nil, nil
}

// MCPStopAll stops every currently-running MCP server.
func (d *Dispatcher) MCPStopAll(ctx context.Context) (any, error) {
	d.orc.MCP.StopAll()
	return nil, nil
}

// MCPStartPreviouslyRunning restores the last-persisted running set.
func (d *Dispatcher) MCPStartPreviouslyRunning(ctx context.Context) (any, error) {
	d.orc.MCP.StartPreviouslyRunning(ctx)
	return nil, nil
}

// MCPSaveRunningState persists the current running set to disk.
func (d *Dispatcher) MCPSaveRunningState(ctx context.Context) (any, error) {
	return nil, d.orc.MCP.SaveRunningState()
}

// MCPExecuteTool issues a tools/call against a running MCP server.
func (d *Dispatcher) MCPExecuteTool(ctx context.Context, call mcp.ToolCall) (any, error) {
	return d.orc.MCP.ExecuteTool(ctx, call)
}

// MCPDiagnoseRuntime reports the registered MCP server definitions and the
// time of the report. It does not inspect PATH or look up any server's
// command on the host.
func (d *Dispatcher) MCPDiagnoseRuntime(ctx context.Context) (any, error) {
	return map[string]any{
		"servers": d.orc.MCP.List(),
		"checkedAt": time.Now(),
	}, nil
}

// NativeCheckUpdates fetches the release catalog and compares against the
// installed version, without downloading anything.
func (d *Dispatcher) NativeCheckUpdates(ctx context.Context) (any, error) {
	release, err := d.orc.Native.FetchRelease(ctx)
	if err != nil {
		return nil, err
	}
	current := d.orc.Native.CurrentVersion()
	return map[string]any{
		"currentVersion": current,
		"latestVersion":  release.TagName,
		"updateAvailable": current != release.TagName,
	}, nil
}

// NativeUpdate runs the full native-binary update pipeline.
func (d *Dispatcher) NativeUpdate(ctx context.Context) (any, error) {
	version, err := d.orc.Native.Update(ctx)
	return map[string]any{"version": version}, err
}
