package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/sirupsen/logrus"

	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/state"
)

// llmProcess manages the native LLM-serving binary (llama-server) as a
// local child process. It is not a ServiceDef: it doesn't run inside the
// container engine, so it is driven directly by the llm.* command surface
// rather than reconciled by ServiceController. Grounded on the teacher's
// OSCommand.RunExecutable/Kill/PrepareForChildren pattern
// (pkg/commands/os.go), applied to a long-lived server process instead of a
// one-shot docker/compose invocation.
type llmProcess struct {
	Log        *logrus.Entry
	InstallDir string
	ModelsDir  string
	Host       string
	Port       int

	mu            sync.Mutex
	cmd           *exec.Cmd
	startedAt     time.Time
	selectedModel string
	lastError     string
}

func newLLMProcess(log *logrus.Entry, installDir, modelsDir string, port int) *llmProcess {
	return &llmProcess{Log: log, InstallDir: installDir, ModelsDir: modelsDir, Host: "127.0.0.1", Port: port}
}

func (l *llmProcess) binaryName() string {
	if runtime.GOOS == "windows" {
		return "llama-server.exe"
	}
	return "llama-server"
}

func (l *llmProcess) binaryPath() string {
	return filepath.Join(l.InstallDir, l.binaryName())
}

// alive satisfies health.ProcessAlive.
func (l *llmProcess) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil && l.cmd.Process != nil && l.cmd.ProcessState == nil
}

// Start launches llama-server against modelPath, replacing any running
// instance first.
func (l *llmProcess) Start(ctx context.Context, modelPath string) error {
	l.mu.Lock()
	running := l.cmd != nil && l.cmd.ProcessState == nil
	l.mu.Unlock()
	if running {
		if err := l.Stop(); err != nil {
			return err
		}
	}

	bin := l.binaryPath()
	if _, err := os.Stat(bin); err != nil {
		return clerr.New(clerr.ValidationError, "llama-server binary not installed at "+bin, err)
	}
	if modelPath == "" {
		return clerr.New(clerr.ValidationError, "no model selected", nil)
	}

	args := []string{
		"--model", modelPath,
		"--host", l.Host,
		"--port", fmt.Sprintf("%d", l.Port),
	}
	cmd := exec.CommandContext(context.Background(), bin, args...)
	kill.PrepareForChildren(cmd)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return clerr.New(clerr.TransientServiceError, "spawn llama-server", err)
	}

	l.mu.Lock()
	l.cmd = cmd
	l.startedAt = time.Now()
	l.selectedModel = modelPath
	l.lastError = ""
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		if err != nil {
			l.lastError = err.Error()
		}
		l.mu.Unlock()
	}()

	return nil
}

// Stop gracefully-then-forcefully terminates the running instance, mirroring
// the teacher's OSCommand.Kill.
func (l *llmProcess) Stop() error {
	l.mu.Lock()
	cmd := l.cmd
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()

	_ = kill.Kill(cmd)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	}

	l.mu.Lock()
	l.cmd = nil
	l.mu.Unlock()
	return nil
}

func (l *llmProcess) Restart(ctx context.Context) error {
	l.mu.Lock()
	model := l.selectedModel
	l.mu.Unlock()
	if err := l.Stop(); err != nil {
		return err
	}
	return l.Start(ctx, model)
}

// Status reports a JSON-friendly snapshot for llm.status.
func (l *llmProcess) Status() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	running := l.cmd != nil && l.cmd.ProcessState == nil
	out := map[string]any{
		"running": running,
		"model":   l.selectedModel,
		"host":    l.Host,
		"port":    l.Port,
	}
	if running {
		out["started_at"] = l.startedAt
	}
	if l.lastError != "" {
		out["last_error"] = l.lastError
	}
	return out
}

// Models scans ModelsDir for GGUF weight files.
func (l *llmProcess) Models() ([]string, error) {
	entries, err := os.ReadDir(l.ModelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, clerr.New(clerr.ValidationError, "read models dir", err)
	}
	var models []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gguf") {
			continue
		}
		models = append(models, e.Name())
	}
	return models, nil
}

// llmServerConfig is the minimal shape written by RegenerateConfig; the
// orchestrator doesn't interpret model internals (spec §1 Non-goals), it
// only writes the launch parameters the binary itself reads.
type llmServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Model string `json:"model,omitempty"`
}

// RegenerateConfig writes llama-server-config.json atomically, the way
// pkg/state writes every other orchestrator-owned artifact.
func (l *llmProcess) RegenerateConfig() error {
	l.mu.Lock()
	cfg := llmServerConfig{Host: l.Host, Port: l.Port, Model: l.selectedModel}
	l.mu.Unlock()
	path := filepath.Join(l.InstallDir, "llama-server-config.json")
	return state.WriteJSONAtomic(path, cfg)
}

// StopDependents/RestartDependents implement nativeupdate.ServiceQuiesce: the
// LLM binary is the one dependent that must release its file handles on the
// install directory before an update can replace it.
func (l *llmProcess) StopDependents(ctx context.Context) error {
	return l.Stop()
}

func (l *llmProcess) RestartDependents(ctx context.Context) error {
	l.mu.Lock()
	model := l.selectedModel
	l.mu.Unlock()
	if model == "" {
		return nil
	}
	return l.Start(ctx, model)
}
