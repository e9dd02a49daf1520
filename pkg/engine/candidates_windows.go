//go:build windows

package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// platformCandidates enumerates named-pipe candidates, mirroring the
// teacher's getPodmanPipes/detectPlatformCandidates for Windows.
func platformCandidates() []EngineEndpoint {
	out := []EngineEndpoint{{
		Kind:          KindNamedPipe,
		NamedPipePath: `\\.\pipe\docker_engine`,
		Priority:      PriorityWindowsNamedPipe,
		Label:         "Docker Desktop named pipe",
	}}

	for i, pipe := range podmanPipes() {
		out = append(out, EngineEndpoint{
			Kind:          KindNamedPipe,
			NamedPipePath: pipe,
			Priority:      PriorityWindowsAltPipe + i,
			Label:         "Podman machine named pipe",
			IsPodman:      true,
		})
	}

	return out
}

func podmanPipes() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{`\\.\pipe\podman-machine-default`}
	}

	configDir := filepath.Join(home, ".config", "containers", "podman", "machine", "wsl")
	files, err := os.ReadDir(configDir)
	if err != nil {
		return []string{`\\.\pipe\podman-machine-default`}
	}

	var pipes []string
	for _, f := range files {
		if !f.IsDir() && filepath.Ext(f.Name()) == ".json" {
			name := strings.TrimSuffix(f.Name(), ".json")
			pipes = append(pipes, `\\.\pipe\`+name)
		}
	}
	if len(pipes) == 0 {
		return []string{`\\.\pipe\podman-machine-default`}
	}
	return pipes
}

// processDetectedCandidates looks for a running dockerd/podman process via
// tasklist, proposing the default pipe as a last-resort candidate.
func processDetectedCandidates() []EngineEndpoint {
	out, err := exec.Command("tasklist").Output()
	if err != nil {
		return nil
	}
	listing := strings.ToLower(string(out))
	if strings.Contains(listing, "podman") {
		return []EngineEndpoint{{
			Kind:          KindNamedPipe,
			NamedPipePath: `\\.\pipe\podman-machine-default`,
			Priority:      PriorityProcessDetected,
			Label:         "podman process detected",
			IsPodman:      true,
		}}
	}
	if strings.Contains(listing, "dockerd") {
		return []EngineEndpoint{{
			Kind:          KindNamedPipe,
			NamedPipePath: `\\.\pipe\docker_engine`,
			Priority:      PriorityProcessDetected,
			Label:         "dockerd process detected",
		}}
	}
	return nil
}
