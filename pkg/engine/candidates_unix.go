//go:build !windows

package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// platformCandidates enumerates Unix domain socket candidates, mirroring the
// teacher's getSocketCandidates priority ladder but remapped onto the
// priority bands this spec defines (desktop/system/WSL/alt-runtime/
// snap-rootless/user-podman).
func platformCandidates() []EngineEndpoint {
	var out []EngineEndpoint
	add := func(path string, priority int, label string, podman bool) {
		if path == "" {
			return
		}
		out = append(out, EngineEndpoint{
			Kind:           KindUnixSocket,
			UnixSocketPath: path,
			Priority:       priority,
			Label:          label,
			IsPodman:       podman,
		})
	}

	home, _ := os.UserHomeDir()
	xdgRuntime := os.Getenv("XDG_RUNTIME_DIR")
	uid := os.Getuid()

	// Desktop sockets (1-2).
	if home != "" {
		add(filepath.Join(home, ".docker", "desktop", "docker.sock"), PriorityDesktopSocketStart, "Docker Desktop", false)
		add(filepath.Join(home, ".rd", "docker.sock"), PriorityDesktopSocketStart+1, "Rancher Desktop", false)
	}

	// System sockets (3-4).
	add("/var/run/docker.sock", PrioritySystemSocketStart, "system Docker", false)
	add("/run/podman/podman.sock", PrioritySystemSocketStart+1, "system Podman", true)

	// WSL-style rootless sockets (5-7).
	if xdgRuntime != "" {
		add(filepath.Join(xdgRuntime, "docker.sock"), PriorityWSLSocketStart, "rootless Docker (XDG_RUNTIME_DIR)", false)
	}
	add(filepath.Join("/run", "user", strconv.Itoa(uid), "docker.sock"), PriorityWSLSocketStart+1, "rootless Docker (/run/user)", false)
	if home != "" {
		add(filepath.Join(home, ".docker", "run", "docker.sock"), PriorityWSLSocketStart+2, "rootless Docker (~/.docker/run)", false)
	}

	// Alternate-runtime sockets (8-13): Colima, OrbStack, Lima.
	if home != "" {
		add(filepath.Join(home, ".colima", "default", "docker.sock"), PriorityAltRuntimeStart, "Colima", false)
		add(filepath.Join(home, ".colima", "docker.sock"), PriorityAltRuntimeStart+1, "Colima", false)
		add(filepath.Join(home, ".orbstack", "run", "docker.sock"), PriorityAltRuntimeStart+2, "OrbStack", false)
		add(filepath.Join(home, ".lima", "default", "sock", "docker.sock"), PriorityAltRuntimeStart+3, "Lima", false)
	}

	// Snap/flatpak/rootless (14-18).
	add("/var/snap/docker/current/run/docker.sock", PrioritySnapRootlessStart, "snap Docker", false)

	// User Podman sockets (19-21).
	if xdgRuntime != "" {
		add(filepath.Join(xdgRuntime, "podman", "podman.sock"), PriorityUserPodmanStart, "rootless Podman (XDG_RUNTIME_DIR)", true)
	}
	add(filepath.Join("/run", "user", strconv.Itoa(uid), "podman", "podman.sock"), PriorityUserPodmanStart+1, "rootless Podman (/run/user)", true)
	if home != "" {
		add(filepath.Join(home, ".local", "share", "containers", "podman", "podman.sock"), PriorityUserPodmanStart+2, "rootless Podman (~/.local/share)", true)
	}

	return out
}

// processDetectedCandidates looks for a running dockerd/podman process and,
// if found, proposes its default socket as a last-resort candidate
// (priority band 60).
func processDetectedCandidates() []EngineEndpoint {
	for _, name := range []string{"dockerd", "podman"} {
		out, err := exec.Command("pgrep", "-x", name).Output()
		if err != nil || len(strings.TrimSpace(string(out))) == 0 {
			continue
		}
		if name == "podman" {
			return []EngineEndpoint{{
				Kind:           KindUnixSocket,
				UnixSocketPath: "/run/podman/podman.sock",
				Priority:       PriorityProcessDetected,
				Label:          "podman process detected",
				IsPodman:       true,
			}}
		}
		return []EngineEndpoint{{
			Kind:           KindUnixSocket,
			UnixSocketPath: "/var/run/docker.sock",
			Priority:       PriorityProcessDetected,
			Label:          "dockerd process detected",
		}}
	}
	return nil
}
