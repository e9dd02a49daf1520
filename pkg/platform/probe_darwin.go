//go:build darwin

package platform

import (
	"os/exec"
	"strings"
	"syscall"
)

// probeOSVersion shells out to sw_vers and uname, the macOS analogues of the
// release-info/kernel-info commands named in spec §4.A.
func probeOSVersion() (version, kernelBuild string) {
	if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
		version = strings.TrimSpace(string(out))
	}
	if out, err := exec.Command("uname", "-r").Output(); err == nil {
		kernelBuild = strings.TrimSpace(string(out))
	}
	return version, kernelBuild
}

func probeResources() (ramGB float64, cores int, freeDiskGB float64) {
	cores = numCPU()

	if memBytes, err := syscall.SysctlUint64("hw.memsize"); err == nil {
		ramGB = float64(memBytes) / (1024 * 1024 * 1024)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs("/", &stat); err == nil {
		freeDiskGB = float64(stat.Bavail) * float64(stat.Bsize) / (1024 * 1024 * 1024)
	}

	return ramGB, cores, freeDiskGB
}
