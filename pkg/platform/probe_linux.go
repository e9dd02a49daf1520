//go:build linux

package platform

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// probeOSVersion reads /etc/os-release for VERSION_ID and uname for the
// kernel build, mirroring the teacher's per-platform os_*.go split.
func probeOSVersion() (version, kernelBuild string) {
	if f, err := os.Open("/etc/os-release"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "VERSION_ID=") {
				version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
				break
			}
		}
	}

	var uname syscall.Utsname
	if err := syscall.Uname(&uname); err == nil {
		kernelBuild = int8SliceToString(uname.Release[:])
	}

	return version, kernelBuild
}

func int8SliceToString(s []int8) string {
	b := make([]byte, 0, len(s))
	for _, c := range s {
		if c == 0 {
			break
		}
		b = append(b, byte(c))
	}
	return string(b)
}

// probeResources reads /proc/meminfo, NumCPU, and statfs for free disk space.
func probeResources() (ramGB float64, cores int, freeDiskGB float64) {
	cores = numCPU()

	if f, err := os.Open("/proc/meminfo"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseFloat(fields[1], 64); err == nil {
						ramGB = kb / (1024 * 1024)
					}
				}
				break
			}
		}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs("/", &stat); err == nil {
		freeDiskGB = float64(stat.Bavail) * float64(stat.Bsize) / (1024 * 1024 * 1024)
	}

	return ramGB, cores, freeDiskGB
}
