//go:build windows

package platform

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// probeOSVersion reads the registry-reported build number the way Windows
// release-info tooling does, falling back to `ver` if the registry lookup
// fails.
func probeOSVersion() (version, kernelBuild string) {
	k, err := openCurrentVersionKey()
	if err == nil {
		defer k.Close()
		major, _, _ := k.GetIntegerValue("CurrentMajorVersionNumber")
		minor, _, _ := k.GetIntegerValue("CurrentMinorVersionNumber")
		build, _, _ := k.GetStringValue("CurrentBuildNumber")
		version = strconv.FormatUint(major, 10) + "." + strconv.FormatUint(minor, 10) + "." + build
		kernelBuild = build
		return version, kernelBuild
	}

	if out, err := exec.Command("cmd", "/c", "ver").Output(); err == nil {
		version = strings.TrimSpace(string(out))
	}
	return version, kernelBuild
}

func openCurrentVersionKey() (windows.Handle, error) {
	var h windows.Handle
	err := windows.RegOpenKeyEx(windows.HKEY_LOCAL_MACHINE,
		windows.StringToUTF16Ptr(`SOFTWARE\Microsoft\Windows NT\CurrentVersion`),
		0, windows.KEY_READ, &h)
	return h, err
}

func probeResources() (ramGB float64, cores int, freeDiskGB float64) {
	cores = numCPU()

	var memStatus memoryStatusEx
	memStatus.Length = uint32(unsafe.Sizeof(memStatus))
	if globalMemoryStatusEx(&memStatus) {
		ramGB = float64(memStatus.TotalPhys) / (1024 * 1024 * 1024)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := getDiskFreeSpaceEx(`C:\`, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err == nil {
		freeDiskGB = float64(freeBytesAvailable) / (1024 * 1024 * 1024)
	}

	return ramGB, cores, freeDiskGB
}

type memoryStatusEx struct {
	Length               uint32
	MemoryLoad           uint32
	TotalPhys            uint64
	AvailPhys            uint64
	TotalPageFile        uint64
	AvailPageFile        uint64
	TotalVirtual         uint64
	AvailVirtual         uint64
	AvailExtendedVirtual uint64
}

var (
	modkernel32               = syscall.NewLazyDLL("kernel32.dll")
	procGlobalMemoryStatusEx  = modkernel32.NewProc("GlobalMemoryStatusEx")
	procGetDiskFreeSpaceExW   = modkernel32.NewProc("GetDiskFreeSpaceExW")
)

func globalMemoryStatusEx(status *memoryStatusEx) bool {
	ret, _, _ := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(status)))
	return ret != 0
}

func getDiskFreeSpaceEx(path string, freeBytesAvailable, totalBytes, totalFreeBytes *uint64) error {
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	ret, _, callErr := procGetDiskFreeSpaceExW.Call(
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(freeBytesAvailable)),
		uintptr(unsafe.Pointer(totalBytes)),
		uintptr(unsafe.Pointer(totalFreeBytes)),
	)
	if ret == 0 {
		return callErr
	}
	return nil
}
