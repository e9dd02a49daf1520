// Package platform implements PlatformProbe: host OS/arch detection, the
// resource/OS/platform-binary gates, and the derived performance_mode and
// feature-gate map that the rest of the orchestrator reads before deciding
// which services to start.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	yaml "github.com/jesseduffield/yaml"
)

// PerformanceMode is the coarse resource-gate outcome that drives the
// feature-gate map.
type PerformanceMode string

const (
	ModeFull     PerformanceMode = "full"
	ModeLite     PerformanceMode = "lite"
	ModeCoreOnly PerformanceMode = "core-only"
)

// ResourceThresholds is one side (minimum or recommended) of the resource
// gate.
type ResourceThresholds struct {
	RAMGB     float64
	Cores     int
	FreeDiskGB float64
}

// OSVersionRequirement names the minimum/recommended OS version per host OS.
type OSVersionRequirement struct {
	Minimum     string
	Recommended string
}

// Capabilities mirrors spec.md §3's PlatformCapabilities: an immutable value
// constructed once by Probe and handed around by value thereafter.
type Capabilities struct {
	OS          string
	Arch        string
	OSVersion   string
	KernelBuild string

	RAMGB     float64
	Cores     int
	FreeDiskGB float64

	PerformanceMode PerformanceMode
	FeatureGates    map[string]bool

	OSGateSupported       bool
	OSGateWarnings        []string
	OSGateRecommendations []string
	OSGateUpgradeInstructions string

	PlatformBinaryGateOK bool

	ProbedAt time.Time
}

// Gates bundles the thresholds the Probe is configured with; callers may
// override these for testing or for an operator-tuned deployment.
type Gates struct {
	ResourceMinimum     ResourceThresholds
	ResourceRecommended ResourceThresholds
	OSRequirements      map[string]OSVersionRequirement
	PlatformBinaryDir   string
	RequiredBinaries    []string
}

// DefaultGates mirrors the thresholds a desktop AI sidecar fleet realistically
// needs: enough headroom to run a container runtime plus one or two model
// servers.
func DefaultGates(platformBinaryDir string) Gates {
	return Gates{
		ResourceMinimum: ResourceThresholds{RAMGB: 8, Cores: 4, FreeDiskGB: 20},
		ResourceRecommended: ResourceThresholds{RAMGB: 16, Cores: 8, FreeDiskGB: 60},
		OSRequirements: map[string]OSVersionRequirement{
			"windows": {Minimum: "10.0.19041", Recommended: "10.0.22621"},
			"darwin":  {Minimum: "12.0", Recommended: "14.0"},
			"linux":   {Minimum: "5.10", Recommended: "6.1"},
		},
		PlatformBinaryDir: platformBinaryDir,
		RequiredBinaries:  []string{"llama-server"},
	}
}

// resourceProbe is overridable in tests; production uses the build-tag
// separated probe_<os>.go implementations.
var resourceProbe = probeResources

// osVersionProbe is overridable in tests; production dispatches to
// probe_linux.go / probe_darwin.go / probe_windows.go via build tags.
var osVersionProbe = probeOSVersion

// Probe evaluates the resource gate, the OS gate, and the platform-binary
// gate, and returns the resulting Capabilities. It does not itself consult
// the 1-hour cache; callers wanting the cache should use LoadOrProbe.
func Probe(log *logrus.Entry, gates Gates) Capabilities {
	ramGB, cores, freeDiskGB := resourceProbe()
	osVersion, kernelBuild := osVersionProbe()

	mode := resourceGate(gates, ramGB, cores, freeDiskGB)
	featureGates := deriveFeatureGates(mode)

	supported, warnings, recommendations, upgradeInstructions := osGate(gates, runtime.GOOS, osVersion)

	binaryGateOK := platformBinaryGate(gates)
	if !binaryGateOK {
		log.Warnf("platform-binary gate failed: missing binaries under %s", gates.PlatformBinaryDir)
	}

	return Capabilities{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		OSVersion:   osVersion,
		KernelBuild: kernelBuild,

		RAMGB:      ramGB,
		Cores:      cores,
		FreeDiskGB: freeDiskGB,

		PerformanceMode: mode,
		FeatureGates:    featureGates,

		OSGateSupported:           supported,
		OSGateWarnings:            warnings,
		OSGateRecommendations:     recommendations,
		OSGateUpgradeInstructions: upgradeInstructions,

		PlatformBinaryGateOK: binaryGateOK,

		ProbedAt: time.Now(),
	}
}

func resourceGate(gates Gates, ramGB float64, cores int, freeDiskGB float64) PerformanceMode {
	minsMet := ramGB >= gates.ResourceMinimum.RAMGB &&
		cores >= gates.ResourceMinimum.Cores &&
		freeDiskGB >= gates.ResourceMinimum.FreeDiskGB
	if !minsMet {
		return ModeCoreOnly
	}

	recsMet := ramGB >= gates.ResourceRecommended.RAMGB &&
		cores >= gates.ResourceRecommended.Cores &&
		freeDiskGB >= gates.ResourceRecommended.FreeDiskGB
	if recsMet {
		return ModeFull
	}
	return ModeLite
}

// deriveFeatureGates binds performance_mode to the feature gates named in
// spec §4.A: comfyui and containerized services are forced off in
// core-only mode.
func deriveFeatureGates(mode PerformanceMode) map[string]bool {
	gates := map[string]bool{
		"comfyUI":          true,
		"n8n":              true,
		"ragAndTts":        true,
		"claraCore":        true,
		"containerServices": true,
	}
	switch mode {
	case ModeCoreOnly:
		gates["comfyUI"] = false
		gates["containerServices"] = false
		gates["n8n"] = false
		gates["ragAndTts"] = false
	case ModeLite:
		gates["comfyUI"] = false
	}
	return gates
}

func osGate(gates Gates, hostOS, version string) (supported bool, warnings, recommendations []string, upgradeInstructions string) {
	req, ok := gates.OSRequirements[hostOS]
	if !ok {
		return true, nil, nil, ""
	}

	if version == "" {
		return true, []string{"unable to determine OS version; assuming supported"}, nil, ""
	}

	if compareVersions(version, req.Minimum) < 0 {
		return false, []string{fmt.Sprintf("OS version %s is below the minimum supported %s", version, req.Minimum)},
			nil,
			fmt.Sprintf("upgrade %s to at least %s", hostOS, req.Minimum)
	}

	if compareVersions(version, req.Recommended) < 0 {
		return true, nil, []string{fmt.Sprintf("upgrade to %s for the best experience", req.Recommended)}, ""
	}

	return true, nil, nil, ""
}

func platformBinaryGate(gates Gates) bool {
	if gates.PlatformBinaryDir == "" || len(gates.RequiredBinaries) == 0 {
		return true
	}
	info, err := os.Stat(gates.PlatformBinaryDir)
	if err != nil || !info.IsDir() {
		return false
	}
	for _, name := range gates.RequiredBinaries {
		binPath := filepath.Join(gates.PlatformBinaryDir, name)
		if runtime.GOOS == "windows" {
			binPath += ".exe"
		}
		st, err := os.Stat(binPath)
		if err != nil {
			return false
		}
		if runtime.GOOS != "windows" && st.Mode()&0o111 == 0 {
			return false
		}
	}
	return true
}

// compareVersions compares two dot-separated version strings, returning -1,
// 0, or 1 the way strings.Compare does, component-wise and numerically.
func compareVersions(a, b string) int {
	as := splitVersion(a)
	bs := splitVersion(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	var out []int
	cur := 0
	has := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			has = true
			continue
		}
		if has {
			out = append(out, cur)
		}
		cur = 0
		has = false
	}
	if has {
		out = append(out, cur)
	}
	return out
}

// cacheFile is the on-disk name of the gate-result cache within the config
// directory (spec §6, "clara-system-config.yaml").
const cacheFile = "clara-system-config.yaml"

const cacheFreshness = time.Hour

type cacheDocument struct {
	Capabilities Capabilities `yaml:"capabilities"`
	CachedAt     time.Time    `yaml:"cachedAt"`
}

// LoadOrProbe re-evaluates the platform gates, unless a cache under
// configDir is younger than an hour and force is false.
func LoadOrProbe(log *logrus.Entry, configDir string, gates Gates, force bool) (Capabilities, error) {
	path := filepath.Join(configDir, cacheFile)

	if !force {
		if cached, ok := readCache(path); ok {
			return cached.Capabilities, nil
		}
	}

	caps := Probe(log, gates)
	if err := writeCache(path, cacheDocument{Capabilities: caps, CachedAt: caps.ProbedAt}); err != nil {
		log.Warnf("failed to persist platform capability cache: %v", err)
	}
	return caps, nil
}

func readCache(path string) (cacheDocument, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cacheDocument{}, false
	}
	var doc cacheDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return cacheDocument{}, false
	}
	if time.Since(doc.CachedAt) >= cacheFreshness {
		return cacheDocument{}, false
	}
	return doc, true
}

func writeCache(path string, doc cacheDocument) error {
	content, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
