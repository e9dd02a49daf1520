// Package engine implements ContainerEngineLocator: ranked discovery of a
// working container-engine endpoint, and EngineHandle, the connected client
// the rest of the orchestrator issues lifecycle operations through.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// EndpointKind discriminates the EngineEndpoint union (spec §3).
type EndpointKind int

const (
	KindUnixSocket EndpointKind = iota
	KindNamedPipe
	KindTCP
	KindCliContext
	KindMachine
	KindDefaultEnv
)

// Priority bands, lower is better, exactly as spec §4.B lists them.
const (
	PriorityWindowsNamedPipe   = 0
	PriorityDesktopSocketStart = 1
	PrioritySystemSocketStart  = 3
	PriorityWSLSocketStart     = 5
	PriorityAltRuntimeStart    = 8
	PrioritySnapRootlessStart  = 14
	PriorityUserPodmanStart    = 19
	PriorityWindowsAltPipe     = 22
	PriorityCliContext         = 25
	PriorityMachine            = 30
	PriorityAltRuntimeGeneric  = 40
	PriorityTCPFromEnv         = 50
	PriorityProcessDetected    = 60
)

// EngineEndpoint is one candidate container-engine connection.
type EngineEndpoint struct {
	Kind EndpointKind

	UnixSocketPath string
	NamedPipePath  string

	TCPHost    string
	TCPPort    int
	TCPTLS     bool
	TCPCertDir string

	CliContextName     string
	CliContextEndpoint string

	MachineName string
	MachineURL  string
	MachineCertDir string

	Priority       int
	DiscoveryIndex int
	Label          string
	IsPodman       bool
}

// Host returns the Docker-client-compatible host string for this endpoint.
func (e EngineEndpoint) Host() string {
	switch e.Kind {
	case KindUnixSocket:
		return "unix://" + e.UnixSocketPath
	case KindNamedPipe:
		return "npipe://" + e.NamedPipePath
	case KindTCP:
		scheme := "tcp"
		if e.TCPTLS {
			scheme = "tcp"
		}
		return fmt.Sprintf("%s://%s:%d", scheme, e.TCPHost, e.TCPPort)
	case KindCliContext:
		return e.CliContextEndpoint
	case KindMachine:
		return e.MachineURL
	default:
		return os.Getenv("DOCKER_HOST")
	}
}

// Attempt records the outcome of probing one candidate, for the diagnostic
// record spec §4.B requires.
type Attempt struct {
	Endpoint     EngineEndpoint
	Succeeded    bool
	Err          error
	ResponseTime time.Duration
}

// Diagnostics is the full probe record returned alongside the active
// endpoint (or in place of one, on total failure).
type Diagnostics struct {
	Attempts []Attempt
}

// ErrEngineUnavailable is returned when no candidate responds.
type ErrEngineUnavailable struct {
	Diagnostics Diagnostics
}

func (e *ErrEngineUnavailable) Error() string {
	return fmt.Sprintf("no container engine endpoint responded (%d candidates tried)", len(e.Diagnostics.Attempts))
}

const socketValidationTimeout = 5 * time.Second
const totalLocateTimeout = 30 * time.Second

// Locator enumerates and probes candidate engine endpoints.
type Locator struct {
	Log *logrus.Entry
}

// NewLocator returns a ready-to-use Locator.
func NewLocator(log *logrus.Entry) *Locator {
	return &Locator{Log: log}
}

// Locate enumerates candidates from DOCKER_HOST, the CLI context, the
// platform socket/pipe list and process detection, probes each
// (time-bounded, total-bounded), and returns the best working Handle plus
// the full diagnostic record. Machine endpoints (KindMachine) are not
// enumerated.
func (l *Locator) Locate(ctx context.Context) (*Handle, Diagnostics, error) {
	ctx, cancel := context.WithTimeout(ctx, totalLocateTimeout)
	defer cancel()

	candidates := l.candidates()
	candidates = dedupe(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].DiscoveryIndex < candidates[j].DiscoveryIndex
	})

	diag := Diagnostics{}
	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			return nil, diag, &ErrEngineUnavailable{Diagnostics: diag}
		default:
		}

		start := time.Now()
		probeCtx, probeCancel := context.WithTimeout(ctx, socketValidationTimeout)
		handle, err := connect(probeCtx, candidate)
		probeCancel()

		attempt := Attempt{Endpoint: candidate, ResponseTime: time.Since(start)}
		if err != nil {
			attempt.Err = err
			diag.Attempts = append(diag.Attempts, attempt)
			l.Log.Debugf("engine candidate %s (%s) failed: %v", candidate.Label, candidate.Host(), err)
			continue
		}

		attempt.Succeeded = true
		diag.Attempts = append(diag.Attempts, attempt)
		l.Log.Infof("connected to container engine via %s (%s)", candidate.Label, candidate.Host())
		return handle, diag, nil
	}

	return nil, diag, &ErrEngineUnavailable{Diagnostics: diag}
}

// dedupe removes candidates that resolve to the same connection target
// (spec §4.B: "Deduplicates by (path, host, port)").
func dedupe(candidates []EngineEndpoint) []EngineEndpoint {
	seen := make(map[string]bool, len(candidates))
	out := make([]EngineEndpoint, 0, len(candidates))
	for i, c := range candidates {
		c.DiscoveryIndex = i
		key := c.Host()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func connect(ctx context.Context, endpoint EngineEndpoint) (*Handle, error) {
	if endpoint.IsPodman {
		return connectPodman(ctx, endpoint)
	}
	return connectDocker(ctx, endpoint)
}

func connectDocker(ctx context.Context, endpoint EngineEndpoint) (*Handle, error) {
	opts := []client.Opt{client.WithHost(endpoint.Host()), client.WithAPIVersionNegotiation()}
	if endpoint.Kind == KindDefaultEnv {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	return &Handle{endpoint: endpoint, docker: cli}, nil
}

// dockerConfigDir returns ~/.docker, honoring DOCKER_CONFIG.
func dockerConfigDir() string {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".docker")
}

// getHostFromCliContext resolves the Docker CLI's current context to an
// endpoint host by reading its on-disk config/context-store files directly.
// The Docker CLI itself (github.com/docker/cli) is not part of this
// project's dependency surface, so this reads the same JSON files the CLI
// writes rather than pulling in the CLI module for one lookup.
func getHostFromCliContext() (string, string, error) {
	currentContext := os.Getenv("DOCKER_CONTEXT")
	configDir := dockerConfigDir()
	if currentContext == "" && configDir != "" {
		var cfg struct {
			CurrentContext string `json:"currentContext"`
		}
		data, err := os.ReadFile(filepath.Join(configDir, "config.json"))
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err == nil {
				currentContext = cfg.CurrentContext
			}
		}
	}
	if currentContext == "" || currentContext == "default" || configDir == "" {
		return "", "", nil
	}

	metaDirs, err := filepath.Glob(filepath.Join(configDir, "contexts", "meta", "*", "meta.json"))
	if err != nil {
		return "", "", err
	}
	for _, metaPath := range metaDirs {
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var doc struct {
			Name      string `json:"Name"`
			Endpoints struct {
				Docker struct {
					Host string `json:"Host"`
				} `json:"docker"`
			} `json:"Endpoints"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		if doc.Name == currentContext {
			return currentContext, doc.Endpoints.Docker.Host, nil
		}
	}
	return currentContext, "", nil
}

// cliContextCandidate produces the CLI-context candidate, if any is set and
// isn't an ssh:// endpoint (which this locator does not dial).
func cliContextCandidate() (EngineEndpoint, bool) {
	name, host, err := getHostFromCliContext()
	if err != nil || host == "" || strings.HasPrefix(host, "ssh://") {
		return EngineEndpoint{}, false
	}
	return EngineEndpoint{
		Kind:               KindCliContext,
		CliContextName:     name,
		CliContextEndpoint: host,
		Priority:           PriorityCliContext,
		Label:              "CLI context " + name,
	}, true
}

// tcpFromEnvCandidate produces the DOCKER_HOST candidate, if set.
func tcpFromEnvCandidate() (EngineEndpoint, bool) {
	host := os.Getenv("DOCKER_HOST")
	if host == "" || strings.HasPrefix(host, "ssh://") {
		return EngineEndpoint{}, false
	}
	return EngineEndpoint{
		Kind:     KindDefaultEnv,
		Priority: PriorityTCPFromEnv,
		Label:    "DOCKER_HOST",
	}, true
}

// candidates enumerates every engine endpoint source: DOCKER_HOST, CLI
// context, and then the platform-specific socket/pipe list (candidates_unix.go
// / candidates_windows.go) plus the process-detection fallback.
func (l *Locator) candidates() []EngineEndpoint {
	var out []EngineEndpoint

	if c, ok := tcpFromEnvCandidate(); ok {
		out = append(out, c)
	}
	if c, ok := cliContextCandidate(); ok {
		out = append(out, c)
	}

	out = append(out, platformCandidates()...)
	out = append(out, processDetectedCandidates()...)

	return out
}
