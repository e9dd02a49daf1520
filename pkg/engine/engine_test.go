package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostFormatsPerKind(t *testing.T) {
	unix := EngineEndpoint{Kind: KindUnixSocket, UnixSocketPath: "/var/run/docker.sock"}
	assert.Equal(t, "unix:///var/run/docker.sock", unix.Host())

	pipe := EngineEndpoint{Kind: KindNamedPipe, NamedPipePath: `\\.\pipe\docker_engine`}
	assert.Equal(t, `npipe://\\.\pipe\docker_engine`, pipe.Host())

	tcp := EngineEndpoint{Kind: KindTCP, TCPHost: "localhost", TCPPort: 2375}
	assert.Equal(t, "tcp://localhost:2375", tcp.Host())
}

func TestDedupeRemovesSameHostCandidates(t *testing.T) {
	candidates := []EngineEndpoint{
		{Kind: KindUnixSocket, UnixSocketPath: "/var/run/docker.sock", Priority: 3},
		{Kind: KindUnixSocket, UnixSocketPath: "/var/run/docker.sock", Priority: 60},
		{Kind: KindUnixSocket, UnixSocketPath: "/run/podman/podman.sock", Priority: 4},
	}
	out := dedupe(candidates)
	assert.Len(t, out, 2)
}

func TestErrEngineUnavailableMessageCountsAttempts(t *testing.T) {
	err := &ErrEngineUnavailable{Diagnostics: Diagnostics{Attempts: []Attempt{{}, {}}}}
	assert.Contains(t, err.Error(), "2 candidates")
}

func TestTCPFromEnvCandidateHonorsDockerHost(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:2375")
	c, ok := tcpFromEnvCandidate()
	assert.True(t, ok)
	assert.Equal(t, PriorityTCPFromEnv, c.Priority)
}

func TestTCPFromEnvCandidateSkipsSSH(t *testing.T) {
	t.Setenv("DOCKER_HOST", "ssh://example.com")
	_, ok := tcpFromEnvCandidate()
	assert.False(t, ok)
}

func TestTCPFromEnvCandidateAbsentWhenUnset(t *testing.T) {
	t.Setenv("DOCKER_HOST", "")
	_, ok := tcpFromEnvCandidate()
	assert.False(t, ok)
}

func TestGetHostFromCliContextNoConfigDir(t *testing.T) {
	t.Setenv("DOCKER_CONFIG", t.TempDir())
	t.Setenv("DOCKER_CONTEXT", "")
	name, host, err := getHostFromCliContext()
	assert.NoError(t, err)
	assert.Empty(t, name)
	assert.Empty(t, host)
}
