package images

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clara-ai/clarad/pkg/state"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

// fakeHandle is a hand-rolled stand-in for engine.Handle's relevant subset,
// the same "fake the narrow interface" posture the teacher uses for its
// MockRuntime in pkg/commands.
type fakeHandle struct {
	present     map[string]bool
	inspectErr  error
	pullStreams map[string]string
	pullErr     error
}

func (f *fakeHandle) InspectImage(ctx context.Context, ref string) (bool, error) {
	if f.inspectErr != nil {
		return false, f.inspectErr
	}
	return f.present[ref], nil
}

func (f *fakeHandle) PullImage(ctx context.Context, ref, platform string) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	body, ok := f.pullStreams[ref]
	if !ok {
		body = `{"status":"error","error":"no such manifest"}` + "\n"
	}
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

func TestResolveNoArchVariantsReturnsBareTag(t *testing.T) {
	r := NewResolver(testLogger(), &fakeHandle{})
	ref, err := r.Resolve(context.Background(), "n8nio/n8n", "latest")
	require.NoError(t, err)
	assert.Equal(t, "n8nio/n8n:latest", ref)
}

func TestResolvePrefersLocallyPresentVariant(t *testing.T) {
	h := &fakeHandle{present: map[string]bool{
		"clara-ai/rag-backend:latest-arm64": true,
	}}
	r := NewResolver(testLogger(), h)
	ref, err := r.Resolve(context.Background(), "clara-ai/rag-backend", "latest")
	require.NoError(t, err)
	assert.Equal(t, "clara-ai/rag-backend:latest-arm64", ref)
}

func TestResolveFallsBackToRemoteManifestProbe(t *testing.T) {
	h := &fakeHandle{
		pullStreams: map[string]string{
			"clara-ai/rag-backend:latest-amd64": `{"status":"Pulling from library"}` + "\n",
		},
	}
	r := NewResolver(testLogger(), h)
	ref, err := r.Resolve(context.Background(), "clara-ai/rag-backend", "latest")
	require.NoError(t, err)
	assert.Contains(t, ref, "clara-ai/rag-backend:latest")
}

func TestResolveFallsBackToArchDefaultWhenNothingConfirmed(t *testing.T) {
	h := &fakeHandle{}
	r := NewResolver(testLogger(), h)
	ref, err := r.Resolve(context.Background(), "clara-ai/comfyui", "latest")
	require.NoError(t, err)
	assert.True(t, ref == "clara-ai/comfyui:latest-amd64" || ref == "clara-ai/comfyui:latest-arm64")
}

func TestPreferredOrderPutsHostArchFirst(t *testing.T) {
	out := preferredOrder([]string{"amd64", "arm64", "cuda"}, "arm64")
	assert.Equal(t, "arm64", out[0])
	assert.ElementsMatch(t, []string{"amd64", "arm64", "cuda"}, out)
}

func newPuller(t *testing.T, h Handle) *Puller {
	t.Helper()
	ts := state.LoadPullTimestamps(testLogger(), t.TempDir())
	return NewPuller(testLogger(), h, nil, ts)
}

func TestPullRecordsTimestampOnSuccess(t *testing.T) {
	stream := `{"status":"Pulling fs layer","id":"abc","progressDetail":{"current":0,"total":100}}
{"status":"Downloading","id":"abc","progressDetail":{"current":100,"total":100}}
{"status":"Pull complete","id":"abc"}
`
	h := &fakeHandle{pullStreams: map[string]string{"clara-ai/rag-backend:latest": stream}}
	p := newPuller(t, h)

	err := p.Pull(context.Background(), "clara-ai/rag-backend:latest", "")
	require.NoError(t, err)

	_, ok := p.Timestamps.LastPulledAt("clara-ai/rag-backend:latest")
	assert.True(t, ok)
}

func TestPullPropagatesStreamedError(t *testing.T) {
	stream := `{"status":"error","error":"manifest unknown"}` + "\n"
	h := &fakeHandle{pullStreams: map[string]string{"img:latest": stream}}
	p := newPuller(t, h)

	err := p.Pull(context.Background(), "img:latest", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestPullRetriesWithoutPlatformHint(t *testing.T) {
	calls := 0
	h := &recordingHandle{fakeHandle: fakeHandle{pullStreams: map[string]string{
		"img:latest": `{"status":"Pull complete"}` + "\n",
	}}, onPull: func(ref, platform string) { calls++ }}
	h.pullErrFor = "linux/amd64"

	p := newPuller(t, h)
	err := p.Pull(context.Background(), "img:latest", "linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// recordingHandle wraps fakeHandle to fail only when a specific platform
// hint is passed, so the "retry without platform" path can be exercised.
type recordingHandle struct {
	fakeHandle
	onPull     func(ref, platform string)
	pullErrFor string
}

func (r *recordingHandle) PullImage(ctx context.Context, ref, platform string) (io.ReadCloser, error) {
	if r.onPull != nil {
		r.onPull(ref, platform)
	}
	if platform != "" && platform == r.pullErrFor {
		return nil, fmt.Errorf("platform %s not supported", platform)
	}
	return r.fakeHandle.PullImage(ctx, ref, platform)
}

func TestCheckUpdateUpToDate(t *testing.T) {
	stream := `{"status":"Status: Image is up to date for img:latest"}` + "\n"
	h := &fakeHandle{pullStreams: map[string]string{"img:latest": stream}}
	p := newPuller(t, h)

	assert.Equal(t, UpToDate, p.CheckUpdate(context.Background(), "img:latest", ""))
}

func TestCheckUpdateAvailable(t *testing.T) {
	stream := `{"status":"Downloading","id":"abc","progressDetail":{"current":1,"total":10}}
{"status":"Pull complete"}
`
	h := &fakeHandle{pullStreams: map[string]string{"img:latest": stream}}
	p := newPuller(t, h)

	assert.Equal(t, UpdateAvailable, p.CheckUpdate(context.Background(), "img:latest", ""))
}

func TestCheckUpdateFailed(t *testing.T) {
	h := &fakeHandle{pullErr: fmt.Errorf("connection refused")}
	p := newPuller(t, h)

	assert.Equal(t, CheckFailed, p.CheckUpdate(context.Background(), "img:latest", ""))
}

func TestOverallPercentageCapsAt100(t *testing.T) {
	layers := map[string]struct{ current, total int64 }{
		"a": {current: 150, total: 100},
	}
	assert.Equal(t, 100.0, overallPercentage(layers))
}

func TestOverallPercentageEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, overallPercentage(map[string]struct{ current, total int64 }{}))
}
