package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGetSucceedsOn2xxWithNoBodyPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := HTTPGet(nil, srv.URL, nil)
	assert.NoError(t, p(context.Background()))
}

func TestHTTPGetFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := HTTPGet(nil, srv.URL, nil)
	assert.Error(t, p(context.Background()))
}

func TestHTTPGetBodyPredicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	p := HTTPGet(nil, srv.URL, StatusFieldOneOf("healthy", "ok"))
	assert.NoError(t, p(context.Background()))
}

func TestHTTPGetBodyPredicateRejectsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer srv.Close()

	p := HTTPGet(nil, srv.URL, StatusFieldOneOf("healthy", "ok"))
	assert.Error(t, p(context.Background()))
}

func TestHTTPGetUnreachableFails(t *testing.T) {
	p := HTTPGet(nil, "http://127.0.0.1:1/unreachable", nil)
	assert.Error(t, p(context.Background()))
}

type fakeInspector struct {
	running map[string]bool
	err     error
}

func (f *fakeInspector) IsContainerRunning(ctx context.Context, nameOrID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.running[nameOrID], nil
}

func TestContainerRunningTrue(t *testing.T) {
	p := ContainerRunning(&fakeInspector{running: map[string]bool{"clara-n8n": true}}, "clara-n8n")
	assert.NoError(t, p(context.Background()))
}

func TestContainerRunningFalse(t *testing.T) {
	p := ContainerRunning(&fakeInspector{running: map[string]bool{}}, "clara-n8n")
	assert.Error(t, p(context.Background()))
}

func TestContainerRunningInspectError(t *testing.T) {
	p := ContainerRunning(&fakeInspector{err: errors.New("engine gone")}, "clara-n8n")
	assert.Error(t, p(context.Background()))
}

func TestProcessAndPortRequiresAliveProcess(t *testing.T) {
	p := ProcessAndPort(func() bool { return false }, "127.0.0.1", 1)
	assert.Error(t, p(context.Background()))
}

func TestProcessAndPortChecksTCPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	alive := func() bool { return true }
	p := ProcessAndPort(alive, host, port)
	assert.NoError(t, p(context.Background()))
}

func TestProcessAndPortFailsOnClosedPort(t *testing.T) {
	p := ProcessAndPort(func() bool { return true }, "127.0.0.1", 1)
	assert.Error(t, p(context.Background()))
}

func TestRegistryRegisterGetCheck(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register(ID("rag-backend-http"), func(ctx context.Context) error {
		calls++
		return nil
	})

	p, ok := r.Get(ID("rag-backend-http"))
	require.True(t, ok)
	assert.NoError(t, p(context.Background()))
	assert.Equal(t, 1, calls)

	assert.NoError(t, r.Check(context.Background(), ID("rag-backend-http")))
	assert.Equal(t, 2, calls)
}

func TestRegistryCheckUnregisteredID(t *testing.T) {
	r := NewRegistry()
	err := r.Check(context.Background(), ID("nonexistent"))
	assert.Error(t, err)
}
