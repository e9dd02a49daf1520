// Package health implements HealthProber (spec §4.E): a small registry of
// named, side-effect-free liveness predicates, each bounded to at most 5
// seconds, that ServiceDefs and Watchdog reference by
// health_predicate_id instead of embedding ad-hoc logic (spec §9's
// "dynamic dispatch over duck-typed service configs" re-architecture note).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// MaxTimeout is the hard ceiling every predicate is bound to (spec §4.E).
const MaxTimeout = 5 * time.Second

// Predicate is a deterministic, side-effect-free liveness check.
type Predicate func(ctx context.Context) error

// ID names a predicate in the registry, the way ServiceDef.health_predicate_id
// references one without runtime type inspection.
type ID string

const (
	IDHTTPGet          ID = "http-get"
	IDContainerRunning ID = "container-running"
	IDProcessAndPort   ID = "process-and-port"
	IDOllamaReachable  ID = "ollama-reachable" // unused by any default ServiceDef; see DESIGN.md Open Question 3.
)

// ContainerInspector is the minimal surface ContainerRunning needs from an
// engine handle, so this package doesn't import pkg/engine.
type ContainerInspector interface {
	IsContainerRunning(ctx context.Context, nameOrID string) (bool, error)
}

// BodyPredicate inspects a successful HTTP response body, e.g. "JSON status
// field equals one of {healthy, ok}" (spec §4.E).
type BodyPredicate func(body []byte) bool

// StatusFieldOneOf builds a BodyPredicate that decodes the body as
// {"status": "..."} and accepts any of the given values.
func StatusFieldOneOf(values ...string) BodyPredicate {
	accepted := make(map[string]bool, len(values))
	for _, v := range values {
		accepted[v] = true
	}
	return func(body []byte) bool {
		var doc struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return false
		}
		return accepted[doc.Status]
	}
}

// HTTPGet builds the "HTTP-GET health" predicate (spec §4.E): a GET against
// host:port+path must return 2xx, and, if bodyOK is non-nil, the body
// predicate must also pass.
func HTTPGet(client *http.Client, url string, bodyOK BodyPredicate) Predicate {
	if client == nil {
		client = &http.Client{Timeout: MaxTimeout}
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("GET %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		if bodyOK == nil {
			return nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if !bodyOK(body) {
			return fmt.Errorf("GET %s: body predicate failed", url)
		}
		return nil
	}
}

// ContainerRunning builds the "container-running" predicate: the named
// container's inspected state must be running.
func ContainerRunning(engine ContainerInspector, containerName string) Predicate {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
		defer cancel()
		running, err := engine.IsContainerRunning(ctx, containerName)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", containerName, err)
		}
		if !running {
			return fmt.Errorf("%s is not running", containerName)
		}
		return nil
	}
}

// ProcessAlive reports whether a previously spawned process is still alive,
// the other half of the "process-alive + port-open" predicate.
type ProcessAlive func() bool

// ProcessAndPort builds the "process-alive + port-open" predicate: the
// child process must be alive, and a TCP connect to the advertised port
// must succeed.
func ProcessAndPort(alive ProcessAlive, host string, port int) Predicate {
	return func(ctx context.Context) error {
		if !alive() {
			return fmt.Errorf("process is not alive")
		}
		ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return fmt.Errorf("port %d not open: %w", port, err)
		}
		conn.Close()
		return nil
	}
}

// Registry maps a health_predicate_id to a concrete Predicate, built once
// per ServiceDef at setup time and looked up by Watchdog/ServiceController
// without any type switch (spec §9).
type Registry struct {
	predicates map[ID]Predicate
}

// NewRegistry returns an empty registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{predicates: map[ID]Predicate{}}
}

// Register binds id to a concrete predicate instance.
func (r *Registry) Register(id ID, p Predicate) {
	r.predicates[id] = p
}

// Get looks up a predicate by id.
func (r *Registry) Get(id ID) (Predicate, bool) {
	p, ok := r.predicates[id]
	return p, ok
}

// Check runs the predicate for id, reporting "no such predicate" if it was
// never registered.
func (r *Registry) Check(ctx context.Context, id ID) error {
	p, ok := r.predicates[id]
	if !ok {
		return fmt.Errorf("no health predicate registered for %q", id)
	}
	return p(ctx)
}
