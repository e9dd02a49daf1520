// Package mcp implements MCPSupervisor (spec §4.G): a registry of
// user-defined tool servers (stdio child processes or remote HTTP
// endpoints), JSON-RPC 2.0 request/response correlation over
// line-delimited stdio with timeouts, and crash-safe persistence of "which
// were running".
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/mgutz/str"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/clerr"
	"github.com/clara-ai/clarad/pkg/state"
)

// ServerType discriminates the two MCPServerDef shapes (spec §3).
type ServerType string

const (
	TypeStdio  ServerType = "stdio"
	TypeRemote ServerType = "remote"
)

// ServerDef is MCPServerDef (spec §3).
type ServerDef struct {
	Name        string            `json:"name"`
	Type        ServerType        `json:"type"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   *time.Time        `json:"updated_at,omitempty"`
}

// Status mirrors MCPRuntime.status (spec §3).
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// pendingCall is the waker a ToolCall/ToolsList request installs while
// awaiting its correlated response (spec §3: MCPRuntime.pending_requests).
type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	content any
	err     error
}

// Runtime is MCPRuntime (spec §3): one entry per active server, owned
// exclusively by Supervisor.
type Runtime struct {
	Def       ServerDef
	StartedAt time.Time
	Status    Status
	Kind      ServerType
	LastError string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      deadlock.Mutex
	pending map[string]*pendingCall
	nextID  int
}

const (
	toolCallTimeout  = 30 * time.Second
	toolsListTimeout = 10 * time.Second
	stopGrace        = 5 * time.Second
)

// Supervisor owns the registry and the set of active Runtimes.
type Supervisor struct {
	Log       *logrus.Entry
	Bus       *bus.Bus
	ConfigDir string

	httpClient *http.Client

	mu       deadlock.Mutex
	registry map[string]*ServerDef
	running  map[string]*Runtime
	lastRun  []string
}

// New returns a Supervisor with an empty registry; call LoadRegistry to
// populate it from disk.
func New(log *logrus.Entry, b *bus.Bus, configDir string) *Supervisor {
	return &Supervisor{
		Log:        log,
		Bus:        b,
		ConfigDir:  configDir,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		registry:   map[string]*ServerDef{},
		running:    map[string]*Runtime{},
	}
}

// configDoc is mcp_config.json's root shape (spec §6).
type configDoc struct {
	MCPServers         map[string]ServerDef `json:"mcpServers"`
	LastRunningServers []string             `json:"lastRunningServers"`
}

func (s *Supervisor) configPath() string {
	return filepath.Join(s.ConfigDir, "mcp_config.json")
}

// LoadRegistry re-reads mcp_config.json (spec: "On process start, it
// re-reads the registry").
func (s *Supervisor) LoadRegistry() {
	var doc configDoc
	state.ReadJSONLenient(s.Log, s.configPath(), &doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = map[string]*ServerDef{}
	for name, def := range doc.MCPServers {
		def := def
		s.registry[name] = &def
	}
	s.lastRun = doc.LastRunningServers
}

// saveRegistry persists the registry plus whatever lastRun currently holds.
func (s *Supervisor) saveRegistry() error {
	s.mu.Lock()
	doc := configDoc{MCPServers: map[string]ServerDef{}, LastRunningServers: s.lastRun}
	for name, def := range s.registry {
		doc.MCPServers[name] = *def
	}
	s.mu.Unlock()
	return state.WriteJSONAtomic(s.configPath(), doc)
}

// SaveRunningState snapshots currently-running server names into
// lastRunningServers and persists it (spec: "On process exit, it writes the
// current set of running servers back").
func (s *Supervisor) SaveRunningState() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	s.lastRun = names
	s.mu.Unlock()
	return s.saveRegistry()
}

// Add registers a new MCPServerDef and persists the registry.
func (s *Supervisor) Add(def ServerDef) error {
	def.CreatedAt = time.Now()
	s.mu.Lock()
	s.registry[def.Name] = &def
	s.mu.Unlock()
	return s.saveRegistry()
}

// Remove stops (if running) and deletes a server definition.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	_ = s.Stop(name)
	s.mu.Lock()
	delete(s.registry, name)
	s.mu.Unlock()
	return s.saveRegistry()
}

// Update applies patch to an existing def's mutable fields and persists it.
func (s *Supervisor) Update(name string, patch func(*ServerDef)) error {
	s.mu.Lock()
	def, ok := s.registry[name]
	if !ok {
		s.mu.Unlock()
		return clerr.New(clerr.ValidationError, "no such MCP server "+name, nil)
	}
	patch(def)
	now := time.Now()
	def.UpdatedAt = &now
	s.mu.Unlock()
	return s.saveRegistry()
}

// List returns every registered def.
func (s *Supervisor) List() []ServerDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerDef, 0, len(s.registry))
	for _, def := range s.registry {
		out = append(out, *def)
	}
	return out
}

// enhancedPath prepends well-known runtime install locations to PATH before
// probing for a command (spec §4.G).
func enhancedPath() string {
	home, _ := os.UserHomeDir()
	extra := []string{
		"/usr/local/bin", "/opt/homebrew/bin",
		filepath.Join(home, ".nvm", "current", "bin"),
		filepath.Join(home, ".volta", "bin"),
		filepath.Join(home, "go", "bin"),
		filepath.Join(home, ".local", "bin"),
	}
	return strings.Join(extra, string(os.PathListSeparator)) + string(os.PathListSeparator) + os.Getenv("PATH")
}

// StartStdio spawns a stdio MCP server (spec §4.G).
func (s *Supervisor) StartStdio(ctx context.Context, name string) error {
	s.mu.Lock()
	def, ok := s.registry[name]
	s.mu.Unlock()
	if !ok {
		return clerr.New(clerr.ValidationError, "no such MCP server "+name, nil)
	}
	if def.Type != TypeStdio {
		return clerr.New(clerr.ValidationError, name+" is not a stdio server", nil)
	}

	path := enhancedPath()
	if _, err := exec.LookPath(lookupName(def.Command, path)); err != nil {
		return clerr.New(clerr.ValidationError, "command not found in PATH: "+def.Command, err)
	}

	args := def.Args
	if len(args) == 0 && strings.Contains(def.Command, " ") {
		argv := str.ToArgv(def.Command)
		def = &ServerDef{Name: def.Name, Type: def.Type, Command: argv[0], Args: argv[1:], Env: def.Env, Description: def.Description, Enabled: def.Enabled}
		args = def.Args
	}

	cmd := exec.CommandContext(context.Background(), def.Command, args...)
	kill.PrepareForChildren(cmd)
	cmd.Env = append(os.Environ(), "PATH="+path)
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return clerr.New(clerr.TransientServiceError, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return clerr.New(clerr.TransientServiceError, "stdout pipe", err)
	}
	cmd.Stderr = io.Discard

	rt := &Runtime{
		Def:     *def,
		Status:  StatusStarting,
		Kind:    TypeStdio,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		pending: map[string]*pendingCall{},
	}

	if err := cmd.Start(); err != nil {
		return clerr.New(clerr.TransientServiceError, "spawn "+name, err)
	}
	rt.StartedAt = time.Now()
	rt.Status = StatusRunning

	s.mu.Lock()
	s.running[name] = rt
	s.mu.Unlock()

	s.publishState(rt, nil)
	go s.consumeStdout(rt)
	go s.awaitExit(rt)

	return nil
}

// lookupName returns the first word of a command string if it's a template
// ("node server.js" -> "node"), otherwise the command verbatim.
func lookupName(command, path string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}

// awaitExit waits for the child process to exit, then drains every pending
// waiter with "process exited" (spec §4.G, and testable property 5: no
// waiter is ever orphaned) and removes the runtime.
func (s *Supervisor) awaitExit(rt *Runtime) {
	err := rt.cmd.Wait()

	rt.mu.Lock()
	for id, p := range rt.pending {
		p.resultCh <- callResult{err: fmt.Errorf("process exited")}
		delete(rt.pending, id)
	}
	rt.mu.Unlock()

	rt.Status = StatusStopped
	errMsg := ""
	if err != nil {
		rt.Status = StatusError
		errMsg = err.Error()
	}

	s.mu.Lock()
	delete(s.running, rt.Def.Name)
	s.mu.Unlock()

	s.publishState(rt, fmt.Errorf("%s", errMsg))
}

// consumeStdout is the line framer: it accumulates bytes, splits on LF,
// skips lines that don't start with '{' or '[', and routes parsed responses
// to the matching waiter by id (spec §4.G, §9's "small line framer +
// lenient parser" re-architecture note). Grounded on the teacher's
// MonitorCLIContainerStats bufio.Scanner pattern (pkg/commands/docker.go),
// applied to a child's stdout instead of a `docker stats` subprocess.
func (s *Supervisor) consumeStdout(rt *Runtime) {
	scanner := bufio.NewScanner(rt.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' && line[0] != '[' {
			continue // banner/noise lines, skipped silently
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // malformed line, skipped silently
		}
		if resp.ID == "" {
			continue
		}
		rt.mu.Lock()
		p, ok := rt.pending[resp.ID]
		if ok {
			delete(rt.pending, resp.ID)
		}
		rt.mu.Unlock()
		if !ok {
			continue // no waiter for this id (already timed out, or stray)
		}
		if resp.Error != nil {
			p.resultCh <- callResult{err: fmt.Errorf("%s", resp.Error.Message)}
		} else {
			p.resultCh <- callResult{content: resp.Result}
		}
	}
}

// StartRemote validates a remote MCP server with a single HTTP GET probe
// (spec §4.G); no long-lived connection is held.
func (s *Supervisor) StartRemote(ctx context.Context, name string) error {
	s.mu.Lock()
	def, ok := s.registry[name]
	s.mu.Unlock()
	if !ok {
		return clerr.New(clerr.ValidationError, "no such MCP server "+name, nil)
	}
	if def.Type != TypeRemote {
		return clerr.New(clerr.ValidationError, name+" is not a remote server", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, def.URL, nil)
	if err != nil {
		return clerr.New(clerr.ValidationError, "build probe request", err)
	}
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return clerr.New(clerr.NetworkError, "probe "+name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return clerr.New(clerr.NetworkError, fmt.Sprintf("probe %s: status %d", name, resp.StatusCode), nil)
	}

	rt := &Runtime{Def: *def, Status: StatusRunning, Kind: TypeRemote, StartedAt: time.Now()}
	s.mu.Lock()
	s.running[name] = rt
	s.mu.Unlock()
	s.publishState(rt, nil)
	return nil
}

// Start dispatches to StartStdio or StartRemote by the def's type.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	def, ok := s.registry[name]
	s.mu.Unlock()
	if !ok {
		return clerr.New(clerr.ValidationError, "no such MCP server "+name, nil)
	}
	if def.Type == TypeRemote {
		return s.StartRemote(ctx, name)
	}
	return s.StartStdio(ctx, name)
}

// Stop terminates a running server: send a termination signal, give it
// stopGrace to exit, then kill. The runtime entry is deleted immediately,
// without waiting (spec §4.G).
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	rt, ok := s.running[name]
	if ok {
		delete(s.running, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if rt.Kind != TypeStdio || rt.cmd.Process == nil {
		return nil
	}

	done := make(chan struct{})
	go func() { rt.cmd.Wait(); close(done) }()

	_ = kill.Kill(rt.cmd)
	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = rt.cmd.Process.Kill()
	}
	return nil
}

// StartAllEnabled starts every enabled, currently-stopped server.
func (s *Supervisor) StartAllEnabled(ctx context.Context) {
	for _, def := range s.List() {
		if !def.Enabled {
			continue
		}
		s.mu.Lock()
		_, running := s.running[def.Name]
		s.mu.Unlock()
		if running {
			continue
		}
		if err := s.Start(ctx, def.Name); err != nil {
			s.Log.Warnf("starting MCP server %s: %v", def.Name, err)
		}
	}
}

// StopAll stops every currently-running server.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		_ = s.Stop(name)
	}
}

// StartPreviouslyRunning restarts every server named in lastRunningServers
// that is still enabled (spec: "optionally, re-start everything in
// last_running_servers that is still enabled").
func (s *Supervisor) StartPreviouslyRunning(ctx context.Context) {
	s.mu.Lock()
	names := append([]string{}, s.lastRun...)
	s.mu.Unlock()
	for _, name := range names {
		s.mu.Lock()
		def, ok := s.registry[name]
		s.mu.Unlock()
		if !ok || !def.Enabled {
			continue
		}
		if err := s.Start(ctx, name); err != nil {
			s.Log.Warnf("restoring previously-running MCP server %s: %v", name, err)
		}
	}
}

func (s *Supervisor) publishState(rt *Runtime, err error) {
	if s.Bus == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	started := rt.StartedAt
	pid := 0
	if rt.cmd != nil && rt.cmd.Process != nil {
		pid = rt.cmd.Process.Pid
	}
	s.Bus.Publish(bus.TopicMCPServerState, bus.MCPServerState{
		Name:      rt.Def.Name,
		Status:    string(rt.Status),
		StartedAt: &started,
		Error:     errMsg,
		Pid:       pid,
	})
}

// jsonRPCRequest is the JSON-RPC 2.0 envelope sent for tools/call and
// tools/list (spec §4.G).
type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToolCall is the caller-provided request shape (spec §4.G).
type ToolCall struct {
	Server    string
	ToolName  string
	Arguments map[string]any
	CallID    string
}

// ExecuteTool issues a tools/call JSON-RPC request and waits (bounded by
// toolCallTimeout) for the correlated response. Timeouts remove the waiter
// and report a timeout error; they do NOT kill the process (spec §4.G).
func (s *Supervisor) ExecuteTool(ctx context.Context, call ToolCall) (any, error) {
	s.mu.Lock()
	rt, ok := s.running[call.Server]
	s.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.ValidationError, "MCP server not running: "+call.Server, nil)
	}

	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      call.CallID,
		Method:  "tools/call",
		Params: map[string]any{
			"name":      call.ToolName,
			"arguments": call.Arguments,
		},
	}

	var result any
	var err error
	if rt.Kind == TypeRemote {
		result, err = s.executeRemote(ctx, rt, req)
	} else {
		result, err = s.executeStdio(rt, req, toolCallTimeout)
	}
	if err != nil {
		return nil, err
	}
	if m, ok := result.(map[string]any); ok {
		return m["content"], nil
	}
	return result, nil
}

// ListTools issues the special tools/list method (no params), using the
// same correlation machinery as tool calls, with a shorter timeout (spec
// §4.G).
func (s *Supervisor) ListTools(ctx context.Context, server string) (any, error) {
	s.mu.Lock()
	rt, ok := s.running[server]
	s.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.ValidationError, "MCP server not running: "+server, nil)
	}

	req := jsonRPCRequest{JSONRPC: "2.0", ID: newCallID(rt), Method: "tools/list"}

	var result any
	var err error
	if rt.Kind == TypeRemote {
		result, err = s.executeRemote(ctx, rt, req)
	} else {
		result, err = s.executeStdio(rt, req, toolsListTimeout)
	}
	if err != nil {
		return nil, err
	}
	if m, ok := result.(map[string]any); ok {
		return m["tools"], nil
	}
	return result, nil
}

func newCallID(rt *Runtime) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	return fmt.Sprintf("list-%d", rt.nextID)
}

func (s *Supervisor) executeStdio(rt *Runtime, req jsonRPCRequest, timeout time.Duration) (any, error) {
	if req.ID == "" {
		return nil, clerr.New(clerr.ValidationError, "call_id is required", nil)
	}

	resultCh := make(chan callResult, 1)
	rt.mu.Lock()
	rt.pending[req.ID] = &pendingCall{resultCh: resultCh}
	rt.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		s.dropPending(rt, req.ID)
		return nil, clerr.New(clerr.ValidationError, "marshal request", err)
	}
	if _, err := rt.stdin.Write(append(payload, '\n')); err != nil {
		s.dropPending(rt, req.ID)
		return nil, clerr.New(clerr.TransientServiceError, "write to "+rt.Def.Name, err)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, clerr.New(clerr.TransientServiceError, "tool call failed", res.err)
		}
		return res.content, nil
	case <-time.After(timeout):
		s.dropPending(rt, req.ID)
		return nil, clerr.New(clerr.TransientServiceError, "tool call timed out", nil)
	}
}

// dropPending removes a waiter without a result, e.g. on a timeout; the
// process is left running (spec §4.G).
func (s *Supervisor) dropPending(rt *Runtime, id string) {
	rt.mu.Lock()
	delete(rt.pending, id)
	rt.mu.Unlock()
}

func (s *Supervisor) executeRemote(ctx context.Context, rt *Runtime, req jsonRPCRequest) (any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, clerr.New(clerr.ValidationError, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.Def.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, clerr.New(clerr.ValidationError, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range rt.Def.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, clerr.New(clerr.NetworkError, "POST "+rt.Def.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, clerr.New(clerr.NetworkError, "read response", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, clerr.New(clerr.ValidationError, "parse response", err)
	}
	if rpcResp.Error != nil {
		return nil, clerr.New(clerr.TransientServiceError, rpcResp.Error.Message, nil)
	}
	return rpcResp.Result, nil
}
