package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/speccheck/speccheck/internal/types"
)

const (
	// DefaultStartupTimeout bounds how long a child may take to signal
	// readiness before the load fails
	DefaultStartupTimeout = 3 * time.Second

	// DefaultCallTimeout bounds each request/response round trip
	DefaultCallTimeout = 10 * time.Second
)

// CommandResolver maps a workspace to the child process command line.
type CommandResolver func(workspace string) ([]string, error)

// RPCBridge spawns the workspace's library as a child process exposing a
// line-delimited JSON request/response protocol on stdio. Invocation is the
// protocol's primary purpose and is always supported; signature description
// is available only when the child advertises it in its ready handshake.
type RPCBridge struct {
	resolve        CommandResolver
	startupTimeout time.Duration
	callTimeout    time.Duration
}

// RPCOption configures an RPCBridge.
type RPCOption func(*RPCBridge)

// WithCommandResolver overrides how the child command line is derived.
func WithCommandResolver(r CommandResolver) RPCOption {
	return func(b *RPCBridge) { b.resolve = r }
}

// WithStartupTimeout overrides the readiness window.
func WithStartupTimeout(d time.Duration) RPCOption {
	return func(b *RPCBridge) {
		if d > 0 {
			b.startupTimeout = d
		}
	}
}

// WithCallTimeout overrides the per-request timeout.
func WithCallTimeout(d time.Duration) RPCOption {
	return func(b *RPCBridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// NewRPCBridge creates the subprocess bridge.
func NewRPCBridge(opts ...RPCOption) *RPCBridge {
	b := &RPCBridge{
		resolve:        manifestCommand,
		startupTimeout: DefaultStartupTimeout,
		callTimeout:    DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind implements Bridge.
func (b *RPCBridge) Kind() types.BridgeKind { return types.BridgeSubprocessRPC }

// manifestCommand derives the child command from the workspace's
// package.json main entry.
func manifestCommand(workspace string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(workspace, "package.json"))
	if err != nil {
		return nil, err
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	if pkg.Main == "" {
		return nil, fmt.Errorf("package.json has no main entry")
	}
	return []string{"node", pkg.Main}, nil
}

// Wire protocol: the child prints one ready line, then answers one response
// line per request, all newline-delimited JSON on stdout with requests
// arriving on stdin. Responses are correlated to requests by id, so the
// child may answer out of order.

type readyMessage struct {
	Type         string   `json:"type"`
	Capabilities caps     `json:"capabilities"`
	Operations   []string `json:"operations"`
}

type caps struct {
	Describe bool `json:"describe"`
}

type rpcRequest struct {
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	Operation string         `json:"operation,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

type describeResult struct {
	Name   string `json:"name"`
	Params []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"params"`
	Returns string `json:"returns"`
}

// Load implements Bridge: spawn the child in its own process group, wait
// for the ready handshake, and return a handle whose Close kills the whole
// group. Cancelling ctx after load also tears the child down.
func (b *RPCBridge) Load(ctx context.Context, workspace string) (Handle, *types.LibraryMetadata, error) {
	command, err := b.resolve(workspace)
	if err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "unreadable manifest", Err: err,
		}
	}
	if len(command) == 0 {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "empty child command",
		}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "stdin pipe", Err: err,
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "stdout pipe", Err: err,
		}
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "spawn failure", Err: err,
		}
	}

	h := &rpcHandle{
		cmd:         cmd,
		command:     command,
		stdin:       stdin,
		pending:     make(map[string]chan *rpcResponse),
		callTimeout: b.callTimeout,
		readyCh:     make(chan readyMessage, 1),
		done:        make(chan struct{}),
	}
	go h.readLoop(stdout)

	select {
	case ready := <-h.readyCh:
		if ready.Type != "ready" {
			h.Close()
			return nil, nil, &types.BridgeLoadError{
				Bridge: b.Kind(), Workspace: workspace,
				Reason: fmt.Sprintf("unexpected handshake message %q", ready.Type),
			}
		}
		h.caps = ready.Capabilities
		h.setOperations(ready.Operations)
	case <-time.After(b.startupTimeout):
		h.Close()
		return nil, nil, &types.SubprocessStartupTimeoutError{
			Command: command, Timeout: b.startupTimeout,
		}
	case <-ctx.Done():
		h.Close()
		return nil, nil, ctx.Err()
	case <-h.done:
		h.Close()
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "child exited before signaling readiness",
		}
	}

	// Cancellation of the run context must not leave an orphaned child
	stop := context.AfterFunc(ctx, func() { h.Close() })
	h.stopWatch = stop

	meta := &types.LibraryMetadata{
		Language:                       types.LangSubprocessHosted,
		BridgeKind:                     b.Kind(),
		SupportsSignatureIntrospection: h.caps.Describe,
		SupportsInvocation:             true,
		SourceIndicatorPath:            filepath.Join(workspace, "package.json"),
	}
	return h, meta, nil
}

// rpcHandle is one live child process connection.
type rpcHandle struct {
	cmd     *exec.Cmd
	command []string
	stdin   io.WriteCloser

	writeMu sync.Mutex // serializes request lines on stdin

	mu      sync.Mutex
	pending map[string]chan *rpcResponse
	ops     map[string]bool // normalized operation names, nil until known
	closed  bool

	caps        caps
	callTimeout time.Duration
	readyCh     chan readyMessage
	done        chan struct{}
	stopWatch   func() bool
}

func (h *rpcHandle) setOperations(names []string) {
	if len(names) == 0 {
		return
	}
	ops := make(map[string]bool, len(names))
	for _, n := range names {
		ops[types.NormalizeOperationName(n)] = true
	}
	h.mu.Lock()
	h.ops = ops
	h.mu.Unlock()
}

// readLoop owns stdout: first the handshake line, then responses
// dispatched to their waiting callers by request id.
func (h *rpcHandle) readLoop(stdout io.Reader) {
	defer close(h.done)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	handshakeDone := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !handshakeDone {
			var ready readyMessage
			if err := json.Unmarshal([]byte(line), &ready); err == nil && ready.Type != "" {
				handshakeDone = true
				h.readyCh <- ready
				continue
			}
			// Children that skip the typed handshake never become ready;
			// the load times out and kills them
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == "" {
			continue
		}
		h.mu.Lock()
		ch, ok := h.pending[resp.ID]
		if ok {
			delete(h.pending, resp.ID)
		}
		h.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// call sends one request and waits for its correlated response.
func (h *rpcHandle) call(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &types.InvocationError{Operation: req.Operation, Reason: "connection closed"}
	}
	req.ID = uuid.NewString()
	ch := make(chan *rpcResponse, 1)
	h.pending[req.ID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
	}()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	h.writeMu.Lock()
	_, err = h.stdin.Write(append(line, '\n'))
	h.writeMu.Unlock()
	if err != nil {
		return nil, &types.InvocationError{
			Operation: req.Operation, Reason: "write to child", Err: err,
		}
	}

	timer := time.NewTimer(h.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &types.InvocationError{
				Operation: req.Operation, Reason: resp.Error.Message,
			}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, &types.InvocationTimeoutError{
			Operation: req.Operation, Timeout: h.callTimeout,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, &types.InvocationError{
			Operation: req.Operation, Reason: "child exited mid-call",
		}
	}
}

// operations returns the child's exposed operation set, asking the child
// to enumerate when the handshake did not advertise it.
func (h *rpcHandle) operations(ctx context.Context) (map[string]bool, error) {
	h.mu.Lock()
	ops := h.ops
	h.mu.Unlock()
	if ops != nil {
		return ops, nil
	}

	raw, err := h.call(ctx, rpcRequest{Method: "list"})
	if err != nil {
		return nil, err
	}
	var result struct {
		Operations []string `json:"operations"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &types.InvocationError{Reason: "malformed list response", Err: err}
	}
	h.setOperations(result.Operations)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ops == nil {
		h.ops = map[string]bool{}
	}
	return h.ops, nil
}

// Exists implements Handle via direct lookup of the child's operation set.
func (h *rpcHandle) Exists(ctx context.Context, operation string) (bool, error) {
	ops, err := h.operations(ctx)
	if err != nil {
		return false, err
	}
	return ops[types.NormalizeOperationName(operation)], nil
}

// Describe implements Handle. Unverifiable unless the child advertised the
// describe capability in its handshake.
func (h *rpcHandle) Describe(ctx context.Context, operation string) (types.OperationSignature, bool, error) {
	if !h.caps.Describe {
		return types.OperationSignature{}, false, nil
	}
	raw, err := h.call(ctx, rpcRequest{Method: "describe", Operation: operation})
	if err != nil {
		return types.OperationSignature{}, true, err
	}
	var desc describeResult
	if err := json.Unmarshal(raw, &desc); err != nil {
		return types.OperationSignature{}, true, &types.InvocationError{
			Operation: operation, Reason: "malformed describe response", Err: err,
		}
	}

	sig := types.OperationSignature{Name: desc.Name}
	if sig.Name == "" {
		sig.Name = operation
	}
	for _, p := range desc.Params {
		sig.Params = append(sig.Params, types.Param{Name: p.Name, Type: looseType(p.Type)})
	}
	sig.ReturnType = looseType(desc.Returns)
	return sig, true, nil
}

// looseType normalizes a child-reported type, degrading unknown labels to
// "any" instead of failing the whole check on a child's spelling.
func looseType(label string) string {
	t, err := types.NormalizeType(label)
	if err != nil {
		return types.TypeAny
	}
	return t
}

// Invoke implements Handle.
func (h *rpcHandle) Invoke(ctx context.Context, operation string, args []any) (any, error) {
	raw, err := h.call(ctx, rpcRequest{Method: "invoke", Operation: operation, Args: args})
	if err != nil {
		return nil, err
	}
	var value any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, &types.InvocationError{
				Operation: operation, Reason: "malformed invoke response", Err: err,
			}
		}
	}
	return value, nil
}

// Close implements Handle: kill the child's process group and reap it.
// Idempotent; called on normal completion, cancellation, and load failure.
func (h *rpcHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.stopWatch != nil {
		h.stopWatch()
	}
	_ = h.stdin.Close()

	if h.cmd.Process != nil {
		// Negative pid signals the whole process group
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = h.cmd.Wait()
	return nil
}

// Alive reports whether the child is still running (used by the pool).
func (h *rpcHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
