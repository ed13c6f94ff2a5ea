package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/speccheck/speccheck/internal/types"
)

// DefaultProbeTimeout is the hard bound on any probed command's runtime.
// On expiry the whole process group is killed.
const DefaultProbeTimeout = 30 * time.Second

// ProbeBridge handles workspaces that expose nothing but a built
// executable. Its fidelity is deliberately limited: existence of an
// operation is confirmed by parsing the executable's usage listing, and
// signatures are never verifiable. That limitation is surfaced in
// LibraryMetadata rather than hidden.
type ProbeBridge struct {
	executable  string // explicit override, empty = discover by convention
	helpTimeout time.Duration
	runTimeout  time.Duration
}

// ProbeOption configures a ProbeBridge.
type ProbeOption func(*ProbeBridge)

// WithExecutable pins the probed executable instead of convention search.
func WithExecutable(path string) ProbeOption {
	return func(b *ProbeBridge) { b.executable = path }
}

// WithProbeTimeout overrides the hard per-invocation timeout.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(b *ProbeBridge) {
		if d > 0 {
			b.runTimeout = d
		}
	}
}

// NewProbeBridge creates the command-line probe bridge.
func NewProbeBridge(opts ...ProbeOption) *ProbeBridge {
	b := &ProbeBridge{
		helpTimeout: 10 * time.Second,
		runTimeout:  DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind implements Bridge.
func (b *ProbeBridge) Kind() types.BridgeKind { return types.BridgeCommandLineProbe }

// executableCandidates lists build-output conventions, most specific first.
func executableCandidates(workspace string) []string {
	name := filepath.Base(workspace)
	return []string{
		filepath.Join("target", "release", name),
		filepath.Join("target", "debug", name),
		filepath.Join("bin", name),
		filepath.Join("build", name),
		name,
	}
}

// findExecutable walks the convention list for the first executable file.
func findExecutable(workspace string) (string, error) {
	for _, rel := range executableCandidates(workspace) {
		path := filepath.Join(workspace, rel)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("no built executable found under %s", workspace)
}

// Load implements Bridge: locate the executable, capture its usage listing
// once, and parse the exposed sub-commands out of it.
func (b *ProbeBridge) Load(ctx context.Context, workspace string) (Handle, *types.LibraryMetadata, error) {
	exe := b.executable
	if exe == "" {
		found, err := findExecutable(workspace)
		if err != nil {
			return nil, nil, &types.BridgeLoadError{
				Bridge: b.Kind(), Workspace: workspace,
				Reason: "missing entry point", Err: err,
			}
		}
		exe = found
	} else if !filepath.IsAbs(exe) {
		exe = filepath.Join(workspace, exe)
	}

	out, _, err := runInGroup(ctx, b.helpTimeout, workspace, exe, "--help")
	if err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "usage listing unavailable", Err: err,
		}
	}

	subs := parseUsageListing(out)
	h := &probeHandle{
		workspace:  workspace,
		executable: exe,
		timeout:    b.runTimeout,
		commands:   subs,
	}
	meta := &types.LibraryMetadata{
		Language:                       types.LangUnknown, // verifier fills in the detected one
		BridgeKind:                     b.Kind(),
		SupportsSignatureIntrospection: false,
		SupportsInvocation:             true,
		SourceIndicatorPath:            exe,
	}
	return h, meta, nil
}

// parseUsageListing extracts sub-command names from a --help dump. It
// accepts the common layouts: a "Commands:"-style section with indented
// entries, and bare indented first tokens under Usage.
func parseUsageListing(help string) map[string]bool {
	cmds := make(map[string]bool)
	inSection := false

	sc := bufio.NewScanner(strings.NewReader(help))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			inSection = false
			continue
		}

		lower := strings.ToLower(trimmed)
		if strings.HasSuffix(lower, ":") &&
			(strings.Contains(lower, "command") || strings.Contains(lower, "subcommand")) {
			inSection = true
			continue
		}

		if !inSection {
			continue
		}
		// Section entries are indented; a flush-left line ends the section
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			inSection = false
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if isCommandToken(name) {
			cmds[types.NormalizeOperationName(name)] = true
		}
	}
	return cmds
}

func isCommandToken(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// ProbeResult is what a probed invocation yields: the process exit code
// plus captured stdout. That is all the fidelity this bridge has.
type ProbeResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
}

// probeHandle wraps one discovered executable.
type probeHandle struct {
	workspace  string
	executable string
	timeout    time.Duration
	commands   map[string]bool
}

// Exists implements Handle via the parsed usage listing.
func (h *probeHandle) Exists(_ context.Context, operation string) (bool, error) {
	return h.commands[types.NormalizeOperationName(operation)], nil
}

// Describe implements Handle: always Unverifiable for this bridge.
func (h *probeHandle) Describe(_ context.Context, _ string) (types.OperationSignature, bool, error) {
	return types.OperationSignature{}, false, nil
}

// Invoke implements Handle: run the sub-command with stringified arguments
// under the hard timeout. A non-zero exit is still a result; only a failure
// to run at all is an error.
func (h *probeHandle) Invoke(ctx context.Context, operation string, args []any) (any, error) {
	argv := []string{operation}
	for _, a := range args {
		argv = append(argv, fmt.Sprint(a))
	}
	out, code, err := runInGroup(ctx, h.timeout, h.workspace, h.executable, argv...)
	if err != nil {
		return nil, &types.InvocationError{
			Operation: operation, Reason: "process failed to run", Err: err,
		}
	}
	return ProbeResult{ExitCode: code, Stdout: out}, nil
}

// Close implements Handle; the probe holds no live resources between calls.
func (h *probeHandle) Close() error { return nil }

// runInGroup executes a command in its own process group and kills the
// whole group when the timeout or ctx expires, so probed commands cannot
// leave grandchildren behind.
func runInGroup(ctx context.Context, timeout time.Duration, dir, exe string, args ...string) (string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(exe, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return "", -1, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		code := 0
		if err != nil {
			if exit, ok := err.(*exec.ExitError); ok {
				code = exit.ExitCode()
			} else {
				return stdout.String(), -1, err
			}
		}
		return stdout.String(), code, nil
	case <-runCtx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		if ctx.Err() != nil {
			return "", -1, ctx.Err()
		}
		return "", -1, &types.InvocationTimeoutError{Operation: exe, Timeout: timeout}
	}
}
