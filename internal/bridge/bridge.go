// Package bridge gives the verifier one way to load and introspect a
// library regardless of its implementation language.
//
// Each bridge satisfies the same contract with different fidelity: the
// native bridge reflects over an in-process artifact, the subprocess bridge
// speaks a request/response protocol to a child process, and the probe
// bridge can only parse an executable's usage listing. Callers branch on
// the capability flags in LibraryMetadata, never on an assumed fidelity.
package bridge

import (
	"context"

	"github.com/speccheck/speccheck/internal/types"
)

// Handle is a loaded library. Handles are exclusively owned by one
// verification run; Close must release every resource the load acquired
// (processes killed, pipes closed) on all exit paths.
type Handle interface {
	// Exists reports whether the named operation is exposed by the library.
	Exists(ctx context.Context, operation string) (bool, error)

	// Describe returns the observed signature of an operation. ok=false
	// means the bridge explicitly cannot describe it (Unverifiable), which
	// is a normal outcome for low-fidelity bridges, not an error.
	Describe(ctx context.Context, operation string) (sig types.OperationSignature, ok bool, err error)

	// Invoke calls the operation with positional arguments and returns its
	// result. Bridges that cannot invoke return an InvocationError.
	Invoke(ctx context.Context, operation string, args []any) (any, error)

	// Close tears the handle down. Safe to call more than once.
	Close() error
}

// Bridge loads libraries from workspaces of one or more languages.
type Bridge interface {
	// Kind identifies the bridge implementation.
	Kind() types.BridgeKind

	// Load produces a handle and its metadata, or fails fast with a
	// BridgeLoadError. It never returns a partially populated handle.
	Load(ctx context.Context, workspace string) (Handle, *types.LibraryMetadata, error)
}

// Selector maps a detected language to the best-available bridge.
type Selector struct {
	native *NativeBridge
	rpc    *RPCBridge
	probe  *ProbeBridge
}

// NewSelector wires the three bridge implementations together. Any of the
// bridges may be customized through its own options before being passed in.
func NewSelector(native *NativeBridge, rpc *RPCBridge, probe *ProbeBridge) *Selector {
	return &Selector{native: native, rpc: rpc, probe: probe}
}

// DefaultSelector builds a selector with default-configured bridges.
func DefaultSelector() *Selector {
	return NewSelector(NewNativeBridge(), NewRPCBridge(), NewProbeBridge())
}

// Select returns the bridge for a language. When a command-line workspace
// also carries a subprocess manifest the higher-fidelity RPC bridge wins;
// that preference is implemented in Verify via language detection, so here
// the mapping is direct. An explicit kind override always wins.
func (s *Selector) Select(language types.Language, override types.BridgeKind) (Bridge, error) {
	if override != "" {
		switch override {
		case types.BridgeNativeReflection:
			return s.native, nil
		case types.BridgeSubprocessRPC:
			return s.rpc, nil
		case types.BridgeCommandLineProbe:
			return s.probe, nil
		default:
			return nil, &types.BridgeLoadError{
				Bridge: override,
				Reason: "unknown bridge kind override",
			}
		}
	}

	switch language {
	case types.LangNativeReflective:
		return s.native, nil
	case types.LangSubprocessHosted:
		return s.rpc, nil
	case types.LangCommandLineRust, types.LangCommandLineGo,
		types.LangCommandLineJVM, types.LangCommandLineNative:
		return s.probe, nil
	default:
		return nil, &types.BridgeLoadError{
			Reason: "no bridge for language " + string(language),
		}
	}
}
