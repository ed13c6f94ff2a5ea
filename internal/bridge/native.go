package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"reflect"
	"sync"

	"github.com/speccheck/speccheck/internal/detect"
	"github.com/speccheck/speccheck/internal/types"
)

// SymbolLoader resolves a workspace's built artifact to the exported value
// the bridge reflects over. The default loader opens a Go plugin; tests
// inject in-process fixture libraries through this seam.
type SymbolLoader func(artifactPath, export string) (any, error)

// NativeBridge loads a workspace's artifact in-process and introspects it
// with reflection. Highest fidelity: full signature description and direct
// invocation.
type NativeBridge struct {
	load SymbolLoader
}

// NativeOption configures a NativeBridge.
type NativeOption func(*NativeBridge)

// WithSymbolLoader replaces the plugin loader.
func WithSymbolLoader(l SymbolLoader) NativeOption {
	return func(b *NativeBridge) { b.load = l }
}

// NewNativeBridge creates the native reflection bridge.
func NewNativeBridge(opts ...NativeOption) *NativeBridge {
	b := &NativeBridge{load: pluginSymbolLoader}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind implements Bridge.
func (b *NativeBridge) Kind() types.BridgeKind { return types.BridgeNativeReflection }

// Load implements Bridge. The workspace's plugin manifest names the built
// artifact and the exported symbol; both must resolve or the load fails
// fast with no partial handle.
func (b *NativeBridge) Load(ctx context.Context, workspace string) (Handle, *types.LibraryMetadata, error) {
	manifestPath := filepath.Join(workspace, detect.PluginManifestName)
	manifest, err := detect.LoadPluginManifest(manifestPath)
	if err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: "unreadable plugin manifest", Err: err,
		}
	}

	artifact := manifest.Artifact
	if !filepath.IsAbs(artifact) {
		artifact = filepath.Join(workspace, artifact)
	}
	sym, err := b.load(artifact, manifest.Export)
	if err != nil {
		return nil, nil, &types.BridgeLoadError{
			Bridge: b.Kind(), Workspace: workspace,
			Reason: fmt.Sprintf("missing entry point %s#%s", manifest.Artifact, manifest.Export),
			Err:    err,
		}
	}

	h := newNativeHandle(sym)
	meta := &types.LibraryMetadata{
		Language:                       types.LangNativeReflective,
		BridgeKind:                     b.Kind(),
		SupportsSignatureIntrospection: true,
		SupportsInvocation:             true,
		SourceIndicatorPath:            manifestPath,
	}
	return h, meta, nil
}

// pluginSymbolLoader opens a built Go plugin and resolves the export.
// A symbol exported as a pointer is dereferenced so reflection sees the
// library value itself.
func pluginSymbolLoader(artifactPath, export string) (any, error) {
	p, err := plugin.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(export)
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(sym)
	if v.Kind() == reflect.Ptr && v.Elem().Kind() == reflect.Interface {
		return v.Elem().Interface(), nil
	}
	return sym, nil
}

// nativeHandle reflects over one loaded library value.
type nativeHandle struct {
	mu      sync.Mutex
	value   reflect.Value
	methods map[string]reflect.Value // normalized name -> method value
	names   map[string]string        // normalized name -> exported name
	closed  bool
}

func newNativeHandle(sym any) *nativeHandle {
	v := reflect.ValueOf(sym)
	h := &nativeHandle{
		value:   v,
		methods: make(map[string]reflect.Value),
		names:   make(map[string]string),
	}
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		norm := types.NormalizeOperationName(name)
		h.methods[norm] = v.Method(i)
		h.names[norm] = name
	}
	return h
}

func (h *nativeHandle) lookup(operation string) (reflect.Value, string, bool) {
	norm := types.NormalizeOperationName(operation)
	m, ok := h.methods[norm]
	return m, h.names[norm], ok
}

// Exists implements Handle.
func (h *nativeHandle) Exists(_ context.Context, operation string) (bool, error) {
	_, _, ok := h.lookup(operation)
	return ok, nil
}

// Describe implements Handle. Always verifiable for this bridge.
func (h *nativeHandle) Describe(_ context.Context, operation string) (types.OperationSignature, bool, error) {
	m, name, ok := h.lookup(operation)
	if !ok {
		return types.OperationSignature{}, true, &types.InvocationError{
			Operation: operation, Reason: "no such operation",
		}
	}
	return methodSignature(name, m.Type()), true, nil
}

// Invoke implements Handle. Arguments are coerced to the reflected
// parameter types; a trailing error return becomes an InvocationError.
func (h *nativeHandle) Invoke(ctx context.Context, operation string, args []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, _, ok := h.lookup(operation)
	if !ok {
		return nil, &types.InvocationError{Operation: operation, Reason: "no such operation"}
	}
	mt := m.Type()
	if mt.NumIn() != len(args) {
		return nil, &types.InvocationError{
			Operation: operation,
			Reason:    fmt.Sprintf("expects %d arguments, got %d", mt.NumIn(), len(args)),
		}
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := coerceArg(arg, mt.In(i))
		if err != nil {
			return nil, &types.InvocationError{
				Operation: operation,
				Reason:    fmt.Sprintf("argument %d", i),
				Err:       err,
			}
		}
		in[i] = v
	}

	out := m.Call(in)

	// Split results from a trailing error value
	if n := len(out); n > 0 && mt.Out(n-1) == errType {
		if errVal := out[n-1]; !errVal.IsNil() {
			return nil, &types.InvocationError{
				Operation: operation, Reason: "operation returned error",
				Err: errVal.Interface().(error),
			}
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		results := make([]any, len(out))
		for i, v := range out {
			results[i] = v.Interface()
		}
		return results, nil
	}
}

// Close implements Handle. Plugins cannot be unloaded; dropping the method
// table is all there is to release.
func (h *nativeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
