package bridge

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speccheck/speccheck/internal/types"
)

// rpcFixture is a shell stand-in for a hosted-runtime child. Requests are
// matched on their serialized field order (id, method, operation).
const rpcFixture = `#!/bin/sh
echo '{"type":"ready","capabilities":{"describe":true},"operations":["add","greet"]}'
while read line; do
	id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
	case "$line" in
	*'"method":"describe"'*'"operation":"add"'*)
		printf '{"id":"%s","result":{"name":"add","params":[{"name":"a","type":"integer"},{"name":"b","type":"integer"}],"returns":"integer"}}\n' "$id"
		;;
	*'"method":"describe"'*'"operation":"greet"'*)
		printf '{"id":"%s","result":{"name":"greet","params":[{"name":"who","type":"str"}],"returns":"CustomThing"}}\n' "$id"
		;;
	*'"method":"invoke"'*'"operation":"add"'*)
		printf '{"id":"%s","result":3}\n' "$id"
		;;
	*'"method":"invoke"'*'"operation":"boom"'*)
		printf '{"id":"%s","error":{"message":"boom failed"}}\n' "$id"
		;;
	*)
		printf '{"id":"%s","error":{"message":"unknown request"}}\n' "$id"
		;;
	esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "child.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func scriptBridge(t *testing.T, body string, opts ...RPCOption) *RPCBridge {
	t.Helper()
	script := writeScript(t, body)
	opts = append([]RPCOption{
		WithCommandResolver(func(string) ([]string, error) {
			return []string{"sh", script}, nil
		}),
	}, opts...)
	return NewRPCBridge(opts...)
}

func TestRPCLoadHandshake(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	handle, meta, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, types.LangSubprocessHosted, meta.Language)
	assert.Equal(t, types.BridgeSubprocessRPC, meta.BridgeKind)
	assert.True(t, meta.SupportsSignatureIntrospection)
	assert.True(t, meta.SupportsInvocation)

	ctx := context.Background()
	ok, err := handle.Exists(ctx, "add")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = handle.Exists(ctx, "Greet")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = handle.Exists(ctx, "subtract")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCDescribe(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	handle, _, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer handle.Close()

	sig, ok, err := handle.Describe(context.Background(), "add")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "add", sig.Name)
	require.Len(t, sig.Params, 2)
	assert.Equal(t, types.TypeInteger, sig.Params[0].Type)
	assert.Equal(t, types.TypeInteger, sig.ReturnType)

	// Aliases normalize, unknown child labels degrade to any
	sig, _, err = handle.Describe(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, types.TypeString, sig.Params[0].Type)
	assert.Equal(t, types.TypeAny, sig.ReturnType)
}

func TestRPCDescribeNotAdvertised(t *testing.T) {
	fixture := `#!/bin/sh
echo '{"type":"ready","capabilities":{"describe":false},"operations":["add"]}'
while read line; do :; done
`
	bridge := scriptBridge(t, fixture)
	handle, meta, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer handle.Close()

	assert.False(t, meta.SupportsSignatureIntrospection)
	_, ok, err := handle.Describe(context.Background(), "add")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCInvoke(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	handle, _, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer handle.Close()

	ctx := context.Background()

	result, err := handle.Invoke(ctx, "add", []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, float64(3), result)

	_, err = handle.Invoke(ctx, "boom", nil)
	var invErr *types.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "boom failed", invErr.Reason)
}

func TestRPCListFallback(t *testing.T) {
	fixture := `#!/bin/sh
echo '{"type":"ready","capabilities":{"describe":false}}'
while read line; do
	id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
	case "$line" in
	*'"method":"list"'*)
		printf '{"id":"%s","result":{"operations":["alpha","beta"]}}\n' "$id"
		;;
	esac
done
`
	bridge := scriptBridge(t, fixture)
	handle, _, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer handle.Close()

	ctx := context.Background()
	ok, err := handle.Exists(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = handle.Exists(ctx, "gamma")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCStartupTimeout(t *testing.T) {
	fixture := "#!/bin/sh\nsleep 60\n"
	bridge := scriptBridge(t, fixture, WithStartupTimeout(300*time.Millisecond))

	start := time.Now()
	_, _, err := bridge.Load(context.Background(), t.TempDir())
	var startupErr *types.SubprocessStartupTimeoutError
	require.ErrorAs(t, err, &startupErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRPCChildExitsBeforeReady(t *testing.T) {
	fixture := "#!/bin/sh\nexit 7\n"
	bridge := scriptBridge(t, fixture, WithStartupTimeout(2*time.Second))

	var loadErr *types.BridgeLoadError
	_, _, err := bridge.Load(context.Background(), t.TempDir())
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Reason, "before signaling readiness")
}

func TestRPCCallTimeout(t *testing.T) {
	// Ready, then never answers
	fixture := `#!/bin/sh
echo '{"type":"ready","capabilities":{"describe":true},"operations":["stall"]}'
sleep 60
`
	bridge := scriptBridge(t, fixture, WithCallTimeout(300*time.Millisecond))
	handle, _, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer handle.Close()

	_, err = handle.Invoke(context.Background(), "stall", nil)
	var timeoutErr *types.InvocationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "stall", timeoutErr.Operation)
}

func TestRPCCancellationKillsChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := scriptBridge(t, rpcFixture)
	handle, _, err := bridge.Load(ctx, t.TempDir())
	require.NoError(t, err)

	rh, ok := handle.(*rpcHandle)
	require.True(t, ok)
	pid := rh.cmd.Process.Pid

	cancel()

	require.Eventually(t, func() bool {
		// Once reaped, signal 0 reports the pid is gone
		return syscall.Kill(pid, 0) != nil
	}, 5*time.Second, 50*time.Millisecond, "child should die on cancellation")
}

func TestRPCCloseIdempotent(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	handle, _, err := bridge.Load(context.Background(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())

	_, err = handle.Invoke(context.Background(), "add", []any{1, 2})
	var invErr *types.InvocationError
	require.ErrorAs(t, err, &invErr)
}

func TestPoolReusesConnection(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	pool := NewPool(bridge)
	defer pool.Close()

	workspace := t.TempDir()
	ctx := context.Background()

	h1, meta, err := pool.Checkout(ctx, workspace)
	require.NoError(t, err)
	pid1 := h1.(*rpcHandle).cmd.Process.Pid
	pool.Return(workspace, h1, meta)

	h2, _, err := pool.Checkout(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, pid1, h2.(*rpcHandle).cmd.Process.Pid)
	pool.Return(workspace, h2, meta)
}

func TestPoolDiscardsDeadConnection(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	pool := NewPool(bridge)
	defer pool.Close()

	workspace := t.TempDir()
	ctx := context.Background()

	h1, meta, err := pool.Checkout(ctx, workspace)
	require.NoError(t, err)
	pid1 := h1.(*rpcHandle).cmd.Process.Pid
	pool.Return(workspace, h1, meta)

	// Kill the parked child behind the pool's back
	require.NoError(t, syscall.Kill(-pid1, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		return !h1.(*rpcHandle).Alive()
	}, 5*time.Second, 50*time.Millisecond)

	h2, _, err := pool.Checkout(ctx, workspace)
	require.NoError(t, err)
	defer h2.Close()
	assert.NotEqual(t, pid1, h2.(*rpcHandle).cmd.Process.Pid)
}

func TestPoolCloseKillsIdle(t *testing.T) {
	bridge := scriptBridge(t, rpcFixture)
	pool := NewPool(bridge)

	workspace := t.TempDir()
	h, meta, err := pool.Checkout(context.Background(), workspace)
	require.NoError(t, err)
	pid := h.(*rpcHandle).cmd.Process.Pid
	pool.Return(workspace, h, meta)

	require.NoError(t, pool.Close())
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 5*time.Second, 50*time.Millisecond)
}
