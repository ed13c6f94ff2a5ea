package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/speccheck/speccheck/internal/types"
)

const (
	// DefaultPoolTTL is how long an idle child connection survives before
	// the next checkout discards it
	DefaultPoolTTL = 30 * time.Second

	// defaultSpawnRate bounds how fast the pool forks replacement children
	defaultSpawnRate = 4 // per second
)

// Pool reuses subprocess connections across verification calls against the
// same workspace, amortizing spawn cost. Connections are exclusively owned:
// checked out for the duration of one call and never shared between two
// callers. There is no other cross-call bridge state.
type Pool struct {
	bridge  *RPCBridge
	ttl     time.Duration
	limiter *rate.Limiter

	mu     sync.Mutex
	idle   map[string]*pooledConn // workspace -> idle connection
	closed bool
}

type pooledConn struct {
	handle   *rpcHandle
	meta     *types.LibraryMetadata
	idleFrom time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolTTL overrides the idle lifetime of pooled connections.
func WithPoolTTL(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// NewPool creates a connection pool over the RPC bridge.
func NewPool(bridge *RPCBridge, opts ...PoolOption) *Pool {
	p := &Pool{
		bridge:  bridge,
		ttl:     DefaultPoolTTL,
		limiter: rate.NewLimiter(rate.Limit(defaultSpawnRate), defaultSpawnRate),
		idle:    make(map[string]*pooledConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Checkout hands the caller an exclusive connection for the workspace,
// reusing a live idle one when fresh enough, otherwise spawning anew under
// the spawn rate limit. The caller must Return or Discard it.
func (p *Pool) Checkout(ctx context.Context, workspace string) (Handle, *types.LibraryMetadata, error) {
	p.mu.Lock()
	if conn, ok := p.idle[workspace]; ok {
		delete(p.idle, workspace)
		p.mu.Unlock()
		if conn.handle.Alive() && time.Since(conn.idleFrom) < p.ttl {
			return conn.handle, conn.meta, nil
		}
		_ = conn.handle.Close()
		p.mu.Lock()
	}
	p.mu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	h, meta, err := p.bridge.Load(ctx, workspace)
	if err != nil {
		return nil, nil, err
	}
	return h, meta, nil
}

// Return parks a connection for reuse. Dead or foreign handles are closed.
func (p *Pool) Return(workspace string, h Handle, meta *types.LibraryMetadata) {
	rh, ok := h.(*rpcHandle)
	if !ok || !rh.Alive() {
		_ = h.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = rh.Close()
		return
	}
	if prev, exists := p.idle[workspace]; exists {
		_ = prev.handle.Close()
	}
	p.idle[workspace] = &pooledConn{handle: rh, meta: meta, idleFrom: time.Now()}
}

// Close kills every idle connection. In-flight checkouts are unaffected;
// their owners close them.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for ws, conn := range p.idle {
		_ = conn.handle.Close()
		delete(p.idle, ws)
	}
	return nil
}
