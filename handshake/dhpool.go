package handshake

import (
	"sync"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
)

// dhContextPool is the small bounded FIFO of precomputed DH contexts:
// produced off the hot path by a worker, reused within their lifetime to
// amortize exponentiation and signing cost, and pruned oldest-first once
// full. The lock here only guards the slice/map pointers, never the
// exponentiation itself.
type dhContextPool struct {
	mu       sync.Mutex
	order    []*crypto.DHContext
	byPublic map[[32]byte]*crypto.DHContext
	capacity int
}

func newDHContextPool(capacity int) *dhContextPool {
	if capacity <= 0 {
		capacity = limits.DHContextPoolCapacity
	}
	return &dhContextPool{
		byPublic: make(map[[32]byte]*crypto.DHContext),
		capacity: capacity,
	}
}

// Add inserts a freshly generated context, evicting the oldest if the pool
// is at capacity.
func (p *dhContextPool) Add(ctx *crypto.DHContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) >= p.capacity {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.byPublic, oldest.Exponential())
		oldest.Wipe()
	}
	p.order = append(p.order, ctx)
	p.byPublic[ctx.Exponential()] = ctx
}

// Lookup finds the context whose exponential matches g (the responder
// searches the pool for the context matching g^r carried in M3).
func (p *dhContextPool) Lookup(g [32]byte) (*crypto.DHContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.byPublic[g]
	return ctx, ok
}

// Latest returns the most recently added context, reused to answer M1
// arrivals without a fresh exponentiation per message, until it is
// pruned oldest-first by Add.
func (p *dhContextPool) Latest() (*crypto.DHContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return nil, false
	}
	return p.order[len(p.order)-1], true
}

// Len reports the number of contexts currently pooled.
func (p *dhContextPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
