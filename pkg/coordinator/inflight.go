package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// flight is one computation in progress. val and err are written once,
// before done is closed.
type flight[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
}

// inflight runs at most one computation per key. Callers that arrive while
// a computation is running wait for its result instead of starting another.
// The computation runs on its own goroutine so it outlives any caller that
// stops waiting.
type inflight[V any] struct {
	mu      sync.Mutex
	flights map[string]*flight[V]

	started atomic.Int64
	joined  atomic.Int64
}

func newInflight[V any]() *inflight[V] {
	return &inflight[V]{flights: make(map[string]*flight[V])}
}

// do returns the result of fn for key, starting it only when no computation
// for key is running. shared reports whether the caller joined an existing
// computation. When ctx ends first the caller detaches and gets ctx.Err().
func (g *inflight[V]) do(ctx context.Context, key string, fn func() (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	f, ok := g.flights[key]
	if ok {
		f.waiters++
		g.mu.Unlock()
		g.joined.Add(1)
		return g.wait(ctx, f, true)
	}
	f = &flight[V]{done: make(chan struct{}), waiters: 1}
	g.flights[key] = f
	g.mu.Unlock()
	g.started.Add(1)

	go g.run(key, f, fn)
	return g.wait(ctx, f, false)
}

func (g *inflight[V]) run(key string, f *flight[V], fn func() (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("coordinator: panic in flight %s: %v", key, r)
		}
		g.mu.Lock()
		delete(g.flights, key)
		g.mu.Unlock()
		close(f.done)
	}()
	f.val, f.err = fn()
}

func (g *inflight[V]) wait(ctx context.Context, f *flight[V], shared bool) (V, bool, error) {
	select {
	case <-f.done:
		g.detach(f)
		return f.val, shared, f.err
	case <-ctx.Done():
		g.detach(f)
		var zero V
		return zero, shared, ctx.Err()
	}
}

func (g *inflight[V]) detach(f *flight[V]) {
	g.mu.Lock()
	f.waiters--
	g.mu.Unlock()
}

// len returns the number of computations in progress.
func (g *inflight[V]) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

// waiters returns how many callers are waiting on key, or 0 when nothing
// is running for it.
func (g *inflight[V]) waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f.waiters
	}
	return 0
}
