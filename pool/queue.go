// Package pool manages fleets of supervised children: the blocking
// FIFO lease queue, per-pool lifecycle and health checking, and the
// registry that routes (pool, instance) selections.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pithecene-io/pwproxy/types"
)

// leaseResult completes one waiter: a granted child or a terminal
// error, never both.
type leaseResult struct {
	child *Child
	err   error
}

// waiter is one blocked lease call.
type waiter struct {
	ch        chan leaseResult
	cancelled bool
}

// Queue is the lease queue for one pool. A handle is either on the
// queue or leased to exactly one caller, never both and never neither,
// except after removal of a failed child.
type Queue struct {
	mu         sync.Mutex
	ready      []*Child
	anyWaiters []*waiter
	keyWaiters map[*Child][]*waiter
	byID       map[int]*Child
	byAlias    map[string]*Child
	removed    map[*Child]bool
	closed     bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		keyWaiters: map[*Child][]*waiter{},
		byID:       map[int]*Child{},
		byAlias:    map[string]*Child{},
		removed:    map[*Child]bool{},
	}
}

// Register indexes a child by id and alias without enqueuing it.
// Called once per child at pool construction.
func (q *Queue) Register(c *Child) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID[c.ID] = c
	if c.Alias != "" {
		q.byAlias[c.Alias] = c
	}
}

// LeaseAny blocks until a handle is available, FIFO-fair among LeaseAny
// callers. On cancellation the lease is not granted and no handle is
// consumed.
func (q *Queue) LeaseAny(ctx context.Context) (*Child, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, types.ErrShuttingDown
	}
	if c := q.popReadyLocked(); c != nil {
		c.Runner.MarkLeased()
		q.mu.Unlock()
		return c, nil
	}

	w := &waiter{ch: make(chan leaseResult, 1)}
	q.anyWaiters = append(q.anyWaiters, w)
	q.mu.Unlock()

	return q.await(ctx, w)
}

// LeaseSpecific blocks until the handle named by key (numeric id or
// alias) is idle. Unknown or failed keys fail immediately with
// NotFound. Specific waiters are unordered with respect to all others.
func (q *Queue) LeaseSpecific(ctx context.Context, key string) (*Child, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, types.ErrShuttingDown
	}

	c := q.lookupLocked(key)
	if c == nil || q.removed[c] || c.Runner.State().Terminal() {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: instance %q", types.ErrNotFound, key)
	}

	if q.takeReadyLocked(c) {
		c.Runner.MarkLeased()
		q.mu.Unlock()
		return c, nil
	}

	w := &waiter{ch: make(chan leaseResult, 1)}
	q.keyWaiters[c] = append(q.keyWaiters[c], w)
	q.mu.Unlock()

	return q.await(ctx, w)
}

func (q *Queue) lookupLocked(key string) *Child {
	if id, err := strconv.Atoi(key); err == nil {
		return q.byID[id]
	}
	return q.byAlias[key]
}

// await waits for a grant or cancellation. A grant racing the
// cancellation is put back on the queue.
func (q *Queue) await(ctx context.Context, w *waiter) (*Child, error) {
	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.child, nil

	case <-ctx.Done():
		q.mu.Lock()
		w.cancelled = true
		q.mu.Unlock()

		select {
		case res := <-w.ch:
			if res.err == nil && res.child != nil {
				res.child.Runner.MarkReleased()
				q.Release(res.child)
			}
		default:
		}
		return nil, fmt.Errorf("%w: lease wait", types.ErrCancelled)
	}
}

// Release returns a handle to the tail, or hands it directly to the
// oldest eligible waiter. Failed or stopped handles are dropped and
// their specific waiters fail with NotFound: a child that dies while
// leased never passes through Remove, so the drop path must complete
// them itself.
func (q *Queue) Release(c *Child) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.removed[c] || c.Runner.State().Terminal() {
		q.removed[c] = true
		q.failKeyWaitersLocked(c)
		return
	}

	// Specific waiters for this handle take priority: each gets the
	// next idle event on its key regardless of LeaseAny traffic.
	ws := q.keyWaiters[c]
	if w := popAnyWaiter(&ws); w != nil {
		q.keyWaiters[c] = ws
		c.Runner.MarkLeased()
		w.ch <- leaseResult{child: c}
		return
	}
	delete(q.keyWaiters, c)
	if w := popAnyWaiter(&q.anyWaiters); w != nil {
		c.Runner.MarkLeased()
		w.ch <- leaseResult{child: c}
		return
	}

	q.ready = append(q.ready, c)
}

// Remove permanently extracts a failed handle. If currently leased it
// no-ops here; the lessee's release drops it. Specific waiters for the
// handle fail with NotFound.
func (q *Queue) Remove(c *Child) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removed[c] = true
	q.takeReadyLocked(c)
	q.failKeyWaitersLocked(c)
}

// failKeyWaitersLocked completes every specific waiter for a dead
// handle with NotFound. Caller holds q.mu.
func (q *Queue) failKeyWaitersLocked(c *Child) {
	for _, w := range q.keyWaiters[c] {
		if !w.cancelled {
			w.ch <- leaseResult{err: fmt.Errorf("%w: instance %d failed", types.ErrNotFound, c.ID)}
		}
	}
	delete(q.keyWaiters, c)
}

// Close rejects all current and future lease calls with ShuttingDown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ready = nil

	for _, w := range q.anyWaiters {
		if !w.cancelled {
			w.ch <- leaseResult{err: types.ErrShuttingDown}
		}
	}
	q.anyWaiters = nil
	for _, ws := range q.keyWaiters {
		for _, w := range ws {
			if !w.cancelled {
				w.ch <- leaseResult{err: types.ErrShuttingDown}
			}
		}
	}
	q.keyWaiters = map[*Child][]*waiter{}
}

// popReadyLocked pops the head of the ready FIFO, skipping removed
// handles.
func (q *Queue) popReadyLocked() *Child {
	for len(q.ready) > 0 {
		c := q.ready[0]
		q.ready = q.ready[1:]
		if q.removed[c] || c.Runner.State().Terminal() {
			q.removed[c] = true
			continue
		}
		return c
	}
	return nil
}

// takeReadyLocked extracts a specific handle from the ready list.
// Returns false when the handle is not idle.
func (q *Queue) takeReadyLocked(c *Child) bool {
	for i, rc := range q.ready {
		if rc == c {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return true
		}
	}
	return false
}

// popAnyWaiter returns the oldest non-cancelled waiter.
func popAnyWaiter(ws *[]*waiter) *waiter {
	for len(*ws) > 0 {
		w := (*ws)[0]
		*ws = (*ws)[1:]
		if !w.cancelled {
			return w
		}
	}
	return nil
}
