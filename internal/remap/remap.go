// Package remap rewrites client request identifiers into proxy-wide unique
// identifiers before requests reach a backend, and restores the original
// identifier when the matching response comes back. Client identifiers keep
// their JSON type (number, string, or null) across the round trip.
package remap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpmux/mcpmux/internal/rpc/message"
)

// Counter issues proxy identifiers. Identifiers are unique across every
// backend and never reused for the lifetime of the process; the first issued
// identifier is 1.
type Counter struct {
	n atomic.Uint64
}

// Next returns the next proxy identifier.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Pending is one in-flight request awaiting its backend response.
type Pending struct {
	ClientID   *message.ID
	Method     string
	EnqueuedAt time.Time

	done chan *message.Response
}

// Done yields exactly one response: the backend's answer with the client
// identifier restored, or a synthesized error on failure or expiry.
func (p *Pending) Done() <-chan *message.Response {
	return p.done
}

// Table tracks the in-flight requests of a single backend.
type Table struct {
	counter *Counter

	mu      sync.Mutex
	pending map[uint64]*Pending
}

// NewTable creates an empty remap table drawing identifiers from counter.
func NewTable(counter *Counter) *Table {
	return &Table{
		counter: counter,
		pending: make(map[uint64]*Pending),
	}
}

// Register allocates a proxy identifier for a client request and records the
// mapping. The caller forwards the request to the backend under the returned
// identifier and awaits Pending.Done.
func (t *Table) Register(clientID *message.ID, method string) (uint64, *Pending) {
	proxyID := t.counter.Next()
	p := &Pending{
		ClientID:   clientID,
		Method:     method,
		EnqueuedAt: time.Now(),
		done:       make(chan *message.Response, 1),
	}

	t.mu.Lock()
	t.pending[proxyID] = p
	t.mu.Unlock()

	return proxyID, p
}

// Complete resolves the mapping for proxyID, restores the client identifier
// onto resp, and delivers it. It reports whether the identifier was known;
// a false return means the entry already completed, expired, or never
// existed, and resp must be discarded.
func (t *Table) Complete(proxyID uint64, resp *message.Response) bool {
	t.mu.Lock()
	p, ok := t.pending[proxyID]
	if ok {
		delete(t.pending, proxyID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	resp.ID = p.ClientID
	p.done <- resp
	return true
}

// Expire removes every entry enqueued at or before cutoff and delivers a
// timeout error to each, tagged with root for diagnostics. It returns the
// number of expired entries.
func (t *Table) Expire(cutoff time.Time, root string) int {
	t.mu.Lock()
	var expired []*Pending
	for proxyID, p := range t.pending {
		if !p.EnqueuedAt.After(cutoff) {
			expired = append(expired, p)
			delete(t.pending, proxyID)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.done <- message.NewErrorResponse(p.ClientID, message.ErrBackendTimeout(root, "request timed out"))
	}
	return len(expired)
}

// FailAll removes every entry and delivers err to each. Used when a backend
// dies with requests still in flight.
func (t *Table) FailAll(err *message.Error) int {
	t.mu.Lock()
	failed := make([]*Pending, 0, len(t.pending))
	for proxyID, p := range t.pending {
		failed = append(failed, p)
		delete(t.pending, proxyID)
	}
	t.mu.Unlock()

	for _, p := range failed {
		p.done <- message.NewErrorResponse(p.ClientID, err)
	}
	return len(failed)
}

// Len returns the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
