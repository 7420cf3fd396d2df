// Package throttle batches high-frequency file event notifications. Events
// accumulate per workspace root, duplicates collapse to a single entry, and
// a periodic flush forwards one batched notification per root.
package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the flush cadence when none is configured.
const DefaultInterval = 500 * time.Millisecond

// throttledMethods are the notification methods that get batched instead of
// forwarded immediately.
var throttledMethods = map[string]struct{}{
	"notifications/file/didChange": {},
	"notifications/file/didCreate": {},
	"notifications/file/didDelete": {},
	"textDocument/didChange":       {},
	"textDocument/didSave":         {},
}

// IsThrottledMethod reports whether notifications with this method are
// subject to batching.
func IsThrottledMethod(method string) bool {
	_, ok := throttledMethods[method]
	return ok
}

// FlushFunc receives one batch per root at flush time. The uris slice is
// deduplicated and sorted.
type FlushFunc func(root string, uris []string)

// Throttler accumulates file events and flushes them on a fixed interval.
type Throttler struct {
	interval time.Duration
	flush    FlushFunc

	mu      sync.Mutex
	pending map[string]map[string]struct{} // root -> uri set
}

// New creates a Throttler that delivers batches to flush. A non-positive
// interval falls back to DefaultInterval.
func New(interval time.Duration, flush FlushFunc) *Throttler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttler{
		interval: interval,
		flush:    flush,
		pending:  make(map[string]map[string]struct{}),
	}
}

// Observe records a file event for root. Observing the same uri repeatedly
// within one flush window yields a single batch entry.
func (t *Throttler) Observe(root, uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.pending[root]
	if !ok {
		set = make(map[string]struct{})
		t.pending[root] = set
	}
	set[uri] = struct{}{}
}

// Pending returns the number of distinct uris awaiting flush across roots.
func (t *Throttler) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, set := range t.pending {
		n += len(set)
	}
	return n
}

// FlushNow drains every accumulated batch and delivers them. A flush with
// nothing accumulated does nothing. It returns the number of roots flushed.
func (t *Throttler) FlushNow() int {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return 0
	}
	drained := t.pending
	t.pending = make(map[string]map[string]struct{})
	t.mu.Unlock()

	roots := make([]string, 0, len(drained))
	for root := range drained {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for _, root := range roots {
		set := drained[root]
		uris := make([]string, 0, len(set))
		for uri := range set {
			uris = append(uris, uri)
		}
		sort.Strings(uris)

		log.Debug().Str("root", root).Int("uris", len(uris)).Msg("flushing batched file events")
		t.flush(root, uris)
	}
	return len(roots)
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs one final flush so no accumulated events are lost.
func (t *Throttler) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.FlushNow()
			return
		case <-ticker.C:
			t.FlushNow()
		}
	}
}
