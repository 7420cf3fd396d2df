package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uber-go/tally/v4"

	"github.com/mcpmux/mcpmux/internal/procgov"
	"github.com/mcpmux/mcpmux/internal/remap"
	"github.com/mcpmux/mcpmux/internal/rpc/message"
)

// Config holds the pool's tunables. Zero values fall back to the defaults.
type Config struct {
	// Command and Args form the backend invocation. The placeholder
	// "{root}" in any argument is replaced with the workspace root.
	Command string
	Args    []string
	Env     []string

	MaxBackends     int
	IdleTTL         time.Duration
	SpawnTimeout    time.Duration
	RequestTimeout  time.Duration
	DrainGrace      time.Duration
	RespawnCooldown time.Duration
	SweepInterval   time.Duration
	LowPriority     bool
}

// Defaults mirrored from the shipped configuration.
const (
	DefaultMaxBackends     = 3
	DefaultIdleTTL         = 600 * time.Second
	DefaultSpawnTimeout    = 30 * time.Second
	DefaultRequestTimeout  = 120 * time.Second
	DefaultDrainGrace      = 5 * time.Second
	DefaultRespawnCooldown = 60 * time.Second
	DefaultSweepInterval   = 60 * time.Second
)

func (c *Config) fillDefaults() {
	if c.MaxBackends <= 0 {
		c.MaxBackends = DefaultMaxBackends
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.RespawnCooldown <= 0 {
		c.RespawnCooldown = DefaultRespawnCooldown
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// entry tracks one root's handle in the pool map. ready is closed when the
// spawn attempt finishes, successfully or not, so concurrent acquires for
// the same root share a single spawn.
type entry struct {
	ready  chan struct{}
	handle *Handle
	err    *message.Error
}

// failState marks a root that crashed or failed too often; acquires are
// rejected until the cooldown passes.
type failState struct {
	until   time.Time
	crashes int
}

// Pool maps workspace roots to backend handles, bounded by MaxBackends.
type Pool struct {
	cfg     Config
	gov     *procgov.Governor
	counter *remap.Counter

	onServerMessage ServerMessageFunc

	mu      sync.Mutex
	entries map[string]*entry
	failing map[string]*failState

	spawns    tally.Counter
	crashes   tally.Counter
	evictions tally.Counter
	respawns  tally.Counter
	live      tally.Gauge
}

// NewPool creates a Pool. onServerMessage receives backend-originated
// traffic for forwarding to the client; it may be nil.
func NewPool(cfg Config, gov *procgov.Governor, scope tally.Scope, onServerMessage ServerMessageFunc) *Pool {
	cfg.fillDefaults()
	if scope == nil {
		scope = tally.NoopScope
	}
	sub := scope.SubScope("pool")

	return &Pool{
		cfg:             cfg,
		gov:             gov,
		counter:         &remap.Counter{},
		onServerMessage: onServerMessage,
		entries:         make(map[string]*entry),
		failing:         make(map[string]*failState),
		spawns:          sub.Counter("spawns"),
		crashes:         sub.Counter("crashes"),
		evictions:       sub.Counter("evictions"),
		respawns:        sub.Counter("respawns"),
		live:            sub.Gauge("live_backends"),
	}
}

// RequestTimeout exposes the configured per-request deadline.
func (p *Pool) RequestTimeout() time.Duration {
	return p.cfg.RequestTimeout
}

// Acquire returns a Ready handle for root, spawning one if needed. The
// returned handle carries a reservation that keeps it out of eviction until
// the caller calls Release. Spawns are serialized per root and run in
// parallel across roots; the call blocks while a spawn for this root is in
// progress. At capacity, the least-recently-used idle handle is evicted
// first; if nothing is evictable before the spawn timeout, the acquire fails
// with backend_unavailable.
func (p *Pool) Acquire(ctx context.Context, root string) (*Handle, *message.Error) {
	for {
		p.mu.Lock()

		if fs, ok := p.failing[root]; ok {
			if time.Now().Before(fs.until) {
				p.mu.Unlock()
				return nil, message.ErrBackendUnavailable(root, "backend in failure cooldown")
			}
			if fs.crashes > 1 {
				// Cooldown served, the root gets a fresh start.
				delete(p.failing, root)
			}
		}

		if e, ok := p.entries[root]; ok {
			p.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, message.ErrBackendUnavailable(root, "cancelled while backend was starting")
			}
			if e.err != nil {
				return nil, e.err
			}
			if h, ok := p.retainCurrent(root, e); ok {
				return h, nil
			}
			// The handle died or was evicted after its spawn finished;
			// retry the acquire.
			p.removeEntry(root, e)
			continue
		}

		if len(p.entries) >= p.cfg.MaxBackends {
			evicted := p.evictIdleLocked()
			if !evicted {
				p.mu.Unlock()
				if err := p.waitForCapacity(ctx); err != nil {
					return nil, err
				}
				continue
			}
		}

		e := &entry{ready: make(chan struct{})}
		p.entries[root] = e
		p.mu.Unlock()

		p.spawn(ctx, root, e)
		if e.err != nil {
			return nil, e.err
		}
		if h, ok := p.retainCurrent(root, e); ok {
			return h, nil
		}
		p.removeEntry(root, e)
	}
}

// retainCurrent reserves e's handle if e is still the live entry for root
// and the handle is Ready. The reservation is taken under the pool lock, so
// the eviction policy can never select a handle between an acquire returning
// it and the caller's first request.
func (p *Pool) retainCurrent(root string, e *entry) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[root]; !ok || cur != e {
		return nil, false
	}
	if e.handle == nil || e.handle.State() != StateReady {
		return nil, false
	}
	e.handle.retain()
	return e.handle, true
}

// spawn performs the actual spawn and handshake for an entry already
// published in the map. Only one goroutine runs it per entry.
func (p *Pool) spawn(ctx context.Context, root string, e *entry) {
	defer close(e.ready)

	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()

	args := make([]string, len(p.cfg.Args))
	for i, a := range p.cfg.Args {
		args[i] = strings.ReplaceAll(a, "{root}", root)
	}

	proc, err := p.gov.Spawn(spawnCtx, procgov.Spec{
		Command:     p.cfg.Command,
		Args:        args,
		Dir:         root,
		Env:         p.cfg.Env,
		Root:        root,
		LowPriority: p.cfg.LowPriority,
	})
	if err != nil {
		log.Error().Err(err).Str("root", root).Msg("backend spawn failed")
		e.err = message.ErrBackendSpawnFailed(root, err.Error())
		p.recordFailure(root)
		p.removeEntry(root, e)
		return
	}

	p.spawns.Inc(1)
	h := newHandle(p.gov, proc, root, p.counter, p.onServerMessage, p.handleCrash)

	if err := h.initialize(spawnCtx); err != nil {
		log.Error().Err(err).Str("root", root).Msg("backend handshake failed")
		h.Drain(p.cfg.DrainGrace)
		e.err = message.ErrBackendSpawnFailed(root, "handshake failed: "+err.Error())
		p.recordFailure(root)
		p.removeEntry(root, e)
		return
	}

	p.mu.Lock()
	e.handle = h
	p.mu.Unlock()
	p.updateLiveGauge()
}

// handleCrash runs on unexpected backend death. One automatic respawn is
// allowed; a second crash within the cooldown window marks the root failing.
func (p *Pool) handleCrash(h *Handle) {
	p.crashes.Inc(1)

	p.mu.Lock()
	if e, ok := p.entries[h.Root]; ok && e.handle == h {
		delete(p.entries, h.Root)
	}

	fs, ok := p.failing[h.Root]
	if !ok {
		fs = &failState{}
		p.failing[h.Root] = fs
	}
	fs.crashes++
	crashes := fs.crashes
	respawn := crashes == 1
	if respawn {
		// The single automatic respawn may proceed immediately; the crash
		// stays on record so a second crash triggers the cooldown.
		fs.until = time.Now()
	} else {
		fs.until = time.Now().Add(p.cfg.RespawnCooldown)
	}
	p.mu.Unlock()
	p.updateLiveGauge()

	if !respawn {
		log.Warn().Str("root", h.Root).Int("crashes", crashes).
			Dur("cooldown", p.cfg.RespawnCooldown).
			Msg("backend crashed repeatedly, marking root failing")
		return
	}

	log.Info().Str("root", h.Root).Msg("attempting automatic backend respawn")
	p.respawns.Inc(1)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SpawnTimeout)
	defer cancel()
	if fresh, err := p.Acquire(ctx, h.Root); err != nil {
		log.Warn().Str("root", h.Root).Str("error", err.Message).
			Msg("automatic respawn failed")
	} else {
		fresh.Release()
	}
}

// recordFailure puts root into cooldown after a failed spawn attempt.
func (p *Pool) recordFailure(root string) {
	p.mu.Lock()
	fs, ok := p.failing[root]
	if !ok {
		fs = &failState{}
		p.failing[root] = fs
	}
	fs.crashes++
	fs.until = time.Now().Add(p.cfg.RespawnCooldown)
	p.mu.Unlock()
}

// removeEntry deletes e from the map if it is still the current entry.
func (p *Pool) removeEntry(root string, e *entry) {
	p.mu.Lock()
	if cur, ok := p.entries[root]; ok && cur == e {
		delete(p.entries, root)
	}
	p.mu.Unlock()
	p.updateLiveGauge()
}

// evictIdleLocked evicts the least-recently-used handle with no pending
// work. Caller holds p.mu. Returns false when every handle is busy.
func (p *Pool) evictIdleLocked() bool {
	var victimRoot string
	var victim *entry
	for root, e := range p.entries {
		if e.handle == nil || e.handle.Pending() > 0 {
			continue
		}
		if victim == nil || e.handle.LastUsed().Before(victim.handle.LastUsed()) {
			victimRoot = root
			victim = e
		}
	}
	if victim == nil {
		return false
	}

	delete(p.entries, victimRoot)
	p.evictions.Inc(1)
	log.Info().Str("root", victimRoot).Msg("evicting least-recently-used backend")
	go victim.handle.Drain(p.cfg.DrainGrace)
	return true
}

// waitForCapacity blocks until a slot might be free, bounded by the spawn
// timeout.
func (p *Pool) waitForCapacity(ctx context.Context) *message.Error {
	deadline := time.NewTimer(p.cfg.SpawnTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return message.ErrBackendUnavailable("", "cancelled while waiting for pool capacity")
		case <-deadline.C:
			return message.ErrBackendUnavailable("", "pool at capacity with all backends busy")
		case <-ticker.C:
			p.mu.Lock()
			free := len(p.entries) < p.cfg.MaxBackends
			if !free {
				free = p.evictIdleLocked()
			}
			p.mu.Unlock()
			if free {
				return nil
			}
		}
	}
}

// Lookup returns the live handle for root without spawning.
func (p *Pool) Lookup(root string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[root]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// Handles returns a snapshot of the live handles.
func (p *Pool) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, 0, len(p.entries))
	for _, e := range p.entries {
		if e.handle != nil {
			out = append(out, e.handle)
		}
	}
	return out
}

// Run drives the background sweep: idle handles past the TTL are drained
// and pending requests past the request timeout are failed. Run returns
// when ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep performs one maintenance pass.
func (p *Pool) sweep() {
	now := time.Now()
	cutoff := now.Add(-p.cfg.RequestTimeout)

	p.mu.Lock()
	type victim struct {
		root string
		e    *entry
	}
	var idle []victim
	var handles []*Handle
	for root, e := range p.entries {
		if e.handle == nil {
			continue
		}
		handles = append(handles, e.handle)
		if e.handle.Pending() == 0 && now.Sub(e.handle.LastUsed()) > p.cfg.IdleTTL {
			idle = append(idle, victim{root, e})
		}
	}
	for _, v := range idle {
		delete(p.entries, v.root)
	}
	for root, fs := range p.failing {
		// A crash record that stayed quiet for a full cooldown past its
		// window means the respawned backend ran stably; the root earns a
		// clean slate.
		if now.Sub(fs.until) > p.cfg.RespawnCooldown {
			delete(p.failing, root)
		}
	}
	p.mu.Unlock()

	for _, v := range idle {
		p.evictions.Inc(1)
		log.Info().Str("root", v.root).Msg("evicting idle backend")
		v.e.handle.Drain(p.cfg.DrainGrace)
	}

	for _, h := range handles {
		if n := h.ExpirePending(cutoff); n > 0 {
			log.Warn().Str("root", h.Root).Int("expired", n).Msg("timed out pending requests")
		}
	}
	p.updateLiveGauge()
}

// Shutdown drains every handle. On hard shutdown the governor additionally
// kills anything left in its registry.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.entries))
	for root, e := range p.entries {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
		delete(p.entries, root)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Drain(p.cfg.DrainGrace)
		}(h)
	}
	wg.Wait()
	p.updateLiveGauge()
}

func (p *Pool) updateLiveGauge() {
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	p.live.Update(float64(n))
}
