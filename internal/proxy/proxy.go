// Package proxy implements the stdio front end: it reads JSON-RPC messages
// from the client, routes them to per-workspace backends, and writes the
// responses back with the client's original identifiers.
package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uber-go/tally/v4"

	"github.com/mcpmux/mcpmux/internal/backend"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/gitfilter"
	"github.com/mcpmux/mcpmux/internal/procgov"
	"github.com/mcpmux/mcpmux/internal/router"
	"github.com/mcpmux/mcpmux/internal/rpc/message"
	"github.com/mcpmux/mcpmux/internal/rpc/transport"
	"github.com/mcpmux/mcpmux/internal/status"
	"github.com/mcpmux/mcpmux/internal/throttle"
	"github.com/mcpmux/mcpmux/internal/watcher"
)

// protocolVersion is the MCP protocol revision the proxy speaks.
const protocolVersion = "2024-11-05"

// Proxy is the top-level assembly of the multiplexer.
type Proxy struct {
	cfg     *config.Config
	version string

	client *transport.StdioTransport
	router *router.Router
	pool   *backend.Pool
	gov    *procgov.Governor
	thr    *throttle.Throttler
	watch  *watcher.Watcher
	filter *gitfilter.Filter

	requests      tally.Counter
	notifications tally.Counter
	parseErrors   tally.Counter
	routeErrors   tally.Counter

	startedAt    time.Time
	shuttingDown atomic.Bool
	exitNow      bool // set by the exit notification, read on the same goroutine
	inflight     sync.WaitGroup
	cancel       context.CancelFunc
}

// Options carries the externally constructed collaborators.
type Options struct {
	Config    *config.Config
	Version   string
	Governor  *procgov.Governor
	Scope     tally.Scope
	Transport *transport.StdioTransport // nil means real stdin/stdout
}

// New assembles a Proxy from configuration.
func New(opts Options) *Proxy {
	cfg := opts.Config
	scope := opts.Scope
	if scope == nil {
		scope = tally.NoopScope
	}

	client := opts.Transport
	if client == nil {
		client = transport.NewStdioTransport()
	}

	p := &Proxy{
		cfg:           cfg,
		version:       opts.Version,
		client:        client,
		router:        router.New(cfg.Router.DefaultRoot, cfg.Router.FallbackRoot),
		gov:           opts.Governor,
		requests:      scope.Counter("requests"),
		notifications: scope.Counter("notifications"),
		parseErrors:   scope.Counter("parse_errors"),
		routeErrors:   scope.Counter("route_errors"),
		startedAt:     time.Now(),
	}

	p.pool = backend.NewPool(backend.Config{
		Command:         cfg.Backend.Command,
		Args:            cfg.Backend.Args,
		Env:             cfg.Backend.Env,
		MaxBackends:     cfg.Backend.MaxBackends,
		IdleTTL:         cfg.Backend.IdleTTL(),
		SpawnTimeout:    cfg.Backend.SpawnTimeout(),
		RequestTimeout:  cfg.Backend.RequestTimeout(),
		DrainGrace:      cfg.Backend.DrainGrace(),
		RespawnCooldown: cfg.Backend.RespawnCooldown(),
		SweepInterval:   cfg.Backend.SweepInterval(),
		LowPriority:     cfg.Backend.LowPriority,
	}, p.gov, scope, p.forwardServerMessage)

	p.thr = throttle.New(cfg.Throttle.Debounce(), p.flushBatch)

	if cfg.Git.FilterEnabled {
		p.filter = gitfilter.New(
			gitfilter.WithTTL(cfg.Git.CacheTTL()),
			gitfilter.WithMaxEntries(cfg.Git.CacheEntries),
		)
	}

	if cfg.Watcher.Enabled {
		p.watch = watcher.New(cfg.Watcher.IgnorePatterns, p.filter, p.observeFileEvent)
	}

	return p
}

// Info snapshots the proxy state for the status endpoint.
func (p *Proxy) Info() status.Info {
	handles := p.pool.Handles()
	backends := make([]status.BackendStatus, 0, len(handles))
	for _, h := range handles {
		backends = append(backends, status.BackendStatus{
			Root:     h.Root,
			State:    h.State().String(),
			Pending:  h.Pending(),
			LastUsed: h.LastUsed(),
		})
	}
	return status.Info{
		Version:   p.version,
		StartedAt: p.startedAt,
		Roots:     p.router.Roots(),
		Backends:  backends,
	}
}

// Run drives the proxy until the client disconnects, exit is received, or
// ctx is cancelled. It always leaves no backend process groups behind.
func (p *Proxy) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer p.terminate()

	go p.pool.Run(runCtx)
	go p.thr.Run(runCtx)

	if p.watch != nil {
		if root := p.cfg.Router.DefaultRoot; root != "" {
			_ = p.watch.WatchRoot(root)
		}
		if err := p.watch.Start(runCtx); err != nil {
			log.Warn().Err(err).Msg("file watcher unavailable")
		}
	}

	log.Info().Str("version", p.version).Msg("proxy ready on stdio")

	for {
		data, err := p.client.Read(runCtx)
		if err != nil {
			if runCtx.Err() != nil || err == transport.ErrTransportClosed {
				return nil
			}
			log.Info().Err(err).Msg("client transport closed")
			return nil
		}
		if exit := p.handleMessage(runCtx, data); exit {
			return nil
		}
	}
}

// terminate tears everything down: in-flight requests get a short drain,
// then every backend group dies. Runs on every exit path of Run. The exit
// notification skips the drain wait; it demands immediate termination.
func (p *Proxy) terminate() {
	p.shuttingDown.Store(true)
	p.cancel()

	if !p.exitNow {
		done := make(chan struct{})
		go func() {
			p.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.Backend.DrainGrace()):
			log.Warn().Msg("in-flight requests did not drain in time")
		}
	}

	if p.watch != nil {
		_ = p.watch.Stop()
	}
	p.pool.Shutdown()
	p.gov.Shutdown()
	log.Info().Msg("proxy terminated")
}

// handleMessage dispatches one raw client message. The returned flag is
// true only for the exit notification.
func (p *Proxy) handleMessage(ctx context.Context, data []byte) bool {
	req, err := message.ParseRequest(data)
	if err != nil {
		p.parseErrors.Inc(1)
		if id := message.RecoverID(data); id != nil {
			// Valid JSON that fails request validation is an invalid
			// request, not a parse error.
			errMsg := message.ErrParseError(err.Error())
			if json.Valid(data) {
				errMsg = message.ErrInvalidRequest(err.Error())
			}
			p.writeResponse(ctx, message.NewErrorResponse(id, errMsg))
		} else {
			log.Warn().Err(err).Msg("dropped malformed client message")
		}
		return false
	}

	switch req.Method {
	case message.MethodInitialize:
		p.handleInitialize(ctx, req)
		return false
	case message.MethodShutdown:
		p.handleShutdown(ctx, req)
		return false
	case message.MethodExit:
		p.exitNow = true
		log.Info().Msg("exit received, terminating all backends")
		return true
	case message.MethodRootsChanged:
		p.handleRootsChanged(req)
		return false
	}

	if p.shuttingDown.Load() {
		if !req.IsNotification() {
			p.writeResponse(ctx, message.NewErrorResponse(req.ID,
				message.ErrRoutingFailed("proxy is shutting down")))
		}
		return false
	}

	if req.IsNotification() && throttle.IsThrottledMethod(req.Method) {
		p.throttleNotification(req)
		return false
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.forward(ctx, req)
	}()
	return false
}

// handleInitialize records the client's declared roots and answers with the
// proxy's capabilities. With prewarm enabled the default root's backend is
// spawned now and its declared capabilities pass through.
func (p *Proxy) handleInitialize(ctx context.Context, req *message.Request) {
	roots := rootPaths(req.Roots())
	if len(roots) > 0 {
		p.router.SetRoots(roots)
		p.watchRoots(roots)
	}

	capabilities := json.RawMessage(nil)
	if p.cfg.Backend.PrewarmDefaultRoot && p.cfg.Router.DefaultRoot != "" {
		if h, errMsg := p.pool.Acquire(ctx, p.cfg.Router.DefaultRoot); errMsg == nil {
			capabilities = h.Capabilities()
			h.Release()
		} else {
			log.Warn().Str("error", errMsg.Message).Msg("prewarm failed, using static capabilities")
		}
	}

	var result map[string]interface{}
	if capabilities != nil {
		if err := json.Unmarshal(capabilities, &result); err != nil {
			result = nil
		}
	}
	if result == nil {
		result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    "mcpmux",
				"version": p.version,
			},
		}
	}

	resp, err := message.NewSuccessResponse(req.ID, result)
	if err != nil {
		resp = message.NewErrorResponse(req.ID, message.ErrInternalError(err.Error()))
	}
	p.writeResponse(ctx, resp)

	log.Info().Strs("roots", roots).Bool("prewarmed", capabilities != nil).
		Msg("client initialized")
}

// handleShutdown flips the proxy into drain mode. In-flight requests finish
// up to the grace period; new ones are rejected.
func (p *Proxy) handleShutdown(ctx context.Context, req *message.Request) {
	p.shuttingDown.Store(true)
	if !req.IsNotification() {
		resp, err := message.NewSuccessResponse(req.ID, struct{}{})
		if err == nil {
			p.writeResponse(ctx, resp)
		}
	}
	log.Info().Msg("shutdown received, draining")
}

// handleRootsChanged replaces the known roots from the notification.
func (p *Proxy) handleRootsChanged(req *message.Request) {
	roots := rootPaths(req.Roots())
	p.router.SetRoots(roots)
	p.watchRoots(roots)
}

// forward routes one request or notification to its backend.
func (p *Proxy) forward(ctx context.Context, req *message.Request) {
	root, errMsg := p.router.Resolve(req)
	if errMsg != nil {
		p.routeErrors.Inc(1)
		if !req.IsNotification() {
			p.writeResponse(ctx, message.NewErrorResponse(req.ID, errMsg))
		} else {
			log.Debug().Str("method", req.Method).Msg("unroutable notification dropped")
		}
		return
	}

	h, errMsg := p.pool.Acquire(ctx, root)
	if errMsg != nil {
		if !req.IsNotification() {
			p.writeResponse(ctx, message.NewErrorResponse(req.ID, errMsg))
		}
		return
	}
	defer h.Release()

	if req.IsNotification() {
		p.notifications.Inc(1)
		if err := h.SendNotification(ctx, req); err != nil {
			log.Warn().Err(err).Str("root", root).Str("method", req.Method).
				Msg("notification forward failed")
		}
		return
	}

	p.requests.Inc(1)
	reqCtx, cancel := context.WithTimeout(ctx, p.pool.RequestTimeout())
	defer cancel()

	resp, errMsg := h.SendRequest(reqCtx, req)
	if errMsg != nil {
		p.writeResponse(ctx, message.NewErrorResponse(req.ID, errMsg))
		return
	}
	p.writeResponse(ctx, resp)
}

// throttleNotification feeds a change notification into the batcher instead
// of forwarding it.
func (p *Proxy) throttleNotification(req *message.Request) {
	rawURI, ok := req.URI()
	if !ok {
		return
	}
	path, ok := router.LocatorPath(rawURI)
	if !ok {
		return
	}
	root, ok := p.router.RootFor(path)
	if !ok {
		log.Debug().Str("uri", rawURI).Msg("change notification without a root, dropped")
		return
	}
	p.thr.Observe(root, rawURI)
}

// observeFileEvent receives watcher events and feeds them into the batcher.
func (p *Proxy) observeFileEvent(root, path string) {
	p.thr.Observe(root, "file://"+path)
}

// flushBatch delivers one batched didChange notification to the backend
// owning root. Roots without a live backend drop the batch; there is nobody
// to tell.
func (p *Proxy) flushBatch(root string, uris []string) {
	h, ok := p.pool.Lookup(root)
	if !ok || h.State() != backend.StateReady {
		return
	}

	params, err := json.Marshal(map[string]interface{}{
		"root": root,
		"uris": uris,
	})
	if err != nil {
		return
	}

	notif := &message.Request{
		JSONRPC: message.Version,
		Method:  "notifications/files/didChange",
		Params:  params,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.SendNotification(ctx, notif); err != nil {
		log.Warn().Err(err).Str("root", root).Msg("batched notification failed")
	}
}

// forwardServerMessage passes backend-originated traffic through to the
// client unchanged.
func (p *Proxy) forwardServerMessage(root string, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Write(ctx, raw); err != nil {
		log.Warn().Err(err).Str("root", root).Msg("server message forward failed")
	}
}

func (p *Proxy) writeResponse(ctx context.Context, resp *message.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("response marshal failed")
		return
	}
	if err := p.client.Write(ctx, data); err != nil {
		log.Warn().Err(err).Msg("client write failed")
	}
}

// watchRoots registers roots with the file watcher.
func (p *Proxy) watchRoots(roots []string) {
	if p.watch == nil {
		return
	}
	for _, root := range roots {
		if err := p.watch.WatchRoot(root); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("failed to watch root")
		}
	}
}

// rootPaths converts declared root URIs to filesystem paths, dropping
// anything that is not a local path.
func rootPaths(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if path, ok := router.LocatorPath(u); ok {
			out = append(out, path)
		} else if !strings.Contains(u, "://") {
			out = append(out, u)
		}
	}
	return out
}
