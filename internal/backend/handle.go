// Package backend manages the per-workspace backend processes: one handle
// per workspace root, pooled and bounded, with identifier remapping between
// the client's request ids and proxy-internal ids.
package backend

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcpmux/mcpmux/internal/procgov"
	"github.com/mcpmux/mcpmux/internal/remap"
	"github.com/mcpmux/mcpmux/internal/rpc/message"
	"github.com/mcpmux/mcpmux/internal/rpc/transport"
)

// State is the lifecycle state of a backend handle.
type State int32

const (
	StateSpawning State = iota
	StateReady
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ServerMessageFunc receives backend-originated requests and notifications
// that must be forwarded to the client unmodified.
type ServerMessageFunc func(root string, raw []byte)

// Handle owns one backend process: its streams, its in-flight request table,
// and its lifecycle state. A handle belongs to exactly one workspace root.
type Handle struct {
	ID   string
	Root string

	gov   *procgov.Governor
	proc  *procgov.Process
	conn  *transport.StdioTransport
	table *remap.Table

	state    atomic.Int32
	pending  atomic.Int64
	lastUsed atomic.Int64 // unix nanos

	capabilities json.RawMessage

	onServerMessage ServerMessageFunc
	onDead          func(h *Handle) // crash callback, never invoked for managed drains

	procExited chan struct{}
	waitErr    error

	draining  atomic.Bool
	closeOnce sync.Once
}

// newHandle wraps a freshly spawned process. The reader loop starts
// immediately so the handshake response can be received.
func newHandle(gov *procgov.Governor, proc *procgov.Process, root string, counter *remap.Counter,
	onServerMessage ServerMessageFunc, onDead func(*Handle)) *Handle {

	h := &Handle{
		ID:              uuid.New().String(),
		Root:            root,
		gov:             gov,
		proc:            proc,
		conn:            transport.NewStdioTransportWithIO(proc.Stdout, proc.Stdin, transport.WithStdioMode(transport.StdioModeNewline)),
		table:           remap.NewTable(counter),
		onServerMessage: onServerMessage,
		onDead:          onDead,
		procExited:      make(chan struct{}),
	}
	h.state.Store(int32(StateSpawning))
	h.Touch()

	go func() {
		h.waitErr = proc.Wait()
		close(h.procExited)
	}()
	go h.readLoop()

	return h
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Pending returns the number of in-flight requests plus outstanding
// reservations on this handle.
func (h *Handle) Pending() int64 {
	return h.pending.Load()
}

// retain reserves the handle so the eviction policy cannot select it while a
// caller holds it. Balanced by Release.
func (h *Handle) retain() {
	h.pending.Add(1)
	h.Touch()
}

// Release returns a reservation taken by Pool.Acquire. The handle becomes
// eligible for eviction again once every holder has released it.
func (h *Handle) Release() {
	h.pending.Add(-1)
	h.Touch()
}

// LastUsed returns the time of the last request activity.
func (h *Handle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// Touch refreshes the last-used timestamp.
func (h *Handle) Touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

// Capabilities returns the raw initialize result the backend reported, or
// nil if the handshake has not completed.
func (h *Handle) Capabilities() json.RawMessage {
	return h.capabilities
}

// initialize performs the handshake: it sends an initialize request carrying
// the workspace root and waits for the backend's capabilities. On success
// the handle becomes Ready.
func (h *Handle) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "mcpmux", "version": "1"},
		"roots": []map[string]string{
			{"uri": "file://" + h.Root, "name": h.Root},
		},
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}

	req := &message.Request{
		JSONRPC: message.Version,
		ID:      message.NumberID(0), // replaced by the remapped proxy id
		Method:  message.MethodInitialize,
		Params:  rawParams,
	}

	resp, sendErr := h.SendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	if resp.IsError() {
		return resp.Error
	}

	h.capabilities = resp.Result
	h.state.Store(int32(StateReady))

	// Well-behaved servers expect the initialized notification before
	// regular traffic.
	_ = h.SendNotification(ctx, &message.Request{
		JSONRPC: message.Version,
		Method:  "notifications/initialized",
	})

	log.Info().Str("root", h.Root).Int("pid", h.proc.Pid).Msg("backend ready")
	return nil
}

// SendRequest forwards a request under a fresh proxy id and blocks until the
// backend answers, the context expires, or the backend dies. The returned
// response always carries the client's original id.
func (h *Handle) SendRequest(ctx context.Context, req *message.Request) (*message.Response, *message.Error) {
	if s := h.State(); s == StateDraining || s == StateDead {
		return nil, message.ErrBackendUnavailable(h.Root, "backend is "+s.String())
	}

	proxyID, p := h.table.Register(req.ID, req.Method)
	h.pending.Add(1)
	h.Touch()
	defer func() {
		h.pending.Add(-1)
		h.Touch()
	}()

	outbound := &message.Request{
		JSONRPC: message.Version,
		ID:      message.NumberID(int64(proxyID)),
		Method:  req.Method,
		Params:  req.Params,
	}
	data, err := json.Marshal(outbound)
	if err != nil {
		h.table.Complete(proxyID, message.NewErrorResponse(req.ID, message.ErrInternalError(err.Error())))
		return <-p.Done(), nil
	}

	if err := h.conn.Write(ctx, data); err != nil {
		h.table.Complete(proxyID, message.NewErrorResponse(req.ID,
			message.ErrBackendUnavailable(h.Root, "write failed: "+err.Error())))
		return <-p.Done(), nil
	}

	select {
	case resp := <-p.Done():
		return resp, nil
	case <-ctx.Done():
		// Force-complete so the table entry cannot leak; if the backend
		// answered in the same instant, take its response instead.
		h.table.Complete(proxyID, message.NewErrorResponse(req.ID, message.ErrBackendTimeout(h.Root, "request timed out")))
		return <-p.Done(), nil
	}
}

// SendNotification forwards a notification verbatim; no table entry is
// created and no response is awaited.
func (h *Handle) SendNotification(ctx context.Context, req *message.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	h.Touch()
	return h.conn.Write(ctx, data)
}

// ExpirePending fails every in-flight request enqueued at or before cutoff
// with a backend_timeout error.
func (h *Handle) ExpirePending(cutoff time.Time) int {
	return h.table.Expire(cutoff, h.Root)
}

// readLoop is the sole reader of the backend's stdout. Responses resolve
// pending table entries; anything else is a backend-originated message and
// is forwarded to the client.
func (h *Handle) readLoop() {
	ctx := context.Background()
	for {
		data, err := h.conn.Read(ctx)
		if err != nil {
			h.handleDisconnect(err)
			return
		}
		h.dispatch(data)
	}
}

func (h *Handle) dispatch(data []byte) {
	var probe struct {
		Method string      `json:"method"`
		ID     *message.ID `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Warn().Err(err).Str("root", h.Root).Msg("undecodable message from backend, dropped")
		return
	}

	if probe.Method != "" {
		// Request or notification originating from the backend.
		if h.onServerMessage != nil {
			h.onServerMessage(h.Root, data)
		}
		return
	}

	resp, err := message.ParseResponse(data)
	if err != nil {
		log.Warn().Err(err).Str("root", h.Root).Msg("malformed response from backend, dropped")
		return
	}

	num, ok := resp.ID.Number()
	if !ok || num < 0 {
		log.Warn().Str("root", h.Root).Msg("backend response with non-proxy id, dropped")
		return
	}
	if !h.table.Complete(uint64(num), resp) {
		log.Debug().Int64("proxy_id", num).Str("root", h.Root).
			Msg("late or duplicate backend response, discarded")
	}
}

// handleDisconnect runs when the backend's stdout closes. Managed drains
// exit quietly; anything else is a crash.
func (h *Handle) handleDisconnect(readErr error) {
	if h.draining.Load() {
		h.state.Store(int32(StateDead))
		return
	}

	h.state.Store(int32(StateDead))
	failed := h.table.FailAll(message.ErrBackendUnavailable(h.Root, "backend exited unexpectedly"))

	log.Error().Err(readErr).Str("root", h.Root).Int("failed_requests", failed).
		Msg("backend crashed")

	// Descendants may outlive the immediate child.
	_ = h.gov.KillGroup(h.proc.Group())
	<-h.procExited
	h.gov.Release(h.proc.Group())

	if h.onDead != nil {
		h.onDead(h)
	}
}

// Drain shuts the backend down gracefully: no new requests are accepted,
// stdin closes to signal exit, and after the grace period the whole process
// group is force-terminated. Safe to call more than once.
func (h *Handle) Drain(grace time.Duration) {
	h.closeOnce.Do(func() {
		h.draining.Store(true)
		h.state.Store(int32(StateDraining))

		_ = h.conn.Close()
		_ = h.proc.Stdin.Close()

		select {
		case <-h.procExited:
		case <-time.After(grace):
		}

		_ = h.gov.KillGroup(h.proc.Group())
		<-h.procExited
		h.gov.Release(h.proc.Group())
		h.state.Store(int32(StateDead))

		failed := h.table.FailAll(message.ErrBackendUnavailable(h.Root, "backend shut down"))
		if failed > 0 {
			log.Warn().Str("root", h.Root).Int("failed_requests", failed).
				Msg("requests still pending at drain")
		}

		log.Info().Str("root", h.Root).Msg("backend drained")
	})
}
