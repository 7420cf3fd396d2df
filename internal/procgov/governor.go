// Package procgov spawns backend processes into isolated process groups and
// guarantees that no spawned group outlives the proxy. Every group is tracked
// in an in-memory registry, and optionally in an on-disk registry so that a
// proxy which died without cleaning up can have its orphans reaped by the
// next run.
package procgov

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Spec describes a backend process to spawn.
type Spec struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string // appended to the parent environment
	Root        string   // workspace root label, recorded for cleanup
	LowPriority bool     // renice the child below normal
}

// Group is an opaque handle to one spawned process group.
type Group struct {
	id  string
	pid int // group leader pid

	mu     sync.Mutex
	killed bool
}

// ID returns the registry identifier of the group.
func (g *Group) ID() string { return g.id }

// Pid returns the pid of the group leader.
func (g *Group) Pid() int { return g.pid }

// Process is one spawned child with its redirected streams.
type Process struct {
	ID     string
	Pid    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd   *exec.Cmd
	group *Group
}

// Group returns the process group handle for this process.
func (p *Process) Group() *Group { return p.group }

// Wait blocks until the child exits and returns its exit error, if any.
// Wait must be called exactly once per spawned process.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Governor owns every process group the proxy has spawned.
type Governor struct {
	mu     sync.Mutex
	groups map[string]*Group
	store  *Registry // may be nil

	// termGrace is how long KillGroup waits between SIGTERM and SIGKILL.
	termGrace time.Duration
}

// Option configures a Governor.
type Option func(*Governor)

// WithRegistry attaches an on-disk group registry for crash cleanup.
func WithRegistry(store *Registry) Option {
	return func(g *Governor) { g.store = store }
}

// WithTermGrace overrides the SIGTERM-to-SIGKILL grace interval.
func WithTermGrace(d time.Duration) Option {
	return func(g *Governor) { g.termGrace = d }
}

// New creates a Governor. If an on-disk registry is attached, stale groups
// recorded by a previous proxy run are reaped immediately.
func New(opts ...Option) *Governor {
	g := &Governor{
		groups:    make(map[string]*Group),
		termGrace: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.store != nil {
		g.reapStale()
	}

	return g
}

// Spawn launches the child described by spec in a fresh process group with
// all three standard streams piped; stderr is drained into the log so the
// child never inherits a descriptor from the proxy. The returned process is
// registered for cleanup until Release is called.
func (g *Governor) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	go drainStderr(spec.Root, stderr)

	pid := cmd.Process.Pid
	group := &Group{id: uuid.New().String(), pid: pid}

	if spec.LowPriority {
		if err := setLowPriority(pid); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to lower backend priority")
		}
	}

	g.mu.Lock()
	g.groups[group.id] = group
	g.mu.Unlock()

	if g.store != nil {
		rec := GroupRecord{
			ID:        group.id,
			Pid:       pid,
			Root:      spec.Root,
			StartedAt: time.Now(),
		}
		if err := g.store.Add(rec); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to persist group record")
		}
	}

	log.Debug().
		Int("pid", pid).
		Str("group", group.id).
		Str("command", spec.Command).
		Str("root", spec.Root).
		Msg("spawned backend process group")

	return &Process{
		ID:     group.id,
		Pid:    pid,
		Stdin:  stdin,
		Stdout: stdout,
		cmd:    cmd,
		group:  group,
	}, nil
}

// KillGroup terminates the entire process group: SIGTERM to every member,
// a short grace interval, then SIGKILL for anything still alive. It is
// idempotent and succeeds even if the group leader has already exited
// (descendants may persist otherwise).
func (g *Governor) KillGroup(group *Group) error {
	if group == nil {
		return nil
	}

	group.mu.Lock()
	if group.killed {
		group.mu.Unlock()
		return nil
	}
	group.killed = true
	group.mu.Unlock()

	if err := terminateGroup(group.pid); err != nil {
		log.Debug().Err(err).Int("pid", group.pid).Msg("group terminate signal failed")
	}
	time.Sleep(g.termGrace)
	if err := killGroup(group.pid); err != nil {
		log.Debug().Err(err).Int("pid", group.pid).Msg("group kill signal failed")
	}

	log.Debug().Int("pid", group.pid).Str("group", group.id).Msg("process group killed")
	return nil
}

// Release removes a confirmed-terminated group from the registries.
// Call it only after the child's exit has been observed.
func (g *Governor) Release(group *Group) {
	if group == nil {
		return
	}

	g.mu.Lock()
	delete(g.groups, group.id)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Remove(group.id); err != nil {
			log.Warn().Err(err).Str("group", group.id).Msg("failed to remove group record")
		}
	}
}

// LiveGroups returns the number of tracked process groups.
func (g *Governor) LiveGroups() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

// Shutdown kills every remaining process group. It is called on every proxy
// exit path, including signals and panics, and is safe to call repeatedly.
func (g *Governor) Shutdown() {
	g.mu.Lock()
	groups := make([]*Group, 0, len(g.groups))
	for _, group := range g.groups {
		groups = append(groups, group)
	}
	g.mu.Unlock()

	if len(groups) == 0 {
		return
	}

	log.Info().Int("groups", len(groups)).Msg("killing all remaining process groups")

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(grp *Group) {
			defer wg.Done()
			_ = g.KillGroup(grp)
			g.Release(grp)
		}(group)
	}
	wg.Wait()
}

// drainStderr forwards child stderr lines into the proxy log so backend
// diagnostics are not lost and the pipe never fills up.
func drainStderr(root string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			log.Debug().Str("root", root).Str("stream", "stderr").Msg(line)
		}
	}
}

// reapStale kills process groups recorded by a previous proxy run that died
// without cleaning up. Records are removed regardless of signal outcome so
// they are not retried forever.
func (g *Governor) reapStale() {
	records, err := g.store.List()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list stale group records")
		return
	}

	for _, rec := range records {
		if groupAlive(rec.Pid) {
			log.Info().
				Int("pid", rec.Pid).
				Str("root", rec.Root).
				Time("started_at", rec.StartedAt).
				Msg("reaping orphaned backend group from previous run")
			_ = terminateGroup(rec.Pid)
			time.Sleep(g.termGrace)
			_ = killGroup(rec.Pid)
		}
		if err := g.store.Remove(rec.ID); err != nil {
			log.Warn().Err(err).Str("group", rec.ID).Msg("failed to remove stale group record")
		}
	}
}
