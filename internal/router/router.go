// Package router maps inbound requests to workspace roots. Requests that
// carry a file locator are matched against known roots by longest prefix;
// everything else falls back to the default root, the sole known root, or a
// configured fallback, in that order.
package router

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	lsuri "go.lsp.dev/uri"

	"github.com/mcpmux/mcpmux/internal/rpc/message"
)

// Router resolves workspace roots for requests. Roots keep their
// registration order; when two roots match a locator with equal prefix
// length, the first registered wins.
type Router struct {
	mu           sync.Mutex
	roots        []string
	defaultRoot  string
	fallbackRoot string

	findGitRoot func(path string) (string, bool)
}

// New creates a Router. Either root may be empty.
func New(defaultRoot, fallbackRoot string) *Router {
	return &Router{
		defaultRoot:  cleanRoot(defaultRoot),
		fallbackRoot: cleanRoot(fallbackRoot),
		findGitRoot:  findGitRoot,
	}
}

// SetRoots replaces the known roots, preserving the given order and
// dropping duplicates. Used for the initialize handshake and for
// roots/listChanged notifications.
func (r *Router) SetRoots(roots []string) {
	cleaned := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		c := cleanRoot(root)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		cleaned = append(cleaned, c)
	}

	r.mu.Lock()
	r.roots = cleaned
	r.mu.Unlock()

	log.Debug().Strs("roots", cleaned).Msg("workspace roots updated")
}

// AddRoot registers one more root unless it is already known.
func (r *Router) AddRoot(root string) {
	c := cleanRoot(root)
	if c == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.roots {
		if existing == c {
			return
		}
	}
	r.roots = append(r.roots, c)
}

// Roots returns the known roots in registration order.
func (r *Router) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.roots...)
}

// Resolve determines the workspace root for req. A nil error guarantees a
// non-empty root. Resolution failure is reported as a routing_failed error
// and is never fatal to the caller.
func (r *Router) Resolve(req *message.Request) (string, *message.Error) {
	if rawURI, ok := req.URI(); ok {
		if path, ok := LocatorPath(rawURI); ok {
			if root, ok := r.matchRoot(path); ok {
				return root, nil
			}
			if root, ok := r.findGitRoot(path); ok {
				log.Debug().Str("path", path).Str("root", root).Msg("routed by git root autodetection")
				r.AddRoot(root)
				return cleanRoot(root), nil
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaultRoot != "" {
		return r.defaultRoot, nil
	}
	if len(r.roots) == 1 {
		return r.roots[0], nil
	}
	if r.fallbackRoot != "" {
		log.Warn().Str("method", req.Method).Str("root", r.fallbackRoot).
			Msg("no root resolvable, using fallback root")
		return r.fallbackRoot, nil
	}

	return "", message.ErrRoutingFailed("no workspace root resolvable for method " + req.Method)
}

// RootFor resolves a root for a bare filesystem path, used for file events.
// It applies only the locator rules: prefix match, then git autodetection.
func (r *Router) RootFor(path string) (string, bool) {
	if root, ok := r.matchRoot(path); ok {
		return root, true
	}
	if root, ok := r.findGitRoot(path); ok {
		r.AddRoot(root)
		return cleanRoot(root), true
	}
	return "", false
}

// matchRoot finds the longest registered root that is a path-boundary prefix
// of path. Ties on length go to the earlier registration.
func (r *Router) matchRoot(path string) (string, bool) {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	best := ""
	for _, root := range r.roots {
		if !underRoot(path, root) {
			continue
		}
		if len(root) > len(best) {
			best = root
		}
	}
	return best, best != ""
}

// underRoot reports whether path equals root or lies beneath it. Prefix
// comparison respects path boundaries so /work/alpha does not claim
// /work/alphabet.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// LocatorPath converts a request locator to a filesystem path. It accepts
// file URIs and plain absolute paths; anything else is rejected.
func LocatorPath(raw string) (string, bool) {
	if strings.HasPrefix(raw, "file://") {
		parsed, err := lsuri.Parse(raw)
		if err != nil {
			return "", false
		}
		return parsed.Filename(), true
	}
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw), true
	}
	return "", false
}

// findGitRoot walks up from path looking for a directory containing .git.
func findGitRoot(path string) (string, bool) {
	dir := filepath.Clean(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func cleanRoot(root string) string {
	if root == "" {
		return ""
	}
	return filepath.Clean(root)
}
