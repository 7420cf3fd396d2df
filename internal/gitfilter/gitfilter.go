// Package gitfilter decides whether a file event is worth forwarding by
// consulting git's view of the workspace. Files ignored by git (build
// outputs, caches) are filtered out; everything git tracks or would track is
// allowed through. Listings are cached per root with a short TTL.
package gitfilter

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTTL is how long one git listing stays valid.
	DefaultTTL = 60 * time.Second
	// DefaultMaxEntries caps the number of cached roots.
	DefaultMaxEntries = 10
)

// listFunc produces the set of relevant relative paths for a root.
type listFunc func(ctx context.Context, root string) ([]string, error)

type cacheEntry struct {
	paths     map[string]struct{}
	fetchedAt time.Time
}

// Filter caches per-root git listings and answers path queries against them.
type Filter struct {
	ttl        time.Duration
	maxEntries int
	list       listFunc

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// Option configures a Filter.
type Option func(*Filter)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(f *Filter) { f.ttl = ttl }
}

// WithMaxEntries overrides the cached-root cap.
func WithMaxEntries(n int) Option {
	return func(f *Filter) { f.maxEntries = n }
}

// withListFunc substitutes the git invocation, for tests.
func withListFunc(fn listFunc) Option {
	return func(f *Filter) { f.list = fn }
}

// New creates a Filter backed by git ls-files.
func New(opts ...Option) *Filter {
	f := &Filter{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		list:       gitListFiles,
		cache:      make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Allows reports whether path under root should be forwarded. The filter
// fails open: when git is unavailable or root is not a repository, every
// path is allowed.
func (f *Filter) Allows(ctx context.Context, root, path string) bool {
	paths, ok := f.tracked(ctx, root)
	if !ok {
		return true
	}

	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(root, path)
		if err != nil {
			return true
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)

	_, found := paths[rel]
	return found
}

// Invalidate drops the cached listing for root, forcing a fresh git run on
// the next query.
func (f *Filter) Invalidate(root string) {
	f.mu.Lock()
	delete(f.cache, root)
	f.mu.Unlock()
}

// tracked returns the cached path set for root, refreshing it if stale. The
// second return is false when git could not produce a listing.
func (f *Filter) tracked(ctx context.Context, root string) (map[string]struct{}, bool) {
	f.mu.Lock()
	entry, ok := f.cache[root]
	if ok && time.Since(entry.fetchedAt) < f.ttl {
		f.mu.Unlock()
		return entry.paths, true
	}
	f.mu.Unlock()

	listed, err := f.list(ctx, root)
	if err != nil {
		log.Debug().Err(err).Str("root", root).Msg("git listing failed, filter open")
		return nil, false
	}

	paths := make(map[string]struct{}, len(listed))
	for _, p := range listed {
		paths[filepath.ToSlash(p)] = struct{}{}
	}

	f.mu.Lock()
	f.cache[root] = &cacheEntry{paths: paths, fetchedAt: time.Now()}
	f.evictLocked()
	f.mu.Unlock()

	return paths, true
}

// evictLocked drops the oldest entries until the cache fits the cap.
func (f *Filter) evictLocked() {
	for len(f.cache) > f.maxEntries {
		oldestRoot := ""
		var oldestAt time.Time
		for root, entry := range f.cache {
			if oldestRoot == "" || entry.fetchedAt.Before(oldestAt) {
				oldestRoot = root
				oldestAt = entry.fetchedAt
			}
		}
		delete(f.cache, oldestRoot)
	}
}

// gitListFiles lists tracked plus untracked-but-not-ignored files for root.
func gitListFiles(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", root,
		"ls-files", "--cached", "--others", "--exclude-standard")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}
