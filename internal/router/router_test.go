package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mcpmux/mcpmux/internal/rpc/message"
)

func request(t *testing.T, method string, params string) *message.Request {
	t.Helper()
	req := &message.Request{
		JSONRPC: message.Version,
		ID:      message.NumberID(1),
		Method:  method,
	}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func noGitRoot(string) (string, bool) { return "", false }

func TestResolveLongestPrefix(t *testing.T) {
	r := New("", "")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/alpha", "/work/alpha/nested"})

	req := request(t, "tools/call", `{"uri":"file:///work/alpha/nested/deep/main.go"}`)
	root, errResp := r.Resolve(req)
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/alpha/nested" {
		t.Errorf("root = %q, want longest prefix /work/alpha/nested", root)
	}
}

func TestResolvePrefixRespectsPathBoundary(t *testing.T) {
	r := New("/work/fallback", "")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/alpha"})

	req := request(t, "tools/call", `{"uri":"file:///work/alphabet/main.go"}`)
	root, errResp := r.Resolve(req)
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/fallback" {
		t.Errorf("root = %q, /work/alphabet must not match root /work/alpha", root)
	}
}

func TestResolveTextDocumentURI(t *testing.T) {
	r := New("", "")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/alpha", "/work/beta"})

	req := request(t, "textDocument/didSave",
		`{"textDocument":{"uri":"file:///work/beta/src/lib.go"}}`)
	root, errResp := r.Resolve(req)
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/beta" {
		t.Errorf("root = %q, want /work/beta", root)
	}
}

func TestResolveDefaultRootWithoutLocator(t *testing.T) {
	r := New("/work/default", "")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/alpha", "/work/beta"})

	root, errResp := r.Resolve(request(t, "tools/list", ""))
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/default" {
		t.Errorf("root = %q, want default root", root)
	}
}

func TestResolveSoleRoot(t *testing.T) {
	r := New("", "")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/only"})

	root, errResp := r.Resolve(request(t, "tools/list", ""))
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/only" {
		t.Errorf("root = %q, want sole root", root)
	}
}

func TestResolveFallbackRoot(t *testing.T) {
	r := New("", "/work/fallback")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/alpha", "/work/beta"})

	root, errResp := r.Resolve(request(t, "tools/list", ""))
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/fallback" {
		t.Errorf("root = %q, want fallback root", root)
	}
}

func TestResolveRoutingFailed(t *testing.T) {
	r := New("", "")
	r.findGitRoot = noGitRoot
	r.SetRoots([]string{"/work/alpha", "/work/beta"})

	root, errResp := r.Resolve(request(t, "tools/list", ""))
	if errResp == nil {
		t.Fatalf("expected routing failure, got root %q", root)
	}
	if errResp.Code != message.RoutingFailed {
		t.Errorf("error code = %d, want %d", errResp.Code, message.RoutingFailed)
	}
}

func TestResolveGitRootAutodetection(t *testing.T) {
	r := New("", "")
	r.findGitRoot = func(path string) (string, bool) {
		return "/work/detected", true
	}
	r.SetRoots([]string{"/work/alpha"})

	req := request(t, "tools/call", `{"uri":"file:///somewhere/else/main.go"}`)
	root, errResp := r.Resolve(req)
	if errResp != nil {
		t.Fatalf("Resolve failed: %v", errResp)
	}
	if root != "/work/detected" {
		t.Errorf("root = %q, want autodetected git root", root)
	}

	// The detected root is registered for subsequent prefix matches.
	roots := r.Roots()
	if len(roots) != 2 || roots[1] != "/work/detected" {
		t.Errorf("roots = %v, want detected root appended", roots)
	}
}

func TestFindGitRootWalkUp(t *testing.T) {
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	deep := filepath.Join(repo, "src", "internal")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatal(err)
	}

	root, ok := findGitRoot(filepath.Join(deep, "main.go"))
	if !ok {
		t.Fatal("findGitRoot found nothing")
	}
	if root != repo {
		t.Errorf("root = %q, want %q", root, repo)
	}

	outside := t.TempDir()
	if _, ok := findGitRoot(filepath.Join(outside, "file.go")); ok {
		t.Error("findGitRoot matched a directory with no .git")
	}
}

func TestSetRootsDeduplicates(t *testing.T) {
	r := New("", "")
	r.SetRoots([]string{"/work/alpha", "/work/alpha/", "/work/beta", ""})

	roots := r.Roots()
	want := []string{"/work/alpha", "/work/beta"}
	if len(roots) != len(want) {
		t.Fatalf("roots = %v, want %v", roots, want)
	}
	for i := range want {
		if roots[i] != want[i] {
			t.Errorf("roots[%d] = %q, want %q", i, roots[i], want[i])
		}
	}
}

func TestLocatorPath(t *testing.T) {
	cases := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"file:///work/alpha/main.go", "/work/alpha/main.go", true},
		{"/work/alpha/main.go", "/work/alpha/main.go", true},
		{"relative/path.go", "", false},
		{"https://example.com/x", "", false},
	}
	for _, tc := range cases {
		got, ok := LocatorPath(tc.raw)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("LocatorPath(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}
