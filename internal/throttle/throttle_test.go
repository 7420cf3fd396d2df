package throttle

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

type captured struct {
	mu      sync.Mutex
	batches map[string][]string
	flushes int
}

func (c *captured) flush(root string, uris []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batches == nil {
		c.batches = make(map[string][]string)
	}
	c.batches[root] = append(c.batches[root], uris...)
	c.flushes++
}

func (c *captured) get(root string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.batches[root]...)
}

func TestObserveDeduplicates(t *testing.T) {
	var sink captured
	th := New(time.Hour, sink.flush)

	for i := 0; i < 50; i++ {
		th.Observe("/work/alpha", "file:///work/alpha/main.go")
	}
	if th.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", th.Pending())
	}

	if n := th.FlushNow(); n != 1 {
		t.Fatalf("FlushNow flushed %d roots, want 1", n)
	}
	got := sink.get("/work/alpha")
	if !reflect.DeepEqual(got, []string{"file:///work/alpha/main.go"}) {
		t.Errorf("batch = %v, want single deduplicated uri", got)
	}
}

func TestFlushGroupsByRoot(t *testing.T) {
	var sink captured
	th := New(time.Hour, sink.flush)

	th.Observe("/work/beta", "file:///work/beta/b.go")
	th.Observe("/work/alpha", "file:///work/alpha/z.go")
	th.Observe("/work/alpha", "file:///work/alpha/a.go")

	if n := th.FlushNow(); n != 2 {
		t.Fatalf("FlushNow flushed %d roots, want 2", n)
	}

	wantAlpha := []string{"file:///work/alpha/a.go", "file:///work/alpha/z.go"}
	if got := sink.get("/work/alpha"); !reflect.DeepEqual(got, wantAlpha) {
		t.Errorf("alpha batch = %v, want %v", got, wantAlpha)
	}
	wantBeta := []string{"file:///work/beta/b.go"}
	if got := sink.get("/work/beta"); !reflect.DeepEqual(got, wantBeta) {
		t.Errorf("beta batch = %v, want %v", got, wantBeta)
	}
}

func TestEmptyFlushIsNoOp(t *testing.T) {
	var sink captured
	th := New(time.Hour, sink.flush)

	if n := th.FlushNow(); n != 0 {
		t.Fatalf("FlushNow on empty throttler flushed %d roots", n)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.flushes != 0 {
		t.Errorf("flush callback invoked %d times for empty flush", sink.flushes)
	}
}

func TestFlushClearsPending(t *testing.T) {
	var sink captured
	th := New(time.Hour, sink.flush)

	th.Observe("/work/alpha", "file:///work/alpha/a.go")
	th.FlushNow()
	if th.Pending() != 0 {
		t.Errorf("Pending = %d after flush, want 0", th.Pending())
	}
	if n := th.FlushNow(); n != 0 {
		t.Errorf("second flush delivered %d roots, want 0", n)
	}
}

func TestRunFlushesPeriodically(t *testing.T) {
	var sink captured
	th := New(20*time.Millisecond, sink.flush)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		th.Run(ctx)
		close(done)
	}()

	th.Observe("/work/alpha", "file:///work/alpha/a.go")

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.get("/work/alpha")) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("periodic flush did not deliver the batch")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRunFinalFlushOnCancel(t *testing.T) {
	var sink captured
	th := New(time.Hour, sink.flush)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		th.Run(ctx)
		close(done)
	}()

	th.Observe("/work/alpha", "file:///work/alpha/a.go")
	cancel()
	<-done

	if got := sink.get("/work/alpha"); len(got) != 1 {
		t.Errorf("final flush delivered %d uris, want 1", len(got))
	}
}

func TestIsThrottledMethod(t *testing.T) {
	cases := []struct {
		method string
		want   bool
	}{
		{"notifications/file/didChange", true},
		{"notifications/file/didCreate", true},
		{"notifications/file/didDelete", true},
		{"textDocument/didChange", true},
		{"textDocument/didSave", true},
		{"textDocument/didOpen", false},
		{"tools/call", false},
		{"initialize", false},
	}
	for _, tc := range cases {
		if got := IsThrottledMethod(tc.method); got != tc.want {
			t.Errorf("IsThrottledMethod(%q) = %v, want %v", tc.method, got, tc.want)
		}
	}
}
