package remap

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/rpc/message"
)

func TestCounterStartsAtOne(t *testing.T) {
	var c Counter
	if got := c.Next(); got != 1 {
		t.Errorf("first identifier = %d, want 1", got)
	}
	if got := c.Next(); got != 2 {
		t.Errorf("second identifier = %d, want 2", got)
	}
}

func TestCounterUniqueAcrossTables(t *testing.T) {
	var c Counter
	a := NewTable(&c)
	b := NewTable(&c)

	idA, _ := a.Register(message.NumberID(1), "tools/list")
	idB, _ := b.Register(message.NumberID(1), "tools/list")
	if idA == idB {
		t.Errorf("tables sharing a counter issued duplicate proxy id %d", idA)
	}
}

func TestCompleteRestoresClientID(t *testing.T) {
	var c Counter
	tbl := NewTable(&c)

	cases := []struct {
		name     string
		clientID *message.ID
		wantJSON string
	}{
		{"number", message.NumberID(42), `"id":42`},
		{"string", message.StringID("req-7"), `"id":"req-7"`},
		{"null", nil, `"id":null`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proxyID, p := tbl.Register(tc.clientID, "tools/call")

			resp, err := message.NewSuccessResponse(nil, map[string]string{"ok": "yes"})
			if err != nil {
				t.Fatalf("NewSuccessResponse failed: %v", err)
			}
			if !tbl.Complete(proxyID, resp) {
				t.Fatal("Complete returned false for known id")
			}

			got := <-p.Done()
			data, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if !strings.Contains(string(data), tc.wantJSON) {
				t.Errorf("response %s does not contain %s", data, tc.wantJSON)
			}
		})
	}
}

func TestCompleteAtMostOnce(t *testing.T) {
	var c Counter
	tbl := NewTable(&c)

	proxyID, p := tbl.Register(message.NumberID(5), "tools/list")

	resp, _ := message.NewSuccessResponse(nil, nil)
	if !tbl.Complete(proxyID, resp) {
		t.Fatal("first Complete returned false")
	}
	if tbl.Complete(proxyID, resp) {
		t.Error("second Complete for same id returned true")
	}
	if tbl.Complete(9999, resp) {
		t.Error("Complete for unknown id returned true")
	}
	<-p.Done()
	if tbl.Len() != 0 {
		t.Errorf("table not empty after completion: %d", tbl.Len())
	}
}

func TestExpireDeliversTimeout(t *testing.T) {
	var c Counter
	tbl := NewTable(&c)

	_, old := tbl.Register(message.NumberID(1), "tools/call")
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)
	freshID, _ := tbl.Register(message.NumberID(2), "tools/call")

	if n := tbl.Expire(cutoff, "/work/alpha"); n != 1 {
		t.Fatalf("Expire removed %d entries, want 1", n)
	}

	resp := <-old.Done()
	if resp.Error == nil || resp.Error.Code != message.BackendTimeout {
		t.Errorf("expired entry got %+v, want backend_timeout error", resp.Error)
	}
	if num, ok := resp.ID.Number(); !ok || num != 1 {
		t.Errorf("expired response id = %v, want 1", resp.ID)
	}

	// The fresh entry is untouched and can still complete.
	ok, _ := message.NewSuccessResponse(nil, nil)
	if !tbl.Complete(freshID, ok) {
		t.Error("fresh entry was expired along with the old one")
	}
}

func TestExpireThenCompleteDiscarded(t *testing.T) {
	var c Counter
	tbl := NewTable(&c)

	proxyID, p := tbl.Register(message.StringID("late"), "tools/call")
	tbl.Expire(time.Now(), "/work/alpha")

	resp := <-p.Done()
	if resp.Error == nil {
		t.Fatal("expected timeout error")
	}

	// A late backend response for the expired id is dropped.
	late, _ := message.NewSuccessResponse(nil, nil)
	if tbl.Complete(proxyID, late) {
		t.Error("Complete after expiry returned true")
	}
}

func TestFailAll(t *testing.T) {
	var c Counter
	tbl := NewTable(&c)

	_, p1 := tbl.Register(message.NumberID(1), "tools/list")
	_, p2 := tbl.Register(message.StringID("x"), "tools/call")

	n := tbl.FailAll(message.ErrBackendUnavailable("/work/alpha", "backend exited"))
	if n != 2 {
		t.Fatalf("FailAll returned %d, want 2", n)
	}

	for _, p := range []*Pending{p1, p2} {
		resp := <-p.Done()
		if resp.Error == nil || resp.Error.Code != message.BackendUnavailable {
			t.Errorf("got %+v, want backend_unavailable error", resp.Error)
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("table not empty after FailAll: %d", tbl.Len())
	}
}

