package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSnapshotReporterAccumulatesCounters(t *testing.T) {
	r := NewSnapshotReporter()
	scope, closeScope := r.NewScope("mcpmux", 10*time.Millisecond)
	defer closeScope()

	scope.Counter("requests").Inc(1)
	scope.Counter("requests").Inc(2)
	scope.Gauge("live").Update(4)

	// The scope reports on its interval.
	deadline := time.After(2 * time.Second)
	for {
		if r.Counters()["mcpmux.requests"] == 3 && r.Gauges()["mcpmux.live"] == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("metrics never reported: counters=%v gauges=%v", r.Counters(), r.Gauges())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	srv := NewServer("127.0.0.1", 0, func() Info {
		return Info{
			Version:   "test",
			StartedAt: started,
			Roots:     []string{"/work/alpha"},
			Backends: []BackendStatus{
				{Root: "/work/alpha", State: "ready", Pending: 1, LastUsed: started},
			},
		}
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var info Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if info.Version != "test" || len(info.Backends) != 1 {
		t.Errorf("unexpected payload: %+v", info)
	}
	if info.UptimeSec < 59 {
		t.Errorf("uptime = %d, want about a minute", info.UptimeSec)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewSnapshotReporter()
	r.ReportCounter("mcpmux.pool.spawns", nil, 2)
	r.ReportGauge("mcpmux.pool.live_backends", nil, 1)

	srv := NewServer("127.0.0.1", 0, func() Info { return Info{} }, r)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		Counters map[string]int64   `json:"counters"`
		Gauges   map[string]float64 `json:"gauges"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if payload.Counters["mcpmux.pool.spawns"] != 2 {
		t.Errorf("counters = %v", payload.Counters)
	}
	if payload.Gauges["mcpmux.pool.live_backends"] != 1 {
		t.Errorf("gauges = %v", payload.Gauges)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, func() Info { return Info{} }, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
