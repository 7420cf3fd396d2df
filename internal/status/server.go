package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// BackendStatus is one pooled backend as shown on the status page.
type BackendStatus struct {
	Root     string    `json:"root"`
	State    string    `json:"state"`
	Pending  int64     `json:"pending"`
	LastUsed time.Time `json:"last_used"`
}

// Info is the proxy state snapshot served by /status.
type Info struct {
	Version   string          `json:"version"`
	StartedAt time.Time       `json:"started_at"`
	UptimeSec int64           `json:"uptime_seconds"`
	Roots     []string        `json:"roots"`
	Backends  []BackendStatus `json:"backends"`
}

// InfoFunc produces the current snapshot on each request.
type InfoFunc func() Info

// Server serves /status and /metrics on a loopback address.
type Server struct {
	srv      *http.Server
	reporter *SnapshotReporter
	info     InfoFunc
}

// NewServer creates the status server. reporter may be nil when metrics are
// not collected.
func NewServer(host string, port int, info InfoFunc, reporter *SnapshotReporter) *Server {
	s := &Server{
		reporter: reporter,
		info:     info,
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background and shuts down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("status server stopped")
		}
	}()

	log.Info().Str("addr", s.srv.Addr).Msg("status endpoint listening")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := s.info()
	info.UptimeSec = int64(time.Since(info.StartedAt).Seconds())
	writeJSON(w, info)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, map[string]any{
		"counters": s.reporter.Counters(),
		"gauges":   s.reporter.Gauges(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode status response")
	}
}
