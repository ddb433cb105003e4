// Package status serves a read-only HTTP view of the running station.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/1ureka/dmrtunnel/internal/util"
)

// Report is the body of GET /stats.
type Report struct {
	Link   string        `json:"link"`
	Uptime string        `json:"uptime"`
	Stats  util.Snapshot `json:"stats"`
}

// Server exposes the traffic counters and a liveness probe.
type Server struct {
	router  *mux.Router
	link    string
	started time.Time
}

// NewServer creates the status handler for a station running over link.
func NewServer(link string) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		link:    link,
		started: time.Now(),
	}

	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve answers requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("status endpoint listening on http://%s/stats", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report := Report{
		Link:   s.link,
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Stats:  util.Stats.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		util.LogWarning("failed to write status response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}
