// Package diag serves the daemon's diagnostics HTTP API: JSON snapshots of
// the orchestration state and the prometheus metrics endpoint. Snapshot
// functions are supplied by the daemon and must themselves synchronize with
// the owning event loops.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mdstack-network/mdstack/pkg/util"
)

// Sources supplies the snapshot functions behind each endpoint. Nil
// entries return 404.
type Sources struct {
	Status   func() any
	Networks func() any
	Slots    func() any
	Requests func() any
}

// Server is the diagnostics HTTP server.
type Server struct {
	srv *http.Server
	log *logrus.Entry
}

// New builds the server on addr.
func New(addr string, src Sources) *Server {
	s := &Server{log: util.WithComponent("diag")}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", snapshotHandler(src.Status)).Methods(http.MethodGet)
	r.HandleFunc("/networks", snapshotHandler(src.Networks)).Methods(http.MethodGet)
	r.HandleFunc("/slots", snapshotHandler(src.Slots)).Methods(http.MethodGet)
	r.HandleFunc("/requests", snapshotHandler(src.Requests)).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func snapshotHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(fn()); err != nil {
			http.Error(w, "could not encode response", http.StatusInternalServerError)
		}
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.log.Infof("diagnostics listening on %s", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("diagnostics server: %v", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown diagnostics server: %w", err)
	}
	return nil
}
