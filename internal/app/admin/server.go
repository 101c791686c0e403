// Package admin serves the gateway's operational HTTP API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/session"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/supervisor"
)

// Source is the running gateway as seen by the API.
type Source interface {
	Sessions() []session.Info
	Abandon(ctx context.Context, id domain.PeripheralID) error
	BufferStats() ports.BufferStats
}

type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	obs      ports.Observability
	router   *mux.Router
	srv      *http.Server
	ln       net.Listener
}

func NewServer(addr string, src Source, gatherer prometheus.Gatherer, obs ports.Observability) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{src: src, gatherer: gatherer, obs: obs}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/peripherals", s.peripherals).Methods(http.MethodGet)
	r.HandleFunc("/peripherals/{id}", s.abandon).Methods(http.MethodDelete)
	r.HandleFunc("/buffer", s.buffer).Methods(http.MethodGet)
	s.router = r

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener, so an address in use is reported to the caller,
// and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.obs.LogError("admin_server_exited", err)
		}
	}()
	s.obs.LogInfo("admin_server_started", ports.F("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) peripherals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Sessions())
}

func (s *Server) abandon(w http.ResponseWriter, r *http.Request) {
	id := domain.PeripheralID(mux.Vars(r)["id"])
	err := s.src.Abandon(r.Context(), id)
	switch {
	case err == nil:
		s.obs.LogInfo("admin_abandon", ports.F("peripheral", id))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, supervisor.ErrUnknownPeripheral):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) buffer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.BufferStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
