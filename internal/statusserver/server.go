// Package statusserver serves local /healthz, /state and /metrics endpoints
// for one client session instance.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/fruithappens/coffeecue/pkg/degraded"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger checks durable store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateSource reports the degraded-mode state.
type StateSource interface {
	State() degraded.State
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Mode     string `json:"mode"`
	Instance string `json:"instance,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Server provides the local status endpoints.
type Server struct {
	store    Pinger
	state    StateSource
	gatherer prometheus.Gatherer
	instance string
	server   *http.Server
}

// New creates a status server. gatherer may be nil to disable /metrics.
func New(store Pinger, state StateSource, gatherer prometheus.Gatherer, instance string) *Server {
	return &Server{
		store:    store,
		state:    state,
		gatherer: gatherer,
		instance: instance,
	}
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/state", s.stateHandler).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound, so a bad address fails fast.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Status] Server error: %v", err)
		}
	}()

	log.Printf("[Status] Serving /healthz, /state and /metrics on %s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// healthCheckHandler returns 200 while the durable store is reachable and
// 503 otherwise. Degraded mode is reported but is not unhealthy: the cache
// is what keeps the app serving.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Store:    "connected",
		Mode:     string(s.state.State().Mode),
		Instance: s.instance,
	}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
