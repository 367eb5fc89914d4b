package runtime

import (
	"encoding/json"
	"net/http"

	"github.com/KathyLau/un-webtv-transcriber/internal/pipeline"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type statusResponse struct {
	RunID string `json:"run_id"`
	pipeline.Snapshot
	WebSocketClients int `json:"websocket_clients,omitempty"`
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(cors.Handler(corsOptions(r.cfg.HTTP.CORSOrigins)))

	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	mux.Get("/status", r.handleStatus)
	if metrics != nil {
		mux.Method(http.MethodGet, "/metrics", metrics)
	}
	if r.ws != nil {
		path := r.cfg.Sinks.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		mux.Handle(path, r.ws)
	}
	return mux
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.controller == nil {
		http.Error(w, "pipeline not started", http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{RunID: r.runID, Snapshot: r.controller.Snapshot()}
	if r.ws != nil {
		resp.WebSocketClients = r.ws.Clients()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
