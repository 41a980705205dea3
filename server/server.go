package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/signaling"
)

var log = logging.Logger("server")

// Server exposes the signaling websocket and the label queries.
type Server struct {
	registry *signaling.Registry
	client   signaling.ClientConfig
	upgrader websocket.Upgrader
	router   *mux.Router
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.ServerConfig, registry *signaling.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: registry,
		client: signaling.ClientConfig{
			ReadLimit:  cfg.ReadLimit,
			PongWait:   cfg.PongWait,
			PingPeriod: cfg.PingPeriod,
			WriteWait:  cfg.WriteWait,
			SendQueue:  cfg.SendQueue,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{client_id}", s.serveWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/live_labels", s.getLiveLabels).Methods(http.MethodGet)
	r.HandleFunc("/live_labels/{client_id}", s.getClientLabels).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.getHealth).Methods(http.MethodGet)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe() error {
	log.Infow("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and cancels running signaling
// sessions. Hijacked websockets are not tracked by http.Server, so callers
// close the registry as well.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "id", id, "error", err)
		return
	}
	log.Infow("websocket client connected", "id", id, "remote", r.RemoteAddr)
	signaling.Serve(s.ctx, s.registry, s.client, ws, id)
	log.Infow("websocket client disconnected", "id", id)
}

type labelsResponse struct {
	ClientID string   `json:"client_id,omitempty"`
	State    string   `json:"state,omitempty"`
	Labels   []string `json:"labels"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getLiveLabels(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	writeJSON(w, http.StatusOK, labelsResponse{Labels: s.registry.Labels().Snapshot()})
}

func (s *Server) getClientLabels(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	id := mux.Vars(r)["client_id"]
	conn, ok := s.registry.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown client " + id})
		return
	}
	writeJSON(w, http.StatusOK, labelsResponse{
		ClientID: id,
		State:    conn.State().String(),
		Labels:   conn.Labels(),
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Connections: s.registry.Len()})
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warnw("writing response failed", "error", err)
	}
}
