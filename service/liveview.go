package service

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/avenhart/pulseboard/refresh"
)

type liveViewServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener

	upgrader websocket.Upgrader
}

type liveStateResponse struct {
	Online  bool            `json:"online"`
	Queries []refresh.State `json:"queries"`
	Now     time.Time       `json:"now"`
}

type refreshResponse struct {
	Started bool `json:"started"`
}

func newLiveViewServer(listen string, svc *Service, logger zerolog.Logger) (*liveViewServer, error) {
	server := &liveViewServer{
		logger:  logger,
		service: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/", server.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/api/state", server.handleState).Methods(http.MethodGet)
	router.HandleFunc("/api/queries/{id}", server.handleQuery).Methods(http.MethodGet)
	router.HandleFunc("/api/queries/{id}/refresh", server.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/api/stream/{id}", server.handleStream).Methods(http.MethodGet)
	if svc.cfg.Telemetry.Enabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: router}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return server, nil
}

func (s *liveViewServer) addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *liveViewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		s.logger.Error().Err(err).Msg("render live view page")
	}
}

func (s *liveViewServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, liveStateResponse{
		Online:  s.service.Online(),
		Queries: s.service.States(),
		Now:     time.Now().UTC(),
	})
}

func (s *liveViewServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.service.Controller().State(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *liveViewServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	started, err := s.service.TriggerRefresh(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusAccepted, refreshResponse{Started: started})
}

// handleStream upgrades to a websocket and forwards every state change of the
// query until the client disconnects.
func (s *liveViewServer) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sub, initial, err := s.service.Subscribe(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.service.Unsubscribe(sub)
		s.logger.Warn().Err(err).Str("query", id).Msg("websocket upgrade failed")
		return
	}
	defer func() {
		s.service.Unsubscribe(sub)
		conn.Close()
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(initial); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case state, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(state); err != nil {
				return
			}
		}
	}
}

func (s *liveViewServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode live view response")
	}
}

func (s *liveViewServer) close() {
	if s == nil || s.server == nil {
		return
	}
	if err := s.server.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close live view server")
	}
}
