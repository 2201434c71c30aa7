package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/adwski/proximity-chat/backend/service"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RosterService interface {
	Roster() model.Roster
	Peer(id model.PeerID) (model.PeerRecord, error)
	Stats() service.Stats
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RosterService
	*http.Server
}

type Config struct {
	Logger        *zerolog.Logger
	RosterService RosterService
	ListenAddr    string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RosterService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/roster", srv.roster)
	r.HandleFunc("GET /api/roster/{id}", srv.peer)
	r.HandleFunc("GET /api/stats", srv.stats)
	r.HandleFunc("GET /api/health", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) roster(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	roster := srv.svc.Roster()
	srv.logger.Trace().Int("peers", len(roster)).Msg("roster requested")
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: roster})
}

func (srv *Server) peer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	id := model.PeerID(r.PathValue("id"))
	rec, err := srv.svc.Peer(id)
	if err != nil {
		srv.logger.Trace().Str("peerID", string(id)).Err(err).Msg("peer lookup failed")
		srv.writeResponse(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: rec})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: srv.svc.Stats()})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeResponse(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
