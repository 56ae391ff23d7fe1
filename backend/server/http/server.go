package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/storage/memory"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// RoomInspector gives read-only access to the room registry.
type RoomInspector interface {
	GetRoom(roomID string) (*model.Room, error)
	Rooms() []model.Room
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type RoomSummary struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
}

type Server struct {
	logger        zerolog.Logger
	rooms         RoomInspector
	allowedOrigin string
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Rooms      RoomInspector
	Gatherer   prometheus.Gatherer
	ListenAddr string

	// AllowedOrigin is returned in CORS headers. Empty means "*".
	AllowedOrigin string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:        cfg.Logger.With().Str("component", "api-server").Logger(),
		rooms:         cfg.Rooms,
		allowedOrigin: cfg.AllowedOrigin,
	}
	if srv.allowedOrigin == "" {
		srv.allowedOrigin = "*"
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/room/{roomID}", srv.getRoom)
	r.HandleFunc("GET /healthz", srv.healthz)
	r.HandleFunc("OPTIONS /", srv.corsHandler)
	if cfg.Gatherer != nil {
		r.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", srv.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	room, err := srv.rooms.GetRoom(roomID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, memory.ErrRoomNotFound) {
			code = http.StatusNotFound
		}
		srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: room})
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.rooms.Rooms()
	summary := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summary = append(summary, RoomSummary{RoomID: room.ID, Members: len(room.Members)})
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: summary})
}

func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", srv.allowedOrigin)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
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
