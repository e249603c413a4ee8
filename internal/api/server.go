// Package api serves the read-only HTTP surface next to the WebSocket
// endpoint: health, version, stats, room snapshots, results and join QR codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"innovationquest/internal/websocket"
	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

const (
	healthTimeout = 5 * time.Second

	DefaultQRSize = 320
	MinQRSize     = 128
	MaxQRSize     = 1024
)

// Registry is the part of the connection registry the API reads.
type Registry interface {
	ConnectionCount(roomCode string) int
	HasTeacher(roomCode string) bool
	GetStats() websocket.RegistryStats
}

// Options configures a Server.
type Options struct {
	// PublicURL is the base for join links. When empty it is derived from
	// the request.
	PublicURL string
	Version   string
}

type Server struct {
	store    interfaces.Store
	registry Registry
	opts     Options
	router   *httprouter.Router
	logger   *logrus.Entry
	started  time.Time
}

func NewServer(store interfaces.Store, registry Registry, opts Options, logger *logrus.Entry) *Server {
	opts.PublicURL = strings.TrimSuffix(opts.PublicURL, "/")
	s := &Server{
		store:    store,
		registry: registry,
		opts:     opts,
		router:   httprouter.New(),
		logger:   logger,
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		s.logger.WithFields(logrus.Fields{"path": r.URL.Path, "panic": v}).Error("handler panicked")
		s.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Not found", http.StatusNotFound)
	})

	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/version", s.serveVersion)
	s.router.GET("/api/stats", s.stats)
	s.router.GET("/api/rooms/:code", s.getRoom)
	s.router.GET("/api/rooms/:code/results", s.getResults)
	s.router.GET("/api/rooms/:code/qr", s.serveQR)
}

// Handle mounts an extra handler, such as the WebSocket endpoint.
func (s *Server) Handle(method, path string, h http.Handler) {
	s.router.Handler(method, path, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Store       string                  `json:"store"`
	Uptime      string                  `json:"uptime"`
	Connections websocket.RegistryStats `json:"connections"`
}

type StatsResponse struct {
	Store       types.StoreStats        `json:"store"`
	Connections websocket.RegistryStats `json:"connections"`
}

type RoomResponse struct {
	Room             *types.Room     `json:"room"`
	Students         []types.Student `json:"students"`
	SubmissionCount  int             `json:"submissionCount"`
	VoteCount        int             `json:"voteCount"`
	ConnectionCount  int             `json:"connectionCount"`
	TeacherConnected bool            `json:"teacherConnected"`
}

type ResultsResponse struct {
	RoomCode string               `json:"roomCode"`
	Results  []types.RankedResult `json:"results"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Store:       "healthy",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Connections: s.registry.GetStats(),
	}

	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.WithError(err).Warn("store health check failed")
		resp.Status = "unhealthy"
		resp.Store = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("innovationquest v" + s.opts.Version + "\n"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	storeStats, err := s.store.Stats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Store:       storeStats,
		Connections: s.registry.GetStats(),
	})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, ok := s.lookupRoom(w, r, ps)
	if !ok {
		return
	}

	ctx := r.Context()
	students, err := s.store.GetStudentsByRoom(ctx, room.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	inventions, err := s.store.GetInventionsByRoom(ctx, room.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	votes, err := s.store.GetVotesByRoom(ctx, room.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, RoomResponse{
		Room:             room,
		Students:         students,
		SubmissionCount:  len(inventions),
		VoteCount:        len(votes),
		ConnectionCount:  s.registry.ConnectionCount(room.Code),
		TeacherConnected: s.registry.HasTeacher(room.Code),
	})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, ok := s.lookupRoom(w, r, ps)
	if !ok {
		return
	}
	if room.Phase != types.PhaseResults {
		s.sendError(w, "Results are not available yet", http.StatusConflict)
		return
	}

	results, err := s.store.GetRankedResults(r.Context(), room.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ResultsResponse{RoomCode: room.Code, Results: results})
}

// serveQR renders a PNG QR code of the room's join link.
func (s *Server) serveQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, ok := s.lookupRoom(w, r, ps)
	if !ok {
		return
	}

	size := DefaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.sendError(w, "size must be a number", http.StatusBadRequest)
			return
		}
		size = clampQRSize(n)
	}

	png, err := qrcode.Encode(s.JoinURL(r, room.Code), qrcode.Medium, size)
	if err != nil {
		s.internalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// JoinURL is the link a student opens to join the room.
func (s *Server) JoinURL(r *http.Request, code string) string {
	base := s.opts.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/?room=" + url.QueryEscape(code)
}

func clampQRSize(n int) int {
	if n < MinQRSize {
		return MinQRSize
	}
	if n > MaxQRSize {
		return MaxQRSize
	}
	return n
}

// lookupRoom resolves the :code parameter, writing the error response itself
// when it returns false.
func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (*types.Room, bool) {
	code := types.NormalizeRoomCode(ps.ByName("code"))
	if !types.IsValidRoomCode(code) {
		s.sendError(w, types.ErrInvalidRoomCode.Error(), http.StatusBadRequest)
		return nil, false
	}

	room, err := s.store.GetRoom(r.Context(), code)
	if errors.Is(err, interfaces.ErrNotFound) {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.internalError(w, err)
		return nil, false
	}
	return room, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("request failed")
	s.sendError(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
