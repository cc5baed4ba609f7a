package viewserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/session"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const roomsPrefix = "/api/rooms/"

// SnapshotProvider supplies the session state served by the handler.
type SnapshotProvider interface {
	Snapshot() session.SessionSnapshot
}

// Handler serves read-only views of the session over HTTP.
type Handler struct {
	provider SnapshotProvider
}

func NewHandler(provider SnapshotProvider) *Handler {
	return &Handler{provider: provider}
}

// HandleGetSession handles GET /api/session
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.provider.Snapshot())
}

// HandleGetActiveRoom handles GET /api/rooms/active
func (h *Handler) HandleGetActiveRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	view, ok := h.provider.Snapshot().Active()
	if !ok {
		http.Error(w, "No active room", http.StatusNotFound)
		return
	}
	writeJSON(w, view)
}

// HandleGetRoom handles GET /api/rooms/{id}
func (h *Handler) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomIDStr := strings.TrimPrefix(r.URL.Path, roomsPrefix)
	if roomIDStr == "" || strings.Contains(roomIDStr, "/") {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	roomID, err := models.ParseRoomID(roomIDStr)
	if err != nil {
		http.Error(w, "Invalid room ID format", http.StatusBadRequest)
		return
	}

	view, ok := h.provider.Snapshot().Rooms[roomID]
	if !ok {
		log.Debug().Str("room_id", roomID.String()).Msg("view requested for untracked room")
		http.NotFound(w, r)
		return
	}
	writeJSON(w, view)
}

// RegisterRoutes registers the view routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/session", h.HandleGetSession)
	mux.HandleFunc("/api/rooms/active", h.HandleGetActiveRoom)
	mux.HandleFunc(roomsPrefix, h.HandleGetRoom)
}

// NewServer builds the view server listening on addr. Requests from any
// origin are allowed; the server only ever reads.
func NewServer(addr string, provider SnapshotProvider) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      newRouter(provider),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func newRouter(provider SnapshotProvider) http.Handler {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	NewHandler(provider).RegisterRoutes(mux)
	setupHealthCheck(mux)

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode view response")
	}
}
