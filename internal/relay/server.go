package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairmeet/pairmeet/internal/room"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Rooms are joined by unguessable token; the relay does not gate on
	// Origin (authentication is a non-goal).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay's HTTP face: the websocket endpoint, the health check
// and the room token API.
type Server struct {
	addr        string
	externalURL string
	reg         *room.Registry
	hub         *Hub

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a relay server listening on addr. externalURL, when set,
// is used to build join URLs for freshly minted rooms.
func NewServer(addr, externalURL string, reg *room.Registry, hub *Hub) *Server {
	return &Server{addr: addr, externalURL: externalURL, reg: reg, hub: hub}
}

// Start binds the listener, starts the hub and serves until ctx is
// cancelled. It returns immediately after binding; bind errors surface here,
// serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{Handler: mux}

	go s.hub.Run(ctx.Done())

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("RELAY: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// URL returns the base http URL of the running server.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed: %v", err)
		return
	}
	c := NewClient(s.hub, conn)
	s.hub.Register(c)
	c.Run()
}

// handleRooms is the room lifecycle CRUD surface. Tokens are 12-character
// lowercase hex strings; creating one is purely generative — the registry
// creates the room lazily on first join and never checks tokens against a
// creation record.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		token := NewRoomToken()
		base := s.externalURL
		if base == "" {
			base = s.URL()
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"roomId":  token,
			"status":  "created",
			"created": time.Now().UTC().Format(time.RFC3339),
			"url":     base + "/room/" + token,
		})

	case http.MethodGet:
		roomID := r.URL.Query().Get("roomId")
		if roomID == "" {
			http.Error(w, "roomId is required", http.StatusBadRequest)
			return
		}
		snap := s.reg.Snapshot(roomID)
		writeJSON(w, http.StatusOK, map[string]any{
			"roomId":       roomID,
			"active":       snap != nil,
			"participants": len(snap),
		})

	case http.MethodDelete:
		roomID := r.URL.Query().Get("roomId")
		if roomID == "" {
			http.Error(w, "roomId is required", http.StatusBadRequest)
			return
		}
		s.hub.CloseRoom(roomID)
		writeJSON(w, http.StatusOK, map[string]any{
			"roomId": roomID,
			"status": "deleted",
		})

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// NewRoomToken mints a 12-character lowercase room token.
func NewRoomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
