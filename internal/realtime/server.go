package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taskboard/api/internal/board"
	"taskboard/api/internal/util"
)

// Identity is the verified user behind a connection, resolved by the
// identity gate at handshake time.
type Identity struct {
	UserID   int64
	Username string
	Email    string
}

// TokenVerifier resolves a bearer credential to a user identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// RoomAuthorizer gates workspace room joins with the same membership check
// that guards the REST board fetch.
type RoomAuthorizer interface {
	AuthorizeJoin(ctx context.Context, workspaceID, userID int64) error
}

// Server upgrades HTTP requests to realtime connections and runs their read
// loops. Constructed once at process start and injected; no globals.
type Server struct {
	hub        *Hub
	verifier   TokenVerifier
	authorizer RoomAuthorizer
	upgrader   websocket.Upgrader
}

func NewServer(hub *Hub, verifier TokenVerifier, authorizer RoomAuthorizer) *Server {
	return &Server{
		hub:        hub,
		verifier:   verifier,
		authorizer: authorizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP performs the handshake: the credential comes from the "token"
// query parameter or the Authorization header, and the connection is
// rejected before upgrade when resolution fails.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	identity, err := s.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	conn := NewConn(sock, util.NewID("conn"), identity.UserID, identity.Username, identity.Email)
	s.hub.Attach(conn)

	// Echo the assigned connection ID so the client can tag REST mutations.
	conn.trySend(board.NewEvent(board.EventConnectionReady, board.ConnectionReadyPayload{ConnectionID: conn.ID}))

	go conn.writePump()
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer func() {
		s.hub.Detach(conn)
		conn.Close()
	}()

	conn.sock.SetReadLimit(1 << 20)
	// A peer that stops answering pings is detached once the deadline
	// lapses, instead of lingering in its room until TCP gives up.
	_ = conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		return conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var event board.Event
		if err := conn.sock.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read from %s failed: %v", conn.ID, err)
			}
			return
		}
		s.dispatch(conn, event)
	}
}

// dispatch handles one client frame. Malformed or unknown frames are logged
// and dropped; they never tear down the connection or touch room state.
func (s *Server) dispatch(conn *Conn, event board.Event) {
	payload, err := board.DecodePayload(event)
	if err != nil {
		if errors.Is(err, board.ErrUnknownEvent) {
			conn.trySend(board.NewEvent(board.EventError, board.ErrorPayload{
				Message: "unknown event type: " + string(event.Type),
			}))
		}
		log.Printf("realtime: dropping frame from %s: %v", conn.ID, err)
		return
	}

	switch p := payload.(type) {
	case *board.JoinWorkspacePayload:
		if err := s.authorizer.AuthorizeJoin(context.Background(), p.WorkspaceID, conn.UserID); err != nil {
			conn.trySend(board.NewEvent(board.EventError, board.ErrorPayload{
				Message: fmt.Sprintf("cannot join workspace %d", p.WorkspaceID),
			}))
			return
		}
		s.hub.Join(conn, p.WorkspaceID)
	case *board.LeaveWorkspacePayload:
		s.hub.Leave(conn, p.WorkspaceID)
	case *board.UserActivityPayload:
		workspaceID := p.WorkspaceID
		if workspaceID == 0 {
			if current, ok := s.hub.RoomOf(conn); ok {
				workspaceID = current
			}
		}
		if workspaceID == 0 {
			return
		}
		s.hub.Broadcast(workspaceID, board.NewEvent(board.EventUserActivity, board.UserActivityPayload{
			UserID:   conn.UserID,
			Username: conn.Username,
			Activity: p.Activity,
		}), conn)
	default:
		// Server-originated event types are not accepted from clients.
		conn.trySend(board.NewEvent(board.EventError, board.ErrorPayload{
			Message: "event not accepted from clients: " + string(event.Type),
		}))
	}
}
