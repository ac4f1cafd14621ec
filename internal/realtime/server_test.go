package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taskboard/api/internal/board"
	"taskboard/api/internal/presence"
)

type fakeVerifier struct {
	verifyTokenFn func(ctx context.Context, token string) (Identity, error)
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if f.verifyTokenFn != nil {
		return f.verifyTokenFn(ctx, token)
	}
	return Identity{UserID: 1, Username: "avery", Email: "avery@example.com"}, nil
}

type fakeAuthorizer struct {
	authorizeJoinFn func(ctx context.Context, workspaceID, userID int64) error
}

func (f *fakeAuthorizer) AuthorizeJoin(ctx context.Context, workspaceID, userID int64) error {
	if f.authorizeJoinFn != nil {
		return f.authorizeJoinFn(ctx, workspaceID, userID)
	}
	return nil
}

func newWSTestServer(verifier TokenVerifier) (*Server, *httptest.Server) {
	return newWSTestServerWithAuthorizer(verifier, &fakeAuthorizer{})
}

func newWSTestServerWithAuthorizer(verifier TokenVerifier, authorizer RoomAuthorizer) (*Server, *httptest.Server) {
	server := NewServer(NewHub(presence.NewRegistry()), verifier, authorizer)
	ts := httptest.NewServer(server)
	return server, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return sock
}

func readEvent(t *testing.T, sock *websocket.Conn) board.Event {
	t.Helper()
	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event board.Event
	if err := sock.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, ts := newWSTestServer(&fakeVerifier{})
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a credential, got %d", resp.StatusCode)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, ts := newWSTestServer(&fakeVerifier{
		verifyTokenFn: func(ctx context.Context, token string) (Identity, error) {
			return Identity{}, errors.New("expired")
		},
	})
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestHandshakeSendsConnectionReady(t *testing.T) {
	_, ts := newWSTestServer(&fakeVerifier{})
	defer ts.Close()

	sock := dialWS(t, ts, "?token=good")
	defer sock.Close()

	event := readEvent(t, sock)
	if event.Type != board.EventConnectionReady {
		t.Fatalf("expected connection-ready first, got %s", event.Type)
	}
	payload, err := board.DecodePayload(event)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id := payload.(*board.ConnectionReadyPayload).ConnectionID; !strings.HasPrefix(id, "conn") {
		t.Fatalf("expected prefixed connection id, got %q", id)
	}
}

func TestJoinAndActivityOverSocket(t *testing.T) {
	users := map[string]Identity{
		"token-a": {UserID: 1, Username: "avery"},
		"token-b": {UserID: 2, Username: "blake"},
	}
	_, ts := newWSTestServer(&fakeVerifier{
		verifyTokenFn: func(ctx context.Context, token string) (Identity, error) {
			identity, ok := users[token]
			if !ok {
				return Identity{}, errors.New("unknown token")
			}
			return identity, nil
		},
	})
	defer ts.Close()

	first := dialWS(t, ts, "?token=token-a")
	defer first.Close()
	second := dialWS(t, ts, "?token=token-b")
	defer second.Close()
	readEvent(t, first)  // connection-ready
	readEvent(t, second) // connection-ready

	join := board.NewEvent(board.EventJoinWorkspace, board.JoinWorkspacePayload{WorkspaceID: 10})
	if err := first.WriteJSON(join); err != nil {
		t.Fatalf("join first: %v", err)
	}
	if event := readEvent(t, first); event.Type != board.EventPresenceUpdate {
		t.Fatalf("expected presence-update on own join, got %s", event.Type)
	}

	if err := second.WriteJSON(join); err != nil {
		t.Fatalf("join second: %v", err)
	}
	if event := readEvent(t, first); event.Type != board.EventUserJoined {
		t.Fatalf("expected user-joined for the peer, got %s", event.Type)
	}
	readEvent(t, first)  // presence-update
	readEvent(t, second) // own presence-update

	activity := board.NewEvent(board.EventUserActivity, board.UserActivityPayload{Activity: "typing"})
	if err := second.WriteJSON(activity); err != nil {
		t.Fatalf("send activity: %v", err)
	}
	event := readEvent(t, first)
	if event.Type != board.EventUserActivity {
		t.Fatalf("expected user-activity, got %s", event.Type)
	}
	payload, err := board.DecodePayload(event)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := payload.(*board.UserActivityPayload)
	if got.UserID != 2 || got.Activity != "typing" {
		t.Fatalf("activity should carry the sender's identity, got %+v", got)
	}
}

func TestJoinDeniedForNonMember(t *testing.T) {
	server, ts := newWSTestServerWithAuthorizer(&fakeVerifier{}, &fakeAuthorizer{
		authorizeJoinFn: func(ctx context.Context, workspaceID, userID int64) error {
			if workspaceID == 10 && userID == 1 {
				return nil
			}
			return errors.New("not a workspace member")
		},
	})
	defer ts.Close()

	sock := dialWS(t, ts, "?token=good")
	defer sock.Close()
	readEvent(t, sock) // connection-ready

	// Workspace 99 is not ours: the join is refused with an error event and
	// the connection stays out of the room.
	join := board.NewEvent(board.EventJoinWorkspace, board.JoinWorkspacePayload{WorkspaceID: 99})
	if err := sock.WriteJSON(join); err != nil {
		t.Fatalf("write join: %v", err)
	}
	event := readEvent(t, sock)
	if event.Type != board.EventError {
		t.Fatalf("expected error event for denied join, got %s", event.Type)
	}
	server.hub.mu.Lock()
	conn := server.hub.byUser[1]
	server.hub.mu.Unlock()
	if conn == nil {
		t.Fatalf("connection should still be attached")
	}
	if room, ok := server.hub.RoomOf(conn); ok {
		t.Fatalf("denied connection must not be in room %d", room)
	}

	// Membership in workspace 10 still admits us.
	allowed := board.NewEvent(board.EventJoinWorkspace, board.JoinWorkspacePayload{WorkspaceID: 10})
	if err := sock.WriteJSON(allowed); err != nil {
		t.Fatalf("write join: %v", err)
	}
	if event := readEvent(t, sock); event.Type != board.EventPresenceUpdate {
		t.Fatalf("expected presence-update on permitted join, got %s", event.Type)
	}
}

func TestUnansweredPingsDetachPeer(t *testing.T) {
	oldPongWait, oldPingPeriod := pongWait, pingPeriod
	pongWait, pingPeriod = 150*time.Millisecond, 50*time.Millisecond
	defer func() { pongWait, pingPeriod = oldPongWait, oldPingPeriod }()

	users := map[string]Identity{
		"token-a": {UserID: 1, Username: "avery"},
		"token-b": {UserID: 2, Username: "blake"},
	}
	_, ts := newWSTestServer(&fakeVerifier{
		verifyTokenFn: func(ctx context.Context, token string) (Identity, error) {
			identity, ok := users[token]
			if !ok {
				return Identity{}, errors.New("unknown token")
			}
			return identity, nil
		},
	})
	defer ts.Close()

	dead := dialWS(t, ts, "?token=token-a")
	defer dead.Close()
	watcher := dialWS(t, ts, "?token=token-b")
	defer watcher.Close()
	readEvent(t, dead)
	readEvent(t, watcher)

	join := board.NewEvent(board.EventJoinWorkspace, board.JoinWorkspacePayload{WorkspaceID: 10})
	if err := dead.WriteJSON(join); err != nil {
		t.Fatalf("join dead: %v", err)
	}
	readEvent(t, dead) // presence-update
	if err := watcher.WriteJSON(join); err != nil {
		t.Fatalf("join watcher: %v", err)
	}

	// The first connection now goes silent: it never reads again, so it
	// never answers pings. The watcher keeps reading (answering pings as a
	// side effect) and must see the dead peer leave once its deadline lapses.
	deadline := time.Now().Add(3 * time.Second)
	for {
		event := readEvent(t, watcher)
		if event.Type == board.EventUserLeft {
			payload, err := board.DecodePayload(event)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := payload.(*board.UserLeftPayload).UserID; got != 1 {
				t.Fatalf("expected user 1 to leave, got %d", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("dead peer was never detached")
		}
	}
}

func TestServerOnlyEventFromClientGetsError(t *testing.T) {
	_, ts := newWSTestServer(&fakeVerifier{})
	defer ts.Close()

	sock := dialWS(t, ts, "?token=good")
	defer sock.Close()
	readEvent(t, sock) // connection-ready

	forged := board.NewEvent(board.EventTodoDeleted, board.TodoDeletedPayload{TodoID: 1, ListID: 1})
	if err := sock.WriteJSON(forged); err != nil {
		t.Fatalf("write: %v", err)
	}
	event := readEvent(t, sock)
	if event.Type != board.EventError {
		t.Fatalf("expected error event, got %s", event.Type)
	}
}
