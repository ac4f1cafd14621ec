package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/board"
)

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: "avery",
		JTI:  "jti-test",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func TestGetBoardReturnsSnapshot(t *testing.T) {
	fs := &fakeStore{
		fetchBoardFn: func(_ context.Context, workspaceID int64) (board.Board, error) {
			return board.Board{
				WorkspaceID: workspaceID,
				Lists: []board.List{
					{ID: 10, Name: "Backlog", Todos: []board.Todo{{ID: 100, ListID: 10, Title: "First", Revision: 1}}},
				},
			}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces/3", nil)
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var snapshot board.Board
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("parse board: %v", err)
	}
	if snapshot.WorkspaceID != 3 || len(snapshot.Lists) != 1 || snapshot.Lists[0].Todos[0].Title != "First" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestGetBoardForbiddenForNonMember(t *testing.T) {
	fs := &fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "", sql.ErrNoRows
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces/3", nil)
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestPatchTodoPassesConnectionHeaderToHub(t *testing.T) {
	hub := &fakeBroadcaster{}
	svc := newTestService(&fakeStore{})
	svc.SetBroadcaster(hub)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPatch, "/api/todos/100",
		bytes.NewBufferString(`{"title":"Renamed"}`))
	req.Header.Set("Authorization", bearerFor(t, "2"))
	req.Header.Set("X-Connection-ID", "conn-from-client")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(hub.origins) != 1 || hub.origins[0] != "conn-from-client" {
		t.Fatalf("expected origin conn-from-client, got %v", hub.origins)
	}
}

func TestCreateListReturns201AndBroadcasts(t *testing.T) {
	hub := &fakeBroadcaster{}
	svc := newTestService(&fakeStore{})
	svc.SetBroadcaster(hub)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/1/lists",
		bytes.NewBufferString(`{"name":"Doing"}`))
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(hub.events) != 1 || hub.events[0].Type != board.EventListCreated {
		t.Fatalf("expected a list:created broadcast, got %v", hub.events)
	}

	var list board.List
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if list.Name != "Doing" {
		t.Fatalf("expected list name Doing, got %q", list.Name)
	}
}

func TestCreateListRejectsBlankName(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")

	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/1/lists",
		bytes.NewBufferString(`{"name":"   "}`))
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMoveTodoEndpoint(t *testing.T) {
	hub := &fakeBroadcaster{}
	svc := newTestService(&fakeStore{})
	svc.SetBroadcaster(hub)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/todos/100/move",
		bytes.NewBufferString(`{"listId":20,"position":3}`))
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var todo board.Todo
	if err := json.Unmarshal(rr.Body.Bytes(), &todo); err != nil {
		t.Fatalf("parse todo: %v", err)
	}
	if todo.ListID != 20 || todo.Position != 3 {
		t.Fatalf("unexpected todo %+v", todo)
	}
	if len(hub.events) != 1 || hub.events[0].Type != board.EventTodoMoved {
		t.Fatalf("expected a todo:moved broadcast, got %v", hub.events)
	}
}

func TestDeleteTodoUnknownIDIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getTodoWorkspaceFn: func(context.Context, int64) (int64, error) {
			return 0, sql.ErrNoRows
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodDelete, "/api/todos/9999", nil)
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestNonNumericIDIsRejected(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/todos/not-a-number", nil)
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReorderListsEndpoint(t *testing.T) {
	var captured []board.ListPosition
	hub := &fakeBroadcaster{}
	svc := newTestService(&fakeStore{
		updateListPositionsFn: func(_ context.Context, _ int64, positions []board.ListPosition) error {
			captured = positions
			return nil
		},
	})
	svc.SetBroadcaster(hub)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPut, "/api/workspaces/1/lists/positions",
		bytes.NewBufferString(`{"positions":[{"listId":10,"position":2},{"listId":11,"position":1}]}`))
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(captured) != 2 || captured[0].ListID != 10 || captured[0].Position != 2 {
		t.Fatalf("unexpected positions %v", captured)
	}
	if len(hub.events) != 1 || hub.events[0].Type != board.EventListPositionsUpdated {
		t.Fatalf("expected a list:positions-updated broadcast, got %v", hub.events)
	}
}

func TestUpdateMemberRoleEndpointForbiddenForMember(t *testing.T) {
	fs := &fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "member", nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodPut, "/api/workspaces/1/members/5",
		bytes.NewBufferString(`{"role":"admin"}`))
	req.Header.Set("Authorization", bearerFor(t, "2"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}
