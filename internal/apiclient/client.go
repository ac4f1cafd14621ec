// Package apiclient is the Go client for the taskboard API: an HTTP
// implementation of the reconcile store's Persistence contract plus a
// websocket subscriber that feeds broadcast events into the store.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskboard/api/internal/board"
	"taskboard/api/internal/reconcile"
)

// Client talks to the REST API with a bearer token. Once the websocket
// subscriber learns its connection ID, every mutation carries it in
// X-Connection-ID so the server skips echoing the resulting event back.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client

	mu           sync.RWMutex
	connectionID string
}

func New(baseURL, accessToken string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetConnectionID records the live websocket connection handle. An empty
// string (disconnected) means mutations are broadcast back to us too, which
// is safe: the reducer is idempotent under echo.
func (c *Client) SetConnectionID(id string) {
	c.mu.Lock()
	c.connectionID = id
	c.mu.Unlock()
}

func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.ConnectionID(); id != "" {
		req.Header.Set("X-Connection-ID", id)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// apiError maps HTTP failure classes onto the reconcile sentinels so the
// store's rollback policy can classify rejections uniformly.
func apiError(method, path string, resp *http.Response) error {
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	message := body.Error
	if message == "" {
		message = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %s: %w", method, path, message, reconcile.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s %s: %s: %w", method, path, message, reconcile.ErrPermissionDenied)
	case http.StatusConflict:
		return fmt.Errorf("%s %s: %s: %w", method, path, message, reconcile.ErrConflict)
	default:
		return fmt.Errorf("%s %s: %s (%s)", method, path, message, body.Code)
	}
}

// ---- reconcile.Persistence implementation.

func (c *Client) FetchWorkspaceBoard(ctx context.Context, workspaceID int64) (board.Board, error) {
	var out board.Board
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/workspaces/%d/board", workspaceID), nil, &out)
	return out, err
}

func (c *Client) CreateList(ctx context.Context, workspaceID int64, name string) (board.List, error) {
	var out board.List
	body := map[string]string{"name": name}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/workspaces/%d/lists", workspaceID), body, &out)
	return out, err
}

func (c *Client) UpdateTodo(ctx context.Context, todoID int64, fields board.TodoPatch) (board.Todo, error) {
	var out board.Todo
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/todos/%d", todoID), fields, &out)
	return out, err
}

func (c *Client) MoveTodo(ctx context.Context, todoID, targetListID int64, position int) (board.Todo, error) {
	var out board.Todo
	body := map[string]any{"listId": targetListID, "position": position}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/todos/%d/move", todoID), body, &out)
	return out, err
}

func (c *Client) AddLabelToTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error) {
	var out board.Todo
	body := map[string]int64{"labelId": labelID}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/todos/%d/labels", todoID), body, &out)
	return out, err
}

func (c *Client) RemoveLabelFromTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error) {
	var out board.Todo
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/todos/%d/labels/%d", todoID, labelID), nil, &out)
	return out, err
}

func (c *Client) AssignMemberToTodo(ctx context.Context, todoID, userID int64) (board.Todo, error) {
	var out board.Todo
	body := map[string]int64{"userId": userID}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/todos/%d/assign", todoID), body, &out)
	return out, err
}

func (c *Client) RemoveMemberFromTodo(ctx context.Context, todoID, userID int64) (board.Todo, error) {
	var out board.Todo
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/todos/%d/assign/%d", todoID, userID), nil, &out)
	return out, err
}

func (c *Client) AddChecklistItem(ctx context.Context, todoID int64, title string) (board.ChecklistItem, error) {
	var out board.ChecklistItem
	body := map[string]string{"title": title}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/todos/%d/checklist", todoID), body, &out)
	return out, err
}

func (c *Client) UpdateChecklistItem(ctx context.Context, todoID, itemID int64, fields board.ChecklistItemPatch) (board.ChecklistItem, error) {
	var out board.ChecklistItem
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/todos/%d/checklist/%d", todoID, itemID), fields, &out)
	return out, err
}

func (c *Client) RemoveChecklistItem(ctx context.Context, todoID, itemID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/todos/%d/checklist/%d", todoID, itemID), nil, nil)
}
