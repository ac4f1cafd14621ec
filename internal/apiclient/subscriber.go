package apiclient

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"taskboard/api/internal/board"
)

const (
	subscriberWriteWait = 10 * time.Second
	// The server pings every 50 seconds; a frame gap longer than this means
	// the connection is dead.
	subscriberReadWait = 90 * time.Second

	defaultMaxRetries = 8
	defaultBaseDelay  = 500 * time.Millisecond
	maxBackoffDelay   = 30 * time.Second
)

// boardSink is the part of the reconcile store the subscriber drives.
type boardSink interface {
	Apply(board.Event)
	Resync(ctx context.Context) error
}

// Subscriber keeps one websocket session to the realtime channel, joined to a
// single workspace. Every session, first or reconnected, follows the same
// sequence: learn the connection ID, join the workspace, refetch the board,
// then stream events into the sink. The refetch covers whatever broadcasts
// were missed while disconnected; no replay protocol is needed.
type Subscriber struct {
	wsURL       string
	token       string
	workspaceID int64
	client      *Client
	sink        boardSink

	dialer     *websocket.Dialer
	maxRetries int
	baseDelay  time.Duration
	logf       func(format string, args ...any)
}

func NewSubscriber(wsURL, token string, workspaceID int64, client *Client, sink boardSink) *Subscriber {
	return &Subscriber{
		wsURL:       wsURL,
		token:       token,
		workspaceID: workspaceID,
		client:      client,
		sink:        sink,
		dialer:      websocket.DefaultDialer,
		maxRetries:  defaultMaxRetries,
		baseDelay:   defaultBaseDelay,
		logf:        log.Printf,
	}
}

// Run drives the connect/consume/reconnect loop until the context is
// canceled or the retry budget for consecutive failed dials is exhausted.
func (s *Subscriber) Run(ctx context.Context) error {
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sock, err := s.dial(ctx)
		if err != nil {
			retries++
			if retries > s.maxRetries {
				return fmt.Errorf("connect after %d attempts: %w", retries, err)
			}
			delay := s.backoff(retries)
			s.logf("apiclient: dial failed (attempt %d), retrying in %s: %v", retries, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		retries = 0

		err = s.session(ctx, sock)
		s.client.SetConnectionID("")
		sock.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logf("apiclient: session ended, reconnecting: %v", err)
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	sock, resp, err := s.dialer.DialContext(ctx, s.wsURL+"?token="+s.token, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", s.wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	return sock, nil
}

// session runs one connected websocket lifetime. The first frame from the
// server is connection-ready; mutations issued before it arrives simply go
// out without an origin ID and come back as harmless echoes.
func (s *Subscriber) session(ctx context.Context, sock *websocket.Conn) error {
	_ = sock.SetReadDeadline(time.Now().Add(subscriberReadWait))
	sock.SetPingHandler(func(appData string) error {
		_ = sock.SetReadDeadline(time.Now().Add(subscriberReadWait))
		return sock.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(subscriberWriteWait))
	})

	var ready board.Event
	if err := sock.ReadJSON(&ready); err != nil {
		return fmt.Errorf("read connection-ready: %w", err)
	}
	payload, err := board.DecodePayload(ready)
	if err != nil {
		return fmt.Errorf("decode first frame: %w", err)
	}
	readyPayload, ok := payload.(*board.ConnectionReadyPayload)
	if !ok {
		return fmt.Errorf("expected connection-ready, got %s", ready.Type)
	}
	s.client.SetConnectionID(readyPayload.ConnectionID)

	join := board.NewEvent(board.EventJoinWorkspace, board.JoinWorkspacePayload{WorkspaceID: s.workspaceID})
	_ = sock.SetWriteDeadline(time.Now().Add(subscriberWriteWait))
	if err := sock.WriteJSON(join); err != nil {
		return fmt.Errorf("join workspace %d: %w", s.workspaceID, err)
	}

	if err := s.sink.Resync(ctx); err != nil {
		return fmt.Errorf("refetch board: %w", err)
	}

	for {
		var event board.Event
		if err := sock.ReadJSON(&event); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		_ = sock.SetReadDeadline(time.Now().Add(subscriberReadWait))
		s.sink.Apply(event)
	}
}

func (s *Subscriber) backoff(attempt int) time.Duration {
	delay := s.baseDelay << (attempt - 1)
	if delay > maxBackoffDelay || delay <= 0 {
		return maxBackoffDelay
	}
	return delay
}
