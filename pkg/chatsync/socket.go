// chatsync - real-time chat synchronization core for the EduTalk client.
// Copyright (C) 2025 EduTalk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// SocketState is the adapter's connection state machine:
// disconnected -> connecting -> connected -> (disconnected on error/drop).
type SocketState int

const (
	SocketDisconnected SocketState = iota
	SocketConnecting
	SocketConnected
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "connecting"
	case SocketConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Reconnect backoff: base delay doubling per attempt, capped. The attempt
// counter resets on every successful connection, pauses (without resetting)
// while the app is backgrounded, and restarts from zero on foreground
// re-entry.
const (
	reconnectBaseDelay  = 1 * time.Second
	reconnectMaxDelay   = 30 * time.Second
	reconnectMaxRetries = 8
)

// EventHandlers is the per-thread callback set. Delivery is at-least-once:
// the same logical event may arrive more than once (reconnect replay), so
// every handler must be idempotent. The reconciliation engine's
// merge-by-identity rules satisfy that for all message events.
type EventHandlers struct {
	MessageCreated  func(msg *chatapi.Message)
	MessageUpdated  func(msg *chatapi.Message)
	MessageDeleted  func(threadID, messageID string)
	MessageRead     func(msg *chatapi.Message)
	ThreadUpdated   func(th *chatapi.Thread)
	ThreadDeleted   func(threadID string)
	Typing          func(threadID, userID string)
	PresenceChanged func(threadID string, online []string)
}

// socketConn is the minimal surface the adapter needs from a websocket, so
// tests can inject a scripted connection.
type socketConn interface {
	ReadJSON(ctx context.Context) (*socketFrame, error)
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

// socketFrame is one server-pushed event. Payload shapes match the
// corresponding REST entities.
type socketFrame struct {
	Event    string          `json:"event"`
	ThreadID string          `json:"thread_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// subscribeFrame is the only client-to-server message on this socket.
type subscribeFrame struct {
	Action   string `json:"action"` // "subscribe" or "unsubscribe"
	ThreadID string `json:"thread_id"`
}

type wsConnWrapper struct {
	conn *websocket.Conn
}

func (w *wsConnWrapper) ReadJSON(ctx context.Context) (*socketFrame, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var frame socketFrame
	if err = json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed socket frame: %w", err)
	}
	return &frame, nil
}

func (w *wsConnWrapper) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConnWrapper) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// Socket wraps the persistent push connection: it owns the reconnect state
// machine, keeps the map of active per-thread subscriptions, and replays them
// transparently after every reconnect.
type Socket struct {
	url   string
	token string

	// dial is swapped out in tests.
	dial func(ctx context.Context) (socketConn, error)

	mu         sync.Mutex
	state      SocketState
	conn       socketConn
	subs       map[string]EventHandlers
	foreground bool
	// foregroundCh is closed on foreground re-entry to wake a paused or
	// sleeping backoff wait.
	foregroundCh chan struct{}

	// onStateChange surfaces the transient "disconnected" indicator.
	onStateChange func(SocketState)
	// onConnected fires after subscriptions have been replayed; reconnect is
	// true for every connection after the first.
	onConnected func(reconnect bool)

	stopOnce sync.Once
	stopCh   chan struct{}

	log zerolog.Logger
}

func NewSocket(url, token string, log zerolog.Logger) *Socket {
	s := &Socket{
		url:          url,
		token:        token,
		subs:         make(map[string]EventHandlers),
		foreground:   true,
		foregroundCh: make(chan struct{}),
		stopCh:       make(chan struct{}),
		log:          log.With().Str("component", "socket").Logger(),
	}
	s.dial = func(ctx context.Context) (socketConn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
			HTTPHeader: map[string][]string{"Authorization": {"Bearer " + s.token}},
		})
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(4 << 20)
		return &wsConnWrapper{conn: conn}, nil
	}
	return s
}

func (s *Socket) OnStateChange(fn func(SocketState)) { s.onStateChange = fn }
func (s *Socket) OnConnected(fn func(reconnect bool)) { s.onConnected = fn }

func (s *Socket) setState(state SocketState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	cb := s.onStateChange
	s.mu.Unlock()
	if changed && cb != nil {
		cb(state)
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetForeground tells the adapter whether the application is foregrounded.
// Backgrounding pauses reconnection attempts without resetting backoff state;
// foreground re-entry retries immediately if still disconnected.
func (s *Socket) SetForeground(fg bool) {
	s.mu.Lock()
	was := s.foreground
	s.foreground = fg
	var wake chan struct{}
	if fg && !was {
		wake = s.foregroundCh
		s.foregroundCh = make(chan struct{})
	}
	s.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

func (s *Socket) isForeground() (bool, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground, s.foregroundCh
}

// Subscribe registers handlers for a thread's channel. If the socket is
// connected the subscribe frame goes out immediately; either way the
// subscription is recorded and replayed after every reconnect.
func (s *Socket) Subscribe(threadID string, handlers EventHandlers) {
	s.mu.Lock()
	s.subs[threadID] = handlers
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.WriteJSON(ctx, subscribeFrame{Action: "subscribe", ThreadID: threadID}); err != nil {
			s.log.Warn().Err(err).Str("thread_id", threadID).
				Msg("Failed to send subscribe frame (will replay on reconnect)")
		}
	}
}

// Unsubscribe drops a thread's handlers and tells the server to stop pushing.
func (s *Socket) Unsubscribe(threadID string) {
	s.mu.Lock()
	_, had := s.subs[threadID]
	delete(s.subs, threadID)
	conn := s.conn
	s.mu.Unlock()
	if had && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.WriteJSON(ctx, subscribeFrame{Action: "unsubscribe", ThreadID: threadID}); err != nil {
			s.log.Debug().Err(err).Str("thread_id", threadID).Msg("Failed to send unsubscribe frame")
		}
	}
}

// Run drives the connect/read/reconnect loop until Stop is called or the
// context is canceled. Call it in its own goroutine.
func (s *Socket) Run(ctx context.Context) {
	attempts := 0
	connectedBefore := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.setState(SocketConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.setState(SocketDisconnected)
			attempts++
			if !s.waitBackoff(ctx, &attempts, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(SocketConnected)
		attempts = 0
		if connectedBefore {
			socketReconnects.Inc()
		}
		s.replaySubscriptions(ctx, conn)
		if s.onConnected != nil {
			s.onConnected(connectedBefore)
		}
		connectedBefore = true

		readErr := s.readLoop(ctx, conn)
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.setState(SocketDisconnected)
		if errors.Is(readErr, context.Canceled) {
			return
		}
		s.log.Warn().Err(readErr).Msg("Socket dropped, reconnecting")
	}
}

// Stop shuts the adapter down permanently.
func (s *Socket) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// waitBackoff sleeps the exponential backoff delay for the given attempt
// number. While backgrounded the wait is paused: the timer only runs in the
// foreground, and foreground re-entry retries immediately with a fresh
// attempt budget. Returns false when the adapter should stop.
func (s *Socket) waitBackoff(ctx context.Context, attempts *int, cause error) bool {
	if *attempts > reconnectMaxRetries {
		s.log.Error().Err(cause).Int("attempts", *attempts-1).
			Msg("Reconnect attempts exhausted; waiting for foreground re-entry")
		_, wake := s.isForeground()
		select {
		case <-wake:
			*attempts = 0
			return true
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		}
	}

	fg, wake := s.isForeground()
	if !fg {
		// Paused: hold the current attempt count until foregrounded, then
		// retry immediately.
		select {
		case <-wake:
			*attempts = 0
			return true
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		}
	}

	delay := reconnectBaseDelay << (*attempts - 1)
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	s.log.Info().Err(cause).Int("attempt", *attempts).Dur("delay", delay).
		Msg("Socket connect failed, backing off")
	select {
	case <-time.After(delay):
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// replaySubscriptions re-sends a subscribe frame for every active thread
// after a (re)connect.
func (s *Socket) replaySubscriptions(ctx context.Context, conn socketConn) {
	s.mu.Lock()
	threadIDs := make([]string, 0, len(s.subs))
	for id := range s.subs {
		threadIDs = append(threadIDs, id)
	}
	s.mu.Unlock()
	for _, id := range threadIDs {
		if err := conn.WriteJSON(ctx, subscribeFrame{Action: "subscribe", ThreadID: id}); err != nil {
			s.log.Warn().Err(err).Str("thread_id", id).Msg("Failed to replay subscription")
			return
		}
	}
	if len(threadIDs) > 0 {
		s.log.Info().Int("count", len(threadIDs)).Msg("Replayed thread subscriptions")
	}
}

func (s *Socket) readLoop(ctx context.Context, conn socketConn) error {
	for {
		frame, err := conn.ReadJSON(ctx)
		if err != nil {
			return err
		}
		s.dispatch(frame)
	}
}

// dispatch routes one frame to the subscribed thread's handlers. Frames for
// threads with no active subscription are dropped; the server may keep
// pushing briefly after an unsubscribe.
func (s *Socket) dispatch(frame *socketFrame) {
	s.mu.Lock()
	handlers, ok := s.subs[frame.ThreadID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch frame.Event {
	case "message-created":
		if handlers.MessageCreated == nil {
			return
		}
		var msg chatapi.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			s.log.Warn().Err(err).Str("event", frame.Event).Msg("Dropping malformed event payload")
			return
		}
		handlers.MessageCreated(&msg)
	case "message-updated":
		if handlers.MessageUpdated == nil {
			return
		}
		var msg chatapi.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			s.log.Warn().Err(err).Str("event", frame.Event).Msg("Dropping malformed event payload")
			return
		}
		handlers.MessageUpdated(&msg)
	case "message-deleted":
		if handlers.MessageDeleted == nil {
			return
		}
		var payload struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		handlers.MessageDeleted(frame.ThreadID, payload.MessageID)
	case "message-read":
		if handlers.MessageRead == nil {
			return
		}
		var msg chatapi.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return
		}
		handlers.MessageRead(&msg)
	case "thread-updated":
		if handlers.ThreadUpdated == nil {
			return
		}
		var th chatapi.Thread
		if err := json.Unmarshal(frame.Payload, &th); err != nil {
			return
		}
		handlers.ThreadUpdated(&th)
	case "thread-deleted":
		if handlers.ThreadDeleted != nil {
			handlers.ThreadDeleted(frame.ThreadID)
		}
	case "typing":
		if handlers.Typing == nil {
			return
		}
		var payload struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		handlers.Typing(frame.ThreadID, payload.UserID)
	case "presence-changed":
		if handlers.PresenceChanged == nil {
			return
		}
		var payload struct {
			Online []string `json:"online"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		handlers.PresenceChanged(frame.ThreadID, payload.Online)
	default:
		s.log.Debug().Str("event", frame.Event).Msg("Ignoring unknown socket event")
	}
}
