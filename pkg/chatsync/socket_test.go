package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// scriptedConn feeds pre-queued frames to the read loop and records every
// frame the adapter writes. Closing it unblocks a pending read.
type scriptedConn struct {
	frames chan *socketFrame

	mu     sync.Mutex
	writes []subscribeFrame
	closed bool
}

func newScriptedConn(frames ...*socketFrame) *scriptedConn {
	c := &scriptedConn{frames: make(chan *socketFrame, len(frames)+1)}
	for _, f := range frames {
		c.frames <- f
	}
	return c
}

func (c *scriptedConn) ReadJSON(ctx context.Context) (*socketFrame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok || f == nil {
			return nil, errors.New("connection dropped")
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedConn) WriteJSON(_ context.Context, v any) error {
	sub, ok := v.(subscribeFrame)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.mu.Lock()
	c.writes = append(c.writes, sub)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func (c *scriptedConn) sentSubscribes() []subscribeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subscribeFrame, len(c.writes))
	copy(out, c.writes)
	return out
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testSocket() *Socket {
	return NewSocket("ws://unused", "token", zerolog.Nop())
}

func TestDispatch(t *testing.T) {
	t.Run("MessageCreated", func(t *testing.T) {
		s := testSocket()
		var got *chatapi.Message
		s.Subscribe("t1", EventHandlers{MessageCreated: func(m *chatapi.Message) { got = m }})
		s.dispatch(&socketFrame{
			Event:    "message-created",
			ThreadID: "t1",
			Payload:  payload(t, mkMsg("m1", "t1", "alice", "hi", 100)),
		})
		if got == nil || got.ID != "m1" || got.Body != "hi" {
			t.Fatalf("handler got %+v", got)
		}
	})

	t.Run("UnsubscribedThreadDropped", func(t *testing.T) {
		s := testSocket()
		called := false
		s.Subscribe("t1", EventHandlers{MessageCreated: func(*chatapi.Message) { called = true }})
		s.dispatch(&socketFrame{
			Event:    "message-created",
			ThreadID: "other",
			Payload:  payload(t, mkMsg("m1", "other", "alice", "hi", 100)),
		})
		if called {
			t.Fatal("frame for an unsubscribed thread must be dropped")
		}
	})

	t.Run("MessageDeleted", func(t *testing.T) {
		s := testSocket()
		var gotThread, gotMsg string
		s.Subscribe("t1", EventHandlers{MessageDeleted: func(threadID, messageID string) {
			gotThread, gotMsg = threadID, messageID
		}})
		s.dispatch(&socketFrame{
			Event:    "message-deleted",
			ThreadID: "t1",
			Payload:  payload(t, map[string]string{"message_id": "m9"}),
		})
		if gotThread != "t1" || gotMsg != "m9" {
			t.Fatalf("got %q/%q", gotThread, gotMsg)
		}
	})

	t.Run("Typing", func(t *testing.T) {
		s := testSocket()
		var gotUser string
		s.Subscribe("t1", EventHandlers{Typing: func(_ string, userID string) { gotUser = userID }})
		s.dispatch(&socketFrame{
			Event:    "typing",
			ThreadID: "t1",
			Payload:  payload(t, map[string]string{"user_id": "bob"}),
		})
		if gotUser != "bob" {
			t.Fatalf("got %q", gotUser)
		}
	})

	t.Run("PresenceChanged", func(t *testing.T) {
		s := testSocket()
		var gotOnline []string
		s.Subscribe("t1", EventHandlers{PresenceChanged: func(_ string, online []string) { gotOnline = online }})
		s.dispatch(&socketFrame{
			Event:    "presence-changed",
			ThreadID: "t1",
			Payload:  payload(t, map[string][]string{"online": {"alice", "bob"}}),
		})
		if len(gotOnline) != 2 {
			t.Fatalf("got %v", gotOnline)
		}
	})

	t.Run("MalformedPayloadDropped", func(t *testing.T) {
		s := testSocket()
		called := false
		s.Subscribe("t1", EventHandlers{MessageCreated: func(*chatapi.Message) { called = true }})
		s.dispatch(&socketFrame{Event: "message-created", ThreadID: "t1", Payload: []byte("{broken")})
		if called {
			t.Fatal("malformed payload must not reach the handler")
		}
	})

	t.Run("UnknownEventIgnored", func(t *testing.T) {
		s := testSocket()
		s.Subscribe("t1", EventHandlers{})
		s.dispatch(&socketFrame{Event: "something-new", ThreadID: "t1"})
	})
}

func TestSubscriptionReplay(t *testing.T) {
	// First connection drops after delivering one frame; the second must
	// receive a subscribe frame for every recorded thread.
	conn1 := newScriptedConn(&socketFrame{
		Event:    "message-created",
		ThreadID: "t1",
		Payload:  []byte(`{"id":"m1","thread_id":"t1"}`),
	})
	conn1.frames <- nil // then drop
	conn2 := newScriptedConn()

	s := testSocket()
	dials := 0
	s.dial = func(ctx context.Context) (socketConn, error) {
		dials++
		switch dials {
		case 1:
			return conn1, nil
		default:
			return conn2, nil
		}
	}
	s.Subscribe("t1", EventHandlers{})
	s.Subscribe("t2", EventHandlers{})

	reconnected := make(chan struct{})
	s.OnConnected(func(reconnect bool) {
		if reconnect {
			close(reconnected)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Stop()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("socket never reconnected")
	}

	subs := conn2.sentSubscribes()
	seen := make(map[string]bool)
	for _, f := range subs {
		if f.Action != "subscribe" {
			t.Fatalf("unexpected action %q", f.Action)
		}
		seen[f.ThreadID] = true
	}
	if !seen["t1"] || !seen["t2"] {
		t.Fatalf("replayed subscriptions missing threads: %v", seen)
	}
}

func TestSocketStateTransitions(t *testing.T) {
	conn := newScriptedConn()
	s := testSocket()
	s.dial = func(ctx context.Context) (socketConn, error) { return conn, nil }

	var mu sync.Mutex
	var states []SocketState
	s.OnStateChange(func(st SocketState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(2 * time.Second)
	for s.State() != SocketConnected {
		select {
		case <-deadline:
			t.Fatal("never reached connected state")
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != SocketConnecting || states[1] != SocketConnected {
		t.Fatalf("state sequence: %v", states)
	}
}

func TestBackgroundPausesBackoff(t *testing.T) {
	s := testSocket()
	s.SetForeground(false)

	attempts := 3
	done := make(chan bool, 1)
	go func() {
		done <- s.waitBackoff(context.Background(), &attempts, errors.New("dial refused"))
	}()

	select {
	case <-done:
		t.Fatal("backoff wait should pause while backgrounded")
	case <-time.After(100 * time.Millisecond):
	}

	s.SetForeground(true)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("foreground re-entry should allow an immediate retry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("foreground re-entry did not wake the backoff wait")
	}
	if attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (fresh budget after foreground)", attempts)
	}
}

func TestExhaustedRetriesWaitForForeground(t *testing.T) {
	s := testSocket()
	attempts := reconnectMaxRetries + 1

	done := make(chan bool, 1)
	go func() {
		done <- s.waitBackoff(context.Background(), &attempts, errors.New("dial refused"))
	}()

	select {
	case <-done:
		t.Fatal("exhausted budget should park until foreground re-entry")
	case <-time.After(100 * time.Millisecond):
	}

	// Simulate background -> foreground cycling.
	s.SetForeground(false)
	s.SetForeground(true)
	select {
	case ok := <-done:
		if !ok || attempts != 0 {
			t.Fatalf("ok=%v attempts=%d, want retry with fresh budget", ok, attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("foreground re-entry did not resume reconnection")
	}
}

func TestBackoffDelayDoubling(t *testing.T) {
	// Shape check without sleeping: the computed delay doubles from the base
	// and clamps at the cap.
	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{8, 30 * time.Second},
	} {
		delay := reconnectBaseDelay << (tc.attempt - 1)
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		if delay != tc.want {
			t.Fatalf("attempt %d: delay = %v, want %v", tc.attempt, delay, tc.want)
		}
	}
}
