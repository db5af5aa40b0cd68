package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// chatBackend fakes the message endpoints the Client drives: paged history
// and sends.
type chatBackend struct {
	*httptest.Server

	mu       sync.Mutex
	pages    map[int][]map[string]any
	lastPage int
	failSend bool
	sent     []map[string]any
}

func newChatBackend(t *testing.T) *chatBackend {
	t.Helper()
	b := &chatBackend{pages: make(map[int][]map[string]any)}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			if page == 0 {
				page = 1
			}
			b.mu.Lock()
			msgs := b.pages[page]
			last := b.lastPage
			b.mu.Unlock()
			if msgs == nil {
				msgs = []map[string]any{}
			}
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data": map[string]any{
					"messages": msgs,
					"pagination": map[string]any{
						"current_page": page, "last_page": last,
						"total": 0, "has_more": page < last,
					},
				},
			})
		case r.Method == http.MethodPost:
			if b.failSend {
				w.WriteHeader(http.StatusUnprocessableEntity)
				json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "muted"})
				return
			}
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			b.mu.Lock()
			b.sent = append(b.sent, req)
			b.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data": map[string]any{
					"id": "srv-1", "thread_id": req["thread_id"],
					"sender_id": "self", "kind": "text",
					"body": req["body"], "created_at": 1700000000000,
				},
			})
		}
	}))
	t.Cleanup(b.Close)
	return b
}

func testClient(t *testing.T, b *chatBackend) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		APIURL: b.URL,
		Token:  "tok",
		UserID: "self",
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func srvMsg(id, body string, ts int64) map[string]any {
	return map[string]any{
		"id": id, "thread_id": "t1", "sender_id": "alice",
		"kind": "text", "body": body, "created_at": ts,
	}
}

func TestClientPaging(t *testing.T) {
	b := newChatBackend(t)
	b.lastPage = 2
	b.pages[1] = []map[string]any{srvMsg("m4", "d", 400), srvMsg("m3", "c", 300)}
	b.pages[2] = []map[string]any{srvMsg("m2", "b", 200), srvMsg("m1", "a", 100)}
	c := testClient(t, b)
	ctx := context.Background()

	if err := c.Refresh(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	more, err := c.LoadOlder(ctx, "t1")
	if err != nil || !more {
		t.Fatalf("first LoadOlder: more=%v err=%v", more, err)
	}
	more, err = c.LoadOlder(ctx, "t1")
	if err != nil || more {
		t.Fatalf("exhausted LoadOlder should report false, got more=%v err=%v", more, err)
	}

	msgs := c.Messages("t1")
	wantOrder := []string{"m4", "m3", "m2", "m1"}
	if len(msgs) != len(wantOrder) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantOrder))
	}
	for i, id := range wantOrder {
		if msgs[i].ID != id {
			t.Fatalf("position %d: %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestClientSendText(t *testing.T) {
	t.Run("SwapsPlaceholder", func(t *testing.T) {
		b := newChatBackend(t)
		b.lastPage = 1
		c := testClient(t, b)

		msg, err := c.SendText(context.Background(), "t1", "hello")
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID != "srv-1" {
			t.Fatalf("confirmed ID = %q", msg.ID)
		}
		list := c.Messages("t1")
		if len(list) != 1 || list[0].ID != "srv-1" || list[0].Pending {
			t.Fatalf("list after send: %+v", list)
		}
		// The request carried a client ref for the placeholder swap.
		if ref, _ := b.sent[0]["client_ref"].(string); ref == "" {
			t.Fatal("send request missing client_ref")
		}
	})

	t.Run("RemovesPlaceholderOnFailure", func(t *testing.T) {
		b := newChatBackend(t)
		b.failSend = true
		c := testClient(t, b)

		if _, err := c.SendText(context.Background(), "t1", "doomed"); err == nil {
			t.Fatal("expected the rejection to surface")
		}
		if list := c.Messages("t1"); len(list) != 0 {
			t.Fatalf("placeholder left behind: %+v", list)
		}
	})
}
