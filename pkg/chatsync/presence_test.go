package chatsync

import (
	"slices"
	"testing"
	"time"
)

func TestTypingStaleness(t *testing.T) {
	p := newPresenceSession(nil)
	defer p.stop()

	p.markTyping("alice")
	p.markTyping("bob")
	if got := p.TypingUsers(); len(got) != 2 {
		t.Fatalf("typing users = %v, want 2", got)
	}

	// Age alice's entry past the staleness window and sweep.
	p.mu.Lock()
	p.typing["alice"] = time.Now().Add(-typingStaleness - time.Second)
	p.mu.Unlock()
	p.sweep(time.Now())

	got := p.TypingUsers()
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("after sweep: %v, want [bob]", got)
	}
}

func TestTypingRefreshExtendsWindow(t *testing.T) {
	p := newPresenceSession(nil)
	defer p.stop()

	p.markTyping("alice")
	p.mu.Lock()
	p.typing["alice"] = time.Now().Add(-typingStaleness + 500*time.Millisecond)
	p.mu.Unlock()
	p.markTyping("alice") // refresh resets the clock
	p.sweep(time.Now().Add(typingStaleness - time.Second))
	if got := p.TypingUsers(); len(got) != 1 {
		t.Fatalf("refreshed signal swept too early: %v", got)
	}
}

func TestSweepNotifies(t *testing.T) {
	fired := 0
	p := newPresenceSession(func() { fired++ })
	defer p.stop()

	p.markTyping("alice")
	fired = 0
	p.sweep(time.Now().Add(2 * typingStaleness))
	if fired != 1 {
		t.Fatalf("sweep with prunes fired %d callbacks, want 1", fired)
	}
	p.sweep(time.Now().Add(3 * typingStaleness))
	if fired != 1 {
		t.Fatal("sweep without prunes must not fire the callback")
	}
}

func TestOnlineUsers(t *testing.T) {
	p := newPresenceSession(nil)
	defer p.stop()

	p.setOnline([]string{"alice", "bob"})
	p.setOnline([]string{"carol"}) // full replacement, not a merge
	got := p.OnlineUsers()
	if !slices.Equal(got, []string{"carol"}) {
		t.Fatalf("online users = %v, want [carol]", got)
	}
}

func TestOutboundTypingThrottle(t *testing.T) {
	p := newPresenceSession(nil)
	defer p.stop()

	if !p.allowOutboundTyping("t1") {
		t.Fatal("first typing notification should pass")
	}
	if p.allowOutboundTyping("t1") {
		t.Fatal("immediate second notification should be throttled")
	}
	// A different thread has its own budget.
	if !p.allowOutboundTyping("t2") {
		t.Fatal("throttle must be per thread")
	}
}
