package chatsync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// typingStaleness is how long a typing signal stays visible without a
	// refresh. Senders emit roughly one typing event per staleness window,
	// so one missed frame clears the indicator quickly.
	typingStaleness = 3 * time.Second

	typingSweepInterval = 1 * time.Second
)

// presenceSession holds a thread-view's ephemeral typing and online state.
// Nothing here is persisted; it lives exactly as long as the view session
// and is pruned by its own periodic sweep.
type presenceSession struct {
	mu      sync.Mutex
	typing  map[string]time.Time // user ID -> last typing signal
	online  map[string]bool
	onEvent func()

	// limiters throttles outbound typing notifications per thread so key
	// presses don't turn into a request per keystroke.
	limiters map[string]*rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newPresenceSession(onEvent func()) *presenceSession {
	p := &presenceSession{
		typing:   make(map[string]time.Time),
		online:   make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
		onEvent:  onEvent,
		stopCh:   make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

func (p *presenceSession) sweepLoop() {
	ticker := time.NewTicker(typingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// sweep drops typing entries older than the staleness window.
func (p *presenceSession) sweep(now time.Time) {
	p.mu.Lock()
	pruned := 0
	cutoff := now.Add(-typingStaleness)
	for userID, at := range p.typing {
		if at.Before(cutoff) {
			delete(p.typing, userID)
			pruned++
		}
	}
	cb := p.onEvent
	p.mu.Unlock()
	if pruned > 0 && cb != nil {
		cb()
	}
}

func (p *presenceSession) markTyping(userID string) {
	p.mu.Lock()
	p.typing[userID] = time.Now()
	cb := p.onEvent
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (p *presenceSession) setOnline(userIDs []string) {
	p.mu.Lock()
	p.online = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		p.online[id] = true
	}
	cb := p.onEvent
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// TypingUsers returns the users currently considered typing.
func (p *presenceSession) TypingUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-typingStaleness)
	out := make([]string, 0, len(p.typing))
	for userID, at := range p.typing {
		if !at.Before(cutoff) {
			out = append(out, userID)
		}
	}
	return out
}

// OnlineUsers returns the users currently marked online.
func (p *presenceSession) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.online))
	for userID := range p.online {
		out = append(out, userID)
	}
	return out
}

// allowOutboundTyping rate-limits the caller's own typing notifications to
// one per staleness window per thread (with a burst of one).
func (p *presenceSession) allowOutboundTyping(threadID string) bool {
	p.mu.Lock()
	l, ok := p.limiters[threadID]
	if !ok {
		l = rate.NewLimiter(rate.Every(typingStaleness), 1)
		p.limiters[threadID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func (p *presenceSession) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
