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
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// persistTimeout bounds write-through cache operations so a slow disk never
// stalls event application.
const persistTimeout = 5 * time.Second

// Client is the composition root: it owns the REST client, the reconciliation
// engine, the socket adapter, the mutation coordinator, the uploader and the
// local history cache, and wires push events from open threads into the
// engine.
//
// The surface is thread-view shaped: OpenThread starts live sync for one
// thread (warm cache, subscribe, page-1 refresh), CloseThread tears it down,
// and everything in between reads from or mutates the engine's reconciled
// state.
type Client struct {
	cfg *Config
	api *chatapi.Client

	engine   *Engine
	socket   *Socket
	mutator  *mutator
	uploader *Uploader
	history  *historyStore

	mu   sync.Mutex
	open map[string]*openThread

	runCancel context.CancelFunc

	log zerolog.Logger
}

// openThread is the per-open-thread session state: its presence tracker plus
// teardown bookkeeping.
type openThread struct {
	presence *presenceSession
}

func NewClient(cfg *Config, log zerolog.Logger) (*Client, error) {
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	api := chatapi.NewClient(cfg.APIURL, cfg.Token, cfg.UserID, log)
	engine := NewEngine(cfg.UserID, log)
	uploader := NewUploader(api, log)
	uploader.stagingDir = cfg.UploadStagingDir

	c := &Client{
		cfg:      cfg,
		api:      api,
		engine:   engine,
		socket:   NewSocket(cfg.SocketURL, cfg.Token, log),
		mutator:  newMutator(api, engine, cfg.UserID, log),
		uploader: uploader,
		open:     make(map[string]*openThread),
		log:      log.With().Str("component", "client").Logger(),
	}

	engine.OnThreadDeleted(func(threadID string) {
		c.closeThreadLocally(threadID)
		if c.history != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := c.history.deleteThread(ctx, threadID); err != nil {
				c.log.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to drop cached thread")
			}
		}
	})

	// Every reconnect gap may have dropped events, so each open thread gets a
	// page-1 refresh. The merge discipline makes the refresh safe to overlap
	// with live pushes.
	c.socket.OnConnected(func(reconnect bool) {
		if !reconnect {
			return
		}
		c.mu.Lock()
		threadIDs := make([]string, 0, len(c.open))
		for id := range c.open {
			threadIDs = append(threadIDs, id)
		}
		c.mu.Unlock()
		for _, threadID := range threadIDs {
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := c.Refresh(ctx, id); err != nil {
					c.log.Warn().Err(err).Str("thread_id", id).Msg("Post-reconnect refresh failed")
				}
			}(threadID)
		}
	})

	return c, nil
}

// Start opens the local history cache and connects the push socket. It
// returns once the background machinery is running; it does not wait for the
// socket to come up.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.HistoryDB != "" {
		store, err := openHistoryStore(c.cfg.HistoryDB, c.cfg.UserID)
		if err != nil {
			return err
		}
		if err = store.ensureSchema(ctx); err != nil {
			store.close()
			return err
		}
		c.history = store
		if retention := c.cfg.HistoryRetention(); retention > 0 {
			if pruned, err := store.pruneOldMessages(ctx, retention); err != nil {
				c.log.Warn().Err(err).Msg("History prune failed")
			} else if pruned > 0 {
				c.log.Debug().Int64("pruned", pruned).Msg("Pruned old cached messages")
			}
		}
		if cached, err := store.loadThreads(ctx); err == nil {
			for _, th := range cached {
				c.engine.UpsertThread(th)
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	go c.socket.Run(runCtx)
	c.log.Info().Str("db", filepath.Base(c.cfg.HistoryDB)).Msg("Chat sync started")
	return nil
}

// Stop tears down the socket, all open thread sessions and the history cache.
func (c *Client) Stop() {
	c.socket.Stop()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Lock()
	for threadID, ot := range c.open {
		ot.presence.stop()
		delete(c.open, threadID)
	}
	c.mu.Unlock()
	if c.history != nil {
		if err := c.history.close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close history cache")
		}
	}
}

// SetForeground forwards the app lifecycle signal to the socket adapter.
func (c *Client) SetForeground(fg bool) {
	c.socket.SetForeground(fg)
}

// SocketState returns the push connection state, for the UI's transient
// "disconnected" indicator.
func (c *Client) SocketState() SocketState { return c.socket.State() }

// OnSocketState registers the connection state observer.
func (c *Client) OnSocketState(fn func(SocketState)) { c.socket.OnStateChange(fn) }

// ============================================================================
// Thread lifecycle
// ============================================================================

// OpenThread starts live sync for a thread: the cached window is seeded
// synchronously so the view can render immediately, the push subscription
// goes live, and a page-1 refresh brings the window current. Opening an
// already-open thread just refreshes it.
func (c *Client) OpenThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("chatsync: empty thread ID")
	}

	c.mu.Lock()
	_, already := c.open[threadID]
	var ot *openThread
	if !already {
		ot = &openThread{}
		ot.presence = newPresenceSession(func() { c.engine.notify(threadID) })
		c.open[threadID] = ot
	}
	c.mu.Unlock()

	if !already {
		if c.history != nil {
			if cached, err := c.history.loadRecent(ctx, threadID, warmWindowSize); err != nil {
				c.log.Warn().Err(err).Str("thread_id", threadID).Msg("History warm failed")
			} else {
				c.engine.SeedCached(threadID, cached)
			}
		}
		c.socket.Subscribe(threadID, c.handlersFor(threadID, ot))
	}
	return c.Refresh(ctx, threadID)
}

// CloseThread stops live sync for a thread. Reconciled state stays in memory
// so reopening is cheap.
func (c *Client) CloseThread(threadID string) {
	c.socket.Unsubscribe(threadID)
	c.closeThreadLocally(threadID)
}

func (c *Client) closeThreadLocally(threadID string) {
	c.mu.Lock()
	ot, ok := c.open[threadID]
	delete(c.open, threadID)
	c.mu.Unlock()
	if ok {
		ot.presence.stop()
	}
}

// handlersFor wires one thread's push events into the engine, the presence
// session and the write-through cache. Every handler is idempotent because
// the engine merges by identity.
func (c *Client) handlersFor(threadID string, ot *openThread) EventHandlers {
	return EventHandlers{
		MessageCreated: func(msg *chatapi.Message) {
			if c.engine.ApplyCreated(msg) {
				c.persistMessages(msg)
			}
		},
		MessageUpdated: func(msg *chatapi.Message) {
			if c.engine.ApplyUpdated(msg) {
				c.persistThreadWindow(threadID, msg.ID)
			}
		},
		MessageDeleted: func(threadID, messageID string) {
			c.engine.ApplyDeleted(threadID, messageID)
			if c.history != nil {
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()
				if err := c.history.deleteMessage(ctx, messageID); err != nil {
					c.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to drop cached message")
				}
			}
		},
		MessageRead: func(msg *chatapi.Message) {
			c.engine.ApplyUpdated(msg)
		},
		ThreadUpdated: func(th *chatapi.Thread) {
			c.engine.UpsertThread(th)
		},
		ThreadDeleted: func(threadID string) {
			c.engine.ApplyThreadDeleted(threadID)
		},
		Typing: func(_ string, userID string) {
			if userID != c.cfg.UserID {
				ot.presence.markTyping(userID)
			}
		},
		PresenceChanged: func(_ string, online []string) {
			ot.presence.setOnline(online)
		},
	}
}

// persistMessages write-through caches confirmed messages, off the event path.
func (c *Client) persistMessages(msgs ...*chatapi.Message) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.history.saveMessages(ctx, msgs); err != nil {
		c.log.Warn().Err(err).Msg("Write-through cache failed")
	}
}

// persistThreadWindow re-caches one message from the engine's current state,
// used after in-place merges where the event payload alone is partial.
func (c *Client) persistThreadWindow(threadID, messageID string) {
	if c.history == nil {
		return
	}
	if snap := c.engine.Snapshot(threadID, messageID); snap != nil {
		snap.ThreadID = threadID
		c.persistMessages(snap)
	}
}

// ============================================================================
// Reads
// ============================================================================

// Messages returns the thread's reconciled list, newest first.
func (c *Client) Messages(threadID string) []*chatapi.Message {
	return c.engine.Messages(threadID)
}

// Threads returns the thread index snapshot.
func (c *Client) Threads() []*chatapi.Thread {
	return c.engine.Threads()
}

// Thread returns one thread's index entry.
func (c *Client) Thread(threadID string) (*chatapi.Thread, bool) {
	return c.engine.Thread(threadID)
}

// Members returns the loaded member window of a group thread.
func (c *Client) Members(threadID string) []*chatapi.GroupMember {
	return c.engine.Members(threadID)
}

// TypingUsers returns who is currently typing in an open thread.
func (c *Client) TypingUsers(threadID string) []string {
	c.mu.Lock()
	ot, ok := c.open[threadID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return ot.presence.TypingUsers()
}

// OnlineUsers returns who is currently online in an open thread.
func (c *Client) OnlineUsers(threadID string) []string {
	c.mu.Lock()
	ot, ok := c.open[threadID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return ot.presence.OnlineUsers()
}

// Observe registers a change callback for one thread's reconciled list.
func (c *Client) Observe(threadID string, onChange func()) (cancel func()) {
	return c.engine.Observe(threadID, onChange)
}

// ObserveThreads registers a change callback for the thread index.
func (c *Client) ObserveThreads(onChange func()) (cancel func()) {
	return c.engine.ObserveThreads(onChange)
}

// ============================================================================
// Fetching
// ============================================================================

// Refresh fetches page 1 and merges it: unseen messages land at the head,
// pagination metadata is replaced. Always allowed, any number of times.
func (c *Client) Refresh(ctx context.Context, threadID string) error {
	page, err := c.api.FetchMessages(ctx, threadID, 1)
	if err != nil {
		return err
	}
	c.engine.MergePage(threadID, 1, page)
	c.persistMessages(page.Messages...)
	return nil
}

// LoadOlder fetches the next older page, if any. Returns false when the
// loaded window already reaches the end of history.
func (c *Client) LoadOlder(ctx context.Context, threadID string) (bool, error) {
	paging, fetched := c.engine.Pagination(threadID)
	if !fetched {
		return true, c.Refresh(ctx, threadID)
	}
	if !paging.HasMore && paging.CurrentPage >= paging.LastPage {
		return false, nil
	}
	next := paging.CurrentPage + 1
	page, err := c.api.FetchMessages(ctx, threadID, next)
	if err != nil {
		return false, err
	}
	c.engine.MergePage(threadID, next, page)
	c.persistMessages(page.Messages...)
	return true, nil
}

// RefreshThreads fetches one page of the thread index and merges it.
func (c *Client) RefreshThreads(ctx context.Context, page int) (*chatapi.Pagination, error) {
	threads, paging, err := c.api.ListThreads(ctx, page)
	if err != nil {
		return nil, err
	}
	for _, th := range threads {
		c.engine.UpsertThread(th)
	}
	if c.history != nil {
		if err := c.history.saveThreads(ctx, threads); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache thread index")
		}
	}
	return paging, nil
}

// LoadMoreMembers fetches the next page of a group thread's member list.
// Returns false when the full roster is already loaded.
func (c *Client) LoadMoreMembers(ctx context.Context, threadID string) (bool, error) {
	next := 1
	if paging, fetched := c.engine.MemberPagination(threadID); fetched {
		if !paging.HasMore {
			return false, nil
		}
		next = paging.CurrentPage + 1
	}
	page, err := c.api.GroupMembers(ctx, threadID, next)
	if err != nil {
		return false, err
	}
	c.engine.MergeMemberPage(threadID, page)
	return page.Pagination.HasMore, nil
}

// ============================================================================
// Sending
// ============================================================================

// SendText sends a text message with an optimistic placeholder: the pending
// entry renders immediately and is swapped for the server entity (or removed)
// when the request settles.
func (c *Client) SendText(ctx context.Context, threadID, body string) (*chatapi.Message, error) {
	if body == "" {
		return nil, fmt.Errorf("chatsync: empty message body")
	}
	return c.sendOptimistic(ctx, &chatapi.SendMessageRequest{
		ThreadID: threadID,
		Kind:     chatapi.MessageText,
		Body:     body,
	})
}

// SendAttachment uploads a local file through the chunked protocol and then
// sends a message carrying the resulting descriptor. The optimistic
// placeholder appears after the upload finishes, not before: a failed upload
// never leaves a phantom message in the list.
func (c *Client) SendAttachment(ctx context.Context, threadID, localPath, caption string) (*chatapi.Message, error) {
	desc, err := c.uploader.UploadFile(ctx, localPath, "", "")
	if err != nil {
		return nil, err
	}
	kind := chatapi.MessageFile
	if strings.HasPrefix(desc.MimeType, "image/") {
		kind = chatapi.MessageImage
	}
	return c.sendOptimistic(ctx, &chatapi.SendMessageRequest{
		ThreadID:   threadID,
		Kind:       kind,
		Body:       caption,
		Attachment: desc,
	})
}

func (c *Client) sendOptimistic(ctx context.Context, req *chatapi.SendMessageRequest) (*chatapi.Message, error) {
	tempID := "local-" + uuid.NewString()
	req.ClientRef = tempID

	placeholder := &chatapi.Message{
		ID:        tempID,
		ThreadID:  req.ThreadID,
		SenderID:  c.cfg.UserID,
		Kind:      req.Kind,
		Body:      req.Body,
		CreatedAt: jsontime.UnixMilliNow(),
		Pending:   true,
	}
	if req.Attachment != nil {
		att := *req.Attachment
		placeholder.Attachment = &att
	}
	c.engine.InsertLocal(placeholder)

	confirmed, err := c.api.SendMessage(ctx, req)
	if err != nil {
		c.engine.RemoveLocal(req.ThreadID, tempID)
		c.log.Warn().Err(err).Str("thread_id", req.ThreadID).Msg("Send failed, removed placeholder")
		return nil, err
	}
	c.engine.ReplaceLocal(req.ThreadID, tempID, confirmed)
	c.persistMessages(confirmed)
	return confirmed, nil
}

// SendTyping announces the caller is typing, throttled to one notification
// per staleness window per thread. Suppressed sends are not errors.
func (c *Client) SendTyping(ctx context.Context, threadID string) error {
	c.mu.Lock()
	ot, ok := c.open[threadID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if !ot.presence.allowOutboundTyping(threadID) {
		return nil
	}
	return c.api.SendTyping(ctx, threadID)
}

// ============================================================================
// Mutations (delegated to the coordinator)
// ============================================================================

// ToggleReaction flips the current user's reaction on a message.
func (c *Client) ToggleReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return c.mutator.ToggleReaction(ctx, threadID, messageID, emoji)
}

// EditMessage replaces a message's body.
func (c *Client) EditMessage(ctx context.Context, threadID, messageID, body string) error {
	return c.mutator.EditMessage(ctx, threadID, messageID, body)
}

// DeleteMessage removes a message for everyone.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	err := c.mutator.DeleteMessage(ctx, threadID, messageID)
	if err == nil && c.history != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if derr := c.history.deleteMessage(pctx, messageID); derr != nil {
			c.log.Warn().Err(derr).Str("message_id", messageID).Msg("Failed to drop cached message")
		}
	}
	return err
}

// MarkRead clears the thread's unread count and posts the receipt.
func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	return c.mutator.MarkRead(ctx, threadID)
}

// ============================================================================
// Uploads
// ============================================================================

// IsUploading reports whether an attachment transfer is in progress, so the
// UI can block navigation away from it.
func (c *Client) IsUploading() bool { return c.uploader.IsUploading() }

// UploadProgress returns the current transfer's fractional progress.
func (c *Client) UploadProgress() float64 { return c.uploader.Progress() }

// OnUploadProgress registers the transfer progress observer.
func (c *Client) OnUploadProgress(fn func(float64)) { c.uploader.OnProgress(fn) }
