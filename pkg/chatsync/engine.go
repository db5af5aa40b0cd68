// chatsync - real-time chat synchronization core for the EduTalk client.
// Copyright (C) 2025 EduTalk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// Engine owns the canonical per-thread message lists and the thread index.
// Fetch pages, push events, and optimistic mutations all land here, and all
// of them are expressed as idempotent upserts keyed by message ID: applying
// the same event twice is a no-op by construction.
//
// Lists are kept newest-first by insertion discipline: push inserts at the
// head, older fetch pages append at the tail. The engine never re-sorts by
// timestamp after a merge; insertion position is authoritative. Two push
// events arriving out of order can therefore leave the list slightly out of
// chronological order. That matches the shipped client and is deliberate;
// see DESIGN.md before "fixing" it.
type Engine struct {
	mu sync.RWMutex

	// selfID is the authenticated user; used to keep unread counts from
	// counting the user's own messages.
	selfID string

	threads map[string]*chatapi.Thread
	states  map[string]*threadState

	observers       map[string]map[uint64]func()
	threadObservers map[uint64]func()
	nextObserverID  uint64

	// onThreadDeleted fires when the server reports a thread's removal while
	// the client holds state for it. Set once by the owning Client.
	onThreadDeleted func(threadID string)

	log zerolog.Logger
}

// threadState is one thread's reconciled window: the newest-first message
// slice plus an ID index pointing at the same entries. Pagination is the
// metadata from the most recent fetch (any page).
type threadState struct {
	order      []*chatapi.Message
	byID       map[string]*chatapi.Message
	pagination chatapi.Pagination
	hasFetched bool

	// members mirrors the message merge discipline for group member pages:
	// one logical entry per thread, unseen members appended.
	members      []*chatapi.GroupMember
	memberSet    map[string]bool
	memberPaging chatapi.Pagination
}

func NewEngine(selfID string, log zerolog.Logger) *Engine {
	return &Engine{
		selfID:          selfID,
		threads:         make(map[string]*chatapi.Thread),
		states:          make(map[string]*threadState),
		observers:       make(map[string]map[uint64]func()),
		threadObservers: make(map[uint64]func()),
		log:             log.With().Str("component", "engine").Logger(),
	}
}

// OnThreadDeleted sets the thread-removal callback. Call before any events
// flow.
func (e *Engine) OnThreadDeleted(fn func(threadID string)) {
	e.mu.Lock()
	e.onThreadDeleted = fn
	e.mu.Unlock()
}

func (e *Engine) state(threadID string) *threadState {
	st, ok := e.states[threadID]
	if !ok {
		st = &threadState{byID: make(map[string]*chatapi.Message)}
		e.states[threadID] = st
	}
	return st
}

// ensureThreadLocked creates a stub thread entry the first time any event or
// fetch references an unseen thread ID. The stub is fleshed out by the next
// thread-updated event or thread list fetch.
func (e *Engine) ensureThreadLocked(threadID string) *chatapi.Thread {
	th, ok := e.threads[threadID]
	if !ok {
		th = &chatapi.Thread{ID: threadID}
		e.threads[threadID] = th
	}
	return th
}

// ============================================================================
// Push event application (idempotent by message ID)
// ============================================================================

// ApplyCreated inserts a new message at the head of its thread's list.
// A message whose ID is already present is dropped: at-least-once push
// delivery means exact duplicates are routine, not errors.
func (e *Engine) ApplyCreated(msg *chatapi.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	e.mu.Lock()
	st := e.state(msg.ThreadID)
	if _, exists := st.byID[msg.ID]; exists {
		e.mu.Unlock()
		eventsDuplicate.WithLabelValues("message-created").Inc()
		return false
	}
	own := msg.Clone()
	st.order = append([]*chatapi.Message{own}, st.order...)
	st.byID[own.ID] = own

	th := e.ensureThreadLocked(msg.ThreadID)
	th.LastMessage = own.Clone()
	th.UpdatedAt = own.CreatedAt
	if own.SenderID != e.selfID && !own.Pending {
		th.UnreadCount++
	}
	e.mu.Unlock()

	eventsApplied.WithLabelValues("message-created").Inc()
	e.notify(msg.ThreadID)
	return true
}

// ApplyUpdated merges an updated payload into the existing entry in place.
// Fields the payload does not carry (nil reactions, nil markers, the local
// Pending flag) are preserved. An update for a message outside the loaded
// window is dropped silently; it refers to history the client never fetched.
func (e *Engine) ApplyUpdated(msg *chatapi.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	e.mu.Lock()
	st, ok := e.states[msg.ThreadID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	existing, found := st.byID[msg.ID]
	if !found {
		e.mu.Unlock()
		e.log.Debug().
			Str("thread_id", msg.ThreadID).
			Str("message_id", msg.ID).
			Msg("Dropping update for message outside loaded window")
		return false
	}
	mergeMessage(existing, msg)
	if th, ok := e.threads[msg.ThreadID]; ok && th.LastMessage != nil && th.LastMessage.ID == msg.ID {
		th.LastMessage = existing.Clone()
	}
	e.mu.Unlock()

	eventsApplied.WithLabelValues("message-updated").Inc()
	e.notify(msg.ThreadID)
	return true
}

// mergeMessage copies the fields an update payload carries onto dst.
// Caller holds the engine lock.
func mergeMessage(dst, src *chatapi.Message) {
	if src.Body != "" || src.Kind == chatapi.MessageText {
		dst.Body = src.Body
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.Attachment != nil {
		att := *src.Attachment
		dst.Attachment = &att
	}
	if src.EditedAt != nil {
		t := *src.EditedAt
		dst.EditedAt = &t
	}
	if src.DeliveredAt != nil {
		t := *src.DeliveredAt
		dst.DeliveredAt = &t
	}
	if src.ReadAt != nil {
		t := *src.ReadAt
		dst.ReadAt = &t
	}
	if src.Reactions != nil {
		dst.Reactions = src.Clone().Reactions
	}
}

// ApplyDeleted removes a message by ID. Absence is not an error: the delete
// may target a message outside the loaded window, or a duplicate delivery of
// an already-processed event.
func (e *Engine) ApplyDeleted(threadID, messageID string) bool {
	e.mu.Lock()
	st, ok := e.states[threadID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if _, found := st.byID[messageID]; !found {
		e.mu.Unlock()
		return false
	}
	delete(st.byID, messageID)
	for i, m := range st.order {
		if m.ID == messageID {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	if th, ok := e.threads[threadID]; ok && th.LastMessage != nil && th.LastMessage.ID == messageID {
		if len(st.order) > 0 {
			th.LastMessage = st.order[0].Clone()
		} else {
			th.LastMessage = nil
		}
	}
	e.mu.Unlock()

	eventsApplied.WithLabelValues("message-deleted").Inc()
	e.notify(threadID)
	return true
}

// ApplyThreadDeleted drops all state for a thread and signals the removal.
func (e *Engine) ApplyThreadDeleted(threadID string) {
	e.mu.Lock()
	_, hadThread := e.threads[threadID]
	_, hadState := e.states[threadID]
	delete(e.threads, threadID)
	delete(e.states, threadID)
	cb := e.onThreadDeleted
	e.mu.Unlock()

	if !hadThread && !hadState {
		return
	}
	eventsApplied.WithLabelValues("thread-deleted").Inc()
	if cb != nil {
		cb(threadID)
	}
	e.notify(threadID)
	e.notifyThreadList()
}

// UpsertThread merges a thread entity from a list fetch or a thread-updated
// event into the index.
func (e *Engine) UpsertThread(th *chatapi.Thread) {
	if th == nil || th.ID == "" {
		return
	}
	e.mu.Lock()
	existing := e.ensureThreadLocked(th.ID)
	existing.Name = th.Name
	existing.Kind = th.Kind
	existing.UnreadCount = th.UnreadCount
	existing.Pinned = th.Pinned
	existing.CreatedAt = th.CreatedAt
	existing.UpdatedAt = th.UpdatedAt
	if th.LastMessage != nil {
		existing.LastMessage = th.LastMessage.Clone()
	}
	e.mu.Unlock()
	e.notifyThreadList()
}

// ClearUnread zeroes a thread's unread counter (optimistic side of MarkRead).
// Returns the previous count so a failed request can restore it.
func (e *Engine) ClearUnread(threadID string) int {
	e.mu.Lock()
	th, ok := e.threads[threadID]
	if !ok {
		e.mu.Unlock()
		return 0
	}
	prev := th.UnreadCount
	th.UnreadCount = 0
	e.mu.Unlock()
	e.notifyThreadList()
	return prev
}

// SetUnread restores a thread's unread counter after a rollback.
func (e *Engine) SetUnread(threadID string, count int) {
	e.mu.Lock()
	if th, ok := e.threads[threadID]; ok {
		th.UnreadCount = count
	}
	e.mu.Unlock()
	e.notifyThreadList()
}

// ============================================================================
// Fetch page merging
// ============================================================================

// MergePage folds one fetched history page into the thread's list. Page 1 is
// the newest window: unseen messages are prepended in page order. Pages > 1
// are older windows: unseen messages are appended in page order. Messages
// already present are skipped entirely: their in-memory state (which may
// include newer push-event merges) wins over the fetched copy. Pagination
// metadata is always overwritten from this response.
func (e *Engine) MergePage(threadID string, page int, result *chatapi.MessagePage) {
	if result == nil {
		return
	}
	e.mu.Lock()
	st := e.state(threadID)
	e.ensureThreadLocked(threadID)

	var unseen []*chatapi.Message
	for _, msg := range result.Messages {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, exists := st.byID[msg.ID]; exists {
			continue
		}
		own := msg.Clone()
		unseen = append(unseen, own)
		st.byID[own.ID] = own
	}
	if page <= 1 {
		st.order = append(unseen, st.order...)
	} else {
		st.order = append(st.order, unseen...)
	}
	st.pagination = result.Pagination
	st.hasFetched = true

	if th := e.threads[threadID]; th.LastMessage == nil && len(st.order) > 0 {
		th.LastMessage = st.order[0].Clone()
	}
	e.mu.Unlock()

	pagesMerged.Inc()
	e.log.Debug().
		Str("thread_id", threadID).
		Int("page", page).
		Int("fetched", len(result.Messages)).
		Int("merged", len(unseen)).
		Msg("Merged history page")
	e.notify(threadID)
}

// MergeMemberPage folds one group member page into the thread's member list,
// same discipline as message pages: unseen entries appended, metadata
// overwritten.
func (e *Engine) MergeMemberPage(threadID string, result *chatapi.MemberPage) {
	if result == nil {
		return
	}
	e.mu.Lock()
	st := e.state(threadID)
	if st.memberSet == nil {
		st.memberSet = make(map[string]bool)
	}
	for _, m := range result.Members {
		if m == nil || m.UserID == "" || st.memberSet[m.UserID] {
			continue
		}
		dup := *m
		st.members = append(st.members, &dup)
		st.memberSet[m.UserID] = true
	}
	st.memberPaging = result.Pagination
	e.mu.Unlock()
	e.notify(threadID)
}

// SeedCached preloads a thread with messages from the local history cache.
// It only runs before the first fetch and does not count as one: pagination
// stays unset so the next open still triggers a page-1 refresh, and unread
// counts are untouched. No-op once any real data is present.
func (e *Engine) SeedCached(threadID string, msgs []*chatapi.Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	st := e.state(threadID)
	if st.hasFetched || len(st.order) > 0 {
		e.mu.Unlock()
		return
	}
	e.ensureThreadLocked(threadID)
	for _, msg := range msgs {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, exists := st.byID[msg.ID]; exists {
			continue
		}
		own := msg.Clone()
		st.order = append(st.order, own)
		st.byID[own.ID] = own
	}
	e.mu.Unlock()
	e.notify(threadID)
}

// ============================================================================
// Local (optimistic) mutations
// ============================================================================

// InsertLocal adds an optimistic placeholder at the head of the list without
// touching unread counts. The placeholder carries a client-generated ID and
// Pending=true until ReplaceLocal swaps it for the confirmed entity.
func (e *Engine) InsertLocal(msg *chatapi.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	e.mu.Lock()
	st := e.state(msg.ThreadID)
	if _, exists := st.byID[msg.ID]; exists {
		e.mu.Unlock()
		return
	}
	own := msg.Clone()
	st.order = append([]*chatapi.Message{own}, st.order...)
	st.byID[own.ID] = own
	e.mu.Unlock()
	e.notify(msg.ThreadID)
}

// ReplaceLocal swaps an optimistic placeholder for the server-confirmed
// message, in place. If the confirmed ID already exists (its message-created
// push event won the race), the placeholder is simply removed.
func (e *Engine) ReplaceLocal(threadID, tempID string, confirmed *chatapi.Message) {
	if confirmed == nil {
		e.RemoveLocal(threadID, tempID)
		return
	}
	e.mu.Lock()
	st, ok := e.states[threadID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if _, exists := st.byID[confirmed.ID]; exists {
		// Push event beat the HTTP response; drop the placeholder.
		if _, had := st.byID[tempID]; had {
			delete(st.byID, tempID)
			for i, m := range st.order {
				if m.ID == tempID {
					st.order = append(st.order[:i], st.order[i+1:]...)
					break
				}
			}
		}
		e.mu.Unlock()
		e.notify(threadID)
		return
	}
	placeholder, found := st.byID[tempID]
	if !found {
		e.mu.Unlock()
		e.ApplyCreated(confirmed)
		return
	}
	own := confirmed.Clone()
	*placeholder = *own
	delete(st.byID, tempID)
	st.byID[placeholder.ID] = placeholder

	th := e.ensureThreadLocked(threadID)
	th.LastMessage = placeholder.Clone()
	th.UpdatedAt = placeholder.CreatedAt
	e.mu.Unlock()
	e.notify(threadID)
}

// RemoveLocal drops an optimistic placeholder after a failed send.
func (e *Engine) RemoveLocal(threadID, tempID string) {
	e.ApplyDeleted(threadID, tempID)
}

// Snapshot returns a deep copy of one message for rollback bookkeeping, or
// nil if it is not loaded.
func (e *Engine) Snapshot(threadID, messageID string) *chatapi.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[threadID]
	if !ok {
		return nil
	}
	return st.byID[messageID].Clone()
}

// Restore writes a snapshot back over the live entry (rollback). If the
// message was deleted in the meantime it is re-inserted at the head; the
// next fetch or push event reconciles the position.
func (e *Engine) Restore(threadID string, snapshot *chatapi.Message) {
	if snapshot == nil {
		return
	}
	e.mu.Lock()
	st := e.state(threadID)
	if existing, found := st.byID[snapshot.ID]; found {
		*existing = *snapshot.Clone()
	} else {
		own := snapshot.Clone()
		st.order = append([]*chatapi.Message{own}, st.order...)
		st.byID[own.ID] = own
	}
	e.mu.Unlock()
	rollbacks.Inc()
	e.notify(threadID)
}

// Mutate runs fn against the live message under the engine lock. Returns
// false if the message is not loaded. Used by the mutation coordinator so no
// other component ever splices the list directly.
func (e *Engine) Mutate(threadID, messageID string, fn func(*chatapi.Message)) bool {
	e.mu.Lock()
	st, ok := e.states[threadID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	msg, found := st.byID[messageID]
	if !found {
		e.mu.Unlock()
		return false
	}
	fn(msg)
	e.mu.Unlock()
	e.notify(threadID)
	return true
}

// ============================================================================
// Read side
// ============================================================================

// Messages returns a deep-copied snapshot of the thread's reconciled list,
// newest first. Callers own the copy; the engine's entries are never exposed.
func (e *Engine) Messages(threadID string) []*chatapi.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[threadID]
	if !ok {
		return nil
	}
	out := make([]*chatapi.Message, len(st.order))
	for i, m := range st.order {
		out[i] = m.Clone()
	}
	return out
}

// Pagination returns the most recently stored page metadata for a thread.
func (e *Engine) Pagination(threadID string) (chatapi.Pagination, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[threadID]
	if !ok {
		return chatapi.Pagination{}, false
	}
	return st.pagination, st.hasFetched
}

// MemberPagination returns the metadata from the most recent member page
// fetch. ok is false before the first fetch.
func (e *Engine) MemberPagination(threadID string) (chatapi.Pagination, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[threadID]
	if !ok || st.memberSet == nil {
		return chatapi.Pagination{}, false
	}
	return st.memberPaging, true
}

// Members returns a copy of the thread's loaded member list.
func (e *Engine) Members(threadID string) []*chatapi.GroupMember {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[threadID]
	if !ok {
		return nil
	}
	out := make([]*chatapi.GroupMember, len(st.members))
	for i, m := range st.members {
		dup := *m
		out[i] = &dup
	}
	return out
}

// Threads returns a snapshot of the thread index.
func (e *Engine) Threads() []*chatapi.Thread {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*chatapi.Thread, 0, len(e.threads))
	for _, th := range e.threads {
		dup := *th
		if th.LastMessage != nil {
			dup.LastMessage = th.LastMessage.Clone()
		}
		out = append(out, &dup)
	}
	return out
}

// Thread returns one thread's index entry, if known.
func (e *Engine) Thread(threadID string) (*chatapi.Thread, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	th, ok := e.threads[threadID]
	if !ok {
		return nil, false
	}
	dup := *th
	if th.LastMessage != nil {
		dup.LastMessage = th.LastMessage.Clone()
	}
	return &dup, true
}

// ============================================================================
// Observers
// ============================================================================

// Observe registers a callback fired after every change to the thread's
// reconciled list. The returned func unregisters it.
func (e *Engine) Observe(threadID string, onChange func()) (cancel func()) {
	e.mu.Lock()
	id := e.nextObserverID
	e.nextObserverID++
	if e.observers[threadID] == nil {
		e.observers[threadID] = make(map[uint64]func())
	}
	e.observers[threadID][id] = onChange
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		if obs, ok := e.observers[threadID]; ok {
			delete(obs, id)
			if len(obs) == 0 {
				delete(e.observers, threadID)
			}
		}
		e.mu.Unlock()
	}
}

// ObserveThreads registers a callback fired when the thread index changes.
func (e *Engine) ObserveThreads(onChange func()) (cancel func()) {
	e.mu.Lock()
	id := e.nextObserverID
	e.nextObserverID++
	e.threadObservers[id] = onChange
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.threadObservers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify(threadID string) {
	e.mu.RLock()
	callbacks := make([]func(), 0, len(e.observers[threadID]))
	for _, cb := range e.observers[threadID] {
		callbacks = append(callbacks, cb)
	}
	e.mu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}
}

func (e *Engine) notifyThreadList() {
	e.mu.RLock()
	callbacks := make([]func(), 0, len(e.threadObservers))
	for _, cb := range e.threadObservers {
		callbacks = append(callbacks, cb)
	}
	e.mu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}
}
