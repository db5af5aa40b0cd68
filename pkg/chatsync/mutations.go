package chatsync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// ErrMessageNotLoaded is returned when a mutation targets a message outside
// the currently-loaded window.
var ErrMessageNotLoaded = errors.New("chatsync: message not in loaded window")

// mutator applies local-first changes: the store is updated before the
// request goes out, and reverted from a pre-mutation snapshot if the request
// fails. On success the optimistic state is left alone; the corresponding
// push event arrives later and merges idempotently.
//
// Each mutation is a self-contained command: snapshot, apply, send, undo on
// failure. Rapid double-toggles are deliberately independent operations, each
// with its own snapshot; they are not coalesced.
type mutator struct {
	api    *chatapi.Client
	engine *Engine
	selfID string
	log    zerolog.Logger
}

func newMutator(api *chatapi.Client, engine *Engine, selfID string, log zerolog.Logger) *mutator {
	return &mutator{
		api:    api,
		engine: engine,
		selfID: selfID,
		log:    log.With().Str("component", "mutator").Logger(),
	}
}

// run executes one reversible command against a loaded message.
func (m *mutator) run(ctx context.Context, threadID, messageID string, apply func(*chatapi.Message), send func(context.Context) error) error {
	snapshot := m.engine.Snapshot(threadID, messageID)
	if snapshot == nil {
		return ErrMessageNotLoaded
	}
	m.engine.Mutate(threadID, messageID, apply)

	if err := send(ctx); err != nil {
		m.engine.Restore(threadID, snapshot)
		m.log.Warn().Err(err).
			Str("thread_id", threadID).
			Str("message_id", messageID).
			Msg("Mutation rejected, rolled back optimistic state")
		return err
	}
	return nil
}

// ToggleReaction flips the current user's reaction on a message. If the user
// is already in the emoji's reactor set, they are removed and the count
// decremented (dropping the whole entry at zero); otherwise they are added
// and the count incremented, creating the entry if needed. Toggling the same
// pair twice restores the original state exactly.
func (m *mutator) ToggleReaction(ctx context.Context, threadID, messageID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("chatsync: empty reaction emoji")
	}
	return m.run(ctx, threadID, messageID,
		func(msg *chatapi.Message) {
			toggleReaction(msg, emoji, m.selfID)
		},
		func(ctx context.Context) error {
			return m.api.ToggleReaction(ctx, messageID, emoji)
		})
}

// toggleReaction is the pure toggle rule, shared with tests.
func toggleReaction(msg *chatapi.Message, emoji, userID string) {
	entry := msg.Reactions[emoji]
	if entry != nil && slices.Contains(entry.Users, userID) {
		// Un-react.
		entry.Users = slices.DeleteFunc(entry.Users, func(u string) bool { return u == userID })
		entry.Count--
		if entry.Count <= 0 {
			delete(msg.Reactions, emoji)
			if len(msg.Reactions) == 0 {
				msg.Reactions = nil
			}
		}
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]*chatapi.Reaction)
	}
	if entry == nil {
		entry = &chatapi.Reaction{}
		msg.Reactions[emoji] = entry
	}
	entry.Users = append(entry.Users, userID)
	entry.Count++
}

// EditMessage replaces a message's body locally and sends the edit request.
func (m *mutator) EditMessage(ctx context.Context, threadID, messageID, body string) error {
	return m.run(ctx, threadID, messageID,
		func(msg *chatapi.Message) {
			msg.Body = body
			msg.EditedAt = ptr.Ptr(jsontime.UnixMilliNow())
		},
		func(ctx context.Context) error {
			return m.api.EditMessage(ctx, messageID, body)
		})
}

// DeleteMessage removes a message locally and sends the delete request.
// Delete cannot go through run's in-place apply, so it snapshots manually
// and re-inserts on failure.
func (m *mutator) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	snapshot := m.engine.Snapshot(threadID, messageID)
	if snapshot == nil {
		return ErrMessageNotLoaded
	}
	m.engine.ApplyDeleted(threadID, messageID)

	if err := m.api.DeleteMessage(ctx, messageID); err != nil {
		m.engine.Restore(threadID, snapshot)
		m.log.Warn().Err(err).
			Str("thread_id", threadID).
			Str("message_id", messageID).
			Msg("Delete rejected, restored message")
		return err
	}
	return nil
}

// MarkRead zeroes the thread's unread count locally and posts the receipt,
// restoring the previous count on failure.
func (m *mutator) MarkRead(ctx context.Context, threadID string) error {
	prev := m.engine.ClearUnread(threadID)
	if err := m.api.MarkRead(ctx, threadID); err != nil {
		m.engine.SetUnread(threadID, prev)
		return err
	}
	return nil
}
