package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// historyStore is a local SQLite cache of reconciled messages and the thread
// index. It exists for cold starts only: opening a thread shows the cached
// window immediately while the page-1 refresh is in flight. It is never a
// write queue: pending local messages are not persisted.
type historyStore struct {
	db     *dbutil.Database
	userID string
}

// warmWindowSize is how many cached messages are loaded per thread on open.
// Matches one fetch page so the cached and fetched windows line up.
const warmWindowSize = 50

func openHistoryStore(path, userID string) (*historyStore, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open history cache: %w", err)
	}
	return &historyStore{db: db, userID: userID}, nil
}

func newHistoryStore(db *dbutil.Database, userID string) *historyStore {
	return &historyStore{db: db, userID: userID}
}

func (s *historyStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_thread (
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			last_message_json TEXT,
			created_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message (
			user_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'text',
			body TEXT NOT NULL DEFAULT '',
			attachment_json TEXT,
			reactions_json TEXT,
			created_ts BIGINT NOT NULL,
			edited_ts BIGINT,
			read_ts BIGINT,
			cached_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS chat_message_thread_ts_idx
			ON chat_message (user_id, thread_id, created_ts DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure history cache schema: %w", err)
		}
	}
	return nil
}

func (s *historyStore) close() error {
	return s.db.Close()
}

// saveMessages write-through caches a batch of confirmed messages. Pending
// placeholders are skipped.
func (s *historyStore) saveMessages(ctx context.Context, msgs []*chatapi.Message) error {
	now := time.Now().UnixMilli()
	for _, msg := range msgs {
		if msg == nil || msg.ID == "" || msg.Pending {
			continue
		}
		var attachmentJSON, reactionsJSON sql.NullString
		if msg.Attachment != nil {
			if encoded, err := json.Marshal(msg.Attachment); err == nil {
				attachmentJSON = sql.NullString{String: string(encoded), Valid: true}
			}
		}
		if len(msg.Reactions) > 0 {
			if encoded, err := json.Marshal(msg.Reactions); err == nil {
				reactionsJSON = sql.NullString{String: string(encoded), Valid: true}
			}
		}
		var editedTS, readTS sql.NullInt64
		if msg.EditedAt != nil {
			editedTS = sql.NullInt64{Int64: msg.EditedAt.UnixMilli(), Valid: true}
		}
		if msg.ReadAt != nil {
			readTS = sql.NullInt64{Int64: msg.ReadAt.UnixMilli(), Valid: true}
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO chat_message (user_id, message_id, thread_id, sender_id, kind, body,
				attachment_json, reactions_json, created_ts, edited_ts, read_ts, cached_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (user_id, message_id) DO UPDATE SET
				body = excluded.body,
				kind = excluded.kind,
				attachment_json = excluded.attachment_json,
				reactions_json = excluded.reactions_json,
				edited_ts = excluded.edited_ts,
				read_ts = excluded.read_ts,
				cached_ts = excluded.cached_ts
		`, s.userID, msg.ID, msg.ThreadID, msg.SenderID, string(msg.Kind), msg.Body,
			attachmentJSON, reactionsJSON, msg.CreatedAt.UnixMilli(), editedTS, readTS, now)
		if err != nil {
			return fmt.Errorf("failed to cache message %s: %w", msg.ID, err)
		}
	}
	return nil
}

// deleteMessage drops one cached message.
func (s *historyStore) deleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM chat_message WHERE user_id = $1 AND message_id = $2`, s.userID, messageID)
	return err
}

// deleteThread drops a thread and all its cached messages.
func (s *historyStore) deleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_message WHERE user_id = $1 AND thread_id = $2`, s.userID, threadID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM chat_thread WHERE user_id = $1 AND thread_id = $2`, s.userID, threadID)
	return err
}

// loadRecent returns the newest cached messages of a thread, newest first.
func (s *historyStore) loadRecent(ctx context.Context, threadID string, limit int) ([]*chatapi.Message, error) {
	if limit <= 0 {
		limit = warmWindowSize
	}
	rows, err := s.db.Query(ctx, `
		SELECT message_id, sender_id, kind, body, attachment_json, reactions_json,
			created_ts, edited_ts, read_ts
		FROM chat_message
		WHERE user_id = $1 AND thread_id = $2
		ORDER BY created_ts DESC
		LIMIT $3
	`, s.userID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chatapi.Message
	for rows.Next() {
		var (
			msg                           chatapi.Message
			kind                          string
			attachmentJSON, reactionsJSON sql.NullString
			createdTS                     int64
			editedTS, readTS              sql.NullInt64
		)
		if err = rows.Scan(&msg.ID, &msg.SenderID, &kind, &msg.Body,
			&attachmentJSON, &reactionsJSON, &createdTS, &editedTS, &readTS); err != nil {
			return nil, err
		}
		msg.ThreadID = threadID
		msg.Kind = chatapi.MessageKind(kind)
		msg.CreatedAt = jsontime.UMInt(createdTS)
		if editedTS.Valid {
			msg.EditedAt = ptr.Ptr(jsontime.UMInt(editedTS.Int64))
		}
		if readTS.Valid {
			msg.ReadAt = ptr.Ptr(jsontime.UMInt(readTS.Int64))
		}
		if attachmentJSON.Valid {
			var att chatapi.MediaDescriptor
			if json.Unmarshal([]byte(attachmentJSON.String), &att) == nil {
				msg.Attachment = &att
			}
		}
		if reactionsJSON.Valid {
			var reactions map[string]*chatapi.Reaction
			if json.Unmarshal([]byte(reactionsJSON.String), &reactions) == nil {
				msg.Reactions = reactions
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// saveThreads upserts the thread index.
func (s *historyStore) saveThreads(ctx context.Context, threads []*chatapi.Thread) error {
	for _, th := range threads {
		if th == nil || th.ID == "" {
			continue
		}
		var lastJSON sql.NullString
		if th.LastMessage != nil {
			if encoded, err := json.Marshal(th.LastMessage); err == nil {
				lastJSON = sql.NullString{String: string(encoded), Valid: true}
			}
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO chat_thread (user_id, thread_id, name, kind, unread_count, pinned,
				last_message_json, created_ts, updated_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, thread_id) DO UPDATE SET
				name = excluded.name,
				kind = excluded.kind,
				unread_count = excluded.unread_count,
				pinned = excluded.pinned,
				last_message_json = excluded.last_message_json,
				updated_ts = excluded.updated_ts
		`, s.userID, th.ID, th.Name, string(th.Kind), th.UnreadCount, th.Pinned,
			lastJSON, th.CreatedAt.UnixMilli(), th.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to cache thread %s: %w", th.ID, err)
		}
	}
	return nil
}

// loadThreads returns all cached threads, pinned first, then by activity.
func (s *historyStore) loadThreads(ctx context.Context) ([]*chatapi.Thread, error) {
	rows, err := s.db.Query(ctx, `
		SELECT thread_id, name, kind, unread_count, pinned, last_message_json, created_ts, updated_ts
		FROM chat_thread
		WHERE user_id = $1
		ORDER BY pinned DESC, updated_ts DESC
	`, s.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chatapi.Thread
	for rows.Next() {
		var (
			th                   chatapi.Thread
			kind                 string
			lastJSON             sql.NullString
			createdTS, updatedTS int64
		)
		if err = rows.Scan(&th.ID, &th.Name, &kind, &th.UnreadCount, &th.Pinned,
			&lastJSON, &createdTS, &updatedTS); err != nil {
			return nil, err
		}
		th.Kind = chatapi.ThreadKind(kind)
		th.CreatedAt = jsontime.UMInt(createdTS)
		th.UpdatedAt = jsontime.UMInt(updatedTS)
		if lastJSON.Valid {
			var last chatapi.Message
			if json.Unmarshal([]byte(lastJSON.String), &last) == nil {
				th.LastMessage = &last
			}
		}
		out = append(out, &th)
	}
	return out, rows.Err()
}

// pruneOldMessages drops cached messages older than the retention window,
// keeping the cache from growing without bound on long-lived installs.
func (s *historyStore) pruneOldMessages(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.Exec(ctx, `DELETE FROM chat_message WHERE user_id = $1 AND created_ts < $2`, s.userID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
