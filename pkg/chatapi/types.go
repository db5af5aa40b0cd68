package chatapi

import (
	"go.mau.fi/util/jsontime"
)

// ThreadKind distinguishes the three conversation flavors the backend serves.
type ThreadKind string

const (
	ThreadDirect ThreadKind = "direct"
	ThreadGroup  ThreadKind = "group"
	ThreadSystem ThreadKind = "system"
)

// MessageKind mirrors the server-side message type enum.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Reaction is one emoji's aggregate on a message: how many people reacted and
// who they are. The user set is authoritative; Count is denormalized by the
// server but kept consistent locally by the mutation coordinator.
type Reaction struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// MediaDescriptor is the server's canonical handle for an uploaded attachment,
// returned by the upload finish call and embedded in image/file messages.
type MediaDescriptor struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Message is the wire shape shared by fetch pages and push event payloads.
// A message-updated event carries exactly this structure.
type Message struct {
	ID       string      `json:"id"`
	ThreadID string      `json:"thread_id"`
	SenderID string      `json:"sender_id"`
	Kind     MessageKind `json:"kind"`
	Body     string      `json:"body,omitempty"`

	Attachment *MediaDescriptor `json:"attachment,omitempty"`

	CreatedAt   jsontime.UnixMilli  `json:"created_at"`
	EditedAt    *jsontime.UnixMilli `json:"edited_at,omitempty"`
	DeliveredAt *jsontime.UnixMilli `json:"delivered_at,omitempty"`
	ReadAt      *jsontime.UnixMilli `json:"read_at,omitempty"`

	Reactions map[string]*Reaction `json:"reactions,omitempty"`

	// Pending marks a locally-originated message that has not been confirmed
	// by the server yet. Never sent on the wire.
	Pending bool `json:"-"`
}

// Clone returns a deep copy, including the reaction map. The mutation
// coordinator snapshots messages before applying optimistic changes, so the
// copy must not share any mutable state with the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	dup := *m
	if m.Attachment != nil {
		att := *m.Attachment
		dup.Attachment = &att
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		dup.EditedAt = &t
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		dup.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		dup.ReadAt = &t
	}
	if m.Reactions != nil {
		dup.Reactions = make(map[string]*Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			users := make([]string, len(r.Users))
			copy(users, r.Users)
			dup.Reactions[emoji] = &Reaction{Count: r.Count, Users: users}
		}
	}
	return &dup
}

// Thread is a conversation container. LastMessage and UnreadCount are
// denormalized by the server and refreshed on every thread-updated event.
type Thread struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Kind        ThreadKind         `json:"kind"`
	LastMessage *Message           `json:"last_message,omitempty"`
	UnreadCount int                `json:"unread_count"`
	Pinned      bool               `json:"pinned"`
	CreatedAt   jsontime.UnixMilli `json:"created_at"`
	UpdatedAt   jsontime.UnixMilli `json:"updated_at"`
}

// GroupMember is one entry of a group thread's member list.
type GroupMember struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Pagination is the page metadata attached to every paged response. HasMore
// tells the client whether requesting CurrentPage+1 is worthwhile.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	LastPage    int  `json:"last_page"`
	Total       int  `json:"total"`
	HasMore     bool `json:"has_more"`
}

// MessagePage is one fetched window of a thread's history, newest first.
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// MemberPage is one fetched window of a group's member list.
type MemberPage struct {
	Members    []*GroupMember `json:"members"`
	Pagination Pagination     `json:"pagination"`
}
