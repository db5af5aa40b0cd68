package chatapi

import (
	"context"
	"fmt"
	"net/http"
)

// FetchMessages returns one page of a thread's history, newest first.
// Page numbering starts at 1; the merge semantics for page 1 vs. later pages
// live in the reconciliation engine, not here.
func (c *Client) FetchMessages(ctx context.Context, threadID string, page int) (*MessagePage, error) {
	if page < 1 {
		return nil, &Error{Op: "fetch messages", Reason: fmt.Sprintf("page must be >= 1, got %d", page)}
	}
	var out MessagePage
	err := c.do(ctx, "fetch messages", http.MethodGet,
		"/api/chat/threads/"+threadID+"/messages", pageQuery(page), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListThreads returns one page of the caller's thread index, most recently
// active first.
func (c *Client) ListThreads(ctx context.Context, page int) ([]*Thread, *Pagination, error) {
	if page < 1 {
		page = 1
	}
	var out struct {
		Threads    []*Thread  `json:"threads"`
		Pagination Pagination `json:"pagination"`
	}
	err := c.do(ctx, "list threads", http.MethodGet, "/api/chat/threads", pageQuery(page), nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Threads, &out.Pagination, nil
}

// GroupMembers returns one page of a group thread's member list.
func (c *Client) GroupMembers(ctx context.Context, groupID string, page int) (*MemberPage, error) {
	if page < 1 {
		return nil, &Error{Op: "fetch members", Reason: fmt.Sprintf("page must be >= 1, got %d", page)}
	}
	var out MemberPage
	err := c.do(ctx, "fetch members", http.MethodGet,
		"/api/chat/groups/"+groupID+"/members", pageQuery(page), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessageRequest is the body of the send call. Attachment is set for
// image/file messages and carries the descriptor from a finished upload.
type SendMessageRequest struct {
	ThreadID   string           `json:"thread_id"`
	Kind       MessageKind      `json:"kind"`
	Body       string           `json:"body,omitempty"`
	Attachment *MediaDescriptor `json:"attachment,omitempty"`
	// ClientRef echoes back in the confirmed message so the sender can swap
	// its optimistic placeholder for the server entity.
	ClientRef string `json:"client_ref,omitempty"`
}

// SendMessage posts a new message and returns the server's canonical entity
// (with the server-assigned ID).
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	var out Message
	err := c.do(ctx, "send message", http.MethodPost, "/api/chat/messages", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces a message's body. The updated entity arrives via the
// message-updated push event; the response data is ignored.
func (c *Client) EditMessage(ctx context.Context, messageID, body string) error {
	return c.do(ctx, "edit message", http.MethodPut,
		"/api/chat/messages/"+messageID, nil, map[string]string{"body": body}, nil)
}

// DeleteMessage removes a message for everyone in the thread.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete message", http.MethodDelete,
		"/api/chat/messages/"+messageID, nil, nil, nil)
}

// ToggleReaction flips the calling user's reaction with the given emoji.
// The server decides add vs. remove from its own state; the client applies
// the same rule optimistically before the call.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, "toggle reaction", http.MethodPost,
		"/api/chat/messages/"+messageID+"/reactions", nil, map[string]string{"emoji": emoji}, nil)
}

// SendTyping announces that the caller is typing in the thread. Fire and
// forget; the server fans it out as a typing push event.
func (c *Client) SendTyping(ctx context.Context, threadID string) error {
	return c.do(ctx, "send typing", http.MethodPost,
		"/api/chat/threads/"+threadID+"/typing", nil, nil, nil)
}

// MarkRead posts a read receipt for everything in the thread up to now.
func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	return c.do(ctx, "mark read", http.MethodPost,
		"/api/chat/threads/"+threadID+"/read", nil, nil, nil)
}
