package chatapi

import (
	"context"
	"net/http"
	"strconv"
)

// UploadInitRequest opens an upload session. TotalSize is the exact byte size
// of the source file; the server sizes its staging area from it.
type UploadInitRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	MimeType  string `json:"mime_type"`
}

// UploadInit starts a chunked upload and returns the session ID used by all
// subsequent push and finish calls.
func (c *Client) UploadInit(ctx context.Context, req *UploadInitRequest) (string, error) {
	var out struct {
		UploadID string `json:"upload_id"`
	}
	err := c.do(ctx, "upload init", http.MethodPost, "/api/chat/uploads", nil, req, &out)
	if err != nil {
		return "", err
	}
	return out.UploadID, nil
}

// UploadPush transfers one chunk at the given byte offset. Chunks must be
// pushed in order; the server rejects offsets it is not expecting.
func (c *Client) UploadPush(ctx context.Context, uploadID string, offset int64, chunk []byte) error {
	fields := map[string]string{
		"upload_id": uploadID,
		"offset":    strconv.FormatInt(offset, 10),
	}
	return c.postMultipart(ctx, "upload push",
		"/api/chat/uploads/"+uploadID+"/chunks", fields, "chunk", "chunk.bin", chunk, nil)
}

// UploadFinish finalizes the session and returns the canonical descriptor for
// the assembled file.
func (c *Client) UploadFinish(ctx context.Context, uploadID string) (*MediaDescriptor, error) {
	var out MediaDescriptor
	err := c.do(ctx, "upload finish", http.MethodPost,
		"/api/chat/uploads/"+uploadID+"/finish", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
