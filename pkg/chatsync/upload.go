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
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	// Dimension probing for the formats the backend accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

const (
	// uploadChunkSize is the fixed chunk window. The last chunk may be
	// shorter; every other push carries exactly this many bytes.
	uploadChunkSize = 2 << 20 // 2 MiB

	// maxChunkRetries is how many times a failed chunk push is retried
	// before the whole upload is aborted (3 attempts total per chunk).
	maxChunkRetries = 2

	// chunkRetryBackoff grows linearly: attempt * chunkRetryBackoff.
	chunkRetryBackoff = 500 * time.Millisecond

	// prefinishProgressCap keeps the progress observable below 1.0 until the
	// finish call succeeds. 1.0 means the server has the assembled file,
	// not just its bytes.
	prefinishProgressCap = 0.99
)

// Upload phases, used in UploadError.
const (
	UploadPhaseInit   = "init"
	UploadPhaseChunk  = "chunk"
	UploadPhaseFinish = "finish"
)

// UploadError is the single failure type for the whole three-phase protocol.
// A failure in any phase aborts the entire upload; there is no
// partial-completion signaling.
type UploadError struct {
	Phase    string
	UploadID string
	Offset   int64
	Err      error
}

func (e *UploadError) Error() string {
	if e.Phase == UploadPhaseChunk {
		return fmt.Sprintf("upload %s failed at offset %d: %v", e.Phase, e.Offset, e.Err)
	}
	return fmt.Sprintf("upload %s failed: %v", e.Phase, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// uploadSession is the ephemeral state of one attachment transfer.
type uploadSession struct {
	id          string
	totalSize   int64
	transferred atomic.Int64
	startedAt   time.Time
}

// Uploader drives the chunked upload protocol: init, push xN, finish. One
// transfer runs at a time; IsUploading lets the caller block navigation away
// from an in-progress upload.
type Uploader struct {
	api *chatapi.Client

	active   atomic.Bool
	progress atomic.Uint64 // math.Float64bits
	sessions *exsync.Map[string, *uploadSession]

	// onProgress observes fractional progress (0.0–1.0) during the push
	// loop. Called from the upload goroutine; keep it cheap.
	onProgress func(float64)

	// stagingDir holds per-chunk temp files. Defaults to os.TempDir().
	stagingDir string

	log zerolog.Logger
}

func NewUploader(api *chatapi.Client, log zerolog.Logger) *Uploader {
	return &Uploader{
		api:      api,
		sessions: exsync.NewMap[string, *uploadSession](),
		log:      log.With().Str("component", "upload").Logger(),
	}
}

func (u *Uploader) OnProgress(fn func(float64)) { u.onProgress = fn }

// IsUploading reports whether a transfer is in progress.
func (u *Uploader) IsUploading() bool { return u.active.Load() }

// Progress returns the current fractional progress (0.0–1.0).
func (u *Uploader) Progress() float64 {
	return math.Float64frombits(u.progress.Load())
}

func (u *Uploader) setProgress(p float64) {
	u.progress.Store(math.Float64bits(p))
	if u.onProgress != nil {
		u.onProgress(p)
	}
}

// UploadFile transfers one local file through the three-phase protocol and
// returns the server's media descriptor. MIME type is sniffed from content
// when the caller passes none; for images the pixel dimensions are probed
// locally so the send path can render placeholders at the right size.
func (u *Uploader) UploadFile(ctx context.Context, localPath, filename, mimeType string) (*chatapi.MediaDescriptor, error) {
	if !u.active.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("chatsync: another upload is already in progress")
	}
	defer u.active.Store(false)
	u.setProgress(0)

	src, err := os.Open(localPath)
	if err != nil {
		return nil, &UploadError{Phase: UploadPhaseInit, Err: err}
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return nil, &UploadError{Phase: UploadPhaseInit, Err: err}
	}
	totalSize := info.Size()
	if totalSize == 0 {
		return nil, &UploadError{Phase: UploadPhaseInit, Err: fmt.Errorf("refusing to upload empty file %q", localPath)}
	}
	if filename == "" {
		filename = filepath.Base(localPath)
	}
	if mimeType == "" {
		mtype, detectErr := mimetype.DetectFile(localPath)
		if detectErr != nil {
			mimeType = "application/octet-stream"
		} else {
			mimeType = mtype.String()
		}
	}

	// Init: no retry here. A backend that can't open a session won't accept
	// chunks either.
	uploadID, err := u.api.UploadInit(ctx, &chatapi.UploadInitRequest{
		Filename:  filename,
		TotalSize: totalSize,
		MimeType:  mimeType,
	})
	if err != nil {
		return nil, &UploadError{Phase: UploadPhaseInit, Err: err}
	}

	session := &uploadSession{id: uploadID, totalSize: totalSize, startedAt: time.Now()}
	u.sessions.Set(uploadID, session)
	defer u.sessions.Delete(uploadID)

	log := u.log.With().
		Str("upload_id", uploadID).
		Str("filename", filename).
		Int64("total_size", totalSize).
		Logger()
	log.Info().Str("mime_type", mimeType).Msg("Upload session opened")

	if err = u.pushChunks(ctx, log, session, src); err != nil {
		return nil, err
	}

	desc, err := u.api.UploadFinish(ctx, uploadID)
	if err != nil {
		return nil, &UploadError{Phase: UploadPhaseFinish, UploadID: uploadID, Err: err}
	}
	u.setProgress(1.0)

	if desc.Filename == "" {
		desc.Filename = filename
	}
	if desc.MimeType == "" {
		desc.MimeType = mimeType
	}
	if desc.Size == 0 {
		desc.Size = totalSize
	}
	if strings.HasPrefix(desc.MimeType, "image/") && (desc.Width == 0 || desc.Height == 0) {
		if w, h, ok := probeImageDimensions(localPath); ok {
			desc.Width, desc.Height = w, h
		}
	}

	log.Info().
		Dur("elapsed", time.Since(session.startedAt)).
		Str("url", desc.URL).
		Msg("Upload finished")
	return desc, nil
}

// pushChunks reads the source in fixed-size windows from offset 0 and pushes
// each one, retrying per chunk with a linearly increasing delay. Exhausting
// the retries aborts the whole upload.
func (u *Uploader) pushChunks(ctx context.Context, log zerolog.Logger, session *uploadSession, src io.Reader) error {
	buf := make([]byte, uploadChunkSize)
	var offset int64
	for offset < session.totalSize {
		n, err := io.ReadFull(src, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return &UploadError{Phase: UploadPhaseChunk, UploadID: session.id, Offset: offset, Err: err}
		}
		if n == 0 {
			return &UploadError{Phase: UploadPhaseChunk, UploadID: session.id, Offset: offset,
				Err: fmt.Errorf("source truncated at %d of %d bytes", offset, session.totalSize)}
		}

		if err = u.pushOne(ctx, log, session, offset, buf[:n]); err != nil {
			return err
		}

		offset += int64(n)
		transferred := session.transferred.Add(int64(n))
		uploadChunksPushed.Inc()
		uploadBytes.Add(float64(n))
		u.setProgress(min(float64(transferred)/float64(session.totalSize), prefinishProgressCap))
	}
	return nil
}

// pushOne stages a single chunk to a temp file and transfers it, retrying on
// failure. The staged artifact is always released, success or failure.
func (u *Uploader) pushOne(ctx context.Context, log zerolog.Logger, session *uploadSession, offset int64, chunk []byte) error {
	dir := u.stagingDir
	if dir == "" {
		dir = os.TempDir()
	}
	staged := filepath.Join(dir, fmt.Sprintf("chatsync-chunk-%s-%s", session.id, uuid.NewString()))
	if err := os.WriteFile(staged, chunk, 0o600); err != nil {
		return &UploadError{Phase: UploadPhaseChunk, UploadID: session.id, Offset: offset, Err: err}
	}
	defer func() {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", staged).Msg("Failed to remove staged chunk")
		}
	}()

	data, err := os.ReadFile(staged)
	if err != nil {
		return &UploadError{Phase: UploadPhaseChunk, UploadID: session.id, Offset: offset, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= maxChunkRetries; attempt++ {
		if attempt > 0 {
			uploadChunkRetries.Inc()
			delay := time.Duration(attempt) * chunkRetryBackoff
			log.Warn().Err(lastErr).
				Int64("offset", offset).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Chunk push failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &UploadError{Phase: UploadPhaseChunk, UploadID: session.id, Offset: offset, Err: ctx.Err()}
			}
		}
		if lastErr = u.api.UploadPush(ctx, session.id, offset, data); lastErr == nil {
			return nil
		}
	}
	return &UploadError{Phase: UploadPhaseChunk, UploadID: session.id, Offset: offset, Err: lastErr}
}

// probeImageDimensions decodes just the image header. Handles PNG, JPEG, GIF
// (stdlib) plus TIFF and WebP (golang.org/x/image).
func probeImageDimensions(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
