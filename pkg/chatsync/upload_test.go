package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/edutalk/chatsync/pkg/chatapi"
)

// pushRecord captures one chunk push as seen by the fake backend.
type pushRecord struct {
	offset int64
	length int
	data   []byte
}

// uploadServer fakes the three-phase backend. failPushes maps a chunk offset
// to how many times pushes at that offset should be rejected before
// succeeding.
type uploadServer struct {
	*httptest.Server

	mu         sync.Mutex
	pushes     []pushRecord
	failPushes map[int64]int
	failInit   bool
	failFinish bool
	finished   bool
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()
	us := &uploadServer{failPushes: make(map[int64]int)}
	us.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/chat/uploads":
			if us.failInit {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "init refused"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"upload_id": "up-1"},
			})
		case strings.HasSuffix(r.URL.Path, "/chunks"):
			if err := r.ParseMultipartForm(4 << 20); err != nil {
				t.Errorf("bad multipart push: %v", err)
				return
			}
			offset, _ := strconv.ParseInt(r.FormValue("offset"), 10, 64)
			file, _, err := r.FormFile("chunk")
			if err != nil {
				t.Errorf("push without chunk part: %v", err)
				return
			}
			data, _ := io.ReadAll(file)
			file.Close()

			us.mu.Lock()
			if n := us.failPushes[offset]; n > 0 {
				us.failPushes[offset] = n - 1
				us.mu.Unlock()
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "push refused"})
				return
			}
			us.pushes = append(us.pushes, pushRecord{offset: offset, length: len(data), data: data})
			us.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		case strings.HasSuffix(r.URL.Path, "/finish"):
			if us.failFinish {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "assembly failed"})
				return
			}
			us.mu.Lock()
			us.finished = true
			us.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"url": "https://cdn.example.edu/f/1", "filename": "report.bin"},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(us.Close)
	return us
}

func testUploader(t *testing.T, us *uploadServer) *Uploader {
	t.Helper()
	api := chatapi.NewClient(us.URL, "token", "self", zerolog.Nop())
	u := NewUploader(api, zerolog.Nop())
	u.stagingDir = t.TempDir()
	return u
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadChunking(t *testing.T) {
	// 5 MiB splits into 2 MiB + 2 MiB + 1 MiB at offsets 0, 2 MiB, 4 MiB.
	us := newUploadServer(t)
	u := testUploader(t, us)
	path := writeTempFile(t, 5<<20)

	desc, err := u.UploadFile(context.Background(), path, "report.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if desc.URL == "" {
		t.Fatal("descriptor missing URL")
	}

	want := []struct {
		offset int64
		length int
	}{
		{0, 2 << 20},
		{2 << 20, 2 << 20},
		{4 << 20, 1 << 20},
	}
	if len(us.pushes) != len(want) {
		t.Fatalf("got %d pushes, want %d", len(us.pushes), len(want))
	}
	for i, w := range want {
		got := us.pushes[i]
		if got.offset != w.offset || got.length != w.length {
			t.Fatalf("chunk %d: offset=%d len=%d, want offset=%d len=%d",
				i, got.offset, got.length, w.offset, w.length)
		}
	}
	if !us.finished {
		t.Fatal("finish was never called")
	}
}

func TestUploadSingleShortChunk(t *testing.T) {
	us := newUploadServer(t)
	u := testUploader(t, us)
	path := writeTempFile(t, 1234)

	if _, err := u.UploadFile(context.Background(), path, "", ""); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(us.pushes) != 1 || us.pushes[0].length != 1234 || us.pushes[0].offset != 0 {
		t.Fatalf("pushes: %+v", us.pushes)
	}
}

func TestUploadProgress(t *testing.T) {
	us := newUploadServer(t)
	u := testUploader(t, us)
	path := writeTempFile(t, 5 << 20)

	var observed []float64
	u.OnProgress(func(p float64) { observed = append(observed, p) })

	if _, err := u.UploadFile(context.Background(), path, "", ""); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(observed) == 0 {
		t.Fatal("no progress reported")
	}
	final := observed[len(observed)-1]
	if final != 1.0 {
		t.Fatalf("final progress = %v, want 1.0 after finish", final)
	}
	// Everything before the finish must stay below 1.0, even the last chunk.
	for _, p := range observed[:len(observed)-1] {
		if p >= 1.0 {
			t.Fatalf("progress hit %v before finish succeeded", p)
		}
	}
}

func TestUploadChunkRetry(t *testing.T) {
	t.Run("RecoversWithinBudget", func(t *testing.T) {
		us := newUploadServer(t)
		u := testUploader(t, us)
		path := writeTempFile(t, 3 << 20)
		us.failPushes[2<<20] = 2 // two failures, third attempt lands

		if _, err := u.UploadFile(context.Background(), path, "", ""); err != nil {
			t.Fatalf("upload should survive two failures per chunk: %v", err)
		}
		if len(us.pushes) != 2 {
			t.Fatalf("got %d successful pushes, want 2", len(us.pushes))
		}
	})

	t.Run("AbortsWhenExhausted", func(t *testing.T) {
		us := newUploadServer(t)
		u := testUploader(t, us)
		path := writeTempFile(t, 3 << 20)
		us.failPushes[0] = 3 // one more than the retry budget allows

		_, err := u.UploadFile(context.Background(), path, "", "")
		if err == nil {
			t.Fatal("upload should abort after exhausting retries")
		}
		var ue *UploadError
		if !errors.As(err, &ue) || ue.Phase != UploadPhaseChunk || ue.Offset != 0 {
			t.Fatalf("error = %v, want chunk-phase UploadError at offset 0", err)
		}
		if us.finished {
			t.Fatal("finish must not run after an aborted push")
		}
	})
}

func TestUploadInitFailure(t *testing.T) {
	us := newUploadServer(t)
	us.failInit = true
	u := testUploader(t, us)
	path := writeTempFile(t, 100)

	_, err := u.UploadFile(context.Background(), path, "", "")
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Phase != UploadPhaseInit {
		t.Fatalf("error = %v, want init-phase UploadError", err)
	}
	if len(us.pushes) != 0 {
		t.Fatal("no chunks should be pushed after a failed init")
	}
}

func TestUploadFinishFailure(t *testing.T) {
	us := newUploadServer(t)
	us.failFinish = true
	u := testUploader(t, us)
	path := writeTempFile(t, 100)

	_, err := u.UploadFile(context.Background(), path, "", "")
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Phase != UploadPhaseFinish {
		t.Fatalf("error = %v, want finish-phase UploadError", err)
	}
	if u.Progress() >= 1.0 {
		t.Fatalf("progress = %v after failed finish, must stay below 1.0", u.Progress())
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	us := newUploadServer(t)
	u := testUploader(t, us)
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := u.UploadFile(context.Background(), path, "", ""); err == nil {
		t.Fatal("empty file should be refused before init")
	}
}

func TestUploadSingleFlight(t *testing.T) {
	us := newUploadServer(t)
	u := testUploader(t, us)
	u.active.Store(true)
	path := writeTempFile(t, 100)
	if _, err := u.UploadFile(context.Background(), path, "", ""); err == nil {
		t.Fatal("second concurrent upload should be refused")
	}
	u.active.Store(false)
}

func TestUploadStagingCleanup(t *testing.T) {
	us := newUploadServer(t)
	u := testUploader(t, us)
	staging := u.stagingDir
	path := writeTempFile(t, 3 << 20)

	if _, err := u.UploadFile(context.Background(), path, "", ""); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("staged chunk files left behind: %d", len(entries))
	}
}

func TestUploadChunkBytes(t *testing.T) {
	// The reassembled pushes must equal the source file exactly.
	us := newUploadServer(t)
	u := testUploader(t, us)
	path := writeTempFile(t, (2<<20)+777)

	if _, err := u.UploadFile(context.Background(), path, "", ""); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	var assembled bytes.Buffer
	for _, p := range us.pushes {
		assembled.Write(p.data)
	}
	want, _ := os.ReadFile(path)
	if !bytes.Equal(assembled.Bytes(), want) {
		t.Fatal("reassembled bytes differ from the source file")
	}
}
