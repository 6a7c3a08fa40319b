package upload

import (
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
	"time"
)

// fakeIntake implements enough of the resumable protocol to validate the
// adapter's header and offset discipline.
type fakeIntake struct {
	t *testing.T

	mu       sync.Mutex
	received []byte
	segments int
	states   []string // consumed by status polls, last one repeats
	polls    int

	failFirstSegment bool
	failedOnce       bool
}

func (fi *fakeIntake) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", fi.handleInit)
	mux.HandleFunc("/session", fi.handleSegment)
	mux.HandleFunc("/v1beta/", fi.handleStatus)
	return mux
}

func (fi *fakeIntake) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		fi.t.Errorf("Init used method %s", r.Method)
	}
	if r.URL.Query().Get("key") != "secret-0" {
		fi.t.Errorf("Init missing credential, query: %s", r.URL.RawQuery)
	}
	if got := r.Header.Get("X-Goog-Upload-Protocol"); got != "resumable" {
		fi.t.Errorf("Expected resumable protocol header, got %q", got)
	}
	if got := r.Header.Get("X-Goog-Upload-Command"); got != "start" {
		fi.t.Errorf("Expected start command, got %q", got)
	}
	if r.Header.Get("X-Goog-Upload-Header-Content-Length") == "" {
		fi.t.Error("Init missing declared content length")
	}
	if got := r.Header.Get("X-Goog-Upload-Header-Content-Type"); got != "video/mp4" {
		fi.t.Errorf("Expected declared mime video/mp4, got %q", got)
	}
	var body struct {
		File struct {
			DisplayName string `json:"displayName"`
		} `json:"file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.File.DisplayName == "" {
		fi.t.Errorf("Init body malformed: %v", err)
	}

	w.Header().Set("X-Goog-Upload-URL", "http://"+r.Host+"/session")
	w.WriteHeader(http.StatusOK)
}

func (fi *fakeIntake) handleSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		fi.t.Errorf("Segment used method %s", r.Method)
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()

	if fi.failFirstSegment && !fi.failedOnce {
		fi.failedOnce = true
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("X-Goog-Upload-Offset"), 10, 64)
	if err != nil {
		fi.t.Errorf("Segment offset unparseable: %v", err)
	}
	if offset != int64(len(fi.received)) {
		fi.t.Errorf("Segment offset %d, server has %d bytes", offset, len(fi.received))
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		fi.t.Errorf("Segment read failed: %v", err)
	}
	fi.received = append(fi.received, data...)
	fi.segments++

	switch command := r.Header.Get("X-Goog-Upload-Command"); command {
	case "upload":
		w.WriteHeader(http.StatusOK)
	case "upload, finalize":
		json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]string{
				"uri":  "http://files.test/abc123",
				"name": "files/abc123",
			},
		})
	default:
		fi.t.Errorf("Unexpected segment command %q", command)
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (fi *fakeIntake) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1beta/files/abc123" {
		fi.t.Errorf("Status polled wrong path %s", r.URL.Path)
	}
	if r.URL.Query().Get("key") != "secret-0" {
		fi.t.Error("Status poll missing credential")
	}

	fi.mu.Lock()
	idx := fi.polls
	if idx >= len(fi.states) {
		idx = len(fi.states) - 1
	}
	state := fi.states[idx]
	fi.polls++
	fi.mu.Unlock()

	resp := map[string]any{"state": state}
	if state == "FAILED" {
		resp["error"] = map[string]string{"message": "transcode rejected"}
	}
	json.NewEncoder(w).Encode(resp)
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "video.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestUpload_SingleShot(t *testing.T) {
	fi := &fakeIntake{t: t, states: []string{"ACTIVE"}}
	srv := httptest.NewServer(fi.handler())
	defer srv.Close()

	a := NewAdapter(srv.URL)
	path := writeTempFile(t, 4096)

	var lastSent, lastTotal int64
	ref, err := a.Upload(context.Background(), "secret-0", path, "video.mp4", "video/mp4", func(sent, total int64) {
		lastSent, lastTotal = sent, total
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if ref.URI != "http://files.test/abc123" || ref.Name != "files/abc123" {
		t.Errorf("Unexpected file ref: %+v", ref)
	}
	if fi.segments != 1 {
		t.Errorf("Expected 1 segment for small file, got %d", fi.segments)
	}
	if len(fi.received) != 4096 {
		t.Errorf("Server received %d bytes, want 4096", len(fi.received))
	}
	if lastSent != 4096 || lastTotal != 4096 {
		t.Errorf("Progress ended at %d/%d", lastSent, lastTotal)
	}
}

func TestUpload_ChunkedOffsets(t *testing.T) {
	fi := &fakeIntake{t: t, states: []string{"ACTIVE"}}
	srv := httptest.NewServer(fi.handler())
	defer srv.Close()

	a := NewAdapter(srv.URL)
	a.SetChunkSize(1000, 0) // force the chunked path for a small file

	const size = 3500
	path := writeTempFile(t, size)

	var sentAt []int64
	ref, err := a.Upload(context.Background(), "secret-0", path, "video.mp4", "video/mp4", func(sent, total int64) {
		sentAt = append(sentAt, sent)
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	want := []int64{1000, 2000, 3000, 3500}
	if len(sentAt) != len(want) {
		t.Fatalf("Progress callbacks %v, want %v", sentAt, want)
	}
	for i := range want {
		if sentAt[i] != want[i] {
			t.Errorf("Progress %d: got %d, want %d", i, sentAt[i], want[i])
		}
	}

	if fi.segments != 4 {
		t.Errorf("Expected 4 segments, got %d", fi.segments)
	}
	if len(fi.received) != size {
		t.Errorf("Server received %d bytes, want %d", len(fi.received), size)
	}
	if ref.Name != "files/abc123" {
		t.Errorf("Finalize did not return the file ref: %+v", ref)
	}
}

func TestUpload_RetriesTransientSegment(t *testing.T) {
	fi := &fakeIntake{t: t, states: []string{"ACTIVE"}, failFirstSegment: true}
	srv := httptest.NewServer(fi.handler())
	defer srv.Close()

	a := NewAdapter(srv.URL)
	path := writeTempFile(t, 1024)

	ref, err := a.Upload(context.Background(), "secret-0", path, "video.mp4", "video/mp4", nil)
	if err != nil {
		t.Fatalf("Upload should survive one 502, got %v", err)
	}
	if ref.Name == "" {
		t.Error("Missing file ref after retry")
	}
	if len(fi.received) != 1024 {
		t.Errorf("Server received %d bytes, want 1024", len(fi.received))
	}
}

func TestUpload_TerminalRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL)
	path := writeTempFile(t, 128)

	_, err := a.Upload(context.Background(), "secret-0", path, "video.mp4", "video/mp4", nil)
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("Expected ErrTerminal on 400, got %v", err)
	}
}

func TestWaitReady_PollsUntilActive(t *testing.T) {
	fi := &fakeIntake{t: t, states: []string{"PROCESSING", "PROCESSING", "ACTIVE"}}
	srv := httptest.NewServer(fi.handler())
	defer srv.Close()

	a := NewAdapter(srv.URL)
	a.SetPollInterval(5 * time.Millisecond)

	if err := a.WaitReady(context.Background(), "secret-0", "files/abc123", 1<<20); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if fi.polls != 3 {
		t.Errorf("Expected 3 polls, got %d", fi.polls)
	}
}

func TestWaitReady_Failed(t *testing.T) {
	fi := &fakeIntake{t: t, states: []string{"FAILED"}}
	srv := httptest.NewServer(fi.handler())
	defer srv.Close()

	a := NewAdapter(srv.URL)
	err := a.WaitReady(context.Background(), "secret-0", "files/abc123", 1<<20)
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("Expected ErrTerminal for FAILED state, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "transcode rejected") {
		t.Errorf("Expected server error message surfaced, got %v", err)
	}
}

func TestWaitReady_Cancelled(t *testing.T) {
	fi := &fakeIntake{t: t, states: []string{"PROCESSING"}}
	srv := httptest.NewServer(fi.handler())
	defer srv.Close()

	a := NewAdapter(srv.URL)
	a.SetPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	err := a.WaitReady(ctx, "secret-0", "files/abc123", 1<<20)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline, got %v", err)
	}
}

func TestWaitBound(t *testing.T) {
	cases := []struct {
		sizeMB int64
		want   time.Duration
	}{
		{10, 45*time.Second + 18*time.Second},
		{100, 45*time.Second + 180*time.Second},
		{1000, 15 * time.Minute}, // capped
	}
	for _, tc := range cases {
		got := waitBound(tc.sizeMB << 20)
		if got != tc.want {
			t.Errorf("waitBound(%dMB) = %v, want %v", tc.sizeMB, got, tc.want)
		}
	}
}
