package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func candidateEnvelope(text string) string {
	env := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
			},
		}},
	}
	b, _ := json.Marshal(env)
	return string(b)
}

func TestGenerate_Success(t *testing.T) {
	doc := `{"clean_script":"welcome","summary":"intro","chapters":[{"title":"t","start_time":"00:00","end_time":"01:00"}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "secret-1" {
			t.Errorf("Expected key=secret-1, got %s", r.URL.Query().Get("key"))
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		gc, ok := req["generationConfig"].(map[string]any)
		if !ok || gc["responseMimeType"] != "application/json" {
			t.Errorf("Missing generation config: %v", req["generationConfig"])
		}
		w.Write([]byte(candidateEnvelope("```json\n" + doc + "\n```")))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.Generate(context.Background(), "secret-1", "files/abc", "video/mp4", "test-model", "prompt")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got.CleanScript != "welcome" {
		t.Errorf("Expected clean_script 'welcome', got %q", got.CleanScript)
	}
	if len(got.Chapters) != 1 {
		t.Errorf("Expected 1 chapter, got %d", len(got.Chapters))
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":429,"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), "s", "files/abc", "video/mp4", "m", "p")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), "s", "files/abc", "video/mp4", "m", "p")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Expected ErrTransient, got %v", err)
	}
}

func TestGenerate_ContextExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"input exceeds the maximum token count"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), "s", "files/abc", "video/mp4", "m", "p")
	if !errors.Is(err, ErrContextExceeded) {
		t.Fatalf("Expected ErrContextExceeded, got %v", err)
	}
}

func TestGenerate_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Generate(context.Background(), "s", "files/abc", "video/mp4", "m", "p")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestRetriable(t *testing.T) {
	if !Retriable(ErrRateLimited) || !Retriable(ErrTransient) {
		t.Error("Rate-limit and transient errors should be retriable")
	}
	if Retriable(ErrBadJSON) || Retriable(ErrContextExceeded) || Retriable(context.DeadlineExceeded) {
		t.Error("Bad JSON, context-exceeded and deadline errors should not be retriable")
	}
}
