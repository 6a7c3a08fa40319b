// Package upload streams video files to the analysis service's resumable
// file-intake endpoint. Transfers read the source in bounded windows; no code
// path buffers the whole file.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultChunkSize is the transfer window for chunked uploads.
	DefaultChunkSize = 64 << 20
	// SingleShotLimit is the size under which one finalizing segment is sent.
	SingleShotLimit = 50 << 20

	initTimeout  = 60 * time.Second
	chunkTimeout = 600 * time.Second
	pollTimeout  = 30 * time.Second

	transientAttempts = 3
)

var (
	// ErrTimedOut means wait-for-ready exceeded its computed bound. Job-fatal.
	ErrTimedOut = errors.New("upload processing timed out")
	// ErrTerminal covers 4xx rejections and FAILED processing states.
	ErrTerminal = errors.New("upload failed terminally")
	// ErrTransient covers network errors and 5xx responses that exhausted
	// the adapter's retries.
	ErrTransient = errors.New("upload transient failure")
	// ErrRateLimited is a 429 from the intake endpoint.
	ErrRateLimited = errors.New("upload rate limited")
)

// FileRef is the durable handle the service returns for an uploaded file.
// It is scoped to the credential that performed the upload.
type FileRef struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// Adapter performs resumable uploads against one intake base URL.
type Adapter struct {
	baseURL string

	initClient  *http.Client
	chunkClient *http.Client
	pollClient  *http.Client

	chunkSize       int64
	singleShotLimit int64
	pollInterval    time.Duration
}

// NewAdapter creates an upload adapter with the protocol's standard timeouts.
func NewAdapter(baseURL string) *Adapter {
	return &Adapter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		initClient:   &http.Client{Timeout: initTimeout},
		chunkClient:  &http.Client{Timeout: chunkTimeout},
		pollClient:   &http.Client{Timeout: pollTimeout},
		chunkSize:       DefaultChunkSize,
		singleShotLimit: SingleShotLimit,
		pollInterval:    2 * time.Second,
	}
}

// SetChunkSize overrides the transfer window and single-shot threshold, for
// tests.
func (a *Adapter) SetChunkSize(window, singleShotLimit int64) {
	if window > 0 {
		a.chunkSize = window
	}
	if singleShotLimit >= 0 {
		a.singleShotLimit = singleShotLimit
	}
}

// SetPollInterval overrides the wait-ready poll cadence, for tests.
func (a *Adapter) SetPollInterval(d time.Duration) {
	if d > 0 {
		a.pollInterval = d
	}
}

// Upload streams the file at path and returns its durable reference.
// Files above SingleShotLimit are sent in chunkSize windows; smaller files go
// up as one finalizing segment. progress (optional) receives cumulative sent
// bytes after every window.
func (a *Adapter) Upload(ctx context.Context, secret, path, displayName, mimeType string, progress func(sent, total int64)) (FileRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileRef{}, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileRef{}, fmt.Errorf("stat source: %w", err)
	}
	size := info.Size()

	uploadURL, err := a.initiate(ctx, secret, displayName, mimeType, size)
	if err != nil {
		return FileRef{}, err
	}

	windowSize := a.chunkSize
	if size <= a.singleShotLimit {
		windowSize = size
	}

	var ref FileRef
	for offset := int64(0); ; {
		n := windowSize
		if remaining := size - offset; n > remaining {
			n = remaining
		}
		last := offset+n >= size

		final, err := a.putSegment(ctx, uploadURL, f, offset, n, last)
		if err != nil {
			return FileRef{}, err
		}
		offset += n
		if progress != nil {
			progress(offset, size)
		}
		if last {
			ref = final
			break
		}
	}

	if ref.URI == "" || ref.Name == "" {
		return FileRef{}, fmt.Errorf("%w: finalize response carried no file reference", ErrTerminal)
	}
	return ref, nil
}

// initiate performs the resumable-start handshake and returns the session URL.
func (a *Adapter) initiate(ctx context.Context, secret, displayName, mimeType string, size int64) (string, error) {
	body, err := json.Marshal(map[string]any{
		"file": map[string]string{"displayName": displayName},
	})
	if err != nil {
		return "", err
	}

	var uploadURL string
	err = a.withRetries(ctx, "initiate", func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/upload?key="+secret, strings.NewReader(string(body)))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Goog-Upload-Protocol", "resumable")
		req.Header.Set("X-Goog-Upload-Command", "start")
		req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10))
		req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

		resp, err := a.initClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if err := classifyStatus(resp.StatusCode); err != nil {
			return resp.StatusCode >= 500, err
		}
		uploadURL = resp.Header.Get("X-Goog-Upload-URL")
		if uploadURL == "" {
			return false, fmt.Errorf("%w: missing X-Goog-Upload-URL header", ErrTerminal)
		}
		return false, nil
	})
	return uploadURL, err
}

// putSegment sends one window from the file. The final segment's response
// body carries the file reference.
func (a *Adapter) putSegment(ctx context.Context, uploadURL string, f *os.File, offset, n int64, last bool) (FileRef, error) {
	command := "upload"
	if last {
		command = "upload, finalize"
	}

	var ref FileRef
	err := a.withRetries(ctx, "transfer", func() (bool, error) {
		section := io.NewSectionReader(f, offset, n)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, section)
		if err != nil {
			return false, err
		}
		req.ContentLength = n
		req.Header.Set("X-Goog-Upload-Offset", strconv.FormatInt(offset, 10))
		req.Header.Set("X-Goog-Upload-Command", command)

		resp, err := a.chunkClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			return resp.StatusCode >= 500, err
		}
		if !last {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return false, nil
		}

		var final struct {
			File FileRef `json:"file"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&final); err != nil {
			return false, fmt.Errorf("%w: decode finalize response: %v", ErrTerminal, err)
		}
		ref = final.File
		return false, nil
	})
	return ref, err
}

type statusResponse struct {
	State string `json:"state"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// WaitReady polls the file-status endpoint until the file is ACTIVE. The
// maximum wait scales with size: min(15 min, 45s + ceil(sizeMB/10) * 18s).
func (a *Adapter) WaitReady(ctx context.Context, secret, name string, sizeBytes int64) error {
	bound := waitBound(sizeBytes)
	deadline := time.Now().Add(bound)

	for {
		state, errMsg, err := a.pollStatus(ctx, secret, name)
		if err == nil {
			switch state {
			case "ACTIVE":
				return nil
			case "FAILED":
				if errMsg == "" {
					errMsg = "processing failed"
				}
				return fmt.Errorf("%w: %s", ErrTerminal, errMsg)
			}
			// PROCESSING and anything unrecognized: keep polling.
		} else if errors.Is(err, ErrTerminal) {
			return err
		}
		// Transient poll errors also just continue until the bound.

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: file %s not ACTIVE after %v", ErrTimedOut, name, bound)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.pollInterval):
		}
	}
}

func (a *Adapter) pollStatus(ctx context.Context, secret, name string) (state, errMsg string, err error) {
	url := fmt.Sprintf("%s/v1beta/%s?key=%s", a.baseURL, name, secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := a.pollClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", "", err
	}
	var sr statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return "", "", fmt.Errorf("%w: decode status: %v", ErrTransient, err)
	}
	if sr.Error != nil {
		errMsg = sr.Error.Message
	}
	return sr.State, errMsg, nil
}

// waitBound computes the maximum wait-for-ready duration for a file size.
func waitBound(sizeBytes int64) time.Duration {
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	bound := 45*time.Second + time.Duration(math.Ceil(sizeMB/10))*18*time.Second
	if bound > 15*time.Minute {
		bound = 15 * time.Minute
	}
	return bound
}

// withRetries runs fn up to transientAttempts times. fn reports whether its
// error is worth retrying.
func (a *Adapter) withRetries(ctx context.Context, op string, fn func() (retriable bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		retriable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", op, transientAttempts, lastErr)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	default:
		return fmt.Errorf("%w: status %d", ErrTerminal, status)
	}
}
