package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrRateLimited signals a 429/quota response; the caller marks the
	// credential's cooldown.
	ErrRateLimited = errors.New("analysis service rate limited")
	// ErrTransient signals a 5xx or network failure worth one retry.
	ErrTransient = errors.New("analysis service transient failure")
	// ErrBadJSON signals a response that failed both parse and repair.
	ErrBadJSON = errors.New("analysis response is not valid JSON")
	// ErrContextExceeded signals the request was too large for the model.
	ErrContextExceeded = errors.New("request exceeds model context window")
	// ErrEmptyResponse signals a response with no candidates.
	ErrEmptyResponse = errors.New("analysis response contained no candidates")
)

// GenerationConfig mirrors the service's generation knobs.
type GenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopK             int     `json:"topK"`
	TopP             float64 `json:"topP"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

// DefaultGenerationConfig is the tuning used for every chunk call.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:      0.3,
		TopK:             32,
		TopP:             0.95,
		MaxOutputTokens:  16384,
		ResponseMimeType: "application/json",
	}
}

// Client issues generate-calls against the analysis service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	genConfig  GenerationConfig
}

// NewClient creates an analysis client. The HTTP client carries no overall
// timeout; per-call deadlines come from the caller's context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		genConfig:  DefaultGenerationConfig(),
	}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	FileData *fileData `json:"file_data,omitempty"`
	Text     string    `json:"text,omitempty"`
}

type fileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate performs a single generate-call for one chunk: file reference plus
// prompt in, parsed Document out. The response text is fence-stripped; if it
// does not parse, one repair pass is attempted before failing with ErrBadJSON.
func (c *Client) Generate(ctx context.Context, secret, fileURI, mimeType, model, prompt string) (*Document, error) {
	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{
				{FileData: &fileData{MimeType: mimeType, FileURI: fileURI}},
				{Text: prompt},
			},
		}},
		GenerationConfig: c.genConfig,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, body)
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrBadJSON, err)
	}
	if gr.Error != nil {
		return nil, classifyHTTPError(gr.Error.Code, body)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, ErrEmptyResponse
	}

	return DecodeDocument(gr.Candidates[0].Content.Parts[0].Text)
}

// DecodeDocument parses the model's JSON text, tolerating code fences and
// attempting exactly one repair pass on truncated output.
func DecodeDocument(text string) (*Document, error) {
	raw := StripFences(text)

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err == nil {
		return &doc, nil
	}

	repaired := RepairJSON(raw)
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return &doc, nil
}

func classifyHTTPError(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, msg)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "token"):
		return fmt.Errorf("%w: %s", ErrContextExceeded, msg)
	default:
		return fmt.Errorf("analysis service rejected request: status %d: %s", status, msg)
	}
}

// Retriable reports whether a chunk-level error is worth one in-job retry.
// Deadline breaches are not retriable: a call that ran the full 8 minutes
// will not fare better on a second lease.
func Retriable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// SetHTTPClient overrides the transport, for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
