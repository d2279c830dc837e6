package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/AnTengye/contractreview/config"
)

const maxEngineResponseBytes = 16 << 20

// profilePrefixes maps a normalizer profile to the engine route serving it.
var profilePrefixes = map[string]string{
	"analyzer": "/api/analyzer",
	"review":   "/api/reviews",
}

// EngineClient talks to the analysis engine over HTTP.
type EngineClient struct {
	config     *config.EngineConfig
	prefix     string
	httpClient *http.Client
}

type engineUploadResponse struct {
	ID         string `json:"id"`
	BackendRef string `json:"backend_ref,omitempty"`
}

type engineAnalyzeResponse struct {
	ID string `json:"id,omitempty"`
}

func NewEngineClient(cfg *config.EngineConfig) *EngineClient {
	prefix, ok := profilePrefixes[cfg.Profile]
	if !ok {
		prefix = profilePrefixes["review"]
	}
	return &EngineClient{
		config: cfg,
		prefix: prefix,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// UploadDocument sends the document as multipart form field "file".
func (c *EngineClient) UploadDocument(ctx context.Context, jobID string, doc Document) (UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, doc.Name))
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return UploadResult{}, fmt.Errorf("failed to write form part: %w", err)
	}
	if err := writer.WriteField("client_job_id", jobID); err != nil {
		return UploadResult{}, fmt.Errorf("failed to write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("upload"), &body)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return UploadResult{}, err
	}

	var result engineUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return UploadResult{}, fmt.Errorf("failed to parse response: %w, body: %s", err, snippet(respBody))
	}
	if result.ID == "" {
		return UploadResult{}, fmt.Errorf("upload response has no document id")
	}

	ref := result.BackendRef
	if ref == "" {
		ref = result.ID
	}
	return UploadResult{JobID: result.ID, BackendRef: ref}, nil
}

// TriggerAnalysis starts analysis of an uploaded document.
func (c *EngineClient) TriggerAnalysis(ctx context.Context, backendRef string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(url.PathEscape(backendRef), "analyze"), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return "", nil
	}

	// the analyze response may be a partial record; only its id matters here
	var result engineAnalyzeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w, body: %s", err, snippet(respBody))
	}
	return result.ID, nil
}

// FetchResult returns the full analysis record as raw JSON.
func (c *EngineClient) FetchResult(ctx context.Context, backendRef string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(url.PathEscape(backendRef)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("result is not valid JSON, body: %s", snippet(respBody))
	}
	return json.RawMessage(respBody), nil
}

func (c *EngineClient) endpoint(parts ...string) string {
	return strings.TrimRight(c.config.APIURL, "/") + c.prefix + "/" + strings.Join(parts, "/")
}

// do sends req and returns the body of a 2xx response.
func (c *EngineClient) do(req *http.Request) ([]byte, error) {
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine returned HTTP %d: %s", resp.StatusCode, errorDetail(body))
	}
	return body, nil
}

// errorDetail pulls a message out of a JSON error body, falling back to the raw text.
func errorDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s, ok := payload[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return snippet(body)
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
