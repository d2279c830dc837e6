package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AnTengye/contractreview/config"
)

func newTestEngine(url, profile string) *EngineClient {
	return NewEngineClient(&config.EngineConfig{
		APIURL:   url,
		APIToken: "test-token",
		Profile:  profile,
		Timeout:  5 * time.Second,
	})
}

func TestNewEngineClient(t *testing.T) {
	cfg := &config.EngineConfig{APIURL: "https://engine.test", Profile: "analyzer", Timeout: time.Second}

	c := NewEngineClient(cfg)
	if c.config != cfg {
		t.Error("Expected config to be set")
	}
	if c.prefix != "/api/analyzer" {
		t.Errorf("Expected analyzer prefix, got %s", c.prefix)
	}
	if c.httpClient.Timeout != time.Second {
		t.Errorf("Expected 1s timeout, got %v", c.httpClient.Timeout)
	}

	c = NewEngineClient(&config.EngineConfig{APIURL: "https://engine.test", Profile: "unknown"})
	if c.prefix != "/api/reviews" {
		t.Errorf("Expected review prefix as fallback, got %s", c.prefix)
	}
}

func TestEngineUploadDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/reviews/upload" {
			t.Errorf("Expected /api/reviews/upload, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Error("Expected Authorization header")
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("Expected file field: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "contract.pdf" {
			t.Errorf("Expected filename contract.pdf, got %s", header.Filename)
		}
		if string(data) != "%PDF-1.4" {
			t.Errorf("Unexpected file content %q", data)
		}
		if r.FormValue("client_job_id") != "job-1" {
			t.Errorf("Expected client_job_id job-1, got %s", r.FormValue("client_job_id"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "remote-1", "filename": "contract.pdf"}`))
	}))
	defer server.Close()

	c := newTestEngine(server.URL, "review")
	result, err := c.UploadDocument(context.Background(), "job-1", Document{
		Name:        "contract.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4"),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.JobID != "remote-1" {
		t.Errorf("Expected remote-1, got %s", result.JobID)
	}
	if result.BackendRef != "remote-1" {
		t.Errorf("Expected backend ref to default to id, got %s", result.BackendRef)
	}
}

func TestEngineUploadDocumentBackendRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "remote-1", "backend_ref": "ref-9"}`))
	}))
	defer server.Close()

	result, err := newTestEngine(server.URL, "analyzer").UploadDocument(context.Background(), "job-1", Document{Name: "a.pdf", Data: []byte("x")})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.BackendRef != "ref-9" {
		t.Errorf("Expected ref-9, got %s", result.BackendRef)
	}
}

func TestEngineUploadDocumentMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"filename": "a.pdf"}`))
	}))
	defer server.Close()

	_, err := newTestEngine(server.URL, "review").UploadDocument(context.Background(), "job-1", Document{Name: "a.pdf", Data: []byte("x")})
	if err == nil {
		t.Error("Expected error for response without id")
	}
}

func TestEngineErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"detail field", `{"detail": "Unsupported file type"}`, "Unsupported file type"},
		{"error field", `{"error": "quota exceeded"}`, "quota exceeded"},
		{"plain text", `bad gateway`, "bad gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestEngine(server.URL, "review").FetchResult(context.Background(), "ref-1")
			if err == nil {
				t.Fatal("Expected error for non-2xx response")
			}
			if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected status and %q in error, got %v", tt.contains, err)
			}
		})
	}
}

func TestEngineTriggerAnalysis(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		switch r.URL.Path {
		case "/api/analyzer/ref-1/analyze":
			w.Write([]byte(`{"id": "ref-2", "status": "processing"}`))
		case "/api/analyzer/ref-empty/analyze":
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newTestEngine(server.URL, "analyzer")

	ref, err := c.TriggerAnalysis(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ref != "ref-2" {
		t.Errorf("Expected ref-2, got %s", ref)
	}

	ref, err = c.TriggerAnalysis(context.Background(), "ref-empty")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ref != "" {
		t.Errorf("Expected empty ref, got %s", ref)
	}
}

func TestEngineFetchResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/api/reviews/ref-1" {
			t.Errorf("Expected /api/reviews/ref-1, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"overall_risk_score": 7, "summary": "ok"}`))
	}))
	defer server.Close()

	raw, err := newTestEngine(server.URL, "review").FetchResult(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("Expected valid JSON: %v", err)
	}
	if payload["summary"] != "ok" {
		t.Errorf("Expected summary ok, got %v", payload["summary"])
	}
}

func TestEngineFetchResultInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	_, err := newTestEngine(server.URL, "review").FetchResult(context.Background(), "ref-1")
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestEngineNetworkError(t *testing.T) {
	c := newTestEngine("http://127.0.0.1:1", "review")
	_, err := c.FetchResult(context.Background(), "ref-1")
	if err == nil {
		t.Error("Expected network error")
	}
}

func TestEngineRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestEngine(server.URL, "review").TriggerAnalysis(ctx, "ref-1")
	if err == nil {
		t.Error("Expected error for cancelled context")
	}
}
