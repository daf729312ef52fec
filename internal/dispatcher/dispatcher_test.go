package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentinelcode/sentinel/internal/api"
	"github.com/sentinelcode/sentinel/internal/broker"
	"github.com/sentinelcode/sentinel/internal/metrics"
	"github.com/sentinelcode/sentinel/internal/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, broker.Broker) {
	t.Helper()
	dir := t.TempDir()
	descriptor := `{
		"name": "python",
		"displayName": "Python",
		"extension": ".py",
		"command": "python3",
		"args": ["{file}"],
		"timeout": 5000
	}`
	if err := os.WriteFile(filepath.Join(dir, "python.json"), []byte(descriptor), 0o644); err != nil {
		t.Fatalf("writing descriptor fixture: %v", err)
	}
	reg, err := registry.Load(dir, nil)
	if err != nil {
		t.Fatalf("registry.Load() error = %v", err)
	}

	b := broker.NewMemoryBroker()
	d := &Dispatcher{
		Broker:   b,
		Registry: reg,
		Topology: Topology{},
		Metrics:  metrics.New(),
	}
	return d, b
}

func TestHandleExecute_AcceptsValidSubmission(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body, _ := json.Marshal(api.ExecuteRequest{Code: "print(1)", Language: "python"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID == "" || resp.Status != api.JobQueued || resp.Message == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleExecute_RejectsUnsupportedLanguage(t *testing.T) {
	d, _ := newTestDispatcher(t)

	body, _ := json.Marshal(api.ExecuteRequest{Code: "print(1)", Language: "brainfuck"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp api.ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Message == "" {
		t.Error("expected a message explaining the unsupported language")
	}
}

func TestHandleJobStatus_UnknownJobReturns404(t *testing.T) {
	d, _ := newTestDispatcher(t)

	req := httptest.NewRequest(http.MethodGet, "/job/does-not-exist", nil)
	rec := httptest.NewRecorder()

	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp api.JobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Message != "Job not found" {
		t.Errorf("expected 'Job not found' message, got %q", resp.Message)
	}
}

func TestHandleLanguages_ListsRegisteredLanguages(t *testing.T) {
	d, _ := newTestDispatcher(t)

	req := httptest.NewRequest(http.MethodGet, "/languages", nil)
	rec := httptest.NewRecorder()

	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp api.LanguagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 1 || resp.Languages[0].Name != "python" {
		t.Errorf("unexpected languages response: %+v", resp)
	}
}

func TestHandleHealth_ReportsOKWhenBrokerReachable(t *testing.T) {
	d, _ := newTestDispatcher(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != api.HealthHealthy {
		t.Errorf("expected status %q, got %q", api.HealthHealthy, resp.Status)
	}
	if q, ok := resp.Queues["python"]; !ok || q != api.HealthHealthy {
		t.Errorf("expected python queue healthy, got %q (present=%v)", q, ok)
	}
}

func TestHandleLoad_ReportsQueueDepths(t *testing.T) {
	d, b := newTestDispatcher(t)
	if err := b.Add(context.Background(), "python-executor", api.Job{ID: "job-1", Language: "python"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/load", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp api.LoadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.TotalWaiting != 1 {
		t.Errorf("expected total waiting=1, got %d", resp.TotalWaiting)
	}
	var found bool
	for _, c := range resp.Containers {
		if c.Language != "python" {
			continue
		}
		found = true
		if c.TotalJobs != 1 {
			t.Errorf("expected totalJobs=1, got %d", c.TotalJobs)
		}
	}
	if !found {
		t.Fatal("expected a python queue snapshot")
	}
}

