package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ccrelay/ccrelay/internal/classify"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/logsink"
	"github.com/ccrelay/ccrelay/internal/scheduler"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// fakeSink is an in-memory logsink.LogSink for tests.
type fakeSink struct {
	mu        sync.Mutex
	pending   []logsink.LogRow
	completed int
}

func (f *fakeSink) InsertPending(row logsink.LogRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, row)
}

func (f *fakeSink) UpdateCompleted(clientID string, statusCode *int, responseBody *string, durationMs int64, success bool, errorMessage *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count() (pending, completed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), f.completed
}

func testConfig(upstreamURL string) *config.Config {
	conc := config.ConcurrencyConfig{MaxWorkers: 2, MaxQueueSize: 2, QueueWaitTimeoutSec: 5}
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8089},
		Providers: map[string]config.ProviderConfig{
			"p1": {Name: "p1", BaseURL: upstreamURL, Mode: "passthrough", ProviderType: "anthropic", Enabled: true},
		},
		DefaultProvider: "p1",
		Concurrency:     &conc,
		ProxyTimeoutSec: 30,
	}
}

func newTestOrchestrator(t *testing.T, upstreamURL string) (*Orchestrator, *fakeSink) {
	t.Helper()
	cfg := testConfig(upstreamURL)
	sink := &fakeSink{}
	selector := classify.NewProviderSelector("p1")
	sched := scheduler.NewManager(cfg.ConcurrencyFor)
	exec := upstream.New()

	o, err := New(cfg, selector, sched, exec, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, sink
}

func TestServeHTTP_SuccessfulRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	o, sink := newTestOrchestrator(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	// ServeHTTP returns only once the task's goroutine has relayed the
	// response and logged the completed row; the short sleep is slack.
	time.Sleep(100 * time.Millisecond)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	pending, completed := sink.count()
	if pending != 1 || completed != 1 {
		t.Errorf("expected 1 pending and 1 completed row, got %d/%d", pending, completed)
	}
}

func TestServeHTTP_BlockRule(t *testing.T) {
	o, sink := newTestOrchestrator(t, "http://unused.invalid")
	cfg := testConfig("http://unused.invalid")
	cfg.Routing.Block = []config.RouteRule{
		{Path: "/blocked", ResponseCode: 403, ResponseBody: `{"error":"blocked"}`},
	}
	if err := o.Rebind(cfg); err != nil {
		t.Fatalf("Rebind: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/blocked", nil)
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"blocked"}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	_, completed := sink.count()
	if completed != 1 {
		t.Errorf("expected blocked request to log as completed, got %d", completed)
	}
}

func TestServeHTTP_UnknownProvider(t *testing.T) {
	o, _ := newTestOrchestrator(t, "http://unused.invalid")
	cfg := testConfig("http://unused.invalid")
	cfg.Routing.Route = []config.RouteRule{
		{Path: "/custom", ProviderID: "missing"},
	}
	if err := o.Rebind(cfg); err != nil {
		t.Fatalf("Rebind: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/custom", nil)
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestServeHTTP_QueueFullRejectsWithoutUpstreamCall(t *testing.T) {
	var calls int
	var mu sync.Mutex
	block := make(chan struct{})

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	defer close(block)

	cfg := testConfig(up.URL)
	cfg.Concurrency = &config.ConcurrencyConfig{MaxWorkers: 1, MaxQueueSize: 0, QueueWaitTimeoutSec: 5}
	sink := &fakeSink{}
	selector := classify.NewProviderSelector("p1")
	sched := scheduler.NewManager(cfg.ConcurrencyFor)
	exec := upstream.New()
	o, err := New(cfg, selector, sched, exec, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		rec := httptest.NewRecorder()
		o.ServeHTTP(rec, req)
	}()
	time.Sleep(50 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec2 := httptest.NewRecorder()
	o.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for rejected request, got %d", rec2.Code)
	}
	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", gotCalls)
	}
}
