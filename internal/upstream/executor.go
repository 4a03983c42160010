// Package upstream is the executor: opens the outbound
// connection to a provider, distinguishes buffered from SSE responses,
// streams SSE chunks through as they arrive instead of buffering the
// whole response, retries once on a small 429, and maps connection
// versus HTTP-level failures to distinct error kinds.
//
// The transport is pooled with no overall client timeout — streaming
// responses can run for minutes, and the queue-wait timeout and client
// disconnect are what bound a stuck request, not a transport deadline.
// SSE framing is blank-line-delimited: each event is written through
// the moment its blank line is seen, rather than buffered to EOF.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/respond"
)

// ErrKind distinguishes connection failures from HTTP-level and
// protocol-level ones, so the orchestrator can map each to a distinct
// client-facing status and error code.
type ErrKind int

const (
	ErrConnection ErrKind = iota
	ErrHTTP
	ErrProtocol
)

// Error is returned by Execute for anything that keeps a response from
// reaching the client normally. An upstream 4xx/5xx is not an Error:
// Execute relays it to the client verbatim and returns nil, so Execute
// never returns an Error of kind ErrHTTP.
type Error struct {
	Kind       ErrKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

const (
	defaultBufferCap     = 10 * 1024 * 1024 // buffered-path body cap
	defaultRetryAfterCap = 30 * time.Second
	maxConnectTimeout    = 5 * time.Second
)

// Executor issues one outbound request per task. A single Executor is
// shared process-wide; it keeps one pooled *http.Client per distinct
// connect timeout, since the connect timeout is derived from each
// route queue's queueWaitTimeoutSec.
type Executor struct {
	bufferCap     int64
	retryAfterCap time.Duration

	mu      sync.Mutex
	clients map[time.Duration]*http.Client
}

// New creates an Executor with the default body cap and Retry-After
// cap.
func New() *Executor {
	return &Executor{
		bufferCap:     defaultBufferCap,
		retryAfterCap: defaultRetryAfterCap,
		clients:       make(map[time.Duration]*http.Client),
	}
}

func connectTimeoutFor(queueWaitTimeoutSec float64) time.Duration {
	d := time.Duration(queueWaitTimeoutSec * float64(time.Second))
	if d <= 0 || d > maxConnectTimeout {
		return maxConnectTimeout
	}
	return d
}

func (e *Executor) clientFor(connectTimeout time.Duration) *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[connectTimeout]; ok {
		return c
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// No client-level Timeout: streaming responses can run for minutes.
	// The queue-wait timer and client disconnect are what bound a stuck
	// request, not a transport deadline.
	client := &http.Client{Transport: transport}
	e.clients[connectTimeout] = client
	return client
}

// Execute sends one request upstream and relays the response through
// rw. queueWaitTimeoutSec comes from the task's route queue config and
// bounds the connect phase only.
func (e *Executor) Execute(ctx context.Context, provider config.ProviderConfig, method, path string, body []byte, headers http.Header, rw *respond.Writer, queueWaitTimeoutSec float64) error {
	client := e.clientFor(connectTimeoutFor(queueWaitTimeoutSec))

	resp, err := e.doRequest(ctx, client, provider.BaseURL+path, method, body, headers)
	if err != nil {
		return &Error{Kind: ErrConnection, StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryResp, retried := e.maybeRetry429(ctx, client, provider.BaseURL+path, method, body, headers, resp); retried {
			resp = retryResp
		}
	}

	return e.relay(ctx, resp, rw)
}

func (e *Executor) doRequest(ctx context.Context, client *http.Client, url, method string, body []byte, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.ContentLength = int64(len(body))
	return client.Do(req)
}

// maybeRetry429 implements the single 429 retry (): if
// Retry-After names a delay at or below the configured cap, sleep and
// re-issue once. Any other 429 — missing or too-large Retry-After — is
// passed through untouched, no retry.
func (e *Executor) maybeRetry429(ctx context.Context, client *http.Client, url, method string, body []byte, headers http.Header, resp *http.Response) (*http.Response, bool) {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return resp, false
	}
	secs, err := strconv.Atoi(retryAfter)
	if err != nil || secs < 0 {
		return resp, false
	}
	delay := time.Duration(secs) * time.Second
	if delay > e.retryAfterCap {
		return resp, false
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return resp, false
	}

	retryResp, err := e.doRequest(ctx, client, url, method, body, headers)
	if err != nil {
		return resp, false
	}
	return retryResp, true
}

// relay forwards resp to the client, choosing the buffered or SSE path
// by Content-Type, and tears down promptly if ctx is cancelled
// mid-stream (client disconnect or queue-level abort).
func (e *Executor) relay(ctx context.Context, resp *http.Response, rw *respond.Writer) error {
	defer resp.Body.Close()

	go func() {
		<-ctx.Done()
		resp.Body.Close()
	}()

	if isSSE(resp.Header) {
		return e.streamSSE(ctx, resp, rw)
	}
	return e.relayBuffered(resp, rw)
}

func isSSE(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func (e *Executor) relayBuffered(resp *http.Response, rw *respond.Writer) error {
	limited := io.LimitReader(resp.Body, e.bufferCap)
	body, err := io.ReadAll(limited)
	if err != nil {
		if rw.HeadersSent() {
			return &Error{Kind: ErrProtocol, Message: fmt.Sprintf("reading upstream body: %v", err)}
		}
		return &Error{Kind: ErrProtocol, StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	rw.WriteBuffered(resp.StatusCode, resp.Header, body)
	return nil
}

// streamSSE writes status+headers immediately, then relays one SSE
// event at a time — buffering only the event currently being
// assembled, never the whole stream — flushing at each blank-line
// boundary so bytes reach the client as they arrive upstream.
func (e *Executor) streamSSE(ctx context.Context, resp *http.Response, rw *respond.Writer) error {
	rw.WriteHeader(resp.StatusCode, resp.Header)

	reader := bufio.NewReader(resp.Body)
	var event bytes.Buffer

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			event.WriteString(line)
		}
		if line == "\n" || line == "\r\n" {
			if event.Len() > 0 {
				rw.WriteChunk(event.Bytes())
				event.Reset()
			}
		}
		if err != nil {
			if event.Len() > 0 {
				rw.WriteChunk(event.Bytes())
			}
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				// Client or queue-level abort already closed resp.Body —
				// expected teardown, not a protocol error.
				return nil
			}
			slog.Error("sse stream read failed after headers sent", "error", err)
			return &Error{Kind: ErrProtocol, Message: fmt.Sprintf("streaming upstream response: %v", err)}
		}
	}
}
