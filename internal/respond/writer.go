// Package respond implements the response writer multiplexer: success
// (buffered or already-streamed), error, and blocked responses all go
// through one Writer, sharing header hygiene and a disconnect hook
// that feeds back into the scheduler's cancellation path.
package respond

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// hopByHopHeaders are stripped when relaying an upstream response to
// the client — connection-specific, only meaningful for one hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Writer wraps one client response. It is created once per request and
// used by whichever path ends up producing the response — the upstream
// executor for success, the orchestrator for error/blocked.
type Writer struct {
	w http.ResponseWriter
	r *http.Request

	mu          sync.Mutex
	headersSent bool
	closed      bool

	disconnectOnce sync.Once
}

// New creates a Writer around an inbound request/response pair.
func New(w http.ResponseWriter, r *http.Request) *Writer {
	return &Writer{w: w, r: r}
}

// HeadersSent reports whether status+headers have already been
// written to the client.
func (rw *Writer) HeadersSent() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.headersSent
}

// IsWritable reports whether the response can still accept writes —
// false once Finish has been called or the client has disconnected.
func (rw *Writer) IsWritable() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return !rw.closed && rw.r.Context().Err() == nil
}

// Finish marks the response as done. Idempotent.
func (rw *Writer) Finish() {
	rw.mu.Lock()
	rw.closed = true
	rw.mu.Unlock()
}

// OnDisconnect arranges for cb to be invoked exactly once if the
// client's connection goes away before Finish is called. cb must be
// idempotent requires every abort consumer to tolerate being
// signalled after it has already reached a terminal state.
func (rw *Writer) OnDisconnect(cb func()) {
	go func() {
		<-rw.r.Context().Done()
		rw.mu.Lock()
		finished := rw.closed
		rw.mu.Unlock()
		if finished {
			return
		}
		rw.disconnectOnce.Do(cb)
	}()
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// WriteHeader writes the status line and headers exactly once. It is
// used both for a fully-buffered success response (followed by one
// WriteBody call) and for an SSE response (followed by repeated
// WriteChunk calls). Returns false if headers were already sent.
func (rw *Writer) WriteHeader(statusCode int, headers http.Header) bool {
	rw.mu.Lock()
	if rw.headersSent {
		rw.mu.Unlock()
		return false
	}
	rw.headersSent = true
	rw.mu.Unlock()

	copyHeaders(rw.w.Header(), headers)
	rw.w.WriteHeader(statusCode)
	rw.flush()
	return true
}

// WriteChunk writes a body fragment and flushes immediately — the SSE
// path calls this once per event boundary so bytes reach the client as
// they arrive rather than being buffered and replayed ( step
// 6).
func (rw *Writer) WriteChunk(b []byte) (int, error) {
	n, err := rw.w.Write(b)
	rw.flush()
	return n, err
}

func (rw *Writer) flush() {
	if f, ok := rw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteBuffered writes a complete buffered success response in one
// call: headers then body. Returns false if headers were already
// sent.
func (rw *Writer) WriteBuffered(statusCode int, headers http.Header, body []byte) bool {
	if !rw.WriteHeader(statusCode, headers) {
		return false
	}
	rw.w.Write(body)
	return true
}

// errorBody is the JSON shape for Error responses.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteError writes a {error, code?} JSON error response. Refuses —
// and returns false — if headers were already sent, since a streamed
// response can't be safely rewritten mid-flight.
func (rw *Writer) WriteError(statusCode int, message, code string) bool {
	rw.mu.Lock()
	if rw.headersSent {
		rw.mu.Unlock()
		return false
	}
	rw.headersSent = true
	rw.mu.Unlock()

	body, _ := json.Marshal(errorBody{Error: message, Code: code})
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(statusCode)
	rw.w.Write(body)
	rw.flush()
	return true
}

// WriteBlocked writes a rule-supplied canned response. statusCode 0
// defaults to 200.
func (rw *Writer) WriteBlocked(statusCode int, body string) bool {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	rw.mu.Lock()
	if rw.headersSent {
		rw.mu.Unlock()
		return false
	}
	rw.headersSent = true
	rw.mu.Unlock()

	if body != "" {
		rw.w.Header().Set("Content-Type", "application/json")
	}
	rw.w.WriteHeader(statusCode)
	if body != "" {
		rw.w.Write([]byte(body))
	}
	rw.flush()
	return true
}
