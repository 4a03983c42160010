// Package orchestrator ties the proxy pipeline together:
// classify, transform, admit through the scheduler, execute upstream,
// and relay the response, with client-disconnect cancellation and
// request logging wired in at every step.
//
// A linear, numbered pipeline with early-return error handling, slog
// logging at each step, and time.Since latency tracking: classify ->
// transform -> scheduler.Submit -> (inside RunFunc) upstream.Execute.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccrelay/ccrelay/internal/classify"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/logsink"
	"github.com/ccrelay/ccrelay/internal/respond"
	"github.com/ccrelay/ccrelay/internal/scheduler"
	"github.com/ccrelay/ccrelay/internal/transform"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// maxRequestBody caps how much of the inbound request the orchestrator
// will buffer before handing it to a transformer or upstream.
const maxRequestBody = 10 * 1024 * 1024

// requestHopByHop are stripped from the client's request before it is
// forwarded upstream — mirrors respond.hopByHopHeaders but on the
// request side.
var requestHopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
}

// snapshot is the immutable set of derived config the Orchestrator
// evaluates each request against. Rebuilt wholesale and swapped in on
// reload — classifier and transformers rebind to a new snapshot
// atomically, and in-flight requests keep the snapshot they started
// with.
type snapshot struct {
	classifier   *classify.Classifier
	transformers map[string]*transform.Transformer
	providers    map[string]config.ProviderConfig
}

// Orchestrator wires classification, transformation, scheduling, and
// upstream execution into one request handler.
type Orchestrator struct {
	mu   chan struct{} // binary semaphore guarding snap; see Rebind
	snap snapshot

	selector    *classify.ProviderSelector
	scheduler   *scheduler.Manager
	executor    *upstream.Executor
	logSink     logsink.LogSink
	concFor     func(string) config.ConcurrencyConfig
	priorityFor func(string) int
	reqTimeout  time.Duration
}

// New builds an Orchestrator from an initial config snapshot and its
// collaborators. selector, sched, exec, and sink are long-lived and
// outlive any single config reload.
func New(cfg *config.Config, selector *classify.ProviderSelector, sched *scheduler.Manager, exec *upstream.Executor, sink logsink.LogSink) (*Orchestrator, error) {
	o := &Orchestrator{
		mu:        make(chan struct{}, 1),
		selector:  selector,
		scheduler: sched,
		executor:  exec,
		logSink:   sink,
	}
	o.mu <- struct{}{}

	if err := o.Rebind(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// Rebind recompiles the classifier and per-provider transformers from a
// new config snapshot and swaps them in atomically. In-flight requests
// keep running against the snapshot they started with.
func (o *Orchestrator) Rebind(cfg *config.Config) error {
	cl, err := classify.New(cfg.Routing, cfg.DefaultProvider)
	if err != nil {
		return fmt.Errorf("rebinding classifier: %w", err)
	}

	transformers := make(map[string]*transform.Transformer, len(cfg.Providers))
	for id, p := range cfg.Providers {
		tr, err := transform.New(p)
		if err != nil {
			return fmt.Errorf("rebinding transformer for provider %q: %w", id, err)
		}
		transformers[id] = tr
	}

	next := snapshot{classifier: cl, transformers: transformers, providers: cfg.Providers}
	o.concFor = cfg.ConcurrencyFor
	o.priorityFor = cfg.PriorityFor
	o.reqTimeout = time.Duration(cfg.ProxyTimeoutSec) * time.Second

	<-o.mu
	o.snap = next
	o.mu <- struct{}{}

	o.scheduler.Rebind(cfg.ConcurrencyFor)
	return nil
}

func (o *Orchestrator) snapshotNow() snapshot {
	<-o.mu
	s := o.snap
	o.mu <- struct{}{}
	return s
}

// ServeHTTP implements the proxy pipeline:
//  1. read and cap the request body
//  2. classify the request
//  3. block decisions short-circuit with the rule's canned response
//  4. resolve the provider and transform the request (route decisions
//     only — passthrough forwards verbatim)
//  5. admit the task through the scheduler
//  6. once running, execute it upstream and relay the response
//  7. log the row's pending and completed state throughout
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientID := uuid.NewString()
	rw := respond.New(w, r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		slog.Error("reading request body", "clientId", clientID, "error", err)
		rw.WriteError(http.StatusBadRequest, "failed to read request body", "BAD_REQUEST")
		return
	}
	if int64(len(body)) > maxRequestBody {
		rw.WriteError(http.StatusRequestEntityTooLarge, "request body too large", "PAYLOAD_TOO_LARGE")
		return
	}

	snap := o.snapshotNow()
	currentProvider := o.selector.Get()
	decision := snap.classifier.Classify(r.URL.Path, currentProvider)

	slog.Debug("classified request", "clientId", clientID, "kind", decision.Kind.String(), "rule", decision.Rule, "path", r.URL.Path)

	if decision.Kind == classify.KindBlock {
		o.logBlocked(clientID, r, decision)
		rw.WriteBlocked(decision.StatusCode, decision.ResponseBody)
		return
	}

	provider, ok := snap.providers[decision.ProviderID]
	if !ok {
		slog.Error("unknown provider", "clientId", clientID, "providerId", decision.ProviderID)
		rw.WriteError(http.StatusBadGateway, fmt.Sprintf("unknown provider %q", decision.ProviderID), "UNKNOWN_PROVIDER")
		return
	}

	reqHeaders := cloneRequestHeaders(r.Header)
	reqBody := body
	var model *string

	if decision.Kind == classify.KindRoute {
		tr, ok := snap.transformers[decision.ProviderID]
		if !ok {
			slog.Error("missing transformer for provider", "clientId", clientID, "providerId", decision.ProviderID)
			rw.WriteError(http.StatusBadGateway, fmt.Sprintf("unknown provider %q", decision.ProviderID), "UNKNOWN_PROVIDER")
			return
		}
		result, err := tr.Apply(reqBody, reqHeaders)
		if err != nil {
			slog.Error("transforming request", "clientId", clientID, "error", err)
			rw.WriteError(http.StatusBadGateway, "failed to transform request", "TRANSFORM_FAILED")
			return
		}
		reqBody = result.Body
		reqHeaders = result.Headers
		if result.Model != "" {
			model = &result.Model
		}
	}

	o.logSink.InsertPending(logsink.LogRow{
		ClientID:    clientID,
		ProviderID:  decision.ProviderID,
		Method:      r.Method,
		Path:        r.URL.Path,
		RequestBody: strPtr(string(body)),
		RouteType:   decision.Kind.String(),
		Model:       model,
	})

	queueCfg := o.concFor(decision.RouteQueueKey)
	priority := o.priorityFor(decision.RouteQueueKey)

	ctx := r.Context()
	if o.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.reqTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	markDone := func() { doneOnce.Do(func() { close(done) }) }

	run := func(taskCtx context.Context, task *scheduler.Task) {
		defer markDone()
		err := o.executor.Execute(taskCtx, provider, r.Method, r.URL.Path, reqBody, reqHeaders, rw, queueCfg.QueueWaitTimeoutSec)
		o.finish(task, rw, clientID, start, err)
	}

	onReject := func(err error) {
		defer markDone()
		o.respondRejected(rw, clientID, start, err)
	}

	task := o.scheduler.Submit(ctx, decision.RouteQueueKey, clientID, priority, nil, run, onReject)

	rw.OnDisconnect(func() {
		if task.State() == scheduler.StateRunning {
			task.Cancel()
		} else if o.scheduler.CancelWaiting(decision.RouteQueueKey, task.ID) {
			markDone()
		}
	})

	// The handler stays open until the task is relayed, rejected, or
	// cancelled while waiting: returning earlier would end the response
	// and cancel r.Context() out from under the running task.
	<-done
}

// finish is called once an admitted task's RunFunc returns — it marks
// the task's terminal state and logs the completed row. A response
// that was abandoned because the client disconnected mid-flight writes
// nothing further to the client.
func (o *Orchestrator) finish(task *scheduler.Task, rw *respond.Writer, clientID string, start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	if task.State() == scheduler.StateCancelled {
		o.logSink.UpdateCompleted(clientID, nil, nil, duration, false, strPtr("client disconnected"))
		return
	}

	if err != nil {
		task.Fail()
		statusCode, message, code := mapExecutorError(err)
		if !rw.HeadersSent() {
			rw.WriteError(statusCode, message, code)
		}
		o.logSink.UpdateCompleted(clientID, &statusCode, nil, duration, false, strPtr(message))
		return
	}

	task.Complete()
	o.logSink.UpdateCompleted(clientID, nil, nil, duration, true, nil)
}

// respondRejected handles a task that never reached Running — queue
// full, queue-wait timeout, or an administrative clear.
func (o *Orchestrator) respondRejected(rw *respond.Writer, clientID string, start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	statusCode := http.StatusServiceUnavailable
	message := err.Error()
	code := "QUEUE_FULL_OR_TIMEOUT"

	if rejErr, ok := err.(*scheduler.RejectError); ok {
		switch rejErr.Reason {
		case scheduler.ReasonQueueFull:
			message = "request queue is full"
			code = "QUEUE_FULL_OR_TIMEOUT"
		case scheduler.ReasonQueueTimeout:
			message = rejErr.Error()
			code = "QUEUE_FULL_OR_TIMEOUT"
		case scheduler.ReasonQueueCleared:
			message = "queue was cleared"
			code = "QUEUE_CLEARED"
		}
	}

	rw.WriteError(statusCode, message, code)
	o.logSink.UpdateCompleted(clientID, &statusCode, nil, duration, false, strPtr(message))
}

// logBlocked logs a block decision as an already-completed row — it
// never reaches the scheduler, so there is no separate pending phase.
func (o *Orchestrator) logBlocked(clientID string, r *http.Request, decision classify.Decision) {
	statusCode := decision.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	o.logSink.InsertPending(logsink.LogRow{
		ClientID:  clientID,
		Method:    r.Method,
		Path:      r.URL.Path,
		RouteType: decision.Kind.String(),
	})
	o.logSink.UpdateCompleted(clientID, &statusCode, strPtr(decision.ResponseBody), 0, true, nil)
}

// mapExecutorError translates an upstream.Error into a client-facing
// status, message, and error code. A non-upstream error
// (shouldn't normally occur, since Execute only returns *upstream.Error)
// falls back to a generic 502.
func mapExecutorError(err error) (statusCode int, message string, code string) {
	if uerr, ok := err.(*upstream.Error); ok {
		sc := uerr.StatusCode
		if sc == 0 {
			sc = http.StatusBadGateway
		}
		switch uerr.Kind {
		case upstream.ErrConnection:
			return sc, "failed to reach upstream provider", "UPSTREAM_CONNECTION_FAILED"
		case upstream.ErrProtocol:
			return sc, "upstream response could not be relayed", "UPSTREAM_PROTOCOL_ERROR"
		default:
			return sc, uerr.Message, "UPSTREAM_ERROR"
		}
	}
	return http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR"
}

func cloneRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, v := range src {
		if requestHopByHop[k] {
			continue
		}
		if strings.EqualFold(k, "Host") {
			continue
		}
		dst[k] = append([]string(nil), v...)
	}
	return dst
}

func strPtr(s string) *string { return &s }
