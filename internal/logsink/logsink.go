// Package logsink is the concrete LogSink: a hash-chained,
// SQLite-indexed, two-phase request log. A row is inserted `pending`
// at task admission and updated to `completed` at the task's terminal
// state; the tamper-evident hash chain is computed once a row's final
// content is known, at the completed update, not at the pending
// insert.
//
// A SHA-256 hash chain over completed rows (chain.go) makes tampering
// detectable, and a glebarez/go-sqlite index (index.go) serves fast
// lookups. One goroutine owns the running sequence number and last
// hash, so no mutex is needed around chain state — only the public
// InsertPending / UpdateCompleted calls cross a goroutine boundary,
// over a channel.
package logsink

import (
	"log/slog"
	"time"
)

// LogRow is one request's log record. Optional fields are
// pointers so "not yet known" (still pending) is distinguishable from
// a genuine zero value.
type LogRow struct {
	ClientID     string
	ProviderID   string
	Method       string
	Path         string
	RequestBody  *string
	RouteType    string
	Model        *string
	StatusCode   *int
	ResponseBody *string
	DurationMs   int64
	Success      bool
	ErrorMessage *string
	Status       string // "pending" | "completed"
}

// LogSink is the interface the orchestrator depends on —
// satisfied structurally by *Sink, and trivially fakeable in tests.
type LogSink interface {
	InsertPending(row LogRow)
	UpdateCompleted(clientID string, statusCode *int, responseBody *string, durationMs int64, success bool, errorMessage *string)
	Close() error
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
)

type op struct {
	kind opKind
	row  LogRow

	clientID     string
	statusCode   *int
	responseBody *string
	durationMs   int64
	success      bool
	errorMessage *string
}

const (
	opBufferSize  = 1024
	flushInterval = 200 * time.Millisecond
	flushBatch    = 50
)

// Sink is the concrete, batched, hash-chained LogSink.
type Sink struct {
	index *sqliteIndex

	ops  chan op
	done chan struct{}

	seq      uint64
	lastHash string
}

// Open creates or opens a log sink backed by a SQLite database at path.
func Open(path string) (*Sink, error) {
	idx, err := openIndex(path)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		index:    idx,
		ops:      make(chan op, opBufferSize),
		done:     make(chan struct{}),
		lastHash: genesisHash,
	}

	seq, lastHash, err := idx.recoverChainState()
	if err != nil {
		idx.close()
		return nil, err
	}
	s.seq = seq
	if lastHash != "" {
		s.lastHash = lastHash
	}

	go s.run()
	return s, nil
}

// InsertPending is fire-and-forget and batched: it never
// blocks the caller. An overflowing buffer drops the row and logs —
// the log sink's own failure must never affect request handling
// (: "if the log sink itself fails it is dropped").
func (s *Sink) InsertPending(row LogRow) {
	row.Status = "pending"
	select {
	case s.ops <- op{kind: opInsert, row: row}:
	default:
		slog.Warn("log sink buffer full, dropping pending row", "clientId", row.ClientID)
	}
}

// UpdateCompleted is fire-and-forget and batched, matching InsertPending.
func (s *Sink) UpdateCompleted(clientID string, statusCode *int, responseBody *string, durationMs int64, success bool, errorMessage *string) {
	select {
	case s.ops <- op{
		kind:         opUpdate,
		clientID:     clientID,
		statusCode:   statusCode,
		responseBody: responseBody,
		durationMs:   durationMs,
		success:      success,
		errorMessage: errorMessage,
	}:
	default:
		slog.Warn("log sink buffer full, dropping completed update", "clientId", clientID)
	}
}

// Close stops the writer goroutine after draining pending ops and
// closes the underlying database.
func (s *Sink) Close() error {
	close(s.ops)
	<-s.done
	return s.index.close()
}

// Counts returns the total, completed, and pending row counts. Used by
// `ccrelay status` to summarize the request log (formatted there with
// dustin/go-humanize for readability).
func (s *Sink) Counts() (total, completed, pending int64, err error) {
	return s.index.counts()
}

// run is the single goroutine that owns seq/lastHash and the
// database connection — no lock needed, only the channel send in
// InsertPending/UpdateCompleted crosses goroutines.
func (s *Sink) run() {
	defer close(s.done)

	batch := make([]op, 0, flushBatch)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.applyBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case o, ok := <-s.ops:
			if !ok {
				flush()
				return
			}
			batch = append(batch, o)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) applyBatch(batch []op) {
	for _, o := range batch {
		switch o.kind {
		case opInsert:
			if err := s.index.insertPending(o.row); err != nil {
				slog.Error("log sink insert failed", "clientId", o.row.ClientID, "error", err)
			}
		case opUpdate:
			s.seq++
			hash := computeHash(s.lastHash, s.seq, o.clientID, o.statusCode, o.success)
			prevHash := s.lastHash
			s.lastHash = hash
			if err := s.index.updateCompleted(o.clientID, o.statusCode, o.responseBody, o.durationMs, o.success, o.errorMessage, s.seq, prevHash, hash); err != nil {
				slog.Error("log sink update failed", "clientId", o.clientID, "error", err)
			}
		}
	}
}
