// Package scheduler is the bounded-concurrency manager: one worker pool
// per route-queue key, each owning a priority queue, an active-worker
// count, and a configuration snapshot. It is the largest single
// component of the system — admission, dispatch, queue-wait timeout,
// and cancellation all live here.
//
// One mutex per queue key guards that key's queue, active count, and
// config together, since admission and dispatch must be serialized
// with counter mutation, not just read-consistent.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/queue"
)

// RunFunc executes an admitted task. It is called with the task's
// context (cancelled on abort) and must return once the task reaches a
// terminal state; the manager releases the worker slot and dispatches
// the next waiter only after RunFunc returns.
type RunFunc func(ctx context.Context, task *Task)

// QueueStats is a read-only snapshot of one queue key's bookkeeping
//.
type QueueStats struct {
	ActiveWorkers  int
	QueueLength    int
	TotalEnqueued  int
	TotalCompleted int
	TotalRejected  int
	TotalTimedOut  int
}

// waiter is the payload stored in a queue.Item while a task is waiting
// for a worker slot.
type waiter struct {
	task     *Task
	run      RunFunc
	onReject func(error)
	timer    *time.Timer
}

type queueState struct {
	mu     sync.Mutex
	q      *queue.Queue
	active int
	cfg    config.ConcurrencyConfig
	stats  QueueStats
}

// Manager is the concurrency manager. One Manager serves every route
// queue key in the process; per-key state is created lazily on first
// use and never removed (route-queue keys are a small, bounded set
// drawn from configuration).
type Manager struct {
	cfgFor func(queueKey string) config.ConcurrencyConfig

	mu     sync.Mutex
	states map[string]*queueState

	nextID atomic.Uint64
}

// NewManager creates a Manager. cfgFor resolves a queue key to its
// concurrency configuration (route-queue override, or the global
// default) — see config.Config.ConcurrencyFor.
func NewManager(cfgFor func(queueKey string) config.ConcurrencyConfig) *Manager {
	return &Manager{
		cfgFor: cfgFor,
		states: make(map[string]*queueState),
	}
}

func (m *Manager) stateFor(queueKey string) *queueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[queueKey]
	if !ok {
		st = &queueState{q: queue.New(), cfg: m.cfgFor(queueKey)}
		m.states[queueKey] = st
	}
	return st
}

// Rebind replaces every queue key's configuration with cfgFor's current
// answer, without touching queue contents or active counts. Call this
// after a config reload.
func (m *Manager) Rebind(cfgFor func(queueKey string) config.ConcurrencyConfig) {
	m.mu.Lock()
	m.cfgFor = cfgFor
	states := make(map[string]*queueState, len(m.states))
	for k, v := range m.states {
		states[k] = v
	}
	m.mu.Unlock()

	for key, st := range states {
		st.mu.Lock()
		st.cfg = cfgFor(key)
		st.mu.Unlock()
	}
}

// Submit admits a task onto queueKey. Exactly one of three
// things happens before Submit returns:
//
//   - the fast path: a free worker and an empty queue mean the task
//     starts immediately, run on its own goroutine;
//   - immediate rejection: the queue is already at capacity, onReject
//     fires synchronously with ReasonQueueFull and the returned Task is
//     already terminal;
//   - enqueue: the task waits, with a wait timer armed for
//     queueWaitTimeoutSec; onReject fires later, from the timer or from
//     an administrative ClearQueue, if the task is still waiting then.
//
// parent is the context to derive the task's own cancellable context
// from — typically the inbound HTTP request's context.
func (m *Manager) Submit(parent context.Context, queueKey, clientID string, priority int, request any, run RunFunc, onReject func(error)) *Task {
	id := m.nextID.Add(1)
	task := newTask(id, clientID, queueKey, priority, request, parent)

	st := m.stateFor(queueKey)
	st.mu.Lock()

	if st.active < st.cfg.MaxWorkers && st.q.Len() == 0 {
		st.active++
		st.stats.TotalEnqueued++
		st.stats.ActiveWorkers = st.active
		st.mu.Unlock()

		task.setState(StateRunning)
		go m.runTask(st, task, run)
		return task
	}

	if st.q.Len() >= st.cfg.MaxQueueSize {
		st.stats.TotalEnqueued++
		st.stats.TotalRejected++
		st.mu.Unlock()

		task.setState(StateFailed)
		onReject(&RejectError{Reason: ReasonQueueFull})
		return task
	}

	w := &waiter{task: task, run: run, onReject: onReject}
	st.q.Push(task.ID, priority, w)
	st.stats.TotalEnqueued++
	st.stats.QueueLength = st.q.Len()
	timeout := st.cfg.QueueWaitTimeoutSec
	st.mu.Unlock()

	w.timer = time.AfterFunc(secondsToDuration(timeout), func() {
		m.onWaitTimeout(st, task, w.onReject)
	})

	return task
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// onWaitTimeout fires when a waiting task's queueWaitTimeoutSec timer
// expires. It is a no-op if the task has already been dispatched or
// cancelled in the meantime.
func (m *Manager) onWaitTimeout(st *queueState, task *Task, onReject func(error)) {
	st.mu.Lock()
	removed := st.q.Remove(task.ID)
	if removed {
		st.stats.TotalTimedOut++
		st.stats.QueueLength = st.q.Len()
	}
	st.mu.Unlock()

	if !removed {
		return
	}

	task.setState(StateTimedOut)
	task.cancel()
	onReject(&RejectError{Reason: ReasonQueueTimeout})
}

// runTask runs an admitted task to completion, then releases its
// worker slot and dispatches the next waiter, if any. Dispatch and
// slot release are serialized under the same queue-key lock so
// active never exceeds maxWorkers.
func (m *Manager) runTask(st *queueState, task *Task, run RunFunc) {
	run(task.ctx, task)

	st.mu.Lock()
	st.active--
	st.stats.TotalCompleted++

	item, ok := st.q.Pop()
	var next *waiter
	if ok {
		st.active++
		next = item.Payload.(*waiter)
	}
	st.stats.ActiveWorkers = st.active
	st.stats.QueueLength = st.q.Len()
	st.mu.Unlock()

	if next != nil {
		if next.timer != nil {
			next.timer.Stop()
		}
		next.task.setState(StateRunning)
		go m.runTask(st, next.task, next.run)
	}
}

// CancelWaiting removes a still-queued task (identified by its queue
// key and id) from its queue, stops its wait timer, and transitions it
// to Cancelled — used when a client disconnects while its task is
// still waiting for a worker slot. Returns false if the
// task was not found waiting (already dispatched, already cancelled).
func (m *Manager) CancelWaiting(queueKey string, taskID uint64) bool {
	st := m.stateFor(queueKey)

	st.mu.Lock()
	item, ok := st.q.Find(taskID)
	if ok {
		st.q.Remove(taskID)
		st.stats.QueueLength = st.q.Len()
	}
	st.mu.Unlock()

	if !ok {
		return false
	}

	w := item.Payload.(*waiter)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.task.setState(StateCancelled)
	w.task.cancel()
	return true
}

// ClearQueue drains every waiting task on queueKey, stops their timers,
// fails them with ReasonQueueCleared, and returns the count cancelled.
// Running tasks are unaffected.
func (m *Manager) ClearQueue(queueKey string) int {
	st := m.stateFor(queueKey)

	st.mu.Lock()
	items := st.q.Drain()
	st.stats.QueueLength = 0
	st.mu.Unlock()

	for _, item := range items {
		w := item.Payload.(*waiter)
		if w.timer != nil {
			w.timer.Stop()
		}
		w.task.setState(StateCancelled)
		w.task.cancel()
		w.onReject(&RejectError{Reason: ReasonQueueCleared})
	}

	if len(items) > 0 {
		slog.Info("queue cleared", "queueKey", queueKey, "cancelled", len(items))
	}

	return len(items)
}

// Stats returns a point-in-time snapshot for queueKey.
func (m *Manager) Stats(queueKey string) QueueStats {
	st := m.stateFor(queueKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.stats
	s.ActiveWorkers = st.active
	s.QueueLength = st.q.Len()
	return s
}
