package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the follower's connection state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	pingInterval        = 30 * time.Second
	switchResultTimeout = 5 * time.Second

	backoffBase   = time.Second
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	maxAttempts   = 10
)

// Callbacks the follower invokes as messages arrive. All are optional.
type Callbacks struct {
	OnProviderChanged func(providerID, providerName string)
	OnServerStopping  func()
	OnStateChange     func(ConnState)
}

// Follower is the follower side of the coordination channel: it
// connects to the leader's control endpoint, keeps the connection
// alive with periodic pings, and reconnects with exponential backoff
// on an unintentional drop.
type Follower struct {
	url    string
	dialer *websocket.Dialer
	cb     Callbacks

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	reconnectAttempt int
	stopped          bool
	pendingSwitch    chan *SwitchResultPayload
}

// NewFollower creates a follower pointed at the leader's control
// channel URL (ws:// or wss://).
func NewFollower(url string, cb Callbacks) *Follower {
	return &Follower{
		url:    url,
		dialer: websocket.DefaultDialer,
		cb:     cb,
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (f *Follower) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Follower) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	cb := f.cb.OnStateChange
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Run connects and stays connected (reconnecting as needed) until ctx
// is cancelled or Stop is called. It returns once no more reconnect
// attempts will be made.
func (f *Follower) Run(ctx context.Context) {
	for {
		f.mu.Lock()
		stopped := f.stopped
		f.mu.Unlock()
		if stopped {
			return
		}

		err := f.connectAndServe(ctx)

		f.mu.Lock()
		intentional := f.stopped
		f.mu.Unlock()
		if intentional {
			f.setState(StateDisconnected)
			return
		}
		if err == errServerStopping {
			f.setState(StateDisconnected)
			return
		}

		f.setState(StateError)

		f.mu.Lock()
		f.reconnectAttempt++
		attempt := f.reconnectAttempt
		f.mu.Unlock()

		if attempt > maxAttempts {
			slog.Error("coordination channel giving up after max reconnect attempts", "attempts", attempt-1)
			return
		}

		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop closes the connection intentionally; Run will not reconnect
// after this.
func (f *Follower) Stop() {
	f.mu.Lock()
	f.stopped = true
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

var errServerStopping = fmt.Errorf("leader sent server_stopping")

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func (f *Follower) connectAndServe(ctx context.Context) error {
	f.setState(StateConnecting)

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.reconnectAttempt = 0
	f.mu.Unlock()

	f.setState(StateConnected)

	done := make(chan struct{})
	go f.pingLoop(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	return f.readLoop(conn)
}

func (f *Follower) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msg, _ := buildEnvelope(TypePing, nil)
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (f *Follower) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := unmarshalEnvelope(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case TypeServerStopping:
			return errServerStopping

		case TypeProviderChanged:
			var payload ProviderChangedPayload
			if unmarshalPayload(env.Payload, &payload) == nil && f.cb.OnProviderChanged != nil {
				f.cb.OnProviderChanged(payload.ProviderID, payload.ProviderName)
			}

		case TypeSwitchResult:
			var payload SwitchResultPayload
			if unmarshalPayload(env.Payload, &payload) == nil {
				f.mu.Lock()
				ch := f.pendingSwitch
				f.pendingSwitch = nil
				f.mu.Unlock()
				if ch != nil {
					ch <- &payload
				}
			}

		case TypeConnected, TypePong:
			// No side effect beyond having been received.
		}
	}
}

// SwitchProvider asks the leader to switch currentProvider, blocking up
// to 5s for the correlated switch_result.
func (f *Follower) SwitchProvider(ctx context.Context, providerID string) (*SwitchResultPayload, error) {
	f.mu.Lock()
	conn := f.conn
	if conn == nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("coordination channel not connected")
	}
	ch := make(chan *SwitchResultPayload, 1)
	f.pendingSwitch = ch
	f.mu.Unlock()

	msg, err := buildEnvelope(TypeSwitchProvider, SwitchProviderPayload{ProviderID: providerID})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return nil, err
	}

	select {
	case result := <-ch:
		return result, nil
	case <-time.After(switchResultTimeout):
		return nil, fmt.Errorf("switch_provider: timed out waiting for switch_result")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
