package coordination

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// upgrader handles HTTP -> WebSocket protocol upgrade for the control
// channel endpoint. CheckOrigin allows all origins: followers are other
// ccrelay processes on the same host or trusted network, not browsers.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SwitchHandler applies a requested provider switch and reports the
// provider's display name. An error means the switch was refused (e.g.
// unknown or disabled provider id) and no state changed.
type SwitchHandler func(providerID string) (providerName string, err error)

// Hub is the leader side of the coordination channel: it owns the set
// of connected followers and the single authority to mutate
// currentProvider. One goroutine (run) owns all mutable state —
// registration, unregistration, and broadcast all happen on channels,
// never behind a lock.
type Hub struct {
	instanceID string
	onSwitch   SwitchHandler

	connections map[*followerConn]bool

	broadcastCh  chan []byte
	registerCh   chan *followerConn
	unregisterCh chan *followerConn
	switchCh     chan switchRequest
	stoppingCh   chan struct{}
	currentID    string
}

type switchRequest struct {
	from       *followerConn
	providerID string
}

// followerConn wraps one connected follower's WebSocket.
type followerConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

func (c *followerConn) writeJSON(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// NewHub creates a leader hub. currentProviderID seeds the id reported
// in provider_changed broadcasts' baseline; onSwitch is invoked for
// every switch_provider request that names a different id than the
// current one.
func NewHub(currentProviderID string, onSwitch SwitchHandler) *Hub {
	return &Hub{
		instanceID:   uuid.NewString(),
		onSwitch:     onSwitch,
		connections:  make(map[*followerConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *followerConn),
		unregisterCh: make(chan *followerConn),
		switchCh:     make(chan switchRequest),
		stoppingCh:   make(chan struct{}),
		currentID:    currentProviderID,
	}
}

// Run is the hub's event loop. Call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("follower connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("follower disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					delete(h.connections, conn)
					close(conn.send)
				}
			}

		case req := <-h.switchCh:
			h.handleSwitch(req)

		case <-h.stoppingCh:
			msg, _ := buildEnvelope(TypeServerStopping, nil)
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
				}
			}
			return
		}
	}
}

// handleSwitch applies a requested provider switch. A switch to the
// already-current id succeeds with no broadcast — idempotent, not a
// no-op rejected as redundant.
func (h *Hub) handleSwitch(req switchRequest) {
	if req.providerID == h.currentID {
		reply, _ := buildEnvelope(TypeSwitchResult, SwitchResultPayload{Success: true, ProviderID: h.currentID})
		select {
		case req.from.send <- reply:
		default:
		}
		return
	}

	name, err := h.onSwitch(req.providerID)
	if err != nil {
		reply, _ := buildEnvelope(TypeSwitchResult, SwitchResultPayload{Success: false, Error: err.Error()})
		select {
		case req.from.send <- reply:
		default:
		}
		return
	}

	h.currentID = req.providerID
	reply, _ := buildEnvelope(TypeSwitchResult, SwitchResultPayload{Success: true, ProviderID: req.providerID, ProviderName: name})
	select {
	case req.from.send <- reply:
	default:
	}

	changed, _ := buildEnvelope(TypeProviderChanged, ProviderChangedPayload{ProviderID: req.providerID, ProviderName: name})
	for conn := range h.connections {
		select {
		case conn.send <- changed:
		default:
		}
	}
}

// Stop tells Run to broadcast server_stopping and exit. Idempotent only
// in the sense that Run must still be running; calling it twice panics
// on a closed channel, so callers should guard with sync.Once.
func (h *Hub) Stop() {
	close(h.stoppingCh)
}

// ServeHTTP upgrades the inbound request to the control channel and
// registers the follower with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("control channel upgrade failed", "error", err)
		return
	}

	fc := &followerConn{conn: conn, send: make(chan []byte, 64)}
	h.registerCh <- fc

	welcome, _ := buildEnvelope(TypeConnected, ConnectedPayload{InstanceID: h.instanceID})
	select {
	case fc.send <- welcome:
	default:
	}

	go h.writePump(fc)
	go h.readPump(fc)
}

func (h *Hub) writePump(fc *followerConn) {
	defer fc.conn.Close()
	for msg := range fc.send {
		if err := fc.writeJSON(msg); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(fc *followerConn) {
	defer func() {
		h.unregisterCh <- fc
		fc.conn.Close()
	}()

	for {
		_, data, err := fc.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := unmarshalEnvelope(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case TypePing:
			pong, _ := buildEnvelope(TypePong, nil)
			select {
			case fc.send <- pong:
			default:
			}
		case TypeSwitchProvider:
			var payload SwitchProviderPayload
			if err := unmarshalPayload(env.Payload, &payload); err != nil {
				continue
			}
			h.switchCh <- switchRequest{from: fc, providerID: payload.ProviderID}
		}
	}
}
