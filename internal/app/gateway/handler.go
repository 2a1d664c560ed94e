package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guildcast/gateway/internal/app/dispatch"
	"github.com/guildcast/gateway/internal/app/gate"
	"github.com/guildcast/gateway/internal/app/lifecycle"
	"github.com/guildcast/gateway/internal/app/session"
	"github.com/guildcast/gateway/internal/app/snapshot"
	"github.com/guildcast/gateway/internal/contracts"
	"github.com/guildcast/gateway/internal/sharding"
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

const (
	defaultIdentifyWindow    = 30 * time.Second
	defaultHeartbeatInterval = 41250 * time.Millisecond
	defaultSendBuffer        = 128
	writeTimeout             = 10 * time.Second
	storeTimeout             = 5 * time.Second
)

// Handler upgrades HTTP requests to gateway websocket connections and runs
// one lifecycle per connection: hello, identify, snapshot, ready, then
// dispatch until close.
type Handler struct {
	Gate       *gate.Gate
	Registry   *session.Registry
	Snapshots  *snapshot.Builder
	Dispatcher *dispatch.Dispatcher

	IdentifyWindow    time.Duration
	HeartbeatInterval time.Duration
	SendBuffer        int

	// Observability hooks wired by the composition root; all may be nil.
	OnConnect         func()
	OnDisconnect      func()
	OnIdentifyFailure func(code int)
	OnSnapshotBuild   func(err error)

	Upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

func NewHandler(g *gate.Gate, registry *session.Registry, snapshots *snapshot.Builder, dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{
		Gate:              g,
		Registry:          registry,
		Snapshots:         snapshots,
		Dispatcher:        dispatcher,
		IdentifyWindow:    defaultIdentifyWindow,
		HeartbeatInterval: defaultHeartbeatInterval,
		SendBuffer:        defaultSendBuffer,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	if h.OnConnect != nil {
		h.OnConnect()
	}
	c := &conn{
		handler:  h,
		ws:       ws,
		machine:  lifecycle.NewMachine(h.IdentifyWindow),
		outbound: make(chan contracts.Frame, h.SendBuffer),
		closed:   make(chan struct{}),
	}
	go c.writeLoop()
	c.run()
}

// DisconnectSession force-closes the connection owning a session. Wired as
// the dispatcher's send-failure hook so a stalled consumer is cleaned up
// promptly instead of lingering until its heartbeat lapses.
func (h *Handler) DisconnectSession(sessionID string) {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	h.mu.Unlock()
	if ok {
		c.shutdown(websocket.CloseInternalServerErr)
	}
}

func (h *Handler) trackConn(sessionID string, c *conn) {
	h.mu.Lock()
	h.conns[sessionID] = c
	h.mu.Unlock()
}

func (h *Handler) dropConn(sessionID string) {
	h.mu.Lock()
	delete(h.conns, sessionID)
	h.mu.Unlock()
}

// conn composes the transport handle with the protocol state machine for
// one websocket connection.
type conn struct {
	handler  *Handler
	ws       *websocket.Conn
	machine  *lifecycle.Machine
	outbound chan contracts.Frame
	closed   chan struct{}

	closeOnce sync.Once
	sessMu    sync.Mutex
	sess      *session.Session
}

// Send implements dispatch.Sink. It never blocks: a full outbound buffer
// means the consumer is too slow and the dispatcher treats the session as
// failed.
func (c *conn) Send(frame contracts.Frame) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure)
				return
			}
		}
	}
}

func (c *conn) run() {
	hello, err := json.Marshal(contracts.HelloPayload{
		HeartbeatIntervalMS: int(c.handler.HeartbeatInterval / time.Millisecond),
	})
	if err != nil {
		c.shutdown(websocket.CloseInternalServerErr)
		return
	}
	if err := c.Send(contracts.Frame{Op: contracts.OpHello, D: hello}); err != nil {
		c.shutdown(websocket.CloseInternalServerErr)
		return
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(c.handler.IdentifyWindow))

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.machine.IdentifyExpired():
				c.failIdentify(contracts.CloseSessionTimedOut)
			case isTimeout(err):
				c.shutdown(contracts.CloseSessionTimedOut)
			default:
				c.shutdown(websocket.CloseNormalClosure)
			}
			return
		}

		var frame contracts.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.shutdown(contracts.CloseDecodeError)
			return
		}

		switch frame.Op {
		case contracts.OpIdentify:
			if !c.handleIdentify(frame.D) {
				return
			}
		case contracts.OpHeartbeat:
			c.handleHeartbeat()
		default:
			// Unknown ops are ignored; the protocol reserves them for
			// flows this gateway does not implement (resume, presence).
		}
	}
}

// handleIdentify runs the identify flow. It reports false when the
// connection has been closed and the read loop should stop.
func (c *conn) handleIdentify(data []byte) bool {
	if err := c.machine.Identify(); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyIdentified) {
			c.failIdentify(contracts.CloseAlreadyIdentified)
		} else {
			c.shutdown(websocket.CloseNormalClosure)
		}
		return false
	}

	var ident contracts.IdentifyPayload
	if err := json.Unmarshal(data, &ident); err != nil {
		c.failIdentify(contracts.CloseDecodeError)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	resolved, err := c.handler.Gate.Authorize(ctx, ident)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrAuthenticationFailed):
			c.failIdentify(contracts.CloseAuthenticationFailed)
		case errors.Is(err, sharding.ErrInvalidShard):
			c.failIdentify(contracts.CloseInvalidShard)
		default:
			log.Printf("identify authorization failed: %v", err)
			c.failIdentify(websocket.CloseInternalServerErr)
		}
		return false
	}

	sess, err := c.handler.Registry.Create(ctx, resolved.Principal.UserID, resolved.Intents, resolved.Shard)
	if err != nil {
		log.Printf("session create failed: %v", err)
		c.failIdentify(websocket.CloseInternalServerErr)
		return false
	}
	c.sessMu.Lock()
	c.sess = sess
	c.sessMu.Unlock()

	snap, err := c.handler.Snapshots.Build(ctx, resolved.Principal.UserID)
	if c.handler.OnSnapshotBuild != nil {
		c.handler.OnSnapshotBuild(err)
	}
	if err != nil {
		log.Printf("snapshot build failed for user %s: %v", resolved.Principal.UserID, err)
		c.failIdentify(websocket.CloseInternalServerErr)
		return false
	}
	snap.SessionID = sess.ID

	ready, err := json.Marshal(snap)
	if err != nil {
		c.shutdown(websocket.CloseInternalServerErr)
		return false
	}
	seq := sess.NextSeq()
	if err := c.Send(contracts.Frame{Op: contracts.OpDispatch, T: contracts.EventReady, S: &seq, D: ready}); err != nil {
		c.shutdown(websocket.CloseInternalServerErr)
		return false
	}

	if err := c.machine.Ready(); err != nil {
		c.shutdown(websocket.CloseNormalClosure)
		return false
	}
	sess.MarkReady()

	// Only now does the session join the routing table: no event can race
	// ahead of the ready payload.
	c.handler.trackConn(sess.ID, c)
	c.handler.Dispatcher.Attach(sess, c, snap.GuildIDs(), snap.ChannelIDs())

	_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatDeadline()))
	return true
}

func (c *conn) handleHeartbeat() {
	// The identify deadline stays in force until the session is ready;
	// heartbeats must not let an unauthenticated connection outlive it.
	if c.machine.State() == lifecycle.StateReady {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatDeadline()))
	}

	var last *uint64
	c.sessMu.Lock()
	if c.sess != nil {
		seq := c.sess.LastSeq()
		last = &seq
	}
	c.sessMu.Unlock()

	if err := c.Send(contracts.Frame{Op: contracts.OpHeartbeatACK, S: last}); err != nil {
		c.shutdown(websocket.CloseInternalServerErr)
	}
}

// heartbeatDeadline allows one missed beat before the connection is
// considered dead.
func (c *conn) heartbeatDeadline() time.Duration {
	return c.handler.HeartbeatInterval + c.handler.HeartbeatInterval/2
}

func (c *conn) shutdown(code int) {
	c.closeOnce.Do(func() {
		c.machine.Close(code)
		close(c.closed)

		c.sessMu.Lock()
		sess := c.sess
		c.sessMu.Unlock()
		if sess != nil {
			c.handler.dropConn(sess.ID)
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := c.handler.Registry.Close(ctx, sess.ID); err != nil {
				log.Printf("session cleanup failed for %s: %v", sess.ID, err)
			}
			cancel()
		}

		deadline := time.Now().Add(writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		_ = c.ws.Close()

		if c.handler.OnDisconnect != nil {
			c.handler.OnDisconnect()
		}
	})
}

// failIdentify closes a connection that never completed the identify flow,
// reporting the close code to the failure hook first.
func (c *conn) failIdentify(code int) {
	if c.handler.OnIdentifyFailure != nil {
		c.handler.OnIdentifyFailure(code)
	}
	c.shutdown(code)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
