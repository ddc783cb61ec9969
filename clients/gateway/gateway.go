package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dgate/core"
	"dgate/core/events"
	"dgate/core/log"
)

// Gateway opcodes. The handler switch over them is deliberately exhaustive:
// adding an opcode means adding a case, not a table entry.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpRequestMembers = 8
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// EventClose is emitted once when the connection ends for any reason: abrupt
// socket loss, an invalid-session opcode, a protocol error, or a missed
// heartbeat ack. The engine never reconnects by itself.
const EventClose = "close"

// DefaultURL selects JSON payload encoding and the shared-dictionary
// compressed stream.
const DefaultURL = "wss://gateway.discord.gg/?v=9&encoding=json&compress=zlib-stream"

// Conn is the subset of a websocket connection the engine drives. Satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a binary-capable socket to the gateway endpoint.
type Dialer func(url string) (Conn, error)

func defaultDialer(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// IdentifyProperties is the client descriptor sent with the identify payload.
type IdentifyProperties struct {
	Browser string `json:"browser"`
	Device  string `json:"device"`
	OS      string `json:"os"`
}

var defaultProperties = IdentifyProperties{
	Browser: "dgate",
	Device:  "dgate",
	OS:      "linux",
}

// envelope is the decompressed wire message: op selects the handler, s is
// present only on dispatch, t names the dispatch event.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// session is one live connection's mutable state. It is replaced, never
// mutated in place, on every reconnect, and closed before a new one opens.
type session struct {
	conn          Conn
	reassembler   *Reassembler
	seq           *int64
	authenticated bool
	awaitingAck   bool
	stop          chan struct{}
	stopOnce      sync.Once
}

func (s *session) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.reassembler.Close()
	_ = s.conn.Close()
}

// Engine owns one gateway connection and runs the opcode state machine on top
// of the compressed-stream reassembler, emitting one application event per
// dispatched server event. Retry policy belongs to the owning façade.
type Engine struct {
	emitter *events.Emitter

	url        string
	dial       Dialer
	properties IdentifyProperties

	mu      sync.Mutex
	writeMu sync.Mutex
	token   string
	cur     *session
}

// Option configures an Engine.
type Option func(*Engine)

func WithURL(url string) Option {
	return func(e *Engine) { e.url = url }
}

func WithDialer(dial Dialer) Option {
	return func(e *Engine) { e.dial = dial }
}

func WithProperties(props IdentifyProperties) Option {
	return func(e *Engine) { e.properties = props }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		emitter:    events.NewEmitter(),
		url:        DefaultURL,
		dial:       defaultDialer,
		properties: defaultProperties,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On subscribes to a named engine event ("t:<type>" for dispatches,
// EventClose for connection loss).
func (e *Engine) On(event string, fn events.Listener) func() {
	return e.emitter.On(event, fn)
}

// OnAny subscribes to every engine event.
func (e *Engine) OnAny(fn events.WildcardListener) func() {
	return e.emitter.OnAny(fn)
}

// Login stores credentials only; it does not connect.
func (e *Engine) Login(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = token
}

// Init tears down any existing connection and opens a new one. It requires a
// previously stored token.
func (e *Engine) Init() error {
	e.mu.Lock()
	if e.token == "" {
		e.mu.Unlock()
		return &core.ConfigError{Message: "gateway: no token stored, call Login first"}
	}
	if e.cur != nil {
		e.cur.close()
		e.cur = nil
	}
	url := e.url
	e.mu.Unlock()

	log.Debug("🔌 Connecting to gateway at %s", url)
	conn, err := e.dial(url)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	sess := &session{
		conn: conn,
		stop: make(chan struct{}),
	}
	sess.reassembler = NewReassembler(
		func(payload json.RawMessage) { e.handlePayload(sess, payload) },
		func(err error) { e.fatal(sess, err) },
	)

	e.mu.Lock()
	e.cur = sess
	e.mu.Unlock()

	go e.readPump(sess)
	return nil
}

// Close tears down the socket, cancels the heartbeat timer and discards the
// decompression context. Idempotent: closing twice is a no-op and emits no
// second close event.
func (e *Engine) Close() {
	e.mu.Lock()
	sess := e.cur
	e.cur = nil
	e.mu.Unlock()

	if sess == nil {
		return
	}
	sess.close()
	e.emitter.Emit(EventClose, nil)
}

// Send marshals v and writes it as one text frame on the live connection.
func (e *Engine) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway payload: %w", err)
	}
	return e.SendRaw(data)
}

// SendRaw writes pre-serialized JSON on the live connection.
func (e *Engine) SendRaw(data []byte) error {
	e.mu.Lock()
	sess := e.cur
	e.mu.Unlock()

	if sess == nil {
		return &core.ConfigError{Message: "gateway: not connected"}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write gateway payload: %w", err)
	}
	return nil
}

func (e *Engine) readPump(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			e.connectionLost(sess, err)
			return
		}
		sess.reassembler.Push(data)
	}
}

// connectionLost handles abrupt socket closure: teardown plus one close
// event, but no retry. A session that was already replaced stays silent.
func (e *Engine) connectionLost(sess *session, err error) {
	e.mu.Lock()
	current := e.cur == sess
	if current {
		e.cur = nil
	}
	e.mu.Unlock()

	sess.close()
	if current {
		log.Warn("🔌 Gateway connection lost: %v", err)
		e.emitter.Emit(EventClose, nil)
	}
}

// fatal handles protocol-level corruption the same way as connection loss.
func (e *Engine) fatal(sess *session, err error) {
	log.Error("💥 Gateway protocol error: %v", err)
	e.connectionLost(sess, err)
}

func (e *Engine) handlePayload(sess *session, payload json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		e.fatal(sess, &core.ProtocolError{Message: "malformed gateway envelope", Err: err})
		return
	}

	switch env.Op {
	case OpDispatch:
		e.handleDispatch(sess, env)
	case OpInvalidSession:
		log.Warn("🚫 Gateway session invalidated")
		e.connectionLost(sess, &core.SessionError{Message: "session invalidated by server"})
	case OpHello:
		e.handleHello(sess, env)
	case OpHeartbeatAck:
		e.handleHeartbeatAck(sess)
	default:
		log.Debug("❓ Ignoring unknown gateway opcode %d", env.Op)
	}
}

func (e *Engine) handleDispatch(sess *session, env envelope) {
	if env.S != nil {
		e.mu.Lock()
		sess.seq = env.S
		e.mu.Unlock()
	}
	e.emitter.Emit("t:"+strings.ToLower(env.T), env.D)
}

func (e *Engine) handleHello(sess *session, env envelope) {
	var hello struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(env.D, &hello); err != nil {
		e.fatal(sess, &core.ProtocolError{Message: "malformed hello payload", Err: err})
		return
	}

	log.Debug("💓 Heartbeat interval: %dms", hello.HeartbeatInterval)
	e.sendHeartbeat(sess)

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	go e.heartbeatLoop(sess, interval)
}

// heartbeatLoop ticks for the life of one session. The session guard makes a
// timer armed by a previous connection a no-op after reconnect.
func (e *Engine) heartbeatLoop(sess *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		stale := e.cur != sess
		missedAck := sess.awaitingAck
		e.mu.Unlock()

		if stale {
			return
		}
		if missedAck {
			// The previous heartbeat was never acknowledged: the connection
			// is half-dead, close it and let the façade decide on reconnect.
			log.Warn("💔 Heartbeat ack missed, closing connection")
			e.connectionLost(sess, &core.ProtocolError{Message: "heartbeat ack missed"})
			return
		}
		e.sendHeartbeat(sess)
	}
}

// sendHeartbeat writes op 1 with the last seen sequence number, null before
// any dispatch.
func (e *Engine) sendHeartbeat(sess *session) {
	e.mu.Lock()
	seq := sess.seq
	sess.awaitingAck = true
	e.mu.Unlock()

	payload := struct {
		Op int    `json:"op"`
		D  *int64 `json:"d"`
	}{Op: OpHeartbeat, D: seq}

	if err := e.Send(payload); err != nil {
		log.Warn("💔 Failed to send heartbeat: %v", err)
	}
}

// handleHeartbeatAck authenticates on the first ack only; later acks just
// clear the pending flag.
func (e *Engine) handleHeartbeatAck(sess *session) {
	e.mu.Lock()
	sess.awaitingAck = false
	first := !sess.authenticated
	sess.authenticated = true
	token := e.token
	props := e.properties
	e.mu.Unlock()

	if !first {
		return
	}

	identify := struct {
		Op int `json:"op"`
		D  struct {
			Status     string             `json:"status"`
			Token      string             `json:"token"`
			Properties IdentifyProperties `json:"properties"`
		} `json:"d"`
	}{Op: OpIdentify}
	identify.D.Status = "online"
	identify.D.Token = token
	identify.D.Properties = props

	log.Debug("🪪 Sending identify")
	if err := e.Send(identify); err != nil {
		log.Warn("❌ Failed to send identify: %v", err)
	}
}

// Sequence returns the last dispatch sequence seen on the live session, or
// nil before any dispatch.
func (e *Engine) Sequence() *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil
	}
	return e.cur.seq
}
