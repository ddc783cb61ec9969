package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"dgate/clients/rest"
	"dgate/core"
	"dgate/core/events"
	"dgate/core/log"
)

// Backend is the command/event surface the rest of the system talks to. Two
// interchangeable implementations exist: LocalBackend runs the protocol
// engine in-process, WorkerBackend runs it inside an isolated worker
// goroutine behind a serialized message channel. The implementation is picked
// at construction time; callers never inspect which one they hold.
type Backend interface {
	Login(token string) error
	Init() error
	Send(v any) error
	Request(ctx context.Context, path string, opts rest.Options) (json.RawMessage, error)
	Subscribe(event string, fn events.Listener) func()
	SubscribeAll(fn events.WildcardListener) func()
	Close() error
}

// defaultRequestTimeout bounds proxied requests whose context carries no
// earlier deadline, so no correlation is left pending forever.
const defaultRequestTimeout = 30 * time.Second

func ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}

// LocalBackend drives an owned engine and request helper with direct calls.
type LocalBackend struct {
	engine *Engine
	rest   *rest.Client
}

func NewLocalBackend(opts ...Option) *LocalBackend {
	return &LocalBackend{
		engine: NewEngine(opts...),
		rest:   rest.New(),
	}
}

func (b *LocalBackend) Login(token string) error {
	b.engine.Login(token)
	b.rest.SetToken(token)
	return nil
}

func (b *LocalBackend) Init() error {
	return b.engine.Init()
}

func (b *LocalBackend) Send(v any) error {
	return b.engine.Send(v)
}

func (b *LocalBackend) Request(ctx context.Context, path string, opts rest.Options) (json.RawMessage, error) {
	ctx, cancel := ensureDeadline(ctx)
	defer cancel()
	return b.rest.Do(ctx, path, opts)
}

func (b *LocalBackend) Subscribe(event string, fn events.Listener) func() {
	return b.engine.On(event, fn)
}

func (b *LocalBackend) SubscribeAll(fn events.WildcardListener) func() {
	return b.engine.OnAny(fn)
}

func (b *LocalBackend) Close() error {
	b.engine.Close()
	return b.rest.Close()
}

// Wire protocol between host and worker. Everything crossing the boundary is
// serialized JSON: tuple frames ["gateway", {...}] / ["xhr", {...}] /
// ["xhr:progress", {...}] and the bare string sentinel "gatewayReady".
const (
	scopeGateway     = "gateway"
	scopeXHR         = "xhr"
	scopeXHRProgress = "xhr:progress"

	sentinelGatewayReady = "gatewayReady"
)

type gatewayCommand struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

type gatewayEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type xhrParams struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

type xhrCommand struct {
	Hash   string    `json:"hash"`
	URL    string    `json:"url"`
	Params xhrParams `json:"params"`
}

// xhrError crosses the worker boundary as plain data: execution contexts do
// not share error identities.
type xhrError struct {
	Status   int             `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type xhrReply struct {
	Hash  string          `json:"hash"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *xhrError       `json:"error,omitempty"`
}

func encodeFrame(scope string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame body: %w", scope, err)
	}
	return json.Marshal([]any{scope, json.RawMessage(raw)})
}

func encodeSentinel(s string) []byte {
	data, _ := json.Marshal(s)
	return data
}

// decodeFrame returns either a sentinel string or a scope/body pair.
func decodeFrame(data []byte) (sentinel string, scope string, body json.RawMessage, err error) {
	if len(data) > 0 && data[0] == '"' {
		err = json.Unmarshal(data, &sentinel)
		return
	}
	var parts []json.RawMessage
	if err = json.Unmarshal(data, &parts); err != nil {
		return
	}
	if len(parts) != 2 {
		err = fmt.Errorf("frame must have exactly 2 elements, got %d", len(parts))
		return
	}
	if err = json.Unmarshal(parts[0], &scope); err != nil {
		return
	}
	body = parts[1]
	return
}

// WorkerBackend proxies commands to a worker goroutine that owns its own
// engine and request helper. Host and worker share no memory: both directions
// are ordered channels of serialized frames, so gateway events reach the host
// in the exact order the worker engine emitted them.
type WorkerBackend struct {
	emitter *events.Emitter

	toWorker   chan []byte
	fromWorker chan []byte

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once

	// 1-worker pool: cache code never runs on the transport goroutine, and
	// event order is preserved.
	wp *workerpool.WorkerPool

	mu       sync.Mutex
	loggedIn bool
	pending  map[string]chan xhrReply
}

func NewWorkerBackend(opts ...Option) *WorkerBackend {
	b := &WorkerBackend{
		emitter:    events.NewEmitter(),
		toWorker:   make(chan []byte, 16),
		fromWorker: make(chan []byte, 256),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
		wp:         workerpool.New(1),
		pending:    make(map[string]chan xhrReply),
	}
	go runWorker(b.toWorker, b.fromWorker, b.done, opts)
	go b.readLoop()
	return b
}

// post delivers one serialized command to the worker. Commands issued before
// the worker announces readiness wait on a single deferred gate.
func (b *WorkerBackend) post(frame []byte) error {
	select {
	case <-b.ready:
	case <-b.done:
		return &core.ConfigError{Message: "bridge: backend is closed"}
	}
	select {
	case b.toWorker <- frame:
		return nil
	case <-b.done:
		return &core.ConfigError{Message: "bridge: backend is closed"}
	}
}

func (b *WorkerBackend) postGateway(method string, params ...any) error {
	cmd := gatewayCommand{Method: method}
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal %s param: %w", method, err)
		}
		cmd.Params = append(cmd.Params, raw)
	}
	frame, err := encodeFrame(scopeGateway, cmd)
	if err != nil {
		return err
	}
	return b.post(frame)
}

func (b *WorkerBackend) Login(token string) error {
	if err := b.postGateway("login", token); err != nil {
		return err
	}
	b.mu.Lock()
	b.loggedIn = true
	b.mu.Unlock()
	return nil
}

func (b *WorkerBackend) Init() error {
	b.mu.Lock()
	loggedIn := b.loggedIn
	b.mu.Unlock()
	if !loggedIn {
		return &core.ConfigError{Message: "gateway: no token stored, call Login first"}
	}
	return b.postGateway("init")
}

func (b *WorkerBackend) Send(v any) error {
	return b.postGateway("send", v)
}

func (b *WorkerBackend) Request(ctx context.Context, path string, opts rest.Options) (json.RawMessage, error) {
	ctx, cancel := ensureDeadline(ctx)
	defer cancel()

	var data json.RawMessage
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		data = raw
	}

	hash := core.NewID("req")
	replyCh := make(chan xhrReply, 1)
	b.mu.Lock()
	b.pending[hash] = replyCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, hash)
		b.mu.Unlock()
	}()

	frame, err := encodeFrame(scopeXHR, xhrCommand{
		Hash: hash,
		URL:  path,
		Params: xhrParams{
			Method:  opts.Method,
			Headers: opts.Headers,
			Data:    data,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := b.post(frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			if reply.Error.Status != 0 {
				return nil, &core.TransportError{Status: reply.Error.Status, Body: reply.Error.Response}
			}
			return nil, fmt.Errorf("proxied request failed: %s", reply.Error.Message)
		}
		return reply.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("proxied request %s timed out: %w", hash, ctx.Err())
	case <-b.done:
		return nil, &core.ConfigError{Message: "bridge: backend is closed"}
	}
}

func (b *WorkerBackend) Subscribe(event string, fn events.Listener) func() {
	return b.emitter.On(event, fn)
}

func (b *WorkerBackend) SubscribeAll(fn events.WildcardListener) func() {
	return b.emitter.OnAny(fn)
}

func (b *WorkerBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		// the read loop submits to the pool; it must be gone before the
		// pool stops, or a late submit could block against a stopped
		// dispatcher
		<-b.readDone
		b.wp.StopWait()
	})
	return nil
}

func (b *WorkerBackend) readLoop() {
	defer close(b.readDone)
	for {
		var frame []byte
		select {
		case frame = <-b.fromWorker:
		case <-b.done:
			return
		}

		sentinel, scope, body, err := decodeFrame(frame)
		if err != nil {
			log.Warn("⚠️ Dropping malformed worker frame: %v", err)
			continue
		}

		switch {
		case sentinel == sentinelGatewayReady:
			b.readyOnce.Do(func() { close(b.ready) })
		case scope == scopeGateway:
			var evt gatewayEvent
			if err := json.Unmarshal(body, &evt); err != nil {
				log.Warn("⚠️ Dropping malformed gateway event frame: %v", err)
				continue
			}
			b.wp.Submit(func() { b.emitter.Emit(evt.Event, evt.Data) })
		case scope == scopeXHR:
			var reply xhrReply
			if err := json.Unmarshal(body, &reply); err != nil {
				log.Warn("⚠️ Dropping malformed xhr reply frame: %v", err)
				continue
			}
			b.mu.Lock()
			ch, ok := b.pending[reply.Hash]
			delete(b.pending, reply.Hash)
			b.mu.Unlock()
			if ok {
				ch <- reply
			}
		case scope == scopeXHRProgress:
			// correlated progress messages are surfaced as-is
			b.wp.Submit(func() { b.emitter.Emit(scopeXHRProgress, body) })
		default:
			log.Debug("❓ Ignoring worker frame scope %q", scope)
		}
	}
}

// runWorker is the worker entry point. It constructs its own engine and
// request helper once per worker lifetime and hands them to the command
// handlers explicitly; nothing here is package-level state.
func runWorker(in <-chan []byte, out chan<- []byte, done <-chan struct{}, opts []Option) {
	engine := NewEngine(opts...)
	restc := rest.New()

	send := func(frame []byte) {
		select {
		case out <- frame:
		case <-done:
		}
	}

	engine.OnAny(func(event string, data json.RawMessage) {
		frame, err := encodeFrame(scopeGateway, gatewayEvent{Event: event, Data: data})
		if err != nil {
			log.Warn("⚠️ Failed to encode gateway event %s: %v", event, err)
			return
		}
		send(frame)
	})

	send(encodeSentinel(sentinelGatewayReady))

	for {
		var frame []byte
		select {
		case frame = <-in:
		case <-done:
			engine.Close()
			_ = restc.Close()
			return
		}

		sentinel, scope, body, err := decodeFrame(frame)
		if err != nil || sentinel != "" {
			log.Warn("⚠️ Worker dropping malformed command frame: %v", err)
			continue
		}
		switch scope {
		case scopeGateway:
			handleGatewayCommand(engine, restc, body, send)
		case scopeXHR:
			var cmd xhrCommand
			if err := json.Unmarshal(body, &cmd); err != nil {
				log.Warn("⚠️ Worker dropping malformed xhr command: %v", err)
				continue
			}
			// independent requests resolve concurrently and in no particular
			// order relative to each other
			go handleXHRCommand(restc, cmd, send)
		default:
			log.Debug("❓ Worker ignoring command scope %q", scope)
		}
	}
}

func handleGatewayCommand(engine *Engine, restc *rest.Client, body json.RawMessage, send func([]byte)) {
	var cmd gatewayCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Warn("⚠️ Worker dropping malformed gateway command: %v", err)
		return
	}

	switch cmd.Method {
	case "login":
		var token string
		if len(cmd.Params) != 1 || json.Unmarshal(cmd.Params[0], &token) != nil {
			log.Warn("⚠️ Worker login command needs a single token param")
			return
		}
		engine.Login(token)
		restc.SetToken(token)
	case "init":
		if err := engine.Init(); err != nil {
			log.Error("❌ Worker engine init failed: %v", err)
			frame, encErr := encodeFrame(scopeGateway, gatewayEvent{Event: EventClose})
			if encErr == nil {
				send(frame)
			}
		}
	case "send":
		if len(cmd.Params) != 1 {
			log.Warn("⚠️ Worker send command needs a single payload param")
			return
		}
		if err := engine.SendRaw(cmd.Params[0]); err != nil {
			log.Warn("❌ Worker engine send failed: %v", err)
		}
	case "close":
		engine.Close()
	default:
		log.Debug("❓ Worker ignoring gateway method %q", cmd.Method)
	}
}

func handleXHRCommand(restc *rest.Client, cmd xhrCommand, send func([]byte)) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	opts := rest.Options{
		Method:  cmd.Params.Method,
		Headers: cmd.Params.Headers,
	}
	if len(cmd.Params.Data) > 0 {
		opts.Body = cmd.Params.Data
	}

	reply := xhrReply{Hash: cmd.Hash}
	resp, err := restc.Do(ctx, cmd.URL, opts)
	if err != nil {
		if transportErr, ok := core.IsTransportError(err); ok {
			reply.Error = &xhrError{Status: transportErr.Status, Response: transportErr.Body}
		} else {
			reply.Error = &xhrError{Message: err.Error()}
		}
	} else {
		reply.Data = resp
	}

	frame, err := encodeFrame(scopeXHR, reply)
	if err != nil {
		log.Warn("⚠️ Failed to encode xhr reply: %v", err)
		return
	}
	send(frame)
}
