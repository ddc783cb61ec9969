package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"dgate/core"
)

// flushSuffix is the deflate sync-flush marker. A frame ending with it
// completes one compressed payload.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Reassembler accumulates binary socket frames into complete zlib-stream
// payloads. The whole connection shares one inflater dictionary, so the
// compressed bytes are pushed through a single long-lived zlib reader; a
// decoder goroutine emits exactly one JSON payload per completed chunk, in
// order. A decompression or decode failure is fatal to the session: the
// inflater state is desynchronized and the reassembler must be replaced.
type Reassembler struct {
	mu     sync.Mutex
	acc    bytes.Buffer
	pw     *io.PipeWriter
	closed bool

	emit  func(payload json.RawMessage)
	fatal func(err error)
}

// NewReassembler starts the decoder goroutine. emit receives each reassembled
// payload; fatal is invoked at most once, with a *core.ProtocolError.
func NewReassembler(emit func(json.RawMessage), fatal func(error)) *Reassembler {
	pr, pw := io.Pipe()
	r := &Reassembler{
		pw:    pw,
		emit:  emit,
		fatal: fatal,
	}
	go r.inflate(pr)
	return r
}

// Push appends one binary frame. A frame carrying the flush suffix completes
// the accumulated payload and hands it to the inflater.
func (r *Reassembler) Push(frame []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.acc.Write(frame)
	if !bytes.HasSuffix(frame, flushSuffix) {
		r.mu.Unlock()
		return
	}
	chunk := make([]byte, r.acc.Len())
	copy(chunk, r.acc.Bytes())
	r.acc.Reset()
	pw := r.pw
	r.mu.Unlock()

	// Blocks until the decoder goroutine drains the chunk, which bounds how
	// far the socket reader can run ahead of payload handling.
	if _, err := pw.Write(chunk); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		r.fail(err)
	}
}

// Close tears the reassembler down without signaling a protocol error.
// Idempotent.
func (r *Reassembler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.acc.Reset()
	pw := r.pw
	r.mu.Unlock()

	pw.CloseWithError(io.ErrClosedPipe)
}

func (r *Reassembler) fail(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pw := r.pw
	r.mu.Unlock()

	pw.CloseWithError(io.ErrClosedPipe)
	r.fatal(&core.ProtocolError{Message: "compressed stream corrupted", Err: err})
}

func (r *Reassembler) inflate(pr *io.PipeReader) {
	zr, err := zlib.NewReader(pr)
	if err != nil {
		if !errors.Is(err, io.ErrClosedPipe) {
			r.fail(err)
		}
		return
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var payload json.RawMessage
		if err := dec.Decode(&payload); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, io.EOF) {
				r.fail(err)
			}
			return
		}
		r.emit(payload)
	}
}
