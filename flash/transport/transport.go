// Package transport defines the serial-transport contract every driver
// consumes (spec.md §4.1) and a deadline-aware byte reader built on top of
// it, plus the one production implementation backed by go-serial.
package transport

import (
	"time"

	"github.com/juju/errors"
)

// Transport is the abstract byte-stream duplex every driver runs its
// protocol over. Implementations must preserve write byte order and must
// be safe to use from a single goroutine at a time: the engine owns the
// transport exclusively for the lifetime of one operation (spec.md §5).
type Transport interface {
	// Connect acquires the underlying port. Returns ErrTransportOpen-wrapped
	// errors on failure.
	Connect() error
	// Disconnect releases the port. Always safe to call, idempotent.
	Disconnect()
	// Write sends bytes, preserving order. Fire-and-forget: a nil error only
	// means the bytes were handed to the OS/driver buffer.
	Write(data []byte) error
	// SetBaud changes the baud rate. The contract only promises the new rate
	// applies to bytes written/read after this call returns; at most a 50ms
	// blackout and one lost partial frame is expected. Chunks() must be
	// re-read (implementations close and recreate the channel).
	SetBaud(rate int) error
	// SetDTR/SetRTS drive control lines. The returned bool reports whether
	// the signal was honoured; false is not an error; some hosts cannot
	// assert these lines at all.
	SetDTR(on bool) bool
	SetRTS(on bool) bool
	// Chunks returns the channel of received byte chunks. The channel is
	// replaced (a fresh one returned) after every SetBaud call, so callers
	// must re-subscribe rather than cache the channel value.
	Chunks() <-chan []byte
}

// PortEnumeration is an optional capability: implementations that can list
// local serial ports implement it. Drivers never query it; only the outer
// CLI/GUI does (Design Note 9: duck-typed transport -> capability set).
type PortEnumeration interface {
	AvailablePorts() ([]string, error)
}

// Error kinds surfaced by the transport layer; wrapped with juju/errors at
// the call site and compared with errors.Cause.
var (
	ErrTransportOpen  = errors.New("transport: failed to open port")
	ErrTransportWrite = errors.New("transport: write failed")
)

// Reader assembles a Transport's chunk stream into deadline-bounded reads.
// It is the channel/deadline alternative to a sleep-spin poll loop that
// Design Note 9 calls for; drivers hold one Reader per operation and
// recreate it after every SetBaud call (since Chunks() is replaced then).
type Reader struct {
	chunks <-chan []byte
	buf    []byte
}

// NewReader wraps a Transport's current chunk channel.
func NewReader(t Transport) *Reader {
	return &Reader{chunks: t.Chunks()}
}

// ReadFull reads exactly n bytes, blocking until they arrive or deadline
// elapses. Returns as many bytes as were available plus an error on
// timeout; drivers treat a timeout as a failed command (§5).
func (r *Reader) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for len(r.buf) < n {
		select {
		case c, ok := <-r.chunks:
			if !ok {
				return r.take(n), errors.Errorf("transport closed after %d/%d bytes", len(r.buf), n)
			}
			r.buf = append(r.buf, c...)
		case <-deadline.C:
			return r.take(n), errors.Errorf("timed out after %d/%d bytes", len(r.buf), n)
		}
	}
	return r.take(n), nil
}

// ReadByte blocks for up to timeout for a single byte.
func (r *Reader) ReadByte(timeout time.Duration) (byte, error) {
	b, err := r.ReadFull(1, timeout)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUntil accumulates bytes until pred(buf) returns true, or deadline
// elapses. Used by framing codecs that don't know the response length up
// front (e.g. BL "PD" polling, ESP32 SLIP frame terminators).
func (r *Reader) ReadUntil(timeout time.Duration, pred func(buf []byte) bool) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for !pred(r.buf) {
		select {
		case c, ok := <-r.chunks:
			if !ok {
				return r.buf, errors.Errorf("transport closed while waiting for frame")
			}
			r.buf = append(r.buf, c...)
		case <-deadline.C:
			return r.buf, errors.Errorf("timed out waiting for frame (have %d bytes)", len(r.buf))
		}
	}
	all := r.buf
	r.buf = nil
	return all, nil
}

// Discard drops any buffered, not-yet-consumed bytes and drains the channel
// for a short grace period. Used after bus resets/reboots where stale bytes
// from a power-on banner must not be mistaken for a command response.
func (r *Reader) Discard(grace time.Duration) {
	r.buf = nil
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		select {
		case c, ok := <-r.chunks:
			if !ok {
				return
			}
			_ = c
		case <-deadline.C:
			return
		}
	}
}

func (r *Reader) take(n int) []byte {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}
