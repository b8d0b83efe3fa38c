package sideband

import (
	"errors"
	"fmt"
	"io"

	"github.com/paq/gitpack/plumbing/format/pktline"
)

// ProgressHandler receives progress and error band text. isError is
// true when the text came from the error band; text has already had
// control characters stripped.
type ProgressHandler func(isError bool, text []byte)

// ErrUnexpectedEOF is returned when a non-data pkt-line reaches the
// reader while no progress handler is installed, i.e. the data-only
// mode described in package docs. Preserved under this name rather
// than a more descriptive one for compatibility with callers that
// match on it.
var ErrUnexpectedEOF = io.ErrUnexpectedEOF

// pendingRead is the suspended computation that owns the parent
// iterator while a single packet-line read is in flight. Exactly one
// of Reader.parent and Reader.pending.parent (post-completion) holds
// the parent at any moment; awaitLineRead moves it back into Reader.
type pendingRead struct {
	done   chan struct{}
	pkt    pktline.Packet
	ok     bool
	err    error
	parent *pktline.Iterator
}

// Reader adapts a parent pkt-line iterator into a buffered stream of
// sideband data-band bytes. Progress and error bands are routed to an
// optional handler instead of being exposed as data.
//
// A Reader borrows its parent exclusively for its lifetime: while idle
// it holds the parent directly, and while a read is in flight the
// parent is held by a pendingRead instead, reachable only through the
// channel that hands it back on completion. This mirrors the
// re-entrant borrow used by asynchronous sideband readers without
// resorting to unsafe pointers: the parent is owned in exactly one
// place at a time, and ownership moves between two disjoint states.
//
// Both the blocking surface (Read, FillBuf) and the cooperative,
// single-threaded surface (TryFillBuf, Done) share this state machine;
// the cooperative surface just lets the caller poll instead of
// blocking on the in-flight read.
type Reader struct {
	parent  *pktline.Iterator
	pending *pendingRead
	handler ProgressHandler

	data     []byte
	pos, cap int
}

// New borrows parent for a Reader with no progress handler installed
// (data-only mode): every line must be a data line.
func New(parent *pktline.Iterator) *Reader {
	return &Reader{parent: parent}
}

// WithProgressHandler borrows parent for a Reader that routes
// progress and error bands to handler.
func WithProgressHandler(parent *pktline.Iterator, handler ProgressHandler) *Reader {
	return &Reader{parent: parent, handler: handler}
}

// SetProgressHandler installs or removes the progress handler.
func (r *Reader) SetProgressHandler(handler ProgressHandler) {
	r.handler = handler
}

// ResetWith forwards to the parent iterator's terminator
// configuration. It is a no-op while a read is suspended.
func (r *Reader) ResetWith(kinds ...pktline.PacketKind) {
	if r.pending == nil {
		r.parent.ResetWith(kinds...)
	}
}

// StoppedAt forwards to the parent iterator. It returns nil while a
// read is suspended.
func (r *Reader) StoppedAt() *pktline.Packet {
	if r.pending != nil {
		return nil
	}
	return r.parent.StoppedAt()
}

// PeekDataLine returns the next data-band line without consuming it.
// ok is false if the next line isn't a data line, if the stream has
// stopped at a terminator, or if a read is currently suspended.
func (r *Reader) PeekDataLine() (data []byte, ok bool, err error) {
	if r.pending != nil {
		return nil, false, nil
	}
	pkt, ok, err := r.parent.PeekLine()
	if err != nil {
		return nil, false, err
	}
	if !ok || pkt.Kind != pktline.KindData {
		return nil, false, nil
	}
	return pkt.Data, true, nil
}

// beginLineRead transfers the parent into a suspended read computation,
// the only point where the reader doesn't hold it directly.
func (r *Reader) beginLineRead() {
	parent := r.parent
	r.parent = nil
	p := &pendingRead{done: make(chan struct{})}
	go func() {
		pkt, ok, err := parent.ReadLine()
		p.pkt, p.ok, p.err = pkt, ok, err
		p.parent = parent
		close(p.done)
	}()
	r.pending = p
}

// Done returns a channel that closes once the in-flight read
// completes, or nil if no read is suspended. A cooperative,
// single-threaded caller selects on this instead of blocking — it is
// the one named suspension point in the reader's contract.
func (r *Reader) Done() <-chan struct{} {
	if r.pending == nil {
		return nil
	}
	return r.pending.done
}

// awaitLineRead blocks until the in-flight read completes (starting
// one first if none is in flight), reclaiming exclusive parent access.
func (r *Reader) awaitLineRead() (pktline.Packet, bool, error) {
	if r.pending == nil {
		r.beginLineRead()
	}
	p := r.pending
	<-p.done
	r.parent = p.parent
	r.pending = nil
	return p.pkt, p.ok, p.err
}

// tryAwaitLineRead is the non-blocking counterpart used by TryFillBuf:
// it starts a read if needed and reports done=false without blocking
// if that read (or one already in flight) hasn't completed yet.
func (r *Reader) tryAwaitLineRead() (pkt pktline.Packet, ok bool, err error, done bool) {
	if r.pending == nil {
		r.beginLineRead()
	}
	p := r.pending
	select {
	case <-p.done:
		r.parent = p.parent
		r.pending = nil
		return p.pkt, p.ok, p.err, true
	default:
		return pktline.Packet{}, false, nil, false
	}
}

// dispatchLine interprets one packet already read from the parent,
// either producing a new data window (produced=true, err=nil), ending
// the stream (produced=true, err=io.EOF), failing (err != nil), or
// requiring another line because this one was progress/error
// (produced=false).
func (r *Reader) dispatchLine(pkt pktline.Packet, ok bool) (produced bool, err error) {
	if !ok {
		r.pos, r.cap = 0, 0
		return true, io.EOF
	}

	if r.handler == nil {
		if pkt.Kind != pktline.KindData {
			return true, ErrUnexpectedEOF
		}
		r.data = pkt.Data
		r.pos, r.cap = 0, len(pkt.Data)
		return true, nil
	}

	if pkt.Kind != pktline.KindData {
		return true, fmt.Errorf("sideband: decode error: non-data line (kind %d)", pkt.Kind)
	}
	if len(pkt.Data) == 0 {
		return true, errors.New("sideband: empty data line")
	}

	band, payload := Band(pkt.Data[0]), pkt.Data[1:]
	switch band {
	case PackData:
		r.data = payload
		r.pos, r.cap = 0, len(payload)
		return true, nil
	case ProgressMessage:
		r.handler(false, stripControl(payload))
		return false, nil
	case ErrorMessage:
		r.handler(true, stripControl(payload))
		return false, nil
	default:
		return true, fmt.Errorf("sideband: decode error: unknown band %#x", byte(band))
	}
}

// FillBuf returns the data-band bytes currently available, reading and
// decoding further parent lines (including any interleaved
// progress/error lines) until a data line produces bytes or the
// stream ends. It blocks until that happens.
func (r *Reader) FillBuf() ([]byte, error) {
	for r.pos >= r.cap {
		pkt, ok, err := r.awaitLineRead()
		if err != nil {
			return nil, err
		}
		if produced, derr := r.dispatchLine(pkt, ok); derr != nil {
			return nil, derr
		} else if produced {
			break
		}
	}
	return r.data[r.pos:r.cap], nil
}

// TryFillBuf is the cooperative counterpart of FillBuf: it never
// blocks. ready is false if an in-flight read hasn't completed yet;
// the caller should wait on Done() and retry.
func (r *Reader) TryFillBuf() (data []byte, ready bool, err error) {
	for r.pos >= r.cap {
		pkt, ok, perr, done := r.tryAwaitLineRead()
		if !done {
			return nil, false, nil
		}
		if perr != nil {
			return nil, true, perr
		}
		if produced, derr := r.dispatchLine(pkt, ok); derr != nil {
			return nil, true, derr
		} else if produced {
			break
		}
	}
	return r.data[r.pos:r.cap], true, nil
}

// Consume advances past n bytes of the currently exposed data window,
// saturating at the window's end.
func (r *Reader) Consume(n int) {
	r.pos += n
	if r.pos > r.cap {
		r.pos = r.cap
	}
}

// Read implements io.Reader over the demultiplexed data band.
func (r *Reader) Read(p []byte) (int, error) {
	data, err := r.FillBuf()
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	r.Consume(n)
	return n, nil
}

// ReadLine reads one packet-line worth of data-band bytes into buf,
// replacing its contents, and returns the number of bytes read.
func (r *Reader) ReadLine(buf *[]byte) (int, error) {
	if r.pos < r.cap {
		panic("sideband: ReadLine called with unconsumed buffered data")
	}
	data, err := r.FillBuf()
	if err != nil {
		return 0, err
	}
	*buf = append((*buf)[:0], data...)
	r.pos = r.cap
	return len(data), nil
}

// Close implements the reader's drop semantics: if idle, it resets the
// parent iterator's stop state so a subsequent borrower doesn't
// observe a stale terminator. If a read is still suspended, Close
// abandons it without blocking, mirroring cancellation by dropping the
// future that owned the reader in the cooperative model.
func (r *Reader) Close() error {
	if r.pending != nil {
		return nil
	}
	if r.parent != nil {
		r.parent.Reset()
	}
	return nil
}
