package pktline

import (
	"bytes"
	"errors"
	"io"
)

// ErrNegativeCount is returned by Peek when asked for a negative
// number of bytes.
var ErrNegativeCount = errors.New("pktline: negative count")

// Reader wraps an io.Reader with a small internal buffer so pkt-lines
// can be peeked before they are consumed.
type Reader struct {
	r   io.Reader
	buf []byte // bytes read ahead of the last consumed position
}

// NewReader returns a Reader that reads pkt-lines from r. If r is
// already a *Reader it is returned unchanged.
func NewReader(r io.Reader) *Reader {
	if rdr, ok := r.(*Reader); ok {
		return rdr
	}
	return &Reader{r: r}
}

// Peek returns the next n bytes without advancing the reader.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeCount
	}
	for len(r.buf) < n {
		chunk := make([]byte, n-len(r.buf))
		rn, err := r.r.Read(chunk)
		r.buf = append(r.buf, chunk[:rn]...)
		if err != nil {
			return r.buf, err
		}
	}
	return r.buf[:n], nil
}

// Read implements io.Reader, draining the peek buffer first.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	if len(r.buf) > 0 {
		n = copy(p, r.buf)
		r.buf = r.buf[n:]
	}
	if n < len(p) {
		rn, err := r.r.Read(p[n:])
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *Reader) discard(n int) {
	r.buf = r.buf[n:]
}

// PeekPacket reports the next pkt-line without consuming it, with the
// same lengths ReadPacket reports: the sentinel for Flush, Delim and
// ResponseEnd, otherwise the encoded length (payload length + 4). The
// returned payload is only valid until the next call to Peek, Read or
// ReadPacket.
func (r *Reader) PeekPacket() (length int, payload []byte, err error) {
	hdr, err := r.Peek(lenSize)
	if err != nil {
		return Err, nil, err
	}
	length, err = ParseLength(hdr)
	if err != nil {
		return Err, nil, err
	}
	if n, _ := hexDecode(hdr); n < lenSize {
		return length, nil, nil
	}
	full, err := r.Peek(lenSize + length)
	if err != nil {
		return Err, nil, err
	}
	return length + lenSize, full[lenSize:], nil
}

// ReadPacket reads and consumes one pkt-line.
func (r *Reader) ReadPacket() (length int, payload []byte, err error) {
	length, peeked, err := r.PeekPacket()
	if err != nil {
		return Err, nil, err
	}
	switch length {
	case Flush, Delim, ResponseEnd:
		r.discard(lenSize)
		return length, nil, nil
	}
	payload = bytes.Clone(peeked)
	r.discard(length)
	return length, payload, nil
}
