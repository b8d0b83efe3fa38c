package pktline

// PacketKind classifies a decoded pkt-line.
type PacketKind int

const (
	// KindData marks a line carrying a payload.
	KindData PacketKind = iota
	// KindFlush marks a flush-pkt (0000).
	KindFlush
	// KindDelim marks a delim-pkt (0001).
	KindDelim
	// KindResponseEnd marks a response-end-pkt (0002).
	KindResponseEnd
)

// Packet is a decoded pkt-line: a terminator kind, or KindData with a
// payload.
type Packet struct {
	Kind PacketKind
	Data []byte
}

func classify(length int, payload []byte) Packet {
	switch length {
	case Flush:
		return Packet{Kind: KindFlush}
	case Delim:
		return Packet{Kind: KindDelim}
	case ResponseEnd:
		return Packet{Kind: KindResponseEnd}
	default:
		return Packet{Kind: KindData, Data: payload}
	}
}

// Iterator turns a byte stream into a sequence of pkt-lines, with
// support for peeking the next line and for stopping at a
// caller-configured set of terminator kinds. By default it stops at
// KindFlush, the convention used by most git wire protocols.
//
// Once a configured terminator is read, the iterator reports it via
// StoppedAt and every subsequent ReadLine/PeekLine returns ok=false
// until Reset or ResetWith is called.
type Iterator struct {
	r         *Reader
	stopAt    map[PacketKind]bool
	stoppedAt *Packet
}

// NewIterator returns an Iterator reading from r, stopping at KindFlush.
func NewIterator(r *Reader) *Iterator {
	return &Iterator{
		r:      r,
		stopAt: map[PacketKind]bool{KindFlush: true},
	}
}

// ResetWith reconfigures which terminator kinds stop iteration and
// clears any previously recorded stop.
func (it *Iterator) ResetWith(kinds ...PacketKind) {
	stop := make(map[PacketKind]bool, len(kinds))
	for _, k := range kinds {
		stop[k] = true
	}
	it.stopAt = stop
	it.stoppedAt = nil
}

// Reset clears any recorded stop, returning the iterator to a clean
// baseline without changing its terminator configuration. Used to
// recover a parent iterator for reuse once a borrower is done with it.
func (it *Iterator) Reset() {
	it.stoppedAt = nil
}

// StoppedAt reports the terminator packet that most recently ended
// iteration, or nil if iteration hasn't stopped.
func (it *Iterator) StoppedAt() *Packet {
	return it.stoppedAt
}

// PeekLine reports the next packet without consuming it. ok is false
// once iteration has stopped at a configured terminator.
func (it *Iterator) PeekLine() (pkt Packet, ok bool, err error) {
	if it.stoppedAt != nil {
		return Packet{}, false, nil
	}
	length, payload, err := it.r.PeekPacket()
	if err != nil {
		return Packet{}, false, err
	}
	return classify(length, payload), true, nil
}

// ReadLine consumes and returns the next packet. ok is false once a
// configured terminator has been read (including this call); the
// terminator itself is retrievable via StoppedAt.
func (it *Iterator) ReadLine() (pkt Packet, ok bool, err error) {
	if it.stoppedAt != nil {
		return Packet{}, false, nil
	}
	length, payload, err := it.r.ReadPacket()
	if err != nil {
		return Packet{}, false, err
	}
	pkt = classify(length, payload)
	if pkt.Kind != KindData && it.stopAt[pkt.Kind] {
		stopped := pkt
		it.stoppedAt = &stopped
		return Packet{}, false, nil
	}
	return pkt, true, nil
}
