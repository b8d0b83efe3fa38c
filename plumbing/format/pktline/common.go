package pktline

// Status is the length ReadPacket/PeekPacket/ParseLength report for a
// pkt-line that carries no payload of its own: a sentinel rather than a
// byte count. For an ordinary data pkt, ReadPacket and PeekPacket report
// its encoded length (payload length + 4, always greater than 2), while
// ParseLength reports its payload length, which for a 1- or 2-byte
// payload equals Delim or ResponseEnd; the readers therefore tell a
// sentinel from data by the raw header value. classify (iterator.go) is
// what maps
// these sentinels onto the PacketKind a consumer like sideband.Reader
// actually switches on, so this file stays the narrow wire-level
// vocabulary underneath that and never grows a consumer-facing enum of
// its own.
type Status = int

const (
	// Err is returned when the pktline has encountered an error.
	Err Status = iota - 1

	// Flush is the numeric value of a flush packet. It is returned when the
	// pktline is a flush packet.
	Flush

	// Delim is the numeric value of a delim packet. It is returned when the
	// pktline is a delim packet.
	Delim

	// ResponseEnd is the numeric value of a response-end packet. It is
	// returned when the pktline is a response-end packet.
	ResponseEnd
)

var (
	// FlushPkt are the contents of a flush-pkt pkt-line.
	FlushPkt = []byte{'0', '0', '0', '0'}

	// DelimPkt are the contents of a delim-pkt pkt-line.
	DelimPkt = []byte{'0', '0', '0', '1'}

	// ResponseEndPkt are the contents of a response-end-pkt pkt-line.
	ResponseEndPkt = []byte{'0', '0', '0', '2'}
)
