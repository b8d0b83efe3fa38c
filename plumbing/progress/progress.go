// Package progress defines the progress-reporting sink used by the
// verifier and sideband reader. It mirrors go-git's own convention
// (plumbing/transport's Progress field is a plain io.Writer fed by the
// sideband progress band) rather than inventing a richer interface: a
// sink is just something text can be written to.
package progress

import (
	"fmt"
	"io"
)

// Sink receives human-readable progress lines. A nil Sink is valid and
// discards everything; use Noop to get one explicitly.
type Sink io.Writer

// Noop is a Sink that discards all writes.
var Noop Sink = noopSink{}

type noopSink struct{}

func (noopSink) Write(p []byte) (int, error) { return len(p), nil }

// Named wraps a Sink so every line written through it is prefixed with
// a stream name, matching the "named sub-progress streams" the verifier
// reports through (checksum, checking oid order, per-pack-name, verify
// object offsets). Names are advisory only.
type Named struct {
	sink Sink
	name string
}

// ForStream returns a Sink that prefixes writes with name. Passing a
// nil sink is valid and yields a no-op stream.
func ForStream(sink Sink, name string) Named {
	if sink == nil {
		sink = Noop
	}
	return Named{sink: sink, name: name}
}

func (n Named) Write(p []byte) (int, error) {
	if _, err := fmt.Fprintf(n.sink, "%s: ", n.name); err != nil {
		return 0, err
	}
	return n.sink.Write(p)
}

// Countf writes a formatted progress line tagged with the stream name.
func (n Named) Countf(format string, args ...interface{}) {
	fmt.Fprintf(n, format+"\n", args...)
}
