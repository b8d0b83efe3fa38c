package pktline_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paq/gitpack/plumbing/format/pktline"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	_, err := pktline.WritePacket(buf, []byte("hello"))
	require.NoError(t, err)

	length, payload, err := pktline.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, len("hello")+4, length)
	require.Equal(t, []byte("hello"), payload)
}

func TestWriteFlushDelimResponseEnd(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	require.NoError(t, pktline.WriteFlush(buf))
	require.NoError(t, pktline.WriteDelim(buf))
	require.NoError(t, pktline.WriteResponseEnd(buf))

	length, _, err := pktline.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, pktline.Flush, length)

	length, _, err = pktline.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, pktline.Delim, length)

	length, _, err = pktline.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, pktline.ResponseEnd, length)
}

func TestWritePacketTooLong(t *testing.T) {
	_, err := pktline.WritePacket(io.Discard, make([]byte, pktline.MaxPayloadSize+1))
	require.ErrorIs(t, err, pktline.ErrPayloadTooLong)
}

func TestReaderPeekDoesNotConsume(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	_, err := pktline.WritePacket(buf, []byte("peekme"))
	require.NoError(t, err)

	r := pktline.NewReader(buf)
	_, payload, err := r.PeekPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("peekme"), payload)

	_, payload, err = r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("peekme"), payload)
}

func TestIteratorStopsAtFlushByDefault(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	_, err := pktline.WritePacket(buf, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, pktline.WriteFlush(buf))
	_, err = pktline.WritePacket(buf, []byte("never seen"))
	require.NoError(t, err)

	it := pktline.NewIterator(pktline.NewReader(buf))

	pkt, ok, err := it.ReadLine()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pktline.KindData, pkt.Kind)
	require.Equal(t, []byte("a"), pkt.Data)

	pkt, ok, err = it.ReadLine()
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, it.StoppedAt())
	// the flush packet itself caused the stop; reading again still
	// reports not-ok without touching the underlying reader.
	require.NotPanics(t, func() { it.ReadLine() })

	_ = pkt
}

func TestIteratorResetWithChangesTerminators(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	require.NoError(t, pktline.WriteDelim(buf))

	it := pktline.NewIterator(pktline.NewReader(buf))
	it.ResetWith(pktline.KindDelim)

	_, ok, err := it.ReadLine()
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, it.StoppedAt())
	require.Equal(t, pktline.KindDelim, it.StoppedAt().Kind)
}
