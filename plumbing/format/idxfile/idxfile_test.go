package idxfile_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paq/gitpack/plumbing"
	"github.com/paq/gitpack/plumbing/format/idxfile"
)

// memFile adapts a bytes.Reader to idxfile.File for tests.
type memFile struct {
	*bytes.Reader
	size int64
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Stat() (fs.FileInfo, error) { return memFileInfo{m.size}, nil }

type memFileInfo struct{ size int64 }

func (i memFileInfo) Name() string       { return "test.idx" }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() interface{}   { return nil }

// buildIdx assembles a minimal valid version-2 idx file (SHA1, 32-bit
// offsets only) containing the given oid/offset/crc triples, which must
// already be sorted ascending by oid.
func buildIdx(t *testing.T, entries []idxfile.Entry) []byte {
	t.Helper()
	hashSize := plumbing.SHA1.Size()

	buf := bytes.NewBuffer(nil)
	buf.Write(idxfile.Header)
	binary.Write(buf, binary.BigEndian, uint32(idxfile.VersionSupported))

	var fanout [256]uint32
	for _, e := range entries {
		b := e.Hash.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}
	for _, f := range fanout {
		binary.Write(buf, binary.BigEndian, f)
	}

	for _, e := range entries {
		buf.Write(e.Hash.Bytes())
	}
	for _, e := range entries {
		binary.Write(buf, binary.BigEndian, e.CRC32)
	}
	for _, e := range entries {
		binary.Write(buf, binary.BigEndian, uint32(e.Offset))
	}

	buf.Write(make([]byte, hashSize)) // pack checksum
	buf.Write(make([]byte, hashSize)) // idx file checksum

	return buf.Bytes()
}

func hashFor(t *testing.T, b byte, rest string) plumbing.Hash {
	t.Helper()
	h, err := plumbing.FromHex(fmt.Sprintf("%02x%s", b, rest))
	require.NoError(t, err)
	return h
}

func TestReaderAtIndexFindOffsetAndCRC32(t *testing.T) {
	e1 := idxfile.Entry{Hash: hashFor(t, 0x01, "11111111111111111111111111111111111111"), Offset: 100, CRC32: 0xAAAA}
	e2 := idxfile.Entry{Hash: hashFor(t, 0x02, "22222222222222222222222222222222222222"), Offset: 200, CRC32: 0xBBBB}
	e3 := idxfile.Entry{Hash: hashFor(t, 0xFF, "33333333333333333333333333333333333333"), Offset: 300, CRC32: 0xCCCC}

	raw := buildIdx(t, []idxfile.Entry{e1, e2, e3})
	f := &memFile{Reader: bytes.NewReader(raw), size: int64(len(raw))}

	idx, err := idxfile.Open(f, plumbing.SHA1)
	require.NoError(t, err)
	defer idx.Close()

	count, err := idx.Count()
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	off, err := idx.FindOffset(e2.Hash)
	require.NoError(t, err)
	require.Equal(t, int64(200), off)

	crc, err := idx.FindCRC32(e3.Hash)
	require.NoError(t, err)
	require.Equal(t, uint32(0xCCCC), crc)

	ok, err := idx.Contains(e1.Hash)
	require.NoError(t, err)
	require.True(t, ok)

	missing := hashFor(t, 0x50, "00000000000000000000000000000000000000")
	_, err = idx.FindOffset(missing)
	require.ErrorIs(t, err, plumbing.ErrObjectNotFound)
}

func TestReaderAtIndexEntriesInOrder(t *testing.T) {
	e1 := idxfile.Entry{Hash: hashFor(t, 0x01, "11111111111111111111111111111111111111"), Offset: 10, CRC32: 1}
	e2 := idxfile.Entry{Hash: hashFor(t, 0x02, "22222222222222222222222222222222222222"), Offset: 20, CRC32: 2}

	raw := buildIdx(t, []idxfile.Entry{e1, e2})
	f := &memFile{Reader: bytes.NewReader(raw), size: int64(len(raw))}

	idx, err := idxfile.Open(f, plumbing.SHA1)
	require.NoError(t, err)
	defer idx.Close()

	it, err := idx.Entries()
	require.NoError(t, err)

	got, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, e1.Hash, got.Hash)

	got, err = it.Next()
	require.NoError(t, err)
	require.Equal(t, e2.Hash, got.Hash)

	_, err = it.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenRejectsBadSignature(t *testing.T) {
	raw := buildIdx(t, nil)
	raw[0] = 0

	f := &memFile{Reader: bytes.NewReader(raw), size: int64(len(raw))}
	_, err := idxfile.Open(f, plumbing.SHA1)
	require.ErrorIs(t, err, idxfile.ErrInvalidIndex)
}
