package packfile_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/paq/gitpack/plumbing"
	"github.com/paq/gitpack/plumbing/format/idxfile"
	"github.com/paq/gitpack/plumbing/format/packfile"
)

// encodeObjectHeader builds a pack object header byte sequence for typ
// and size, the inverse of the decoder's objectHeaderType/
// readVariableLengthSize pair: a continuation-bit-terminated run of
// 4-then-7-bit little-endian groups.
func encodeObjectHeader(typ packfile.ObjectType, size uint64) []byte {
	first := byte(typ)<<4 | byte(size&0x0F)
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	buf := []byte{first}
	for size > 0 {
		b := byte(size & 0x7F)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// encodeOfsDeltaOffset encodes n, the byte distance back to an
// OFS_DELTA object's base, in git's base-128 negative-offset form: the
// inverse of readNegativeOffset in packfile.go.
func encodeOfsDeltaOffset(n int64) []byte {
	out := []byte{byte(n & 0x7f)}
	n >>= 7
	for n != 0 {
		n--
		out = append(out, byte(0x80|(n&0x7f)))
		n >>= 7
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	w := zlib.NewWriter(buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// buildEntryBytes assembles one pack entry: header + zlib(content).
func buildEntryBytes(t *testing.T, header []byte, content []byte) []byte {
	t.Helper()
	return append(append([]byte{}, header...), zlibCompress(t, content)...)
}

func packHeader(count uint32) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteString("PACK")
	binary.Write(buf, binary.BigEndian, uint32(packfile.VersionSupported))
	binary.Write(buf, binary.BigEndian, count)
	return buf.Bytes()
}

func hashForByte(t *testing.T, b byte, rest string) plumbing.Hash {
	t.Helper()
	h, err := plumbing.FromHex(fmt.Sprintf("%02x%s", b, rest))
	require.NoError(t, err)
	return h
}

// buildIdxBytes assembles a minimal version-2 idx file (SHA1, 32-bit
// offsets) for entries, which must already be sorted ascending by oid.
// Mirrors idxfile_test.go's buildIdx, duplicated here since that helper
// is unexported across package boundaries.
func buildIdxBytes(t *testing.T, entries []idxfile.Entry) []byte {
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

func TestReadHeaderValidatesSignatureAndVersion(t *testing.T) {
	good := packHeader(3)
	count, err := packfile.ReadHeader(bytes.NewReader(good))
	require.NoError(t, err)
	require.Equal(t, uint32(3), count)

	badSig := append([]byte{}, good...)
	badSig[0] = 'X'
	_, err = packfile.ReadHeader(bytes.NewReader(badSig))
	require.ErrorIs(t, err, packfile.ErrBadSignature)

	badVersion := packHeader(3)
	binary.BigEndian.PutUint32(badVersion[4:8], 3)
	_, err = packfile.ReadHeader(bytes.NewReader(badVersion))
	require.ErrorIs(t, err, packfile.ErrUnsupportedVersion)

	_, err = packfile.ReadHeader(bytes.NewReader(good[:8]))
	require.Error(t, err)
}

func TestReadEntryBlobRoundTrips(t *testing.T) {
	content := []byte("hello, pack entry")
	header := encodeObjectHeader(packfile.BlobObject, uint64(len(content)))
	entry := buildEntryBytes(t, header, content)

	res, err := packfile.ReadEntry(bytes.NewReader(entry), int64(len(entry)), 0, plumbing.SHA1Size, true)
	require.NoError(t, err)
	require.Equal(t, packfile.BlobObject, res.Header.Type)
	require.Equal(t, int64(len(content)), res.Header.Size)
	require.Equal(t, int64(len(content)), res.DecompressedLen)
	require.Greater(t, res.CompressedSize, int64(0))
	require.NotZero(t, res.CRC32)
}

func TestReadEntryOfsDeltaRecordsBaseOffset(t *testing.T) {
	baseOffset := int64(0)
	deltaOffset := int64(200)

	header := encodeObjectHeader(packfile.OFSDeltaObject, 32)
	header = append(header, encodeOfsDeltaOffset(deltaOffset-baseOffset)...)
	entry := buildEntryBytes(t, header, []byte("pretend delta instructions"))

	padded := make([]byte, deltaOffset)
	padded = append(padded, entry...)

	res, err := packfile.ReadEntry(bytes.NewReader(padded), int64(len(padded)), deltaOffset, plumbing.SHA1Size, true)
	require.NoError(t, err)
	require.Equal(t, packfile.OFSDeltaObject, res.Header.Type)
	require.Equal(t, baseOffset, res.Header.OffsetReference)
}

func TestReadEntryRefDeltaRecordsReference(t *testing.T) {
	base := hashForByte(t, 0x42, "42424242424242424242424242424242424242")

	header := encodeObjectHeader(packfile.REFDeltaObject, 16)
	header = append(header, base.Bytes()...)
	entry := buildEntryBytes(t, header, []byte("ref delta instructions"))

	res, err := packfile.ReadEntry(bytes.NewReader(entry), int64(len(entry)), 0, plumbing.SHA1Size, true)
	require.NoError(t, err)
	require.Equal(t, packfile.REFDeltaObject, res.Header.Type)
	require.Equal(t, base, res.Header.Reference)
}

func TestReadEntryTruncatedBodyFails(t *testing.T) {
	content := []byte("a reasonably long blob body to compress")
	header := encodeObjectHeader(packfile.BlobObject, uint64(len(content)))
	entry := buildEntryBytes(t, header, content)

	truncated := entry[:len(entry)-2]
	_, err := packfile.ReadEntry(bytes.NewReader(truncated), int64(len(truncated)), 0, plumbing.SHA1Size, true)
	require.Error(t, err)
}

// buildBundleFixture writes a two-object pack and its matching idx to
// dir, returning the idx filename FileOpener expects and the CRC32s
// ReadEntry itself computed for each object (the idx is built from
// these, not independently recomputed, so the fixture's correctness
// rests on ReadEntry rather than on duplicating its CRC32 logic).
func buildBundleFixture(t *testing.T, dir string) (indexName string, entries []idxfile.Entry) {
	t.Helper()

	content1 := []byte("first object content")
	content2 := []byte("second, slightly longer object content")

	header1 := encodeObjectHeader(packfile.BlobObject, uint64(len(content1)))
	header2 := encodeObjectHeader(packfile.BlobObject, uint64(len(content2)))

	body := packHeader(2)
	offset1 := int64(len(body))
	entry1 := buildEntryBytes(t, header1, content1)
	body = append(body, entry1...)
	offset2 := int64(len(body))
	entry2 := buildEntryBytes(t, header2, content2)
	body = append(body, entry2...)
	body = append(body, make([]byte, plumbing.SHA1Size)...) // trailing pack checksum, unchecked by this reader

	res1, err := packfile.ReadEntry(bytes.NewReader(body), int64(len(body)), offset1, plumbing.SHA1Size, true)
	require.NoError(t, err)
	res2, err := packfile.ReadEntry(bytes.NewReader(body), int64(len(body)), offset2, plumbing.SHA1Size, true)
	require.NoError(t, err)

	entries = []idxfile.Entry{
		{Hash: hashForByte(t, 0x01, "11111111111111111111111111111111111111"), Offset: uint64(offset1), CRC32: res1.CRC32},
		{Hash: hashForByte(t, 0x02, "22222222222222222222222222222222222222"), Offset: uint64(offset2), CRC32: res2.CRC32},
	}

	indexName = "fixture.idx"
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexName), buildIdxBytes(t, entries), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fixture.pack"), body, 0o644))
	return indexName, entries
}

func TestFileBundleVerifyIntegrityGoodPack(t *testing.T) {
	dir := t.TempDir()
	indexName, _ := buildBundleFixture(t, dir)

	bundle, err := packfile.FileOpener{}.OpenBundle(context.Background(), dir, indexName, plumbing.SHA1)
	require.NoError(t, err)
	defer bundle.Close()

	stats, err := bundle.VerifyIntegrity(context.Background(), packfile.VerifyOptions{Mode: packfile.HashCrc32Decode})
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.ObjectCount)
	require.Greater(t, stats.DecompressedBytes, int64(0))
	require.Greater(t, stats.CompressedBytes, int64(0))
}

func TestFileBundleVerifyIntegrityCRC32Mismatch(t *testing.T) {
	dir := t.TempDir()
	_, entries := buildBundleFixture(t, dir)

	// Corrupt the first entry's recorded CRC32 so it disagrees with what
	// ReadEntry actually computes for the pack bytes on disk.
	corrupted := append([]idxfile.Entry{}, entries...)
	corrupted[0].CRC32 ^= 0xFFFFFFFF
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mismatch.idx"), buildIdxBytes(t, corrupted), 0o644))
	require.NoError(t, os.Rename(filepath.Join(dir, "fixture.pack"), filepath.Join(dir, "mismatch.pack")))

	bundle, err := packfile.FileOpener{}.OpenBundle(context.Background(), dir, "mismatch.idx", plumbing.SHA1)
	require.NoError(t, err)
	defer bundle.Close()

	_, err = bundle.VerifyIntegrity(context.Background(), packfile.VerifyOptions{Mode: packfile.HashCrc32})
	require.Error(t, err)
	require.Contains(t, err.Error(), "crc32 mismatch")
}

func TestFileBundleVerifyIntegrityTruncatedPack(t *testing.T) {
	dir := t.TempDir()
	indexName, _ := buildBundleFixture(t, dir)

	// Cut past the trailing SHA1 checksum (20 zero bytes, unread by
	// ReadEntry) and into the last entry's zlib stream itself, so the
	// truncation actually corrupts data rather than unused padding.
	packPath := filepath.Join(dir, "fixture.pack")
	raw, err := os.ReadFile(packPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(packPath, raw[:len(raw)-25], 0o644))

	bundle, err := packfile.FileOpener{}.OpenBundle(context.Background(), dir, indexName, plumbing.SHA1)
	require.NoError(t, err)
	defer bundle.Close()

	_, err = bundle.VerifyIntegrity(context.Background(), packfile.VerifyOptions{Mode: packfile.HashCrc32Decode})
	require.Error(t, err)
}

func TestOpenBundleMissingPackFile(t *testing.T) {
	dir := t.TempDir()
	indexName, _ := buildBundleFixture(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "fixture.pack")))

	_, err := packfile.FileOpener{}.OpenBundle(context.Background(), dir, indexName, plumbing.SHA1)
	require.ErrorIs(t, err, packfile.ErrBundleInit)
}
