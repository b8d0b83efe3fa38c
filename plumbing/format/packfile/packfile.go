// Package packfile provides just enough of git's pack-file format to
// support deep MIDX verification: opening a pack alongside its index
// and walking every indexed object to confirm its CRC32 (and,
// depending on VerifyMode, its decompressed content) matches what the
// index claims.
//
// Delta objects are read and CRC32-checked like any other object but
// are not resolved against their base during decode — full delta-chain
// reconstruction belongs to a content-addressed object store, which is
// explicitly out of scope (spec Non-goals: "object content semantics").
package packfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/paq/gitpack/plumbing"
)

var signature = []byte{'P', 'A', 'C', 'K'}

// VersionSupported is the only pack format version this reader understands.
const VersionSupported = 2

// ErrBadSignature is returned when a pack file doesn't start with "PACK".
var ErrBadSignature = errors.New("packfile: bad signature")

// ErrUnsupportedVersion is returned for a pack version other than 2.
var ErrUnsupportedVersion = errors.New("packfile: unsupported version")

// ObjectType identifies the kind of object an entry header describes.
type ObjectType uint8

const (
	InvalidObject ObjectType = 0
	CommitObject  ObjectType = 1
	TreeObject    ObjectType = 2
	BlobObject    ObjectType = 3
	TagObject     ObjectType = 4
	OFSDeltaObject ObjectType = 6
	REFDeltaObject ObjectType = 7
)

func (t ObjectType) IsDelta() bool {
	return t == OFSDeltaObject || t == REFDeltaObject
}

func (t ObjectType) Valid() bool {
	switch t {
	case CommitObject, TreeObject, BlobObject, TagObject, OFSDeltaObject, REFDeltaObject:
		return true
	default:
		return false
	}
}

const (
	maskContinue = 0x80
	maskType     = uint8(0x70)
	typeShift    = 4
)

// objectHeaderType extracts the object type from an entry's first header byte.
func objectHeaderType(b byte) ObjectType {
	return ObjectType((b & maskType) >> typeShift)
}

// readVariableLengthSize decodes the size-varint that follows the type
// bits of an object header: the low 4 bits of first, then 7-bit groups
// from r for as long as the continuation bit is set.
func readVariableLengthSize(first byte, r io.ByteReader) (uint64, error) {
	size := uint64(first & 0x0F)
	if first&maskContinue == 0 {
		return size, nil
	}
	shift := uint(4)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		size |= uint64(b&0x7F) << shift
		if b&maskContinue == 0 {
			break
		}
		shift += 7
	}
	return size, nil
}

// readNegativeOffset decodes the OFS_DELTA base-offset varint, git's
// own big-endian-ish base-128 encoding (distinct from the size varint).
func readNegativeOffset(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	n := int64(b & 0x7F)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		n = ((n + 1) << 7) | int64(b&0x7F)
	}
	return n, nil
}

// ObjectHeader describes one pack entry as found at a given offset.
type ObjectHeader struct {
	Offset          int64
	Type            ObjectType
	Size            int64 // declared decompressed size
	OffsetReference int64 // valid when Type == OFSDeltaObject
	Reference       plumbing.Hash // valid when Type == REFDeltaObject
	ContentOffset   int64 // offset of the first byte of the zlib stream
}

// countingByteReader wraps a bufio.Reader to report how many bytes
// have been consumed, needed to measure an object's compressed length
// (pack entries have no explicit compressed-length field).
type countingByteReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingByteReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingByteReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ReadObjectHeader parses one object entry header starting at the
// reader's current position.
func ReadObjectHeader(r *countingByteReader, offset int64, hashSize int) (*ObjectHeader, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	typ := objectHeaderType(b)
	if !typ.Valid() {
		return nil, fmt.Errorf("packfile: invalid object type %d at offset %d", b, offset)
	}
	size, err := readVariableLengthSize(b, r)
	if err != nil {
		return nil, err
	}

	oh := &ObjectHeader{Offset: offset, Type: typ, Size: int64(size)}

	switch typ {
	case OFSDeltaObject:
		neg, err := readNegativeOffset(r)
		if err != nil {
			return nil, err
		}
		oh.OffsetReference = offset - neg
	case REFDeltaObject:
		raw := make([]byte, hashSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		format := plumbing.SHA1
		if hashSize == plumbing.SHA256Size {
			format = plumbing.SHA256
		}
		oh.Reference = plumbing.NewHash(format, raw)
	}

	oh.ContentOffset = offset + r.n
	return oh, nil
}

// EntryResult is what verifying a single pack entry produces.
type EntryResult struct {
	Header          ObjectHeader
	CompressedSize  int64
	CRC32           uint32
	DecompressedLen int64 // 0 unless VerifyMode requests decode
}

// crc32Reader tees bytes read through it into a running CRC32 while
// counting them, the only way to learn an entry's compressed length
// since pack entries carry no explicit compressed-size field.
type crc32Reader struct {
	r   io.Reader
	crc hash32
	n   int64
}

type hash32 interface {
	Write([]byte) (int, error)
	Sum32() uint32
}

func (c *crc32Reader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.crc.Write(p[:n])
		c.n += int64(n)
	}
	return n, err
}

// ReadByte makes crc32Reader an io.ByteReader, so the zlib reader
// consumes it byte by byte instead of wrapping it in its own buffer and
// reading past the end of the entry's compressed stream.
func (c *crc32Reader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadEntry reads the object entry whose header starts at offset within
// packReader (an io.ReaderAt over the whole pack file), inflating its
// zlib stream to find where the entry ends; decode only controls
// whether the decompressed length is recorded. hashSize selects the
// REF_DELTA reference size.
func ReadEntry(packReader io.ReaderAt, packSize int64, offset int64, hashSize int, decode bool) (*EntryResult, error) {
	sr := io.NewSectionReader(packReader, offset, packSize-offset)
	br := bufio.NewReader(sr)
	cbr := &countingByteReader{r: br}

	oh, err := ReadObjectHeader(cbr, offset, hashSize)
	if err != nil {
		return nil, fmt.Errorf("packfile: reading header at %d: %w", offset, err)
	}

	crc := crc32.NewIEEE()

	headerLen := oh.ContentOffset - oh.Offset
	headerBuf := make([]byte, headerLen)
	if _, err := packReader.ReadAt(headerBuf, oh.Offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("packfile: re-reading header bytes at %d: %w", offset, err)
	}
	crc.Write(headerBuf)

	tee := &crc32Reader{r: br, crc: crc}
	zr, err := zlib.NewReader(tee)
	if err != nil {
		return nil, fmt.Errorf("packfile: zlib open at %d: %w", offset, err)
	}
	defer zr.Close()

	var decompressedLen int64
	if decode {
		n, err := io.Copy(io.Discard, zr)
		if err != nil {
			return nil, fmt.Errorf("packfile: inflate at %d: %w", offset, err)
		}
		decompressedLen = n
	} else {
		if _, err := io.Copy(io.Discard, zr); err != nil {
			return nil, fmt.Errorf("packfile: inflate at %d: %w", offset, err)
		}
	}

	return &EntryResult{
		Header:          *oh,
		CompressedSize:  headerLen + tee.n,
		CRC32:           crc.Sum32(),
		DecompressedLen: decompressedLen,
	}, nil
}

// ReadHeader validates the "PACK" signature, version and object count
// at the start of r.
func ReadHeader(r io.Reader) (objectCount uint32, err error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("packfile: reading header: %w", err)
	}
	if string(buf[:4]) != string(signature) {
		return 0, ErrBadSignature
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != VersionSupported {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return binary.BigEndian.Uint32(buf[8:12]), nil
}
