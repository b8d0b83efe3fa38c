// Package midx reads git's multi-pack-index file: a single on-disk
// index mapping object ids across every pack in a repository's object
// store to a (pack id, pack offset) pair, letting a lookup skip
// straight to the right pack instead of probing each one's own .idx in
// turn.
//
// The reader here is read-only, mirroring idxfile's lazy-over-an-
// io.ReaderAt design but loading the whole file into memory: the
// verifier needs to hash every byte of it anyway (see Verifier in
// verify.go), and a MIDX is orders of magnitude smaller than the packs
// it indexes.
package midx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/paq/gitpack/plumbing"
)

// Layout constants for the version-1 multi-pack-index format.
const (
	magicSize     = 4
	versionOffset = magicSize
	formatOffset  = versionOffset + 1
	reservedSize  = 2
	headerSize    = formatOffset + 1 + reservedSize + 4 + 4 // magic+version+format+reserved+index_count+object_count

	// FanoutSize is the byte size of the 256-entry cumulative fan table.
	FanoutSize = 256 * 4

	// PackIDOffsetSize is the byte size of one (pack_id, pack_offset) entry.
	PackIDOffsetSize = 4 + 8

	// VersionSupported is the only multi-pack-index version this reader
	// understands.
	VersionSupported = 1

	nameAlignment = 4
)

// Magic is the 4-byte signature at the start of a multi-pack-index file.
var Magic = []byte{'M', 'I', 'D', 'X'}

// ErrInvalidMultiPackIndex is returned when the file is malformed.
var ErrInvalidMultiPackIndex = errors.New("invalid multi-pack-index file")

const (
	formatSHA1   = 1
	formatSHA256 = 2
)

func formatToByte(f plumbing.ObjectFormat) byte {
	if f == plumbing.SHA256 {
		return formatSHA256
	}
	return formatSHA1
}

func byteToFormat(b byte) (plumbing.ObjectFormat, error) {
	switch b {
	case formatSHA1:
		return plumbing.SHA1, nil
	case formatSHA256:
		return plumbing.SHA256, nil
	default:
		return 0, fmt.Errorf("%w: unsupported hash algorithm byte %#x", ErrInvalidMultiPackIndex, b)
	}
}

// Source is the file-like handle midx.Open reads from: the same shape
// idxfile.File requires, so both readers can share one concrete opener.
type Source interface {
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

// File is a parsed multi-pack-index: the "MIDX Handle" external
// collaborator the verifier in this package consumes. Every accessor
// reads out of an in-memory copy of the file, including the trailing
// checksum, since Bytes returns that same slice for checksum
// recomputation.
type File struct {
	path   string
	format plumbing.ObjectFormat
	data   []byte

	indexCount  uint32
	objectCount uint32
	names       []string
	fan         [256]uint32

	oidStart     int
	packStart    int
	trailerStart int
}

// Open parses the multi-pack-index found at path, read through src.
// src is closed before Open returns; the parsed File holds its own
// copy of the bytes and needs no further access to src.
func Open(src Source, path string) (*File, error) {
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("multi-pack-index: stat: %w", err)
	}
	data := make([]byte, st.Size())
	if _, err := io.ReadFull(io.NewSectionReader(src, 0, st.Size()), data); err != nil {
		return nil, fmt.Errorf("multi-pack-index: reading %s: %w", path, err)
	}

	f := &File{path: path, data: data}
	if err := f.parse(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parse() error {
	if len(f.data) < headerSize {
		return fmt.Errorf("%w: file too small", ErrInvalidMultiPackIndex)
	}
	if !bytes.Equal(f.data[:magicSize], Magic) {
		return fmt.Errorf("%w: bad signature", ErrInvalidMultiPackIndex)
	}
	if v := f.data[versionOffset]; v != VersionSupported {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidMultiPackIndex, v)
	}
	format, err := byteToFormat(f.data[formatOffset])
	if err != nil {
		return err
	}
	f.format = format
	hashSize := format.Size()

	countsOff := formatOffset + 1 + reservedSize
	f.indexCount = binary.BigEndian.Uint32(f.data[countsOff : countsOff+4])
	f.objectCount = binary.BigEndian.Uint32(f.data[countsOff+4 : countsOff+8])

	pos := headerSize
	names := make([]string, 0, f.indexCount)
	for i := uint32(0); i < f.indexCount; i++ {
		nul := bytes.IndexByte(f.data[pos:], 0)
		if nul < 0 {
			return fmt.Errorf("%w: unterminated index name at entry %d", ErrInvalidMultiPackIndex, i)
		}
		names = append(names, string(f.data[pos:pos+nul]))
		pos += nul + 1
	}
	if rem := pos % nameAlignment; rem != 0 {
		pos += nameAlignment - rem
	}
	f.names = names

	fanStart := pos
	if fanStart+FanoutSize > len(f.data) {
		return fmt.Errorf("%w: file too small for fan table", ErrInvalidMultiPackIndex)
	}
	for i := 0; i < 256; i++ {
		f.fan[i] = binary.BigEndian.Uint32(f.data[fanStart+i*4 : fanStart+(i+1)*4])
	}

	f.oidStart = fanStart + FanoutSize
	f.packStart = f.oidStart + int(f.objectCount)*hashSize
	f.trailerStart = f.packStart + int(f.objectCount)*PackIDOffsetSize
	wantSize := f.trailerStart + hashSize
	if len(f.data) != wantSize {
		return fmt.Errorf("%w: size mismatch: have %d bytes, layout implies %d", ErrInvalidMultiPackIndex, len(f.data), wantSize)
	}

	return nil
}

// Path returns the filesystem location the multi-pack-index was opened
// from, used to resolve sibling index and pack files.
func (f *File) Path() string { return f.path }

// Format reports the object-hash algorithm this index was built under.
func (f *File) Format() plumbing.ObjectFormat { return f.format }

// ObjectCount is the total number of entries recorded.
func (f *File) ObjectCount() uint32 { return f.objectCount }

// IndexCount is the number of per-pack indices referenced.
func (f *File) IndexCount() uint32 { return f.indexCount }

// IndexNames returns the per-pack index filenames in pack-id order:
// position in this slice is authoritative as the pack id.
func (f *File) IndexNames() []string { return f.names }

// Fan returns the 256-entry cumulative first-byte histogram.
func (f *File) Fan() [256]uint32 { return f.fan }

// OidAt returns the object id recorded at entry i, 0 <= i < ObjectCount().
func (f *File) OidAt(i int) plumbing.Hash {
	off := f.oidStart + i*f.format.Size()
	return plumbing.NewHash(f.format, f.data[off:off+f.format.Size()])
}

// PackIDAndOffsetAt returns the pack id and pack-relative byte offset
// recorded at entry i, 0 <= i < ObjectCount().
func (f *File) PackIDAndOffsetAt(i int) (packID uint32, offset uint64) {
	off := f.packStart + i*PackIDOffsetSize
	packID = binary.BigEndian.Uint32(f.data[off : off+4])
	offset = binary.BigEndian.Uint64(f.data[off+4 : off+12])
	return packID, offset
}

// Checksum returns the trailing hash stored at the end of the file.
func (f *File) Checksum() plumbing.Hash {
	return plumbing.NewHash(f.format, f.data[f.trailerStart:f.trailerStart+f.format.Size()])
}

// Bytes returns the full file contents, including the trailing
// checksum: VerifyChecksum hashes Bytes()[:len-hashSize] and compares
// against Checksum().
func (f *File) Bytes() []byte { return f.data }
