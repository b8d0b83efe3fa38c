// Package idxfile reads git's per-pack ".idx" files: the on-disk
// structure mapping each object id in a pack to its CRC32 and its
// offset within the pack. The reader here is read-only and operates
// lazily over an io.ReaderAt, matching the on-demand access pattern of
// the larger pack formats this module verifies against.
package idxfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"github.com/paq/gitpack/plumbing"
)

// Layout constants for the version-2 idx format.
const (
	HeaderSize  = 8
	FanoutSize  = 256 * 4
	CRC32Size   = 4
	Off32Size   = 4
	Off64Size   = 8

	VersionSupported = 2

	is64BitMask = uint32(1) << 31
)

// Header is the magic signature at the start of a version-2 idx file.
var Header = []byte{255, 't', 'O', 'c'}

// ErrInvalidIndex is returned when the idx file is malformed.
var ErrInvalidIndex = errors.New("invalid pack index file")

var (
	pool4Bytes  = sync.Pool{New: func() interface{} { b := make([]byte, 4); return &b }}
	pool8Bytes  = sync.Pool{New: func() interface{} { b := make([]byte, 8); return &b }}
	poolHash    = sync.Pool{New: func() interface{} { b := make([]byte, plumbing.SHA256Size); return &b }}
)

// Entry is a single pack index record.
type Entry struct {
	Hash   plumbing.Hash
	Offset uint64
	CRC32  uint32
}

// EntryIter yields Entry values in oid order until io.EOF.
type EntryIter interface {
	Next() (*Entry, error)
	Close() error
}

// Index is the per-pack index handle described as an external
// collaborator: look up an oid's pack offset or CRC32, or iterate all
// entries in oid order.
type Index interface {
	io.Closer
	// Contains reports whether h is present in the index.
	Contains(h plumbing.Hash) (bool, error)
	// FindOffset returns the pack offset recorded for h.
	FindOffset(h plumbing.Hash) (int64, error)
	// FindCRC32 returns the CRC32 recorded for h.
	FindCRC32(h plumbing.Hash) (uint32, error)
	// Count returns the number of objects indexed.
	Count() (int64, error)
	// Checksum returns the pack checksum stored in the idx trailer.
	Checksum() (plumbing.Hash, error)
	// Entries iterates all entries in oid order.
	Entries() (EntryIter, error)
}

// File is an io.ReaderAt plus io.Closer plus Stat, satisfied by
// *os.File and similar concrete file handles.
type File interface {
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

// ReaderAtIndex implements Index lazily over a File, caching only the
// 1KB fanout table in memory.
type ReaderAtIndex struct {
	reader   io.ReaderAt
	closer   io.Closer
	format   plumbing.ObjectFormat
	hashSize int
	count    int
	size     int64

	fanout [256]uint32

	fanoutStart  int
	namesStart   int
	crcStart     int
	off32Start   int
	off64Start   int
	trailerStart int
}

var _ Index = (*ReaderAtIndex)(nil)

// Open parses the idx file header and fanout table from f, which must
// use the hash size implied by format (20 bytes for SHA1, 32 for
// SHA256). f is closed when the returned Index is closed.
func Open(f File, format plumbing.ObjectFormat) (*ReaderAtIndex, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pack index: stat: %w", err)
	}

	idx := &ReaderAtIndex{
		reader:   f,
		closer:   f,
		format:   format,
		hashSize: format.Size(),
		size:     st.Size(),
	}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *ReaderAtIndex) init() error {
	minLen := int64(HeaderSize + FanoutSize + 2*idx.hashSize)
	if idx.size < minLen {
		return fmt.Errorf("%w: file too small", ErrInvalidIndex)
	}

	header := make([]byte, len(Header)+4)
	if _, err := readFullAt(idx.reader, header, 0); err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrInvalidIndex, err)
	}
	if !bytes.Equal(Header, header[:len(Header)]) {
		return fmt.Errorf("%w: bad signature", ErrInvalidIndex)
	}
	version := binary.BigEndian.Uint32(header[len(Header):])
	if version != VersionSupported {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidIndex, version)
	}

	fanoutBuf := make([]byte, FanoutSize)
	if _, err := readFullAt(idx.reader, fanoutBuf, int64(HeaderSize)); err != nil {
		return fmt.Errorf("%w: reading fanout table: %w", ErrInvalidIndex, err)
	}
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(fanoutBuf[i*4 : (i+1)*4])
	}

	idx.count = int(idx.fanout[255])
	idx.fanoutStart = HeaderSize
	idx.namesStart = idx.fanoutStart + FanoutSize
	idx.crcStart = idx.namesStart + idx.count*idx.hashSize
	idx.off32Start = idx.crcStart + idx.count*CRC32Size
	idx.off64Start = idx.off32Start + idx.count*Off32Size
	idx.trailerStart = int(idx.size) - 2*idx.hashSize

	return nil
}

func readFullAt(r io.ReaderAt, buf []byte, off int64) (int, error) {
	n, err := r.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(buf))
	}
	return n, nil
}

// Close releases the underlying file.
func (idx *ReaderAtIndex) Close() error {
	if idx.closer == nil {
		return nil
	}
	return idx.closer.Close()
}

// Contains reports whether h is present in the index.
func (idx *ReaderAtIndex) Contains(h plumbing.Hash) (bool, error) {
	_, err := idx.FindOffset(h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindOffset returns the pack offset recorded for h.
func (idx *ReaderAtIndex) FindOffset(h plumbing.Hash) (int64, error) {
	pos, found, err := idx.find(h)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, plumbing.ErrObjectNotFound
	}
	off, err := idx.offsetAt(pos)
	return int64(off), err
}

// FindCRC32 returns the CRC32 recorded for h.
func (idx *ReaderAtIndex) FindCRC32(h plumbing.Hash) (uint32, error) {
	pos, found, err := idx.find(h)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, plumbing.ErrObjectNotFound
	}
	return idx.crc32At(pos)
}

// Count returns the number of objects indexed.
func (idx *ReaderAtIndex) Count() (int64, error) {
	return int64(idx.count), nil
}

// Checksum returns the pack checksum stored in the idx trailer
// (the second-to-last hash; the last is the idx file's own checksum).
func (idx *ReaderAtIndex) Checksum() (plumbing.Hash, error) {
	buf := make([]byte, idx.hashSize)
	if _, err := readFullAt(idx.reader, buf, int64(idx.trailerStart)); err != nil {
		return plumbing.Hash{}, fmt.Errorf("pack index: reading checksum: %w", err)
	}
	return plumbing.NewHash(idx.format, buf), nil
}

// Entries iterates all entries in oid order.
func (idx *ReaderAtIndex) Entries() (EntryIter, error) {
	return &readerAtEntryIter{idx: idx}, nil
}

func (idx *ReaderAtIndex) fanoutEntry(i int) uint32 {
	if i < 0 || i >= 256 {
		return 0
	}
	return idx.fanout[i]
}

func (idx *ReaderAtIndex) find(h plumbing.Hash) (int, bool, error) {
	first := int(h.Bytes()[0])
	var lo int
	if first > 0 {
		lo = int(idx.fanoutEntry(first - 1))
	}
	hi := int(idx.fanoutEntry(first))
	return idx.searchHash(lo, hi, h)
}

func (idx *ReaderAtIndex) searchHash(left, right int, want plumbing.Hash) (int, bool, error) {
	wantBytes := want.Bytes()
	n := right - left

	var searchErr error
	pos := left + sort.Search(n, func(i int) bool {
		cmp, err := idx.compareHash(left+i, wantBytes)
		if err != nil {
			searchErr = err
			return true
		}
		return cmp >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}

	if pos < right {
		cmp, err := idx.compareHash(pos, wantBytes)
		if err != nil {
			return 0, false, err
		}
		if cmp == 0 {
			return pos, true, nil
		}
	}
	return 0, false, nil
}

func (idx *ReaderAtIndex) compareHash(i int, want []byte) (int, error) {
	offset := int64(idx.namesStart + i*idx.hashSize)
	bufPtr := poolHash.Get().(*[]byte)
	buf := (*bufPtr)[:idx.hashSize]
	defer poolHash.Put(bufPtr)

	if _, err := readFullAt(idx.reader, buf, offset); err != nil {
		return 0, fmt.Errorf("pack index: reading oid at %d: %w", i, err)
	}
	return bytes.Compare(buf, want), nil
}

func (idx *ReaderAtIndex) hashAt(pos int) (plumbing.Hash, error) {
	offset := int64(idx.namesStart + pos*idx.hashSize)
	buf := make([]byte, idx.hashSize)
	if _, err := readFullAt(idx.reader, buf, offset); err != nil {
		return plumbing.Hash{}, fmt.Errorf("pack index: reading oid at %d: %w", pos, err)
	}
	return plumbing.NewHash(idx.format, buf), nil
}

func (idx *ReaderAtIndex) offsetAt(pos int) (uint64, error) {
	start := int64(idx.off32Start + pos*Off32Size)
	bufPtr := pool4Bytes.Get().(*[]byte)
	buf := *bufPtr
	defer pool4Bytes.Put(bufPtr)

	if _, err := readFullAt(idx.reader, buf, start); err != nil {
		return 0, fmt.Errorf("pack index: reading offset32 at %d: %w", pos, err)
	}
	off32 := binary.BigEndian.Uint32(buf)

	if off32&is64BitMask == 0 {
		return uint64(off32), nil
	}

	loIndex := int(off32 &^ is64BitMask)
	start64 := int64(idx.off64Start + loIndex*Off64Size)
	bufPtr64 := pool8Bytes.Get().(*[]byte)
	buf64 := *bufPtr64
	defer pool8Bytes.Put(bufPtr64)

	if _, err := readFullAt(idx.reader, buf64, start64); err != nil {
		return 0, fmt.Errorf("pack index: reading offset64 at %d: %w", pos, err)
	}
	return binary.BigEndian.Uint64(buf64), nil
}

func (idx *ReaderAtIndex) crc32At(pos int) (uint32, error) {
	start := int64(idx.crcStart + pos*CRC32Size)
	bufPtr := pool4Bytes.Get().(*[]byte)
	buf := *bufPtr
	defer pool4Bytes.Put(bufPtr)

	if _, err := readFullAt(idx.reader, buf, start); err != nil {
		return 0, fmt.Errorf("pack index: reading crc32 at %d: %w", pos, err)
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (idx *ReaderAtIndex) entryAt(pos int) (*Entry, error) {
	hash, err := idx.hashAt(pos)
	if err != nil {
		return nil, err
	}
	offset, err := idx.offsetAt(pos)
	if err != nil {
		return nil, err
	}
	crc, err := idx.crc32At(pos)
	if err != nil {
		return nil, err
	}
	return &Entry{Hash: hash, Offset: offset, CRC32: crc}, nil
}

type readerAtEntryIter struct {
	idx *ReaderAtIndex
	pos int
}

func (i *readerAtEntryIter) Next() (*Entry, error) {
	if i.pos >= i.idx.count {
		return nil, io.EOF
	}
	e, err := i.idx.entryAt(i.pos)
	if err != nil {
		return nil, err
	}
	i.pos++
	return e, nil
}

func (i *readerAtEntryIter) Close() error { return nil }
