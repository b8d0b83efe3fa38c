// Package plumbing holds the low-level primitives shared by the pack
// integrity and transport code: object hashes and the sentinel error
// raised when an object can't be located.
package plumbing

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
)

// ErrObjectNotFound is returned when an object lookup fails against an
// index or pack.
var ErrObjectNotFound = errors.New("object not found")

// ObjectFormat identifies the hash algorithm used to compute object ids.
type ObjectFormat uint8

const (
	// SHA1 is the historical object hash algorithm.
	SHA1 ObjectFormat = iota
	// SHA256 is the newer, larger object hash algorithm.
	SHA256
)

// Sizes, in bytes, of the two supported object id encodings.
const (
	SHA1Size   = 20
	SHA256Size = 32
)

// Size returns the byte length of ids produced under this format.
func (f ObjectFormat) Size() int {
	if f == SHA256 {
		return SHA256Size
	}
	return SHA1Size
}

func (f ObjectFormat) String() string {
	if f == SHA256 {
		return "sha256"
	}
	return "sha1"
}

// NewHasher returns a streaming hash.Hash implementing f's algorithm,
// used to recompute the trailing checksum of an idx, pack or MIDX file.
func (f ObjectFormat) NewHasher() hash.Hash {
	if f == SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// ZeroHash is the Hash value whose bytes are all zero under SHA1.
var ZeroHash Hash

// Hash is a Git object id, stored in its binary form. Values are kept in
// a fixed-size array so they can be compared and used as map keys
// without extra allocation; Format reports how many leading bytes of
// raw are significant.
type Hash struct {
	format ObjectFormat
	raw    [SHA256Size]byte
}

// NewHash builds a Hash from raw bytes whose length must equal
// format.Size(). It panics on any other length, since
// callers are expected to have validated sizes against a known format
// already (e.g. from a parsed header).
func NewHash(format ObjectFormat, raw []byte) Hash {
	var h Hash
	h.format = format
	if len(raw) != format.Size() {
		panic("plumbing: hash length does not match object format")
	}
	copy(h.raw[:], raw)
	return h
}

// FromHex decodes a hexadecimal object id. The format is inferred from
// the decoded length: 20 bytes is SHA1, 32 bytes is SHA256.
func FromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	switch len(raw) {
	case SHA1Size:
		return NewHash(SHA1, raw), nil
	case SHA256Size:
		return NewHash(SHA256, raw), nil
	default:
		return Hash{}, errors.New("plumbing: hex string is not a valid object id length")
	}
}

// Format reports the hash algorithm this id was produced under.
func (h Hash) Format() ObjectFormat { return h.format }

// Size returns the number of significant bytes in Bytes().
func (h Hash) Size() int { return h.format.Size() }

// Bytes returns the raw bytes of the hash, truncated to its format's size.
func (h Hash) Bytes() []byte {
	return h.raw[:h.format.Size()]
}

// Compare orders h against a raw byte slice of the same size, the way
// bytes.Compare would.
func (h Hash) Compare(b []byte) int {
	return bytes.Compare(h.Bytes(), b)
}

// Less reports whether h sorts strictly before other, lexicographically
// over their raw bytes.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h.Bytes(), other.Bytes()) < 0
}

// IsZero reports whether every significant byte of the hash is zero.
func (h Hash) IsZero() bool {
	for _, b := range h.Bytes() {
		if b != 0 {
			return false
		}
	}
	return true
}

// String returns the lowercase hexadecimal encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h.Bytes())
}
