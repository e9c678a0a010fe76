// Package digest provides the content hash used for stage id derivation and
// plan versioning.
//
// The platform SHA-256 from crypto/sha256 is used by default. A portable
// implementation with identical output is kept for hosts where the platform
// primitive is unavailable or has been disabled.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sync/atomic"
)

// Size is the length of a digest in bytes.
const Size = 32

var portableOnly atomic.Bool

// UsePortable forces the from-scratch implementation when on is true.
// It returns the previous setting so tests can restore it.
func UsePortable(on bool) bool {
	return portableOnly.Swap(on)
}

// New returns a fresh SHA-256 hash.
func New() hash.Hash {
	if portableOnly.Load() {
		return newPortable()
	}
	return sha256.New()
}

// Sum hashes data in one call.
func Sum(data []byte) [Size]byte {
	h := New()
	_, _ = h.Write(data)
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hex returns the lowercase hex encoding of Sum(data).
func Hex(data []byte) string {
	sum := Sum(data)
	return hex.EncodeToString(sum[:])
}

// HexPrefix returns the first n hex characters of Hex(data).
func HexPrefix(data []byte, n int) string {
	s := Hex(data)
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[:n]
}

// Builder hashes a sequence of length-prefixed fields so that field
// boundaries cannot be confused ("ab","c" differs from "a","bc").
type Builder struct {
	h hash.Hash
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{h: New()}
}

// Field appends one length-prefixed field.
func (b *Builder) Field(s string) *Builder {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = b.h.Write(n[:])
	_, _ = b.h.Write([]byte(s))
	return b
}

// Raw appends s without a length prefix.
func (b *Builder) Raw(s string) *Builder {
	_, _ = b.h.Write([]byte(s))
	return b
}

// Hex returns the hex digest of everything written so far.
func (b *Builder) Hex() string {
	return hex.EncodeToString(b.h.Sum(nil))
}

// Sum returns the digest of everything written so far.
func (b *Builder) Sum() [Size]byte {
	var out [Size]byte
	copy(out[:], b.h.Sum(nil))
	return out
}
