package txfile

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Hash is the content hash of a frozen buffer, in the form
// "sha256-<64 lowercase hex digits>".
type Hash string

// FrozenBuffer is an immutable byte buffer with a stable content hash. The
// zero value is not usable; construct with NewFrozenBuffer or
// BufferFromString.
type FrozenBuffer struct {
	data []byte

	hashOnce sync.Once
	hash     Hash
}

// NewFrozenBuffer copies data into a new frozen buffer.
func NewFrozenBuffer(data []byte) *FrozenBuffer {
	copied := make([]byte, len(data))
	copy(copied, data)
	return &FrozenBuffer{data: copied}
}

// BufferFromString freezes the UTF-8 bytes of s.
func BufferFromString(s string) *FrozenBuffer {
	return &FrozenBuffer{data: []byte(s)}
}

// Bytes returns a copy of the contents.
func (b *FrozenBuffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// String returns the contents as a string.
func (b *FrozenBuffer) String() string {
	return string(b.data)
}

// Len returns the byte length.
func (b *FrozenBuffer) Len() int {
	return len(b.data)
}

// Hash returns the content hash, computing it on first use.
func (b *FrozenBuffer) Hash() Hash {
	b.hashOnce.Do(func() {
		sum := sha256.Sum256(b.data)
		b.hash = Hash("sha256-" + hex.EncodeToString(sum[:]))
	})
	return b.hash
}

// Equals reports content equality.
func (b *FrozenBuffer) Equals(other *FrozenBuffer) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.Hash() == other.Hash()
}

// HashOf returns the hash raw bytes would freeze to.
func HashOf(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash("sha256-" + hex.EncodeToString(sum[:]))
}
