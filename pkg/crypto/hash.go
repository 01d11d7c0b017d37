// Package crypto provides the hashing and signature primitives used to
// attest registry content.
package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for interior merkle nodes.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [2 * types.HashSize]byte
	copy(buf[:types.HashSize], a[:])
	copy(buf[types.HashSize:], b[:])
	return Hash(buf[:])
}

// HashFields hashes an ordered list of fields. Every field is written as a
// 4-byte big-endian length followed by its bytes, so ("ab","c") and
// ("a","bc") never collide.
func HashFields(fields ...[]byte) types.Hash {
	h := blake3.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		h.Write(lenBuf[:])
		h.Write(f)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
