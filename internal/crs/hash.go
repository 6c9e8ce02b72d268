// hash.go - BLAKE2b digests and hash-to-scalar helpers
package crs

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size of every digest produced by this module
const DigestSize = blake2b.Size

// Digest is a BLAKE2b-512 hash
type Digest [DigestSize]byte

// String returns the lowercase hex form of the digest
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 hex characters, for logs
func (d Digest) Short() string {
	return hex.EncodeToString(d[:4])
}

// IsZero reports whether d is the all-zero digest
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex digest
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != DigestSize {
		return d, errors.New("crs: digest must be 64 bytes")
	}
	copy(d[:], b)
	return d, nil
}

// DigestOf hashes parts under a domain tag. Each part is length-prefixed so
// that distinct part lists never collide.
func DigestOf(domain string, parts ...[]byte) Digest {
	h, _ := blake2b.New512(nil)
	writeFramed(h, []byte(domain))
	for _, p := range parts {
		writeFramed(h, p)
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

// HashToScalar maps domain and parts to a scalar of the BN254 group order.
// The 512-bit digest is reduced modulo r, which keeps the bias negligible.
func HashToScalar(domain string, parts ...[]byte) fr.Element {
	d := DigestOf(domain, parts...)
	var e fr.Element
	e.SetBytes(d[:])
	return e
}

func writeFramed(w io.Writer, p []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(p)))
	w.Write(n[:])
	w.Write(p)
}
