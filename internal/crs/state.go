// state.go - Phase 2 reference string snapshot and its canonical encoding
package crs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254"
)

// GenesisContributor tags the initial State
const GenesisContributor = "genesis"

const (
	g1Size = bn254.SizeOfG1AffineUncompressed
	g2Size = bn254.SizeOfG2AffineUncompressed

	// MaxContributorLen bounds the contributor tag carried by a State
	MaxContributorLen = 256

	stateMagic = "CRS2"
)

var (
	// ErrIdentityElement is returned when a State carries the group identity
	ErrIdentityElement = errors.New("crs: identity element")
	// ErrMalformed is returned when an encoding cannot be decoded
	ErrMalformed = errors.New("crs: malformed encoding")
)

// State is one snapshot of the δ-dependent reference string
type State struct {
	Round       uint64
	Contributor string

	G1 struct {
		Delta bn254.G1Affine
		L     []bn254.G1Affine
		Z     []bn254.G1Affine
	}
	G2 struct {
		Delta bn254.G2Affine
	}
}

// Clone returns a deep copy of s
func (s *State) Clone() *State {
	c := &State{Round: s.Round, Contributor: s.Contributor}
	c.G1.Delta = s.G1.Delta
	c.G1.L = append([]bn254.G1Affine(nil), s.G1.L...)
	c.G1.Z = append([]bn254.G1Affine(nil), s.G1.Z...)
	c.G2.Delta = s.G2.Delta
	return c
}

// Shape returns the query sizes of s
func (s *State) Shape() (wires, vanishing int) {
	return len(s.G1.L), len(s.G1.Z)
}

// Validate checks that no element is the identity and every element lies in
// its prime-order subgroup.
func (s *State) Validate() error {
	if s.G1.Delta.IsInfinity() {
		return fmt.Errorf("%w: delta (G1)", ErrIdentityElement)
	}
	if s.G2.Delta.IsInfinity() {
		return fmt.Errorf("%w: delta (G2)", ErrIdentityElement)
	}
	if !s.G1.Delta.IsInSubGroup() || !s.G2.Delta.IsInSubGroup() {
		return fmt.Errorf("%w: delta not in subgroup", ErrMalformed)
	}
	if len(s.G1.L) == 0 || len(s.G1.Z) == 0 {
		return fmt.Errorf("%w: empty query", ErrMalformed)
	}
	for i := range s.G1.L {
		if s.G1.L[i].IsInfinity() {
			return fmt.Errorf("%w: L[%d]", ErrIdentityElement, i)
		}
		if !s.G1.L[i].IsInSubGroup() {
			return fmt.Errorf("%w: L[%d] not in subgroup", ErrMalformed, i)
		}
	}
	for i := range s.G1.Z {
		if s.G1.Z[i].IsInfinity() {
			return fmt.Errorf("%w: Z[%d]", ErrIdentityElement, i)
		}
		if !s.G1.Z[i].IsInSubGroup() {
			return fmt.Errorf("%w: Z[%d] not in subgroup", ErrMalformed, i)
		}
	}
	return nil
}

// Hash returns the BLAKE2b-512 digest of the canonical encoding. It panics
// when s has no encoding; callers holding untrusted states check Encodable
// first.
func (s *State) Hash() Digest {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("crs: hash of unencodable state: %v", err))
	}
	return DigestOf("crs/state", b)
}

// Encodable reports whether s has a canonical encoding
func (s *State) Encodable() error {
	if len(s.Contributor) > MaxContributorLen {
		return fmt.Errorf("%w: contributor tag of %d bytes exceeds %d", ErrMalformed, len(s.Contributor), MaxContributorLen)
	}
	return nil
}

// MarshalBinary encodes s canonically. Points use the uncompressed form so
// that a change to any coordinate changes the encoding.
func (s *State) MarshalBinary() ([]byte, error) {
	if err := s.Encodable(); err != nil {
		return nil, err
	}
	size := len(stateMagic) + 8 + 2 + len(s.Contributor) + g1Size + g2Size + 8 +
		(len(s.G1.L)+len(s.G1.Z))*g1Size
	buf := bytes.NewBuffer(make([]byte, 0, size))

	buf.WriteString(stateMagic)
	binary.Write(buf, binary.BigEndian, s.Round)
	binary.Write(buf, binary.BigEndian, uint16(len(s.Contributor)))
	buf.WriteString(s.Contributor)

	d1 := s.G1.Delta.RawBytes()
	buf.Write(d1[:])
	d2 := s.G2.Delta.RawBytes()
	buf.Write(d2[:])

	for _, query := range [][]bn254.G1Affine{s.G1.L, s.G1.Z} {
		binary.Write(buf, binary.BigEndian, uint32(len(query)))
		for i := range query {
			p := query[i].RawBytes()
			buf.Write(p[:])
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a canonical encoding. Every point is checked to be
// on the curve and in the subgroup.
func (s *State) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	magic := make([]byte, len(stateMagic))
	if _, err := r.Read(magic); err != nil || string(magic) != stateMagic {
		return fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	var out State
	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &out.Round); err != nil {
		return fmt.Errorf("%w: round: %v", ErrMalformed, err)
	}
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return fmt.Errorf("%w: contributor: %v", ErrMalformed, err)
	}
	if nameLen > MaxContributorLen || int(nameLen) > r.Len() {
		return fmt.Errorf("%w: contributor length %d", ErrMalformed, nameLen)
	}
	name := make([]byte, nameLen)
	r.Read(name)
	out.Contributor = string(name)

	if err := readG1(r, &out.G1.Delta); err != nil {
		return fmt.Errorf("%w: delta (G1): %v", ErrMalformed, err)
	}
	buf := make([]byte, g2Size)
	if _, err := readFull(r, buf); err != nil {
		return fmt.Errorf("%w: delta (G2): %v", ErrMalformed, err)
	}
	if _, err := out.G2.Delta.SetBytes(buf); err != nil {
		return fmt.Errorf("%w: delta (G2): %v", ErrMalformed, err)
	}

	for _, query := range []*[]bn254.G1Affine{&out.G1.L, &out.G1.Z} {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return fmt.Errorf("%w: query length: %v", ErrMalformed, err)
		}
		if uint64(n)*g1Size > uint64(r.Len()) {
			return fmt.Errorf("%w: query length %d exceeds input", ErrMalformed, n)
		}
		points := make([]bn254.G1Affine, n)
		for i := range points {
			if err := readG1(r, &points[i]); err != nil {
				return fmt.Errorf("%w: point %d: %v", ErrMalformed, i, err)
			}
		}
		*query = points
	}

	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	*s = out
	return nil
}

func readG1(r *bytes.Reader, p *bn254.G1Affine) error {
	var buf [g1Size]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return err
	}
	_, err := p.SetBytes(buf[:])
	return err
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if r.Len() < len(buf) {
		return 0, errors.New("short buffer")
	}
	return r.Read(buf)
}
