// proof.go - Proof of knowledge of a contribution scalar
package mpc

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"trustedsetup/internal/crs"
)

const (
	dstProofNonce = "phase2/proof/nonce"
	dstProofG2    = "phase2/proof/g2"

	proofSize = 2*bn254.SizeOfG1AffineUncompressed + bn254.SizeOfG2AffineUncompressed
)

// Proof shows knowledge of the scalar r that moved δ to r·δ.
//
//	S   = [s]₁
//	SX  = r·S
//	SPX = r·R   where R = HashToG2(S ‖ SX ‖ challenge)
//
// The verifier checks e(S, SPX) = e(SX, R) and that δ moved by the same r.
type Proof struct {
	S   bn254.G1Affine
	SX  bn254.G1Affine
	SPX bn254.G2Affine
}

// MarshalBinary encodes the proof as three uncompressed points
func (p *Proof) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, proofSize)
	s := p.S.RawBytes()
	sx := p.SX.RawBytes()
	spx := p.SPX.RawBytes()
	out = append(out, s[:]...)
	out = append(out, sx[:]...)
	out = append(out, spx[:]...)
	return out, nil
}

// UnmarshalBinary decodes and subgroup-checks a proof
func (p *Proof) UnmarshalBinary(data []byte) error {
	if len(data) != proofSize {
		return fmt.Errorf("%w: proof is %d bytes, want %d", crs.ErrMalformed, len(data), proofSize)
	}
	const g1 = bn254.SizeOfG1AffineUncompressed
	var out Proof
	if _, err := out.S.SetBytes(data[:g1]); err != nil {
		return fmt.Errorf("%w: proof S: %v", crs.ErrMalformed, err)
	}
	if _, err := out.SX.SetBytes(data[g1 : 2*g1]); err != nil {
		return fmt.Errorf("%w: proof SX: %v", crs.ErrMalformed, err)
	}
	if _, err := out.SPX.SetBytes(data[2*g1:]); err != nil {
		return fmt.Errorf("%w: proof SPX: %v", crs.ErrMalformed, err)
	}
	*p = out
	return nil
}

// proofBase derives the G2 point R the proof is bound to
func proofBase(s, sx *bn254.G1Affine, challenge []byte) (bn254.G2Affine, error) {
	sb := s.RawBytes()
	sxb := sx.RawBytes()
	msg := make([]byte, 0, len(sb)+len(sxb)+len(challenge))
	msg = append(msg, sb[:]...)
	msg = append(msg, sxb[:]...)
	msg = append(msg, challenge...)
	return bn254.HashToG2(msg, []byte(dstProofG2))
}

// prove builds the proof for r. The nonce s is derived from r and the
// challenge so that a contribution is a function of r alone.
func prove(r *fr.Element, challenge []byte) (Proof, error) {
	rb := r.Bytes()
	defer wipeBytes(rb[:])

	var s fr.Element
	for ctr := byte(0); s.IsZero(); ctr++ {
		s = crs.HashToScalar(dstProofNonce, rb[:], challenge, []byte{ctr})
	}
	defer s.SetZero()

	var p Proof
	sBig := s.BigInt(new(big.Int))
	defer wipeBig(sBig)
	p.S.ScalarMultiplicationBase(sBig)

	rBig := r.BigInt(new(big.Int))
	defer wipeBig(rBig)
	p.SX.ScalarMultiplication(&p.S, rBig)

	base, err := proofBase(&p.S, &p.SX, challenge)
	if err != nil {
		return Proof{}, fmt.Errorf("mpc: hash to G2: %w", err)
	}
	p.SPX.ScalarMultiplication(&base, rBig)
	return p, nil
}
