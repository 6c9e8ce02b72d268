// verify.go - Checking that a contribution is a valid transition
package mpc

import (
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"trustedsetup/internal/crs"
)

const dstCombination = "phase2/verify/rho"

// Verify reports whether next is prev transformed by some nonzero r whose
// knowledge is shown by proof. It returns nil or an error wrapping
// ErrInvalidContribution. Verify does not modify its inputs.
func Verify(prev, next *crs.State, proof Proof, challenge []byte) error {
	if prev == nil || next == nil {
		return fmt.Errorf("%w: missing state", ErrInvalidContribution)
	}
	if next.Round != prev.Round+1 {
		return fmt.Errorf("%w: round %d does not follow %d", ErrInvalidContribution, next.Round, prev.Round)
	}
	if len(next.G1.L) != len(prev.G1.L) || len(next.G1.Z) != len(prev.G1.Z) {
		return fmt.Errorf("%w: query sizes changed", ErrInvalidContribution)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContribution, err)
	}
	if err := checkProofPoints(&proof); err != nil {
		return err
	}

	base, err := proofBase(&proof.S, &proof.SX, challenge)
	if err != nil {
		return fmt.Errorf("%w: hash to G2: %v", ErrInvalidContribution, err)
	}

	// knowledge of r
	if !sameRatio(&proof.S, &proof.SX, &base, &proof.SPX) {
		return fmt.Errorf("%w: proof of knowledge", ErrInvalidContribution)
	}
	// δ₁ moved by the proven r
	if !sameRatio(&prev.G1.Delta, &next.G1.Delta, &base, &proof.SPX) {
		return fmt.Errorf("%w: delta (G1) not scaled by the proven scalar", ErrInvalidContribution)
	}
	// δ₂ moved consistently with δ₁
	if !sameRatio(&prev.G1.Delta, &next.G1.Delta, &prev.G2.Delta, &next.G2.Delta) {
		return fmt.Errorf("%w: delta (G2) inconsistent with delta (G1)", ErrInvalidContribution)
	}

	// L and Z moved by r⁻¹, checked on a random linear combination
	seed := next.Hash()
	for _, q := range []struct {
		name       string
		prev, next []bn254.G1Affine
	}{
		{"L", prev.G1.L, next.G1.L},
		{"Z", prev.G1.Z, next.G1.Z},
	} {
		p, n, err := combine(q.prev, q.next, seed, q.name)
		if err != nil {
			return fmt.Errorf("%w: %s combination: %v", ErrInvalidContribution, q.name, err)
		}
		if !sameRatio(&n, &p, &prev.G2.Delta, &next.G2.Delta) {
			return fmt.Errorf("%w: %s not scaled by the inverse scalar", ErrInvalidContribution, q.name)
		}
	}
	return nil
}

func checkProofPoints(p *Proof) error {
	if p.S.IsInfinity() || p.SX.IsInfinity() || p.SPX.IsInfinity() {
		return fmt.Errorf("%w: proof: %v", ErrInvalidContribution, crs.ErrIdentityElement)
	}
	if !p.S.IsInSubGroup() || !p.SX.IsInSubGroup() || !p.SPX.IsInSubGroup() {
		return fmt.Errorf("%w: proof point not in subgroup", ErrInvalidContribution)
	}
	return nil
}

// sameRatio reports e(a1, b2) == e(b1, a2), i.e. b1/a1 and b2/a2 share the
// same discrete log.
func sameRatio(a1, b1 *bn254.G1Affine, a2, b2 *bn254.G2Affine) bool {
	var negB1 bn254.G1Affine
	negB1.Neg(b1)
	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{*a1, negB1},
		[]bn254.G2Affine{*b2, *a2},
	)
	return err == nil && ok
}

// combine returns Σρ_i·prev[i] and Σρ_i·next[i] for scalars ρ derived from
// the next state's digest.
func combine(prev, next []bn254.G1Affine, seed crs.Digest, tag string) (bn254.G1Affine, bn254.G1Affine, error) {
	rho := make([]fr.Element, len(prev))
	var idx [8]byte
	for i := range rho {
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		rho[i] = crs.HashToScalar(dstCombination, seed[:], []byte(tag), idx[:])
	}

	var p, n bn254.G1Affine
	if _, err := p.MultiExp(prev, rho, ecc.MultiExpConfig{}); err != nil {
		return p, n, err
	}
	if _, err := n.MultiExp(next, rho, ecc.MultiExpConfig{}); err != nil {
		return p, n, err
	}
	return p, n, nil
}
