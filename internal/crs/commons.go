// commons.go - Phase 1 output that a Phase 2 ceremony starts from
package crs

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16/bn254/mpcsetup"
)

// Commons is the circuit-independent part of the SRS for one domain of
// size N:
//
//	G1.Tau      [τ^i]₁    i < 2N-1
//	G1.AlphaTau [α·τ^i]₁  i < N
//	G1.BetaTau  [β·τ^i]₁  i < N
//	G2.Tau      [τ^i]₂    i < N
//	G2.Beta     [β]₂
type Commons struct {
	mpcsetup.SrsCommons
	Source string
}

// Domain is N
func (c *Commons) Domain() uint64 {
	return uint64(len(c.G1.AlphaTau))
}

// Validate checks the vector sizes agree with one power-of-two domain
func (c *Commons) Validate() error {
	n := len(c.G1.AlphaTau)
	if n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("crs: commons domain %d is not a power of two >= 2", n)
	}
	if len(c.G1.Tau) != 2*n-1 || len(c.G1.BetaTau) != n || len(c.G2.Tau) != n {
		return fmt.Errorf("crs: commons sizes (%d, %d, %d, %d) disagree with domain %d",
			len(c.G1.Tau), len(c.G1.AlphaTau), len(c.G1.BetaTau), len(c.G2.Tau), n)
	}
	return nil
}

// MarshalBinary uses gnark's SrsCommons encoding
func (c *Commons) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.SrsCommons.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a MarshalBinary encoding. Points are subgroup
// checked by the decoder.
func (c *Commons) UnmarshalBinary(data []byte) error {
	var out mpcsetup.SrsCommons
	r := bytes.NewReader(data)
	if _, err := out.ReadFrom(r); err != nil {
		return fmt.Errorf("%w: commons: %v", ErrMalformed, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: commons: %d trailing bytes", ErrMalformed, r.Len())
	}
	c.SrsCommons = out
	return c.Validate()
}

// Digest binds the encoded commons
func (c *Commons) Digest() (Digest, error) {
	b, err := c.MarshalBinary()
	if err != nil {
		return Digest{}, err
	}
	return DigestOf("crs/commons", b), nil
}

// DeriveCommons computes the commons for domain from a public seed. τ, α
// and β are recoverable by anyone holding the seed, so the result suits
// simulations and tests only.
func DeriveCommons(seed []byte, domain uint64) (*Commons, error) {
	if domain < 2 || domain&(domain-1) != 0 {
		return nil, fmt.Errorf("crs: domain %d is not a power of two >= 2", domain)
	}
	tau := HashToScalar("crs/tau", seed)
	alpha := HashToScalar("crs/alpha", seed)
	beta := HashToScalar("crs/beta", seed)
	for _, x := range []*fr.Element{&tau, &alpha, &beta} {
		if x.IsZero() || x.IsOne() {
			return nil, errors.New("crs: degenerate seed")
		}
	}

	n := int(domain)
	powers := make([]fr.Element, 2*n-1)
	powers[0].SetOne()
	for i := 1; i < len(powers); i++ {
		powers[i].Mul(&powers[i-1], &tau)
	}
	alphaTau := make([]fr.Element, n)
	betaTau := make([]fr.Element, n)
	for i := 0; i < n; i++ {
		alphaTau[i].Mul(&powers[i], &alpha)
		betaTau[i].Mul(&powers[i], &beta)
	}

	_, _, g1, g2 := curve.Generators()
	c := &Commons{Source: fmt.Sprintf("seed:%s", DigestOf("crs/seed", seed).Short())}
	c.G1.Tau = curve.BatchScalarMultiplicationG1(&g1, powers)
	c.G1.AlphaTau = curve.BatchScalarMultiplicationG1(&g1, alphaTau)
	c.G1.BetaTau = curve.BatchScalarMultiplicationG1(&g1, betaTau)
	c.G2.Tau = curve.BatchScalarMultiplicationG2(&g2, powers[:n])
	c.G2.Beta.ScalarMultiplicationBase(beta.BigInt(new(big.Int)))
	return c, nil
}
