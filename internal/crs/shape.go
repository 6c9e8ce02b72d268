// shape.go - Circuit dimensions that size a reference string
package crs

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/constraint"
)

// Shape fixes the sizes of the two δ-divided queries.
// Domain is the evaluation domain size n (a power of two); Z has n-1 entries.
// Wires is the number of private wires; L has one entry per wire.
type Shape struct {
	Domain uint64
	Wires  int
}

// Validate checks the shape is usable
func (s Shape) Validate() error {
	if s.Domain < 2 || s.Domain&(s.Domain-1) != 0 {
		return fmt.Errorf("crs: domain size %d is not a power of two >= 2", s.Domain)
	}
	if s.Wires < 1 {
		return fmt.Errorf("crs: at least one private wire is required, got %d", s.Wires)
	}
	return nil
}

// VanishingLen is the number of Z entries a State of this shape carries
func (s Shape) VanishingLen() int {
	return int(s.Domain) - 1
}

// RequiredPowers is the number of G1 powers [τ^i]₁ the commons of this
// shape carry; Z needs τ^(i+n) for i <= n-2.
func (s Shape) RequiredPowers() int {
	return 2*int(s.Domain) - 1
}

// String implements fmt.Stringer
func (s Shape) String() string {
	return fmt.Sprintf("domain=%d wires=%d", s.Domain, s.Wires)
}

// FromConstraintSystem sizes a reference string for a compiled circuit: the
// smallest power-of-two domain covering its constraints.
func FromConstraintSystem(ccs constraint.ConstraintSystem) Shape {
	domain := ecc.NextPowerOfTwo(uint64(ccs.GetNbConstraints()))
	if domain < 2 {
		domain = 2
	}
	return Shape{Domain: domain, Wires: ccs.GetNbSecretVariables() + ccs.GetNbInternalVariables()}
}
