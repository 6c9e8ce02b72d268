// circuit.go - A compiled circuit bound to its Phase 1 commons
package crs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/groth16/bn254/mpcsetup"
	"github.com/consensys/gnark/constraint"
	cs "github.com/consensys/gnark/constraint/bn254"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/fxamacker/cbor/v2"
)

// MaxCircuitNameLen bounds Circuit.Name
const MaxCircuitNameLen = 64

// ErrUnsupportedCircuit is returned for constraint systems a ceremony cannot
// set up
var ErrUnsupportedCircuit = errors.New("crs: unsupported circuit")

// Circuit is one R1CS over BN254 together with the commons its keys are
// derived from. Both are fixed for the life of a ceremony.
type Circuit struct {
	Name    string
	R1CS    *cs.R1CS
	Commons *Commons
}

// NewCircuit binds ccs to commons. The domain of commons must cover the
// constraint count.
func NewCircuit(name string, ccs constraint.ConstraintSystem, commons *Commons) (*Circuit, error) {
	if !validName(name) {
		return nil, fmt.Errorf("crs: invalid circuit name %q", name)
	}
	sys, ok := ccs.(*cs.R1CS)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a BN254 R1CS", ErrUnsupportedCircuit, name)
	}
	if err := commons.Validate(); err != nil {
		return nil, err
	}
	if commits, ok := sys.CommitmentInfo.(constraint.Groth16Commitments); ok && len(commits) > 0 {
		return nil, fmt.Errorf("%w: %s uses %d commitments", ErrUnsupportedCircuit, name, len(commits))
	}
	c := &Circuit{Name: name, R1CS: sys, Commons: commons}
	if n := uint64(sys.GetNbConstraints()); n > commons.Domain() {
		return nil, fmt.Errorf("crs: circuit %s has %d constraints, commons cover %d", name, n, commons.Domain())
	}
	if err := c.Shape().Validate(); err != nil {
		return nil, fmt.Errorf("crs: circuit %s: %w", name, err)
	}
	return c, nil
}

// validName admits names that are safe as file name stems
func validName(name string) bool {
	if name == "" || len(name) > MaxCircuitNameLen || name[0] == '.' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// Compile builds circuit into a BN254 R1CS
func Compile(circuit frontend.Circuit) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("crs: compile circuit: %w", err)
	}
	return ccs, nil
}

// FromSeed compiles circuit and derives insecure commons for it from seed
func FromSeed(name string, circuit frontend.Circuit, seed []byte) (*Circuit, error) {
	ccs, err := Compile(circuit)
	if err != nil {
		return nil, err
	}
	commons, err := DeriveCommons(seed, FromConstraintSystem(ccs).Domain)
	if err != nil {
		return nil, err
	}
	return NewCircuit(name, ccs, commons)
}

// Shape is the query sizes of the circuit's states
func (c *Circuit) Shape() Shape {
	nbInternal, nbSecret, _ := c.R1CS.GetNbVariables()
	return Shape{Domain: c.Commons.Domain(), Wires: nbInternal + nbSecret}
}

// Genesis builds the round-0 State (δ = 1):
//
//	L[j] = [β·u_j(τ) + α·v_j(τ) + w_j(τ)]₁  for each private wire j
//	Z[i] = [τ^i·t(τ)]₁                        i < N-1, bit-reversed order
func (c *Circuit) Genesis() (*State, error) {
	var p mpcsetup.Phase2
	p.Initialize(c.R1CS, &c.Commons.SrsCommons)

	s := &State{Round: 0, Contributor: GenesisContributor}
	s.G1.Delta = p.Parameters.G1.Delta
	s.G2.Delta = p.Parameters.G2.Delta
	s.G1.L = p.Parameters.G1.PKK
	s.G1.Z = p.Parameters.G1.Z

	wires, vanishing := s.Shape()
	if shape := c.Shape(); wires != shape.Wires || vanishing != shape.VanishingLen() {
		return nil, fmt.Errorf("crs: genesis sizes (%d, %d) disagree with %s", wires, vanishing, shape)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("crs: genesis: %w", err)
	}
	return s, nil
}

// ExtractKeys turns the final State of a ceremony into Groth16 keys. gnark
// applies one more deterministic δ update seeded by beacon, so the keys are
// a public function of final and beacon; every verifier rebuilds the same
// pair.
func (c *Circuit) ExtractKeys(final *State, beacon []byte) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	wires, vanishing := final.Shape()
	if shape := c.Shape(); wires != shape.Wires || vanishing != shape.VanishingLen() {
		return nil, nil, fmt.Errorf("crs: state sizes (%d, %d) disagree with %s", wires, vanishing, shape)
	}

	var p mpcsetup.Phase2
	evals := p.Initialize(c.R1CS, &c.Commons.SrsCommons)
	// Seal scales and reorders the parameters in place
	p.Parameters.G1.Delta = final.G1.Delta
	p.Parameters.G2.Delta = final.G2.Delta
	p.Parameters.G1.PKK = append([]curve.G1Affine(nil), final.G1.L...)
	p.Parameters.G1.Z = append([]curve.G1Affine(nil), final.G1.Z...)

	pk, vk := p.Seal(&c.Commons.SrsCommons, &evals, beacon)
	return pk, vk, nil
}

// Digest binds the constraint system and the commons
func (c *Circuit) Digest() (Digest, error) {
	var buf bytes.Buffer
	if _, err := c.R1CS.WriteTo(&buf); err != nil {
		return Digest{}, err
	}
	commons, err := c.Commons.MarshalBinary()
	if err != nil {
		return Digest{}, err
	}
	return DigestOf("crs/circuit", []byte(c.Name), buf.Bytes(), commons), nil
}

type circuitV1 struct {
	Name    string `cbor:"name"`
	R1CS    []byte `cbor:"r1cs"`
	Commons []byte `cbor:"commons"`
	Source  string `cbor:"source,omitempty"`
}

// MarshalBinary encodes the circuit as CBOR around gnark's own encodings
func (c *Circuit) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.R1CS.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("crs: encode r1cs: %w", err)
	}
	commons, err := c.Commons.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crs: encode commons: %w", err)
	}
	return cbor.Marshal(circuitV1{Name: c.Name, R1CS: buf.Bytes(), Commons: commons, Source: c.Commons.Source})
}

// UnmarshalBinary decodes a MarshalBinary encoding and re-checks it
func (c *Circuit) UnmarshalBinary(data []byte) error {
	var body circuitV1
	if err := cbor.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("%w: circuit: %v", ErrMalformed, err)
	}
	sys := cs.NewR1CS(0)
	if _, err := sys.ReadFrom(bytes.NewReader(body.R1CS)); err != nil {
		return fmt.Errorf("%w: circuit %s r1cs: %v", ErrMalformed, body.Name, err)
	}
	commons := &Commons{Source: body.Source}
	if err := commons.UnmarshalBinary(body.Commons); err != nil {
		return err
	}
	out, err := NewCircuit(body.Name, sys, commons)
	if err != nil {
		return err
	}
	*c = *out
	return nil
}
