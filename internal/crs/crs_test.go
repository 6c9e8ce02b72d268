package crs

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"math/bits"
	"strings"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustedsetup/internal/circuits"
)

func testCircuit(t *testing.T) *Circuit {
	t.Helper()
	c, err := FromSeed("cubic", &circuits.Cubic{}, []byte("crs-test"))
	require.NoError(t, err)
	return c
}

func testGenesis(t *testing.T) (*Circuit, *State) {
	t.Helper()
	c := testCircuit(t)
	s, err := c.Genesis()
	require.NoError(t, err)
	return c, s
}

// rescale applies δ ← d·δ without a proof, standing in for a contribution
func rescale(s *State, d uint64) *State {
	var k, kInv fr.Element
	k.SetUint64(d)
	kInv.Inverse(&k)
	kb, kInvb := k.BigInt(new(big.Int)), kInv.BigInt(new(big.Int))

	next := s.Clone()
	next.Round++
	next.Contributor = "scaled"
	next.G1.Delta.ScalarMultiplication(&s.G1.Delta, kb)
	next.G2.Delta.ScalarMultiplication(&s.G2.Delta, kb)
	for i := range next.G1.L {
		next.G1.L[i].ScalarMultiplication(&s.G1.L[i], kInvb)
	}
	for i := range next.G1.Z {
		next.G1.Z[i].ScalarMultiplication(&s.G1.Z[i], kInvb)
	}
	return next
}

func TestShapeValidate(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
		ok    bool
	}{
		{"minimal", Shape{Domain: 2, Wires: 1}, true},
		{"typical", Shape{Domain: 16, Wires: 9}, true},
		{"domain not power of two", Shape{Domain: 12, Wires: 3}, false},
		{"domain too small", Shape{Domain: 1, Wires: 3}, false},
		{"no wires", Shape{Domain: 8, Wires: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.shape.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRequiredPowers(t *testing.T) {
	assert.Equal(t, 15, Shape{Domain: 8, Wires: 3}.RequiredPowers())
	assert.Equal(t, 7, Shape{Domain: 4, Wires: 20}.RequiredPowers())
}

func TestFromConstraintSystem(t *testing.T) {
	ccs, err := Compile(&circuits.Chain{Length: 5})
	require.NoError(t, err)
	shape := FromConstraintSystem(ccs)
	require.NoError(t, shape.Validate())
	assert.GreaterOrEqual(t, shape.Domain, uint64(ccs.GetNbConstraints()))
	assert.Less(t, shape.Domain/2, uint64(ccs.GetNbConstraints()))
	assert.Equal(t, ccs.GetNbSecretVariables()+ccs.GetNbInternalVariables(), shape.Wires)
}

func TestDeriveCommons(t *testing.T) {
	c, err := DeriveCommons([]byte("commons"), 8)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, uint64(8), c.Domain())
	assert.Len(t, c.G1.Tau, 15)
	assert.True(t, strings.HasPrefix(c.Source, "seed:"))

	// e([τ]₁, [1]₂) == e([1]₁, [τ]₂) and e([β]₁, [1]₂) == e([1]₁, [β]₂)
	_, _, g1, g2 := bn254.Generators()
	var negG1 bn254.G1Affine
	negG1.Neg(&g1)
	ok, err := bn254.PairingCheck([]bn254.G1Affine{c.G1.Tau[1], negG1}, []bn254.G2Affine{g2, c.G2.Tau[1]})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = bn254.PairingCheck([]bn254.G1Affine{c.G1.BetaTau[0], negG1}, []bn254.G2Affine{g2, c.G2.Beta})
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := DeriveCommons([]byte("commons"), 8)
	require.NoError(t, err)
	d1, err := c.Digest()
	require.NoError(t, err)
	d2, err := again.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	_, err = DeriveCommons([]byte("commons"), 6)
	assert.Error(t, err)
}

// writePtau lays c out as a snarkjs ptau file of the given power
func writePtau(t *testing.T, c *Commons, power uint32) []byte {
	t.Helper()
	n := uint64(1) << power
	require.Equal(t, n, c.Domain())

	var buf bytes.Buffer
	le32 := func(v uint32) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }
	le64 := func(v uint64) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }
	elem := func(z *fp.Element) {
		for _, limb := range z {
			le64(limb)
		}
	}
	g1 := func(ps []bn254.G1Affine) {
		for i := range ps {
			elem(&ps[i].X)
			elem(&ps[i].Y)
		}
	}
	g2 := func(ps []bn254.G2Affine) {
		for i := range ps {
			elem(&ps[i].X.A0)
			elem(&ps[i].X.A1)
			elem(&ps[i].Y.A0)
			elem(&ps[i].Y.A1)
		}
	}

	buf.WriteString("ptau")
	le32(1)
	le32(6)

	le32(1)
	le64(fr.Bytes + 12)
	le32(fr.Bytes)
	buf.Write(make([]byte, fr.Bytes))
	le32(power)
	le32(power)

	le32(2)
	le64((2*n - 1) * 64)
	g1(c.G1.Tau)
	le32(3)
	le64(n * 128)
	g2(c.G2.Tau)
	le32(4)
	le64(n * 64)
	g1(c.G1.AlphaTau)
	le32(5)
	le64(n * 64)
	g1(c.G1.BetaTau)
	le32(6)
	le64(128)
	g2([]bn254.G2Affine{c.G2.Beta})
	return buf.Bytes()
}

func TestCommonsFromPtau(t *testing.T) {
	seed := []byte("ptau")
	full, err := DeriveCommons(seed, 8)
	require.NoError(t, err)
	file := writePtau(t, full, 3)

	got, err := CommonsFromPtau(bytes.NewReader(file), 8)
	require.NoError(t, err)
	assert.Equal(t, "ptau", got.Source)
	want, _ := full.Digest()
	have, _ := got.Digest()
	assert.Equal(t, want, have)

	t.Run("smaller domain", func(t *testing.T) {
		got, err := CommonsFromPtau(bytes.NewReader(file), 4)
		require.NoError(t, err)
		small, err := DeriveCommons(seed, 4)
		require.NoError(t, err)
		want, _ := small.Digest()
		have, _ := got.Digest()
		assert.Equal(t, want, have)
	})

	t.Run("domain too large", func(t *testing.T) {
		_, err := CommonsFromPtau(bytes.NewReader(file), 16)
		assert.Error(t, err)
	})

	t.Run("missing section", func(t *testing.T) {
		truncated := file[:len(file)-128-12]
		_, err := CommonsFromPtau(bytes.NewReader(truncated), 8)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func bitReverse(a []bn254.G1Affine) {
	shift := 64 - uint(bits.TrailingZeros(uint(len(a))))
	for i := range a {
		j := int(bits.Reverse64(uint64(i)) >> shift)
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
}

func TestGenesis(t *testing.T) {
	c, s := testGenesis(t)
	shape := c.Shape()

	t.Run("sizes", func(t *testing.T) {
		wires, vanishing := s.Shape()
		assert.Equal(t, shape.Wires, wires)
		assert.Equal(t, shape.VanishingLen(), vanishing)
		assert.Equal(t, uint64(0), s.Round)
		assert.Equal(t, GenesisContributor, s.Contributor)
		_, _, g1, g2 := bn254.Generators()
		assert.True(t, s.G1.Delta.Equal(&g1))
		assert.True(t, s.G2.Delta.Equal(&g2))
	})

	t.Run("vanishing query", func(t *testing.T) {
		// Z holds [τ^(i+n) − τ^i]₁ in bit-reversed order
		n := int(shape.Domain)
		tau := c.Commons.G1.Tau
		want := make([]bn254.G1Affine, n)
		for i := 0; i < n-1; i++ {
			want[i].Sub(&tau[i+n], &tau[i])
		}
		bitReverse(want)
		for i := range s.G1.Z {
			assert.True(t, s.G1.Z[i].Equal(&want[i]), "Z[%d]", i)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		_, again := testGenesis(t)
		assert.Equal(t, s.Hash(), again.Hash())
	})

	t.Run("circuit dependent", func(t *testing.T) {
		other, err := FromSeed("chain", &circuits.Chain{Length: 2}, []byte("crs-test"))
		require.NoError(t, err)
		g, err := other.Genesis()
		require.NoError(t, err)
		assert.NotEqual(t, s.Hash(), g.Hash())
	})
}

type committedCircuit struct {
	X frontend.Variable
	Y frontend.Variable `gnark:",public"`
}

func (c *committedCircuit) Define(api frontend.API) error {
	cm, err := api.(frontend.Committer).Commit(c.X)
	if err != nil {
		return err
	}
	api.AssertIsDifferent(cm, 0)
	api.AssertIsEqual(c.Y, api.Mul(c.X, c.X))
	return nil
}

func TestNewCircuit(t *testing.T) {
	ccs, err := Compile(&circuits.Chain{Length: 10})
	require.NoError(t, err)

	small, err := DeriveCommons([]byte("small"), 4)
	require.NoError(t, err)
	_, err = NewCircuit("chain", ccs, small)
	assert.Error(t, err, "commons must cover the constraints")

	commons, err := DeriveCommons([]byte("ok"), FromConstraintSystem(ccs).Domain)
	require.NoError(t, err)
	for _, name := range []string{"", "Upper", "../escape", ".hidden", strings.Repeat("a", MaxCircuitNameLen+1)} {
		_, err := NewCircuit(name, ccs, commons)
		assert.Error(t, err, "name %q", name)
	}
	_, err = NewCircuit("chain_10", ccs, commons)
	assert.NoError(t, err)

	_, err = FromSeed("committed", &committedCircuit{}, []byte("commit"))
	assert.ErrorIs(t, err, ErrUnsupportedCircuit)
}

func TestCircuitEncoding(t *testing.T) {
	c, s := testGenesis(t)
	data, err := c.MarshalBinary()
	require.NoError(t, err)

	var back Circuit
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, c.Name, back.Name)
	assert.Equal(t, c.Commons.Source, back.Commons.Source)
	want, err := c.Digest()
	require.NoError(t, err)
	have, err := back.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, have)

	g, err := back.Genesis()
	require.NoError(t, err)
	assert.Equal(t, s.Hash(), g.Hash(), "restored circuit rebuilds the same genesis")

	assert.ErrorIs(t, back.UnmarshalBinary(data[:len(data)/2]), ErrMalformed)
}

func TestExtractKeys(t *testing.T) {
	c, s := testGenesis(t)
	final := rescale(rescale(s, 7), 11)
	beacon := []byte("final head")
	before := final.Hash()

	pk, vk, err := c.ExtractKeys(final, beacon)
	require.NoError(t, err)

	assignment := &circuits.Cubic{X: 3, Y: 35}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	require.NoError(t, err)
	proof, err := groth16.Prove(c.R1CS, pk, w)
	require.NoError(t, err)
	pub, err := w.Public()
	require.NoError(t, err)
	require.NoError(t, groth16.Verify(proof, vk, pub))

	wrong, err := frontend.NewWitness(&circuits.Cubic{Y: 36}, ecc.BN254.ScalarField(), frontend.PublicOnly())
	require.NoError(t, err)
	assert.Error(t, groth16.Verify(proof, vk, wrong))

	t.Run("reproducible", func(t *testing.T) {
		_, again, err := c.ExtractKeys(final, beacon)
		require.NoError(t, err)
		var a, b bytes.Buffer
		_, err = vk.WriteTo(&a)
		require.NoError(t, err)
		_, err = again.WriteTo(&b)
		require.NoError(t, err)
		assert.Equal(t, a.Bytes(), b.Bytes())
		assert.Equal(t, before, final.Hash(), "final state is left untouched")
	})

	t.Run("size mismatch", func(t *testing.T) {
		short := final.Clone()
		short.G1.L = short.G1.L[1:]
		_, _, err := c.ExtractKeys(short, beacon)
		assert.Error(t, err)
	})
}

func TestStateEncoding(t *testing.T) {
	_, s := testGenesis(t)
	s.Round = 7
	s.Contributor = "alice"

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	var decoded State
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, s.Hash(), decoded.Hash())
	assert.Equal(t, "alice", decoded.Contributor)

	t.Run("truncated", func(t *testing.T) {
		var bad State
		assert.ErrorIs(t, bad.UnmarshalBinary(data[:len(data)-1]), ErrMalformed)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		var bad State
		assert.ErrorIs(t, bad.UnmarshalBinary(append(append([]byte(nil), data...), 0)), ErrMalformed)
	})

	t.Run("bad magic", func(t *testing.T) {
		var bad State
		assert.ErrorIs(t, bad.UnmarshalBinary([]byte("nope")), ErrMalformed)
	})
}

func TestStateHashSensitivity(t *testing.T) {
	_, s := testGenesis(t)
	before := s.Hash()

	tampered := s.Clone()
	tampered.G1.Z[1].X[0] ^= 1
	assert.NotEqual(t, before, tampered.Hash())
	assert.Equal(t, before, s.Hash(), "clone must not alias the original")

	relabeled := s.Clone()
	relabeled.Contributor = "mallory"
	assert.NotEqual(t, before, relabeled.Hash())
}

func TestUnencodableStateHash(t *testing.T) {
	_, s := testGenesis(t)
	a, b := s.Clone(), s.Clone()
	a.Contributor = strings.Repeat("a", MaxContributorLen+1)
	b.Contributor = strings.Repeat("b", MaxContributorLen+1)

	assert.ErrorIs(t, a.Encodable(), ErrMalformed)
	_, err := a.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Panics(t, func() { _ = a.Hash() })
	assert.Panics(t, func() { _ = b.Hash() })
	assert.NoError(t, s.Encodable())
}

func TestStateValidate(t *testing.T) {
	_, s := testGenesis(t)
	require.NoError(t, s.Validate())

	bad := s.Clone()
	bad.G1.L[0] = bn254.G1Affine{}
	assert.ErrorIs(t, bad.Validate(), ErrIdentityElement)

	bad = s.Clone()
	bad.G2.Delta = bn254.G2Affine{}
	assert.ErrorIs(t, bad.Validate(), ErrIdentityElement)
}

func TestHashToScalar(t *testing.T) {
	a := HashToScalar("test", []byte("ab"), []byte("c"))
	b := HashToScalar("test", []byte("a"), []byte("bc"))
	assert.False(t, a.Equal(&b), "framing must separate parts")

	c := HashToScalar("test", []byte("ab"), []byte("c"))
	assert.True(t, a.Equal(&c))
}
