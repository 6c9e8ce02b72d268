// identity.go - Participant signing schemes
package ceremony

import (
	"crypto/rand"
	"errors"
	"fmt"

	cired25519 "github.com/cloudflare/circl/sign/ed25519"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"

	"trustedsetup/internal/crs"
)

// Scheme names how a participant authenticates its submissions
type Scheme string

const (
	// SchemeNone accepts any submission from a registered id
	SchemeNone Scheme = "none"
	// SchemeEdDSA is EdDSA over the BN254 twisted Edwards curve with MiMC
	SchemeEdDSA Scheme = "eddsa-bn254"
	// SchemeEd25519 is plain Ed25519
	SchemeEd25519 Scheme = "ed25519"
)

// ParseScheme parses a scheme name
func ParseScheme(s string) (Scheme, error) {
	switch sc := Scheme(s); sc {
	case SchemeNone, SchemeEdDSA, SchemeEd25519:
		return sc, nil
	}
	return "", fmt.Errorf("unknown signature scheme %q", s)
}

// Signer produces credentials for one participant
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	PrivateKey() []byte
	Sign(digest crs.Digest) ([]byte, error)
}

// GenerateSigner creates a fresh key for scheme
func GenerateSigner(scheme Scheme) (Signer, error) {
	switch scheme {
	case SchemeNone:
		return noneSigner{}, nil
	case SchemeEdDSA:
		priv, err := eddsa.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate eddsa key: %w", err)
		}
		return &eddsaSigner{priv: priv}, nil
	case SchemeEd25519:
		pub, priv, err := cired25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return &ed25519Signer{pub: pub, priv: priv}, nil
	}
	return nil, fmt.Errorf("unknown signature scheme %q", scheme)
}

// SignerFromPrivateKey restores a signer from PrivateKey output
func SignerFromPrivateKey(scheme Scheme, key []byte) (Signer, error) {
	switch scheme {
	case SchemeNone:
		return noneSigner{}, nil
	case SchemeEdDSA:
		priv := new(eddsa.PrivateKey)
		if _, err := priv.SetBytes(key); err != nil {
			return nil, fmt.Errorf("decode eddsa key: %w", err)
		}
		return &eddsaSigner{priv: priv}, nil
	case SchemeEd25519:
		if len(key) != cired25519.PrivateKeySize {
			return nil, errors.New("decode ed25519 key: wrong length")
		}
		priv := cired25519.PrivateKey(append([]byte(nil), key...))
		return &ed25519Signer{pub: priv.Public().(cired25519.PublicKey), priv: priv}, nil
	}
	return nil, fmt.Errorf("unknown signature scheme %q", scheme)
}

// ValidatePublicKey checks pub decodes under scheme
func ValidatePublicKey(scheme Scheme, pub []byte) error {
	switch scheme {
	case SchemeNone:
		return nil
	case SchemeEdDSA:
		var pk eddsa.PublicKey
		if _, err := pk.SetBytes(pub); err != nil {
			return fmt.Errorf("eddsa public key: %w", err)
		}
		return nil
	case SchemeEd25519:
		if len(pub) != cired25519.PublicKeySize {
			return errors.New("ed25519 public key: wrong length")
		}
		return nil
	}
	return fmt.Errorf("unknown signature scheme %q", scheme)
}

// VerifySignature checks sig over digest against pub
func VerifySignature(scheme Scheme, pub []byte, digest crs.Digest, sig []byte) error {
	switch scheme {
	case SchemeNone:
		return nil
	case SchemeEdDSA:
		var pk eddsa.PublicKey
		if _, err := pk.SetBytes(pub); err != nil {
			return fmt.Errorf("eddsa public key: %w", err)
		}
		msg := eddsaMessage(digest)
		ok, err := pk.Verify(sig, msg, mimc.NewMiMC())
		if err != nil {
			return fmt.Errorf("eddsa verify: %w", err)
		}
		if !ok {
			return errors.New("bad eddsa signature")
		}
		return nil
	case SchemeEd25519:
		if len(pub) != cired25519.PublicKeySize {
			return errors.New("ed25519 public key: wrong length")
		}
		if !cired25519.Verify(cired25519.PublicKey(pub), digest[:], sig) {
			return errors.New("bad ed25519 signature")
		}
		return nil
	}
	return fmt.Errorf("unknown signature scheme %q", scheme)
}

// eddsaMessage reduces the digest to one canonical field element, the
// block MiMC absorbs.
func eddsaMessage(digest crs.Digest) []byte {
	e := crs.HashToScalar("ceremony/eddsa", digest[:])
	b := e.Bytes()
	return b[:]
}

type noneSigner struct{}

func (noneSigner) Scheme() Scheme                  { return SchemeNone }
func (noneSigner) PublicKey() []byte               { return nil }
func (noneSigner) PrivateKey() []byte              { return nil }
func (noneSigner) Sign(crs.Digest) ([]byte, error) { return nil, nil }

type eddsaSigner struct {
	priv *eddsa.PrivateKey
}

func (s *eddsaSigner) Scheme() Scheme     { return SchemeEdDSA }
func (s *eddsaSigner) PublicKey() []byte  { return s.priv.PublicKey.Bytes() }
func (s *eddsaSigner) PrivateKey() []byte { return s.priv.Bytes() }

func (s *eddsaSigner) Sign(digest crs.Digest) ([]byte, error) {
	return s.priv.Sign(eddsaMessage(digest), mimc.NewMiMC())
}

type ed25519Signer struct {
	pub  cired25519.PublicKey
	priv cired25519.PrivateKey
}

func (s *ed25519Signer) Scheme() Scheme     { return SchemeEd25519 }
func (s *ed25519Signer) PublicKey() []byte  { return append([]byte(nil), s.pub...) }
func (s *ed25519Signer) PrivateKey() []byte { return append([]byte(nil), s.priv...) }

func (s *ed25519Signer) Sign(digest crs.Digest) ([]byte, error) {
	return cired25519.Sign(s.priv, digest[:]), nil
}
