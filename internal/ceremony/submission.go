// submission.go - What participants send and what they get back
package ceremony

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"trustedsetup/internal/crs"
	"trustedsetup/internal/mpc"
)

// Update is the contribution to one circuit
type Update struct {
	Circuit string
	State   *crs.State
	Proof   mpc.Proof
}

// Submission is one candidate contribution for round Round. It carries one
// update per circuit of the ceremony, all signed together.
type Submission struct {
	Contributor string
	Round       uint64
	Updates     []Update
	Nonce       uint64
	Signature   []byte
}

// Digest is the message a participant signs. It binds identity, round,
// every circuit's resulting state and proof, and nonce.
func (s *Submission) Digest() crs.Digest {
	var round, nonce [8]byte
	binary.BigEndian.PutUint64(round[:], s.Round)
	binary.BigEndian.PutUint64(nonce[:], s.Nonce)

	parts := [][]byte{[]byte(s.Contributor), round[:]}
	for i := range s.Updates {
		u := &s.Updates[i]
		var stateHash crs.Digest
		if u.State != nil && u.State.Encodable() == nil {
			stateHash = u.State.Hash()
		}
		proof, _ := u.Proof.MarshalBinary()
		parts = append(parts, []byte(u.Circuit), stateHash[:], proof)
	}
	parts = append(parts, nonce[:])
	return crs.DigestOf("ceremony/submission", parts...)
}

// Clone returns a deep copy of s
func (s *Submission) Clone() *Submission {
	c := *s
	c.Updates = make([]Update, len(s.Updates))
	for i, u := range s.Updates {
		if u.State != nil {
			u.State = u.State.Clone()
		}
		c.Updates[i] = u
	}
	c.Signature = append([]byte(nil), s.Signature...)
	return &c
}

// Receipt acknowledges an accepted contribution. Hash binds the chain heads
// of every circuit after the round.
type Receipt struct {
	Round      uint64
	Hash       crs.Digest
	AcceptedAt time.Time
}

// RoundInfo is what a participant needs to build its next contribution
type RoundInfo struct {
	Phase Phase
	// Round is the last accepted round; a submission targets Round+1
	Round    uint64
	Circuits []CircuitState
	Holder   string
	Deadline time.Time
	// Nonce is the caller's next expected request nonce
	Nonce uint64
}

// Contributor is the capability a participant must offer
type Contributor interface {
	ID() string
	ProduceContribution(ctx context.Context, info RoundInfo) (*Submission, error)
	Authenticate(sub *Submission) error
}

// LocalContributor computes contributions in-process with fresh randomness
type LocalContributor struct {
	id     string
	signer Signer
}

// NewLocalContributor binds id to signer
func NewLocalContributor(id string, signer Signer) *LocalContributor {
	if signer == nil {
		signer = noneSigner{}
	}
	return &LocalContributor{id: id, signer: signer}
}

// ID returns the participant id
func (c *LocalContributor) ID() string {
	return c.id
}

// Signer returns the participant's signer
func (c *LocalContributor) Signer() Signer {
	return c.signer
}

// ProduceContribution samples fresh randomness for every circuit, applies
// it and discards it.
func (c *LocalContributor) ProduceContribution(ctx context.Context, info RoundInfo) (*Submission, error) {
	if len(info.Circuits) == 0 {
		return nil, fmt.Errorf("round info for %s carries no state", c.id)
	}
	sub := &Submission{
		Contributor: c.id,
		Round:       info.Round + 1,
		Nonce:       info.Nonce,
	}
	for _, cur := range info.Circuits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cur.State == nil {
			return nil, fmt.Errorf("round info for %s carries no %s state", c.id, cur.Circuit)
		}
		r, err := mpc.NewRandomness()
		if err != nil {
			return nil, err
		}
		next, proof, err := mpc.Contribute(cur.State, &r, c.id, cur.Challenge[:])
		if err != nil {
			return nil, fmt.Errorf("circuit %s: %w", cur.Circuit, err)
		}
		sub.Updates = append(sub.Updates, Update{Circuit: cur.Circuit, State: next, Proof: proof})
	}
	return sub, nil
}

// Authenticate signs sub
func (c *LocalContributor) Authenticate(sub *Submission) error {
	sig, err := c.signer.Sign(sub.Digest())
	if err != nil {
		return fmt.Errorf("sign submission: %w", err)
	}
	sub.Signature = sig
	return nil
}

// Prepare produces and authenticates a submission for info
func Prepare(ctx context.Context, c Contributor, info RoundInfo) (*Submission, error) {
	sub, err := c.ProduceContribution(ctx, info)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(sub); err != nil {
		return nil, err
	}
	return sub, nil
}
