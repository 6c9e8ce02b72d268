// message.go - JSON envelope and payloads of the ceremony HTTP binding
package p2p

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/mpc"
)

// Message types accepted on POST /message
const (
	TypeRegister = "register"
	TypeSubmit   = "submit"
)

// --- Custom JSON marshaling for gnark-crypto types ---

// G1AffineJSON carries a compressed G1 point as a base64 string
type G1AffineJSON struct {
	bn254.G1Affine
}

// MarshalJSON implements the json.Marshaler interface.
func (p G1AffineJSON) MarshalJSON() ([]byte, error) {
	b := p.G1Affine.Bytes()
	return json.Marshal(base64.StdEncoding.EncodeToString(b[:]))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *G1AffineJSON) UnmarshalJSON(data []byte) error {
	b, err := unquoteBase64(data)
	if err != nil {
		return fmt.Errorf("g1 point: %w", err)
	}
	_, err = p.G1Affine.SetBytes(b)
	return err
}

// G2AffineJSON carries a compressed G2 point as a base64 string
type G2AffineJSON struct {
	bn254.G2Affine
}

// MarshalJSON implements the json.Marshaler interface.
func (p G2AffineJSON) MarshalJSON() ([]byte, error) {
	b := p.G2Affine.Bytes()
	return json.Marshal(base64.StdEncoding.EncodeToString(b[:]))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *G2AffineJSON) UnmarshalJSON(data []byte) error {
	b, err := unquoteBase64(data)
	if err != nil {
		return fmt.Errorf("g2 point: %w", err)
	}
	_, err = p.G2Affine.SetBytes(b)
	return err
}

func unquoteBase64(data []byte) ([]byte, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

// Message is the envelope for every request sent to the coordinator
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Reply is the envelope for every response
type Reply struct {
	Code    ceremony.Code   `json:"code"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload asks to join the ceremony
type RegisterPayload struct {
	ID        string `json:"id"`
	Scheme    string `json:"scheme"`
	PublicKey []byte `json:"publicKey,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// ProofJSON is the knowledge proof of a contribution
type ProofJSON struct {
	S   G1AffineJSON `json:"s"`
	SX  G1AffineJSON `json:"sx"`
	SPX G2AffineJSON `json:"spx"`
}

// UpdateJSON is the contribution to one circuit. State is the canonical
// binary encoding of the new reference string.
type UpdateJSON struct {
	Circuit string    `json:"circuit"`
	State   []byte    `json:"state"`
	Proof   ProofJSON `json:"proof"`
}

// SubmitPayload carries a candidate contribution, one update per circuit
type SubmitPayload struct {
	Contributor string       `json:"contributor"`
	Round       uint64       `json:"round"`
	Updates     []UpdateJSON `json:"updates"`
	Nonce       uint64       `json:"nonce"`
	Signature   []byte       `json:"signature,omitempty"`
}

// ReceiptPayload acknowledges an accepted contribution
type ReceiptPayload struct {
	Round      uint64    `json:"round"`
	Hash       string    `json:"hash"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// CircuitStateJSON is one circuit's newest state and its challenge
type CircuitStateJSON struct {
	Circuit   string `json:"circuit"`
	State     []byte `json:"state"`
	Challenge string `json:"challenge"`
}

// RoundPayload is a participant's view of the current round
type RoundPayload struct {
	Phase    string             `json:"phase"`
	Round    uint64             `json:"round"`
	Circuits []CircuitStateJSON `json:"circuits"`
	Holder   string             `json:"holder,omitempty"`
	Deadline time.Time          `json:"deadline"`
	Nonce    uint64             `json:"nonce"`
}

// StatusPayload is the public ceremony summary
type StatusPayload struct {
	ID            string    `json:"id"`
	Phase         string    `json:"phase"`
	Round         uint64    `json:"round"`
	Contributions int       `json:"contributions"`
	Head          string    `json:"head"`
	Circuits      []string  `json:"circuits"`
	Holder        string    `json:"holder,omitempty"`
	Deadline      time.Time `json:"deadline"`
	Queue         []string  `json:"queue"`
	Registered    int       `json:"registered"`
}

func submitPayload(sub *ceremony.Submission) (SubmitPayload, error) {
	p := SubmitPayload{
		Contributor: sub.Contributor,
		Round:       sub.Round,
		Nonce:       sub.Nonce,
		Signature:   sub.Signature,
	}
	for _, u := range sub.Updates {
		state, err := u.State.MarshalBinary()
		if err != nil {
			return SubmitPayload{}, fmt.Errorf("circuit %s: %w", u.Circuit, err)
		}
		p.Updates = append(p.Updates, UpdateJSON{
			Circuit: u.Circuit,
			State:   state,
			Proof: ProofJSON{
				S:   G1AffineJSON{u.Proof.S},
				SX:  G1AffineJSON{u.Proof.SX},
				SPX: G2AffineJSON{u.Proof.SPX},
			},
		})
	}
	return p, nil
}

func (p *SubmitPayload) submission() (*ceremony.Submission, error) {
	sub := &ceremony.Submission{
		Contributor: p.Contributor,
		Round:       p.Round,
		Nonce:       p.Nonce,
		Signature:   p.Signature,
	}
	for _, u := range p.Updates {
		state := new(crs.State)
		if err := state.UnmarshalBinary(u.State); err != nil {
			return nil, fmt.Errorf("%w: circuit %s: %v", ceremony.ErrInvalidContribution, u.Circuit, err)
		}
		sub.Updates = append(sub.Updates, ceremony.Update{
			Circuit: u.Circuit,
			State:   state,
			Proof: mpc.Proof{
				S:   u.Proof.S.G1Affine,
				SX:  u.Proof.SX.G1Affine,
				SPX: u.Proof.SPX.G2Affine,
			},
		})
	}
	return sub, nil
}

func roundPayload(info ceremony.RoundInfo) (RoundPayload, error) {
	p := RoundPayload{
		Phase:    info.Phase.String(),
		Round:    info.Round,
		Holder:   info.Holder,
		Deadline: info.Deadline,
		Nonce:    info.Nonce,
	}
	for _, cur := range info.Circuits {
		state, err := cur.State.MarshalBinary()
		if err != nil {
			return RoundPayload{}, fmt.Errorf("circuit %s: %w", cur.Circuit, err)
		}
		p.Circuits = append(p.Circuits, CircuitStateJSON{
			Circuit:   cur.Circuit,
			State:     state,
			Challenge: cur.Challenge.String(),
		})
	}
	return p, nil
}

func (p *RoundPayload) roundInfo() (ceremony.RoundInfo, error) {
	phase, err := ceremony.ParsePhase(p.Phase)
	if err != nil {
		return ceremony.RoundInfo{}, err
	}
	info := ceremony.RoundInfo{
		Phase:    phase,
		Round:    p.Round,
		Holder:   p.Holder,
		Deadline: p.Deadline,
		Nonce:    p.Nonce,
	}
	for _, c := range p.Circuits {
		state := new(crs.State)
		if err := state.UnmarshalBinary(c.State); err != nil {
			return ceremony.RoundInfo{}, fmt.Errorf("circuit %s state: %w", c.Circuit, err)
		}
		challenge, err := crs.ParseDigest(c.Challenge)
		if err != nil {
			return ceremony.RoundInfo{}, fmt.Errorf("circuit %s challenge: %w", c.Circuit, err)
		}
		info.Circuits = append(info.Circuits, ceremony.CircuitState{Circuit: c.Circuit, State: state, Challenge: challenge})
	}
	return info, nil
}

func receiptPayload(r ceremony.Receipt) ReceiptPayload {
	return ReceiptPayload{Round: r.Round, Hash: r.Hash.String(), AcceptedAt: r.AcceptedAt}
}

func (p *ReceiptPayload) receipt() (ceremony.Receipt, error) {
	h, err := crs.ParseDigest(p.Hash)
	if err != nil {
		return ceremony.Receipt{}, err
	}
	return ceremony.Receipt{Round: p.Round, Hash: h, AcceptedAt: p.AcceptedAt}, nil
}

func statusPayload(s ceremony.Status, circuits []string) StatusPayload {
	return StatusPayload{
		ID:            s.ID,
		Phase:         s.Phase.String(),
		Round:         s.Round,
		Contributions: s.Contributions,
		Head:          s.Head.String(),
		Circuits:      circuits,
		Holder:        s.Holder,
		Deadline:      s.Deadline,
		Queue:         s.Queue,
		Registered:    s.Registered,
	}
}
