// transcript.go - Append-only hash-chained log of accepted contributions
package transcript

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"trustedsetup/internal/crs"
	"trustedsetup/internal/mpc"
)

// BeaconContributor tags the final, publicly derived contribution
const BeaconContributor = "beacon"

var (
	// ErrRoundMismatch is returned when a contribution does not extend the log
	ErrRoundMismatch = errors.New("round mismatch")
	// ErrCorruptTranscript is returned when the chain fails re-verification
	ErrCorruptTranscript = errors.New("corrupt transcript")
)

// OriginOf is hash_0 of the chain over genesis. Binding the genesis state
// gives every circuit of a ceremony a distinct first challenge.
func OriginOf(genesis *crs.State) crs.Digest {
	g := genesis.Hash()
	return crs.DigestOf("trustedsetup/transcript/v1", g[:])
}

// Contribution is one accepted transition of the reference string
type Contribution struct {
	PriorStateHash crs.Digest
	State          *crs.State
	Proof          mpc.Proof
	Contributor    string
	Round          uint64
	// Beacon holds the public value the final contribution was derived from
	Beacon []byte
}

// Entry is a contribution plus the chain hash that covers it
type Entry struct {
	Contribution
	Hash crs.Digest
}

// ChainError locates a verification failure
type ChainError struct {
	Index int
	Round uint64
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("entry %d (round %d): %v", e.Index, e.Round, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// Transcript owns the genesis state and the ordered entries after it.
// It is not safe for concurrent mutation; the coordinator serializes access.
type Transcript struct {
	genesis *crs.State
	origin  crs.Digest
	entries []Entry
}

// New starts an empty transcript over genesis
func New(genesis *crs.State) *Transcript {
	return &Transcript{genesis: genesis, origin: OriginOf(genesis)}
}

// Restore rebuilds a transcript from persisted entries without checking
// them. Call VerifyChain before trusting the result.
func Restore(genesis *crs.State, entries []Entry) *Transcript {
	return &Transcript{genesis: genesis, origin: OriginOf(genesis), entries: append([]Entry(nil), entries...)}
}

// Origin is the head of the empty chain
func (t *Transcript) Origin() crs.Digest {
	return t.origin
}

// Genesis returns the round-0 state
func (t *Transcript) Genesis() *crs.State {
	return t.genesis
}

// Len returns the number of recorded entries
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the entry list
func (t *Transcript) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// LastRound is the round of the newest entry, or 0 when empty
func (t *Transcript) LastRound() uint64 {
	if len(t.entries) == 0 {
		return t.genesis.Round
	}
	return t.entries[len(t.entries)-1].Round
}

// Head is the newest chain hash, or the origin when empty. It is also the
// challenge the next contribution must bind its proof to.
func (t *Transcript) Head() crs.Digest {
	if len(t.entries) == 0 {
		return t.origin
	}
	return t.entries[len(t.entries)-1].Hash
}

// Current returns the newest state
func (t *Transcript) Current() *crs.State {
	if len(t.entries) == 0 {
		return t.genesis
	}
	return t.entries[len(t.entries)-1].State
}

// Closed reports whether the beacon contribution has been recorded
func (t *Transcript) Closed() bool {
	return len(t.entries) > 0 && t.entries[len(t.entries)-1].Beacon != nil
}

// Clone returns a transcript that shares states but not the entry slice
func (t *Transcript) Clone() *Transcript {
	return &Transcript{genesis: t.genesis, origin: t.origin, entries: append([]Entry(nil), t.entries...)}
}

// Record appends c. It checks only sequencing; cryptographic validity is the
// caller's responsibility.
func (t *Transcript) Record(c Contribution) (Entry, error) {
	if c.State == nil {
		return Entry{}, fmt.Errorf("%w: contribution has no state", ErrRoundMismatch)
	}
	if err := c.State.Encodable(); err != nil {
		return Entry{}, err
	}
	if t.Closed() {
		return Entry{}, fmt.Errorf("%w: transcript closed by beacon", ErrRoundMismatch)
	}
	if want := t.LastRound() + 1; c.Round != want {
		return Entry{}, fmt.Errorf("%w: got round %d, want %d", ErrRoundMismatch, c.Round, want)
	}
	if c.State.Round != c.Round || c.State.Contributor != c.Contributor {
		return Entry{}, fmt.Errorf("%w: state tag (%d, %q) disagrees with contribution", ErrRoundMismatch, c.State.Round, c.State.Contributor)
	}
	if c.PriorStateHash != t.Current().Hash() {
		return Entry{}, fmt.Errorf("%w: prior state hash does not match the current state", ErrRoundMismatch)
	}

	e := Entry{Contribution: c, Hash: link(t.Head(), &c)}
	t.entries = append(t.entries, e)
	return e, nil
}

// VerifyChain re-verifies every link and every transition and returns the
// first failure wrapped in ErrCorruptTranscript.
func (t *Transcript) VerifyChain() error {
	for _, err := range t.Audit() {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptTranscript, err)
		}
	}
	return nil
}

// Audit returns one verdict per entry. A damaged entry breaks its own link
// and, through the chain, every link after it.
func (t *Transcript) Audit() []error {
	verdicts := make([]error, len(t.entries))
	head := t.origin
	prev := t.genesis
	for i := range t.entries {
		e := &t.entries[i]
		verdicts[i] = checkEntry(i, prev, head, e)
		head = link(head, &e.Contribution)
		prev = e.State
	}
	return verdicts
}

func checkEntry(i int, prev *crs.State, head crs.Digest, e *Entry) error {
	fail := func(err error) error {
		return &ChainError{Index: i, Round: e.Round, Err: err}
	}
	if e.State == nil {
		return fail(errors.New("missing state"))
	}
	if err := e.State.Encodable(); err != nil {
		return fail(err)
	}
	if e.Round != prev.Round+1 {
		return fail(fmt.Errorf("round %d does not follow %d", e.Round, prev.Round))
	}
	if e.State.Round != e.Round || e.State.Contributor != e.Contributor {
		return fail(errors.New("state tag disagrees with entry"))
	}
	if e.PriorStateHash != prev.Hash() {
		return fail(errors.New("prior state hash mismatch"))
	}
	if link(head, &e.Contribution) != e.Hash {
		return fail(errors.New("chain hash mismatch"))
	}
	if err := mpc.Verify(prev, e.State, e.Proof, head[:]); err != nil {
		return fail(err)
	}
	if e.Beacon != nil {
		if err := checkBeacon(prev, head, e); err != nil {
			return fail(err)
		}
	}
	return nil
}

// checkBeacon re-derives the beacon contribution and compares it bit for bit
func checkBeacon(prev *crs.State, head crs.Digest, e *Entry) error {
	if e.Contributor != BeaconContributor {
		return fmt.Errorf("beacon value on contribution by %q", e.Contributor)
	}
	r := mpc.BeaconScalar(e.Beacon, head[:])
	want, proof, err := mpc.Contribute(prev, &r, BeaconContributor, head[:])
	if err != nil {
		return fmt.Errorf("re-derive beacon contribution: %w", err)
	}
	if want.Hash() != e.State.Hash() || proof != e.Proof {
		return errors.New("beacon contribution does not match its beacon value")
	}
	return nil
}

// link computes hash_n = BLAKE2b-512(hash_{n-1} ‖ encode(c))
func link(prev crs.Digest, c *Contribution) crs.Digest {
	h, _ := blake2b.New512(nil)
	h.Write(prev[:])
	h.Write(Encode(c))
	var d crs.Digest
	h.Sum(d[:0])
	return d
}

// Encode is the canonical byte form of a contribution. c.State must be
// Encodable.
func Encode(c *Contribution) []byte {
	var buf bytes.Buffer
	buf.Write(c.PriorStateHash[:])
	binary.Write(&buf, binary.BigEndian, c.Round)
	writeField(&buf, []byte(c.Contributor))

	state, err := c.State.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("transcript: encode contribution: %v", err))
	}
	writeField(&buf, state)
	proof, _ := c.Proof.MarshalBinary()
	writeField(&buf, proof)

	if c.Beacon != nil {
		buf.WriteByte(1)
		writeField(&buf, c.Beacon)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, p []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(p)))
	buf.Write(p)
}
