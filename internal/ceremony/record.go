// record.go - The ceremony record owned by a coordinator
package ceremony

import (
	"errors"
	"fmt"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/google/uuid"

	"trustedsetup/internal/crs"
	"trustedsetup/internal/transcript"
)

// Track is the chain of one circuit. Every track of a record advances by
// exactly one entry per accepted round.
type Track struct {
	Circuit    *crs.Circuit
	Transcript *transcript.Transcript
}

// Keys extracts the Groth16 keys from a closed track. The seal beacon is the
// final chain head.
func (t *Track) Keys() (groth16.ProvingKey, groth16.VerifyingKey, error) {
	if !t.Transcript.Closed() {
		return nil, nil, fmt.Errorf("%w: circuit %s is not closed", ErrWrongPhase, t.Circuit.Name)
	}
	head := t.Transcript.Head()
	return t.Circuit.ExtractKeys(t.Transcript.Current(), head[:])
}

// CircuitState is the newest state of one circuit and the challenge the next
// contribution to it must bind
type CircuitState struct {
	Circuit   string
	State     *crs.State
	Challenge crs.Digest
}

// Record is the complete persisted state of one ceremony
type Record struct {
	ID           string
	Phase        Phase
	Tracks       []Track
	Participants []Participant
	// Beacon is the value consumed by Finalize, nil until then
	Beacon    []byte
	CreatedAt time.Time
}

// NewRecord starts a ceremony over the genesis states of circuits
func NewRecord(circuits ...*crs.Circuit) (*Record, error) {
	if len(circuits) == 0 {
		return nil, errors.New("ceremony needs at least one circuit")
	}
	seen := make(map[string]bool, len(circuits))
	tracks := make([]Track, 0, len(circuits))
	for _, c := range circuits {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate circuit %q", c.Name)
		}
		seen[c.Name] = true
		genesis, err := c.Genesis()
		if err != nil {
			return nil, fmt.Errorf("circuit %s: %w", c.Name, err)
		}
		tracks = append(tracks, Track{Circuit: c, Transcript: transcript.New(genesis)})
	}
	return &Record{
		ID:        uuid.NewString(),
		Phase:     PhaseOpen,
		Tracks:    tracks,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Names lists the circuits in record order
func (r *Record) Names() []string {
	names := make([]string, len(r.Tracks))
	for i := range r.Tracks {
		names[i] = r.Tracks[i].Circuit.Name
	}
	return names
}

// Track looks up a circuit by name
func (r *Record) Track(name string) (*Track, bool) {
	for i := range r.Tracks {
		if r.Tracks[i].Circuit.Name == name {
			return &r.Tracks[i], true
		}
	}
	return nil, false
}

// Round is the last accepted round
func (r *Record) Round() uint64 {
	return r.Tracks[0].Transcript.LastRound()
}

// Closed reports whether the beacon has been recorded
func (r *Record) Closed() bool {
	return r.Tracks[0].Transcript.Closed()
}

// Contributions counts accepted participant contributions, beacon excluded
func (r *Record) Contributions() int {
	n := r.Tracks[0].Transcript.Len()
	if r.Closed() {
		n--
	}
	return n
}

// Head binds the chain heads of every circuit. It is the hash a receipt
// hands back for a round.
func (r *Record) Head() crs.Digest {
	heads := make([]crs.Digest, len(r.Tracks))
	for i := range r.Tracks {
		heads[i] = r.Tracks[i].Transcript.Head()
	}
	return r.combine(heads)
}

// ContributionHash is Head as it was right after entry i
func (r *Record) ContributionHash(i int) crs.Digest {
	heads := make([]crs.Digest, len(r.Tracks))
	for k := range r.Tracks {
		heads[k] = r.Tracks[k].Transcript.Entries()[i].Hash
	}
	return r.combine(heads)
}

func (r *Record) combine(heads []crs.Digest) crs.Digest {
	parts := make([][]byte, 0, 2*len(heads))
	for i := range heads {
		parts = append(parts, []byte(r.Tracks[i].Circuit.Name), heads[i][:])
	}
	return crs.DigestOf("ceremony/head", parts...)
}

// States returns a copy of every circuit's newest state
func (r *Record) States() []CircuitState {
	out := make([]CircuitState, len(r.Tracks))
	for i := range r.Tracks {
		tr := r.Tracks[i].Transcript
		out[i] = CircuitState{
			Circuit:   r.Tracks[i].Circuit.Name,
			State:     tr.Current().Clone(),
			Challenge: tr.Head(),
		}
	}
	return out
}

// cloneTracks copies the track list with independent transcripts
func (r *Record) cloneTracks() []Track {
	out := make([]Track, len(r.Tracks))
	for i := range r.Tracks {
		out[i] = Track{Circuit: r.Tracks[i].Circuit, Transcript: r.Tracks[i].Transcript.Clone()}
	}
	return out
}

// Verify re-verifies every chain and the agreement between them
func (r *Record) Verify() error {
	for i := range r.Tracks {
		if r.Tracks[i].Transcript == nil {
			continue
		}
		if err := r.Tracks[i].Transcript.VerifyChain(); err != nil {
			return fmt.Errorf("circuit %s: %w", r.Tracks[i].Circuit.Name, err)
		}
	}
	return r.check()
}

// check reports inconsistencies between the phase and the chains
func (r *Record) check() error {
	if len(r.Tracks) == 0 {
		return fmt.Errorf("record %s has no circuits", r.ID)
	}
	first := r.Tracks[0].Transcript
	if first == nil {
		return fmt.Errorf("record %s has no transcript", r.ID)
	}
	base := first.Entries()
	seen := make(map[string]bool, len(r.Tracks))
	for k := range r.Tracks {
		t := &r.Tracks[k]
		if t.Circuit == nil || t.Transcript == nil {
			return fmt.Errorf("record %s: track %d is incomplete", r.ID, k)
		}
		if seen[t.Circuit.Name] {
			return fmt.Errorf("record %s: duplicate circuit %q", r.ID, t.Circuit.Name)
		}
		seen[t.Circuit.Name] = true

		entries := t.Transcript.Entries()
		if len(entries) != len(base) {
			return fmt.Errorf("record %s: circuit %s has %d entries, %s has %d",
				r.ID, t.Circuit.Name, len(entries), r.Tracks[0].Circuit.Name, len(base))
		}
		for i := range entries {
			a, b := &entries[i], &base[i]
			if a.Round != b.Round || a.Contributor != b.Contributor || string(a.Beacon) != string(b.Beacon) || (a.Beacon == nil) != (b.Beacon == nil) {
				return fmt.Errorf("record %s: circuit %s entry %d disagrees with %s", r.ID, t.Circuit.Name, i, r.Tracks[0].Circuit.Name)
			}
		}
	}

	closed := first.Closed()
	if closed != (r.Phase == PhaseClosed) {
		return fmt.Errorf("record %s: phase %s disagrees with transcript (beacon recorded: %t)", r.ID, r.Phase, closed)
	}
	return nil
}
