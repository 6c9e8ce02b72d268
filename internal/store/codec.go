// codec.go - Versioned CBOR encoding of a ceremony record
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/mpc"
	"trustedsetup/internal/transcript"
)

const (
	recordFormat  = "trustedsetup/record"
	recordVersion = 2
)

var (
	// ErrUnknownFormat is returned for envelopes that do not hold a record
	ErrUnknownFormat = errors.New("unknown record format")
	// ErrUnsupportedVersion is returned for record versions this build cannot read
	ErrUnsupportedVersion = errors.New("unsupported record version")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}).DecMode(); err != nil {
		panic(err)
	}
}

// envelope frames every persisted document so that readers can refuse
// formats and versions they do not understand.
type envelope struct {
	Format  string          `cbor:"format"`
	Version uint16          `cbor:"version"`
	Body    cbor.RawMessage `cbor:"body"`
}

type recordV2 struct {
	ID           string          `cbor:"id"`
	Phase        string          `cbor:"phase"`
	Tracks       []trackV2       `cbor:"tracks"`
	Participants []participantV1 `cbor:"participants"`
	Beacon       []byte          `cbor:"beacon,omitempty"`
	CreatedAt    int64           `cbor:"created_at"`
}

// trackV2 stores the circuit with its commons; the genesis state is
// recomputed from them on decode
type trackV2 struct {
	Circuit []byte    `cbor:"circuit"`
	Entries []entryV1 `cbor:"entries"`
}

type entryV1 struct {
	Prior       []byte `cbor:"prior"`
	State       []byte `cbor:"state"`
	Proof       []byte `cbor:"proof"`
	Contributor string `cbor:"contributor"`
	Round       uint64 `cbor:"round"`
	Beacon      []byte `cbor:"beacon,omitempty"`
	Hash        []byte `cbor:"hash"`
}

type participantV1 struct {
	ID            string `cbor:"id"`
	Scheme        string `cbor:"scheme"`
	PublicKey     []byte `cbor:"public_key,omitempty"`
	Priority      string `cbor:"priority"`
	Nonce         uint64 `cbor:"nonce"`
	Contributions int    `cbor:"contributions"`
	Misses        int    `cbor:"misses"`
	Removed       bool   `cbor:"removed"`
	Queued        bool   `cbor:"queued"`
}

// Encode serializes rec deterministically: equal records give equal bytes
func Encode(rec *ceremony.Record) ([]byte, error) {
	if rec == nil || len(rec.Tracks) == 0 {
		return nil, errors.New("encode: empty record")
	}

	body := recordV2{
		ID:        rec.ID,
		Phase:     rec.Phase.String(),
		Beacon:    rec.Beacon,
		CreatedAt: rec.CreatedAt.UnixNano(),
	}
	for _, t := range rec.Tracks {
		if t.Circuit == nil || t.Transcript == nil {
			return nil, errors.New("encode: incomplete track")
		}
		circuit, err := t.Circuit.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode circuit %s: %w", t.Circuit.Name, err)
		}
		tv := trackV2{Circuit: circuit}
		for i, e := range t.Transcript.Entries() {
			ev, err := encodeEntry(&e)
			if err != nil {
				return nil, fmt.Errorf("encode circuit %s entry %d: %w", t.Circuit.Name, i, err)
			}
			tv.Entries = append(tv.Entries, ev)
		}
		body.Tracks = append(body.Tracks, tv)
	}
	for _, p := range rec.Participants {
		body.Participants = append(body.Participants, participantV1{
			ID:            p.ID,
			Scheme:        string(p.Scheme),
			PublicKey:     p.PublicKey,
			Priority:      p.Priority.String(),
			Nonce:         p.Nonce,
			Contributions: p.Contributions,
			Misses:        p.Misses,
			Removed:       p.Removed,
			Queued:        p.Queued,
		})
	}

	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return encMode.Marshal(envelope{Format: recordFormat, Version: recordVersion, Body: raw})
}

func encodeEntry(e *transcript.Entry) (entryV1, error) {
	state, err := e.State.MarshalBinary()
	if err != nil {
		return entryV1{}, err
	}
	proof, err := e.Proof.MarshalBinary()
	if err != nil {
		return entryV1{}, err
	}
	return entryV1{
		Prior:       append([]byte(nil), e.PriorStateHash[:]...),
		State:       state,
		Proof:       proof,
		Contributor: e.Contributor,
		Round:       e.Round,
		Beacon:      e.Beacon,
		Hash:        append([]byte(nil), e.Hash[:]...),
	}, nil
}

// Decode parses a record written by Encode. Each transcript is rebuilt as
// stored over the genesis its circuit yields; callers decide whether to
// re-verify it.
func Decode(data []byte) (*ceremony.Record, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Format != recordFormat {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, env.Format)
	}
	if env.Version != recordVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}

	var body recordV2
	if err := decMode.Unmarshal(env.Body, &body); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	phase, err := ceremony.ParsePhase(body.Phase)
	if err != nil {
		return nil, err
	}
	rec := &ceremony.Record{
		ID:        body.ID,
		Phase:     phase,
		Beacon:    body.Beacon,
		CreatedAt: time.Unix(0, body.CreatedAt).UTC(),
	}
	for k := range body.Tracks {
		t, err := decodeTrack(&body.Tracks[k])
		if err != nil {
			return nil, fmt.Errorf("decode track %d: %w", k, err)
		}
		rec.Tracks = append(rec.Tracks, t)
	}
	for _, p := range body.Participants {
		scheme, err := ceremony.ParseScheme(p.Scheme)
		if err != nil {
			return nil, fmt.Errorf("participant %q: %w", p.ID, err)
		}
		prio, err := ceremony.ParsePriority(p.Priority)
		if err != nil {
			return nil, fmt.Errorf("participant %q: %w", p.ID, err)
		}
		rec.Participants = append(rec.Participants, ceremony.Participant{
			ID:            p.ID,
			Scheme:        scheme,
			PublicKey:     p.PublicKey,
			Priority:      prio,
			Nonce:         p.Nonce,
			Contributions: p.Contributions,
			Misses:        p.Misses,
			Removed:       p.Removed,
			Queued:        p.Queued,
		})
	}
	return rec, nil
}

func decodeTrack(tv *trackV2) (ceremony.Track, error) {
	circuit := new(crs.Circuit)
	if err := circuit.UnmarshalBinary(tv.Circuit); err != nil {
		return ceremony.Track{}, fmt.Errorf("circuit: %w", err)
	}
	genesis, err := circuit.Genesis()
	if err != nil {
		return ceremony.Track{}, fmt.Errorf("circuit %s: %w", circuit.Name, err)
	}
	entries := make([]transcript.Entry, 0, len(tv.Entries))
	for i := range tv.Entries {
		e, err := decodeEntry(&tv.Entries[i])
		if err != nil {
			return ceremony.Track{}, fmt.Errorf("circuit %s entry %d: %w", circuit.Name, i, err)
		}
		entries = append(entries, e)
	}
	return ceremony.Track{Circuit: circuit, Transcript: transcript.Restore(genesis, entries)}, nil
}

func decodeEntry(ev *entryV1) (transcript.Entry, error) {
	var e transcript.Entry
	if err := copyDigest(&e.PriorStateHash, ev.Prior); err != nil {
		return e, fmt.Errorf("prior hash: %w", err)
	}
	if err := copyDigest(&e.Hash, ev.Hash); err != nil {
		return e, fmt.Errorf("hash: %w", err)
	}
	e.State = new(crs.State)
	if err := e.State.UnmarshalBinary(ev.State); err != nil {
		return e, fmt.Errorf("state: %w", err)
	}
	var proof mpc.Proof
	if err := proof.UnmarshalBinary(ev.Proof); err != nil {
		return e, fmt.Errorf("proof: %w", err)
	}
	e.Proof = proof
	e.Contributor = ev.Contributor
	e.Round = ev.Round
	e.Beacon = ev.Beacon
	return e, nil
}

func copyDigest(d *crs.Digest, b []byte) error {
	if len(b) != crs.DigestSize {
		return fmt.Errorf("want %d bytes, got %d", crs.DigestSize, len(b))
	}
	copy(d[:], b)
	return nil
}
