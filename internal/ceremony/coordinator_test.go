package ceremony

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustedsetup/internal/circuits"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/mpc"
	"trustedsetup/internal/transcript"
)

type memStore struct {
	mu       sync.Mutex
	saves    []*Record
	archived *Record
	fail     atomic.Bool
}

func (s *memStore) Save(rec *Record) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, rec)
	return nil
}

func (s *memStore) Archive(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = rec
	return nil
}

func (s *memStore) last() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

var testCircuits = sync.OnceValues(func() ([]*crs.Circuit, error) {
	cubic, err := crs.FromSeed("cubic", &circuits.Cubic{}, []byte("ceremony-test"))
	if err != nil {
		return nil, err
	}
	chain, err := crs.FromSeed("chain-3", &circuits.Chain{Length: 3}, []byte("ceremony-test"))
	if err != nil {
		return nil, err
	}
	return []*crs.Circuit{cubic, chain}, nil
})

// newTestRecord opens a ceremony over two circuits
func newTestRecord(t *testing.T) *Record {
	t.Helper()
	cs, err := testCircuits()
	require.NoError(t, err)
	rec, err := NewRecord(cs...)
	require.NoError(t, err)
	return rec
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TurnTimeout = 5 * time.Second
	cfg.Beacon = StaticBeacon("test beacon")
	cfg.BeaconRetry = 10 * time.Millisecond
	return cfg
}

func start(t *testing.T, rec *Record, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(rec, cfg)
	require.NoError(t, err)
	runCoordinator(t, c)
	return c
}

func runCoordinator(t *testing.T, c *Coordinator) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func register(t *testing.T, c *Coordinator, id string, scheme Scheme) *LocalContributor {
	t.Helper()
	signer, err := GenerateSigner(scheme)
	require.NoError(t, err)
	require.NoError(t, c.Register(context.Background(), Registration{
		ID:        id,
		Scheme:    scheme,
		PublicKey: signer.PublicKey(),
		Priority:  PriorityNormal,
	}))
	return NewLocalContributor(id, signer)
}

func prepare(t *testing.T, c *Coordinator, lc *LocalContributor) *Submission {
	t.Helper()
	ctx := context.Background()
	info, err := c.Info(ctx, lc.ID())
	require.NoError(t, err)
	sub, err := Prepare(ctx, lc, info)
	require.NoError(t, err)
	return sub
}

func status(t *testing.T, c *Coordinator) Status {
	t.Helper()
	s, err := c.Status(context.Background())
	require.NoError(t, err)
	return s
}

func TestQueueTurns(t *testing.T) {
	ctx := context.Background()
	c := start(t, newTestRecord(t), testConfig())
	alice := register(t, c, "alice", SchemeNone)
	bob := register(t, c, "bob", SchemeNone)

	s := status(t, c)
	assert.Equal(t, PhaseOpen, s.Phase)
	assert.Equal(t, "alice", s.Holder)
	assert.Equal(t, []string{"bob"}, s.Queue)

	_, err := c.Submit(ctx, prepare(t, c, bob))
	assert.ErrorIs(t, err, ErrNotYourTurn)

	receipt, err := c.Submit(ctx, prepare(t, c, alice))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Round)

	s = status(t, c)
	assert.Equal(t, PhaseInProgress, s.Phase)
	assert.Equal(t, "bob", s.Holder)
	assert.Equal(t, receipt.Hash, s.Head)

	_, err = c.Submit(ctx, prepare(t, c, bob))
	require.NoError(t, err)

	// queue exhausted without a quorum
	s = status(t, c)
	assert.Equal(t, PhaseFinalizing, s.Phase)
	assert.Equal(t, 2, s.Contributions)
}

func TestSameRoundRace(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Mode = ModeOpen
	cfg.Quorum = 5
	c := start(t, newTestRecord(t), cfg)

	t.Run("sequential", func(t *testing.T) {
		a := register(t, c, "a", SchemeNone)
		b := register(t, c, "b", SchemeNone)
		subA := prepare(t, c, a)
		subB := prepare(t, c, b)

		_, err := c.Submit(ctx, subA)
		require.NoError(t, err)
		_, err = c.Submit(ctx, subB)
		assert.ErrorIs(t, err, ErrStaleRound)
	})

	t.Run("concurrent", func(t *testing.T) {
		racers := []*LocalContributor{register(t, c, "x", SchemeNone), register(t, c, "y", SchemeNone), register(t, c, "z", SchemeNone)}
		subs := make([]*Submission, len(racers))
		for i, r := range racers {
			subs[i] = prepare(t, c, r)
		}

		errs := make([]error, len(subs))
		var wg sync.WaitGroup
		for i := range subs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = c.Submit(ctx, subs[i])
			}(i)
		}
		wg.Wait()

		var accepted, stale int
		for _, err := range errs {
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrStaleRound):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, accepted)
		assert.Equal(t, len(subs)-1, stale)
		assert.Equal(t, uint64(2), status(t, c).Round)
	})
}

func TestSubmitRejections(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Mode = ModeOpen
	cfg.Quorum = 10
	c := start(t, newTestRecord(t), cfg)
	alice := register(t, c, "alice", SchemeNone)

	t.Run("not registered", func(t *testing.T) {
		sub := prepare(t, c, alice)
		sub.Contributor = "eve"
		for _, u := range sub.Updates {
			u.State.Contributor = "eve"
		}
		_, err := c.Submit(ctx, sub)
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("round mismatch", func(t *testing.T) {
		sub := prepare(t, c, alice)
		sub.Round = 2
		_, err := c.Submit(ctx, sub)
		assert.ErrorIs(t, err, ErrRoundMismatch)
	})

	t.Run("invalid contribution to one circuit leaves the round", func(t *testing.T) {
		sub := prepare(t, c, alice)
		last := sub.Updates[len(sub.Updates)-1].State
		last.G1.L[0] = last.G1.L[1]
		_, err := c.Submit(ctx, sub)
		assert.ErrorIs(t, err, ErrInvalidContribution)
		assert.Contains(t, err.Error(), "chain-3")
		assert.Equal(t, uint64(0), status(t, c).Round)
	})

	t.Run("empty submission", func(t *testing.T) {
		_, err := c.Submit(ctx, &Submission{Contributor: "alice", Round: 1})
		assert.ErrorIs(t, err, ErrInvalidContribution)
	})

	t.Run("update set must match the circuits", func(t *testing.T) {
		edits := map[string]func(sub *Submission){
			"missing":   func(sub *Submission) { sub.Updates = sub.Updates[:1] },
			"duplicate": func(sub *Submission) { sub.Updates[1] = sub.Updates[0] },
			"unknown":   func(sub *Submission) { sub.Updates[1].Circuit = "other" },
		}
		for name, edit := range edits {
			sub := prepare(t, c, alice)
			edit(sub)
			require.NoError(t, alice.Authenticate(sub))
			_, err := c.Submit(ctx, sub)
			assert.ErrorIs(t, err, ErrInvalidContribution, name)
		}
		assert.Equal(t, uint64(0), status(t, c).Round)
	})

	t.Run("unencodable state", func(t *testing.T) {
		sub := prepare(t, c, alice)
		sub.Updates[0].State.Contributor = strings.Repeat("a", crs.MaxContributorLen+1)
		_, err := c.Submit(ctx, sub)
		assert.ErrorIs(t, err, ErrInvalidContribution)
	})

	t.Run("already contributed", func(t *testing.T) {
		_, err := c.Submit(ctx, prepare(t, c, alice))
		require.NoError(t, err)
		_, err = c.Submit(ctx, prepare(t, c, alice))
		assert.ErrorIs(t, err, ErrAlreadyContributed)

		_, err = c.AwaitTurn(ctx, "alice")
		assert.ErrorIs(t, err, ErrAlreadyContributed)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		err := c.Register(ctx, Registration{ID: "alice", Scheme: SchemeNone})
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
	})

	t.Run("reserved id", func(t *testing.T) {
		assert.Error(t, c.Register(ctx, Registration{ID: transcript.BeaconContributor, Scheme: SchemeNone}))
	})
}

func TestSignedSubmissions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Mode = ModeOpen
	cfg.Quorum = 10
	cfg.RepeatContributions = true
	c := start(t, newTestRecord(t), cfg)

	for _, scheme := range []Scheme{SchemeEdDSA, SchemeEd25519} {
		t.Run(string(scheme), func(t *testing.T) {
			p := register(t, c, "p-"+string(scheme), scheme)

			_, err := c.Submit(ctx, prepare(t, c, p))
			require.NoError(t, err)

			t.Run("bad signature", func(t *testing.T) {
				sub := prepare(t, c, p)
				sub.Signature[0] ^= 0xff
				_, err := c.Submit(ctx, sub)
				assert.ErrorIs(t, err, ErrUnauthenticated)
			})

			t.Run("replayed nonce", func(t *testing.T) {
				sub := prepare(t, c, p)
				_, err := c.Submit(ctx, sub)
				require.NoError(t, err)

				// same nonce, fresh round
				info, err := c.Info(ctx, p.ID())
				require.NoError(t, err)
				info.Nonce--
				replay, err := Prepare(ctx, p, info)
				require.NoError(t, err)
				_, err = c.Submit(ctx, replay)
				assert.ErrorIs(t, err, ErrUnauthenticated)
			})

			t.Run("signature from another key", func(t *testing.T) {
				other, err := GenerateSigner(scheme)
				require.NoError(t, err)
				info, err := c.Info(ctx, p.ID())
				require.NoError(t, err)
				sub, err := Prepare(ctx, NewLocalContributor(p.ID(), other), info)
				require.NoError(t, err)
				_, err = c.Submit(ctx, sub)
				assert.ErrorIs(t, err, ErrUnauthenticated)
			})
		})
	}
}

func TestDeadlineRequeue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.TurnTimeout = 300 * time.Millisecond
	cfg.DropPolicy = DropRequeue
	cfg.MaxMisses = 2
	c := start(t, newTestRecord(t), cfg)
	register(t, c, "staller", SchemeNone)
	worker := register(t, c, "worker", SchemeNone)

	// the staller never submits; its turn passes to the worker
	info, err := c.AwaitTurn(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, "worker", info.Holder)

	s := status(t, c)
	assert.Equal(t, []string{"staller"}, s.Queue)
	participants, err := c.Participants(ctx)
	require.NoError(t, err)
	for _, p := range participants {
		if p.ID == "staller" {
			assert.Equal(t, PriorityLow, p.Priority)
			assert.Equal(t, 1, p.Misses)
		}
	}

	sub, err := Prepare(ctx, worker, info)
	require.NoError(t, err)
	_, err = c.Submit(ctx, sub)
	require.NoError(t, err)

	// second miss removes the staller and exhausts the queue
	require.NoError(t, c.AwaitPhase(ctx, PhaseFinalizing))
	_, err = c.AwaitTurn(ctx, "staller")
	assert.ErrorIs(t, err, ErrDropped)
}

func TestDeadlineRemove(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.TurnTimeout = 50 * time.Millisecond
	cfg.DropPolicy = DropRemove
	c := start(t, newTestRecord(t), cfg)
	staller := register(t, c, "staller", SchemeNone)
	register(t, c, "worker", SchemeNone)

	sub := prepare(t, c, staller)
	_, err := c.AwaitTurn(ctx, "worker")
	require.NoError(t, err)

	_, err = c.Submit(ctx, sub)
	assert.ErrorIs(t, err, ErrDropped)
	_, err = c.AwaitTurn(ctx, "staller")
	assert.ErrorIs(t, err, ErrDropped)
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cfg := testConfig()
	cfg.Quorum = 2
	cfg.Store = store
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)
	b := register(t, c, "b", SchemeNone)

	_, err := c.Finalize(ctx)
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = c.Submit(ctx, prepare(t, c, a))
	require.NoError(t, err)
	_, err = c.Submit(ctx, prepare(t, c, b))
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalizing, status(t, c).Phase)

	first, err := c.Finalize(ctx)
	require.NoError(t, err)
	second, err := c.Finalize(ctx)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		firstBytes, err := first[i].State.MarshalBinary()
		require.NoError(t, err)
		secondBytes, err := second[i].State.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, firstBytes, secondBytes)
		assert.Equal(t, transcript.BeaconContributor, first[i].State.Contributor)
	}

	s := status(t, c)
	assert.Equal(t, PhaseClosed, s.Phase)
	assert.Equal(t, uint64(3), s.Round)
	assert.Equal(t, 2, s.Contributions)

	for _, name := range c.Circuits() {
		tr, err := c.Transcript(ctx, name)
		require.NoError(t, err)
		require.NoError(t, tr.VerifyChain())
		assert.True(t, tr.Closed())
	}
	_, err = c.Transcript(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownCircuit)

	require.NotNil(t, store.archived)
	assert.Equal(t, PhaseClosed, store.archived.Phase)
	assert.Equal(t, []byte("test beacon"), store.archived.Beacon)

	_, err = c.Submit(ctx, prepare(t, c, a))
	assert.ErrorIs(t, err, ErrWrongPhase)
	assert.ErrorIs(t, c.Register(ctx, Registration{ID: "late", Scheme: SchemeNone}), ErrWrongPhase)
}

func TestFinalizeBeaconUnavailable(t *testing.T) {
	ctx := context.Background()
	var ready atomic.Bool
	cfg := testConfig()
	cfg.Quorum = 1
	cfg.Beacon = BeaconFunc(func(context.Context) ([]byte, error) {
		if !ready.Load() {
			return nil, errors.New("round not yet published")
		}
		return []byte("late beacon"), nil
	})
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)
	_, err := c.Submit(ctx, prepare(t, c, a))
	require.NoError(t, err)

	_, err = c.Finalize(ctx)
	assert.ErrorIs(t, err, ErrBeaconUnavailable)
	assert.Equal(t, PhaseFinalizing, status(t, c).Phase)

	go func() {
		time.Sleep(30 * time.Millisecond)
		ready.Store(true)
	}()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := c.FinalizeWhenReady(waitCtx)
	require.NoError(t, err)
	for _, cur := range final {
		assert.Equal(t, uint64(2), cur.State.Round)
	}
	assert.Equal(t, PhaseClosed, status(t, c).Phase)
}

func TestBeginFinalization(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)
	register(t, c, "b", SchemeNone)

	assert.ErrorIs(t, c.BeginFinalization(ctx), ErrWrongPhase)
	_, err := c.Submit(ctx, prepare(t, c, a))
	require.NoError(t, err)
	require.NoError(t, c.BeginFinalization(ctx))
	require.NoError(t, c.BeginFinalization(ctx))

	s := status(t, c)
	assert.Equal(t, PhaseFinalizing, s.Phase)
	assert.Empty(t, s.Holder)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cfg := testConfig()
	cfg.Mode = ModeOpen
	cfg.Quorum = 3
	cfg.RepeatContributions = true
	cfg.Store = store
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)

	for round := uint64(1); round <= 2; round++ {
		receipt, err := c.Submit(ctx, prepare(t, c, a))
		require.NoError(t, err)
		saved := store.last()
		require.NotNil(t, saved)
		assert.Equal(t, round, saved.Round())
		assert.Equal(t, receipt.Hash, saved.Head())
		assert.Equal(t, int(round), saved.Participants[0].Contributions)
	}

	t.Run("failed save leaves the round", func(t *testing.T) {
		store.fail.Store(true)
		defer store.fail.Store(false)
		_, err := c.Submit(ctx, prepare(t, c, a))
		assert.ErrorIs(t, err, ErrPersist)
		assert.Equal(t, uint64(2), status(t, c).Round)
	})

	t.Run("resume", func(t *testing.T) {
		saved := store.last()
		resumed, err := Resume(saved, cfg)
		require.NoError(t, err)
		runCoordinator(t, resumed)

		info, err := resumed.Info(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), info.Round)
		sub, err := Prepare(ctx, a, info)
		require.NoError(t, err)
		_, err = resumed.Submit(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, PhaseFinalizing, status(t, resumed).Phase)
	})
}

func TestResumeCorruptTranscript(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cfg := testConfig()
	cfg.Mode = ModeOpen
	cfg.Quorum = 5
	cfg.RepeatContributions = true
	cfg.Store = store
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)
	for i := 0; i < 2; i++ {
		_, err := c.Submit(ctx, prepare(t, c, a))
		require.NoError(t, err)
	}

	saved := store.last()
	tracks := saved.cloneTracks()
	entries := tracks[1].Transcript.Entries()
	damaged := entries[0].State.Clone()
	damaged.G1.Z[0].Y[1] ^= 1
	entries[0].State = damaged
	tracks[1].Transcript = transcript.Restore(tracks[1].Transcript.Genesis(), entries)
	saved.Tracks = tracks

	_, err := Resume(saved, cfg)
	assert.ErrorIs(t, err, ErrCorruptTranscript)
	assert.Contains(t, err.Error(), "chain-3")
}

func TestRecordTracksAgree(t *testing.T) {
	rec := newTestRecord(t)
	assert.Equal(t, []string{"cubic", "chain-3"}, rec.Names())
	heads := rec.States()
	assert.NotEqual(t, heads[0].Challenge, heads[1].Challenge, "each circuit starts its own chain")

	cs, err := testCircuits()
	require.NoError(t, err)
	_, err = NewRecord(cs[0], cs[0])
	assert.Error(t, err)
	_, err = NewRecord()
	assert.Error(t, err)

	// one track ahead of the other
	tr := rec.Tracks[0].Transcript
	r, err := mpc.NewRandomness()
	require.NoError(t, err)
	head := tr.Head()
	next, proof, err := mpc.Contribute(tr.Current(), &r, "solo", head[:])
	require.NoError(t, err)
	_, err = tr.Record(transcript.Contribution{PriorStateHash: tr.Current().Hash(), State: next, Proof: proof, Contributor: "solo", Round: 1})
	require.NoError(t, err)
	_, err = New(rec, testConfig())
	assert.Error(t, err)
}

func TestSubmitCopiesSubmission(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Mode = ModeOpen
	cfg.Quorum = 5
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)

	sub := prepare(t, c, a)
	_, err := c.Submit(ctx, sub)
	require.NoError(t, err)

	// the caller still holds the submitted states
	for _, u := range sub.Updates {
		u.State.G1.L[0] = u.State.G1.L[1]
		u.State.G1.Delta = u.State.G1.Z[0]
	}
	info, err := c.Info(ctx, "a")
	require.NoError(t, err)
	for _, cur := range info.Circuits {
		cur.State.G1.Z[0] = cur.State.G1.Z[1]
	}

	for _, name := range c.Circuits() {
		tr, err := c.Transcript(ctx, name)
		require.NoError(t, err)
		assert.NoError(t, tr.VerifyChain(), name)
	}
	again, err := c.Info(ctx, "a")
	require.NoError(t, err)
	for i := range again.Circuits {
		assert.NotEqual(t, info.Circuits[i].State.Hash(), again.Circuits[i].State.Hash())
		assert.NoError(t, again.Circuits[i].State.Validate())
	}
}

func TestFinalizeSingleFlight(t *testing.T) {
	ctx := context.Background()
	var reads atomic.Int32
	gate := make(chan struct{})
	cfg := testConfig()
	cfg.Quorum = 1
	cfg.Beacon = BeaconFunc(func(ctx context.Context) ([]byte, error) {
		reads.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte("gated beacon"), nil
	})
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)
	_, err := c.Submit(ctx, prepare(t, c, a))
	require.NoError(t, err)

	const callers = 4
	results := make([][]CircuitState, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Finalize(ctx)
		}()
	}
	require.Eventually(t, func() bool { return reads.Load() == 1 }, 5*time.Second, time.Millisecond)
	// let the other callers reach the coordinator before the beacon answers
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), reads.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 2)
		for k := range results[i] {
			assert.Equal(t, results[0][k].State.Hash(), results[i][k].State.Hash())
		}
	}
	assert.Equal(t, PhaseClosed, status(t, c).Phase)
}

func TestClosedRecordKeys(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Quorum = 1
	c := start(t, newTestRecord(t), cfg)
	a := register(t, c, "a", SchemeNone)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	track, ok := snap.Track("cubic")
	require.True(t, ok)
	_, _, err = track.Keys()
	assert.ErrorIs(t, err, ErrWrongPhase)

	_, err = c.Submit(ctx, prepare(t, c, a))
	require.NoError(t, err)
	_, err = c.Finalize(ctx)
	require.NoError(t, err)

	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	track, ok = snap.Track("cubic")
	require.True(t, ok)
	pk, vk, err := track.Keys()
	require.NoError(t, err)

	w, err := frontend.NewWitness(&circuits.Cubic{X: 3, Y: 35}, ecc.BN254.ScalarField())
	require.NoError(t, err)
	proof, err := groth16.Prove(track.Circuit.R1CS, pk, w)
	require.NoError(t, err)
	pub, err := w.Public()
	require.NoError(t, err)
	assert.NoError(t, groth16.Verify(proof, vk, pub))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	open := DefaultConfig()
	open.Mode = ModeOpen
	assert.Error(t, open.Validate())

	repeat := DefaultConfig()
	repeat.RepeatContributions = true
	assert.Error(t, repeat.Validate())

	bad := DefaultConfig()
	bad.DropPolicy = "ignore"
	assert.Error(t, bad.Validate())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{nil, CodeAccepted},
		{ErrStaleRound, CodeStaleRound},
		{ErrRoundMismatch, CodeRoundMismatch},
		{ErrInvalidContribution, CodeInvalidContribution},
		{errors.Join(errors.New("wrapped"), ErrNotYourTurn), CodeNotYourTurn},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, CodeOf(tt.err))
		if tt.err != nil && tt.code != CodeInternal {
			assert.ErrorIs(t, tt.err, tt.code.Err())
		}
	}
}
