// coordinator.go - Serialized ownership of the ceremony record
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trustedsetup/internal/crs"
	"trustedsetup/internal/mpc"
	"trustedsetup/internal/transcript"
)

// Coordinator sequences contributions to one Record. All state below the
// ops channel is owned by the goroutine running Run.
type Coordinator struct {
	cfg   Config
	log   zerolog.Logger
	names []string

	ops     chan func()
	done    chan struct{}
	running sync.Once

	rec      *Record
	reg      *registry
	holder   *member
	deadline time.Time
	timer    *time.Timer
	changed  chan struct{}
	// sealing is set while one Finalize call reads the beacon
	sealing bool
}

// Status is a point-in-time summary of the ceremony
type Status struct {
	ID            string
	Phase         Phase
	Round         uint64
	Contributions int
	Head          crs.Digest
	Holder        string
	Deadline      time.Time
	Queue         []string
	Registered    int
}

// New creates a coordinator for rec. rec must not be used by the caller
// afterwards; the coordinator is its only owner.
func New(rec *Record, cfg Config) (*Coordinator, error) {
	if rec == nil {
		return nil, errors.New("ceremony: nil record")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ceremony config: %w", err)
	}
	if err := rec.check(); err != nil {
		return nil, err
	}
	if cfg.BeaconRetry <= 0 {
		cfg.BeaconRetry = DefaultConfig().BeaconRetry
	}

	return &Coordinator{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "coordinator").Str("ceremony", rec.ID).Logger(),
		names:   rec.Names(),
		ops:     make(chan func()),
		done:    make(chan struct{}),
		rec:     rec,
		reg:     restoreRegistry(rec.Participants),
		changed: make(chan struct{}),
	}, nil
}

// Resume re-verifies every persisted chain and then behaves like New. A
// chain that fails verification is fatal.
func Resume(rec *Record, cfg Config) (*Coordinator, error) {
	if rec == nil || len(rec.Tracks) == 0 {
		return nil, errors.New("ceremony: nil record")
	}
	if err := rec.Verify(); err != nil {
		return nil, fmt.Errorf("resume ceremony %s: %w", rec.ID, err)
	}
	c, err := New(rec, cfg)
	if err != nil {
		return nil, err
	}
	c.log.Info().
		Uint64("round", rec.Round()).
		Strs("circuits", c.names).
		Str("phase", rec.Phase.String()).
		Str("head", rec.Head().Short()).
		Msg("ceremony resumed")
	return c, nil
}

// Circuits lists the circuits of the ceremony
func (c *Coordinator) Circuits() []string {
	return append([]string(nil), c.names...)
}

// Run executes operations until ctx is done. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	first := false
	c.running.Do(func() { first = true })
	if !first {
		return errors.New("ceremony: coordinator already running")
	}
	defer close(c.done)
	defer c.stopTimer()

	if c.cfg.Mode == ModeQueue && c.holder == nil && c.rec.Phase.Accepting() {
		c.advance()
	}
	c.publish()

	for {
		var expiry <-chan time.Time
		if c.timer != nil {
			expiry = c.timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-c.ops:
			op()
		case <-expiry:
			c.expireHolder()
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	<-finished
	return nil
}

// Register adds a participant. Registration is accepted while the ceremony
// still takes contributions.
func (c *Coordinator) Register(ctx context.Context, r Registration) error {
	if r.ID == "" || len(r.ID) > crs.MaxContributorLen {
		return fmt.Errorf("register: invalid participant id %q", r.ID)
	}
	if r.ID == transcript.BeaconContributor || r.ID == crs.GenesisContributor {
		return fmt.Errorf("register: participant id %q is reserved", r.ID)
	}
	if err := ValidatePublicKey(r.Scheme, r.PublicKey); err != nil {
		return fmt.Errorf("register %s: %w", r.ID, err)
	}

	var opErr error
	if err := c.do(ctx, func() { opErr = c.register(r) }); err != nil {
		return err
	}
	return opErr
}

func (c *Coordinator) register(r Registration) error {
	if !c.rec.Phase.Accepting() {
		return fmt.Errorf("%w: registration closed in phase %s", ErrWrongPhase, c.rec.Phase)
	}
	if _, ok := c.reg.get(r.ID); ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, r.ID)
	}

	m := c.reg.add(Participant{
		ID:        r.ID,
		Scheme:    r.Scheme,
		PublicKey: append([]byte(nil), r.PublicKey...),
		Priority:  r.Priority,
	})
	if c.cfg.Mode == ModeQueue {
		c.reg.enqueue(m)
		if c.holder == nil {
			c.advance()
		}
	}

	c.log.Info().
		Str("participant", r.ID).
		Str("scheme", string(r.Scheme)).
		Str("priority", r.Priority.String()).
		Msg("participant registered")
	c.saveBestEffort()
	c.publish()
	return nil
}

// Info returns the round information for participant id
func (c *Coordinator) Info(ctx context.Context, id string) (RoundInfo, error) {
	var info RoundInfo
	var opErr error
	if err := c.do(ctx, func() { info, opErr = c.info(id) }); err != nil {
		return RoundInfo{}, err
	}
	return info, opErr
}

func (c *Coordinator) info(id string) (RoundInfo, error) {
	m, ok := c.reg.get(id)
	if !ok {
		return RoundInfo{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	info := RoundInfo{
		Phase:    c.rec.Phase,
		Round:    c.rec.Round(),
		Circuits: c.rec.States(),
		Deadline: c.deadline,
		Nonce:    m.Nonce,
	}
	if c.holder != nil {
		info.Holder = c.holder.ID
	}
	return info, nil
}

// AwaitTurn blocks until participant id may submit for the current round.
// It fails with ErrDropped, ErrAlreadyContributed or ErrWrongPhase once the
// participant can no longer contribute.
func (c *Coordinator) AwaitTurn(ctx context.Context, id string) (RoundInfo, error) {
	for {
		var info RoundInfo
		var wait <-chan struct{}
		var ready bool
		var opErr error
		err := c.do(ctx, func() {
			info, opErr = c.info(id)
			if opErr != nil {
				return
			}
			m, _ := c.reg.get(id)
			ready, opErr = c.turnReady(m)
			wait = c.changed
		})
		if err != nil {
			return RoundInfo{}, err
		}
		if opErr != nil {
			return RoundInfo{}, opErr
		}
		if ready {
			return info, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return RoundInfo{}, ctx.Err()
		case <-c.done:
			return RoundInfo{}, ErrStopped
		}
	}
}

func (c *Coordinator) turnReady(m *member) (bool, error) {
	if m.Removed {
		return false, fmt.Errorf("%w: %s", ErrDropped, m.ID)
	}
	if !c.rec.Phase.Accepting() {
		return false, fmt.Errorf("%w: ceremony is %s", ErrWrongPhase, c.rec.Phase)
	}
	if !c.cfg.RepeatContributions && m.Contributions > 0 {
		return false, fmt.Errorf("%w: %s", ErrAlreadyContributed, m.ID)
	}
	if c.cfg.Mode == ModeOpen {
		return true, nil
	}
	return c.holder == m, nil
}

// Submit offers a contribution. It either extends the transcript by exactly
// one round or returns an error and changes nothing except, for an
// authenticated request, the participant's nonce.
func (c *Coordinator) Submit(ctx context.Context, sub *Submission) (Receipt, error) {
	receipt, err := c.submit(ctx, sub)
	c.cfg.Metrics.RecordSubmission(string(CodeOf(err)))
	if err != nil && sub != nil {
		c.log.Debug().
			Str("participant", sub.Contributor).
			Uint64("round", sub.Round).
			Str("code", string(CodeOf(err))).
			Err(err).
			Msg("submission rejected")
	}
	return receipt, err
}

// pending is one update matched to the chain it extends
type pending struct {
	track  int
	prev   *crs.State
	head   crs.Digest
	update Update
}

func (c *Coordinator) submit(ctx context.Context, sub *Submission) (Receipt, error) {
	if sub == nil || len(sub.Updates) == 0 {
		return Receipt{}, fmt.Errorf("%w: empty submission", ErrInvalidContribution)
	}
	// later changes by the caller must not reach the transcript
	sub = sub.Clone()
	for _, u := range sub.Updates {
		if u.State == nil {
			return Receipt{}, fmt.Errorf("%w: circuit %s carries no state", ErrInvalidContribution, u.Circuit)
		}
		if err := u.State.Encodable(); err != nil {
			return Receipt{}, fmt.Errorf("%w: circuit %s: %v", ErrInvalidContribution, u.Circuit, err)
		}
	}
	digest := sub.Digest()

	var work []pending
	var opErr error
	if err := c.do(ctx, func() { work, opErr = c.admit(sub, digest) }); err != nil {
		return Receipt{}, err
	}
	if opErr != nil {
		return Receipt{}, opErr
	}

	// verification runs off the coordinator goroutine
	start := time.Now()
	var g errgroup.Group
	for i := range work {
		p := &work[i]
		g.Go(func() error {
			if err := mpc.Verify(p.prev, p.update.State, p.update.Proof, p.head[:]); err != nil {
				return fmt.Errorf("circuit %s: %w", p.update.Circuit, err)
			}
			return nil
		})
	}
	err := g.Wait()
	c.cfg.Metrics.RecordVerification(time.Since(start))
	if err != nil {
		c.log.Warn().
			Str("participant", sub.Contributor).
			Uint64("round", sub.Round).
			Err(err).
			Msg("contribution failed verification")
		return Receipt{}, err
	}

	var receipt Receipt
	if err := c.do(ctx, func() { receipt, opErr = c.commit(sub, work) }); err != nil {
		return Receipt{}, err
	}
	return receipt, opErr
}

// admit runs the cheap checks and returns, in track order, the snapshots to
// verify against
func (c *Coordinator) admit(sub *Submission, digest crs.Digest) ([]pending, error) {
	if !c.rec.Phase.Accepting() {
		return nil, fmt.Errorf("%w: ceremony is %s", ErrWrongPhase, c.rec.Phase)
	}
	m, ok := c.reg.get(sub.Contributor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, sub.Contributor)
	}
	if m.Removed {
		return nil, fmt.Errorf("%w: %s", ErrDropped, m.ID)
	}

	last := c.rec.Round()
	if sub.Round <= last {
		return nil, fmt.Errorf("%w: round %d already accepted", ErrStaleRound, sub.Round)
	}
	if sub.Round != last+1 {
		return nil, fmt.Errorf("%w: got round %d, want %d", ErrRoundMismatch, sub.Round, last+1)
	}

	if c.cfg.Mode == ModeQueue {
		if c.holder == m && time.Now().After(c.deadline) {
			c.expireHolder()
		}
		if c.holder != m {
			return nil, fmt.Errorf("%w: %s", ErrNotYourTurn, m.ID)
		}
	}
	if !c.cfg.RepeatContributions && m.Contributions > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyContributed, m.ID)
	}

	if sub.Nonce != m.Nonce {
		return nil, fmt.Errorf("%w: nonce %d, expected %d", ErrUnauthenticated, sub.Nonce, m.Nonce)
	}
	if err := VerifySignature(m.Scheme, m.PublicKey, digest, sub.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	m.Nonce++

	if len(sub.Updates) != len(c.rec.Tracks) {
		return nil, fmt.Errorf("%w: %d updates for %d circuits", ErrInvalidContribution, len(sub.Updates), len(c.rec.Tracks))
	}
	work := make([]pending, len(c.rec.Tracks))
	filled := make([]bool, len(c.rec.Tracks))
	for _, u := range sub.Updates {
		k := c.trackIndex(u.Circuit)
		if k < 0 {
			return nil, fmt.Errorf("%w: %w %q", ErrInvalidContribution, ErrUnknownCircuit, u.Circuit)
		}
		if filled[k] {
			return nil, fmt.Errorf("%w: circuit %s updated twice", ErrInvalidContribution, u.Circuit)
		}
		if u.State.Round != sub.Round || u.State.Contributor != sub.Contributor {
			return nil, fmt.Errorf("%w: circuit %s state tag (%d, %q) disagrees with submission",
				ErrInvalidContribution, u.Circuit, u.State.Round, u.State.Contributor)
		}
		tr := c.rec.Tracks[k].Transcript
		work[k] = pending{track: k, prev: tr.Current(), head: tr.Head(), update: u}
		filled[k] = true
	}
	return work, nil
}

func (c *Coordinator) trackIndex(name string) int {
	for i := range c.rec.Tracks {
		if c.rec.Tracks[i].Circuit.Name == name {
			return i
		}
	}
	return -1
}

// commit re-checks the round and records the verified contribution on
// every chain
func (c *Coordinator) commit(sub *Submission, work []pending) (Receipt, error) {
	if !c.rec.Phase.Accepting() {
		return Receipt{}, fmt.Errorf("%w: ceremony is %s", ErrWrongPhase, c.rec.Phase)
	}
	for _, p := range work {
		if c.rec.Tracks[p.track].Transcript.Head() != p.head {
			return Receipt{}, fmt.Errorf("%w: round %d was accepted during verification", ErrStaleRound, sub.Round)
		}
	}
	m, _ := c.reg.get(sub.Contributor)
	if m.Removed {
		return Receipt{}, fmt.Errorf("%w: %s", ErrDropped, m.ID)
	}
	if c.cfg.Mode == ModeQueue && c.holder != m {
		return Receipt{}, fmt.Errorf("%w: turn expired during verification", ErrNotYourTurn)
	}

	tracks := c.rec.cloneTracks()
	for _, p := range work {
		_, err := tracks[p.track].Transcript.Record(transcript.Contribution{
			PriorStateHash: p.prev.Hash(),
			State:          p.update.State,
			Proof:          p.update.Proof,
			Contributor:    sub.Contributor,
			Round:          sub.Round,
		})
		if err != nil {
			return Receipt{}, fmt.Errorf("circuit %s: %w", p.update.Circuit, err)
		}
	}

	phase := PhaseInProgress
	if c.cfg.Quorum > 0 && c.rec.Contributions()+1 >= c.cfg.Quorum {
		phase = PhaseFinalizing
	}

	// persist before publishing the new round
	cand := c.candidate(tracks, phase)
	for i := range cand.Participants {
		if cand.Participants[i].ID == m.ID {
			cand.Participants[i].Contributions++
			cand.Participants[i].Queued = c.cfg.RepeatContributions && c.cfg.Mode == ModeQueue
		}
	}
	if err := c.save(cand); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	c.rec.Tracks = tracks
	m.Contributions++
	c.setPhase(phase, "contribution accepted")
	if c.cfg.Mode == ModeQueue {
		if c.holder == m {
			c.clearHolder()
		}
		if phase.Accepting() {
			if c.cfg.RepeatContributions {
				c.reg.enqueue(m)
			}
			c.advance()
			if c.rec.Phase != phase {
				c.saveBestEffort()
			}
		}
	}

	head := c.rec.Head()
	c.cfg.Metrics.RecordAccepted(sub.Round)
	c.log.Info().
		Str("participant", m.ID).
		Uint64("round", sub.Round).
		Str("hash", head.Short()).
		Msg("contribution accepted")
	c.publish()
	return Receipt{Round: sub.Round, Hash: head, AcceptedAt: time.Now()}, nil
}

// BeginFinalization stops accepting contributions. It is a no-op once the
// ceremony is already finalizing or closed.
func (c *Coordinator) BeginFinalization(ctx context.Context) error {
	var opErr error
	err := c.do(ctx, func() {
		switch c.rec.Phase {
		case PhaseOpen:
			opErr = fmt.Errorf("%w: no contribution accepted yet", ErrWrongPhase)
		case PhaseInProgress:
			c.setPhase(PhaseFinalizing, "requested")
			c.saveBestEffort()
			c.publish()
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Finalize applies the beacon to every circuit and closes the ceremony.
// Concurrent callers share one beacon read: the first marks the sealing as
// in flight and the rest wait for its outcome. After the first success every
// call returns the same final states without side effects. If the beacon
// cannot be read the ceremony stays in PhaseFinalizing and the error wraps
// ErrBeaconUnavailable.
func (c *Coordinator) Finalize(ctx context.Context) ([]CircuitState, error) {
	for {
		var closed, snap []CircuitState
		var wait <-chan struct{}
		var opErr error
		err := c.do(ctx, func() {
			switch c.rec.Phase {
			case PhaseClosed:
				closed = c.rec.States()
			case PhaseFinalizing:
				if c.sealing {
					wait = c.changed
					return
				}
				c.sealing = true
				snap = c.rec.States()
			default:
				opErr = fmt.Errorf("%w: cannot finalize while %s", ErrWrongPhase, c.rec.Phase)
			}
		})
		if err != nil {
			return nil, err
		}
		if opErr != nil {
			return nil, opErr
		}
		if closed != nil {
			return closed, nil
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.done:
				return nil, ErrStopped
			}
		}

		final, err := c.seal(ctx, snap)
		if err != nil {
			// hand the sealing to the next caller
			_ = c.do(context.WithoutCancel(ctx), func() {
				if c.sealing {
					c.sealing = false
					c.publish()
				}
			})
			return nil, err
		}
		return final, nil
	}
}

// seal reads the beacon once and derives r_c = BeaconScalar(value, head_c)
// for every circuit c
func (c *Coordinator) seal(ctx context.Context, snap []CircuitState) ([]CircuitState, error) {
	if c.cfg.Beacon == nil {
		c.cfg.Metrics.RecordBeaconFailure()
		return nil, fmt.Errorf("%w: no beacon configured", ErrBeaconUnavailable)
	}
	value, err := c.cfg.Beacon.Value(ctx)
	if err == nil && len(value) == 0 {
		err = errors.New("empty value")
	}
	if err != nil {
		c.cfg.Metrics.RecordBeaconFailure()
		c.log.Warn().Err(err).Msg("beacon unavailable")
		return nil, fmt.Errorf("%w: %v", ErrBeaconUnavailable, err)
	}

	next := make([]*crs.State, len(snap))
	proofs := make([]mpc.Proof, len(snap))
	for i, cur := range snap {
		head := cur.Challenge
		r := mpc.BeaconScalar(value, head[:])
		next[i], proofs[i], err = mpc.Contribute(cur.State, &r, transcript.BeaconContributor, head[:])
		if err != nil {
			return nil, fmt.Errorf("circuit %s beacon contribution: %w", cur.Circuit, err)
		}
		if err := mpc.Verify(cur.State, next[i], proofs[i], head[:]); err != nil {
			return nil, fmt.Errorf("circuit %s beacon contribution: %w", cur.Circuit, err)
		}
	}

	var final []CircuitState
	var opErr error
	if err := c.do(ctx, func() { final, opErr = c.closeWith(snap, next, proofs, value) }); err != nil {
		return nil, err
	}
	return final, opErr
}

func (c *Coordinator) closeWith(snap []CircuitState, next []*crs.State, proofs []mpc.Proof, value []byte) ([]CircuitState, error) {
	if c.rec.Phase == PhaseClosed {
		c.sealing = false
		return c.rec.States(), nil
	}
	if c.rec.Phase != PhaseFinalizing || len(snap) != len(c.rec.Tracks) {
		return nil, fmt.Errorf("%w: transcript moved during finalization", ErrStaleRound)
	}
	for i := range snap {
		if c.rec.Tracks[i].Transcript.Head() != snap[i].Challenge {
			return nil, fmt.Errorf("%w: transcript moved during finalization", ErrStaleRound)
		}
	}

	tracks := c.rec.cloneTracks()
	for i := range tracks {
		_, err := tracks[i].Transcript.Record(transcript.Contribution{
			PriorStateHash: snap[i].State.Hash(),
			State:          next[i],
			Proof:          proofs[i],
			Contributor:    transcript.BeaconContributor,
			Round:          next[i].Round,
			Beacon:         value,
		})
		if err != nil {
			return nil, fmt.Errorf("circuit %s: %w", snap[i].Circuit, err)
		}
	}
	cand := c.candidate(tracks, PhaseClosed)
	cand.Beacon = value
	if err := c.save(cand); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	c.rec.Tracks = tracks
	c.rec.Beacon = value
	c.sealing = false
	c.setPhase(PhaseClosed, "beacon applied")
	if c.cfg.Store != nil {
		if err := c.cfg.Store.Archive(cand); err != nil {
			c.log.Error().Err(err).Msg("archive ceremony record")
		}
	}

	round := c.rec.Round()
	c.cfg.Metrics.RecordAccepted(round)
	c.log.Info().
		Uint64("round", round).
		Int("circuits", len(tracks)).
		Str("hash", c.rec.Head().Short()).
		Msg("ceremony closed")
	c.publish()
	return c.rec.States(), nil
}

// FinalizeWhenReady calls Finalize until the beacon becomes available
func (c *Coordinator) FinalizeWhenReady(ctx context.Context) ([]CircuitState, error) {
	for {
		final, err := c.Finalize(ctx)
		if err == nil || !errors.Is(err, ErrBeaconUnavailable) {
			return final, err
		}
		select {
		case <-time.After(c.cfg.BeaconRetry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AwaitPhase blocks until the ceremony has reached at least phase
func (c *Coordinator) AwaitPhase(ctx context.Context, phase Phase) error {
	for {
		var wait <-chan struct{}
		var reached bool
		if err := c.do(ctx, func() {
			reached = c.rec.Phase >= phase
			wait = c.changed
		}); err != nil {
			return err
		}
		if reached {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrStopped
		}
	}
}

// Status returns a summary of the ceremony
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, func() {
		s = Status{
			ID:            c.rec.ID,
			Phase:         c.rec.Phase,
			Round:         c.rec.Round(),
			Contributions: c.rec.Contributions(),
			Head:          c.rec.Head(),
			Deadline:      c.deadline,
			Queue:         c.reg.queued(),
			Registered:    c.reg.len(),
		}
		if c.holder != nil {
			s.Holder = c.holder.ID
		}
	})
	return s, err
}

// Transcript returns a copy of the named circuit's transcript
func (c *Coordinator) Transcript(ctx context.Context, circuit string) (*transcript.Transcript, error) {
	var tr *transcript.Transcript
	var opErr error
	err := c.do(ctx, func() {
		t, ok := c.rec.Track(circuit)
		if !ok {
			opErr = fmt.Errorf("%w: %q", ErrUnknownCircuit, circuit)
			return
		}
		tr = t.Transcript.Clone()
	})
	if err != nil {
		return nil, err
	}
	return tr, opErr
}

// Participants returns the registry, turn holder first, then the queue
func (c *Coordinator) Participants(ctx context.Context) ([]Participant, error) {
	var ps []Participant
	err := c.do(ctx, func() { ps = c.reg.snapshot(c.holder) })
	return ps, err
}

// Snapshot returns a copy of the record as it would be persisted now
func (c *Coordinator) Snapshot(ctx context.Context) (*Record, error) {
	var rec *Record
	err := c.do(ctx, func() { rec = c.candidate(c.rec.cloneTracks(), c.rec.Phase) })
	return rec, err
}

// advance hands the turn to the next queued participant. An empty queue
// during InProgress starts finalization.
func (c *Coordinator) advance() {
	c.clearHolder()
	if c.cfg.Mode != ModeQueue || !c.rec.Phase.Accepting() {
		return
	}
	m := c.reg.dequeue()
	if m == nil {
		if c.rec.Phase == PhaseInProgress {
			c.setPhase(PhaseFinalizing, "queue exhausted")
		}
		return
	}
	c.holder = m
	c.deadline = time.Now().Add(c.cfg.TurnTimeout)
	c.timer = time.NewTimer(c.cfg.TurnTimeout)
	c.log.Debug().
		Str("participant", m.ID).
		Time("deadline", c.deadline).
		Msg("turn granted")
}

// expireHolder applies the drop policy to a holder past its deadline
func (c *Coordinator) expireHolder() {
	m := c.holder
	if m == nil {
		c.stopTimer()
		return
	}
	c.clearHolder()
	m.Misses++

	action := "removed"
	if c.cfg.DropPolicy == DropRequeue && (c.cfg.MaxMisses == 0 || m.Misses < c.cfg.MaxMisses) {
		m.Priority = m.Priority.Lower()
		c.reg.enqueue(m)
		action = "requeued"
	} else {
		m.Removed = true
	}

	c.cfg.Metrics.RecordDropout(action)
	c.log.Warn().
		Str("participant", m.ID).
		Int("misses", m.Misses).
		Str("action", action).
		Msg("turn deadline missed")

	c.advance()
	c.saveBestEffort()
	c.publish()
}

func (c *Coordinator) clearHolder() {
	c.stopTimer()
	c.holder = nil
	c.deadline = time.Time{}
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) setPhase(p Phase, reason string) {
	if c.rec.Phase == p {
		return
	}
	c.log.Info().
		Str("from", c.rec.Phase.String()).
		Str("to", p.String()).
		Str("reason", reason).
		Msg("phase changed")
	c.rec.Phase = p
	if !p.Accepting() {
		c.clearHolder()
	}
}

// candidate is the record as it would look with tracks and phase committed
func (c *Coordinator) candidate(tracks []Track, phase Phase) *Record {
	rec := *c.rec
	rec.Tracks = tracks
	rec.Phase = phase
	rec.Participants = c.reg.snapshot(c.holder)
	return &rec
}

func (c *Coordinator) save(rec *Record) error {
	if c.cfg.Store == nil {
		return nil
	}
	if err := c.cfg.Store.Save(rec); err != nil {
		c.cfg.Metrics.RecordPersistFailure()
		c.log.Error().Err(err).Msg("persist ceremony record")
		return err
	}
	return nil
}

// saveBestEffort persists bookkeeping changes that do not advance the round
func (c *Coordinator) saveBestEffort() {
	_ = c.save(c.candidate(c.rec.Tracks, c.rec.Phase))
}

// publish wakes waiters and refreshes gauges
func (c *Coordinator) publish() {
	close(c.changed)
	c.changed = make(chan struct{})
	c.cfg.Metrics.SetParticipants(c.reg.len(), c.reg.waiting())
	c.cfg.Metrics.SetPhase(int(c.rec.Phase))
}
