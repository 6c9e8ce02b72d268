// simulation.go - Drives concurrent agents through an in-process ceremony
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/circuits"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/metrics"
	"trustedsetup/internal/store"
	"trustedsetup/internal/transcript"
)

// Params configures one simulated ceremony
type Params struct {
	Agents int
	Rounds int
	// Repeat is the number of runs per matrix cell
	Repeat int
	// ThinkTime bounds the random pause before each contribution
	ThinkTime   time.Duration
	Mode        ceremony.Mode
	TurnTimeout time.Duration
	DropPolicy  ceremony.DropPolicy
	MaxMisses   int
	// Stalled agents register and then never submit
	Stalled int
	// RepeatContributions lets agents contribute more than once. Run turns
	// it on when Rounds exceeds the live agents.
	RepeatContributions bool

	// Circuits names the built-in circuits the ceremony sets up
	Circuits []string
	Seed     []byte
	Scheme ceremony.Scheme
	Beacon ceremony.Beacon

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultParams is a small queue-mode ceremony
func DefaultParams() Params {
	return Params{
		Agents:      4,
		Rounds:      4,
		Repeat:      1,
		Mode:        ceremony.ModeQueue,
		TurnTimeout: 2 * time.Second,
		DropPolicy:  ceremony.DropRequeue,
		MaxMisses:   2,
		Circuits:    []string{"cubic"},
		Seed:        []byte("simulation"),
		Scheme:      ceremony.SchemeNone,
		Beacon:      ceremony.StaticBeacon("simulation beacon"),
		Logger:      zerolog.Nop(),
	}
}

func (p *Params) validate() error {
	if p.Agents < 1 || p.Rounds < 1 {
		return fmt.Errorf("need at least one agent and one round, got %d and %d", p.Agents, p.Rounds)
	}
	if p.Stalled < 0 || p.Stalled >= p.Agents {
		return fmt.Errorf("stalled agents %d out of range for %d agents", p.Stalled, p.Agents)
	}
	if len(p.Circuits) == 0 {
		return errors.New("need at least one circuit")
	}
	for _, name := range p.Circuits {
		if _, err := circuits.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// Result summarizes one run
type Result struct {
	Agents  int
	Rounds  int
	Mode    ceremony.Mode
	Stalled int

	Accepted     int
	Contributors int
	Rejections   map[ceremony.Code]int
	// Latencies[i] is the time between acceptance of round i and its predecessor
	Latencies []time.Duration
	Elapsed   time.Duration

	Phase ceremony.Phase
	// Final is the combined head of every circuit's chain
	Final    crs.Digest
	ChainErr error
}

// Throughput is accepted rounds per second
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Accepted) / r.Elapsed.Seconds()
}

// MeanLatency averages Latencies
func (r *Result) MeanLatency() time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range r.Latencies {
		total += d
	}
	return total / time.Duration(len(r.Latencies))
}

// Valid reports a closed ceremony whose transcript re-verifies
func (r *Result) Valid() bool {
	return r.Phase == ceremony.PhaseClosed && r.ChainErr == nil
}

type tally struct {
	mu         sync.Mutex
	receipts   []ceremony.Receipt
	rejections map[ceremony.Code]int
}

func (t *tally) accept(r ceremony.Receipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receipts = append(t.receipts, r)
}

func (t *tally) reject(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejections[ceremony.CodeOf(err)]++
}

// Run executes one ceremony and finalizes it
func Run(ctx context.Context, p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Rounds > p.Agents-p.Stalled {
		p.RepeatContributions = true
	}

	set, err := setup(p.Seed, p.Circuits)
	if err != nil {
		return nil, err
	}
	rec, err := ceremony.NewRecord(set...)
	if err != nil {
		return nil, err
	}

	cfg := ceremony.DefaultConfig()
	cfg.Mode = p.Mode
	cfg.Quorum = p.Rounds
	cfg.TurnTimeout = p.TurnTimeout
	cfg.DropPolicy = p.DropPolicy
	cfg.MaxMisses = p.MaxMisses
	cfg.RepeatContributions = p.RepeatContributions
	cfg.Beacon = p.Beacon
	cfg.BeaconRetry = 50 * time.Millisecond
	cfg.Store = &store.Memory{}
	cfg.Logger = p.Logger
	cfg.Metrics = p.Metrics

	coord, err := ceremony.New(rec, cfg)
	if err != nil {
		return nil, err
	}
	runCtx, stop := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = coord.Run(runCtx)
	}()
	defer func() {
		stop()
		<-stopped
	}()

	agents := make([]*agent, p.Agents)
	for i := range agents {
		a, err := newAgent(i, &p)
		if err != nil {
			return nil, err
		}
		if err := coord.Register(ctx, a.registration()); err != nil {
			return nil, err
		}
		agents[i] = a
	}

	t := &tally{rejections: make(map[ceremony.Code]int)}
	began := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		if a.stalled {
			continue
		}
		g.Go(func() error { return a.run(gctx, coord, &p, t) })
	}
	g.Go(func() error {
		if err := coord.AwaitPhase(gctx, ceremony.PhaseFinalizing); err != nil {
			return err
		}
		_, err := coord.FinalizeWhenReady(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(began)

	snap, err := coord.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	status, err := coord.Status(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Agents:     p.Agents,
		Rounds:     p.Rounds,
		Mode:       p.Mode,
		Stalled:    p.Stalled,
		Accepted:   status.Contributions,
		Rejections: t.rejections,
		Elapsed:    elapsed,
		Phase:      status.Phase,
		Final:      snap.Head(),
		ChainErr:   snap.Verify(),
	}
	seen := make(map[string]bool)
	for _, e := range snap.Tracks[0].Transcript.Entries() {
		if e.Contributor != transcript.BeaconContributor {
			seen[e.Contributor] = true
		}
	}
	res.Contributors = len(seen)

	sort.Slice(t.receipts, func(i, j int) bool { return t.receipts[i].Round < t.receipts[j].Round })
	last := began
	for _, r := range t.receipts {
		res.Latencies = append(res.Latencies, r.AcceptedAt.Sub(last))
		last = r.AcceptedAt
	}

	p.Logger.Info().
		Int("agents", p.Agents).
		Int("rounds", res.Accepted).
		Int("contributors", res.Contributors).
		Dur("elapsed", elapsed).
		Bool("valid", res.Valid()).
		Msg("simulation finished")
	return res, nil
}

// setup compiles the named circuits over commons derived from seed
func setup(seed []byte, names []string) ([]*crs.Circuit, error) {
	out := make([]*crs.Circuit, 0, len(names))
	for _, name := range names {
		circuit, err := circuits.Lookup(name)
		if err != nil {
			return nil, err
		}
		c, err := crs.FromSeed(name, circuit, seed)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// RunMatrix runs every (agents, rounds) cell Repeat times from base
func RunMatrix(ctx context.Context, base Params, agents, rounds []int) ([]*Result, error) {
	repeat := max(base.Repeat, 1)
	var out []*Result
	for _, a := range agents {
		for _, r := range rounds {
			for i := 0; i < repeat; i++ {
				p := base
				p.Agents, p.Rounds = a, r
				p.Seed = append(append([]byte(nil), base.Seed...), []byte(fmt.Sprintf("/%d/%d/%d", a, r, i))...)
				res, err := Run(ctx, p)
				if err != nil {
					return out, fmt.Errorf("agents=%d rounds=%d run %d: %w", a, r, i, err)
				}
				out = append(out, res)
			}
		}
	}
	return out, nil
}

type agent struct {
	id      string
	stalled bool
	lc      *ceremony.LocalContributor
	rng     *rand.Rand
}

func newAgent(i int, p *Params) (*agent, error) {
	signer, err := ceremony.GenerateSigner(p.Scheme)
	if err != nil {
		return nil, err
	}
	id := "agent-" + strconv.Itoa(i)
	seed := crs.DigestOf("simulation/agent", p.Seed, []byte(id))
	var key [32]byte
	copy(key[:], seed[:])
	return &agent{
		id:      id,
		stalled: i < p.Stalled,
		lc:      ceremony.NewLocalContributor(id, signer),
		rng:     rand.New(rand.NewChaCha8(key)),
	}, nil
}

func (a *agent) registration() ceremony.Registration {
	return ceremony.Registration{
		ID:        a.id,
		Scheme:    a.lc.Signer().Scheme(),
		PublicKey: a.lc.Signer().PublicKey(),
		Priority:  ceremony.PriorityNormal,
	}
}

// run contributes until the coordinator stops offering rounds
func (a *agent) run(ctx context.Context, c *ceremony.Coordinator, p *Params, t *tally) error {
	for {
		var info ceremony.RoundInfo
		var err error
		if p.Mode == ceremony.ModeQueue {
			info, err = c.AwaitTurn(ctx, a.id)
		} else {
			info, err = c.Info(ctx, a.id)
			if err == nil && !info.Phase.Accepting() {
				return nil
			}
		}
		if done(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if p.ThinkTime > 0 {
			pause := time.Duration(a.rng.Int64N(int64(p.ThinkTime) + 1))
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return nil
			}
		}

		sub, err := ceremony.Prepare(ctx, a.lc, info)
		if err != nil {
			return err
		}
		receipt, err := c.Submit(ctx, sub)
		switch {
		case err == nil:
			t.accept(receipt)
			if !p.RepeatContributions {
				return nil
			}
		case errors.Is(err, ceremony.ErrStaleRound), errors.Is(err, ceremony.ErrNotYourTurn):
			t.reject(err)
		case done(err):
			t.reject(err)
			return nil
		default:
			return fmt.Errorf("%s: %w", a.id, err)
		}
	}
}

// done reports errors that end an agent without failing the run
func done(err error) bool {
	return errors.Is(err, ceremony.ErrWrongPhase) ||
		errors.Is(err, ceremony.ErrDropped) ||
		errors.Is(err, ceremony.ErrAlreadyContributed) ||
		errors.Is(err, context.Canceled)
}
