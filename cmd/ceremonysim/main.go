// main.go - ceremonysim, runs simulated ceremonies over an agents x rounds
// matrix and reports throughput and latency
//
// Usage:
//
//	ceremonysim --agents 1,4,16 --rounds 4,16 --circuit cubic,chain-8 --stalled 1 --chart latency.html
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/circuits"
	"trustedsetup/internal/simulation"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	agents     []int
	rounds     []int
	repeat     int
	mode       string
	policy     string
	scheme     string
	stalled    int
	maxMisses  int
	think      time.Duration
	timeout    time.Duration
	repeatTurn bool
	circuits   []string
	seed       string
	table      string
	chart      string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	d := simulation.DefaultParams()
	o := &options{}
	cmd := &cobra.Command{
		Use:          "ceremonysim",
		Short:        "Simulate Phase 2 ceremonies with in-process agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntSliceVar(&o.agents, "agents", []int{1, 4, 8}, "agent counts to simulate")
	f.IntSliceVar(&o.rounds, "rounds", []int{4, 8}, "contribution counts to simulate")
	f.IntVar(&o.repeat, "repeat", d.Repeat, "runs per matrix cell")
	f.StringVar(&o.mode, "mode", string(d.Mode), "turn mode: queue or open")
	f.StringVar(&o.policy, "drop-policy", string(d.DropPolicy), "requeue or remove")
	f.StringVar(&o.scheme, "scheme", string(d.Scheme), "none, eddsa-bn254 or ed25519")
	f.IntVar(&o.stalled, "stalled", 0, "agents that register and never contribute")
	f.IntVar(&o.maxMisses, "max-misses", d.MaxMisses, "requeues before removal")
	f.DurationVar(&o.think, "think", 0, "maximum random pause before each contribution")
	f.DurationVar(&o.timeout, "turn-timeout", d.TurnTimeout, "turn deadline in queue mode")
	f.BoolVar(&o.repeatTurn, "repeat-contributions", false, "let agents contribute more than once (implied when rounds exceed agents)")
	f.StringSliceVar(&o.circuits, "circuit", d.Circuits, "circuits to set up: cubic or chain-<n>")
	f.StringVar(&o.seed, "seed", string(d.Seed), "seed for the commons and the agents")
	f.StringVar(&o.table, "table", "-", "write the result table here (- for stdout)")
	f.StringVar(&o.chart, "chart", "", "write an HTML latency chart here")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level")
	return cmd
}

func (o *options) params() (simulation.Params, error) {
	p := simulation.DefaultParams()
	var err error
	if p.Mode, err = ceremony.ParseMode(o.mode); err != nil {
		return p, err
	}
	if p.DropPolicy, err = ceremony.ParseDropPolicy(o.policy); err != nil {
		return p, err
	}
	if p.Scheme, err = ceremony.ParseScheme(o.scheme); err != nil {
		return p, err
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(o.logLevel))
	if err != nil {
		return p, err
	}
	p.Repeat = o.repeat
	p.Stalled = o.stalled
	p.MaxMisses = o.maxMisses
	p.ThinkTime = o.think
	p.TurnTimeout = o.timeout
	p.RepeatContributions = o.repeatTurn
	p.Seed = []byte(o.seed)
	p.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).Level(lvl).With().Timestamp().Logger()
	p.Circuits = o.circuits
	for _, name := range p.Circuits {
		if _, err := circuits.Lookup(name); err != nil {
			return p, err
		}
	}
	return p, nil
}

func run(ctx context.Context, o *options, stdout io.Writer) error {
	p, err := o.params()
	if err != nil {
		return err
	}
	results, err := simulation.RunMatrix(ctx, p, o.agents, o.rounds)
	if err != nil {
		return err
	}

	if o.table != "" {
		w, closeFn, err := output(o.table, stdout)
		if err != nil {
			return err
		}
		if err := simulation.WriteTable(w, results); err != nil {
			closeFn()
			return err
		}
		if err := closeFn(); err != nil {
			return err
		}
	}
	if o.chart != "" {
		w, closeFn, err := output(o.chart, stdout)
		if err != nil {
			return err
		}
		if err := simulation.WriteLatencyChart(w, results); err != nil {
			closeFn()
			return err
		}
		if err := closeFn(); err != nil {
			return err
		}
	}

	invalid := 0
	for _, r := range results {
		if !r.Valid() {
			invalid++
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d runs produced an invalid transcript", invalid, len(results))
	}
	return nil
}

func output(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
