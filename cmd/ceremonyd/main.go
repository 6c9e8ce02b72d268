// main.go - ceremonyd, the Phase 2 ceremony coordinator and audit tool
//
// Usage:
//
//	ceremonyd init --circuit cubic --circuit chain-16 --ptau powersOfTau28_hez_final_10.ptau
//	ceremonyd serve --registry-path participants.csv --beacon-url https://.../public/latest
//	ceremonyd keygen --id alice --scheme eddsa-bn254 --out alice.key
//	ceremonyd contribute --key alice.key --server http://127.0.0.1:8700
//	ceremonyd verify ceremony-data/ceremony-<id>.cbor.zst --keys ceremony-data/keys
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/consensys/gnark/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/circuits"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/metrics"
	"trustedsetup/internal/store"
	"trustedsetup/p2p"
)

const version = "0.3.0"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ceremonyd",
		Short:        "Groth16 Phase 2 trusted setup coordinator",
		Version:      version,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	pf.String("data-dir", DefaultConfig().DataDir, "directory holding the ceremony record")
	pf.String("log-level", DefaultConfig().LogLevel, "debug, info, warn or error")
	pf.String("log-file", "", "also log to this file")
	pf.String("audit-log-path", "", "audit log for warnings and ceremony events")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newVerifyCmd(),
		newHashFileCmd(),
		newKeygenCmd(),
		newContributeCmd(),
		newImportRegistryCmd(),
	)
	return root
}

// setup loads the configuration and opens the logger for cmd
func setup(cmd *cobra.Command) (*Config, *Logger, error) {
	config, err := LoadConfig(configPath, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	auditPath := ""
	if config.EnableAudit {
		auditPath = config.AuditLogPath
	}
	log, err := NewLogger(config.LogLevel, config.LogFile, auditPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Set(log.Zerolog().With().Str("component", "gnark").Logger())
	return config, log, nil
}

func newInitCmd() *cobra.Command {
	var (
		names []string
		ptau  string
		seed  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a ceremony record for a set of circuits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Close()

			if (ptau == "") == (seed == "") {
				return errors.New("set exactly one of --ptau and --seed")
			}
			fs, err := store.NewFileStore(config.DataDir)
			if err != nil {
				return err
			}
			if _, err := fs.Load(); err == nil && !force {
				return fmt.Errorf("%s already holds a ceremony (use --force to replace it)", fs.Path())
			} else if err != nil && !errors.Is(err, store.ErrNotFound) && !force {
				return err
			}

			set := make([]*crs.Circuit, 0, len(names))
			for _, name := range names {
				c, err := loadCircuit(name, ptau, seed)
				if err != nil {
					return err
				}
				set = append(set, c)
			}
			if ptau == "" {
				log.Warn("commons derived from a public seed; use --ptau for a real ceremony")
			}
			rec, err := ceremony.NewRecord(set...)
			if err != nil {
				return err
			}
			if err := fs.Save(rec); err != nil {
				return err
			}
			for _, t := range rec.Tracks {
				log.Info("ceremony %s: circuit %s (%s, commons from %s)", rec.ID, t.Circuit.Name, t.Circuit.Shape(), t.Circuit.Commons.Source)
			}
			log.Audit("ceremony_init", map[string]interface{}{
				"ceremony": rec.ID,
				"circuits": rec.Names(),
				"head":     rec.Head().String(),
			})
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&names, "circuit", []string{"cubic"}, "circuits to set up: cubic or chain-<n> (repeatable)")
	f.StringVar(&ptau, "ptau", "", "Phase 1 powers of tau file")
	f.StringVar(&seed, "seed", "", "derive insecure commons from this seed")
	f.BoolVar(&force, "force", false, "replace an existing ceremony record")
	return cmd
}

// loadCircuit compiles the named built-in circuit and reads the commons for
// its domain from ptau or derives them from seed
func loadCircuit(name, ptau, seed string) (*crs.Circuit, error) {
	circuit, err := circuits.Lookup(name)
	if err != nil {
		return nil, err
	}
	ccs, err := crs.Compile(circuit)
	if err != nil {
		return nil, err
	}
	domain := crs.FromConstraintSystem(ccs).Domain

	var commons *crs.Commons
	if ptau != "" {
		f, err := os.Open(ptau)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		commons, err = crs.CommonsFromPtau(f, domain)
		if err != nil {
			return nil, fmt.Errorf("circuit %s: %w", name, err)
		}
	} else if commons, err = crs.DeriveCommons([]byte(seed), domain); err != nil {
		return nil, err
	}
	return crs.NewCircuit(name, ccs, commons)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator until the ceremony closes or a signal arrives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config, log)
		},
	}
	f := cmd.Flags()
	d := DefaultConfig()
	f.String("listen-addr", d.ListenAddr, "HTTP listen address")
	f.String("mode", d.Mode, "turn mode: queue or open")
	f.Int("quorum", d.Quorum, "accepted contributions before finalization (0: until the queue is empty)")
	f.Duration("turn-timeout", d.TurnTimeout, "time a turn holder has to submit")
	f.String("drop-policy", d.DropPolicy, "requeue or remove for timed-out participants")
	f.Int("max-misses", d.MaxMisses, "requeues before a participant is removed (0: unbounded)")
	f.Bool("repeat-contributions", d.RepeatContributions, "put contributors back in line")
	f.String("registry-path", "", "CSV of participants to register on start")
	f.String("beacon-url", "", "drand-style beacon endpoint")
	f.String("beacon-value", "", "beacon value published in advance")
	f.Duration("beacon-retry", d.BeaconRetry, "delay between beacon attempts")
	return cmd
}

func serve(ctx context.Context, config *Config, log *Logger) error {
	fs, err := store.NewFileStore(config.DataDir)
	if err != nil {
		return err
	}
	rec, err := fs.Load()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no ceremony in %s; run ceremonyd init first", config.DataDir)
		}
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cfg, err := config.CeremonyConfig(fs, log, m)
	if err != nil {
		return err
	}
	coord, err := ceremony.Resume(rec, cfg)
	if err != nil {
		log.Audit("resume_failed", map[string]interface{}{"ceremony": rec.ID, "error": err.Error()})
		return err
	}

	health := NewHealthChecker(version)
	health.RegisterComponent("coordinator", func() (HealthStatus, error) {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		st, err := coord.Status(cctx)
		if err != nil {
			return Unhealthy, err
		}
		if st.Phase == ceremony.PhaseFinalizing {
			return Degraded, nil
		}
		return Healthy, nil
	})
	health.RegisterComponent("store", func() (HealthStatus, error) {
		probe := filepath.Join(config.DataDir, ".health")
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return Unhealthy, err
		}
		return Healthy, os.Remove(probe)
	})

	srv := p2p.NewServer(coord, p2p.Options{
		RatePerSecond: config.RatePerSecond,
		Burst:         config.RateBurst,
		AwaitTimeout:  config.AwaitTimeout,
		Logger:        log.Zerolog(),
	})
	router := srv.Router()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Handle("/health", health)
	httpSrv := &http.Server{Addr: config.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("listening on %s", config.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Limiter().Sweep()
			case <-gctx.Done():
				return nil
			}
		}
	})
	if config.RegistryPath != "" {
		g.Go(func() error { return importRegistry(gctx, coord, config.RegistryPath, log) })
	}
	g.Go(func() error {
		if err := coord.AwaitPhase(gctx, ceremony.PhaseFinalizing); err != nil {
			return ignoreStop(err)
		}
		log.Info("contributions complete, waiting for the beacon")
		if _, err := coord.FinalizeWhenReady(gctx); err != nil {
			return ignoreStop(err)
		}
		closed, err := coord.Snapshot(gctx)
		if err != nil {
			return ignoreStop(err)
		}
		written, err := exportKeys(filepath.Join(config.DataDir, "keys"), closed)
		if err != nil {
			return fmt.Errorf("export keys: %w", err)
		}
		log.Info("ceremony closed at round %d, head %s, %d key files written", closed.Round(), closed.Head().Short(), len(written))
		log.Audit("ceremony_closed", map[string]interface{}{
			"ceremony": rec.ID,
			"round":    closed.Round(),
			"head":     closed.Head().String(),
			"archive":  fs.ArchivePath(rec.ID),
			"keys":     written,
		})
		return nil
	})
	return g.Wait()
}

func ignoreStop(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, ceremony.ErrStopped) {
		return nil
	}
	return err
}

// importRegistry registers every participant listed in the CSV at path.
// Participants already known from a previous run are skipped.
func importRegistry(ctx context.Context, coord *ceremony.Coordinator, path string, log *Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	regs, err := ceremony.LoadRegistrations(f)
	if err != nil {
		return err
	}
	added := 0
	for _, r := range regs {
		switch err := coord.Register(ctx, r); {
		case err == nil:
			added++
		case errors.Is(err, ceremony.ErrAlreadyRegistered):
		default:
			return ignoreStop(fmt.Errorf("register %s: %w", r.ID, err))
		}
	}
	log.Info("imported %d of %d participants from %s", added, len(regs), path)
	return nil
}
