// main.go - Complete N=10 participant Phase 2 ceremony scenario.
//
// This walks one ceremony from genesis to the beacon:
//   - the coordinator opens a ceremony for the cubic circuit x**3 + x + 5 == y
//     and a chain circuit x**9 == y, one transcript each
//   - 10 participants generate EdDSA (BN254 twisted Edwards) keys and register
//   - each participant waits for its turn and submits a signed contribution
//   - the coordinator finalizes with a public beacon and archives the record
//   - the archive is re-opened and every contribution re-verified
//   - the Groth16 keys are rebuilt from the archive and prove x = 3
//
// Usage:
//
//	go run main.go
//
// The record lives under ./ceremony-demo/ (live file while running, zstd
// archive once closed).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/rs/zerolog"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/circuits"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/store"
)

const N = 10

// demoCircuits are the circuits the scenario sets up
var demoCircuits = []string{"cubic", "chain-8"}

// scenario runs the whole ceremony against st and returns the closed record
func scenario(ctx context.Context, st ceremony.Store, n int, beacon []byte) (*ceremony.Record, error) {
	set := make([]*crs.Circuit, 0, len(demoCircuits))
	for _, name := range demoCircuits {
		circuit, err := circuits.Lookup(name)
		if err != nil {
			return nil, err
		}
		c, err := crs.FromSeed(name, circuit, []byte("trustedsetup demo"))
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	rec, err := ceremony.NewRecord(set...)
	if err != nil {
		return nil, err
	}
	for _, t := range rec.Tracks {
		log.Printf("ceremony %s: circuit %s %s, genesis %s", rec.ID, t.Circuit.Name, t.Circuit.Shape(), t.Transcript.Current().Hash().Short())
	}

	cfg := ceremony.DefaultConfig()
	cfg.Quorum = n
	cfg.TurnTimeout = time.Minute
	cfg.Beacon = ceremony.StaticBeacon(beacon)
	cfg.Store = st
	cfg.Logger = zerolog.Nop()
	coord, err := ceremony.New(rec, cfg)
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	stopped := make(chan error, 1)
	go func() { stopped <- coord.Run(runCtx) }()

	// 1. Registration
	contributors := make([]*ceremony.LocalContributor, n)
	for i := range contributors {
		signer, err := ceremony.GenerateSigner(ceremony.SchemeEdDSA)
		if err != nil {
			return nil, err
		}
		id := fmt.Sprintf("participant%d", i+1)
		contributors[i] = ceremony.NewLocalContributor(id, signer)
		reg := ceremony.Registration{ID: id, Scheme: signer.Scheme(), PublicKey: signer.PublicKey(), Priority: ceremony.PriorityNormal}
		if err := coord.Register(ctx, reg); err != nil {
			return nil, fmt.Errorf("register %s: %w", id, err)
		}
	}
	log.Printf("%d participants registered", n)

	// 2. Contributions, one turn at a time
	for i, lc := range contributors {
		info, err := coord.AwaitTurn(ctx, lc.ID())
		if err != nil {
			return nil, fmt.Errorf("%s await turn: %w", lc.ID(), err)
		}
		sub, err := ceremony.Prepare(ctx, lc, info)
		if err != nil {
			return nil, err
		}
		receipt, err := coord.Submit(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("%s submit: %w", lc.ID(), err)
		}
		log.Printf("[%2d/%d] %s accepted at round %d, transcript %s", i+1, n, lc.ID(), receipt.Round, receipt.Hash.Short())
	}

	// 3. Beacon and close
	final, err := coord.FinalizeWhenReady(ctx)
	if err != nil {
		return nil, err
	}
	for _, cur := range final {
		log.Printf("circuit %s closed at round %d, final state %s", cur.Circuit, cur.State.Round, cur.State.Hash().Short())
	}

	closed, err := coord.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	stop()
	<-stopped
	return closed, nil
}

func main() {
	log.Println("=== Groth16 Phase 2 Ceremony: N=10 Scenario ===")
	ctx := context.Background()

	fs, err := store.NewFileStore("ceremony-demo")
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	rec, err := scenario(ctx, fs, N, []byte("block 19000000 hash"))
	if err != nil {
		log.Fatalf("ERROR: ceremony failed: %v", err)
	}

	// 4. Independent audit of the archive
	archived, err := store.Open(fs.ArchivePath(rec.ID))
	if err != nil {
		log.Fatalf("ERROR: open archive: %v", err)
	}
	for _, t := range archived.Tracks {
		for i, verdict := range t.Transcript.Audit() {
			e := t.Transcript.Entries()[i]
			if verdict != nil {
				log.Fatalf("ERROR: %s round %d by %s: %v", t.Circuit.Name, e.Round, e.Contributor, verdict)
			}
			log.Printf("%-8s round %2d by %-14s ok %s", t.Circuit.Name, e.Round, e.Contributor, e.Hash.Short())
		}
	}
	if err := archived.Verify(); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Printf("archive %s verified: %d contributions plus beacon", fs.ArchivePath(rec.ID), archived.Contributions())

	// 5. Keys from the archive
	if err := proveCubic(archived, 3); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Printf("cubic keys rebuilt from the archive; proof for x = 3 verifies")
}

// proveCubic extracts the cubic circuit's keys from a closed record, proves
// knowledge of x and verifies the proof
func proveCubic(rec *ceremony.Record, x int) error {
	track, ok := rec.Track("cubic")
	if !ok {
		return errors.New("record has no cubic circuit")
	}
	pk, vk, err := track.Keys()
	if err != nil {
		return err
	}
	w, err := frontend.NewWitness(&circuits.Cubic{X: x, Y: x*x*x + x + 5}, ecc.BN254.ScalarField())
	if err != nil {
		return err
	}
	proof, err := groth16.Prove(track.Circuit.R1CS, pk, w)
	if err != nil {
		return fmt.Errorf("prove: %w", err)
	}
	public, err := w.Public()
	if err != nil {
		return err
	}
	if err := groth16.Verify(proof, vk, public); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}
