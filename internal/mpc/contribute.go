// contribute.go - Applying one participant's randomness to the reference string
package mpc

import (
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"trustedsetup/internal/crs"
)

var (
	// ErrZeroScalar is returned when the contribution randomness is zero
	ErrZeroScalar = errors.New("mpc: zero contribution scalar")
	// ErrInvalidContribution is returned by Verify for any rejected transition
	ErrInvalidContribution = errors.New("invalid contribution")
)

// NewRandomness samples a nonzero contribution scalar from crypto/rand
func NewRandomness() (fr.Element, error) {
	var r fr.Element
	for r.IsZero() {
		if _, err := r.SetRandom(); err != nil {
			return fr.Element{}, fmt.Errorf("mpc: sample randomness: %w", err)
		}
	}
	return r, nil
}

// Contribute applies r to prev and returns the next State with its proof.
// δ is multiplied by r and every L and Z entry by r⁻¹. challenge binds the
// proof to the transcript position.
//
// r is zeroed before Contribute returns, on every path. The caller must not
// reuse it.
func Contribute(prev *crs.State, r *fr.Element, contributor string, challenge []byte) (*crs.State, Proof, error) {
	defer r.SetZero()

	if r.IsZero() {
		return nil, Proof{}, ErrZeroScalar
	}
	if len(contributor) > crs.MaxContributorLen {
		return nil, Proof{}, fmt.Errorf("mpc: contributor tag longer than %d bytes", crs.MaxContributorLen)
	}

	proof, err := prove(r, challenge)
	if err != nil {
		return nil, Proof{}, err
	}
	next := apply(prev, r, contributor)
	return next, proof, nil
}

// apply performs the state update without any check on r
func apply(prev *crs.State, r *fr.Element, contributor string) *crs.State {
	var rInv fr.Element
	rInv.Inverse(r)
	defer rInv.SetZero()

	rBig := r.BigInt(new(big.Int))
	defer wipeBig(rBig)
	rInvBig := rInv.BigInt(new(big.Int))
	defer wipeBig(rInvBig)

	next := &crs.State{Round: prev.Round + 1, Contributor: contributor}
	next.G1.Delta.ScalarMultiplication(&prev.G1.Delta, rBig)
	next.G2.Delta.ScalarMultiplication(&prev.G2.Delta, rBig)
	next.G1.L = scaleG1(prev.G1.L, rInvBig)
	next.G1.Z = scaleG1(prev.G1.Z, rInvBig)
	return next
}

// scaleG1 returns k·p[i] for every i, split across CPUs
func scaleG1(points []bn254.G1Affine, k *big.Int) []bn254.G1Affine {
	out := make([]bn254.G1Affine, len(points))
	parallelize(len(points), func(start, end int) {
		for i := start; i < end; i++ {
			out[i].ScalarMultiplication(&points[i], k)
		}
	})
	return out
}

// parallelize runs work over [0, n) in contiguous chunks
func parallelize(n int, work func(start, end int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		work(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			work(start, end)
		}(start, end)
	}
	wg.Wait()
}
