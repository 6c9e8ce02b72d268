package mpc

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"trustedsetup/internal/crs"
)

const dstBeacon = "phase2/beacon"

// BeaconScalar derives the final contribution scalar from a public beacon
// value and the transcript head. Anyone can recompute it, so the beacon
// contribution is reproducible bit for bit.
func BeaconScalar(value, challenge []byte) fr.Element {
	var r fr.Element
	for ctr := byte(0); r.IsZero(); ctr++ {
		r = crs.HashToScalar(dstBeacon, value, challenge, []byte{ctr})
	}
	return r
}
