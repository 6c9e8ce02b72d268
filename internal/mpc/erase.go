// erase.go - Zeroing of secret material
package mpc

import (
	"math/big"
)

// wipeBig overwrites the limbs backing x and resets it to zero
func wipeBig(x *big.Int) {
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
