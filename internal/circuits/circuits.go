// circuits.go - Built-in circuits a ceremony can be opened for
package circuits

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/consensys/gnark/frontend"
)

// Cubic proves knowledge of X with X**3 + X + 5 == Y
type Cubic struct {
	X frontend.Variable `gnark:"x"`
	Y frontend.Variable `gnark:",public"`
}

// Define declares the circuit's constraints
func (c *Cubic) Define(api frontend.API) error {
	x3 := api.Mul(c.X, c.X, c.X)
	api.AssertIsEqual(c.Y, api.Add(x3, c.X, 5))
	return nil
}

// Chain proves knowledge of X with X**(Length+1) == Y. Each extra link
// adds one constraint and one internal wire, so it sizes load tests.
type Chain struct {
	X      frontend.Variable
	Y      frontend.Variable `gnark:",public"`
	Length int               `gnark:"-"`
}

// Define declares the circuit's constraints
func (c *Chain) Define(api frontend.API) error {
	acc := c.X
	for i := 0; i < c.Length; i++ {
		acc = api.Mul(acc, c.X)
	}
	api.AssertIsEqual(c.Y, acc)
	return nil
}

var builtin = map[string]func() frontend.Circuit{
	"cubic": func() frontend.Circuit { return &Cubic{} },
}

// Lookup returns a fresh instance of the named circuit. Besides the fixed
// names, "chain-<n>" yields a Chain of length n.
func Lookup(name string) (frontend.Circuit, error) {
	if mk, ok := builtin[name]; ok {
		return mk(), nil
	}
	if rest, ok := strings.CutPrefix(name, "chain-"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("circuit %q: chain length must be a positive integer", name)
		}
		return &Chain{Length: n}, nil
	}
	return nil, fmt.Errorf("unknown circuit %q (known: %s, chain-<n>)", name, strings.Join(Names(), ", "))
}

// Names lists the fixed built-in circuit names
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

