// Package crs holds the circuit-specific structured reference string that a
// Phase 2 ceremony transforms.
//
// A State carries the δ-dependent part of a Groth16 proving key over BN254:
//
//	G1.Delta = [δ]₁
//	G1.L[j]  = [(β·u_j(τ) + α·v_j(τ) + w_j(τ))/δ]₁   private-wire query
//	G1.Z[i]  = [τ^i·(τ^n − 1)/δ]₁                      vanishing-polynomial query
//	G2.Delta = [δ]₂
//
// A Circuit binds a compiled R1CS to the Phase 1 Commons it is set up
// from. Its genesis State (δ = 1) is computed by gnark's mpcsetup from the
// real wire polynomials, and ExtractKeys turns the State a ceremony ends
// with into a Groth16 proving and verifying key. Commons come from a
// .ptau file (CommonsFromPtau) or, for simulations, from a public seed
// (DeriveCommons).
//
// States have a canonical binary encoding (MarshalBinary) and a BLAKE2b-512
// digest over it (Hash). Both are stable across processes and are what the
// transcript hash chain binds.
package crs
