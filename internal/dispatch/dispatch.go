// Package dispatch implements Instruction Ordering & Dispatch (spec.md
// §4.3): flattening a transaction envelope's outer and inner
// instructions into the exact sequence decoders must see.
package dispatch

import (
	"github.com/withobsrvr/das-core/internal/types"
)

// Pair is one (outer instruction, optional inner-instruction group) unit
// ready for decoding. Inner is nil for a synthetic pair produced from a
// buried-but-indexed inner instruction (spec.md §4.3 step 3).
type Pair struct {
	Outer types.ResolvedInstruction
	Inner []types.ResolvedInstruction
}

// ProgramSet reports whether a program id is one the core has a decoder
// for, including the auxiliary indexable list used only for
// account-schema harvesting (spec.md §4.3 step 1).
type ProgramSet interface {
	Contains(id types.ProgramID) bool
}

// ProgramSetFunc adapts a function to ProgramSet.
type ProgramSetFunc func(types.ProgramID) bool

func (f ProgramSetFunc) Contains(id types.ProgramID) bool { return f(id) }

// StaticSet is a ProgramSet backed by a fixed map, the common case of a
// decoder registry's match keys unioned with the indexable list.
type StaticSet map[types.ProgramID]struct{}

func (s StaticSet) Contains(id types.ProgramID) bool {
	_, ok := s[id]
	return ok
}

func resolve(env types.TransactionEnvelope, ix types.CompiledInstruction) types.ResolvedInstruction {
	accounts := make([]types.Pubkey, len(ix.AccountIndexes))
	for i, idx := range ix.AccountIndexes {
		accounts[i] = env.AccountKeys[idx]
	}
	var programID types.ProgramID
	copy(programID[:], env.AccountKeys[ix.ProgramIDIndex][:])
	return types.ResolvedInstruction{
		ProgramID: programID,
		Accounts:  accounts,
		Data:      ix.Data,
	}
}

// Order produces the ordered sequence of (outer, inner-group) pairs for
// env per spec.md §4.3's algorithm. env must already have passed
// types.TransactionEnvelope.Validate.
func Order(env types.TransactionEnvelope, k ProgramSet) []Pair {
	innerByOuter := make(map[int][]types.CompiledInstruction, len(env.InnerGroups))
	for _, g := range env.InnerGroups {
		innerByOuter[g.OuterIndex] = g.Inner
	}

	var pairs []Pair
	for outerIdx, outer := range env.Instructions {
		outerResolved := resolve(env, outer)
		if k.Contains(outerResolved.ProgramID) {
			var inner []types.ResolvedInstruction
			for _, in := range innerByOuter[outerIdx] {
				inner = append(inner, resolve(env, in))
			}
			pairs = append(pairs, Pair{Outer: outerResolved, Inner: inner})
			continue
		}

		// Outer program not indexed: still surface any inner
		// instructions whose program is indexed, as synthetic outer
		// pairs with no inner group (spec.md §4.3 step 3).
		for _, in := range innerByOuter[outerIdx] {
			inResolved := resolve(env, in)
			if k.Contains(inResolved.ProgramID) {
				pairs = append(pairs, Pair{Outer: inResolved, Inner: nil})
			}
		}
	}
	return pairs
}
