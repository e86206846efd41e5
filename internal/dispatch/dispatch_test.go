package dispatch

import (
	"testing"

	"github.com/withobsrvr/das-core/internal/types"
)

func pid(b byte) types.ProgramID {
	var p types.ProgramID
	p[0] = b
	return p
}

func TestOrderEmitsIndexedOuterInOrder(t *testing.T) {
	indexed := pid(1)
	other := pid(2)
	env := types.TransactionEnvelope{
		AccountKeys: []types.Pubkey{
			types.Pubkey(indexed), types.Pubkey(other),
		},
		Instructions: []types.CompiledInstruction{
			{ProgramIDIndex: 0, Data: []byte("a")},
			{ProgramIDIndex: 1, Data: []byte("b")},
			{ProgramIDIndex: 0, Data: []byte("c")},
		},
	}

	k := dispatchSet(indexed)
	pairs := Order(env, k)

	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	if string(pairs[0].Outer.Data) != "a" || string(pairs[1].Outer.Data) != "c" {
		t.Fatalf("unexpected order: %+v", pairs)
	}
}

func TestOrderSynthesizesBuriedInnerInstruction(t *testing.T) {
	wrapper := pid(1)
	indexed := pid(2)
	env := types.TransactionEnvelope{
		AccountKeys: []types.Pubkey{
			types.Pubkey(wrapper), types.Pubkey(indexed),
		},
		Instructions: []types.CompiledInstruction{
			{ProgramIDIndex: 0, Data: []byte("outer-not-indexed")},
		},
		InnerGroups: []types.InnerInstructionGroup{
			{OuterIndex: 0, Inner: []types.CompiledInstruction{
				{ProgramIDIndex: 1, Data: []byte("inner-indexed")},
			}},
		},
	}

	k := dispatchSet(indexed)
	pairs := Order(env, k)

	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1 synthetic pair", len(pairs))
	}
	if string(pairs[0].Outer.Data) != "inner-indexed" {
		t.Fatalf("unexpected synthetic pair: %+v", pairs[0])
	}
	if pairs[0].Inner != nil {
		t.Fatalf("synthetic pair must have no inner group, got %v", pairs[0].Inner)
	}
}

func TestOrderAttachesInnerGroupToIndexedOuter(t *testing.T) {
	indexed := pid(1)
	env := types.TransactionEnvelope{
		AccountKeys: []types.Pubkey{types.Pubkey(indexed)},
		Instructions: []types.CompiledInstruction{
			{ProgramIDIndex: 0, Data: []byte("outer")},
		},
		InnerGroups: []types.InnerInstructionGroup{
			{OuterIndex: 0, Inner: []types.CompiledInstruction{
				{ProgramIDIndex: 0, Data: []byte("inner")},
			}},
		},
	}

	k := dispatchSet(indexed)
	pairs := Order(env, k)

	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if len(pairs[0].Inner) != 1 || string(pairs[0].Inner[0].Data) != "inner" {
		t.Fatalf("expected inner group attached, got %+v", pairs[0])
	}
}

func dispatchSet(ids ...types.ProgramID) ProgramSet {
	s := make(StaticSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
