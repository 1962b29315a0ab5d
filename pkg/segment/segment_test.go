package segment

import (
	"testing"

	"github.com/hirosystems/chainhook-indexer/pkg/chain"
)

func id(index uint64, hash string) chain.BlockIdentifier {
	return chain.BlockIdentifier{Index: index, Hash: hash}
}

func TestAppendExtendsTip(t *testing.T) {
	s := New()

	outcome, _, err := s.Append(id(1, "a1"), id(0, "genesis"))
	if err != nil {
		t.Fatalf("unexpected error seeding segment: %v", err)
	}
	if outcome != Extended {
		t.Fatalf("expected Extended for first block, got %v", outcome)
	}

	outcome, forked, err := s.Append(id(2, "a2"), id(1, "a1"))
	if err != nil {
		t.Fatalf("unexpected error extending segment: %v", err)
	}
	if outcome != Extended || forked != nil {
		t.Fatalf("expected plain Extended, got outcome=%v forked=%v", outcome, forked)
	}

	tip, ok := s.Tip()
	if !ok || tip != id(2, "a2") {
		t.Fatalf("expected tip a2, got %v ok=%v", tip, ok)
	}
}

func TestAppendForksBelowTip(t *testing.T) {
	s := New()
	mustExtend(t, s, id(1, "a1"), id(0, "genesis"))
	mustExtend(t, s, id(2, "a2"), id(1, "a1"))
	mustExtend(t, s, id(3, "a3"), id(2, "a2"))

	outcome, forked, err := s.Append(id(2, "b2"), id(1, "a1"))
	if err != nil {
		t.Fatalf("unexpected error forking: %v", err)
	}
	if outcome != Forked || forked == nil {
		t.Fatalf("expected Forked with a new segment, got outcome=%v forked=%v", outcome, forked)
	}

	if tip, _ := forked.Tip(); tip != id(2, "b2") {
		t.Fatalf("expected forked tip b2, got %v", tip)
	}
	if tip, _ := s.Tip(); tip != id(3, "a3") {
		t.Fatalf("original segment must be unchanged, tip is %v", tip)
	}
}

func TestAppendAlreadyPresent(t *testing.T) {
	s := New()
	mustExtend(t, s, id(1, "a1"), id(0, "genesis"))

	_, _, err := s.Append(id(1, "a1"), id(0, "genesis"))
	incompat, ok := err.(*Incompatibility)
	if !ok || incompat.Kind != AlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v", err)
	}
}

func TestAppendOutdatedSegment(t *testing.T) {
	s := New()
	mustExtend(t, s, id(1, "a1"), id(0, "genesis"))

	_, _, err := s.Append(id(5, "a5"), id(4, "a4"))
	incompat, ok := err.(*Incompatibility)
	if !ok || incompat.Kind != OutdatedSegment {
		t.Fatalf("expected OutdatedSegment, got %v", err)
	}
}

func TestAppendBlockCollision(t *testing.T) {
	s := New()
	mustExtend(t, s, id(1, "a1"), id(0, "genesis"))

	_, _, err := s.Append(id(1, "b1"), id(0, "genesis"))
	incompat, ok := err.(*Incompatibility)
	if !ok || incompat.Kind != BlockCollision {
		t.Fatalf("expected BlockCollision, got %v", err)
	}
}

func TestTryIdentifyDivergenceReorg(t *testing.T) {
	a := New()
	mustExtend(t, a, id(1, "a1"), id(0, "genesis"))
	mustExtend(t, a, id(2, "a2"), id(1, "a1"))
	mustExtend(t, a, id(3, "a3"), id(2, "a2"))
	mustExtend(t, a, id(4, "a4"), id(3, "a3"))

	b := New()
	mustExtend(t, b, id(1, "a1"), id(0, "genesis"))
	mustExtend(t, b, id(2, "b2"), id(1, "a1"))
	mustExtend(t, b, id(3, "b3"), id(2, "b2"))
	mustExtend(t, b, id(4, "b4"), id(3, "b3"))
	mustExtend(t, b, id(5, "b5"), id(4, "b4"))

	div, err := b.TryIdentifyDivergence(a, false)
	if err != nil {
		t.Fatalf("unexpected divergence error: %v", err)
	}

	wantApply := []chain.BlockIdentifier{id(2, "b2"), id(3, "b3"), id(4, "b4"), id(5, "b5")}
	wantRollback := []chain.BlockIdentifier{id(4, "a4"), id(3, "a3"), id(2, "a2")}

	if !idSliceEqual(div.Apply, wantApply) {
		t.Fatalf("apply mismatch: got %v want %v", div.Apply, wantApply)
	}
	if !idSliceEqual(div.Rollback, wantRollback) {
		t.Fatalf("rollback mismatch: got %v want %v", div.Rollback, wantRollback)
	}
}

func TestPruneConfirmed(t *testing.T) {
	s := New()
	for h := uint64(1); h <= 10; h++ {
		parent := id(h-1, "genesis")
		if h > 1 {
			parent = id(h-1, "a")
		}
		mustExtend(t, s, id(h, "a"), parent)
	}

	pruned := s.PruneConfirmed(id(4, "a"))
	if len(pruned) != 3 {
		t.Fatalf("expected 3 pruned blocks, got %d", len(pruned))
	}
	for i, b := range pruned {
		if b.Index != uint64(i+1) {
			t.Fatalf("expected pruned oldest-first starting at 1, got %v at %d", b, i)
		}
	}
	if s.MostRecentConfirmedHeight() != 3 {
		t.Fatalf("expected confirmed height 3, got %d", s.MostRecentConfirmedHeight())
	}
	if s.Length() != 10 {
		t.Fatalf("expected unchanged logical length 10, got %d", s.Length())
	}
}

func mustExtend(t *testing.T, s *ChainSegment, block, parent chain.BlockIdentifier) {
	t.Helper()
	outcome, _, err := s.Append(block, parent)
	if err != nil {
		t.Fatalf("unexpected error appending %v: %v", block, err)
	}
	if outcome != Extended {
		t.Fatalf("expected Extended appending %v, got %v", block, outcome)
	}
}

func idSliceEqual(a, b []chain.BlockIdentifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
