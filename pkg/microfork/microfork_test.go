package microfork

import (
	"testing"

	"github.com/hirosystems/chainhook-indexer/pkg/chain"
	"github.com/hirosystems/chainhook-indexer/pkg/segment"
)

func mid(index uint64, hash string) chain.BlockIdentifier {
	return chain.BlockIdentifier{Index: index, Hash: hash}
}

func TestStartTrailCreatesIndependentForks(t *testing.T) {
	m := New()
	f1 := m.StartTrail(mid(0, "m0"))
	f2 := m.StartTrail(mid(0, "n0"))

	if f1 == f2 {
		t.Fatalf("expected distinct fork ids for two independent trail starts, got %d and %d", f1, f2)
	}
	if m.ForkCount() != 2 {
		t.Fatalf("expected 2 tracked forks, got %d", m.ForkCount())
	}
}

func TestTryAppendExtendsExistingTrail(t *testing.T) {
	m := New()
	f0 := m.StartTrail(mid(0, "m0"))

	forkID, outcome, ok := m.TryAppend(mid(1, "m1"), mid(0, "m0"))
	if !ok {
		t.Fatalf("expected append to succeed")
	}
	if outcome != segment.Extended {
		t.Fatalf("expected Extended outcome, got %v", outcome)
	}
	if forkID != f0 {
		t.Fatalf("expected the existing fork id %d, got %d", f0, forkID)
	}
}

func TestTryAppendForksOnCollision(t *testing.T) {
	m := New()
	m.StartTrail(mid(0, "m0"))
	m.TryAppend(mid(1, "m1"), mid(0, "m0"))

	forkID, outcome, ok := m.TryAppend(mid(1, "m1prime"), mid(0, "m0"))
	if !ok {
		t.Fatalf("expected the colliding sequence to fork off instead of failing")
	}
	if outcome != segment.Forked {
		t.Fatalf("expected Forked outcome, got %v", outcome)
	}
	if m.ForkCount() != 2 {
		t.Fatalf("expected 2 forks after the split, got %d", m.ForkCount())
	}
	if seg, ok := m.Get(forkID); !ok || seg.Length() != 2 {
		t.Fatalf("expected the new fork to hold the shared parent and the forked block")
	}
}

func TestElectCanonicalPicksLongestThenHighestForkID(t *testing.T) {
	m := New()
	f0 := m.StartTrail(mid(0, "m0"))
	m.TryAppend(mid(1, "m1"), mid(0, "m0"))

	f1 := m.StartTrail(mid(0, "n0"))

	forkID, changed, ok := m.ElectCanonical()
	if !ok || !changed {
		t.Fatalf("expected a canonical election on first call")
	}
	if forkID != f0 {
		t.Fatalf("expected the longer trail %d to win, got %d", f0, forkID)
	}

	m.TryAppend(mid(1, "n1"), mid(0, "n0"))
	forkID, changed, ok = m.ElectCanonical()
	if !ok || !changed {
		t.Fatalf("expected canonical to change once the trails tie in length")
	}
	if forkID != f1 {
		t.Fatalf("expected the tie to favor the higher fork id %d, got %d", f1, forkID)
	}
}

func TestAppendToTargetsOneFork(t *testing.T) {
	m := New()
	f0 := m.StartTrail(mid(0, "m0"))
	m.StartTrail(mid(0, "n0"))

	newForkID, outcome, err := m.AppendTo(f0, mid(1, "m1"), mid(0, "m0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != segment.Extended || newForkID != f0 {
		t.Fatalf("expected Extended on fork %d, got fork=%d outcome=%v", f0, newForkID, outcome)
	}

	if _, _, err := m.AppendTo(f0, mid(2, "m2"), mid(1, "nowhere")); err == nil {
		t.Fatalf("expected an error appending an unreachable parent")
	}
}

func TestDeleteClearsCanonicalPointer(t *testing.T) {
	m := New()
	f0 := m.StartTrail(mid(0, "m0"))
	m.ElectCanonical()

	m.Delete(f0)
	if _, _, ok := m.Canonical(); ok {
		t.Fatalf("expected canonical pointer to clear once its fork is deleted")
	}
}
