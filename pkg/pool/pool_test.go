package pool

import (
	"testing"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/chain"
	"github.com/hirosystems/chainhook-indexer/pkg/config"
)

func testPool() *BlockPool {
	return New(logger.NewLogger("error"), config.PoolConfig{})
}

func blockID(index uint64, hash string) chain.BlockIdentifier {
	return chain.BlockIdentifier{Index: index, Hash: hash}
}

func anchorBlock(id, parent chain.BlockIdentifier, baseHeight uint64) chain.StacksBlock {
	return chain.StacksBlock{
		ID:           id,
		ParentID:     parent,
		BaseAnchorID: blockID(baseHeight, "base"),
	}
}

func TestProcessBlockLinearChain(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")

	for h := uint64(1); h <= 3; h++ {
		parent := genesis
		if h > 1 {
			parent = blockID(h-1, "a")
		}
		event, err := p.ProcessBlock(anchorBlock(blockID(h, "a"), parent, h))
		if err != nil {
			t.Fatalf("unexpected error at height %d: %v", h, err)
		}
		if event == nil {
			t.Fatalf("expected event at height %d", h)
		}
		if event.Kind != chain.ChainUpdatedWithBlocks {
			t.Fatalf("expected ChainUpdatedWithBlocks, got %v", event.Kind)
		}
	}

	tip, ok := p.CanonicalTip()
	if !ok || tip != blockID(3, "a") {
		t.Fatalf("expected canonical tip 3:a, got %v ok=%v", tip, ok)
	}
}

func TestProcessBlockForkAndResolve(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")

	mustProcessBlock(t, p, anchorBlock(blockID(1, "a1"), genesis, 1))
	mustProcessBlock(t, p, anchorBlock(blockID(2, "a2"), blockID(1, "a1"), 2))

	event := mustProcessBlock(t, p, anchorBlock(blockID(2, "b2"), blockID(1, "a1"), 1))
	if event != nil {
		t.Fatalf("a competing fork anchored to a lower base height must not flip canonical, got %v", event.Kind)
	}

	event = mustProcessBlock(t, p, anchorBlock(blockID(3, "b3"), blockID(2, "b2"), 3))
	if event == nil {
		t.Fatalf("expected reorg event once the competing fork overtakes on base anchor height")
	}
	if event.Kind != chain.ChainUpdatedWithReorg {
		t.Fatalf("expected ChainUpdatedWithReorg, got %v", event.Kind)
	}
	if len(event.BlocksToRollback) != 1 || event.BlocksToRollback[0].Block.ID != blockID(2, "a2") {
		t.Fatalf("expected rollback of 2:a2, got %v", event.BlocksToRollback)
	}
	if len(event.BlocksToApply) != 2 {
		t.Fatalf("expected apply of b2,b3, got %v", event.BlocksToApply)
	}

	tip, ok := p.CanonicalTip()
	if !ok || tip != blockID(3, "b3") {
		t.Fatalf("expected canonical tip 3:b3, got %v ok=%v", tip, ok)
	}
}

// TestProcessBlockElectionTracksIndependentRunningHighs exercises a
// 3+-fork scenario where a fork with a strictly higher base-anchor
// height than the current canonical fork must NOT become canonical,
// because the running highest-tip-height value (itself left behind by
// an unrelated fork) was never matched by that higher-base fork's own
// tip. A coalesced single-best-candidate election would incorrectly
// flip canonical to the higher-base fork here.
func TestProcessBlockElectionTracksIndependentRunningHighs(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")

	a1 := anchorBlock(blockID(1, "a1"), genesis, 1)
	mustProcessBlock(t, p, a1)

	// fork0: a1 -> a2 -> a3 -> a4 -> a5, tip base-anchor height 10.
	mustProcessBlock(t, p, anchorBlock(blockID(2, "a2"), blockID(1, "a1"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(3, "a3"), blockID(2, "a2"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(4, "a4"), blockID(3, "a3"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(5, "a5"), blockID(4, "a4"), 10))

	// fork1: branches off a1, tip base-anchor height 10, lower tip height.
	mustProcessBlock(t, p, anchorBlock(blockID(2, "b2"), blockID(1, "a1"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(3, "b3"), blockID(2, "b2"), 10))

	// fork2: branches off a2, lower base-anchor height but higher tip height.
	mustProcessBlock(t, p, anchorBlock(blockID(3, "c3"), blockID(2, "a2"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(4, "c4"), blockID(3, "c3"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(5, "c5"), blockID(4, "c4"), 1))
	mustProcessBlock(t, p, anchorBlock(blockID(6, "c6"), blockID(5, "c5"), 9))

	// fork3: branches off a1 again, strictly higher base-anchor height
	// than the current canonical fork (0) but a very low tip height.
	mustProcessBlock(t, p, anchorBlock(blockID(2, "d2"), blockID(1, "a1"), 11))

	tip, ok := p.CanonicalTip()
	if !ok || tip != blockID(5, "a5") {
		t.Fatalf("expected canonical tip to remain 5:a5 (fork0); a higher base-anchor fork with a tip height below the running high must not flip canonical, got %v ok=%v", tip, ok)
	}
}

func TestProcessBlockDuplicateIsNoOp(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")
	block := anchorBlock(blockID(1, "a1"), genesis, 1)

	mustProcessBlock(t, p, block)
	event, err := p.ProcessBlock(block)
	if err != nil {
		t.Fatalf("unexpected error reprocessing duplicate: %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event for duplicate block, got %v", event.Kind)
	}
}

func TestProcessBlockOrphanCoalesces(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")

	event, err := p.ProcessBlock(anchorBlock(blockID(2, "a2"), blockID(1, "a1"), 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Fatalf("expected orphaned block to produce no event, got %v", event.Kind)
	}

	event = mustProcessBlock(t, p, anchorBlock(blockID(1, "a1"), genesis, 1))
	if event == nil {
		t.Fatalf("expected the parent's arrival to drain the orphan and produce an event")
	}
	if len(event.BlocksToApply) != 2 {
		t.Fatalf("expected both blocks applied once the orphan drains, got %d", len(event.BlocksToApply))
	}

	tip, ok := p.CanonicalTip()
	if !ok || tip != blockID(2, "a2") {
		t.Fatalf("expected canonical tip 2:a2 after orphan drain, got %v ok=%v", tip, ok)
	}
}

func TestProcessBlockPruningConfirmsDeepAncestors(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")

	var last *chain.ChainEvent
	for h := uint64(1); h <= DefaultConfirmedSegmentMinimumLength+2; h++ {
		parent := genesis
		if h > 1 {
			parent = blockID(h-1, "a")
		}
		last = mustProcessBlock(t, p, anchorBlock(blockID(h, "a"), parent, h))
	}

	if len(last.ConfirmedBlocks) == 0 {
		t.Fatalf("expected confirmed blocks once the canonical segment exceeds the reorg window")
	}
	if last.ConfirmedBlocks[0].ID.Index != 3 {
		t.Fatalf("expected the block six below the height-9 tip (height 3) confirmed, got %d", last.ConfirmedBlocks[0].ID.Index)
	}
}

func TestProcessBlockConfirmsAtExactTriggerHeight(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")

	var last *chain.ChainEvent
	for h := uint64(1); h <= DefaultConfirmedSegmentMinimumLength; h++ {
		parent := genesis
		if h > 1 {
			parent = blockID(h-1, "a")
		}
		last = mustProcessBlock(t, p, anchorBlock(blockID(h, "a"), parent, h))
		if h < DefaultConfirmedSegmentMinimumLength {
			if len(last.ConfirmedBlocks) != 0 {
				t.Fatalf("expected no confirmation before the canonical segment reaches length %d, got %v at height %d",
					DefaultConfirmedSegmentMinimumLength, last.ConfirmedBlocks, h)
			}
		}
	}

	if len(last.ConfirmedBlocks) != 1 || last.ConfirmedBlocks[0].ID.Index != 1 {
		t.Fatalf("expected block at height 1 confirmed exactly once the segment reaches length %d, got %v",
			DefaultConfirmedSegmentMinimumLength, last.ConfirmedBlocks)
	}
}

func TestProcessMicroblocksTrailAndConfirm(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")
	anchor := anchorBlock(blockID(1, "a1"), genesis, 1)
	mustProcessBlock(t, p, anchor)

	mb0 := chain.StacksMicroblock{ID: blockID(0, "m0"), ParentID: blockID(0, "m0"), AnchorBlockID: blockID(1, "a1")}
	mb1 := chain.StacksMicroblock{ID: blockID(1, "m1"), ParentID: blockID(0, "m0"), AnchorBlockID: blockID(1, "a1")}

	event, err := p.ProcessMicroblocks([]chain.StacksMicroblock{mb0, mb1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil || event.Kind != chain.ChainUpdatedWithMicroblocks {
		t.Fatalf("expected ChainUpdatedWithMicroblocks, got %v", event)
	}
	if len(event.MicroblocksToApply) != 2 {
		t.Fatalf("expected both microblocks applied, got %d", len(event.MicroblocksToApply))
	}

	tip := blockID(1, "m1")
	confirming := anchorBlock(blockID(2, "a2"), blockID(1, "a1"), 2)
	confirming.ConfirmMicroblockTip = &tip
	confirmEvent := mustProcessBlock(t, p, confirming)
	if len(confirmEvent.BlocksToApply) != 1 {
		t.Fatalf("expected one applied block, got %d", len(confirmEvent.BlocksToApply))
	}
	if len(confirmEvent.BlocksToApply[0].ParentMicroblocksToApply) != 2 {
		t.Fatalf("expected the confirming block to carry both parent microblocks, got %d",
			len(confirmEvent.BlocksToApply[0].ParentMicroblocksToApply))
	}
}

func TestProcessMicroblocksOrphanCoalesces(t *testing.T) {
	p := testPool()
	genesis := blockID(0, "genesis")
	mustProcessBlock(t, p, anchorBlock(blockID(1, "a1"), genesis, 1))

	mb1 := chain.StacksMicroblock{ID: blockID(1, "m1"), ParentID: blockID(0, "m0"), AnchorBlockID: blockID(1, "a1")}
	event, err := p.ProcessMicroblocks([]chain.StacksMicroblock{mb1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Fatalf("expected orphaned microblock to produce no event, got %v", event)
	}

	mb0 := chain.StacksMicroblock{ID: blockID(0, "m0"), ParentID: blockID(0, "m0"), AnchorBlockID: blockID(1, "a1")}
	event, err = p.ProcessMicroblocks([]chain.StacksMicroblock{mb0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil || len(event.MicroblocksToApply) != 2 {
		t.Fatalf("expected the trail-start arrival to drain the orphan, got %v", event)
	}
}

func mustProcessBlock(t *testing.T, p *BlockPool, block chain.StacksBlock) *chain.ChainEvent {
	t.Helper()
	event, err := p.ProcessBlock(block)
	if err != nil {
		t.Fatalf("unexpected error processing block %v: %v", block.ID, err)
	}
	return event
}
