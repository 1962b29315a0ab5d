// Package events implements EventBuilder: the conversion of a
// (previous_canonical, new_canonical) segment pair into a tagged
// ChainEvent with fully materialized block/microblock payloads and
// attached parent-microblock deltas.
package events

import (
	"fmt"

	"github.com/hirosystems/chainhook-indexer/pkg/chain"
	"github.com/hirosystems/chainhook-indexer/pkg/microfork"
	"github.com/hirosystems/chainhook-indexer/pkg/segment"
)

// BlockStore is the read-only block payload lookup the builder needs.
// *pool.BlockPool satisfies this structurally.
type BlockStore interface {
	Block(id chain.BlockIdentifier) (chain.StacksBlock, bool)
}

// MicroblockStore is the read/write microblock-trail access the builder
// needs to locate, truncate, and re-elect microblock trails while
// confirming a block. *pool.BlockPool satisfies this structurally.
type MicroblockStore interface {
	Microblock(anchor, id chain.BlockIdentifier) (chain.StacksMicroblock, bool)
	MicroForks(anchor chain.BlockIdentifier) (*microfork.MicroForkSet, bool)
}

// Builder generates ChainEvents from segment diffs.
type Builder struct {
	Blocks BlockStore
	Micro  MicroblockStore
}

// NewBuilder wires a Builder against the pool's stores.
func NewBuilder(blocks BlockStore, micro MicroblockStore) *Builder {
	return &Builder{Blocks: blocks, Micro: micro}
}

// GenerateBlockChainEvent converts new vs. prev Stacks segments into the
// block-level ChainEvent. prev may be nil when there was no prior
// canonical fork.
func (b *Builder) GenerateBlockChainEvent(new, prev *segment.ChainSegment) (*chain.ChainEvent, error) {
	if prev == nil || prev.IsEmpty() {
		applies, err := b.buildApplies(idsOldestFirst(new.Blocks()), true)
		if err != nil {
			return nil, err
		}
		return &chain.ChainEvent{Kind: chain.ChainUpdatedWithBlocks, BlocksToApply: applies}, nil
	}

	divergence, err := new.TryIdentifyDivergence(prev, false)
	if err != nil {
		return nil, err
	}

	if len(divergence.Rollback) == 0 {
		applies, err := b.buildApplies(divergence.Apply, true)
		if err != nil {
			return nil, err
		}
		return &chain.ChainEvent{Kind: chain.ChainUpdatedWithBlocks, BlocksToApply: applies}, nil
	}

	rollbacks, err := b.buildRollbacks(divergence.Rollback)
	if err != nil {
		return nil, err
	}
	applies, err := b.buildApplies(divergence.Apply, false)
	if err != nil {
		return nil, err
	}

	return &chain.ChainEvent{
		Kind:             chain.ChainUpdatedWithReorg,
		BlocksToRollback: rollbacks,
		BlocksToApply:    applies,
	}, nil
}

// GenerateMicroblockChainEvent converts new vs. prev microblock-trail
// segments (under a single anchor) into the microblock-level ChainEvent.
func (b *Builder) GenerateMicroblockChainEvent(anchor chain.BlockIdentifier, new, prev *segment.ChainSegment) (*chain.ChainEvent, error) {
	if prev == nil || prev.IsEmpty() {
		mbs, err := b.materializeMicroblocks(anchor, idsOldestFirst(new.Blocks()))
		if err != nil {
			return nil, err
		}
		return &chain.ChainEvent{Kind: chain.ChainUpdatedWithMicroblocks, MicroblocksToApply: mbs}, nil
	}

	divergence, err := new.TryIdentifyDivergence(prev, true)
	if err != nil {
		return nil, err
	}

	if len(divergence.Rollback) == 0 {
		mbs, err := b.materializeMicroblocks(anchor, divergence.Apply)
		if err != nil {
			return nil, err
		}
		return &chain.ChainEvent{Kind: chain.ChainUpdatedWithMicroblocks, MicroblocksToApply: mbs}, nil
	}

	apply, err := b.materializeMicroblocks(anchor, divergence.Apply)
	if err != nil {
		return nil, err
	}
	rollback, err := b.materializeMicroblocks(anchor, divergence.Rollback)
	if err != nil {
		return nil, err
	}

	return &chain.ChainEvent{
		Kind:                  chain.ChainUpdatedWithMicroblocksReorg,
		MicroblocksToApply:    apply,
		MicroblocksToRollback: rollback,
	}, nil
}

// ConfirmMicroblocksForBlock locates the micro-segment under
// block.ParentID that contains block.ConfirmMicroblockTip, truncates a
// copy of it to end at that tip, and points the anchor's canonical trail
// at the fork that holds the tip. The stored trail itself is left
// untruncated. With diffEnabled false it returns the raw confirmed list
// (used to enrich a newly-applied block, which was not previously
// on-chain, so there is nothing to diff against). With diffEnabled true
// and a different trail canonical beforehand, it diffs the truncated copy
// against that trail, returning both apply and rollback lists; when no
// trail was canonical, or the canonical trail is the one holding the tip,
// it returns the raw confirmed list and no rollback.
func (b *Builder) ConfirmMicroblocksForBlock(block chain.StacksBlock, diffEnabled bool) (apply, rollback []chain.StacksMicroblock, err error) {
	if block.ConfirmMicroblockTip == nil {
		return nil, nil, nil
	}

	mforks, ok := b.Micro.MicroForks(block.ParentID)
	if !ok {
		return nil, nil, nil
	}

	tip := *block.ConfirmMicroblockTip
	forkID, found := findForkContaining(mforks, tip)
	if !found {
		return nil, nil, fmt.Errorf("confirm_microblock_tip %s not found under anchor %s: %w", tip, block.ParentID, errPayloadMissing)
	}

	prevCanonicalID, prevCanonical, hadPrevCanonical := mforks.Canonical()

	truncated, ok := mforks.Get(forkID)
	if !ok {
		return nil, nil, fmt.Errorf("microfork %d vanished for anchor %s: %w", forkID, block.ParentID, errPayloadMissing)
	}
	truncated = truncated.Clone()
	if found, _ := truncated.KeepBlocksFromOldestTo(tip); !found {
		return nil, nil, fmt.Errorf("tip %s not reachable in its own fork: %w", tip, errPayloadMissing)
	}

	if !diffEnabled || !hadPrevCanonical || prevCanonicalID == forkID {
		mforks.SetCanonical(forkID)
		apply, err = b.materializeMicroblocks(block.ParentID, idsOldestFirst(truncated.Blocks()))
		return apply, nil, err
	}

	divergence, err := truncated.TryIdentifyDivergence(prevCanonical, true)
	if err != nil {
		return nil, nil, err
	}
	mforks.SetCanonical(forkID)

	apply, err = b.materializeMicroblocks(block.ParentID, divergence.Apply)
	if err != nil {
		return nil, nil, err
	}
	rollback, err = b.materializeMicroblocks(block.ParentID, divergence.Rollback)
	if err != nil {
		return nil, nil, err
	}
	return apply, rollback, nil
}

// CurrentConfirmedParentMicroblocks returns the microblocks currently
// confirmed by block without mutating any canonical pointer — used to
// enrich a block that is itself being rolled back.
func (b *Builder) CurrentConfirmedParentMicroblocks(block chain.StacksBlock) ([]chain.StacksMicroblock, error) {
	if block.ConfirmMicroblockTip == nil {
		return nil, nil
	}
	mforks, ok := b.Micro.MicroForks(block.ParentID)
	if !ok {
		return nil, nil
	}
	tip := *block.ConfirmMicroblockTip
	forkID, found := findForkContaining(mforks, tip)
	if !found {
		return nil, nil
	}
	seg, _ := mforks.Get(forkID)
	clone := seg.Clone()
	if found, _ := clone.KeepBlocksFromOldestTo(tip); !found {
		return nil, nil
	}
	return b.materializeMicroblocks(block.ParentID, idsOldestFirst(clone.Blocks()))
}

func (b *Builder) buildApplies(idsOldest []chain.BlockIdentifier, diffEnabled bool) ([]chain.BlockUpdate, error) {
	updates := make([]chain.BlockUpdate, 0, len(idsOldest))
	for _, id := range idsOldest {
		block, ok := b.Blocks.Block(id)
		if !ok {
			return nil, fmt.Errorf("block %s missing from store: %w", id, errPayloadMissing)
		}
		apply, rollback, err := b.ConfirmMicroblocksForBlock(block, diffEnabled)
		if err != nil {
			return nil, err
		}
		updates = append(updates, chain.BlockUpdate{
			Block:                    block,
			ParentMicroblocksToApply: apply,
			ParentMicroblocksToRollback: rollback,
		})
	}
	return updates, nil
}

func (b *Builder) buildRollbacks(idsTipFirst []chain.BlockIdentifier) ([]chain.BlockUpdate, error) {
	updates := make([]chain.BlockUpdate, 0, len(idsTipFirst))
	for _, id := range idsTipFirst {
		block, ok := b.Blocks.Block(id)
		if !ok {
			return nil, fmt.Errorf("block %s missing from store: %w", id, errPayloadMissing)
		}
		rollback, err := b.CurrentConfirmedParentMicroblocks(block)
		if err != nil {
			return nil, err
		}
		updates = append(updates, chain.BlockUpdate{
			Block:                       block,
			ParentMicroblocksToRollback: rollback,
		})
	}
	return updates, nil
}

func (b *Builder) materializeMicroblocks(anchor chain.BlockIdentifier, ids []chain.BlockIdentifier) ([]chain.StacksMicroblock, error) {
	out := make([]chain.StacksMicroblock, 0, len(ids))
	for _, id := range ids {
		mb, ok := b.Micro.Microblock(anchor, id)
		if !ok {
			return nil, fmt.Errorf("microblock %s missing from store under anchor %s: %w", id, anchor, errPayloadMissing)
		}
		out = append(out, mb)
	}
	return out, nil
}

func findForkContaining(m *microfork.MicroForkSet, id chain.BlockIdentifier) (int, bool) {
	for _, forkID := range m.ForkIDs() {
		seg, ok := m.Get(forkID)
		if ok && seg.Contains(id) {
			return forkID, true
		}
	}
	return 0, false
}

// idsOldestFirst reverses a tip-first identifier slice.
func idsOldestFirst(tipFirst []chain.BlockIdentifier) []chain.BlockIdentifier {
	out := make([]chain.BlockIdentifier, len(tipFirst))
	for i, id := range tipFirst {
		out[len(out)-1-i] = id
	}
	return out
}

var errPayloadMissing = fmt.Errorf("payload missing from store")
