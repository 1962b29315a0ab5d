// Package pool implements BlockPool: the top-level fork-tracking state
// machine. It owns the block store, microblock store, the set of
// competing Stacks forks, the orphan backlogs, and the canonical fork
// pointers, and orchestrates append, orphan reprocessing, canonical
// election, reorg diffing, microblock confirmation, and pruning.
//
// BlockPool is not safe for concurrent use: callers must serialize
// access to ProcessBlock/ProcessMicroblocks/Seed via an external mutex
// or an owning actor/task, the same way the teacher's consensus engine
// expects single-writer access to its own state.
package pool

import (
	"errors"
	"fmt"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/chain"
	"github.com/hirosystems/chainhook-indexer/pkg/config"
	"github.com/hirosystems/chainhook-indexer/pkg/events"
	"github.com/hirosystems/chainhook-indexer/pkg/microfork"
	"github.com/hirosystems/chainhook-indexer/pkg/segment"
)

// DefaultConfirmedSegmentMinimumLength is the minimum canonical-segment
// length (in blocks) before any block becomes eligible for confirmation.
// The newest six blocks, the cut-off block among them, stay unconfirmed;
// the seventh from the tip is the first to be confirmed.
const DefaultConfirmedSegmentMinimumLength = 7

// DefaultPruningGateThreshold is the highest-competing-fork-height-delta
// value above which pruning is allowed to run. A delta of None (no
// competing fork) also allows pruning.
const DefaultPruningGateThreshold = 6

type microKey struct {
	Anchor chain.BlockIdentifier
	ID     chain.BlockIdentifier
}

// BlockPool is the top-level fork-tracking pool.
type BlockPool struct {
	log     *logger.Logger
	builder *events.Builder

	blockStore      map[chain.BlockIdentifier]chain.StacksBlock
	microblockStore map[microKey]chain.StacksMicroblock

	forks      map[int]*segment.ChainSegment
	nextForkID int

	orphanOrder []chain.BlockIdentifier
	orphanSet   map[chain.BlockIdentifier]struct{}

	microForks     map[chain.BlockIdentifier]*microfork.MicroForkSet
	microOrphans   map[chain.BlockIdentifier][]chain.BlockIdentifier

	canonicalForkID                 int
	hasCanonical                    bool
	highestCompetingForkHeightDelta *uint16

	confirmedSegmentMinimumLength uint64
	pruningGateThreshold          uint16
}

// New creates an empty pool, applying the confirmed-segment minimum
// length and pruning gate threshold from cfg. A zero-value cfg falls
// back to the package defaults.
func New(log *logger.Logger, cfg config.PoolConfig) *BlockPool {
	confirmedSegmentMinimumLength := cfg.ConfirmedSegmentMinimumLength
	if confirmedSegmentMinimumLength == 0 {
		confirmedSegmentMinimumLength = DefaultConfirmedSegmentMinimumLength
	}
	pruningGateThreshold := cfg.PruningGateThreshold
	if pruningGateThreshold == 0 {
		pruningGateThreshold = DefaultPruningGateThreshold
	}

	p := &BlockPool{
		log:                           log,
		blockStore:                    make(map[chain.BlockIdentifier]chain.StacksBlock),
		microblockStore:               make(map[microKey]chain.StacksMicroblock),
		forks:                         make(map[int]*segment.ChainSegment),
		orphanSet:                     make(map[chain.BlockIdentifier]struct{}),
		microForks:                    make(map[chain.BlockIdentifier]*microfork.MicroForkSet),
		microOrphans:                  make(map[chain.BlockIdentifier][]chain.BlockIdentifier),
		confirmedSegmentMinimumLength: confirmedSegmentMinimumLength,
		pruningGateThreshold:          pruningGateThreshold,
	}
	p.builder = events.NewBuilder(p, p)
	return p
}

// Block implements events.BlockStore.
func (p *BlockPool) Block(id chain.BlockIdentifier) (chain.StacksBlock, bool) {
	b, ok := p.blockStore[id]
	return b, ok
}

// Microblock implements events.MicroblockStore.
func (p *BlockPool) Microblock(anchor, id chain.BlockIdentifier) (chain.StacksMicroblock, bool) {
	mb, ok := p.microblockStore[microKey{Anchor: anchor, ID: id}]
	return mb, ok
}

// MicroForks implements events.MicroblockStore.
func (p *BlockPool) MicroForks(anchor chain.BlockIdentifier) (*microfork.MicroForkSet, bool) {
	mf, ok := p.microForks[anchor]
	return mf, ok
}

// CanonicalTip returns the tip of the canonical Stacks fork, if any.
func (p *BlockPool) CanonicalTip() (chain.BlockIdentifier, bool) {
	if !p.hasCanonical {
		return chain.BlockIdentifier{}, false
	}
	seg, ok := p.forks[p.canonicalForkID]
	if !ok {
		return chain.BlockIdentifier{}, false
	}
	return seg.Tip()
}

// Seed bulk-loads blocks in ascending height, skipping duplicates. Used
// to replay a local event log before live ingestion begins.
func (p *BlockPool) Seed(blocks []chain.StacksBlock) error {
	for _, b := range blocks {
		if _, err := p.ProcessBlock(b); err != nil {
			return fmt.Errorf("seeding block %s: %w", b.ID, err)
		}
	}
	return nil
}

// ProcessBlock ingests one Stacks anchor block. A nil event with a nil
// error means the call was a no-op: idempotent duplicate, orphaned
// arrival, or a canonical transition that did not change.
func (p *BlockPool) ProcessBlock(block chain.StacksBlock) (*chain.ChainEvent, error) {
	if _, exists := p.blockStore[block.ID]; exists {
		return nil, nil
	}
	p.blockStore[block.ID] = block

	prevCanonicalID := p.canonicalForkID
	hadPrevCanonical := p.hasCanonical
	var prevSeg *segment.ChainSegment
	var prevTip chain.BlockIdentifier
	hadPrevTip := false
	if hadPrevCanonical {
		if seg, ok := p.forks[prevCanonicalID]; ok {
			// Cloned before the append below can mutate the same fork
			// in place (extending a segment rewrites its blocks slice
			// on the same *ChainSegment the pool already holds).
			prevSeg = seg.Clone()
			prevTip, hadPrevTip = prevSeg.Tip()
		}
	}

	updatedForkID, ok := p.tryAppendBlock(block.ID, block.ParentID)
	if !ok {
		p.enqueueOrphan(block.ID)
		p.log.WithField("block", block.ID.String()).Debug("block orphaned, parent not yet known")
		return nil, nil
	}
	p.drainBlockOrphans(updatedForkID)

	newCanonicalID, forkChanged := p.electCanonicalFork()
	newSeg := p.forks[newCanonicalID]
	newTip, _ := newSeg.Tip()

	if !forkChanged && hadPrevTip && newTip == prevTip {
		// The new block landed on a fork that did not win election;
		// the canonical tip is exactly where it was.
		return nil, nil
	}

	var prevSegForEvent *segment.ChainSegment
	if hadPrevCanonical {
		prevSegForEvent = prevSeg
	}

	event, err := p.builder.GenerateBlockChainEvent(newSeg, prevSegForEvent)
	if err != nil {
		if isParentBlockUnknown(err) {
			p.canonicalForkID = prevCanonicalID
			p.hasCanonical = hadPrevCanonical
			p.log.WithFields(logger.Fields{
				"attempted_fork": newCanonicalID,
				"rolled_back_to": prevCanonicalID,
			}).Warn("canonical transition has no common ancestor, rolled back")
			return nil, nil
		}
		return nil, err
	}

	if p.highestCompetingForkHeightDelta == nil || *p.highestCompetingForkHeightDelta > p.pruningGateThreshold {
		if err := p.collectAndPruneConfirmed(event); err != nil {
			return nil, err
		}
	}

	return event, nil
}

// ProcessMicroblocks ingests a batch of microblocks that must all belong
// to the same anchor block.
func (p *BlockPool) ProcessMicroblocks(mbs []chain.StacksMicroblock) (*chain.ChainEvent, error) {
	if len(p.blockStore) == 0 || len(mbs) == 0 {
		return nil, nil
	}

	anchor := p.patchAnchor(mbs[0].AnchorBlockID)
	mforks := p.microForksFor(anchor)
	_, prevCanonicalSeg, hadPrev := mforks.Canonical()
	var prevSeg *segment.ChainSegment
	var prevTip chain.BlockIdentifier
	hadPrevTip := false
	if hadPrev {
		// Cloned before TryAppend/StartTrail can mutate the same trail
		// in place if this batch extends the already-canonical fork.
		prevSeg = prevCanonicalSeg.Clone()
		prevTip, hadPrevTip = prevSeg.Tip()
	}

	anyUpdated := false
	for _, mb := range mbs {
		mb.AnchorBlockID = p.patchAnchor(mb.AnchorBlockID)
		p.microblockStore[microKey{Anchor: mb.AnchorBlockID, ID: mb.ID}] = mb

		var forkID int
		var ok bool
		if mb.ID.Index == 0 {
			forkID = mforks.StartTrail(mb.ID)
			ok = true
		} else {
			forkID, _, ok = mforks.TryAppend(mb.ID, mb.ParentID)
		}
		if !ok {
			p.enqueueMicroOrphan(mb.AnchorBlockID, mb.ID)
			continue
		}
		anyUpdated = true
		p.drainMicroOrphans(mb.AnchorBlockID, mforks, forkID)
	}

	if !anyUpdated {
		return nil, nil
	}

	newForkID, forkChanged, ok := mforks.ElectCanonical()
	if !ok {
		return nil, nil
	}

	newSeg, _ := mforks.Get(newForkID)
	newTip, _ := newSeg.Tip()
	if !forkChanged && hadPrevTip && newTip == prevTip {
		return nil, nil
	}

	var prevSegForEvent *segment.ChainSegment
	if hadPrev {
		prevSegForEvent = prevSeg
	}

	return p.builder.GenerateMicroblockChainEvent(anchor, newSeg, prevSegForEvent)
}

func (p *BlockPool) tryAppendBlock(id, parentID chain.BlockIdentifier) (int, bool) {
	if len(p.forks) == 0 {
		forkID := p.nextForkID
		p.nextForkID++
		seg := segment.New()
		_, _, _ = seg.Append(id, parentID)
		p.forks[forkID] = seg
		return forkID, true
	}

	for _, fid := range p.sortedForkIDs() {
		seg := p.forks[fid]
		outcome, forked, err := seg.Append(id, parentID)
		if err != nil {
			continue
		}
		if outcome == segment.Forked {
			newID := p.nextForkID
			p.nextForkID++
			p.forks[newID] = forked
			return newID, true
		}
		return fid, true
	}
	return 0, false
}

func (p *BlockPool) drainBlockOrphans(updatedForkID int) {
	target := updatedForkID
	for {
		progressed := false
		var remaining []chain.BlockIdentifier
		for _, oid := range p.orphanOrder {
			block, ok := p.blockStore[oid]
			if !ok {
				remaining = append(remaining, oid)
				continue
			}
			seg, ok := p.forks[target]
			if !ok {
				remaining = append(remaining, oid)
				continue
			}
			outcome, forked, err := seg.Append(block.ID, block.ParentID)
			if err != nil {
				remaining = append(remaining, oid)
				continue
			}
			if outcome == segment.Forked {
				newID := p.nextForkID
				p.nextForkID++
				p.forks[newID] = forked
				target = newID
			}
			delete(p.orphanSet, oid)
			progressed = true
		}
		p.orphanOrder = remaining
		if !progressed {
			break
		}
	}
}

func (p *BlockPool) drainMicroOrphans(anchor chain.BlockIdentifier, mforks *microfork.MicroForkSet, updatedForkID int) {
	target := updatedForkID
	for {
		progressed := false
		var remaining []chain.BlockIdentifier
		for _, oid := range p.microOrphans[anchor] {
			mb, ok := p.microblockStore[microKey{Anchor: anchor, ID: oid}]
			if !ok {
				remaining = append(remaining, oid)
				continue
			}
			newForkID, outcome, err := mforks.AppendTo(target, mb.ID, mb.ParentID)
			if err != nil {
				remaining = append(remaining, oid)
				continue
			}
			if outcome == segment.Forked {
				target = newForkID
			}
			progressed = true
		}
		p.microOrphans[anchor] = remaining
		if !progressed {
			break
		}
	}
}

func (p *BlockPool) enqueueOrphan(id chain.BlockIdentifier) {
	if _, ok := p.orphanSet[id]; ok {
		return
	}
	p.orphanSet[id] = struct{}{}
	p.orphanOrder = append(p.orphanOrder, id)
}

func (p *BlockPool) enqueueMicroOrphan(anchor, id chain.BlockIdentifier) {
	for _, existing := range p.microOrphans[anchor] {
		if existing.Equal(id) {
			return
		}
	}
	p.microOrphans[anchor] = append(p.microOrphans[anchor], id)
}

func (p *BlockPool) patchAnchor(anchor chain.BlockIdentifier) chain.BlockIdentifier {
	if _, ok := p.blockStore[anchor]; ok {
		return anchor
	}
	for id := range p.blockStore {
		if id.Hash == anchor.Hash {
			return id
		}
	}
	return anchor
}

func (p *BlockPool) microForksFor(anchor chain.BlockIdentifier) *microfork.MicroForkSet {
	mf, ok := p.microForks[anchor]
	if !ok {
		mf = microfork.New()
		p.microForks[anchor] = mf
	}
	return mf
}

// electCanonicalFork walks every fork in ascending fork-id order and
// tracks three independently-mutated running values: the highest
// base-anchor height seen, the highest tip height seen, and the
// canonical fork id, updating the latter only when a fork's own
// base-anchor height and tip height both meet-or-exceed the running
// highs as of that same iteration. Because the two highs are tracked
// independently of which fork produced them, a later fork can push a
// running high without itself becoming canonical, leaving a "stale-max"
// value on the books that belongs to a different fork than the one
// actually elected. That divergence is intentional: it mirrors the
// three-variable tracking this is ported from rather than collapsing
// the state into one coalesced best-candidate.
// It also recomputes highestCompetingForkHeightDelta.
func (p *BlockPool) electCanonicalFork() (forkID int, changed bool) {
	type candidate struct {
		forkID          int
		baseAnchorIndex uint64
		tipHeight       uint64
	}

	var all []candidate
	found := false

	var highestBitcoinHeight uint64
	var highestHeight uint64
	var canonicalForkID int

	for _, fid := range p.sortedForkIDs() {
		seg := p.forks[fid]
		tip, ok := seg.Tip()
		if !ok {
			continue
		}
		block, ok := p.blockStore[tip]
		if !ok {
			continue
		}
		c := candidate{forkID: fid, baseAnchorIndex: block.BaseAnchorID.Index, tipHeight: tip.Index}
		all = append(all, c)
		found = true

		if c.baseAnchorIndex > highestBitcoinHeight {
			highestBitcoinHeight = c.baseAnchorIndex
		}
		if c.tipHeight > highestHeight {
			highestHeight = c.tipHeight
		}
		if c.baseAnchorIndex >= highestBitcoinHeight && c.tipHeight >= highestHeight {
			canonicalForkID = fid
		}
	}

	if !found {
		return 0, false
	}

	changed = !p.hasCanonical || p.canonicalForkID != canonicalForkID
	p.canonicalForkID = canonicalForkID
	p.hasCanonical = true

	var bestTipHeight uint64
	for _, c := range all {
		if c.forkID == canonicalForkID {
			bestTipHeight = c.tipHeight
			break
		}
	}

	var secondHeight uint64
	secondFound := false
	for _, c := range all {
		if c.forkID == canonicalForkID {
			continue
		}
		if !secondFound || c.tipHeight > secondHeight {
			secondHeight = c.tipHeight
			secondFound = true
		}
	}

	if !secondFound {
		p.highestCompetingForkHeightDelta = nil
	} else {
		var delta uint16
		if bestTipHeight > secondHeight {
			delta = uint16(bestTipHeight - secondHeight)
		}
		p.highestCompetingForkHeightDelta = &delta
	}

	return canonicalForkID, changed
}

// collectAndPruneConfirmed moves ancestors older than the six-deep reorg
// window out of every fork, appending the canonical fork's pruned
// ancestors to event.ConfirmedBlocks in oldest-first order.
func (p *BlockPool) collectAndPruneConfirmed(event *chain.ChainEvent) error {
	canonicalSeg, ok := p.forks[p.canonicalForkID]
	if !ok {
		return nil
	}

	blocks := canonicalSeg.Blocks()
	if uint64(len(blocks)) < p.confirmedSegmentMinimumLength {
		return nil
	}
	cutOff := blocks[p.confirmedSegmentMinimumLength-2]

	var deadForks []int
	for fid, seg := range p.forks {
		pruned := seg.PruneConfirmed(cutOff)
		for _, pid := range pruned {
			if fid == p.canonicalForkID {
				if blk, ok := p.blockStore[pid]; ok {
					event.ConfirmedBlocks = append(event.ConfirmedBlocks, blk)
				}
			}
			delete(p.blockStore, pid)
			delete(p.microForks, pid)
			p.removeMicroblocksForAnchor(pid)
		}
		if seg.IsEmpty() && fid != p.canonicalForkID {
			deadForks = append(deadForks, fid)
		}
	}
	for _, fid := range deadForks {
		delete(p.forks, fid)
	}

	var keptOrphans []chain.BlockIdentifier
	for _, oid := range p.orphanOrder {
		if oid.Index < cutOff.Index {
			delete(p.orphanSet, oid)
			continue
		}
		keptOrphans = append(keptOrphans, oid)
	}
	p.orphanOrder = keptOrphans

	return nil
}

func (p *BlockPool) removeMicroblocksForAnchor(anchor chain.BlockIdentifier) {
	for k := range p.microblockStore {
		if k.Anchor == anchor {
			delete(p.microblockStore, k)
		}
	}
	delete(p.microOrphans, anchor)
}

func (p *BlockPool) sortedForkIDs() []int {
	ids := make([]int, 0, len(p.forks))
	for id := range p.forks {
		ids = append(ids, id)
	}
	// Ascending order: insertion-sort is fine, fork counts are small.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func isParentBlockUnknown(err error) bool {
	var incompat *segment.Incompatibility
	if errors.As(err, &incompat) {
		return incompat.Kind == segment.ParentBlockUnknown
	}
	return false
}

// Stats summarizes pool state for metrics and status endpoints.
type Stats struct {
	ForkCount       int
	OrphanCount     int
	MicroForkAnchors int
	CanonicalHeight uint64
	HasCanonical    bool
}

// Stats returns a snapshot for metrics/status reporting.
func (p *BlockPool) Stats() Stats {
	s := Stats{
		ForkCount:        len(p.forks),
		OrphanCount:      len(p.orphanOrder),
		MicroForkAnchors: len(p.microForks),
		HasCanonical:     p.hasCanonical,
	}
	if tip, ok := p.CanonicalTip(); ok {
		s.CanonicalHeight = tip.Index
	}
	return s
}
