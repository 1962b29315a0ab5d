// Package segment implements ChainSegment: an ordered, in-memory candidate
// branch of a fork-tracking pool. A segment holds only identifiers —
// payloads live in the pool's block store — so segments are cheap to
// fork and compare.
package segment

import (
	"fmt"

	"github.com/hirosystems/chainhook-indexer/pkg/chain"
)

// AppendOutcome tags the result of a successful Append.
type AppendOutcome int

const (
	Extended AppendOutcome = iota
	Forked
)

// IncompatibilityKind enumerates why Append refused a block.
type IncompatibilityKind int

const (
	AlreadyPresent IncompatibilityKind = iota
	BlockCollision
	OutdatedBlock
	OutdatedSegment
	ParentBlockUnknown
)

func (k IncompatibilityKind) String() string {
	switch k {
	case AlreadyPresent:
		return "already_present"
	case BlockCollision:
		return "block_collision"
	case OutdatedBlock:
		return "outdated_block"
	case OutdatedSegment:
		return "outdated_segment"
	case ParentBlockUnknown:
		return "parent_block_unknown"
	default:
		return "unknown"
	}
}

// Incompatibility is returned by Append when a block cannot attach to
// this segment. The pool uses Kind to decide between extending, forking,
// orphaning, or discarding.
type Incompatibility struct {
	Kind IncompatibilityKind
}

func (i *Incompatibility) Error() string {
	return fmt.Sprintf("segment append incompatibility: %s", i.Kind)
}

// ChainSegment is an ordered sequence of BlockIdentifiers, stored
// tip-first (index 0 is the most recent block). Length of a segment is
// the in-memory length plus MostRecentConfirmedHeight, the height of the
// last block pruned off the tail as confirmed.
type ChainSegment struct {
	blocks                   []chain.BlockIdentifier
	mostRecentConfirmedHeight uint64
}

// New creates an empty segment. Most callers immediately Append the
// block that seeds it.
func New() *ChainSegment {
	return &ChainSegment{}
}

// NewWithConfirmedHeight creates an empty segment whose pruning floor is
// pre-set, used when a fork is spun off a pruned ancestor.
func NewWithConfirmedHeight(height uint64) *ChainSegment {
	return &ChainSegment{mostRecentConfirmedHeight: height}
}

// Clone returns a deep copy so callers can fork without aliasing the
// original's backing array.
func (s *ChainSegment) Clone() *ChainSegment {
	blocks := make([]chain.BlockIdentifier, len(s.blocks))
	copy(blocks, s.blocks)
	return &ChainSegment{blocks: blocks, mostRecentConfirmedHeight: s.mostRecentConfirmedHeight}
}

// Tip returns the most recent block identifier, if any.
func (s *ChainSegment) Tip() (chain.BlockIdentifier, bool) {
	if len(s.blocks) == 0 {
		return chain.BlockIdentifier{}, false
	}
	return s.blocks[0], true
}

// IsEmpty reports whether the segment holds no in-memory blocks.
func (s *ChainSegment) IsEmpty() bool {
	return len(s.blocks) == 0
}

// Blocks returns the tip-first identifier slice. Callers must not mutate it.
func (s *ChainSegment) Blocks() []chain.BlockIdentifier {
	return s.blocks
}

// MostRecentConfirmedHeight returns the pruning floor.
func (s *ChainSegment) MostRecentConfirmedHeight() uint64 {
	return s.mostRecentConfirmedHeight
}

// Length is in_memory_len + most_recent_confirmed_height.
func (s *ChainSegment) Length() uint64 {
	return uint64(len(s.blocks)) + s.mostRecentConfirmedHeight
}

// positionOf returns the index of id within the segment, tip-first.
func (s *ChainSegment) positionOf(id chain.BlockIdentifier) (int, bool) {
	for i, b := range s.blocks {
		if b.Equal(id) {
			return i, true
		}
	}
	return 0, false
}

// collidesAt reports whether some other identifier already occupies id's
// height with a different hash.
func (s *ChainSegment) collidesAt(id chain.BlockIdentifier) bool {
	for _, b := range s.blocks {
		if b.Index == id.Index && b.Hash != id.Hash {
			return true
		}
	}
	return false
}

// Append tries to attach id (whose parent is parentID) to this segment.
// AppendOutcome is only meaningful when err is nil; on Forked, forked
// holds the new branch segment and the receiver is left unchanged.
func (s *ChainSegment) Append(id, parentID chain.BlockIdentifier) (outcome AppendOutcome, forked *ChainSegment, err error) {
	if _, present := s.positionOf(id); present {
		return 0, nil, &Incompatibility{Kind: AlreadyPresent}
	}

	if id.Index <= s.mostRecentConfirmedHeight && !s.IsEmpty() {
		return 0, nil, &Incompatibility{Kind: OutdatedBlock}
	}

	tip, hasTip := s.Tip()
	if !hasTip {
		s.blocks = append([]chain.BlockIdentifier{id}, s.blocks...)
		return Extended, nil, nil
	}

	if id.Index > tip.Index+1 {
		return 0, nil, &Incompatibility{Kind: OutdatedSegment}
	}

	if pos, present := s.positionOf(parentID); present {
		if pos == 0 {
			newBlocks := make([]chain.BlockIdentifier, 0, len(s.blocks)+1)
			newBlocks = append(newBlocks, id)
			newBlocks = append(newBlocks, s.blocks...)
			s.blocks = newBlocks
			return Extended, nil, nil
		}

		branch := &ChainSegment{mostRecentConfirmedHeight: s.mostRecentConfirmedHeight}
		branch.blocks = make([]chain.BlockIdentifier, 0, len(s.blocks)-pos+1)
		branch.blocks = append(branch.blocks, id)
		branch.blocks = append(branch.blocks, s.blocks[pos:]...)
		return Forked, branch, nil
	}

	if s.collidesAt(id) {
		return 0, nil, &Incompatibility{Kind: BlockCollision}
	}

	if id.Index == tip.Index+1 {
		return 0, nil, &Incompatibility{Kind: ParentBlockUnknown}
	}

	return 0, nil, &Incompatibility{Kind: ParentBlockUnknown}
}

// Divergence is the result of comparing two segments: applying
// Rollback (tip-first, i.e. most recent first) then Apply (root-first,
// oldest first) to `other` yields `self`.
type Divergence struct {
	Rollback []chain.BlockIdentifier
	Apply    []chain.BlockIdentifier
}

// TryIdentifyDivergence walks self and other from their tips toward
// their roots looking for a common ancestor. If none is found and
// symmetric is false, it returns ParentBlockUnknown — the caller should
// treat the transition as impossible to diff. If symmetric is true, the
// full contents of both segments are returned as a full replacement.
func (s *ChainSegment) TryIdentifyDivergence(other *ChainSegment, symmetric bool) (*Divergence, error) {
	otherSet := make(map[chain.BlockIdentifier]struct{}, len(other.blocks))
	for _, b := range other.blocks {
		otherSet[b] = struct{}{}
	}

	var applyRev []chain.BlockIdentifier
	commonIdx := -1
	for i, b := range s.blocks {
		if _, ok := otherSet[b]; ok {
			commonIdx = i
			break
		}
		applyRev = append(applyRev, b)
	}

	if commonIdx == -1 {
		if !symmetric {
			return nil, &Incompatibility{Kind: ParentBlockUnknown}
		}
		apply := make([]chain.BlockIdentifier, len(s.blocks))
		for i, b := range s.blocks {
			apply[len(apply)-1-i] = b
		}
		rollback := make([]chain.BlockIdentifier, len(other.blocks))
		copy(rollback, other.blocks)
		return &Divergence{Rollback: rollback, Apply: apply}, nil
	}

	common := s.blocks[commonIdx]
	var rollback []chain.BlockIdentifier
	for _, b := range other.blocks {
		if b.Equal(common) {
			break
		}
		rollback = append(rollback, b)
	}

	apply := make([]chain.BlockIdentifier, len(applyRev))
	for i, b := range applyRev {
		apply[len(apply)-1-i] = b
	}

	return &Divergence{Rollback: rollback, Apply: apply}, nil
}

// Contains reports whether id is present in the segment.
func (s *ChainSegment) Contains(id chain.BlockIdentifier) bool {
	_, ok := s.positionOf(id)
	return ok
}

// KeepBlocksFromOldestTo truncates the tip end of the segment down to
// id inclusive: everything more recent than id is discarded, id becomes
// the new tip. mutated reports whether anything was actually discarded.
func (s *ChainSegment) KeepBlocksFromOldestTo(id chain.BlockIdentifier) (found, mutated bool) {
	pos, present := s.positionOf(id)
	if !present {
		return false, false
	}
	mutated = pos > 0
	s.blocks = s.blocks[pos:]
	return true, mutated
}

// PruneConfirmed moves every identifier with Index < cutOff.Index out of
// the segment (they live at the tail, the oldest end) and returns them
// oldest-first. MostRecentConfirmedHeight is advanced to the height of
// the newest pruned block.
func (s *ChainSegment) PruneConfirmed(cutOff chain.BlockIdentifier) []chain.BlockIdentifier {
	n := len(s.blocks)
	keep := n
	for keep > 0 && s.blocks[keep-1].Index < cutOff.Index {
		keep--
	}
	if keep == n {
		return nil
	}

	tail := s.blocks[keep:]
	pruned := make([]chain.BlockIdentifier, len(tail))
	for i, b := range tail {
		pruned[len(pruned)-1-i] = b
	}
	s.blocks = s.blocks[:keep]

	newest := pruned[len(pruned)-1]
	if newest.Index > s.mostRecentConfirmedHeight {
		s.mostRecentConfirmedHeight = newest.Index
	}
	return pruned
}
