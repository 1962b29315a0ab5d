// Package chain holds the data types shared by every layer of the indexer:
// block/microblock identifiers, the standardized Stacks block and
// microblock records, and the chain events emitted when the canonical
// fork advances.
package chain

import "fmt"

// BlockIdentifier uniquely names a block or microblock within its own
// sequence space. For a StacksBlock, Index is the Stacks chain height.
// For a StacksMicroblock, Index is the sequence number within its trail,
// not a global height.
type BlockIdentifier struct {
	Index uint64
	Hash  string
}

// Equal compares both fields.
func (b BlockIdentifier) Equal(other BlockIdentifier) bool {
	return b.Index == other.Index && b.Hash == other.Hash
}

// Less orders by Index first, then by Hash, giving BlockIdentifier a
// total order usable for sorting fork tips and segment walks.
func (b BlockIdentifier) Less(other BlockIdentifier) bool {
	if b.Index != other.Index {
		return b.Index < other.Index
	}
	return b.Hash < other.Hash
}

func (b BlockIdentifier) String() string {
	return fmt.Sprintf("%d:%s", b.Index, b.Hash)
}

// ZeroMicroblockHash is the sentinel used by upstream nodes to mean
// "this block confirms no microblock trail".
const ZeroMicroblockHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// BaseBlockIdentifier names a block on the underlying proof-of-transfer
// base layer that a StacksBlock anchors to.
type BaseBlockIdentifier = BlockIdentifier

// StacksBlock is a standardized anchor block on the smart-contract layer.
type StacksBlock struct {
	ID                   BlockIdentifier
	ParentID             BlockIdentifier
	BaseAnchorID         BaseBlockIdentifier
	ConfirmMicroblockTip *BlockIdentifier // nil means the all-zero sentinel was present
	Transactions         []RawTransaction
	Events               []RawEvent
}

// StacksMicroblock is one link in a microblock trail anchored to a
// StacksBlock. ID.Index is the sequence number, not a height.
type StacksMicroblock struct {
	ID           BlockIdentifier
	ParentID     BlockIdentifier
	AnchorBlockID BlockIdentifier
	Transactions []RawTransaction
	Events       []RawEvent
}

// RawTransaction and RawEvent are passed through opaquely: decoding the
// base-layer wire format or the contract-language transaction codec is
// handled upstream of the indexer.
type RawTransaction struct {
	TxID string
	Raw  []byte
}

type RawEvent struct {
	Kind string
	Raw  []byte
}

// BlockUpdate pairs a StacksBlock being applied or rolled back with the
// parent-microblock deltas that go with it.
type BlockUpdate struct {
	Block                       StacksBlock
	ParentMicroblocksToApply    []StacksMicroblock
	ParentMicroblocksToRollback []StacksMicroblock
}

// ChainEventKind tags which variant of ChainEvent is populated.
type ChainEventKind int

const (
	ChainUpdatedWithBlocks ChainEventKind = iota
	ChainUpdatedWithReorg
	ChainUpdatedWithMicroblocks
	ChainUpdatedWithMicroblocksReorg
)

func (k ChainEventKind) String() string {
	switch k {
	case ChainUpdatedWithBlocks:
		return "ChainUpdatedWithBlocks"
	case ChainUpdatedWithReorg:
		return "ChainUpdatedWithReorg"
	case ChainUpdatedWithMicroblocks:
		return "ChainUpdatedWithMicroblocks"
	case ChainUpdatedWithMicroblocksReorg:
		return "ChainUpdatedWithMicroblocksReorg"
	default:
		return "unknown"
	}
}

// ChainEvent is the diff-style event emitted whenever the canonical
// fork (or canonical microblock trail) advances. Only the fields
// relevant to Kind are populated.
type ChainEvent struct {
	Kind ChainEventKind

	// ChainUpdatedWithBlocks / ChainUpdatedWithReorg
	BlocksToApply    []BlockUpdate
	BlocksToRollback []BlockUpdate
	ConfirmedBlocks  []StacksBlock

	// ChainUpdatedWithMicroblocks / ChainUpdatedWithMicroblocksReorg
	MicroblocksToApply    []StacksMicroblock
	MicroblocksToRollback []StacksMicroblock
}
