// Package ingest standardizes the JSON payloads a Stacks node posts to
// its configured event observers into the pool's chain types. It never
// reaches into the wire-format transaction or Clarity event codecs —
// those stay opaque (chain.RawTransaction/chain.RawEvent) and are
// decoded further upstream if a consumer needs them.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/hirosystems/chainhook-indexer/pkg/chain"
)

// RecordKind tags which node payload a Record was standardized from.
type RecordKind int

const (
	BlockRecord RecordKind = iota
	MicroblockTrailRecord
	BurnBlockRecord
)

// Record is the standardized result of parsing one node payload. Only
// the field matching Kind is populated.
type Record struct {
	Kind        RecordKind
	Block       chain.StacksBlock
	Microblocks []chain.StacksMicroblock
	BurnBlock   BurnBlockUpdate
}

// BurnBlockUpdate carries the base-layer height/hash a /new_burn_block
// notification reports. The pool does not track base-layer forks
// itself; this is surfaced so a caller can checkpoint ingestion
// progress against the base layer.
type BurnBlockUpdate struct {
	BurnBlockHeight uint64
	BurnBlockHash   string
}

type rawTransaction struct {
	TxID   string `json:"txid"`
	RawTx  string `json:"raw_tx"`
	Status string `json:"status"`
}

type rawMicroblockTransaction struct {
	TxID                 string `json:"txid"`
	RawTx                string `json:"raw_tx"`
	Status               string `json:"status"`
	MicroblockSequence   uint64 `json:"microblock_sequence"`
	MicroblockHash       string `json:"microblock_hash"`
	MicroblockParentHash string `json:"microblock_parent_hash"`
}

type rawEvent struct {
	TxID      string `json:"txid"`
	EventType string `json:"type"`
	EventIdx  uint32 `json:"event_index"`
}

type newBlockPayload struct {
	BlockHeight             uint64          `json:"block_height"`
	IndexBlockHash          string          `json:"index_block_hash"`
	BurnBlockHeight         uint64          `json:"burn_block_height"`
	BurnBlockHash           string          `json:"burn_block_hash"`
	ParentIndexBlockHash    string          `json:"parent_index_block_hash"`
	ParentMicroblock        string          `json:"parent_microblock"`
	ParentMicroblockSequence uint64         `json:"parent_microblock_sequence"`
	Transactions            []rawTransaction  `json:"transactions"`
	Events                  []json.RawMessage `json:"events"`
}

type newMicroblockTrailPayload struct {
	ParentIndexBlockHash string                     `json:"parent_index_block_hash"`
	Transactions         []rawMicroblockTransaction `json:"transactions"`
}

type newBurnBlockPayload struct {
	BurnBlockHeight uint64 `json:"burn_block_height"`
	BurnBlockHash   string `json:"burn_block_hash"`
}

// ParseNewBlock standardizes a /new_block payload into a StacksBlock.
func ParseNewBlock(body []byte) (Record, error) {
	var payload newBlockPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Record{}, fmt.Errorf("decoding new_block payload: %w", err)
	}

	block := chain.StacksBlock{
		ID:           chain.BlockIdentifier{Index: payload.BlockHeight, Hash: payload.IndexBlockHash},
		ParentID:     chain.BlockIdentifier{Index: payload.BlockHeight - 1, Hash: payload.ParentIndexBlockHash},
		BaseAnchorID: chain.BaseBlockIdentifier{Index: payload.BurnBlockHeight, Hash: payload.BurnBlockHash},
	}

	if payload.ParentMicroblock != chain.ZeroMicroblockHash && payload.ParentMicroblock != "" {
		tip := chain.BlockIdentifier{Index: payload.ParentMicroblockSequence, Hash: payload.ParentMicroblock}
		block.ConfirmMicroblockTip = &tip
	}

	for _, tx := range payload.Transactions {
		block.Transactions = append(block.Transactions, chain.RawTransaction{TxID: tx.TxID, Raw: []byte(tx.RawTx)})
	}
	for _, raw := range payload.Events {
		var tagged rawEvent
		if err := json.Unmarshal(raw, &tagged); err != nil {
			return Record{}, fmt.Errorf("decoding block event: %w", err)
		}
		block.Events = append(block.Events, chain.RawEvent{Kind: tagged.EventType, Raw: []byte(raw)})
	}

	return Record{Kind: BlockRecord, Block: block}, nil
}

// ParseNewMicroblocks standardizes a /new_microblocks payload into the
// batch of StacksMicroblocks it carries, grouped by
// (microblock_hash, microblock_sequence) as the upstream indexer does,
// since a single trail payload can interleave transactions from more
// than one microblock.
func ParseNewMicroblocks(body []byte) (Record, error) {
	var payload newMicroblockTrailPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Record{}, fmt.Errorf("decoding new_microblocks payload: %w", err)
	}

	anchor := chain.BlockIdentifier{Hash: payload.ParentIndexBlockHash}

	type key struct {
		hash string
		seq  uint64
	}
	grouped := make(map[key]*chain.StacksMicroblock)
	var order []key

	for _, tx := range payload.Transactions {
		k := key{hash: tx.MicroblockHash, seq: tx.MicroblockSequence}
		mb, ok := grouped[k]
		if !ok {
			id := chain.BlockIdentifier{Index: tx.MicroblockSequence, Hash: tx.MicroblockHash}
			parentID := id
			if tx.MicroblockSequence > 0 {
				parentID = chain.BlockIdentifier{Index: tx.MicroblockSequence - 1, Hash: tx.MicroblockParentHash}
			}
			mb = &chain.StacksMicroblock{
				ID:            id,
				ParentID:      parentID,
				AnchorBlockID: anchor,
			}
			grouped[k] = mb
			order = append(order, k)
		}
		mb.Transactions = append(mb.Transactions, chain.RawTransaction{TxID: tx.TxID, Raw: []byte(tx.RawTx)})
	}

	out := make([]chain.StacksMicroblock, 0, len(order))
	for _, k := range order {
		out = append(out, *grouped[k])
	}

	return Record{Kind: MicroblockTrailRecord, Microblocks: out}, nil
}

// ParseNewBurnBlock standardizes a /new_burn_block payload.
func ParseNewBurnBlock(body []byte) (Record, error) {
	var payload newBurnBlockPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Record{}, fmt.Errorf("decoding new_burn_block payload: %w", err)
	}
	return Record{
		Kind: BurnBlockRecord,
		BurnBlock: BurnBlockUpdate{
			BurnBlockHeight: payload.BurnBlockHeight,
			BurnBlockHash:   payload.BurnBlockHash,
		},
	}, nil
}
