package ingest

import "testing"

func TestParseNewBlockStandardizesFields(t *testing.T) {
	body := []byte(`{
		"block_height": 42,
		"index_block_hash": "0xabc",
		"burn_block_height": 100,
		"burn_block_hash": "0xbase100",
		"parent_index_block_hash": "0xabb",
		"parent_microblock": "0x0000000000000000000000000000000000000000000000000000000000000000",
		"parent_microblock_sequence": 0,
		"transactions": [{"txid": "0xt1", "raw_tx": "0x00", "status": "success"}],
		"events": [{"txid": "0xt1", "type": "stx_transfer_event", "event_index": 0}]
	}`)

	rec, err := ParseNewBlock(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Kind != BlockRecord {
		t.Fatalf("expected BlockRecord, got %v", rec.Kind)
	}
	if rec.Block.ID.Index != 42 || rec.Block.ID.Hash != "0xabc" {
		t.Fatalf("unexpected block id: %v", rec.Block.ID)
	}
	if rec.Block.ParentID.Index != 41 || rec.Block.ParentID.Hash != "0xabb" {
		t.Fatalf("unexpected parent id: %v", rec.Block.ParentID)
	}
	if rec.Block.ConfirmMicroblockTip != nil {
		t.Fatalf("expected nil confirm tip for the all-zero sentinel, got %v", rec.Block.ConfirmMicroblockTip)
	}
	if len(rec.Block.Transactions) != 1 || len(rec.Block.Events) != 1 {
		t.Fatalf("expected 1 transaction and 1 event, got tx=%d ev=%d", len(rec.Block.Transactions), len(rec.Block.Events))
	}
}

func TestParseNewBlockWithMicroblockTip(t *testing.T) {
	body := []byte(`{
		"block_height": 43,
		"index_block_hash": "0xabd",
		"burn_block_height": 101,
		"burn_block_hash": "0xbase101",
		"parent_index_block_hash": "0xabc",
		"parent_microblock": "0xmicro5",
		"parent_microblock_sequence": 5,
		"transactions": [],
		"events": []
	}`)

	rec, err := ParseNewBlock(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Block.ConfirmMicroblockTip == nil {
		t.Fatalf("expected a confirm tip to be set")
	}
	if rec.Block.ConfirmMicroblockTip.Hash != "0xmicro5" || rec.Block.ConfirmMicroblockTip.Index != 5 {
		t.Fatalf("unexpected confirm tip: %v", rec.Block.ConfirmMicroblockTip)
	}
}

func TestParseNewMicroblocksGroupsByHashAndSequence(t *testing.T) {
	body := []byte(`{
		"parent_index_block_hash": "0xabc",
		"transactions": [
			{"txid": "0xt1", "raw_tx": "0x00", "status": "success", "microblock_sequence": 0, "microblock_hash": "0xm0", "microblock_parent_hash": "0xm0"},
			{"txid": "0xt2", "raw_tx": "0x00", "status": "success", "microblock_sequence": 0, "microblock_hash": "0xm0", "microblock_parent_hash": "0xm0"},
			{"txid": "0xt3", "raw_tx": "0x00", "status": "success", "microblock_sequence": 1, "microblock_hash": "0xm1", "microblock_parent_hash": "0xm0"}
		]
	}`)

	rec, err := ParseNewMicroblocks(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Kind != MicroblockTrailRecord {
		t.Fatalf("expected MicroblockTrailRecord, got %v", rec.Kind)
	}
	if len(rec.Microblocks) != 2 {
		t.Fatalf("expected 2 distinct microblocks, got %d", len(rec.Microblocks))
	}
	if len(rec.Microblocks[0].Transactions) != 2 {
		t.Fatalf("expected the first microblock to carry both sequence-0 transactions, got %d", len(rec.Microblocks[0].Transactions))
	}
}

func TestParseNewBurnBlock(t *testing.T) {
	body := []byte(`{"burn_block_height": 200, "burn_block_hash": "0xbase200"}`)
	rec, err := ParseNewBurnBlock(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Kind != BurnBlockRecord {
		t.Fatalf("expected BurnBlockRecord, got %v", rec.Kind)
	}
	if rec.BurnBlock.BurnBlockHeight != 200 || rec.BurnBlock.BurnBlockHash != "0xbase200" {
		t.Fatalf("unexpected burn block: %v", rec.BurnBlock)
	}
}
