// Package checkpoint persists the indexer's ingestion progress (the
// last reported base-layer height/hash, and a ledger of confirmed Stacks
// blocks keyed by height, which is not pruned) to SQLite, so a restart
// can resume without replaying the whole chain.
package checkpoint

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/chain"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	base_anchor_height INTEGER NOT NULL,
	base_anchor_hash TEXT NOT NULL,
	stacks_height INTEGER NOT NULL,
	stacks_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS confirmed_blocks (
	stacks_height INTEGER PRIMARY KEY,
	stacks_hash TEXT NOT NULL,
	parent_hash TEXT NOT NULL,
	base_anchor_height INTEGER NOT NULL,
	base_anchor_hash TEXT NOT NULL,
	confirmed_at INTEGER NOT NULL
);
`

// Cursor is the last ingestion position the indexer has confirmed.
type Cursor struct {
	BaseAnchor chain.BaseBlockIdentifier
	StacksTip  chain.BlockIdentifier
}

// Store is a SQLite-backed resume cursor and confirmed-block ledger.
type Store struct {
	db                *sql.DB
	log               *logger.Logger
	mu                sync.Mutex
	retainCheckpoints int
}

// Open opens (creating if necessary) the checkpoint database at dsn.
func Open(dsn string, retainCheckpoints int, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.WithError(err).Warn("failed to enable WAL mode, continuing with default journaling")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying checkpoint schema: %w", err)
	}

	return &Store{db: db, log: log, retainCheckpoints: retainCheckpoints}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCheckpoint persists a new resume cursor and prunes checkpoints
// older than retainCheckpoints.
func (s *Store) RecordCheckpoint(c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO checkpoints (base_anchor_height, base_anchor_hash, stacks_height, stacks_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.BaseAnchor.Index, c.BaseAnchor.Hash, c.StacksTip.Index, c.StacksTip.Hash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording checkpoint: %w", err)
	}

	if s.retainCheckpoints > 0 {
		_, err = s.db.Exec(`
			DELETE FROM checkpoints
			WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?)
		`, s.retainCheckpoints)
		if err != nil {
			s.log.WithError(err).Warn("failed to prune old checkpoints")
		}
	}

	return nil
}

// LatestCheckpoint returns the most recently recorded cursor, if any.
func (s *Store) LatestCheckpoint() (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Cursor
	err := s.db.QueryRow(`
		SELECT base_anchor_height, base_anchor_hash, stacks_height, stacks_hash
		FROM checkpoints ORDER BY id DESC LIMIT 1
	`).Scan(&c.BaseAnchor.Index, &c.BaseAnchor.Hash, &c.StacksTip.Index, &c.StacksTip.Hash)

	if err == sql.ErrNoRows {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("querying latest checkpoint: %w", err)
	}
	return c, true, nil
}

// RecordConfirmedBlocks upserts the set of Stacks blocks that have just
// been confirmed, for replay-on-restart.
func (s *Store) RecordConfirmedBlocks(blocks []chain.StacksBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning confirmed-block transaction: %w", err)
	}
	defer tx.Rollback()

	for _, b := range blocks {
		_, err := tx.Exec(`
			INSERT INTO confirmed_blocks (stacks_height, stacks_hash, parent_hash, base_anchor_height, base_anchor_hash, confirmed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(stacks_height) DO UPDATE SET
				stacks_hash = excluded.stacks_hash,
				parent_hash = excluded.parent_hash,
				base_anchor_height = excluded.base_anchor_height,
				base_anchor_hash = excluded.base_anchor_hash,
				confirmed_at = excluded.confirmed_at
		`, b.ID.Index, b.ID.Hash, b.ParentID.Hash, b.BaseAnchorID.Index, b.BaseAnchorID.Hash, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("recording confirmed block %s: %w", b.ID, err)
		}
	}

	return tx.Commit()
}

// ConfirmedBlocksSince returns every confirmed block at or above height,
// ordered ascending, for replaying a restart into the pool.
func (s *Store) ConfirmedBlocksSince(height uint64) ([]chain.StacksBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT stacks_height, stacks_hash, parent_hash, base_anchor_height, base_anchor_hash
		FROM confirmed_blocks
		WHERE stacks_height >= ?
		ORDER BY stacks_height ASC
	`, height)
	if err != nil {
		return nil, fmt.Errorf("querying confirmed blocks: %w", err)
	}
	defer rows.Close()

	var out []chain.StacksBlock
	for rows.Next() {
		var b chain.StacksBlock
		var parentHash string
		if err := rows.Scan(&b.ID.Index, &b.ID.Hash, &parentHash, &b.BaseAnchorID.Index, &b.BaseAnchorID.Hash); err != nil {
			return nil, fmt.Errorf("scanning confirmed block: %w", err)
		}
		if b.ID.Index > 0 {
			b.ParentID = chain.BlockIdentifier{Index: b.ID.Index - 1, Hash: parentHash}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
