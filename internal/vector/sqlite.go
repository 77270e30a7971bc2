package vector

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
)

// candidateCap bounds how many stored vectors a single search will score.
// Candidates are taken newest-first, so on very large archives the oldest
// embeddings fall out of the scan window rather than blowing up latency.
const candidateCap = 20000

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	block_id      TEXT PRIMARY KEY,
	frame_id      TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	app_bundle_id TEXT,
	app_name      TEXT,
	vector        BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_embeddings_frame ON embeddings(frame_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_timestamp ON embeddings(timestamp);
`

// SQLiteIndex stores embeddings as float64 blobs in a SQLite table and
// scores candidates in process. It shares the database connection with the
// storage engine, so membership checks are answered from an in-memory map
// rather than the (single) connection.
type SQLiteIndex struct {
	db *sql.DB

	mu     sync.RWMutex
	hashes map[string]string // block ID -> content hash
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex creates the embeddings table if needed and loads the
// membership map.
func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("vector: failed to create embeddings table: %w", err)
	}

	idx := &SQLiteIndex{db: db, hashes: make(map[string]string)}

	rows, err := db.Query("SELECT block_id, content_hash FROM embeddings")
	if err != nil {
		return nil, fmt.Errorf("vector: failed to load embedding hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("vector: failed to scan embedding hash: %w", err)
		}
		idx.hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector: error loading embedding hashes: %w", err)
	}

	return idx, nil
}

func (idx *SQLiteIndex) Add(ctx context.Context, e Entry) error {
	if e.BlockID == "" || len(e.Vector) == 0 {
		return fmt.Errorf("vector: block ID and vector are required")
	}

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO embeddings (
			block_id, frame_id, content_hash, timestamp, app_bundle_id, app_name, vector
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			vector = excluded.vector`,
		e.BlockID, e.FrameID, e.ContentHash, e.Timestamp.Unix(),
		e.AppBundleID, e.AppName, encodeVector(e.Vector))
	if err != nil {
		return fmt.Errorf("vector: failed to store embedding: %w", err)
	}

	idx.mu.Lock()
	idx.hashes[e.BlockID] = e.ContentHash
	idx.mu.Unlock()
	return nil
}

func (idx *SQLiteIndex) Has(blockID, contentHash string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.hashes[blockID]
	return ok && h == contentHash
}

func (idx *SQLiteIndex) Search(ctx context.Context, query []float64, k int, filter Filter) ([]Hit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("vector: query vector is empty")
	}
	if k <= 0 {
		k = 10
	}

	where := " WHERE 1=1"
	var args []interface{}
	if filter.AppBundleID != "" {
		where += " AND app_bundle_id = ?"
		args = append(args, filter.AppBundleID)
	}
	if !filter.Start.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, filter.Start.Unix())
	}
	if !filter.End.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, filter.End.Unix())
	}

	rows, err := idx.db.QueryContext(ctx,
		"SELECT block_id, frame_id, vector FROM embeddings"+where+
			" ORDER BY timestamp DESC LIMIT ?",
		append(args, candidateCap)...)
	if err != nil {
		return nil, fmt.Errorf("vector: search query failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var blob []byte
		if err := rows.Scan(&h.BlockID, &h.FrameID, &blob); err != nil {
			return nil, fmt.Errorf("vector: failed to scan embedding: %w", err)
		}
		v, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		h.Score = cosineSimilarity(query, v)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector: error iterating embeddings: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (idx *SQLiteIndex) DeleteByFrames(ctx context.Context, frameIDs []string) error {
	if len(frameIDs) == 0 {
		return nil
	}

	for _, frameID := range frameIDs {
		rows, err := idx.db.QueryContext(ctx,
			"SELECT block_id FROM embeddings WHERE frame_id = ?", frameID)
		if err != nil {
			return fmt.Errorf("vector: failed to list embeddings for frame: %w", err)
		}
		var blockIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("vector: failed to scan block ID: %w", err)
			}
			blockIDs = append(blockIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("vector: error listing embeddings: %w", err)
		}
		rows.Close()

		if _, err := idx.db.ExecContext(ctx,
			"DELETE FROM embeddings WHERE frame_id = ?", frameID); err != nil {
			return fmt.Errorf("vector: failed to delete embeddings: %w", err)
		}

		idx.mu.Lock()
		for _, id := range blockIDs {
			delete(idx.hashes, id)
		}
		idx.mu.Unlock()
	}
	return nil
}

func (idx *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("vector: failed to count embeddings: %w", err)
	}
	return n, nil
}

// Close is a no-op for the embedded backend; the shared database connection
// is owned by the storage engine.
func (idx *SQLiteIndex) Close() error {
	return nil
}
