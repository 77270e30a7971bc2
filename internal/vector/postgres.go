package vector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq" // PostgreSQL driver
	"github.com/pgvector/pgvector-go"
)

// PostgresIndex stores embeddings in PostgreSQL with the pgvector extension,
// for archives too large for in-process scoring. Nearest-neighbour ranking
// is done by the database via the cosine distance operator.
type PostgresIndex struct {
	db  *sql.DB
	dim int

	mu     sync.RWMutex
	hashes map[string]string
}

var _ Index = (*PostgresIndex)(nil)

// NewPostgresIndex connects to PostgreSQL, ensures the extension and table
// exist with the given vector dimension, and loads the membership map.
func NewPostgresIndex(dsn string, dim int) (*PostgresIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector: embedding dimension must be positive, got %d", dim)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vector: failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector: failed to ping postgres: %w", err)
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			block_id      TEXT PRIMARY KEY,
			frame_id      TEXT NOT NULL,
			content_hash  TEXT NOT NULL,
			ts            BIGINT NOT NULL,
			app_bundle_id TEXT,
			app_name      TEXT,
			embedding     vector(%d) NOT NULL
		)`, dim),
		"CREATE INDEX IF NOT EXISTS idx_embeddings_frame ON embeddings(frame_id)",
		"CREATE INDEX IF NOT EXISTS idx_embeddings_ts ON embeddings(ts)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("vector: failed to initialise postgres schema: %w", err)
		}
	}

	idx := &PostgresIndex{db: db, dim: dim, hashes: make(map[string]string)}

	rows, err := db.Query("SELECT block_id, content_hash FROM embeddings")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vector: failed to load embedding hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			db.Close()
			return nil, fmt.Errorf("vector: failed to scan embedding hash: %w", err)
		}
		idx.hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector: error loading embedding hashes: %w", err)
	}

	return idx, nil
}

func (idx *PostgresIndex) Add(ctx context.Context, e Entry) error {
	if e.BlockID == "" || len(e.Vector) == 0 {
		return fmt.Errorf("vector: block ID and vector are required")
	}
	if len(e.Vector) != idx.dim {
		return fmt.Errorf("vector: dimension mismatch: got %d, index is %d", len(e.Vector), idx.dim)
	}

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO embeddings (block_id, frame_id, content_hash, ts, app_bundle_id, app_name, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (block_id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			embedding = EXCLUDED.embedding`,
		e.BlockID, e.FrameID, e.ContentHash, e.Timestamp.Unix(),
		e.AppBundleID, e.AppName, toPgvector(e.Vector))
	if err != nil {
		return fmt.Errorf("vector: failed to store embedding: %w", err)
	}

	idx.mu.Lock()
	idx.hashes[e.BlockID] = e.ContentHash
	idx.mu.Unlock()
	return nil
}

func (idx *PostgresIndex) Has(blockID, contentHash string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.hashes[blockID]
	return ok && h == contentHash
}

func (idx *PostgresIndex) Search(ctx context.Context, query []float64, k int, filter Filter) ([]Hit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("vector: query vector is empty")
	}
	if k <= 0 {
		k = 10
	}

	conditions := []string{}
	args := []interface{}{toPgvector(query)}
	n := 2
	if filter.AppBundleID != "" {
		conditions = append(conditions, fmt.Sprintf("app_bundle_id = $%d", n))
		args = append(args, filter.AppBundleID)
		n++
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", n))
		args = append(args, filter.Start.Unix())
		n++
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", n))
		args = append(args, filter.End.Unix())
		n++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	// <=> is cosine distance; similarity = 1 - distance.
	q := fmt.Sprintf(`
		SELECT block_id, frame_id, 1 - (embedding <=> $1) AS score
		FROM embeddings%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, where, n)
	args = append(args, k)

	rows, err := idx.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector: search query failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.BlockID, &h.FrameID, &h.Score); err != nil {
			return nil, fmt.Errorf("vector: failed to scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (idx *PostgresIndex) DeleteByFrames(ctx context.Context, frameIDs []string) error {
	if len(frameIDs) == 0 {
		return nil
	}

	rows, err := idx.db.QueryContext(ctx,
		"SELECT block_id FROM embeddings WHERE frame_id = ANY($1)", pq.Array(frameIDs))
	if err != nil {
		return fmt.Errorf("vector: failed to list embeddings: %w", err)
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
		"DELETE FROM embeddings WHERE frame_id = ANY($1)", pq.Array(frameIDs)); err != nil {
		return fmt.Errorf("vector: failed to delete embeddings: %w", err)
	}

	idx.mu.Lock()
	for _, id := range blockIDs {
		delete(idx.hashes, id)
	}
	idx.mu.Unlock()
	return nil
}

func (idx *PostgresIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("vector: failed to count embeddings: %w", err)
	}
	return n, nil
}

func (idx *PostgresIndex) Close() error {
	return idx.db.Close()
}

// toPgvector converts a float64 vector to the float32 representation
// pgvector uses on the wire.
func toPgvector(v []float64) pgvector.Vector {
	f32 := make([]float32, len(v))
	for i, f := range v {
		f32[i] = float32(f)
	}
	return pgvector.NewVector(f32)
}
