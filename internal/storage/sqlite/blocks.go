package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// InsertTextBlocks writes a frame's extracted text blocks, their full-text
// index rows, and the frame's completed status in one transaction. Either
// all three land or none do, so the lexical index can never drift from the
// block table and a crash mid-extraction leaves the frame pending for retry.
//
// An empty blocks slice is valid: frames with no recognisable text still
// transition to completed.
func (s *Store) InsertTextBlocks(ctx context.Context, frameID string, blocks []types.TextBlock) error {
	if frameID == "" {
		return fmt.Errorf("%w: frame ID is required", storage.ErrInvalidInput)
	}
	for i := range blocks {
		if blocks[i].ID == "" {
			return fmt.Errorf("%w: block %d has no ID", storage.ErrInvalidInput, i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin block insert: %w", err)
	}
	defer tx.Rollback()

	blockStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO text_blocks (
			block_id, frame_id, text, normalized_text, text_compressed,
			confidence, bbox_x, bbox_y, bbox_width, bbox_height,
			block_type, content_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare block insert: %w", err)
	}
	defer blockStmt.Close()

	ftsStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO text_blocks_fts (rowid, text, normalized_text) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare fts insert: %w", err)
	}
	defer ftsStmt.Close()

	for i := range blocks {
		b := &blocks[i]
		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Now()
		}

		storedText := b.Text
		var compressed []byte
		if len(b.Text) > compressThreshold {
			compressed, err = compressText(b.Text)
			if err != nil {
				return err
			}
			storedText = ""
		}

		res, err := blockStmt.ExecContext(ctx,
			b.ID, frameID, storedText, b.NormalizedText, compressed,
			b.Confidence, b.BBox.X, b.BBox.Y, b.BBox.Width, b.BBox.Height,
			string(b.Type), contentHash(b.Text), b.CreatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: failed to insert text block %s: %w", b.ID, err)
		}

		rowid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: failed to get block rowid: %w", err)
		}

		// The index always carries the full text, compressed or not.
		if _, err := ftsStmt.ExecContext(ctx, rowid, b.Text, b.NormalizedText); err != nil {
			return fmt.Errorf("sqlite: failed to index text block %s: %w", b.ID, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE frames SET extraction_status = ? WHERE frame_id = ?",
		string(types.ExtractionCompleted), frameID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark frame completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit block insert: %w", err)
	}
	return nil
}

const blockColumns = `block_id, frame_id, text, normalized_text, text_compressed,
	confidence, bbox_x, bbox_y, bbox_width, bbox_height, block_type, created_at`

// TextBlocksByFrame returns all text blocks for a frame in insertion order.
func (s *Store) TextBlocksByFrame(ctx context.Context, frameID string) ([]types.TextBlock, error) {
	if frameID == "" {
		return nil, fmt.Errorf("%w: frame ID is required", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+blockColumns+" FROM text_blocks WHERE frame_id = ? ORDER BY rowid ASC", frameID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query text blocks: %w", err)
	}
	defer rows.Close()

	var blocks []types.TextBlock
	for rows.Next() {
		b, err := scanTextBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *b)
	}
	return blocks, rows.Err()
}

// GetTextBlock retrieves a single block by ID.
func (s *Store) GetTextBlock(ctx context.Context, blockID string) (*types.TextBlock, error) {
	if blockID == "" {
		return nil, fmt.Errorf("%w: block ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM text_blocks WHERE block_id = ?", blockID)
	b, err := scanTextBlock(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// BlocksNeedingEmbedding returns up to limit unstamped blocks newest-first,
// joined with the frame metadata the vector index stores alongside each
// embedding. Blocks stamped via MarkBlocksEmbedded are filtered out in SQL,
// so a drained backlog costs an index probe per poll rather than a table
// walk.
func (s *Store) BlocksNeedingEmbedding(ctx context.Context, limit int) ([]storage.PendingBlock, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.block_id, b.frame_id, b.text, b.text_compressed, b.content_hash,
		       f.timestamp, f.app_bundle_id, f.app_name
		FROM text_blocks b
		JOIN frames f ON b.frame_id = f.frame_id
		WHERE b.embedded_at IS NULL
		ORDER BY f.timestamp DESC, b.rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query blocks for embedding: %w", err)
	}
	defer rows.Close()

	var pending []storage.PendingBlock
	for rows.Next() {
		var p storage.PendingBlock
		var text string
		var compressed []byte
		var ts int64
		var bundle, app sql.NullString
		if err := rows.Scan(&p.BlockID, &p.FrameID, &text, &compressed, &p.ContentHash, &ts, &bundle, &app); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan pending block: %w", err)
		}
		if len(compressed) > 0 {
			text, err = decompressText(compressed)
			if err != nil {
				return nil, err
			}
		}
		p.Text = text
		p.Timestamp = time.Unix(ts, 0)
		p.AppBundleID = bundle.String
		p.AppName = app.String
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkBlocksEmbedded stamps blocks whose vectors are stored, taking them
// out of the BlocksNeedingEmbedding scan.
func (s *Store) MarkBlocksEmbedded(ctx context.Context, blockIDs []string) error {
	if len(blockIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin embed stamp: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE text_blocks SET embedded_at = ? WHERE block_id = ?")
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare embed stamp: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, id := range blockIDs {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("sqlite: failed to stamp block %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit embed stamp: %w", err)
	}
	return nil
}

// CheckIndexConsistency compares the block table against the full-text index
// and rebuilds the index when the row counts diverge. Returns the number of
// rows re-indexed (zero when consistent).
func (s *Store) CheckIndexConsistency(ctx context.Context) (int, error) {
	var blockCount, ftsCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM text_blocks").Scan(&blockCount); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count blocks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM text_blocks_fts").Scan(&ftsCount); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count index rows: %w", err)
	}
	if blockCount == ftsCount {
		return 0, nil
	}

	log.Printf("sqlite: lexical index drift detected (%d blocks, %d index rows), rebuilding", blockCount, ftsCount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin index rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM text_blocks_fts"); err != nil {
		return 0, fmt.Errorf("sqlite: failed to clear index: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT rowid, text, text_compressed, normalized_text FROM text_blocks")
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read blocks for rebuild: %w", err)
	}

	type ftsRow struct {
		rowid      int64
		text       string
		normalized string
	}
	var toIndex []ftsRow
	for rows.Next() {
		var r ftsRow
		var compressed []byte
		if err := rows.Scan(&r.rowid, &r.text, &compressed, &r.normalized); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: failed to scan block for rebuild: %w", err)
		}
		if len(compressed) > 0 {
			r.text, err = decompressText(compressed)
			if err != nil {
				rows.Close()
				return 0, err
			}
		}
		toIndex = append(toIndex, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sqlite: error iterating blocks for rebuild: %w", err)
	}
	rows.Close()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO text_blocks_fts (rowid, text, normalized_text) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to prepare rebuild insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range toIndex {
		if _, err := stmt.ExecContext(ctx, r.rowid, r.text, r.normalized); err != nil {
			return 0, fmt.Errorf("sqlite: failed to re-index block: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit index rebuild: %w", err)
	}
	return len(toIndex), nil
}

func scanTextBlock(row rowScanner) (*types.TextBlock, error) {
	var b types.TextBlock
	var compressed []byte
	var confidence, x, y, w, h sql.NullFloat64
	var typ sql.NullString

	err := row.Scan(&b.ID, &b.FrameID, &b.Text, &b.NormalizedText, &compressed,
		&confidence, &x, &y, &w, &h, &typ, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan text block: %w", err)
	}

	if len(compressed) > 0 {
		b.Text, err = decompressText(compressed)
		if err != nil {
			return nil, err
		}
	}
	b.Confidence = confidence.Float64
	b.BBox = types.BBox{X: x.Float64, Y: y.Float64, Width: w.Float64, Height: h.Float64}
	b.Type = types.BlockType(typ.String)
	return &b, nil
}

// contentHash is the stable identity of a block's text, used to decide
// whether an embedding already exists for this content.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
