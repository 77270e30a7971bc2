package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// SearchText runs a full-text query over extracted blocks, ranked by BM25
// relevance (lower scores rank first). Results are joined with their frames
// so callers can render timestamp and application context without a second
// lookup; ties break on frame timestamp, newest first.
//
// The trigram tokenizer needs at least three characters; shorter queries
// fall back to a LIKE scan so single-character lookups still return results.
func (s *Store) SearchText(ctx context.Context, query string, filter storage.FrameFilter, limit int) ([]storage.LexicalHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is empty", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	if len(query) < 3 {
		return s.searchLike(ctx, query, filter, limit)
	}
	return s.searchMatch(ctx, query, filter, limit)
}

func (s *Store) searchMatch(ctx context.Context, query string, filter storage.FrameFilter, limit int) ([]storage.LexicalHit, error) {
	where, args := frameFilterClause("f.", filter)
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	where += "text_blocks_fts MATCH ?"
	args = append(args, ftsQuote(query))

	sqlQuery := `
		SELECT ` + prefixColumns("b.", blockColumns) + `,
		       ` + prefixColumns("f.", frameColumns) + `,
		       bm25(text_blocks_fts) AS score
		FROM text_blocks_fts
		JOIN text_blocks b ON b.rowid = text_blocks_fts.rowid
		JOIN frames f ON f.frame_id = b.frame_id` +
		where + `
		ORDER BY score ASC, f.timestamp DESC
		LIMIT ?`

	return s.runSearch(ctx, sqlQuery, append(args, limit))
}

func (s *Store) searchLike(ctx context.Context, query string, filter storage.FrameFilter, limit int) ([]storage.LexicalHit, error) {
	where, args := frameFilterClause("f.", filter)
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	where += "(b.text LIKE ? ESCAPE '\\' OR b.normalized_text LIKE ? ESCAPE '\\')"
	pattern := "%" + escapeLike(query) + "%"
	args = append(args, pattern, pattern)

	// LIKE has no relevance signal; rank by recency with a neutral score.
	sqlQuery := `
		SELECT ` + prefixColumns("b.", blockColumns) + `,
		       ` + prefixColumns("f.", frameColumns) + `,
		       0.0 AS score
		FROM text_blocks b
		JOIN frames f ON f.frame_id = b.frame_id` +
		where + `
		ORDER BY f.timestamp DESC
		LIMIT ?`

	return s.runSearch(ctx, sqlQuery, append(args, limit))
}

func (s *Store) runSearch(ctx context.Context, query string, args []interface{}) ([]storage.LexicalHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search failed: %w", err)
	}
	defer rows.Close()

	var hits []storage.LexicalHit
	for rows.Next() {
		hit, err := scanLexicalHit(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, *hit)
	}
	return hits, rows.Err()
}

func scanLexicalHit(rows rowScanner) (*storage.LexicalHit, error) {
	// Block and frame columns are scanned inline rather than through
	// scanTextBlock/scanFrame because the row interleaves both sets plus the
	// score in one result.
	var hit storage.LexicalHit
	b := &hit.Block
	f := &hit.Frame

	var compressed []byte
	var confidence, x, y, w, h sql.NullFloat64
	var blockType sql.NullString
	var ts int64
	var title, bundle, app, res sql.NullString
	var size sql.NullInt64
	var status string

	err := rows.Scan(
		&b.ID, &b.FrameID, &b.Text, &b.NormalizedText, &compressed,
		&confidence, &x, &y, &w, &h, &blockType, &b.CreatedAt,
		&f.ID, &ts, &title, &bundle, &app, &f.FilePath, &size, &res, &status, &f.CreatedAt,
		&hit.Score,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan search hit: %w", err)
	}

	if len(compressed) > 0 {
		b.Text, err = decompressText(compressed)
		if err != nil {
			return nil, err
		}
	}
	b.Confidence = confidence.Float64
	b.BBox.X, b.BBox.Y, b.BBox.Width, b.BBox.Height = x.Float64, y.Float64, w.Float64, h.Float64
	b.Type = types.BlockType(blockType.String)

	f.Timestamp = time.Unix(ts, 0)
	f.WindowTitle = title.String
	f.AppBundleID = bundle.String
	f.AppName = app.String
	f.FileSizeBytes = size.Int64
	f.ScreenResolution = res.String
	f.ExtractionStatus = types.ExtractionStatus(status)
	return &hit, nil
}

// ftsQuote wraps the query as one quoted FTS5 string so user input is
// matched literally instead of being parsed as FTS query syntax.
func ftsQuote(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

// escapeLike escapes LIKE wildcards in user input.
func escapeLike(q string) string {
	q = strings.ReplaceAll(q, `\`, `\\`)
	q = strings.ReplaceAll(q, `%`, `\%`)
	q = strings.ReplaceAll(q, `_`, `\_`)
	return q
}

// prefixColumns qualifies each column in a comma-separated list with a table
// alias.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
