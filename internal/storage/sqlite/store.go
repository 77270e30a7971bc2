// Package sqlite implements the storage engine on SQLite via the CGO-free
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn, configures WAL mode, and
// applies the schema.
//
// SQLite only supports one concurrent writer. A single open connection
// serialises all writes and avoids SQLITE_BUSY errors under concurrent load;
// WAL mode lets readers proceed without blocking the writer.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// checkSchemaVersion refuses to operate on a database written by a newer
// schema. An unreadable version is a fatal startup error per the error
// taxonomy: the service must not start against state it cannot interpret.
func (s *Store) checkSchemaVersion() error {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&raw)
	if err != nil {
		return fmt.Errorf("sqlite: failed to read schema_version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("sqlite: malformed schema_version %q: %w", raw, err)
	}
	if v > SchemaVersion {
		return fmt.Errorf("sqlite: database schema version %d is newer than supported version %d", v, SchemaVersion)
	}
	return nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}
	return s.db.Close()
}

// DB returns the underlying connection for components that share the
// database file, such as the embedded vector index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertFrame persists a frame's metadata record.
func (s *Store) InsertFrame(ctx context.Context, f *types.Frame) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("%w: frame ID is required", storage.ErrInvalidInput)
	}
	if f.FilePath == "" {
		return fmt.Errorf("%w: frame file path is required", storage.ErrInvalidInput)
	}
	if f.ExtractionStatus == "" {
		f.ExtractionStatus = types.ExtractionPending
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (
			frame_id, timestamp, window_title, app_bundle_id, app_name,
			file_path, file_size_bytes, screen_resolution, extraction_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID,
		f.Timestamp.Unix(),
		nullableString(f.WindowTitle),
		nullableString(f.AppBundleID),
		nullableString(f.AppName),
		f.FilePath,
		f.FileSizeBytes,
		nullableString(f.ScreenResolution),
		string(f.ExtractionStatus),
		f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert frame: %w", err)
	}
	return nil
}

const frameColumns = `frame_id, timestamp, window_title, app_bundle_id, app_name,
	file_path, file_size_bytes, screen_resolution, extraction_status, created_at`

// GetFrame retrieves a frame by ID.
func (s *Store) GetFrame(ctx context.Context, id string) (*types.Frame, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: frame ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+frameColumns+" FROM frames WHERE frame_id = ?", id)
	f, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get frame: %w", err)
	}
	return f, nil
}

// ListFrames returns frames matching the filter, newest first, with the
// total count of matching rows for pagination.
func (s *Store) ListFrames(ctx context.Context, opts storage.ListOptions) ([]types.Frame, int, error) {
	opts.Normalize()

	where, args := frameFilterClause("", opts.Filter)

	query := "SELECT " + frameColumns + " FROM frames" + where +
		" ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: failed to list frames: %w", err)
	}
	defer rows.Close()

	var frames []types.Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: failed to scan frame: %w", err)
		}
		frames = append(frames, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: error iterating frames: %w", err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: failed to count frames: %w", err)
	}

	return frames, total, nil
}

// FramesOlderThan returns up to limit frames with timestamps before cutoff,
// oldest first. Used by the retention job.
func (s *Store) FramesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.Frame, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+frameColumns+" FROM frames WHERE timestamp < ? ORDER BY timestamp ASC LIMIT ?",
		cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query old frames: %w", err)
	}
	defer rows.Close()

	var frames []types.Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan frame: %w", err)
		}
		frames = append(frames, *f)
	}
	return frames, rows.Err()
}

// DeleteFrames removes the given frames in one transaction. Text blocks
// cascade via the foreign key, and the delete trigger removes their lexical
// index rows; the transaction commits all three states or none.
func (s *Store) DeleteFrames(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM frames WHERE frame_id = ?")
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("sqlite: failed to delete frame %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit delete: %w", err)
	}
	return nil
}

// SetExtractionStatus updates a frame's extraction lifecycle state.
func (s *Store) SetExtractionStatus(ctx context.Context, frameID string, status types.ExtractionStatus) error {
	if frameID == "" {
		return fmt.Errorf("%w: frame ID is required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE frames SET extraction_status = ? WHERE frame_id = ?", string(status), frameID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update extraction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PendingExtractionFrames returns frames still awaiting extraction, oldest
// first. Called at startup to recover work abandoned by a previous run.
func (s *Store) PendingExtractionFrames(ctx context.Context, limit int) ([]types.Frame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+frameColumns+" FROM frames WHERE extraction_status = ? ORDER BY timestamp ASC LIMIT ?",
		string(types.ExtractionPending), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query pending frames: %w", err)
	}
	defer rows.Close()

	var frames []types.Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan frame: %w", err)
		}
		frames = append(frames, *f)
	}
	return frames, rows.Err()
}

// UpsertWindow records an application sighting. first_seen is written once;
// last_seen only ever moves forward (MAX guards against out-of-order
// ingestion).
func (s *Store) UpsertWindow(ctx context.Context, bundleID, appName string, seen time.Time) error {
	if bundleID == "" || appName == "" {
		return fmt.Errorf("%w: bundle ID and app name are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO windows (app_bundle_id, app_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_bundle_id, app_name) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen)`,
		bundleID, appName, seen.Unix(), seen.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert window: %w", err)
	}
	return nil
}

// GetWindow retrieves window tracking for one (bundle id, app name) pair.
func (s *Store) GetWindow(ctx context.Context, bundleID, appName string) (*types.Window, error) {
	var w types.Window
	var first, last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT app_bundle_id, app_name, first_seen, last_seen FROM windows WHERE app_bundle_id = ? AND app_name = ?",
		bundleID, appName).Scan(&w.AppBundleID, &w.AppName, &first, &last)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get window: %w", err)
	}
	w.FirstSeen = time.Unix(first, 0)
	w.LastSeen = time.Unix(last, 0)
	return &w, nil
}

// AppUsageStats returns per-application usage, most-captured first.
func (s *Store) AppUsageStats(ctx context.Context, limit int) ([]types.AppUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			w.app_bundle_id, w.app_name, w.first_seen, w.last_seen,
			COUNT(f.frame_id) AS frame_count
		FROM windows w
		LEFT JOIN frames f ON w.app_bundle_id = f.app_bundle_id
		GROUP BY w.app_bundle_id, w.app_name
		ORDER BY frame_count DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query app usage: %w", err)
	}
	defer rows.Close()

	var usage []types.AppUsage
	for rows.Next() {
		var u types.AppUsage
		var first, last int64
		if err := rows.Scan(&u.AppBundleID, &u.AppName, &first, &last, &u.FrameCount); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan app usage: %w", err)
		}
		u.FirstSeen = time.Unix(first, 0)
		u.LastSeen = time.Unix(last, 0)
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// InsertSummary persists a generated activity summary.
func (s *Store) InsertSummary(ctx context.Context, sum *types.Summary) error {
	if sum == nil || sum.ID == "" {
		return fmt.Errorf("%w: summary ID is required", storage.ErrInvalidInput)
	}
	appNames, err := json.Marshal(sum.AppNames)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal app names: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (
			summary_id, start_timestamp, end_timestamp,
			summary_type, summary_text, frame_count, app_names
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Start.Unix(), sum.End.Unix(),
		string(sum.Type), sum.Text, sum.FrameCount, string(appNames))
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert summary: %w", err)
	}
	return nil
}

// SummariesBetween returns summaries whose range falls within [start, end].
func (s *Store) SummariesBetween(ctx context.Context, start, end time.Time) ([]types.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT summary_id, start_timestamp, end_timestamp, summary_type,
		       summary_text, frame_count, app_names, created_at
		FROM summaries
		WHERE start_timestamp >= ? AND end_timestamp <= ?
		ORDER BY start_timestamp ASC`, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query summaries: %w", err)
	}
	defer rows.Close()

	var sums []types.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		sums = append(sums, *sum)
	}
	return sums, rows.Err()
}

// LatestSummary returns the most recent summary of the given type.
func (s *Store) LatestSummary(ctx context.Context, typ types.SummaryType) (*types.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT summary_id, start_timestamp, end_timestamp, summary_type,
		       summary_text, frame_count, app_names, created_at
		FROM summaries
		WHERE summary_type = ?
		ORDER BY end_timestamp DESC
		LIMIT 1`, string(typ))
	sum, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// InsertVideoSegment records a re-encoded video segment.
func (s *Store) InsertVideoSegment(ctx context.Context, seg *types.VideoSegment) error {
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("%w: segment ID is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_segments (
			segment_id, start_time, video_path, frame_count, duration_seconds, file_size_bytes
		) VALUES (?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.Start.Unix(), seg.VideoPath, seg.FrameCount, seg.DurationSecs, seg.FileSizeBytes)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert video segment: %w", err)
	}
	return nil
}

// RepointFrameFiles redirects the given frames' file paths at a re-encoded
// video segment, in one transaction.
func (s *Store) RepointFrameFiles(ctx context.Context, frameIDs []string, path string) error {
	if len(frameIDs) == 0 {
		return nil
	}
	if path == "" {
		return fmt.Errorf("%w: file path is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin repoint: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE frames SET file_path = ? WHERE frame_id = ?")
	if err != nil {
		return fmt.Errorf("sqlite: failed to prepare repoint: %w", err)
	}
	defer stmt.Close()

	for _, id := range frameIDs {
		if _, err := stmt.ExecContext(ctx, path, id); err != nil {
			return fmt.Errorf("sqlite: failed to repoint frame %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit repoint: %w", err)
	}
	return nil
}

// CountFramesWithPath reports how many frames reference the given file path.
func (s *Store) CountFramesWithPath(ctx context.Context, path string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM frames WHERE file_path = ?", path).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count frames by path: %w", err)
	}
	return n, nil
}

// GetSetting retrieves a single persisted setting value by key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a key/value pair with upsert semantics.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: setting key is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a persisted setting, reverting it to its default.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete setting: %w", err)
	}
	return nil
}

// Stats returns counts and size information for status reporting.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM frames", &st.FrameCount},
		{"SELECT COUNT(*) FROM text_blocks", &st.TextBlockCount},
		{"SELECT COUNT(*) FROM windows", &st.WindowCount},
		{"SELECT COUNT(*) FROM summaries", &st.SummaryCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return st, fmt.Errorf("sqlite: failed to count: %w", err)
		}
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").
		Scan(&st.DBSizeBytes); err != nil {
		return st, fmt.Errorf("sqlite: failed to get database size: %w", err)
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(timestamp), MAX(timestamp) FROM frames").Scan(&oldest, &newest); err != nil {
		return st, fmt.Errorf("sqlite: failed to get frame range: %w", err)
	}
	if oldest.Valid {
		st.OldestFrame = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		st.NewestFrame = time.Unix(newest.Int64, 0)
	}

	return st, nil
}

// frameFilterClause builds a WHERE clause for the given filter. prefix is
// the table alias ("f." in joined queries, "" otherwise).
func frameFilterClause(prefix string, f storage.FrameFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.AppBundleID != "" {
		conditions = append(conditions, prefix+"app_bundle_id = ?")
		args = append(args, f.AppBundleID)
	}
	if !f.Start.IsZero() {
		conditions = append(conditions, prefix+"timestamp >= ?")
		args = append(args, f.Start.Unix())
	}
	if !f.End.IsZero() {
		conditions = append(conditions, prefix+"timestamp <= ?")
		args = append(args, f.End.Unix())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFrame(row rowScanner) (*types.Frame, error) {
	var f types.Frame
	var ts int64
	var title, bundle, app, res sql.NullString
	var size sql.NullInt64
	var status string

	err := row.Scan(&f.ID, &ts, &title, &bundle, &app, &f.FilePath, &size, &res, &status, &f.CreatedAt)
	if err != nil {
		return nil, err
	}

	f.Timestamp = time.Unix(ts, 0)
	f.WindowTitle = title.String
	f.AppBundleID = bundle.String
	f.AppName = app.String
	f.FileSizeBytes = size.Int64
	f.ScreenResolution = res.String
	f.ExtractionStatus = types.ExtractionStatus(status)
	return &f, nil
}

func scanSummary(row rowScanner) (*types.Summary, error) {
	var sum types.Summary
	var start, end int64
	var typ string
	var appNames sql.NullString
	var frameCount sql.NullInt64

	err := row.Scan(&sum.ID, &start, &end, &typ, &sum.Text, &frameCount, &appNames, &sum.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan summary: %w", err)
	}

	sum.Start = time.Unix(start, 0)
	sum.End = time.Unix(end, 0)
	sum.Type = types.SummaryType(typ)
	sum.FrameCount = int(frameCount.Int64)
	if appNames.Valid && appNames.String != "" {
		if err := json.Unmarshal([]byte(appNames.String), &sum.AppNames); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal app names: %w", err)
		}
	}
	return &sum, nil
}

// nullableString converts a string to sql.NullString; empty is NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
