package sqlite

// SchemaVersion is recorded in the meta table and checked at open time.
const SchemaVersion = 1

// Schema is the complete database schema. Executed at open time; every
// statement is idempotent so re-opening an existing database is safe.
//
// Design notes:
//   - frames -> text_blocks is ON DELETE CASCADE, so deleting a frame removes
//     its blocks in the same statement.
//   - text_blocks_fts is an FTS5 table with the trigram tokenizer so that
//     substring queries over short identifiers (variable names, paths) match.
//     Rows are inserted by the store inside the same transaction as the
//     text_blocks row; the delete trigger keeps cascaded deletes in sync.
//   - text_compressed holds a zlib-compressed copy of the raw text when it
//     is large enough to benefit; the text column is then empty and readers
//     decompress transparently.
//   - embedded_at is stamped once a block's vector is stored. The partial
//     index keeps the embedding scan proportional to the unembedded
//     backlog rather than the whole table.
const Schema = `
CREATE TABLE IF NOT EXISTS frames (
	frame_id          TEXT PRIMARY KEY,
	timestamp         INTEGER NOT NULL,
	window_title      TEXT,
	app_bundle_id     TEXT,
	app_name          TEXT,
	file_path         TEXT NOT NULL,
	file_size_bytes   INTEGER,
	screen_resolution TEXT,
	extraction_status TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_frames_timestamp ON frames(timestamp);
CREATE INDEX IF NOT EXISTS idx_frames_app ON frames(app_bundle_id);
CREATE INDEX IF NOT EXISTS idx_frames_extraction ON frames(extraction_status);

CREATE TABLE IF NOT EXISTS text_blocks (
	block_id        TEXT UNIQUE NOT NULL,
	frame_id        TEXT NOT NULL REFERENCES frames(frame_id) ON DELETE CASCADE,
	text            TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	text_compressed BLOB,
	confidence      REAL,
	bbox_x          REAL,
	bbox_y          REAL,
	bbox_width      REAL,
	bbox_height     REAL,
	block_type      TEXT,
	content_hash    TEXT NOT NULL,
	embedded_at     INTEGER,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_blocks_frame ON text_blocks(frame_id);
CREATE INDEX IF NOT EXISTS idx_blocks_confidence ON text_blocks(confidence);
CREATE INDEX IF NOT EXISTS idx_blocks_unembedded ON text_blocks(block_id) WHERE embedded_at IS NULL;

CREATE VIRTUAL TABLE IF NOT EXISTS text_blocks_fts USING fts5(
	text,
	normalized_text,
	tokenize='trigram'
);

CREATE TRIGGER IF NOT EXISTS text_blocks_fts_delete
AFTER DELETE ON text_blocks BEGIN
	DELETE FROM text_blocks_fts WHERE rowid = old.rowid;
END;

CREATE TABLE IF NOT EXISTS windows (
	app_bundle_id TEXT NOT NULL,
	app_name      TEXT NOT NULL,
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	PRIMARY KEY (app_bundle_id, app_name)
);

CREATE TABLE IF NOT EXISTS summaries (
	summary_id      TEXT PRIMARY KEY,
	start_timestamp INTEGER NOT NULL,
	end_timestamp   INTEGER NOT NULL,
	summary_type    TEXT NOT NULL,
	summary_text    TEXT NOT NULL,
	frame_count     INTEGER,
	app_names       TEXT,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_summaries_range ON summaries(start_timestamp, end_timestamp);

CREATE TABLE IF NOT EXISTS video_segments (
	segment_id       TEXT PRIMARY KEY,
	start_time       INTEGER NOT NULL,
	video_path       TEXT NOT NULL,
	frame_count      INTEGER,
	duration_seconds REAL,
	file_size_bytes  INTEGER,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1');
`
