package storage

import (
	"context"
	"time"

	"github.com/hindsight-sh/hindsight/pkg/types"
)

// FrameFilter restricts frame listing and search operations. Zero values
// mean "no restriction".
type FrameFilter struct {
	AppBundleID string
	Start       time.Time
	End         time.Time
}

// ListOptions paginates frame listings.
type ListOptions struct {
	Filter FrameFilter
	Limit  int
	Offset int
}

// Normalize clamps pagination values to sane bounds.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// LexicalHit is one full-text search result: the matching block joined with
// its frame, ranked by BM25 score (lower is better in SQLite's bm25()).
type LexicalHit struct {
	Block types.TextBlock
	Frame types.Frame
	Score float64
}

// PendingBlock identifies a text block awaiting embedding, together with the
// metadata the semantic indexer stores alongside the vector.
type PendingBlock struct {
	BlockID     string
	FrameID     string
	Text        string
	ContentHash string
	Timestamp   time.Time
	AppBundleID string
	AppName     string
}

// Stats summarises the contents of the store.
type Stats struct {
	FrameCount     int64
	TextBlockCount int64
	WindowCount    int64
	SummaryCount   int64
	DBSizeBytes    int64
	OldestFrame    time.Time
	NewestFrame    time.Time
}

// Store is the durable record of frames, text blocks, windows, summaries,
// and settings. All writes are serialized by the implementation; readers are
// never blocked by the writer.
type Store interface {
	// Frames.
	InsertFrame(ctx context.Context, f *types.Frame) error
	GetFrame(ctx context.Context, id string) (*types.Frame, error)
	ListFrames(ctx context.Context, opts ListOptions) ([]types.Frame, int, error)
	DeleteFrames(ctx context.Context, ids []string) error
	FramesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.Frame, error)
	SetExtractionStatus(ctx context.Context, frameID string, status types.ExtractionStatus) error
	PendingExtractionFrames(ctx context.Context, limit int) ([]types.Frame, error)

	// Text blocks. InsertTextBlocks writes the blocks, their lexical index
	// rows, and the frame's extraction status in a single transaction.
	// BlocksNeedingEmbedding returns blocks not yet stamped by
	// MarkBlocksEmbedded; the stamp is set once a block's vector is stored,
	// keeping the scan proportional to the unembedded backlog.
	InsertTextBlocks(ctx context.Context, frameID string, blocks []types.TextBlock) error
	TextBlocksByFrame(ctx context.Context, frameID string) ([]types.TextBlock, error)
	GetTextBlock(ctx context.Context, blockID string) (*types.TextBlock, error)
	BlocksNeedingEmbedding(ctx context.Context, limit int) ([]PendingBlock, error)
	MarkBlocksEmbedded(ctx context.Context, blockIDs []string) error

	// Lexical search.
	SearchText(ctx context.Context, query string, filter FrameFilter, limit int) ([]LexicalHit, error)
	CheckIndexConsistency(ctx context.Context) (int, error)

	// Windows.
	UpsertWindow(ctx context.Context, bundleID, appName string, seen time.Time) error
	GetWindow(ctx context.Context, bundleID, appName string) (*types.Window, error)
	AppUsageStats(ctx context.Context, limit int) ([]types.AppUsage, error)

	// Summaries.
	InsertSummary(ctx context.Context, s *types.Summary) error
	SummariesBetween(ctx context.Context, start, end time.Time) ([]types.Summary, error)
	LatestSummary(ctx context.Context, typ types.SummaryType) (*types.Summary, error)

	// Video segments. RepointFrameFiles redirects frames' file paths at a
	// re-encoded segment; CountFramesWithPath reports how many frames still
	// reference a path, so segment files are removed only when orphaned.
	InsertVideoSegment(ctx context.Context, seg *types.VideoSegment) error
	RepointFrameFiles(ctx context.Context, frameIDs []string, path string) error
	CountFramesWithPath(ctx context.Context, path string) (int, error)

	// Settings (key/value, persisted).
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
