package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testFrame(id string, ts time.Time) *types.Frame {
	return &types.Frame{
		ID:               id,
		Timestamp:        ts,
		WindowTitle:      "main.go — editor",
		AppBundleID:      "com.example.editor",
		AppName:          "Editor",
		FilePath:         ts.Format("2006/01/02/15-04-05-000") + ".png",
		FileSizeBytes:    204800,
		ScreenResolution: "2560x1440",
	}
}

func TestFrameRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	f := testFrame("frame-1", ts)
	require.NoError(t, s.InsertFrame(ctx, f))

	got, err := s.GetFrame(ctx, "frame-1")
	require.NoError(t, err)
	assert.Equal(t, "frame-1", got.ID)
	assert.Equal(t, ts.Unix(), got.Timestamp.Unix())
	assert.Equal(t, "com.example.editor", got.AppBundleID)
	assert.Equal(t, types.ExtractionPending, got.ExtractionStatus)
	assert.Equal(t, int64(204800), got.FileSizeBytes)
}

func TestGetFrameNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetFrame(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertFrameValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InsertFrame(ctx, &types.Frame{FilePath: "a.png"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = s.InsertFrame(ctx, &types.Frame{ID: "f1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestListFramesFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f := testFrame(fmt.Sprintf("frame-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			f.AppBundleID = "com.example.browser"
		}
		require.NoError(t, s.InsertFrame(ctx, f))
	}

	// Newest first, total independent of page size.
	frames, total, err := s.ListFrames(ctx, storage.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, frames, 2)
	assert.Equal(t, "frame-4", frames[0].ID)
	assert.Equal(t, "frame-3", frames[1].ID)

	frames, _, err = s.ListFrames(ctx, storage.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "frame-2", frames[0].ID)

	frames, total, err = s.ListFrames(ctx, storage.ListOptions{
		Filter: storage.FrameFilter{AppBundleID: "com.example.browser"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, frames, 1)
	assert.Equal(t, "frame-4", frames[0].ID)

	frames, total, err = s.ListFrames(ctx, storage.ListOptions{
		Filter: storage.FrameFilter{
			Start: base.Add(1 * time.Minute),
			End:   base.Add(3 * time.Minute),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, frames, 3)
}

func TestExtractionStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))

	pending, err := s.PendingExtractionFrames(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.SetExtractionStatus(ctx, "frame-1", types.ExtractionFailed))
	got, err := s.GetFrame(ctx, "frame-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExtractionFailed, got.ExtractionStatus)

	pending, err = s.PendingExtractionFrames(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = s.SetExtractionStatus(ctx, "missing", types.ExtractionCompleted)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertTextBlocksMarksFrameCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))

	blocks := []types.TextBlock{
		{
			ID:             "block-1",
			FrameID:        "frame-1",
			Text:           "func main() { fmt.Println(\"hello\") }",
			NormalizedText: "func main() { fmt.println(\"hello\") }",
			Confidence:     0.97,
			BBox:           types.BBox{X: 10, Y: 20, Width: 400, Height: 18},
			Type:           types.BlockCode,
		},
		{
			ID:             "block-2",
			FrameID:        "frame-1",
			Text:           "Terminal — zsh",
			NormalizedText: "terminal — zsh",
			Confidence:     0.88,
			Type:           types.BlockUIElement,
		},
	}
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", blocks))

	got, err := s.GetFrame(ctx, "frame-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExtractionCompleted, got.ExtractionStatus)

	stored, err := s.TextBlocksByFrame(ctx, "frame-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, blocks[0].Text, stored[0].Text)
	assert.Equal(t, types.BlockCode, stored[0].Type)
	assert.InDelta(t, 0.97, stored[0].Confidence, 1e-9)
	assert.Equal(t, types.BBox{X: 10, Y: 20, Width: 400, Height: 18}, stored[0].BBox)

	drift, err := s.CheckIndexConsistency(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)
}

func TestInsertTextBlocksEmptySliceStillCompletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", nil))

	got, err := s.GetFrame(ctx, "frame-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExtractionCompleted, got.ExtractionStatus)
}

func TestInsertTextBlocksUnknownFrame(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertTextBlocks(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLargeTextCompressedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))

	// Well above the compression threshold.
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 40)
	require.Greater(t, len(text), compressThreshold)

	blocks := []types.TextBlock{{
		ID:             "block-1",
		FrameID:        "frame-1",
		Text:           text,
		NormalizedText: strings.ToLower(text),
		Type:           types.BlockParagraph,
	}}
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", blocks))

	// Stored column must actually be compressed, not inline.
	var inline string
	var compressedLen int
	err := s.db.QueryRow(
		"SELECT text, LENGTH(text_compressed) FROM text_blocks WHERE block_id = 'block-1'").
		Scan(&inline, &compressedLen)
	require.NoError(t, err)
	assert.Empty(t, inline)
	assert.Greater(t, compressedLen, 0)
	assert.Less(t, compressedLen, len(text))

	// Reads decompress transparently, byte for byte.
	got, err := s.GetTextBlock(ctx, "block-1")
	require.NoError(t, err)
	assert.Equal(t, text, got.Text)

	// Compressed blocks are still fully searchable.
	hits, err := s.SearchText(ctx, "quick brown fox", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, text, hits[0].Block.Text)
}

func TestSearchTextRankingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	insert := func(frameID, bundle, text string, ts time.Time) {
		f := testFrame(frameID, ts)
		f.AppBundleID = bundle
		require.NoError(t, s.InsertFrame(ctx, f))
		require.NoError(t, s.InsertTextBlocks(ctx, frameID, []types.TextBlock{{
			ID:             frameID + "-b1",
			FrameID:        frameID,
			Text:           text,
			NormalizedText: strings.ToLower(text),
			Type:           types.BlockParagraph,
		}}))
	}

	insert("frame-1", "com.example.editor", "deploy checklist for the staging cluster", base)
	insert("frame-2", "com.example.browser", "kubernetes deploy logs", base.Add(time.Minute))
	insert("frame-3", "com.example.editor", "unrelated meeting notes", base.Add(2*time.Minute))

	hits, err := s.SearchText(ctx, "deploy", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, h.Block.Text, "deploy")
		assert.NotEmpty(t, h.Frame.ID)
	}

	hits, err = s.SearchText(ctx, "deploy", storage.FrameFilter{AppBundleID: "com.example.browser"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "frame-2", hits[0].Frame.ID)

	hits, err = s.SearchText(ctx, "deploy", storage.FrameFilter{
		Start: base.Add(30 * time.Second),
	}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "frame-2", hits[0].Frame.ID)

	// Substring match via trigram tokenizer.
	hits, err = s.SearchText(ctx, "ubernete", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "frame-2", hits[0].Frame.ID)

	_, err = s.SearchText(ctx, "   ", storage.FrameFilter{}, 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSearchShortQueryFallsBackToLike(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", []types.TextBlock{{
		ID:             "block-1",
		FrameID:        "frame-1",
		Text:           "x = 42",
		NormalizedText: "x = 42",
		Type:           types.BlockCode,
	}}))

	hits, err := s.SearchText(ctx, "42", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "block-1", hits[0].Block.ID)

	// LIKE wildcards in the query are literals, not patterns.
	hits, err = s.SearchText(ctx, "%", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteFramesCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", []types.TextBlock{{
		ID:             "block-1",
		FrameID:        "frame-1",
		Text:           "ephemeral content",
		NormalizedText: "ephemeral content",
		Type:           types.BlockParagraph,
	}}))

	require.NoError(t, s.DeleteFrames(ctx, []string{"frame-1"}))

	_, err := s.GetFrame(ctx, "frame-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetTextBlock(ctx, "block-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The delete trigger removed the index rows too.
	drift, err := s.CheckIndexConsistency(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)

	hits, err := s.SearchText(ctx, "ephemeral", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCheckIndexConsistencyRebuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", time.Now())))
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", []types.TextBlock{{
		ID:             "block-1",
		FrameID:        "frame-1",
		Text:           "searchable content here",
		NormalizedText: "searchable content here",
		Type:           types.BlockParagraph,
	}}))

	// Simulate drift by dropping the index rows behind the store's back.
	_, err := s.db.Exec("DELETE FROM text_blocks_fts")
	require.NoError(t, err)

	rebuilt, err := s.CheckIndexConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)

	hits, err := s.SearchText(ctx, "searchable", storage.FrameFilter{}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFramesOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.InsertFrame(ctx, testFrame("old-1", now.Add(-48*time.Hour))))
	require.NoError(t, s.InsertFrame(ctx, testFrame("old-2", now.Add(-36*time.Hour))))
	require.NoError(t, s.InsertFrame(ctx, testFrame("new-1", now)))

	old, err := s.FramesOlderThan(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, "old-1", old[0].ID) // oldest first
	assert.Equal(t, "old-2", old[1].ID)
}

func TestUpsertWindowMonotonicLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.UpsertWindow(ctx, "com.example.editor", "Editor", t1))
	require.NoError(t, s.UpsertWindow(ctx, "com.example.editor", "Editor", t2))

	w, err := s.GetWindow(ctx, "com.example.editor", "Editor")
	require.NoError(t, err)
	assert.Equal(t, t1.Unix(), w.FirstSeen.Unix())
	assert.Equal(t, t2.Unix(), w.LastSeen.Unix())

	// An out-of-order sighting never moves last_seen backwards.
	require.NoError(t, s.UpsertWindow(ctx, "com.example.editor", "Editor", t1))
	w, err = s.GetWindow(ctx, "com.example.editor", "Editor")
	require.NoError(t, err)
	assert.Equal(t, t2.Unix(), w.LastSeen.Unix())
}

func TestAppUsageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.UpsertWindow(ctx, "com.example.editor", "Editor", now))
	require.NoError(t, s.UpsertWindow(ctx, "com.example.browser", "Browser", now))

	for i := 0; i < 3; i++ {
		f := testFrame(fmt.Sprintf("e-%d", i), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.InsertFrame(ctx, f))
	}
	b := testFrame("b-0", now)
	b.AppBundleID = "com.example.browser"
	require.NoError(t, s.InsertFrame(ctx, b))

	usage, err := s.AppUsageStats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "com.example.editor", usage[0].AppBundleID)
	assert.Equal(t, 3, usage[0].FrameCount)
	assert.Equal(t, 1, usage[1].FrameCount)
}

func TestSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sum := &types.Summary{
		ID:         "sum-1",
		Start:      start,
		End:        start.Add(time.Hour),
		Type:       types.SummaryHourly,
		Text:       "Worked on the deployment pipeline in Editor.",
		FrameCount: 42,
		AppNames:   []string{"Editor", "Browser"},
	}
	require.NoError(t, s.InsertSummary(ctx, sum))

	got, err := s.SummariesBetween(ctx, start.Add(-time.Hour), start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sum.Text, got[0].Text)
	assert.Equal(t, []string{"Editor", "Browser"}, got[0].AppNames)
	assert.Equal(t, 42, got[0].FrameCount)

	latest, err := s.LatestSummary(ctx, types.SummaryHourly)
	require.NoError(t, err)
	assert.Equal(t, "sum-1", latest.ID)

	_, err = s.LatestSummary(ctx, types.SummaryDaily)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "capture.active_fps")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, "capture.active_fps", "0.5"))
	v, err := s.GetSetting(ctx, "capture.active_fps")
	require.NoError(t, err)
	assert.Equal(t, "0.5", v)

	require.NoError(t, s.SetSetting(ctx, "capture.active_fps", "1.0"))
	v, err = s.GetSetting(ctx, "capture.active_fps")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)

	require.NoError(t, s.DeleteSetting(ctx, "capture.active_fps"))
	_, err = s.GetSetting(ctx, "capture.active_fps")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBlocksNeedingEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", now.Add(-time.Minute))))
	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-2", now)))

	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", []types.TextBlock{{
		ID: "block-1", FrameID: "frame-1",
		Text: "older content", NormalizedText: "older content",
		Type: types.BlockParagraph,
	}}))
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-2", []types.TextBlock{{
		ID: "block-2", FrameID: "frame-2",
		Text: "newer content", NormalizedText: "newer content",
		Type: types.BlockParagraph,
	}}))

	pending, err := s.BlocksNeedingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "block-2", pending[0].BlockID) // newest frame first
	assert.Equal(t, "newer content", pending[0].Text)
	assert.NotEmpty(t, pending[0].ContentHash)
	assert.Equal(t, "com.example.editor", pending[0].AppBundleID)

	// The limit applies in SQL, newest first.
	pending, err = s.BlocksNeedingEmbedding(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "block-2", pending[0].BlockID)

	// Stamped blocks leave the scan for good.
	require.NoError(t, s.MarkBlocksEmbedded(ctx, []string{"block-2"}))
	pending, err = s.BlocksNeedingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "block-1", pending[0].BlockID)

	require.NoError(t, s.MarkBlocksEmbedded(ctx, []string{"block-1"}))
	pending, err = s.BlocksNeedingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Stamping nothing is a no-op.
	require.NoError(t, s.MarkBlocksEmbedded(ctx, nil))
}

func TestVideoSegments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seg := &types.VideoSegment{
		ID:            "seg-1",
		Start:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		VideoPath:     "video/2026-03-01.mp4",
		FrameCount:    8640,
		DurationSecs:  864.0,
		FileSizeBytes: 52428800,
	}
	require.NoError(t, s.InsertVideoSegment(ctx, seg))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM video_segments").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertFrame(ctx, testFrame("frame-1", ts)))
	require.NoError(t, s.InsertTextBlocks(ctx, "frame-1", []types.TextBlock{{
		ID: "block-1", FrameID: "frame-1",
		Text: "content", NormalizedText: "content",
		Type: types.BlockParagraph,
	}}))
	require.NoError(t, s.UpsertWindow(ctx, "com.example.editor", "Editor", ts))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.FrameCount)
	assert.Equal(t, int64(1), st.TextBlockCount)
	assert.Equal(t, int64(1), st.WindowCount)
	assert.Greater(t, st.DBSizeBytes, int64(0))
	assert.Equal(t, ts.Unix(), st.OldestFrame.Unix())
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertFrame(context.Background(), testFrame("frame-1", time.Now())))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetFrame(context.Background(), "frame-1")
	require.NoError(t, err)
	assert.Equal(t, "frame-1", got.ID)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE meta SET value = '99' WHERE key = 'schema_version'")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}
