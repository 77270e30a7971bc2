package vector

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	idx, err := NewSQLiteIndex(db)
	require.NoError(t, err)
	return idx
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float64{0.1, -0.5, 3.14159, 0, -1e-9}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float64{0, 0}, []float64{1, 0}))
	assert.Zero(t, cosineSimilarity([]float64{1}, []float64{1, 0}))
}

func TestAddSearchOrdering(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	entries := []Entry{
		{BlockID: "b1", FrameID: "f1", ContentHash: "h1", Timestamp: now, Vector: []float64{1, 0, 0}},
		{BlockID: "b2", FrameID: "f2", ContentHash: "h2", Timestamp: now, Vector: []float64{0.9, 0.1, 0}},
		{BlockID: "b3", FrameID: "f3", ContentHash: "h3", Timestamp: now, Vector: []float64{0, 1, 0}},
	}
	for _, e := range entries {
		require.NoError(t, idx.Add(ctx, e))
	}

	hits, err := idx.Search(ctx, []float64{1, 0, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b1", hits[0].BlockID)
	assert.Equal(t, "b2", hits[1].BlockID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestHasTracksContentHash(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, Entry{
		BlockID: "b1", FrameID: "f1", ContentHash: "h1",
		Timestamp: time.Now(), Vector: []float64{1, 2, 3},
	}))

	assert.True(t, idx.Has("b1", "h1"))
	assert.False(t, idx.Has("b1", "other"))
	assert.False(t, idx.Has("b2", "h1"))

	// Re-adding with new content replaces the hash.
	require.NoError(t, idx.Add(ctx, Entry{
		BlockID: "b1", FrameID: "f1", ContentHash: "h2",
		Timestamp: time.Now(), Vector: []float64{3, 2, 1},
	}))
	assert.False(t, idx.Has("b1", "h1"))
	assert.True(t, idx.Has("b1", "h2"))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearchFilters(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Add(ctx, Entry{
		BlockID: "b1", FrameID: "f1", ContentHash: "h1",
		Timestamp: base, AppBundleID: "com.example.editor",
		Vector: []float64{1, 0},
	}))
	require.NoError(t, idx.Add(ctx, Entry{
		BlockID: "b2", FrameID: "f2", ContentHash: "h2",
		Timestamp: base.Add(time.Hour), AppBundleID: "com.example.browser",
		Vector: []float64{1, 0},
	}))

	hits, err := idx.Search(ctx, []float64{1, 0}, 10, Filter{AppBundleID: "com.example.browser"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b2", hits[0].BlockID)

	hits, err = idx.Search(ctx, []float64{1, 0}, 10, Filter{End: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b1", hits[0].BlockID)
}

func TestDeleteByFrames(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Add(ctx, Entry{BlockID: "b1", FrameID: "f1", ContentHash: "h1", Timestamp: now, Vector: []float64{1, 0}}))
	require.NoError(t, idx.Add(ctx, Entry{BlockID: "b2", FrameID: "f1", ContentHash: "h2", Timestamp: now, Vector: []float64{0, 1}}))
	require.NoError(t, idx.Add(ctx, Entry{BlockID: "b3", FrameID: "f2", ContentHash: "h3", Timestamp: now, Vector: []float64{1, 1}}))

	require.NoError(t, idx.DeleteByFrames(ctx, []string{"f1"}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, idx.Has("b1", "h1"))
	assert.False(t, idx.Has("b2", "h2"))
	assert.True(t, idx.Has("b3", "h3"))

	require.NoError(t, idx.DeleteByFrames(ctx, nil))
}

func TestMembershipSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vec.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	idx, err := NewSQLiteIndex(db)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), Entry{
		BlockID: "b1", FrameID: "f1", ContentHash: "h1",
		Timestamp: time.Now(), Vector: []float64{1, 2},
	}))
	require.NoError(t, db.Close())

	db2, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db2.SetMaxOpenConns(1)
	defer db2.Close()

	idx2, err := NewSQLiteIndex(db2)
	require.NoError(t, err)
	assert.True(t, idx2.Has("b1", "h1"))
}

func TestToPgvectorPrecision(t *testing.T) {
	v := toPgvector([]float64{0.5, -2.25, 1e3})
	slice := v.Slice()
	require.Len(t, slice, 3)
	assert.Equal(t, float32(0.5), slice[0])
	assert.Equal(t, float32(-2.25), slice[1])
	assert.True(t, math.Abs(float64(slice[2])-1000) < 1e-3)
}
