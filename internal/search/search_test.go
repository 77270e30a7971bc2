package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/internal/storage/sqlite"
	"github.com/hindsight-sh/hindsight/internal/vector"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// fixedEmbedder returns a preset vector for any input.
type fixedEmbedder struct {
	vec []float64
}

func (e fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

// invertingReranker scores candidates so the prior order reverses: the
// last candidate gets the highest score.
type invertingReranker struct{}

func (invertingReranker) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))
	for i := range texts {
		scores[i] = float64(i)
	}
	return scores, nil
}

func setup(t *testing.T) (*sqlite.Store, *vector.SQLiteIndex) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	idx, err := vector.NewSQLiteIndex(store.DB())
	require.NoError(t, err)
	return store, idx
}

// ingest writes a frame with one block and an embedding for it.
func ingest(t *testing.T, store *sqlite.Store, idx *vector.SQLiteIndex, frameID, text string, ts time.Time, vec []float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InsertFrame(ctx, &types.Frame{
		ID:          frameID,
		Timestamp:   ts,
		AppBundleID: "com.example.editor",
		AppName:     "Editor",
		FilePath:    frameID + ".png",
	}))
	blockID := frameID + "-b1"
	require.NoError(t, store.InsertTextBlocks(ctx, frameID, []types.TextBlock{{
		ID:             blockID,
		FrameID:        frameID,
		Text:           text,
		NormalizedText: text,
		Type:           types.BlockParagraph,
	}}))
	if vec != nil {
		require.NoError(t, idx.Add(ctx, vector.Entry{
			BlockID:     blockID,
			FrameID:     frameID,
			ContentHash: blockID + "-hash",
			Timestamp:   ts,
			AppBundleID: "com.example.editor",
			Vector:      vec,
		}))
	}
}

// The end-to-end retrieval scenario: three "hello" frames, lexical query
// returns all three newest first, semantic returns them by similarity, and
// an inverting reranker reverses the semantic order exactly.
func TestRetrievalScenario(t *testing.T) {
	store, idx := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// Identical text so lexical relevance ties exactly; decreasing
	// similarity to the query vector {1, 0}.
	ingest(t, store, idx, "f0", "hello world", base, []float64{1, 0})
	ingest(t, store, idx, "f1", "hello world", base.Add(time.Second), []float64{0.9, 0.1})
	ingest(t, store, idx, "f2", "hello world", base.Add(2*time.Second), []float64{0.7, 0.3})

	embedder := fixedEmbedder{vec: []float64{1, 0}}

	s := New(store, idx, embedder, invertingReranker{}, Options{})

	// Lexical: all three, most recent first.
	results, err := s.Search(ctx, Query{Text: "hello", Mode: ModeLexical, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	// All blocks tie on BM25 (same token stats), so recency breaks the tie.
	assert.Equal(t, "f2", results[0].Frame.ID)
	assert.Equal(t, "f1", results[1].Frame.ID)
	assert.Equal(t, "f0", results[2].Frame.ID)

	// Semantic: ranked by similarity descending.
	results, err = s.Search(ctx, Query{Text: "greeting", Mode: ModeSemantic, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "f0", results[0].Frame.ID)
	assert.Equal(t, "f1", results[1].Frame.ID)
	assert.Equal(t, "f2", results[2].Frame.ID)
	assert.Greater(t, results[0].Score, results[2].Score)

	// Hybrid without reranking keeps the semantic order.
	results, err = s.Search(ctx, Query{Text: "greeting", Mode: ModeHybrid, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "f0", results[0].Frame.ID)

	// Hybrid with the inverting reranker: same identifiers, exactly
	// reversed order.
	results, err = s.Search(ctx, Query{Text: "greeting", Mode: ModeHybrid, Limit: 10, Rerank: true})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "f2", results[0].Frame.ID)
	assert.Equal(t, "f1", results[1].Frame.ID)
	assert.Equal(t, "f0", results[2].Frame.ID)
}

func TestSemanticRespectsFilters(t *testing.T) {
	store, idx := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ingest(t, store, idx, "f0", "first", base, []float64{1, 0})
	ingest(t, store, idx, "f1", "second", base.Add(time.Hour), []float64{1, 0})

	s := New(store, idx, fixedEmbedder{vec: []float64{1, 0}}, nil, Options{})

	results, err := s.Search(ctx, Query{
		Text: "q", Mode: ModeSemantic, Limit: 10,
		Filter: storage.FrameFilter{End: base.Add(time.Minute)},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f0", results[0].Frame.ID)
}

func TestSemanticLimitTruncatesAfterRanking(t *testing.T) {
	store, idx := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ingest(t, store, idx, "f0", "low", base, []float64{0, 1})
	ingest(t, store, idx, "f1", "high", base.Add(time.Second), []float64{1, 0})

	s := New(store, idx, fixedEmbedder{vec: []float64{1, 0}}, nil, Options{})

	results, err := s.Search(ctx, Query{Text: "q", Mode: ModeSemantic, Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].Frame.ID)
}

func TestSemanticDropsDeletedRows(t *testing.T) {
	store, idx := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ingest(t, store, idx, "f0", "kept", base, []float64{1, 0})
	ingest(t, store, idx, "f1", "deleted", base.Add(time.Second), []float64{1, 0})

	// The frame vanishes from storage but its vector entry lingers.
	require.NoError(t, store.DeleteFrames(ctx, []string{"f1"}))

	s := New(store, idx, fixedEmbedder{vec: []float64{1, 0}}, nil, Options{})
	results, err := s.Search(ctx, Query{Text: "q", Mode: ModeSemantic, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f0", results[0].Frame.ID)
}

func TestSearchValidation(t *testing.T) {
	store, _ := setup(t)
	s := New(store, nil, nil, nil, Options{})

	_, err := s.Search(context.Background(), Query{Text: ""})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = s.Search(context.Background(), Query{Text: "x", Mode: "fuzzy"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	// Semantic without an index or embedder is a configuration error.
	_, err = s.Search(context.Background(), Query{Text: "x", Mode: ModeSemantic})
	assert.Error(t, err)
}

func TestHTTPReranker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)

		var req struct {
			Query     string   `json:"query"`
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deploy", req.Query)
		require.Len(t, req.Documents, 2)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.2},
			},
		})
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, "test-model", time.Second)
	scores, err := r.Score(context.Background(), "deploy", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.9}, scores)
}

func TestHTTPRerankerCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"results": []map[string]interface{}{}})
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, "m", time.Second)
	_, err := r.Score(context.Background(), "q", []string{"a"})
	assert.Error(t, err)
}
