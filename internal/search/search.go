// Package search answers queries over the archive: lexical full-text
// matches, semantic nearest-neighbour retrieval, and hybrid retrieval with
// an optional cross-encoder reranking pass.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/internal/vector"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeLexical ranks by BM25 over the full-text index.
	ModeLexical Mode = "lexical"
	// ModeSemantic ranks by embedding similarity.
	ModeSemantic Mode = "semantic"
	// ModeHybrid is semantic retrieval with an optional reranking pass.
	ModeHybrid Mode = "hybrid"
)

// Query is one retrieval request.
type Query struct {
	Text   string
	Mode   Mode
	Limit  int
	Filter storage.FrameFilter
	// Rerank enables the cross-encoder pass in hybrid mode, when a
	// reranker is configured.
	Rerank bool
}

// Result is one ranked hit: the block, its frame, and the score that ranked
// it. Score semantics depend on the mode: BM25 (lower ranked first) for
// lexical, similarity or reranker score (higher ranked first) otherwise.
type Result struct {
	Block types.TextBlock `json:"block"`
	Frame types.Frame     `json:"frame"`
	Score float64         `json:"score"`
}

// Embedder is the single-query subset of the semantic package's provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Reranker scores (query, text) pairs with a cross-encoder; one score per
// text, higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Options are the engine's tunables.
type Options struct {
	// CandidateMultiplier scales the semantic candidate set: K = limit
	// times this, never below the limit itself.
	CandidateMultiplier int
}

// Searcher routes queries to the lexical index, the vector index, or both.
type Searcher struct {
	store    storage.Store
	index    vector.Index
	embedder Embedder
	reranker Reranker
	opts     Options
}

// New builds a searcher. index and embedder may be nil, disabling the
// semantic and hybrid modes; reranker may be nil, disabling reranking.
func New(store storage.Store, index vector.Index, embedder Embedder, reranker Reranker, opts Options) *Searcher {
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = 4
	}
	return &Searcher{
		store:    store,
		index:    index,
		embedder: embedder,
		reranker: reranker,
		opts:     opts,
	}
}

// Search runs the query and returns ranked results.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Text == "" {
		return nil, fmt.Errorf("%w: query text is empty", storage.ErrInvalidInput)
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	switch q.Mode {
	case ModeLexical, "":
		return s.lexical(ctx, q)
	case ModeSemantic:
		return s.semantic(ctx, q, false)
	case ModeHybrid:
		return s.semantic(ctx, q, q.Rerank)
	default:
		return nil, fmt.Errorf("%w: unknown search mode %q", storage.ErrInvalidInput, q.Mode)
	}
}

func (s *Searcher) lexical(ctx context.Context, q Query) ([]Result, error) {
	hits, err := s.store.SearchText(ctx, q.Text, q.Filter, q.Limit)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{Block: h.Block, Frame: h.Frame, Score: h.Score}
	}
	return results, nil
}

// semantic embeds the query, retrieves K candidates from the vector index,
// hydrates them from the store, and optionally reorders the entire
// candidate set by cross-encoder score before truncating to the limit.
func (s *Searcher) semantic(ctx context.Context, q Query, rerank bool) ([]Result, error) {
	if s.index == nil || s.embedder == nil {
		return nil, fmt.Errorf("search: semantic retrieval is not configured")
	}

	vecs, err := s.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("search: failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("search: expected one query embedding, got %d", len(vecs))
	}

	k := q.Limit * s.opts.CandidateMultiplier
	if k < q.Limit {
		k = q.Limit
	}

	hits, err := s.index.Search(ctx, vecs[0], k, vector.Filter{
		AppBundleID: q.Filter.AppBundleID,
		Start:       q.Filter.Start,
		End:         q.Filter.End,
	})
	if err != nil {
		return nil, err
	}

	results, err := s.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}

	if rerank && s.reranker != nil && len(results) > 1 {
		if err := s.rerank(ctx, q.Text, results); err != nil {
			return nil, err
		}
	}

	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// hydrate joins vector hits with their blocks and frames. Hits whose rows
// were deleted since indexing (retention racing a query) are dropped.
func (s *Searcher) hydrate(ctx context.Context, hits []vector.Hit) ([]Result, error) {
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		block, err := s.store.GetTextBlock(ctx, h.BlockID)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		frame, err := s.store.GetFrame(ctx, h.FrameID)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Block: *block, Frame: *frame, Score: h.Score})
	}
	return results, nil
}

// rerank replaces similarity scores with cross-encoder scores and reorders
// the whole candidate set by them, descending. The set of results is
// exactly preserved; only the order and scores change.
func (s *Searcher) rerank(ctx context.Context, query string, results []Result) error {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Block.Text
	}

	scores, err := s.reranker.Score(ctx, query, texts)
	if err != nil {
		return fmt.Errorf("search: reranking failed: %w", err)
	}
	if len(scores) != len(results) {
		return fmt.Errorf("search: reranker returned %d scores for %d candidates", len(scores), len(results))
	}

	for i := range results {
		results[i].Score = scores[i]
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return nil
}
