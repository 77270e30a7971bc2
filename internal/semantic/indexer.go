package semantic

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/internal/vector"
)

// embedBatchSize is how many texts go to the provider per request.
const embedBatchSize = 16

// Options are the indexer's tunables.
type Options struct {
	PollInterval time.Duration
	CacheSize    int
	BatchLimit   int
}

// Stats are the indexer's counters.
type Stats struct {
	Embedded  int64
	CacheHits int64
	Failures  int64
}

// Indexer polls the store for text blocks whose content is not yet in the
// vector index and embeds them. Identical content across blocks (the same
// dialog captured repeatedly, say) hits an LRU cache keyed by content hash
// instead of going back to the provider.
type Indexer struct {
	store    storage.Store
	index    vector.Index
	embedder Embedder
	opts     Options
	cache    *lru.Cache[string, []float64]

	embedded  atomic.Int64
	cacheHits atomic.Int64
	failures  atomic.Int64
}

// NewIndexer wires the indexing loop.
func NewIndexer(store storage.Store, index vector.Index, embedder Embedder, opts Options) (*Indexer, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 200
	}
	cache, err := lru.New[string, []float64](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		store:    store,
		index:    index,
		embedder: embedder,
		opts:     opts,
		cache:    cache,
	}, nil
}

// Stats returns a snapshot of the indexer's counters.
func (ix *Indexer) Stats() Stats {
	return Stats{
		Embedded:  ix.embedded.Load(),
		CacheHits: ix.cacheHits.Load(),
		Failures:  ix.failures.Load(),
	}
}

// Run polls until ctx is cancelled. Provider failures are logged and the
// pass retried on the next tick; the rest of the pipeline is unaffected.
func (ix *Indexer) Run(ctx context.Context) error {
	log.Printf("semantic: indexer started (poll every %s)", ix.opts.PollInterval)
	ticker := time.NewTicker(ix.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := ix.Pass(ctx); err != nil && ctx.Err() == nil {
			ix.failures.Add(1)
			log.Printf("semantic: indexing pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Printf("semantic: indexer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Pass embeds every unstamped block, up to the batch limit. Blocks whose
// vectors are stored get stamped in the store so later polls skip them in
// SQL; blocks the index already holds (a rebuilt database, say) are
// stamped without another provider call.
func (ix *Indexer) Pass(ctx context.Context) error {
	pending, err := ix.store.BlocksNeedingEmbedding(ctx, ix.opts.BatchLimit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// Already-indexed and cached content skips the provider entirely.
	var toEmbed []storage.PendingBlock
	var done []string
	for _, p := range pending {
		if ix.index.Has(p.BlockID, p.ContentHash) {
			done = append(done, p.BlockID)
			continue
		}
		if vec, ok := ix.cache.Get(p.ContentHash); ok {
			if err := ix.add(ctx, p, vec); err != nil {
				return err
			}
			ix.cacheHits.Add(1)
			done = append(done, p.BlockID)
			continue
		}
		toEmbed = append(toEmbed, p)
	}
	if err := ix.store.MarkBlocksEmbedded(ctx, done); err != nil {
		return err
	}

	for start := 0; start < len(toEmbed); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}

		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("semantic: provider returned %d vectors for %d texts", len(vectors), len(batch))
		}

		ids := make([]string, 0, len(batch))
		for i, p := range batch {
			ix.cache.Add(p.ContentHash, vectors[i])
			if err := ix.add(ctx, p, vectors[i]); err != nil {
				return err
			}
			ids = append(ids, p.BlockID)
		}
		if err := ix.store.MarkBlocksEmbedded(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) add(ctx context.Context, p storage.PendingBlock, vec []float64) error {
	if err := ix.index.Add(ctx, vector.Entry{
		BlockID:     p.BlockID,
		FrameID:     p.FrameID,
		ContentHash: p.ContentHash,
		Timestamp:   p.Timestamp,
		AppBundleID: p.AppBundleID,
		AppName:     p.AppName,
		Vector:      vec,
	}); err != nil {
		return err
	}
	ix.embedded.Add(1)
	return nil
}
