// Package vector stores text-block embeddings and answers nearest-neighbour
// queries over them. Two backends are provided: an embedded SQLite table
// with in-process cosine scoring, and PostgreSQL with the pgvector
// extension for larger archives.
package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Entry is one stored embedding with the metadata needed to filter and to
// decide re-embedding.
type Entry struct {
	BlockID     string
	FrameID     string
	ContentHash string
	Timestamp   time.Time
	AppBundleID string
	AppName     string
	Vector      []float64
}

// Hit is one nearest-neighbour result. Score is cosine similarity in
// [-1, 1]; higher is more similar.
type Hit struct {
	BlockID string
	FrameID string
	Score   float64
}

// Filter restricts a similarity search by frame metadata. Zero values mean
// "no restriction".
type Filter struct {
	AppBundleID string
	Start       time.Time
	End         time.Time
}

// Index is the vector store. The semantic indexer is the sole writer; the
// retrieval engine and retention job read and delete.
type Index interface {
	// Add inserts or replaces the embedding for a block.
	Add(ctx context.Context, e Entry) error

	// Has reports whether an embedding for (blockID, contentHash) already
	// exists. Implementations answer from memory so callers may invoke it
	// while holding database iterators open.
	Has(blockID, contentHash string) bool

	// Search returns the k nearest entries to the query vector, best first.
	Search(ctx context.Context, query []float64, k int, filter Filter) ([]Hit, error)

	// DeleteByFrames removes all embeddings belonging to the given frames.
	DeleteByFrames(ctx context.Context, frameIDs []string) error

	Count(ctx context.Context) (int, error)
	Close() error
}

// encodeVector serialises a vector as little-endian float64s.
func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("vector: blob length %d is not a multiple of 8", len(data))
	}
	v := make([]float64, len(data)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return v, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero or the dimensions differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
