// Package retention enforces the archive's retention horizon: it deletes
// expired frames (rows, vectors, files) and optionally re-encodes old days
// into compressed video segments before the originals age out.
package retention

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hindsight-sh/hindsight/internal/capture"
	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/internal/vector"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// deleteBatchSize bounds how many frames a single delete transaction spans.
const deleteBatchSize = 200

// InFlightChecker reports frames currently queued or being extracted.
// Retention skips them and deletes them on a later pass.
type InFlightChecker interface {
	InFlight(frameID string) bool
}

// Options are the job's tunables.
type Options struct {
	Days           int
	Interval       time.Duration
	VideoEnabled   bool
	VideoAfterDays int
	KeepFrames     bool
}

// Stats are the job's counters.
type Stats struct {
	FramesDeleted   int64
	BytesFreed      int64
	SegmentsWritten int64
}

// Job runs the periodic retention pass.
type Job struct {
	store    storage.Store
	index    vector.Index
	frames   *capture.FrameStore
	quota    *capture.QuotaGauge
	inflight InFlightChecker
	encoder  Encoder
	opts     Options

	framesDeleted   atomic.Int64
	bytesFreed      atomic.Int64
	segmentsWritten atomic.Int64
}

// NewJob wires the retention pass. index, inflight, and encoder may be nil:
// no vector cleanup, no in-flight protection, and no video re-encoding
// respectively.
func NewJob(store storage.Store, index vector.Index, frames *capture.FrameStore, quota *capture.QuotaGauge, inflight InFlightChecker, encoder Encoder, opts Options) *Job {
	if opts.Days <= 0 {
		opts.Days = 90
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.VideoAfterDays <= 0 {
		opts.VideoAfterDays = 7
	}
	return &Job{
		store:    store,
		index:    index,
		frames:   frames,
		quota:    quota,
		inflight: inflight,
		encoder:  encoder,
		opts:     opts,
	}
}

// Stats returns a snapshot of the job's counters.
func (j *Job) Stats() Stats {
	return Stats{
		FramesDeleted:   j.framesDeleted.Load(),
		BytesFreed:      j.bytesFreed.Load(),
		SegmentsWritten: j.segmentsWritten.Load(),
	}
}

// Run executes a pass at every interval until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	log.Printf("retention: job started (horizon %d days, every %s)", j.opts.Days, j.opts.Interval)
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("retention: job stopped")
			return nil
		case <-ticker.C:
		}
		if err := j.Pass(ctx); err != nil && ctx.Err() == nil {
			log.Printf("retention: pass failed: %v", err)
		}
	}
}

// Pass deletes expired frames, re-encodes old days when enabled, and then
// recomputes the quota gauge from disk.
func (j *Job) Pass(ctx context.Context) error {
	if err := j.expire(ctx); err != nil {
		return err
	}
	if j.opts.VideoEnabled && j.encoder != nil {
		if err := j.compressDays(ctx); err != nil {
			log.Printf("retention: video compression failed: %v", err)
		}
	}
	if j.quota != nil {
		if err := j.quota.Recompute(); err != nil {
			log.Printf("retention: quota recompute failed: %v", err)
		}
	}
	return nil
}

func (j *Job) expire(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.opts.Days)

	for {
		old, err := j.store.FramesOlderThan(ctx, cutoff, deleteBatchSize)
		if err != nil {
			return err
		}
		if len(old) == 0 {
			return nil
		}

		batch := make([]types.Frame, 0, len(old))
		for _, f := range old {
			if j.inflight != nil && j.inflight.InFlight(f.ID) {
				continue
			}
			batch = append(batch, f)
		}
		if len(batch) == 0 {
			// Everything remaining is in flight; retry next pass.
			return nil
		}

		if err := j.deleteBatch(ctx, batch); err != nil {
			return err
		}
		if len(old) < deleteBatchSize {
			return nil
		}
	}
}

// deleteBatch removes a batch of frames: vector entries first, then the
// rows (blocks and index rows cascade), then the files. A crash between
// steps leaves only orphaned files, which Recompute absorbs and a later
// pass cannot resurrect.
func (j *Job) deleteBatch(ctx context.Context, batch []types.Frame) error {
	ids := make([]string, len(batch))
	for i, f := range batch {
		ids[i] = f.ID
	}

	if j.index != nil {
		if err := j.index.DeleteByFrames(ctx, ids); err != nil {
			return fmt.Errorf("retention: failed to delete vectors: %w", err)
		}
	}
	if err := j.store.DeleteFrames(ctx, ids); err != nil {
		return fmt.Errorf("retention: failed to delete frame rows: %w", err)
	}

	for _, f := range batch {
		if isVideoPath(f.FilePath) {
			// Shared segment file: remove only when no frame references
			// it anymore. Segments live under the data dir, not the
			// frames tree.
			n, err := j.store.CountFramesWithPath(ctx, f.FilePath)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := j.removeDataPath(f.FilePath); err != nil {
					log.Printf("retention: failed to remove segment %s: %v", f.FilePath, err)
				}
			}
			continue
		}
		freed, err := j.frames.Remove(f.FilePath)
		if err != nil {
			log.Printf("retention: failed to remove %s: %v", f.FilePath, err)
			continue
		}
		if j.quota != nil {
			j.quota.Subtract(freed)
		}
		j.bytesFreed.Add(freed)
	}

	j.framesDeleted.Add(int64(len(batch)))
	log.Printf("retention: deleted %d expired frame(s)", len(batch))
	return nil
}

func isVideoPath(path string) bool {
	return strings.HasPrefix(path, "video/") || strings.HasPrefix(path, "video\\")
}
