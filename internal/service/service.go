// Package service assembles the capture, extraction, embedding, retention
// and summarization tasks into one supervised pipeline and exposes the
// query surface that sits on top of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hindsight-sh/hindsight/internal/capture"
	"github.com/hindsight-sh/hindsight/internal/config"
	"github.com/hindsight-sh/hindsight/internal/extract"
	"github.com/hindsight-sh/hindsight/internal/retention"
	"github.com/hindsight-sh/hindsight/internal/search"
	"github.com/hindsight-sh/hindsight/internal/semantic"
	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/internal/summarize"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// shutdownDrain bounds how long Stop waits for in-flight extractions.
const shutdownDrain = 10 * time.Second

// Components are the pipeline pieces the supervisor runs. Store, Frames,
// Quota, Scheduler, Queue and Searcher are required; the rest are optional
// and skipped when nil.
type Components struct {
	Store      storage.Store
	Frames     *capture.FrameStore
	Quota      *capture.QuotaGauge
	Scheduler  *capture.Scheduler
	Queue      *extract.Queue
	Searcher   *search.Searcher
	Indexer    *semantic.Indexer
	Retention  *retention.Job
	Summarizer *summarize.Summarizer
}

// Supervisor owns the lifecycle of every background task and serves
// queries while they run. Degraded capability is preferred over stopping:
// an optional task failing never takes the pipeline down.
type Supervisor struct {
	manager *config.Manager
	c       Components

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startedAt time.Time
}

// New wires a supervisor. manager may be nil when config hot-reload is not
// wanted (tests).
func New(manager *config.Manager, c Components) (*Supervisor, error) {
	if c.Store == nil || c.Frames == nil || c.Quota == nil || c.Scheduler == nil || c.Queue == nil {
		return nil, errors.New("service: store, frames, quota, scheduler and queue are required")
	}
	return &Supervisor{manager: manager, c: c}, nil
}

// Start verifies storage, recovers interrupted work and launches the
// background tasks. It returns once everything is running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return errors.New("service: already started")
	}

	// A frame committed without its index row means a past crash; rebuild
	// before serving queries.
	rebuilt, err := s.c.Store.CheckIndexConsistency(ctx)
	if err != nil {
		return fmt.Errorf("service: index consistency check failed: %w", err)
	}
	if rebuilt > 0 {
		log.Printf("service: rebuilt search index (%d rows)", rebuilt)
	}

	if err := s.c.Quota.Recompute(); err != nil {
		log.Printf("service: initial quota scan failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.c.Queue.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if n, err := s.c.Queue.RecoverPending(ctx); err != nil {
		log.Printf("service: failed to recover pending frames: %v", err)
	} else if n > 0 {
		log.Printf("service: requeued %d pending frames", n)
	}

	s.spawn(func() { _ = s.c.Scheduler.Run(runCtx) })
	if s.c.Indexer != nil {
		s.spawn(func() { _ = s.c.Indexer.Run(runCtx) })
	}
	if s.c.Retention != nil {
		s.spawn(func() { _ = s.c.Retention.Run(runCtx) })
	}
	if s.c.Summarizer != nil {
		s.spawn(func() { _ = s.c.Summarizer.Run(runCtx) })
	}
	if s.manager != nil {
		s.manager.OnChange(s.applyConfig)
	}

	s.startedAt = time.Now()
	s.running.Store(true)
	log.Printf("service: pipeline started")
	return nil
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop cancels the background tasks and drains in-flight extractions.
// Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	s.cancel()
	s.c.Queue.Shutdown(shutdownDrain)
	s.wg.Wait()
	s.running.Store(false)
	log.Printf("service: pipeline stopped")
}

// applyConfig pushes reloadable settings into running components. Only the
// capture section takes effect without a restart.
func (s *Supervisor) applyConfig(cfg *config.Config) {
	s.c.Scheduler.SetOptions(CaptureOptions(cfg))
	log.Printf("service: applied reloaded capture settings")
}

// CaptureOptions converts the config capture section into scheduler
// options.
func CaptureOptions(cfg *config.Config) capture.Options {
	return capture.Options{
		ActiveFPS:           cfg.Capture.ActiveFPS,
		IdleFPS:             cfg.Capture.IdleFPS,
		IdleThreshold:       cfg.Capture.IdleThreshold.Std(),
		SimilarityThreshold: cfg.Capture.SimilarityThreshold,
		MaxDiskUsageBytes:   int64(cfg.Capture.MaxDiskUsageGB * float64(1<<30)),
		MinFreeBytes:        int64(cfg.Capture.MinFreeSpaceGB * float64(1<<30)),
	}
}

// Status reports pipeline counters plus storage totals.
func (s *Supervisor) Status(ctx context.Context) (types.Status, error) {
	cs := s.c.Scheduler.Stats()
	ext := s.c.Queue.Stats()

	st := types.Status{
		Running:         s.running.Load(),
		FramesCaptured:  cs.Captured,
		FramesSkipped:   cs.Skipped,
		FramesExtracted: ext.Extracted,
		FramesFailed:    ext.Failed,
		BlocksIndexed:   ext.BlocksIndexed,
		QueueDepth:      ext.Depth,
		DiskUsageBytes:  s.c.Quota.Usage(),
	}
	if st.Running {
		st.StartedAt = s.startedAt
	}

	dbStats, err := s.c.Store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.FrameCount = dbStats.FrameCount
	st.TextBlockCount = dbStats.TextBlockCount
	return st, nil
}

// degradedFailureStreak is how many consecutive capture or extraction
// failures turn the health state degraded. A lone bad frame recovers on
// the next success; a dead OCR backend or lost display does not.
const degradedFailureStreak = 3

// Health classifies the pipeline's condition. Quota pauses, failure
// streaks, and extraction backlogs are reported without stopping anything.
func (s *Supervisor) Health() types.Health {
	h := types.Health{
		State:     types.HealthHealthy,
		UpdatedAt: time.Now(),
	}
	if !s.running.Load() {
		h.State = types.HealthStopped
		return h
	}

	cs := s.c.Scheduler.Stats()
	ext := s.c.Queue.Stats()
	h.CaptureFailures = int(cs.Failures)
	h.ExtractionFailures = int(ext.Failed)
	h.QueueDepth = ext.Depth
	h.DiskUsageBytes = s.c.Quota.Usage()

	switch {
	case cs.PausedQuota:
		h.State = types.HealthPausedQuota
		h.Detail = "capture paused: disk quota exceeded"
	case cs.ConsecutiveFailures >= degradedFailureStreak:
		h.State = types.HealthDegraded
		h.Detail = fmt.Sprintf("capture failing repeatedly (%d in a row)", cs.ConsecutiveFailures)
	case ext.ConsecutiveFailed >= degradedFailureStreak:
		h.State = types.HealthDegraded
		h.Detail = fmt.Sprintf("extraction failing repeatedly (%d frames in a row)", ext.ConsecutiveFailed)
	case s.c.Queue.Backlogged():
		h.State = types.HealthDegraded
		h.Detail = "extraction queue backlogged"
	}
	return h
}

// Search runs a query against the archive.
func (s *Supervisor) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	if s.c.Searcher == nil {
		return nil, errors.New("service: search is not configured")
	}
	return s.c.Searcher.Search(ctx, q)
}

// ListFrames pages through captured frames, newest first.
func (s *Supervisor) ListFrames(ctx context.Context, opts storage.ListOptions) ([]types.Frame, int, error) {
	return s.c.Store.ListFrames(ctx, opts)
}

// FrameText returns the extracted text blocks for one frame.
func (s *Supervisor) FrameText(ctx context.Context, frameID string) ([]types.TextBlock, error) {
	return s.c.Store.TextBlocksByFrame(ctx, frameID)
}

// AppUsage returns per-application usage, most used first.
func (s *Supervisor) AppUsage(ctx context.Context, limit int) ([]types.AppUsage, error) {
	return s.c.Store.AppUsageStats(ctx, limit)
}

// Summaries returns generated summaries overlapping [start, end].
func (s *Supervisor) Summaries(ctx context.Context, start, end time.Time) ([]types.Summary, error) {
	return s.c.Store.SummariesBetween(ctx, start, end)
}

// Setting reads a persisted runtime setting.
func (s *Supervisor) Setting(ctx context.Context, key string) (string, error) {
	return s.c.Store.GetSetting(ctx, key)
}

// UpdateSetting persists a runtime setting override.
func (s *Supervisor) UpdateSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: setting key is empty", storage.ErrInvalidInput)
	}
	return s.c.Store.SetSetting(ctx, key, value)
}

// ResetSetting removes a runtime setting override.
func (s *Supervisor) ResetSetting(ctx context.Context, key string) error {
	return s.c.Store.DeleteSetting(ctx, key)
}
