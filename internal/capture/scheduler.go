package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// Enqueuer hands captured frames to the extraction queue. TryEnqueue must
// not block; Backlogged reports the queue crossing its high-water mark so
// the scheduler can slow down.
type Enqueuer interface {
	TryEnqueue(f types.Frame) bool
	Backlogged() bool
}

// Options are the scheduler's tunables, replaceable at runtime via
// SetOptions on config reload.
type Options struct {
	ActiveFPS           float64
	IdleFPS             float64
	IdleThreshold       time.Duration
	SimilarityThreshold float64
	MaxDiskUsageBytes   int64
	MinFreeBytes        int64
}

// Stats are the scheduler's counters, read by the status interface.
// Failures is cumulative; ConsecutiveFailures counts ticks failed since the
// last successful one and resets when a grab goes through again.
type Stats struct {
	Captured            int64
	Skipped             int64
	SkippedQuota        int64
	Failures            int64
	ConsecutiveFailures int64
	PausedQuota         bool
}

// Scheduler drives the capture loop: grab, dedup, commit, record, enqueue.
// The cadence adapts to user activity and the loop pauses while the disk
// quota is exceeded.
type Scheduler struct {
	store    storage.Store
	frames   *FrameStore
	differ   *Differ
	quota    *QuotaGauge
	grabber  Grabber
	windows  WindowSource
	activity ActivitySource
	queue    Enqueuer
	tmpDir   string

	mu        sync.Mutex
	opts      Options
	lastTitle string

	captured      atomic.Int64
	skipped       atomic.Int64
	skippedQuota  atomic.Int64
	failures      atomic.Int64
	consecFailure atomic.Int64
	pausedQuota   atomic.Bool
}

// NewScheduler wires the capture loop. windows and activity may be nil;
// frames are then recorded without application metadata at the active rate.
func NewScheduler(store storage.Store, frames *FrameStore, quota *QuotaGauge, grabber Grabber, windows WindowSource, activity ActivitySource, queue Enqueuer, opts Options) (*Scheduler, error) {
	tmpDir := filepath.Join(filepath.Dir(frames.Root()), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: failed to create tmp directory: %w", err)
	}
	return &Scheduler{
		store:    store,
		frames:   frames,
		differ:   NewDiffer(opts.SimilarityThreshold),
		quota:    quota,
		grabber:  grabber,
		windows:  windows,
		activity: activity,
		queue:    queue,
		tmpDir:   tmpDir,
		opts:     opts,
	}, nil
}

// SetOptions replaces the tunables on config reload.
func (s *Scheduler) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	s.differ.SetThreshold(opts.SimilarityThreshold)
}

func (s *Scheduler) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Stats returns a snapshot of the loop's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Captured:            s.captured.Load(),
		Skipped:             s.skipped.Load(),
		SkippedQuota:        s.skippedQuota.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: s.consecFailure.Load(),
		PausedQuota:         s.pausedQuota.Load(),
	}
}

// Run blocks until ctx is cancelled, capturing frames at the adaptive rate.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("capture: scheduler started (active %.2f fps, idle %.2f fps)",
		s.options().ActiveFPS, s.options().IdleFPS)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("capture: scheduler stopped")
			return nil
		case <-timer.C:
		}

		s.tick(ctx)
		timer.Reset(s.interval())
	}
}

// interval derives the next capture delay from user activity, quota state,
// and extraction backpressure.
func (s *Scheduler) interval() time.Duration {
	opts := s.options()

	fps := opts.ActiveFPS
	if s.activity != nil {
		if idle, err := s.activity.IdleFor(); err == nil && idle >= opts.IdleThreshold {
			fps = opts.IdleFPS
		}
	}
	// A backlogged extraction queue slows capture to the idle rate rather
	// than dropping frames.
	if s.queue != nil && s.queue.Backlogged() {
		fps = opts.IdleFPS
	}
	if s.pausedQuota.Load() {
		fps = opts.IdleFPS
	}
	if fps <= 0 {
		fps = 0.2
	}
	return time.Duration(float64(time.Second) / fps)
}

func (s *Scheduler) tick(ctx context.Context) {
	opts := s.options()

	if !s.quota.Allowed(opts.MaxDiskUsageBytes, opts.MinFreeBytes) {
		s.skippedQuota.Add(1)
		if s.pausedQuota.CompareAndSwap(false, true) {
			log.Printf("capture: paused, disk quota exceeded (usage %d bytes)", s.quota.Usage())
		}
		return
	}
	if s.pausedQuota.CompareAndSwap(true, false) {
		log.Printf("capture: resumed, disk quota recovered")
	}

	if err := s.captureOne(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failures.Add(1)
		s.consecFailure.Add(1)
		log.Printf("capture: %v", err)
		return
	}
	s.consecFailure.Store(0)
}

func (s *Scheduler) captureOne(ctx context.Context) error {
	tmpPath := filepath.Join(s.tmpDir, uuid.NewString()+".png")
	defer os.Remove(tmpPath)

	if err := s.grabber.Grab(ctx, tmpPath); err != nil {
		return err
	}

	var win WindowInfo
	if s.windows != nil {
		if w, err := s.windows.ActiveWindow(ctx); err == nil {
			win = w
		}
	}

	// A window switch is always worth a frame even when the pixels barely
	// moved (menu bars dominate the hash).
	s.mu.Lock()
	titleChanged := win.Title != "" && win.Title != s.lastTitle
	s.lastTitle = win.Title
	s.mu.Unlock()
	if titleChanged {
		s.differ.Reset()
	}

	keep, _, err := s.differ.ShouldKeep(tmpPath)
	if err != nil {
		return err
	}
	if !keep {
		s.skipped.Add(1)
		return nil
	}

	ts := time.Now()
	id := uuid.NewString()
	frame := types.Frame{
		ID:               id,
		Timestamp:        ts,
		WindowTitle:      win.Title,
		AppBundleID:      win.BundleID,
		AppName:          win.AppName,
		FilePath:         s.frames.RelPath(ts, id),
		ScreenResolution: probeResolution(tmpPath),
		ExtractionStatus: types.ExtractionPending,
	}

	size, err := s.frames.Commit(tmpPath, &frame)
	if err != nil {
		return err
	}
	s.quota.Add(size)

	if err := s.store.InsertFrame(ctx, &frame); err != nil {
		// The file is already in the archive; remove it so the database
		// stays the source of truth.
		if freed, rmErr := s.frames.Remove(frame.FilePath); rmErr == nil {
			s.quota.Subtract(freed)
		}
		return err
	}

	if win.BundleID != "" && win.AppName != "" {
		if err := s.store.UpsertWindow(ctx, win.BundleID, win.AppName, ts); err != nil {
			log.Printf("capture: failed to record window sighting: %v", err)
		}
	}

	s.captured.Add(1)

	if s.queue != nil && !s.queue.TryEnqueue(frame) {
		// Queue full. The frame stays pending and the recovery scan will
		// re-enqueue it later.
		log.Printf("capture: extraction queue full, frame %s left pending", frame.ID)
	}
	return nil
}

// probeResolution reads the image header for its dimensions; failures
// degrade to an empty resolution string.
func probeResolution(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
}
