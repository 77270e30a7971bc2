package extract

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hindsight-sh/hindsight/internal/capture"
	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// Options are the queue's tunables.
type Options struct {
	QueueSize    int
	Workers      int
	BatchSize    int
	MaxRetries   int
	RateLimitRPM int
	HighWater    int
	BackoffBase  time.Duration
	Timeout      time.Duration
}

// Stats are the queue's counters. Failed is cumulative; ConsecutiveFailed
// counts permanent failures since the last successful frame and resets to
// zero on success, so health reporting can tell a broken engine from the
// occasional unreadable frame.
type Stats struct {
	Extracted         int64
	Failed            int64
	ConsecutiveFailed int64
	BlocksIndexed     int64
	Depth             int
}

// Queue feeds captured frames to extraction workers through a bounded
// channel. Transient engine failures retry with exponential backoff; a
// frame that exhausts its retries is marked failed exactly once and never
// produces blocks. Frames sitting in the queue or being processed are
// tracked so retention will not delete them out from under a worker.
type Queue struct {
	store  storage.Store
	engine Engine
	frames *capture.FrameStore
	opts   Options

	ch      chan types.Frame
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu           sync.Mutex
	inflight     map[string]struct{}
	started      bool
	shuttingDown bool

	extracted     atomic.Int64
	failed        atomic.Int64
	consecFailed  atomic.Int64
	blocksIndexed atomic.Int64
}

// NewQueue builds the queue; Start must be called before frames flow.
func NewQueue(store storage.Store, engine Engine, frames *capture.FrameStore, opts Options) *Queue {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.HighWater <= 0 || opts.HighWater > opts.QueueSize {
		opts.HighWater = opts.QueueSize * 3 / 4
	}

	limit := rate.Inf
	if opts.RateLimitRPM > 0 {
		limit = rate.Limit(float64(opts.RateLimitRPM) / 60.0)
	}

	return &Queue{
		store:    store,
		engine:   engine,
		frames:   frames,
		opts:     opts,
		ch:       make(chan types.Frame, opts.QueueSize),
		limiter:  rate.NewLimiter(limit, 1),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the worker pool. It is an error to start twice.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("extract: queue already started")
	}
	q.started = true

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	log.Printf("extract: started %d worker(s), queue size %d", q.opts.Workers, q.opts.QueueSize)
	return nil
}

// Shutdown stops accepting new frames and waits up to timeout for workers
// to finish their current frame. Queued frames remain pending in the store
// and are recovered on the next start.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("extract: workers drained")
	case <-time.After(timeout):
		log.Printf("extract: shutdown timed out after %s, abandoning in-flight work", timeout)
	}
}

// TryEnqueue offers a frame to the queue without blocking. Returns false
// when the queue is full or shutting down; the frame stays pending in the
// store either way.
func (q *Queue) TryEnqueue(f types.Frame) bool {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return false
	}
	if _, dup := q.inflight[f.ID]; dup {
		q.mu.Unlock()
		return true
	}
	q.inflight[f.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- f:
		return true
	default:
		q.mu.Lock()
		delete(q.inflight, f.ID)
		q.mu.Unlock()
		return false
	}
}

// Backlogged reports the queue crossing its high-water mark; capture slows
// to the idle rate while this holds.
func (q *Queue) Backlogged() bool {
	return len(q.ch) >= q.opts.HighWater
}

// Depth returns the number of frames waiting in the queue.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// InFlight reports whether a frame is queued or being processed. Retention
// skips these frames and deletes them on a later pass.
func (q *Queue) InFlight(frameID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[frameID]
	return ok
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Extracted:         q.extracted.Load(),
		Failed:            q.failed.Load(),
		ConsecutiveFailed: q.consecFailed.Load(),
		BlocksIndexed:     q.blocksIndexed.Load(),
		Depth:             len(q.ch),
	}
}

// RecoverPending re-enqueues frames left pending by a previous run or by a
// full queue. Returns how many frames were enqueued.
func (q *Queue) RecoverPending(ctx context.Context) (int, error) {
	free := q.opts.QueueSize - len(q.ch)
	if free <= 0 {
		return 0, nil
	}
	pending, err := q.store.PendingExtractionFrames(ctx, free)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range pending {
		if q.TryEnqueue(f) {
			n++
		}
	}
	if n > 0 {
		log.Printf("extract: recovered %d pending frame(s)", n)
	}
	return n, nil
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q.ch:
			// Drain up to a batch so a burst of captures is worked
			// through without going back to the channel per frame.
			batch := append(make([]types.Frame, 0, q.opts.BatchSize), f)
		drain:
			for len(batch) < q.opts.BatchSize {
				select {
				case next := <-q.ch:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			for _, frame := range batch {
				q.process(ctx, frame)
				q.mu.Lock()
				delete(q.inflight, frame.ID)
				q.mu.Unlock()
			}
		}
	}
}

// process runs the retry loop for one frame.
func (q *Queue) process(ctx context.Context, f types.Frame) {
	imagePath := q.frames.AbsPath(f.FilePath)

	var lastErr error
	for attempt := 0; attempt < q.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// base * 2^(attempt-1)
			backoff := q.opts.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if q.opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, q.opts.Timeout)
		}
		blocks, err := q.engine.Extract(attemptCtx, imagePath)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if err := q.commit(ctx, f, blocks); err != nil {
				lastErr = err
				continue
			}
			q.consecFailed.Store(0)
			return
		}
		lastErr = err
		log.Printf("extract: frame %s attempt %d/%d failed: %v", f.ID, attempt+1, q.opts.MaxRetries, err)
	}

	// Exhausted. The frame keeps its file and metadata; it simply has no
	// text blocks and is not retried again.
	q.failed.Add(1)
	q.consecFailed.Add(1)
	log.Printf("extract: frame %s failed permanently: %v", f.ID, lastErr)
	if err := q.store.SetExtractionStatus(ctx, f.ID, types.ExtractionFailed); err != nil {
		log.Printf("extract: failed to mark frame %s failed: %v", f.ID, err)
	}
}

// commit converts engine blocks into persistent text blocks and writes them
// with the frame's completed status in one transaction.
func (q *Queue) commit(ctx context.Context, f types.Frame, raw []Block) error {
	blocks := make([]types.TextBlock, 0, len(raw))
	for _, b := range raw {
		if len(b.Text) == 0 || Normalize(b.Text) == "" {
			continue
		}
		blocks = append(blocks, types.TextBlock{
			ID:             uuid.NewString(),
			FrameID:        f.ID,
			Text:           b.Text,
			NormalizedText: Normalize(b.Text),
			Confidence:     clampConfidence(b.Confidence),
			BBox:           b.BBox,
			Type:           classify(b.Type),
		})
	}

	if err := q.store.InsertTextBlocks(ctx, f.ID, blocks); err != nil {
		return fmt.Errorf("extract: failed to persist blocks for frame %s: %w", f.ID, err)
	}
	q.extracted.Add(1)
	q.blocksIndexed.Add(int64(len(blocks)))
	return nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
