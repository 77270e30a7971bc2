package capture

import (
	"log"
	"sync"
)

// FreeSpaceFunc reports the free bytes on the filesystem holding path.
type FreeSpaceFunc func(path string) (int64, error)

// QuotaGauge tracks the archive's disk footprint incrementally. Capture
// adds the size of each committed frame, retention subtracts what it frees,
// and Recompute re-walks the tree to correct drift after restarts.
type QuotaGauge struct {
	store     *FrameStore
	freeSpace FreeSpaceFunc

	mu    sync.Mutex
	usage int64
}

// NewQuotaGauge creates a gauge seeded by walking the archive.
func NewQuotaGauge(store *FrameStore) (*QuotaGauge, error) {
	g := &QuotaGauge{store: store, freeSpace: diskFreeSpace}
	if err := g.Recompute(); err != nil {
		return nil, err
	}
	return g, nil
}

// Usage returns the tracked archive size in bytes.
func (g *QuotaGauge) Usage() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Add records bytes written to the archive.
func (g *QuotaGauge) Add(bytes int64) {
	g.mu.Lock()
	g.usage += bytes
	g.mu.Unlock()
}

// Subtract records bytes freed from the archive.
func (g *QuotaGauge) Subtract(bytes int64) {
	g.mu.Lock()
	g.usage -= bytes
	if g.usage < 0 {
		g.usage = 0
	}
	g.mu.Unlock()
}

// Recompute replaces the tracked value with a fresh walk of the archive.
// Called at startup and after retention passes.
func (g *QuotaGauge) Recompute() error {
	usage, err := g.store.DiskUsage()
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.usage = usage
	g.mu.Unlock()
	return nil
}

// Allowed reports whether capture may write another frame: archive usage
// must stay under maxUsageBytes and the filesystem must keep at least
// minFreeBytes free. A failed free-space probe allows capture rather than
// pausing on a measurement error.
func (g *QuotaGauge) Allowed(maxUsageBytes, minFreeBytes int64) bool {
	if maxUsageBytes > 0 && g.Usage() >= maxUsageBytes {
		return false
	}
	if minFreeBytes > 0 {
		free, err := g.freeSpace(g.store.Root())
		if err != nil {
			log.Printf("capture: free space probe failed: %v", err)
			return true
		}
		if free < minFreeBytes {
			return false
		}
	}
	return true
}
