package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration and swaps in a new one when the
// file changes on disk. Readers call Current on every use; the pointer swap
// is atomic so a reload never exposes a half-written config.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewManager loads the initial configuration from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live configuration. The returned value must be
// treated as read-only.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Watch blocks until ctx is cancelled, reloading the configuration whenever
// the file is written. A reload that fails to parse or validate keeps the
// previous configuration in place.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		// Editors replace files on save; watch the parent so the path keeps
		// firing events after a rename-over.
		log.Printf("config: cannot watch %s directly (%v), watching parent directory", m.path, err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	// Debounce: editors often emit several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != m.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watch error: %v", err)

		case <-pending:
			pending = nil
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		log.Printf("config: reload failed, keeping previous configuration: %v", err)
		return
	}
	m.current.Store(cfg)
	log.Printf("config: reloaded from %s", m.path)

	m.mu.Lock()
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}
