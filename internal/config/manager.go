package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// RoutingManager holds the active routing document and swaps it when the
// file on disk changes. Readers call Current per request.
type RoutingManager struct {
	current atomic.Pointer[Routing]
	path    string

	mu       sync.Mutex
	check    func(*Routing) error
	onChange []func(*Routing)
}

func NewRoutingManager(path string) (*RoutingManager, error) {
	r, err := LoadRouting(path)
	if err != nil {
		return nil, err
	}

	m := &RoutingManager{path: path}
	m.current.Store(r)
	return m, nil
}

func (m *RoutingManager) Current() *Routing {
	return m.current.Load()
}

// SetCheck installs an extra validation step run before a reloaded document
// is accepted, e.g. checking it against the provider registry.
func (m *RoutingManager) SetCheck(fn func(*Routing) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.check = fn
}

func (m *RoutingManager) OnChange(fn func(*Routing)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch reloads the document on write/create events until ctx is done.
func (m *RoutingManager) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("watch routing config: no file configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *RoutingManager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := m.Reload(); err != nil {
					slog.Error("routing config reload rejected, keeping current", "path", m.path, "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("routing config watcher error", "error", err)
		}
	}
}

// Reload re-reads the file and swaps it in if it validates.
func (m *RoutingManager) Reload() error {
	next, err := LoadRouting(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	check := m.check
	listeners := append([]func(*Routing){}, m.onChange...)
	m.mu.Unlock()

	if check != nil {
		if err := check(next); err != nil {
			return err
		}
	}

	m.current.Store(next)
	slog.Info("routing config reloaded", "path", m.path, "providers", len(next.Providers), "tasks", len(next.Tasks))

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}
