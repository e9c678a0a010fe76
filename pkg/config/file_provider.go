package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// FileProvider watches a pipeline definition file and publishes a new
// Snapshot whenever it changes and still parses. A broken edit keeps the
// previous snapshot.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileProvider creates a provider watching the specified file. The
// initial load must succeed.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileProvider{path: absPath, logger: logger, done: make(chan struct{})}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// CurrentSnapshot returns the most recent good snapshot.
func (p *FileProvider) CurrentSnapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives snapshots. The current snapshot
// is delivered immediately; a slow reader only ever sees the latest one.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.load(); err != nil {
						p.logger.Error("pipeline file reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("pipeline file reloaded", "path", p.path, "generation", p.CurrentSnapshot().Generation)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("pipeline file watcher error", "error", err)
		}
	}
}

func (p *FileProvider) load() error {
	f, err := LoadPipelineFile(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.snapshot = Snapshot{
		Generation: p.snapshot.Generation + 1,
		ReceivedAt: time.Now(),
		Pipelines:  f,
	}
	snap := p.snapshot
	subscribers := make([]chan Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	return nil
}
