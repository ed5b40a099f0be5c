package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// VocabularyWatcher reloads the vocabulary file when it changes on disk and
// hands the parsed result to onReload. Parse failures keep the previous
// vocabulary in place.
type VocabularyWatcher struct {
	path     string
	onReload func(*Vocabulary)
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending bool
	done    chan struct{}
}

// NewVocabularyWatcher creates a watcher on the directory holding path
func NewVocabularyWatcher(path string, onReload func(*Vocabulary), logger *zap.Logger) (*VocabularyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files on save, so watch the directory instead of the inode.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &VocabularyWatcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		logger:   logger,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled
func (vw *VocabularyWatcher) Run(ctx context.Context) {
	defer close(vw.done)
	defer vw.watcher.Close()

	debounce := time.NewTicker(250 * time.Millisecond)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-vw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != vw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				vw.mu.Lock()
				vw.pending = true
				vw.mu.Unlock()
			}
		case err, ok := <-vw.watcher.Errors:
			if !ok {
				return
			}
			vw.logger.Warn("vocabulary watcher error", zap.Error(err))
		case <-debounce.C:
			vw.mu.Lock()
			fire := vw.pending
			vw.pending = false
			vw.mu.Unlock()
			if fire {
				vw.reload()
			}
		}
	}
}

// Done is closed once Run has returned
func (vw *VocabularyWatcher) Done() <-chan struct{} {
	return vw.done
}

func (vw *VocabularyWatcher) reload() {
	v, err := LoadVocabulary(vw.path)
	if err != nil {
		vw.logger.Warn("vocabulary reload failed, keeping previous", zap.String("path", vw.path), zap.Error(err))
		return
	}
	vw.logger.Info("vocabulary reloaded", zap.String("path", vw.path), zap.Int("domains", len(v.Domains)))
	vw.onReload(v)
}
