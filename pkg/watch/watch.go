// Package watch runs a callback when files under a set of paths change.
// Bursts of events are debounced into a single call.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// DefaultDelay is the debounce delay used when Options.Delay is zero.
const DefaultDelay = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Delay is how long the watcher waits after the last event before
	// calling OnChange.
	Delay time.Duration

	// Match reports whether a changed file is relevant. Nil matches every
	// file.
	Match func(path string) bool

	// OnChange receives the relevant files changed since the last call,
	// sorted by name.
	OnChange func(ctx context.Context, changed []string)
}

// Watcher watches files and directories with fsnotify.
type Watcher struct {
	opts    Options
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// New creates a watcher for the given paths. Directories are watched
// recursively; paths that do not exist are skipped.
func New(ctx context.Context, paths []string, opts Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		opts:    opts,
		watcher: fw,
		logger:  telemetry.FromContext(ctx).NewComponentLogger("watch"),
		pending: make(map[string]struct{}),
	}

	for _, path := range paths {
		if err := w.add(path); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		w.logger.WithField("path", path).Debug("Skipping missing watch path")
		return nil
	}
	if err != nil {
		return err
	}

	if !info.IsDir() {
		// Editors often replace files, so the parent directory is watched
		// and events are filtered by Match.
		return w.watcher.Add(filepath.Dir(path))
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.add(event.Name)
				}
			}
			if w.opts.Match != nil && !w.opts.Match(event.Name) {
				continue
			}

			w.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("File changed")
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Delay, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for name := range w.pending {
		changed = append(changed, name)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(changed) == 0 || ctx.Err() != nil {
		return
	}
	sort.Strings(changed)
	w.opts.OnChange(ctx, changed)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
