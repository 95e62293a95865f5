package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/tmslink/internal/util"
)

const (
	// DefaultStability is how long a new file's size must stay unchanged
	// before it is offered.
	DefaultStability = time.Second
	// DefaultPoll is how often settling files are checked.
	DefaultPoll = 100 * time.Millisecond
)

// WatchOptions configures Watch. The callbacks run on the watch goroutine.
type WatchOptions struct {
	Stability time.Duration
	Poll      time.Duration
	OnAdded   func(id uint32)
	OnRemoved func(id uint32)
}

// settling is a file that is still being written.
type settling struct {
	size  int64
	since time.Time
}

// Watch keeps the inventory in sync with the directory until ctx is done.
// A file is added once it has stopped growing; deletions and renames out of
// the directory are reported immediately.
func (d *Dir) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Stability <= 0 {
		opts.Stability = DefaultStability
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.root); err != nil {
		return fmt.Errorf("watch %s: %w", d.root, err)
	}
	util.LogInfo("monitoring directory: %s", d.root)

	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()

	pending := make(map[string]*settling)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				if _, err := d.fileID(event.Name); err != nil {
					if !errors.Is(err, errNotAudio) && event.Has(fsnotify.Create) {
						util.LogWarning("ignoring %s: %v", filepath.Base(event.Name), err)
					}
					continue
				}
				if s, ok := pending[event.Name]; ok {
					s.since = time.Now()
				} else {
					pending[event.Name] = &settling{size: -1, since: time.Now()}
				}

			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				delete(pending, event.Name)
				if id, ok := d.untrack(event.Name); ok {
					util.LogInfo("file removed: %s (ID %d)", filepath.Base(event.Name), id)
					if opts.OnRemoved != nil {
						opts.OnRemoved(id)
					}
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			util.LogWarning("file watcher: %v", err)

		case now := <-ticker.C:
			for path, s := range pending {
				info, err := os.Stat(path)
				if err != nil || !info.Mode().IsRegular() {
					delete(pending, path)
					continue
				}
				if info.Size() != s.size {
					s.size, s.since = info.Size(), now
					continue
				}
				if now.Sub(s.since) < opts.Stability {
					continue
				}

				delete(pending, path)
				id, added, err := d.track(path)
				if err != nil || !added {
					continue
				}
				util.LogInfo("file added: %s (ID %d)", filepath.Base(path), id)
				if opts.OnAdded != nil {
					opts.OnAdded(id)
				}
			}
		}
	}
}
