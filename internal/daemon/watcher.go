package daemon

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type watchedDir struct {
	watched bool
	pending bool
}

// SourceWatcher tracks which source directories saw table file changes.
// It uses fsnotify; a directory that cannot be watched is always reported
// as changed.
type SourceWatcher struct {
	watcher   *fsnotify.Watcher
	extension string
	logger    *log.Logger

	mu      sync.Mutex
	dirs    map[string]*watchedDir
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSourceWatcher creates a watcher for files ending in extension
// (case-insensitive). It must be started with Start.
func NewSourceWatcher(extension string, logger *log.Logger) (*SourceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SourceWatcher{
		watcher:   w,
		extension: strings.ToLower(extension),
		logger:    logger,
		dirs:      make(map[string]*watchedDir),
		done:      make(chan struct{}),
	}, nil
}

// Start begins processing file system events.
func (sw *SourceWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops the event loop and releases the fsnotify watcher.
func (sw *SourceWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	err := sw.watcher.Close()
	sw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Sync makes the watched set equal to dirs. Newly added directories start
// out pending so that their first pass always runs.
func (sw *SourceWatcher) Sync(dirs []string) {
	want := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		want[filepath.Clean(d)] = true
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	for dir, st := range sw.dirs {
		if want[dir] {
			continue
		}
		if st.watched {
			_ = sw.watcher.Remove(dir)
		}
		delete(sw.dirs, dir)
	}
	for dir := range want {
		if _, ok := sw.dirs[dir]; ok {
			continue
		}
		st := &watchedDir{pending: true}
		sw.dirs[dir] = st
		sw.addLocked(dir, st)
	}
}

func (sw *SourceWatcher) addLocked(dir string, st *watchedDir) {
	if err := sw.watcher.Add(dir); err != nil {
		sw.logger.Printf("Cannot watch %s: %v", dir, err)
		return
	}
	st.watched = true
}

// Take reports whether dir changed since the previous Take and clears the
// mark. Directories that are not (yet) watched always report a change.
func (sw *SourceWatcher) Take(dir string) bool {
	dir = filepath.Clean(dir)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	st, ok := sw.dirs[dir]
	if !ok {
		return true
	}
	if !st.watched {
		sw.addLocked(dir, st)
		return true
	}
	pending := st.pending
	st.pending = false
	return pending
}

func (sw *SourceWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handle(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (sw *SourceWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	// A watched directory that is removed or renamed drops out of fsnotify.
	if st, ok := sw.dirs[filepath.Clean(event.Name)]; ok {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			st.watched = false
			st.pending = true
		}
		return
	}

	if !strings.HasSuffix(strings.ToLower(event.Name), sw.extension) {
		return
	}
	if st, ok := sw.dirs[filepath.Dir(event.Name)]; ok {
		st.pending = true
	}
}
