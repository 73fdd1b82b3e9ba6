package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echoix/parabridge/internal/config"
	"github.com/echoix/parabridge/internal/dest"
	"github.com/echoix/parabridge/internal/mapper"
	"github.com/echoix/parabridge/internal/source"
	"github.com/echoix/parabridge/internal/store"
)

// Store is the part of the settings store the scheduler needs.
type Store interface {
	ListTasksContext(ctx context.Context) ([]store.Task, error)
	GetCheckpointContext(ctx context.Context, guid, file string) (*int64, error)
	SetCheckpointContext(ctx context.Context, guid, file string, index int64) error
}

// OpenFunc opens a destination database.
type OpenFunc func(ctx context.Context, dsn string) (*sql.DB, error)

// Config holds configuration for the scheduler.
type Config struct {
	// TickInterval is the pause between two passes over all tasks.
	TickInterval time.Duration

	// FilePause is the pause after each processed file. It bounds disk
	// and CPU usage on large directories.
	FilePause time.Duration

	// Extension selects table files in source directories
	// (case-insensitive).
	Extension string

	// Watch enables the fsnotify-based SourceWatcher.
	Watch bool

	// FullScanEvery forces a pass over every task every N ticks while
	// watching. Zero or less means every tick.
	FullScanEvery int

	// OpenDestination opens a task destination. Defaults to dest.Open.
	OpenDestination OpenFunc

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for scheduler activity
	Logger *log.Logger
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:    time.Second,
		FilePause:       time.Second,
		Extension:       ".db",
		FullScanEvery:   60,
		OpenDestination: dest.Open,
		Now:             time.Now,
		Logger:          log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler is the sync worker.
type Scheduler struct {
	store  Store
	reader source.Reader
	mapper *mapper.Mapper
	config *Config
	status *StatusReporter

	watcher *SourceWatcher

	// dirty requests a task list reload on the next tick.
	dirty atomic.Bool

	// Owned by the loop goroutine.
	tasks   []store.Task
	lastOK  map[string]bool
	lastErr map[string]string
	ticks   int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with default configuration.
func New(st Store, reader source.Reader, m *mapper.Mapper) (*Scheduler, error) {
	return NewWithConfig(st, reader, m, DefaultConfig())
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(st Store, reader source.Reader, m *mapper.Mapper, cfg *Config) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	if m == nil {
		m = mapper.New()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Extension == "" {
		cfg.Extension = def.Extension
	}
	if cfg.OpenDestination == nil {
		cfg.OpenDestination = def.OpenDestination
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	s := &Scheduler{
		store:   st,
		reader:  reader,
		mapper:  m,
		config:  cfg,
		status:  NewStatusReporter(),
		lastOK:  make(map[string]bool),
		lastErr: make(map[string]string),
	}
	s.dirty.Store(true)

	if cfg.Watch {
		w, err := NewSourceWatcher(cfg.Extension, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}
	return s, nil
}

// ConfigChanged marks the task list stale. The next tick reloads it.
func (s *Scheduler) ConfigChanged() {
	s.dirty.Store(true)
}

// Status returns the status reporter.
func (s *Scheduler) Status() *StatusReporter {
	return s.status
}

// StatusText renders the current status.
func (s *Scheduler) StatusText() string {
	return s.status.Text()
}

// StatusChanged returns a channel closed on the next status update.
func (s *Scheduler) StatusChanged() <-chan struct{} {
	return s.status.Changed()
}

// Start runs the loop in a background goroutine until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(ctx); err != nil {
			s.config.Logger.Printf("Scheduler stopped: %v", err)
		}
	}()
	return nil
}

// Stop cancels the loop and waits for the current file to be abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.config.Logger.Println("Stopping scheduler")
	cancel()
	s.wg.Wait()
	s.config.Logger.Println("Scheduler stopped")
}

// Run executes ticks until ctx is done. It blocks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.config.Logger.Println("Starting scheduler")

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
		defer s.watcher.Stop()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		s.Tick(ctx)
		timer.Reset(s.config.TickInterval)
	}
}

// Tick runs one pass: reload if needed, then process every cached task.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.dirty.Swap(false) {
		if err := s.reload(ctx); err != nil {
			s.dirty.Store(true)
			s.config.Logger.Printf("Failed to reload tasks: %v", err)
		}
	}

	s.ticks++
	full := s.watcher == nil || s.config.FullScanEvery <= 0 || (s.ticks-1)%s.config.FullScanEvery == 0

	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return
		}

		if s.watcher != nil {
			changed := true
			if src, err := config.ExpandHome(task.Source); err == nil {
				changed = s.watcher.Take(src)
			}
			if !full && !changed && s.lastOK[task.GUID] {
				continue
			}
		}

		err := s.processTask(ctx, task)
		s.lastOK[task.GUID] = settled(err)
		if ctx.Err() != nil {
			return
		}

		// Repeated failures are logged once, until the error changes.
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if msg != s.lastErr[task.GUID] && msg != "" {
			s.config.Logger.Printf("Task %s: %v", task.Name, err)
		}
		s.lastErr[task.GUID] = msg
	}
}

// settled reports whether a task pass left nothing to retry. Unsupported
// tables never become readable, so they do not count as failures.
func settled(err error) bool {
	if err == nil {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !settled(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, source.ErrUnsupported)
}

func (s *Scheduler) reload(ctx context.Context) error {
	tasks, err := s.store.ListTasksContext(ctx)
	if err != nil {
		return err
	}
	s.tasks = tasks

	names := make([]string, len(tasks))
	keep := make(map[string]bool, len(tasks))
	var dirs []string
	for i, t := range tasks {
		names[i] = t.Name
		keep[t.GUID] = true
		if src, err := config.ExpandHome(t.Source); err == nil {
			dirs = append(dirs, src)
		}
	}
	for guid := range s.lastOK {
		if !keep[guid] {
			delete(s.lastOK, guid)
			delete(s.lastErr, guid)
		}
	}
	if s.watcher != nil {
		s.watcher.Sync(dirs)
	}

	s.status.MarkReloaded(s.config.Now(), names)
	s.config.Logger.Printf("Loaded %d tasks", len(tasks))
	return nil
}

// processTask catches up every table file of one task. It returns nil when
// all files succeeded.
func (s *Scheduler) processTask(ctx context.Context, task store.Task) error {
	setStatus := func(text string) { s.status.Set(task.Name, text) }

	src, err := config.ExpandHome(task.Source)
	if err != nil {
		setStatus(err.Error())
		return err
	}
	dst, err := config.ExpandHome(task.Destination)
	if err != nil {
		setStatus(err.Error())
		return err
	}

	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		setStatus(fmt.Sprintf("Path \"%s\" not found.", src))
		return fmt.Errorf("%w: %s not found", ErrSourceUnavailable, src)
	}
	if err != nil {
		setStatus(fmt.Sprintf("Path \"%s\" is not accessible: %v.", src, err))
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if !info.IsDir() {
		setStatus(fmt.Sprintf("Path \"%s\" is not a directory.", src))
		return fmt.Errorf("%w: %s is not a directory", ErrSourceUnavailable, src)
	}

	files, err := s.listFiles(src)
	if err != nil {
		setStatus(fmt.Sprintf("Path \"%s\" cannot be listed: %v.", src, err))
		return err
	}
	if len(files) == 0 {
		setStatus(fmt.Sprintf("No %s files in \"%s\".", s.config.Extension, src))
		return nil
	}

	conn, err := s.config.OpenDestination(ctx, dst)
	if err != nil {
		setStatus(fmt.Sprintf("Destination \"%s\" unavailable: %v.", dst, err))
		return err
	}
	defer conn.Close()

	var (
		processed int
		failures  []string
		errs      []error
	)
	for i, name := range files {
		setStatus(fmt.Sprintf("Processing %d/%d", i+1, len(files)))

		err := s.catchUp(ctx, conn, task.GUID, filepath.Join(src, name))
		if ctx.Err() != nil {
			return source.Cancelled(ctx.Err())
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %s.", name, describe(err)))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else {
			processed++
		}

		if !sleep(ctx, s.config.FilePause) {
			return source.Cancelled(ctx.Err())
		}
	}

	summary := fmt.Sprintf("Processed %d/%d at %s.", processed, len(files), s.config.Now().Format(TimeFormat))
	if len(failures) > 0 {
		summary += " " + strings.Join(failures, " ")
	}
	setStatus(summary)
	return errors.Join(errs...)
}

// listFiles returns the regular files in dir matching the table extension,
// in directory listing order.
func (s *Scheduler) listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(s.config.Extension)

	var files []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ext) {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

func describe(err error) string {
	var ce *ConsistencyError
	switch {
	case errors.As(err, &ce):
		return "consistency error"
	case errors.Is(err, source.ErrUnsupported):
		return "unsupported table"
	}
	return err.Error()
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
