package daemon

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimeFormat is used for reload and summary timestamps.
const TimeFormat = "2006.01.02 15:04:05"

var repeatedSpaces = regexp.MustCompile(` {2,}`)

// StatusReporter holds the last reload time and the latest status text of
// each task. The scheduler writes it; any goroutine may read it.
type StatusReporter struct {
	mu       sync.RWMutex
	reloaded time.Time
	statuses map[string]string
	changed  chan struct{}
}

// NewStatusReporter returns an empty reporter.
func NewStatusReporter() *StatusReporter {
	return &StatusReporter{
		statuses: make(map[string]string),
		changed:  make(chan struct{}),
	}
}

// MarkReloaded records a task list reload at t and drops the statuses of
// tasks that are no longer listed.
func (r *StatusReporter) MarkReloaded(t time.Time, names []string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reloaded = t
	for name := range r.statuses {
		if !keep[name] {
			delete(r.statuses, name)
		}
	}
	r.broadcastLocked()
}

// Set records the status text of a task.
func (r *StatusReporter) Set(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.statuses[name]; ok && old == text {
		return
	}
	r.statuses[name] = text
	r.broadcastLocked()
}

// Get returns the status text of a task.
func (r *StatusReporter) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[name]
	return s, ok
}

// Reloaded returns the time of the last reload, zero if none happened.
func (r *StatusReporter) Reloaded() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloaded
}

// Changed returns a channel that is closed on the next update.
func (r *StatusReporter) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

func (r *StatusReporter) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Text renders the daemon status: the reload time followed by one entry
// per task, sorted by name. Tabs and runs of spaces are collapsed to one
// space.
func (r *StatusReporter) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reloaded := "never"
	if !r.reloaded.IsZero() {
		reloaded = r.reloaded.Format(TimeFormat)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daemon is running.\n\tConfiguration reloaded: %s", reloaded)

	names := make([]string, 0, len(r.statuses))
	for name := range r.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s:\n\t %s", name, r.statuses[name])
	}
	return normalizeSpace(b.String())
}

func normalizeSpace(s string) string {
	return repeatedSpaces.ReplaceAllString(strings.ReplaceAll(s, "\t", " "), " ")
}
