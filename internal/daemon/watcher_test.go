package daemon

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *SourceWatcher {
	t.Helper()
	sw, err := NewSourceWatcher(".db", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewSourceWatcher() failed: %v", err)
	}
	if err := sw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { sw.Stop() })
	return sw
}

// waitPending polls Take until it reports a change or the timeout expires.
func waitPending(sw *SourceWatcher, dir string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sw.Take(dir) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestSourceWatcher_NewDirIsPending(t *testing.T) {
	sw := newTestWatcher(t)
	dir := t.TempDir()
	sw.Sync([]string{dir})

	if !sw.Take(dir) {
		t.Error("newly synced directory should be pending")
	}
	if sw.Take(dir) {
		t.Error("Take should clear the pending mark")
	}
}

func TestSourceWatcher_TableWriteMarksPending(t *testing.T) {
	sw := newTestWatcher(t)
	dir := t.TempDir()
	sw.Sync([]string{dir})
	sw.Take(dir)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if sw.Take(dir) {
		t.Error("non-table file should not mark the directory")
	}

	if err := os.WriteFile(filepath.Join(dir, "Orders.DB"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !waitPending(sw, dir, 2*time.Second) {
		t.Error("table write did not mark the directory")
	}
}

func TestSourceWatcher_UnknownAndMissingDirs(t *testing.T) {
	sw := newTestWatcher(t)

	if !sw.Take("/not/synced") {
		t.Error("unknown directories should always report a change")
	}

	missing := filepath.Join(t.TempDir(), "later")
	sw.Sync([]string{missing})
	for i := 0; i < 2; i++ {
		if !sw.Take(missing) {
			t.Error("unwatchable directory should always report a change")
		}
	}
}

func TestSourceWatcher_SyncRemovesDirs(t *testing.T) {
	sw := newTestWatcher(t)
	a, b := t.TempDir(), t.TempDir()
	sw.Sync([]string{a, b})
	sw.Sync([]string{b})

	sw.mu.Lock()
	_, hasA := sw.dirs[a]
	_, hasB := sw.dirs[b]
	sw.mu.Unlock()
	if hasA || !hasB {
		t.Errorf("unexpected watched set: a=%v b=%v", hasA, hasB)
	}
}

func TestSourceWatcher_StartTwice(t *testing.T) {
	sw := newTestWatcher(t)
	if err := sw.Start(); err == nil {
		t.Error("expected error starting a running watcher")
	}
}
