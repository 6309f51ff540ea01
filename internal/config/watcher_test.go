package config

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestDebouncer_Coalesces(t *testing.T) {
	var mu sync.Mutex
	var calls [][]string
	d := NewDebouncer(20*time.Millisecond, func(paths []string) {
		mu.Lock()
		calls = append(calls, paths)
		mu.Unlock()
	})

	d.Add("b")
	d.Add("a")
	d.Add("b")

	if !d.IsPending() {
		t.Error("expected pending changes")
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("callback called %d times, want 1", len(calls))
	}
	if !slices.Equal(calls[0], []string{"a", "b"}) {
		t.Errorf("paths = %v, want [a b]", calls[0])
	}
}

func TestDebouncer_FlushAndCancel(t *testing.T) {
	var got []string
	d := NewDebouncer(time.Hour, func(paths []string) { got = paths })

	d.Add("x")
	d.Flush()
	if !slices.Equal(got, []string{"x"}) {
		t.Errorf("Flush delivered %v, want [x]", got)
	}

	got = nil
	d.Add("y")
	d.Cancel()
	d.Flush()
	if got != nil {
		t.Errorf("cancelled change delivered: %v", got)
	}
	if d.IsPending() {
		t.Error("nothing should be pending after Cancel")
	}
}

func TestWatcher_ReportsCreateAndWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "tasks.json")
	other := filepath.Join(dir, "other.json")

	changed := make(chan []string, 4)
	w, err := NewWatcher(func(paths []string) { changed <- paths }, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if err := w.Watch(target, filepath.Join(dir, "missing", "x.json")); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(other, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case paths := <-changed:
		want, _ := filepath.Abs(target)
		if !slices.Equal(paths, []string{want}) {
			t.Errorf("changed = %v, want [%s]", paths, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_Closed(t *testing.T) {
	w, err := NewWatcher(nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Watch(filepath.Join(t.TempDir(), "a")); err != ErrWatcherClosed {
		t.Errorf("Watch() after Close = %v, want ErrWatcherClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
