package persist

import (
	"context"
	"testing"

	"github.com/dshills/taskd/internal/task"
)

func backgroundTask(label string) *task.ConfiguredTask {
	return &task.ConfiguredTask{
		Base: task.Base{
			ID:           label,
			Label:        label,
			Scope:        task.FolderScope("/work/app", 0),
			Source:       task.SourceWorkspace,
			Identifier:   task.NewIdentifier("shell", map[string]any{"label": label}),
			IsBackground: true,
			RunOptions:   task.DefaultRunOptions(),
		},
		Execution: task.Execution{Command: "npm", Args: []string{"run", "watch"}},
	}
}

func TestStore_PersistentRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	s := NewStore(storage)

	watch := backgroundTask("watch")
	if err := s.SetPersistent(ctx, watch); err != nil {
		t.Fatalf("SetPersistent: %v", err)
	}

	reloaded := NewStore(storage)
	saved, err := reloaded.Saved(ctx, KindPersistent)
	if err != nil {
		t.Fatalf("Saved: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("len(saved) = %d, want 1", len(saved))
	}
	if saved[0].Key() != KeyOf(watch) {
		t.Errorf("Key() = %q, want %q", saved[0].Key(), KeyOf(watch))
	}

	rebuilt, ok := saved[0].Task().(*task.ConfiguredTask)
	if !ok {
		t.Fatalf("Task() = %T, want *task.ConfiguredTask", saved[0].Task())
	}
	if rebuilt.Execution.Command != "npm" {
		t.Errorf("Command = %q, want npm", rebuilt.Execution.Command)
	}
	if rebuilt.Key() != watch.Key() {
		t.Errorf("rebuilt Key() = %q, want %q", rebuilt.Key(), watch.Key())
	}

	if err := reloaded.RemovePersistent(ctx, KeyOf(watch)); err != nil {
		t.Fatalf("RemovePersistent: %v", err)
	}
	reloaded.Reload()
	saved, _ = reloaded.Saved(ctx, KindPersistent)
	if len(saved) != 0 {
		t.Errorf("len(saved) after remove = %d, want 0", len(saved))
	}
}

func TestStore_PersistentBound(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryStorage(), WithPersistentLimit(2))

	for _, label := range []string{"a", "b", "c"} {
		if err := s.SetPersistent(ctx, backgroundTask(label)); err != nil {
			t.Fatalf("SetPersistent(%s): %v", label, err)
		}
	}

	saved, _ := s.Persistent(ctx)
	if len(saved) != 2 {
		t.Fatalf("len(saved) = %d, want 2", len(saved))
	}
	if saved[0].Label != "c" || saved[1].Label != "b" {
		t.Errorf("saved = [%s %s], want [c b]", saved[0].Label, saved[1].Label)
	}
}

func TestStore_RecentlyUsedDisabled(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryStorage(), WithRecentlyUsedLimit(0))

	if err := s.AddRecentlyUsed(ctx, backgroundTask("a")); err != nil {
		t.Fatalf("AddRecentlyUsed: %v", err)
	}
	recent, _ := s.RecentlyUsed(ctx)
	if len(recent) != 0 {
		t.Errorf("len(recent) = %d, want 0", len(recent))
	}
}

func TestStore_MalformedFallsBackToEmpty(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	_ = storage.Set(ctx, PersistentKey, "{broken", ScopeWorkspace, DurabilityMachine)

	s := NewStore(storage)
	saved, err := s.Persistent(ctx)
	if err != nil {
		t.Fatalf("Persistent: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("len(saved) = %d, want 0", len(saved))
	}

	if err := s.SetPersistent(ctx, backgroundTask("a")); err != nil {
		t.Fatalf("SetPersistent: %v", err)
	}
	saved, _ = s.Persistent(ctx)
	if len(saved) != 1 {
		t.Errorf("len(saved) after write = %d, want 1", len(saved))
	}
}

func TestStore_LegacyMigration(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	_ = storage.Set(ctx, LegacyRecentlyUsedKey, `["build","missing","test"]`, ScopeWorkspace, DurabilityMachine)

	known := map[string]task.Task{
		"build": backgroundTask("build"),
		"test":  backgroundTask("test"),
	}
	s := NewStore(storage, WithLegacyResolver(func(_ context.Context, key string) task.Task {
		return known[key]
	}))

	recent, err := s.RecentlyUsed(ctx)
	if err != nil {
		t.Fatalf("RecentlyUsed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Label != "test" {
		t.Errorf("recent[0] = %q, want test", recent[0].Label)
	}
	if _, ok, _ := storage.Get(ctx, LegacyRecentlyUsedKey, ScopeWorkspace); ok {
		t.Error("legacy key was not removed")
	}
	if _, ok, _ := storage.Get(ctx, RecentlyUsedKey, ScopeWorkspace); !ok {
		t.Error("migrated history was not written")
	}
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}

	if _, ok, err := fs.Get(ctx, "k", ScopeWorkspace); err != nil || ok {
		t.Fatalf("Get on empty storage = ok %v, err %v", ok, err)
	}
	if err := fs.Set(ctx, "k", "v", ScopeWorkspace, DurabilityMachine); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := fs.Get(ctx, "k", ScopeWorkspace)
	if err != nil || !ok || v != "v" {
		t.Errorf("Get = %q, %v, %v; want v, true, nil", v, ok, err)
	}
	if _, ok, _ := fs.Get(ctx, "k", ScopeProfile); ok {
		t.Error("value leaked across scopes")
	}
	if err := fs.Remove(ctx, "k", ScopeWorkspace); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := fs.Get(ctx, "k", ScopeWorkspace); ok {
		t.Error("value still present after Remove")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, "memory", "", "")
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	defer closeFn()
	if _, ok := s.(*MemoryStorage); !ok {
		t.Errorf("Open(memory) = %T", s)
	}

	s, closeFn, err = Open(ctx, "file", t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open(file) error = %v", err)
	}
	defer closeFn()
	if _, ok := s.(*FileStorage); !ok {
		t.Errorf("Open(file) = %T", s)
	}

	if _, _, err := Open(ctx, "redis", "", ""); err == nil {
		t.Error("unknown driver should fail")
	}
}
