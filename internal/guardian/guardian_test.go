package guardian

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func totalBytes(t *testing.T, root string) int64 {
	t.Helper()
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return total
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestEnforceCapacityEvictsOldestFirst(t *testing.T) {
	root := t.TempDir()
	g := New(Config{MediaRoot: root})

	now := time.Now()
	// four 100-byte files with distinct mtimes, oldest in sess-a
	writeFile(t, filepath.Join(root, "sess-a", "old1.jpg"), 100, now.Add(-4*time.Hour))
	writeFile(t, filepath.Join(root, "sess-a", "old2.jpg"), 100, now.Add(-3*time.Hour))
	writeFile(t, filepath.Join(root, "sess-b", "new1.jpg"), 100, now.Add(-2*time.Hour))
	writeFile(t, filepath.Join(root, "sess-b", "new2.jpg"), 100, now.Add(-1*time.Hour))

	if err := g.EnforceCapacity(250); err != nil {
		t.Fatalf("EnforceCapacity: %v", err)
	}

	if total := totalBytes(t, root); total > 250 {
		t.Fatalf("total bytes after enforcement = %d, want <= 250", total)
	}
	if exists(filepath.Join(root, "sess-a", "old1.jpg")) || exists(filepath.Join(root, "sess-a", "old2.jpg")) {
		t.Error("oldest files survived eviction")
	}
	if !exists(filepath.Join(root, "sess-b", "new1.jpg")) || !exists(filepath.Join(root, "sess-b", "new2.jpg")) {
		t.Error("newest files that fit the budget were evicted")
	}
	// sess-a is now empty and should be pruned
	if exists(filepath.Join(root, "sess-a")) {
		t.Error("empty session directory was not pruned")
	}
}

func TestEnforceCapacityUnderBudgetIsNoop(t *testing.T) {
	root := t.TempDir()
	g := New(Config{MediaRoot: root})

	writeFile(t, filepath.Join(root, "sess", "a.jpg"), 100, time.Now())

	if err := g.EnforceCapacity(1000); err != nil {
		t.Fatalf("EnforceCapacity: %v", err)
	}
	if !exists(filepath.Join(root, "sess", "a.jpg")) {
		t.Fatal("file under budget was deleted")
	}
}

func TestEnforceCapacitySingleOversizedFile(t *testing.T) {
	root := t.TempDir()
	g := New(Config{MediaRoot: root})

	writeFile(t, filepath.Join(root, "sess", "huge.mp4"), 1000, time.Now())

	if err := g.EnforceCapacity(500); err != nil {
		t.Fatalf("EnforceCapacity: %v", err)
	}
	if total := totalBytes(t, root); total != 0 {
		t.Fatalf("oversized file not evicted, total = %d", total)
	}
}

func TestCleanupOldFiles(t *testing.T) {
	root := t.TempDir()
	g := New(Config{MediaRoot: root})

	now := time.Now()
	writeFile(t, filepath.Join(root, "sess", "stale.jpg"), 10, now.Add(-48*time.Hour))
	writeFile(t, filepath.Join(root, "sess", "fresh.jpg"), 10, now.Add(-time.Hour))

	// usage is far under any budget; age alone triggers deletion
	if err := g.CleanupOldFiles(24 * time.Hour); err != nil {
		t.Fatalf("CleanupOldFiles: %v", err)
	}

	if exists(filepath.Join(root, "sess", "stale.jpg")) {
		t.Error("stale file survived age cleanup")
	}
	if !exists(filepath.Join(root, "sess", "fresh.jpg")) {
		t.Error("fresh file was deleted")
	}
}

func TestCleanupPrunesNestedEmptyDirs(t *testing.T) {
	root := t.TempDir()
	g := New(Config{MediaRoot: root})

	writeFile(t, filepath.Join(root, "sess", "piece", "old.jpg"), 10, time.Now().Add(-48*time.Hour))

	if err := g.CleanupOldFiles(24 * time.Hour); err != nil {
		t.Fatalf("CleanupOldFiles: %v", err)
	}

	if exists(filepath.Join(root, "sess")) {
		t.Error("nested empty directories were not pruned")
	}
	if !exists(root) {
		t.Error("media root itself was removed")
	}
}
