package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testConfig(root string) *Config {
	cfg := Default()
	cfg.WatchRoots = []WatchRoot{
		{
			Path:          root,
			Recursive:     true,
			ExcludeHidden: true,
			ExcludeDirs:   []string{"node_modules", ".git"},
		},
	}
	cfg.BuildMaps()
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":43655" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.WorkerCount < 1 {
		t.Error("WorkerCount should be at least 1")
	}
	if cfg.RetryBudget != 3 {
		t.Errorf("RetryBudget = %d", cfg.RetryBudget)
	}
	if cfg.MaxCacheBytes != 256*1024*1024 {
		t.Errorf("MaxCacheBytes = %d", cfg.MaxCacheBytes)
	}
	if !cfg.IsTextFile("/tmp/notes.md") {
		t.Error("expected .md to be a text file")
	}
	if cfg.IsTextFile("/tmp/photo.jpg") {
		t.Error("expected .jpg not to be a text file")
	}
}

func TestShouldIndexFile(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "doc.txt"), true},
		{filepath.Join(root, "sub", "doc.txt"), true},
		{filepath.Join(root, ".hidden", "doc.txt"), false},
		{filepath.Join(root, ".secret.txt"), false},
		{filepath.Join(root, "node_modules", "pkg", "index.js"), false},
		{filepath.Join(root, ".git", "config"), false},
		{"/somewhere/else/doc.txt", false},
	}

	for _, tt := range tests {
		if got := cfg.ShouldIndexFile(tt.path); got != tt.want {
			t.Errorf("ShouldIndexFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.toml")

	cfg := testConfig(tmpDir)
	cfg.ListenAddr = ":9999"
	cfg.RetryBudget = 7

	if err := cfg.Save(cfgPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", loaded.ListenAddr)
	}
	if loaded.RetryBudget != 7 {
		t.Errorf("RetryBudget = %d", loaded.RetryBudget)
	}
	if len(loaded.WatchRoots) != 1 || loaded.WatchRoots[0].Path != tmpDir {
		t.Errorf("WatchRoots = %+v", loaded.WatchRoots)
	}
}

func TestLoadMissingCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "sub", "config.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":43655" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}

	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("expected config file to be created: %v", err)
	}
}

func TestAddRoot(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)

	other := filepath.Join(root, "..", "other")
	other, _ = filepath.Abs(other)

	cfg.AddRoot(other, true)
	if cfg.FindRoot(filepath.Join(other, "file.txt")) == nil {
		t.Error("expected added root to be found")
	}

	before := len(cfg.WatchRoots)
	cfg.AddRoot(other, true)
	if len(cfg.WatchRoots) != before {
		t.Error("adding a known root should be a no-op")
	}

	// Subpaths of an existing root are not new roots.
	cfg.AddRoot(filepath.Join(root, "sub"), true)
	if len(cfg.WatchRoots) != before {
		t.Error("adding a subpath of a known root should be a no-op")
	}
}

func TestAddRootConcurrentWithLookups(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)

	// AddRoot comes from API handlers while the monitor consults the
	// roots for every event. Run under -race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		newRoot := filepath.Join(root, "..", fmt.Sprintf("extra%d", i))
		newRoot, _ = filepath.Abs(newRoot)
		go func(p string) {
			defer wg.Done()
			cfg.AddRoot(p, true)
		}(newRoot)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg.ShouldIndexFile(filepath.Join(root, "doc.txt"))
				cfg.FindRoot(root)
			}
		}()
	}
	wg.Wait()

	if got := len(cfg.WatchRoots); got != 9 {
		t.Errorf("expected 9 roots after concurrent adds, got %d", got)
	}
}
