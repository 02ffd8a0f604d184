package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/BurntSushi/toml"
)

// WatchRoot is one monitored directory tree.
type WatchRoot struct {
	Path          string   `toml:"path"`
	Recursive     bool     `toml:"recursive"`
	ExcludeHidden bool     `toml:"exclude_hidden"`
	ExcludeDirs   []string `toml:"exclude_dirs"`

	excludeDirsMap map[string]bool
}

type Config struct {
	IndexPath  string `toml:"index_path"`
	CachePath  string `toml:"cache_path"`
	QueuePath  string `toml:"queue_path"`
	ListenAddr string `toml:"listen_addr"`

	MaxFileBytes int64 `toml:"max_file_bytes"`
	WorkerCount  int   `toml:"worker_count"`

	ExtractTimeoutSecs int `toml:"extract_timeout_secs"`
	RetryBudget        int `toml:"retry_budget"`

	CacheTTLHours    int   `toml:"cache_ttl_hours"`
	MaxCacheBytes    int64 `toml:"max_cache_bytes"`
	CacheCleanupMins int   `toml:"cache_cleanup_mins"`

	SyncIntervalSecs int `toml:"sync_interval_secs"`
	MaxSyncAttempts  int `toml:"max_sync_attempts"`

	DebounceMS            int  `toml:"debounce_ms"`
	ReconcileIntervalMins int  `toml:"reconcile_interval_mins"`
	EventBuffer           int  `toml:"event_buffer"`
	DropOnOverflow        bool `toml:"drop_on_overflow"`

	TextExts   []string    `toml:"text_extensions"`
	WatchRoots []WatchRoot `toml:"watch_roots"`

	textExtsMap map[string]bool

	// Guards WatchRoots: AddRoot runs from API handlers while monitor
	// goroutines consult the roots on every event.
	rootsMu sync.RWMutex
}

func Default() *Config {
	home, _ := os.UserHomeDir()

	defaultExcludeDirs := []string{
		"node_modules",
		"__pycache__",
		".venv",
		"venv",
		"dist",
		"build",
		"target",
		"vendor",
		".cache",
		".git",
		".idea",
		".vscode",
	}

	workerCount := runtime.NumCPU() / 2
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > 8 {
		workerCount = 8
	}

	dataDir := getDefaultDataDir()

	cfg := &Config{
		IndexPath:  filepath.Join(dataDir, "index"),
		CachePath:  filepath.Join(dataDir, "cache.db"),
		QueuePath:  filepath.Join(dataDir, "queue.db"),
		ListenAddr: ":43655",

		MaxFileBytes: 2 * 1024 * 1024,
		WorkerCount:  workerCount,

		ExtractTimeoutSecs: 30,
		RetryBudget:        3,

		CacheTTLHours:    24,
		MaxCacheBytes:    256 * 1024 * 1024,
		CacheCleanupMins: 60,

		SyncIntervalSecs: 30,
		MaxSyncAttempts:  5,

		DebounceMS:            500,
		ReconcileIntervalMins: 60,
		EventBuffer:           1024,
		DropOnOverflow:        true,

		WatchRoots: []WatchRoot{
			{
				Path:          home,
				Recursive:     true,
				ExcludeHidden: true,
				ExcludeDirs:   defaultExcludeDirs,
			},
		},
		TextExts: []string{
			".txt", ".md", ".go", ".py", ".js", ".ts",
			".json", ".yaml", ".yml", ".toml", ".html",
			".css", ".csv", ".xml", ".sh", ".rs", ".c",
			".cpp", ".h", ".java", ".rb", ".php",
		},
	}

	cfg.BuildMaps()
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			log.Warnf("failed to create default config at %s: %v", path, err)
		} else {
			log.Infof("created default config at %s", path)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.BuildMaps()
	return cfg, nil
}

func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	f.WriteString("# dankindex configuration\n\n")

	c.rootsMu.RLock()
	defer c.rootsMu.RUnlock()
	return toml.NewEncoder(f).Encode(c)
}

func (c *Config) BuildMaps() {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()

	for i := range c.WatchRoots {
		c.WatchRoots[i].excludeDirsMap = make(map[string]bool, len(c.WatchRoots[i].ExcludeDirs))
		for _, dir := range c.WatchRoots[i].ExcludeDirs {
			c.WatchRoots[i].excludeDirsMap[dir] = true
		}
	}

	c.textExtsMap = make(map[string]bool, len(c.TextExts))
	for _, ext := range c.TextExts {
		c.textExtsMap[ext] = true
	}
}

func (c *Config) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSecs) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c *Config) CacheCleanupInterval() time.Duration {
	return time.Duration(c.CacheCleanupMins) * time.Minute
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMins) * time.Minute
}

func getDefaultDataDir() string {
	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	} else {
		base = os.Getenv("XDG_CACHE_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".cache")
		}
	}
	return filepath.Join(base, "dankindex")
}

func GetDefaultConfigPath() string {
	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	} else {
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "dankindex", "config.toml")
}

// FindRoot returns the watch root containing path, or nil.
func (c *Config) FindRoot(path string) *WatchRoot {
	c.rootsMu.RLock()
	defer c.rootsMu.RUnlock()
	return c.findRootLocked(path)
}

// findRootLocked requires c.rootsMu held.
func (c *Config) findRootLocked(path string) *WatchRoot {
	for i := range c.WatchRoots {
		root := c.WatchRoots[i].Path
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return &c.WatchRoots[i]
		}
	}
	return nil
}

// AddRoot registers a root at runtime (e.g. from an indexDirectory request)
// so exclusion rules apply to it. Adding an already-known root is a no-op.
func (c *Config) AddRoot(path string, recursive bool) {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()

	if c.findRootLocked(path) != nil {
		return
	}
	root := WatchRoot{
		Path:          path,
		Recursive:     recursive,
		ExcludeHidden: true,
	}
	root.excludeDirsMap = map[string]bool{}
	c.WatchRoots = append(c.WatchRoots, root)
}

func (c *Config) ShouldIndexFile(path string) bool {
	c.rootsMu.RLock()
	defer c.rootsMu.RUnlock()

	root := c.findRootLocked(path)
	if root == nil {
		return false
	}

	if root.ExcludeHidden && containsHiddenComponent(path, root.Path) {
		return false
	}

	return !containsExcludedComponent(path, root.Path, root.excludeDirsMap)
}

func (c *Config) ShouldIndexDir(path string) bool {
	c.rootsMu.RLock()
	defer c.rootsMu.RUnlock()

	root := c.findRootLocked(path)
	if root == nil {
		return false
	}

	if root.ExcludeHidden && containsHiddenComponent(path, root.Path) {
		return false
	}

	return !containsExcludedComponent(path, root.Path, root.excludeDirsMap)
}

func (c *Config) IsTextFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return c.textExtsMap[ext]
}

func pathComponents(path, rootDir string) []string {
	rel, err := filepath.Rel(rootDir, path)
	if err != nil || rel == "." {
		return nil
	}

	components := []string{}
	for p := rel; p != "."; p = filepath.Dir(p) {
		components = append([]string{filepath.Base(p)}, components...)
		if p == filepath.Dir(p) {
			break
		}
	}
	return components
}

func containsHiddenComponent(path, rootDir string) bool {
	for _, comp := range pathComponents(path, rootDir) {
		if len(comp) > 0 && comp[0] == '.' {
			return true
		}
	}
	return false
}

func containsExcludedComponent(path, rootDir string, excludeMap map[string]bool) bool {
	for _, comp := range pathComponents(path, rootDir) {
		if excludeMap[comp] {
			return true
		}
	}
	return false
}
