package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/AvengeMedia/dankindex/internal/api"
	"github.com/AvengeMedia/dankindex/internal/cache"
	"github.com/AvengeMedia/dankindex/internal/client"
	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/extract"
	"github.com/AvengeMedia/dankindex/internal/index"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/AvengeMedia/dankindex/internal/metastore"
	"github.com/AvengeMedia/dankindex/internal/monitor"
	"github.com/AvengeMedia/dankindex/internal/opqueue"
	"github.com/AvengeMedia/dankindex/internal/pipeline"
	"github.com/AvengeMedia/dankindex/internal/query"
	"github.com/AvengeMedia/dankindex/internal/server"
	"github.com/AvengeMedia/dankindex/internal/syncer"
	"github.com/spf13/cobra"
)

var (
	Version   string = "dev"
	buildTime string = "unknown"
	commit    string = "unknown"

	configFile   string
	listenAddr   string
	indexPath    string
	workerCount  int
	maxFileBytes int64
	noMonitor    bool
	debug        bool

	indexRecursive bool
	indexNoWatch   bool

	searchType    string
	searchLimit   int
	searchContent bool
	searchJSON    bool

	opNewName  string
	opDestPath string
	opTags     []string
)

var rootCmd = &cobra.Command{
	Use:   "dindex",
	Short: "File indexing, search, and offline sync service",
	Long:  "Indexes file corpora with Bleve, answers rich search queries, and replays offline file operations when connectivity returns",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the indexing daemon",
	RunE:  runServe,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the index",
}

var indexDirCmd = &cobra.Command{
	Use:   "dir <path>",
	Short: "Index a directory and monitor it for changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexDir,
}

var indexFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Index a single file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexFile,
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index statistics",
	RunE:  runIndexStatus,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Manage offline synchronization",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Replay queued operations",
	RunE:  runSyncNow,
}

var syncOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Mark the daemon online (triggers a sync pass)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetOnline(true)
	},
}

var syncOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Mark the daemon offline (operations queue for later)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetOnline(false)
	},
}

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List operations parked after conflicts or failures",
	RunE:  runSyncConflicts,
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-arm a parked operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncRetry,
}

var opCmd = &cobra.Command{
	Use:   "op",
	Short: "Perform file operations (queued while offline)",
}

var opRenameCmd = &cobra.Command{
	Use:   "rename <path>",
	Short: "Rename a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileOp("rename", args[0])
	},
}

var opMoveCmd = &cobra.Command{
	Use:   "move <path>",
	Short: "Move a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileOp("move", args[0])
	},
}

var opTagCmd = &cobra.Command{
	Use:   "tag <path>",
	Short: "Replace a file's tag set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileOp("tagUpdate", args[0])
	},
}

var opRmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileOp("delete", args[0])
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline cache",
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict expired and least recently used cache entries",
	RunE:  runCacheCleanup,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		log.Infof("dindex version %s", Version)
		log.Infof("  Build time: %s", buildTime)
		log.Infof("  Commit: %s", commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ~/.config/dankindex/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&indexPath, "index", "", "index storage path")
	serveCmd.Flags().IntVar(&workerCount, "workers", 0, "number of indexing workers")
	serveCmd.Flags().Int64Var(&maxFileBytes, "max-bytes", 0, "max file size to index")
	serveCmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "disable live file monitoring")

	indexDirCmd.Flags().BoolVar(&indexRecursive, "recursive", true, "descend into subdirectories")
	indexDirCmd.Flags().BoolVar(&indexNoWatch, "no-watch", false, "index without registering for live updates")

	searchCmd.Flags().StringVarP(&searchType, "type", "t", "exact", "search type: exact, fuzzy, regex, semantic, naturalLanguage")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchContent, "content", false, "include content previews")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results in JSON format")

	opRenameCmd.Flags().StringVar(&opNewName, "to", "", "new base name")
	opRenameCmd.MarkFlagRequired("to")
	opMoveCmd.Flags().StringVar(&opDestPath, "to", "", "destination path")
	opMoveCmd.MarkFlagRequired("to")
	opTagCmd.Flags().StringSliceVar(&opTags, "tags", nil, "replacement tag set")

	indexCmd.AddCommand(indexDirCmd, indexFileCmd, indexStatusCmd)
	syncCmd.AddCommand(syncNowCmd, syncOnlineCmd, syncOfflineCmd, syncConflictsCmd, syncRetryCmd)
	opCmd.AddCommand(opRenameCmd, opMoveCmd, opTagCmd, opRmCmd)
	cacheCmd.AddCommand(cacheCleanupCmd)

	rootCmd.AddCommand(serveCmd, indexCmd, searchCmd, syncCmd, opCmd, cacheCmd, statusCmd, versionCmd)
}

func buildConfig() *config.Config {
	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = config.GetDefaultConfigPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if indexPath != "" {
		cfg.IndexPath = indexPath
	}
	if workerCount > 0 {
		cfg.WorkerCount = workerCount
	}
	if maxFileBytes > 0 {
		cfg.MaxFileBytes = maxFileBytes
	}

	if debug {
		log.SetDebug(true)
	}

	return cfg
}

func apiClient() *client.Client {
	cfg := buildConfig()
	return client.New(trimAddr(cfg.ListenAddr))
}

func trimAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := buildConfig()

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		return err
	}
	defer store.Close()

	meta, err := metastore.Open(cfg.IndexPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	fileCache, err := cache.Open(cfg.CachePath, cfg.CacheTTL(), cfg.MaxCacheBytes)
	if err != nil {
		return err
	}
	defer fileCache.Close()
	fileCache.StartCleanupLoop(cfg.CacheCleanupInterval())

	queue, err := opqueue.Open(cfg.QueuePath)
	if err != nil {
		return err
	}
	defer queue.Close()

	var mon *monitor.Monitor
	if !noMonitor {
		mon, err = monitor.New(cfg, store)
		if err != nil {
			return err
		}
	}

	pipe := pipeline.New(cfg, store, meta, fileCache, extract.NewLocal(cfg), mon)
	pipe.Start()
	defer pipe.Stop()

	if mon != nil {
		if err := mon.Start(); err != nil {
			log.Errorf("failed to start monitor: %v", err)
			log.Infof("continuing without file monitoring")
		} else {
			defer mon.Stop()
			for _, root := range cfg.WatchRoots {
				if err := mon.Watch(root.Path, root.Recursive); err != nil {
					log.Warnf("cannot monitor %s: %v", root.Path, err)
				}
			}
		}
	}

	coord := syncer.New(cfg, queue, pipe)
	coord.Start()
	defer coord.Stop()

	engine := query.New(cfg, store, meta, fileCache)
	engine.SetOnlineCheck(coord.Online)

	srv := &api.Server{
		Pipeline: pipe,
		Search:   engine,
		Sync:     coord,
		Monitor:  mon,
	}

	httpServer := server.NewHTTP(cfg.ListenAddr, srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		log.Infof("received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
}

func runIndexDir(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	c := apiClient()
	if c.Ping(ctx) {
		manifest, err := c.IndexDirectory(ctx, path, indexRecursive, !indexNoWatch)
		if err != nil {
			return err
		}
		printManifest(manifest)
		return nil
	}

	pipe, cleanup, err := openLocalPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	manifest, err := pipe.IndexDirectory(ctx, path, indexRecursive, false)
	if err != nil {
		return err
	}
	printManifest(manifest)
	return nil
}

func printManifest(m *pipeline.DirManifest) {
	log.Infof("%s: %d files, %d indexed, %d unchanged, %d failed, %d parked",
		m.Root, m.Total, m.Indexed, m.Unchanged, m.Failed, m.Parked)
	for _, f := range m.Files {
		if f.Outcome == pipeline.OutcomeFailed || f.Outcome == pipeline.OutcomeParked {
			log.Warnf("  %s: %s %s", f.Path, f.Outcome, f.Error)
		}
	}
}

func runIndexFile(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	c := apiClient()
	if c.Ping(ctx) {
		outcome, err := c.IndexFile(ctx, path)
		if err != nil {
			return err
		}
		log.Infof("%s: %s", path, outcome)
		return nil
	}

	pipe, cleanup, err := openLocalPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := pipe.IndexFile(ctx, path)
	if err != nil {
		return err
	}
	log.Infof("%s: %s", path, outcome)
	return nil
}

func runIndexStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var stats *pipeline.Stats
	c := apiClient()
	if c.Ping(ctx) {
		s, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		stats = s
	} else {
		pipe, cleanup, err := openLocalPipeline()
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := pipe.GetStats()
		if err != nil {
			return err
		}
		stats = s
	}

	log.Infof("Index Statistics:")
	log.Infof("  Total documents: %d", stats.TotalDocuments)
	for status, n := range stats.ByStatus {
		log.Infof("  %s: %d", status, n)
	}
	for fileType, n := range stats.ByType {
		log.Infof("  type %s: %d", fileType, n)
	}
	if !stats.LastReconciledAt.IsZero() {
		log.Infof("  Last reconcile: %s", stats.LastReconciledAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	req := &query.Request{
		Query:          args[0],
		Type:           query.SearchType(searchType),
		Limit:          searchLimit,
		IncludeContent: searchContent,
	}

	var resp *query.Response
	c := apiClient()
	if c.Ping(ctx) {
		r, err := c.Search(ctx, req)
		if err != nil {
			return err
		}
		resp = r
	} else {
		engine, cleanup, err := openLocalEngine()
		if err != nil {
			return fmt.Errorf("daemon not running and cannot open index: %v", err)
		}
		defer cleanup()

		r, err := engine.Search(ctx, req)
		if err != nil {
			return err
		}
		resp = r
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	renderResults(resp)
	return nil
}

func runSyncNow(cmd *cobra.Command, args []string) error {
	result, err := apiClient().SyncNow(context.Background())
	if err != nil {
		return err
	}
	log.Infof("sync: %d applied, %d conflicted, %d failed, %d deferred",
		result.Applied, result.Conflicted, result.Failed, result.Deferred)
	return nil
}

func runSetOnline(online bool) error {
	status, err := apiClient().SetOnline(context.Background(), online)
	if err != nil {
		return err
	}
	state := "offline"
	if status.Online {
		state = "online"
	}
	log.Infof("daemon is now %s (%d operations queued)", state, status.QueuedOps)
	return nil
}

func runSyncConflicts(cmd *cobra.Command, args []string) error {
	ops, err := apiClient().Conflicts(context.Background())
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		log.Infof("no parked operations")
		return nil
	}
	renderConflicts(ops)
	return nil
}

func runSyncRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid operation id %q", args[0])
	}
	if err := apiClient().Retry(context.Background(), id); err != nil {
		return err
	}
	log.Infof("operation %d re-armed", id)
	return nil
}

func runFileOp(opType, rawPath string) error {
	path, err := filepath.Abs(rawPath)
	if err != nil {
		return err
	}

	op, err := apiClient().FileOp(context.Background(), opType, path, opNewName, opDestPath, opTags)
	if err != nil {
		return err
	}
	log.Infof("operation %d (%s %s): %s", op.ID, op.Type, op.TargetPath, op.Status)
	return nil
}

func runCacheCleanup(cmd *cobra.Command, args []string) error {
	cfg := buildConfig()
	fileCache, err := cache.Open(cfg.CachePath, cfg.CacheTTL(), cfg.MaxCacheBytes)
	if err != nil {
		return err
	}
	defer fileCache.Close()

	if err := fileCache.Cleanup(); err != nil {
		return err
	}
	hits, misses, size := fileCache.Stats()
	log.Infof("cache: %s used, %d hits, %d misses this session", formatSize(size), hits, misses)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := apiClient().Status(context.Background())
	if err != nil {
		return err
	}

	state := "offline"
	if status.Online {
		state = "online"
	}
	log.Infof("Daemon status:")
	log.Infof("  Connectivity: %s", state)
	log.Infof("  Monitoring: %v", status.Monitoring)
	for _, root := range status.Roots {
		log.Infof("    %s", root)
	}
	log.Infof("  Queued operations: %d", status.QueuedOps)
	if !status.LastReconcile.IsZero() {
		log.Infof("  Last reconcile: %s", status.LastReconcile.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// openLocalPipeline opens the stores directly for CLI use when no
// daemon is reachable.
func openLocalPipeline() (*pipeline.Pipeline, func(), error) {
	cfg := buildConfig()

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		return nil, nil, err
	}

	meta, err := metastore.Open(cfg.IndexPath)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	fileCache, err := cache.Open(cfg.CachePath, cfg.CacheTTL(), cfg.MaxCacheBytes)
	if err != nil {
		meta.Close()
		store.Close()
		return nil, nil, err
	}

	pipe := pipeline.New(cfg, store, meta, fileCache, extract.NewLocal(cfg), nil)
	cleanup := func() {
		fileCache.Close()
		meta.Close()
		store.Close()
	}
	return pipe, cleanup, nil
}

func openLocalEngine() (*query.Engine, func(), error) {
	cfg := buildConfig()

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		return nil, nil, err
	}

	meta, err := metastore.Open(cfg.IndexPath)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	fileCache, err := cache.Open(cfg.CachePath, cfg.CacheTTL(), cfg.MaxCacheBytes)
	if err != nil {
		meta.Close()
		store.Close()
		return nil, nil, err
	}

	engine := query.New(cfg, store, meta, fileCache)
	cleanup := func() {
		fileCache.Close()
		meta.Close()
		store.Close()
	}
	return engine, cleanup, nil
}

func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
