// Package syncer replays queued file operations once connectivity
// returns. Operations apply in capture order, precondition violations
// park as conflicts, and transient failures back off exponentially
// before being marked failed.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/extract"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/AvengeMedia/dankindex/internal/opqueue"
	"github.com/AvengeMedia/dankindex/internal/pipeline"
)

// SyncResult summarizes one replay pass.
type SyncResult struct {
	Applied    int `json:"applied"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Purged     int `json:"purged"`
}

type Coordinator struct {
	config *config.Config
	queue  *opqueue.Queue
	pipe   *pipeline.Pipeline

	mu          sync.Mutex
	online      bool
	nextAttempt map[uint64]time.Time
	syncing     bool

	done    chan struct{}
	started bool
}

func New(cfg *config.Config, queue *opqueue.Queue, pipe *pipeline.Pipeline) *Coordinator {
	return &Coordinator{
		config:      cfg,
		queue:       queue,
		pipe:        pipe,
		online:      true,
		nextAttempt: make(map[uint64]time.Time),
	}
}

// Start launches the periodic replay loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.config.SyncInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := c.SyncNow(context.Background()); err != nil {
					log.Debugf("periodic sync: %v", err)
				}
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.done)
}

func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline flips the connectivity state. Coming back online kicks off
// a replay immediately rather than waiting for the next tick.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.mu.Unlock()

	if online && !was {
		log.Infof("back online, replaying queued operations")
		go func() {
			if _, err := c.SyncNow(context.Background()); err != nil {
				log.Warnf("replay after reconnect: %v", err)
			}
		}()
	}
}

// SyncNow replays all pending operations in capture order. Only one
// pass runs at a time; overlapping calls return immediately.
func (c *Coordinator) SyncNow(ctx context.Context) (*SyncResult, error) {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return nil, errdefs.NewCustomError(errdefs.ErrTypeConflict, "cannot sync while offline", nil)
	}
	if c.syncing {
		c.mu.Unlock()
		return &SyncResult{}, nil
	}
	c.syncing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()

	pending, err := c.queue.Pending()
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	// Paths whose earlier operation conflicted or was deferred this
	// pass. Later operations on the same path stay pending so the
	// captured order is preserved once the earlier one resolves.
	blocked := make(map[string]bool)
	now := time.Now()

	for _, op := range pending {
		if ctx.Err() != nil {
			break
		}
		if blocked[op.TargetPath] {
			result.Deferred++
			continue
		}
		if next, ok := c.eligibleAt(op.ID); ok && now.Before(next) {
			blocked[op.TargetPath] = true
			result.Deferred++
			continue
		}

		claimed, err := c.queue.Claim(op.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		op.Attempts++

		switch applyErr := c.apply(ctx, op); {
		case applyErr == nil:
			if err := c.queue.MarkApplied(op.ID); err != nil {
				return nil, err
			}
			c.clearBackoff(op.ID)
			result.Applied++

		case errdefs.IsType(applyErr, errdefs.ErrTypeConflict):
			if err := c.queue.MarkConflicted(op.ID, applyErr.Error()); err != nil {
				return nil, err
			}
			c.clearBackoff(op.ID)
			blocked[op.TargetPath] = true
			result.Conflicted++
			log.Warnf("operation %d on %s conflicted: %v", op.ID, op.TargetPath, applyErr)

		default:
			if op.Attempts >= c.config.MaxSyncAttempts {
				if err := c.queue.MarkFailed(op.ID, applyErr.Error()); err != nil {
					return nil, err
				}
				c.clearBackoff(op.ID)
				blocked[op.TargetPath] = true
				result.Failed++
				log.Errorf("operation %d on %s failed after %d attempts: %v", op.ID, op.TargetPath, op.Attempts, applyErr)
			} else {
				if err := c.queue.Release(op.ID); err != nil {
					return nil, err
				}
				c.setBackoff(op.ID, op.Attempts)
				blocked[op.TargetPath] = true
				result.Deferred++
				log.Debugf("operation %d on %s deferred (attempt %d): %v", op.ID, op.TargetPath, op.Attempts, applyErr)
			}
		}
	}

	// Tombstones are safe to drop only once every captured operation
	// has been replayed or parked.
	if result.Deferred == 0 {
		if n, err := c.pipe.PurgeDeleted(); err == nil {
			result.Purged = n
		} else {
			log.Debugf("tombstone purge: %v", err)
		}
	}

	if result.Applied > 0 || result.Conflicted > 0 || result.Failed > 0 {
		log.Infof("sync pass: %d applied, %d conflicted, %d failed, %d deferred",
			result.Applied, result.Conflicted, result.Failed, result.Deferred)
	}
	return result, nil
}

func (c *Coordinator) eligibleAt(id uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.nextAttempt[id]
	return t, ok
}

func (c *Coordinator) setBackoff(id uint64, attempts int) {
	delay := time.Second << uint(attempts)
	if max := c.config.SyncInterval() * 4; delay > max {
		delay = max
	}
	c.mu.Lock()
	c.nextAttempt[id] = time.Now().Add(delay)
	c.mu.Unlock()
}

func (c *Coordinator) clearBackoff(id uint64) {
	c.mu.Lock()
	delete(c.nextAttempt, id)
	c.mu.Unlock()
}

// apply checks the operation's preconditions against the live
// filesystem, performs it, then reindexes the affected paths.
func (c *Coordinator) apply(ctx context.Context, op *opqueue.Operation) error {
	switch op.Type {
	case opqueue.OpRename:
		dest := filepath.Join(filepath.Dir(op.TargetPath), op.Payload.NewName)
		return c.applyMove(ctx, op.TargetPath, dest)

	case opqueue.OpMove:
		return c.applyMove(ctx, op.TargetPath, op.Payload.DestPath)

	case opqueue.OpDelete:
		if !exists(op.TargetPath) {
			return errdefs.NewCustomError(errdefs.ErrTypeConflict,
				fmt.Sprintf("%s no longer exists", op.TargetPath), nil)
		}
		if err := os.Remove(op.TargetPath); err != nil {
			return err
		}
		return c.pipe.RemoveFile(op.TargetPath)

	case opqueue.OpTagUpdate:
		if !exists(op.TargetPath) {
			return errdefs.NewCustomError(errdefs.ErrTypeConflict,
				fmt.Sprintf("%s no longer exists", op.TargetPath), nil)
		}
		if err := extract.WriteXattrTags(op.TargetPath, op.Payload.Tags); err != nil {
			return err
		}
		_, err := c.pipe.IndexFile(ctx, op.TargetPath)
		return err

	default:
		return errdefs.NewCustomError(errdefs.ErrTypeConflict,
			fmt.Sprintf("unknown operation type %q", op.Type), nil)
	}
}

func (c *Coordinator) applyMove(ctx context.Context, src, dest string) error {
	if !exists(src) {
		return errdefs.NewCustomError(errdefs.ErrTypeConflict,
			fmt.Sprintf("%s no longer exists", src), nil)
	}
	if exists(dest) {
		return errdefs.NewCustomError(errdefs.ErrTypeConflict,
			fmt.Sprintf("%s already exists", dest), nil)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err != nil {
		return err
	}
	if err := c.pipe.RemoveFile(src); err != nil {
		return err
	}
	_, err := c.pipe.IndexFile(ctx, dest)
	return err
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
