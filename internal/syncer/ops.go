package syncer

import (
	"context"

	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/AvengeMedia/dankindex/internal/opqueue"
)

// The write front doors apply immediately when online and capture into
// the durable queue when offline. Either way the caller gets an
// acknowledgement only after the effect is durable.

func (c *Coordinator) Rename(ctx context.Context, path, newName string) (*opqueue.Operation, error) {
	return c.submit(ctx, opqueue.OpRename, path, opqueue.Payload{NewName: newName})
}

func (c *Coordinator) Move(ctx context.Context, path, destPath string) (*opqueue.Operation, error) {
	return c.submit(ctx, opqueue.OpMove, path, opqueue.Payload{DestPath: destPath})
}

func (c *Coordinator) UpdateTags(ctx context.Context, path string, tags []string) (*opqueue.Operation, error) {
	return c.submit(ctx, opqueue.OpTagUpdate, path, opqueue.Payload{Tags: tags})
}

func (c *Coordinator) Delete(ctx context.Context, path string) (*opqueue.Operation, error) {
	return c.submit(ctx, opqueue.OpDelete, path, opqueue.Payload{})
}

func (c *Coordinator) submit(ctx context.Context, typ opqueue.OpType, path string, payload opqueue.Payload) (*opqueue.Operation, error) {
	op, err := c.queue.Enqueue(typ, path, payload)
	if err != nil {
		return nil, err
	}

	if !c.Online() {
		log.Debugf("queued %s of %s for later sync", typ, path)
		return op, nil
	}

	// Online: replay right away so the caller observes the effect.
	if _, err := c.SyncNow(ctx); err != nil {
		return op, err
	}
	refreshed, found, err := c.queue.Get(op.ID)
	if err != nil {
		return op, err
	}
	if !found {
		op.Status = opqueue.StatusApplied
		return op, nil
	}
	if refreshed.Status == opqueue.StatusConflicted || refreshed.Status == opqueue.StatusFailed {
		return refreshed, errdefs.NewCustomError(errdefs.ErrTypeConflict, refreshed.Error, nil)
	}
	return refreshed, nil
}

// Conflicts lists parked operations awaiting manual resolution.
func (c *Coordinator) Conflicts() ([]*opqueue.Operation, error) {
	return c.queue.Parked()
}

// RetryOperation moves a parked operation back to pending and, when
// online, replays immediately.
func (c *Coordinator) RetryOperation(ctx context.Context, id uint64) error {
	if err := c.queue.Retry(id); err != nil {
		return err
	}
	c.clearBackoff(id)
	if c.Online() {
		_, err := c.SyncNow(ctx)
		return err
	}
	return nil
}

func (c *Coordinator) QueueLen() (int, error) {
	return c.queue.Len()
}
