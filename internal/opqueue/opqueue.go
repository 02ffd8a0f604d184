// Package opqueue is the durable log of write operations accepted while
// the live system is unreachable. Operations are keyed by a monotonically
// increasing sequence number (big-endian, so bbolt iterates in replay
// order) and survive process restarts. An operation is claimed for replay
// exactly once and only removed after confirmed application.
package opqueue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

type OpType string

const (
	OpRename    OpType = "rename"
	OpMove      OpType = "move"
	OpTagUpdate OpType = "tagUpdate"
	OpDelete    OpType = "delete"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "inflight"
	StatusApplied    Status = "applied"
	StatusConflicted Status = "conflicted"
	StatusFailed     Status = "failed"
)

// Payload carries the operation-specific argument.
type Payload struct {
	NewName  string   `json:"new_name,omitempty"`
	DestPath string   `json:"dest_path,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type Operation struct {
	ID         uint64    `json:"id"`
	Type       OpType    `json:"type"`
	TargetPath string    `json:"target_path"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
}

var opsBucket = []byte("ops")

type Queue struct {
	db *bolt.DB
}

func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{db: db}

	// Operations left in-flight by a crash go back to pending.
	if err := q.recoverInFlight(); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

func key(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// Enqueue appends an operation and persists it before returning.
func (q *Queue) Enqueue(opType OpType, targetPath string, payload Payload) (*Operation, error) {
	var op *Operation

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		op = &Operation{
			ID:         id,
			Type:       opType,
			TargetPath: targetPath,
			Payload:    payload,
			EnqueuedAt: time.Now(),
			Status:     StatusPending,
		}
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(key(id), data)
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Pending returns pending operations in sequence order.
func (q *Queue) Pending() ([]*Operation, error) {
	return q.byStatus(StatusPending)
}

// Parked returns conflicted and failed operations awaiting manual
// resolution, in sequence order.
func (q *Queue) Parked() ([]*Operation, error) {
	conflicted, err := q.byStatus(StatusConflicted)
	if err != nil {
		return nil, err
	}
	failed, err := q.byStatus(StatusFailed)
	if err != nil {
		return nil, err
	}

	parked := append(conflicted, failed...)
	for i := 1; i < len(parked); i++ {
		for j := i; j > 0 && parked[j-1].ID > parked[j].ID; j-- {
			parked[j-1], parked[j] = parked[j], parked[j-1]
		}
	}
	return parked, nil
}

func (q *Queue) byStatus(status Status) ([]*Operation, error) {
	var ops []*Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status == status {
				ops = append(ops, &op)
			}
			return nil
		})
	})
	return ops, err
}

// Get looks up a single operation by its sequence ID.
func (q *Queue) Get(id uint64) (*Operation, bool, error) {
	var op *Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(opsBucket).Get(key(id))
		if v == nil {
			return nil
		}
		op = &Operation{}
		return json.Unmarshal(v, op)
	})
	if err != nil {
		return nil, false, err
	}
	return op, op != nil, nil
}

// Claim atomically moves a pending operation to in-flight. Returns false
// when the operation is not pending (already claimed or resolved), so a
// given operation replays at most once.
func (q *Queue) Claim(id uint64) (bool, error) {
	claimed := false
	err := q.update(id, func(op *Operation) bool {
		if op.Status != StatusPending {
			return false
		}
		op.Status = StatusInFlight
		op.Attempts++
		claimed = true
		return true
	})
	return claimed, err
}

// MarkApplied removes the operation from the queue; it only runs after the
// live system and the index both reflect the operation.
func (q *Queue) MarkApplied(id uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).Delete(key(id))
	})
}

// MarkConflicted parks the operation for manual resolution.
func (q *Queue) MarkConflicted(id uint64, reason string) error {
	return q.update(id, func(op *Operation) bool {
		op.Status = StatusConflicted
		op.Error = reason
		return true
	})
}

// MarkFailed parks the operation after its retry budget is exhausted.
func (q *Queue) MarkFailed(id uint64, reason string) error {
	return q.update(id, func(op *Operation) bool {
		op.Status = StatusFailed
		op.Error = reason
		return true
	})
}

// Release puts a claimed operation back to pending (transient failure that
// should be retried on a later pass).
func (q *Queue) Release(id uint64) error {
	return q.update(id, func(op *Operation) bool {
		if op.Status != StatusInFlight {
			return false
		}
		op.Status = StatusPending
		return true
	})
}

// Retry re-arms a parked operation for the next replay pass.
func (q *Queue) Retry(id uint64) error {
	found := false
	err := q.update(id, func(op *Operation) bool {
		if op.Status != StatusConflicted && op.Status != StatusFailed {
			return false
		}
		op.Status = StatusPending
		op.Error = ""
		op.Attempts = 0
		found = true
		return true
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("operation %d is not parked", id)
	}
	return nil
}

func (q *Queue) update(id uint64, mutate func(*Operation) bool) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		v := b.Get(key(id))
		if v == nil {
			return nil
		}

		var op Operation
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}
		if !mutate(&op) {
			return nil
		}

		data, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		return b.Put(key(id), data)
	})
}

func (q *Queue) recoverInFlight() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status != StatusInFlight {
				continue
			}
			op.Status = StatusPending
			data, err := json.Marshal(&op)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len reports the number of queued operations in any state.
func (q *Queue) Len() (int, error) {
	var count int
	err := q.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(opsBucket).Stats().KeyN
		return nil
	})
	return count, err
}

func (q *Queue) Close() error {
	return q.db.Close()
}
