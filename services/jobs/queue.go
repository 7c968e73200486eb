package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

// Queue is a FIFO of jobs ordered by the time they become available. Keys
// sort by availability, so the head of the prefix is always the next job.
type Queue struct {
	db     *badger.DB
	name   string
	logger *slog.Logger
}

// NewQueue creates the queue called name on db.
func NewQueue(db *badger.DB, name string, logger *slog.Logger) *Queue {
	if name == "" {
		name = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, name: name, logger: logger.With("component", "queue", "queue", name)}
}

// Name returns the queue type jobs are tagged with.
func (q *Queue) Name() string { return q.name }

// Enqueue makes job available immediately.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	return q.EnqueueAt(ctx, job, time.Now())
}

// EnqueueAt makes job available at the given time. A job already in the
// queue is moved to the new position.
func (q *Queue) EnqueueAt(ctx context.Context, job *Job, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	key := queueKey(q.name, at, job.JobID)
	err = retryConflicts(func() error {
		return q.db.Update(func(txn *badger.Txn) error {
			if err := q.removeTxn(txn, job.JobID); err != nil {
				return err
			}
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
			return txn.Set([]byte(queueIndexKey(q.name, job.JobID)), []byte(key))
		})
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	return nil
}

// Dequeue claims the oldest available job. It returns nil, nil when no job
// is ready. Concurrent callers never claim the same job: a losing
// transaction conflicts and looks again.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := q.dequeueOnce()
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return job, err
	}
}

func (q *Queue) dequeueOnce() (*Job, error) {
	var job *Job
	now := time.Now()
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(queuePrefix(q.name))
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		item := it.Item()
		key := item.KeyCopy(nil)
		at, jobID, err := parseQueueKey(string(key))
		if err != nil {
			return err
		}
		if at.After(now) {
			return nil
		}

		var j Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &j)
		}); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete([]byte(queueIndexKey(q.name, jobID))); err != nil {
			return err
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.logger.Debug("job dequeued", "jobId", job.JobID, "timestep", job.Metadata.Timestep)
	}
	return job, nil
}

// Remove drops the given jobs from the queue and returns how many were
// still waiting.
func (q *Queue) Remove(_ context.Context, jobIDs []string) (int, error) {
	removed := 0
	err := retryConflicts(func() error {
		removed = 0
		return q.db.Update(func(txn *badger.Txn) error {
			for _, id := range jobIDs {
				_, err := txn.Get([]byte(queueIndexKey(q.name, id)))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := q.removeTxn(txn, id); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("remove queued jobs: %w", err)
	}
	return removed, nil
}

// Len returns the number of queued jobs, ready or delayed.
func (q *Queue) Len(_ context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(queuePrefix(q.name))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (q *Queue) removeTxn(txn *badger.Txn, jobID string) error {
	idxKey := []byte(queueIndexKey(q.name, jobID))
	item, err := txn.Get(idxKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if err := txn.Delete(key); err != nil {
		return err
	}
	return txn.Delete(idxKey)
}
