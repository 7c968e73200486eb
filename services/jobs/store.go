package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

// StatusStore keeps the latest status record of every job in badger, with a
// per-team index. It is the source of truth for whether a job is still
// active.
type StatusStore struct {
	db    *badger.DB
	queue string
}

// NewStatusStore creates a StatusStore for jobs dispatched on queue.
func NewStatusStore(db *badger.DB, queue string) *StatusStore {
	if queue == "" {
		queue = DefaultQueue
	}
	return &StatusStore{db: db, queue: queue}
}

// Create stores a new job together with its first status record.
func (s *StatusStore) Create(_ context.Context, job *Job, rec StatusUpdate) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(jobKey(s.queue, job.JobID)), jobData); err != nil {
			return err
		}
		if err := txn.Set([]byte(statusKey(s.queue, job.JobID)), recData); err != nil {
			return err
		}
		return txn.Set([]byte(teamIndexKey(job.TeamID, job.JobID)), []byte(statusKey(s.queue, job.JobID)))
	})
}

// Transition replaces the status record of rec.JobID and returns the record
// it replaced. It fails with ErrJobNotFound when the job has been removed and
// with ErrStaleUpdate when the stored record is newer than rec. A completed
// job never leaves the completed state, so redelivered jobs are dropped.
func (s *StatusStore) Transition(_ context.Context, rec StatusUpdate) (*StatusUpdate, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}

	var prev StatusUpdate
	err = retryConflicts(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			prev = StatusUpdate{}
			item, err := txn.Get([]byte(statusKey(s.queue, rec.JobID)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrJobNotFound
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err != nil {
				return err
			}
			if rec.Timestamp.Before(prev.Timestamp) {
				return ErrStaleUpdate
			}
			if prev.Status == StatusCompleted && rec.Status != StatusCompleted {
				return ErrStaleUpdate
			}
			return txn.Set([]byte(statusKey(s.queue, rec.JobID)), data)
		})
	})
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

// Get returns the status record of jobID or ErrJobNotFound.
func (s *StatusStore) Get(_ context.Context, jobID string) (*StatusUpdate, error) {
	var rec StatusUpdate
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, statusKey(s.queue, jobID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Job returns the stored job payload of jobID or ErrJobNotFound.
func (s *StatusStore) Job(_ context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(s.queue, jobID), &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListTeam returns every status record indexed for teamID.
func (s *StatusStore) ListTeam(_ context.Context, teamID string) ([]StatusUpdate, error) {
	var out []StatusUpdate
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var keys []string
		prefix := []byte(teamIndexPrefix(teamID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			keys = append(keys, string(val))
		}

		for _, key := range keys {
			var rec StatusUpdate
			err := getJSON(txn, key, &rec)
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list team %s jobs: %w", teamID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// ListTrajectory returns the team's status records for one trajectory.
func (s *StatusStore) ListTrajectory(ctx context.Context, teamID, trajectoryID string) ([]StatusUpdate, error) {
	all, err := s.ListTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := make([]StatusUpdate, 0, len(all))
	for _, rec := range all {
		if rec.TrajectoryID == trajectoryID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes the status records, job payloads and team index entries of
// the given jobs. Unknown ids are ignored.
func (s *StatusStore) Delete(_ context.Context, teamID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range jobIDs {
		for _, key := range []string{statusKey(s.queue, id), jobKey(s.queue, id), teamIndexKey(teamID, id)} {
			if err := wb.Delete([]byte(key)); err != nil {
				return fmt.Errorf("delete job %s: %w", id, err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// retryConflicts reruns fn while badger reports a transaction conflict.
func retryConflicts(fn func() error) error {
	const maxAttempts = 10
	var err error
	for i := 0; i < maxAttempts; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}
