package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long a crashed bulk operation can block others.
const DefaultLockTTL = 30 * time.Second

// Locker hands out advisory per-trajectory locks stored in badger. Entries
// expire after the TTL so a lock is never held forever.
type Locker struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

func NewLocker(db *badger.DB, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{db: db, ttl: ttl, logger: logger.With("component", "locker")}
}

// Acquire takes the lock for (teamID, trajectoryID). It fails with
// ErrLockConflict while another holder has it. The returned function
// releases the lock; it only deletes the entry this call created.
func (l *Locker) Acquire(ctx context.Context, teamID, trajectoryID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := []byte(lockKey(teamID, trajectoryID))
	token := []byte(uuid.New().String())

	err := l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrLockConflict
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, token).WithTTL(l.ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		err = ErrLockConflict
	}
	if err != nil {
		if errors.Is(err, ErrLockConflict) {
			l.logger.Info("trajectory lock busy", "teamId", teamID, "trajectoryId", trajectoryID)
			return nil, err
		}
		return nil, fmt.Errorf("acquire trajectory lock: %w", err)
	}

	release := func() {
		err := l.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			held, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(held) != string(token) {
				return nil
			}
			return txn.Delete(key)
		})
		if err != nil {
			l.logger.Warn("failed to release trajectory lock", "teamId", teamID, "trajectoryId", trajectoryID, "error", err)
		}
	}
	return release, nil
}
