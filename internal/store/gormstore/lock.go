package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

// Acquire takes the named TTL lock. A row younger than the TTL means a live
// holder and surfaces ErrLockHeld; an older row belonged to a crashed holder
// and is stolen.
func (store *Store) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	now := time.Now().UTC()
	row := JobLock{Name: name, LockedAt: now}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return wrapStoreError(errorSubjectLock, errorCodeInsert, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	stale := now.Add(-ttl)
	takeover := store.db.WithContext(ctx).
		Model(&JobLock{}).
		Where("name = ? AND locked_at < ?", name, stale).
		Update("locked_at", now)
	if takeover.Error != nil {
		return wrapStoreError(errorSubjectLock, errorCodeUpdate, takeover.Error)
	}
	if takeover.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLock, errorCodeDuplicate, loyalty.ErrLockHeld)
	}
	return nil
}

// Release drops the named lock.
func (store *Store) Release(ctx context.Context, name string) error {
	err := store.db.WithContext(ctx).
		Where("name = ?", name).
		Delete(&JobLock{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeUpdate, err)
	}
	return nil
}
