package repository

import (
	"context"
	"errors"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"

	"gorm.io/gorm"
)

var ErrCallbackNotFound = errors.New("callback not found")

type CallbackRepository interface {
	Replace(ctx context.Context, entry *domain.CallbackEntry) error
	FindByID(ctx context.Context, callbackID string) (*domain.CallbackEntry, error)
	Delete(ctx context.Context, callbackID string) (bool, error)
	DeleteByCheckpointSession(ctx context.Context, checkpointID, sessionID string) (bool, error)
	DeleteBySession(ctx context.Context, keysystemID, sessionID string) (int64, error)
}

type GormCallbackRepository struct{ db *gorm.DB }

func NewCallbackRepository(db *gorm.DB) CallbackRepository { return &GormCallbackRepository{db: db} }

// Replace stores entry, dropping any earlier entry for the same checkpoint and session.
func (r *GormCallbackRepository) Replace(ctx context.Context, entry *domain.CallbackEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("checkpoint_id = ? AND session_id = ?", entry.CheckpointID, entry.SessionID).
			Delete(&domain.CallbackEntry{}).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "callback", "replace", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "callback", "replace", "success")
	return nil
}

func (r *GormCallbackRepository) FindByID(ctx context.Context, callbackID string) (*domain.CallbackEntry, error) {
	var entry domain.CallbackEntry
	err := r.db.WithContext(ctx).Where("callback_id = ?", callbackID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "callback", "find_by_id", "not_found")
			return nil, ErrCallbackNotFound
		}
		observability.RecordRepositoryOperation(ctx, "callback", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "callback", "find_by_id", "success")
	return &entry, nil
}

func (r *GormCallbackRepository) Delete(ctx context.Context, callbackID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("callback_id = ?", callbackID).Delete(&domain.CallbackEntry{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "callback", "delete", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "callback", "delete", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormCallbackRepository) DeleteBySession(ctx context.Context, keysystemID, sessionID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("keysystem_id = ? AND session_id = ?", keysystemID, sessionID).Delete(&domain.CallbackEntry{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "callback", "delete_by_session", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "callback", "delete_by_session", "success")
	return res.RowsAffected, nil
}

func (r *GormCallbackRepository) DeleteByCheckpointSession(ctx context.Context, checkpointID, sessionID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("checkpoint_id = ? AND session_id = ?", checkpointID, sessionID).Delete(&domain.CallbackEntry{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "callback", "delete_by_checkpoint_session", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "callback", "delete_by_checkpoint_session", "success")
	return res.RowsAffected > 0, nil
}
