package repository

import (
	"context"
	"errors"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrKeysystemNotFound = errors.New("keysystem not found")

type KeysystemRepository interface {
	Create(ctx context.Context, ks *domain.Keysystem) error
	FindByID(ctx context.Context, id string) (*domain.Keysystem, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Keysystem, error)
	Update(ctx context.Context, id string, updates map[string]any) error
	Delete(ctx context.Context, id string) error
	MutateCheckpoints(ctx context.Context, id string, mutate func([]domain.Checkpoint) ([]domain.Checkpoint, error)) ([]domain.Checkpoint, error)
}

type GormKeysystemRepository struct{ db *gorm.DB }

func NewKeysystemRepository(db *gorm.DB) KeysystemRepository {
	return &GormKeysystemRepository{db: db}
}

func orderedCheckpoints(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (r *GormKeysystemRepository) Create(ctx context.Context, ks *domain.Keysystem) error {
	err := r.db.WithContext(ctx).Create(ks).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "keysystem", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "keysystem", "create", "success")
	return nil
}

func (r *GormKeysystemRepository) FindByID(ctx context.Context, id string) (*domain.Keysystem, error) {
	var ks domain.Keysystem
	err := r.db.WithContext(ctx).Preload("Checkpoints", orderedCheckpoints).Where("id = ?", id).First(&ks).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "keysystem", "find_by_id", "not_found")
			return nil, ErrKeysystemNotFound
		}
		observability.RecordRepositoryOperation(ctx, "keysystem", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "keysystem", "find_by_id", "success")
	return &ks, nil
}

func (r *GormKeysystemRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.Keysystem, error) {
	var out []domain.Keysystem
	err := r.db.WithContext(ctx).Preload("Checkpoints", orderedCheckpoints).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "keysystem", "list_by_owner", "error")
		return out, err
	}
	observability.RecordRepositoryOperation(ctx, "keysystem", "list_by_owner", "success")
	return out, nil
}

func (r *GormKeysystemRepository) Update(ctx context.Context, id string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.Keysystem{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "keysystem", "update", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&domain.Keysystem{}).Where("id = ?", id).Count(&count).Error; err != nil {
			observability.RecordRepositoryOperation(ctx, "keysystem", "update", "error")
			return err
		}
		if count == 0 {
			observability.RecordRepositoryOperation(ctx, "keysystem", "update", "not_found")
			return ErrKeysystemNotFound
		}
	}
	observability.RecordRepositoryOperation(ctx, "keysystem", "update", "success")
	return nil
}

// Delete removes the keysystem with everything it owns.
func (r *GormKeysystemRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&domain.Keysystem{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrKeysystemNotFound
		}
		for _, model := range []any{&domain.Checkpoint{}, &domain.CallbackEntry{}, &domain.Session{}, &domain.Key{}} {
			if err := tx.Where("keysystem_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrKeysystemNotFound) {
			observability.RecordRepositoryOperation(ctx, "keysystem", "delete", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "keysystem", "delete", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "keysystem", "delete", "success")
	return nil
}

// MutateCheckpoints applies mutate to the ordered checkpoint list under a row lock
// and persists the result. Checkpoints dropped by mutate take their callback
// entries with them, and sessions past the new end are clamped to it.
func (r *GormKeysystemRepository) MutateCheckpoints(ctx context.Context, id string, mutate func([]domain.Checkpoint) ([]domain.Checkpoint, error)) ([]domain.Checkpoint, error) {
	var result []domain.Checkpoint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ks domain.Keysystem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&ks).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeysystemNotFound
			}
			return err
		}
		var current []domain.Checkpoint
		if err := tx.Where("keysystem_id = ?", id).Order("position ASC").Find(&current).Error; err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}

		kept := make(map[string]bool, len(next))
		for _, cp := range next {
			kept[cp.ID] = true
		}
		existing := make(map[string]bool, len(current))
		var removed []string
		for _, cp := range current {
			existing[cp.ID] = true
			if !kept[cp.ID] {
				removed = append(removed, cp.ID)
			}
		}
		if len(removed) > 0 {
			if err := tx.Where("checkpoint_id IN ?", removed).Delete(&domain.CallbackEntry{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", removed).Delete(&domain.Checkpoint{}).Error; err != nil {
				return err
			}
		}
		for i := range next {
			next[i].KeysystemID = id
			if !existing[next[i].ID] {
				if err := tx.Create(&next[i]).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&domain.Checkpoint{}).Where("id = ?", next[i].ID).Update("position", next[i].Position).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&domain.Session{}).
			Where("keysystem_id = ? AND checkpoint_index > ?", id, len(next)).
			Update("checkpoint_index", len(next)).Error; err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrKeysystemNotFound):
			observability.RecordRepositoryOperation(ctx, "keysystem", "mutate_checkpoints", "not_found")
		case errors.Is(err, domain.ErrInvalidOperation):
			observability.RecordRepositoryOperation(ctx, "keysystem", "mutate_checkpoints", "rejected")
		default:
			observability.RecordRepositoryOperation(ctx, "keysystem", "mutate_checkpoints", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "keysystem", "mutate_checkpoints", "success")
	return result, nil
}
