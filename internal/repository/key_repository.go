package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyLimitReached    = errors.New("keysystem key limit reached")
	ErrPersonLimitReached = errors.New("per-person key limit reached")
	ErrKeyCooldown        = errors.New("key cooldown active")
)

// KeyQuota bounds a single issuance. Only keys unexpired at Now count.
type KeyQuota struct {
	MaxTotal     int
	MaxPerPerson int
	Cooldown     time.Duration
	Now          time.Time
}

type KeyRepository interface {
	CreateWithinQuota(ctx context.Context, key *domain.Key, quota KeyQuota) error
	FindByValue(ctx context.Context, keysystemID, value string) (*domain.Key, error)
	ListPaged(ctx context.Context, keysystemID string, req PageRequest) (PageResult[domain.Key], error)
	CountActive(ctx context.Context, keysystemID string, now time.Time) (int64, error)
	DeleteByValue(ctx context.Context, keysystemID, value string) (bool, error)
	DeleteByOwner(ctx context.Context, keysystemID, fingerprint string) (int64, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormKeyRepository struct{ db *gorm.DB }

func NewKeyRepository(db *gorm.DB) KeyRepository { return &GormKeyRepository{db: db} }

func activeKeys(db *gorm.DB, now time.Time) *gorm.DB {
	return db.Where("expires_at IS NULL OR expires_at > ?", now.UTC())
}

// CreateWithinQuota inserts key after checking, in order, the keysystem-wide
// limit, the per-person limit and the cooldown. The keysystem row is locked
// for the duration so concurrent issuances cannot overshoot a limit.
func (r *GormKeyRepository) CreateWithinQuota(ctx context.Context, key *domain.Key, quota KeyQuota) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ks domain.Keysystem
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", key.KeysystemID).First(&ks).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeysystemNotFound
			}
			return err
		}
		var total int64
		if err := activeKeys(tx.Model(&domain.Key{}).Where("keysystem_id = ?", key.KeysystemID), quota.Now).
			Count(&total).Error; err != nil {
			return err
		}
		if quota.MaxTotal > 0 && total >= int64(quota.MaxTotal) {
			return ErrKeyLimitReached
		}
		var owned int64
		if err := activeKeys(tx.Model(&domain.Key{}).
			Where("keysystem_id = ? AND owner_fingerprint = ?", key.KeysystemID, key.OwnerFingerprint), quota.Now).
			Count(&owned).Error; err != nil {
			return err
		}
		if quota.MaxPerPerson > 0 && owned >= int64(quota.MaxPerPerson) {
			return ErrPersonLimitReached
		}
		if quota.Cooldown > 0 {
			var last domain.Key
			err := tx.Where("keysystem_id = ? AND owner_fingerprint = ?", key.KeysystemID, key.OwnerFingerprint).
				Order("created_at DESC").
				First(&last).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err == nil && quota.Now.Before(last.CreatedAt.Add(quota.Cooldown)) {
				return ErrKeyCooldown
			}
		}
		if key.CreatedAt.IsZero() {
			key.CreatedAt = quota.Now.UTC()
		}
		return tx.Create(key).Error
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyLimitReached), errors.Is(err, ErrPersonLimitReached), errors.Is(err, ErrKeyCooldown):
			observability.RecordRepositoryOperation(ctx, "key", "create_within_quota", "rejected")
		case errors.Is(err, ErrKeysystemNotFound):
			observability.RecordRepositoryOperation(ctx, "key", "create_within_quota", "not_found")
		default:
			observability.RecordRepositoryOperation(ctx, "key", "create_within_quota", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "key", "create_within_quota", "success")
	return nil
}

func (r *GormKeyRepository) FindByValue(ctx context.Context, keysystemID, value string) (*domain.Key, error) {
	var key domain.Key
	err := r.db.WithContext(ctx).Where("keysystem_id = ? AND value = ?", keysystemID, value).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "key", "find_by_value", "not_found")
			return nil, ErrKeyNotFound
		}
		observability.RecordRepositoryOperation(ctx, "key", "find_by_value", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "key", "find_by_value", "success")
	return &key, nil
}

func (r *GormKeyRepository) ListPaged(ctx context.Context, keysystemID string, req PageRequest) (PageResult[domain.Key], error) {
	req = normalizePageRequest(req)
	out := PageResult[domain.Key]{Page: req.Page, PageSize: req.PageSize, Items: []domain.Key{}}
	base := r.db.WithContext(ctx).Model(&domain.Key{}).Where("keysystem_id = ?", keysystemID)
	if err := base.Session(&gorm.Session{}).Count(&out.Total).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "key", "list_paged", "error")
		return out, err
	}
	out.TotalPages = calcTotalPages(out.Total, req.PageSize)
	if err := base.Order("created_at DESC").Order("id DESC").
		Offset(req.offset()).
		Limit(req.PageSize).
		Find(&out.Items).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "key", "list_paged", "error")
		return out, err
	}
	observability.RecordRepositoryOperation(ctx, "key", "list_paged", "success")
	return out, nil
}

func (r *GormKeyRepository) CountActive(ctx context.Context, keysystemID string, now time.Time) (int64, error) {
	var n int64
	err := activeKeys(r.db.WithContext(ctx).Model(&domain.Key{}).Where("keysystem_id = ?", keysystemID), now).Count(&n).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "key", "count_active", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "key", "count_active", "success")
	return n, nil
}

func (r *GormKeyRepository) DeleteByValue(ctx context.Context, keysystemID, value string) (bool, error) {
	res := r.db.WithContext(ctx).Where("keysystem_id = ? AND value = ?", keysystemID, value).Delete(&domain.Key{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "key", "delete_by_value", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "key", "delete_by_value", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormKeyRepository) DeleteByOwner(ctx context.Context, keysystemID, fingerprint string) (int64, error) {
	res := r.db.WithContext(ctx).Where("keysystem_id = ? AND owner_fingerprint = ?", keysystemID, fingerprint).Delete(&domain.Key{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "key", "delete_by_owner", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "key", "delete_by_owner", "success")
	return res.RowsAffected, nil
}

func (r *GormKeyRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).Delete(&domain.Key{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "key", "cleanup_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "key", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
