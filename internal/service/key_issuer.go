package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/security"
)

const keyValueAttempts = 3

type KeyStatus string

const (
	KeyStatusValid   KeyStatus = "valid"
	KeyStatusExpired KeyStatus = "expired"
)

type KeyValidation struct {
	Status    KeyStatus  `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// KeyIssuer mints keys under the keysystem's total, per-person and cooldown limits.
type KeyIssuer struct {
	keys        repository.KeyRepository
	negative    NegativeLookupCacheStore
	negativeTTL time.Duration
	prefix      string
	now         func() time.Time
	newValue    func(prefix string) (string, error)
}

func NewKeyIssuer(keys repository.KeyRepository, negative NegativeLookupCacheStore, negativeTTL time.Duration) *KeyIssuer {
	if negative == nil {
		negative = NewNoopNegativeLookupCacheStore()
	}
	return &KeyIssuer{
		keys:        keys,
		negative:    negative,
		negativeTTL: negativeTTL,
		prefix:      "KG",
		now:         time.Now,
		newValue:    security.NewKeyValue,
	}
}

func (k *KeyIssuer) Issue(ctx context.Context, ks *domain.Keysystem, fingerprint string) (*domain.Key, error) {
	if !ks.Active {
		observability.RecordKeyIssuance(ctx, "inactive")
		return nil, fmt.Errorf("%w: keysystem inactive", ErrForbidden)
	}
	if strings.TrimSpace(fingerprint) == "" {
		return nil, fmt.Errorf("%w: fingerprint is required", ErrValidation)
	}
	now := k.now().UTC()
	quota := repository.KeyQuota{
		MaxTotal:     ks.MaxKeyLimit,
		MaxPerPerson: ks.MaxKeysPerPerson,
		Cooldown:     ks.KeyCooldown,
		Now:          now,
	}
	var expiresAt *time.Time
	if !ks.Permanent && ks.KeyTimer > 0 {
		exp := now.Add(ks.KeyTimer)
		expiresAt = &exp
	}

	var lastErr error
	for attempt := 0; attempt < keyValueAttempts; attempt++ {
		value, err := k.newValue(k.prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		key := &domain.Key{
			KeysystemID:      ks.ID,
			Value:            value,
			OwnerFingerprint: fingerprint,
			ExpiresAt:        expiresAt,
			CreatedAt:        now,
		}
		err = k.keys.CreateWithinQuota(ctx, key, quota)
		switch {
		case err == nil:
			observability.RecordKeyIssuance(ctx, "issued")
			if fErr := k.negative.Forget(ctx, keyNegativeNamespace(ks.ID), value); fErr != nil {
				observability.RecordCacheEvent(ctx, "key_negative", "forget_error")
			}
			return key, nil
		case errors.Is(err, repository.ErrKeyLimitReached):
			observability.RecordKeyIssuance(ctx, "full")
			return nil, fmt.Errorf("%w: key limit of %d reached", ErrFull, ks.MaxKeyLimit)
		case errors.Is(err, repository.ErrPersonLimitReached):
			observability.RecordKeyIssuance(ctx, "per_person_limit")
			return nil, fmt.Errorf("%w: at most %d active keys per person", ErrRateLimited, ks.MaxKeysPerPerson)
		case errors.Is(err, repository.ErrKeyCooldown):
			observability.RecordKeyIssuance(ctx, "cooldown")
			return nil, fmt.Errorf("%w: key cooldown of %s active", ErrRateLimited, ks.KeyCooldown)
		case errors.Is(err, repository.ErrKeysystemNotFound):
			return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
		default:
			lastErr = err
		}
	}
	observability.RecordKeyIssuance(ctx, "error")
	return nil, fmt.Errorf("%w: %v", ErrInternal, lastErr)
}

// Validate reports whether value is a live key of the keysystem.
func (k *KeyIssuer) Validate(ctx context.Context, keysystemID, value string) (KeyValidation, error) {
	ns := keyNegativeNamespace(keysystemID)
	if hit, err := k.negative.Get(ctx, ns, value); err == nil && hit {
		observability.RecordCacheEvent(ctx, "key_negative", "hit")
		return KeyValidation{}, fmt.Errorf("%w: key", ErrNotFound)
	}
	key, err := k.keys.FindByValue(ctx, keysystemID, value)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			if setErr := k.negative.Set(ctx, ns, value, k.negativeTTL); setErr != nil {
				observability.RecordCacheEvent(ctx, "key_negative", "set_error")
			}
			return KeyValidation{}, fmt.Errorf("%w: key", ErrNotFound)
		}
		return KeyValidation{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if key.Expired(k.now()) {
		return KeyValidation{Status: KeyStatusExpired, ExpiresAt: key.ExpiresAt}, nil
	}
	return KeyValidation{Status: KeyStatusValid, ExpiresAt: key.ExpiresAt}, nil
}

func (k *KeyIssuer) List(ctx context.Context, keysystemID string, req repository.PageRequest) (repository.PageResult[domain.Key], error) {
	page, err := k.keys.ListPaged(ctx, keysystemID, req)
	if err != nil {
		return page, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return page, nil
}

func (k *KeyIssuer) Delete(ctx context.Context, keysystemID, value string) error {
	ok, err := k.keys.DeleteByValue(ctx, keysystemID, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: key", ErrNotFound)
	}
	return nil
}

func (k *KeyIssuer) DeleteByOwner(ctx context.Context, keysystemID, fingerprint string) (int64, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return 0, fmt.Errorf("%w: owner fingerprint is required", ErrValidation)
	}
	n, err := k.keys.DeleteByOwner(ctx, keysystemID, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return n, nil
}
