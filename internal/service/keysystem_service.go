package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/repository"

	"github.com/google/uuid"
)

const maxKeysystemNameLen = 128

type PublicCheckpoint struct {
	Position    int             `json:"position"`
	Provider    domain.Provider `json:"provider"`
	Mandatory   bool            `json:"mandatory"`
	RedirectURL string          `json:"redirect_url"`
}

// PublicKeysystem is the projection served to anonymous visitors.
type PublicKeysystem struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Active             bool               `json:"active"`
	MaxKeysPerPerson   int                `json:"max_keys_per_person"`
	MaxKeyLimit        int                `json:"max_key_limit"`
	KeyTimerSeconds    int64              `json:"key_timer_seconds"`
	KeyCooldownSeconds int64              `json:"key_cooldown_seconds"`
	Permanent          bool               `json:"permanent"`
	Checkpoints        []PublicCheckpoint `json:"checkpoints"`
}

type OwnerKeysystem struct {
	PublicKeysystem
	OwnerID          string    `json:"owner_id"`
	WebhookURL       string    `json:"webhook_url,omitempty"`
	HasProviderToken bool      `json:"has_provider_token"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func projectPublic(ks *domain.Keysystem) PublicKeysystem {
	out := PublicKeysystem{
		ID:                 ks.ID,
		Name:               ks.Name,
		Active:             ks.Active,
		MaxKeysPerPerson:   ks.MaxKeysPerPerson,
		MaxKeyLimit:        ks.MaxKeyLimit,
		KeyTimerSeconds:    int64(ks.KeyTimer / time.Second),
		KeyCooldownSeconds: int64(ks.KeyCooldown / time.Second),
		Permanent:          ks.Permanent,
		Checkpoints:        make([]PublicCheckpoint, 0, len(ks.Checkpoints)),
	}
	for i, cp := range ks.Checkpoints {
		out.Checkpoints = append(out.Checkpoints, PublicCheckpoint{
			Position:    i,
			Provider:    cp.Provider,
			Mandatory:   cp.Mandatory,
			RedirectURL: cp.RedirectURL,
		})
	}
	return out
}

func projectOwner(ks *domain.Keysystem) OwnerKeysystem {
	return OwnerKeysystem{
		PublicKeysystem:  projectPublic(ks),
		OwnerID:          ks.OwnerID,
		WebhookURL:       ks.WebhookURL,
		HasProviderToken: ks.ProviderToken != "",
		CreatedAt:        ks.CreatedAt,
		UpdatedAt:        ks.UpdatedAt,
	}
}

type CreateKeysystemInput struct {
	Name             string        `json:"name"`
	MaxKeysPerPerson int           `json:"max_keys_per_person"`
	MaxKeyLimit      int           `json:"max_key_limit"`
	KeyTimer         time.Duration `json:"-"`
	KeyCooldown      time.Duration `json:"-"`
	Permanent        bool          `json:"permanent"`
	WebhookURL       string        `json:"webhook_url"`
	ProviderToken    string        `json:"provider_token"`
	Active           *bool         `json:"active"`
}

// UpdateKeysystemInput applies only non-nil fields.
type UpdateKeysystemInput struct {
	Name             *string
	Active           *bool
	MaxKeysPerPerson *int
	MaxKeyLimit      *int
	KeyTimer         *time.Duration
	KeyCooldown      *time.Duration
	Permanent        *bool
	WebhookURL       *string
	ProviderToken    *string
}

// KeysystemService serves owner operations and the public projection.
type KeysystemService struct {
	keysystems  repository.KeysystemRepository
	registry    *CheckpointRegistry
	keys        *KeyIssuer
	projections ProjectionCacheStore
	negative    NegativeLookupCacheStore
	cacheTTL    time.Duration
	negativeTTL time.Duration
}

func NewKeysystemService(
	keysystems repository.KeysystemRepository,
	registry *CheckpointRegistry,
	keys *KeyIssuer,
	projections ProjectionCacheStore,
	negative NegativeLookupCacheStore,
	cacheTTL, negativeTTL time.Duration,
) *KeysystemService {
	if projections == nil {
		projections = NewNoopProjectionCacheStore()
	}
	if negative == nil {
		negative = NewNoopNegativeLookupCacheStore()
	}
	return &KeysystemService{
		keysystems:  keysystems,
		registry:    registry,
		keys:        keys,
		projections: projections,
		negative:    negative,
		cacheTTL:    cacheTTL,
		negativeTTL: negativeTTL,
	}
}

func (s *KeysystemService) Public(ctx context.Context, id string) (*PublicKeysystem, error) {
	if raw, ok, err := s.projections.Get(ctx, id); err == nil && ok {
		var cached PublicKeysystem
		if json.Unmarshal(raw, &cached) == nil {
			observability.RecordCacheEvent(ctx, "projection", "hit")
			return &cached, nil
		}
	}
	if hit, err := s.negative.Get(ctx, negativeNamespaceKeysystem, id); err == nil && hit {
		observability.RecordCacheEvent(ctx, "keysystem_negative", "hit")
		return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
	}
	ks, err := s.keysystems.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrKeysystemNotFound) {
			_ = s.negative.Set(ctx, negativeNamespaceKeysystem, id, s.negativeTTL)
			return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	view := projectPublic(ks)
	if payload, err := json.Marshal(view); err == nil {
		if err := s.projections.Set(ctx, id, payload, s.cacheTTL); err != nil {
			observability.RecordCacheEvent(ctx, "projection", "set_error")
		}
	}
	observability.RecordCacheEvent(ctx, "projection", "miss")
	return &view, nil
}

func (s *KeysystemService) invalidate(ctx context.Context, id string) {
	if err := s.projections.Invalidate(ctx, id); err != nil {
		observability.RecordCacheEvent(ctx, "projection", "invalidate_error")
	}
}

// owned loads the keysystem and hides ones the owner does not hold.
func (s *KeysystemService) owned(ctx context.Context, ownerID, id string) (*domain.Keysystem, error) {
	ks, err := s.keysystems.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrKeysystemNotFound) {
			return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if ks.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
	}
	return ks, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook_url must be an absolute http(s) url", ErrValidation)
	}
	return nil
}

func validateLimits(name string, perPerson, limit int, timer, cooldown time.Duration) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "" || len(name) > maxKeysystemNameLen:
		return fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, maxKeysystemNameLen)
	case perPerson < 1:
		return fmt.Errorf("%w: max_keys_per_person must be at least 1", ErrValidation)
	case limit < 1:
		return fmt.Errorf("%w: max_key_limit must be at least 1", ErrValidation)
	case timer < 0 || cooldown < 0:
		return fmt.Errorf("%w: key timer and cooldown must not be negative", ErrValidation)
	}
	return nil
}

func (s *KeysystemService) Create(ctx context.Context, ownerID string, in CreateKeysystemInput) (*OwnerKeysystem, error) {
	if in.MaxKeysPerPerson == 0 {
		in.MaxKeysPerPerson = 1
	}
	if in.MaxKeyLimit == 0 {
		in.MaxKeyLimit = 1000
	}
	if err := validateLimits(in.Name, in.MaxKeysPerPerson, in.MaxKeyLimit, in.KeyTimer, in.KeyCooldown); err != nil {
		return nil, err
	}
	if err := validateWebhookURL(in.WebhookURL); err != nil {
		return nil, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	now := time.Now().UTC()
	ks := &domain.Keysystem{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Name:             strings.TrimSpace(in.Name),
		Active:           active,
		MaxKeysPerPerson: in.MaxKeysPerPerson,
		MaxKeyLimit:      in.MaxKeyLimit,
		KeyTimer:         in.KeyTimer,
		KeyCooldown:      in.KeyCooldown,
		Permanent:        in.Permanent,
		WebhookURL:       in.WebhookURL,
		ProviderToken:    in.ProviderToken,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.keysystems.Create(ctx, ks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	_ = s.negative.Forget(ctx, negativeNamespaceKeysystem, ks.ID)
	view := projectOwner(ks)
	return &view, nil
}

func (s *KeysystemService) List(ctx context.Context, ownerID string) ([]OwnerKeysystem, error) {
	list, err := s.keysystems.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	out := make([]OwnerKeysystem, 0, len(list))
	for i := range list {
		out = append(out, projectOwner(&list[i]))
	}
	return out, nil
}

func (s *KeysystemService) Get(ctx context.Context, ownerID, id string) (*OwnerKeysystem, error) {
	ks, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	view := projectOwner(ks)
	return &view, nil
}

func (s *KeysystemService) Update(ctx context.Context, ownerID, id string, in UpdateKeysystemInput) (*OwnerKeysystem, error) {
	ks, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if in.Name != nil {
		ks.Name = strings.TrimSpace(*in.Name)
		updates["name"] = ks.Name
	}
	if in.Active != nil {
		ks.Active = *in.Active
		updates["active"] = ks.Active
	}
	if in.MaxKeysPerPerson != nil {
		ks.MaxKeysPerPerson = *in.MaxKeysPerPerson
		updates["max_keys_per_person"] = ks.MaxKeysPerPerson
	}
	if in.MaxKeyLimit != nil {
		ks.MaxKeyLimit = *in.MaxKeyLimit
		updates["max_key_limit"] = ks.MaxKeyLimit
	}
	if in.KeyTimer != nil {
		ks.KeyTimer = *in.KeyTimer
		updates["key_timer"] = ks.KeyTimer
	}
	if in.KeyCooldown != nil {
		ks.KeyCooldown = *in.KeyCooldown
		updates["key_cooldown"] = ks.KeyCooldown
	}
	if in.Permanent != nil {
		ks.Permanent = *in.Permanent
		updates["permanent"] = ks.Permanent
	}
	if in.WebhookURL != nil {
		if err := validateWebhookURL(*in.WebhookURL); err != nil {
			return nil, err
		}
		ks.WebhookURL = *in.WebhookURL
		updates["webhook_url"] = ks.WebhookURL
	}
	if in.ProviderToken != nil {
		ks.ProviderToken = *in.ProviderToken
		updates["provider_token"] = ks.ProviderToken
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	if err := validateLimits(ks.Name, ks.MaxKeysPerPerson, ks.MaxKeyLimit, ks.KeyTimer, ks.KeyCooldown); err != nil {
		return nil, err
	}
	ks.UpdatedAt = time.Now().UTC()
	updates["updated_at"] = ks.UpdatedAt
	if err := s.keysystems.Update(ctx, id, updates); err != nil {
		if errors.Is(err, repository.ErrKeysystemNotFound) {
			return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.invalidate(ctx, id)
	view := projectOwner(ks)
	return &view, nil
}

func (s *KeysystemService) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.keysystems.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrKeysystemNotFound) {
			return fmt.Errorf("%w: keysystem", ErrNotFound)
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.invalidate(ctx, id)
	_ = s.negative.InvalidateNamespace(ctx, keyNegativeNamespace(id))
	return nil
}

func (s *KeysystemService) InsertCheckpoint(ctx context.Context, ownerID, id string, in CheckpointInput, position int) ([]PublicCheckpoint, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if in.RedirectURL != "" {
		if u, err := url.Parse(in.RedirectURL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: redirect_url must be absolute", ErrValidation)
		}
	}
	list, err := s.registry.Insert(ctx, id, in, position)
	return s.afterCheckpointChange(ctx, id, list, err)
}

func (s *KeysystemService) RemoveCheckpoint(ctx context.Context, ownerID, id string, position int) ([]PublicCheckpoint, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	list, err := s.registry.Remove(ctx, id, position)
	return s.afterCheckpointChange(ctx, id, list, err)
}

func (s *KeysystemService) ReorderCheckpoint(ctx context.Context, ownerID, id string, from, to int) ([]PublicCheckpoint, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	list, err := s.registry.Reorder(ctx, id, from, to)
	return s.afterCheckpointChange(ctx, id, list, err)
}

func (s *KeysystemService) afterCheckpointChange(ctx context.Context, id string, list []domain.Checkpoint, err error) ([]PublicCheckpoint, error) {
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return projectPublic(&domain.Keysystem{Checkpoints: list}).Checkpoints, nil
}

func (s *KeysystemService) ListKeys(ctx context.Context, ownerID, id string, req repository.PageRequest) (repository.PageResult[domain.Key], error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return repository.PageResult[domain.Key]{}, err
	}
	return s.keys.List(ctx, id, req)
}

func (s *KeysystemService) DeleteKey(ctx context.Context, ownerID, id, value string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	return s.keys.Delete(ctx, id, value)
}

func (s *KeysystemService) DeleteKeysByOwner(ctx context.Context, ownerID, id, fingerprint string) (int64, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return 0, err
	}
	return s.keys.DeleteByOwner(ctx, id, fingerprint)
}
