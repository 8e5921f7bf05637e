package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/repository"

	"github.com/google/uuid"
)

// CheckpointRegistry owns the ordered checkpoint list of each keysystem.
type CheckpointRegistry struct {
	keysystems repository.KeysystemRepository
}

func NewCheckpointRegistry(keysystems repository.KeysystemRepository) *CheckpointRegistry {
	return &CheckpointRegistry{keysystems: keysystems}
}

type CheckpointInput struct {
	Provider    domain.Provider
	Mandatory   bool
	RedirectURL string
}

func (r *CheckpointRegistry) Insert(ctx context.Context, keysystemID string, in CheckpointInput, position int) ([]domain.Checkpoint, error) {
	cp := domain.Checkpoint{
		ID:          uuid.NewString(),
		KeysystemID: keysystemID,
		Provider:    in.Provider,
		Mandatory:   in.Mandatory,
		RedirectURL: in.RedirectURL,
		CreatedAt:   time.Now().UTC(),
	}
	list, err := r.keysystems.MutateCheckpoints(ctx, keysystemID, func(current []domain.Checkpoint) ([]domain.Checkpoint, error) {
		return domain.InsertCheckpoint(current, cp, position)
	})
	return list, mapRegistryError(err)
}

// Remove deletes the checkpoint at position together with its callback entries.
func (r *CheckpointRegistry) Remove(ctx context.Context, keysystemID string, position int) ([]domain.Checkpoint, error) {
	list, err := r.keysystems.MutateCheckpoints(ctx, keysystemID, func(current []domain.Checkpoint) ([]domain.Checkpoint, error) {
		next, _, err := domain.RemoveCheckpoint(current, position)
		return next, err
	})
	return list, mapRegistryError(err)
}

func (r *CheckpointRegistry) Reorder(ctx context.Context, keysystemID string, from, to int) ([]domain.Checkpoint, error) {
	list, err := r.keysystems.MutateCheckpoints(ctx, keysystemID, func(current []domain.Checkpoint) ([]domain.Checkpoint, error) {
		return domain.ReorderCheckpoints(current, from, to)
	})
	return list, mapRegistryError(err)
}

func mapRegistryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrKeysystemNotFound):
		return ErrNotFound
	case errors.Is(err, domain.ErrInvalidOperation):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
