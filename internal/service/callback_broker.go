package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/security"
)

// ResolvedCallback is what a callback identifier points at.
type ResolvedCallback struct {
	CallbackID string
	Keysystem  *domain.Keysystem
	Checkpoint domain.Checkpoint
	Index      int
	SessionID  string
}

// CallbackBroker issues provider callback identifiers and resolves them
// through the callback reverse index.
type CallbackBroker struct {
	callbacks  repository.CallbackRepository
	keysystems repository.KeysystemRepository
	newID      func() (string, error)
}

func NewCallbackBroker(callbacks repository.CallbackRepository, keysystems repository.KeysystemRepository) *CallbackBroker {
	return &CallbackBroker{callbacks: callbacks, keysystems: keysystems, newID: security.NewCallbackID}
}

// Issue replaces any live identifier for (checkpoint, session) with a fresh one.
func (b *CallbackBroker) Issue(ctx context.Context, ks *domain.Keysystem, checkpointIndex int, sessionID string) (string, error) {
	cp, ok := ks.CheckpointAt(checkpointIndex)
	if !ok {
		return "", fmt.Errorf("%w: checkpoint %d", ErrNotFound, checkpointIndex)
	}
	id, err := b.newID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	entry := &domain.CallbackEntry{
		CallbackID:   id,
		KeysystemID:  ks.ID,
		CheckpointID: cp.ID,
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.callbacks.Replace(ctx, entry); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return id, nil
}

// Resolve maps a callback identifier back to its keysystem and checkpoint.
// The identifier only resolves for the session it was issued to.
func (b *CallbackBroker) Resolve(ctx context.Context, callbackID, sessionID string) (*ResolvedCallback, error) {
	entry, err := b.callbacks.FindByID(ctx, callbackID)
	if err != nil {
		if errors.Is(err, repository.ErrCallbackNotFound) {
			return nil, fmt.Errorf("%w: callback", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if entry.SessionID != sessionID {
		return nil, fmt.Errorf("%w: callback", ErrNotFound)
	}
	ks, err := b.keysystems.FindByID(ctx, entry.KeysystemID)
	if err != nil {
		if errors.Is(err, repository.ErrKeysystemNotFound) {
			return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	idx, ok := ks.IndexOfCheckpoint(entry.CheckpointID)
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint", ErrNotFound)
	}
	if !ks.Active {
		return nil, fmt.Errorf("%w: keysystem inactive", ErrForbidden)
	}
	return &ResolvedCallback{
		CallbackID: entry.CallbackID,
		Keysystem:  ks,
		Checkpoint: ks.Checkpoints[idx],
		Index:      idx,
		SessionID:  entry.SessionID,
	}, nil
}

func (b *CallbackBroker) Revoke(ctx context.Context, ks *domain.Keysystem, checkpointIndex int, sessionID string) error {
	cp, ok := ks.CheckpointAt(checkpointIndex)
	if !ok {
		return nil
	}
	if _, err := b.callbacks.DeleteByCheckpointSession(ctx, cp.ID, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// RevokeSession removes every callback identifier issued to the session.
func (b *CallbackBroker) RevokeSession(ctx context.Context, keysystemID, sessionID string) error {
	if _, err := b.callbacks.DeleteBySession(ctx, keysystemID, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}
