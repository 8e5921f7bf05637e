package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/security"
)

// TokenState is the non-consuming view of a session's outstanding token.
type TokenState struct {
	Outstanding bool      `json:"outstanding"`
	Token       string    `json:"token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// SessionTokenIssuer issues and consumes the single-use token that licenses
// one checkpoint advance. Tokens live for ttl after issuance.
type SessionTokenIssuer struct {
	sessions repository.SessionRepository
	ttl      time.Duration
	now      func() time.Time
	newToken func() (string, error)
}

func NewSessionTokenIssuer(sessions repository.SessionRepository, ttl time.Duration) *SessionTokenIssuer {
	return &SessionTokenIssuer{
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
		newToken: security.NewSessionToken,
	}
}

func (s *SessionTokenIssuer) TTL() time.Duration { return s.ttl }

// Issue fails with ErrConflict while an unexpired token is outstanding.
func (s *SessionTokenIssuer) Issue(ctx context.Context, keysystemID, sessionID string) (string, time.Time, error) {
	tok, err := s.newToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	now := s.now()
	err = s.sessions.IssueToken(ctx, keysystemID, sessionID, tok, now, now.Add(-s.ttl))
	switch {
	case err == nil:
		observability.RecordSessionTokenEvent(ctx, "issue", "success")
		return tok, now.Add(s.ttl), nil
	case errors.Is(err, repository.ErrTokenOutstanding):
		observability.RecordSessionTokenEvent(ctx, "issue", "conflict")
		return "", time.Time{}, fmt.Errorf("%w: session token already outstanding", ErrConflict)
	case errors.Is(err, repository.ErrSessionNotFound):
		observability.RecordSessionTokenEvent(ctx, "issue", "not_found")
		return "", time.Time{}, fmt.Errorf("%w: session", ErrNotFound)
	default:
		observability.RecordSessionTokenEvent(ctx, "issue", "error")
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
}

func (s *SessionTokenIssuer) Peek(ctx context.Context, keysystemID, sessionID string) (TokenState, error) {
	sess, err := s.sessions.Get(ctx, keysystemID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return TokenState{}, fmt.Errorf("%w: session", ErrNotFound)
		}
		return TokenState{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	issuedAt, ok := sess.TokenIssuedAt()
	if !sess.HasToken() || !ok {
		return TokenState{}, nil
	}
	expiresAt := issuedAt.Add(s.ttl)
	if !s.now().Before(expiresAt) {
		return TokenState{}, nil
	}
	return TokenState{Outstanding: true, Token: *sess.Token, ExpiresAt: expiresAt}, nil
}

// ValidateAndConsume clears the token in one conditional update. A nil error
// is the caller's license to advance the session exactly once.
func (s *SessionTokenIssuer) ValidateAndConsume(ctx context.Context, keysystemID, sessionID, token string) error {
	err := s.sessions.ConsumeToken(ctx, keysystemID, sessionID, token, s.now().Add(-s.ttl))
	return s.consumeResult(ctx, "consume", err)
}

// ConsumeAndAdvance validates token and advances the session in the same
// statement, so a failed or aborted request never spends a token without
// moving the index. It returns the new index.
func (s *SessionTokenIssuer) ConsumeAndAdvance(ctx context.Context, keysystemID, sessionID, token string, limit int) (int, error) {
	index, err := s.sessions.ConsumeAndAdvance(ctx, keysystemID, sessionID, token, s.now().Add(-s.ttl), limit)
	if errors.Is(err, repository.ErrSessionCompleted) {
		observability.RecordSessionTokenEvent(ctx, "consume_advance", "completed")
		return index, fmt.Errorf("%w: session already completed all checkpoints", ErrConflict)
	}
	if err := s.consumeResult(ctx, "consume_advance", err); err != nil {
		return 0, err
	}
	return index, nil
}

func (s *SessionTokenIssuer) consumeResult(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		observability.RecordSessionTokenEvent(ctx, op, "success")
		return nil
	case errors.Is(err, repository.ErrTokenMismatch):
		observability.RecordSessionTokenEvent(ctx, op, "invalid")
		return ErrInvalidToken
	case errors.Is(err, repository.ErrTokenStale):
		observability.RecordSessionTokenEvent(ctx, op, "expired")
		return ErrTokenExpired
	case errors.Is(err, repository.ErrSessionNotFound):
		observability.RecordSessionTokenEvent(ctx, op, "not_found")
		return fmt.Errorf("%w: session", ErrNotFound)
	default:
		observability.RecordSessionTokenEvent(ctx, op, "error")
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
