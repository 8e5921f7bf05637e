package repository

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session already at final checkpoint")
	ErrTokenOutstanding = errors.New("session token outstanding")
	ErrTokenMismatch    = errors.New("session token mismatch")
	ErrTokenStale       = errors.New("session token stale")
)

// SessionRepository persists visitor sessions. Every state transition is a
// single conditional UPDATE so concurrent requests for one session serialize
// in the database.
type SessionRepository interface {
	Get(ctx context.Context, keysystemID, sessionID string) (*domain.Session, error)
	GetOrCreate(ctx context.Context, keysystemID, sessionID string) (*domain.Session, bool, error)
	Advance(ctx context.Context, keysystemID, sessionID string, limit int) (int, error)
	IssueToken(ctx context.Context, keysystemID, sessionID, token string, now, staleBefore time.Time) error
	ConsumeToken(ctx context.Context, keysystemID, sessionID, token string, freshAfter time.Time) error
	ConsumeAndAdvance(ctx context.Context, keysystemID, sessionID, token string, freshAfter time.Time, limit int) (int, error)
	Delete(ctx context.Context, keysystemID, sessionID string) (bool, error)
	CleanupIdle(ctx context.Context, idleBefore time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Get(ctx context.Context, keysystemID, sessionID string) (*domain.Session, error) {
	s, err := r.find(ctx, keysystemID, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "get", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "get", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "get", "success")
	return s, nil
}

func (r *GormSessionRepository) find(ctx context.Context, keysystemID, sessionID string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("keysystem_id = ? AND session_id = ?", keysystemID, sessionID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetOrCreate returns the session, inserting it at index 0 when absent.
// The boolean reports whether this call created it.
func (r *GormSessionRepository) GetOrCreate(ctx context.Context, keysystemID, sessionID string) (*domain.Session, bool, error) {
	now := time.Now().UTC()
	fresh := &domain.Session{
		KeysystemID: keysystemID,
		SessionID:   sessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "get_or_create", "error")
		return nil, false, res.Error
	}
	created := res.RowsAffected > 0
	s, err := r.find(ctx, keysystemID, sessionID)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "get_or_create", "error")
		return nil, false, err
	}
	if created {
		observability.RecordRepositoryOperation(ctx, "session", "get_or_create", "created")
	} else {
		observability.RecordRepositoryOperation(ctx, "session", "get_or_create", "success")
	}
	return s, created, nil
}

// Advance moves the session one checkpoint forward, never past limit, and
// clears any outstanding token. It returns the new index.
func (r *GormSessionRepository) Advance(ctx context.Context, keysystemID, sessionID string, limit int) (int, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("keysystem_id = ? AND session_id = ? AND checkpoint_index < ?", keysystemID, sessionID, limit).
		Updates(map[string]any{
			"checkpoint_index":   gorm.Expr("checkpoint_index + 1"),
			"token":              nil,
			"token_issued_at_ms": nil,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "advance", "error")
		return 0, res.Error
	}
	s, err := r.find(ctx, keysystemID, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "advance", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "advance", "error")
		}
		return 0, err
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "advance", "completed")
		return s.CheckpointIndex, ErrSessionCompleted
	}
	observability.RecordRepositoryOperation(ctx, "session", "advance", "success")
	return s.CheckpointIndex, nil
}

// IssueToken stores token on the session unless a token issued after
// staleBefore is still outstanding.
func (r *GormSessionRepository) IssueToken(ctx context.Context, keysystemID, sessionID, token string, now, staleBefore time.Time) error {
	issuedMs := now.UnixMilli()
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("keysystem_id = ? AND session_id = ?", keysystemID, sessionID).
		Where("token IS NULL OR token = '' OR token_issued_at_ms IS NULL OR token_issued_at_ms <= ?", staleBefore.UnixMilli()).
		Updates(map[string]any{
			"token":              token,
			"token_issued_at_ms": issuedMs,
			"updated_at":         now.UTC(),
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "issue_token", "error")
		return res.Error
	}
	if res.RowsAffected == 1 {
		observability.RecordRepositoryOperation(ctx, "session", "issue_token", "success")
		return nil
	}
	if _, err := r.find(ctx, keysystemID, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "issue_token", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "issue_token", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "issue_token", "outstanding")
	return ErrTokenOutstanding
}

// ConsumeToken clears the session token if it equals token and was issued
// after freshAfter. Exactly one of any number of concurrent callers succeeds.
func (r *GormSessionRepository) ConsumeToken(ctx context.Context, keysystemID, sessionID, token string, freshAfter time.Time) error {
	if token == "" {
		observability.RecordRepositoryOperation(ctx, "session", "consume_token", "mismatch")
		return ErrTokenMismatch
	}
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("keysystem_id = ? AND session_id = ? AND token = ?", keysystemID, sessionID, token).
		Where("token_issued_at_ms IS NOT NULL AND token_issued_at_ms > ?", freshAfter.UnixMilli()).
		Updates(map[string]any{
			"token":              nil,
			"token_issued_at_ms": nil,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "consume_token", "error")
		return res.Error
	}
	if res.RowsAffected == 1 {
		observability.RecordRepositoryOperation(ctx, "session", "consume_token", "success")
		return nil
	}
	s, err := r.find(ctx, keysystemID, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "consume_token", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "consume_token", "error")
		}
		return err
	}
	if !s.HasToken() || subtle.ConstantTimeCompare([]byte(*s.Token), []byte(token)) != 1 {
		observability.RecordRepositoryOperation(ctx, "session", "consume_token", "mismatch")
		return ErrTokenMismatch
	}
	observability.RecordRepositoryOperation(ctx, "session", "consume_token", "stale")
	return ErrTokenStale
}

// ConsumeAndAdvance clears a fresh matching token and moves the session one
// checkpoint forward in a single conditional UPDATE. Either both happen or
// neither does.
func (r *GormSessionRepository) ConsumeAndAdvance(ctx context.Context, keysystemID, sessionID, token string, freshAfter time.Time, limit int) (int, error) {
	if token == "" {
		observability.RecordRepositoryOperation(ctx, "session", "consume_advance", "mismatch")
		return 0, ErrTokenMismatch
	}
	var (
		index    int
		outcome  string
		sentinel error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Session{}).
			Where("keysystem_id = ? AND session_id = ? AND token = ?", keysystemID, sessionID, token).
			Where("token_issued_at_ms IS NOT NULL AND token_issued_at_ms > ?", freshAfter.UnixMilli()).
			Where("checkpoint_index < ?", limit).
			Updates(map[string]any{
				"checkpoint_index":   gorm.Expr("checkpoint_index + 1"),
				"token":              nil,
				"token_issued_at_ms": nil,
				"updated_at":         time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		var s domain.Session
		if err := tx.Where("keysystem_id = ? AND session_id = ?", keysystemID, sessionID).First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome, sentinel = "not_found", ErrSessionNotFound
				return nil
			}
			return err
		}
		index = s.CheckpointIndex
		switch {
		case res.RowsAffected == 1:
			outcome = "success"
		case s.CheckpointIndex >= limit:
			outcome, sentinel = "completed", ErrSessionCompleted
		case !s.HasToken() || subtle.ConstantTimeCompare([]byte(*s.Token), []byte(token)) != 1:
			outcome, sentinel = "mismatch", ErrTokenMismatch
		default:
			outcome, sentinel = "stale", ErrTokenStale
		}
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "consume_advance", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "consume_advance", outcome)
	return index, sentinel
}

func (r *GormSessionRepository) Delete(ctx context.Context, keysystemID, sessionID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("keysystem_id = ? AND session_id = ?", keysystemID, sessionID).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "delete", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete", "success")
	return true, nil
}

// CleanupIdle deletes sessions untouched since idleBefore along with their callback entries.
func (r *GormSessionRepository) CleanupIdle(ctx context.Context, idleBefore time.Time) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		idle := tx.Model(&domain.Session{}).Select("keysystem_id, session_id").Where("updated_at < ?", idleBefore.UTC())
		if err := tx.Where("(keysystem_id, session_id) IN (?)", idle).Delete(&domain.CallbackEntry{}).Error; err != nil {
			return err
		}
		res := tx.Where("updated_at < ?", idleBefore.UTC()).Delete(&domain.Session{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_idle", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_idle", "success")
	return removed, nil
}
