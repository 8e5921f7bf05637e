package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/repository"
)

type CleanupReport struct {
	ExpiredKeys  int64
	IdleSessions int64
}

// CleanupService purges expired keys and sessions left idle past idleTTL.
type CleanupService struct {
	keys     repository.KeyRepository
	sessions repository.SessionRepository
	idleTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewCleanupService(keys repository.KeyRepository, sessions repository.SessionRepository, idleTTL time.Duration, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		keys:     keys,
		sessions: sessions,
		idleTTL:  idleTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *CleanupService) RunOnce(ctx context.Context) (CleanupReport, error) {
	now := c.now()
	var report CleanupReport
	n, err := c.keys.CleanupExpired(ctx, now)
	if err != nil {
		return report, err
	}
	report.ExpiredKeys = n
	observability.RecordCleanupRemoved(ctx, "key", n)

	if c.idleTTL > 0 {
		n, err = c.sessions.CleanupIdle(ctx, now.Add(-c.idleTTL))
		if err != nil {
			return report, err
		}
		report.IdleSessions = n
		observability.RecordCleanupRemoved(ctx, "session", n)
	}
	return report, nil
}

// Run ticks RunOnce every interval until ctx is cancelled.
func (c *CleanupService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := c.RunOnce(ctx)
			if err != nil {
				c.logger.Warn("cleanup run failed", "error", err)
				continue
			}
			if report.ExpiredKeys > 0 || report.IdleSessions > 0 {
				c.logger.Info("cleanup run", "expired_keys", report.ExpiredKeys, "idle_sessions", report.IdleSessions)
			}
		}
	}
}
