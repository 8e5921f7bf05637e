package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/webhook"
)

const (
	BypassSessionNotStarted      = "session_not_started"
	BypassCheckpointOutOfOrder   = "checkpoint_out_of_order"
	BypassCallbackNotCurrent     = "callback_checkpoint_not_current"
	BypassVerificationRejected   = "upstream_verification_failed"
	BypassCompletedSessionReplay = "completed_session_replay"
)

// EventEmitter accepts webhook events without blocking.
type EventEmitter interface {
	Emit(ctx context.Context, event webhook.Event)
}

// CompletionReport describes an attempt to claim a checkpoint as completed.
type CompletionReport struct {
	KeysystemID string
	SessionID   string
	// SessionFound is false when no session record exists for the pair.
	SessionFound bool
	CurrentIndex int
	// ClaimedIndex is the checkpoint the caller says it completed, or -1 when unspecified.
	ClaimedIndex int
	Total        int
	Client       webhook.ClientMetadata
}

// BypassDetector classifies completion reports. It never mutates state; a
// positive verdict is only reported.
type BypassDetector struct {
	emitter EventEmitter
	logger  *slog.Logger
}

func NewBypassDetector(emitter EventEmitter, logger *slog.Logger) *BypassDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &BypassDetector{emitter: emitter, logger: logger}
}

// Inspect returns the bypass reason for r, or "" when r looks legitimate.
func (d *BypassDetector) Inspect(r CompletionReport) string {
	switch {
	case !r.SessionFound:
		return BypassSessionNotStarted
	case r.ClaimedIndex >= 0 && r.ClaimedIndex != r.CurrentIndex:
		return BypassCheckpointOutOfOrder
	case r.Total > 0 && r.CurrentIndex >= r.Total && r.ClaimedIndex >= 0:
		return BypassCompletedSessionReplay
	default:
		return ""
	}
}

// Report records a bypass attempt and notifies the keysystem's webhook.
func (d *BypassDetector) Report(ctx context.Context, r CompletionReport, reason, webhookURL string) {
	observability.RecordBypassAttempt(ctx, reason)
	observability.AuditContext(ctx, "checkpoint.bypass", "rejected", reason,
		"keysystem_id", r.KeysystemID,
		"session_id", r.SessionID,
		"current_index", r.CurrentIndex,
		"claimed_index", r.ClaimedIndex,
		"client_origin", r.Client.Origin,
	)
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(ctx, webhook.Event{
		Name:            webhook.EventBypassAttempt,
		KeysystemID:     r.KeysystemID,
		SessionID:       r.SessionID,
		CheckpointIndex: r.CurrentIndex,
		Reason:          reason,
		Client:          r.Client,
		OccurredAt:      time.Now().UTC(),
		Target:          webhookURL,
	})
}
