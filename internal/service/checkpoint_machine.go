package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/provider"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/webhook"
)

type SessionPhase string

const (
	PhaseNotStarted SessionPhase = "not_started"
	PhaseInProgress SessionPhase = "in_progress"
	PhaseCompleted  SessionPhase = "completed"
)

func phaseOf(index, total int) SessionPhase {
	switch {
	case index >= total:
		return PhaseCompleted
	case index == 0:
		return PhaseNotStarted
	default:
		return PhaseInProgress
	}
}

type StartResult struct {
	Index       int               `json:"index"`
	Total       int               `json:"total"`
	Phase       SessionPhase      `json:"phase"`
	Checkpoint  domain.Checkpoint `json:"checkpoint"`
	CallbackID  string            `json:"callback_id"`
	CallbackURL string            `json:"callback_url"`
}

type CallbackResult struct {
	KeysystemID     string    `json:"keysystem_id"`
	CheckpointIndex int       `json:"checkpoint_index"`
	Provider        string    `json:"provider"`
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type SessionView struct {
	Index int          `json:"index"`
	Total int          `json:"total"`
	Phase SessionPhase `json:"phase"`
	Token TokenState   `json:"token"`
}

type CompleteResult struct {
	Index int          `json:"index"`
	Total int          `json:"total"`
	Phase SessionPhase `json:"phase"`
	Key   *domain.Key  `json:"key,omitempty"`
}

// CompleteRequest is a visitor's claim to have completed the current checkpoint.
type CompleteRequest struct {
	KeysystemID string
	SessionID   string
	Token       string
	// Checkpoint is the index the visitor claims to have completed, or -1.
	Checkpoint  int
	Fingerprint string
	Client      webhook.ClientMetadata
}

type CallbackRequest struct {
	Provider   string
	CallbackID string
	SessionID  string
	Hash       string
	Client     webhook.ClientMetadata
}

// CheckpointMachine drives sessions from the first checkpoint to key issuance.
type CheckpointMachine struct {
	keysystems      repository.KeysystemRepository
	sessions        repository.SessionRepository
	broker          *CallbackBroker
	tokens          *SessionTokenIssuer
	detector        *BypassDetector
	keys            *KeyIssuer
	verifiers       map[domain.Provider]provider.Verifier
	emitter         EventEmitter
	callbackBaseURL string
	logger          *slog.Logger
}

type CheckpointMachineDeps struct {
	Keysystems      repository.KeysystemRepository
	Sessions        repository.SessionRepository
	Broker          *CallbackBroker
	Tokens          *SessionTokenIssuer
	Detector        *BypassDetector
	Keys            *KeyIssuer
	Verifiers       map[domain.Provider]provider.Verifier
	Emitter         EventEmitter
	CallbackBaseURL string
	Logger          *slog.Logger
}

func NewCheckpointMachine(deps CheckpointMachineDeps) *CheckpointMachine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointMachine{
		keysystems:      deps.Keysystems,
		sessions:        deps.Sessions,
		broker:          deps.Broker,
		tokens:          deps.Tokens,
		detector:        deps.Detector,
		keys:            deps.Keys,
		verifiers:       deps.Verifiers,
		emitter:         deps.Emitter,
		callbackBaseURL: strings.TrimRight(deps.CallbackBaseURL, "/"),
		logger:          logger,
	}
}

func (m *CheckpointMachine) loadKeysystem(ctx context.Context, keysystemID string) (*domain.Keysystem, error) {
	ks, err := m.keysystems.FindByID(ctx, keysystemID)
	if err != nil {
		if errors.Is(err, repository.ErrKeysystemNotFound) {
			return nil, fmt.Errorf("%w: keysystem", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return ks, nil
}

func (m *CheckpointMachine) loadSession(ctx context.Context, keysystemID, sessionID string) (*domain.Session, error) {
	sess, err := m.sessions.Get(ctx, keysystemID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return sess, nil
}

func (m *CheckpointMachine) callbackURL(p domain.Provider, callbackID, sessionID string) string {
	q := url.Values{}
	q.Set("callback", callbackID)
	q.Set("session", sessionID)
	return m.callbackBaseURL + "/api/v1/callbacks/" + string(p) + "?" + q.Encode()
}

// Start creates the session if needed and hands out a fresh callback
// identifier for its current checkpoint. Repeated calls do not advance.
func (m *CheckpointMachine) Start(ctx context.Context, keysystemID, sessionID string) (*StartResult, error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint.start")
	defer span.End()
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	ks, err := m.loadKeysystem(ctx, keysystemID)
	if err != nil {
		return nil, err
	}
	if !ks.Active {
		observability.RecordCheckpointEvent(ctx, "start", "inactive")
		return nil, fmt.Errorf("%w: keysystem inactive", ErrForbidden)
	}
	total := len(ks.Checkpoints)
	if total == 0 {
		return nil, fmt.Errorf("%w: keysystem has no checkpoints", ErrInvalidOperation)
	}
	sess, _, err := m.sessions.GetOrCreate(ctx, keysystemID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if sess.CheckpointIndex >= total {
		return nil, fmt.Errorf("%w: session already completed all checkpoints", ErrConflict)
	}
	cp, _ := ks.CheckpointAt(sess.CheckpointIndex)
	callbackID, err := m.broker.Issue(ctx, ks, sess.CheckpointIndex, sessionID)
	if err != nil {
		return nil, err
	}
	observability.RecordCheckpointEvent(ctx, "start", "success")
	return &StartResult{
		Index:       sess.CheckpointIndex,
		Total:       total,
		Phase:       phaseOf(sess.CheckpointIndex, total),
		Checkpoint:  cp,
		CallbackID:  callbackID,
		CallbackURL: m.callbackURL(cp.Provider, callbackID, sessionID),
	}, nil
}

// ResolveCallback handles a provider returning a visitor. On success the
// session holds a fresh token and the callback identifier is spent.
func (m *CheckpointMachine) ResolveCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint.callback")
	defer span.End()
	p, err := domain.ParseProvider(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.CallbackID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: callback and session are required", ErrValidation)
	}
	resolved, err := m.broker.Resolve(ctx, req.CallbackID, req.SessionID)
	if err != nil {
		observability.RecordCheckpointEvent(ctx, "callback", "unresolved")
		return nil, err
	}
	ks := resolved.Keysystem
	if resolved.Checkpoint.Provider != p {
		return nil, fmt.Errorf("%w: callback", ErrNotFound)
	}
	sess, err := m.loadSession(ctx, ks.ID, req.SessionID)
	if err != nil {
		return nil, err
	}
	report := CompletionReport{
		KeysystemID:  ks.ID,
		SessionID:    req.SessionID,
		SessionFound: true,
		CurrentIndex: sess.CheckpointIndex,
		ClaimedIndex: resolved.Index,
		Total:        len(ks.Checkpoints),
		Client:       req.Client,
	}
	if sess.CheckpointIndex != resolved.Index {
		m.detector.Report(ctx, report, BypassCallbackNotCurrent, ks.WebhookURL)
		return nil, fmt.Errorf("%w: callback is not for the current checkpoint", ErrAntiBypass)
	}
	if p.RequiresVerification() {
		if err := m.verify(ctx, ks, p, req.Hash, report); err != nil {
			return nil, err
		}
	}

	token, expiresAt, err := m.tokens.Issue(ctx, ks.ID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.broker.Revoke(ctx, ks, resolved.Index, req.SessionID); err != nil {
		m.logger.WarnContext(ctx, "callback revoke after resolution failed",
			"keysystem_id", ks.ID, "checkpoint_index", resolved.Index, "error", err)
	}
	observability.RecordCheckpointEvent(ctx, "callback", "success")
	return &CallbackResult{
		KeysystemID:     ks.ID,
		CheckpointIndex: resolved.Index,
		Provider:        string(p),
		Token:           token,
		ExpiresAt:       expiresAt,
	}, nil
}

func (m *CheckpointMachine) verify(ctx context.Context, ks *domain.Keysystem, p domain.Provider, hash string, report CompletionReport) error {
	verifier, ok := m.verifiers[p]
	if !ok {
		return fmt.Errorf("%w: no verifier configured for %s", ErrUpstream, p)
	}
	outcome, err := verifier.Verify(ctx, ks.ProviderToken, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	switch outcome {
	case provider.OutcomeSuccess:
		return nil
	case provider.OutcomeFailure:
		m.detector.Report(ctx, report, BypassVerificationRejected, ks.WebhookURL)
		return fmt.Errorf("%w: provider rejected completion hash", ErrAntiBypass)
	case provider.OutcomeInvalidCredential:
		return fmt.Errorf("%w: provider rejected the keysystem api token", ErrUpstream)
	default:
		return fmt.Errorf("%w: unrecognized verification response", ErrUpstream)
	}
}

func (m *CheckpointMachine) Peek(ctx context.Context, keysystemID, sessionID string) (*SessionView, error) {
	ks, err := m.loadKeysystem(ctx, keysystemID)
	if err != nil {
		return nil, err
	}
	sess, err := m.loadSession(ctx, keysystemID, sessionID)
	if err != nil {
		return nil, err
	}
	state, err := m.tokens.Peek(ctx, keysystemID, sessionID)
	if err != nil {
		return nil, err
	}
	total := len(ks.Checkpoints)
	return &SessionView{
		Index: sess.CheckpointIndex,
		Total: total,
		Phase: phaseOf(sess.CheckpointIndex, total),
		Token: state,
	}, nil
}

// Complete consumes the session token and advances one checkpoint. Reaching
// the last checkpoint issues a key and destroys the session.
func (m *CheckpointMachine) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint.complete")
	defer span.End()
	ks, err := m.loadKeysystem(ctx, req.KeysystemID)
	if err != nil {
		return nil, err
	}
	total := len(ks.Checkpoints)
	report := CompletionReport{
		KeysystemID:  ks.ID,
		SessionID:    req.SessionID,
		ClaimedIndex: req.Checkpoint,
		Total:        total,
		Client:       req.Client,
	}
	sess, err := m.sessions.Get(ctx, req.KeysystemID, req.SessionID)
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		m.detector.Report(ctx, report, BypassSessionNotStarted, ks.WebhookURL)
		return nil, fmt.Errorf("%w: session was never started", ErrAntiBypass)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	report.SessionFound = true
	report.CurrentIndex = sess.CheckpointIndex

	if !ks.Active {
		observability.RecordCheckpointEvent(ctx, "complete", "inactive")
		return nil, fmt.Errorf("%w: keysystem inactive", ErrForbidden)
	}
	if reason := m.detector.Inspect(report); reason != "" {
		m.detector.Report(ctx, report, reason, ks.WebhookURL)
		return nil, fmt.Errorf("%w: %s", ErrAntiBypass, reason)
	}
	if sess.CheckpointIndex >= total {
		return nil, fmt.Errorf("%w: session already completed all checkpoints", ErrConflict)
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	index, err := m.tokens.ConsumeAndAdvance(ctx, ks.ID, req.SessionID, req.Token, total)
	if err != nil {
		observability.RecordCheckpointEvent(ctx, "complete", "token_rejected")
		return nil, err
	}
	observability.RecordCheckpointEvent(ctx, "complete", "advanced")
	m.emit(ctx, ks, webhook.EventCheckpointCompleted, req.SessionID, index-1, req.Client)

	result := &CompleteResult{Index: index, Total: total, Phase: phaseOf(index, total)}
	if index < total {
		return result, nil
	}
	key, err := m.finish(ctx, ks, req.SessionID, req.Fingerprint, req.Client)
	if err != nil {
		return nil, err
	}
	result.Key = key
	return result, nil
}

// Claim retries key issuance for a session that already completed every
// checkpoint but was refused a key.
func (m *CheckpointMachine) Claim(ctx context.Context, keysystemID, sessionID, fingerprint string, client webhook.ClientMetadata) (*CompleteResult, error) {
	ctx, span := observability.StartSpan(ctx, "checkpoint.claim")
	defer span.End()
	ks, err := m.loadKeysystem(ctx, keysystemID)
	if err != nil {
		return nil, err
	}
	sess, err := m.loadSession(ctx, keysystemID, sessionID)
	if err != nil {
		return nil, err
	}
	total := len(ks.Checkpoints)
	if sess.CheckpointIndex < total {
		return nil, fmt.Errorf("%w: session has %d checkpoints left", ErrConflict, total-sess.CheckpointIndex)
	}
	key, err := m.finish(ctx, ks, sessionID, fingerprint, client)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{Index: total, Total: total, Phase: PhaseCompleted, Key: key}, nil
}

func (m *CheckpointMachine) finish(ctx context.Context, ks *domain.Keysystem, sessionID, fingerprint string, client webhook.ClientMetadata) (*domain.Key, error) {
	key, err := m.keys.Issue(ctx, ks, fingerprint)
	if err != nil {
		observability.RecordCheckpointEvent(ctx, "key_issue", "rejected")
		return nil, err
	}
	if err := m.destroy(ctx, ks.ID, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.WarnContext(ctx, "session cleanup after key issuance failed",
			"keysystem_id", ks.ID, "error", err)
	}
	m.emit(ctx, ks, webhook.EventKeyIssued, sessionID, len(ks.Checkpoints), client)
	return key, nil
}

func (m *CheckpointMachine) Destroy(ctx context.Context, keysystemID, sessionID string) error {
	return m.destroy(ctx, keysystemID, sessionID)
}

func (m *CheckpointMachine) destroy(ctx context.Context, keysystemID, sessionID string) error {
	removed, err := m.sessions.Delete(ctx, keysystemID, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := m.broker.RevokeSession(ctx, keysystemID, sessionID); err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	return nil
}

func (m *CheckpointMachine) emit(ctx context.Context, ks *domain.Keysystem, name, sessionID string, index int, client webhook.ClientMetadata) {
	if m.emitter == nil || ks.WebhookURL == "" {
		return
	}
	m.emitter.Emit(ctx, webhook.Event{
		Name:            name,
		KeysystemID:     ks.ID,
		SessionID:       sessionID,
		CheckpointIndex: index,
		Client:          client,
		OccurredAt:      time.Now().UTC(),
		Target:          ks.WebhookURL,
	})
}
