package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/provider"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/webhook"
)

func TestCheckpointMachineTwoCheckpointFlowIssuesKey(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-flow",
		checkpointSeed{provider: domain.ProviderLootLabs, mandatory: true},
		checkpointSeed{provider: domain.ProviderWorkInk},
	)

	start, err := h.machine.Start(ctx, "ks-flow", "s1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Index != 0 || start.Total != 2 || start.Phase != PhaseNotStarted {
		t.Fatalf("unexpected start result: %+v", start)
	}
	if !start.Checkpoint.Mandatory || start.Checkpoint.Provider != domain.ProviderLootLabs {
		t.Fatalf("expected mandatory lootlabs checkpoint first, got %+v", start.Checkpoint)
	}
	if !strings.HasPrefix(start.CallbackURL, "https://keygate.example.test/api/v1/callbacks/lootlabs?") {
		t.Fatalf("unexpected callback url %q", start.CallbackURL)
	}

	_, err = h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-flow", SessionID: "s1", Token: "bogus", Checkpoint: -1, Fingerprint: "fp-1"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for bogus token, got %v", err)
	}

	cb, err := h.machine.ResolveCallback(ctx, CallbackRequest{Provider: "lootlabs", CallbackID: start.CallbackID, SessionID: "s1"})
	if err != nil {
		t.Fatalf("resolve callback: %v", err)
	}
	res, err := h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-flow", SessionID: "s1", Token: cb.Token, Checkpoint: 0, Fingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("complete first checkpoint: %v", err)
	}
	if res.Index != 1 || res.Key != nil || res.Phase != PhaseInProgress {
		t.Fatalf("unexpected first completion: %+v", res)
	}

	token := h.passCheckpoint(t, "ks-flow", "s1")
	res, err = h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-flow", SessionID: "s1", Token: token, Checkpoint: 1, Fingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("complete second checkpoint: %v", err)
	}
	if res.Key == nil || res.Phase != PhaseCompleted || !strings.HasPrefix(res.Key.Value, "KG_") {
		t.Fatalf("expected issued key on final completion, got %+v", res)
	}
	if _, err := h.sessions.Get(ctx, "ks-flow", "s1"); err == nil {
		t.Fatal("expected session to be destroyed after key issuance")
	}
	if got := len(h.emitter.named(webhook.EventCheckpointCompleted)); got != 2 {
		t.Fatalf("expected 2 checkpoint_completed events, got %d", got)
	}
	if got := len(h.emitter.named(webhook.EventKeyIssued)); got != 1 {
		t.Fatalf("expected 1 key_issued event, got %d", got)
	}
}

func TestCheckpointMachineStartIsIdempotent(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-idem", checkpointSeed{provider: domain.ProviderLootLabs})

	first, err := h.machine.Start(ctx, "ks-idem", "s1")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := h.machine.Start(ctx, "ks-idem", "s1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.Index != 0 {
		t.Fatalf("expected repeated start to stay at 0, got %d", second.Index)
	}
	if first.CallbackID == second.CallbackID {
		t.Fatal("expected a fresh callback id per start")
	}
	if _, err := h.machine.ResolveCallback(ctx, CallbackRequest{Provider: "lootlabs", CallbackID: first.CallbackID, SessionID: "s1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected superseded callback id to be unknown, got %v", err)
	}
}

func TestCheckpointMachineStartErrors(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-empty")
	inactive := seedKeysystemForTest(t, h.db, "ks-off", checkpointSeed{provider: domain.ProviderLootLabs})
	if err := h.db.Model(inactive).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	tests := []struct {
		name string
		ks   string
		sid  string
		want error
	}{
		{name: "missing keysystem", ks: "ks-none", sid: "s1", want: ErrNotFound},
		{name: "empty session id", ks: "ks-off", sid: " ", want: ErrValidation},
		{name: "inactive keysystem", ks: "ks-off", sid: "s1", want: ErrForbidden},
		{name: "no checkpoints", ks: "ks-empty", sid: "s1", want: ErrInvalidOperation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.machine.Start(ctx, tc.ks, tc.sid); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckpointMachineConcurrentCompleteAdvancesOnce(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-race",
		checkpointSeed{provider: domain.ProviderLootLabs},
		checkpointSeed{provider: domain.ProviderLootLabs},
	)
	token := h.passCheckpoint(t, "ks-race", "s1")

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-race", SessionID: "s1", Token: token, Checkpoint: -1, Fingerprint: "fp"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			others = append(others, err)
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful completion, got %d", successes)
	}
	for _, err := range others {
		if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrAntiBypass) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	sess, err := h.sessions.Get(ctx, "ks-race", "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.CheckpointIndex != 1 {
		t.Fatalf("expected index 1 after racing completions, got %d", sess.CheckpointIndex)
	}
}

func TestCheckpointMachineCompleteBypassDetection(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-bypass",
		checkpointSeed{provider: domain.ProviderLootLabs},
		checkpointSeed{provider: domain.ProviderLootLabs},
	)

	_, err := h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-bypass", SessionID: "ghost", Token: "x", Checkpoint: -1})
	if !errors.Is(err, ErrAntiBypass) {
		t.Fatalf("expected anti-bypass for unstarted session, got %v", err)
	}

	token := h.passCheckpoint(t, "ks-bypass", "s1")
	_, err = h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-bypass", SessionID: "s1", Token: token, Checkpoint: 1})
	if !errors.Is(err, ErrAntiBypass) {
		t.Fatalf("expected anti-bypass for skipped checkpoint, got %v", err)
	}
	sess, err := h.sessions.Get(ctx, "ks-bypass", "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.CheckpointIndex != 0 || !sess.HasToken() {
		t.Fatalf("expected bypass attempt to leave session untouched, got index=%d token=%v", sess.CheckpointIndex, sess.HasToken())
	}

	events := h.emitter.named(webhook.EventBypassAttempt)
	if len(events) != 2 {
		t.Fatalf("expected 2 bypass webhook events, got %d", len(events))
	}
	if events[0].Reason != BypassSessionNotStarted || events[1].Reason != BypassCheckpointOutOfOrder {
		t.Fatalf("unexpected bypass reasons: %q, %q", events[0].Reason, events[1].Reason)
	}
	if events[0].Target != "https://hooks.example.test/ks-bypass" {
		t.Fatalf("unexpected webhook target %q", events[0].Target)
	}
}

func TestCheckpointMachineCallbackForStaleCheckpointIsBypass(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	ks := seedKeysystemForTest(t, h.db, "ks-stale",
		checkpointSeed{provider: domain.ProviderLootLabs},
		checkpointSeed{provider: domain.ProviderLootLabs},
	)
	start, err := h.machine.Start(ctx, ks.ID, "s1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	broker := NewCallbackBroker(h.callbacks, h.keysystems)
	ahead, err := broker.Issue(ctx, ks, 1, "s1")
	if err != nil {
		t.Fatalf("issue callback ahead: %v", err)
	}

	if _, err := h.machine.ResolveCallback(ctx, CallbackRequest{Provider: "lootlabs", CallbackID: ahead, SessionID: "s1"}); !errors.Is(err, ErrAntiBypass) {
		t.Fatalf("expected anti-bypass for callback ahead of session, got %v", err)
	}
	if _, err := h.machine.ResolveCallback(ctx, CallbackRequest{Provider: "workink", CallbackID: start.CallbackID, SessionID: "s1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for provider mismatch, got %v", err)
	}
	if _, err := h.machine.ResolveCallback(ctx, CallbackRequest{Provider: "lootlabs", CallbackID: start.CallbackID, SessionID: "other"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign session, got %v", err)
	}
}

func TestCheckpointMachineLinkvertiseVerification(t *testing.T) {
	tests := []struct {
		name    string
		outcome provider.Outcome
		err     error
		want    error
	}{
		{name: "success", outcome: provider.OutcomeSuccess},
		{name: "rejected hash", outcome: provider.OutcomeFailure, want: ErrAntiBypass},
		{name: "bad api token", outcome: provider.OutcomeInvalidCredential, want: ErrUpstream},
		{name: "unrecognized", outcome: provider.OutcomeUnrecognized, want: ErrUpstream},
		{name: "transport error", err: errors.New("dial tcp: refused"), want: ErrUpstream},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newMachineHarness(t)
			ctx := context.Background()
			h.verifier.outcome = tc.outcome
			h.verifier.err = tc.err
			seedKeysystemForTest(t, h.db, "ks-lv", checkpointSeed{provider: domain.ProviderLinkvertise})

			start, err := h.machine.Start(ctx, "ks-lv", "s1")
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			res, err := h.machine.ResolveCallback(ctx, CallbackRequest{Provider: "linkvertise", CallbackID: start.CallbackID, SessionID: "s1", Hash: "abc"})
			if tc.want == nil {
				if err != nil || res.Token == "" {
					t.Fatalf("expected token, got res=%+v err=%v", res, err)
				}
			} else if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if h.verifier.calls != 1 {
				t.Fatalf("expected one verification call, got %d", h.verifier.calls)
			}
		})
	}
}

func TestCheckpointMachineClaimAfterQuotaRejection(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-claim", checkpointSeed{provider: domain.ProviderLootLabs})

	first := h.passCheckpoint(t, "ks-claim", "s1")
	if _, err := h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-claim", SessionID: "s1", Token: first, Checkpoint: 0, Fingerprint: "fp"}); err != nil {
		t.Fatalf("complete first session: %v", err)
	}

	second := h.passCheckpoint(t, "ks-claim", "s2")
	_, err := h.machine.Complete(ctx, CompleteRequest{KeysystemID: "ks-claim", SessionID: "s2", Token: second, Checkpoint: 0, Fingerprint: "fp"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected per-person limit, got %v", err)
	}
	view, err := h.machine.Peek(ctx, "ks-claim", "s2")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if view.Phase != PhaseCompleted {
		t.Fatalf("expected session kept at completed phase, got %+v", view)
	}

	if _, err := h.machine.Claim(ctx, "ks-claim", "s2", "fp-other", webhook.ClientMetadata{}); err != nil {
		t.Fatalf("claim with another fingerprint: %v", err)
	}
	if _, err := h.machine.Claim(ctx, "ks-claim", "s2", "fp-other", webhook.ClientMetadata{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected claimed session to be gone, got %v", err)
	}
}

func TestCheckpointMachinePeekAndDestroy(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-peek", checkpointSeed{provider: domain.ProviderLootLabs})

	token := h.passCheckpoint(t, "ks-peek", "s1")
	view, err := h.machine.Peek(ctx, "ks-peek", "s1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !view.Token.Outstanding || view.Token.Token != token {
		t.Fatalf("expected outstanding token in peek, got %+v", view.Token)
	}
	view, err = h.machine.Peek(ctx, "ks-peek", "s1")
	if err != nil || !view.Token.Outstanding {
		t.Fatalf("expected peek to be non-consuming, got %+v err=%v", view, err)
	}

	if err := h.machine.Destroy(ctx, "ks-peek", "s1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := h.machine.Destroy(ctx, "ks-peek", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second destroy, got %v", err)
	}
	if _, err := h.machine.Peek(ctx, "ks-peek", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after destroy, got %v", err)
	}
}

// failingSessions fails the next consume-and-advance before it reaches the
// store. Advance always fails so any split consume/advance path would show.
type failingSessions struct {
	repository.SessionRepository
	mu         sync.Mutex
	consumeErr error
}

func (f *failingSessions) ConsumeAndAdvance(ctx context.Context, keysystemID, sessionID, token string, freshAfter time.Time, limit int) (int, error) {
	f.mu.Lock()
	err := f.consumeErr
	f.consumeErr = nil
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.SessionRepository.ConsumeAndAdvance(ctx, keysystemID, sessionID, token, freshAfter, limit)
}

func (f *failingSessions) Advance(context.Context, string, string, int) (int, error) {
	return 0, errors.New("advance is not used by complete")
}

func TestCheckpointMachineCompleteFailureKeepsTokenUsable(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-atomic",
		checkpointSeed{provider: domain.ProviderLootLabs},
		checkpointSeed{provider: domain.ProviderWorkInk},
	)
	sessions := &failingSessions{SessionRepository: h.sessions, consumeErr: errors.New("database is locked")}
	h.rebuildMachine(sessions)

	token := h.passCheckpoint(t, "ks-atomic", "s1")
	req := CompleteRequest{KeysystemID: "ks-atomic", SessionID: "s1", Token: token, Checkpoint: 0, Fingerprint: "fp-1"}
	if _, err := h.machine.Complete(ctx, req); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}

	view, err := h.machine.Peek(ctx, "ks-atomic", "s1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if view.Index != 0 || !view.Token.Outstanding || view.Token.Token != token {
		t.Fatalf("expected index 0 with the same outstanding token, got %+v", view)
	}

	res, err := h.machine.Complete(ctx, req)
	if err != nil {
		t.Fatalf("retry complete: %v", err)
	}
	if res.Index != 1 || res.Phase != PhaseInProgress {
		t.Fatalf("expected retry to advance to index 1, got %+v", res)
	}
	if _, err := h.machine.Complete(ctx, req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected consumed token to be rejected, got %v", err)
	}
}

func TestCheckpointMachineDeactivatedMidFlow(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()
	seedKeysystemForTest(t, h.db, "ks-pause",
		checkpointSeed{provider: domain.ProviderLootLabs},
		checkpointSeed{provider: domain.ProviderWorkInk},
	)
	setActive := func(active bool) {
		t.Helper()
		if err := h.db.Model(&domain.Keysystem{}).Where("id = ?", "ks-pause").Update("active", active).Error; err != nil {
			t.Fatalf("set active=%v: %v", active, err)
		}
	}

	token := h.passCheckpoint(t, "ks-pause", "s1")
	setActive(false)

	req := CompleteRequest{KeysystemID: "ks-pause", SessionID: "s1", Token: token, Checkpoint: 0, Fingerprint: "fp-1"}
	if _, err := h.machine.Complete(ctx, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden while inactive, got %v", err)
	}
	if _, err := h.machine.Start(ctx, "ks-pause", "s1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected start forbidden while inactive, got %v", err)
	}
	view, err := h.machine.Peek(ctx, "ks-pause", "s1")
	if err != nil {
		t.Fatalf("peek while inactive: %v", err)
	}
	if view.Index != 0 || !view.Token.Outstanding || view.Token.Token != token {
		t.Fatalf("expected session state kept while inactive, got %+v", view)
	}

	setActive(true)
	res, err := h.machine.Complete(ctx, req)
	if err != nil {
		t.Fatalf("complete after reactivation: %v", err)
	}
	if res.Index != 1 {
		t.Fatalf("expected index 1 after reactivation, got %+v", res)
	}
}
