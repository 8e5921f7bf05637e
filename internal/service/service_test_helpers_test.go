package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/provider"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/webhook"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.Keysystem{}, &domain.Checkpoint{}, &domain.Session{}, &domain.CallbackEntry{}, &domain.Key{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type checkpointSeed struct {
	provider  domain.Provider
	mandatory bool
}

func seedKeysystemForTest(t *testing.T, db *gorm.DB, id string, checkpoints ...checkpointSeed) *domain.Keysystem {
	t.Helper()
	ks := &domain.Keysystem{
		ID:               id,
		OwnerID:          "owner-1",
		Name:             "ks " + id,
		Active:           true,
		MaxKeysPerPerson: 1,
		MaxKeyLimit:      10,
		WebhookURL:       "https://hooks.example.test/" + id,
		ProviderToken:    "lv-api-token",
	}
	for i, cp := range checkpoints {
		ks.Checkpoints = append(ks.Checkpoints, domain.Checkpoint{
			ID:          fmt.Sprintf("%s-cp-%d", id, i),
			Position:    i,
			Provider:    cp.provider,
			Mandatory:   cp.mandatory,
			RedirectURL: "https://example.test/cp",
		})
	}
	if err := db.Create(ks).Error; err != nil {
		t.Fatalf("seed keysystem: %v", err)
	}
	return ks
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (e *recordingEmitter) Emit(_ context.Context, event webhook.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) named(name string) []webhook.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []webhook.Event
	for _, ev := range e.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type stubVerifier struct {
	outcome provider.Outcome
	err     error
	calls   int
}

func (v *stubVerifier) Verify(context.Context, string, string) (provider.Outcome, error) {
	v.calls++
	return v.outcome, v.err
}

type machineHarness struct {
	db         *gorm.DB
	keysystems repository.KeysystemRepository
	sessions   repository.SessionRepository
	callbacks  repository.CallbackRepository
	keys       repository.KeyRepository
	emitter    *recordingEmitter
	verifier   *stubVerifier
	machine    *CheckpointMachine
}

func newMachineHarness(t *testing.T) *machineHarness {
	t.Helper()
	db := newDBForTest(t)
	h := &machineHarness{
		db:         db,
		keysystems: repository.NewKeysystemRepository(db),
		sessions:   repository.NewSessionRepository(db),
		callbacks:  repository.NewCallbackRepository(db),
		keys:       repository.NewKeyRepository(db),
		emitter:    &recordingEmitter{},
		verifier:   &stubVerifier{outcome: provider.OutcomeSuccess},
	}
	h.rebuildMachine(h.sessions)
	return h
}

// rebuildMachine wires the machine over sessions, which may wrap h.sessions.
func (h *machineHarness) rebuildMachine(sessions repository.SessionRepository) {
	h.machine = NewCheckpointMachine(CheckpointMachineDeps{
		Keysystems:      h.keysystems,
		Sessions:        sessions,
		Broker:          NewCallbackBroker(h.callbacks, h.keysystems),
		Tokens:          NewSessionTokenIssuer(sessions, 10*time.Minute),
		Detector:        NewBypassDetector(h.emitter, nil),
		Keys:            NewKeyIssuer(h.keys, NewInMemoryNegativeLookupCacheStore(), time.Minute),
		Verifiers:       map[domain.Provider]provider.Verifier{domain.ProviderLinkvertise: h.verifier},
		Emitter:         h.emitter,
		CallbackBaseURL: "https://keygate.example.test/",
	})
}

// passCheckpoint starts the session and returns the token the provider callback hands out.
func (h *machineHarness) passCheckpoint(t *testing.T, ksID, sid string) string {
	t.Helper()
	ctx := context.Background()
	start, err := h.machine.Start(ctx, ksID, sid)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := h.machine.ResolveCallback(ctx, CallbackRequest{
		Provider:   string(start.Checkpoint.Provider),
		CallbackID: start.CallbackID,
		SessionID:  sid,
		Hash:       "hash",
	})
	if err != nil {
		t.Fatalf("resolve callback: %v", err)
	}
	return res.Token
}
