package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/keygate/internal/app"
	"github.com/sandeepkv93/keygate/internal/config"
	"github.com/sandeepkv93/keygate/internal/di"
	"github.com/sandeepkv93/keygate/internal/security"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type webhookRecorder struct {
	mu     sync.Mutex
	events []map[string]any
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var ev map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
		w.mu.Lock()
		w.events = append(w.events, ev)
		w.mu.Unlock()
	}
	rw.WriteHeader(http.StatusNoContent)
}

// waitFor polls until n events named name have arrived.
func (w *webhookRecorder) waitFor(t *testing.T, name string, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		w.mu.Lock()
		var matched []map[string]any
		for _, ev := range w.events {
			if ev["event"] == name {
				matched = append(matched, ev)
			}
		}
		w.mu.Unlock()
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q webhook events, got %d", n, name, len(matched))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type testServer struct {
	baseURL  string
	client   *http.Client
	cfg      *config.Config
	app      *app.App
	webhooks *webhookRecorder
	hookURL  string
}

func (s *testServer) ownerToken(t *testing.T, ownerID string) string {
	t.Helper()
	token, err := security.NewOwnerTokenManager(s.cfg.JWTIssuer, s.cfg.JWTAudience, s.cfg.JWTSecret).Sign(ownerID, time.Hour)
	if err != nil {
		t.Fatalf("sign owner token: %v", err)
	}
	return token
}

// newKeygateTestServer wires the production container against an in-memory
// sqlite database, a stub linkvertise verifier and a webhook recorder.
func newKeygateTestServer(t *testing.T) *testServer {
	t.Helper()

	verifier := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("hash") {
		case "good-hash":
			_, _ = io.WriteString(w, `{"status":true}`)
		default:
			_, _ = io.WriteString(w, `{"status":false,"message":"invalid hash"}`)
		}
	}))
	t.Cleanup(verifier.Close)

	hooks := &webhookRecorder{}
	hookSrv := httptest.NewServer(hooks)
	t.Cleanup(hookSrv.Close)

	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.DatabaseDriver = "sqlite"
	cfg.DatabaseURL = "file:itest_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	cfg.RedisEnabled = false
	cfg.LinkvertiseVerifyURL = verifier.URL
	cfg.CallbackBaseURL = "https://keygate.example.test"
	cfg.VisitorRateLimitRPM = 10000
	cfg.OwnerRateLimitRPM = 10000
	cfg.APIRateLimitRPM = 10000
	cfg.OTELMetricsEnabled = false
	cfg.OTELTracingEnabled = false
	cfg.OTELLogsEnabled = false
	cfg.LogLevel = "error"

	previous := slog.Default()
	a, err := di.InitializeApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("initialize app: %v", err)
	}
	a.Serving.MarkReady()
	srv := httptest.NewServer(a.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		a.Dispatcher.Close()
		a.StopBackgroundTasks()
		slog.SetDefault(previous)
	})

	return &testServer{
		baseURL:  srv.URL,
		client:   srv.Client(),
		cfg:      cfg,
		app:      a,
		webhooks: hooks,
		hookURL:  hookSrv.URL + "/hook",
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope (%s %s status=%d): %v", method, url, resp.StatusCode, err)
	}
	return resp, env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", string(env.Data), err)
	}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func captureAuditEvents(t *testing.T, fn func()) []map[string]any {
	t.Helper()
	var logBuf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	defer slog.SetDefault(previous)

	fn()
	return extractAuditEvents(t, logBuf.String())
}

func extractAuditEvents(t *testing.T, logs string) []map[string]any {
	t.Helper()
	events := make([]map[string]any, 0)
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if msg, _ := event["msg"].(string); msg == "audit.event" {
			events = append(events, event)
		}
	}
	return events
}

func requireAuditEvent(t *testing.T, events []map[string]any, eventName, outcome, reason string) {
	t.Helper()
	for _, event := range events {
		gotName, _ := event["event_name"].(string)
		gotOutcome, _ := event["outcome"].(string)
		gotReason, _ := event["reason"].(string)
		if gotName == eventName && gotOutcome == outcome && gotReason == reason {
			return
		}
	}
	t.Fatalf("expected audit event_name=%q outcome=%q reason=%q, got events=%#v", eventName, outcome, reason, events)
}
