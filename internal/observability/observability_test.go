package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLogLevel(raw); got != want {
			t.Fatalf("ParseLogLevel(%q)=%v want %v", raw, got, want)
		}
	}
}

func TestAuditWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(NewJSONLogger(&buf, slog.LevelInfo))
	t.Cleanup(func() { slog.SetDefault(prev) })

	req := httptest.NewRequest("POST", "/api/v1/keysystems/ks/sessions/s/complete", nil)
	Audit(req, "checkpoint.complete", "rejected", "anti_bypass", "keysystem_id", "ks")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["msg"] != "audit.event" || rec["event_name"] != "checkpoint.complete" || rec["reason"] != "anti_bypass" {
		t.Fatalf("unexpected audit record: %v", rec)
	}
	if rec["keysystem_id"] != "ks" || rec["path"] != "/api/v1/keysystems/ks/sessions/s/complete" {
		t.Fatalf("missing request attributes: %v", rec)
	}
}

func TestFanoutHandlerWritesToAll(t *testing.T) {
	var a, b bytes.Buffer
	h := fanoutHandler{
		handlers: []slog.Handler{
			slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
			slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
		},
		level: slog.LevelInfo,
	}
	logger := slog.New(h).With("component", "test")
	logger.Debug("dropped")
	logger.Info("info line")
	logger.Warn("warn line")

	if bytes.Count(a.Bytes(), []byte("\n")) != 2 {
		t.Fatalf("expected 2 lines in first sink, got %q", a.String())
	}
	if bytes.Count(b.Bytes(), []byte("\n")) != 1 || !bytes.Contains(b.Bytes(), []byte(`"component":"test"`)) {
		t.Fatalf("expected single warn line with attrs in second sink, got %q", b.String())
	}
}

func TestRecordersUseInstalledMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	metricsMu.Lock()
	prev := appMetrics
	appMetrics = m
	metricsMu.Unlock()
	t.Cleanup(func() {
		metricsMu.Lock()
		appMetrics = prev
		metricsMu.Unlock()
	})

	ctx := context.Background()
	RecordBypassAttempt(ctx, "not_started")
	RecordKeyIssuance(ctx, "issued")
	RecordRepositoryOperation(ctx, "session", "advance", "success")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			seen[metric.Name] = true
		}
	}
	for _, name := range []string{"bypass.attempts", "key.issuance", "repository.operations"} {
		if !seen[name] {
			t.Fatalf("expected metric %s to be recorded, saw %v", name, seen)
		}
	}
}
