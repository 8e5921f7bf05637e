package integration

import (
	"net/http"
	"net/url"
	"testing"
)

type startData struct {
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	CallbackID string `json:"callback_id"`
}

type callbackData struct {
	Token string `json:"token"`
}

type completeData struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Phase string `json:"phase"`
	Key   *struct {
		Value            string `json:"value"`
		OwnerFingerprint string `json:"owner_fingerprint"`
	} `json:"key"`
}

func createKeysystem(t *testing.T, s *testServer, token string, body map[string]any) string {
	t.Helper()
	resp, env := doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/owner/keysystems", body, bearer(token))
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("create keysystem: status=%d err=%+v", resp.StatusCode, env.Error)
	}
	var ks struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &ks)
	return ks.ID
}

func insertCheckpoint(t *testing.T, s *testServer, token, ksID string, body map[string]any) {
	t.Helper()
	resp, env := doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/owner/keysystems/"+ksID+"/checkpoints", body, bearer(token))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert checkpoint: status=%d err=%+v", resp.StatusCode, env.Error)
	}
}

// passCheckpoint starts the current checkpoint and returns through the provider callback.
func passCheckpoint(t *testing.T, s *testServer, ksID, sid, provider, hash string) (startData, string) {
	t.Helper()
	resp, env := doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/keysystems/"+ksID+"/sessions/"+sid+"/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status=%d err=%+v", resp.StatusCode, env.Error)
	}
	var start startData
	decodeData(t, env, &start)

	q := url.Values{"callback": {start.CallbackID}, "session": {sid}}
	if hash != "" {
		q.Set("hash", hash)
	}
	resp, env = doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/callbacks/"+provider+"?"+q.Encode(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status=%d err=%+v", resp.StatusCode, env.Error)
	}
	var cb callbackData
	decodeData(t, env, &cb)
	return start, cb.Token
}

func complete(t *testing.T, s *testServer, ksID, sid, token string, checkpoint int) (*http.Response, envelope) {
	t.Helper()
	return doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/keysystems/"+ksID+"/sessions/"+sid+"/complete",
		map[string]any{"token": token, "checkpoint": checkpoint}, nil)
}

func TestVisitorFlowIssuesKeyAndEnforcesPerPersonLimit(t *testing.T) {
	s := newKeygateTestServer(t)
	owner := s.ownerToken(t, "owner-1")

	ksID := createKeysystem(t, s, owner, map[string]any{
		"name":                "itest",
		"max_keys_per_person": 1,
		"max_key_limit":       10,
		"key_timer_seconds":   3600,
		"webhook_url":         s.hookURL,
		"provider_token":      "lv-api-token",
	})
	insertCheckpoint(t, s, owner, ksID, map[string]any{"position": 0, "provider": "lootlabs", "mandatory": true, "redirect_url": "https://lootlabs.example.test/a"})
	insertCheckpoint(t, s, owner, ksID, map[string]any{"position": 1, "provider": "linkvertise", "redirect_url": "https://linkvertise.example.test/b"})

	resp, env := doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/keysystems/"+ksID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public projection: status=%d", resp.StatusCode)
	}
	var public struct {
		Checkpoints []map[string]any `json:"checkpoints"`
	}
	decodeData(t, env, &public)
	if len(public.Checkpoints) != 2 || public.Checkpoints[1]["provider"] != "linkvertise" {
		t.Fatalf("unexpected public checkpoints %+v", public.Checkpoints)
	}

	start, token := passCheckpoint(t, s, ksID, "visitor-1", "lootlabs", "")
	if start.Index != 0 || start.Total != 2 {
		t.Fatalf("unexpected start %+v", start)
	}
	resp, env = complete(t, s, ksID, "visitor-1", token, 0)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete first: status=%d err=%+v", resp.StatusCode, env.Error)
	}
	var progress completeData
	decodeData(t, env, &progress)
	if progress.Index != 1 || progress.Phase != "in_progress" || progress.Key != nil {
		t.Fatalf("unexpected progress %+v", progress)
	}

	_, token = passCheckpoint(t, s, ksID, "visitor-1", "linkvertise", "good-hash")
	resp, env = complete(t, s, ksID, "visitor-1", token, 1)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("complete last: status=%d err=%+v", resp.StatusCode, env.Error)
	}
	var done completeData
	decodeData(t, env, &done)
	if done.Key == nil || len(done.Key.Value) < 4 || done.Key.Value[:3] != "KG_" {
		t.Fatalf("expected issued key, got %+v", done)
	}

	resp, env = doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/keysystems/"+ksID+"/keys/"+done.Key.Value, nil, nil)
	var validation struct {
		Status string `json:"status"`
	}
	decodeData(t, env, &validation)
	if resp.StatusCode != http.StatusOK || validation.Status != "valid" {
		t.Fatalf("expected valid key, status=%d body=%+v", resp.StatusCode, validation)
	}

	s.webhooks.waitFor(t, "checkpoint_completed", 2)
	s.webhooks.waitFor(t, "key_issued", 1)

	// Same client, second session: refused by the per-person limit, then
	// claimable once the owner frees the slot.
	_, token = passCheckpoint(t, s, ksID, "visitor-2", "lootlabs", "")
	if resp, env := complete(t, s, ksID, "visitor-2", token, 0); resp.StatusCode != http.StatusOK {
		t.Fatalf("second session first checkpoint: status=%d err=%+v", resp.StatusCode, env.Error)
	}
	_, token = passCheckpoint(t, s, ksID, "visitor-2", "linkvertise", "good-hash")
	resp, env = complete(t, s, ksID, "visitor-2", token, 1)
	if resp.StatusCode != http.StatusTooManyRequests || env.Error == nil || env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("expected per-person refusal, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, env = doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/owner/keysystems/"+ksID+"/keys", nil, bearer(owner))
	var page struct {
		Items []struct {
			OwnerFingerprint string `json:"owner_fingerprint"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decodeData(t, env, &page)
	if resp.StatusCode != http.StatusOK || page.Total != 1 {
		t.Fatalf("expected one key listed, status=%d page=%+v", resp.StatusCode, page)
	}

	resp, env = doJSON(t, s.client, http.MethodDelete,
		s.baseURL+"/api/v1/owner/keysystems/"+ksID+"/keys?owner="+url.QueryEscape(page.Items[0].OwnerFingerprint), nil, bearer(owner))
	var removed struct {
		Removed int `json:"removed"`
	}
	decodeData(t, env, &removed)
	if resp.StatusCode != http.StatusOK || removed.Removed != 1 {
		t.Fatalf("expected one key removed, status=%d body=%+v", resp.StatusCode, removed)
	}

	resp, env = doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/keysystems/"+ksID+"/sessions/visitor-2/claim", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("claim after limit freed: status=%d err=%+v", resp.StatusCode, env.Error)
	}
}

func TestBypassAttemptsAreRejectedAndReported(t *testing.T) {
	s := newKeygateTestServer(t)
	owner := s.ownerToken(t, "owner-1")
	ksID := createKeysystem(t, s, owner, map[string]any{"name": "bypass", "webhook_url": s.hookURL, "provider_token": "lv-api-token"})
	insertCheckpoint(t, s, owner, ksID, map[string]any{"position": 0, "provider": "linkvertise", "redirect_url": "https://linkvertise.example.test/a"})
	insertCheckpoint(t, s, owner, ksID, map[string]any{"position": 1, "provider": "workink", "redirect_url": "https://workink.example.test/b"})

	resp, env := complete(t, s, ksID, "never-started", "forged", 0)
	if resp.StatusCode != http.StatusForbidden || env.Error.Code != "ANTI_BYPASS" {
		t.Fatalf("expected anti-bypass for unknown session, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, env = doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/keysystems/"+ksID+"/sessions/skipper/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status=%d", resp.StatusCode)
	}
	var start startData
	decodeData(t, env, &start)
	q := url.Values{"callback": {start.CallbackID}, "session": {"skipper"}, "hash": {"forged-hash"}}
	resp, env = doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/callbacks/linkvertise?"+q.Encode(), nil, nil)
	if resp.StatusCode != http.StatusForbidden || env.Error.Code != "ANTI_BYPASS" {
		t.Fatalf("expected rejected verification, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, env = complete(t, s, ksID, "skipper", "forged", 1)
	if resp.StatusCode != http.StatusForbidden || env.Error.Code != "ANTI_BYPASS" {
		t.Fatalf("expected anti-bypass for skipped checkpoint, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	events := s.webhooks.waitFor(t, "bypass_attempt", 3)
	reasons := map[any]bool{}
	for _, ev := range events {
		reasons[ev["reason"]] = true
	}
	for _, want := range []string{"session_not_started", "upstream_verification_failed", "checkpoint_out_of_order"} {
		if !reasons[want] {
			t.Fatalf("missing bypass reason %q in %+v", want, events)
		}
	}
}

func TestOwnerAPIIsolationAndAudit(t *testing.T) {
	s := newKeygateTestServer(t)
	owner := s.ownerToken(t, "owner-1")
	other := s.ownerToken(t, "owner-2")

	var ksID string
	events := captureAuditEvents(t, func() {
		ksID = createKeysystem(t, s, owner, map[string]any{"name": "audited"})
	})
	requireAuditEvent(t, events, "keysystem.create", "success", "")

	resp, env := doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/owner/keysystems/"+ksID, nil, bearer(other))
	if resp.StatusCode != http.StatusNotFound || env.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected foreign keysystem hidden, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, env = doJSON(t, s.client, http.MethodPost, s.baseURL+"/api/v1/keysystems/"+ksID+"/sessions/s-1/start", nil, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity || env.Error.Code != "INVALID_OPERATION" {
		t.Fatalf("expected start without checkpoints to be rejected, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, env = doJSON(t, s.client, http.MethodPatch, s.baseURL+"/api/v1/owner/keysystems/"+ksID, map[string]any{"max_key_limit": 0}, bearer(owner))
	if resp.StatusCode != http.StatusBadRequest || env.Error.Code != "BAD_REQUEST" {
		t.Fatalf("expected invalid update rejected, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, env = doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/owner/keysystems", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401, status=%d err=%+v", resp.StatusCode, env.Error)
	}

	resp, _ = doJSON(t, s.client, http.MethodDelete, s.baseURL+"/api/v1/owner/keysystems/"+ksID, nil, bearer(owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status=%d", resp.StatusCode)
	}
	resp, env = doJSON(t, s.client, http.MethodGet, s.baseURL+"/api/v1/keysystems/"+ksID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected deleted keysystem to 404, status=%d data=%s", resp.StatusCode, string(env.Data))
	}
}
