package aluvia

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAdmin() (*AdminAPI, *ConfigStore) {
	store := NewConfigStore()
	sync := NewSynchronizer("http://unused.local", "key", store, GatewaySettings{})
	return NewAdminAPI(store, sync), store
}

func adminRequest(t *testing.T, a *AdminAPI, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	return w
}

func TestAdmin_Status(t *testing.T) {
	a, store := newTestAdmin()

	// Before any snapshot.
	w := adminRequest(t, a, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Initialized {
		t.Error("uninitialized store reported as initialized")
	}

	store.Replace(&NetworkConfig{
		Rules:     ParseRules([]string{"*", "-api.stripe.com"}),
		SessionID: "sess-1",
		TargetGeo: "us",
		SyncToken: `"v3"`,
	})

	w = adminRequest(t, a, http.MethodGet, "/api/status", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Initialized || resp.RuleCount != 2 || resp.SessionID != "sess-1" || resp.TargetGeo != "us" {
		t.Errorf("unexpected status response: %+v", resp)
	}
}

func TestAdmin_Rules(t *testing.T) {
	a, store := newTestAdmin()

	// Listing before initialization is a 503.
	if w := adminRequest(t, a, http.MethodGet, "/api/rules", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("rules before init = %d, want 503", w.Code)
	}

	store.Replace(&NetworkConfig{Rules: ParseRules([]string{"*.shop.com"})})

	w := adminRequest(t, a, http.MethodGet, "/api/rules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list rules = %d", w.Code)
	}
	var listed map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed["rules"]) != 1 || listed["rules"][0] != "*.shop.com" {
		t.Errorf("unexpected rules: %v", listed)
	}

	// Add a rule.
	w = adminRequest(t, a, http.MethodPost, "/api/rules", `{"pattern": "-tracker.shop.com"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add rule = %d: %s", w.Code, w.Body)
	}
	cfg, _ := store.Snapshot()
	if len(cfg.Rules) != 2 {
		t.Errorf("rule not added: %v", cfg.RulePatterns())
	}
	if Decide("tracker.shop.com", cfg.Rules, nil) {
		t.Error("exclusion rule not effective after add")
	}

	// Missing pattern is a 400.
	if w := adminRequest(t, a, http.MethodPost, "/api/rules", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("add without pattern = %d, want 400", w.Code)
	}

	// Replace the whole set.
	w = adminRequest(t, a, http.MethodPut, "/api/rules", `{"patterns": ["news.example.org"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("replace rules = %d", w.Code)
	}
	cfg, _ = store.Snapshot()
	if len(cfg.Rules) != 1 || cfg.Rules[0].Value != "news.example.org" {
		t.Errorf("rules not replaced: %v", cfg.RulePatterns())
	}
}

func TestAdmin_Blocked(t *testing.T) {
	a, _ := newTestAdmin()
	a.Detector = NewDetector(DetectionSettings{})
	a.Detector.Tracker.RecordResult("blocked.example.com", TierBlocked)

	w := adminRequest(t, a, http.MethodGet, "/api/blocked", "")
	var listed map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed["blocked"]) != 1 || listed["blocked"][0] != "blocked.example.com" {
		t.Errorf("unexpected blocked list: %v", listed)
	}

	if w := adminRequest(t, a, http.MethodDelete, "/api/blocked", ""); w.Code != http.StatusOK {
		t.Fatalf("clear blocked = %d", w.Code)
	}
	if len(a.Detector.BlockedHostnames()) != 0 {
		t.Error("blocked state survived DELETE")
	}
}

func TestAdmin_SessionAndGeo(t *testing.T) {
	a, store := newTestAdmin()
	store.Replace(&NetworkConfig{})

	if w := adminRequest(t, a, http.MethodPut, "/api/session", `{"session_id": "sess-7"}`); w.Code != http.StatusOK {
		t.Fatalf("update session = %d", w.Code)
	}
	if w := adminRequest(t, a, http.MethodPut, "/api/geo", `{"target_geo": "de"}`); w.Code != http.StatusOK {
		t.Fatalf("update geo = %d", w.Code)
	}

	cfg, _ := store.Snapshot()
	if cfg.SessionID != "sess-7" || cfg.TargetGeo != "de" {
		t.Errorf("session/geo not applied: %s/%s", cfg.SessionID, cfg.TargetGeo)
	}

	if w := adminRequest(t, a, http.MethodPut, "/api/session", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", w.Code)
	}
}
