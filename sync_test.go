package aluvia

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const testUserBody = `{
	"proxy_username": "user1",
	"proxy_password": "pass1",
	"rules": ["*", "-api.stripe.com"],
	"session_id": "sess-42",
	"target_geo": "us"
}`

// newControlPlane returns a test server answering GET /user with the
// given body and etag, honoring If-None-Match.
func newControlPlane(t *testing.T, body, etag string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/user" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer key-ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("missing Accept header")
		}
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func newTestSync(srvURL string, key string) (*Synchronizer, *ConfigStore) {
	store := NewConfigStore()
	s := NewSynchronizer(srvURL, key, store, GatewaySettings{
		Host:     "proxy.aluvia.io",
		Protocol: "http",
	})
	return s, store
}

func TestSynchronizer_Init(t *testing.T) {
	srv := newControlPlane(t, testUserBody, `"v1"`, nil)
	defer srv.Close()

	s, store := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	cfg, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if cfg.Username != "user1" || cfg.Password != "pass1" {
		t.Errorf("unexpected credentials: %s/%s", cfg.Username, cfg.Password)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if cfg.SessionID != "sess-42" || cfg.TargetGeo != "us" {
		t.Errorf("unexpected session/geo: %s/%s", cfg.SessionID, cfg.TargetGeo)
	}
	if cfg.SyncToken != `"v1"` {
		t.Errorf("unexpected sync token: %s", cfg.SyncToken)
	}
	if cfg.GatewayHost != "proxy.aluvia.io" {
		t.Errorf("gateway host not carried into snapshot: %s", cfg.GatewayHost)
	}
}

func TestSynchronizer_InitMissingCredentials(t *testing.T) {
	s, _ := newTestSync("http://127.0.0.1:0", "")
	err := s.Init(context.Background())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestSynchronizer_InitInvalidCredentials(t *testing.T) {
	srv := newControlPlane(t, testUserBody, `"v1"`, nil)
	defer srv.Close()

	s, store := newTestSync(srv.URL, "key-bad")
	err := s.Init(context.Background())
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, snapErr := store.Snapshot(); !errors.Is(snapErr, ErrNotInitialized) {
		t.Error("no snapshot should be committed on auth failure")
	}
}

func TestSynchronizer_InitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err == nil {
		t.Fatal("Init should fail when no prior snapshot exists")
	}
}

func TestSynchronizer_ConditionalFetchNotModified(t *testing.T) {
	var hits atomic.Int64
	srv := newControlPlane(t, testUserBody, `"v1"`, &hits)
	defer srv.Close()

	s, store := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	first, _ := store.Snapshot()

	// Conditional re-fetch with the stored etag must be answered 304
	// and leave the snapshot untouched.
	changed, err := s.fetch(context.Background(), true)
	if err != nil {
		t.Fatalf("conditional fetch failed: %v", err)
	}
	if changed {
		t.Error("unmodified config should not count as changed")
	}
	second, _ := store.Snapshot()
	if first != second {
		t.Error("snapshot churned on a 304 response")
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 control-plane hits, got %d", hits.Load())
	}
}

func TestSynchronizer_UnchangedPayloadNoChurn(t *testing.T) {
	// A server that ignores preconditions and always answers 200 with
	// the same body must still never churn the snapshot.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(testUserBody))
	}))
	defer srv.Close()

	s, store := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	first, _ := store.Snapshot()

	changed, err := s.fetch(context.Background(), true)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if changed {
		t.Error("identical payload should not count as changed")
	}
	second, _ := store.Snapshot()
	if first != second {
		t.Error("snapshot replaced despite identical payload")
	}
}

func TestSynchronizer_ModifiedPayloadReplaces(t *testing.T) {
	body := atomic.Value{}
	body.Store(testUserBody)
	etag := atomic.Value{}
	etag.Store(`"v1"`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag.Load().(string) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag.Load().(string))
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	s, store := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	body.Store(`{"proxy_username": "user2", "proxy_password": "pass2", "rules": ["*.shop.com"]}`)
	etag.Store(`"v2"`)

	changed, err := s.fetch(context.Background(), true)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !changed {
		t.Fatal("modified payload should count as changed")
	}

	cfg, _ := store.Snapshot()
	if cfg.Username != "user2" {
		t.Errorf("unexpected username after update: %s", cfg.Username)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Kind != RuleSubdomainWildcard {
		t.Errorf("unexpected rules after update: %+v", cfg.Rules)
	}
	if cfg.SyncToken != `"v2"` {
		t.Errorf("sync token not rotated: %s", cfg.SyncToken)
	}
}

func TestSynchronizer_TransientErrorKeepsSnapshot(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(testUserBody))
	}))
	defer srv.Close()

	s, store := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	first, _ := store.Snapshot()

	failing.Store(true)
	if _, err := s.fetch(context.Background(), true); err == nil {
		t.Fatal("expected fetch error")
	}

	second, _ := store.Snapshot()
	if first != second {
		t.Error("transient failure must retain the current snapshot")
	}
}

func TestSynchronizer_StartStopSync(t *testing.T) {
	var hits atomic.Int64
	srv := newControlPlane(t, testUserBody, `"v1"`, &hits)
	defer srv.Close()

	s, _ := newTestSync(srv.URL, "key-ok")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	s.StartSync(10 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() < 3 {
		t.Fatal("poll loop never fired")
	}

	s.StopSync()
	after := hits.Load()
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != after {
		t.Error("poll loop kept running after StopSync")
	}

	// Idempotent, including before any StartSync.
	s.StopSync()
	s.StopSync()

	fresh, _ := newTestSync(srv.URL, "key-ok")
	fresh.StopSync()
}

func TestSynchronizer_PushRuleAddition(t *testing.T) {
	s, store := newTestSync("http://unused.local", "key-ok")
	store.Replace(&NetworkConfig{Rules: ParseRules([]string{"*.shop.com"})})

	s.PushRuleAddition("Blocked.Example.com")

	cfg, _ := store.Snapshot()
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if !Decide("blocked.example.com", cfg.Rules, nil) {
		t.Error("pushed rule must be visible to the next decision")
	}

	// Pushing the same hostname again is a no-op.
	before, _ := store.Snapshot()
	s.PushRuleAddition("blocked.example.com")
	after, _ := store.Snapshot()
	if before != after {
		t.Error("duplicate push must not publish a new snapshot")
	}
}

func TestSynchronizer_PushRuleAdditionBeforeInit(t *testing.T) {
	s, store := newTestSync("http://unused.local", "key-ok")

	// A detection result arriving before the first config fetch must
	// not conjure a snapshot with no gateway credentials.
	s.PushRuleAddition("early.example.com")

	if _, err := store.Snapshot(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("rule push before init must not publish, got %v", err)
	}
}

func TestSynchronizer_UpdateSurface(t *testing.T) {
	s, store := newTestSync("http://unused.local", "key-ok")
	store.Replace(&NetworkConfig{})

	s.UpdateRules([]string{"*", "-api.stripe.com"})
	s.UpdateSessionID("sess-9")
	s.UpdateTargetGeo("de")

	cfg, _ := store.Snapshot()
	if len(cfg.Rules) != 2 {
		t.Errorf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if cfg.SessionID != "sess-9" || cfg.TargetGeo != "de" {
		t.Errorf("unexpected session/geo: %s/%s", cfg.SessionID, cfg.TargetGeo)
	}
}
