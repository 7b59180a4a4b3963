package aluvia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// userPayload is the control-plane response body consumed by the
// synchronizer.
type userPayload struct {
	ProxyUsername string   `json:"proxy_username"`
	ProxyPassword string   `json:"proxy_password"`
	Rules         []string `json:"rules"`
	SessionID     *string  `json:"session_id"`
	TargetGeo     *string  `json:"target_geo"`
}

// Synchronizer is the control plane: it performs the initial config
// fetch, then periodically re-fetches using a conditional-request token,
// replacing the ConfigStore snapshot on change and leaving it untouched
// on no-change or transient failure. It is also the single mutation
// surface into the store for rule, session, and geo updates.
type Synchronizer struct {
	// APIBase is the control-plane base URL (the /user endpoint lives
	// under it).
	APIBase string

	// APIKey is the bearer credential.
	APIKey string

	// Store receives committed snapshots.
	Store *ConfigStore

	// Gateway identifies the upstream gateway baked into each snapshot.
	Gateway GatewaySettings

	// HTTPClient for control-plane requests (http.DefaultClient if nil).
	HTTPClient *http.Client

	// FetchTimeout bounds each fetch. Defaults to 15 seconds.
	FetchTimeout time.Duration

	// Logger for sync events.
	Logger *slog.Logger

	// Metrics collects sync cycle outcomes (optional).
	Metrics *Metrics

	mu     sync.Mutex // guards etag and the poll lifecycle
	etag   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynchronizer creates a Synchronizer writing to the given store.
func NewSynchronizer(apiBase, apiKey string, store *ConfigStore, gw GatewaySettings) *Synchronizer {
	return &Synchronizer{
		APIBase:      strings.TrimSuffix(apiBase, "/"),
		APIKey:       apiKey,
		Store:        store,
		Gateway:      gw,
		FetchTimeout: 15 * time.Second,
		Logger:       slog.Default(),
	}
}

// Init performs one unconditional fetch and commits the first snapshot.
// A 401 or 403 from the control plane fails with ErrInvalidCredentials
// and is never retried; any other failure is fatal here because no prior
// snapshot exists to fall back on.
func (s *Synchronizer) Init(ctx context.Context) error {
	if s.APIKey == "" {
		return ErrMissingCredentials
	}

	changed, err := s.fetch(ctx, false)
	if err != nil {
		return fmt.Errorf("initial config fetch: %w", err)
	}
	if !changed {
		// An unconditional fetch always carries a body.
		return fmt.Errorf("initial config fetch: empty response")
	}
	return nil
}

// StartSync begins the recurring conditional fetch. Transient failures
// are logged and the current snapshot retained; sync never aborts the
// running proxy. Calling StartSync while a poll loop is already running
// restarts it with the new interval.
func (s *Synchronizer) StartSync(interval time.Duration) {
	s.StopSync()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changed, err := s.fetch(ctx, true)
				switch {
				case err != nil:
					s.Logger.Warn("config sync failed, keeping snapshot", "error", err)
					if s.Metrics != nil {
						s.Metrics.RecordSyncCycle("error")
					}
				case changed:
					s.Logger.Info("config updated")
					if s.Metrics != nil {
						s.Metrics.RecordSyncCycle("modified")
					}
				default:
					if s.Metrics != nil {
						s.Metrics.RecordSyncCycle("unchanged")
					}
				}
			}
		}
	}()
}

// StopSync cancels the poll loop. It is idempotent and safe to call
// before StartSync.
func (s *Synchronizer) StopSync() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// fetch performs one control-plane fetch. When conditional is true, the
// stored entity tag is sent as a precondition and a 304 returns (false,
// nil). On a 200, the parsed snapshot is committed unless it equals the
// current one, so an unmodified payload never churns the store.
func (s *Synchronizer) fetch(ctx context.Context, conditional bool) (bool, error) {
	timeout := s.FetchTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.APIBase+"/user", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Accept", "application/json")

	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()
	if conditional && etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, ErrInvalidCredentials
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read config body: %w", err)
	}

	var payload userPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode config body: %w", err)
	}

	cfg := s.buildConfig(&payload, resp.Header.Get("ETag"))

	s.mu.Lock()
	s.etag = cfg.SyncToken
	s.mu.Unlock()

	if cur, snapErr := s.Store.Snapshot(); snapErr == nil && cur.equal(cfg) {
		return false, nil
	}

	s.Store.Replace(cfg)
	if s.Metrics != nil {
		s.Metrics.RecordConfigSwap()
		s.Metrics.SetRuleCount(len(cfg.Rules))
	}
	return true, nil
}

func (s *Synchronizer) buildConfig(p *userPayload, etag string) *NetworkConfig {
	cfg := &NetworkConfig{
		GatewayHost:     s.Gateway.Host,
		GatewayPort:     s.Gateway.Port,
		GatewayProtocol: s.Gateway.Protocol,
		Username:        p.ProxyUsername,
		Password:        p.ProxyPassword,
		Rules:           ParseRules(p.Rules),
		SyncToken:       etag,
	}
	if p.SessionID != nil {
		cfg.SessionID = *p.SessionID
	}
	if p.TargetGeo != nil {
		cfg.TargetGeo = *p.TargetGeo
	}
	return cfg
}

// PushRuleAddition merges an inclusive exact-host rule for hostname into
// the current snapshot and commits it immediately, without waiting for
// the next poll cycle. The commit is visible to the very next dispatched
// request. Adding a hostname that already has an inclusive exact rule is
// a no-op.
func (s *Synchronizer) PushRuleAddition(hostname string) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return
	}

	s.Store.update(func(cfg *NetworkConfig) bool {
		for _, r := range cfg.Rules {
			if r.Kind == RuleExactHost && !r.Exclude && r.Value == hostname {
				return false
			}
		}
		cfg.Rules = append(cfg.Rules, RuleToken{
			Kind:    RuleExactHost,
			Value:   hostname,
			Pattern: hostname,
		})
		return true
	})

	s.Logger.Info("rule added for blocked hostname", "host", hostname)
	if s.Metrics != nil {
		if cfg, err := s.Store.Snapshot(); err == nil {
			s.Metrics.SetRuleCount(len(cfg.Rules))
		}
	}
}

// UpdateRules replaces the snapshot's rule set with the given patterns.
func (s *Synchronizer) UpdateRules(patterns []string) {
	s.Store.update(func(cfg *NetworkConfig) bool {
		cfg.Rules = ParseRules(patterns)
		return true
	})
	if s.Metrics != nil {
		if cfg, err := s.Store.Snapshot(); err == nil {
			s.Metrics.SetRuleCount(len(cfg.Rules))
		}
	}
}

// UpdateSessionID replaces the snapshot's session pin.
func (s *Synchronizer) UpdateSessionID(id string) {
	s.Store.update(func(cfg *NetworkConfig) bool {
		cfg.SessionID = id
		return true
	})
}

// UpdateTargetGeo replaces the snapshot's target geography.
func (s *Synchronizer) UpdateTargetGeo(geo string) {
	s.Store.update(func(cfg *NetworkConfig) bool {
		cfg.TargetGeo = geo
		return true
	})
}
