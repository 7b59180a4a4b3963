package aluvia

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for the fatal startup paths and the uninitialized store.
var (
	// ErrMissingCredentials is returned when no API key is supplied at
	// construction. It fails before any network call.
	ErrMissingCredentials = errors.New("missing API credentials")

	// ErrInvalidCredentials is returned when the control plane rejects
	// the API key with 401 or 403. It is never retried.
	ErrInvalidCredentials = errors.New("invalid API credentials")

	// ErrNotInitialized is returned by ConfigStore.Snapshot before the
	// first successful config fetch has been committed.
	ErrNotInitialized = errors.New("network config not initialized")
)

// NetworkConfig is an immutable snapshot of the routing configuration.
// A snapshot is never mutated in place: every change builds a new value
// and publishes it through ConfigStore.Replace, so readers observe either
// the fully-old or the fully-new config, never a torn intermediate.
type NetworkConfig struct {
	// GatewayHost is the upstream gateway hostname.
	GatewayHost string

	// GatewayPort is the gateway port. Zero means the protocol default
	// (80 for "http", 443 for "https").
	GatewayPort int

	// GatewayProtocol is "http" or "https".
	GatewayProtocol string

	// Username and Password authenticate against the gateway.
	Username string
	Password string

	// Rules is the parsed routing rule set, in payload order.
	Rules []RuleToken

	// SessionID pins gateway sessions when set.
	SessionID string

	// TargetGeo selects the gateway exit geography when set.
	TargetGeo string

	// SyncToken is the opaque conditional-fetch token (entity tag)
	// returned by the control plane alongside this snapshot.
	SyncToken string
}

// RulePatterns returns the raw pattern strings of the rule set.
func (c *NetworkConfig) RulePatterns() []string {
	patterns := make([]string, len(c.Rules))
	for i, r := range c.Rules {
		patterns[i] = r.Pattern
	}
	return patterns
}

// equal reports whether two snapshots carry the same routing state.
// SyncToken is ignored: a token rotation without a payload change must
// not count as a config change.
func (c *NetworkConfig) equal(o *NetworkConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.GatewayHost != o.GatewayHost ||
		c.GatewayPort != o.GatewayPort ||
		c.GatewayProtocol != o.GatewayProtocol ||
		c.Username != o.Username ||
		c.Password != o.Password ||
		c.SessionID != o.SessionID ||
		c.TargetGeo != o.TargetGeo ||
		len(c.Rules) != len(o.Rules) {
		return false
	}
	for i := range c.Rules {
		if c.Rules[i] != o.Rules[i] {
			return false
		}
	}
	return true
}

// ConfigStore holds the current NetworkConfig snapshot. Reads are
// lock-free pointer loads; writes go through a single mutex so the
// synchronizer and the detection feedback loop serialize against each
// other without ever blocking the dispatch path.
type ConfigStore struct {
	current atomic.Pointer[NetworkConfig]
	writeMu sync.Mutex
}

// NewConfigStore creates an empty store. Snapshot fails with
// ErrNotInitialized until the first Replace.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

// Snapshot returns the latest committed config. It never blocks.
func (s *ConfigStore) Snapshot() (*NetworkConfig, error) {
	cfg := s.current.Load()
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

// Replace atomically publishes a new snapshot. Any Snapshot call that
// starts after Replace returns observes this config or a strictly newer one.
func (s *ConfigStore) Replace(cfg *NetworkConfig) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.current.Store(cfg)
}

// update applies fn to a copy of the current snapshot and commits the
// result under the write lock. fn returning false aborts without
// publishing. Before the first Replace there is nothing to mutate:
// committing a snapshot fabricated from a zero value would publish a
// config with no gateway authority or credentials, so update is a no-op
// until then.
func (s *ConfigStore) update(fn func(cfg *NetworkConfig) bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return
	}
	next := *cur
	next.Rules = append([]RuleToken(nil), cur.Rules...)
	if !fn(&next) {
		return
	}
	s.current.Store(&next)
}

// Settings is the local client configuration, loaded from file,
// environment, and defaults via viper. It carries every tunable the
// engine exposes; the documented defaults are starting points, not
// contractual constants.
type Settings struct {
	// API configuration
	API APISettings `mapstructure:"api"`

	// Proxy listener configuration
	Proxy ProxySettings `mapstructure:"proxy"`

	// Gateway configuration
	Gateway GatewaySettings `mapstructure:"gateway"`

	// Detection engine configuration
	Detection DetectionSettings `mapstructure:"detection"`

	// Logging configuration
	Logging LogSettings `mapstructure:"logging"`
}

// APISettings controls the control-plane synchronizer.
type APISettings struct {
	// BaseURL of the control plane (the /user endpoint lives under it).
	BaseURL string `mapstructure:"base_url"`

	// Key is the bearer credential. Usually supplied via ALUVIA_API_KEY.
	Key string `mapstructure:"key"`

	// PollInterval between conditional config re-fetches.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// FetchTimeout bounds each fetch, including the initial one.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// ProxySettings controls the local listener.
type ProxySettings struct {
	// Addr to bind. Port zero lets the OS assign one; the resolved
	// address is available from Dispatcher.Addr after Start.
	Addr string `mapstructure:"addr"`

	// StopGracePeriod is how long Stop waits for in-flight tunnels to
	// drain before forcibly closing them.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`

	// MetricsEnabled exposes Prometheus metrics at /metrics on the
	// proxy listener.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// GatewaySettings identifies the upstream gateway. Credentials come from
// the control plane, not from local settings.
type GatewaySettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"`
}

// DetectionSettings tunes the block-detection engine.
type DetectionSettings struct {
	// AutoReload enables the feedback loop: detected blocks add a
	// routing rule and request a page reload.
	AutoReload bool `mapstructure:"auto_reload"`

	// BlockedThreshold and SuspectedThreshold tier the detection score.
	BlockedThreshold   float64 `mapstructure:"blocked_threshold"`
	SuspectedThreshold float64 `mapstructure:"suspected_threshold"`

	// EscalationCap is the number of consecutive Blocked results after
	// which automatic remediation is suppressed for a hostname.
	EscalationCap int `mapstructure:"escalation_cap"`

	// Weights per signal category. Zero-valued weights fall back to
	// the defaults from DefaultSignalWeights.
	Weights SignalWeights `mapstructure:"weights"`
}

// LogSettings controls logging output.
type LogSettings struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`
}

// DefaultSettings returns Settings with sensible defaults.
func DefaultSettings() Settings {
	return Settings{
		API: APISettings{
			BaseURL:      "https://api.aluvia.io",
			PollInterval: 60 * time.Second,
			FetchTimeout: 15 * time.Second,
		},
		Proxy: ProxySettings{
			Addr:            "127.0.0.1:0",
			StopGracePeriod: 2 * time.Second,
		},
		Gateway: GatewaySettings{
			Host:     "proxy.aluvia.io",
			Protocol: "http",
		},
		Detection: DetectionSettings{
			AutoReload:         true,
			BlockedThreshold:   0.7,
			SuspectedThreshold: 0.4,
			EscalationCap:      3,
			Weights:            DefaultSignalWeights(),
		},
		Logging: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadSettings loads settings from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./aluvia.yaml
// 3. $HOME/.aluvia/config.yaml
// 4. /etc/aluvia/config.yaml
func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("aluvia")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.aluvia")
	v.AddConfigPath("/etc/aluvia")

	v.SetEnvPrefix("ALUVIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		// No config file is fine - defaults plus environment apply.
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return &s, nil
}

// LoadSettingsFromReader loads settings from raw bytes.
// Useful for testing or embedded configs.
func LoadSettingsFromReader(configType string, data []byte) (*Settings, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return &s, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultSettings()

	v.SetDefault("api.base_url", defaults.API.BaseURL)
	v.SetDefault("api.poll_interval", defaults.API.PollInterval)
	v.SetDefault("api.fetch_timeout", defaults.API.FetchTimeout)

	v.SetDefault("proxy.addr", defaults.Proxy.Addr)
	v.SetDefault("proxy.stop_grace_period", defaults.Proxy.StopGracePeriod)
	v.SetDefault("proxy.metrics_enabled", defaults.Proxy.MetricsEnabled)

	v.SetDefault("gateway.host", defaults.Gateway.Host)
	v.SetDefault("gateway.port", defaults.Gateway.Port)
	v.SetDefault("gateway.protocol", defaults.Gateway.Protocol)

	v.SetDefault("detection.auto_reload", defaults.Detection.AutoReload)
	v.SetDefault("detection.blocked_threshold", defaults.Detection.BlockedThreshold)
	v.SetDefault("detection.suspected_threshold", defaults.Detection.SuspectedThreshold)
	v.SetDefault("detection.escalation_cap", defaults.Detection.EscalationCap)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
}

// WriteExampleSettings writes an example configuration file.
func WriteExampleSettings(path string) error {
	example := `# Aluvia client configuration

api:
  # Control plane base URL
  base_url: "https://api.aluvia.io"

  # Bearer credential (prefer the ALUVIA_API_KEY environment variable)
  # key: "alv_..."

  # Conditional re-fetch interval
  poll_interval: 60s

  # Per-fetch timeout
  fetch_timeout: 15s

proxy:
  # Local listener address. Port 0 asks the OS for a free port.
  addr: "127.0.0.1:0"

  # How long Stop waits for in-flight tunnels before closing them
  stop_grace_period: 2s

  # Expose Prometheus metrics at /metrics on the listener
  metrics_enabled: false

gateway:
  host: "proxy.aluvia.io"
  # Port 0 means the protocol default (80 for http, 443 for https)
  port: 0
  protocol: "http"

detection:
  # Feed detected blocks back into the routing rules automatically
  auto_reload: true

  # Score tiers
  blocked_threshold: 0.7
  suspected_threshold: 0.4

  # Consecutive blocked results before automatic remediation stops
  escalation_cap: 3

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
