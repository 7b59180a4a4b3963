package aluvia

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Client ties the control plane, the data plane, and the detection
// engine together: one local proxy endpoint whose routing rules follow
// the remote configuration and self-heal on detected blocks.
type Client struct {
	// Settings used to build the client.
	Settings Settings

	// Logger shared by all components.
	Logger *slog.Logger

	// Store holds the current config snapshot.
	Store *ConfigStore

	// Sync is the control-plane synchronizer.
	Sync *Synchronizer

	// Dispatcher is the data-plane listener.
	Dispatcher *Dispatcher

	// Detector is the block-detection engine.
	Detector *Detector

	// Metrics is set when Settings.Proxy.MetricsEnabled is true.
	Metrics *Metrics

	// Health backs the /healthz and /readyz endpoints.
	Health *HealthChecker

	pool *TransportPool
}

// NewClient builds a fully wired client from settings. It fails with
// ErrMissingCredentials before any network call when no API key is set.
func NewClient(settings Settings) (*Client, error) {
	if strings.TrimSpace(settings.API.Key) == "" {
		return nil, ErrMissingCredentials
	}

	logger := newLogger(settings.Logging)

	store := NewConfigStore()

	sync := NewSynchronizer(settings.API.BaseURL, settings.API.Key, store, settings.Gateway)
	sync.FetchTimeout = settings.API.FetchTimeout
	sync.Logger = logger

	detector := NewDetector(settings.Detection)
	detector.Sync = sync
	detector.Logger = logger

	health := NewHealthChecker()
	health.ReadinessChecks = []ReadinessCheck{
		func() error {
			_, err := store.Snapshot()
			return err
		},
	}

	pool := NewTransportPool()

	dispatcher := NewDispatcher(settings.Proxy.Addr, store)
	dispatcher.Logger = logger
	dispatcher.AccessLog = NewAccessLogger(logger)
	dispatcher.HealthChecker = health
	dispatcher.TransportPool = pool
	dispatcher.AutoHosts = detector.BlockedHostSet
	dispatcher.StopGracePeriod = settings.Proxy.StopGracePeriod

	admin := NewAdminAPI(store, sync)
	admin.Detector = detector
	admin.Logger = logger
	dispatcher.Admin = admin

	c := &Client{
		Settings:   settings,
		Logger:     logger,
		Store:      store,
		Sync:       sync,
		Dispatcher: dispatcher,
		Detector:   detector,
		Health:     health,
		pool:       pool,
	}

	if settings.Proxy.MetricsEnabled {
		c.Metrics = NewMetrics()
		sync.Metrics = c.Metrics
		detector.Metrics = c.Metrics
		dispatcher.Metrics = c.Metrics
	}

	return c, nil
}

// Start brings the client up: one unconditional config fetch (fatal on
// failure), listener bind (fatal on failure), then background sync.
func (c *Client) Start(ctx context.Context) error {
	c.Health.SetAlive(true)

	if err := c.Sync.Init(ctx); err != nil {
		return err
	}

	if err := c.Dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	c.Health.SetReady(true)
	c.Sync.StartSync(c.Settings.API.PollInterval)

	c.Logger.Info("client started",
		"proxy", c.Dispatcher.ListenAddr(),
		"poll_interval", c.Settings.API.PollInterval)
	return nil
}

// Stop tears the client down in order: stop accepting connections and
// drain tunnels, cancel the sync timer, discard detection state, and
// release pooled connections.
func (c *Client) Stop() error {
	err := c.Dispatcher.Stop()
	c.Sync.StopSync()
	c.Detector.ClearBlockedHostnames()
	c.pool.Close()

	c.Health.SetReady(false)
	c.Health.SetAlive(false)

	return err
}

// Run starts the client and blocks until ctx is cancelled or the
// listener fails, then stops everything.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(c.Dispatcher.Wait)
	g.Go(func() error {
		<-ctx.Done()
		return c.Stop()
	})
	return g.Wait()
}

// ProxyAddr returns the resolved local proxy address, available after
// Start.
func (c *Client) ProxyAddr() string {
	return c.Dispatcher.ListenAddr()
}

// newLogger builds a slog.Logger from log settings.
func newLogger(s LogSettings) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(s.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(s.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
