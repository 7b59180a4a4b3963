package aluvia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Dispatcher is the data plane: a loopback proxy listener that, for
// every inbound plain request or CONNECT, reads the current config
// snapshot, consults the rule engine, and forwards either directly to
// the origin or through the upstream gateway. It never terminates TLS;
// CONNECT traffic is relayed as opaque bytes once the tunnel is up.
type Dispatcher struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:0").
	// Port zero asks the OS for a free port.
	Addr string

	// Store supplies config snapshots on the hot path.
	Store *ConfigStore

	// AutoHosts supplies the allowlist consulted by the AUTO rule
	// preset (optional). Typically wired to Detector.BlockedHostSet.
	AutoHosts func() map[string]struct{}

	// Logger for dispatch events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes structured access log entries (optional).
	AccessLog *AccessLogger

	// HealthChecker provides /healthz and /readyz endpoints (optional).
	HealthChecker *HealthChecker

	// Admin provides REST endpoints for runtime rule management and
	// status inspection (optional). Requests matching AdminAPI.PathPrefix
	// are routed to the admin handler instead of being proxied.
	Admin *AdminAPI

	// TransportPool provides the pooled base transport for forwarding
	// (optional; http.DefaultTransport if nil).
	TransportPool *TransportPool

	// StopGracePeriod is how long Stop waits for in-flight tunnels to
	// drain before forcibly closing them. Defaults to 2 seconds.
	StopGracePeriod time.Duration

	// mu guards the listener fields: Start runs in one goroutine while
	// ListenAddr, Port, Wait, and Stop are called from others.
	mu        sync.Mutex
	listener  net.Listener
	srv       *http.Server
	serveDone chan error

	tunnelMu sync.Mutex
	tunnels  map[net.Conn]struct{}
}

// NewDispatcher creates a Dispatcher reading from the given store.
func NewDispatcher(addr string, store *ConfigStore) *Dispatcher {
	return &Dispatcher{
		Addr:            addr,
		Store:           store,
		Logger:          slog.Default(),
		StopGracePeriod: 2 * time.Second,
		tunnels:         make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins serving in the background. The
// resolved address (with the OS-assigned port, if any) is available from
// ListenAddr once Start returns.
func (d *Dispatcher) Start() error {
	listener, err := net.Listen("tcp", d.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler: d,
	}
	serveDone := make(chan error, 1)

	d.mu.Lock()
	d.listener = listener
	d.srv = srv
	d.serveDone = serveDone
	d.mu.Unlock()

	go func() {
		serveErr := srv.Serve(listener)
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
		if serveErr != nil {
			d.Logger.Error("proxy serve", "error", serveErr)
		}
		serveDone <- serveErr
	}()

	d.Logger.Info("proxy listening", "addr", listener.Addr().String())
	return nil
}

// Wait blocks until the listener stops serving. It returns nil on a
// clean shutdown.
func (d *Dispatcher) Wait() error {
	d.mu.Lock()
	done := d.serveDone
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	return <-done
}

// ListenAddr returns the resolved listener address, or "" before Start.
func (d *Dispatcher) ListenAddr() string {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()
	if listener == nil {
		return ""
	}
	return listener.Addr().String()
}

// Port returns the resolved listener port, or 0 before Start.
func (d *Dispatcher) Port() int {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()
	if listener == nil {
		return 0
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop closes the listening socket, waits up to StopGracePeriod for
// in-flight requests and tunnels to drain, then forcibly closes any
// tunnels that remain. That is the documented shutdown policy: drain
// with a bounded grace period, then force.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	srv := d.srv
	d.mu.Unlock()
	if srv == nil {
		return nil
	}

	grace := d.StopGracePeriod
	if grace == 0 {
		grace = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := srv.Shutdown(ctx)

	// Hijacked tunnel connections are invisible to Shutdown; close
	// whatever is still open after the grace period.
	d.tunnelMu.Lock()
	for conn := range d.tunnels {
		_ = conn.Close()
	}
	d.tunnels = make(map[net.Conn]struct{})
	d.tunnelMu.Unlock()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only origin-form requests address the listener itself. Proxy
	// traffic arrives in absolute form (URL.Host set) and is always
	// forwarded, even when the origin path collides with a local
	// endpoint.
	if r.Method != http.MethodConnect && r.URL.Host == "" {
		if d.Metrics != nil && r.URL.Path == "/metrics" {
			d.Metrics.Handler().ServeHTTP(w, r)
			return
		}
		if d.HealthChecker != nil {
			switch r.URL.Path {
			case "/healthz":
				d.HealthChecker.HandleHealthz(w, r)
				return
			case "/readyz":
				d.HealthChecker.HandleReadyz(w, r)
				return
			}
		}
		if d.Admin != nil && strings.HasPrefix(r.URL.Path, d.Admin.PathPrefix) {
			d.Admin.ServeHTTP(w, r)
			return
		}
	}

	if r.Method == http.MethodConnect {
		d.handleConnect(w, r)
	} else {
		d.handleHTTP(w, r)
	}
}

// route decides the path for a hostname. A missing snapshot fails open:
// the request goes direct rather than being dropped.
func (d *Dispatcher) route(hostname string) (string, *NetworkConfig) {
	cfg, err := d.Store.Snapshot()
	if err != nil {
		d.Logger.Warn("no config snapshot, failing open to direct", "host", hostname)
		return RouteDirect, nil
	}

	var auto map[string]struct{}
	if d.AutoHosts != nil {
		auto = d.AutoHosts()
	}

	if Decide(hostname, cfg.Rules, auto) {
		return RouteGateway, cfg
	}
	return RouteDirect, cfg
}

// handleHTTP handles plain HTTP requests (non-CONNECT).
func (d *Dispatcher) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHostname(r)
	route, cfg := d.route(host)

	if d.Metrics != nil {
		d.Metrics.RecordRequest(r.Method, route)
	}
	d.Logger.Debug("dispatch", "method", r.Method, "host", host, "route", route)

	outReq := r.Clone(r.Context())
	removeHopByHopHeaders(outReq.Header)
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = r.Host
	}
	outReq.RequestURI = ""

	transport := d.transport(route, cfg)

	start := time.Now()
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		d.Logger.Error("forward request", "error", err, "host", host, "route", route)
		if d.Metrics != nil && route == RouteGateway {
			d.Metrics.RecordGatewayError(host)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		if d.AccessLog != nil {
			d.AccessLog.Log(AccessLogEntry{
				Timestamp:  start,
				Method:     r.Method,
				Host:       host,
				Route:      route,
				Duration:   time.Since(start),
				ClientAddr: r.RemoteAddr,
				Error:      err.Error(),
			})
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if d.Metrics != nil {
		d.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	if d.AccessLog != nil {
		d.AccessLog.Log(AccessLogEntry{
			Timestamp:    start,
			Method:       r.Method,
			Host:         host,
			Route:        route,
			StatusCode:   resp.StatusCode,
			Duration:     time.Since(start),
			BytesWritten: written,
			ClientAddr:   r.RemoteAddr,
		})
	}
}

// handleConnect handles tunnel-establishment requests. The tunnel target
// is dialed either directly or through the gateway, then bytes are
// relayed opaquely in both directions.
func (d *Dispatcher) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	host, _, _ := net.SplitHostPort(target)

	route, cfg := d.route(host)
	if d.Metrics != nil {
		d.Metrics.RecordRequest(r.Method, route)
		d.Metrics.IncActiveTunnels()
		defer d.Metrics.DecActiveTunnels()
	}
	d.Logger.Debug("CONNECT", "host", target, "route", route)

	start := time.Now()

	var upstream net.Conn
	var err error
	if route == RouteGateway {
		upstream, err = NewGateway(cfg).DialConnect(r.Context(), target)
	} else {
		upstream, err = net.DialTimeout("tcp", target, 10*time.Second)
	}
	if err != nil {
		d.Logger.Error("dial tunnel target", "error", err, "host", target, "route", route)
		if d.Metrics != nil && route == RouteGateway {
			d.Metrics.RecordGatewayError(host)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		d.Logger.Error("hijack failed", "error", err)
		_ = upstream.Close()
		return
	}

	_, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if err != nil {
		d.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	d.trackTunnel(clientConn, true)
	d.trackTunnel(upstream, true)

	relayed := d.relay(clientConn, upstream)

	d.trackTunnel(clientConn, false)
	d.trackTunnel(upstream, false)

	if d.AccessLog != nil {
		d.AccessLog.Log(AccessLogEntry{
			Timestamp:    start,
			Method:       r.Method,
			Host:         host,
			Route:        route,
			Duration:     time.Since(start),
			BytesWritten: relayed,
			ClientAddr:   r.RemoteAddr,
			Tunnel:       true,
		})
	}
}

// relay copies bytes in both directions until either side closes, then
// tears down both connections. It returns the total bytes relayed.
func (d *Dispatcher) relay(client, upstream net.Conn) int64 {
	var wg sync.WaitGroup
	var up, down int64

	wg.Add(2)
	go func() {
		defer wg.Done()
		up, _ = io.Copy(upstream, client)
		// Half-close toward the upstream where possible so it sees EOF.
		if tc, ok := upstream.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = upstream.Close()
		}
	}()
	go func() {
		defer wg.Done()
		down, _ = io.Copy(client, upstream)
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = client.Close()
		}
	}()
	wg.Wait()

	_ = client.Close()
	_ = upstream.Close()
	return up + down
}

func (d *Dispatcher) trackTunnel(conn net.Conn, add bool) {
	d.tunnelMu.Lock()
	defer d.tunnelMu.Unlock()
	if add {
		d.tunnels[conn] = struct{}{}
	} else {
		delete(d.tunnels, conn)
	}
}

// transport returns the effective RoundTripper for a routing decision.
func (d *Dispatcher) transport(route string, cfg *NetworkConfig) http.RoundTripper {
	var base http.RoundTripper
	if d.TransportPool != nil {
		base = d.TransportPool.Transport()
	} else {
		base = http.DefaultTransport
	}
	if route == RouteGateway && cfg != nil {
		return NewGateway(cfg).Transport(base)
	}
	return base
}

// requestHostname extracts the target hostname from a plain proxy request.
func requestHostname(r *http.Request) string {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// Hop-by-hop headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
