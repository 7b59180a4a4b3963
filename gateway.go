package aluvia

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Default gateway ports by protocol.
const (
	defaultGatewayPortHTTP  = 80
	defaultGatewayPortHTTPS = 443
)

// Gateway dials and forwards through the upstream premium gateway
// described by a NetworkConfig snapshot. A Gateway value is cheap to
// build per request and carries no state of its own, so a stale one is
// simply discarded when a new snapshot is published.
type Gateway struct {
	host     string
	port     int
	protocol string
	username string
	password string

	// DialTimeout is the timeout for establishing a connection to the
	// gateway. Defaults to 10 seconds.
	DialTimeout time.Duration

	// TLSConfig for connecting to TLS-enabled gateways (optional).
	TLSConfig *tls.Config
}

// NewGateway builds a Gateway from the given snapshot. Session pinning
// and geo targeting are encoded as suffixes on the gateway username,
// which is how the gateway fleet routes them.
func NewGateway(cfg *NetworkConfig) *Gateway {
	port := cfg.GatewayPort
	if port == 0 {
		if cfg.GatewayProtocol == "https" {
			port = defaultGatewayPortHTTPS
		} else {
			port = defaultGatewayPortHTTP
		}
	}

	username := cfg.Username
	if cfg.SessionID != "" {
		username += "-session-" + cfg.SessionID
	}
	if cfg.TargetGeo != "" {
		username += "-geo-" + cfg.TargetGeo
	}

	return &Gateway{
		host:        cfg.GatewayHost,
		port:        port,
		protocol:    cfg.GatewayProtocol,
		username:    username,
		password:    cfg.Password,
		DialTimeout: 10 * time.Second,
	}
}

// Addr returns the gateway host:port.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.host, strconv.Itoa(g.port))
}

// URL returns the gateway authority as a URL, credentials included.
func (g *Gateway) URL() *url.URL {
	return &url.URL{
		Scheme: g.protocol,
		User:   url.UserPassword(g.username, g.password),
		Host:   g.Addr(),
	}
}

// DialConnect establishes a CONNECT tunnel through the gateway to the
// given target address and returns the raw connection once the tunnel is
// up. The caller relays opaque bytes over it; no TLS is terminated here.
func (g *Gateway) DialConnect(ctx context.Context, addr string) (net.Conn, error) {
	timeout := g.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var conn net.Conn
	var err error

	if g.protocol == "https" {
		tlsCfg := g.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = g.host
		}
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", g.Addr(), tlsCfg)
	} else {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = dialer.DialContext(ctx, "tcp", g.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	connectReq.Header.Set("Proxy-Authorization", basicAuth(g.username, g.password))

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway CONNECT returned %d", resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// Transport returns an http.RoundTripper that forwards plain HTTP
// requests through the gateway, preserving the original request and
// attaching Proxy-Authorization.
func (g *Gateway) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &gatewayTransport{gateway: g, base: base}
}

type gatewayTransport struct {
	gateway *Gateway
	base    http.RoundTripper
}

func (t *gatewayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Opaque carries the absolute target URL so the request line the
	// gateway sees is in absolute form, while URL.Host keeps the
	// transport dialing the gateway.
	proxyReq := req.Clone(req.Context())
	proxyReq.URL = &url.URL{
		Scheme: t.gateway.protocol,
		Host:   t.gateway.Addr(),
		Opaque: req.URL.String(),
	}
	proxyReq.Host = req.Host
	proxyReq.Header.Set("Proxy-Authorization", basicAuth(t.gateway.username, t.gateway.password))

	return t.base.RoundTrip(proxyReq)
}

// bufferedConn wraps a net.Conn with data that was read during the
// CONNECT handshake but not yet consumed.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
