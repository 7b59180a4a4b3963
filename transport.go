package aluvia

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool provides a connection-pooled http.Transport for the
// direct route, with defaults tuned for a forward-proxy workload. The
// gateway route wraps this same base transport, so pooled connections
// are shared across routing decisions to the same origin.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means 200.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means 10.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed. Zero means 90 seconds.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial. Zero
	// means 30 seconds.
	DialTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for response
	// headers after the request is fully written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	transport atomic.Pointer[http.Transport]
}

// NewTransportPool creates a TransportPool with proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// Transport returns the pooled transport, building it on first use.
func (tp *TransportPool) Transport() *http.Transport {
	if t := tp.transport.Load(); t != nil {
		return t
	}
	return tp.build()
}

func (tp *TransportPool) build() *http.Transport {
	maxIdle := tp.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 200
	}
	maxIdlePerHost := tp.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = 10
	}
	idleTimeout := tp.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}
	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       idleTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		// The dispatcher forwards the request target untouched; the
		// gateway route carries its own Proxy-Authorization, so no
		// proxy callback belongs on the base transport.
		Proxy: nil,
	}

	if !tp.transport.CompareAndSwap(nil, t) {
		t.CloseIdleConnections()
		return tp.transport.Load()
	}
	return t
}

// Close releases idle pooled connections.
func (tp *TransportPool) Close() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}
