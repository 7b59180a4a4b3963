package aluvia

import (
	"context"
	"log/slog"
	"time"
)

// Route labels for access log entries and metrics.
const (
	RouteDirect  = "direct"
	RouteGateway = "gateway"
)

// AccessLogger writes structured access log entries for each dispatched
// request. It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// Method is the HTTP method (GET, POST, CONNECT, etc.).
	Method string

	// Host is the target hostname.
	Host string

	// Route is the routing decision: "direct" or "gateway".
	Route string

	// StatusCode is the upstream response status code. Zero for tunnels
	// and errors.
	StatusCode int

	// Duration is the time to process the request. For tunnels this is
	// the full tunnel lifetime.
	Duration time.Duration

	// BytesWritten is the response body size, or total relayed bytes
	// for tunnels.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Tunnel is true for CONNECT byte-relay connections.
	Tunnel bool

	// Error is a description of any error that occurred.
	Error string
}

// NewAccessLogger creates a new AccessLogger that writes to the given
// slog.Logger. For best performance, pass a logger configured with
// slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 10)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("route", e.Route),
		slog.String("client", e.ClientAddr),
	)

	if e.Tunnel {
		attrs = append(attrs, slog.Bool("tunnel", true))
	} else {
		attrs = append(attrs, slog.Int("status", e.StatusCode))
	}

	attrs = append(attrs,
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
