package socks5

import (
	"log/slog"
	"net"

	"github.com/postalsys/socks5gate/internal/logging"
	"github.com/postalsys/socks5gate/internal/metrics"
)

// Handler holds everything a session needs to service one client
// connection: the shared auth policy, the DNS resolver facade, the
// outbound dialer, and the logging/metrics sinks. One Handler is shared
// by every concurrent session; all of its fields are read-only after
// construction except AuthPolicy's authed-IP set, which guards itself.
type Handler struct {
	auth     *AuthPolicy
	resolver *Resolver
	dialer   *Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler builds a Handler from its component parts. A nil logger
// becomes a no-op logger so callers never need a nil check.
func NewHandler(auth *AuthPolicy, resolver *Resolver, dialer *Dialer, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{auth: auth, resolver: resolver, dialer: dialer, logger: logger, metrics: m}
}

// Handle services one accepted connection end to end: builds a session
// and drives its state machine. A panic anywhere in the session is
// recovered and logged rather than crashing the worker goroutine's
// caller, matching the teacher's per-connection panic isolation.
func (h *Handler) Handle(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("session panic",
				logging.KeyComponent, "handler",
				logging.KeyClientAddr, conn.RemoteAddr().String(),
				logging.KeyError, r)
		}
	}()

	s := newSession(conn, h)
	s.serve()
}
