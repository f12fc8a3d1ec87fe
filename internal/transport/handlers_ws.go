package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/auth"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/gateway"
)

// handleWebSocket admits, authenticates, and upgrades one connection.
// Admission order is cheapest-first: shutdown flag, per-IP rate, token
// verification, then the resource guard slot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		s.sink.IncConnectionsRejected("shutting_down")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connRate != nil && !s.connRate.Allow(clientIP) {
		s.sink.IncConnectionsRejected("conn_rate")
		s.log.Warn().Str("client_ip", clientIP).Msg("connection rejected: rate limited")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	connID := uuid.NewString()
	principal, err := s.resolvePrincipal(r, connID)
	if err != nil {
		s.sink.IncConnectionsRejected("unauthorized")
		s.log.Warn().Str("client_ip", clientIP).Err(err).Msg("connection rejected: unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ok, reason := s.guard.Acquire()
	if !ok {
		s.sink.IncConnectionsRejected("overloaded")
		s.log.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Int64("connections", s.guard.Connections()).
			Msg("connection rejected: overloaded")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.guard.Release()
		s.sink.IncConnectionsRejected("upgrade_failed")
		s.log.Warn().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &conn{
		id:          connID,
		sock:        sock,
		principal:   principal,
		remoteIP:    clientIP,
		ctx:         ctx,
		cancel:      cancel,
		outbox:      make(chan []byte, s.cfg.OutboxSize),
		done:        make(chan struct{}),
		streams:     make(map[string]*gateway.Stream),
		joined:      make(map[string]struct{}),
		connectedAt: time.Now(),
	}

	s.conns.Store(c, struct{}{})
	s.sink.IncConnectionsAccepted()
	s.sink.SetConnectionsActive(int(s.guard.Connections()))

	s.log.Info().
		Str("conn_id", c.id).
		Str("client_ip", clientIP).
		Str("user_id", principal.UserID).
		Str("tenant_id", principal.TenantID).
		Int64("connections", s.guard.Connections()).
		Msg("client connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// resolvePrincipal turns the handshake's bearer token into a principal.
// Tokenless connections become anonymous principals only when auth is
// disabled; a presented token is always verified.
func (s *Server) resolvePrincipal(r *http.Request, connID string) (auth.Principal, error) {
	token, ok := auth.FromRequest(r)
	if !ok {
		if s.cfg.AllowAuthDisabled {
			return auth.Anonymous(connID), nil
		}
		return auth.Principal{}, errs.Unauthorized("missing bearer token")
	}
	if s.verifier == nil {
		if s.cfg.AllowAuthDisabled {
			return auth.Anonymous(connID), nil
		}
		return auth.Principal{}, errs.Unauthorized("token verification not configured")
	}
	return s.verifier.Verify(token)
}

// getClientIP prefers X-Forwarded-For so per-IP limits apply to the
// real client behind a load balancer, falling back to RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
