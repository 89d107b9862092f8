package stream

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/portfolio-ws/internal/auth"
	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

// RFC 6455 "try again later". gobwas/ws stops defining named constants
// at 1011, so the 1013 capacity-rejection code is spelled out here.
const statusTryAgainLater = ws.StatusCode(1013)

// admissionCloseStatus maps an admission rejection to its close code:
// capacity means try-again-later, everything else is a policy
// violation.
func admissionCloseStatus(reason string) ws.StatusCode {
	if reason == RejectCapacity {
		return statusTryAgainLater
	}
	return ws.StatusPolicyViolation
}

// HandleWS upgrades the request and runs admission: session resolution
// first, then the per-user limit, then the global limit. Rejections
// after upgrade carry both an error payload and the matching close
// code, so the client can tell a full server from a bad token.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.ShuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	credential, credErr := auth.CredentialFromRequest(r)

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	var userID string
	if credErr == nil {
		userID, credErr = s.resolver.ResolveSession(credential)
	}
	if credErr != nil {
		s.logger.Warn().
			Err(credErr).
			Str("client_ip", clientIP).
			Msg("Connection rejected: authentication failed")
		monitoring.RecordRejection("auth")
		rejectConn(sock, ws.StatusPolicyViolation, CodeAuthRequired, "valid session credential required")
		return
	}

	conn, _, admitErr := s.registry.Admit(userID, sock, s.cfg.SendBufferSize)
	if admitErr != nil {
		aerr := admitErr.(*AdmissionError)
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("user_id", userID).
			Str("reason", aerr.Reason).
			Msg("Connection rejected at admission")
		monitoring.RecordRejection(aerr.Reason)
		rejectConn(sock, admissionCloseStatus(aerr.Reason), aerr.Code, aerr.Msg)
		return
	}

	atomic.AddInt64(&s.stats.TotalConnections, 1)
	active := atomic.AddInt64(&s.stats.CurrentConnections, 1)
	monitoring.RecordConnection(active)

	welcome, err := json.Marshal(welcomeMessage{
		Type:         "connected",
		ConnectionID: conn.id,
		Channels:     channelNames(Channels()),
	})
	if err == nil {
		conn.trySend(welcome)
	}

	s.logger.Info().
		Str("client_ip", clientIP).
		Str("user_id", userID).
		Int64("conn_id", conn.id).
		Int64("current_connections", active).
		Msg("Client connected")

	go s.writePump(conn)
	go s.readPump(conn)
}

// rejectConn refuses an already-upgraded connection: error payload,
// close frame with the given status, socket close.
func rejectConn(sock net.Conn, status ws.StatusCode, code, msg string) {
	payload, err := json.Marshal(errorMessage{Type: "error", Code: code, Message: msg})
	if err == nil {
		_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
		_ = wsutil.WriteServerMessage(sock, ws.OpText, payload)
	}
	body := ws.NewCloseFrameBody(status, msg)
	_ = ws.WriteFrame(sock, ws.NewCloseFrame(body))
	_ = sock.Close()
}

// getClientIP prefers X-Forwarded-For so logs show the real client
// behind a load balancer.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
