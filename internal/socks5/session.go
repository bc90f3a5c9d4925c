package socks5

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/socks5gate/internal/logging"
	"github.com/postalsys/socks5gate/internal/metrics"
)

// SOCKS5 protocol version.
const socks5Version = 0x05

// RFC 1929 username/password sub-negotiation version.
const userPassVersion = 0x01

// Command codes. BIND (0x02) is accepted on the wire per RFC 1928 but not
// implemented here; it falls through to ReplyCmdNotSupported like any
// other unrecognized command, per spec's Non-goals.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// sessionBufSize is the fixed buffer every state reads its next message
// into with exactly one Read call, per spec §4.3's explicit invariant.
// This differs deliberately from the teacher's io.ReadFull-per-field
// style: the spec states the one-recv discipline explicitly, so it wins
// over the teacher's general habit here.
const sessionBufSize = 1024

// session states, per spec's data model.
type sessionState int

const (
	stateConnected sessionState = iota
	stateNeedAuth
	stateAuthed
)

// session is a single accepted client connection's protocol engine. It is
// exclusively owned by its worker goroutine for its entire lifetime.
type session struct {
	conn       net.Conn
	clientAddr net.Addr
	state      sessionState

	auth     *AuthPolicy
	resolver *Resolver
	dialer   *Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func newSession(conn net.Conn, h *Handler) *session {
	return &session{
		conn:       conn,
		clientAddr: conn.RemoteAddr(),
		state:      stateConnected,
		auth:       h.auth,
		resolver:   h.resolver,
		dialer:     h.dialer,
		logger:     h.logger,
		metrics:    h.metrics,
	}
}

// serve drives the session through CONNECTED -> NEED_AUTH (maybe) ->
// AUTHED -> dispatch, per spec §4.3's state table. It returns once the
// session has reached a terminal state (relay returned, or an error
// caused an early close); the caller is responsible for closing conn
// exactly once.
func (s *session) serve() {
	buf := make([]byte, sessionBufSize)

	n, err := s.conn.Read(buf)
	if err != nil {
		return
	}
	if !s.handleGreeting(buf[:n]) {
		return
	}

	if s.state == stateNeedAuth {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		if !s.handleAuth(buf[:n]) {
			return
		}
	}

	n, err = s.conn.Read(buf)
	if err != nil {
		return
	}
	s.handleRequest(buf[:n])
}

// handleGreeting processes the CONNECTED-state method negotiation
// message: VER, NMETHODS, METHODS. Returns false if the session should
// terminate (invalid version, short message, or no acceptable method).
func (s *session) handleGreeting(msg []byte) bool {
	if len(msg) < 2 {
		return false
	}
	if msg[0] != socks5Version {
		return false
	}
	nMethods := int(msg[1])
	if len(msg) < 2+nMethods {
		return false
	}
	methods := msg[2 : 2+nMethods]

	method := s.auth.SelectMethod(methods, s.clientAddr)
	if _, err := s.conn.Write([]byte{socks5Version, method}); err != nil {
		return false
	}

	switch method {
	case AuthMethodNoAuth:
		s.state = stateAuthed
		return true
	case AuthMethodUserPass:
		s.state = stateNeedAuth
		return true
	default:
		if s.metrics != nil {
			s.metrics.RecordMethodDenial("no_acceptable_method")
		}
		return false
	}
}

// handleAuth processes the NEED_AUTH-state RFC 1929 credential message.
// Returns false if the session should terminate.
func (s *session) handleAuth(msg []byte) bool {
	username, password, err := parseCredentials(msg)
	if err != nil {
		s.conn.Write([]byte{userPassVersion, AuthStatusFailure})
		return false
	}

	if !s.auth.CheckCredentials(username, password) {
		s.conn.Write([]byte{userPassVersion, AuthStatusFailure})
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		return false
	}

	if _, err := s.conn.Write([]byte{userPassVersion, AuthStatusSuccess}); err != nil {
		return false
	}
	s.auth.markAuthed(s.clientAddr)
	s.state = stateAuthed
	return true
}

// parseCredentials parses VER(1)=1, ULEN(1), UNAME, PLEN(1), PASSWD from
// an RFC 1929 sub-negotiation message with length-before-index checks
// throughout.
func parseCredentials(msg []byte) (username, password string, err error) {
	if len(msg) < 2 {
		return "", "", errShortBuffer
	}
	if msg[0] != userPassVersion {
		return "", "", errAuthVersion
	}
	uLen := int(msg[1])
	if len(msg) < 2+uLen+1 {
		return "", "", errShortBuffer
	}
	uname := string(msg[2 : 2+uLen])
	pLen := int(msg[2+uLen])
	total := 2 + uLen + 1 + pLen
	if len(msg) < total {
		return "", "", errShortBuffer
	}
	passwd := string(msg[2+uLen+1 : total])
	return uname, passwd, nil
}

// handleRequest processes the AUTHED-state request header: VER, CMD, RSV,
// ATYP+ADDR+PORT, then dispatches to the CONNECT or UDP ASSOCIATE relay.
// Any parse failure sends a SOCKS5 error reply with ATYP=IPv4 and a zero
// address/port, then the session ends.
func (s *session) handleRequest(msg []byte) {
	if len(msg) < 4 {
		s.sendReply(ReplyServerFailure, nil, 0)
		return
	}
	if msg[0] != socks5Version {
		s.sendReply(ReplyServerFailure, nil, 0)
		return
	}
	cmd := msg[1]
	if msg[2] != 0x00 {
		s.sendReply(ReplyServerFailure, nil, 0)
		return
	}

	switch cmd {
	case CmdConnect:
		ep, _, err := decodeAddress(msg[3:], s.resolver, "tcp")
		if err != nil {
			s.sendReply(replyForAddrError(err), nil, 0)
			return
		}
		s.handleConnect(ep)

	case CmdUDPAssociate:
		ep, _, err := decodeAddress(msg[3:], s.resolver, "udp")
		if err != nil {
			s.sendReply(replyForAddrError(err), nil, 0)
			return
		}
		s.handleUDPAssociate(ep)

	default:
		s.sendReply(ReplyCmdNotSupported, nil, 0)
	}
}

// replyForAddrError maps an address-decode failure to a reply code:
// GENERAL_FAILURE for a short/malformed buffer, ADDRESSTYPE_NOT_SUPPORTED
// for an unrecognized ATYP, HOST_UNREACHABLE if DNS resolution itself
// failed.
func replyForAddrError(err error) byte {
	if errors.Is(err, errBadAddrType) {
		return ReplyAddrNotSupported
	}
	if errors.Is(err, errShortBuffer) {
		return ReplyServerFailure
	}
	return ReplyHostUnreachable
}

// handleConnect dials the requested target and, on success, splices
// bytes bidirectionally until the relay tears down. The success reply
// carries the bound local address of the newly connected upstream
// socket, not the requested (possibly DNS) address.
func (s *session) handleConnect(ep endpoint) {
	targetAddr := net.JoinHostPort(ep.ip.String(), strconv.Itoa(int(ep.port)))

	start := time.Now()
	upstream, err := s.dialer.Dial("tcp", targetAddr)
	if s.metrics != nil {
		s.metrics.RecordConnectLatency(time.Since(start).Seconds())
	}
	if err != nil {
		reply := mapDialError(err)
		if s.metrics != nil {
			s.metrics.RecordConnectError(replyName(reply))
		}
		s.sendReply(reply, nil, 0)
		return
	}
	defer upstream.Close()

	local, ok := upstream.LocalAddr().(*net.TCPAddr)
	if !ok {
		s.sendReply(ReplyServerFailure, nil, 0)
		return
	}
	if err := s.sendReply(ReplySucceeded, local.IP, uint16(local.Port)); err != nil {
		return
	}

	s.conn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})
	relayTCP(s.conn, upstream, s.metrics)
}

// handleUDPAssociate stands up the UDP relay's server-side socket and
// runs its multiplexing loop until the TCP control connection (this
// session's conn) signals teardown.
func (s *session) handleUDPAssociate(ep endpoint) {
	bindIP := s.dialer.bindIP()
	relay, err := newUDPRelay(bindIP, s.resolver, s.logger, s.metrics)
	if err != nil {
		s.sendReply(ReplyServerFailure, nil, 0)
		return
	}

	relayAddr := relay.LocalAddr()
	replyIP := relayAddr.IP
	if replyIP.IsUnspecified() {
		if local, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
			replyIP = local.IP
		}
	}

	if err := s.sendReply(ReplySucceeded, replyIP, uint16(relayAddr.Port)); err != nil {
		relay.Close()
		return
	}

	s.conn.SetDeadline(time.Time{})
	relay.run(s.conn)
}

// sendReply writes a SOCKS5 reply: VER, REP, RSV=0, ATYP, BND.ADDR,
// BND.PORT. A nil bindIP encodes as IPv4 0.0.0.0:0, matching the spec's
// "zero address/port" requirement for error replies.
func (s *session) sendReply(reply byte, bindIP net.IP, bindPort uint16) error {
	var addrBytes []byte
	var addrType byte

	if v4 := bindIP.To4(); v4 != nil {
		addrType = AddrTypeIPv4
		addrBytes = v4
	} else if bindIP != nil {
		addrType = AddrTypeIPv6
		addrBytes = bindIP.To16()
	} else {
		addrType = AddrTypeIPv4
		addrBytes = make([]byte, 4)
	}

	out := make([]byte, 4+len(addrBytes)+2)
	out[0] = socks5Version
	out[1] = reply
	out[2] = 0x00
	out[3] = addrType
	copy(out[4:], addrBytes)
	binary.BigEndian.PutUint16(out[4+len(addrBytes):], bindPort)

	_, err := s.conn.Write(out)
	if err != nil && s.logger != nil {
		s.logger.Debug("write reply failed",
			logging.KeyComponent, "session",
			logging.KeyClientAddr, s.clientAddr.String(),
			logging.KeyError, err.Error())
	}
	return err
}
