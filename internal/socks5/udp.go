package socks5

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/socks5gate/internal/logging"
	"github.com/postalsys/socks5gate/internal/metrics"
)

// udpMaxDatagram is the largest datagram the relay will read or write,
// per spec §4.5 ("datagrams up to 4 KiB including header").
const udpMaxDatagram = 4096

var (
	// errFragmentedDatagram marks a FRAG != 0 datagram; such datagrams are
	// dropped, not treated as a protocol error (spec §4.5 edge cases).
	errFragmentedDatagram = errors.New("socks5: fragmented datagram")
)

// udpTarget is one lazily-created upstream UDP socket, keyed by the raw
// encoded SOCKS5 address tuple of the target it was opened for.
type udpTarget struct {
	rawTuple []byte
	conn     *net.UDPConn
}

// udpRelay implements the UDP ASSOCIATE data plane of spec §4.5: one
// server-side UDP socket, a map from raw target tuple to upstream UDP
// socket, and teardown tied to the owning TCP control connection.
//
// This is a direct, from-scratch implementation (the teacher's
// equivalent, internal/socks5/udp.go's UDPAssociation, relays through a
// mesh overlay via UDPAssociationHandler -- there is no mesh here, every
// target is dialed directly). The wire header codec
// (parseUDPHeader/buildUDPHeader) is grounded on the teacher's
// ParseUDPHeader/BuildUDPHeader, which implement the identical RFC 1928
// framing.
type udpRelay struct {
	serverConn *net.UDPConn
	bindIP     net.IP
	resolver   *Resolver
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	targets    map[string]*udpTarget
	clientAddr *net.UDPAddr
	closed     bool
	doneCh     chan struct{}
}

// newUDPRelay creates the server-side UDP socket. bindIP selects the
// family/address to bind (matching any configured outgoing bind address,
// else unspecified); port 0 lets the kernel choose, and the chosen
// address is what's returned to the client in the ASSOCIATE reply.
func newUDPRelay(bindIP net.IP, resolver *Resolver, logger *slog.Logger, m *metrics.Metrics) (*udpRelay, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	network := "udp4"
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	if bindIP != nil && bindIP.To4() == nil {
		network = "udp6"
		laddr = &net.UDPAddr{IP: bindIP, Port: 0}
	} else if bindIP != nil {
		laddr.IP = bindIP
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	return &udpRelay{
		serverConn: conn,
		bindIP:     bindIP,
		resolver:   resolver,
		logger:     logger,
		metrics:    m,
		targets:    make(map[string]*udpTarget),
		doneCh:     make(chan struct{}),
	}, nil
}

// LocalAddr returns the server-side UDP socket's bound address.
func (u *udpRelay) LocalAddr() *net.UDPAddr {
	return u.serverConn.LocalAddr().(*net.UDPAddr)
}

// run multiplexes the owning TCP control connection, the server UDP
// socket, and every per-target upstream socket, with a 15-minute idle
// timeout. It returns once the relay has torn down (control connection
// closed, idle timeout, or explicit Close).
func (u *udpRelay) run(ctrl net.Conn) {
	if u.metrics != nil {
		u.metrics.RecordUDPAssociationOpen()
		defer u.metrics.RecordUDPAssociationClose()
	}

	go u.watchControl(ctrl)
	u.readClientLoop()
}

// watchControl blocks until the TCP control connection produces data or
// EOF (either means teardown, per spec's "any data or EOF" rule), then
// closes the relay.
func (u *udpRelay) watchControl(ctrl net.Conn) {
	buf := make([]byte, 1)
	for {
		select {
		case <-u.doneCh:
			return
		default:
		}
		ctrl.SetReadDeadline(time.Now().Add(relayIdleTimeout))
		_, err := ctrl.Read(buf)
		if isTimeoutErr(err) {
			continue
		}
		if err != nil {
			u.Close()
			return
		}
	}
}

// readClientLoop reads datagrams from the server-side UDP socket, parses
// the SOCKS5 UDP header, and fans each payload out to the target's
// (lazily created) upstream socket.
func (u *udpRelay) readClientLoop() {
	buf := make([]byte, udpMaxDatagram)

	for {
		u.serverConn.SetReadDeadline(time.Now().Add(relayIdleTimeout))
		n, from, err := u.serverConn.ReadFromUDP(buf)
		if err != nil {
			u.Close()
			return
		}
		u.mu.Lock()
		u.clientAddr = from
		u.mu.Unlock()
		if u.metrics != nil {
			u.metrics.RecordUDPDatagramIn()
		}

		if err := u.handleClientDatagram(buf[:n]); err != nil {
			if u.logger != nil {
				u.logger.Debug("dropping client datagram",
					logging.KeyComponent, "udp_relay",
					logging.KeyError, err.Error())
			}
		}
	}
}

// handleClientDatagram parses one client datagram and forwards its
// payload to the (possibly newly dialed) upstream socket for its target.
func (u *udpRelay) handleClientDatagram(data []byte) error {
	if len(data) < 4 {
		u.recordDrop("short_header")
		return errors.New("datagram shorter than header")
	}
	if data[0] != 0 || data[1] != 0 {
		u.recordDrop("bad_rsv")
		return errors.New("reserved bytes not zero")
	}
	if data[2] != 0 {
		u.recordDrop("fragmented")
		return errFragmentedDatagram
	}

	rawTuple, consumed, err := splitAddressTuple(data[3:])
	if err != nil {
		u.recordDrop("unknown_atyp")
		return err
	}
	payload := data[3+consumed:]

	target, err := u.targetFor(rawTuple)
	if err != nil {
		return fmt.Errorf("open upstream: %w", err)
	}

	if _, err := target.conn.Write(payload); err != nil {
		return fmt.Errorf("write upstream: %w", err)
	}

	return nil
}

// recordDrop increments the drop counter for reason, if metrics are wired.
func (u *udpRelay) recordDrop(reason string) {
	if u.metrics != nil {
		u.metrics.RecordUDPDatagramDropped(reason)
	}
}

// targetFor returns the upstream socket for rawTuple, creating and
// "connecting" a fresh UDP socket on first use. Keyed on the exact wire
// bytes of the tuple, not the resolved socket address, so the same bytes
// are always echoed back on replies (spec §9 design note).
func (u *udpRelay) targetFor(rawTuple []byte) (*udpTarget, error) {
	key := string(rawTuple)

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, errors.New("relay closed")
	}
	if t, ok := u.targets[key]; ok {
		u.mu.Unlock()
		return t, nil
	}
	u.mu.Unlock()

	ep, _, err := decodeAddress(rawTuple, u.resolver, "udp")
	if err != nil {
		return nil, err
	}

	upstreamAddr := &net.UDPAddr{IP: ep.ip, Port: int(ep.port)}
	var localAddr *net.UDPAddr
	if u.bindIP != nil {
		localAddr = &net.UDPAddr{IP: u.bindIP}
	}
	conn, err := net.DialUDP("udp", localAddr, upstreamAddr)
	if err != nil {
		return nil, err
	}

	t := &udpTarget{rawTuple: append([]byte(nil), rawTuple...), conn: conn}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		conn.Close()
		return nil, errors.New("relay closed")
	}
	u.targets[key] = t
	u.mu.Unlock()

	if u.metrics != nil {
		u.metrics.RecordUDPTargetOpen()
	}
	go u.readUpstreamLoop(t)
	return t, nil
}

// readUpstreamLoop is the per-target reader: one long-lived goroutine,
// started when the target is first dialed in targetFor, that loops on
// conn.Read for the lifetime of the relay. This is what spec §4.5 means
// by the main loop multiplexing readability across every per-target
// upstream socket -- each target is a standing poll-set member, not a
// bounded one-shot read per inbound client datagram, so a target can
// reply any number of times, at any delay, without a reply being missed.
// Close() closing t.conn is what unblocks the final Read and ends the
// loop.
func (u *udpRelay) readUpstreamLoop(t *udpTarget) {
	buf := make([]byte, udpMaxDatagram)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			return
		}

		u.mu.Lock()
		clientAddr := u.clientAddr
		u.mu.Unlock()
		if clientAddr == nil {
			continue
		}

		header := buildUDPHeader(t.rawTuple)
		packet := make([]byte, len(header)+n)
		copy(packet, header)
		copy(packet[len(header):], buf[:n])

		if _, err := u.serverConn.WriteToUDP(packet, clientAddr); err == nil && u.metrics != nil {
			u.metrics.RecordUDPDatagramOut()
		}
	}
}

// Close tears down the relay: every upstream socket and the server-side
// UDP socket. The TCP control socket itself is closed by its caller.
func (u *udpRelay) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	targets := u.targets
	u.targets = nil
	u.mu.Unlock()

	select {
	case <-u.doneCh:
	default:
		close(u.doneCh)
	}

	for _, t := range targets {
		t.conn.Close()
		if u.metrics != nil {
			u.metrics.RecordUDPTargetClose()
		}
	}
	u.serverConn.Close()
}

// buildUDPHeader builds the SOCKS5 UDP reply header: RSV(2)=0, FRAG(1)=0,
// followed by rawTuple (ATYP+ADDR+PORT, reused verbatim as the return
// address). Grounded on the teacher's BuildUDPHeader, same wire layout.
func buildUDPHeader(rawTuple []byte) []byte {
	header := make([]byte, 3+len(rawTuple))
	header[0] = 0
	header[1] = 0
	header[2] = 0
	copy(header[3:], rawTuple)
	return header
}

// parseUDPHeader parses a client UDP datagram's SOCKS5 header, returning
// the raw address tuple bytes and the payload. Exposed for table-driven
// tests of the wire codec; handleClientDatagram inlines the same checks
// so it can attribute drop reasons per edge case.
func parseUDPHeader(data []byte) (rawTuple, payload []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errors.New("datagram too short")
	}
	if data[0] != 0 || data[1] != 0 {
		return nil, nil, errors.New("reserved bytes not zero")
	}
	if data[2] != 0 {
		return nil, nil, errFragmentedDatagram
	}
	rawTuple, consumed, err := splitAddressTuple(data[3:])
	if err != nil {
		return nil, nil, err
	}
	return rawTuple, data[3+consumed:], nil
}
