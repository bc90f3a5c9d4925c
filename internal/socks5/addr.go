package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Address types per RFC 1928.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// errShortBuffer is returned when a message ends before a declared field.
// It always maps to ReplyServerFailure, matching the "length-before-index"
// parsing discipline: no read is ever attempted past the bytes actually
// received.
var errShortBuffer = errors.New("socks5: short buffer")

// errBadAddrType is returned for an ATYP value outside {1, 3, 4}.
var errBadAddrType = errors.New("socks5: unsupported address type")

// endpoint is a decoded SOCKS5 address tuple: either a literal IP or a
// domain name plus a port, always resolved to an IP before use.
type endpoint struct {
	addrType byte
	ip       net.IP // set for IPv4/IPv6; also set for DNS after resolution
	domain   string // set only for the DNS branch, pre-resolution
	port     uint16
	raw      []byte // exact wire bytes of ATYP+ADDR+PORT, as received
}

// decodeAddress parses a SOCKS5 address tuple (ATYP + addr + port) starting
// at buf[0] and returns the endpoint plus the number of bytes consumed.
// DNS names are resolved via the resolver facade before being returned;
// network selects "tcp" or "udp" resolution.
func decodeAddress(buf []byte, resolver *Resolver, network string) (endpoint, int, error) {
	if len(buf) < 1 {
		return endpoint{}, 0, errShortBuffer
	}
	atyp := buf[0]

	switch atyp {
	case AddrTypeIPv4:
		if len(buf) < 1+4+2 {
			return endpoint{}, 0, errShortBuffer
		}
		ip := net.IP(append([]byte(nil), buf[1:5]...))
		port := binary.BigEndian.Uint16(buf[5:7])
		return endpoint{
			addrType: AddrTypeIPv4,
			ip:       ip,
			port:     port,
			raw:      append([]byte(nil), buf[:7]...),
		}, 7, nil

	case AddrTypeIPv6:
		if len(buf) < 1+16+2 {
			return endpoint{}, 0, errShortBuffer
		}
		ip := net.IP(append([]byte(nil), buf[1:17]...))
		port := binary.BigEndian.Uint16(buf[17:19])
		return endpoint{
			addrType: AddrTypeIPv6,
			ip:       ip,
			port:     port,
			raw:      append([]byte(nil), buf[:19]...),
		}, 19, nil

	case AddrTypeDomain:
		if len(buf) < 2 {
			return endpoint{}, 0, errShortBuffer
		}
		nameLen := int(buf[1])
		total := 2 + nameLen + 2
		if len(buf) < total {
			return endpoint{}, 0, errShortBuffer
		}
		name := string(buf[2 : 2+nameLen])
		port := binary.BigEndian.Uint16(buf[2+nameLen : total])
		raw := append([]byte(nil), buf[:total]...)

		ip, err := resolver.Resolve(name, network)
		if err != nil {
			return endpoint{}, 0, fmt.Errorf("resolve %s: %w", name, err)
		}
		return endpoint{
			addrType: AddrTypeDomain,
			ip:       ip,
			domain:   name,
			port:     port,
			raw:      raw,
		}, total, nil

	default:
		return endpoint{}, 0, errBadAddrType
	}
}

// splitAddressTuple returns the raw encoded ATYP+ADDR+PORT bytes for an
// address tuple at the start of buf, without resolving any DNS name, plus
// the number of bytes consumed. Used by the UDP relay to key its per-target
// upstream socket map on the exact wire bytes (see design note on raw-tuple
// demultiplexing), rather than on a resolved socket address.
func splitAddressTuple(buf []byte) ([]byte, int, error) {
	if len(buf) < 1 {
		return nil, 0, errShortBuffer
	}
	switch buf[0] {
	case AddrTypeIPv4:
		if len(buf) < 7 {
			return nil, 0, errShortBuffer
		}
		return buf[:7], 7, nil
	case AddrTypeIPv6:
		if len(buf) < 19 {
			return nil, 0, errShortBuffer
		}
		return buf[:19], 19, nil
	case AddrTypeDomain:
		if len(buf) < 2 {
			return nil, 0, errShortBuffer
		}
		nameLen := int(buf[1])
		total := 2 + nameLen + 2
		if len(buf) < total {
			return nil, 0, errShortBuffer
		}
		return buf[:total], total, nil
	default:
		return nil, 0, errBadAddrType
	}
}

// encodeAddress encodes an IP + port as a SOCKS5 address tuple: 7 bytes
// for IPv4 (ATYP=1, 4 addr, 2 port), 19 bytes for IPv6 (ATYP=4, 16 addr,
// 2 port). The DNS form is never produced by the server.
func encodeAddress(ip net.IP, port uint16) []byte {
	if v4 := ip.To4(); v4 != nil {
		buf := make([]byte, 1+4+2)
		buf[0] = AddrTypeIPv4
		copy(buf[1:5], v4)
		binary.BigEndian.PutUint16(buf[5:7], port)
		return buf
	}
	v6 := ip.To16()
	if v6 == nil {
		v6 = make(net.IP, 16)
	}
	buf := make([]byte, 1+16+2)
	buf[0] = AddrTypeIPv6
	copy(buf[1:17], v6)
	binary.BigEndian.PutUint16(buf[17:19], port)
	return buf
}
