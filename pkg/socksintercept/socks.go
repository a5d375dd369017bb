// Package socksintercept implements the SOCKS-Intercept layer (spec §4.5):
// a SOCKS5 client, extended with Tor's RESOLVE/RESOLVE_PTR commands, that
// dials the overlay's local SOCKS port on behalf of a Probe Worker and
// reports its own local source port to the Controller Event Loop *before*
// sending the request, so the Attacher can pair the resulting STREAM event
// with the right circuit at the stream level.
package socksintercept

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/go-exitmap/pkg/errors"
)

// Command is the SOCKS5 request command.
type Command byte

const (
	CommandConnect     Command = 0x01
	CommandResolve     Command = 0xF0 // Tor extension
	CommandResolvePTR  Command = 0xF1 // Tor extension
)

// ReplyStatus is a fixed status token derived from a SOCKS5 reply code, per
// spec §4.5's code-to-token mapping. Code 0x04 (dns_fail) is terminal and
// must never be retried by a probe module.
type ReplyStatus string

const (
	StatusSuccess              ReplyStatus = "success"
	StatusGeneralFailure       ReplyStatus = "socks_general_failure"
	StatusRulesetBlocked       ReplyStatus = "socks_ruleset_blocked"
	StatusNetworkUnreachable   ReplyStatus = "network_unreachable"
	StatusDNSFail              ReplyStatus = "dns_fail"
	StatusConnectionRefused    ReplyStatus = "connection_refused"
	StatusTTLExpired           ReplyStatus = "ttl_expired"
	StatusCommandUnsupported   ReplyStatus = "socks_command_unsupported"
	StatusAddressUnsupported   ReplyStatus = "socks_address_unsupported"
)

var replyStatusByCode = map[byte]ReplyStatus{
	0x00: StatusSuccess,
	0x01: StatusGeneralFailure,
	0x02: StatusRulesetBlocked,
	0x03: StatusNetworkUnreachable,
	0x04: StatusDNSFail,
	0x05: StatusConnectionRefused,
	0x06: StatusTTLExpired,
	0x07: StatusCommandUnsupported,
	0x08: StatusAddressUnsupported,
}

// ReplyStatusForCode maps a raw SOCKS5 reply code to its stable status
// token, falling back to general_failure for unrecognized codes.
func ReplyStatusForCode(code byte) ReplyStatus {
	if s, ok := replyStatusByCode[code]; ok {
		return s
	}
	return StatusGeneralFailure
}

// IsTerminal reports whether a status must never be retried, per §4.5:
// DNS resolution failures are authoritative and retrying them wastes a
// circuit for no benefit.
func (s ReplyStatus) IsTerminal() bool {
	return s == StatusDNSFail
}

// AttachHook is called with the local (address, port) of the just-dialed
// SOCKS connection before the request bytes are sent, giving the caller a
// chance to register the pairing with the Attacher (PrepareCircuit) before
// Tor's own STREAM NEW event can possibly arrive for it.
type AttachHook func(localAddr string, localPort int)

// Result is the outcome of one SOCKS5 request.
type Result struct {
	Status ReplyStatus
	// ResolvedIP is set for RESOLVE requests that succeeded.
	ResolvedIP net.IP
}

// Dial opens a TCP connection to socksAddr, performs the SOCKS5 handshake
// (no-auth only — Tor's SOCKS port never requires credentials for a
// scanner's use case), invokes hook with the connection's local address
// before sending the request, then issues one CONNECT or RESOLVE request
// and returns its outcome. The caller owns closing conn on return.
//
// registerConn, when non-nil, is called with conn immediately after it is
// established, before the handshake — giving a caller's hard-timeout
// watchdog a handle it can force-close to unblock a hung handshake or
// request read, since neither sets its own deadline here.
func Dial(socksAddr string, dialTimeout time.Duration, cmd Command, target string, port int, hook AttachHook, registerConn func(net.Conn)) (net.Conn, *Result, error) {
	conn, err := net.DialTimeout("tcp", socksAddr, dialTimeout)
	if err != nil {
		return nil, nil, errors.SocksError("dial SOCKS proxy", err)
	}

	if registerConn != nil {
		registerConn(conn)
	}

	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if ok && hook != nil {
		hook(local.IP.String(), local.Port)
	}

	if err := handshake(conn); err != nil {
		conn.Close()
		return nil, nil, errors.SocksError("SOCKS5 handshake", err)
	}

	result, err := request(conn, cmd, target, port)
	if err != nil {
		conn.Close()
		return nil, nil, errors.SocksError("SOCKS5 request", err)
	}

	return conn, result, nil
}

// handshake performs the no-auth SOCKS5 method negotiation.
func handshake(conn net.Conn) error {
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := fullRead(conn, reply); err != nil {
		return fmt.Errorf("read method selection reply: %w", err)
	}
	if reply[0] != 0x05 {
		return fmt.Errorf("unexpected SOCKS version %d", reply[0])
	}
	if reply[1] != 0x00 {
		return fmt.Errorf("no acceptable auth method (server chose %d)", reply[1])
	}
	return nil
}

// request sends one SOCKS5 request (CONNECT, RESOLVE, or RESOLVE_PTR) and
// parses its reply.
func request(conn net.Conn, cmd Command, target string, port int) (*Result, error) {
	req := []byte{0x05, byte(cmd), 0x00, 0x03, byte(len(target))}
	req = append(req, []byte(target)...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	req = append(req, portBytes...)

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := fullRead(conn, header); err != nil {
		return nil, fmt.Errorf("read reply header: %w", err)
	}
	if header[0] != 0x05 {
		return nil, fmt.Errorf("unexpected SOCKS version in reply: %d", header[0])
	}

	status := ReplyStatusForCode(header[1])
	addrType := header[3]

	var resolvedIP net.IP
	switch addrType {
	case 0x01: // IPv4
		ipBytes := make([]byte, 4)
		if _, err := fullRead(conn, ipBytes); err != nil {
			return nil, fmt.Errorf("read IPv4 bound address: %w", err)
		}
		resolvedIP = net.IP(ipBytes)
	case 0x04: // IPv6
		ipBytes := make([]byte, 16)
		if _, err := fullRead(conn, ipBytes); err != nil {
			return nil, fmt.Errorf("read IPv6 bound address: %w", err)
		}
		resolvedIP = net.IP(ipBytes)
	case 0x03: // domain name
		lenByte := make([]byte, 1)
		if _, err := fullRead(conn, lenByte); err != nil {
			return nil, fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := fullRead(conn, domain); err != nil {
			return nil, fmt.Errorf("read domain: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported address type %d in reply", addrType)
	}

	// bound port, discarded — not meaningful for RESOLVE replies
	portDiscard := make([]byte, 2)
	if _, err := fullRead(conn, portDiscard); err != nil {
		return nil, fmt.Errorf("read bound port: %w", err)
	}

	return &Result{Status: status, ResolvedIP: resolvedIP}, nil
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	return io.ReadFull(conn, buf)
}
