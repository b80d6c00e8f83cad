package proxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// SOCKS5 wire constants (RFC 1928, RFC 1929).
const (
	socksVersion = 0x05

	socksMethodNoAuth   = 0x00
	socksMethodUserPass = 0x02
	socksMethodNone     = 0xFF

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksReplySuccess         = 0x00
	socksReplyRuleset         = 0x02
	socksReplyNetUnreachable  = 0x03
	socksReplyHostUnreachable = 0x04
	socksReplyRefused         = 0x05
	socksReplyCmdUnsupported  = 0x07
	socksReplyAddrUnsupported = 0x08

	socksUserPassVersion = 0x01

	maxDomainLen = 255
)

type socksRequest struct {
	host string
	port int
}

// negotiateMethod performs the greeting. requireUserPass selects RFC 1929
// sub-negotiation (standalone listener); inside an authenticated SSH
// channel only no-auth is offered.
func negotiateMethod(rw io.ReadWriter, requireUserPass bool) error {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("socks5 greeting: %w", err)
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("socks5 greeting: bad version %#x", hdr[0])
	}

	n := int(hdr[1])
	if n == 0 {
		return fmt.Errorf("socks5 greeting: no methods offered")
	}

	methods := make([]byte, n)
	if _, err := io.ReadFull(rw, methods); err != nil {
		return fmt.Errorf("socks5 greeting: %w", err)
	}

	want := byte(socksMethodNoAuth)
	if requireUserPass {
		want = socksMethodUserPass
	}

	for _, m := range methods {
		if m == want {
			_, err := rw.Write([]byte{socksVersion, want})
			return err
		}
	}

	_, _ = rw.Write([]byte{socksVersion, socksMethodNone})
	return fmt.Errorf("socks5 greeting: no acceptable method")
}

// readUserPass runs the RFC 1929 sub-negotiation and returns the
// presented credentials. The status reply is the caller's job via
// writeUserPassStatus, after verification.
func readUserPass(rw io.ReadWriter) (username string, password []byte, err error) {
	var ver [1]byte
	if _, err = io.ReadFull(rw, ver[:]); err != nil {
		return "", nil, fmt.Errorf("socks5 auth: %w", err)
	}
	if ver[0] != socksUserPassVersion {
		return "", nil, fmt.Errorf("socks5 auth: bad version %#x", ver[0])
	}

	var n [1]byte
	if _, err = io.ReadFull(rw, n[:]); err != nil {
		return "", nil, fmt.Errorf("socks5 auth: %w", err)
	}
	ub := make([]byte, int(n[0]))
	if _, err = io.ReadFull(rw, ub); err != nil {
		return "", nil, fmt.Errorf("socks5 auth: %w", err)
	}

	if _, err = io.ReadFull(rw, n[:]); err != nil {
		return "", nil, fmt.Errorf("socks5 auth: %w", err)
	}
	pb := make([]byte, int(n[0]))
	if _, err = io.ReadFull(rw, pb); err != nil {
		return "", nil, fmt.Errorf("socks5 auth: %w", err)
	}

	return string(ub), pb, nil
}

func writeUserPassStatus(w io.Writer, ok bool) error {
	status := byte(0x01)
	if ok {
		status = 0x00
	}
	_, err := w.Write([]byte{socksUserPassVersion, status})
	return err
}

// readRequest parses the CONNECT request. Commands other than CONNECT and
// address types outside v4/domain/v6 are answered with the proper reply
// code and an error.
func readRequest(rw io.ReadWriter) (*socksRequest, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return nil, fmt.Errorf("socks5 request: %w", err)
	}
	if hdr[0] != socksVersion {
		return nil, fmt.Errorf("socks5 request: bad version %#x", hdr[0])
	}

	if hdr[1] != socksCmdConnect {
		_ = writeReply(rw, socksReplyCmdUnsupported, nil, 0)
		return nil, fmt.Errorf("socks5 request: command %#x not supported", hdr[1])
	}

	var host string
	switch hdr[3] {
	case socksAtypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(rw, b[:]); err != nil {
			return nil, fmt.Errorf("socks5 request: %w", err)
		}
		host = netip.AddrFrom4(b).String()

	case socksAtypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(rw, b[:]); err != nil {
			return nil, fmt.Errorf("socks5 request: %w", err)
		}
		host = netip.AddrFrom16(b).String()

	case socksAtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(rw, n[:]); err != nil {
			return nil, fmt.Errorf("socks5 request: %w", err)
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(rw, b); err != nil {
			return nil, fmt.Errorf("socks5 request: %w", err)
		}
		host = string(b)

	default:
		_ = writeReply(rw, socksReplyAddrUnsupported, nil, 0)
		return nil, fmt.Errorf("socks5 request: address type %#x not supported", hdr[3])
	}

	var pb [2]byte
	if _, err := io.ReadFull(rw, pb[:]); err != nil {
		return nil, fmt.Errorf("socks5 request: %w", err)
	}

	return &socksRequest{host: host, port: int(binary.BigEndian.Uint16(pb[:]))}, nil
}

// writeReply sends a reply with the given code and bound address (zeroes
// when bound is nil).
func writeReply(w io.Writer, code byte, bound net.Addr, port uint16) error {
	atyp := byte(socksAtypIPv4)
	addr := []byte{0, 0, 0, 0}

	if tcp, ok := bound.(*net.TCPAddr); ok && tcp != nil {
		if ip, ok := netip.AddrFromSlice(tcp.IP); ok {
			ip = ip.Unmap()
			if ip.Is4() {
				b := ip.As4()
				addr = b[:]
			} else {
				atyp = socksAtypIPv6
				b := ip.As16()
				addr = b[:]
			}
			port = uint16(tcp.Port)
		}
	}

	resp := make([]byte, 0, 4+len(addr)+2)
	resp = append(resp, socksVersion, code, 0x00, atyp)
	resp = append(resp, addr...)
	resp = binary.BigEndian.AppendUint16(resp, port)

	_, err := w.Write(resp)
	return err
}

// socks5ClientHandshake performs the client side against an upstream
// proxy: greeting, optional user/pass, then CONNECT to host:port.
func socks5ClientHandshake(rw io.ReadWriter, user, pass, host string, port uint16) error {
	method := byte(socksMethodNoAuth)
	if user != "" {
		method = socksMethodUserPass
	}

	if _, err := rw.Write([]byte{socksVersion, 1, method}); err != nil {
		return err
	}

	var resp [2]byte
	if _, err := io.ReadFull(rw, resp[:]); err != nil {
		return err
	}
	if resp[0] != socksVersion || resp[1] != method {
		return fmt.Errorf("upstream rejected auth method (%#x)", resp[1])
	}

	if method == socksMethodUserPass {
		req := []byte{socksUserPassVersion, byte(len(user))}
		req = append(req, user...)
		req = append(req, byte(len(pass)))
		req = append(req, pass...)
		if _, err := rw.Write(req); err != nil {
			return err
		}

		var st [2]byte
		if _, err := io.ReadFull(rw, st[:]); err != nil {
			return err
		}
		if st[1] != 0x00 {
			return fmt.Errorf("upstream rejected credentials")
		}
	}

	if len(host) > maxDomainLen {
		return fmt.Errorf("destination name too long")
	}

	req := []byte{socksVersion, socksCmdConnect, 0x00}
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			b := ip.As4()
			req = append(req, socksAtypIPv4)
			req = append(req, b[:]...)
		} else {
			b := ip.As16()
			req = append(req, socksAtypIPv6)
			req = append(req, b[:]...)
		}
	} else {
		req = append(req, socksAtypDomain, byte(len(host)))
		req = append(req, host...)
	}
	req = binary.BigEndian.AppendUint16(req, port)

	if _, err := rw.Write(req); err != nil {
		return err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return err
	}
	if hdr[1] != socksReplySuccess {
		return fmt.Errorf("upstream CONNECT failed: reply %#x", hdr[1])
	}

	// Drain the bound address.
	var skip int
	switch hdr[3] {
	case socksAtypIPv4:
		skip = 4 + 2
	case socksAtypIPv6:
		skip = 16 + 2
	case socksAtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(rw, n[:]); err != nil {
			return err
		}
		skip = int(n[0]) + 2
	default:
		return fmt.Errorf("upstream reply: bad address type %#x", hdr[3])
	}

	if _, err := io.CopyN(io.Discard, rw, int64(skip)); err != nil {
		return err
	}

	return nil
}

func formatDst(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
