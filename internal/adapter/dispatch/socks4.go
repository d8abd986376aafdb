package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// SOCKS4 CONNECT handshake. No package in the ecosystem we rely on speaks
// SOCKS4, so the eight-byte exchange is implemented here directly. Domain
// targets use the 4a extension (0.0.0.1 placeholder address, hostname after
// the user id).
const (
	socks4Version        byte = 0x04
	socks4CommandConnect byte = 0x01

	socks4Granted          byte = 0x5a
	socks4Rejected         byte = 0x5b
	socks4NoIdentd         byte = 0x5c
	socks4IdentdMismatch   byte = 0x5d
	socks4ReplyVersionNull byte = 0x00
)

type socks4Dialer struct {
	proxyAddr string
	userID    string
	timeout   time.Duration
	keepAlive time.Duration
}

func (d *socks4Dialer) DialContext(ctx context.Context, network, target string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, d.opError(target, fmt.Errorf("network %s not supported", network))
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, d.opError(target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, d.opError(target, fmt.Errorf("invalid port %q", portStr))
	}

	req, err := socks4Request(host, uint16(port), d.userID)
	if err != nil {
		return nil, d.opError(target, err)
	}

	dialer := &net.Dialer{Timeout: d.timeout, KeepAlive: d.keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, d.opError(target, err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, d.opError(target, err)
	}
	if reply[0] != socks4ReplyVersionNull {
		conn.Close()
		return nil, d.opError(target, fmt.Errorf("unexpected reply version %#x", reply[0]))
	}
	if reply[1] != socks4Granted {
		conn.Close()
		return nil, d.opError(target, fmt.Errorf("request %s", socks4ReplyText(reply[1])))
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// socks4Request renders VN CD DSTPORT DSTIP USERID NUL, appending the
// hostname and a second NUL for 4a domain targets.
func socks4Request(host string, port uint16, userID string) ([]byte, error) {
	buf := make([]byte, 0, 9+len(userID)+len(host)+1)
	buf = append(buf, socks4Version, socks4CommandConnect)
	buf = binary.BigEndian.AppendUint16(buf, port)

	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, errors.New("socks4 supports IPv4 targets only")
		}
		buf = append(buf, ip4...)
		buf = append(buf, userID...)
		buf = append(buf, 0)
		return buf, nil
	}

	buf = append(buf, 0, 0, 0, 1)
	buf = append(buf, userID...)
	buf = append(buf, 0)
	buf = append(buf, host...)
	buf = append(buf, 0)
	return buf, nil
}

func socks4ReplyText(code byte) string {
	switch code {
	case socks4Rejected:
		return "rejected or failed"
	case socks4NoIdentd:
		return "rejected: cannot reach identd"
	case socks4IdentdMismatch:
		return "rejected: identd user mismatch"
	default:
		return fmt.Sprintf("failed with code %#x", code)
	}
}

func (d *socks4Dialer) opError(target string, err error) error {
	return &net.OpError{
		Op:  "socks4 connect",
		Net: "tcp",
		Err: fmt.Errorf("%s via %s: %w", target, d.proxyAddr, err),
	}
}
