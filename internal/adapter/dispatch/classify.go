package dispatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// proxyConnectError carries the status an HTTP proxy answered a CONNECT
// with. net/http reduces that status to its reason phrase, so the transport
// hook captures it before the reduction.
type proxyConnectError struct {
	StatusCode int
}

func (e *proxyConnectError) Error() string {
	return fmt.Sprintf("proxy refused tunnel with status %d", e.StatusCode)
}

// classifyErr normalizes a transport error into the closed failure
// taxonomy. Order matters: caller cancellation wins over everything, DNS
// failures must be recognized before the dial errors that wrap them, and
// typed checks come before the generic timeout interface.
func classifyErr(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return domain.ErrKindCancelled
	}

	var pce *proxyConnectError
	if errors.As(err, &pce) {
		if pce.StatusCode >= 500 {
			return domain.ErrKindProxy5xx
		}
		return domain.ErrKindProtocol
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.ErrKindDNS
	}

	if isTLSError(err) {
		return domain.ErrKindTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case opErr.Op == "dial" || opErr.Op == "proxyconnect" || strings.HasPrefix(opErr.Op, "socks"):
			return domain.ErrKindConnect
		case opErr.Op == "write":
			if opErr.Timeout() {
				return domain.ErrKindWriteTimeout
			}
			return domain.ErrKindProtocol
		case opErr.Op == "read" && opErr.Timeout():
			return domain.ErrKindReadTimeout
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.ErrKindReadTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrKindReadTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.ErrKindProtocol
	}

	return domain.ErrKindProtocol
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return true
	}
	// net/http's own handshake timeout carries no exported type.
	return strings.Contains(err.Error(), "TLS handshake timeout")
}
