package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindProfileNotFound
	KindInvalidConfiguration
	KindAuthenticationFailure
	KindServerUnreachable
	KindConnectionTimeout
	KindHandshakeFailure
	KindTLSCertificate
	KindTransportProtocol
	KindPermissionDenied
	KindUnexpectedDrop
)

func (k ErrorKind) String() string {
	switch k {
	case KindProfileNotFound:
		return "profile_not_found"
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindAuthenticationFailure:
		return "authentication_failure"
	case KindServerUnreachable:
		return "server_unreachable"
	case KindConnectionTimeout:
		return "connection_timeout"
	case KindHandshakeFailure:
		return "handshake_failure"
	case KindTLSCertificate:
		return "tls_certificate_error"
	case KindTransportProtocol:
		return "transport_protocol_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindUnexpectedDrop:
		return "unexpected_drop"
	default:
		return "unknown"
	}
}

// Hint is the user-facing suggestion shown next to a failure of this kind.
func (k ErrorKind) Hint() string {
	switch k {
	case KindProfileNotFound:
		return "The selected server profile no longer exists."
	case KindInvalidConfiguration:
		return "Check the server profile settings."
	case KindAuthenticationFailure:
		return "Check the key, UUID or password stored for this profile."
	case KindServerUnreachable:
		return "The server could not be reached. Check the address and your network."
	case KindConnectionTimeout:
		return "The server did not answer in time."
	case KindHandshakeFailure:
		return "The server rejected the handshake. Check the server keys."
	case KindTLSCertificate:
		return "The server certificate could not be verified."
	case KindTransportProtocol:
		return "The server spoke an unexpected protocol."
	case KindPermissionDenied:
		return "Tunneling permission was not granted."
	case KindUnexpectedDrop:
		return "The connection was lost. Reconnecting automatically."
	default:
		return "The connection failed."
	}
}

// Error is the only failure type the manager surfaces to callers.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

func (e *Error) Error() string {
	if e.Err != nil && !strings.Contains(e.Message, e.Err.Error()) {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrConnectionLost      = errors.New("connection lost unexpectedly")
)

// KindOf reports the taxonomy member of err, KindUnknown when it has none.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Classify maps an arbitrary failure onto the taxonomy. Typed causes are
// matched first; the message keyword table is a best-effort fallback for
// engines that only report text.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		return te
	}

	if kind, ok := classifyTyped(err); ok {
		return NewError(kind, "connection failed", err)
	}
	return NewError(classifyText(err.Error()), "connection failed", err)
}

func classifyTyped(err error) (ErrorKind, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindConnectionTimeout, true
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return KindPermissionDenied, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return KindServerUnreachable, true
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) || errors.As(err, &verification) {
		return KindTLSCertificate, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnectionTimeout, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindServerUnreachable, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindServerUnreachable, true
	}

	return KindUnknown, false
}

var keywordKinds = []struct {
	kind     ErrorKind
	keywords []string
}{
	{KindConnectionTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindTLSCertificate, []string{"certificate", "x509"}},
	{KindAuthenticationFailure, []string{"unable to authenticate", "authentication", "invalid key", "bad key", "uuid"}},
	{KindHandshakeFailure, []string{"handshake"}},
	{KindServerUnreachable, []string{"connection refused", "unreachable", "no route to host", "no such host"}},
	{KindPermissionDenied, []string{"operation not permitted", "permission denied", "not authorized to create"}},
	{KindTransportProtocol, []string{"protocol", "malformed", "unexpected packet", "unexpected eof"}},
}

func classifyText(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	for _, entry := range keywordKinds {
		for _, kw := range entry.keywords {
			if strings.Contains(msg, kw) {
				return entry.kind
			}
		}
	}
	return KindUnknown
}

var ErrSecretNotFound = errors.New("secret not found")
