package validator

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrBadStatus is returned when the liveness endpoint answers with a non-200 status.
	ErrBadStatus = errors.New("unexpected status from liveness endpoint")
	// ErrBadBody is returned when the liveness endpoint answer is not the expected JSON.
	ErrBadBody = errors.New("unexpected body from liveness endpoint")
)

// FailureKind categorizes why a probe through a proxy failed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTimeout
	FailureRefused
	FailureDNS
	FailureTLS
	FailureProxy
	FailureBadStatus
	FailureBadBody
	FailureCanceled
	FailureUnknown
)

var failureKindNames = map[FailureKind]string{
	FailureNone:      "none",
	FailureTimeout:   "timeout",
	FailureRefused:   "refused",
	FailureDNS:       "dns",
	FailureTLS:       "tls",
	FailureProxy:     "proxy",
	FailureBadStatus: "bad_status",
	FailureBadBody:   "bad_body",
	FailureCanceled:  "canceled",
	FailureUnknown:   "unknown",
}

func (k FailureKind) String() string {
	if s, ok := failureKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Skippable reports whether the failure says more about the network path than
// about the proxy itself. A one-shot check should retry these rather than
// declare the proxy dead.
func (k FailureKind) Skippable() bool {
	switch k {
	case FailureTimeout, FailureDNS, FailureTLS, FailureCanceled:
		return true
	}
	return false
}

// TestError wraps a probe failure with its category.
type TestError struct {
	Kind  FailureKind
	Proxy string
	Err   error
}

func (e *TestError) Error() string {
	return fmt.Sprintf("probe via %s failed (%s): %v", e.Proxy, e.Kind, e.Err)
}

func (e *TestError) Unwrap() error {
	return e.Err
}

// KindOf returns the category of err, classifying it on the fly when it is not a *TestError.
func KindOf(err error) FailureKind {
	var te *TestError
	if errors.As(err, &te) {
		return te.Kind
	}
	return Classify(err)
}

// Classify maps an error from the HTTP/SOCKS stack onto a FailureKind by
// inspecting its type chain.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, ErrBadStatus) {
		return FailureBadStatus
	}
	if errors.Is(err, ErrBadBody) {
		return FailureBadBody
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return FailureProxy
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &recordErr) {
		return FailureTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return FailureRefused
	}
	if opErr != nil {
		return FailureProxy
	}
	return FailureUnknown
}

func wrap(proxy string, err error) error {
	if err == nil {
		return nil
	}
	return &TestError{Kind: Classify(err), Proxy: proxy, Err: err}
}
