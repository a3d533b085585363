package delivery

import (
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"syscall"
)

// Provider error-code signatures (enhanced status codes, RFC 3463) as they
// appear in SMTP replies.
var (
	DefaultRateLimitCodes = []string{"4.2.1", "4.7.0"}
	DefaultHardQuotaCodes = []string{"5.4.5", "4.5.4"}
)

type failureKind int

const (
	failOther failureKind = iota
	failRateLimit
	failHardQuota
	failDisconnect
)

func (k failureKind) String() string {
	switch k {
	case failRateLimit:
		return "rate_limit"
	case failHardQuota:
		return "hard_quota"
	case failDisconnect:
		return "disconnect"
	default:
		return "other"
	}
}

type classifier struct {
	rateLimit []string
	hardQuota []string
}

// classify maps a send error to the retry policy that applies. Hard quota wins
// over rate limiting so a reply carrying both never burns retries.
func (c classifier) classify(err error) failureKind {
	if err == nil {
		return failOther
	}
	msg := err.Error()
	if containsAny(msg, c.hardQuota) {
		return failHardQuota
	}
	if containsAny(msg, c.rateLimit) {
		return failRateLimit
	}
	if isDisconnect(err) {
		return failDisconnect
	}
	return failOther
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isDisconnect reports whether the session is no longer usable and a
// reconnect is needed.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code == 421 {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "server disconnected")
}

// isAuthFailure recognizes credential rejections returned while dialing.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch tp.Code {
		case 530, 534, 535:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "username and password not accepted") ||
		strings.Contains(msg, "doesn't support auth")
}
