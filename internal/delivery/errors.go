package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means the transport rejected the credentials. It is
	// fatal for the whole batch and never retried.
	ErrAuthentication = errors.New("authentication failed")
	// ErrHardQuota means the provider's daily/volume cap was hit; further sends
	// in the batch are futile.
	ErrHardQuota = errors.New("sending quota exceeded")
	// ErrClosed is returned when sending through a released client.
	ErrClosed = errors.New("delivery client closed")
)

// AuthError carries the transport error behind ErrAuthentication.
type AuthError struct{ Err error }

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error, check the sender address and app password: %v", e.Err)
}
func (e *AuthError) Unwrap() []error { return []error{ErrAuthentication, e.Err} }

// QuotaError carries the transport error behind ErrHardQuota.
type QuotaError struct {
	Recipient string
	Err       error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily sending limit exceeded while sending to %s: %v", e.Recipient, e.Err)
}
func (e *QuotaError) Unwrap() []error { return []error{ErrHardQuota, e.Err} }

// IsFatal reports whether err must abort the batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrHardQuota)
}
