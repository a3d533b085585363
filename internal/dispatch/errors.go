package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoRecipients is returned when no row carries a contact value.
var ErrNoRecipients = errors.New("no recipients found")

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

func noRecipients(column string) error {
	return fmt.Errorf("%w in column %q", ErrNoRecipients, column)
}
