// Package credential turns the stored form of a transport secret into the
// plaintext the transport needs.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmpty is returned when the decrypted secret is blank.
var ErrEmpty = errors.New("credential is empty")

// Decrypter yields the plaintext secret for a stored credential.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Func adapts a function to Decrypter.
type Func func(ctx context.Context, ciphertext string) (string, error)

func (f Func) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return f(ctx, ciphertext)
}

// Plain passes the credential through unchanged.
type Plain struct{}

func (Plain) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(ciphertext) == "" {
		return "", ErrEmpty
	}
	return ciphertext, nil
}

// Env resolves "env:NAME" references from the process environment and
// passes any other value through. Lookup replaces os.LookupEnv in tests.
type Env struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func (e Env) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "env:"
	}
	name, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), prefix)
	if !ok {
		return Plain{}.Decrypt(ctx, ciphertext)
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, found := lookup(name)
	if !found {
		return "", fmt.Errorf("credential variable %s is not set", name)
	}
	if strings.TrimSpace(v) == "" {
		return "", ErrEmpty
	}
	return v, nil
}

// ForMode returns the decrypter for a configured mode name.
func ForMode(mode string) (Decrypter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "plain":
		return Plain{}, nil
	case "env":
		return Env{}, nil
	default:
		return nil, fmt.Errorf("unknown credential mode %q", mode)
	}
}
