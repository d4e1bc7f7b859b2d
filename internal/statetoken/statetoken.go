// Package statetoken mints and checks the single-use values that bind an
// authorization callback to the session that started the flow.
package statetoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/openkcm/acr-manager/internal/serviceerr"
)

// byteLength gives 256 bits of entropy.
const byteLength = 32

// Generate returns a fresh base64url encoded token.
func Generate() (string, error) {
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate reports whether received equals expected. It is false when no
// token is expected.
func Validate(expected, received string) bool {
	return Check(expected, received) == nil
}

// Check is Validate with the failure reason: serviceerr.ErrNoPendingFlow when
// expected is empty and serviceerr.ErrStateMismatch otherwise.
func Check(expected, received string) error {
	if expected == "" {
		return serviceerr.ErrNoPendingFlow
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
		return serviceerr.ErrStateMismatch
	}

	return nil
}
