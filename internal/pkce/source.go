// Package pkce produces proof key pairs for the authorization-code grant and
// opaque session identifiers.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/oauth2"
)

const (
	MethodS256 = "S256"

	verifierBytes  = 32
	sessionIDBytes = 24
)

// PKCE is a verifier and the challenge derived from it.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// Source draws from Rand, or from crypto/rand when Rand is nil.
type Source struct {
	Rand io.Reader
}

func (p Source) randBytes(n int) []byte {
	r := p.Rand
	if r == nil {
		r = rand.Reader
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		panic("pkce: reading randomness: " + err.Error())
	}

	return b
}

// PKCE returns a new S256 pair. The verifier is 43 characters long.
func (p Source) PKCE() PKCE {
	verifier := base64.RawURLEncoding.EncodeToString(p.randBytes(verifierBytes))

	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    MethodS256,
	}
}

// SessionID returns a 32 character identifier carrying 192 random bits.
func (p Source) SessionID() string {
	return base64.RawURLEncoding.EncodeToString(p.randBytes(sessionIDBytes))
}
