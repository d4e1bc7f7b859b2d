// Package csrf issues form tokens bound to a session identifier. A token
// carries its issue time and is rejected once older than the signer's
// maximum age.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"
)

const (
	nonceLength = 16
	macLength   = sha256.Size
	tokenLength = 8 + nonceLength + macLength
)

type Signer struct {
	key    []byte
	maxAge time.Duration
}

// NewSigner returns a signer using key. A zero maxAge disables the age check.
func NewSigner(key []byte, maxAge time.Duration) *Signer {
	return &Signer{key: key, maxAge: maxAge}
}

// Token returns a new token for sessionID issued at now.
func (s *Signer) Token(sessionID string, now time.Time) string {
	buf := make([]byte, 8+nonceLength, tokenLength)
	binary.BigEndian.PutUint64(buf, uint64(now.Unix()))
	_, _ = rand.Read(buf[8:])

	buf = append(buf, s.mac(sessionID, buf)...)

	return base64.RawURLEncoding.EncodeToString(buf)
}

// Valid reports whether token was issued by s for sessionID and has not
// expired at now.
func (s *Signer) Valid(token, sessionID string, now time.Time) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLength {
		return false
	}

	payload, received := raw[:8+nonceLength], raw[8+nonceLength:]
	if !hmac.Equal(received, s.mac(sessionID, payload)) {
		return false
	}

	if s.maxAge <= 0 {
		return true
	}

	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(payload)), 0)

	return !now.Before(issuedAt.Add(-time.Minute)) && now.Sub(issuedAt) <= s.maxAge
}

// mac covers the length prefixed session id and the payload.
func (s *Signer) mac(sessionID string, payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(sessionID)))
	h.Write(n[:])
	h.Write([]byte(sessionID))
	h.Write(payload)

	return h.Sum(nil)
}
