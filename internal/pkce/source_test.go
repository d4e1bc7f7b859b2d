package pkce

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_PKCE(t *testing.T) {
	t.Run("Random pair", func(t *testing.T) {
		pair := Source{}.PKCE()

		assert.Len(t, pair.Verifier, 43)
		assert.Equal(t, MethodS256, pair.Method)

		sum := sha256.Sum256([]byte(pair.Verifier))
		assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pair.Challenge)
		assert.NotEqual(t, pair.Verifier, Source{}.PKCE().Verifier)
	})

	t.Run("Known vector", func(t *testing.T) {
		// RFC 7636 appendix B.
		const verifier = "dBjftJeZ4CVP-mJ92K9X2C6f4RxsVdHBAlDVdDzt6hI"
		raw, err := base64.RawURLEncoding.DecodeString(verifier)
		require.NoError(t, err)

		pair := Source{Rand: bytes.NewReader(raw)}.PKCE()

		assert.Equal(t, verifier, pair.Verifier)
		assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", pair.Challenge)
	})

	t.Run("Short randomness", func(t *testing.T) {
		assert.Panics(t, func() {
			Source{Rand: iotest.ErrReader(iotest.ErrTimeout)}.PKCE()
		})
	})
}

func TestSource_SessionID(t *testing.T) {
	p := Source{}
	first, second := p.SessionID(), p.SessionID()

	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second, "Session IDs must not repeat")

	_, err := base64.RawURLEncoding.DecodeString(first)
	assert.NoError(t, err)
}
