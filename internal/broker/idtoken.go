package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	slogctx "github.com/veqryn/slog-context"
)

const (
	keySetPrefix = "jwks:"
	keySetTTL    = time.Hour
	clockLeeway  = time.Minute
)

var signingAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

type idTokenClaims struct {
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	UPN               string `json:"upn"`
	Email             string `json:"email"`
}

// verifyIDToken checks the signature against the provider key set, the
// issuer, the audience and the expiry, and returns the account the token
// names. Entra shares its signing keys across tenants, so the issuer pins
// the token to the configured tenant.
func (b *Broker) verifyIDToken(ctx context.Context, raw string) (*Account, error) {
	token, err := jwt.ParseSigned(raw, signingAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parsing id token: %w", err)
	}

	var standard jwt.Claims
	var custom idTokenClaims

	if b.auth.JWKSEndpoint == "" {
		if err := token.UnsafeClaimsWithoutVerification(&standard, &custom); err != nil {
			return nil, fmt.Errorf("getting id token claims: %w", err)
		}
	} else if err := b.verifiedClaims(ctx, token, &standard, &custom); err != nil {
		return nil, err
	}

	expected := jwt.Expected{
		Issuer:      b.auth.Issuer,
		AnyAudience: jwt.Audience{b.auth.ClientID},
		Time:        b.now(),
	}
	if err := standard.ValidateWithLeeway(expected, clockLeeway); err != nil {
		return nil, fmt.Errorf("validating id token claims: %w", err)
	}

	username := custom.PreferredUsername
	if username == "" {
		username = custom.UPN
	}
	if username == "" {
		username = custom.Email
	}

	return &Account{Name: custom.Name, Username: username}, nil
}

func (b *Broker) verifiedClaims(ctx context.Context, token *jwt.JSONWebToken, out ...any) error {
	keySet, cached, err := b.keySet(ctx, false)
	if err != nil {
		return err
	}

	err = token.Claims(keySet, out...)
	if err != nil && cached {
		// The provider may have rotated its keys since they were cached.
		slogctx.Debug(ctx, "Refreshing provider key set", "error", err)
		if keySet, _, err = b.keySet(ctx, true); err != nil {
			return err
		}
		err = token.Claims(keySet, out...)
	}
	if err != nil {
		return fmt.Errorf("verifying id token signature: %w", err)
	}

	return nil
}

func (b *Broker) keySet(ctx context.Context, refresh bool) (*jose.JSONWebKeySet, bool, error) {
	key := keySetPrefix + b.auth.JWKSEndpoint
	if !refresh {
		if v, ok := b.tokens.Get(key); ok {
			//nolint:forcetypeassert
			return v.(*jose.JSONWebKeySet), true, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.auth.JWKSEndpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status fetching key set: %d", resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, false, fmt.Errorf("decoding keyset response: %w", err)
	}
	if len(keySet.Keys) == 0 {
		return nil, false, errors.New("provider key set is empty")
	}

	b.tokens.Set(key, &keySet, keySetTTL)

	return &keySet, false, nil
}
