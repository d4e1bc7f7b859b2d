package broker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/serviceerr"
)

const appTokenPrefix = "app:"

// AcquireClientCredentials returns an application token for scopes. Tokens
// are reused until their expiry minus the configured margin; concurrent
// misses for the same scopes share one grant. Transient failures are retried
// with exponential backoff.
func (b *Broker) AcquireClientCredentials(ctx context.Context, scopes []string) (ApplicationToken, error) {
	key := appTokenKey(scopes)

	if result, ok := b.cachedAppToken(key); ok {
		slogctx.Debug(ctx, "Using cached application token")
		return ApplicationToken{result: result}, nil
	}

	v, err, _ := b.group.Do(key, func() (any, error) {
		if result, ok := b.cachedAppToken(key); ok {
			return result, nil
		}

		// A caller giving up must not fail the others waiting on this grant.
		result, err := b.clientCredentials(context.WithoutCancel(ctx), scopes)
		if err != nil {
			return TokenResult{}, err
		}

		if ttl := result.ExpiresOn.Sub(b.now()) - b.margin; ttl > 0 {
			b.tokens.Set(key, result, ttl)
		}

		return result, nil
	})
	if err != nil {
		return ApplicationToken{}, err
	}

	//nolint:forcetypeassert
	return ApplicationToken{result: clone(v.(TokenResult))}, nil
}

func (b *Broker) cachedAppToken(key string) (TokenResult, bool) {
	v, ok := b.tokens.Get(key)
	if !ok {
		return TokenResult{}, false
	}

	//nolint:forcetypeassert
	result := v.(TokenResult)
	if !b.now().Before(result.ExpiresOn.Add(-b.margin)) {
		b.tokens.Delete(key)
		return TokenResult{}, false
	}

	return clone(result), true
}

func (b *Broker) clientCredentials(ctx context.Context, scopes []string) (TokenResult, error) {
	conf := &clientcredentials.Config{
		ClientID:     b.auth.ClientID,
		ClientSecret: b.auth.ClientSecret,
		TokenURL:     b.auth.TokenEndpoint,
		Scopes:       slices.Clone(scopes),
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	expBackoff := backoff.NewExponentialBackOff()
	if b.retry.InitialInterval > 0 {
		expBackoff.InitialInterval = b.retry.InitialInterval
	}

	attempt := 0
	operation := func() (*oauth2.Token, error) {
		attempt++
		tok, err := conf.Token(b.clientContext(ctx))
		if err != nil {
			gErr := grantError(serviceerr.GrantClientCredentials, err)
			if !gErr.Temporary() {
				return nil, backoff.Permanent(gErr)
			}

			return nil, gErr
		}

		return tok, nil
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(err error, d time.Duration) {
			slogctx.Warn(ctx, "Retrying client credentials grant", "attempt", attempt, "backoff", d, "error", err)
		}),
	}
	if b.retry.MaxTries > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(b.retry.MaxTries))
	}
	if b.retry.MaxElapsedTime > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(b.retry.MaxElapsedTime))
	}

	tok, err := backoff.Retry(ctx, operation, retryOpts...)
	if err != nil {
		slogctx.Error(ctx, "Client credentials grant failed", "attempts", attempt, "error", err)
		return TokenResult{}, asGrantError(err)
	}

	slogctx.Info(ctx, "Acquired an application token", "attempts", attempt)

	return b.resultFrom(tok, scopes), nil
}

func asGrantError(err error) error {
	var gErr *serviceerr.GrantError
	if errors.As(err, &gErr) {
		return gErr
	}

	return &serviceerr.GrantError{Grant: serviceerr.GrantClientCredentials, Err: err}
}

func appTokenKey(scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)

	return appTokenPrefix + strings.Join(slices.Compact(sorted), " ")
}
