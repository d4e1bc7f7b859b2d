package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openkcm/acr-manager/internal/config"
)

const (
	wellKnownPath = "/v2.0/.well-known/openid-configuration"

	// requiredSigningAlg is the ID token algorithm the broker verifies.
	requiredSigningAlg = "RS256"
)

// Discover fetches the provider metadata published under the authority.
func Discover(ctx context.Context, client *http.Client, authority string) (Configuration, error) {
	uri := strings.TrimSuffix(authority, "/") + wellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Configuration{}, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Configuration{}, fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Configuration{}, fmt.Errorf("unexpected status fetching openid configuration: %d", resp.StatusCode)
	}

	var conf Configuration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return Configuration{}, fmt.Errorf("decoding openid configuration: %w", err)
	}

	if conf.AuthorizationEndpoint == "" || conf.TokenEndpoint == "" {
		return Configuration{}, fmt.Errorf("openid configuration for %s lacks authorization or token endpoint", authority)
	}

	if !conf.SupportsSigningAlg(requiredSigningAlg) {
		return Configuration{}, fmt.Errorf("openid configuration for %s does not offer %s id tokens", authority, requiredSigningAlg)
	}

	return conf, nil
}

// Apply returns a copy of auth using the discovered endpoints.
func (c Configuration) Apply(auth config.AuthorityConfig) config.AuthorityConfig {
	applied := auth.WithEndpoints(c.AuthorizationEndpoint, c.TokenEndpoint, c.JwksURI)
	if c.Issuer != "" {
		applied.Issuer = c.Issuer
	}

	return applied
}
