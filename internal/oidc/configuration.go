// Package oidc reads the OpenID provider metadata of the authority.
package oidc

import "slices"

// Configuration is the part of the provider metadata the broker relies on.
type Configuration struct {
	Issuer                           string   `json:"issuer,omitempty"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                    string   `json:"token_endpoint,omitempty"`
	JwksURI                          string   `json:"jwks_uri,omitempty"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// SupportsSigningAlg reports whether ID tokens may be signed with alg. A
// provider that does not advertise its algorithms is assumed to support it.
func (c Configuration) SupportsSigningAlg(alg string) bool {
	return len(c.IDTokenSigningAlgValuesSupported) == 0 || slices.Contains(c.IDTokenSigningAlgValuesSupported, alg)
}
