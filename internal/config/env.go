package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

// environment lists the variables that override the file configuration.
type environment struct {
	ClientID      string   `env:"CLIENT_ID"`
	ClientSecret  string   `env:"CLIENT_SECRET"`
	Authority     string   `env:"AUTHORITY"`
	TenantID      string   `env:"TENANT_ID"`
	RedirectURI   string   `env:"REDIRECT_URI"`
	SessionSecret string   `env:"SESSION_SECRET"`
	GraphEndpoint string   `env:"GRAPH_API_ENDPOINT"`
	APIScopes     []string `env:"API_SCOPES" envSeparator:","`
	Port          string   `env:"PORT"`
}

// ApplyEnv overlays the set environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var e environment
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setIfPresent(&cfg.Entra.ClientID, e.ClientID)
	setIfPresent(&cfg.Entra.Authority, e.Authority)
	setIfPresent(&cfg.Entra.TenantID, e.TenantID)
	setIfPresent(&cfg.Entra.RedirectURI, e.RedirectURI)
	setIfPresent(&cfg.Graph.Endpoint, e.GraphEndpoint)

	if e.ClientSecret != "" {
		cfg.Entra.ClientSecret = commoncfg.SourceRef{Source: "embedded", Value: e.ClientSecret}
	}
	if e.SessionSecret != "" {
		cfg.Session.SigningSecret = commoncfg.SourceRef{Source: "embedded", Value: e.SessionSecret}
	}
	if scopes := cleanScopes(e.APIScopes); len(scopes) > 0 {
		cfg.Entra.ApplicationScopes = scopes
	}
	if e.Port != "" {
		cfg.HTTP.Address = ":" + e.Port
	}

	return nil
}

func setIfPresent(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func cleanScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}
