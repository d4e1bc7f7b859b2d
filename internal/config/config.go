// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database Database `yaml:"database"`
	ValKey   ValKey   `yaml:"valkey"`
	Session  Session  `yaml:"session"`
	Entra    Entra    `yaml:"entra"`
	Graph    Graph    `yaml:"graph"`
}

type HTTPServer struct {
	Address           string        `yaml:"address" default:":3000"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout" default:"5s"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" default:"10s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	SSLMode  string              `yaml:"sslMode"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"acr-manager"`
	MTLS     *commoncfg.MTLS     `yaml:"mtls"`
}

type Session struct {
	// IdleTimeout is both the session lifetime and the implicit expiry of a
	// pending sign-in flow.
	IdleTimeout time.Duration `yaml:"idleTimeout" default:"1h"`
	// LockTimeout bounds how long a callback waits for another request on
	// the same session.
	LockTimeout    time.Duration       `yaml:"lockTimeout" default:"10s"`
	CookieTemplate CookieTemplate      `yaml:"cookie"`
	SigningSecret  commoncfg.SourceRef `yaml:"signingSecret"`
}

// Entra holds the identity provider registration. Every field except the
// scope lists can be overridden from the environment, see ApplyEnv.
type Entra struct {
	ClientID     string              `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	Authority    string              `yaml:"authority" default:"https://login.microsoftonline.com/"`
	TenantID     string              `yaml:"tenantID"`
	RedirectURI  string              `yaml:"redirectURI"`

	// Discovery fetches the endpoints from the well-known document instead
	// of deriving them from the authority.
	Discovery         bool   `yaml:"discovery"`
	AuthorizeEndpoint string `yaml:"authorizeEndpoint"`
	TokenEndpoint     string `yaml:"tokenEndpoint"`
	JWKSEndpoint      string `yaml:"jwksEndpoint"`

	DelegatedScopes   []string `yaml:"delegatedScopes"`
	ApplicationScopes []string `yaml:"applicationScopes"`

	HTTPTimeout time.Duration `yaml:"httpTimeout" default:"10s"`
	TokenCache  TokenCache    `yaml:"tokenCache"`
	Retry       Retry         `yaml:"retry"`
}

type TokenCache struct {
	ExpiryMargin time.Duration `yaml:"expiryMargin" default:"60s"`
}

type Retry struct {
	MaxTries        uint          `yaml:"maxTries" default:"4"`
	InitialInterval time.Duration `yaml:"initialInterval" default:"200ms"`
	MaxElapsedTime  time.Duration `yaml:"maxElapsedTime" default:"15s"`
}

type Graph struct {
	Endpoint string        `yaml:"endpoint" default:"https://graph.microsoft.com/"`
	Timeout  time.Duration `yaml:"timeout" default:"10s"`
}
