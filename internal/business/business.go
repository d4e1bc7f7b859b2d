package business

import (
	"context"
	"fmt"
	"net/http"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/authcontext"
	"github.com/openkcm/acr-manager/internal/broker"
	"github.com/openkcm/acr-manager/internal/business/server"
	"github.com/openkcm/acr-manager/internal/config"
	"github.com/openkcm/acr-manager/internal/flow"
	"github.com/openkcm/acr-manager/internal/graph"
	"github.com/openkcm/acr-manager/internal/oidc"
	"github.com/openkcm/acr-manager/internal/session"

	authcontextsql "github.com/openkcm/acr-manager/internal/authcontext/sql"
	sessionvalkey "github.com/openkcm/acr-manager/internal/session/valkey"
)

// Main starts the browser facing HTTP server and blocks until ctx is done.
func Main(ctx context.Context, cfg *config.Config) error {
	handler, closeFn, err := initHandler(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the handler: %w", err)
	}

	defer closeFn()

	return server.StartHTTPServer(ctx, cfg, handler)
}

func initHandler(ctx context.Context, cfg *config.Config) (_ *server.Handler, closeFn func(), _ error) {
	httpClient := &http.Client{
		Timeout:   cfg.Entra.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	auth, err := resolveAuthority(ctx, cfg.Entra, httpClient)
	if err != nil {
		return nil, nil, err
	}

	tokenBroker := broker.New(auth,
		broker.WithHTTPClient(httpClient),
		broker.WithRetry(cfg.Entra.Retry),
		broker.WithExpiryMargin(cfg.Entra.TokenCache.ExpiryMargin),
	)

	valkeyClient, err := valkeyClientFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	sessions, err := session.NewManager(&cfg.Session,
		sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix,
			sessionvalkey.WithLockWait(cfg.Session.LockTimeout),
		),
	)
	if err != nil {
		valkeyClient.Close()
		return nil, nil, fmt.Errorf("creating session manager: %w", err)
	}

	auditLogger, err := auditLoggerFromConfig(cfg)
	if err != nil {
		valkeyClient.Close()
		return nil, nil, err
	}

	controller, err := flow.NewController(tokenBroker, sessions, auth.DelegatedScopes, flow.WithAuditLogger(auditLogger))
	if err != nil {
		valkeyClient.Close()
		return nil, nil, fmt.Errorf("creating flow controller: %w", err)
	}

	db, err := dbPoolFromConfig(ctx, cfg)
	if err != nil {
		valkeyClient.Close()
		return nil, nil, err
	}

	contexts := authcontext.NewService(
		authcontextsql.NewRepository(db),
		graph.NewClient(cfg.Graph),
		tokenBroker,
		auth.ApplicationScopes,
	)

	closeFn = func() {
		db.Close()
		valkeyClient.Close()
	}

	return server.NewHandler(controller, sessions, contexts), closeFn, nil
}

// resolveAuthority validates the Entra registration and, when enabled,
// replaces the derived endpoints with the discovered ones.
func resolveAuthority(ctx context.Context, entra config.Entra, client *http.Client) (config.AuthorityConfig, error) {
	auth, err := config.ResolveAuthority(entra)
	if err != nil {
		return config.AuthorityConfig{}, fmt.Errorf("resolving the Entra authority: %w", err)
	}

	if !entra.Discovery {
		return auth, nil
	}

	discovered, err := oidc.Discover(ctx, client, auth.Authority)
	if err != nil {
		slogctx.Warn(ctx, "OpenID discovery failed; using the derived endpoints", "authority", auth.Authority, "error", err)
		return auth, nil
	}

	return discovered.Apply(auth), nil
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.ValKey.MTLS != nil {
		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.ValKey.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load valkey mTLS config: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func dbPoolFromConfig(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to make dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgxpool config: %w", err)
	}

	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise pgxpool connection: %w", err)
	}

	if err := otelpgx.RecordStats(db); err != nil {
		slogctx.Warn(ctx, "Failed to record database pool stats", "error", err)
	}

	return db, nil
}

// auditLoggerFromConfig returns nil when no audit endpoint is configured.
func auditLoggerFromConfig(cfg *config.Config) (*otlpaudit.AuditLogger, error) {
	if cfg.Audit.Endpoint == "" {
		return nil, nil //nolint:nilnil
	}

	auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	return auditLogger, nil
}
