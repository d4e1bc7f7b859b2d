package cmdutils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/openkcm/common-sdk/pkg/status"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/config"
	"github.com/openkcm/acr-manager/internal/serviceerr"
)

const (
	healthStatusTimeout = 5 * time.Second
)

// BusinessFunc is the body of a sub-command.
type BusinessFunc func(context.Context, *config.Config) error

// Runner prepares the process around a BusinessFunc.
type Runner func(context.Context, BusinessFunc, *config.Config) error

// mode selects the process wide facilities a sub-command needs.
type mode struct {
	name         string
	telemetry    bool
	statusServer bool
}

var (
	serviceMode = mode{name: "service", telemetry: true, statusServer: true}
	jobMode     = mode{name: "job"}
)

func CobraCommand(use, short, long, buildInfo string, runner Runner, fn BusinessFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(buildInfo)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx := slogctx.With(cmd.Context(), "command", use)
			if err := runner(ctx, fn, cfg); err != nil {
				return fmt.Errorf("running %s: %w", use, err)
			}

			return nil
		},
	}
}

// RunAsService runs fn with telemetry and the status server, for the long
// lived api-server.
func RunAsService(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, serviceMode, fn, cfg)
}

// RunAsJob runs fn once with logging only, for migrate.
func RunAsJob(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, jobMode, fn, cfg)
}

func run(ctx context.Context, m mode, fn BusinessFunc, cfg *config.Config) error {
	err := logger.InitAsDefault(cfg.Logger, cfg.Application)
	if err != nil {
		return oops.In("main").Wrapf(err, "Failed to initialise the logger")
	}

	slogctx.Info(ctx, "Starting acr-manager", append([]any{slog.String("mode", m.name)}, startupAttrs(cfg)...)...)

	if m.telemetry {
		err = otlp.Init(ctx, &cfg.Application, &cfg.Telemetry, &cfg.Logger)
		if err != nil {
			return oops.In("main").Wrapf(err, "Failed to load the telemetry")
		}
	}

	if m.statusServer {
		go func() {
			err := startStatusServer(ctx, cfg)
			if err != nil {
				slogctx.Error(ctx, "Failure on the status server", "error", err)
				_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	started := time.Now()
	if err := businessError(ctx, m, fn(ctx, cfg)); err != nil {
		return err
	}

	slogctx.Info(ctx, "acr-manager stopped", slog.String("mode", m.name), slog.Duration("uptime", time.Since(started)))

	return nil
}

// businessError keeps configuration errors apart from runtime failures so
// the exit reason names the offending field.
func businessError(ctx context.Context, m mode, err error) error {
	var cfgErr *serviceerr.ConfigError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &cfgErr):
		slogctx.Error(ctx, "Refusing to start with an invalid configuration", "field", cfgErr.Field, "reason", cfgErr.Reason)
		return oops.In("config").With("field", cfgErr.Field).Wrapf(err, "Invalid configuration")
	default:
		return oops.In("main").Wrapf(err, "Failed to run the %s", m.name)
	}
}

// startupAttrs summarises the settings an operator needs to recognise a
// deployment. Secrets and secret references are left out.
func startupAttrs(cfg *config.Config) []any {
	return []any{
		slog.String("application", cfg.Application.Name),
		slog.Group("entra",
			slog.String("clientID", cfg.Entra.ClientID),
			slog.String("authority", cfg.Entra.Authority),
			slog.String("tenantID", cfg.Entra.TenantID),
			slog.String("redirectURI", cfg.Entra.RedirectURI),
			slog.Bool("discovery", cfg.Entra.Discovery),
		),
		slog.String("address", cfg.HTTP.Address),
		slog.Duration("sessionIdleTimeout", cfg.Session.IdleTimeout),
		slog.Bool("audit", cfg.Audit.Endpoint != ""),
	}
}

// loadConfig reads the config file and then applies the environment
// overrides, so a deployment can run from environment variables alone.
func loadConfig(buildInfo string) (*config.Config, error) {
	cfg := &config.Config{}

	err := commoncfg.LoadConfig(cfg, map[string]any{}, "/etc/acr-manager", "$HOME/.acr-manager", ".")
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := commoncfg.UpdateConfigVersion(&cfg.BaseConfig, buildInfo); err != nil {
		return nil, fmt.Errorf("updating the version configuration: %w", err)
	}

	return cfg, nil
}

// startStatusServer serves liveness unconditionally and readiness once the
// authentication context store answers.
func startStatusServer(ctx context.Context, cfg *config.Config) error {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return fmt.Errorf("making connection string from config: %w", err)
	}

	liveness := status.WithLiveness(health.NewHandler(
		health.NewChecker(health.WithDisabledAutostart()),
	))

	readiness := status.WithReadiness(health.NewHandler(
		health.NewChecker(
			health.WithDisabledAutostart(),
			health.WithTimeout(healthStatusTimeout),
			health.WithDatabaseChecker("pgx", connStr),
			health.WithStatusListener(statusListener),
		),
	))

	if err := status.Start(ctx, &cfg.BaseConfig, liveness, readiness); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	return nil
}

func statusListener(ctx context.Context, state health.State) {
	failing := make([]string, 0, len(state.CheckState))
	for name, check := range state.CheckState {
		if check.Result != nil {
			failing = append(failing, name)
		}
	}

	slogctx.Info(ctx, "readiness status changed", "status", state.Status, "failing", failing)
}
