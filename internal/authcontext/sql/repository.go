package authcontextsql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/acr-manager/internal/authcontext"
	"github.com/openkcm/acr-manager/internal/serviceerr"
)

const selectColumns = `SELECT id, display_name, description, is_available, saved_at FROM authentication_contexts`

type Repository struct {
	db *pgxpool.Pool
}

var _ = authcontext.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

// Save replaces the stored set with contexts in a single transaction.
func (r *Repository) Save(ctx context.Context, contexts []authcontext.AuthenticationContext) error {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "save_authentication_contexts_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM authentication_contexts;`); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting from authentication_contexts: %w", err)
	}

	b := new(pgx.Batch)
	for i, ac := range contexts {
		b.Queue(`INSERT INTO authentication_contexts (id, display_name, description, is_available, position, saved_at)
	VALUES ($1, $2, $3, $4, $5, $6);`,
			ac.ID, ac.DisplayName, ac.Description, ac.IsAvailable, i, ac.SavedAt,
		)
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		span.RecordError(err)
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into authentication_contexts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) List(ctx context.Context) ([]authcontext.AuthenticationContext, error) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "list_authentication_contexts_sql")
	defer span.End()

	rows, err := r.db.Query(ctx, selectColumns+` ORDER BY position;`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("selecting from authentication_contexts: %w", err)
	}

	contexts, err := pgx.CollectRows(rows, scanContext)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scanning rows: %w", err)
	}

	if contexts == nil {
		contexts = []authcontext.AuthenticationContext{}
	}

	return contexts, nil
}

func (r *Repository) Get(ctx context.Context, id string) (authcontext.AuthenticationContext, error) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "get_authentication_context_sql")
	defer span.End()

	rows, err := r.db.Query(ctx, selectColumns+` WHERE id = $1;`, id)
	if err != nil {
		span.RecordError(err)
		return authcontext.AuthenticationContext{}, fmt.Errorf("selecting from authentication_contexts: %w", err)
	}

	ac, err := pgx.CollectExactlyOneRow(rows, scanContext)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcontext.AuthenticationContext{}, serviceerr.ErrNotFound
		}
		span.RecordError(err)

		return authcontext.AuthenticationContext{}, fmt.Errorf("scanning rows: %w", err)
	}

	return ac, nil
}

func (r *Repository) Clear(ctx context.Context) error {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "clear_authentication_contexts_sql")
	defer span.End()

	if _, err := r.db.Exec(ctx, `DELETE FROM authentication_contexts;`); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting from authentication_contexts: %w", err)
	}

	return nil
}

func scanContext(row pgx.CollectableRow) (authcontext.AuthenticationContext, error) {
	var ac authcontext.AuthenticationContext
	err := row.Scan(&ac.ID, &ac.DisplayName, &ac.Description, &ac.IsAvailable, &ac.SavedAt)

	return ac, err
}
