package authcontextsql_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/acr-manager/internal/authcontext"
	authcontextsql "github.com/openkcm/acr-manager/internal/authcontext/sql"
	"github.com/openkcm/acr-manager/internal/dbtest/postgrestest"
	"github.com/openkcm/acr-manager/internal/serviceerr"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)

	dbPool = pool

	code := m.Run()
	terminate(ctx)
	os.Exit(code)
}

var savedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixtures() []authcontext.AuthenticationContext {
	return []authcontext.AuthenticationContext{
		{ID: "c2", DisplayName: "Compliant device", Description: "Managed device required", IsAvailable: true, SavedAt: savedAt},
		{ID: "c1", DisplayName: "Require MFA", IsAvailable: true, SavedAt: savedAt},
		{ID: "c3", DisplayName: "Trusted location", IsAvailable: false, SavedAt: savedAt},
	}
}

func normalise(contexts []authcontext.AuthenticationContext) []authcontext.AuthenticationContext {
	for i := range contexts {
		contexts[i].SavedAt = contexts[i].SavedAt.UTC()
	}
	return contexts
}

func TestRepository_SaveAndList(t *testing.T) {
	r := authcontextsql.NewRepository(dbPool)
	t.Cleanup(func() { _ = r.Clear(context.Background()) })

	require.NoError(t, r.Save(t.Context(), fixtures()))

	got, err := r.List(t.Context())
	require.NoError(t, err)
	if diff := cmp.Diff(fixtures(), normalise(got)); diff != "" {
		t.Errorf("List() mismatch, saved order not kept (-want +got):\n%s", diff)
	}

	t.Run("Save replaces the whole set", func(t *testing.T) {
		replacement := []authcontext.AuthenticationContext{
			{ID: "c9", DisplayName: "Privileged access", SavedAt: savedAt.Add(time.Hour)},
		}
		require.NoError(t, r.Save(t.Context(), replacement))

		got, err := r.List(t.Context())
		require.NoError(t, err)
		if diff := cmp.Diff(replacement, normalise(got)); diff != "" {
			t.Errorf("List() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Save of an empty set clears it", func(t *testing.T) {
		require.NoError(t, r.Save(t.Context(), nil))

		got, err := r.List(t.Context())
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestRepository_SaveRollsBack(t *testing.T) {
	r := authcontextsql.NewRepository(dbPool)
	t.Cleanup(func() { _ = r.Clear(context.Background()) })

	require.NoError(t, r.Save(t.Context(), fixtures()))

	duplicate := []authcontext.AuthenticationContext{
		{ID: "c1", DisplayName: "first", SavedAt: savedAt},
		{ID: "c1", DisplayName: "second", SavedAt: savedAt},
	}
	err := r.Save(t.Context(), duplicate)
	require.ErrorIs(t, err, serviceerr.ErrConflict)

	got, err := r.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, fixtures(), normalise(got), "the earlier set survives a failed save")
}

func TestRepository_Get(t *testing.T) {
	r := authcontextsql.NewRepository(dbPool)
	t.Cleanup(func() { _ = r.Clear(context.Background()) })

	require.NoError(t, r.Save(t.Context(), fixtures()))

	tests := []struct {
		name      string
		id        string
		want      authcontext.AuthenticationContext
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "Existing context",
			id:        "c2",
			want:      fixtures()[0],
			assertErr: assert.NoError,
		},
		{
			name: "Unknown context",
			id:   "c42",
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNotFound)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Get(t.Context(), tt.id)
			if !tt.assertErr(t, err) || err != nil {
				assert.Zero(t, got)
				return
			}

			got.SavedAt = got.SavedAt.UTC()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRepository_Clear(t *testing.T) {
	r := authcontextsql.NewRepository(dbPool)

	require.NoError(t, r.Save(t.Context(), fixtures()))
	require.NoError(t, r.Clear(t.Context()))
	require.NoError(t, r.Clear(t.Context()), "clearing an empty set")

	got, err := r.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, got)
}
