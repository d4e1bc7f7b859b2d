package business

import (
	"testing"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/acr-manager/internal/config"
)

func TestMigrateMain_InvalidDatabaseConfig(t *testing.T) {
	missing := commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}}
	valid := func(v string) commoncfg.SourceRef { return commoncfg.SourceRef{Source: "embedded", Value: v} }

	tests := []struct {
		name    string
		db      config.Database
		wantErr string
	}{
		{
			name:    "Host ref",
			db:      config.Database{Host: missing, User: valid("user"), Password: valid("pass")},
			wantErr: "loading db host",
		},
		{
			name:    "User ref",
			db:      config.Database{Host: valid("localhost"), User: missing, Password: valid("pass")},
			wantErr: "loading db user",
		},
		{
			name:    "Password ref",
			db:      config.Database{Host: valid("localhost"), User: valid("user"), Password: missing},
			wantErr: "loading db password",
		},
		{
			name:    "Unparseable source",
			db:      config.Database{Host: commoncfg.SourceRef{Source: "invalid-source"}, User: valid("user"), Password: valid("pass")},
			wantErr: "making connection string from config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.db.Name, tt.db.Port = "acr_manager", "5432"

			err := MigrateMain(t.Context(), &config.Config{Database: tt.db})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "making connection string from config")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
