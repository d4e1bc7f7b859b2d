package config

import (
	"fmt"
	"testing"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
)

func embedded(v string) commoncfg.SourceRef {
	return commoncfg.SourceRef{Source: "embedded", Value: v}
}

func TestMakeConnStr(t *testing.T) {
	invalid := commoncfg.SourceRef{Source: "invalid-source", Value: "x"}
	valid := Database{
		Host:     embedded("my_host"),
		User:     embedded("my_user"),
		Password: embedded("my_password"),
		Name:     "acr_manager",
		Port:     "5432",
	}

	with := func(mod func(*Database)) Database {
		d := valid
		mod(&d)
		return d
	}

	tests := []struct {
		name        string
		conf        Database
		wantConnStr string
		assertErr   assert.ErrorAssertionFunc
	}{
		{
			name:        "Make connection string",
			conf:        valid,
			wantConnStr: "host=my_host user=my_user password=my_password dbname=acr_manager port=5432",
			assertErr:   assert.NoError,
		},
		{
			name:        "Make connection string with ssl mode",
			conf:        with(func(d *Database) { d.SSLMode = "verify-full" }),
			wantConnStr: "host=my_host user=my_user password=my_password dbname=acr_manager port=5432 sslmode=verify-full",
			assertErr:   assert.NoError,
		},
		{
			name:      "Error - invalid host source",
			conf:      with(func(d *Database) { d.Host = invalid }),
			assertErr: assert.Error,
		},
		{
			name:      "Error - invalid user source",
			conf:      with(func(d *Database) { d.User = invalid }),
			assertErr: assert.Error,
		},
		{
			name:      "Error - invalid password source",
			conf:      with(func(d *Database) { d.Password = invalid }),
			assertErr: assert.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connStr, err := MakeConnStr(tt.conf)
			if !tt.assertErr(t, err, fmt.Sprintf("MakeConnStr() error = %v", err)) || err != nil {
				return
			}

			assert.Equal(t, tt.wantConnStr, connStr, "MakeConnStr() = %v", connStr)
		})
	}
}
