package config

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToCookie(t *testing.T) {
	tests := []struct {
		name     string
		template CookieTemplate
		value    string
		want     *http.Cookie
	}{
		{
			name:     "zero template",
			template: CookieTemplate{Name: "foo"},
			want:     &http.Cookie{Name: "foo"},
		},
		{
			name: "session cookie",
			template: CookieTemplate{
				Name:     "acr_session",
				MaxAge:   3600,
				Path:     "/",
				Secure:   true,
				SameSite: CookieSameSiteLax,
				HTTPOnly: true,
			},
			value: "signed-value",
			want: &http.Cookie{
				Name:     "acr_session",
				Value:    "signed-value",
				MaxAge:   3600,
				Path:     "/",
				Secure:   true,
				SameSite: http.SameSiteLaxMode,
				HttpOnly: true,
			},
		},
		{
			name: "strict same site on a sub domain",
			template: CookieTemplate{
				Name:     "acr_session",
				Domain:   "admin.example.com",
				SameSite: CookieSameSiteStrict,
			},
			want: &http.Cookie{
				Name:     "acr_session",
				Domain:   "admin.example.com",
				SameSite: http.SameSiteStrictMode,
			},
		},
		{
			name:     "same site none",
			template: CookieTemplate{Name: "x", SameSite: CookieSameSiteNone, Secure: true},
			want:     &http.Cookie{Name: "x", SameSite: http.SameSiteNoneMode, Secure: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.template.ToCookie(tt.value)
			assert.Equal(t, tt.want.Name, c.Name)
			assert.Equal(t, tt.want.Value, c.Value)
			assert.Equal(t, tt.want.MaxAge, c.MaxAge)
			assert.Equal(t, tt.want.Path, c.Path)
			assert.Equal(t, tt.want.Domain, c.Domain)
			assert.Equal(t, tt.want.Secure, c.Secure)
			assert.Equal(t, tt.want.SameSite, c.SameSite)
			assert.Equal(t, tt.want.HttpOnly, c.HttpOnly)
		})
	}
}
