package sso

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, "reelapps.co.za", cfg.Domain)
	assert.Equal(t, "www.reelapps.co.za", cfg.HolderHost)
	assert.Equal(t, DefaultTokenTTL, cfg.TokenTTL)
	assert.Equal(t, DefaultMarkerWindow, cfg.MarkerWindow)

	cfg = Config{Domain: ".Example.org"}.WithDefaults()
	assert.Equal(t, "example.org", cfg.Domain)
	assert.Equal(t, "www.example.org", cfg.HolderHost)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Error(t, cfg.Validate())

	cfg.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	assert.NoError(t, cfg.Validate())
}

func TestConfig_SSOURL(t *testing.T) {
	cfg := Config{}.WithDefaults()
	got := cfg.SSOURL("https://reelcv.reelapps.co.za/dashboard?tab=1")

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "www.reelapps.co.za", u.Host)
	assert.Equal(t, "/auth/sso", u.Path)
	assert.Equal(t, "https://reelcv.reelapps.co.za/dashboard?tab=1", u.Query().Get("return_url"))
}

func TestConfig_LoginURL(t *testing.T) {
	cfg := Config{}.WithDefaults()
	u, err := url.Parse(cfg.LoginURL(cfg.SSOURL("https://reelcv.reelapps.co.za/")))
	require.NoError(t, err)
	assert.Equal(t, "/auth/login", u.Path)

	next, err := url.Parse(u.Query().Get("redirect"))
	require.NoError(t, err)
	assert.Equal(t, "/auth/sso", next.Path)
}

func TestConfig_ValidateReturnURL(t *testing.T) {
	cfg := Config{}.WithDefaults()

	tests := []struct {
		name    string
		raw     string
		app     string
		wantErr bool
	}{
		{name: "sub-application", raw: "https://reelcv.reelapps.co.za/dashboard", app: "reelcv"},
		{name: "with port and query", raw: "https://reelhunter.reelapps.co.za:8443/x?y=1", app: "reelhunter"},
		{name: "upper case host", raw: "https://ReelSkills.ReelApps.co.za/", app: "reelskills"},
		{name: "foreign host", raw: "https://evil.example.com/x", wantErr: true},
		{name: "suffix without dot", raw: "https://evilreelapps.co.za/", wantErr: true},
		{name: "domain as prefix", raw: "https://reelcv.reelapps.co.za.evil.com/", wantErr: true},
		{name: "holder host", raw: "https://www.reelapps.co.za/", wantErr: true},
		{name: "bare domain", raw: "https://reelapps.co.za/", wantErr: true},
		{name: "plain http", raw: "http://reelcv.reelapps.co.za/", wantErr: true},
		{name: "relative", raw: "/dashboard", wantErr: true},
		{name: "javascript", raw: "javascript:alert(1)", wantErr: true},
		{name: "userinfo", raw: "https://user:pw@reelcv.reelapps.co.za/", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, app, err := cfg.ValidateReturnURL(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReturnURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.app, app)
		})
	}
}

func TestConfig_ValidateReturnURLAllowList(t *testing.T) {
	cfg := Config{AllowedHosts: []string{"reelcv.reelapps.co.za"}}.WithDefaults()

	_, _, err := cfg.ValidateReturnURL("https://reelcv.reelapps.co.za/")
	assert.NoError(t, err)

	_, _, err = cfg.ValidateReturnURL("https://reelhunter.reelapps.co.za/")
	assert.ErrorIs(t, err, ErrInvalidReturnURL)
}
