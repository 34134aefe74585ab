package wrshare

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicAuthDisabled(t *testing.T) {
	a, err := NewPublicAuth("", "")
	require.NoError(t, err)
	require.True(t, a.Allow(httptest.NewRequest("GET", "/anything", nil)))
}

func TestPublicAuthTokenHeader(t *testing.T) {
	a, err := NewPublicAuth("s3cret", "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/x", nil)
	require.False(t, a.Allow(r))

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("x-auth-token", "s3cret")
	require.True(t, a.Allow(r))

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("x-auth-token", "wrong")
	require.False(t, a.Allow(r))

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	require.True(t, a.Allow(r))

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("Authorization", "Basic s3cret")
	require.False(t, a.Allow(r))
}

func TestPublicAuthBypassRule(t *testing.T) {
	a, err := NewPublicAuth("s3cret", `^/public/`)
	require.NoError(t, err)

	// bypass wins even with no credential at all
	require.True(t, a.Allow(httptest.NewRequest("GET", "/public/doc", nil)))
	require.False(t, a.Allow(httptest.NewRequest("GET", "/private/doc", nil)))
}

func TestCompileAuthRuleSlashForm(t *testing.T) {
	re, err := CompileAuthRule(`/^\/public/i`)
	require.NoError(t, err)
	require.True(t, re.MatchString("/Public/doc"))
	require.True(t, re.MatchString("/public/doc"))
	require.False(t, re.MatchString("/private"))

	re, err = CompileAuthRule(`/^\/health$/`)
	require.NoError(t, err)
	require.True(t, re.MatchString("/health"))
	require.False(t, re.MatchString("/Health"))

	re, err = CompileAuthRule("")
	require.NoError(t, err)
	require.Nil(t, re)
}
