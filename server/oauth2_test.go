package server

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateCodeChallenge(t *testing.T) {
	// RFC 7636 appendix B reference values.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		calculateCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))

	// Deterministic.
	assert.Equal(t, calculateCodeChallenge("some-verifier"), calculateCodeChallenge("some-verifier"))
	assert.NotEqual(t, calculateCodeChallenge("some-verifier"), calculateCodeChallenge("other-verifier"))
}

func TestParseScopes(t *testing.T) {
	assert.Equal(t, []string{"private", "shared"}, parseScopes(""))
	assert.Equal(t, []string{"private", "shared"}, parseScopes("  "))
	assert.Equal(t, []string{"public"}, parseScopes("public"))
	assert.Equal(t, []string{"public", "private"}, parseScopes(" public  private "))
}

func TestRedirectWithQuery(t *testing.T) {
	v := url.Values{}
	v.Set("code", "abc")

	assert.Equal(t, "https://app/cb?code=abc", redirectWithQuery("https://app/cb", v))
	assert.Equal(t, "https://app/cb?tenant=7&code=abc", redirectWithQuery("https://app/cb?tenant=7", v))
}
