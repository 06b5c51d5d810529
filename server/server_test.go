package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jnnycn007/moauth/connector/static"
	"github.com/jnnycn007/moauth/pkg/log"
	"github.com/jnnycn007/moauth/storage"
	"github.com/jnnycn007/moauth/storage/memory"
)

const (
	testIssuer = "https://auth.example.com:9000"

	// RFC 7636 appendix B reference values.
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() log.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return log.NewLogrusLogger(logger)
}

func mustHash(t *testing.T, password string) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return hash
}

// newTestServer builds a server over fresh in-memory storage with two
// accounts: alice (uid 1000, gid 100) and admin (uid 0, gids 0 and 42).
func newTestServer(t *testing.T, modify func(*Config)) (*Server, *testClock) {
	t.Helper()

	clock := &testClock{t: time.Now()}
	store := memory.New(testLogger())
	require.NoError(t, store.CreateClient(storage.Client{
		ID:          "app1",
		RedirectURI: "https://app/cb",
		Name:        "Test App",
	}))

	conn := (&static.Config{
		Users: []static.User{
			{Username: "alice", Hash: mustHash(t, "password"), UID: 1000, GIDs: []int{100}},
			{Username: "admin", Hash: mustHash(t, "secret"), UID: 0, GIDs: []int{0, 42}},
		},
	}).Open()

	config := Config{
		Issuer:    testIssuer,
		Storage:   store,
		Connector: conn,
		Now:       clock.Now,
		Logger:    testLogger(),
		StateFile: filepath.Join(t.TempDir(), "moauthd.state"),
	}
	if modify != nil {
		modify(&config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := NewServer(ctx, config)
	require.NoError(t, err)
	return s, clock
}

func doRequest(s *Server, method, target string, body url.Values, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(body.Encode())
	}
	req := httptest.NewRequest(method, testIssuer+target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

// obtainGrant drives the /authorize POST and returns the grant code.
func obtainGrant(t *testing.T, s *Server, challenge string) string {
	t.Helper()
	form := url.Values{
		"client_id":     {"app1"},
		"redirect_uri":  {"https://app/cb"},
		"response_type": {"code"},
		"state":         {"xyzzy"},
		"username":      {"alice"},
		"password":      {"password"},
	}
	if challenge != "" {
		form.Set("code_challenge", challenge)
		form.Set("code_challenge_method", "S256")
	}
	rr := doRequest(s, http.MethodPost, "/authorize", form, nil)
	require.Equal(t, http.StatusFound, rr.Code)

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "xyzzy", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func passwordToken(t *testing.T, s *Server, username, password, scope string) string {
	t.Helper()
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	rr := doRequest(s, http.MethodPost, "/token", form, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func TestAuthorizationCodePKCEFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// Phase 1: the login form carries the parameters forward.
	rr := doRequest(s, http.MethodGet,
		"/authorize?client_id=app1&response_type=code&state=xyzzy&code_challenge="+pkceChallenge+"&code_challenge_method=S256",
		nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `name="code_challenge" value="`+pkceChallenge+`"`)
	require.Contains(t, rr.Body.String(), `name="username"`)

	code := obtainGrant(t, s, pkceChallenge)

	rr = doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"app1"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "access", resp.TokenType)
	require.Equal(t, 604800, resp.ExpiresIn)
	require.Equal(t, "private shared", resp.Scope)
	require.NotEmpty(t, resp.AccessToken)
}

func TestPKCEMismatch(t *testing.T) {
	s, _ := newTestServer(t, nil)
	code := obtainGrant(t, s, pkceChallenge)

	rr := doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"app1"},
		"code":          {code},
		"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// The grant is burned; a correct retry fails too.
	rr = doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"app1"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPKCEVerifierRequired(t *testing.T) {
	s, _ := newTestServer(t, nil)
	code := obtainGrant(t, s, pkceChallenge)

	rr := doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {"app1"},
		"code":       {code},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExpiredGrant(t *testing.T) {
	s, clock := newTestServer(t, func(c *Config) {
		c.MaxGrantLife = time.Second
	})
	code := obtainGrant(t, s, "")

	clock.Advance(2 * time.Second)

	rr := doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {"app1"},
		"code":       {code},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// The expired grant is no longer findable.
	_, err := s.storage.GetToken(code)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGrantSingleUse(t *testing.T) {
	s, _ := newTestServer(t, nil)
	code := obtainGrant(t, s, "")

	exchange := func() int {
		rr := doRequest(s, http.MethodPost, "/token", url.Values{
			"grant_type": {"authorization_code"},
			"client_id":  {"app1"},
			"code":       {code},
		}, nil)
		return rr.Code
	}
	require.Equal(t, http.StatusOK, exchange())
	require.Equal(t, http.StatusBadRequest, exchange())
}

func TestConcurrentExchanges(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// Distinct codes all succeed.
	const n = 8
	codes := make([]string, n)
	for i := range codes {
		codes[i] = obtainGrant(t, s, "")
	}
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := doRequest(s, http.MethodPost, "/token", url.Values{
				"grant_type": {"authorization_code"},
				"client_id":  {"app1"},
				"code":       {codes[i]},
			}, nil)
			results[i] = rr.Code
		}(i)
	}
	wg.Wait()
	for i, code := range results {
		require.Equal(t, http.StatusOK, code, "exchange %d", i)
	}

	// N racing exchanges of one code: exactly one winner.
	shared := obtainGrant(t, s, "")
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := doRequest(s, http.MethodPost, "/token", url.Values{
				"grant_type": {"authorization_code"},
				"client_id":  {"app1"},
				"code":       {shared},
			}, nil)
			statuses[i] = rr.Code
		}(i)
	}
	wg.Wait()

	var ok, bad int
	for _, status := range statuses {
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusBadRequest:
			bad++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, bad)
}

func TestAuthorizeParameterErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for name, target := range map[string]string{
		"missing client_id":    "/authorize?response_type=code",
		"unknown client":       "/authorize?client_id=nope&response_type=code",
		"bad response_type":    "/authorize?client_id=app1&response_type=token",
		"bad redirect_uri":     "/authorize?client_id=app1&response_type=code&redirect_uri=https%3A%2F%2Fevil%2Fcb",
		"bad challenge method": "/authorize?client_id=app1&response_type=code&code_challenge=x&code_challenge_method=plain",
		"openid scope":         "/authorize?client_id=app1&response_type=code&scope=openid",
	} {
		t.Run(name, func(t *testing.T) {
			rr := doRequest(s, http.MethodGet, target, nil, nil)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestAuthorizeBadCredentials(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := doRequest(s, http.MethodPost, "/authorize", url.Values{
		"client_id":     {"app1"},
		"response_type": {"code"},
		"state":         {"s1"},
		"username":      {"alice"},
		"password":      {"wrong"},
	}, nil)
	require.Equal(t, http.StatusFound, rr.Code)

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "access_denied", loc.Query().Get("error"))
	require.Equal(t, "s1", loc.Query().Get("state"))
}

func TestPasswordGrant(t *testing.T) {
	s, _ := newTestServer(t, nil)

	token := passwordToken(t, s, "alice", "password", "")
	got, err := s.storage.GetToken(token)
	require.NoError(t, err)
	require.Equal(t, storage.KindAccess, got.Kind)
	require.Empty(t, got.ClientID)
	require.Equal(t, "alice", got.User)

	rr := doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"nope"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnsupportedGrantType(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := doRequest(s, http.MethodPost, "/token", url.Values{
		"grant_type": {"refresh_token"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIntrospection(t *testing.T) {
	gid := 42
	s, _ := newTestServer(t, func(c *Config) {
		c.IntrospectGroup = &gid
	})

	subject := passwordToken(t, s, "alice", "password", "")

	bearer := func(token string) http.Header {
		return http.Header{"Authorization": {"Bearer " + token}}
	}

	// No credentials at all.
	rr := doRequest(s, http.MethodPost, "/introspect", url.Values{"token": {subject}}, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// alice is not in the introspection group.
	rr = doRequest(s, http.MethodPost, "/introspect", url.Values{"token": {subject}}, bearer(subject))
	require.Equal(t, http.StatusForbidden, rr.Code)

	adminToken := passwordToken(t, s, "admin", "secret", "")
	rr = doRequest(s, http.MethodPost, "/introspect", url.Values{"token": {subject}}, bearer(adminToken))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp Introspection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Active)
	require.Equal(t, "alice", resp.Username)
	require.Equal(t, "access", resp.TokenType)
	require.Equal(t, "private shared", resp.Scope)
	require.Empty(t, resp.ClientID)
	require.Greater(t, resp.Expiry, resp.IssuedAt)

	// Unknown tokens introspect inactive, revealing nothing.
	rr = doRequest(s, http.MethodPost, "/introspect", url.Values{"token": {"bogus"}}, bearer(adminToken))
	require.Equal(t, http.StatusOK, rr.Code)
	resp = Introspection{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Active)
	require.Empty(t, resp.Username)

	// Missing token parameter.
	rr = doRequest(s, http.MethodPost, "/introspect", url.Values{}, bearer(adminToken))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIntrospectionExpiredToken(t *testing.T) {
	s, clock := newTestServer(t, nil)

	now := clock.Now()
	require.NoError(t, s.storage.CreateToken(storage.Token{
		ID:        "stale-token",
		Kind:      storage.KindAccess,
		User:      "alice",
		UID:       1000,
		Scopes:    []string{"private"},
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	caller := passwordToken(t, s, "admin", "secret", "")
	rr := doRequest(s, http.MethodPost, "/introspect", url.Values{"token": {"stale-token"}},
		http.Header{"Authorization": {"Bearer " + caller}})
	require.Equal(t, http.StatusOK, rr.Code)

	// An expired token reveals no more than an unknown one.
	var resp Introspection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Active)
	require.Empty(t, resp.Username)
	require.Empty(t, resp.Scope)
	require.Empty(t, resp.TokenType)
	require.Zero(t, resp.Expiry)
	require.Zero(t, resp.IssuedAt)
}

func TestResourceScopes(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Resources = []Resource{
			{Type: ResourceStatic, RemotePath: "/p", Scope: "private", ContentType: "text/plain", Data: []byte("private data")},
			{Type: ResourceStatic, RemotePath: "/s", Scope: "shared", GID: 42, ContentType: "text/plain", Data: []byte("shared data")},
		}
	})

	bearer := func(token string) http.Header {
		return http.Header{"Authorization": {"Bearer " + token}}
	}

	// Without a token.
	rr := doRequest(s, http.MethodGet, "/p", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Token with only the public scope.
	publicToken := passwordToken(t, s, "alice", "password", "public")
	rr = doRequest(s, http.MethodGet, "/p", nil, bearer(publicToken))
	require.Equal(t, http.StatusForbidden, rr.Code)

	// Token carrying the private scope.
	privToken := passwordToken(t, s, "alice", "password", "private")
	rr = doRequest(s, http.MethodGet, "/p", nil, bearer(privToken))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "private data", rr.Body.String())

	// Shared requires group membership: alice is in gid 100, not 42.
	aliceShared := passwordToken(t, s, "alice", "password", "shared")
	rr = doRequest(s, http.MethodGet, "/s", nil, bearer(aliceShared))
	require.Equal(t, http.StatusForbidden, rr.Code)

	adminShared := passwordToken(t, s, "admin", "secret", "shared")
	rr = doRequest(s, http.MethodGet, "/s", nil, bearer(adminShared))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "shared data", rr.Body.String())

	// Public built-ins need no credentials.
	rr = doRequest(s, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doRequest(s, http.MethodGet, "/style.css", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	// Unknown paths are 404.
	rr = doRequest(s, http.MethodGet, "/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDiscovery(t *testing.T) {
	s, _ := newTestServer(t, nil)

	var docs []map[string]interface{}
	for _, p := range []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"} {
		rr := doRequest(s, http.MethodGet, p, nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "text/json", rr.Header().Get("Content-Type"))

		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
		docs = append(docs, doc)
	}
	require.Equal(t, docs[0], docs[1], "both well-known documents must be identical")

	doc := docs[0]
	require.Equal(t, testIssuer, doc["issuer"])
	require.Equal(t, testIssuer+"/authorize", doc["authorization_endpoint"])
	require.Equal(t, testIssuer+"/token", doc["token_endpoint"])
	require.Equal(t, testIssuer+"/introspect", doc["introspection_endpoint"])
	require.Equal(t, testIssuer+"/.well-known/jwks.json", doc["jwks_uri"])

	grants, ok := doc["grant_types_supported"].([]interface{})
	require.True(t, ok)
	require.ElementsMatch(t, []interface{}{"authorization_code", "password"}, grants)

	scopes, ok := doc["scopes_supported"].([]interface{})
	require.True(t, ok)
	require.Contains(t, scopes, "openid")
	require.Contains(t, scopes, "public")
}

func TestJWKS(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := doRequest(s, http.MethodGet, "/.well-known/jwks.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/json", rr.Header().Get("Content-Type"))

	var jwks struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "RSA", jwks.Keys[0]["kty"])
	require.Equal(t, "RS256", jwks.Keys[0]["alg"])
	require.Equal(t, "sig", jwks.Keys[0]["use"])
	// Only the public half is published.
	require.NotContains(t, jwks.Keys[0], "d")
}

func TestUserInfo(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := doRequest(s, http.MethodGet, "/userinfo", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	token := passwordToken(t, s, "alice", "password", "")
	rr = doRequest(s, http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp userInfoResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "alice", resp.Subject)
	require.Equal(t, 1000, resp.UID)
	require.Equal(t, []int{100}, resp.Groups)
}

func TestRegister(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body := `{"redirect_uris":["https://new-app/cb"],"client_name":"New App"}`
	req := httptest.NewRequest(http.MethodPost, testIssuer+"/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)

	client, err := s.storage.GetClient(resp.ClientID)
	require.NoError(t, err)
	require.Equal(t, "https://new-app/cb", client.RedirectURI)
	require.Equal(t, "New App", client.Name)
}

func TestRegisterGroup(t *testing.T) {
	gid := 42
	s, _ := newTestServer(t, func(c *Config) {
		c.RegisterGroup = &gid
	})

	body := `{"redirect_uris":["https://new-app/cb"]}`
	post := func(header http.Header) int {
		req := httptest.NewRequest(http.MethodPost, testIssuer+"/register", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusUnauthorized, post(nil))

	aliceToken := passwordToken(t, s, "alice", "password", "")
	require.Equal(t, http.StatusForbidden, post(http.Header{"Authorization": {"Bearer " + aliceToken}}))

	adminToken := passwordToken(t, s, "admin", "secret", "")
	require.Equal(t, http.StatusCreated, post(http.Header{"Authorization": {"Bearer " + adminToken}}))
}

func TestPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("host mismatch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, testIssuer+"/", nil)
		req.Host = "evil.example.com:9000"
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("host trailing dot tolerated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, testIssuer+"/", nil)
		req.Host = "AUTH.example.com.:9000"
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("path traversal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, testIssuer+"/", nil)
		req.URL.Path = "/p/../etc/passwd"
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestBearerTokenHandling(t *testing.T) {
	s, clock := newTestServer(t, nil)

	token := passwordToken(t, s, "alice", "password", "private")

	// An expired token is removed on sight.
	clock.Advance(defaultMaxTokenLife + time.Second)
	rr := doRequest(s, http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	_, err := s.storage.GetToken(token)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// A grant token is not a bearer credential.
	grant := obtainGrant(t, s, "")
	rr = doRequest(s, http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Bearer " + grant}})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Unknown schemes attach no identity.
	rr = doRequest(s, http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Digest abc"}})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.BasicAuth = true
	})

	req := httptest.NewRequest(http.MethodPost, testIssuer+"/introspect",
		strings.NewReader(url.Values{"token": {"whatever"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("alice", "password")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp Introspection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Active)
}

func TestBasicAuthDisabled(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, testIssuer+"/introspect",
		strings.NewReader(url.Values{"token": {"whatever"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("alice", "password")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

// panicStorage blows up on token lookups to exercise worker isolation.
type panicStorage struct {
	storage.Storage
}

func (panicStorage) GetToken(string) (storage.Token, error) {
	panic("storage failure")
}

func TestRecoveryIsolation(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Storage = panicStorage{c.Storage}
	})

	// A panic inside one request answers 500 without taking the server down.
	rr := doRequest(s, http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Bearer boom"}})
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = doRequest(s, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRedirectQueryAppend(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.storage.CreateClient(storage.Client{
		ID:          "app2",
		RedirectURI: "https://app/cb?tenant=7",
	}))

	rr := doRequest(s, http.MethodPost, "/authorize", url.Values{
		"client_id":     {"app2"},
		"response_type": {"code"},
		"state":         {"s2"},
		"username":      {"alice"},
		"password":      {"password"},
	}, nil)
	require.Equal(t, http.StatusFound, rr.Code)

	location := rr.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "https://app/cb?tenant=7&"),
		fmt.Sprintf("redirect %q must extend the existing query", location))
}
