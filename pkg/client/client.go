// Package client is the client-side helper for the authorization server: it
// discovers the server's endpoints and drives the PKCE-protected
// Authorization Code flow through the user's browser.
package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

// wellKnownPaths are tried in order when connecting to a server root.
var wellKnownPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// maxMetadataSize caps discovery responses.
const maxMetadataSize = 1024 * 1024

// Server holds the endpoints discovered from an authorization server.
type Server struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// openURL is swapped out in tests.
var openURL = browser.OpenURL

// Connect fetches the authorization server metadata reachable from uri. For a
// root URL the well-known locations are tried in order before the resource
// path itself. Every discovered endpoint must use https.
func Connect(ctx context.Context, uri string) (*Server, error) {
	return connect(ctx, uri, nil)
}

func connect(ctx context.Context, uri string, client *http.Client) (*Server, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must use https, got %q", uri)
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var paths []string
	if u.Path == "" || u.Path == "/" {
		paths = append(paths, wellKnownPaths...)
	}
	paths = append(paths, u.Path)

	var lastErr error
	for _, p := range paths {
		metadataURL := *u
		metadataURL.Path = p
		srv, err := fetchMetadata(ctx, client, metadataURL.String())
		if err != nil {
			lastErr = err
			continue
		}
		return srv, nil
	}
	return nil, fmt.Errorf("discovery failed: %w", lastErr)
}

func fetchMetadata(ctx context.Context, client *http.Client, metadataURL string) (*Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", metadataURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", metadataURL, resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") && !strings.Contains(ct, "text/json") {
		return nil, fmt.Errorf("%s: unexpected content-type %q", metadataURL, ct)
	}

	var srv Server
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&srv); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %w", metadataURL, err)
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint": srv.AuthorizationEndpoint,
		"token_endpoint":         srv.TokenEndpoint,
		"introspection_endpoint": srv.IntrospectionEndpoint,
		"registration_endpoint":  srv.RegistrationEndpoint,
	} {
		eu, err := url.Parse(endpoint)
		if err != nil || eu.Scheme != "https" {
			return nil, fmt.Errorf("%s: %s %q is not an https URL", metadataURL, name, endpoint)
		}
	}
	return &srv, nil
}

// NewCodeVerifier returns a fresh PKCE code verifier (RFC 7636: 43 URL-safe
// characters from 32 random bytes).
func NewCodeVerifier() (string, error) {
	buff := make([]byte, 32)
	if _, err := rand.Read(buff); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buff), nil
}

// NewState returns a random state parameter for CSRF protection.
func NewState() (string, error) {
	buff := make([]byte, 16)
	if _, err := rand.Read(buff); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buff), nil
}

// CodeChallenge derives the S256 challenge for a verifier.
func CodeChallenge(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL assembles the authorization request URL. A non-empty
// codeVerifier adds the derived S256 code challenge.
func (s *Server) AuthorizeURL(redirectURI, clientID, state, codeVerifier, scope string) string {
	cfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.AuthorizationEndpoint,
			TokenURL: s.TokenEndpoint,
		},
	}
	if scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", CodeChallenge(codeVerifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return cfg.AuthCodeURL(state, opts...)
}

// Authorize opens the authorization URL in the user's browser. It returns an
// error when the platform handler fails to launch.
func (s *Server) Authorize(redirectURI, clientID, state, codeVerifier, scope string) error {
	authURL := s.AuthorizeURL(redirectURI, clientID, state, codeVerifier, scope)
	if err := openURL(authURL); err != nil {
		return fmt.Errorf("open authorization URL: %w", err)
	}
	return nil
}

// Exchange redeems an authorization code at the token endpoint.
func (s *Server) Exchange(ctx context.Context, clientID, redirectURI, code, codeVerifier string) (*oauth2.Token, error) {
	cfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.AuthorizationEndpoint,
			TokenURL: s.TokenEndpoint,
		},
	}
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, nil
}
