package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jnnycn007/moauth/storage"
)

// See: https://tools.ietf.org/html/rfc6749#section-4.1.2.1

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypePassword          = "password"
	grantTypeRefreshToken      = "refresh_token"
)

const (
	responseTypeCode    = "code"
	responseTypeIDToken = "id_token"
	responseTypeToken   = "token"
)

const (
	codeChallengeMethodS256 = "S256"
)

const (
	errInvalidRequest       = "invalid_request"
	errAccessDenied         = "access_denied"
	errInvalidScope         = "invalid_scope"
	errServerError          = "server_error"
	errUnsupportedGrantType = "unsupported_grant_type"
	errInvalidGrant         = "invalid_grant"
	errInvalidClient        = "invalid_client"
)

const (
	scopeOpenID  = "openid"
	scopePublic  = "public"
	scopePrivate = "private"
	scopeShared  = "shared"
)

// defaultScopes are granted when the client requests none.
var defaultScopes = []string{scopePrivate, scopeShared}

func tokenErr(w http.ResponseWriter, typ, description string, statusCode int) error {
	data := struct {
		Error       string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{typ, description}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token error response: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	w.Write(body)
	return nil
}

func (s *Server) tokenErrHelper(w http.ResponseWriter, typ string, description string, statusCode int) {
	if err := tokenErr(w, typ, description, statusCode); err != nil {
		s.logger.Errorf("token error response: %v", err)
	}
}

// calculateCodeChallenge recomputes the S256 PKCE challenge for a verifier.
func calculateCodeChallenge(codeVerifier string) string {
	shaSum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(shaSum[:])
}

func parseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return append([]string{}, defaultScopes...)
	}
	return fields
}

// redirectWithQuery appends query values to a redirect URI, using '&' when
// the registered URI already carries a query.
func redirectWithQuery(redirectURI string, v url.Values) string {
	if strings.Contains(redirectURI, "?") {
		return redirectURI + "&" + v.Encode()
	}
	return redirectURI + "?" + v.Encode()
}

// newToken mints a token of the given kind with the server's lifetime policy
// and stores it.
func (s *Server) newToken(kind storage.TokenKind, clientID, user string, uid int, gids []int, scopes []string, challenge string) (storage.Token, error) {
	life := s.maxTokenLife
	if kind == storage.KindGrant {
		life = s.maxGrantLife
	}
	now := s.now()
	t := storage.Token{
		ID:        storage.NewTokenID(s.secret),
		Kind:      kind,
		ClientID:  clientID,
		User:      user,
		UID:       uid,
		GIDs:      gids,
		Scopes:    scopes,
		Challenge: challenge,
		CreatedAt: now,
		ExpiresAt: now.Add(life),
	}
	if err := s.storage.CreateToken(t); err != nil {
		return storage.Token{}, fmt.Errorf("create %s token: %w", kind, err)
	}
	return t, nil
}

// accessTokenResponse is the success body of /token.
type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func (s *Server) writeAccessToken(w http.ResponseWriter, t storage.Token) {
	resp := accessTokenResponse{
		AccessToken: t.ID,
		TokenType:   "access",
		ExpiresIn:   int(s.maxTokenLife / time.Second),
		Scope:       t.Scope(),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Errorf("failed to marshal access token response: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
