package server

import (
	"errors"
	"net/http"

	"github.com/jnnycn007/moauth/storage"
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.tokenErrHelper(w, errInvalidRequest, "method not allowed", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.log(r.Context()).Errorf("could not parse token request body: %v", err)
		s.tokenErrHelper(w, errInvalidRequest, "", http.StatusBadRequest)
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case grantTypeAuthorizationCode:
		s.handleAuthCode(w, r)
	case grantTypePassword:
		s.handlePasswordGrant(w, r)
	default:
		s.log(r.Context()).Infof("unsupported grant type %q", grantType)
		s.tokenErrHelper(w, errUnsupportedGrantType, "", http.StatusBadRequest)
	}
}

// handleAuthCode exchanges a grant code for an access token,
// https://tools.ietf.org/html/rfc6749#section-4.1.3
func (s *Server) handleAuthCode(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostFormValue("client_id")
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")

	if clientID == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: client_id.", http.StatusBadRequest)
		return
	}
	if code == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: code.", http.StatusBadRequest)
		return
	}

	var client storage.Client
	var err error
	if redirectURI != "" {
		client, err = s.storage.GetClientRedirect(clientID, redirectURI)
	} else {
		client, err = s.storage.GetClient(clientID)
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log(r.Context()).Errorf("failed to get client: %v", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
			return
		}
		s.tokenErrHelper(w, errInvalidClient, "Unknown client.", http.StatusBadRequest)
		return
	}

	// Grant codes are single use: the lookup, expiry check, and delete are
	// one atomic storage operation, so concurrent exchanges of the same code
	// settle to exactly one winner.
	grant, err := s.storage.ConsumeToken(code, s.now())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log(r.Context()).Errorf("failed to consume grant token: %v", err)
			s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
			return
		}
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code parameter.", http.StatusBadRequest)
		return
	}

	if grant.Kind != storage.KindGrant || grant.ClientID != client.ID {
		s.tokenErrHelper(w, errInvalidGrant, "Invalid or expired code parameter.", http.StatusBadRequest)
		return
	}

	// RFC 7636 (PKCE)
	codeVerifier := r.PostFormValue("code_verifier")
	switch {
	case grant.Challenge != "" && codeVerifier != "":
		if calculateCodeChallenge(codeVerifier) != grant.Challenge {
			s.tokenErrHelper(w, errInvalidGrant, "Invalid code_verifier.", http.StatusBadRequest)
			return
		}
	case grant.Challenge != "":
		s.tokenErrHelper(w, errInvalidGrant, "Expecting parameter code_verifier in PKCE flow.", http.StatusBadRequest)
		return
	case codeVerifier != "":
		s.tokenErrHelper(w, errInvalidRequest, "No PKCE flow started. Cannot check code_verifier.", http.StatusBadRequest)
		return
	}

	access, err := s.newToken(storage.KindAccess, client.ID, grant.User, grant.UID, grant.GIDs, grant.Scopes, "")
	if err != nil {
		s.log(r.Context()).Errorf("failed to create access token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.log(r.Context()).Infof("exchanged grant for access token, user %q client %q", grant.User, client.ID)
	s.writeAccessToken(w, access)
}

// handlePasswordGrant implements the resource owner password credentials
// grant, https://tools.ietf.org/html/rfc6749#section-4.3
func (s *Server) handlePasswordGrant(w http.ResponseWriter, r *http.Request) {
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		s.tokenErrHelper(w, errInvalidRequest, "Required params: username, password.", http.StatusBadRequest)
		return
	}

	identity, valid, err := s.connector.Login(r.Context(), username, password)
	if err != nil {
		s.log(r.Context()).Errorf("authenticator failure for %q: %v", username, err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}
	if !valid {
		s.log(r.Context()).Infof("password grant denied for %q", username)
		s.tokenErrHelper(w, errInvalidGrant, "Invalid credentials.", http.StatusBadRequest)
		return
	}

	scopes := parseScopes(r.PostFormValue("scope"))
	for _, scope := range scopes {
		if scope == scopeOpenID {
			s.tokenErrHelper(w, errInvalidScope, "Scope openid is not supported.", http.StatusBadRequest)
			return
		}
	}

	// Password grant access tokens are not tied to a registered client.
	access, err := s.newToken(storage.KindAccess, "", identity.Username, identity.UID, identity.GIDs, scopes, "")
	if err != nil {
		s.log(r.Context()).Errorf("failed to create access token: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.log(r.Context()).Infof("issued access token via password grant, user %q", identity.Username)
	s.writeAccessToken(w, access)
}
