package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jnnycn007/moauth/storage"
)

// Introspection contains a token's session data as specified by
// [IETF RFC 7662](https://tools.ietf.org/html/rfc7662)
type Introspection struct {
	// Boolean indicator of whether or not the presented token is currently
	// active, i.e. issued by this server and within its validity window.
	Active bool `json:"active"`

	// Space separated list of scopes associated with this token.
	Scope string `json:"scope,omitempty"`

	// Client identifier for the OAuth 2.0 client that requested this token.
	// Empty for password grant tokens.
	ClientID string `json:"client_id"`

	// Human-readable identifier for the resource owner who authorized this
	// token.
	Username string `json:"username,omitempty"`

	// TokenType is one of access, grant, or renewal.
	TokenType string `json:"token_type,omitempty"`

	// Expiry and issuance, seconds since the Unix epoch.
	Expiry   int64 `json:"exp,omitempty"`
	IssuedAt int64 `json:"iat,omitempty"`
}

// handleIntrospect implements RFC 7662 token introspection. The caller must
// be authenticated, and when an introspection group is configured must be a
// member of it.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	ident := identityFromContext(r.Context())
	if ident == nil {
		s.unauthorized(w)
		return
	}
	if s.introspectGroup != nil && !ident.HasGroup(*s.introspectGroup) {
		s.log(r.Context()).Infof("introspection denied for %q: not in group %d", ident.Username, *s.introspectGroup)
		http.Error(w, "", http.StatusForbidden)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	tokenID := r.PostFormValue("token")
	if tokenID == "" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	resp := Introspection{}
	t, err := s.storage.GetToken(tokenID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Unknown tokens introspect as inactive; nothing else is revealed.
	case err != nil:
		s.log(r.Context()).Errorf("introspection token lookup: %v", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	case t.Expired(s.now()):
		// Expired tokens reveal no more than unknown ones.
	default:
		resp = Introspection{
			Active:    true,
			Scope:     t.Scope(),
			ClientID:  t.ClientID,
			Username:  t.User,
			TokenType: string(t.Kind),
			Expiry:    t.ExpiresAt.Unix(),
			IssuedAt:  t.CreatedAt.Unix(),
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log(r.Context()).Errorf("marshal introspection response: %v", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
