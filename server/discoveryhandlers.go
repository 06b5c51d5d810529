package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	jose "github.com/go-jose/go-jose/v4"
)

type discovery struct {
	Issuer            string   `json:"issuer"`
	Auth              string   `json:"authorization_endpoint"`
	Token             string   `json:"token_endpoint"`
	UserInfo          string   `json:"userinfo_endpoint"`
	Keys              string   `json:"jwks_uri"`
	Registration      string   `json:"registration_endpoint"`
	Introspection     string   `json:"introspection_endpoint"`
	GrantTypes        []string `json:"grant_types_supported"`
	ResponseTypes     []string `json:"response_types_supported"`
	Subjects          []string `json:"subject_types_supported"`
	IDTokenAlgs       []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeAlgs []string `json:"code_challenge_methods_supported"`
	Scopes            []string `json:"scopes_supported"`
	AuthMethods       []string `json:"token_endpoint_auth_methods_supported"`
	Claims            []string `json:"claims_supported"`
}

// discoveryHandler prebuilds the RFC 8414 / OpenID Connect metadata document.
// The document is immutable after startup.
func (s *Server) discoveryHandler() (http.HandlerFunc, error) {
	scopes := []string{scopeOpenID}
	for _, scope := range s.resources.Scopes() {
		if scope != scopeOpenID {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)

	d := discovery{
		Issuer:            s.issuerURL.String(),
		Auth:              s.absURL("/authorize"),
		Token:             s.absURL("/token"),
		UserInfo:          s.absURL("/userinfo"),
		Keys:              s.absURL("/.well-known/jwks.json"),
		Registration:      s.absURL("/register"),
		Introspection:     s.absURL("/introspect"),
		GrantTypes:        []string{grantTypeAuthorizationCode, grantTypePassword},
		ResponseTypes:     []string{responseTypeCode, responseTypeIDToken, responseTypeToken},
		Subjects:          []string{"pairwise", "public"},
		IDTokenAlgs:       []string{string(jose.RS256)},
		CodeChallengeAlgs: []string{codeChallengeMethodS256},
		Scopes:            scopes,
		AuthMethods:       []string{"none"},
		Claims: []string{
			"email", "name", "phone_number", "preferred_username", "sub", "updated_at",
		},
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery data: %v", err)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// text/json per the metadata contract; application/json is only
		// tolerated on ingest.
		w.Header().Set("Content-Type", "text/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}, nil
}

// handlePublicKeys serves the public half of the signing key as a JWK set.
func (s *Server) handlePublicKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.storage.GetKeys()
	if err != nil || keys.SigningKeyPub == nil {
		s.log(r.Context()).Errorf("failed to get keys: %v", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{*keys.SigningKeyPub}}
	data, err := json.MarshalIndent(jwks, "", "  ")
	if err != nil {
		s.log(r.Context()).Errorf("failed to marshal JWK set: %v", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
