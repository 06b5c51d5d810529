package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jnnycn007/moauth/storage"
)

// clientRegistration is the accepted subset of the RFC 7591 client metadata.
type clientRegistration struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
	TOSURI       string   `json:"tos_uri,omitempty"`
}

type clientRegistrationResponse struct {
	ClientID string `json:"client_id"`
	clientRegistration
}

// handleRegister implements dynamic client registration. When a registration
// group is configured the caller must be an authenticated member of it.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	if s.registerGroup != nil {
		ident := identityFromContext(r.Context())
		if ident == nil {
			s.unauthorized(w)
			return
		}
		if !ident.HasGroup(*s.registerGroup) {
			http.Error(w, "", http.StatusForbidden)
			return
		}
	}

	var reg clientRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		s.tokenErrHelper(w, errInvalidRequest, "Malformed client metadata.", http.StatusBadRequest)
		return
	}
	if len(reg.RedirectURIs) == 0 {
		s.tokenErrHelper(w, errInvalidRequest, "Required param: redirect_uris.", http.StatusBadRequest)
		return
	}
	redirectURI := reg.RedirectURIs[0]
	if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() {
		s.tokenErrHelper(w, errInvalidRequest, "redirect_uris entries must be absolute.", http.StatusBadRequest)
		return
	}

	client := storage.Client{
		ID:          storage.NewClientID(),
		RedirectURI: redirectURI,
		Name:        reg.ClientName,
		ClientURI:   reg.ClientURI,
		LogoURI:     reg.LogoURI,
		TOSURI:      reg.TOSURI,
	}
	if err := s.storage.CreateClient(client); err != nil {
		s.log(r.Context()).Errorf("failed to register client: %v", err)
		s.tokenErrHelper(w, errServerError, "", http.StatusInternalServerError)
		return
	}

	s.log(r.Context()).Infof("registered client %q (%s)", client.Name, client.ID)

	resp := clientRegistrationResponse{ClientID: client.ID, clientRegistration: reg}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log(r.Context()).Errorf("marshal registration response: %v", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusCreated)
	w.Write(data)
}
