package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jnnycn007/moauth/connector"
	"github.com/jnnycn007/moauth/pkg/log"
	"github.com/jnnycn007/moauth/storage"
)

type contextKey string

const (
	// RequestKeyRequestID tags log records with the per-request UUID.
	RequestKeyRequestID contextKey = "request_id"

	identityKey contextKey = "identity"
	loggerKey   contextKey = "logger"
)

// withRequestLogger attaches a fresh request ID and a Logger stamping every
// record with it (and the peer address) to the context.
func (s *Server) withRequestLogger(ctx context.Context, remoteAddr string) context.Context {
	reqID := uuid.NewString()
	ctx = context.WithValue(ctx, RequestKeyRequestID, reqID)
	logger := s.logger.
		WithField(string(RequestKeyRequestID), reqID).
		WithField("remote_addr", remoteAddr)
	return context.WithValue(ctx, loggerKey, logger)
}

// log returns the request-scoped Logger, falling back to the server's.
func (s *Server) log(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return s.logger
}

// Identity is the caller identity derived from the Authorization header.
// Token is set for Bearer callers; Basic callers carry only the account
// fields.
type Identity struct {
	Username string
	UID      int
	GIDs     []int

	Token *storage.Token
}

// HasGroup reports whether the caller belonged to the numeric group.
func (i *Identity) HasGroup(gid int) bool {
	for _, g := range i.GIDs {
		if g == gid {
			return true
		}
	}
	return false
}

func identityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityKey).(*Identity)
	return ident
}

// preflightMiddleware rejects malformed requests before dispatch: path
// traversal anywhere in the path and Host headers naming a different server.
func (s *Server) preflightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(s.withRequestLogger(r.Context(), r.RemoteAddr))
		if strings.Contains(r.URL.Path, "/../") || strings.HasSuffix(r.URL.Path, "/..") {
			s.log(r.Context()).Warnf("rejected path traversal request %q", r.URL.Path)
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		if !s.hostMatches(r.Host) {
			s.log(r.Context()).Warnf("rejected request for host %q (serving %q)", r.Host, s.serverHost)
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hostMatches compares a Host header against the configured server name and
// port, case-insensitively and tolerating a trailing dot on the host name.
func (s *Server) hostMatches(host string) bool {
	if host == "" {
		return false
	}
	gotHost, gotPort := splitHostPort(strings.ToLower(host))
	wantHost, wantPort := splitHostPort(strings.ToLower(s.serverHost))
	gotHost = strings.TrimSuffix(gotHost, ".")
	wantHost = strings.TrimSuffix(wantHost, ".")
	if gotHost != wantHost {
		return false
	}
	return gotPort == wantPort || gotPort == "" || wantPort == ""
}

func splitHostPort(hostport string) (host, port string) {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i], hostport[i+1:]
	}
	return hostport, ""
}

// authMiddleware inspects the Authorization header and attaches the caller's
// identity to the request context. Requests without usable credentials
// proceed anonymously; endpoints decide whether identity is required.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		scheme, value, _ := strings.Cut(header, " ")
		var ident *Identity
		switch strings.ToLower(scheme) {
		case "basic":
			if s.basicAuth {
				ident = s.basicIdentity(r.Context(), strings.TrimSpace(value))
			} else {
				s.log(r.Context()).Debugf("basic authentication disabled, ignoring credentials")
			}
		case "bearer":
			ident = s.bearerIdentity(r.Context(), strings.TrimSpace(value))
		default:
			s.log(r.Context()).Debugf("unsupported authorization scheme %q", scheme)
		}

		if ident != nil {
			r = r.WithContext(context.WithValue(r.Context(), identityKey, ident))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicIdentity(ctx context.Context, value string) *Identity {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		s.log(ctx).Debugf("malformed basic credentials: %v", err)
		return nil
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil
	}
	identity, valid, err := s.connector.Login(ctx, username, password)
	if err != nil {
		s.log(ctx).Errorf("authenticator failure for %q: %v", username, err)
		return nil
	}
	if !valid {
		s.log(ctx).Infof("basic authentication failed for %q", username)
		return nil
	}
	gids := identity.GIDs
	if len(gids) > connector.MaxGroups {
		gids = gids[:connector.MaxGroups]
	}
	return &Identity{Username: identity.Username, UID: identity.UID, GIDs: gids}
}

func (s *Server) bearerIdentity(ctx context.Context, id string) *Identity {
	t, err := s.storage.GetToken(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log(ctx).Errorf("bearer token lookup: %v", err)
		}
		return nil
	}
	if t.Expired(s.now()) {
		// Expired tokens are removed on sight.
		if err := s.storage.DeleteToken(t.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log(ctx).Errorf("delete expired token: %v", err)
		}
		return nil
	}
	if t.Kind != storage.KindAccess {
		// A grant or renewal token is not a bearer credential.
		return nil
	}
	return &Identity{Username: t.User, UID: t.UID, GIDs: t.GIDs, Token: &t}
}
