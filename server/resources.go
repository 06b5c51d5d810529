package server

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ResourceType selects how a registered resource is backed.
type ResourceType int

const (
	// ResourceStatic serves an in-memory blob.
	ResourceStatic ResourceType = iota
	// ResourceCachedFile reads the file once and serves the cached bytes.
	ResourceCachedFile
	// ResourceFile serves a single file from disk.
	ResourceFile
	// ResourceDirectory serves a directory tree from disk.
	ResourceDirectory
	// ResourceUserDir serves a per-user directory tree; the authenticated
	// username replaces the "~" element of the local path.
	ResourceUserDir
)

// Resource is one scope-tagged entry in the resource registry.
type Resource struct {
	Type       ResourceType
	RemotePath string
	LocalPath  string

	// ContentType overrides sniffing when set.
	ContentType string

	// Scope is public, private, or shared. A shared resource additionally
	// names the POSIX group whose members may read it.
	Scope string
	GID   int

	// Data backs ResourceStatic entries and caches ResourceCachedFile reads.
	Data []byte
}

// resourceMatch is the result of a registry lookup: the matched resource, the
// resolved local file name (filesystem types), and its stat info.
type resourceMatch struct {
	res   *Resource
	local string
	info  os.FileInfo
}

// resourceRegistry is a longest-prefix match over remote paths. It is
// read-dominated; Add happens at startup only.
type resourceRegistry struct {
	mu        sync.RWMutex
	resources []*Resource
}

func (rr *resourceRegistry) Add(r Resource) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.resources = append(rr.resources, &r)
}

// Scopes returns the distinct scope names of all registered resources in
// first-seen order.
func (rr *resourceRegistry) Scopes() []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	seen := make(map[string]bool)
	var scopes []string
	for _, r := range rr.resources {
		if !seen[r.Scope] {
			seen[r.Scope] = true
			scopes = append(scopes, r.Scope)
		}
	}
	return scopes
}

// Find locates the resource whose remote path is the longest prefix of the
// request path, ties broken by insertion order. For filesystem-backed types
// the resolved file is stat()ed; a missing file is reported as no match.
func (rr *resourceRegistry) Find(reqPath, username string) (resourceMatch, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	var best *Resource
	for _, r := range rr.resources {
		if !matchesPrefix(reqPath, r.RemotePath) {
			continue
		}
		if best == nil || len(r.RemotePath) > len(best.RemotePath) {
			best = r
		}
	}
	if best == nil {
		return resourceMatch{}, false
	}

	m := resourceMatch{res: best}
	switch best.Type {
	case ResourceStatic, ResourceCachedFile:
		if reqPath != best.RemotePath {
			return resourceMatch{}, false
		}
	case ResourceFile:
		if reqPath != best.RemotePath {
			return resourceMatch{}, false
		}
		m.local = best.LocalPath
	case ResourceDirectory:
		rest := strings.TrimPrefix(reqPath, best.RemotePath)
		m.local = filepath.Join(best.LocalPath, filepath.FromSlash(rest))
	case ResourceUserDir:
		if username == "" {
			// Resolution is deferred until an identity is attached; report
			// the match so the handler can demand authentication.
			return m, true
		}
		rest := strings.TrimPrefix(reqPath, best.RemotePath)
		local := strings.Replace(best.LocalPath, "~", username, 1)
		m.local = filepath.Join(local, filepath.FromSlash(rest))
	}

	if m.local != "" {
		info, err := os.Stat(m.local)
		if err != nil || info.IsDir() {
			if err == nil && info.IsDir() {
				// Directory requests fall through to index.html.
				index := filepath.Join(m.local, "index.html")
				if ii, ierr := os.Stat(index); ierr == nil && !ii.IsDir() {
					m.local, m.info = index, ii
					return m, true
				}
			}
			return resourceMatch{}, false
		}
		m.info = info
	}
	return m, true
}

func matchesPrefix(reqPath, prefix string) bool {
	if reqPath == prefix {
		return true
	}
	if !strings.HasPrefix(reqPath, prefix) {
		return false
	}
	// Prefixes match on path element boundaries only.
	return strings.HasSuffix(prefix, "/") || reqPath[len(prefix)] == '/'
}

// handleResource serves scope-gated resource GET/HEAD requests, the fallback
// for any path no endpoint claims.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	ident := identityFromContext(r.Context())
	username := ""
	if ident != nil {
		username = ident.Username
	}

	m, ok := s.resources.Find(path.Clean(r.URL.Path), username)
	if !ok {
		http.NotFound(w, r)
		return
	}
	res := m.res

	switch res.Scope {
	case scopePublic:
	case scopePrivate:
		if ident == nil || ident.Token == nil {
			s.unauthorized(w)
			return
		}
		if !ident.Token.HasScope(scopePrivate) {
			http.Error(w, "", http.StatusForbidden)
			return
		}
	case scopeShared:
		if ident == nil || ident.Token == nil {
			s.unauthorized(w)
			return
		}
		if !ident.Token.HasScope(scopeShared) || !ident.Token.HasGroup(res.GID) {
			http.Error(w, "", http.StatusForbidden)
			return
		}
	default:
		http.Error(w, "", http.StatusForbidden)
		return
	}

	if res.Type == ResourceUserDir && m.local == "" {
		// Matched before identity was known; re-resolve with the username.
		if m, ok = s.resources.Find(path.Clean(r.URL.Path), username); !ok || m.local == "" {
			http.NotFound(w, r)
			return
		}
	}

	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}

	switch res.Type {
	case ResourceStatic:
		http.ServeContent(w, r, path.Base(res.RemotePath), s.startTime, bytes.NewReader(res.Data))
	case ResourceCachedFile:
		data, modTime, err := s.cachedFile(res)
		if err != nil {
			s.log(r.Context()).Errorf("read cached resource %s: %v", res.LocalPath, err)
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, path.Base(res.LocalPath), modTime, bytes.NewReader(data))
	default:
		f, err := os.Open(m.local)
		if err != nil {
			if os.IsPermission(err) {
				http.Error(w, "", http.StatusForbidden)
			} else {
				http.NotFound(w, r)
			}
			return
		}
		defer f.Close()
		http.ServeContent(w, r, m.info.Name(), m.info.ModTime(), f)
	}
}

// cachedFile loads a ResourceCachedFile's bytes on first use.
func (s *Server) cachedFile(res *Resource) ([]byte, time.Time, error) {
	s.resources.mu.Lock()
	defer s.resources.mu.Unlock()
	if res.Data == nil {
		data, err := os.ReadFile(res.LocalPath)
		if err != nil {
			return nil, time.Time{}, err
		}
		res.Data = data
	}
	return res.Data, s.startTime, nil
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="moauth"`)
	http.Error(w, "", http.StatusUnauthorized)
}

// builtinResources are the static pages every server carries.
func builtinResources() []Resource {
	return []Resource{
		{
			Type:        ResourceStatic,
			RemotePath:  "/",
			Scope:       scopePublic,
			ContentType: "text/html",
			Data:        []byte(indexHTML),
		},
		{
			Type:        ResourceStatic,
			RemotePath:  "/style.css",
			Scope:       scopePublic,
			ContentType: "text/css",
			Data:        []byte(styleCSS),
		},
	}
}
