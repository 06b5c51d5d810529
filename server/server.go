// Package server implements the OAuth 2.0 authorization server and OpenID
// Connect provider endpoints over a storage back-end and a password
// connector.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnnycn007/moauth/connector"
	"github.com/jnnycn007/moauth/pkg/log"
	"github.com/jnnycn007/moauth/storage"
)

const (
	defaultMaxGrantLife = 300 * time.Second
	defaultMaxTokenLife = 604800 * time.Second

	defaultGCFrequency = 5 * time.Minute
)

// Config holds the server's configuration options.
type Config struct {
	// Issuer is the server's external URL, e.g. https://auth.example.org:9000.
	Issuer string

	// The backing collections.
	Storage storage.Storage

	// Connector authenticates username/password pairs.
	Connector connector.PasswordConnector

	// Resources registered from configuration, served scope-gated next to
	// the built-in pages.
	Resources []Resource

	// Token lifetimes. Grant tokens default to 5 minutes, access tokens to
	// one week.
	MaxGrantLife time.Duration
	MaxTokenLife time.Duration

	// IntrospectGroup restricts /introspect to members of the group when
	// set. RegisterGroup restricts /register likewise.
	IntrospectGroup *int
	RegisterGroup   *int

	// BasicAuth enables HTTP Basic credentials as a backup to Bearer.
	BasicAuth bool

	// StateFile persists the signing key across restarts.
	StateFile string

	// List of allowed origins for CORS requests on the OAuth endpoints.
	AllowedOrigins []string

	GCFrequency time.Duration

	// If specified, the server will use this function for determining time.
	Now func() time.Time

	Logger log.Logger

	PrometheusRegistry *prometheus.Registry

	HealthChecker gosundheit.Health
}

func value(val, defaultValue time.Duration) time.Duration {
	if val == 0 {
		return defaultValue
	}
	return val
}

// Server is the top level object.
type Server struct {
	issuerURL  url.URL
	serverHost string

	storage   storage.Storage
	connector connector.PasswordConnector
	resources resourceRegistry

	mux http.Handler

	maxGrantLife time.Duration
	maxTokenLife time.Duration

	introspectGroup *int
	registerGroup   *int
	basicAuth       bool

	// secret salts token ID generation; fresh per process.
	secret []byte

	startTime time.Time
	now       func() time.Time

	logger log.Logger
}

// NewServer constructs a server from the provided config and starts its
// background expiry sweep. The signing key is loaded or created before
// NewServer returns.
func NewServer(ctx context.Context, c Config) (*Server, error) {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("server: can't parse issuer URL")
	}
	if issuerURL.Scheme != "https" {
		return nil, fmt.Errorf("server: issuer must use https, got %q", c.Issuer)
	}
	if c.Storage == nil {
		return nil, errors.New("server: storage cannot be nil")
	}
	if c.Connector == nil {
		return nil, errors.New("server: connector cannot be nil")
	}
	if c.Logger == nil {
		return nil, errors.New("server: logger cannot be nil")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		issuerURL:       *issuerURL,
		serverHost:      issuerURL.Host,
		storage:         c.Storage,
		connector:       c.Connector,
		maxGrantLife:    value(c.MaxGrantLife, defaultMaxGrantLife),
		maxTokenLife:    value(c.MaxTokenLife, defaultMaxTokenLife),
		introspectGroup: c.IntrospectGroup,
		registerGroup:   c.RegisterGroup,
		basicAuth:       c.BasicAuth,
		secret:          storage.NewSecret(),
		startTime:       now(),
		now:             now,
		logger:          c.Logger,
	}

	for _, res := range builtinResources() {
		s.resources.Add(res)
	}
	for _, res := range c.Resources {
		s.resources.Add(res)
	}

	stateFile := c.StateFile
	if stateFile == "" {
		stateFile = "moauthd.state"
	}
	if err := s.ensureKeys(stateFile); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	instrumentHandler := func(_ string, handler http.Handler) http.HandlerFunc {
		return handler.ServeHTTP
	}

	if c.PrometheusRegistry != nil {
		requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"})

		durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10},
		}, []string{"code", "method", "handler"})

		sizeHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "response_size_bytes",
			Help:    "A histogram of response sizes for requests.",
			Buckets: []float64{200, 500, 900, 1500},
		}, []string{"code", "method", "handler"})

		c.PrometheusRegistry.MustRegister(requestCounter, durationHist, sizeHist)

		instrumentHandler = func(handlerName string, handler http.Handler) http.HandlerFunc {
			return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": handlerName}),
				promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": handlerName}),
					promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": handlerName}), handler),
				),
			)
		}
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handleFunc := func(p string, h http.HandlerFunc) {
		r.Handle(path.Join(issuerURL.Path, p), instrumentHandler(p, h))
	}
	handleWithCORS := func(p string, h http.HandlerFunc) {
		var handler http.Handler = h
		if len(c.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(c.AllowedOrigins),
				handlers.AllowedHeaders([]string{"Authorization"}),
			)
			handler = cors(handler)
		}
		r.Handle(path.Join(issuerURL.Path, p), instrumentHandler(p, handler))
	}

	discoveryHandler, err := s.discoveryHandler()
	if err != nil {
		return nil, err
	}
	handleWithCORS("/.well-known/oauth-authorization-server", discoveryHandler)
	handleWithCORS("/.well-known/openid-configuration", discoveryHandler)
	handleWithCORS("/.well-known/jwks.json", s.handlePublicKeys)

	handleFunc("/authorize", s.handleAuthorize)
	handleWithCORS("/token", s.handleToken)
	handleWithCORS("/introspect", s.handleIntrospect)
	handleWithCORS("/userinfo", s.handleUserInfo)
	handleFunc("/register", s.handleRegister)

	if c.HealthChecker != nil {
		r.Handle(path.Join(issuerURL.Path, "/healthz"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.HealthChecker.IsHealthy() {
				http.Error(w, "Health check failed.", http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "Health check passed")
		}))
	}

	// Everything else is resolved through the resource registry.
	r.NotFoundHandler = instrumentHandler("/resource", http.HandlerFunc(s.handleResource))

	// Panic inside one request handler must not take the server down;
	// the recovery handler logs and answers 500.
	s.mux = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)(s.preflightMiddleware(s.authMiddleware(r)))

	s.startGarbageCollection(ctx, value(c.GCFrequency, defaultGCFrequency), now)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) absPath(pathItems ...string) string {
	paths := make([]string, len(pathItems)+1)
	paths[0] = s.issuerURL.Path
	copy(paths[1:], pathItems)
	return path.Join(paths...)
}

func (s *Server) absURL(pathItems ...string) string {
	u := s.issuerURL
	u.Path = s.absPath(pathItems...)
	return u.String()
}

func (s *Server) startGarbageCollection(ctx context.Context, frequency time.Duration, now func() time.Time) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				if r, err := s.storage.GarbageCollect(now()); err != nil {
					s.logger.Errorf("garbage collection failed: %v", err)
				} else if !r.IsEmpty() {
					s.logger.Infof("garbage collection run, deleted %d grants, %d tokens", r.Grants, r.Tokens)
				}
			}
		}
	}()
}

type recoveryLogger struct {
	logger log.Logger
}

func (l recoveryLogger) Println(args ...interface{}) {
	l.logger.Error(args...)
}
