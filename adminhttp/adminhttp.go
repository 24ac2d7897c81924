// Package adminhttp serves a read-only introspection endpoint (swarm and
// pool counters as JSON) and the Prometheus exposition format, gated by a
// JWKS-verified bearer token. It is an ambient observability surface,
// not a user-facing control plane (spec.md's Non-goals exclude a CLI,
// not metrics).
package adminhttp

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/sot-tech/swarmd/pkg/log"
	"github.com/sot-tech/swarmd/pool"
)

var logger = log.NewLogger("adminhttp")

// Config holds the configuration of the introspection server.
type Config struct {
	Addr        string
	JWKSURL     string        `cfg:"jwks_url"`
	JWKSRefresh time.Duration `cfg:"jwks_refresh"`
}

// Server serves /snapshot (JSON swarm/pool counters) and /metrics
// (Prometheus exposition), both requiring a valid bearer token when a
// JWKS is configured.
type Server struct {
	manager *pool.Manager
	jwks    *keyfunc.JWKS
	srv     *fasthttp.Server
}

// New constructs a Server over manager. If cfg.JWKSURL is empty, both
// endpoints are served unauthenticated (suitable for a loopback-only
// deployment).
func New(manager *pool.Manager, cfg Config) (*Server, error) {
	s := &Server{manager: manager}

	if cfg.JWKSURL != "" {
		refresh := cfg.JWKSRefresh
		if refresh <= 0 {
			refresh = time.Hour
		}
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval: refresh,
			RefreshErrorHandler: func(err error) {
				logger.Warn().Err(err).Msg("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, err
		}
		s.jwks = jwks
	}

	s.srv = &fasthttp.Server{
		Handler: s.handler,
	}
	return s, nil
}

// ListenAndServe binds addr and blocks serving requests.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	if !s.authorize(ctx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		return
	}

	switch string(ctx.Path()) {
	case "/snapshot":
		s.serveSnapshot(ctx)
	case "/metrics":
		s.serveMetrics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) authorize(ctx *fasthttp.RequestCtx) bool {
	if s.jwks == nil {
		return true
	}

	auth := string(ctx.Request.Header.Peek("Authorization"))
	tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenStr == "" {
		return false
	}

	token, err := jwt.Parse(tokenStr, s.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return false
	}
	return true
}

func (s *Server) serveSnapshot(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if err := json.NewEncoder(ctx).Encode(s.manager.Snapshot()); err != nil {
		logger.Error().Err(err).Msg("snapshot encode failed")
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}

func (s *Server) serveMetrics(ctx *fasthttp.RequestCtx) {
	fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())(ctx)
}

// errNoJWKS is returned by callers that require auth but were not given
// a JWKS URL; kept as a sentinel so a misconfiguration is loud rather
// than silently serving the endpoint open.
var errNoJWKS = errors.New("adminhttp: JWKS URL not configured")

// RequireAuth reports whether this server is enforcing bearer-token
// auth, so callers can fail loudly at startup if they expected it to.
func (s *Server) RequireAuth() error {
	if s.jwks == nil {
		return errNoJWKS
	}
	return nil
}
