// Package server exposes the lending read and quote surface over HTTP. It
// never signs: quotes and preflights are computed for the wallet named in
// the request.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendclient/chain"
	netcfg "lendclient/config"
	"lendclient/flows"
	"lendclient/gateway/middleware"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/terms"
	"lendclient/txflow"
)

// Route groups used for rate limits and auth scopes.
const (
	GroupReads  = "reads"
	GroupQuotes = "quotes"
)

// Backend is the lending stack the handlers read through.
type Backend struct {
	Network   netcfg.Network
	Reader    chain.Reader
	Prices    *pricing.PriceFeed
	Rates     *pricing.RateFeed
	Terms     *terms.Resolver
	Market    *flows.Marketplace
	Dashboard *flows.Dashboard
	// Preflight simulates calls for /v1/preflight. It must not carry a signer.
	Preflight *txflow.Preflight
	Now       func() time.Time
}

// Options configures the HTTP middleware stack.
type Options struct {
	Auth        middleware.AuthConfig
	RateLimits  map[string]middleware.RateLimit
	CORS        middleware.CORSConfig
	LogRequests bool
	Logger      *slog.Logger
}

type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	tokens  map[common.Address]lending.Asset
}

func New(backend Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if backend.Now == nil {
		backend.Now = time.Now
	}
	opts.Auth.OptionalPaths = append(opts.Auth.OptionalPaths, "/healthz")
	opts.Auth.AllowAnonymous = true
	return &Server{
		backend: backend,
		opts:    opts,
		logger:  logger,
		auth:    middleware.NewAuthenticator(opts.Auth, logger),
		limiter: middleware.NewRateLimiter(opts.RateLimits, logger),
		obs:     middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "lendingd", LogRequests: opts.LogRequests, Enabled: true}, logger),
		tokens:  backend.Network.TokenTable(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.opts.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		s.route(r, http.MethodGet, "/prices/{asset}", GroupReads, s.handlePrice)
		s.route(r, http.MethodGet, "/rates/{currency}", GroupReads, s.handleRate)
		s.route(r, http.MethodGet, "/terms/{asset}", GroupReads, s.handleTerms)
		s.route(r, http.MethodGet, "/loans", GroupReads, s.handleLoans)
		s.route(r, http.MethodGet, "/offers", GroupReads, s.handleOffers)
		s.route(r, http.MethodPost, "/quotes/collateral", GroupQuotes, s.handleCollateralQuote)
		s.route(r, http.MethodPost, "/quotes/repayment", GroupQuotes, s.handleRepaymentQuote)
		s.route(r, http.MethodPost, "/preflight", GroupQuotes, s.handlePreflight)
	})
	return r
}

func (s *Server) route(r chi.Router, method, pattern, group string, h http.HandlerFunc) {
	r.With(
		s.obs.Middleware("/v1"+pattern),
		s.auth.Middleware(group),
		s.limiter.Middleware(group),
	).Method(method, pattern, h)
}
