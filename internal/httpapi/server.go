package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/numhive/platform/internal/activation"
	"github.com/numhive/platform/internal/auth"
	"github.com/numhive/platform/internal/catalog"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/queue"
	"github.com/numhive/platform/internal/redis"
	"github.com/numhive/platform/internal/search"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/internal/wallet"
	"github.com/numhive/platform/pkg/logger"
)

// Deps bundles the services the API fronts. Nil optional fields degrade
// their routes: no Registry disables webhook ingestion, no Redis disables
// rate limiting.
type Deps struct {
	Users       storage.UserStore
	Funds       *wallet.Service
	Market      *search.Service
	Activations *activation.Service
	Numbers     storage.NumberStore
	Providers   storage.ProviderStore
	Outbox      storage.OutboxStore
	Registry    *catalog.Registry
	Jobs        *queue.Service
	Redis       *redis.Client
}

// Server is the API process: a chi router wrapped in a timeout-configured
// http.Server, run as a lifecycle service.
type Server struct {
	cfg        config.HTTPConfig
	issuer     *auth.Issuer
	csrfSecret string

	users       storage.UserStore
	funds       *wallet.Service
	market      *search.Service
	activations *activation.Service
	numbers     storage.NumberStore
	providers   storage.ProviderStore
	outbox      storage.OutboxStore
	registry    *catalog.Registry
	jobs        *queue.Service
	redis       *redis.Client

	router  *chi.Mux
	server  *http.Server
	log     *logger.Logger
	started time.Time
}

// New assembles the router and the underlying http.Server.
func New(cfg config.HTTPConfig, authCfg config.AuthConfig, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	s := &Server{
		cfg:         cfg,
		issuer:      auth.NewIssuer(authCfg.JWTSecret, authCfg.TokenTTL),
		csrfSecret:  authCfg.CSRFSecret,
		users:       deps.Users,
		funds:       deps.Funds,
		market:      deps.Market,
		activations: deps.Activations,
		numbers:     deps.Numbers,
		providers:   deps.Providers,
		outbox:      deps.Outbox,
		registry:    deps.Registry,
		jobs:        deps.Jobs,
		redis:       deps.Redis,
		router:      chi.NewRouter(),
		log:         log,
	}
	s.routes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.correlate)
	r.Use(s.logRequests)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", csrfHeaderName, correlationHeader},
		ExposedHeaders:   []string{correlationHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/system", s.handleSystemHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if s.cfg.IconBasePath != "" {
		r.Get("/assets/icons/{file}", s.handleIcon)
	}

	// Provider deliveries authenticate by HMAC signature, not by token.
	r.Post("/webhooks/{providerSlug}", s.handleProviderWebhook)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/me", s.handleMe)
			r.Post("/logout", s.handleLogout)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Use(s.csrf)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", s.handleWalletBalance)
			r.Post("/topup", s.handleWalletTopup)
			r.Get("/transactions", s.handleWalletTransactions)
		})

		r.Route("/search", func(r chi.Router) {
			r.Get("/services", s.handleSearchServices)
			r.Get("/countries", s.handleSearchCountries)
			r.Get("/providers", s.handleSearchProviders)
		})

		r.Route("/numbers", func(r chi.Router) {
			r.Post("/purchase", s.handlePurchase)
			r.Get("/my", s.handleMyNumbers)
			r.Get("/{numberID}", s.handleNumber)
			r.Post("/{numberID}/cancel", s.handleCancel)
			r.Post("/{numberID}/complete", s.handleComplete)
		})

		r.Get("/sms/{numberID}", s.handleMessages)

		r.Route("/webhook-endpoints", func(r chi.Router) {
			r.Get("/", s.handleListEndpoints)
			r.Post("/", s.handleCreateEndpoint)
			r.Delete("/{endpointID}", s.handleDeleteEndpoint)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/providers", s.handleAdminListProviders)
			r.Post("/providers", s.handleAdminCreateProvider)
			r.Put("/providers/{slug}", s.handleAdminUpdateProvider)
			r.Delete("/providers/{slug}", s.handleAdminDeleteProvider)
			r.Post("/providers/{slug}/sync", s.handleAdminSyncProvider)
		})
	})
}

// Name implements system.Service.
func (s *Server) Name() string { return "http-api" }

// Start binds the listener and serves in the background. Bind failures
// surface synchronously so the lifecycle manager can abort startup.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.started = time.Now().UTC()
	s.log.WithField("addr", s.server.Addr).Info("http api listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http api serve")
		}
	}()
	return nil
}

// Stop drains in-flight requests within the configured shutdown window.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
