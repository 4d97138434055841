// Package server sets up the HTTP server, router, and all route definitions.
//
// It is the composition root: New builds every dependency from config and
// wires it into handlers, so the rest of the code only ever sees interfaces.
//
// DEPENDENCY FLOW:
//
//	config → sqlite.DB → services → handlers → chi routes
//	         storage (local | gcs)     ↑
//	         verifier (firebase | hmac) ┘
//	         notifier (hub | redis → relay → hub)
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gangaguard/backend/internal/auth"
	"github.com/gangaguard/backend/internal/config"
	"github.com/gangaguard/backend/internal/handler"
	"github.com/gangaguard/backend/internal/metrics"
	"github.com/gangaguard/backend/internal/middleware"
	"github.com/gangaguard/backend/internal/realtime"
	sqliteRepo "github.com/gangaguard/backend/internal/repository/sqlite"
	"github.com/gangaguard/backend/internal/service"
	"github.com/gangaguard/backend/internal/storage"
	"github.com/gangaguard/backend/internal/telemetry"
)

// Version is stamped into traces; overridden at build time with -ldflags.
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// Server represents the HTTP server and all its dependencies. It owns the
// database, the storage client and the Redis connection and closes them when
// Run returns.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	hub     *realtime.Hub
	relay   *realtime.Relay
	metrics *metrics.Metrics

	closers []func(context.Context) error
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*deps)

type deps struct {
	verifier auth.Verifier
	admin    auth.IdentityAdmin
	store    storage.Store
}

// WithVerifier replaces the token verifier chosen by AUTH_MODE.
func WithVerifier(v auth.Verifier) Option {
	return func(d *deps) { d.verifier = v }
}

// WithIdentityAdmin replaces the password-reset backend.
func WithIdentityAdmin(a auth.IdentityAdmin) Option {
	return func(d *deps) { d.admin = a }
}

// WithStore replaces the evidence store chosen by STORAGE_PROVIDER.
func WithStore(s storage.Store) Option {
	return func(d *deps) { d.store = s }
}

// New creates a Server from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Server, err error) {
	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	var d deps
	for _, opt := range opts {
		opt(&d)
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceVersion: Version,
		Stdout:         cfg.TraceStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	s.closers = append(s.closers, shutdownTracing)

	// === DATABASE ===
	s.db, err = sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { return s.db.Close() })

	// === EVIDENCE STORAGE ===
	var uploads http.Handler
	if d.store == nil {
		d.store, uploads, err = s.openStore(ctx)
		if err != nil {
			return nil, err
		}
	}

	// === IDENTITY ===
	if d.verifier == nil {
		d.verifier, err = s.openVerifier()
		if err != nil {
			return nil, err
		}
	}
	if d.admin == nil && cfg.AuthMode == config.AuthFirebase {
		admin, err := auth.NewGoogleIdentityAdmin(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			logger.Warn("password reset disabled", slog.String("error", err.Error()))
		} else {
			d.admin = admin
		}
	}

	var apiKeys *auth.APIKeyChecker
	if cfg.MLAPIKeyHash != "" {
		apiKeys, err = auth.NewAPIKeyChecker(cfg.MLAPIKeyHash)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("ML_API_KEY_HASH not set, incident intake is unauthenticated")
	}

	// === REALTIME ===
	s.hub = realtime.NewHub(logger,
		realtime.WithAllowedOrigin(cfg.ClientOrigin),
		realtime.WithConnectionObserver(s.metrics),
	)
	var notifier realtime.Notifier = s.hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
		notifier = realtime.NewRedisNotifier(rdb, cfg.RedisChannel)
		s.relay = realtime.NewRelay(rdb, cfg.RedisChannel, s.hub, logger)
	}

	// === SERVICES ===
	users := service.NewUserService(s.db.Users(), d.store, d.admin, logger, nil)
	incidents := service.NewIncidentService(service.IncidentConfig{
		Incidents:       s.db.Incidents(),
		Store:           d.store,
		Notifier:        notifier,
		Metrics:         s.metrics,
		Logger:          logger,
		DefaultLocation: cfg.DefaultLocation(),
		BaseURL:         cfg.BaseURL,
	})
	board := service.NewLeaderboardService(s.db.Users(), s.db.Rewards(), logger, nil)
	ledger := service.NewLedgerService(s.db.Rewards(), s.db, logger)

	s.setupRoutes(routeDeps{
		incidents:   handler.NewIncidentHandler(incidents, users, logger),
		auth:        handler.NewAuthHandler(users, logger),
		leaderboard: handler.NewLeaderboardHandler(board, ledger, users, logger),
		health:      handler.NewHealthHandler(s.db, s.hub.ClientCount),
		verifier:    d.verifier,
		apiKeys:     apiKeys,
		limiter:     middleware.NewRateLimiter(cfg.MLRateLimit, cfg.MLRateBurst),
		uploads:     uploads,
	})

	return s, nil
}

func (s *Server) openStore(ctx context.Context) (storage.Store, http.Handler, error) {
	switch s.config.StorageProvider {
	case config.StorageGCS:
		g, err := storage.NewGCS(ctx, s.config.GCSBucket, s.config.GCSCredentialsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("opening GCS bucket: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return g.Close() })
		return g, nil, nil
	default:
		l, err := storage.NewLocal(s.config.UploadsDir)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Handler(), nil
	}
}

func (s *Server) openVerifier() (auth.Verifier, error) {
	switch s.config.AuthMode {
	case config.AuthHMAC:
		s.logger.Warn("AUTH_MODE=hmac: accepting locally signed tokens, do not use in production")
		return auth.NewTokenService(s.config.AuthHMACSecret)
	default:
		return auth.NewFirebaseVerifier(s.config.FirebaseProjectID)
	}
}

type routeDeps struct {
	incidents   *handler.IncidentHandler
	auth        *handler.AuthHandler
	leaderboard *handler.LeaderboardHandler
	health      *handler.HealthHandler
	verifier    auth.Verifier
	apiKeys     *auth.APIKeyChecker
	limiter     *middleware.RateLimiter
	uploads     http.Handler
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET  /                                → banner
//	GET  /healthz                         → readiness
//	GET  /metrics                         → Prometheus
//	GET  /ws                              → realtime events (websocket)
//	GET  /uploads/*                       → locally stored evidence
//	POST /api/incidents, /api/incidents/ml → ML intake      [API key, rate limit]
//	GET  /api/incidents/nearby            → discovery       [identity]
//	GET  /api/incidents/my                → my claims       [identity]
//	POST /api/incidents/{id}/accept       → claim           [identity]
//	POST /api/incidents/{id}/complete     → complete        [identity]
//	POST /api/incidents/{id}/decline      → decline         [identity]
//	GET  /api/leaderboard/{period}        → rankings
//	GET  /api/rewards/my                  → my ledger       [identity]
//	POST /api/auth/bootstrap|logout|update, GET /api/auth/me [identity]
//	POST /api/auth/reset-password
//
// Middleware order: RequestID, RealIP (the rate limiter keys on RemoteAddr),
// Logger, Recoverer, CORS.
func (s *Server) setupRoutes(d routeDeps) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger, s.metrics))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(corsOptions(s.config.ClientOrigin)))

	s.router.Get("/", d.health.HandleRoot)
	s.router.Get("/healthz", d.health.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())
	s.router.Handle("/ws", s.hub)
	if d.uploads != nil {
		s.router.Handle(storage.URLPrefix+"*", d.uploads)
	}

	requireIdentity := auth.RequireIdentity(d.verifier, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/incidents", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(d.limiter.Middleware)
				r.Use(auth.RequireAPIKey(d.apiKeys))
				r.Post("/", d.incidents.HandleCreate)
				r.Post("/ml", d.incidents.HandleCreate)
			})
			r.Group(func(r chi.Router) {
				r.Use(requireIdentity)
				r.Get("/nearby", d.incidents.HandleNearby)
				r.Get("/my", d.incidents.HandleMine)
				r.Post("/{id}/accept", d.incidents.HandleAccept)
				r.Post("/{id}/complete", d.incidents.HandleComplete)
				r.Post("/{id}/decline", d.incidents.HandleDecline)
			})
		})

		r.Get("/leaderboard/{period}", d.leaderboard.HandleBoard)
		r.With(requireIdentity).Get("/rewards/my", d.leaderboard.HandleMyRewards)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/reset-password", d.auth.HandleResetPassword)
			r.Group(func(r chi.Router) {
				r.Use(requireIdentity)
				r.Post("/bootstrap", d.auth.HandleBootstrap)
				r.Get("/me", d.auth.HandleMe)
				r.Post("/update", d.auth.HandleUpdate)
				r.Post("/logout", d.auth.HandleLogout)
			})
		})
	})
}

func corsOptions(origin string) cors.Options {
	origins := []string{"*"}
	if origin != "" && origin != "*" {
		origins = strings.Split(origin, ",")
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", auth.APIKeyHeader},
		MaxAge:         300,
	}
}

// Handler is the root handler with tracing. Probes, metrics scrapes and
// websocket upgrades are not traced.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "gangaguard",
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/ws", "/healthz", "/metrics":
				return false
			}
			return true
		}),
	)
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves HTTP (and relays Redis events, if configured) until ctx is
// cancelled or one of them fails, then shuts down gracefully:
//
//  1. disconnect websocket clients (hijacked conns are not tracked by Shutdown)
//  2. stop accepting connections and wait up to 30s for in-flight requests
//  3. close Redis, storage and the database, flush traces
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("database", s.config.DBPath),
			slog.String("storage", s.config.StorageProvider),
			slog.String("auth", s.config.AuthMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// close releases resources in reverse order of acquisition.
func (s *Server) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("closing resource", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}
