package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/cache"
	"github.com/usermgmt/apiserver/internal/db"
	"github.com/usermgmt/apiserver/internal/handlers"
	"github.com/usermgmt/apiserver/internal/logging"
	"github.com/usermgmt/apiserver/internal/mailcheck"
	"github.com/usermgmt/apiserver/internal/mq"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/internal/storage"
	"github.com/usermgmt/apiserver/internal/store"
)

const requestTimeout = 60 * time.Second

// Server wraps the HTTP server, its router and every connection it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	closers    []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// New connects the configured backends and builds the router. Connections
// opened before a failure are closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{logger: logger}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	repo, err := s.openRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	backend, err := s.openCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	userCache := cache.New(backend, cache.JSONCodec{}, logger, cfg.Cache.StoreTimeout)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL)
	deps := services.Dependencies{
		Repo:   repo,
		Cache:  userCache,
		Tokens: tokens,
		Mail:   mailcheck.AllowAll{},
		Logger: logger,
	}
	if cfg.MailCheck {
		deps.Mail = mailcheck.New(nil, logger)
	}

	broker, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		return nil, err
	}
	if broker != nil {
		s.track("mq", broker)
		deps.Events = mq.NewPublisher(broker, cfg.MQ.Channel, logger, cfg.Cache.StoreTimeout)
		logger.Info("publishing user events", "backend", cfg.MQ.Backend, "channel", cfg.MQ.Channel)
	}

	objects, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if objects != nil {
		s.track("storage", objects)
		deps.Archiver = storage.NewArchiver(objects, cfg.Storage.Prefix)
		logger.Info("archiving snapshots before purge", "backend", cfg.Storage.Backend, "bucket", objects.Bucket())
	}

	userService := services.NewUserService(deps, services.Options{
		ListTTL:           cfg.Cache.ListTTL,
		DetailTTL:         cfg.Cache.DetailTTL,
		InvalidateOnWrite: cfg.Cache.InvalidateOnWrite,
		StoreTimeout:      cfg.Cache.StoreTimeout,
		BcryptCost:        cfg.Auth.BcryptCost,
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		logging.RequestLogger(logger),
		middleware.Timeout(requestTimeout),
	)
	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth/users", func(r chi.Router) {
		handlers.AuthRouter(r, userService, logger)
	})
	var routeErr error
	router.Route("/users", func(r chi.Router) {
		routeErr = handlers.UserRouter(r, userService, tokens, logger)
	})
	if routeErr != nil {
		return nil, routeErr
	}

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) openRepository(ctx context.Context, cfg config.DatabaseConfig) (services.UserRepository, error) {
	if cfg.Driver == config.DriverMemory {
		s.logger.Warn("using in-memory user store; data is lost on restart")
		return store.NewMemoryUserRepository(), nil
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.track("postgres", dbConn)
	return store.NewUserRepository(dbConn), nil
}

func (s *Server) openCache(ctx context.Context, cfg config.CacheConfig) (cache.Backend, error) {
	var (
		backend cache.Backend
		err     error
	)
	switch cfg.Backend {
	case config.CacheRedis:
		backend, err = cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		backend, err = cache.NewLRU(cfg.Size)
	}
	if err != nil {
		return nil, err
	}
	s.track("cache", backend)
	return backend, nil
}

func (s *Server) track(name string, c io.Closer) {
	s.closers = append(s.closers, namedCloser{name: name, c: c})
}

// closeAll closes tracked connections in reverse order of opening.
func (s *Server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		nc := s.closers[i]
		if err := nc.c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx is
// done, then closes every backend connection.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.closeAll())
}
