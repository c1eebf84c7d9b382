package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joehospital/apiserver/config"
	"github.com/joehospital/apiserver/internal/auth"
	"github.com/joehospital/apiserver/internal/db"
	"github.com/joehospital/apiserver/internal/handlers"
	"github.com/joehospital/apiserver/internal/mailer"
	"github.com/joehospital/apiserver/internal/mq"
	"github.com/joehospital/apiserver/internal/services"
	"github.com/joehospital/apiserver/internal/storage"
	"github.com/joehospital/apiserver/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *zap.Logger
	closers    []func() error
}

// New wires the store, mailer, services and routes selected by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{logger: logger}
	clock := clockwork.NewRealClock()

	repo, err := s.openUserRepository(ctx, cfg, clock)
	if err != nil {
		return nil, err
	}

	mail, err := s.openMailer(ctx, cfg)
	if err != nil {
		_ = s.close()
		return nil, err
	}

	tokens := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		Issuer:        cfg.Auth.Issuer,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	}, clock, logger.Named("tokens"))

	authService := services.NewAuthService(
		repo,
		auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		tokens,
		mail,
		services.AuthOptions{
			LockoutThreshold: cfg.Auth.LockoutThreshold,
			LockoutWindow:    cfg.Auth.LockoutWindow,
			ResetTokenTTL:    cfg.Auth.ResetTokenTTL,
			ClientURL:        cfg.Auth.ClientURL,
		},
		clock,
		logger.Named("auth"),
	)
	userService := services.NewUserService(repo)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		router.Use(middleware.RealIP)
	}
	router.Use(
		handlers.RequestLogger(logger.Named("http")),
		middleware.Recoverer,
		handlers.SecurityHeaders,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authService, userService, logger.Named("http"), handlers.RateLimit(cfg.RateLimit))
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 5000
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) openUserRepository(ctx context.Context, cfg config.Config, clock clockwork.Clock) (services.UserRepository, error) {
	switch cfg.StoreDriver {
	case "", "postgres":
		conn, err := db.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.closers = append(s.closers, conn.Close)
		return store.NewUserRepository(conn, clock), nil
	case "mongo":
		client, database, err := db.OpenMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { return client.Disconnect(context.Background()) })
		repo := store.NewMongoUserRepository(database, clock)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = s.close()
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return repo, nil
	case "memory":
		s.logger.Warn("using in-memory user store; data is lost on restart")
		return store.NewMemoryUserRepository(clock), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (s *Server) openMailer(ctx context.Context, cfg config.Config) (services.Mailer, error) {
	logger := s.logger.Named("mailer")
	switch cfg.Mail.Driver {
	case "", "smtp":
		return mailer.NewSMTPMailer(cfg.Mail, logger)
	case "queue":
		queue, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, queue.Close)
		return mailer.NewQueueMailer(queue, cfg.Mail.Queue, logger), nil
	case "storage":
		objects, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		return mailer.NewStorageMailer(objects, cfg.Mail.From, nil, logger), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Mail.Driver)
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then releases the store and broker
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.close())
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
