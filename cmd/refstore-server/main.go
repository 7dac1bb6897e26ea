package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/chi-demo/app"
	demomiddleware "github.com/tendant/chi-demo/middleware"
	"github.com/tendant/simple-refstore/pkg/refstore/api"
	"github.com/tendant/simple-refstore/pkg/refstore/config"
)

const envPrefix = "REFSTORE_"

func main() {
	logger := newLogger(os.Getenv(envPrefix + "ENVIRONMENT"))
	slog.SetDefault(logger)

	opts := []config.Option{}
	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		opts = append(opts, config.WithFile(path))
	}
	opts = append(opts, config.WithEnv(envPrefix))

	serverConfig, err := config.Load(opts...)
	if err != nil {
		logger.Error("Failed to load server configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := serverConfig.Build(ctx, logger)
	if err != nil {
		logger.Error("Failed to build refstore", "err", err)
		os.Exit(1)
	}
	defer components.Close()

	server := NewHTTPServer(components, serverConfig, logger)
	routes, err := server.Routes()
	if err != nil {
		logger.Error("Failed to set up routes", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", serverConfig.Port),
		Handler: routes,
	}

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		components.RunBackground(ctx)
	}()

	go func() {
		logger.Info("Refstore server starting",
			"port", serverConfig.Port,
			"env", serverConfig.Environment,
			"database", serverConfig.DatabaseType,
			"blob_tiers", len(serverConfig.BlobTiers),
			"replicators", len(serverConfig.Replication.Replicators),
			"snapshots", serverConfig.Snapshots.Enabled,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	background.Wait()

	logger.Info("Server exiting")
}

func newLogger(environment string) *slog.Logger {
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// HTTPServer serves the refstore API of the built components
type HTTPServer struct {
	components *config.Components
	config     *config.ServerConfig
	logger     *slog.Logger
}

// NewHTTPServer creates a new HTTP server wrapper
func NewHTTPServer(components *config.Components, serverConfig *config.ServerConfig, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{
		components: components,
		config:     serverConfig,
		logger:     logger,
	}
}

// Routes sets up the HTTP routes
func (s *HTTPServer) Routes() (http.Handler, error) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	app.RoutesHealthz(r)
	app.RoutesHealthzReady(r)
	r.Handle("/metrics", promhttp.Handler())

	var auth []func(http.Handler) http.Handler
	if len(s.config.Auth.APIKeySHA256) > 0 {
		apiKeyMiddleware, err := demomiddleware.ApiKeyMiddleware(demomiddleware.ApiKeyConfig{
			APIKeys: s.config.Auth.APIKeySHA256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize API key middleware: %w", err)
		}
		auth = append(auth, apiKeyMiddleware)
	}
	if s.config.Auth.JWTSecret != "" {
		tokenAuth := jwtauth.New("HS256", []byte(s.config.Auth.JWTSecret), nil)
		auth = append(auth, jwtauth.Verifier(tokenAuth), jwtauth.Authenticator)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth...)
		api.Register(r, s.components.APIConfig())
	})

	return r, nil
}
